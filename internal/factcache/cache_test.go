package factcache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/roster-crawler/internal/roster"
	"github.com/JakeFAU/roster-crawler/internal/state/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestPutGetAndNoDowngrade(t *testing.T) {
	t.Parallel()

	cache := New(memory.New(), Config{}, nil, zap.NewNop())
	id := roster.FineTaskID("/players/A/AlphAl00.htm")

	require.Equal(t, roster.Unattempted(), cache.Get(id))
	require.False(t, cache.Put(id, roster.Unattempted()), "unattempted writes are ignored")
	require.True(t, cache.Put(id, roster.Absent()))
	require.False(t, cache.Put(id, roster.Absent()), "identical writes do not count as changes")
	require.True(t, cache.Put(id, roster.Present("Central HS")))
	require.False(t, cache.Put(id, roster.Unattempted()))
	require.Equal(t, roster.Present("Central HS"), cache.Get(id))

	present, absent := cache.Counts()
	require.Equal(t, 1, present)
	require.Zero(t, absent)
}

func TestInvalidate(t *testing.T) {
	t.Parallel()

	cache := New(memory.New(), Config{}, nil, nil)
	id := roster.FineTaskID("/players/B/BravBo00.htm")

	require.False(t, cache.Invalidate(id))
	cache.Put(id, roster.Absent())
	require.True(t, cache.Invalidate(id))
	require.Equal(t, roster.Unattempted(), cache.Get(id))
	require.Zero(t, cache.Len())
}

func TestSnapshotIsACopy(t *testing.T) {
	t.Parallel()

	cache := New(memory.New(), Config{}, nil, nil)
	cache.Put("a", roster.Present("x"))

	snap := cache.Snapshot()
	snap["b"] = roster.Absent()
	require.Equal(t, 1, cache.Len())
}

func TestConcurrentPutsAreLinearizable(t *testing.T) {
	t.Parallel()

	cache := New(memory.New(), Config{FlushEvery: 5}, nil, nil)
	var wg sync.WaitGroup
	for w := 0; w < 16; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				id := roster.FineTaskID(fmt.Sprintf("/players/%d", i))
				cache.Put(id, roster.Present(fmt.Sprintf("school-%d", i)))
				_ = cache.Get(id)
				if _, err := cache.PersistIfDue(context.Background()); err != nil {
					t.Errorf("persist: %v", err)
				}
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 100, cache.Len())
	require.NoError(t, cache.Persist(context.Background()))
	require.Zero(t, cache.Dirty())
}

func TestPersistAndLoadRoundTrip(t *testing.T) {
	t.Parallel()

	backend := memory.New()
	cache := New(backend, Config{}, nil, nil)
	cache.Put("present", roster.Present("Lincoln (Dallas, TX)"))
	cache.Put("absent", roster.Absent())
	require.NoError(t, cache.Persist(context.Background()))

	restored := New(backend, Config{}, nil, nil)
	require.NoError(t, restored.Load(context.Background()))
	require.Equal(t, cache.Snapshot(), restored.Snapshot())
	require.Zero(t, restored.Dirty())
}

func TestPersistSkipsWhenClean(t *testing.T) {
	t.Parallel()

	backend := memory.New()
	cache := New(backend, Config{}, nil, nil)
	require.NoError(t, cache.Persist(context.Background()))
	require.Zero(t, backend.FactSaves())

	cache.Put("a", roster.Absent())
	require.NoError(t, cache.Persist(context.Background()))
	require.NoError(t, cache.Persist(context.Background()))
	require.Equal(t, 1, backend.FactSaves())
}

func TestPersistIfDueByCount(t *testing.T) {
	t.Parallel()

	backend := memory.New()
	clock := &fakeClock{now: time.Unix(1000, 0)}
	cache := New(backend, Config{FlushEvery: 3, FlushInterval: time.Hour}, clock, nil)

	for i, id := range []roster.FineTaskID{"a", "b"} {
		cache.Put(id, roster.Absent())
		flushed, err := cache.PersistIfDue(context.Background())
		require.NoError(t, err)
		require.False(t, flushed, "put %d should not flush", i)
	}
	cache.Put("c", roster.Absent())
	flushed, err := cache.PersistIfDue(context.Background())
	require.NoError(t, err)
	require.True(t, flushed)
	require.Equal(t, 1, backend.FactSaves())
}

func TestPersistIfDueByInterval(t *testing.T) {
	t.Parallel()

	backend := memory.New()
	clock := &fakeClock{now: time.Unix(1000, 0)}
	cache := New(backend, Config{FlushEvery: 100, FlushInterval: 10 * time.Second}, clock, nil)

	cache.Put("a", roster.Present("x"))
	flushed, err := cache.PersistIfDue(context.Background())
	require.NoError(t, err)
	require.False(t, flushed)

	clock.Advance(11 * time.Second)
	flushed, err = cache.PersistIfDue(context.Background())
	require.NoError(t, err)
	require.True(t, flushed)

	clock.Advance(time.Minute)
	flushed, err = cache.PersistIfDue(context.Background())
	require.NoError(t, err)
	require.False(t, flushed, "nothing pending")
}

func TestPersistFailureKeepsDirty(t *testing.T) {
	t.Parallel()

	backend := memory.New()
	backend.SetFailures(nil, errors.New("disk full"))
	cache := New(backend, Config{}, nil, nil)
	cache.Put("a", roster.Absent())

	err := cache.Persist(context.Background())
	require.ErrorContains(t, err, "save facts: disk full")
	require.Equal(t, 1, cache.Dirty())
}

func TestLoadErrors(t *testing.T) {
	t.Parallel()

	backend := memory.New()
	backend.SetFailures(fmt.Errorf("decode: %w", roster.ErrCorruptState), nil)
	cache := New(backend, Config{}, nil, nil)
	err := cache.Load(context.Background())
	require.ErrorIs(t, err, roster.ErrCorruptState)

	invalid := memory.New()
	require.NoError(t, invalid.SaveFacts(context.Background(), map[roster.FineTaskID]roster.FactValue{
		"a": {State: "bogus"},
	}))
	cache = New(invalid, Config{}, nil, nil)
	require.ErrorIs(t, cache.Load(context.Background()), roster.ErrCorruptState)
}

func TestFlushIntervalDefault(t *testing.T) {
	t.Parallel()

	require.Equal(t, 10*time.Second, New(memory.New(), Config{}, nil, nil).FlushInterval())
	require.Equal(t, time.Second, New(memory.New(), Config{FlushInterval: time.Second}, nil, nil).FlushInterval())
}
