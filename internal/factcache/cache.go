// Package factcache holds the durable player→fact mapping shared by the
// detail workers, the coarse driver and the finalizer.
package factcache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/roster-crawler/internal/metrics"
	"github.com/JakeFAU/roster-crawler/internal/roster"
)

// Config controls how often the cache is flushed to its backend.
//   - FlushEvery: flush once this many mutations are pending (default 1).
//   - FlushInterval: flush pending mutations after this long even if fewer
//     than FlushEvery accumulated (default 10s).
type Config struct {
	FlushEvery    int
	FlushInterval time.Duration
}

const (
	defaultFlushEvery    = 1
	defaultFlushInterval = 10 * time.Second
)

// Cache is a mutex-guarded FineTaskID→FactValue map. Reads and writes are
// linearizable; persistence runs on a snapshot outside the lock.
type Cache struct {
	backend roster.FactBackend
	clock   roster.Clock
	cfg     Config
	logger  *zap.Logger

	mu        sync.RWMutex
	facts     map[roster.FineTaskID]roster.FactValue
	version   uint64
	flushed   uint64
	lastFlush time.Time

	// persistMu serializes flushes so an older snapshot never lands after a newer one.
	persistMu sync.Mutex
}

// New builds an empty Cache. Call Load to restore durable state.
func New(backend roster.FactBackend, cfg Config, clock roster.Clock, logger *zap.Logger) *Cache {
	if cfg.FlushEvery <= 0 {
		cfg.FlushEvery = defaultFlushEvery
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaultFlushInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Cache{
		backend: backend,
		clock:   clock,
		cfg:     cfg,
		logger:  logger,
		facts:   make(map[roster.FineTaskID]roster.FactValue),
	}
	c.lastFlush = c.now()
	return c
}

// Load replaces the in-memory state with the backend's. A missing store loads
// as empty; undecodable or invalid entries fail with roster.ErrCorruptState.
func (c *Cache) Load(ctx context.Context) error {
	facts, err := c.backend.LoadFacts(ctx)
	if err != nil {
		return fmt.Errorf("load facts: %w", err)
	}
	loaded := make(map[roster.FineTaskID]roster.FactValue, len(facts))
	for id, value := range facts {
		if id == "" || !value.Valid() {
			return fmt.Errorf("load facts: entry %q: %w", id, roster.ErrCorruptState)
		}
		if !value.Attempted() {
			continue
		}
		loaded[id] = value
	}

	c.mu.Lock()
	c.facts = loaded
	c.version = 0
	c.flushed = 0
	c.lastFlush = c.now()
	c.mu.Unlock()

	metrics.SetFactCacheEntries(len(loaded))
	c.logger.Info("fact cache loaded", zap.Int("entries", len(loaded)))
	return nil
}

// Get returns the current value; unknown keys are unattempted.
func (c *Cache) Get(id roster.FineTaskID) roster.FactValue {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.facts[id]
}

// Put records an attempted outcome. Unattempted values are ignored; use
// Invalidate to reset a key. Reports whether the stored value changed.
func (c *Cache) Put(id roster.FineTaskID, value roster.FactValue) bool {
	if id == "" || !value.Attempted() {
		return false
	}
	c.mu.Lock()
	prev, ok := c.facts[id]
	if ok && prev == value {
		c.mu.Unlock()
		return false
	}
	c.facts[id] = value
	c.version++
	size := len(c.facts)
	c.mu.Unlock()

	metrics.SetFactCacheEntries(size)
	return true
}

// Invalidate returns a key to unattempted so a later run fetches it again.
func (c *Cache) Invalidate(id roster.FineTaskID) bool {
	c.mu.Lock()
	if _, ok := c.facts[id]; !ok {
		c.mu.Unlock()
		return false
	}
	delete(c.facts, id)
	c.version++
	size := len(c.facts)
	c.mu.Unlock()

	metrics.SetFactCacheEntries(size)
	return true
}

// Snapshot returns a copy safe for read-only consumers.
func (c *Cache) Snapshot() map[roster.FineTaskID]roster.FactValue {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[roster.FineTaskID]roster.FactValue, len(c.facts))
	for id, value := range c.facts {
		out[id] = value
	}
	return out
}

// Len returns the number of attempted entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.facts)
}

// Dirty reports the number of mutations not yet persisted.
func (c *Cache) Dirty() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return int(c.version - c.flushed)
}

// Persist writes the full mapping to the backend when it has changed since
// the last successful flush.
func (c *Cache) Persist(ctx context.Context) error {
	c.persistMu.Lock()
	defer c.persistMu.Unlock()

	c.mu.RLock()
	version := c.version
	if version == c.flushed {
		c.mu.RUnlock()
		return nil
	}
	snapshot := make(map[roster.FineTaskID]roster.FactValue, len(c.facts))
	for id, value := range c.facts {
		snapshot[id] = value
	}
	c.mu.RUnlock()

	err := c.backend.SaveFacts(ctx, snapshot)
	metrics.ObserveStateFlush("facts", err)
	if err != nil {
		return fmt.Errorf("save facts: %w", err)
	}

	c.mu.Lock()
	if version > c.flushed {
		c.flushed = version
	}
	c.lastFlush = c.now()
	c.mu.Unlock()

	c.logger.Debug("fact cache persisted", zap.Int("entries", len(snapshot)))
	return nil
}

// PersistIfDue flushes when FlushEvery mutations are pending or FlushInterval
// has elapsed with anything pending. Reports whether a flush ran.
func (c *Cache) PersistIfDue(ctx context.Context) (bool, error) {
	c.mu.RLock()
	pending := c.version - c.flushed
	elapsed := c.now().Sub(c.lastFlush)
	c.mu.RUnlock()

	if pending == 0 {
		return false, nil
	}
	if int(pending) < c.cfg.FlushEvery && elapsed < c.cfg.FlushInterval {
		return false, nil
	}
	if err := c.Persist(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// FlushInterval returns the effective time-based flush period.
func (c *Cache) FlushInterval() time.Duration {
	return c.cfg.FlushInterval
}

// Counts returns the number of present and absent entries.
func (c *Cache) Counts() (present, absent int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, value := range c.facts {
		switch value.State {
		case roster.FactPresent:
			present++
		case roster.FactAbsent:
			absent++
		}
	}
	return present, absent
}

func (c *Cache) now() time.Time {
	if c.clock == nil {
		return time.Now()
	}
	return c.clock.Now()
}
