// Package memory provides the in-process player work queue.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/roster-crawler/internal/metrics"
	"github.com/JakeFAU/roster-crawler/internal/roster"
)

// ErrEmpty is returned by Dequeue when no item arrived within the timeout.
// It does not mean the queue is exhausted; see Exhausted.
var ErrEmpty = errors.New("queue empty")

// Queue is a bounded queue of player identifiers. Enqueue skips identifiers
// already resolved in the fact cache or already enqueued during this run.
// Every dequeued item must be acknowledged with Done.
type Queue struct {
	ch    chan roster.FineTaskID
	facts roster.FactReader

	mu       sync.Mutex
	seen     map[roster.FineTaskID]struct{}
	pending  int
	drained  chan struct{}
	finished bool
	finishCh chan struct{}
}

// NewQueue constructs a new queue with the provided capacity.
func NewQueue(capacity int, facts roster.FactReader) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	drained := make(chan struct{})
	close(drained)
	return &Queue{
		ch:       make(chan roster.FineTaskID, capacity),
		facts:    facts,
		seen:     make(map[roster.FineTaskID]struct{}),
		drained:  drained,
		finishCh: make(chan struct{}),
	}
}

// Enqueue pushes a player unless it is already resolved or already seen this
// run. It blocks while the queue is full. Reports whether the item was added.
func (q *Queue) Enqueue(ctx context.Context, id roster.FineTaskID) (bool, error) {
	if id == "" {
		return false, nil
	}
	if q.facts != nil && q.facts.Get(id).Attempted() {
		return false, nil
	}

	q.mu.Lock()
	if q.finished {
		q.mu.Unlock()
		return false, errors.New("enqueue after finish")
	}
	if _, dup := q.seen[id]; dup {
		q.mu.Unlock()
		return false, nil
	}
	q.seen[id] = struct{}{}
	if q.pending == 0 {
		q.drained = make(chan struct{})
	}
	q.pending++
	pending := q.pending
	q.mu.Unlock()
	metrics.SetQueuePending(pending)

	select {
	case <-ctx.Done():
		q.mu.Lock()
		delete(q.seen, id)
		q.mu.Unlock()
		q.Done()
		return false, fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case q.ch <- id:
		return true, nil
	}
}

// Dequeue waits up to timeout for the next item. It returns ErrEmpty when
// nothing arrived in time or the producer finished with nothing buffered.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (roster.FineTaskID, error) {
	select {
	case id := <-q.ch:
		return id, nil
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return "", fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case id := <-q.ch:
		return id, nil
	case <-q.finishCh:
		select {
		case id := <-q.ch:
			return id, nil
		default:
			return "", ErrEmpty
		}
	case <-timer.C:
		return "", ErrEmpty
	}
}

// Done acknowledges one dequeued item, whatever its outcome.
func (q *Queue) Done() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pending == 0 {
		return
	}
	q.pending--
	metrics.SetQueuePending(q.pending)
	if q.pending == 0 {
		close(q.drained)
	}
}

// Finish signals that the producer will enqueue nothing more.
func (q *Queue) Finish() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.finished {
		return
	}
	q.finished = true
	close(q.finishCh)
}

// Exhausted reports whether the producer finished and nothing is buffered.
func (q *Queue) Exhausted() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.finished && len(q.ch) == 0
}

// Pending returns the number of items enqueued but not yet done.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending
}

// Discard drops buffered items without processing them, marking each done.
// Used on cancellation once workers have stopped.
func (q *Queue) Discard() int {
	dropped := 0
	for {
		select {
		case <-q.ch:
			dropped++
			q.Done()
		default:
			return dropped
		}
	}
}

// Join blocks until every enqueued item has been marked done.
func (q *Queue) Join(ctx context.Context) error {
	q.mu.Lock()
	drained := q.drained
	q.mu.Unlock()

	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("join canceled: %w", ctx.Err())
	}
}
