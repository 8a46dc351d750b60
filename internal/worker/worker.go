// Package worker resolves player profile facts from the detail work queue.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/roster-crawler/internal/metrics"
	"github.com/JakeFAU/roster-crawler/internal/queue/memory"
	"github.com/JakeFAU/roster-crawler/internal/roster"
)

// Queue is the consumer side of the detail work queue.
type Queue interface {
	Dequeue(ctx context.Context, timeout time.Duration) (roster.FineTaskID, error)
	Done()
	Exhausted() bool
}

// FactStore is the fact cache as seen by a worker.
type FactStore interface {
	Get(id roster.FineTaskID) roster.FactValue
	Put(id roster.FineTaskID, value roster.FactValue) bool
	PersistIfDue(ctx context.Context) (bool, error)
}

// RetryPolicy decides whether and when to retry a failed fetch.
type RetryPolicy interface {
	ShouldRetry(err error, attempt int) bool
	Backoff(attempt int) time.Duration
}

// Config controls Worker behavior.
type Config struct {
	BaseURL      string
	UserAgent    string
	PollInterval time.Duration
	FetchTimeout time.Duration
}

// Stats accumulates outcomes across all workers of a run.
type Stats struct {
	present  atomic.Int64
	absent   atomic.Int64
	failures atomic.Int64
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	Present  int
	Absent   int
	Failures int
}

// Snapshot returns the current counters.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Present:  int(s.present.Load()),
		Absent:   int(s.absent.Load()),
		Failures: int(s.failures.Load()),
	}
}

// Worker consumes player identifiers and records their fact in the cache.
type Worker struct {
	id      int
	queue   Queue
	facts   FactStore
	fetcher roster.PageFetcher
	parser  roster.DetailPageParser
	retry   RetryPolicy
	stats   *Stats
	cfg     Config
	logger  *zap.Logger
}

// New constructs a Worker. stats may be shared between workers.
func New(
	id int,
	queue Queue,
	facts FactStore,
	fetcher roster.PageFetcher,
	parser roster.DetailPageParser,
	retry RetryPolicy,
	stats *Stats,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if retry == nil {
		retry = NewExponentialRetryPolicy(0, 0, 0)
	}
	if stats == nil {
		stats = &Stats{}
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 250 * time.Millisecond
	}
	return &Worker{
		id:      id,
		queue:   queue,
		facts:   facts,
		fetcher: fetcher,
		parser:  parser,
		retry:   retry,
		stats:   stats,
		cfg:     cfg,
		logger:  logger.With(zap.Int("worker", id)),
	}
}

// Run consumes items until the queue is exhausted or the context finishes.
func (w *Worker) Run(ctx context.Context) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	for {
		if ctx.Err() != nil {
			return
		}
		id, err := w.queue.Dequeue(ctx, w.cfg.PollInterval)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, memory.ErrEmpty) {
				if w.queue.Exhausted() {
					w.logger.Debug("queue exhausted, worker stopping")
					return
				}
				continue
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.processItem(ctx, id)
	}
}

func (w *Worker) processItem(ctx context.Context, id roster.FineTaskID) {
	defer w.queue.Done()
	defer func() {
		if r := recover(); r != nil {
			w.stats.failures.Add(1)
			metrics.ObserveFineTask("failed")
			w.logger.Error("player task panicked", zap.String("player", string(id)), zap.Any("panic", r))
		}
	}()

	if w.facts.Get(id).Attempted() {
		w.logger.Debug("player already resolved, skipping", zap.String("player", string(id)))
		return
	}

	value, err := w.resolve(ctx, id)
	if err != nil {
		if ctx.Err() != nil {
			w.logger.Debug("player task canceled", zap.String("player", string(id)))
			return
		}
		w.stats.failures.Add(1)
		metrics.ObserveFineTask("failed")
		w.logger.Warn("player fetch failed, leaving unattempted",
			zap.String("player", string(id)),
			zap.String("class", roster.Classify(err)),
			zap.Error(err),
		)
		return
	}

	w.facts.Put(id, value)
	if value.State == roster.FactPresent {
		w.stats.present.Add(1)
		metrics.ObserveFineTask("present")
	} else {
		w.stats.absent.Add(1)
		metrics.ObserveFineTask("absent")
	}
	w.logger.Debug("player resolved", zap.String("player", string(id)), zap.Stringer("fact", value))

	if _, err := w.facts.PersistIfDue(context.WithoutCancel(ctx)); err != nil {
		w.logger.Error("fact cache flush failed", zap.Error(err))
	}
}

func (w *Worker) resolve(ctx context.Context, id roster.FineTaskID) (roster.FactValue, error) {
	url := roster.ProfileURL(w.cfg.BaseURL, id)
	for attempt := 1; ; attempt++ {
		value, err := w.attempt(ctx, url)
		if err == nil {
			return value, nil
		}
		if !w.retry.ShouldRetry(err, attempt) {
			return roster.FactValue{}, err
		}
		wait := w.retry.Backoff(attempt)
		w.logger.Debug("retrying player fetch",
			zap.String("player", string(id)),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return roster.FactValue{}, fmt.Errorf("retry wait: %w", ctx.Err())
		case <-timer.C:
		}
	}
}

// attempt fetches and parses one profile. A fetch already started is not
// interrupted by run cancellation; only FetchTimeout bounds it.
func (w *Worker) attempt(ctx context.Context, url string) (roster.FactValue, error) {
	req := roster.FetchRequest{URL: url, Timeout: w.cfg.FetchTimeout}
	if w.cfg.UserAgent != "" {
		req.Headers = map[string]string{"User-Agent": w.cfg.UserAgent}
	}

	fetchCtx, cancel := roster.FetchContext(ctx, w.cfg.FetchTimeout)
	defer cancel()
	resp, err := w.fetcher.Fetch(fetchCtx, req)
	if err != nil {
		metrics.ObserveFetchError("profile", roster.Classify(err))
		var transportErr *roster.TransportError
		if errors.As(err, &transportErr) || errors.Is(err, context.Canceled) {
			return roster.FactValue{}, fmt.Errorf("profile fetch: %w", err)
		}
		return roster.FactValue{}, fmt.Errorf("profile fetch: %w", &roster.TransportError{URL: url, Err: err})
	}
	metrics.ObserveFetch("profile", resp.Duration)
	if !resp.OK() {
		metrics.ObserveFetchError("profile", roster.ClassTransport)
		return roster.FactValue{}, fmt.Errorf("profile fetch: %w", &roster.TransportError{URL: url, StatusCode: resp.StatusCode})
	}

	text, found, err := w.parser.ParseFact(resp.Body)
	if err != nil {
		metrics.ObserveFetchError("profile", roster.ClassParse)
		return roster.FactValue{}, fmt.Errorf("parse profile %s: %w", url, err)
	}
	if !found {
		return roster.Absent(), nil
	}
	return roster.Present(text), nil
}
