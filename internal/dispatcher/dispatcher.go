// Package dispatcher runs the fixed-size detail worker pool.
package dispatcher

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/roster-crawler/internal/worker"
)

// Runner is a single pool member.
type Runner interface {
	Run(ctx context.Context)
}

// Pool fans queue work out to a fixed set of workers.
type Pool struct {
	workers []Runner
	logger  *zap.Logger

	once sync.Once
	g    errgroup.Group
}

// New creates a Pool over the given workers.
func New(workers []Runner, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{workers: workers, logger: logger}
}

// FromWorkers adapts concrete workers to a Pool.
func FromWorkers(workers []*worker.Worker, logger *zap.Logger) *Pool {
	runners := make([]Runner, 0, len(workers))
	for _, w := range workers {
		runners = append(runners, w)
	}
	return New(runners, logger)
}

// Size returns the number of workers.
func (p *Pool) Size() int {
	return len(p.workers)
}

// Start launches every worker. Calling Start more than once has no effect.
func (p *Pool) Start(ctx context.Context) {
	p.once.Do(func() {
		p.logger.Info("starting worker pool", zap.Int("workers", len(p.workers)))
		for _, w := range p.workers {
			p.g.Go(func() error {
				w.Run(ctx)
				return nil
			})
		}
	})
}

// Wait blocks until every worker has returned, either because the queue was
// exhausted or because ctx was canceled.
func (p *Pool) Wait() {
	_ = p.g.Wait()
	p.logger.Info("worker pool stopped")
}

// Run starts the pool and waits for it.
func (p *Pool) Run(ctx context.Context) {
	p.Start(ctx)
	p.Wait()
}
