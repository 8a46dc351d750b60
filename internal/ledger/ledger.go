// Package ledger tracks which team-season tasks have been fully processed.
package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/roster-crawler/internal/metrics"
	"github.com/JakeFAU/roster-crawler/internal/roster"
)

// Ledger is the durable set of completed CoarseTaskIDs. Add must only be
// called after the task's artifact has been durably written.
type Ledger struct {
	backend roster.LedgerBackend
	logger  *zap.Logger

	mu    sync.RWMutex
	tasks map[roster.CoarseTaskID]struct{}

	persistMu sync.Mutex
}

// New builds an empty Ledger. Call Load to restore durable state.
func New(backend roster.LedgerBackend, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{
		backend: backend,
		logger:  logger,
		tasks:   make(map[roster.CoarseTaskID]struct{}),
	}
}

// Load replaces the in-memory set with the backend's. A missing store loads
// as empty.
func (l *Ledger) Load(ctx context.Context) error {
	tasks, err := l.backend.LoadLedger(ctx)
	if err != nil {
		return fmt.Errorf("load ledger: %w", err)
	}
	loaded := make(map[roster.CoarseTaskID]struct{}, len(tasks))
	for _, task := range tasks {
		if task.Team == "" || task.Year <= 0 {
			return fmt.Errorf("load ledger: entry %q: %w", task, roster.ErrCorruptState)
		}
		loaded[task] = struct{}{}
	}

	l.mu.Lock()
	l.tasks = loaded
	l.mu.Unlock()

	l.logger.Info("completion ledger loaded", zap.Int("entries", len(loaded)))
	return nil
}

// Contains reports whether the task is ledgered.
func (l *Ledger) Contains(task roster.CoarseTaskID) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.tasks[task]
	return ok
}

// Add marks the task complete in memory. Call Persist to make it durable.
func (l *Ledger) Add(task roster.CoarseTaskID) {
	l.mu.Lock()
	l.tasks[task] = struct{}{}
	l.mu.Unlock()
}

// Len returns the number of ledgered tasks.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.tasks)
}

// Tasks returns the ledgered tasks in (team, year) order.
func (l *Ledger) Tasks() []roster.CoarseTaskID {
	l.mu.RLock()
	out := make([]roster.CoarseTaskID, 0, len(l.tasks))
	for task := range l.tasks {
		out = append(out, task)
	}
	l.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// Persist writes the full set to the backend.
func (l *Ledger) Persist(ctx context.Context) error {
	l.persistMu.Lock()
	defer l.persistMu.Unlock()

	tasks := l.Tasks()
	err := l.backend.SaveLedger(ctx, tasks)
	metrics.ObserveStateFlush("ledger", err)
	if err != nil {
		return fmt.Errorf("save ledger: %w", err)
	}
	return nil
}
