// Package pipeline coordinates a full crawl: loading durable state, running
// the roster driver alongside the player worker pool, draining, backfilling
// artifacts and exporting the consolidated report.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/roster-crawler/internal/dispatcher"
	"github.com/JakeFAU/roster-crawler/internal/driver"
	"github.com/JakeFAU/roster-crawler/internal/factcache"
	"github.com/JakeFAU/roster-crawler/internal/ledger"
	"github.com/JakeFAU/roster-crawler/internal/metrics"
	"github.com/JakeFAU/roster-crawler/internal/queue/memory"
	"github.com/JakeFAU/roster-crawler/internal/roster"
	"github.com/JakeFAU/roster-crawler/internal/worker"
)

// Phase is the coordinator's lifecycle state. Transitions only move forward.
type Phase string

// Coordinator phases.
const (
	PhaseIdle       Phase = "idle"
	PhaseLoading    Phase = "loading"
	PhaseRunning    Phase = "running"
	PhaseDraining   Phase = "draining"
	PhaseFinalizing Phase = "finalizing"
	PhaseDone       Phase = "done"
	PhaseAborted    Phase = "aborted"
)

var phaseOrder = map[Phase]int{
	PhaseIdle:       0,
	PhaseLoading:    1,
	PhaseRunning:    2,
	PhaseDraining:   3,
	PhaseFinalizing: 4,
	PhaseDone:       5,
	PhaseAborted:    5,
}

// Corrupt-state policies.
const (
	OnCorruptFail  = "fail"
	OnCorruptReset = "reset"
)

// Deps are the collaborators a Coordinator drives.
type Deps struct {
	Facts     roster.FactBackend
	Ledger    roster.LedgerBackend
	Artifacts roster.ArtifactStore
	Exporter  roster.ReportExporter
	Fetcher   roster.PageFetcher
	// ProfileFetcher defaults to Fetcher.
	ProfileFetcher roster.PageFetcher
	RosterParser   roster.CoarsePageParser
	ProfileParser  roster.DetailPageParser
	Publisher      roster.Publisher
	Clock          roster.Clock
}

// Config controls a Coordinator.
type Config struct {
	RunID          string
	Tasks          []roster.CoarseTaskID
	BaseURL        string
	UserAgent      string
	FetchTimeout   time.Duration
	CoarseDelayMin time.Duration
	CoarseDelayMax time.Duration
	Workers        int
	PollInterval   time.Duration
	QueueDepth     int
	MaxAttempts    int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	FlushEvery     int
	FlushInterval  time.Duration
	OnCorrupt      string
	Topic          string
}

// Summary describes a finished run.
type Summary struct {
	RunID        string           `json:"run_id"`
	Phase        Phase            `json:"phase"`
	StartedAt    time.Time        `json:"started_at"`
	FinishedAt   time.Time        `json:"finished_at"`
	Counts       roster.RunCounts `json:"counts"`
	// Sections is the number of roster sheets in the exported report.
	Sections     int              `json:"sections"`
	Inconsistent []string         `json:"inconsistent,omitempty"`
	Canceled     bool             `json:"canceled"`
}

// Status is a live view of a coordinator for the status endpoint.
type Status struct {
	RunID        string `json:"run_id"`
	Phase        Phase  `json:"phase"`
	QueuePending int    `json:"queue_pending"`
	CacheEntries int    `json:"cache_entries"`
	Ledgered     int    `json:"ledgered"`
}

// Coordinator runs the pipeline once.
type Coordinator struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger

	cache  *factcache.Cache
	ledger *ledger.Ledger

	mu    sync.RWMutex
	phase Phase
	queue *memory.Queue
}

// New validates deps and builds a Coordinator in the idle phase.
func New(cfg Config, deps Deps, logger *zap.Logger) (*Coordinator, error) {
	switch {
	case deps.Facts == nil:
		return nil, errors.New("fact backend is required")
	case deps.Ledger == nil:
		return nil, errors.New("ledger backend is required")
	case deps.Artifacts == nil:
		return nil, errors.New("artifact store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RunID != "" {
		logger = logger.With(zap.String("run_id", cfg.RunID))
	}
	if deps.ProfileFetcher == nil {
		deps.ProfileFetcher = deps.Fetcher
	}
	if deps.Clock == nil {
		deps.Clock = wallClock{}
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 256
	}
	if cfg.OnCorrupt == "" {
		cfg.OnCorrupt = OnCorruptFail
	}
	return &Coordinator{
		cfg:    cfg,
		deps:   deps,
		logger: logger,
		cache: factcache.New(deps.Facts, factcache.Config{
			FlushEvery:    cfg.FlushEvery,
			FlushInterval: cfg.FlushInterval,
		}, deps.Clock, logger),
		ledger: ledger.New(deps.Ledger, logger),
		phase:  PhaseIdle,
	}, nil
}

// Phase returns the current phase.
func (c *Coordinator) Phase() Phase {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.phase
}

// Status returns a live snapshot.
func (c *Coordinator) Status() Status {
	c.mu.RLock()
	phase, queue := c.phase, c.queue
	c.mu.RUnlock()

	st := Status{
		RunID:        c.cfg.RunID,
		Phase:        phase,
		CacheEntries: c.cache.Len(),
		Ledgered:     c.ledger.Len(),
	}
	if queue != nil {
		st.QueuePending = queue.Pending()
	}
	return st
}

func (c *Coordinator) transition(next Phase) {
	c.mu.Lock()
	prev := c.phase
	if phaseOrder[next] < phaseOrder[prev] || prev == PhaseDone || prev == PhaseAborted {
		c.mu.Unlock()
		c.logger.Error("ignoring backward phase transition", zap.String("from", string(prev)), zap.String("to", string(next)))
		return
	}
	c.phase = next
	c.mu.Unlock()
	c.logger.Info("pipeline phase", zap.String("from", string(prev)), zap.String("to", string(next)))
}

// Run executes Loading, Running, Draining and Finalizing. It returns an error
// only when durable state cannot be loaded or the report cannot be produced.
func (c *Coordinator) Run(ctx context.Context) (Summary, error) {
	if c.deps.Fetcher == nil || c.deps.RosterParser == nil || c.deps.ProfileParser == nil {
		return Summary{}, errors.New("fetcher and parsers are required to run")
	}
	summary := Summary{RunID: c.cfg.RunID, StartedAt: c.deps.Clock.Now()}

	if err := c.load(ctx); err != nil {
		return c.abort(summary, err)
	}

	c.transition(PhaseRunning)
	queue := memory.NewQueue(c.cfg.QueueDepth, c.cache)
	c.mu.Lock()
	c.queue = queue
	c.mu.Unlock()

	stopFlush := c.startFlushTicker(ctx)
	stats := &worker.Stats{}
	pool := c.buildPool(queue, stats)
	pool.Start(ctx)

	drv := driver.New(c.cfg.Tasks, c.ledger, c.deps.Artifacts, c.cache, queue,
		c.deps.Fetcher, c.deps.RosterParser, driver.Config{
			BaseURL:      c.cfg.BaseURL,
			UserAgent:    c.cfg.UserAgent,
			FetchTimeout: c.cfg.FetchTimeout,
			DelayMin:     c.cfg.CoarseDelayMin,
			DelayMax:     c.cfg.CoarseDelayMax,
		}, c.logger)
	res := drv.Run(ctx)
	queue.Finish()

	c.transition(PhaseDraining)
	pool.Wait()
	stopFlush()
	if dropped := queue.Discard(); dropped > 0 {
		c.logger.Info("discarded queued players after cancellation", zap.Int("dropped", dropped))
	}
	durable := context.WithoutCancel(ctx)
	if err := queue.Join(durable); err != nil {
		c.logger.Error("queue join failed", zap.Error(err))
	}
	c.checkpoint(durable)

	report, backfilled, err := c.finalize(durable)
	if err != nil {
		return c.abort(summary, err)
	}

	fs := stats.Snapshot()
	summary.Counts = roster.RunCounts{
		CoarseCompleted:    res.Completed,
		CoarseSkipped:      res.Skipped,
		CoarseFailed:       res.Failed,
		CoarseInconsistent: len(res.Inconsistent),
		FineFetchFailures:  fs.Failures,
		RowsBackfilled:     backfilled,
	}
	summary.Sections = len(report.Sections)
	c.countFacts(report, &summary.Counts)
	for _, task := range res.Inconsistent {
		summary.Inconsistent = append(summary.Inconsistent, task.String())
	}
	summary.Canceled = res.Canceled || ctx.Err() != nil

	c.transition(PhaseDone)
	summary.Phase = PhaseDone
	summary.FinishedAt = c.deps.Clock.Now()
	c.logSummary(summary)
	c.publish(durable, summary)
	return summary, nil
}

// Report runs only Loading and Finalizing against existing state: artifacts
// are backfilled from the cache and the report is exported. Nothing is fetched.
func (c *Coordinator) Report(ctx context.Context) (Summary, error) {
	summary := Summary{RunID: c.cfg.RunID, StartedAt: c.deps.Clock.Now()}
	if err := c.load(ctx); err != nil {
		return c.abort(summary, err)
	}
	report, backfilled, err := c.finalize(ctx)
	if err != nil {
		return c.abort(summary, err)
	}
	summary.Counts.RowsBackfilled = backfilled
	summary.Sections = len(report.Sections)
	c.countFacts(report, &summary.Counts)

	c.transition(PhaseDone)
	summary.Phase = PhaseDone
	summary.FinishedAt = c.deps.Clock.Now()
	c.logSummary(summary)
	return summary, nil
}

// Invalidate loads the fact cache, resets the given players to unattempted
// and persists. It returns how many entries were removed.
func (c *Coordinator) Invalidate(ctx context.Context, ids []roster.FineTaskID) (int, error) {
	if err := c.loadFacts(ctx); err != nil {
		return 0, err
	}
	removed := 0
	for _, id := range ids {
		if c.cache.Invalidate(id) {
			removed++
		}
	}
	if removed == 0 {
		return 0, nil
	}
	if err := c.cache.Persist(ctx); err != nil {
		return removed, fmt.Errorf("persist invalidation: %w", err)
	}
	c.logger.Info("facts invalidated", zap.Int("removed", removed), zap.Int("requested", len(ids)))
	return removed, nil
}

// Inspect loads durable state and reports what it holds without running.
func (c *Coordinator) Inspect(ctx context.Context) (Status, roster.RunCounts, error) {
	if err := c.load(ctx); err != nil {
		return Status{}, roster.RunCounts{}, err
	}
	present, absent := c.cache.Counts()
	counts := roster.RunCounts{
		CoarseCompleted: c.ledger.Len(),
		FinePresent:     present,
		FineAbsent:      absent,
	}
	return c.Status(), counts, nil
}

func (c *Coordinator) load(ctx context.Context) error {
	c.transition(PhaseLoading)
	if err := c.loadFacts(ctx); err != nil {
		return err
	}
	if err := c.ledger.Load(ctx); err != nil {
		if !c.resettable(err) {
			return fmt.Errorf("load completion ledger: %w", err)
		}
		c.logger.Warn("completion ledger corrupt, starting empty", zap.Error(err))
	}
	return nil
}

func (c *Coordinator) loadFacts(ctx context.Context) error {
	if err := c.cache.Load(ctx); err != nil {
		if !c.resettable(err) {
			return fmt.Errorf("load fact cache: %w", err)
		}
		c.logger.Warn("fact cache corrupt, starting empty", zap.Error(err))
	}
	metrics.SetFactCacheEntries(c.cache.Len())
	return nil
}

func (c *Coordinator) resettable(err error) bool {
	return c.cfg.OnCorrupt == OnCorruptReset && errors.Is(err, roster.ErrCorruptState)
}

func (c *Coordinator) abort(summary Summary, err error) (Summary, error) {
	c.transition(PhaseAborted)
	summary.Phase = PhaseAborted
	summary.FinishedAt = c.deps.Clock.Now()
	c.logger.Error("pipeline aborted", zap.Error(err))
	return summary, err
}

func (c *Coordinator) buildPool(queue *memory.Queue, stats *worker.Stats) *dispatcher.Pool {
	retry := worker.NewExponentialRetryPolicy(c.cfg.MaxAttempts, c.cfg.BackoffInitial, c.cfg.BackoffMax)
	workers := make([]*worker.Worker, 0, c.cfg.Workers)
	for i := 0; i < c.cfg.Workers; i++ {
		workers = append(workers, worker.New(i, queue, c.cache, c.deps.ProfileFetcher, c.deps.ProfileParser,
			retry, stats, worker.Config{
				BaseURL:      c.cfg.BaseURL,
				UserAgent:    c.cfg.UserAgent,
				PollInterval: c.cfg.PollInterval,
				FetchTimeout: c.cfg.FetchTimeout,
			}, c.logger))
	}
	return dispatcher.FromWorkers(workers, c.logger)
}

// startFlushTicker persists the fact cache whenever its flush interval has
// passed with unflushed entries, even if no new facts arrive. The returned
// func stops the ticker and waits for an in-progress flush.
func (c *Coordinator) startFlushTicker(ctx context.Context) func() {
	durable := context.WithoutCancel(ctx)
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(c.cache.FlushInterval())
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if _, err := c.cache.PersistIfDue(durable); err != nil {
					c.logger.Error("periodic fact cache flush failed", zap.Error(err))
				}
			}
		}
	}()
	return func() {
		close(stop)
		wg.Wait()
	}
}

// checkpoint makes the cache and ledger durable before finalizing.
func (c *Coordinator) checkpoint(ctx context.Context) {
	if err := c.cache.Persist(ctx); err != nil {
		c.logger.Error("final fact cache persist failed", zap.Error(err))
	}
	if err := c.ledger.Persist(ctx); err != nil {
		c.logger.Error("final ledger persist failed", zap.Error(err))
	}
	metrics.SetFactCacheEntries(c.cache.Len())
}

// finalize backfills every ledgered artifact from the cache, builds the
// report in task order and exports it.
func (c *Coordinator) finalize(ctx context.Context) (roster.Report, int, error) {
	c.transition(PhaseFinalizing)

	report := roster.Report{GeneratedAt: c.deps.Clock.Now()}
	backfilled := 0
	for _, task := range c.cfg.Tasks {
		if !c.ledger.Contains(task) {
			continue
		}
		artifact, err := c.deps.Artifacts.Read(ctx, task)
		if err != nil {
			if errors.Is(err, roster.ErrNotFound) {
				continue
			}
			return roster.Report{}, backfilled, fmt.Errorf("read artifact %s: %w", task, err)
		}

		changed := 0
		for i := range artifact.Rows {
			row := &artifact.Rows[i]
			if row.Player == "" {
				continue
			}
			if current := c.cache.Get(row.Player); current != row.Fact {
				row.Fact = current
				changed++
			}
		}
		if changed > 0 {
			if err := c.deps.Artifacts.Write(ctx, artifact); err != nil {
				return roster.Report{}, backfilled, fmt.Errorf("backfill artifact %s: %w", task, err)
			}
			backfilled += changed
			c.logger.Debug("artifact backfilled",
				zap.String("team", task.Team), zap.Int("year", task.Year), zap.Int("rows", changed))
		}
		report.Sections = append(report.Sections, artifact)
	}

	if c.deps.Exporter != nil {
		if err := c.deps.Exporter.Export(ctx, report); err != nil {
			return roster.Report{}, backfilled, fmt.Errorf("export report: %w", err)
		}
	}
	c.logger.Info("report finalized", zap.Int("sections", len(report.Sections)), zap.Int("rows_backfilled", backfilled))
	return report, backfilled, nil
}

// countFacts tallies fact states over the distinct players in the report.
func (c *Coordinator) countFacts(report roster.Report, counts *roster.RunCounts) {
	seen := make(map[roster.FineTaskID]struct{})
	for _, section := range report.Sections {
		for _, row := range section.Rows {
			if row.Player == "" {
				continue
			}
			if _, dup := seen[row.Player]; dup {
				continue
			}
			seen[row.Player] = struct{}{}
			switch c.cache.Get(row.Player).State {
			case roster.FactPresent:
				counts.FinePresent++
			case roster.FactAbsent:
				counts.FineAbsent++
			default:
				counts.FineUnattempted++
			}
		}
	}
}

func (c *Coordinator) logSummary(s Summary) {
	c.logger.Info("run summary",
		zap.Int("coarse_completed", s.Counts.CoarseCompleted),
		zap.Int("coarse_skipped", s.Counts.CoarseSkipped),
		zap.Int("coarse_failed", s.Counts.CoarseFailed),
		zap.Int("coarse_inconsistent", s.Counts.CoarseInconsistent),
		zap.Int("fine_present", s.Counts.FinePresent),
		zap.Int("fine_absent", s.Counts.FineAbsent),
		zap.Int("fine_unattempted", s.Counts.FineUnattempted),
		zap.Int("fine_fetch_failures", s.Counts.FineFetchFailures),
		zap.Int("rows_backfilled", s.Counts.RowsBackfilled),
		zap.Int("sections", s.Sections),
		zap.Bool("canceled", s.Canceled),
	)
}

func (c *Coordinator) publish(ctx context.Context, s Summary) {
	if c.deps.Publisher == nil || c.cfg.Topic == "" {
		return
	}
	id, err := c.deps.Publisher.Publish(ctx, c.cfg.Topic, s)
	if err != nil {
		c.logger.Warn("publish run summary failed", zap.Error(err))
		return
	}
	c.logger.Info("run summary published", zap.String("topic", c.cfg.Topic), zap.String("message_id", id))
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now().UTC() }
