// Package driver walks the team-season task space and produces roster
// artifacts plus player work items.
package driver

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/roster-crawler/internal/metrics"
	"github.com/JakeFAU/roster-crawler/internal/roster"
)

// Ledger is the completion ledger as seen by the driver.
type Ledger interface {
	Contains(task roster.CoarseTaskID) bool
	Add(task roster.CoarseTaskID)
	Persist(ctx context.Context) error
}

// Enqueuer is the producer side of the detail work queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, id roster.FineTaskID) (bool, error)
}

// Config controls Driver behavior.
type Config struct {
	BaseURL      string
	UserAgent    string
	FetchTimeout time.Duration
	// DelayMin and DelayMax bound the pause between roster page fetches.
	DelayMin time.Duration
	DelayMax time.Duration
}

// Result tallies one pass over the task space.
type Result struct {
	Completed    int
	Skipped      int
	Failed       int
	Inconsistent []roster.CoarseTaskID
	Enqueued     int
	Canceled     bool
}

// Driver processes coarse tasks sequentially.
type Driver struct {
	tasks     []roster.CoarseTaskID
	ledger    Ledger
	artifacts roster.ArtifactStore
	facts     roster.FactReader
	queue     Enqueuer
	fetcher   roster.PageFetcher
	parser    roster.CoarsePageParser
	cfg       Config
	logger    *zap.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

// New constructs a Driver over tasks, which are processed in the given order.
func New(
	tasks []roster.CoarseTaskID,
	ledger Ledger,
	artifacts roster.ArtifactStore,
	facts roster.FactReader,
	queue Enqueuer,
	fetcher roster.PageFetcher,
	parser roster.CoarsePageParser,
	cfg Config,
	logger *zap.Logger,
) *Driver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DelayMax < cfg.DelayMin {
		cfg.DelayMax = cfg.DelayMin
	}
	return &Driver{
		tasks:     tasks,
		ledger:    ledger,
		artifacts: artifacts,
		facts:     facts,
		queue:     queue,
		fetcher:   fetcher,
		parser:    parser,
		cfg:       cfg,
		logger:    logger,
		sleep:     sleepContext,
	}
}

// Run processes every task once. Per-task failures are logged and counted;
// Run only stops early when ctx is canceled.
func (d *Driver) Run(ctx context.Context) Result {
	var res Result
	fetched := false

	for _, task := range d.tasks {
		if ctx.Err() != nil {
			res.Canceled = true
			break
		}
		log := d.logger.With(zap.String("team", task.Team), zap.Int("year", task.Year))

		if d.ledger.Contains(task) {
			d.resume(ctx, task, log, &res)
			continue
		}

		if fetched {
			if err := d.sleep(ctx, d.politeDelay()); err != nil {
				res.Canceled = true
				break
			}
		}
		fetched = true

		enqueued, err := d.process(ctx, task, log)
		res.Enqueued += enqueued
		switch {
		case err == nil:
			res.Completed++
			metrics.ObserveCoarseTask("completed")
		case ctx.Err() != nil:
			res.Canceled = true
			log.Info("roster task interrupted by cancellation", zap.Error(err))
		default:
			res.Failed++
			metrics.ObserveCoarseTask("failed")
			log.Warn("roster task failed, will retry next run",
				zap.String("class", roster.Classify(err)),
				zap.Error(err),
			)
		}
		if res.Canceled {
			break
		}
	}

	d.logger.Info("roster pass finished",
		zap.Int("completed", res.Completed),
		zap.Int("skipped", res.Skipped),
		zap.Int("failed", res.Failed),
		zap.Int("inconsistent", len(res.Inconsistent)),
		zap.Int("enqueued", res.Enqueued),
		zap.Bool("canceled", res.Canceled),
	)
	return res
}

// resume handles an already-ledgered task: the artifact must exist, and any
// of its players still unattempted are queued again.
func (d *Driver) resume(ctx context.Context, task roster.CoarseTaskID, log *zap.Logger, res *Result) {
	artifact, err := d.artifacts.Read(ctx, task)
	if err != nil {
		if errors.Is(err, roster.ErrNotFound) {
			res.Inconsistent = append(res.Inconsistent, task)
			metrics.ObserveCoarseTask("inconsistent")
			log.Error("ledgered task has no artifact", zap.Error(&roster.ConsistencyError{Task: task}))
			return
		}
		res.Skipped++
		metrics.ObserveCoarseTask("skipped")
		log.Warn("read ledgered artifact failed", zap.Error(err))
		return
	}

	res.Skipped++
	metrics.ObserveCoarseTask("skipped")
	requeued := 0
	for _, row := range artifact.Rows {
		added, err := d.queue.Enqueue(ctx, row.Player)
		if err != nil {
			log.Info("requeue interrupted", zap.Error(err))
			return
		}
		if added {
			requeued++
		}
	}
	res.Enqueued += requeued
	log.Debug("skipped ledgered task", zap.Int("requeued", requeued))
}

func (d *Driver) process(ctx context.Context, task roster.CoarseTaskID, log *zap.Logger) (int, error) {
	url := roster.RosterURL(d.cfg.BaseURL, task)
	req := roster.FetchRequest{URL: url, Timeout: d.cfg.FetchTimeout}
	if d.cfg.UserAgent != "" {
		req.Headers = map[string]string{"User-Agent": d.cfg.UserAgent}
	}

	fetchCtx, cancel := roster.FetchContext(ctx, d.cfg.FetchTimeout)
	defer cancel()
	resp, err := d.fetcher.Fetch(fetchCtx, req)
	if err != nil {
		metrics.ObserveFetchError("roster", roster.Classify(err))
		return 0, fmt.Errorf("roster fetch: %w", err)
	}
	metrics.ObserveFetch("roster", resp.Duration)
	if !resp.OK() {
		metrics.ObserveFetchError("roster", roster.ClassTransport)
		return 0, fmt.Errorf("roster fetch: %w", &roster.TransportError{URL: url, StatusCode: resp.StatusCode})
	}

	parsed, err := d.parser.ParseRoster(resp.Body)
	if err != nil {
		metrics.ObserveFetchError("roster", roster.ClassParse)
		return 0, fmt.Errorf("parse roster %s: %w", url, err)
	}

	artifact := roster.Artifact{
		Task:    task,
		Columns: parsed.Columns,
		Rows:    make([]roster.Row, 0, len(parsed.Rows)),
	}
	enqueued := 0
	enqueuing := true
	for _, row := range parsed.Rows {
		out := roster.Row{Name: row.Name, Values: row.Values}
		if row.ProfileLink != "" {
			out.Player = roster.FineTaskID(row.ProfileLink)
			if enqueuing {
				added, err := d.enqueue(ctx, out.Player)
				switch {
				case err != nil && ctx.Err() != nil:
					// The artifact still lists this player; the next run's
					// resume pass queues whatever stayed unattempted.
					enqueuing = false
					log.Info("run canceled, recording roster without queuing remaining players", zap.Error(err))
				case err != nil:
					return enqueued, fmt.Errorf("enqueue %s: %w", out.Player, err)
				case added:
					enqueued++
				}
			}
			out.Fact = d.facts.Get(out.Player)
		}
		artifact.Rows = append(artifact.Rows, out)
	}

	durable := context.WithoutCancel(ctx)
	if err := d.artifacts.Write(durable, artifact); err != nil {
		return enqueued, fmt.Errorf("write artifact: %w", err)
	}
	d.ledger.Add(task)
	if err := d.ledger.Persist(durable); err != nil {
		log.Error("ledger persist failed, will retry on next flush", zap.Error(err))
	}
	log.Info("roster task completed", zap.Int("rows", len(artifact.Rows)), zap.Int("enqueued", enqueued))
	return enqueued, nil
}

func (d *Driver) enqueue(ctx context.Context, id roster.FineTaskID) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, fmt.Errorf("enqueue canceled: %w", err)
	}
	return d.queue.Enqueue(ctx, id)
}

func (d *Driver) politeDelay() time.Duration {
	span := d.cfg.DelayMax - d.cfg.DelayMin
	if span <= 0 {
		return d.cfg.DelayMin
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(span)))
	if err != nil {
		return d.cfg.DelayMin + span/2
	}
	return d.cfg.DelayMin + time.Duration(n.Int64())
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("polite delay: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
