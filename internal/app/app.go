// Package app initializes and holds long-lived services, acting as the
// dependency injection container for the CLI.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	gcs "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/roster-crawler/internal/clock/system"
	"github.com/JakeFAU/roster-crawler/internal/config"
	"github.com/JakeFAU/roster-crawler/internal/export/xlsx"
	collyfetcher "github.com/JakeFAU/roster-crawler/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/roster-crawler/internal/fetcher/headless"
	"github.com/JakeFAU/roster-crawler/internal/id/uuid"
	"github.com/JakeFAU/roster-crawler/internal/metrics"
	"github.com/JakeFAU/roster-crawler/internal/parser/pfr"
	"github.com/JakeFAU/roster-crawler/internal/pipeline"
	"github.com/JakeFAU/roster-crawler/internal/policy/ratelimit"
	pubsubpublisher "github.com/JakeFAU/roster-crawler/internal/publisher/pubsub"
	"github.com/JakeFAU/roster-crawler/internal/roster"
	filestate "github.com/JakeFAU/roster-crawler/internal/state/file"
	statememory "github.com/JakeFAU/roster-crawler/internal/state/memory"
	pgstate "github.com/JakeFAU/roster-crawler/internal/state/postgres"
	gcsstorage "github.com/JakeFAU/roster-crawler/internal/storage/gcs"
	"github.com/JakeFAU/roster-crawler/internal/storage/local"
	memorystorage "github.com/JakeFAU/roster-crawler/internal/storage/memory"
)

// stateBackend is a store serving both the fact cache and the ledger.
type stateBackend interface {
	roster.FactBackend
	roster.LedgerBackend
}

// App holds the shared services for one CLI invocation. Fetchers are built
// lazily so that state-only commands never open a browser or a proxy.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	state     stateBackend
	artifacts roster.ArtifactStore
	exporter  roster.ReportExporter
	publisher roster.Publisher
	clock     roster.Clock
	ids       roster.IDGenerator

	closers []func() error
}

// New builds the state, artifact, report and notification services described
// by cfg. The caller must Close the App.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	a := &App{
		cfg:    cfg,
		logger: logger,
		clock:  system.New(),
		ids:    uuid.New(),
	}

	if err := a.initState(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.initArtifacts(ctx); err != nil {
		a.Close()
		return nil, err
	}
	exporter, err := xlsx.New(cfg.Report.Path, logger.Named("export"))
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("init exporter: %w", err)
	}
	a.exporter = exporter

	if cfg.PubSub.TopicName != "" {
		pub, err := pubsubpublisher.NewFromProject(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("init publisher: %w", err)
		}
		a.publisher = pub
		a.closers = append(a.closers, pub.Close)
		logger.Info("run notifications enabled", zap.String("topic", cfg.PubSub.TopicName))
	}

	logger.Info("application services initialized",
		zap.String("state", cfg.State.Backend),
		zap.String("artifacts", cfg.Artifacts.Backend),
	)
	return a, nil
}

func (a *App) initState(ctx context.Context) error {
	switch a.cfg.State.Backend {
	case config.StateMemory:
		a.state = statememory.New()
	case config.StatePostgres:
		store, err := pgstate.New(ctx, pgstate.Config{DSN: a.cfg.State.DSN})
		if err != nil {
			return fmt.Errorf("init postgres state: %w", err)
		}
		a.state = store
		a.closers = append(a.closers, func() error { store.Close(); return nil })
	default:
		store, err := filestate.New(filestate.Config{Dir: a.cfg.State.Dir})
		if err != nil {
			return fmt.Errorf("init file state: %w", err)
		}
		a.state = store
	}
	return nil
}

func (a *App) initArtifacts(ctx context.Context) error {
	switch a.cfg.Artifacts.Backend {
	case config.ArtifactsGCS:
		client, err := gcs.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("create storage client: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		store, err := gcsstorage.New(client, gcsstorage.Config{Bucket: a.cfg.Artifacts.GCSBucket, Prefix: a.cfg.Artifacts.Prefix})
		if err != nil {
			return fmt.Errorf("init gcs artifacts: %w", err)
		}
		a.artifacts = store
	case config.ArtifactsMemory:
		a.artifacts = memorystorage.NewArtifactStore()
	default:
		store, err := local.New(local.Config{BaseDir: a.cfg.Artifacts.Dir})
		if err != nil {
			return fmt.Errorf("init local artifacts: %w", err)
		}
		a.artifacts = store
	}
	return nil
}

// Logger returns the shared logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Config returns the loaded configuration.
func (a *App) Config() config.Config {
	return a.cfg
}

// NewRunID returns a fresh run identifier.
func (a *App) NewRunID() (string, error) {
	id, err := a.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("new run id: %w", err)
	}
	return id, nil
}

// Coordinator builds a pipeline coordinator. With withFetchers false it can
// only Report, Inspect and Invalidate.
func (a *App) Coordinator(runID string, withFetchers bool) (*pipeline.Coordinator, error) {
	deps := pipeline.Deps{
		Facts:     a.state,
		Ledger:    a.state,
		Artifacts: a.artifacts,
		Exporter:  a.exporter,
		Publisher: a.publisher,
		Clock:     a.clock,
	}
	if withFetchers {
		fetcher, err := a.buildFetcher()
		if err != nil {
			return nil, err
		}
		deps.Fetcher = fetcher
		deps.RosterParser = pfr.NewRosterParser()
		deps.ProfileParser = pfr.NewProfileParser(pfr.DefaultField)
	}

	delayMin, delayMax := a.cfg.CoarseDelay()
	cfg := pipeline.Config{
		RunID:          runID,
		Tasks:          a.cfg.Tasks(),
		BaseURL:        a.cfg.Crawl.BaseURL,
		UserAgent:      a.cfg.Crawl.UserAgent,
		FetchTimeout:   a.cfg.FetchTimeout(),
		CoarseDelayMin: delayMin,
		CoarseDelayMax: delayMax,
		Workers:        a.cfg.Workers.Count,
		PollInterval:   config.Millis(a.cfg.Workers.PollIntervalMs),
		QueueDepth:     a.cfg.Queue.Depth,
		MaxAttempts:    a.cfg.Workers.MaxAttempts,
		BackoffInitial: config.Millis(a.cfg.Workers.BackoffInitialMs),
		BackoffMax:     config.Millis(a.cfg.Workers.BackoffMaxMs),
		FlushEvery:     a.cfg.State.FlushEvery,
		FlushInterval:  a.cfg.FlushInterval(),
		OnCorrupt:      a.cfg.State.OnCorrupt,
		Topic:          a.cfg.PubSub.TopicName,
	}
	coord, err := pipeline.New(cfg, deps, a.logger.Named("pipeline"))
	if err != nil {
		return nil, fmt.Errorf("build coordinator: %w", err)
	}
	return coord, nil
}

func (a *App) buildFetcher() (roster.PageFetcher, error) {
	var base roster.PageFetcher
	switch a.cfg.Fetcher.Mode {
	case config.FetcherHeadless:
		f, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
			MaxParallel:       a.cfg.Headless.MaxParallel,
			UserAgent:         a.cfg.Crawl.UserAgent,
			NavigationTimeout: secondsOrZero(a.cfg.Headless.NavTimeoutSec),
			ProxyURL:          a.cfg.HTTP.ProxyURL,
		})
		if err != nil {
			return nil, fmt.Errorf("init headless fetcher: %w", err)
		}
		a.closers = append(a.closers, func() error { f.Close(); return nil })
		base = f
	default:
		f, err := collyfetcher.New(collyfetcher.Config{
			UserAgent: a.cfg.Crawl.UserAgent,
			Timeout:   a.cfg.FetchTimeout(),
			ProxyURL:  a.cfg.HTTP.ProxyURL,
			CABundles: a.cfg.HTTP.CABundles,
		})
		if err != nil {
			return nil, fmt.Errorf("init http fetcher: %w", err)
		}
		base = f
	}
	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   a.cfg.HTTP.RequestsPerSecond,
		DefaultBurst: a.cfg.HTTP.Burst,
	})
	return ratelimit.Wrap(base, limiter), nil
}

func secondsOrZero(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second
}

// Close releases every service in reverse construction order.
func (a *App) Close() {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn("error closing application services", zap.Error(err))
	}
}
