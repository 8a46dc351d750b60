package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	publishermemory "github.com/JakeFAU/roster-crawler/internal/publisher/memory"
	"github.com/JakeFAU/roster-crawler/internal/roster"
	statememory "github.com/JakeFAU/roster-crawler/internal/state/memory"
	storagememory "github.com/JakeFAU/roster-crawler/internal/storage/memory"
)

const base = "https://example.test"

var (
	buf19 = roster.CoarseTaskID{Team: "buf", Year: 2019}
	kan19 = roster.CoarseTaskID{Team: "kan", Year: 2019}
	kan20 = roster.CoarseTaskID{Team: "kan", Year: 2020}
	tasks = []roster.CoarseTaskID{buf19, kan19, kan20}
)

// site serves roster pages as "name|link" lines and profile pages whose body
// is the school, or "none" when the page has no school field.
type site struct {
	mu    sync.Mutex
	pages map[string]roster.FetchResponse
	hits  map[string]int
}

func newSite() *site {
	s := &site{pages: map[string]roster.FetchResponse{}, hits: map[string]int{}}
	s.roster(buf19, "Josh Allen|/players/A.htm")
	s.roster(kan19, "Patrick Mahomes|/players/M.htm", "Travis Kelce|/players/K.htm", "Practice Squad|")
	s.roster(kan20, "Patrick Mahomes|/players/M.htm", "Tyreek Hill|/players/H.htm")
	s.profile("/players/A.htm", "Firebaugh HS")
	s.profile("/players/M.htm", "Whitehouse HS")
	s.profile("/players/K.htm", "none")
	s.status("/players/H.htm", http.StatusServiceUnavailable)
	return s
}

func (s *site) roster(task roster.CoarseTaskID, lines ...string) {
	s.set(roster.RosterURL(base, task), roster.FetchResponse{StatusCode: http.StatusOK, Body: []byte(strings.Join(lines, "\n"))})
}

func (s *site) profile(link, body string) {
	s.set(base+link, roster.FetchResponse{StatusCode: http.StatusOK, Body: []byte(body)})
}

func (s *site) status(link string, code int) {
	s.set(base+link, roster.FetchResponse{StatusCode: code})
}

func (s *site) set(url string, resp roster.FetchResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pages[url] = resp
}

func (s *site) Fetch(ctx context.Context, req roster.FetchRequest) (roster.FetchResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hits[req.URL]++
	if err := ctx.Err(); err != nil {
		return roster.FetchResponse{}, &roster.TransportError{URL: req.URL, Err: err}
	}
	resp, ok := s.pages[req.URL]
	if !ok {
		return roster.FetchResponse{URL: req.URL, StatusCode: http.StatusNotFound}, nil
	}
	resp.URL = req.URL
	return resp, nil
}

func (s *site) hitsFor(url string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[url]
}

func (s *site) resetHits() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hits = map[string]int{}
}

type lineParser struct{}

func (lineParser) ParseRoster(body []byte) (roster.ParsedRoster, error) {
	out := roster.ParsedRoster{Columns: []string{"Player"}}
	for _, line := range strings.Split(string(body), "\n") {
		name, link, _ := strings.Cut(line, "|")
		out.Rows = append(out.Rows, roster.ParsedRow{Name: name, ProfileLink: link, Values: []string{name}})
	}
	return out, nil
}

func (lineParser) ParseFact(body []byte) (string, bool, error) {
	if string(body) == "none" {
		return "", false, nil
	}
	return string(body), true, nil
}

type captureExporter struct {
	mu      sync.Mutex
	reports []roster.Report
	err     error
}

func (e *captureExporter) Export(_ context.Context, report roster.Report) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return e.err
	}
	e.reports = append(e.reports, report)
	return nil
}

func (e *captureExporter) last() roster.Report {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reports[len(e.reports)-1]
}

type fixedClock struct{}

func (fixedClock) Now() time.Time { return time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC) }

type env struct {
	site      *site
	state     *statememory.Store
	artifacts *storagememory.ArtifactStore
	exporter  *captureExporter
}

func newEnv() *env {
	return &env{
		site:      newSite(),
		state:     statememory.New(),
		artifacts: storagememory.NewArtifactStore(),
		exporter:  &captureExporter{},
	}
}

func (e *env) coordinator(t *testing.T, workers int, mutate ...func(*Config, *Deps)) *Coordinator {
	t.Helper()
	cfg := Config{
		RunID:          "run-test",
		Tasks:          tasks,
		BaseURL:        base,
		Workers:        workers,
		PollInterval:   2 * time.Millisecond,
		QueueDepth:     4,
		MaxAttempts:    2,
		BackoffInitial: time.Millisecond,
		BackoffMax:     2 * time.Millisecond,
		FlushEvery:     1,
	}
	deps := Deps{
		Facts:         e.state,
		Ledger:        e.state,
		Artifacts:     e.artifacts,
		Exporter:      e.exporter,
		Fetcher:       e.site,
		RosterParser:  lineParser{},
		ProfileParser: lineParser{},
		Clock:         fixedClock{},
	}
	for _, m := range mutate {
		m(&cfg, &deps)
	}
	c, err := New(cfg, deps, zap.NewNop())
	require.NoError(t, err)
	return c
}

func (e *env) run(t *testing.T, workers int) Summary {
	t.Helper()
	c := e.coordinator(t, workers)
	summary, err := c.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, PhaseDone, c.Phase())
	return summary
}

func expectedReport() roster.Report {
	row := func(name, link string, fact roster.FactValue) roster.Row {
		return roster.Row{Name: name, Player: roster.FineTaskID(link), Fact: fact, Values: []string{name}}
	}
	return roster.Report{
		GeneratedAt: fixedClock{}.Now(),
		Sections: []roster.Artifact{
			{Task: buf19, Columns: []string{"Player"}, Rows: []roster.Row{
				row("Josh Allen", "/players/A.htm", roster.Present("Firebaugh HS")),
			}},
			{Task: kan19, Columns: []string{"Player"}, Rows: []roster.Row{
				row("Patrick Mahomes", "/players/M.htm", roster.Present("Whitehouse HS")),
				row("Travis Kelce", "/players/K.htm", roster.Absent()),
				row("Practice Squad", "", roster.Unattempted()),
			}},
			{Task: kan20, Columns: []string{"Player"}, Rows: []roster.Row{
				row("Patrick Mahomes", "/players/M.htm", roster.Present("Whitehouse HS")),
				row("Tyreek Hill", "/players/H.htm", roster.Unattempted()),
			}},
		},
	}
}

func TestRunProducesBackfilledReport(t *testing.T) {
	t.Parallel()

	e := newEnv()
	summary := e.run(t, 4)

	if diff := cmp.Diff(expectedReport(), e.exporter.last()); diff != "" {
		t.Fatalf("report mismatch (-want +got):\n%s", diff)
	}

	counts := summary.Counts
	counts.RowsBackfilled = 0
	require.Equal(t, roster.RunCounts{
		CoarseCompleted:   3,
		FinePresent:       2,
		FineAbsent:        1,
		FineUnattempted:   1,
		FineFetchFailures: 1,
	}, counts)
	require.Equal(t, PhaseDone, summary.Phase)
	require.Equal(t, "run-test", summary.RunID)

	for _, task := range tasks {
		stored, err := e.artifacts.Read(context.Background(), task)
		require.NoError(t, err)
		require.Equal(t, expectedReport().Sections[indexOf(task)], stored, "artifact %s is backfilled on disk", task)
	}
}

func indexOf(task roster.CoarseTaskID) int {
	for i, tk := range tasks {
		if tk == task {
			return i
		}
	}
	return -1
}

func TestRunIsIdempotentAcrossFreshState(t *testing.T) {
	t.Parallel()

	first := newEnv()
	first.run(t, 3)
	second := newEnv()
	second.run(t, 3)

	if diff := cmp.Diff(first.exporter.last(), second.exporter.last()); diff != "" {
		t.Fatalf("reports differ (-first +second):\n%s", diff)
	}
}

func TestReportIndependentOfPoolSize(t *testing.T) {
	t.Parallel()

	one := newEnv()
	one.run(t, 1)
	many := newEnv()
	many.run(t, 16)

	if diff := cmp.Diff(one.exporter.last(), many.exporter.last()); diff != "" {
		t.Fatalf("reports differ between 1 and 16 workers (-1 +16):\n%s", diff)
	}
}

func TestSharedPlayerFetchedOncePerRun(t *testing.T) {
	t.Parallel()

	e := newEnv()
	for _, team := range []string{"den", "lvr", "lac", "nyj", "mia", "ne"} {
		task := roster.CoarseTaskID{Team: team, Year: 2019}
		e.site.roster(task, "Patrick Mahomes|/players/M.htm")
	}
	c := e.coordinator(t, 16, func(cfg *Config, _ *Deps) {
		cfg.Tasks = roster.TaskSpace([]string{"buf", "den", "kan", "lac", "lvr", "mia", "ne", "nyj"}, 2019, 2020)
	})
	_, err := c.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, e.site.hitsFor(base+"/players/M.htm"))
}

func TestSecondRunFetchesOnlyUnresolved(t *testing.T) {
	t.Parallel()

	e := newEnv()
	e.run(t, 4)
	require.Equal(t, 2, e.site.hitsFor(base+"/players/H.htm"), "transport failures use the retry budget")

	e.site.resetHits()
	summary := e.run(t, 4)

	for _, task := range tasks {
		require.Zero(t, e.site.hitsFor(roster.RosterURL(base, task)), "ledgered task %s re-fetched", task)
	}
	require.Zero(t, e.site.hitsFor(base+"/players/K.htm"), "absent facts are never re-fetched")
	require.Zero(t, e.site.hitsFor(base+"/players/M.htm"))
	require.Equal(t, 2, e.site.hitsFor(base+"/players/H.htm"), "unattempted facts are retried next run")
	require.Equal(t, 3, summary.Counts.CoarseSkipped)
	require.Zero(t, summary.Counts.CoarseCompleted)

	e.site.profile("/players/H.htm", "Lakeland HS")
	summary = e.run(t, 4)
	require.Equal(t, 1, summary.Counts.RowsBackfilled)
	require.Zero(t, summary.Counts.FineUnattempted)

	want := expectedReport()
	want.Sections[2].Rows[1].Fact = roster.Present("Lakeland HS")
	if diff := cmp.Diff(want, e.exporter.last()); diff != "" {
		t.Fatalf("report mismatch (-want +got):\n%s", diff)
	}
}

func TestResumeAfterPartialRunMatchesUninterrupted(t *testing.T) {
	t.Parallel()

	e := newEnv()
	e.site.status(roster.RosterURL(base, kan20)[len(base):], http.StatusTooManyRequests)
	first := e.run(t, 2)
	require.Equal(t, 2, first.Counts.CoarseCompleted)
	require.Equal(t, 1, first.Counts.CoarseFailed)

	e.site.roster(kan20, "Patrick Mahomes|/players/M.htm", "Tyreek Hill|/players/H.htm")
	e.site.resetHits()
	second := e.run(t, 2)
	require.Equal(t, 1, second.Counts.CoarseCompleted)
	require.Equal(t, 2, second.Counts.CoarseSkipped)
	require.Zero(t, e.site.hitsFor(roster.RosterURL(base, buf19)))
	require.Zero(t, e.site.hitsFor(roster.RosterURL(base, kan19)))
	require.Equal(t, 1, e.site.hitsFor(roster.RosterURL(base, kan20)))

	uninterrupted := newEnv()
	uninterrupted.run(t, 2)
	if diff := cmp.Diff(uninterrupted.exporter.last(), e.exporter.last()); diff != "" {
		t.Fatalf("resumed report differs (-uninterrupted +resumed):\n%s", diff)
	}
}

func TestCrashBetweenArtifactAndLedgerIsReprocessed(t *testing.T) {
	t.Parallel()

	e := newEnv()
	require.NoError(t, e.artifacts.Write(context.Background(), roster.Artifact{
		Task: kan19,
		Rows: []roster.Row{{Name: "stale"}},
	}))

	summary := e.run(t, 2)
	require.Equal(t, 3, summary.Counts.CoarseCompleted)
	require.Equal(t, 1, e.site.hitsFor(roster.RosterURL(base, kan19)))
	if diff := cmp.Diff(expectedReport(), e.exporter.last()); diff != "" {
		t.Fatalf("report mismatch (-want +got):\n%s", diff)
	}
}

func TestLedgeredTaskWithoutArtifactIsInconsistent(t *testing.T) {
	t.Parallel()

	e := newEnv()
	e.run(t, 2)
	e.artifacts.Delete(kan19)
	e.site.resetHits()

	summary := e.run(t, 2)
	require.Equal(t, 1, summary.Counts.CoarseInconsistent)
	require.Equal(t, []string{"kan/2019"}, summary.Inconsistent)
	require.Zero(t, e.site.hitsFor(roster.RosterURL(base, kan19)), "inconsistency is not auto-healed")
	require.Len(t, e.exporter.last().Sections, 2)
}

func TestCoarseTimeoutIsNonFatal(t *testing.T) {
	t.Parallel()

	e := newEnv()
	timeout := fetchFunc(func(ctx context.Context, req roster.FetchRequest) (roster.FetchResponse, error) {
		if req.URL == roster.RosterURL(base, kan19) {
			return roster.FetchResponse{}, &roster.TransportError{URL: req.URL, Err: context.DeadlineExceeded}
		}
		return e.site.Fetch(ctx, req)
	})
	c := e.coordinator(t, 2, func(_ *Config, d *Deps) { d.Fetcher = timeout })

	summary, err := c.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, summary.Counts.CoarseCompleted)
	require.Equal(t, 1, summary.Counts.CoarseFailed)
	require.Len(t, e.exporter.last().Sections, 2)
}

type fetchFunc func(ctx context.Context, req roster.FetchRequest) (roster.FetchResponse, error)

func (f fetchFunc) Fetch(ctx context.Context, req roster.FetchRequest) (roster.FetchResponse, error) {
	return f(ctx, req)
}

func TestCorruptStatePolicies(t *testing.T) {
	t.Parallel()

	corrupt := fmt.Errorf("decode facts.json: %w", roster.ErrCorruptState)

	failing := newEnv()
	failing.state.SetFailures(corrupt, nil)
	c := failing.coordinator(t, 1)
	summary, err := c.Run(context.Background())
	require.ErrorIs(t, err, roster.ErrCorruptState)
	require.Equal(t, PhaseAborted, c.Phase())
	require.Equal(t, PhaseAborted, summary.Phase)
	require.Zero(t, failing.site.hitsFor(roster.RosterURL(base, buf19)), "nothing is fetched after a failed load")

	resetting := newEnv()
	resetting.state.SetFailures(corrupt, nil)
	c = resetting.coordinator(t, 1, func(cfg *Config, _ *Deps) { cfg.OnCorrupt = OnCorruptReset })
	_, err = c.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, PhaseDone, c.Phase())

	other := newEnv()
	other.state.SetFailures(errors.New("permission denied"), nil)
	c = other.coordinator(t, 1, func(cfg *Config, _ *Deps) { cfg.OnCorrupt = OnCorruptReset })
	_, err = c.Run(context.Background())
	require.ErrorContains(t, err, "permission denied", "reset only applies to corrupt state")
}

func TestCanceledRunStillFinalizes(t *testing.T) {
	t.Parallel()

	e := newEnv()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := e.coordinator(t, 4)
	summary, err := c.Run(ctx)
	require.NoError(t, err)
	require.True(t, summary.Canceled)
	require.Equal(t, PhaseDone, c.Phase())
	require.Zero(t, summary.Counts.CoarseCompleted)
	require.Empty(t, e.exporter.last().Sections)
	require.Zero(t, c.Status().QueuePending)
}

// hookFetcher runs hook before delegating fetches of one URL to the site.
type hookFetcher struct {
	site *site
	url  string
	hook func(ctx context.Context) error
}

func (f *hookFetcher) Fetch(ctx context.Context, req roster.FetchRequest) (roster.FetchResponse, error) {
	if req.URL == f.url {
		if err := f.hook(ctx); err != nil {
			return roster.FetchResponse{}, &roster.TransportError{URL: req.URL, Err: err}
		}
	}
	return f.site.Fetch(ctx, req)
}

func TestCancelLetsInFlightProfileFetchFinish(t *testing.T) {
	t.Parallel()

	e := newEnv()
	ctx, cancel := context.WithCancel(context.Background())
	fetcher := &hookFetcher{site: e.site, url: base + "/players/A.htm", hook: func(fetchCtx context.Context) error {
		cancel()
		select {
		case <-fetchCtx.Done():
			return fetchCtx.Err()
		case <-time.After(50 * time.Millisecond):
			return nil
		}
	}}
	c := e.coordinator(t, 1, func(cfg *Config, deps *Deps) {
		cfg.Tasks = []roster.CoarseTaskID{buf19}
		cfg.FetchTimeout = 5 * time.Second
		deps.Fetcher = fetcher
	})

	summary, err := c.Run(ctx)
	require.NoError(t, err)
	require.True(t, summary.Canceled)
	require.Equal(t, 1, summary.Counts.FinePresent)

	facts, err := e.state.LoadFacts(context.Background())
	require.NoError(t, err)
	require.Equal(t, roster.Present("Firebaugh HS"), facts["/players/A.htm"])
	require.Equal(t, roster.Present("Firebaugh HS"), e.exporter.last().Sections[0].Rows[0].Fact)
}

func TestFactsFlushOnIntervalWithoutNewPuts(t *testing.T) {
	t.Parallel()

	e := newEnv()
	release := make(chan struct{})
	fetcher := &hookFetcher{site: e.site, url: roster.RosterURL(base, kan19), hook: func(fetchCtx context.Context) error {
		select {
		case <-fetchCtx.Done():
			return fetchCtx.Err()
		case <-release:
			return nil
		}
	}}
	c := e.coordinator(t, 1, func(cfg *Config, deps *Deps) {
		cfg.Tasks = []roster.CoarseTaskID{buf19, kan19}
		cfg.FlushEvery = 10
		cfg.FlushInterval = 10 * time.Millisecond
		deps.Fetcher = fetcher
		deps.Clock = nil
	})

	done := make(chan error, 1)
	go func() {
		_, err := c.Run(context.Background())
		done <- err
	}()

	require.Eventually(t, func() bool {
		facts, err := e.state.LoadFacts(context.Background())
		return err == nil && facts["/players/A.htm"] == roster.Present("Firebaugh HS")
	}, 2*time.Second, 5*time.Millisecond, "resolved fact persisted while the driver is blocked")
	require.Equal(t, PhaseRunning, c.Phase())

	close(release)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish")
	}
}

func TestExportFailureAborts(t *testing.T) {
	t.Parallel()

	e := newEnv()
	e.exporter.err = errors.New("read-only filesystem")
	c := e.coordinator(t, 2)
	_, err := c.Run(context.Background())
	require.ErrorContains(t, err, "export report: read-only filesystem")
	require.Equal(t, PhaseAborted, c.Phase())
}

func TestReportOnlyBackfillsWithoutFetching(t *testing.T) {
	t.Parallel()

	e := newEnv()
	e.run(t, 2)
	require.NoError(t, e.state.SaveFacts(context.Background(), map[roster.FineTaskID]roster.FactValue{
		"/players/A.htm": roster.Present("Firebaugh HS"),
		"/players/M.htm": roster.Present("Whitehouse HS"),
		"/players/K.htm": roster.Absent(),
		"/players/H.htm": roster.Present("Lakeland HS"),
	}))
	e.site.resetHits()

	c := e.coordinator(t, 2)
	summary, err := c.Report(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, summary.Counts.RowsBackfilled)
	require.Equal(t, 3, summary.Counts.FinePresent)
	require.Equal(t, 3, summary.Sections)
	require.Zero(t, summary.Counts.CoarseSkipped, "report-only runs do not visit the task space")
	require.Zero(t, summary.Counts.CoarseCompleted)
	require.Equal(t, PhaseDone, c.Phase())
	for _, task := range tasks {
		require.Zero(t, e.site.hitsFor(roster.RosterURL(base, task)))
	}
	require.Equal(t, roster.Present("Lakeland HS"), e.exporter.last().Sections[2].Rows[1].Fact)
}

func TestInvalidateAndInspect(t *testing.T) {
	t.Parallel()

	e := newEnv()
	e.run(t, 2)

	removed, err := e.coordinator(t, 1).Invalidate(context.Background(), []roster.FineTaskID{"/players/K.htm", "/players/nobody.htm"})
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	status, counts, err := e.coordinator(t, 1).Inspect(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, status.Ledgered)
	require.Equal(t, 2, status.CacheEntries)
	require.Equal(t, roster.RunCounts{CoarseCompleted: 3, FinePresent: 2}, counts)

	e.site.resetHits()
	e.run(t, 2)
	require.Equal(t, 1, e.site.hitsFor(base+"/players/K.htm"), "invalidated facts are fetched again")
}

func TestRunSummaryPublished(t *testing.T) {
	t.Parallel()

	e := newEnv()
	pub := publishermemory.New()
	c := e.coordinator(t, 2, func(cfg *Config, d *Deps) {
		cfg.Topic = "roster-runs"
		d.Publisher = pub
	})
	_, err := c.Run(context.Background())
	require.NoError(t, err)

	msgs := pub.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "roster-runs", msgs[0].Topic)
	summary, ok := msgs[0].Payload.(Summary)
	require.True(t, ok)
	require.Equal(t, 3, summary.Counts.CoarseCompleted)
}

func TestNewRequiresBackends(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, Deps{}, nil)
	require.EqualError(t, err, "fact backend is required")

	c, err := New(Config{}, Deps{Facts: statememory.New(), Ledger: statememory.New(), Artifacts: storagememory.NewArtifactStore()}, nil)
	require.NoError(t, err)
	require.Equal(t, PhaseIdle, c.Phase())
	_, err = c.Run(context.Background())
	require.EqualError(t, err, "fetcher and parsers are required to run")
}
