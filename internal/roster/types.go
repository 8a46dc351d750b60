// Package roster defines the domain types shared by the crawl pipeline.
package roster

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// CoarseTaskID identifies one team×season roster page.
type CoarseTaskID struct {
	Team string `json:"team"`
	Year int    `json:"year"`
}

// String renders the task as "team/year" for logs and keys.
func (id CoarseTaskID) String() string {
	return fmt.Sprintf("%s/%d", id.Team, id.Year)
}

// Less orders tasks by team code, then season.
func (id CoarseTaskID) Less(other CoarseTaskID) bool {
	if id.Team != other.Team {
		return id.Team < other.Team
	}
	return id.Year < other.Year
}

// BaseName is the artifact/sheet stem, e.g. "2019_kan_roster".
func (id CoarseTaskID) BaseName() string {
	return fmt.Sprintf("%d_%s_roster", id.Year, id.Team)
}

// ParseCoarseTaskID parses the "team/year" form produced by String.
func ParseCoarseTaskID(s string) (CoarseTaskID, error) {
	team, yearText, ok := strings.Cut(s, "/")
	if !ok || team == "" {
		return CoarseTaskID{}, fmt.Errorf("invalid task id %q", s)
	}
	year, err := strconv.Atoi(yearText)
	if err != nil {
		return CoarseTaskID{}, fmt.Errorf("invalid task year %q: %w", s, err)
	}
	return CoarseTaskID{Team: team, Year: year}, nil
}

// FineTaskID is a player profile identifier, typically the profile path
// (e.g. "/players/M/MahoPa00.htm"). Equality is exact-string.
type FineTaskID string

// FactState is the resolution state of a FactValue.
type FactState string

// Fact states. The zero value is unattempted.
const (
	FactUnattempted FactState = ""
	FactAbsent      FactState = "absent"
	FactPresent     FactState = "present"
)

// FactValue is the three-valued fact attached to a player.
type FactValue struct {
	State FactState `json:"state"`
	Text  string    `json:"text,omitempty"`
}

// Unattempted returns the not-yet-fetched value.
func Unattempted() FactValue { return FactValue{} }

// Absent returns the fetched-but-no-field value.
func Absent() FactValue { return FactValue{State: FactAbsent} }

// Present returns a resolved value carrying text.
func Present(text string) FactValue { return FactValue{State: FactPresent, Text: text} }

// Attempted reports whether the value is a final outcome.
func (v FactValue) Attempted() bool {
	return v.State == FactAbsent || v.State == FactPresent
}

// Valid reports whether the value is one of the three known shapes.
func (v FactValue) Valid() bool {
	switch v.State {
	case FactUnattempted, FactAbsent:
		return v.Text == ""
	case FactPresent:
		return true
	default:
		return false
	}
}

// String renders the value for reports; only present facts carry text.
func (v FactValue) String() string {
	if v.State == FactPresent {
		return v.Text
	}
	return ""
}

// ParseFactState validates a persisted state label.
func ParseFactState(s string) (FactState, error) {
	switch FactState(s) {
	case FactUnattempted, FactAbsent, FactPresent:
		return FactState(s), nil
	default:
		return "", fmt.Errorf("unknown fact state %q", s)
	}
}

// Row is one player line of a roster artifact, in page order.
type Row struct {
	Name   string     `json:"name"`
	Player FineTaskID `json:"player,omitempty"`
	Fact   FactValue  `json:"fact"`
	// Values holds the raw table cells aligned with Artifact.Columns.
	Values []string `json:"values,omitempty"`
}

// Artifact is the persisted roster for one CoarseTaskID.
type Artifact struct {
	Task    CoarseTaskID `json:"task"`
	Columns []string     `json:"columns,omitempty"`
	Rows    []Row        `json:"rows"`
}

// Report combines all artifacts, one section per CoarseTaskID in task order.
type Report struct {
	GeneratedAt time.Time  `json:"generated_at"`
	Sections    []Artifact `json:"sections"`
}

// ParsedRow is what a CoarsePageParser yields for one table row.
type ParsedRow struct {
	Name        string
	ProfileLink string
	Values      []string
}

// ParsedRoster is the ordered result of parsing one coarse page.
type ParsedRoster struct {
	Columns []string
	Rows    []ParsedRow
}

// RunCounts summarizes a pipeline run.
type RunCounts struct {
	CoarseCompleted    int `json:"coarse_completed"`
	CoarseSkipped      int `json:"coarse_skipped"`
	CoarseFailed       int `json:"coarse_failed"`
	CoarseInconsistent int `json:"coarse_inconsistent"`
	FinePresent        int `json:"fine_present"`
	FineAbsent         int `json:"fine_absent"`
	FineUnattempted    int `json:"fine_unattempted"`
	FineFetchFailures  int `json:"fine_fetch_failures"`
	RowsBackfilled     int `json:"rows_backfilled"`
}

// FetchRequest captures everything needed to fetch one page.
type FetchRequest struct {
	URL     string
	Headers map[string]string
	Timeout time.Duration
}

// FetchContext derives the context for one fetch from the run context. It
// keeps ctx's values but not its cancellation, so a fetch in flight when the
// run is canceled completes or times out on its own.
func FetchContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	detached := context.WithoutCancel(ctx)
	if timeout <= 0 {
		return context.WithCancel(detached)
	}
	return context.WithTimeout(detached, timeout)
}

// FetchResponse is the result returned by a PageFetcher. Non-2xx responses are
// returned without error; callers classify them.
type FetchResponse struct {
	URL        string
	StatusCode int
	Body       []byte
	Duration   time.Duration
}

// OK reports whether the status code is 2xx.
func (r FetchResponse) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}
