// Package report renders run summaries and state inspections as tables.
package report

import (
	"io"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/JakeFAU/roster-crawler/internal/pipeline"
	"github.com/JakeFAU/roster-crawler/internal/roster"
)

func newTable(w io.Writer) table.Writer {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.SetOutputMirror(w)
	return t
}

// WriteSummary renders a finished run.
func WriteSummary(w io.Writer, s pipeline.Summary) {
	t := newTable(w)
	t.SetTitle("Run " + s.RunID)
	t.AppendHeader(table.Row{"Metric", "Value"})
	t.AppendRows([]table.Row{
		{"Phase", string(s.Phase)},
		{"Canceled", s.Canceled},
		{"Elapsed", s.FinishedAt.Sub(s.StartedAt).Round(time.Millisecond).String()},
		{"Report sheets", s.Sections},
	})
	t.AppendSeparator()
	t.AppendRows(countRows(s.Counts))
	if len(s.Inconsistent) > 0 {
		t.AppendSeparator()
		t.AppendRow(table.Row{"Inconsistent tasks", strings.Join(s.Inconsistent, ", ")})
	}
	t.Render()
}

// WriteStatus renders a state inspection.
func WriteStatus(w io.Writer, status pipeline.Status, counts roster.RunCounts) {
	t := newTable(w)
	t.SetTitle("Crawl state")
	t.AppendHeader(table.Row{"Metric", "Value"})
	t.AppendRows([]table.Row{
		{"Ledgered tasks", status.Ledgered},
		{"Known players", status.CacheEntries},
		{"Players present", counts.FinePresent},
		{"Players absent", counts.FineAbsent},
	})
	t.Render()
}

func countRows(c roster.RunCounts) []table.Row {
	return []table.Row{
		{"Rosters completed", c.CoarseCompleted},
		{"Rosters skipped", c.CoarseSkipped},
		{"Rosters failed", c.CoarseFailed},
		{"Rosters inconsistent", c.CoarseInconsistent},
		{"Players present", c.FinePresent},
		{"Players absent", c.FineAbsent},
		{"Players unattempted", c.FineUnattempted},
		{"Player fetch failures", c.FineFetchFailures},
		{"Rows backfilled", c.RowsBackfilled},
	}
}
