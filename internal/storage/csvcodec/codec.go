// Package csvcodec encodes roster artifacts as CSV. The page's own columns
// come first, followed by four bookkeeping columns so the artifact can be
// read back exactly.
package csvcodec

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"

	"github.com/JakeFAU/roster-crawler/internal/roster"
)

// Trailing bookkeeping columns.
const (
	ColumnName      = "player_name"
	ColumnPlayerID  = "player_id"
	ColumnFactText  = "high_school"
	ColumnFactState = "high_school_state"
)

var trailer = []string{ColumnName, ColumnPlayerID, ColumnFactText, ColumnFactState}

// ContentType is the MIME type of encoded artifacts.
const ContentType = "text/csv; charset=utf-8"

// FileName is the object name for a task, e.g. "2019_kan_roster.csv".
func FileName(task roster.CoarseTaskID) string {
	return task.BaseName() + ".csv"
}

// Encode writes the artifact as CSV.
func Encode(w io.Writer, artifact roster.Artifact) error {
	cw := csv.NewWriter(w)
	header := append(append([]string(nil), artifact.Columns...), trailer...)
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for i, row := range artifact.Rows {
		record := append(append([]string(nil), row.Values...),
			row.Name, string(row.Player), row.Fact.Text, string(row.Fact.State))
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("write row %d: %w", i, err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("flush csv: %w", err)
	}
	return nil
}

// Decode reads an artifact written by Encode.
func Decode(r io.Reader, task roster.CoarseTaskID) (roster.Artifact, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return roster.Artifact{}, fmt.Errorf("artifact %s: empty document", task)
	}
	if err != nil {
		return roster.Artifact{}, fmt.Errorf("read header: %w", err)
	}
	if len(header) < len(trailer) {
		return roster.Artifact{}, fmt.Errorf("artifact %s: header has %d columns", task, len(header))
	}
	for i, name := range trailer {
		if got := header[len(header)-len(trailer)+i]; got != name {
			return roster.Artifact{}, fmt.Errorf("artifact %s: expected column %q, got %q", task, name, got)
		}
	}

	artifact := roster.Artifact{Task: task, Rows: []roster.Row{}}
	if n := len(header) - len(trailer); n > 0 {
		artifact.Columns = header[:n]
	}
	for line := 2; ; line++ {
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return roster.Artifact{}, fmt.Errorf("read line %d: %w", line, err)
		}
		if len(record) < len(trailer) {
			return roster.Artifact{}, fmt.Errorf("artifact %s line %d: %d fields", task, line, len(record))
		}
		tail := record[len(record)-len(trailer):]
		state, err := roster.ParseFactState(tail[3])
		if err != nil {
			return roster.Artifact{}, fmt.Errorf("artifact %s line %d: %w", task, line, err)
		}
		row := roster.Row{
			Name:   tail[0],
			Player: roster.FineTaskID(tail[1]),
			Fact:   roster.FactValue{State: state, Text: tail[2]},
		}
		if n := len(record) - len(trailer); n > 0 {
			row.Values = record[:n]
		}
		artifact.Rows = append(artifact.Rows, row)
	}
	return artifact, nil
}
