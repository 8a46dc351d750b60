// Package xlsx writes the consolidated roster report as an Excel workbook,
// one sheet per team season.
package xlsx

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/roster-crawler/internal/roster"
)

// FactColumn is the header of the column appended to every sheet.
const FactColumn = "High School"

const maxSheetName = 31

// Exporter implements roster.ReportExporter.
type Exporter struct {
	path   string
	logger *zap.Logger
}

// New creates an exporter that writes to path.
func New(path string, logger *zap.Logger) (*Exporter, error) {
	if path == "" {
		return nil, fmt.Errorf("report path is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Exporter{path: path, logger: logger}, nil
}

// Path returns the workbook location.
func (e *Exporter) Path() string {
	return e.path
}

// SheetName returns the worksheet name for task.
func SheetName(task roster.CoarseTaskID) string {
	name := task.BaseName()
	if len(name) > maxSheetName {
		name = name[:maxSheetName]
	}
	return name
}

// Export replaces the workbook at the configured path. An empty report still
// produces a workbook with a single empty sheet.
func (e *Exporter) Export(ctx context.Context, report roster.Report) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("export canceled: %w", err)
	}

	book, err := Build(report)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := book.Close(); cerr != nil {
			e.logger.Warn("close workbook", zap.Error(cerr))
		}
	}()

	if err := writeAtomic(book, e.path); err != nil {
		return err
	}

	e.logger.Info("report exported",
		zap.String("path", e.path),
		zap.Int("sheets", len(report.Sections)),
	)
	return nil
}

func writeAtomic(book *excelize.File, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create report dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".report-*.xlsx")
	if err != nil {
		return fmt.Errorf("create temp workbook: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if err := book.Write(tmp); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write workbook: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close workbook: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename workbook: %w", err)
	}
	return nil
}

// Build lays the report out in a new workbook. The caller owns the result.
func Build(report roster.Report) (*excelize.File, error) {
	book := excelize.NewFile()
	defaultSheet := book.GetSheetName(0)

	for _, section := range report.Sections {
		name := SheetName(section.Task)
		if _, err := book.NewSheet(name); err != nil {
			_ = book.Close()
			return nil, fmt.Errorf("create sheet %s: %w", name, err)
		}
		if err := writeSection(book, name, section); err != nil {
			_ = book.Close()
			return nil, err
		}
	}

	if len(report.Sections) > 0 {
		if err := book.DeleteSheet(defaultSheet); err != nil {
			_ = book.Close()
			return nil, fmt.Errorf("delete default sheet: %w", err)
		}
		book.SetActiveSheet(0)
	}
	return book, nil
}

func writeSection(book *excelize.File, sheet string, section roster.Artifact) error {
	header := sectionHeader(section)
	if err := setRow(book, sheet, 1, header); err != nil {
		return err
	}
	for i, row := range section.Rows {
		cells := rowCells(section, row)
		if err := setRow(book, sheet, i+2, cells); err != nil {
			return err
		}
	}
	return nil
}

func sectionHeader(section roster.Artifact) []string {
	if len(section.Columns) == 0 {
		return []string{"Player", FactColumn}
	}
	header := make([]string, 0, len(section.Columns)+1)
	header = append(header, section.Columns...)
	return append(header, FactColumn)
}

func rowCells(section roster.Artifact, row roster.Row) []string {
	if len(section.Columns) == 0 {
		return []string{row.Name, row.Fact.String()}
	}
	cells := make([]string, len(section.Columns), len(section.Columns)+1)
	copy(cells, row.Values)
	return append(cells, row.Fact.String())
}

func setRow(book *excelize.File, sheet string, rowNum int, values []string) error {
	cell, err := excelize.CoordinatesToCellName(1, rowNum)
	if err != nil {
		return fmt.Errorf("cell name: %w", err)
	}
	row := make([]any, len(values))
	for i, v := range values {
		row[i] = v
	}
	if err := book.SetSheetRow(sheet, cell, &row); err != nil {
		return fmt.Errorf("write %s!%s: %w", sheet, cell, err)
	}
	return nil
}
