package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/roster-crawler/internal/report"
)

func newReportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "report",
		Short: "Write the workbook from existing state without fetching",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			runID, err := a.NewRunID()
			if err != nil {
				return err
			}
			coord, err := a.Coordinator(runID, false)
			if err != nil {
				return err
			}
			summary, err := coord.Report(cmd.Context())
			report.WriteSummary(cmd.OutOrStdout(), summary)
			if err != nil {
				return fmt.Errorf("report: %w", err)
			}
			return nil
		},
	}
}
