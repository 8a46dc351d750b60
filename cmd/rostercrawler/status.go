package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/roster-crawler/internal/report"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show ledger and fact cache counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			coord, err := a.Coordinator("", false)
			if err != nil {
				return err
			}
			status, counts, err := coord.Inspect(cmd.Context())
			if err != nil {
				return fmt.Errorf("inspect state: %w", err)
			}
			report.WriteStatus(cmd.OutOrStdout(), status, counts)
			return nil
		},
	}
}
