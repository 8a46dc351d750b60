package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/roster-crawler/internal/api"
	"github.com/JakeFAU/roster-crawler/internal/report"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Crawl rosters and profiles, then write the report",
		Long: `Walks every configured team season, resolving each linked player
profile once. Completed work is skipped, so an interrupted run can simply be
started again.`,
		Args: cobra.NoArgs,
		RunE: runRunCommand,
	}
}

func runRunCommand(cmd *cobra.Command, _ []string) error {
	a, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	runID, err := a.NewRunID()
	if err != nil {
		return err
	}
	logger := a.Logger().With(zap.String("run_id", runID))

	coord, err := a.Coordinator(runID, true)
	if err != nil {
		return err
	}

	if port := a.Config().Server.Port; port > 0 {
		serverCtx, stopServer := context.WithCancel(context.WithoutCancel(cmd.Context()))
		defer stopServer()
		srv := api.NewServer(coord, logger.Named("api"))
		go func() {
			if err := srv.ListenAndServe(serverCtx, port); err != nil {
				logger.Error("status server failed", zap.Error(err))
			}
		}()
	}

	summary, err := coord.Run(cmd.Context())
	report.WriteSummary(cmd.OutOrStdout(), summary)
	if err != nil {
		return fmt.Errorf("run %s: %w", runID, err)
	}
	return nil
}
