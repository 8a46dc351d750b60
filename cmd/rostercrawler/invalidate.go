package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/roster-crawler/internal/roster"
)

func newInvalidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "invalidate <player-id>...",
		Short: "Forget resolved facts so the next run fetches them again",
		Example: `  rostercrawler invalidate /players/M/MahoPa00.htm /players/K/KelcTr00.htm`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			coord, err := a.Coordinator("", false)
			if err != nil {
				return err
			}
			ids := make([]roster.FineTaskID, 0, len(args))
			for _, arg := range args {
				ids = append(ids, roster.FineTaskID(arg))
			}
			removed, err := coord.Invalidate(cmd.Context(), ids)
			if err != nil {
				return fmt.Errorf("invalidate: %w", err)
			}
			a.Logger().Info("facts invalidated", zap.Int("requested", len(ids)), zap.Int("removed", removed))
			fmt.Fprintf(cmd.OutOrStdout(), "invalidated %d of %d players\n", removed, len(ids))
			return nil
		},
	}
}
