package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/angelmondragon/painsync/internal/app"
)

// NewSyncCommand creates the sync command.
func NewSyncCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one sweep against the remote backend",
		Long: `Run a single sweep: deliver pending items, retry failed ones whose
backoff has elapsed and remove completed items past retention.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				orch, err := a.Orchestrator(ctx)
				if err != nil {
					return err
				}
				defer orch.Close()

				sweepErr := orch.SyncNow(ctx)
				status := orch.Status()
				if opts.Format == "json" {
					if err := writeJSON(cmd.OutOrStdout(), status); err != nil {
						return err
					}
				} else {
					printStatus(cmd.OutOrStdout(), status)
				}
				if sweepErr != nil {
					return fmt.Errorf("sweep: %w", sweepErr)
				}
				return nil
			})
		},
	}
}
