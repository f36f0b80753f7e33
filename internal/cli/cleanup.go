package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/angelmondragon/painsync/internal/app"
)

// NewCleanupCommand creates the cleanup command.
func NewCleanupCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Expire overdue items and purge completed ones past retention",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				expired, err := a.Engine.ExpireOverdue(ctx)
				if err != nil {
					return err
				}
				removed, err := a.Engine.CleanupCompletedItems(ctx)
				if err != nil {
					return err
				}
				if opts.Format == "json" {
					return writeJSON(cmd.OutOrStdout(), map[string]any{
						"expired": expired,
						"removed": removed,
					})
				}
				fmt.Fprintf(cmd.OutOrStdout(), "expired %d overdue item(s), removed %d completed item(s)\n", expired, removed)
				return nil
			})
		},
	}
}
