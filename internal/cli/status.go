package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/angelmondragon/painsync/internal/app"
	"github.com/angelmondragon/painsync/internal/connectivity"
	"github.com/angelmondragon/painsync/internal/syncqueue"
)

// NewStatusCommand creates the status command.
func NewStatusCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queue counts and connectivity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				prober, err := connectivity.NewProber(connectivity.ProberParams{Checker: a.Transport, Logger: a.Logger})
				if err != nil {
					return err
				}
				defer prober.Close()

				status, err := a.Engine.GetSyncStatus(ctx, prober.Probe(ctx), false)
				if err != nil {
					return err
				}
				if opts.Format == "json" {
					return writeJSON(cmd.OutOrStdout(), status)
				}
				printStatus(cmd.OutOrStdout(), status)
				return nil
			})
		},
	}
}

func printStatus(w io.Writer, s syncqueue.SyncStatus) {
	online := "offline"
	if s.IsOnline {
		online = "online"
	}
	fmt.Fprintf(w, "connectivity:         %s\n", online)
	fmt.Fprintf(w, "pending:              %d\n", s.PendingCount)
	fmt.Fprintf(w, "failed:               %d (retryable %d)\n", s.FailedCount, s.RetryableCount)
	fmt.Fprintf(w, "overdue:              %d\n", s.OverdueCount)
	fmt.Fprintf(w, "approaching deadline: %d\n", s.ApproachingDeadlineCount)
	fmt.Fprintf(w, "expired:              %d\n", s.ExpiredCount)
	if s.LastSyncAt != nil {
		fmt.Fprintf(w, "last sync:            %s\n", s.LastSyncAt.UTC().Format(time.RFC3339))
	}
	if s.LastError != "" {
		fmt.Fprintf(w, "last error:           %s\n", s.LastError)
	}
	if s.AuthPaused {
		fmt.Fprintln(w, "sync paused until re-authentication")
	}
	if s.IsFullySynced() {
		fmt.Fprintln(w, "all data synced")
	}
}
