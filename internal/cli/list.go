package cli

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/angelmondragon/painsync/internal/app"
	"github.com/angelmondragon/painsync/internal/syncqueue"
)

// ListOptions holds flags for the list command.
type ListOptions struct {
	*RootOptions
	syncqueue.ListParams
}

// NewListCommand creates the list command.
func NewListCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ListOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queue entries in creation order",
		Long: `List queue entries, optionally filtered, one page at a time.

Examples:
  syncctl list --status failed
  syncctl list --type assessment --limit 20
  syncctl list --cursor <cursor from previous page>`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				result, err := a.Engine.ListEntries(ctx, opts.ListParams)
				if err != nil {
					return err
				}
				if opts.Format == "json" {
					return writeJSON(cmd.OutOrStdout(), result)
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tTYPE\tDATA ID\tSTATUS\tRETRIES\tDEADLINE\tERROR")
				for _, entry := range result.Items {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
						entry.ID, entry.ItemType, entry.DataID, entry.Status, entry.RetryCount,
						entry.Deadline.String(), entry.LastErrorString())
				}
				if err := tw.Flush(); err != nil {
					return err
				}
				if result.Cursor != "" {
					fmt.Fprintf(cmd.OutOrStdout(), "next cursor: %s\n", result.Cursor)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&opts.Status, "status", "", "filter by status (pending|syncing|completed|failed|expired)")
	cmd.Flags().StringVar(&opts.ItemType, "type", "", "filter by item type")
	cmd.Flags().StringVar(&opts.StudyID, "study", "", "filter by study id")
	cmd.Flags().IntVar(&opts.Limit, "limit", 50, "page size")
	cmd.Flags().StringVar(&opts.Cursor, "cursor", "", "cursor returned by the previous page")

	return cmd
}
