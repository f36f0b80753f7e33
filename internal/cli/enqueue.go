package cli

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/angelmondragon/painsync/internal/app"
	"github.com/angelmondragon/painsync/internal/syncqueue"
	"github.com/angelmondragon/painsync/pkg/enums"
)

// EnqueueOptions holds flags for the enqueue command.
type EnqueueOptions struct {
	*RootOptions
	StudyID  string
	ItemType string
	DataID   string
	Payload  string
}

// NewEnqueueCommand creates the enqueue command.
func NewEnqueueCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EnqueueOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Queue a record for upload",
		Long: `Queue a record for upload. The deadline is derived from the item type.

Example:
  syncctl enqueue --study study-knee-01 --type assessment --data-id a-1 --payload '{"score":4}'`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			itemType, err := enums.ParseSyncItemType(opts.ItemType)
			if err != nil {
				return err
			}
			if !json.Valid([]byte(opts.Payload)) {
				return fmt.Errorf("payload is not valid JSON")
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				entry, err := a.Engine.Enqueue(ctx, syncqueue.EnqueueRequest{
					StudyID:  opts.StudyID,
					ItemType: itemType,
					DataID:   opts.DataID,
					Payload:  json.RawMessage(opts.Payload),
				})
				if err != nil {
					return err
				}
				if opts.Format == "json" {
					return writeJSON(cmd.OutOrStdout(), entry)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "queued %s %s as %s (deadline %s)\n",
					entry.ItemType, entry.DataID, entry.ID, entry.Deadline.String())
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&opts.StudyID, "study", "", "study id (required)")
	cmd.Flags().StringVar(&opts.ItemType, "type", "", "item type: assessment|consent|auditLog|alert|gamification (required)")
	cmd.Flags().StringVar(&opts.DataID, "data-id", "", "client data id (required)")
	cmd.Flags().StringVar(&opts.Payload, "payload", "{}", "JSON payload")
	_ = cmd.MarkFlagRequired("study")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("data-id")

	return cmd
}
