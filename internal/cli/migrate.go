package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/angelmondragon/painsync/pkg/db"
	"github.com/angelmondragon/painsync/pkg/migrate"
)

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate [up|down|status|version]",
		Short: "Run schema migrations against the configured queue store",
		Long: `Run schema migrations against the configured queue store.
With no argument the command reports the current schema version.`,
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{"up", "down", "status", "version"},
		RunE: func(cmd *cobra.Command, args []string) error {
			command := "version"
			if len(args) == 1 {
				command = args[0]
			}
			switch command {
			case "up", "down", "status", "version":
			default:
				return fmt.Errorf("unknown migrate command %q", command)
			}

			cfg, logg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			client, err := db.New(ctx, cfg.DB, logg)
			if err != nil {
				return err
			}
			defer client.Close()

			sqlDB, err := client.DB().DB()
			if err != nil {
				return err
			}

			if command != "version" {
				if err := migrate.Run(ctx, sqlDB, cfg.DB.Driver, command); err != nil {
					return err
				}
			}
			version, err := migrate.Version(ctx, sqlDB, cfg.DB.Driver)
			if err != nil {
				return err
			}
			if opts.Format == "json" {
				return writeJSON(cmd.OutOrStdout(), map[string]any{"version": version})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema version: %d\n", version)
			return nil
		},
	}
}
