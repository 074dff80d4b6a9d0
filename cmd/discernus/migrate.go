package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/discernus/discernus/internal/migration"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the run ledger schema",
	Long: `Apply or inspect the run ledger schema migrations for the configured
database driver (postgres, mysql or sqlite).

Examples:
  discernus migrate up
  discernus migrate status
  discernus migrate force 1`,
}

// withMigrator 打开迁移器并交给 fn
func withMigrator(fn func(cmd *cobra.Command, cli *migration.CLI) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Database.Driver == "" {
			return fmt.Errorf("database.driver is not configured")
		}

		m, err := migration.FromDatabaseConfig(cfg.Database)
		if err != nil {
			return err
		}
		defer m.Close()

		return fn(cmd, migration.NewCLI(m, cmd.OutOrStdout()))
	}
}

func init() {
	migrateCmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			Args:  cobra.NoArgs,
			RunE: withMigrator(func(cmd *cobra.Command, cli *migration.CLI) error {
				return cli.Up(cmd.Context())
			}),
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the last migration",
			Args:  cobra.NoArgs,
			RunE: withMigrator(func(cmd *cobra.Command, cli *migration.CLI) error {
				return cli.Down(cmd.Context())
			}),
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show applied and pending migrations",
			Args:  cobra.NoArgs,
			RunE: withMigrator(func(cmd *cobra.Command, cli *migration.CLI) error {
				return cli.Status(cmd.Context())
			}),
		},
		&cobra.Command{
			Use:   "version",
			Short: "Show the current schema version",
			Args:  cobra.NoArgs,
			RunE: withMigrator(func(cmd *cobra.Command, cli *migration.CLI) error {
				return cli.Version(cmd.Context())
			}),
		},
		&cobra.Command{
			Use:   "force <version>",
			Short: "Set the schema version without running migrations",
			Long:  "Clear a dirty state after fixing a failed migration by hand.",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				v, err := strconv.Atoi(args[0])
				if err != nil {
					return fmt.Errorf("invalid version %q: %w", args[0], err)
				}
				return withMigrator(func(cmd *cobra.Command, cli *migration.CLI) error {
					return cli.Force(cmd.Context(), v)
				})(cmd, args)
			},
		},
	)
	rootCmd.AddCommand(migrateCmd)
}
