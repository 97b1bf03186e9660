package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"asyncsqlite/internal/platform/sqlite"
)

// MigrateOptions holds flags for the migrate commands.
type MigrateOptions struct {
	Dir string
}

// NewMigrateCommand creates the migrate command and its subcommands.
func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &MigrateOptions{}

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply schema migrations to the database",
		Long: `Apply golang-migrate style migrations (NNN_name.up.sql / NNN_name.down.sql)
from a directory to the database file.`,
	}
	cmd.PersistentFlags().StringVar(&opts.Dir, "dir", "migrations", "migrations directory")

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := sqlite.ApplyMigrations(rootOpts.DB, opts.Dir); err != nil {
				return err
			}
			return printVersion(cmd, rootOpts, opts)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Roll back all migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := sqlite.ResetMigrations(rootOpts.DB, opts.Dir); err != nil {
				return err
			}
			return printVersion(cmd, rootOpts, opts)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "goto <version>",
		Short: "Migrate up or down to a version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := strconv.ParseUint(args[0], 10, 32)
			if err != nil {
				return fmt.Errorf("invalid version %q: %w", args[0], err)
			}
			if err := sqlite.MigrateTo(rootOpts.DB, opts.Dir, uint(v)); err != nil {
				return err
			}
			return printVersion(cmd, rootOpts, opts)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the applied migration version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return printVersion(cmd, rootOpts, opts)
		},
	})

	return cmd
}

func printVersion(cmd *cobra.Command, rootOpts *RootOptions, opts *MigrateOptions) error {
	version, dirty, err := sqlite.MigrationVersion(rootOpts.DB, opts.Dir)
	if err != nil {
		return err
	}
	w := cmd.OutOrStdout()
	if rootOpts.Format == "json" {
		return writeJSON(w, map[string]any{"version": version, "dirty": dirty})
	}
	if dirty {
		_, err = fmt.Fprintf(w, "version %d (dirty)\n", version)
		return err
	}
	_, err = fmt.Fprintf(w, "version %d\n", version)
	return err
}
