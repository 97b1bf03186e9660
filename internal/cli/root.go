package cli

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/spf13/cobra"

	"asyncsqlite/internal/config"
	"asyncsqlite/pkg/asyncsqlite"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	DB        string
	Format    string // "table" | "json"
	ReadOnly  bool
	InProcess bool

	Config config.Config
	Log    *slog.Logger
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"table", "json"}

// NewRootCommand creates the root command for the asyncsqlite CLI.
func NewRootCommand(cfg config.Config, log *slog.Logger) *cobra.Command {
	if log == nil {
		log = slog.Default()
	}
	opts := &RootOptions{Config: cfg, Log: log}

	cmd := &cobra.Command{
		Use:   "asyncsqlite",
		Short: "Talk to SQLite through an out-of-process worker",
		Long: `asyncsqlite runs the SQLite engine in a worker process and sends it commands
over a serialized request/response channel.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.DB, "db", cfg.DB.Path, "database file")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "table", "output format (table|json)")
	cmd.PersistentFlags().BoolVar(&opts.ReadOnly, "read-only", false, "open the database read-only")
	cmd.PersistentFlags().BoolVar(&opts.InProcess, "in-process", false, "run the engine on a goroutine instead of a worker process")

	cmd.AddCommand(NewWorkerCommand())
	cmd.AddCommand(NewExecCommand(opts))
	cmd.AddCommand(NewShellCommand(opts))
	cmd.AddCommand(NewMigrateCommand(opts))

	return cmd
}

// connect opens the configured database.
func (o *RootOptions) connect(ctx context.Context) (*asyncsqlite.Connection, error) {
	spawner := asyncsqlite.ExecWorker(o.Config.DB.WorkerPath, o.Log)
	if o.InProcess {
		spawner = asyncsqlite.InProcessWorker(o.Log)
	}
	flags := asyncsqlite.DefaultFlags
	if o.ReadOnly {
		flags = asyncsqlite.OpenReadOnly
	}

	opts := []asyncsqlite.Option{
		asyncsqlite.WithLogger(o.Log),
		asyncsqlite.WithSpawner(spawner),
		asyncsqlite.WithFlags(flags),
		asyncsqlite.WithSendTimeout(o.Config.DB.SendTimeout),
	}
	if o.Config.DB.CloseGrace > 0 {
		opts = append(opts, asyncsqlite.WithCloseGrace(o.Config.DB.CloseGrace))
	}
	if o.Config.DB.QueueSize > 0 {
		opts = append(opts, asyncsqlite.WithQueueSize(o.Config.DB.QueueSize))
	}
	return asyncsqlite.Connect(ctx, o.DB, opts...)
}
