package app

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"

	"asyncsqlite/internal/cli"
	"asyncsqlite/internal/config"
	"asyncsqlite/internal/platform/logger"
)

// App wires application components.
type App struct {
	cfg      config.Config
	log      *slog.Logger
	closeLog func() error
}

// New creates a new App instance and loads configuration.
func New() (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	log, closeLog := logger.New(logger.Options{
		Env:          cfg.Env,
		ConsoleLevel: cfg.Log.ConsoleLevel,
		FileLevel:    cfg.Log.FileLevel,
		File:         cfg.Log.File,
		App:          "asyncsqlite",
	})
	return &App{cfg: cfg, log: log, closeLog: closeLog}, nil
}

// Run executes the CLI with args until it finishes or the process is interrupted.
func (a *App) Run(args []string) error {
	defer func() { _ = a.closeLog() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a.log.Debug("starting", slog.String("db", a.cfg.DB.Path))

	root := cli.NewRootCommand(a.cfg, a.log)
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}
