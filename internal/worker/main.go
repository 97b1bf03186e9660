package worker

import (
	"context"
	"io"
	"log/slog"
	"os"

	"asyncsqlite/internal/platform/logger"
	"asyncsqlite/internal/platform/sqlite"
	"asyncsqlite/internal/process"
)

// IsChild reports whether this process was started as a worker.
func IsChild() bool {
	return os.Getenv(process.WorkerEnv) == "1"
}

// Main is the worker entry point. Stdout carries protocol responses only, so every log
// record goes to stderr as a JSON line for the parent to re-emit.
func Main(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer) int {
	log, _ := logger.New(logger.Options{
		App:          "asyncsqlite-worker",
		ConsoleLevel: os.Getenv("LOG_CONSOLE_LEVEL"),
		Console:      stderr,
		Format:       logger.FormatJSON,
	})

	srv := NewServer(log, sqlite.DefaultDBOptions())
	if err := srv.Serve(ctx, stdin, stdout); err != nil {
		log.Error("worker stopped", slog.Any("err", err))
		return 1
	}
	return 0
}

// Serve adapts a fresh Server to process.ServeFunc for in-process workers.
func Serve(log *slog.Logger) process.ServeFunc {
	return func(ctx context.Context, commands io.Reader, responses io.Writer) error {
		return NewServer(log, sqlite.DefaultDBOptions()).Serve(ctx, commands, responses)
	}
}
