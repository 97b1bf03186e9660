package asyncsqlite

import (
	"context"
	"log/slog"
	"os"
	"time"

	"asyncsqlite/internal/driver"
	"asyncsqlite/internal/process"
	"asyncsqlite/internal/protocol"
	"asyncsqlite/internal/shared"
	"asyncsqlite/internal/worker"
)

// OpenFlags select read/write/create semantics. Values match SQLite's.
type OpenFlags = protocol.OpenFlags

const (
	OpenReadOnly  = protocol.FlagReadOnly
	OpenReadWrite = protocol.FlagReadWrite
	OpenCreate    = protocol.FlagCreate
	// DefaultFlags opens read/write and creates the file when missing.
	DefaultFlags = protocol.DefaultFlags
)

// Error taxonomy. Match with errors.Is.
var (
	// ErrSynchronization means the worker was gone when a command was about to be sent.
	ErrSynchronization = shared.ErrSynchronization
	// ErrTransactionState means the transaction has already ended or its worker died.
	ErrTransactionState = shared.ErrTransactionState
	// ErrInvalidArgument is returned before any I/O, e.g. for a malformed savepoint name.
	ErrInvalidArgument = shared.ErrInvalidArgument
	// ErrTimeout means a worker did not answer within the configured send timeout.
	ErrTimeout = shared.ErrTimeout
	// ErrConnection means the worker could not be started or the database not opened.
	ErrConnection = shared.ErrConnection
	// ErrEngine matches every *EngineError.
	ErrEngine = shared.ErrEngine
)

// Spawner starts worker processes.
type Spawner = process.Spawner

// ExecWorker runs each worker as a child process of the binary at path.
// An empty path means the current executable, which must call ServeIfWorker first thing in main.
func ExecWorker(path string, log *slog.Logger) Spawner {
	return process.ExecSpawner{Path: path, Log: log}
}

// InProcessWorker runs each worker on a goroutine of the current process.
func InProcessWorker(log *slog.Logger) Spawner {
	return process.InProcessSpawner{Serve: worker.Serve(log), Log: log}
}

// IsWorker reports whether the current process was started as a worker.
func IsWorker() bool {
	return worker.IsChild()
}

// ServeIfWorker turns the current process into a worker when it was started as one,
// and exits when the parent closes it. It returns immediately otherwise.
func ServeIfWorker() {
	if !worker.IsChild() {
		return
	}
	os.Exit(worker.Main(context.Background(), os.Stdin, os.Stdout, os.Stderr))
}

type config struct {
	flags   OpenFlags
	key     string
	log     *slog.Logger
	spawner Spawner
	driver  []driver.Option
}

// Option configures Connect.
type Option func(*config)

// WithFlags sets the open flags. The default is DefaultFlags.
func WithFlags(flags OpenFlags) Option {
	return func(c *config) { c.flags = flags }
}

// WithEncryptionKey passes a key to the engine. The bundled engine has no codec and
// refuses to open with a non-empty key.
func WithEncryptionKey(key string) Option {
	return func(c *config) { c.key = key }
}

// WithLogger sets the logger for the driver and its worker.
func WithLogger(log *slog.Logger) Option {
	return func(c *config) { c.log = log }
}

// WithSpawner replaces the default ExecWorker("").
func WithSpawner(s Spawner) Option {
	return func(c *config) { c.spawner = s }
}

// WithCloseGrace sets how long Close waits before killing the worker (default 50ms).
func WithCloseGrace(d time.Duration) Option {
	return func(c *config) { c.driver = append(c.driver, driver.WithCloseGrace(d)) }
}

// WithSendTimeout bounds each exchange with the worker. Zero, the default, waits forever.
func WithSendTimeout(d time.Duration) Option {
	return func(c *config) { c.driver = append(c.driver, driver.WithSendTimeout(d)) }
}

// WithQueueSize bounds the number of callers queued for the worker (default 64).
func WithQueueSize(n int) Option {
	return func(c *config) { c.driver = append(c.driver, driver.WithQueueSize(n)) }
}

// Connect starts a worker, opens path in it and returns the connection.
func Connect(ctx context.Context, path string, opts ...Option) (*Connection, error) {
	cfg := config{flags: DefaultFlags}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.log == nil {
		cfg.log = slog.Default()
	}
	if cfg.spawner == nil {
		cfg.spawner = ExecWorker("", cfg.log)
	}

	dopts := append([]driver.Option{driver.WithLogger(cfg.log)}, cfg.driver...)
	d, err := driver.Create(ctx, cfg.spawner, path, cfg.flags, cfg.key, dopts...)
	if err != nil {
		return nil, err
	}
	return newConnection(d, cfg.log), nil
}
