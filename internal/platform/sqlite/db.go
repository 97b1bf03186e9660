package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"asyncsqlite/internal/protocol"
	"asyncsqlite/pkg/retry"
)

// AccessMode is the SQLite URI "mode" parameter.
type AccessMode string

const (
	// AccessModeReadOnly opens an existing database for reading.
	AccessModeReadOnly AccessMode = "ro"
	// AccessModeReadWrite opens an existing database for reading and writing.
	AccessModeReadWrite AccessMode = "rw"
	// AccessModeReadWriteCreate also creates the file when it is missing.
	AccessModeReadWriteCreate AccessMode = "rwc"
)

// AccessModeForFlags maps validated open flags to an access mode.
func AccessModeForFlags(flags protocol.OpenFlags) (AccessMode, error) {
	if err := flags.Validate(); err != nil {
		return "", err
	}
	switch {
	case flags.Has(protocol.FlagReadOnly):
		return AccessModeReadOnly, nil
	case flags.Has(protocol.FlagCreate):
		return AccessModeReadWriteCreate, nil
	default:
		return AccessModeReadWrite, nil
	}
}

// DBOptions configures how the worker opens its database.
type DBOptions struct {
	// AccessMode controls whether the file may be written or created.
	AccessMode AccessMode
	// PingTimeout bounds the initial connection check.
	PingTimeout time.Duration
	// WALMode switches file databases to the WAL journal.
	WALMode bool
	// ForeignKeys enables foreign key enforcement.
	ForeignKeys bool
	// BusyTimeout is how long SQLite itself waits on a locked database.
	BusyTimeout time.Duration
	// Retry governs re-running PRAGMAs that fail with SQLITE_BUSY.
	Retry retry.Config
	// Log receives busy retries. Defaults to slog.Default().
	Log *slog.Logger
}

// DefaultDBOptions returns the settings used by the worker.
func DefaultDBOptions() DBOptions {
	return DBOptions{
		AccessMode:  AccessModeReadWriteCreate,
		PingTimeout: 5 * time.Second,
		WALMode:     true,
		ForeignKeys: true,
		BusyTimeout: 5 * time.Second,
		Retry:       retry.DefaultConfig(),
	}
}

// Open opens dbPath with a pool of exactly one connection. Statements such as BEGIN and
// SAVEPOINT are sent as plain SQL by clients, so every statement must reach the same
// SQLite connection.
func Open(ctx context.Context, dbPath string, opts DBOptions) (*sql.DB, error) {
	if dbPath == "" {
		return nil, errors.New("sqlite: empty database path")
	}
	if opts.AccessMode == "" {
		opts.AccessMode = AccessModeReadWriteCreate
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}

	if opts.AccessMode == AccessModeReadWriteCreate && !IsMemory(dbPath) {
		if dir := filepath.Dir(dbPath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
			}
		}
	}

	db, err := sql.Open("sqlite", BuildDSN(dbPath, opts))
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)

	pingTimeout := opts.PingTimeout
	if pingTimeout <= 0 {
		pingTimeout = 5 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping sqlite database: %w", err)
	}

	if err := applyPragmaSettings(ctx, db, dbPath, opts); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply PRAGMA settings: %w", err)
	}

	return db, nil
}

// IsMemory reports whether dbPath names an in-memory database.
func IsMemory(dbPath string) bool {
	return dbPath == ":memory:" || strings.Contains(dbPath, "mode=memory")
}

// BuildDSN returns a file: URI so the driver honours the mode parameter.
func BuildDSN(dbPath string, opts DBOptions) string {
	if IsMemory(dbPath) {
		return dbPath
	}

	params := url.Values{}
	if opts.AccessMode != "" {
		params.Set("mode", string(opts.AccessMode))
	}
	if opts.BusyTimeout > 0 {
		params.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", opts.BusyTimeout.Milliseconds()))
	}

	u := url.URL{Scheme: "file", Opaque: escapePath(dbPath), RawQuery: params.Encode()}
	return u.String()
}

// escapePath keeps the path readable while escaping characters that would end it early.
func escapePath(p string) string {
	r := strings.NewReplacer("%", "%25", "?", "%3f", "#", "%23")
	return r.Replace(filepath.ToSlash(p))
}

// IsBusy reports whether err is SQLITE_BUSY or SQLITE_LOCKED, including extended codes.
func IsBusy(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return true
	}
	return false
}

// ErrorCode extracts the SQLite result code from err, or 0 when err did not come from the engine.
func ErrorCode(err error) int {
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code()
	}
	return 0
}

func applyPragmaSettings(ctx context.Context, db *sql.DB, dbPath string, opts DBOptions) error {
	pragmas := make([]string, 0, 3)

	if opts.ForeignKeys {
		pragmas = append(pragmas, "PRAGMA foreign_keys = ON")
	}
	// journal_mode writes the header, which a read-only handle cannot do
	if opts.WALMode && opts.AccessMode != AccessModeReadOnly && !IsMemory(dbPath) {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL", "PRAGMA synchronous = NORMAL")
	}

	cfg := opts.Retry
	if cfg.MaxAttempts == 0 {
		cfg = retry.DefaultConfig()
	}
	for _, pragma := range pragmas {
		cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
			opts.Log.Warn("database busy, retrying",
				slog.String("pragma", pragma),
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay),
				slog.Any("err", err))
		}
		err := retry.Do(ctx, cfg, IsBusy, func(ctx context.Context) error {
			_, err := db.ExecContext(ctx, pragma)
			return err
		})
		if err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}

	return nil
}
