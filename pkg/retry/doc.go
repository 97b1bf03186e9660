// Package retry runs an operation again with exponential backoff and jitter while a
// caller-supplied predicate classifies its error as transient.
//
// The worker uses it while opening a database, where PRAGMA journal_mode and friends
// can briefly fail with SQLITE_BUSY when another process holds the file lock.
// SQL statements sent by callers are never retried.
//
// Basic Usage:
//
//	err := retry.Do(ctx, retry.DefaultConfig(), isBusy, func(ctx context.Context) error {
//	    _, err := db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
//	    return err
//	})
//
// Observability:
//
//	cfg := retry.DefaultConfig()
//	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
//	    log.Warn("database busy", "attempt", attempt, "delay", delay, "err", err)
//	}
//
// Exhausting MaxAttempts or MaxElapsedTime returns *RetriesExceededError, which
// unwraps to the last error.
package retry
