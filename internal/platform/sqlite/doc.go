// Package sqlite is the engine layer behind the worker process.
//
// It owns everything that touches SQLite directly:
//   - mapping open flags to an access mode and building a file: URI DSN
//   - opening a single-connection pool and applying PRAGMAs, retrying SQLITE_BUSY
//   - extracting result codes from engine errors
//   - schema migrations through golang-migrate
//
// # Opening
//
//	mode, err := sqlite.AccessModeForFlags(protocol.DefaultFlags)
//	if err != nil {
//		return err
//	}
//	opts := sqlite.DefaultDBOptions()
//	opts.AccessMode = mode
//	db, err := sqlite.Open(ctx, "app.db", opts)
//
// The pool is limited to one connection. Clients drive transactions with plain
// BEGIN/COMMIT/SAVEPOINT statements, which only work if they all hit the same connection.
//
// # Access modes
//
//   - ro: the file must exist and is never written
//   - rw: the file must exist
//   - rwc: the file and its parent directory are created when missing
//
// # Migrations
//
//	err := sqlite.ApplyMigrations("app.db", "migrations")
//	version, dirty, err := sqlite.MigrationVersion("app.db", "migrations")
//
// A directory path is turned into a file:// source URL automatically.
package sqlite
