// Package asyncsqlite gives goroutines non-blocking access to a SQLite database by
// running the engine in a separate worker process.
//
// Every blocking engine call happens in the worker. The connection serializes commands
// from all goroutines into one ordered request/response stream, so it can be shared
// freely:
//
//	func main() {
//		asyncsqlite.ServeIfWorker()
//
//		conn, err := asyncsqlite.Connect(ctx, "app.db")
//		if err != nil {
//			log.Fatal(err)
//		}
//		defer conn.Close(ctx)
//
//		err = conn.WithinTx(ctx, asyncsqlite.Immediate, func(ctx context.Context, tx *asyncsqlite.Transaction) error {
//			_, err := tx.Execute(ctx, "INSERT INTO events (name) VALUES (?)", "started")
//			return err
//		})
//	}
//
// By default workers are child processes of the current executable, which is why main
// calls ServeIfWorker before anything else. Use WithSpawner(ExecWorker(path, log)) to run
// a dedicated binary, or InProcessWorker to keep the engine on a goroutine.
//
// Transactions end exactly once. Pair BeginTransaction with a deferred Release:
//
//	tx, err := conn.BeginTransaction(ctx, asyncsqlite.Exclusive)
//	if err != nil {
//		return err
//	}
//	defer tx.Release(ctx)
//
// Close on a transaction commits, while Release and abandonment roll back.
package asyncsqlite
