// Package shared contains the error taxonomy shared by the driver, the worker
// and the public API.
//
// # Error Types and Classification
//
//   - ErrSynchronization: the worker is gone, or a response did not match its request
//   - ErrTransactionState: operation on a committed, rolled back or orphaned transaction
//   - ErrInvalidArgument: input rejected before anything is sent to the worker
//   - ErrTimeout: a bounded wait expired
//   - ErrConnection: the worker could not be spawned or the database could not be opened
//   - ErrEngine: SQLite reported a failure inside the worker
//   - ErrProtocol: malformed command or response
//
// Use KindOf to classify errors:
//
//	switch shared.KindOf(err) {
//	case shared.KindTransactionState:
//	    // begin a new transaction
//	case shared.KindSynchronization:
//	    // reconnect, the worker is gone
//	}
//
// When several kinds are present (errors.Join, double marking), KindOf reports the
// highest priority one: Canceled, Timeout, Synchronization, TransactionState,
// InvalidArgument, Connection, Protocol, Engine.
//
// # Error Message Style
//
// Messages are lowercase, without trailing punctuation, and composable with Wrap.
package shared
