package asyncsqlite

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"runtime"
	"sync"
	"time"

	"asyncsqlite/internal/shared"
)

// Isolation is the locking behaviour requested by BEGIN.
type Isolation int

const (
	// Deferred takes locks on first read or write.
	Deferred Isolation = iota
	// Immediate takes the write lock at BEGIN.
	Immediate
	// Exclusive also keeps other connections from reading, outside WAL mode.
	Exclusive
)

func (i Isolation) String() string {
	switch i {
	case Deferred:
		return "DEFERRED"
	case Immediate:
		return "IMMEDIATE"
	case Exclusive:
		return "EXCLUSIVE"
	default:
		return fmt.Sprintf("Isolation(%d)", int(i))
	}
}

func (i Isolation) valid() bool {
	return i >= Deferred && i <= Exclusive
}

// TxStatus is the lifecycle state of a Transaction.
type TxStatus int

const (
	TxActive TxStatus = iota
	TxCommitted
	TxRolledBack
)

func (s TxStatus) String() string {
	switch s {
	case TxActive:
		return "active"
	case TxCommitted:
		return "committed"
	case TxRolledBack:
		return "rolled back"
	default:
		return fmt.Sprintf("TxStatus(%d)", int(s))
	}
}

var savepointName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// executor is what a Transaction delegates to.
type executor interface {
	Query(ctx context.Context, sql string, params ...any) (*ResultSet, error)
	Execute(ctx context.Context, sql string, params ...any) (*CommandResult, error)
	Prepare(ctx context.Context, sql string) (*Statement, error)
	IsAlive() bool
	LastUsedAt() time.Time
}

// txState is shared with the owning connection and the abandonment cleanup, neither
// of which may keep the Transaction itself reachable.
//
// While COMMIT or ROLLBACK is in flight the status stays TxActive with ending set, so
// the connection keeps refusing a new BEGIN until the outcome is known.
type txState struct {
	mu     sync.Mutex
	status TxStatus
	ending bool
	conn   executor // set only while status is TxActive
	log    *slog.Logger
}

func (s *txState) isActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status == TxActive && !s.ending
}

// occupied reports whether the transaction still holds its connection, including
// while it is ending.
func (s *txState) occupied() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status == TxActive
}

// end claims an active transaction for COMMIT or ROLLBACK and returns its executor.
// The caller must call finish once the outcome is known.
func (s *txState) end() (executor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != TxActive || s.ending || !s.conn.IsAlive() {
		return nil, errClosed()
	}
	s.ending = true
	return s.conn, nil
}

func (s *txState) finish(status TxStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status, s.conn, s.ending = status, nil, false
}

func (s *txState) alive() (executor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != TxActive || s.ending || !s.conn.IsAlive() {
		return nil, errClosed()
	}
	return s.conn, nil
}

func errClosed() error {
	return shared.Newf(shared.KindTransactionState, "transaction has been closed")
}

// rollback sends ROLLBACK on conn and ends the transaction once the reply is in.
func (s *txState) rollback(ctx context.Context, conn executor) error {
	_, err := conn.Execute(context.WithoutCancel(ctx), "ROLLBACK")
	s.finish(TxRolledBack)
	return err
}

// abandon rolls back a transaction whose handle was collected while still alive.
func (s *txState) abandon() {
	conn, err := s.end()
	if err != nil {
		return
	}
	s.log.Warn("transaction dropped while active, rolling back")
	if err := s.rollback(context.Background(), conn); err != nil {
		s.log.Error("background rollback failed", slog.Any("err", err))
	}
}

// Transaction is an open BEGIN ... COMMIT/ROLLBACK block on a connection.
// It ends exactly once, through Commit, Rollback, Close or Release, and is never reused.
//
// Call Release in a defer right after BeginTransaction: it rolls back whatever was not
// committed. A Transaction that becomes unreachable while alive is rolled back in the
// background as a last resort only.
type Transaction struct {
	state     *txState
	isolation Isolation
	cleanup   runtime.Cleanup
}

func newTransaction(conn executor, isolation Isolation, log *slog.Logger) *Transaction {
	if log == nil {
		log = slog.Default()
	}
	st := &txState{status: TxActive, conn: conn, log: log}
	tx := &Transaction{state: st, isolation: isolation}
	tx.cleanup = runtime.AddCleanup(tx, func(s *txState) { go s.abandon() }, st)
	return tx
}

// Isolation returns the isolation chosen at BEGIN.
func (tx *Transaction) Isolation() Isolation {
	return tx.isolation
}

// Status returns the lifecycle state.
func (tx *Transaction) Status() TxStatus {
	tx.state.mu.Lock()
	defer tx.state.mu.Unlock()
	return tx.state.status
}

// IsActive reports whether the transaction has not ended yet.
func (tx *Transaction) IsActive() bool {
	return tx.state.isActive()
}

// IsAlive reports whether the transaction is active and its worker is running.
func (tx *Transaction) IsAlive() bool {
	_, err := tx.state.alive()
	return err == nil
}

// LastUsedAt delegates to the connection while active and is zero afterwards.
func (tx *Transaction) LastUsedAt() time.Time {
	tx.state.mu.Lock()
	defer tx.state.mu.Unlock()
	if tx.state.status != TxActive || tx.state.ending {
		return time.Time{}
	}
	return tx.state.conn.LastUsedAt()
}

// Query runs sql on the connection.
func (tx *Transaction) Query(ctx context.Context, sql string, params ...any) (*ResultSet, error) {
	conn, err := tx.state.alive()
	if err != nil {
		return nil, err
	}
	return conn.Query(ctx, sql, params...)
}

// Execute runs sql on the connection.
func (tx *Transaction) Execute(ctx context.Context, sql string, params ...any) (*CommandResult, error) {
	conn, err := tx.state.alive()
	if err != nil {
		return nil, err
	}
	return conn.Execute(ctx, sql, params...)
}

// Prepare compiles sql on the connection.
func (tx *Transaction) Prepare(ctx context.Context, sql string) (*Statement, error) {
	conn, err := tx.state.alive()
	if err != nil {
		return nil, err
	}
	return conn.Prepare(ctx, sql)
}

// Commit issues COMMIT. The transaction ends whatever the outcome, and the status
// reflects the reply the worker actually gave. When the engine rejects COMMIT a ROLLBACK
// follows before the connection accepts another BEGIN.
//
// COMMIT is sent even if ctx is cancelled while it waits in the queue.
func (tx *Transaction) Commit(ctx context.Context) error {
	conn, err := tx.state.end()
	if err != nil {
		return err
	}
	tx.cleanup.Stop()

	_, err = conn.Execute(context.WithoutCancel(ctx), "COMMIT")
	if err == nil {
		tx.state.finish(TxCommitted)
		return nil
	}

	var engErr *EngineError
	if !errors.As(err, &engErr) {
		// the worker is gone or out of step, nothing left to roll back on
		tx.state.finish(TxRolledBack)
		return err
	}
	if rbErr := tx.state.rollback(ctx, conn); rbErr != nil {
		tx.state.log.Debug("rollback after failed commit", slog.Any("err", rbErr))
	}
	return err
}

// Rollback issues ROLLBACK, even if ctx is cancelled while it waits in the queue.
// The transaction ends whatever the outcome.
func (tx *Transaction) Rollback(ctx context.Context) error {
	conn, err := tx.state.end()
	if err != nil {
		return err
	}
	tx.cleanup.Stop()

	return tx.state.rollback(ctx, conn)
}

// Close commits an active transaction and does nothing otherwise.
func (tx *Transaction) Close(ctx context.Context) error {
	if !tx.IsActive() {
		return nil
	}
	return tx.Commit(ctx)
}

// Release rolls back a transaction that is still alive and does nothing otherwise.
// An active transaction whose worker has died is marked rolled back without any I/O.
func (tx *Transaction) Release(ctx context.Context) error {
	tx.state.mu.Lock()
	if tx.state.status != TxActive || tx.state.ending {
		tx.state.mu.Unlock()
		return nil
	}
	if !tx.state.conn.IsAlive() {
		tx.state.status, tx.state.conn = TxRolledBack, nil
		tx.state.mu.Unlock()
		tx.cleanup.Stop()
		return nil
	}
	tx.state.mu.Unlock()

	err := tx.Rollback(ctx)
	if shared.IsTransactionState(err) {
		// ended concurrently
		return nil
	}
	return err
}

// CreateSavepoint issues SAVEPOINT name.
func (tx *Transaction) CreateSavepoint(ctx context.Context, name string) error {
	return tx.savepoint(ctx, "SAVEPOINT", name)
}

// RollbackTo issues ROLLBACK TO name. The transaction stays active.
func (tx *Transaction) RollbackTo(ctx context.Context, name string) error {
	return tx.savepoint(ctx, "ROLLBACK TO", name)
}

// ReleaseSavepoint issues RELEASE name.
func (tx *Transaction) ReleaseSavepoint(ctx context.Context, name string) error {
	return tx.savepoint(ctx, "RELEASE", name)
}

func (tx *Transaction) savepoint(ctx context.Context, verb, name string) error {
	if !savepointName.MatchString(name) {
		return shared.Newf(shared.KindInvalidArgument, "invalid savepoint identifier %q", name)
	}
	conn, err := tx.state.alive()
	if err != nil {
		return err
	}
	_, err = conn.Execute(ctx, verb+" "+name)
	return err
}

// WithinSavepoint runs fn between SAVEPOINT name and RELEASE name. When fn fails or
// panics, the work since the savepoint is rolled back before the savepoint is released.
func (tx *Transaction) WithinSavepoint(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	if err := tx.CreateSavepoint(ctx, name); err != nil {
		return err
	}

	undo := func() error {
		bg := context.WithoutCancel(ctx)
		return errors.Join(tx.RollbackTo(bg, name), tx.ReleaseSavepoint(bg, name))
	}

	defer func() {
		if p := recover(); p != nil {
			_ = undo()
			panic(p)
		}
	}()

	if err := fn(ctx); err != nil {
		if uErr := undo(); uErr != nil {
			return errors.Join(err, fmt.Errorf("rollback to savepoint %s: %w", name, uErr))
		}
		return err
	}
	return tx.ReleaseSavepoint(ctx, name)
}
