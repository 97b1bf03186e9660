package asyncsqlite

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"asyncsqlite/internal/protocol"
	"asyncsqlite/internal/shared"
)

// sender is the part of the driver a Connection uses.
type sender interface {
	Send(ctx context.Context, cmd protocol.Command) (protocol.Response, error)
	Close(ctx context.Context) error
	IsAlive() bool
	LastUsedAt() time.Time
}

// Connection is a database opened in one worker. It is safe for concurrent use;
// commands from all goroutines reach the worker one at a time.
type Connection struct {
	d   sender
	log *slog.Logger

	mu     sync.Mutex
	active *txState
}

func newConnection(d sender, log *slog.Logger) *Connection {
	return &Connection{d: d, log: log}
}

func (c *Connection) send(ctx context.Context, cmd protocol.Command) (protocol.Response, error) {
	resp, err := c.d.Send(ctx, cmd)
	if err != nil {
		return protocol.Response{}, err
	}
	if err := engineError(cmd.Op, resp); err != nil {
		return protocol.Response{}, err
	}
	return resp, nil
}

// Query runs sql and returns its rows.
func (c *Connection) Query(ctx context.Context, sql string, params ...any) (*ResultSet, error) {
	resp, err := c.send(ctx, protocol.Query(sql, params...))
	if err != nil {
		return nil, err
	}
	return resultSet(resp), nil
}

// Execute runs sql for its side effects.
func (c *Connection) Execute(ctx context.Context, sql string, params ...any) (*CommandResult, error) {
	resp, err := c.send(ctx, protocol.Execute(sql, params...))
	if err != nil {
		return nil, err
	}
	return commandResult(resp), nil
}

// Prepare compiles sql into a reusable statement held by the worker.
func (c *Connection) Prepare(ctx context.Context, sql string) (*Statement, error) {
	resp, err := c.send(ctx, protocol.Prepare(sql))
	if err != nil {
		return nil, err
	}
	return &Statement{conn: c, id: resp.StmtID, sql: sql}, nil
}

// BeginTransaction issues BEGIN with the given isolation. A connection carries at most
// one active transaction; starting another fails with ErrTransactionState.
func (c *Connection) BeginTransaction(ctx context.Context, isolation Isolation) (*Transaction, error) {
	if !isolation.valid() {
		return nil, shared.Newf(shared.KindInvalidArgument, "unknown isolation level %d", int(isolation))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active != nil && c.active.occupied() {
		return nil, shared.Newf(shared.KindTransactionState, "connection already has an active transaction")
	}
	if _, err := c.Execute(ctx, "BEGIN "+isolation.String()); err != nil {
		return nil, err
	}

	tx := newTransaction(c, isolation, c.log)
	c.active = tx.state
	return tx, nil
}

// WithinTx runs fn inside a transaction. It commits when fn returns nil and rolls back
// when fn fails or panics.
func (c *Connection) WithinTx(ctx context.Context, isolation Isolation, fn func(ctx context.Context, tx *Transaction) error) (err error) {
	tx, err := c.BeginTransaction(ctx, isolation)
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Release(context.WithoutCancel(ctx))
			panic(p)
		}
	}()

	if err := fn(ctx, tx); err != nil {
		if rbErr := tx.Release(context.WithoutCancel(ctx)); rbErr != nil {
			return errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
		return err
	}
	// fn may already have ended the transaction itself
	if !tx.IsActive() {
		return nil
	}
	return tx.Commit(ctx)
}

// IsAlive reports whether the worker is running.
func (c *Connection) IsAlive() bool {
	return c.d.IsAlive()
}

// LastUsedAt is the time of the latest completed exchange with the worker.
func (c *Connection) LastUsedAt() time.Time {
	return c.d.LastUsedAt()
}

// Close stops the worker. Uncommitted work is discarded by the engine.
func (c *Connection) Close(ctx context.Context) error {
	return c.d.Close(ctx)
}
