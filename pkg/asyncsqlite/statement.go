package asyncsqlite

import (
	"context"
	"sync"

	"asyncsqlite/internal/protocol"
)

// Statement is a prepared statement living in the worker. Close it when done; the
// worker releases whatever is left when the connection closes.
type Statement struct {
	conn *Connection
	id   string
	sql  string

	closeOnce sync.Once
	closeErr  error
}

// SQL returns the text the statement was prepared from.
func (s *Statement) SQL() string {
	return s.sql
}

// Query runs the statement with params and returns its rows.
func (s *Statement) Query(ctx context.Context, params ...any) (*ResultSet, error) {
	resp, err := s.conn.send(ctx, protocol.StatementQuery(s.id, params...))
	if err != nil {
		return nil, err
	}
	return resultSet(resp), nil
}

// Execute runs the statement with params for its side effects.
func (s *Statement) Execute(ctx context.Context, params ...any) (*CommandResult, error) {
	resp, err := s.conn.send(ctx, protocol.StatementExecute(s.id, params...))
	if err != nil {
		return nil, err
	}
	return commandResult(resp), nil
}

// Close releases the statement. Later calls return the first result.
func (s *Statement) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		if !s.conn.IsAlive() {
			return
		}
		_, s.closeErr = s.conn.send(ctx, protocol.StatementClose(s.id))
	})
	return s.closeErr
}
