package asyncsqlite

import (
	"fmt"

	"asyncsqlite/internal/protocol"
	"asyncsqlite/internal/shared"
)

// ResultSet holds the rows returned by a query. Integers decode as int64, reals as
// float64, text as string and blobs as base64 strings.
type ResultSet struct {
	Columns []string
	Rows    [][]any
}

// Len returns the number of rows.
func (rs *ResultSet) Len() int {
	return len(rs.Rows)
}

// Maps returns each row keyed by column name.
func (rs *ResultSet) Maps() []map[string]any {
	out := make([]map[string]any, len(rs.Rows))
	for i, row := range rs.Rows {
		m := make(map[string]any, len(rs.Columns))
		for j, col := range rs.Columns {
			if j < len(row) {
				m[col] = row[j]
			}
		}
		out[i] = m
	}
	return out
}

// CommandResult describes the effect of a statement that returns no rows.
type CommandResult struct {
	RowsAffected int64
	LastInsertID int64
}

// EngineError is a failure reported by SQLite inside the worker. It is passed
// through unchanged; errors.Is(err, ErrEngine) matches it.
type EngineError struct {
	Op      string
	Code    int
	Message string
}

func (e *EngineError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s: %s (code %d)", e.Op, e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *EngineError) Unwrap() error {
	return shared.ErrEngine
}

func engineError(op protocol.Op, resp protocol.Response) error {
	if resp.Error == nil {
		return nil
	}
	return &EngineError{Op: string(op), Code: resp.Error.Code, Message: resp.Error.Message}
}

func resultSet(resp protocol.Response) *ResultSet {
	return &ResultSet{Columns: resp.Columns, Rows: resp.RowValues()}
}

func commandResult(resp protocol.Response) *CommandResult {
	return &CommandResult{RowsAffected: resp.RowsAffected, LastInsertID: resp.LastInsertID}
}
