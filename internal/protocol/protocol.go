// Package protocol defines the command/response messages exchanged with the worker process.
//
// The exchange is strictly half-duplex: the parent writes one Command, the worker
// answers with exactly one Response carrying the same ID, and only then may the next
// Command be written. The close command is the single exception and gets no answer.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"asyncsqlite/internal/shared"
)

// Op names a worker operation.
type Op string

const (
	OpOpen             Op = "open"
	OpQuery            Op = "query"
	OpExecute          Op = "execute"
	OpPrepare          Op = "prepare"
	OpStatementQuery   Op = "statement_query"
	OpStatementExecute Op = "statement_execute"
	OpStatementClose   Op = "statement_close"
	OpClose            Op = "close"
)

// OpenFlags selects read/write/create semantics when opening the database.
// The values match SQLite's SQLITE_OPEN_* constants.
type OpenFlags int

const (
	FlagReadOnly  OpenFlags = 0x1
	FlagReadWrite OpenFlags = 0x2
	FlagCreate    OpenFlags = 0x4

	DefaultFlags = FlagReadWrite | FlagCreate
)

// Has reports whether all bits of f2 are set.
func (f OpenFlags) Has(f2 OpenFlags) bool {
	return f&f2 == f2
}

// Validate rejects flag combinations SQLite cannot open with.
func (f OpenFlags) Validate() error {
	switch {
	case f&^(FlagReadOnly|FlagReadWrite|FlagCreate) != 0:
		return shared.Newf(shared.KindInvalidArgument, "unknown open flags %#x", int(f))
	case f.Has(FlagReadOnly) && f.Has(FlagReadWrite):
		return shared.Newf(shared.KindInvalidArgument, "open flags cannot be both read-only and read-write")
	case !f.Has(FlagReadOnly) && !f.Has(FlagReadWrite):
		return shared.Newf(shared.KindInvalidArgument, "open flags must include read-only or read-write")
	case f.Has(FlagCreate) && !f.Has(FlagReadWrite):
		return shared.Newf(shared.KindInvalidArgument, "create requires read-write")
	}
	return nil
}

func (f OpenFlags) String() string {
	switch {
	case f.Has(FlagReadWrite | FlagCreate):
		return "rwc"
	case f.Has(FlagReadWrite):
		return "rw"
	case f.Has(FlagReadOnly):
		return "ro"
	default:
		return fmt.Sprintf("OpenFlags(%#x)", int(f))
	}
}

// Command is a single request sent to the worker.
type Command struct {
	ID     string    `json:"id"`
	Op     Op        `json:"op"`
	Path   string    `json:"path,omitempty"`
	Flags  OpenFlags `json:"flags,omitempty"`
	Key    string    `json:"key,omitempty"`
	SQL    string    `json:"sql,omitempty"`
	Params []any     `json:"params,omitempty"`
	StmtID string    `json:"stmt_id,omitempty"`
}

// ErrorPayload is the engine failure reported by the worker.
type ErrorPayload struct {
	Code    int    `json:"code,omitempty"`
	Message string `json:"message"`
}

// Response is the worker's answer to one Command.
type Response struct {
	ID           string        `json:"id"`
	OK           bool          `json:"ok"`
	Error        *ErrorPayload `json:"error,omitempty"`
	Columns      []string      `json:"columns,omitempty"`
	Rows         [][]any       `json:"rows,omitempty"`
	RowsAffected int64         `json:"rows_affected,omitempty"`
	LastInsertID int64         `json:"last_insert_id,omitempty"`
	StmtID       string        `json:"stmt_id,omitempty"`
}

// Failed reports whether the worker answered with an engine error.
func (r Response) Failed() bool {
	return r.Error != nil
}

// Err converts an error payload into an ErrEngine-kind error. Returns nil on success.
func (r Response) Err() error {
	if r.Error == nil {
		return nil
	}
	if r.Error.Code != 0 {
		return shared.Newf(shared.KindEngine, "%s (code %d)", r.Error.Message, r.Error.Code)
	}
	return shared.Newf(shared.KindEngine, "%s", r.Error.Message)
}

func newID() string {
	return uuid.NewString()
}

// Open builds the handshake command. An empty key means no encryption.
func Open(path string, flags OpenFlags, key string) Command {
	return Command{ID: newID(), Op: OpOpen, Path: path, Flags: flags, Key: key}
}

// Query builds a row-returning SQL command.
func Query(sql string, params ...any) Command {
	return Command{ID: newID(), Op: OpQuery, SQL: sql, Params: params}
}

// Execute builds a non row-returning SQL command.
func Execute(sql string, params ...any) Command {
	return Command{ID: newID(), Op: OpExecute, SQL: sql, Params: params}
}

// Prepare builds a command that compiles sql into a statement handle.
func Prepare(sql string) Command {
	return Command{ID: newID(), Op: OpPrepare, SQL: sql}
}

// StatementQuery runs a prepared statement and returns its rows.
func StatementQuery(stmtID string, params ...any) Command {
	return Command{ID: newID(), Op: OpStatementQuery, StmtID: stmtID, Params: params}
}

// StatementExecute runs a prepared statement for its side effects.
func StatementExecute(stmtID string, params ...any) Command {
	return Command{ID: newID(), Op: OpStatementExecute, StmtID: stmtID, Params: params}
}

// StatementClose releases a prepared statement handle.
func StatementClose(stmtID string) Command {
	return Command{ID: newID(), Op: OpStatementClose, StmtID: stmtID}
}

// Close asks the worker to close the database and exit.
func Close() Command {
	return Command{ID: newID(), Op: OpClose}
}

// BindValues returns Params converted for database/sql.
// JSON numbers decoded with UseNumber become int64 when integral and float64 otherwise.
func (c Command) BindValues() []any {
	if len(c.Params) == 0 {
		return nil
	}
	out := make([]any, len(c.Params))
	for i, p := range c.Params {
		out[i] = NormalizeValue(p)
	}
	return out
}

// RowValues returns Rows with JSON numbers converted the same way as BindValues.
func (r Response) RowValues() [][]any {
	if len(r.Rows) == 0 {
		return nil
	}
	out := make([][]any, len(r.Rows))
	for i, row := range r.Rows {
		vals := make([]any, len(row))
		for j, v := range row {
			vals[j] = NormalizeValue(v)
		}
		out[i] = vals
	}
	return out
}

// NormalizeValue converts a json.Number to int64 or float64 and returns other values unchanged.
func NormalizeValue(v any) any {
	n, ok := v.(json.Number)
	if !ok {
		return v
	}
	if i, err := n.Int64(); err == nil {
		return i
	}
	if f, err := n.Float64(); err == nil {
		return f
	}
	return n.String()
}
