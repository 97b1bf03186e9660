// Package worker runs the SQLite side of the protocol. It reads commands from one stream,
// executes them against a single database connection and writes responses to another.
package worker

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"asyncsqlite/internal/platform/sqlite"
	"asyncsqlite/internal/protocol"
	"asyncsqlite/internal/shared"
)

// Server executes commands for one database. It is not safe for concurrent use;
// the protocol is half-duplex and Serve handles commands one at a time.
type Server struct {
	log  *slog.Logger
	opts sqlite.DBOptions

	path  string
	db    *sql.DB
	conn  *sql.Conn
	stmts map[string]*sql.Stmt
}

// NewServer creates a server that opens databases with opts.
func NewServer(log *slog.Logger, opts sqlite.DBOptions) *Server {
	if log == nil {
		log = slog.Default()
	}
	opts.Log = log
	return &Server{
		log:   log,
		opts:  opts,
		stmts: make(map[string]*sql.Stmt),
	}
}

// Serve handles commands until close, end of input or a broken stream.
// The database is closed on every exit path.
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	defer func() {
		if err := s.Close(); err != nil {
			s.log.Warn("close database", slog.Any("err", err))
		}
	}()

	dec := protocol.NewDecoder(r)
	enc := protocol.NewEncoder(w)

	for {
		cmd, err := dec.DecodeCommand()
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.log.Debug("command stream closed")
				return nil
			}
			return shared.Wrap(err, "read command")
		}

		if cmd.Op == protocol.OpClose {
			s.log.Debug("close requested")
			return nil
		}

		resp := s.Handle(ctx, cmd)
		if err := enc.Encode(resp); err != nil {
			return shared.Wrapf(err, "write response for %s", cmd.Op)
		}
	}
}

// Handle executes one command and returns its response. It never returns for close;
// Serve intercepts that before dispatching.
func (s *Server) Handle(ctx context.Context, cmd protocol.Command) protocol.Response {
	started := time.Now()

	var (
		resp protocol.Response
		err  error
	)
	switch cmd.Op {
	case protocol.OpOpen:
		err = s.open(ctx, cmd)
	case protocol.OpQuery:
		resp, err = s.query(ctx, cmd)
	case protocol.OpExecute:
		resp, err = s.execute(ctx, cmd)
	case protocol.OpPrepare:
		resp, err = s.prepare(ctx, cmd)
	case protocol.OpStatementQuery:
		resp, err = s.statementQuery(ctx, cmd)
	case protocol.OpStatementExecute:
		resp, err = s.statementExecute(ctx, cmd)
	case protocol.OpStatementClose:
		err = s.statementClose(cmd)
	default:
		err = fmt.Errorf("unknown operation %q", cmd.Op)
	}

	resp.ID = cmd.ID
	if err != nil {
		s.log.Debug("command failed",
			slog.String("op", string(cmd.Op)),
			slog.Duration("took", time.Since(started)),
			slog.Any("err", err))
		resp = protocol.Response{ID: cmd.ID, Error: errorPayload(err)}
		return resp
	}

	resp.OK = true
	s.log.Debug("command done",
		slog.String("op", string(cmd.Op)),
		slog.Duration("took", time.Since(started)))
	return resp
}

// Close releases statements, the pinned connection and the database.
func (s *Server) Close() error {
	var errs []error
	for id, stmt := range s.stmts {
		errs = append(errs, stmt.Close())
		delete(s.stmts, id)
	}
	if s.conn != nil {
		errs = append(errs, s.conn.Close())
		s.conn = nil
	}
	if s.db != nil {
		errs = append(errs, s.db.Close())
		s.db = nil
		s.log.Debug("database closed", slog.String("path", s.path))
	}
	return errors.Join(errs...)
}

func (s *Server) open(ctx context.Context, cmd protocol.Command) error {
	if s.db != nil {
		return fmt.Errorf("database %s is already open", s.path)
	}
	mode, err := sqlite.AccessModeForFlags(cmd.Flags)
	if err != nil {
		return err
	}
	if cmd.Key != "" {
		return errors.New("encryption keys are not supported by this engine")
	}

	opts := s.opts
	opts.AccessMode = mode
	db, err := sqlite.Open(ctx, cmd.Path, opts)
	if err != nil {
		return err
	}
	conn, err := db.Conn(ctx)
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("pin connection: %w", err)
	}

	s.db, s.conn, s.path = db, conn, cmd.Path
	s.log.Debug("database opened", slog.String("path", cmd.Path), slog.String("mode", string(mode)))
	return nil
}

func (s *Server) ready() error {
	if s.conn == nil {
		return errors.New("database is not open")
	}
	return nil
}

func (s *Server) query(ctx context.Context, cmd protocol.Command) (protocol.Response, error) {
	if err := s.ready(); err != nil {
		return protocol.Response{}, err
	}
	rows, err := s.conn.QueryContext(ctx, cmd.SQL, cmd.BindValues()...)
	if err != nil {
		return protocol.Response{}, err
	}
	return collectRows(rows)
}

func (s *Server) execute(ctx context.Context, cmd protocol.Command) (protocol.Response, error) {
	if err := s.ready(); err != nil {
		return protocol.Response{}, err
	}
	res, err := s.conn.ExecContext(ctx, cmd.SQL, cmd.BindValues()...)
	if err != nil {
		return protocol.Response{}, err
	}
	return resultResponse(res), nil
}

func (s *Server) prepare(ctx context.Context, cmd protocol.Command) (protocol.Response, error) {
	if err := s.ready(); err != nil {
		return protocol.Response{}, err
	}
	stmt, err := s.conn.PrepareContext(ctx, cmd.SQL)
	if err != nil {
		return protocol.Response{}, err
	}
	id := uuid.NewString()
	s.stmts[id] = stmt
	return protocol.Response{StmtID: id}, nil
}

func (s *Server) statement(id string) (*sql.Stmt, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	stmt, ok := s.stmts[id]
	if !ok {
		return nil, fmt.Errorf("statement not found: %s", id)
	}
	return stmt, nil
}

func (s *Server) statementQuery(ctx context.Context, cmd protocol.Command) (protocol.Response, error) {
	stmt, err := s.statement(cmd.StmtID)
	if err != nil {
		return protocol.Response{}, err
	}
	rows, err := stmt.QueryContext(ctx, cmd.BindValues()...)
	if err != nil {
		return protocol.Response{}, err
	}
	return collectRows(rows)
}

func (s *Server) statementExecute(ctx context.Context, cmd protocol.Command) (protocol.Response, error) {
	stmt, err := s.statement(cmd.StmtID)
	if err != nil {
		return protocol.Response{}, err
	}
	res, err := stmt.ExecContext(ctx, cmd.BindValues()...)
	if err != nil {
		return protocol.Response{}, err
	}
	return resultResponse(res), nil
}

func (s *Server) statementClose(cmd protocol.Command) error {
	stmt, err := s.statement(cmd.StmtID)
	if err != nil {
		return err
	}
	delete(s.stmts, cmd.StmtID)
	return stmt.Close()
}

func collectRows(rows *sql.Rows) (protocol.Response, error) {
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return protocol.Response{}, fmt.Errorf("failed to get columns: %w", err)
	}

	var results [][]any
	scanArgs := make([]any, len(columns))
	scanPtrs := make([]any, len(columns))
	for i := range scanArgs {
		scanPtrs[i] = &scanArgs[i]
	}

	for rows.Next() {
		if err := rows.Scan(scanPtrs...); err != nil {
			return protocol.Response{}, fmt.Errorf("failed to scan row: %w", err)
		}
		results = append(results, encodeRow(scanArgs))
	}
	if err := rows.Err(); err != nil {
		return protocol.Response{}, err
	}

	return protocol.Response{Columns: columns, Rows: results}, nil
}

// encodeRow makes scanned values JSON friendly: blobs become base64, times RFC 3339.
func encodeRow(raw []any) []any {
	row := make([]any, len(raw))
	for i, val := range raw {
		switch v := val.(type) {
		case []byte:
			row[i] = base64.StdEncoding.EncodeToString(v)
		case time.Time:
			row[i] = v.Format(time.RFC3339Nano)
		default:
			row[i] = v
		}
	}
	return row
}

func resultResponse(res sql.Result) protocol.Response {
	var resp protocol.Response
	// both are always supported by the sqlite driver
	resp.RowsAffected, _ = res.RowsAffected()
	resp.LastInsertID, _ = res.LastInsertId()
	return resp
}

func errorPayload(err error) *protocol.ErrorPayload {
	return &protocol.ErrorPayload{Code: sqlite.ErrorCode(err), Message: err.Error()}
}
