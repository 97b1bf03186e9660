package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"asyncsqlite/internal/reaper"
	"asyncsqlite/pkg/asyncsqlite"
)

// ShellOptions holds flags for the shell command.
type ShellOptions struct {
	History string
}

// NewShellCommand creates the interactive shell command.
func NewShellCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ShellOptions{}

	cmd := &cobra.Command{
		Use:   "shell",
		Short: "Interactive SQL shell",
		Long: `Interactive SQL shell. Statements end with ';'. Lines starting with '.'
are shell commands; type .help to list them.

With ASYNCSQLITE_IDLE_TIMEOUT set, an idle connection is closed in the
background and reopened on the next statement.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runShell(cmd, rootOpts, opts)
		},
	}

	cmd.Flags().StringVar(&opts.History, "history", "", "history file (disabled when empty)")
	return cmd
}

func runShell(cmd *cobra.Command, rootOpts *RootOptions, opts *ShellOptions) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	s, err := newSession(rootOpts, out)
	if err != nil {
		return err
	}
	defer s.close(context.WithoutCancel(ctx))

	rl, err := readline.NewEx(&readline.Config{
		Prompt:            s.prompt(),
		HistoryFile:       opts.History,
		InterruptPrompt:   "^C",
		EOFPrompt:         ".exit",
		HistorySearchFold: true,
		Stdin:             io.NopCloser(cmd.InOrStdin()),
		Stdout:            out,
		Stderr:            cmd.ErrOrStderr(),
	})
	if err != nil {
		return err
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if s.pending() {
				s.reset()
				rl.SetPrompt(s.prompt())
				continue
			}
			return nil
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		if s.handle(ctx, line) {
			return nil
		}
		rl.SetPrompt(s.prompt())
	}
}

// session is the state behind one shell: a lazily (re)opened connection and at most one transaction.
type session struct {
	opts   *RootOptions
	out    io.Writer
	reaper *reaper.Reaper

	conn *asyncsqlite.Connection
	tx   *asyncsqlite.Transaction
	buf  strings.Builder
}

func newSession(opts *RootOptions, out io.Writer) (*session, error) {
	s := &session{opts: opts, out: out}

	r, err := reaper.New(reaper.Config{
		Timeout: opts.Config.DB.IdleTimeout,
		Logger:  opts.Log,
		OnReap: func(name string, idle time.Duration) {
			opts.Log.Info("shell connection closed while idle", slog.String("name", name), slog.Duration("idle", idle))
		},
	})
	if err != nil {
		return nil, err
	}
	s.reaper = r
	r.Start()
	return s, nil
}

func (s *session) prompt() string {
	switch {
	case s.pending():
		return "   ...> "
	case s.tx != nil && s.tx.IsActive():
		return "asyncsqlite*> "
	default:
		return "asyncsqlite> "
	}
}

func (s *session) pending() bool {
	return s.buf.Len() > 0
}

func (s *session) reset() {
	s.buf.Reset()
}

func (s *session) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(s.out, format, args...)
}

// handle processes one input line and reports whether the shell should exit.
func (s *session) handle(ctx context.Context, line string) bool {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return false
	}
	if !s.pending() && strings.HasPrefix(trimmed, ".") {
		quit, err := s.meta(ctx, strings.Fields(trimmed))
		if err != nil {
			s.printf("error: %v\n", err)
		}
		return quit
	}

	if s.pending() {
		s.buf.WriteByte('\n')
	}
	s.buf.WriteString(line)
	if !strings.HasSuffix(trimmed, ";") {
		return false
	}

	sql := s.buf.String()
	s.reset()
	if err := s.run(ctx, sql); err != nil {
		s.printf("error: %v\n", err)
	}
	return false
}

func (s *session) run(ctx context.Context, sql string) error {
	var r runner
	if s.tx != nil && s.tx.IsActive() {
		if !s.tx.IsAlive() {
			s.dropTx(ctx)
			return errors.New("transaction lost: the connection was closed")
		}
		r = s.tx
	} else {
		conn, err := s.connection(ctx)
		if err != nil {
			return err
		}
		r = conn
	}
	return runStatement(ctx, r, s.opts.Format, s.out, sql, nil)
}

// connection returns a live connection, reopening one the reaper has closed.
func (s *session) connection(ctx context.Context) (*asyncsqlite.Connection, error) {
	if s.conn != nil && s.conn.IsAlive() {
		return s.conn, nil
	}
	conn, err := s.opts.connect(ctx)
	if err != nil {
		return nil, err
	}
	s.conn = conn
	s.reaper.Watch("shell", conn)
	return conn, nil
}

func (s *session) dropTx(ctx context.Context) {
	if s.tx != nil {
		_ = s.tx.Release(ctx)
		s.tx = nil
	}
}

const shellHelp = `.begin [deferred|immediate|exclusive]  start a transaction
.commit                                commit the transaction
.rollback                              roll back the transaction
.savepoint NAME                        create a savepoint
.rollback-to NAME                      roll back to a savepoint
.release NAME                          release a savepoint
.tables                                list tables
.status                                show connection and transaction state
.exit                                  leave the shell
`

func (s *session) meta(ctx context.Context, fields []string) (bool, error) {
	arg := func() (string, error) {
		if len(fields) < 2 {
			return "", fmt.Errorf("%s needs a name", fields[0])
		}
		return fields[1], nil
	}

	switch fields[0] {
	case ".exit", ".quit":
		return true, nil
	case ".help":
		s.printf("%s", shellHelp)
	case ".begin":
		if s.tx != nil && s.tx.IsActive() {
			return false, errors.New("a transaction is already active")
		}
		iso := ""
		if len(fields) > 1 {
			iso = fields[1]
		}
		isolation, err := parseIsolation(iso)
		if err != nil {
			return false, err
		}
		conn, err := s.connection(ctx)
		if err != nil {
			return false, err
		}
		tx, err := conn.BeginTransaction(ctx, isolation)
		if err != nil {
			return false, err
		}
		s.tx = tx
		s.printf("BEGIN %s\n", isolation)
	case ".commit":
		if err := s.endTx(ctx, (*asyncsqlite.Transaction).Commit); err != nil {
			return false, err
		}
		s.printf("COMMIT\n")
	case ".rollback":
		if err := s.endTx(ctx, (*asyncsqlite.Transaction).Rollback); err != nil {
			return false, err
		}
		s.printf("ROLLBACK\n")
	case ".savepoint", ".rollback-to", ".release":
		name, err := arg()
		if err != nil {
			return false, err
		}
		tx, err := s.activeTx()
		if err != nil {
			return false, err
		}
		switch fields[0] {
		case ".savepoint":
			err = tx.CreateSavepoint(ctx, name)
		case ".rollback-to":
			err = tx.RollbackTo(ctx, name)
		default:
			err = tx.ReleaseSavepoint(ctx, name)
		}
		if err != nil {
			return false, err
		}
		s.printf("ok\n")
	case ".tables":
		return false, s.run(ctx, "SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name")
	case ".status":
		s.status()
	default:
		return false, fmt.Errorf("unknown command %s, try .help", fields[0])
	}
	return false, nil
}

func (s *session) activeTx() (*asyncsqlite.Transaction, error) {
	if s.tx == nil || !s.tx.IsActive() {
		return nil, errors.New("no active transaction, use .begin")
	}
	return s.tx, nil
}

func (s *session) endTx(ctx context.Context, end func(*asyncsqlite.Transaction, context.Context) error) error {
	tx, err := s.activeTx()
	if err != nil {
		return err
	}
	s.tx = nil
	return end(tx, ctx)
}

func (s *session) status() {
	conn := s.conn
	switch {
	case conn == nil:
		s.printf("connection: not opened\n")
	case conn.IsAlive():
		s.printf("connection: open, last used %s\n", conn.LastUsedAt().Format(time.RFC3339))
	default:
		s.printf("connection: closed\n")
	}
	if s.tx == nil {
		s.printf("transaction: none\n")
		return
	}
	s.printf("transaction: %s (%s)\n", s.tx.Status(), s.tx.Isolation())
}

func (s *session) close(ctx context.Context) {
	_ = s.reaper.Stop(ctx)
	s.dropTx(ctx)
	if s.conn != nil {
		s.reaper.Forget("shell")
		_ = s.conn.Close(ctx)
		s.conn = nil
	}
}
