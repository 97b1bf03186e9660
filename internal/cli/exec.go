package cli

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"asyncsqlite/pkg/asyncsqlite"
)

// ExecOptions holds flags for the exec command.
type ExecOptions struct {
	Tx string
}

// NewExecCommand creates the exec command.
func NewExecCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ExecOptions{}

	cmd := &cobra.Command{
		Use:   "exec <sql> [param...]",
		Short: "Run one SQL statement",
		Long: `Run one SQL statement and print its rows or its effect.

Parameters bind to ? placeholders in order. NULL binds null, integers and
reals bind as numbers and anything else binds as text.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExec(cmd.Context(), rootOpts, opts, cmd.OutOrStdout(), args[0], parseParams(args[1:]))
		},
	}

	cmd.Flags().StringVar(&opts.Tx, "tx", "", "wrap the statement in a transaction (deferred|immediate|exclusive)")
	return cmd
}

func runExec(ctx context.Context, rootOpts *RootOptions, opts *ExecOptions, w io.Writer, sql string, params []any) error {
	var (
		isolation asyncsqlite.Isolation
		inTx      = opts.Tx != ""
	)
	if inTx {
		var err error
		if isolation, err = parseIsolation(opts.Tx); err != nil {
			return err
		}
	}

	conn, err := rootOpts.connect(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close(context.WithoutCancel(ctx)) }()

	if !inTx {
		return runStatement(ctx, conn, rootOpts.Format, w, sql, params)
	}
	return conn.WithinTx(ctx, isolation, func(ctx context.Context, tx *asyncsqlite.Transaction) error {
		return runStatement(ctx, tx, rootOpts.Format, w, sql, params)
	})
}

// runner is satisfied by both connections and transactions.
type runner interface {
	Query(ctx context.Context, sql string, params ...any) (*asyncsqlite.ResultSet, error)
	Execute(ctx context.Context, sql string, params ...any) (*asyncsqlite.CommandResult, error)
}

func runStatement(ctx context.Context, r runner, format string, w io.Writer, sql string, params []any) error {
	if returnsRows(sql) {
		rs, err := r.Query(ctx, sql, params...)
		if err != nil {
			return err
		}
		return renderRows(w, format, rs)
	}
	res, err := r.Execute(ctx, sql, params...)
	if err != nil {
		return err
	}
	return renderCommand(w, format, res)
}

var rowKeywords = []string{"SELECT", "WITH", "PRAGMA", "VALUES", "EXPLAIN"}

// returnsRows guesses whether sql produces a result set.
func returnsRows(sql string) bool {
	s := strings.ToUpper(strings.TrimSpace(sql))
	for _, kw := range rowKeywords {
		if strings.HasPrefix(s, kw) {
			return true
		}
	}
	return strings.Contains(s, " RETURNING ")
}

func parseParams(args []string) []any {
	params := make([]any, len(args))
	for i, a := range args {
		params[i] = parseParam(a)
	}
	return params
}

func parseParam(s string) any {
	if strings.EqualFold(s, "null") {
		return nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

func parseIsolation(s string) (asyncsqlite.Isolation, error) {
	switch strings.ToLower(s) {
	case "", "deferred":
		return asyncsqlite.Deferred, nil
	case "immediate":
		return asyncsqlite.Immediate, nil
	case "exclusive":
		return asyncsqlite.Exclusive, nil
	default:
		return 0, fmt.Errorf("unknown isolation %q: must be deferred, immediate or exclusive", s)
	}
}
