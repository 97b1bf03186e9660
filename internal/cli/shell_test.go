package cli

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSession(t *testing.T, idle time.Duration) (*session, *bytes.Buffer) {
	t.Helper()

	cfg := testConfig(t)
	cfg.DB.IdleTimeout = idle
	opts := &RootOptions{DB: cfg.DB.Path, Format: "json", InProcess: true, Config: cfg, Log: quiet}

	var out bytes.Buffer
	s, err := newSession(opts, &out)
	require.NoError(t, err)
	t.Cleanup(func() { s.close(context.Background()) })
	return s, &out
}

func feed(t *testing.T, s *session, lines ...string) {
	t.Helper()
	for _, line := range lines {
		require.False(t, s.handle(context.Background(), line), "line %q ended the session", line)
	}
}

func TestSession_MultiLineStatements(t *testing.T) {
	s, out := newTestSession(t, 0)

	feed(t, s, "CREATE TABLE t (", "  v INTEGER", ");")
	assert.False(t, s.pending())
	assert.Contains(t, out.String(), `"rows_affected"`)

	feed(t, s, "INSERT INTO t VALUES (1)")
	assert.True(t, s.pending())
	assert.Equal(t, "   ...> ", s.prompt())
	s.reset()

	out.Reset()
	feed(t, s, "SELECT COUNT(*) AS n FROM t;")
	assert.JSONEq(t, `[{"n": 0}]`, out.String())
}

func TestSession_TransactionCommands(t *testing.T) {
	s, out := newTestSession(t, 0)

	feed(t, s, "CREATE TABLE t (v INTEGER);", ".begin immediate")
	assert.Contains(t, out.String(), "BEGIN IMMEDIATE")
	assert.Equal(t, "asyncsqlite*> ", s.prompt())

	feed(t, s,
		"INSERT INTO t VALUES (1);",
		".savepoint a",
		"INSERT INTO t VALUES (2);",
		".rollback-to a",
		".release a",
		".commit",
	)
	assert.Equal(t, "asyncsqlite> ", s.prompt())

	out.Reset()
	feed(t, s, "SELECT v FROM t;")
	assert.JSONEq(t, `[{"v": 1}]`, out.String())

	out.Reset()
	feed(t, s, ".begin", "INSERT INTO t VALUES (3);", ".rollback", "SELECT COUNT(*) AS n FROM t;")
	assert.Contains(t, out.String(), "ROLLBACK")
	assert.Contains(t, out.String(), `"n": 1`)
}

func TestSession_Errors(t *testing.T) {
	s, out := newTestSession(t, 0)

	tests := []struct {
		line string
		want string
	}{
		{".commit", "no active transaction"},
		{".savepoint", ".savepoint needs a name"},
		{".begin sometimes", "unknown isolation"},
		{".frobnicate", "unknown command .frobnicate"},
		{"SELECT * FROM nowhere;", "no such table"},
	}
	for _, tt := range tests {
		out.Reset()
		feed(t, s, tt.line)
		assert.Contains(t, out.String(), tt.want, "line %q", tt.line)
	}

	out.Reset()
	feed(t, s, ".begin", ".savepoint 1bad")
	assert.Contains(t, out.String(), "invalid savepoint identifier")
	out.Reset()
	feed(t, s, ".begin")
	assert.Contains(t, out.String(), "already active")
}

func TestSession_TablesStatusExit(t *testing.T) {
	s, out := newTestSession(t, 0)

	feed(t, s, ".status")
	assert.Contains(t, out.String(), "connection: not opened")
	assert.Contains(t, out.String(), "transaction: none")

	feed(t, s, "CREATE TABLE b (v);", "CREATE TABLE a (v);")
	out.Reset()
	feed(t, s, ".tables")
	assert.JSONEq(t, `[{"name": "a"}, {"name": "b"}]`, out.String())

	out.Reset()
	feed(t, s, ".begin exclusive", ".status")
	assert.Contains(t, out.String(), "connection: open")
	assert.Contains(t, out.String(), "transaction: active (EXCLUSIVE)")

	out.Reset()
	feed(t, s, ".help")
	assert.Contains(t, out.String(), ".rollback-to NAME")

	assert.True(t, s.handle(context.Background(), ".exit"))
}

func TestSession_ReopensAfterIdleClose(t *testing.T) {
	s, out := newTestSession(t, time.Hour)

	feed(t, s, "CREATE TABLE t (v INTEGER);", "INSERT INTO t VALUES (1);")
	first := s.conn
	require.NotNil(t, first)

	// what a scheduled sweep does once the connection has been idle long enough
	s.reaper.Forget("shell")
	require.NoError(t, first.Close(context.Background()))
	require.False(t, first.IsAlive())

	out.Reset()
	feed(t, s, "SELECT COUNT(*) AS n FROM t;")
	assert.JSONEq(t, `[{"n": 1}]`, out.String())
	assert.NotSame(t, first, s.conn)
	assert.Equal(t, 1, s.reaper.Len())
}

func TestSession_TransactionLostWhenConnectionCloses(t *testing.T) {
	s, out := newTestSession(t, 0)

	feed(t, s, "CREATE TABLE t (v INTEGER);", ".begin", "INSERT INTO t VALUES (1);")
	require.NoError(t, s.conn.Close(context.Background()))

	out.Reset()
	feed(t, s, "SELECT 1;")
	assert.Contains(t, out.String(), "transaction lost")
	assert.Nil(t, s.tx)

	out.Reset()
	feed(t, s, "SELECT COUNT(*) AS n FROM t;")
	assert.JSONEq(t, `[{"n": 0}]`, out.String())
}
