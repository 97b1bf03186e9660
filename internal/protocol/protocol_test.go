package protocol

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"asyncsqlite/internal/shared"
)

func TestOpenFlags_Validate(t *testing.T) {
	tests := []struct {
		name    string
		flags   OpenFlags
		wantErr bool
	}{
		{"default", DefaultFlags, false},
		{"read-write", FlagReadWrite, false},
		{"read-only", FlagReadOnly, false},
		{"zero", 0, true},
		{"both modes", FlagReadOnly | FlagReadWrite, true},
		{"create read-only", FlagReadOnly | FlagCreate, true},
		{"create alone", FlagCreate, true},
		{"unknown bits", DefaultFlags | 0x80, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.flags.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, shared.IsInvalidArgument(err))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestOpenFlags_String(t *testing.T) {
	assert.Equal(t, "rwc", DefaultFlags.String())
	assert.Equal(t, "rw", FlagReadWrite.String())
	assert.Equal(t, "ro", FlagReadOnly.String())
	assert.Equal(t, "OpenFlags(0x0)", OpenFlags(0).String())
}

func TestConstructors_AssignUniqueIDs(t *testing.T) {
	a := Execute("INSERT INTO t VALUES (?)", 1)
	b := Execute("INSERT INTO t VALUES (?)", 1)

	assert.NotEmpty(t, a.ID)
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, OpExecute, a.Op)
	assert.Equal(t, []any{1}, a.Params)

	open := Open("app.db", DefaultFlags, "")
	assert.Equal(t, OpOpen, open.Op)
	assert.Equal(t, "app.db", open.Path)
	assert.Equal(t, DefaultFlags, open.Flags)

	assert.Equal(t, OpClose, Close().Op)
	assert.Equal(t, "s1", StatementClose("s1").StmtID)
}

func TestCodec_CommandRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)

	sent := Execute("INSERT INTO t (a, b, c, d) VALUES (?, ?, ?, ?)", 42, 2.5, "text", nil)
	require.NoError(t, enc.Encode(sent))
	require.NoError(t, enc.Encode(Close()))
	assert.Equal(t, 2, strings.Count(buf.String(), "\n"))

	dec := NewDecoder(&buf)
	got, err := dec.DecodeCommand()
	require.NoError(t, err)
	assert.Equal(t, sent.ID, got.ID)
	assert.Equal(t, []any{int64(42), 2.5, "text", nil}, got.BindValues())

	closeCmd, err := dec.DecodeCommand()
	require.NoError(t, err)
	assert.Equal(t, OpClose, closeCmd.Op)

	_, err = dec.DecodeCommand()
	assert.ErrorIs(t, err, io.EOF)
}

func TestDecoder_Errors(t *testing.T) {
	_, err := NewDecoder(strings.NewReader(`{"id":"x"}`)).DecodeCommand()
	assert.True(t, shared.HasKind(err, shared.KindProtocol))

	_, err = NewDecoder(strings.NewReader(`{"id": nope}`)).DecodeResponse()
	assert.True(t, shared.HasKind(err, shared.KindProtocol))

	_, err = NewDecoder(strings.NewReader(`{"id":"x","ok":tr`)).DecodeResponse()
	assert.True(t, shared.IsSynchronization(err))
}

func TestResponse_Err(t *testing.T) {
	assert.NoError(t, Response{OK: true}.Err())

	resp := Response{Error: &ErrorPayload{Code: 1, Message: "no such table: t"}}
	assert.True(t, resp.Failed())
	err := resp.Err()
	assert.True(t, shared.IsEngine(err))
	assert.Contains(t, err.Error(), "no such table: t (code 1)")
}

func TestBindValues_LargeAndFractional(t *testing.T) {
	cmd := Command{Params: []any{json.Number("9007199254740993"), json.Number("1e3"), true}}
	assert.Equal(t, []any{int64(9007199254740993), float64(1000), true}, cmd.BindValues())
	assert.Nil(t, Command{}.BindValues())
}

func TestRowValues_DecodedResponse(t *testing.T) {
	src := `{"id":"r1","ok":true,"columns":["n","f","s","b"],"rows":[[42,1.5,"x",null]]}` + "\n"
	resp, err := NewDecoder(strings.NewReader(src)).DecodeResponse()
	require.NoError(t, err)

	assert.Equal(t, [][]any{{int64(42), 1.5, "x", nil}}, resp.RowValues())
	assert.Nil(t, Response{}.RowValues())
}

func TestNormalizeValue(t *testing.T) {
	tests := []struct {
		in   any
		want any
	}{
		{json.Number("7"), int64(7)},
		{json.Number("1.0"), 1.0},
		{json.Number("2.5"), 2.5},
		{json.Number("1e400"), "1e400"},
		{"text", "text"},
		{nil, nil},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeValue(tt.in), "input %v", tt.in)
	}
}

// A REAL with no fractional part is written as a bare integer and read back as int64.
func TestRowValues_IntegralRealComesBackAsInteger(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewEncoder(&buf).Encode(Response{ID: "r1", OK: true, Columns: []string{"x"}, Rows: [][]any{{1.0, 1.5}}}))
	assert.Contains(t, buf.String(), `[[1,1.5]]`)

	resp, err := NewDecoder(&buf).DecodeResponse()
	require.NoError(t, err)
	assert.Equal(t, [][]any{{int64(1), 1.5}}, resp.RowValues())
}

// Blob params have no JSON form of their own and reach the worker as base64 text.
func TestBindValues_BlobBecomesBase64Text(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewEncoder(&buf).Encode(Execute("INSERT INTO t VALUES (?)", []byte{0x00, 0x01, 0xfe})))

	cmd, err := NewDecoder(&buf).DecodeCommand()
	require.NoError(t, err)
	assert.Equal(t, []any{"AAH+"}, cmd.BindValues())
}
