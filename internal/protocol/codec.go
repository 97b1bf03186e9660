package protocol

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"sync"

	"asyncsqlite/internal/shared"
)

// Encoder writes newline-delimited JSON messages.
type Encoder struct {
	mu  sync.Mutex
	w   *bufio.Writer
	enc *json.Encoder
}

// NewEncoder returns an Encoder that flushes after every message.
func NewEncoder(w io.Writer) *Encoder {
	bw := bufio.NewWriter(w)
	return &Encoder{w: bw, enc: json.NewEncoder(bw)}
}

// Encode writes v followed by a newline and flushes it.
func (e *Encoder) Encode(v any) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.enc.Encode(v); err != nil {
		return err
	}
	return e.w.Flush()
}

// Decoder reads newline-delimited JSON messages. Numbers are kept as json.Number.
type Decoder struct {
	dec *json.Decoder
}

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	return &Decoder{dec: dec}
}

// DecodeCommand reads the next command. io.EOF is returned unchanged when the stream ends cleanly.
func (d *Decoder) DecodeCommand() (Command, error) {
	var cmd Command
	if err := d.decode(&cmd); err != nil {
		return Command{}, err
	}
	if cmd.Op == "" {
		return Command{}, shared.Newf(shared.KindProtocol, "command %q has no op", cmd.ID)
	}
	return cmd, nil
}

// DecodeResponse reads the next response.
func (d *Decoder) DecodeResponse() (Response, error) {
	var resp Response
	if err := d.decode(&resp); err != nil {
		return Response{}, err
	}
	return resp, nil
}

func (d *Decoder) decode(v any) error {
	err := d.dec.Decode(v)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, io.EOF):
		return io.EOF
	case errors.Is(err, io.ErrUnexpectedEOF):
		return shared.MarkKind(err, shared.KindSynchronization)
	default:
		var syntaxErr *json.SyntaxError
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
			return shared.MarkKind(err, shared.KindProtocol)
		}
		return err
	}
}
