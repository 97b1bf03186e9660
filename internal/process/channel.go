// Package process abstracts the worker process behind a message channel.
//
// A Channel is exclusively owned by one driver. It is running from the moment it is
// spawned until the worker exits, is killed or its streams are torn down, and it never
// becomes running again.
package process

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"asyncsqlite/internal/protocol"
	"asyncsqlite/internal/shared"
)

// Channel is the send/receive/liveness abstraction over a worker process.
type Channel interface {
	// Send writes one command to the worker.
	Send(ctx context.Context, cmd protocol.Command) error
	// Receive blocks until the next response arrives or the worker stream ends.
	Receive(ctx context.Context) (protocol.Response, error)
	// IsRunning reports whether the worker has not terminated yet.
	IsRunning() bool
	// Join waits for the worker to exit on its own.
	Join(ctx context.Context) error
	// Kill force-terminates the worker. It does not wait for the exit.
	Kill() error
	// PID identifies the worker in logs.
	PID() int
}

// Spawner starts new workers.
type Spawner interface {
	Spawn(ctx context.Context) (Channel, error)
}

// responseBuffer bounds responses decoded ahead of Receive. The protocol never has more
// than one outstanding response, so this only absorbs stray output.
const responseBuffer = 4

// stream implements Channel over a pair of byte streams plus exit notification.
// Both the exec and the in-process worker are built on it.
type stream struct {
	log *slog.Logger
	pid int

	enc   *protocol.Encoder
	stdin io.Closer

	responses chan protocol.Response
	readErr   error // valid once responses is closed

	exited   chan struct{}
	exitOnce sync.Once

	kill     func() error
	killOnce sync.Once
	killed   atomic.Bool
}

func newStream(log *slog.Logger, pid int, stdin io.WriteCloser, stdout io.Reader, kill func() error) *stream {
	s := &stream{
		log:       log,
		pid:       pid,
		enc:       protocol.NewEncoder(stdin),
		stdin:     stdin,
		responses: make(chan protocol.Response, responseBuffer),
		exited:    make(chan struct{}),
		kill:      kill,
	}
	go s.readLoop(stdout)
	return s
}

func (s *stream) readLoop(stdout io.Reader) {
	defer close(s.responses)
	if c, ok := stdout.(io.Closer); ok {
		defer c.Close()
	}

	dec := protocol.NewDecoder(stdout)
	for {
		resp, err := dec.DecodeResponse()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.readErr = err
			}
			return
		}
		s.responses <- resp
	}
}

// markExited records the worker's exit status. Only the first call counts.
func (s *stream) markExited(err error) {
	first := false
	s.exitOnce.Do(func() {
		first = true
		_ = s.stdin.Close()
		close(s.exited)
	})
	if !first {
		return
	}

	attrs := []any{slog.Bool("killed", s.killed.Load())}
	if err != nil {
		attrs = append(attrs, slog.Any("err", err))
	}
	s.log.Debug("worker exited", attrs...)
}

func (s *stream) Send(ctx context.Context, cmd protocol.Command) error {
	if !s.IsRunning() {
		return shared.Newf(shared.KindSynchronization, "process unexpectedly exited")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.enc.Encode(cmd); err != nil {
		return shared.MarkKind(shared.Wrapf(err, "send %s", cmd.Op), shared.KindSynchronization)
	}
	return nil
}

func (s *stream) Receive(ctx context.Context) (protocol.Response, error) {
	select {
	case resp, ok := <-s.responses:
		if !ok {
			if s.readErr != nil {
				return protocol.Response{}, shared.MarkKind(shared.Wrap(s.readErr, "receive"), shared.KindSynchronization)
			}
			return protocol.Response{}, shared.Newf(shared.KindSynchronization, "process unexpectedly exited")
		}
		return resp, nil
	case <-ctx.Done():
		return protocol.Response{}, ctx.Err()
	}
}

func (s *stream) IsRunning() bool {
	select {
	case <-s.exited:
		return false
	default:
		return true
	}
}

func (s *stream) Join(ctx context.Context) error {
	select {
	case <-s.exited:
		return nil
	case <-ctx.Done():
		return shared.MarkKind(ctx.Err(), shared.KindTimeout)
	}
}

func (s *stream) Kill() error {
	var err error
	s.killOnce.Do(func() {
		if !s.IsRunning() {
			return
		}
		s.killed.Store(true)
		err = s.kill()
	})
	return err
}

func (s *stream) PID() int {
	return s.pid
}
