package process

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
)

// ServeFunc runs the worker protocol handler over a command reader and a response writer.
type ServeFunc func(ctx context.Context, commands io.Reader, responses io.Writer) error

var errKilled = errors.New("worker killed")

// InProcessSpawner runs the worker handler on a goroutine connected by io.Pipes.
// Engine calls still block only that goroutine, so the host keeps the same
// non-blocking contract without a second binary.
type InProcessSpawner struct {
	Serve ServeFunc
	Log   *slog.Logger
}

// Spawn starts the handler goroutine.
func (s InProcessSpawner) Spawn(ctx context.Context) (Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	log := s.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("component", "worker"), slog.Int("pid", os.Getpid()))

	cmdR, cmdW := io.Pipe()
	respR, respW := io.Pipe()
	serveCtx, cancel := context.WithCancel(context.Background())

	// A goroutine cannot be stopped from outside, so kill cuts it off instead: the
	// pipes fail, the channel reports the worker gone at once, and the handler
	// finishes on its own once its current engine call returns.
	var st *stream
	kill := func() error {
		cancel()
		_ = cmdW.CloseWithError(errKilled)
		_ = respW.CloseWithError(errKilled)
		st.markExited(errKilled)
		return nil
	}

	st = newStream(log, os.Getpid(), cmdW, respR, kill)
	go func() {
		err := s.Serve(serveCtx, cmdR, respW)
		_ = respW.Close()
		_ = cmdR.Close()
		cancel()
		st.markExited(err)
	}()

	return st, nil
}
