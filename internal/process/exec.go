package process

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"

	"asyncsqlite/internal/platform/logger"
	"asyncsqlite/internal/shared"
)

// WorkerEnv marks a process as an asyncsqlite worker. Any binary that calls
// worker.IsChild early in main can therefore host workers for itself.
const WorkerEnv = "ASYNCSQLITE_WORKER"

// ExecSpawner starts workers as separate OS processes.
type ExecSpawner struct {
	// Path is the worker binary. Defaults to the current executable.
	Path string
	// Args are passed to the worker after the program name.
	Args []string
	// Env is appended to the parent's environment together with WorkerEnv=1.
	Env []string
	// Log receives worker stderr lines and lifecycle events.
	Log *slog.Logger
}

// Spawn starts a worker and wires its stdio to a Channel.
// Stdout is an os.Pipe owned by us rather than cmd.StdoutPipe: cmd.Wait would close
// the latter while the reader may still be draining the last response.
func (s ExecSpawner) Spawn(ctx context.Context) (Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	log := s.Log
	if log == nil {
		log = slog.Default()
	}

	path := s.Path
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, shared.MarkKind(shared.Wrap(err, "locate worker binary"), shared.KindConnection)
		}
		path = exe
	}

	cmd := exec.Command(path, s.Args...)
	cmd.Env = append(append(os.Environ(), s.Env...), WorkerEnv+"=1")

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, shared.MarkKind(shared.Wrap(err, "worker stdin"), shared.KindConnection)
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, shared.MarkKind(shared.Wrap(err, "worker stdout"), shared.KindConnection)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		_ = stdoutR.Close()
		_ = stdoutW.Close()
		return nil, shared.MarkKind(shared.Wrap(err, "worker stderr"), shared.KindConnection)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		for _, f := range []*os.File{stdoutR, stdoutW, stderrR, stderrW} {
			_ = f.Close()
		}
		return nil, shared.MarkKind(fmt.Errorf("start worker %s: %w", path, err), shared.KindConnection)
	}
	// the child holds its own copies now
	_ = stdoutW.Close()
	_ = stderrW.Close()

	pid := cmd.Process.Pid
	log = log.With(slog.String("component", "worker"), slog.Int("pid", pid))
	log.Debug("worker started", slog.String("path", path))

	st := newStream(log, pid, stdin, stdoutR, cmd.Process.Kill)
	go func() {
		defer stderrR.Close()
		logger.RelayLines(log, stderrR)
	}()
	go func() {
		st.markExited(cmd.Wait())
	}()

	return st, nil
}
