// Package driver owns one worker process and turns its strictly sequential
// command/response stream into a call surface that many goroutines can share.
//
// A single consumer goroutine is the only code that talks to the process channel.
// Callers hand it work items through a bounded queue and wait for their own reply,
// so requests reach the worker in arrival order and every caller receives the
// response paired with its own command.
package driver

import (
	"context"
	"errors"
	"log/slog"
	"runtime"
	"sync/atomic"
	"time"

	"asyncsqlite/internal/process"
	"asyncsqlite/internal/protocol"
	"asyncsqlite/internal/shared"
)

// Driver is the handle returned by Create. Release it with Close; a Driver that
// becomes unreachable while alive is closed in the background as a last resort.
type Driver struct {
	*core
	cleanup runtime.Cleanup
}

// core is everything the consumer goroutine touches. It holds no reference to its
// Driver so an abandoned Driver can still be collected.
type core struct {
	log  *slog.Logger
	opts Options
	ch   process.Channel

	requests chan *request
	stopped  chan struct{}

	lastUsed    atomic.Int64 // unix nanos, 0 until open succeeds
	forcedKills atomic.Int32
}

type request struct {
	ctx   context.Context // checked before the request is dispatched
	cmd   protocol.Command
	close bool
	reply chan result
}

type result struct {
	resp protocol.Response
	err  error
}

// Create spawns a worker and opens path in it. Any failure after the spawn
// tears the worker down again, so no half-open Driver is ever returned.
func Create(ctx context.Context, spawner process.Spawner, path string, flags protocol.OpenFlags, key string, opts ...Option) (*Driver, error) {
	if err := flags.Validate(); err != nil {
		return nil, err
	}
	if path == "" {
		return nil, shared.Newf(shared.KindInvalidArgument, "empty database path")
	}

	o := buildOptions(opts)

	ch, err := spawner.Spawn(ctx)
	if err != nil {
		return nil, shared.MarkKind(shared.Wrap(err, "spawn worker"), shared.KindConnection)
	}

	c := &core{
		log:      o.Log.With(slog.String("component", "driver"), slog.Int("pid", ch.PID())),
		opts:     o,
		ch:       ch,
		requests: make(chan *request, o.QueueSize),
		stopped:  make(chan struct{}),
	}
	go c.run()

	resp, err := c.submit(ctx, ctx, &request{cmd: protocol.Open(path, flags, key)})
	if err == nil {
		err = resp.Err()
	}
	if err != nil {
		if cerr := c.close(context.WithoutCancel(ctx)); cerr != nil {
			c.log.Warn("discard worker after failed open", slog.Any("err", cerr))
		}
		return nil, shared.MarkKind(shared.Wrapf(err, "open %s", path), shared.KindConnection)
	}

	c.log.Debug("driver ready", slog.String("path", path), slog.String("flags", flags.String()))

	d := &Driver{core: c}
	d.cleanup = runtime.AddCleanup(d, func(c *core) { go c.abandon() }, c)
	return d, nil
}

// Send delivers cmd to the worker and returns its response. Engine failures come back
// inside the response; the error is reserved for transport and lifecycle problems.
//
// If ctx ends while cmd is still queued it is never sent. If ctx ends while cmd is in
// flight, Send returns ctx.Err() and the paired response is discarded when it arrives.
func (d *Driver) Send(ctx context.Context, cmd protocol.Command) (protocol.Response, error) {
	if cmd.Op == protocol.OpClose {
		return protocol.Response{}, shared.Newf(shared.KindInvalidArgument, "use Close to stop the worker")
	}
	return d.submit(ctx, ctx, &request{cmd: cmd})
}

// Close stops the worker: it sends close, waits CloseGrace for a clean exit and kills
// the worker otherwise. Close is idempotent and a no-op once the worker is gone.
// The shutdown is always queued and continues even if ctx ends first.
func (d *Driver) Close(ctx context.Context) error {
	err := d.close(ctx)
	d.cleanup.Stop()
	return err
}

// IsAlive reports whether the worker is still running.
func (c *core) IsAlive() bool {
	return c.ch.IsRunning()
}

// LastUsedAt is the time of the latest completed exchange, zero before open succeeds.
func (c *core) LastUsedAt() time.Time {
	n := c.lastUsed.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// ForcedKills counts workers that had to be killed during Close. It never exceeds one.
func (c *core) ForcedKills() int {
	return int(c.forcedKills.Load())
}

// PID identifies the worker.
func (c *core) PID() int {
	return c.ch.PID()
}

// close always hands a close request to the consumer, even when ctx is already done;
// ctx only bounds how long the caller waits for the shutdown to finish.
func (c *core) close(ctx context.Context) error {
	if c.isStopped() {
		return nil
	}
	req := &request{close: true, ctx: context.Background(), reply: make(chan result, 1)}

	select {
	case c.requests <- req:
	default:
		select {
		case c.requests <- req:
		case <-c.stopped:
			return nil
		case <-ctx.Done():
			// the queue is full; enqueue behind it so the worker still stops
			go func() {
				select {
				case c.requests <- req:
				case <-c.stopped:
				}
			}()
			return ctx.Err()
		}
	}

	select {
	case r := <-req.reply:
		return r.err
	case <-c.stopped:
		select {
		case r := <-req.reply:
			return r.err
		default:
			return nil
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// abandon runs from the runtime cleanup when a Driver was dropped without Close.
func (c *core) abandon() {
	if c.isStopped() {
		return
	}
	c.log.Warn("driver dropped without Close, stopping worker")
	if err := c.close(context.Background()); err != nil {
		c.log.Error("background close failed", slog.Any("err", err))
	}
}

// submit enqueues req and waits for its reply. reqCtx decides whether the consumer
// still dispatches the request; waitCtx only bounds how long the caller waits.
func (c *core) submit(reqCtx, waitCtx context.Context, req *request) (protocol.Response, error) {
	req.ctx = reqCtx
	req.reply = make(chan result, 1)

	select {
	case c.requests <- req:
	case <-c.stopped:
		return protocol.Response{}, c.stoppedErr()
	case <-waitCtx.Done():
		return protocol.Response{}, waitCtx.Err()
	}

	select {
	case r := <-req.reply:
		return r.resp, r.err
	case <-c.stopped:
		// the consumer may have answered just before stopping
		select {
		case r := <-req.reply:
			return r.resp, r.err
		default:
			return protocol.Response{}, c.stoppedErr()
		}
	case <-waitCtx.Done():
		return protocol.Response{}, waitCtx.Err()
	}
}

func (c *core) stoppedErr() error {
	return shared.Newf(shared.KindSynchronization, "process unexpectedly exited")
}

func (c *core) isStopped() bool {
	select {
	case <-c.stopped:
		return true
	default:
		return false
	}
}

// run is the consumer. It is the only goroutine that uses c.ch.
func (c *core) run() {
	defer close(c.stopped)

	for req := range c.requests {
		if req.close {
			req.reply <- result{err: c.shutdown()}
			return
		}
		if err := req.ctx.Err(); err != nil {
			req.reply <- result{err: err}
			continue
		}
		resp, err := c.exchange(req.cmd)
		req.reply <- result{resp: resp, err: err}
	}
}

// exchange performs one half-duplex round trip.
func (c *core) exchange(cmd protocol.Command) (protocol.Response, error) {
	// liveness may have changed while the request was queued
	if !c.ch.IsRunning() {
		return protocol.Response{}, shared.Newf(shared.KindSynchronization, "process unexpectedly exited")
	}

	// the response must be drained even if the caller gave up, so the exchange
	// is bounded only by SendTimeout
	ctx := context.Background()
	if c.opts.SendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.SendTimeout)
		defer cancel()
	}

	if err := c.ch.Send(ctx, cmd); err != nil {
		return protocol.Response{}, err
	}

	resp, err := c.ch.Receive(ctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			c.log.Error("worker did not answer in time, killing it",
				slog.String("op", string(cmd.Op)),
				slog.Duration("timeout", c.opts.SendTimeout))
			_ = c.ch.Kill()
			return protocol.Response{}, shared.Newf(shared.KindTimeout, "%s: no response within %s", cmd.Op, c.opts.SendTimeout)
		}
		return protocol.Response{}, err
	}

	if resp.ID != cmd.ID {
		c.log.Error("response out of step with command, killing worker",
			slog.String("command_id", cmd.ID),
			slog.String("response_id", resp.ID))
		_ = c.ch.Kill()
		return protocol.Response{}, shared.Newf(shared.KindSynchronization,
			"response %q does not match command %q", resp.ID, cmd.ID)
	}

	c.touch()
	return resp, nil
}

// touch records a completed exchange, never moving lastUsed backwards.
func (c *core) touch() {
	now := time.Now().UnixNano()
	if now > c.lastUsed.Load() {
		c.lastUsed.Store(now)
	}
}

// shutdown runs on the consumer. Commands still queued behind it fail with a
// synchronization error once the consumer has stopped.
func (c *core) shutdown() error {
	if !c.ch.IsRunning() {
		return nil
	}

	if err := c.ch.Send(context.Background(), protocol.Close()); err != nil {
		if !c.ch.IsRunning() {
			return nil
		}
		c.log.Debug("send close", slog.Any("err", err))
	}

	graceCtx, cancel := context.WithTimeout(context.Background(), c.opts.CloseGrace)
	defer cancel()
	if err := c.ch.Join(graceCtx); err == nil {
		c.log.Debug("worker exited")
		return nil
	}

	c.forcedKills.Add(1)
	c.log.Warn("worker ignored close, killing it", slog.Duration("grace", c.opts.CloseGrace))
	if err := c.ch.Kill(); err != nil {
		return shared.Wrap(err, "kill worker")
	}

	killCtx, cancelKill := context.WithTimeout(context.Background(), killWait)
	defer cancelKill()
	return shared.Wrap(c.ch.Join(killCtx), "reap killed worker")
}
