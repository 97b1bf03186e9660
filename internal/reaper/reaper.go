// Package reaper closes connections that have been idle for too long.
//
// A connection is idle when its LastUsedAt is older than the configured timeout.
// Sweeps run on a cron schedule and never overlap.
package reaper

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Idler is anything that reports when it was last used and can be closed.
type Idler interface {
	IsAlive() bool
	LastUsedAt() time.Time
	Close(ctx context.Context) error
}

// Config configures a Reaper.
type Config struct {
	// Timeout is how long a resource may stay idle. Zero disables reaping.
	Timeout time.Duration
	// Schedule is a cron spec for sweeps. Defaults to "@every <Timeout/2>", at least one second.
	Schedule string
	// CloseTimeout bounds each Close call.
	CloseTimeout time.Duration
	// OnReap is called after a resource is closed for idleness.
	OnReap func(name string, idle time.Duration)
	Logger *slog.Logger
	// Now is used in tests.
	Now func() time.Time
}

// cronLogger adapts cron's logger to slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.LogAttrs(context.Background(), slog.LevelDebug, msg, attrs(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	a := append([]slog.Attr{slog.Any("err", err)}, attrs(keysAndValues)...)
	l.logger.LogAttrs(context.Background(), slog.LevelError, msg, a...)
}

func attrs(keysAndValues []interface{}) []slog.Attr {
	out := make([]slog.Attr, 0, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		key, ok := keysAndValues[i].(string)
		if !ok {
			key = fmt.Sprint(keysAndValues[i])
		}
		out = append(out, slog.Any(key, keysAndValues[i+1]))
	}
	return out
}

// Reaper tracks named resources and closes the idle ones.
type Reaper struct {
	cfg  Config
	log  *slog.Logger
	cron *cron.Cron

	mu      sync.Mutex
	entries map[string]Idler

	startOnce sync.Once
	stopOnce  sync.Once
}

// New creates a Reaper. Call Start to begin sweeping.
func New(cfg Config) (*Reaper, error) {
	if cfg.Timeout < 0 {
		return nil, fmt.Errorf("idle timeout must not be negative: %s", cfg.Timeout)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = 5 * time.Second
	}
	if cfg.Schedule == "" && cfg.Timeout > 0 {
		cfg.Schedule = fmt.Sprintf("@every %s", max(cfg.Timeout/2, time.Second))
	}

	log := cfg.Logger.With(slog.String("component", "reaper"))
	cl := cronLogger{logger: log}
	r := &Reaper{
		cfg:     cfg,
		log:     log,
		cron:    cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		entries: make(map[string]Idler),
	}

	if cfg.Timeout > 0 {
		if _, err := r.cron.AddFunc(cfg.Schedule, func() { r.Sweep(context.Background()) }); err != nil {
			return nil, fmt.Errorf("reaper schedule %q: %w", cfg.Schedule, err)
		}
	}
	return r, nil
}

// Watch starts tracking res under name, replacing any previous entry.
func (r *Reaper) Watch(name string, res Idler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[name] = res
}

// Forget stops tracking name.
func (r *Reaper) Forget(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, name)
}

// Len returns the number of tracked resources.
func (r *Reaper) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Sweep closes every tracked resource idle for longer than the timeout and drops
// resources that are no longer alive. It returns the names it closed.
func (r *Reaper) Sweep(ctx context.Context) []string {
	if r.cfg.Timeout <= 0 {
		return nil
	}
	now := r.cfg.Now()

	type victim struct {
		name string
		res  Idler
		idle time.Duration
	}
	var victims []victim

	r.mu.Lock()
	for name, res := range r.entries {
		if !res.IsAlive() {
			delete(r.entries, name)
			continue
		}
		if idle := now.Sub(res.LastUsedAt()); idle > r.cfg.Timeout {
			victims = append(victims, victim{name, res, idle})
			delete(r.entries, name)
		}
	}
	r.mu.Unlock()

	closed := make([]string, 0, len(victims))
	for _, v := range victims {
		cctx, cancel := context.WithTimeout(ctx, r.cfg.CloseTimeout)
		err := v.res.Close(cctx)
		cancel()
		if err != nil {
			r.log.Warn("close idle connection", slog.String("name", v.name), slog.Any("err", err))
			continue
		}
		r.log.Info("closed idle connection", slog.String("name", v.name), slog.Duration("idle", v.idle))
		if r.cfg.OnReap != nil {
			r.cfg.OnReap(v.name, v.idle)
		}
		closed = append(closed, v.name)
	}
	return closed
}

// Start begins scheduled sweeps.
func (r *Reaper) Start() {
	r.startOnce.Do(func() {
		if r.cfg.Timeout > 0 {
			r.log.Debug("starting", slog.Duration("timeout", r.cfg.Timeout), slog.String("schedule", r.cfg.Schedule))
		}
		r.cron.Start()
	})
}

// Stop halts the schedule and waits for a running sweep, or until ctx is done.
func (r *Reaper) Stop(ctx context.Context) error {
	var err error
	r.stopOnce.Do(func() {
		done := r.cron.Stop()
		select {
		case <-done.Done():
		case <-ctx.Done():
			err = ctx.Err()
		}
	})
	return err
}
