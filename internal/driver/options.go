package driver

import (
	"log/slog"
	"time"
)

const (
	// DefaultCloseGrace is how long Close waits for the worker to exit on its own.
	DefaultCloseGrace = 50 * time.Millisecond
	// DefaultQueueSize bounds requests waiting for the worker.
	DefaultQueueSize = 64
	// killWait bounds the wait for a killed worker to be reaped.
	killWait = 5 * time.Second
)

// Options tune a Driver.
type Options struct {
	// CloseGrace is the graceful exit window before the worker is killed.
	CloseGrace time.Duration
	// SendTimeout bounds a single exchange. Zero waits forever. A timed out
	// exchange kills the worker, since its stream can no longer be paired.
	SendTimeout time.Duration
	// QueueSize is the capacity of the request queue. Callers block while it is full.
	QueueSize int
	// Log receives lifecycle events.
	Log *slog.Logger
}

// Option mutates Options.
type Option func(*Options)

// WithCloseGrace overrides DefaultCloseGrace.
func WithCloseGrace(d time.Duration) Option {
	return func(o *Options) { o.CloseGrace = d }
}

// WithSendTimeout enables a per-exchange timeout.
func WithSendTimeout(d time.Duration) Option {
	return func(o *Options) { o.SendTimeout = d }
}

// WithQueueSize overrides DefaultQueueSize.
func WithQueueSize(n int) Option {
	return func(o *Options) { o.QueueSize = n }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Options) { o.Log = l }
}

func buildOptions(opts []Option) Options {
	o := Options{
		CloseGrace: DefaultCloseGrace,
		QueueSize:  DefaultQueueSize,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.CloseGrace <= 0 {
		o.CloseGrace = DefaultCloseGrace
	}
	if o.QueueSize <= 0 {
		o.QueueSize = DefaultQueueSize
	}
	if o.SendTimeout < 0 {
		o.SendTimeout = 0
	}
	if o.Log == nil {
		o.Log = slog.Default()
	}
	return o
}
