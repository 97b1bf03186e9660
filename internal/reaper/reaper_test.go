package reaper

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeIdler struct {
	lastUsed atomic.Int64
	closed   atomic.Int32
	dead     atomic.Bool
	closeErr error
}

func newIdler(lastUsed time.Time) *fakeIdler {
	f := &fakeIdler{}
	f.lastUsed.Store(lastUsed.UnixNano())
	return f
}

func (f *fakeIdler) IsAlive() bool { return !f.dead.Load() && f.closed.Load() == 0 }

func (f *fakeIdler) LastUsedAt() time.Time { return time.Unix(0, f.lastUsed.Load()) }

func (f *fakeIdler) Close(ctx context.Context) error {
	f.closed.Add(1)
	return f.closeErr
}

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{Timeout: -time.Second})
	assert.Error(t, err)

	_, err = New(Config{Timeout: time.Minute, Schedule: "not a schedule", Logger: quiet})
	assert.Error(t, err)

	r, err := New(Config{Timeout: 10 * time.Second, Logger: quiet})
	require.NoError(t, err)
	assert.Equal(t, "@every 5s", r.cfg.Schedule)

	r, err = New(Config{Timeout: time.Second, Logger: quiet})
	require.NoError(t, err)
	assert.Equal(t, "@every 1s", r.cfg.Schedule)
}

func TestSweep_ClosesOnlyIdle(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	var reaped []string
	r, err := New(Config{
		Timeout: time.Minute,
		Logger:  quiet,
		Now:     func() time.Time { return now },
		OnReap:  func(name string, idle time.Duration) { reaped = append(reaped, name) },
	})
	require.NoError(t, err)

	stale := newIdler(now.Add(-2 * time.Minute))
	fresh := newIdler(now.Add(-10 * time.Second))
	dead := newIdler(now.Add(-time.Hour))
	dead.dead.Store(true)

	r.Watch("stale", stale)
	r.Watch("fresh", fresh)
	r.Watch("dead", dead)

	closed := r.Sweep(context.Background())
	assert.Equal(t, []string{"stale"}, closed)
	assert.Equal(t, []string{"stale"}, reaped)
	assert.Equal(t, int32(1), stale.closed.Load())
	assert.Zero(t, fresh.closed.Load())
	assert.Zero(t, dead.closed.Load(), "dead resources are dropped, not closed")
	assert.Equal(t, 1, r.Len())

	// a second sweep does not close the same resource twice
	assert.Empty(t, r.Sweep(context.Background()))
	assert.Equal(t, int32(1), stale.closed.Load())
}

func TestSweep_CloseFailureIsNotReported(t *testing.T) {
	now := time.Now()
	r, err := New(Config{Timeout: time.Second, Logger: quiet, Now: func() time.Time { return now }})
	require.NoError(t, err)

	broken := newIdler(now.Add(-time.Minute))
	broken.closeErr = errors.New("stuck")
	r.Watch("broken", broken)

	assert.Empty(t, r.Sweep(context.Background()))
	assert.Equal(t, int32(1), broken.closed.Load())
	assert.Zero(t, r.Len())
}

func TestSweep_DisabledWithoutTimeout(t *testing.T) {
	r, err := New(Config{Logger: quiet})
	require.NoError(t, err)

	idle := newIdler(time.Unix(0, 0))
	r.Watch("idle", idle)
	assert.Empty(t, r.Sweep(context.Background()))
	assert.Zero(t, idle.closed.Load())
}

func TestWatchForget(t *testing.T) {
	r, err := New(Config{Timeout: time.Minute, Logger: quiet})
	require.NoError(t, err)

	r.Watch("a", newIdler(time.Now()))
	r.Watch("a", newIdler(time.Now()))
	r.Watch("b", newIdler(time.Now()))
	assert.Equal(t, 2, r.Len())

	r.Forget("a")
	r.Forget("missing")
	assert.Equal(t, 1, r.Len())
}

func TestStartStop_ScheduledSweep(t *testing.T) {
	r, err := New(Config{Timeout: time.Millisecond, Schedule: "@every 1s", Logger: quiet})
	require.NoError(t, err)

	idle := newIdler(time.Now().Add(-time.Minute))
	r.Watch("idle", idle)

	r.Start()
	r.Start()
	require.Eventually(t, func() bool { return idle.closed.Load() == 1 }, 5*time.Second, 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, r.Stop(ctx))
	require.NoError(t, r.Stop(ctx))
}
