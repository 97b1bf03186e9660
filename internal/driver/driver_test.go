package driver

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"asyncsqlite/internal/process"
	"asyncsqlite/internal/protocol"
	"asyncsqlite/internal/shared"
	"asyncsqlite/internal/worker"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func newFakeDriver(t *testing.T, opts ...Option) (*Driver, *fakeChannel) {
	t.Helper()

	ch := newFakeChannel()
	d, err := Create(context.Background(), &fakeSpawner{ch: ch}, "app.db", protocol.DefaultFlags, "",
		append([]Option{WithLogger(quiet)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close(context.Background()) })
	return d, ch
}

func TestCreate_AliveWithLastUsed(t *testing.T) {
	before := time.Now()
	d, ch := newFakeDriver(t)

	assert.True(t, d.IsAlive())
	assert.False(t, d.LastUsedAt().IsZero())
	assert.False(t, d.LastUsedAt().Before(before))
	assert.Equal(t, 4242, d.PID())
	assert.Equal(t, 1, ch.count("open"))
}

func TestCreate_RejectsInvalidFlagsBeforeSpawning(t *testing.T) {
	sp := &fakeSpawner{ch: newFakeChannel()}

	_, err := Create(context.Background(), sp, "app.db", protocol.FlagReadOnly|protocol.FlagCreate, "")
	require.Error(t, err)
	assert.True(t, shared.IsInvalidArgument(err))

	_, err = Create(context.Background(), sp, "", protocol.DefaultFlags, "")
	assert.True(t, shared.IsInvalidArgument(err))

	assert.Zero(t, sp.spawns.Load())
}

func TestCreate_SpawnFailure(t *testing.T) {
	_, err := Create(context.Background(), &fakeSpawner{err: errNoBinary}, "app.db", protocol.DefaultFlags, "")
	require.Error(t, err)
	assert.True(t, shared.IsConnection(err))
	assert.ErrorIs(t, err, errNoBinary)
}

func TestCreate_OpenFailureStopsWorker(t *testing.T) {
	ch := newFakeChannel()
	d, err := Create(context.Background(), &fakeSpawner{ch: ch}, "fail-open", protocol.DefaultFlags, "", WithLogger(quiet))
	require.Error(t, err)
	assert.Nil(t, d)
	assert.True(t, shared.IsConnection(err))
	assert.Contains(t, err.Error(), "unable to open database file")

	assert.False(t, ch.IsRunning())
	assert.Equal(t, int32(1), ch.closes.Load())
}

func TestSend_ConcurrentCallersGetTheirOwnResponse(t *testing.T) {
	d, ch := newFakeDriver(t)
	ctx := context.Background()

	const callers = 64
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tag := fmt.Sprintf("SELECT %d", i)
			resp, err := d.Send(ctx, protocol.Query(tag))
			if err != nil {
				errs <- err
				return
			}
			if len(resp.Columns) != 1 || resp.Columns[0] != tag {
				errs <- fmt.Errorf("caller %d got response for %v", i, resp.Columns)
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
	assert.Len(t, ch.seenQueries(), callers)
	assert.Equal(t, int32(1), ch.maxInFlight.Load(), "worker must never see two outstanding commands")
}

func TestSend_PreservesArrivalOrder(t *testing.T) {
	d, ch := newFakeDriver(t)
	ctx := context.Background()

	gateDone := make(chan error, 1)
	go func() {
		_, err := d.Send(ctx, protocol.Query("gate"))
		gateDone <- err
	}()
	require.Eventually(t, func() bool { return ch.count("gate") == 1 }, time.Second, time.Millisecond)

	const queued = 10
	var wg sync.WaitGroup
	for i := 0; i < queued; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := d.Send(ctx, protocol.Query(fmt.Sprintf("q%d", i)))
			assert.NoError(t, err)
		}(i)
		// wait for this request to be queued before starting the next caller
		require.Eventually(t, func() bool { return len(d.requests) == i+1 }, time.Second, time.Millisecond)
	}

	close(ch.gate)
	require.NoError(t, <-gateDone)
	wg.Wait()

	want := []string{"gate"}
	for i := 0; i < queued; i++ {
		want = append(want, fmt.Sprintf("q%d", i))
	}
	assert.Equal(t, want, ch.seenQueries())
}

func TestSend_LastUsedIsNonDecreasing(t *testing.T) {
	d, _ := newFakeDriver(t)

	prev := d.LastUsedAt()
	for i := 0; i < 5; i++ {
		_, err := d.Send(context.Background(), protocol.Execute("UPDATE t SET v = v + 1"))
		require.NoError(t, err)
		now := d.LastUsedAt()
		assert.False(t, now.Before(prev))
		prev = now
	}
}

func TestSend_DeadWorkerIsSynchronizationError(t *testing.T) {
	d, ch := newFakeDriver(t)
	last := d.LastUsedAt()

	ch.exit()
	_, err := d.Send(context.Background(), protocol.Query("SELECT 1"))
	require.Error(t, err)
	assert.True(t, shared.IsSynchronization(err))
	assert.Contains(t, err.Error(), "process unexpectedly exited")
	assert.Equal(t, last, d.LastUsedAt())
	assert.Empty(t, ch.seenQueries())
}

func TestSend_QueuedRequestSkippedWhenCanceled(t *testing.T) {
	d, ch := newFakeDriver(t)

	go func() { _, _ = d.Send(context.Background(), protocol.Query("gate")) }()
	require.Eventually(t, func() bool { return ch.count("gate") == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := d.Send(ctx, protocol.Query("never sent"))
		done <- err
	}()
	require.Eventually(t, func() bool { return len(d.requests) == 1 }, time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	close(ch.gate)
	_, err := d.Send(context.Background(), protocol.Query("after"))
	require.NoError(t, err)
	assert.Equal(t, []string{"gate", "after"}, ch.seenQueries())
}

func TestSend_CallerGivesUpButResponseIsDrained(t *testing.T) {
	d, _ := newFakeDriver(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := d.Send(ctx, protocol.Query("slow"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	resp, err := d.Send(context.Background(), protocol.Query("SELECT 2"))
	require.NoError(t, err)
	assert.Equal(t, []string{"SELECT 2"}, resp.Columns, "stale response must not leak to the next caller")
	assert.True(t, d.IsAlive())
}

func TestSend_TimeoutKillsWorker(t *testing.T) {
	d, ch := newFakeDriver(t, WithSendTimeout(20*time.Millisecond))

	_, err := d.Send(context.Background(), protocol.Query("hang"))
	require.Error(t, err)
	assert.True(t, shared.IsTimeout(err))
	assert.False(t, d.IsAlive())
	assert.Equal(t, int32(1), ch.kills.Load())

	_, err = d.Send(context.Background(), protocol.Query("SELECT 1"))
	assert.True(t, shared.IsSynchronization(err))
}

func TestSend_MismatchedResponseKillsWorker(t *testing.T) {
	d, ch := newFakeDriver(t)

	_, err := d.Send(context.Background(), protocol.Query("bad-id"))
	require.Error(t, err)
	assert.True(t, shared.IsSynchronization(err))
	assert.False(t, d.IsAlive())
	assert.Equal(t, int32(1), ch.kills.Load())
}

func TestSend_RejectsCloseCommand(t *testing.T) {
	d, _ := newFakeDriver(t)
	_, err := d.Send(context.Background(), protocol.Close())
	assert.True(t, shared.IsInvalidArgument(err))
	assert.True(t, d.IsAlive())
}

func TestClose_IsIdempotent(t *testing.T) {
	d, ch := newFakeDriver(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, d.Close(ctx))
		assert.False(t, d.IsAlive())
	}
	assert.Equal(t, int32(1), ch.closes.Load())
	assert.Zero(t, d.ForcedKills())

	_, err := d.Send(ctx, protocol.Query("SELECT 1"))
	assert.True(t, shared.IsSynchronization(err))
}

func TestClose_ConcurrentCallers(t *testing.T) {
	d, ch := newFakeDriver(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, d.Close(context.Background()))
		}()
	}
	wg.Wait()

	assert.False(t, d.IsAlive())
	assert.Equal(t, int32(1), ch.closes.Load())
}

func TestClose_KillsWorkerThatIgnoresClose(t *testing.T) {
	ch := newFakeChannel()
	ch.ignoreClose = true
	d, err := Create(context.Background(), &fakeSpawner{ch: ch}, "app.db", protocol.DefaultFlags, "",
		WithLogger(quiet), WithCloseGrace(10*time.Millisecond))
	require.NoError(t, err)

	started := time.Now()
	require.NoError(t, d.Close(context.Background()))
	require.NoError(t, d.Close(context.Background()))

	assert.False(t, d.IsAlive())
	assert.Equal(t, 1, d.ForcedKills())
	assert.Equal(t, int32(1), ch.kills.Load())
	assert.GreaterOrEqual(t, time.Since(started), 10*time.Millisecond)
}

func TestClose_DeadWorkerIsNoop(t *testing.T) {
	d, ch := newFakeDriver(t)
	ch.exit()

	require.NoError(t, d.Close(context.Background()))
	assert.Zero(t, ch.closes.Load())
	assert.Zero(t, d.ForcedKills())
}

func TestClose_WaitsForInFlightSend(t *testing.T) {
	d, ch := newFakeDriver(t)

	sendDone := make(chan error, 1)
	go func() {
		_, err := d.Send(context.Background(), protocol.Query("gate"))
		sendDone <- err
	}()
	require.Eventually(t, func() bool { return ch.count("gate") == 1 }, time.Second, time.Millisecond)

	closeDone := make(chan error, 1)
	go func() { closeDone <- d.Close(context.Background()) }()

	select {
	case <-closeDone:
		t.Fatal("Close must not overtake an in-flight command")
	case <-time.After(30 * time.Millisecond):
	}

	close(ch.gate)
	require.NoError(t, <-sendDone)
	require.NoError(t, <-closeDone)
	assert.Zero(t, d.ForcedKills())
}

func TestClose_CanceledContextStillStopsWorker(t *testing.T) {
	for i := 0; i < 50; i++ {
		d, ch := newFakeDriver(t)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := d.Close(ctx)
		if err != nil {
			assert.ErrorIs(t, err, context.Canceled)
		}

		require.Eventually(t, func() bool { return !d.IsAlive() }, time.Second, time.Millisecond, "iteration %d", i)
		assert.Equal(t, int32(1), ch.closes.Load())
		assert.Zero(t, d.ForcedKills())
	}
}

func TestClose_CanceledContextWithFullQueue(t *testing.T) {
	d, ch := newFakeDriver(t, WithQueueSize(1))

	sendDone := make(chan error, 2)
	go func() {
		_, err := d.Send(context.Background(), protocol.Query("gate"))
		sendDone <- err
	}()
	require.Eventually(t, func() bool { return ch.count("gate") == 1 }, time.Second, time.Millisecond)
	go func() {
		_, err := d.Send(context.Background(), protocol.Query("SELECT 1"))
		sendDone <- err
	}()
	require.Eventually(t, func() bool { return len(d.requests) == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, d.Close(ctx), context.Canceled)
	assert.True(t, d.IsAlive())

	close(ch.gate)
	require.NoError(t, <-sendDone)
	require.NoError(t, <-sendDone)
	require.Eventually(t, func() bool { return !d.IsAlive() }, time.Second, time.Millisecond)
	assert.Equal(t, int32(1), ch.closes.Load())
	assert.Equal(t, []string{"gate", "SELECT 1"}, ch.seenQueries())
}

func TestAbandonedDriverIsClosed(t *testing.T) {
	ch := newFakeChannel()
	func() {
		_, err := Create(context.Background(), &fakeSpawner{ch: ch}, "app.db", protocol.DefaultFlags, "", WithLogger(quiet))
		require.NoError(t, err)
	}()

	require.Eventually(t, func() bool {
		runtime.GC()
		return !ch.IsRunning()
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), ch.closes.Load())
}

func TestBuildOptions(t *testing.T) {
	o := buildOptions(nil)
	assert.Equal(t, DefaultCloseGrace, o.CloseGrace)
	assert.Equal(t, DefaultQueueSize, o.QueueSize)
	assert.Zero(t, o.SendTimeout)
	assert.NotNil(t, o.Log)

	o = buildOptions([]Option{WithCloseGrace(-1), WithQueueSize(0), WithSendTimeout(-time.Second)})
	assert.Equal(t, DefaultCloseGrace, o.CloseGrace)
	assert.Equal(t, DefaultQueueSize, o.QueueSize)
	assert.Zero(t, o.SendTimeout)
}

func TestInProcessWorker_DurableAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "durable.sqlite")
	spawner := process.InProcessSpawner{Serve: worker.Serve(quiet), Log: quiet}

	d, err := Create(ctx, spawner, path, protocol.DefaultFlags, "", WithLogger(quiet))
	require.NoError(t, err)
	for _, sql := range []string{"CREATE TABLE t (v TEXT)", "INSERT INTO t VALUES ('persisted')"} {
		resp, err := d.Send(ctx, protocol.Execute(sql))
		require.NoError(t, err)
		require.NoError(t, resp.Err())
	}
	require.NoError(t, d.Close(ctx))

	d, err = Create(ctx, spawner, path, protocol.FlagReadWrite, "", WithLogger(quiet))
	require.NoError(t, err)
	defer d.Close(ctx)

	resp, err := d.Send(ctx, protocol.Query("SELECT v FROM t"))
	require.NoError(t, err)
	require.NoError(t, resp.Err())
	assert.Equal(t, [][]any{{"persisted"}}, resp.RowValues())
}

func TestInProcessWorker_EngineErrorIsNotATransportError(t *testing.T) {
	ctx := context.Background()
	spawner := process.InProcessSpawner{Serve: worker.Serve(quiet), Log: quiet}
	d, err := Create(ctx, spawner, filepath.Join(t.TempDir(), "e.sqlite"), protocol.DefaultFlags, "", WithLogger(quiet))
	require.NoError(t, err)
	defer d.Close(ctx)

	resp, err := d.Send(ctx, protocol.Query("SELECT * FROM nope"))
	require.NoError(t, err)
	require.True(t, resp.Failed())
	assert.True(t, shared.IsEngine(resp.Err()))
	assert.True(t, d.IsAlive())
}
