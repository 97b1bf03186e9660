package driver

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"asyncsqlite/internal/process"
	"asyncsqlite/internal/protocol"
	"asyncsqlite/internal/shared"
)

// fakeChannel is a scripted worker. It answers each command with Columns=[SQL] unless
// the SQL asks for something else:
//
//	"hang"      no response at all
//	"slow"      response after 50ms
//	"gate"      response once the gate channel is closed
//	"bad-id"    response with a foreign ID
//	"fail-open" (as path) engine error for open
type fakeChannel struct {
	ignoreClose bool
	gate        chan struct{}

	mu   sync.Mutex
	seen []string

	responses chan protocol.Response
	exited    chan struct{}
	exitOnce  sync.Once

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
	kills       atomic.Int32
	closes      atomic.Int32
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		gate:      make(chan struct{}),
		responses: make(chan protocol.Response, 1),
		exited:    make(chan struct{}),
	}
}

func (f *fakeChannel) exit() {
	f.exitOnce.Do(func() { close(f.exited) })
}

func (f *fakeChannel) Send(ctx context.Context, cmd protocol.Command) error {
	if !f.IsRunning() {
		return shared.Newf(shared.KindSynchronization, "process unexpectedly exited")
	}

	f.mu.Lock()
	label := cmd.SQL
	if cmd.Op != protocol.OpQuery && cmd.Op != protocol.OpExecute {
		label = string(cmd.Op)
	}
	f.seen = append(f.seen, label)
	f.mu.Unlock()

	if cmd.Op == protocol.OpClose {
		f.closes.Add(1)
		if !f.ignoreClose {
			f.exit()
		}
		return nil
	}

	if n := f.inFlight.Add(1); n > f.maxInFlight.Load() {
		f.maxInFlight.Store(n)
	}

	resp := protocol.Response{ID: cmd.ID, OK: true, Columns: []string{cmd.SQL}}
	switch {
	case cmd.Op == protocol.OpOpen && cmd.Path == "fail-open":
		resp = protocol.Response{ID: cmd.ID, Error: &protocol.ErrorPayload{Code: 14, Message: "unable to open database file"}}
	case cmd.SQL == "hang":
		return nil
	case cmd.SQL == "slow":
		go func() {
			time.Sleep(50 * time.Millisecond)
			f.responses <- resp
		}()
		return nil
	case cmd.SQL == "gate":
		go func() {
			<-f.gate
			f.responses <- resp
		}()
		return nil
	case cmd.SQL == "bad-id":
		resp.ID = "someone-else"
	}
	f.responses <- resp
	return nil
}

func (f *fakeChannel) Receive(ctx context.Context) (protocol.Response, error) {
	defer f.inFlight.Add(-1)
	select {
	case resp := <-f.responses:
		return resp, nil
	case <-f.exited:
		return protocol.Response{}, shared.Newf(shared.KindSynchronization, "process unexpectedly exited")
	case <-ctx.Done():
		return protocol.Response{}, ctx.Err()
	}
}

func (f *fakeChannel) IsRunning() bool {
	select {
	case <-f.exited:
		return false
	default:
		return true
	}
}

func (f *fakeChannel) Join(ctx context.Context) error {
	select {
	case <-f.exited:
		return nil
	case <-ctx.Done():
		return shared.MarkKind(ctx.Err(), shared.KindTimeout)
	}
}

func (f *fakeChannel) Kill() error {
	f.kills.Add(1)
	f.exit()
	return nil
}

func (f *fakeChannel) PID() int { return 4242 }

// seenQueries returns the SQL of query/execute commands in the order the worker saw them.
func (f *fakeChannel) seenQueries() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, s := range f.seen {
		if s != string(protocol.OpOpen) && s != string(protocol.OpClose) {
			out = append(out, s)
		}
	}
	return out
}

func (f *fakeChannel) count(label string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.seen {
		if strings.EqualFold(s, label) {
			n++
		}
	}
	return n
}

type fakeSpawner struct {
	ch     *fakeChannel
	err    error
	spawns atomic.Int32
}

func (s *fakeSpawner) Spawn(ctx context.Context) (process.Channel, error) {
	s.spawns.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	return s.ch, nil
}

var errNoBinary = errors.New("exec: no such file")
