package ws_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/omochice/moon-chat/internal/chat"
	ws "github.com/omochice/moon-chat/internal/client/ws"
	"github.com/omochice/moon-chat/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = time.Second
	tick    = 5 * time.Millisecond
	quiet   = 100 * time.Millisecond
)

// fakeConn is a scripted chat.Conn. Close makes Read return io.EOF, which
// is also how a server side close is simulated.
type fakeConn struct {
	frames  chan []byte
	readErr chan error
	closed  chan struct{}
	once    sync.Once

	mu      sync.Mutex
	written [][]byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		frames:  make(chan []byte, 16),
		readErr: make(chan error, 1),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-c.frames:
		return data, nil
	case err := <-c.readErr:
		return nil, err
	case <-c.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Write(ctx context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, data)
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) RemoteAddr() string { return "fake" }

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) writes() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.written...)
}

type fakeDialer struct {
	mu        sync.Mutex
	endpoints []string
	conns     []*fakeConn
	fail      error
}

func (d *fakeDialer) Dial(ctx context.Context, endpoint string) (chat.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.endpoints = append(d.endpoints, endpoint)
	if d.fail != nil {
		return nil, d.fail
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.endpoints)
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[i]
}

type fakeTimer struct {
	d    time.Duration
	f    func()
	done atomic.Bool
}

func (t *fakeTimer) Stop() bool { return !t.done.Swap(true) }

// fakeScheduler records reconnect timers and fires them on demand.
type fakeScheduler struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (s *fakeScheduler) Schedule(d time.Duration, f func()) ws.Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &fakeTimer{d: d, f: f}
	s.timers = append(s.timers, t)
	return t
}

func (s *fakeScheduler) pending() []*fakeTimer {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*fakeTimer
	for _, t := range s.timers {
		if !t.done.Load() {
			out = append(out, t)
		}
	}
	return out
}

func (s *fakeScheduler) scheduled() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

func (s *fakeScheduler) fire() {
	for _, t := range s.pending() {
		if t.done.CompareAndSwap(false, true) {
			t.f()
		}
	}
}

type recorder struct {
	opens     atomic.Int32
	closes    atomic.Int32
	errs      chan error
	envelopes chan []byte
}

func newRecorder() *recorder {
	return &recorder{errs: make(chan error, 16), envelopes: make(chan []byte, 16)}
}

func (r *recorder) handlers() ws.Handlers {
	return ws.Handlers{
		OnOpen:     func() { r.opens.Add(1) },
		OnEnvelope: func(raw []byte) { r.envelopes <- raw },
		OnError:    func(err error) { r.errs <- err },
		OnClose:    func() { r.closes.Add(1) },
	}
}

type fixture struct {
	m       *ws.Manager
	dialer  *fakeDialer
	sched   *fakeScheduler
	rec     *recorder
	metrics *metrics.Metrics
}

func newFixture(t *testing.T, mutate func(*ws.Options)) *fixture {
	t.Helper()
	f := &fixture{
		dialer:  &fakeDialer{},
		sched:   &fakeScheduler{},
		rec:     newRecorder(),
		metrics: metrics.New(),
	}
	opts := ws.Options{
		Dialer:   f.dialer,
		Schedule: f.sched.Schedule,
		Metrics:  f.metrics,
	}
	if mutate != nil {
		mutate(&opts)
	}
	f.m = ws.NewManager(opts)
	f.m.SetHandlers(f.rec.handlers())
	t.Cleanup(f.m.Disconnect)
	return f
}

func (f *fixture) waitConnected(t *testing.T, dials int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return f.dialer.dials() == dials && f.m.State().Connected
	}, waitFor, tick)
}

func TestManager_ConnectOpensAndDispatches(t *testing.T) {
	f := newFixture(t, nil)

	f.m.Connect("ws://localhost:8000/ws")
	f.waitConnected(t, 1)
	require.Eventually(t, func() bool { return f.rec.opens.Load() == 1 }, waitFor, tick)

	f.dialer.conn(0).frames <- []byte(`{"type":"connection"}`)
	select {
	case raw := <-f.rec.envelopes:
		assert.JSONEq(t, `{"type":"connection"}`, string(raw))
	case <-time.After(waitFor):
		t.Fatal("timeout waiting for envelope")
	}
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Connects))
}

func TestManager_ConnectIsIdempotentForSameEndpoint(t *testing.T) {
	f := newFixture(t, nil)

	f.m.Connect("ws://localhost:8000/ws")
	f.m.Connect("ws://localhost:8000/ws")
	f.waitConnected(t, 1)
	f.m.Connect("ws://localhost:8000/ws")

	require.Never(t, func() bool { return f.dialer.dials() > 1 }, quiet, tick)
}

func TestManager_SupersededSocketNeverReconnects(t *testing.T) {
	f := newFixture(t, nil)

	f.m.Connect("ws://a.example/ws")
	f.waitConnected(t, 1)
	first := f.dialer.conn(0)

	f.m.Connect("ws://b.example/ws")
	f.waitConnected(t, 2)
	require.Eventually(t, first.isClosed, waitFor, tick)

	// Late error from the replaced socket.
	first.readErr <- errors.New("connection reset")

	require.Never(t, func() bool { return len(f.sched.pending()) > 0 }, quiet, tick)
	assert.Zero(t, f.rec.closes.Load())

	f.dialer.conn(1).Close()
	require.Eventually(t, func() bool { return len(f.sched.pending()) == 1 }, waitFor, tick)
	assert.Equal(t, 1, f.sched.scheduled())
}

func TestManager_ConnectCancelsPendingReconnect(t *testing.T) {
	f := newFixture(t, nil)

	f.m.Connect("ws://a.example/ws")
	f.waitConnected(t, 1)
	f.dialer.conn(0).Close()
	require.Eventually(t, f.m.ReconnectPending, waitFor, tick)

	f.m.Connect("ws://b.example/ws")
	assert.False(t, f.m.ReconnectPending())
	assert.Empty(t, f.sched.pending())
	f.waitConnected(t, 2)
}

func TestManager_DisconnectSuppressesReconnect(t *testing.T) {
	f := newFixture(t, nil)

	f.m.Connect("ws://localhost:8000/ws")
	f.waitConnected(t, 1)
	conn := f.dialer.conn(0)

	f.m.Disconnect()
	assert.False(t, f.m.State().Connected)
	assert.True(t, conn.isClosed())

	conn.readErr <- errors.New("late error")

	require.Never(t, func() bool {
		return len(f.sched.pending()) > 0 || f.dialer.dials() > 1
	}, quiet, tick)
	assert.Zero(t, f.rec.closes.Load())
}

func TestManager_DisconnectCancelsPendingTimer(t *testing.T) {
	f := newFixture(t, nil)

	f.m.Connect("ws://localhost:8000/ws")
	f.waitConnected(t, 1)
	f.dialer.conn(0).Close()
	require.Eventually(t, func() bool { return len(f.sched.pending()) == 1 }, waitFor, tick)
	timer := f.sched.pending()[0]

	f.m.Disconnect()
	assert.Empty(t, f.sched.pending())

	// A timer that fires anyway after being stopped must not dial.
	timer.f()
	require.Never(t, func() bool { return f.dialer.dials() > 1 }, quiet, tick)
}

func TestManager_DisconnectIsIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	f.m.Disconnect()

	f.m.Connect("ws://localhost:8000/ws")
	f.waitConnected(t, 1)

	f.m.Disconnect()
	f.m.Disconnect()
	assert.False(t, f.m.State().Connected)
}

func TestManager_SendWhileDisconnected(t *testing.T) {
	f := newFixture(t, nil)

	err := f.m.Send("Hello", "")
	require.ErrorIs(t, err, ws.ErrNotConnected)

	assert.Equal(t, ws.State{Connected: false, LastError: "Cannot send message: not connected"}, f.m.State())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.SendFailures))
}

func TestManager_SendWritesEnvelope(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC)
	f := newFixture(t, func(o *ws.Options) {
		o.Now = func() time.Time { return at }
	})

	f.m.Connect("ws://localhost:8000/ws")
	f.waitConnected(t, 1)

	require.NoError(t, f.m.Send("Hello", "c7"))
	require.NoError(t, f.m.Send("Again", ""))

	writes := f.dialer.conn(0).writes()
	require.Len(t, writes, 2)
	assert.JSONEq(t, `{"type":"message","content":"Hello","timestamp":"2024-05-01T12:30:00.000Z","last_com_id":"c7"}`, string(writes[0]))

	var second map[string]any
	require.NoError(t, json.Unmarshal(writes[1], &second))
	assert.Contains(t, second, "last_com_id")
	assert.Nil(t, second["last_com_id"])
}

func TestManager_ReconnectsAfterUnexpectedClose(t *testing.T) {
	f := newFixture(t, nil)

	f.m.Connect("ws://localhost:8000/ws")
	f.waitConnected(t, 1)

	f.dialer.conn(0).Close()
	require.Eventually(t, func() bool { return len(f.sched.pending()) == 1 }, waitFor, tick)
	assert.Equal(t, ws.DefaultReconnectInterval, f.sched.pending()[0].d)
	assert.Equal(t, int32(1), f.rec.closes.Load())
	assert.False(t, f.m.State().Connected)
	assert.Equal(t, 1, f.m.Attempts())

	f.sched.fire()
	f.waitConnected(t, 2)
	require.Eventually(t, func() bool { return f.rec.opens.Load() == 2 }, waitFor, tick)
	assert.Zero(t, f.m.Attempts())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.ReconnectsScheduled))
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.Connects))
}

func TestManager_CustomInterval(t *testing.T) {
	f := newFixture(t, func(o *ws.Options) { o.ReconnectInterval = 250 * time.Millisecond })

	f.m.Connect("ws://localhost:8000/ws")
	f.waitConnected(t, 1)
	f.dialer.conn(0).Close()

	require.Eventually(t, func() bool { return len(f.sched.pending()) == 1 }, waitFor, tick)
	assert.Equal(t, 250*time.Millisecond, f.sched.pending()[0].d)
}

func TestManager_DisableReconnect(t *testing.T) {
	f := newFixture(t, func(o *ws.Options) { o.DisableReconnect = true })

	f.m.Connect("ws://localhost:8000/ws")
	f.waitConnected(t, 1)
	f.dialer.conn(0).Close()

	require.Eventually(t, func() bool { return f.rec.closes.Load() == 1 }, waitFor, tick)
	assert.Zero(t, f.sched.scheduled())
}

func TestManager_ReadErrorSetsErrorState(t *testing.T) {
	f := newFixture(t, nil)

	f.m.Connect("ws://localhost:8000/ws")
	f.waitConnected(t, 1)
	f.dialer.conn(0).readErr <- errors.New("connection reset by peer")

	select {
	case err := <-f.rec.errs:
		var terr *ws.TransportError
		require.ErrorAs(t, err, &terr)
		assert.Equal(t, "read", terr.Op)
	case <-time.After(waitFor):
		t.Fatal("timeout waiting for error event")
	}
	require.Eventually(t, func() bool { return len(f.sched.pending()) == 1 }, waitFor, tick)
	assert.Equal(t, ws.State{LastError: "WebSocket connection error"}, f.m.State())
}

func TestManager_DialFailureSchedulesReconnect(t *testing.T) {
	f := newFixture(t, nil)
	f.dialer.fail = errors.New("connection refused")

	f.m.Connect("ws://localhost:8000/ws")

	select {
	case err := <-f.rec.errs:
		assert.ErrorContains(t, err, "connection refused")
	case <-time.After(waitFor):
		t.Fatal("timeout waiting for error event")
	}
	require.Eventually(t, func() bool { return len(f.sched.pending()) == 1 }, waitFor, tick)
	assert.Equal(t, "Failed to connect to server", f.m.State().LastError)
}

type refusingDialer struct{}

func (refusingDialer) Dial(context.Context, string) (chat.Conn, error) {
	return nil, errors.New("connection refused")
}

// With the real timer the reconnect callback can run before Schedule has
// returned. Every manager must keep retrying regardless.
func TestManager_ImmediateTimerKeepsRetrying(t *testing.T) {
	const managers = 20
	ms := make([]*ws.Manager, managers)
	for i := range ms {
		ms[i] = ws.NewManager(ws.Options{
			ReconnectInterval: time.Nanosecond,
			Dialer:            refusingDialer{},
		})
		t.Cleanup(ms[i].Disconnect)
	}
	for _, m := range ms {
		m.Connect("ws://localhost:8000/ws")
	}

	for i, m := range ms {
		require.Eventually(t, func() bool { return m.Attempts() > 50 }, 5*time.Second, tick, "manager %d stalled", i)
	}
	for _, m := range ms {
		m.Disconnect()
		assert.False(t, m.ReconnectPending())
	}
}

func TestManager_InvalidEndpoint(t *testing.T) {
	f := newFixture(t, nil)

	f.m.Connect("http://localhost:8000/ws")

	select {
	case err := <-f.rec.errs:
		var terr *ws.TransportError
		require.ErrorAs(t, err, &terr)
		assert.Equal(t, "dial", terr.Op)
	case <-time.After(waitFor):
		t.Fatal("timeout waiting for error event")
	}
	assert.Zero(t, f.dialer.dials())
	assert.Zero(t, f.sched.scheduled())
	assert.Equal(t, "Failed to connect to server", f.m.State().LastError)
}

func TestManager_ReconnectLimit(t *testing.T) {
	tests := []struct {
		name          string
		strict        bool
		wantScheduled int
	}{
		{"advisory limit keeps retrying", false, 4},
		{"strict limit stops", true, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, func(o *ws.Options) {
				o.MaxReconnectAttempts = 2
				o.StrictReconnectLimit = tt.strict
			})
			f.dialer.fail = errors.New("connection refused")

			f.m.Connect("ws://localhost:8000/ws")
			for i := 1; i <= 4; i++ {
				require.Eventually(t, func() bool { return f.dialer.dials() == i }, waitFor, tick)
				if i > tt.wantScheduled {
					break
				}
				require.Eventually(t, func() bool { return f.sched.scheduled() == i }, waitFor, tick)
				if i < 4 {
					f.sched.fire()
				}
			}

			require.Never(t, func() bool { return f.sched.scheduled() > tt.wantScheduled }, quiet, tick)
			if tt.strict {
				assert.Equal(t, "Reconnect attempts exhausted", f.m.State().LastError)
				assert.False(t, f.m.ReconnectPending())
			}
		})
	}
}

func TestManager_HandlersReadAtDispatch(t *testing.T) {
	f := newFixture(t, nil)

	f.m.Connect("ws://localhost:8000/ws")
	f.waitConnected(t, 1)

	replaced := make(chan []byte, 1)
	f.m.SetHandlers(ws.Handlers{OnEnvelope: func(raw []byte) { replaced <- raw }})
	f.dialer.conn(0).frames <- []byte(`{"type":"stream_start","message_id":"m1"}`)

	select {
	case raw := <-replaced:
		assert.Contains(t, string(raw), "stream_start")
	case <-time.After(waitFor):
		t.Fatal("timeout waiting for envelope")
	}
	assert.Empty(t, f.rec.envelopes)
}

func TestManager_HandlerTurnsDoNotOverlap(t *testing.T) {
	f := newFixture(t, nil)

	var active, overlaps atomic.Int32
	var seen atomic.Int32
	turn := func() {
		if active.Add(1) > 1 {
			overlaps.Add(1)
		}
		time.Sleep(time.Millisecond)
		active.Add(-1)
	}
	f.m.SetHandlers(ws.Handlers{
		OnOpen:     turn,
		OnEnvelope: func([]byte) { turn(); seen.Add(1) },
		OnClose:    turn,
	})

	f.m.Connect("ws://localhost:8000/ws")
	f.waitConnected(t, 1)
	for i := 0; i < 10; i++ {
		f.dialer.conn(0).frames <- []byte(`{}`)
	}
	require.Eventually(t, func() bool { return seen.Load() == 10 }, waitFor, tick)
	f.dialer.conn(0).Close()
	require.Eventually(t, f.m.ReconnectPending, waitFor, tick)

	assert.Zero(t, overlaps.Load())
}
