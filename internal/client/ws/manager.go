// Package ws manages the client's single persistent websocket to the chat
// backend: connecting, fixed interval reconnection and teardown.
package ws

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/omochice/moon-chat/internal/chat"
	"github.com/omochice/moon-chat/internal/metrics"
	"github.com/omochice/moon-chat/pkg/protocol"
	"github.com/rs/zerolog"
)

// Connection error texts surfaced through State.
const (
	ErrTextNotConnected    = "Cannot send message: not connected"
	ErrTextConnectFailed   = "Failed to connect to server"
	ErrTextConnection      = "WebSocket connection error"
	ErrTextSendFailed      = "Failed to send message"
	ErrTextAttemptsReached = "Reconnect attempts exhausted"
)

// DefaultReconnectInterval is the delay before reconnecting after an
// unexpected close.
const DefaultReconnectInterval = 3 * time.Second

// ErrNotConnected is returned by Send when no socket is open.
var ErrNotConnected = errors.New("not connected to server")

// TransportError describes a socket failure delivered to OnError.
type TransportError struct {
	Op       string
	Endpoint string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Endpoint, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// State is the connection status visible to the presentation layer.
type State struct {
	Connected bool
	LastError string
}

// Handlers receive connection events. Each call runs as one turn: no two
// handler calls of a Manager overlap. A nil field is skipped.
type Handlers struct {
	OnOpen     func()
	OnEnvelope func(raw []byte)
	OnError    func(err error)
	OnClose    func()
}

// Timer is a pending reconnect.
type Timer interface {
	Stop() bool
}

// ScheduleFunc runs f once after d.
type ScheduleFunc func(d time.Duration, f func()) Timer

func afterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Options configures a Manager.
type Options struct {
	// ReconnectInterval defaults to DefaultReconnectInterval.
	ReconnectInterval time.Duration
	// MaxReconnectAttempts is the number of consecutive reconnects after
	// which a warning is logged. Zero means no limit.
	MaxReconnectAttempts int
	// StrictReconnectLimit stops reconnecting once MaxReconnectAttempts is
	// exceeded instead of only warning.
	StrictReconnectLimit bool
	// DisableReconnect turns automatic reconnection off.
	DisableReconnect bool
	// WriteTimeout bounds a single Send. Defaults to 10s.
	WriteTimeout time.Duration

	Dialer   Dialer
	Schedule ScheduleFunc
	Now      func() time.Time
	Logger   zerolog.Logger
	Metrics  *metrics.Metrics
}

// Manager owns at most one current socket. Every socket is tagged with a
// generation; events of a socket that is no longer current are ignored,
// so a superseded or torn down socket can never re-arm reconnection.
type Manager struct {
	opts     Options
	handlers atomic.Pointer[Handlers]

	// turn serializes handler dispatch.
	turn sync.Mutex

	mu       sync.Mutex
	endpoint string
	gen      uint64
	conn     chat.Conn
	cancel   context.CancelFunc
	open     bool
	active   bool
	attempts int
	timer    Timer
	timerSeq uint64
	state    State
}

// NewManager creates a Manager. It does not connect.
func NewManager(opts Options) *Manager {
	if opts.ReconnectInterval <= 0 {
		opts.ReconnectInterval = DefaultReconnectInterval
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.Dialer == nil {
		opts.Dialer = NetDialer{Timeout: 10 * time.Second}
	}
	if opts.Schedule == nil {
		opts.Schedule = afterFunc
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	m := &Manager{opts: opts}
	m.handlers.Store(&Handlers{})
	return m
}

// SetHandlers replaces the handler table. The table is read at dispatch
// time so a replacement applies to the next event.
func (m *Manager) SetHandlers(h Handlers) {
	m.handlers.Store(&h)
}

// Connect opens a socket to endpoint. Calling it again for the endpoint
// that is already connecting or open does nothing; any other call tears
// down the previous socket before dialing.
func (m *Manager) Connect(endpoint string) {
	m.mu.Lock()
	busy := m.active && m.endpoint == endpoint && (m.conn != nil || m.cancel != nil)
	m.mu.Unlock()
	if busy {
		return
	}
	m.connect(endpoint, true)
}

// Reconnect replaces the current socket with a fresh one to the same
// endpoint.
func (m *Manager) Reconnect() {
	m.mu.Lock()
	endpoint := m.endpoint
	m.mu.Unlock()
	if endpoint == "" {
		return
	}
	m.connect(endpoint, true)
}

func (m *Manager) connect(endpoint string, resetAttempts bool) {
	m.mu.Lock()
	m.connectLocked(endpoint, resetAttempts)
}

// connectLocked is called with mu held and releases it.
func (m *Manager) connectLocked(endpoint string, resetAttempts bool) {
	logger := m.opts.Logger.With().Str("endpoint", endpoint).Logger()

	m.stopTimerLocked()
	old, oldCancel := m.detachLocked()
	m.state.Connected = false
	m.gen++
	gen := m.gen
	m.endpoint = endpoint
	m.active = true
	if resetAttempts {
		m.attempts = 0
	}

	if _, err := parseEndpoint(endpoint); err != nil {
		m.cancel = nil
		m.state.LastError = ErrTextConnectFailed
		m.mu.Unlock()
		release(old, oldCancel)

		logger.Error().Err(err).Msg("Invalid websocket endpoint")
		go m.dispatch(gen, func(h *Handlers) {
			if h.OnError != nil {
				h.OnError(&TransportError{Op: "dial", Endpoint: endpoint, Err: err})
			}
		})
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.mu.Unlock()
	release(old, oldCancel)

	logger.Debug().Uint64("generation", gen).Msg("Connecting")
	go m.run(ctx, gen, endpoint, logger)
}

func (m *Manager) run(ctx context.Context, gen uint64, endpoint string, logger zerolog.Logger) {
	conn, err := m.opts.Dialer.Dial(ctx, endpoint)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		logger.Warn().Err(err).Uint64("generation", gen).Msg("Failed to connect")
		m.closed(gen, &TransportError{Op: "dial", Endpoint: endpoint, Err: err}, ErrTextConnectFailed)
		return
	}

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		conn.Close()
		return
	}
	m.conn = conn
	m.open = true
	m.attempts = 0
	m.state = State{Connected: true}
	m.mu.Unlock()

	if m.opts.Metrics != nil {
		m.opts.Metrics.Connects.Inc()
	}
	logger.Info().Uint64("generation", gen).Str("remote", conn.RemoteAddr()).Msg("Connected")

	m.dispatch(gen, func(h *Handlers) {
		if h.OnOpen != nil {
			h.OnOpen()
		}
	})

	for {
		data, err := conn.Read(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				m.closed(gen, nil, "")
				return
			}
			logger.Warn().Err(err).Uint64("generation", gen).Msg("Connection lost")
			m.closed(gen, &TransportError{Op: "read", Endpoint: endpoint, Err: err}, ErrTextConnection)
			return
		}
		m.dispatch(gen, func(h *Handlers) {
			if h.OnEnvelope != nil {
				h.OnEnvelope(data)
			}
		})
	}
}

// closed handles the end of socket gen: an optional error event, the
// close event and, if gen is still current, the reconnect policy.
func (m *Manager) closed(gen uint64, cause error, errText string) {
	m.turn.Lock()
	defer m.turn.Unlock()

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	conn, cancel := m.detachLocked()
	m.state.Connected = false
	if errText != "" {
		m.state.LastError = errText
	}
	m.mu.Unlock()
	release(conn, cancel)

	h := m.handlers.Load()
	if cause != nil && h.OnError != nil {
		h.OnError(cause)
	}
	if h.OnClose != nil {
		h.OnClose()
	}

	m.mu.Lock()
	m.scheduleLocked(gen)
	m.mu.Unlock()
}

// scheduleLocked arms the single reconnect timer for gen. It cancels any
// pending timer first.
func (m *Manager) scheduleLocked(gen uint64) {
	if gen != m.gen || !m.active || m.opts.DisableReconnect {
		return
	}

	m.attempts++
	logger := m.opts.Logger.With().
		Str("endpoint", m.endpoint).
		Int("attempt", m.attempts).
		Logger()

	if limit := m.opts.MaxReconnectAttempts; limit > 0 && m.attempts > limit {
		if m.opts.StrictReconnectLimit {
			m.state.LastError = ErrTextAttemptsReached
			logger.Error().Int("max_attempts", limit).Msg("Giving up reconnecting")
			return
		}
		logger.Warn().Int("max_attempts", limit).Msg("Reconnect attempts exceeded limit, still retrying")
	}

	m.stopTimerLocked()
	m.timerSeq++
	seq := m.timerSeq
	m.timer = m.opts.Schedule(m.opts.ReconnectInterval, func() { m.fire(gen, seq) })

	if m.opts.Metrics != nil {
		m.opts.Metrics.ReconnectsScheduled.Inc()
	}
	logger.Info().Dur("interval", m.opts.ReconnectInterval).Msg("Scheduling reconnect")
}

// fire runs when a reconnect timer expires. The callback may start before
// Schedule returns; it blocks on mu until the timer has been recorded.
func (m *Manager) fire(gen, seq uint64) {
	m.mu.Lock()
	if gen != m.gen || !m.active || seq != m.timerSeq || m.timer == nil {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	m.connectLocked(m.endpoint, false)
}

// Send writes a user message frame. When no socket is open it records
// ErrTextNotConnected in the state and returns ErrNotConnected.
func (m *Manager) Send(content, correlationID string) error {
	m.mu.Lock()
	conn, open := m.conn, m.open
	m.mu.Unlock()

	if conn == nil || !open {
		m.setError(ErrTextNotConnected)
		if m.opts.Metrics != nil {
			m.opts.Metrics.SendFailures.Inc()
		}
		m.opts.Logger.Warn().Msg("Cannot send message: not connected")
		return ErrNotConnected
	}

	out := protocol.NewOutbound(content, correlationID, m.opts.Now())
	data, err := out.Encode()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.opts.WriteTimeout)
	defer cancel()
	if err := conn.Write(ctx, data); err != nil {
		m.setError(ErrTextSendFailed)
		if m.opts.Metrics != nil {
			m.opts.Metrics.SendFailures.Inc()
		}
		m.opts.Logger.Warn().Err(err).Msg("Failed to send message")
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

// Disconnect closes the socket, cancels any pending reconnect and stops
// reconnection until the next Connect. It is idempotent.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.active = false
	m.stopTimerLocked()
	m.gen++
	conn, cancel := m.detachLocked()
	m.state.Connected = false
	m.mu.Unlock()

	release(conn, cancel)
}

// SetError records text as the connection error.
func (m *Manager) SetError(text string) {
	m.setError(text)
}

// ClearError resets the connection error.
func (m *Manager) ClearError() {
	m.setError("")
}

func (m *Manager) setError(text string) {
	m.mu.Lock()
	m.state.LastError = text
	m.mu.Unlock()
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ReconnectPending reports whether a reconnect timer is armed.
func (m *Manager) ReconnectPending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.timer != nil
}

// Connecting reports whether a dial is in flight or a reconnect is
// pending.
func (m *Manager) Connecting() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active && !m.open && (m.cancel != nil || m.timer != nil)
}

// Attempts returns the number of reconnects since the last open socket.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// dispatch runs fn as one handler turn if gen is still current.
func (m *Manager) dispatch(gen uint64, fn func(h *Handlers)) {
	m.turn.Lock()
	defer m.turn.Unlock()

	m.mu.Lock()
	current := gen == m.gen
	m.mu.Unlock()
	if !current {
		return
	}
	fn(m.handlers.Load())
}

func (m *Manager) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Manager) detachLocked() (chat.Conn, context.CancelFunc) {
	conn, cancel := m.conn, m.cancel
	m.conn = nil
	m.cancel = nil
	m.open = false
	return conn, cancel
}

func release(conn chat.Conn, cancel context.CancelFunc) {
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}
}

func parseEndpoint(endpoint string) (*url.URL, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, err
	}
	if (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return nil, fmt.Errorf("invalid websocket endpoint %q", endpoint)
	}
	return u, nil
}
