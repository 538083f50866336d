// Package session wires the connection manager, the frame decoder and the
// reconciliation store into one chat session owned by the caller.
package session

import (
	"context"
	"iter"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/omochice/moon-chat/internal/chat"
	"github.com/omochice/moon-chat/internal/client/ws"
	"github.com/omochice/moon-chat/internal/config"
	"github.com/omochice/moon-chat/internal/logger"
	"github.com/omochice/moon-chat/internal/metrics"
	"github.com/omochice/moon-chat/pkg/protocol"
	"github.com/rs/zerolog"
)

// Status is the coarse connection status shown to the user.
type Status string

const (
	StatusConnecting Status = "connecting"
	StatusOnline     Status = "online"
	StatusOffline    Status = "offline"
)

// State is the session status visible to the presentation layer.
type State struct {
	Status          Status
	Connected       bool
	ConnectionError string
	// Banner holds the last server reported error until dismissed.
	Banner       string
	HistoryError string
}

// Transport is the connection surface the session drives. *ws.Manager
// implements it.
type Transport interface {
	SetHandlers(h ws.Handlers)
	Connect(endpoint string)
	Disconnect()
	Send(content, correlationID string) error
	State() ws.State
	SetError(text string)
	Connecting() bool
}

// HistorySource returns previously stored messages.
type HistorySource interface {
	History(ctx context.Context, limit int) ([]chat.Message, error)
}

// Options configures a Session.
type Options struct {
	Endpoint          string
	Transport         Transport
	History           HistorySource
	HistoryLimit      int
	SendFailurePolicy config.SendFailurePolicy

	Logger  zerolog.Logger
	Metrics *metrics.Metrics
	NewID   func() string
	Now     func() time.Time
}

// Session is one chat conversation over one persistent connection.
type Session struct {
	opts      Options
	transport Transport
	store     *chat.Store
	decoder   protocol.Decoder
	logger    zerolog.Logger

	mu           sync.Mutex
	running      bool
	lastComID    string
	banner       string
	historyError string

	subsMu sync.Mutex
	subs   map[chan struct{}]struct{}
}

// New creates a session. Nothing is connected until Start.
func New(opts Options) *Session {
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 100
	}
	if opts.SendFailurePolicy == "" {
		opts.SendFailurePolicy = config.SendFailureKeep
	}

	s := &Session{
		opts:    opts,
		decoder: protocol.Decoder{Now: opts.Now, NewID: opts.NewID},
		logger:  opts.Logger,
		subs:    make(map[chan struct{}]struct{}),
	}
	s.store = chat.NewStore(
		chat.WithLogger(logger.Component(opts.Logger, "store")),
		chat.WithMetrics(opts.Metrics),
		chat.WithClock(opts.Now),
		chat.WithChangeHook(s.notify),
	)

	s.transport = opts.Transport
	if s.transport == nil {
		s.transport = ws.NewManager(ws.Options{
			Logger:  logger.Component(opts.Logger, "ws"),
			Metrics: opts.Metrics,
			Now:     opts.Now,
		})
	}
	s.transport.SetHandlers(ws.Handlers{
		OnOpen:     s.onOpen,
		OnEnvelope: s.onEnvelope,
		OnError:    s.onError,
		OnClose:    s.onClose,
	})
	return s
}

// NewFromConfig builds a session and its connection manager from cfg.
func NewFromConfig(cfg config.Config, history HistorySource, l zerolog.Logger, m *metrics.Metrics) *Session {
	manager := ws.NewManager(ws.Options{
		ReconnectInterval:    time.Duration(cfg.ReconnectInterval),
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		StrictReconnectLimit: cfg.StrictReconnectLimit,
		Logger:               logger.Component(l, "ws"),
		Metrics:              m,
	})
	return New(Options{
		Endpoint:          cfg.WebSocketURL,
		Transport:         manager,
		History:           history,
		HistoryLimit:      cfg.HistoryLimit,
		SendFailurePolicy: cfg.SendFailurePolicy,
		Logger:            l,
		Metrics:           m,
	})
}

// Start loads the stored history and opens the connection. A history
// failure is recorded in the state and does not prevent connecting.
func (s *Session) Start(ctx context.Context) {
	if s.opts.History != nil {
		history, err := s.opts.History.History(ctx, s.opts.HistoryLimit)
		if err != nil {
			s.logger.Error().Err(err).Msg("Failed to load messages")
			s.mu.Lock()
			s.historyError = err.Error()
			s.mu.Unlock()
		} else {
			n := s.store.Load(history)
			s.logger.Debug().Int("count", n).Msg("Loaded message history")
		}
	}

	s.mu.Lock()
	s.running = true
	s.mu.Unlock()

	s.transport.Connect(s.opts.Endpoint)
	s.notify()
}

// Stop closes the connection. Pending reconnects are cancelled.
func (s *Session) Stop() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	s.transport.Disconnect()
	s.notify()
}

// SendMessage shows content as a user message right away and sends it.
// Blank input is ignored. Failures never surface as errors; they are
// reflected in State and, depending on the policy, on the message itself.
func (s *Session) SendMessage(content string) {
	if strings.TrimSpace(content) == "" {
		return
	}

	msg := chat.Message{
		ID:        s.opts.NewID(),
		Sender:    protocol.SenderUser,
		Content:   content,
		Timestamp: s.opts.Now(),
	}
	s.store.AddOutgoing(msg)

	s.mu.Lock()
	lastComID := s.lastComID
	s.mu.Unlock()

	if err := s.transport.Send(content, lastComID); err != nil {
		s.logger.Warn().Err(err).Str("message_id", msg.ID).Msg("Message not delivered")
		if s.opts.SendFailurePolicy == config.SendFailureMarkFailed {
			s.store.MarkFailed(msg.ID)
		}
		s.store.CancelTyping()
		s.notify()
	}
}

// DismissBanner clears the server error banner.
func (s *Session) DismissBanner() {
	s.mu.Lock()
	s.banner = ""
	s.mu.Unlock()
	s.notify()
}

// State returns the current session status.
func (s *Session) State() State {
	ts := s.transport.State()

	s.mu.Lock()
	st := State{
		Connected:       ts.Connected,
		ConnectionError: ts.LastError,
		Banner:          s.banner,
		HistoryError:    s.historyError,
	}
	running := s.running
	s.mu.Unlock()

	switch {
	case ts.Connected:
		st.Status = StatusOnline
	case running && s.transport.Connecting():
		st.Status = StatusConnecting
	default:
		st.Status = StatusOffline
	}
	return st
}

// LastComID returns the correlation id echoed on the next send.
func (s *Session) LastComID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastComID
}

// Projection yields the messages to display in order.
func (s *Session) Projection() iter.Seq[chat.Message] {
	return s.store.Projection()
}

// Messages collects the projection.
func (s *Session) Messages() []chat.Message {
	return s.store.Messages()
}

// Typing reports whether the typing indicator should show.
func (s *Session) Typing() bool {
	return s.store.Typing()
}

// Subscribe returns a channel that receives a value whenever the state or
// the projection may have changed. Notifications are coalesced and never
// block the session. cancel releases the subscription.
func (s *Session) Subscribe() (updates <-chan struct{}, cancel func()) {
	ch := make(chan struct{}, 1)
	s.subsMu.Lock()
	s.subs[ch] = struct{}{}
	s.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subsMu.Lock()
			delete(s.subs, ch)
			s.subsMu.Unlock()
		})
	}
}

func (s *Session) notify() {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for ch := range s.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (s *Session) onOpen() {
	s.logger.Info().Msg("WebSocket connected")
	s.notify()
}

func (s *Session) onClose() {
	s.logger.Info().Msg("WebSocket disconnected")
	s.notify()
}

func (s *Session) onError(err error) {
	s.logger.Warn().Err(err).Msg("WebSocket error")
	s.notify()
}

func (s *Session) onEnvelope(raw []byte) {
	ev, err := s.decoder.Decode(raw)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Discarding inbound frame")
		if s.opts.Metrics != nil {
			s.opts.Metrics.DecodeErrors.Inc()
		}
		return
	}
	if s.opts.Metrics != nil {
		s.opts.Metrics.Frames.WithLabelValues(ev.Kind().String()).Inc()
	}

	switch e := ev.(type) {
	case protocol.ConnectionAck:
		s.logger.Info().Str("message", e.Message).Msg("Connection confirmed")
	case protocol.StreamStart:
		s.store.OnStreamStart(e.MessageID)
	case protocol.StreamToken:
		s.store.OnStreamToken(e.MessageID, e.Token)
	case protocol.StreamEnd:
		s.store.OnStreamEnd(e.MessageID, e.Content)
		if e.AIComID != "" {
			s.mu.Lock()
			s.lastComID = e.AIComID
			s.mu.Unlock()
		}
	case protocol.FinalMessage:
		s.store.AddMessage(chat.Message{
			ID:        e.ID,
			Sender:    e.Sender,
			Content:   e.Content,
			Timestamp: e.Timestamp,
		})
	case protocol.ProtocolError:
		s.logger.Error().Str("message", e.Message).Msg("Server error")
		s.transport.SetError(e.Message)
		s.mu.Lock()
		s.banner = e.Message
		s.mu.Unlock()
		s.notify()
	}
}
