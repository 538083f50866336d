package chat

import (
	"iter"
	"slices"
	"sync"
	"time"

	"github.com/omochice/moon-chat/internal/metrics"
	"github.com/omochice/moon-chat/pkg/protocol"
	"github.com/rs/zerolog"
)

// Store reconciles finalized messages with in-flight streamed replies.
// It exclusively owns both collections; callers mutate them only through
// its methods, one writer at a time.
type Store struct {
	mu          sync.RWMutex
	messages    []Message
	index       map[string]int
	streaming   map[string]*StreamingMessage
	streamOrder []string
	awaiting    bool

	logger   zerolog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
	onChange func()
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithLogger sets the logger used for dropped duplicates and stream
// inconsistencies.
func WithLogger(l zerolog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// WithMetrics counts dropped duplicates.
func WithMetrics(m *metrics.Metrics) StoreOption {
	return func(s *Store) { s.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// WithChangeHook registers fn to run after every mutation that changed
// the projection. fn runs without the store lock held.
func WithChangeHook(fn func()) StoreOption {
	return func(s *Store) { s.onChange = fn }
}

// NewStore creates an empty Store.
func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		index:     make(map[string]int),
		streaming: make(map[string]*StreamingMessage),
		logger:    zerolog.Nop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddMessage appends msg unless a message with the same id is already
// stored. The first writer wins; a duplicate is dropped and logged.
func (s *Store) AddMessage(msg Message) bool {
	s.mu.Lock()
	added := s.addLocked(msg)
	s.mu.Unlock()

	if added {
		s.changed()
	}
	return added
}

// AddOutgoing appends a message the user just sent and raises the typing
// indicator until a reply arrives.
func (s *Store) AddOutgoing(msg Message) bool {
	s.mu.Lock()
	added := s.addLocked(msg)
	if added {
		s.awaiting = true
	}
	s.mu.Unlock()

	if added {
		s.changed()
	}
	return added
}

// CancelTyping lowers the typing indicator without a reply, e.g. when
// the outgoing message never reached the server.
func (s *Store) CancelTyping() {
	s.mu.Lock()
	was := s.awaiting
	s.awaiting = false
	s.mu.Unlock()

	if was {
		s.changed()
	}
}

// Load merges previously stored history, skipping ids already present.
// It returns the number of messages added.
func (s *Store) Load(history []Message) int {
	s.mu.Lock()
	n := 0
	for _, msg := range history {
		if s.addLocked(msg) {
			n++
		}
	}
	s.mu.Unlock()

	if n > 0 {
		s.changed()
	}
	return n
}

// MarkFailed flags a stored message as not delivered.
func (s *Store) MarkFailed(id string) bool {
	s.mu.Lock()
	i, ok := s.index[id]
	if ok {
		s.messages[i].Failed = true
	}
	s.mu.Unlock()

	if ok {
		s.changed()
	}
	return ok
}

func (s *Store) addLocked(msg Message) bool {
	if _, exists := s.index[msg.ID]; exists {
		s.logger.Warn().Str("message_id", msg.ID).Msg("Dropping duplicate message")
		if s.metrics != nil {
			s.metrics.DuplicateMessages.Inc()
		}
		return false
	}

	msg.IsStreaming = false
	s.index[msg.ID] = len(s.messages)
	s.messages = append(s.messages, msg)

	if msg.Sender != protocol.SenderUser {
		s.awaiting = false
	}
	return true
}

// OnStreamStart opens a streamed reply. Starting an id that is already
// finalized or already streaming is a logged no-op.
func (s *Store) OnStreamStart(messageID string) bool {
	s.mu.Lock()
	if _, done := s.index[messageID]; done {
		s.mu.Unlock()
		s.logger.Warn().Str("message_id", messageID).Msg("Ignoring stream start for finalized message")
		return false
	}
	if _, open := s.streaming[messageID]; open {
		s.mu.Unlock()
		s.logger.Warn().Str("message_id", messageID).Msg("Ignoring duplicate stream start")
		return false
	}

	s.streaming[messageID] = &StreamingMessage{MessageID: messageID, Timestamp: s.now()}
	s.streamOrder = append(s.streamOrder, messageID)
	s.mu.Unlock()

	s.changed()
	return true
}

// OnStreamToken appends token to the streamed reply. Tokens for an unknown
// id are logged and dropped.
func (s *Store) OnStreamToken(messageID, token string) bool {
	s.mu.Lock()
	sm, ok := s.streaming[messageID]
	if ok {
		sm.append(token)
	}
	s.mu.Unlock()

	if !ok {
		s.logger.Warn().Str("message_id", messageID).Msg("Dropping token for unknown stream")
		return false
	}
	s.changed()
	return true
}

// OnStreamEnd finalizes a streamed reply. finalContent wins over the
// accumulated tokens when non-empty. Ending an id twice stores it once.
func (s *Store) OnStreamEnd(messageID, finalContent string) bool {
	s.mu.Lock()
	sm, open := s.streaming[messageID]
	if open {
		delete(s.streaming, messageID)
		s.streamOrder = slices.DeleteFunc(s.streamOrder, func(id string) bool { return id == messageID })
	}

	content := finalContent
	ts := s.now()
	if open {
		if content == "" {
			content = sm.Content()
		}
		ts = sm.Timestamp
	}

	added := s.addLocked(Message{
		ID:        messageID,
		Sender:    protocol.SenderAI,
		Content:   content,
		Timestamp: ts,
	})
	s.awaiting = false
	s.mu.Unlock()

	if open || added {
		s.changed()
	}
	return added
}

// Streaming returns the content accumulated so far for an in-flight reply.
func (s *Store) Streaming(messageID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sm, ok := s.streaming[messageID]
	if !ok {
		return "", false
	}
	return sm.Content(), true
}

// Typing reports whether the typing indicator should show: a user message
// is awaiting a reply and no streamed content has arrived yet.
func (s *Store) Typing() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.awaiting {
		return false
	}
	for _, sm := range s.streaming {
		if sm.content.Len() > 0 {
			return false
		}
	}
	return true
}

// Projection yields the messages to display: finalized messages in arrival
// order followed by in-flight replies whose id is not finalized. Each id
// appears exactly once. The state is captured when iteration starts.
func (s *Store) Projection() iter.Seq[Message] {
	return func(yield func(Message) bool) {
		s.mu.RLock()
		snapshot := slices.Clone(s.messages)
		for _, id := range s.streamOrder {
			if _, done := s.index[id]; done {
				continue
			}
			snapshot = append(snapshot, s.streaming[id].message())
		}
		s.mu.RUnlock()

		for _, msg := range snapshot {
			if !yield(msg) {
				return
			}
		}
	}
}

// Messages collects the projection into a slice.
func (s *Store) Messages() []Message {
	return slices.Collect(s.Projection())
}

// Len returns the number of finalized messages.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

func (s *Store) changed() {
	if s.onChange != nil {
		s.onChange()
	}
}
