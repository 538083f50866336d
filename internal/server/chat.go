package server

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/omochice/moon-chat/internal/chat"
	"github.com/omochice/moon-chat/internal/metrics"
	"github.com/omochice/moon-chat/pkg/protocol"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Responder produces the assistant reply to a user message as a sequence
// of tokens. Joining the tokens gives the full reply.
type Responder interface {
	Reply(ctx context.Context, content string) []string
}

// EchoResponder answers with the user's own words.
type EchoResponder struct{}

// Reply implements Responder.
func (EchoResponder) Reply(_ context.Context, content string) []string {
	return strings.SplitAfter("You said: "+content, " ")
}

type inboundMessage struct {
	Type      string  `json:"type"`
	Content   string  `json:"content"`
	Timestamp string  `json:"timestamp"`
	LastComID *string `json:"last_com_id"`
}

type connectionFrame struct {
	Type      string `json:"type"`
	Status    string `json:"status"`
	ClientID  string `json:"client_id"`
	Timestamp string `json:"timestamp"`
	Message   string `json:"message"`
}

type streamFrame struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id"`
	Token     string `json:"token,omitempty"`
	Content   string `json:"content,omitempty"`
	UserComID string `json:"user_com_id,omitempty"`
	AIComID   string `json:"ai_com_id,omitempty"`
}

type errorFrame struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// messageFrame announces a message saved through the REST API.
type messageFrame struct {
	Type      string `json:"type"`
	Sender    string `json:"sender"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
}

// ChatHandler speaks the chat protocol with one websocket client at a time:
// it greets the client, then answers every message with a streamed reply.
type ChatHandler struct {
	hub       *chat.Hub
	store     *MessageStore
	responder Responder
	limit     rate.Limit
	logger    zerolog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

// NewChatHandler creates a handler. store may be nil, in which case
// nothing is persisted and no correlation ids are sent. tokenRate is in
// tokens per second; zero or less streams without pacing.
func NewChatHandler(hub *chat.Hub, store *MessageStore, responder Responder, tokenRate float64, logger zerolog.Logger, m *metrics.Metrics) *ChatHandler {
	limit := rate.Inf
	if tokenRate > 0 {
		limit = rate.Limit(tokenRate)
	}
	if responder == nil {
		responder = EchoResponder{}
	}
	return &ChatHandler{
		hub:       hub,
		store:     store,
		responder: responder,
		limit:     limit,
		logger:    logger,
		metrics:   m,
		now:       time.Now,
	}
}

// Serve runs the protocol for client until its connection fails or ctx
// is done.
func (h *ChatHandler) Serve(ctx context.Context, client *chat.Client) {
	log := h.logger.With().Str("client_id", client.ID).Logger()

	err := h.send(ctx, client, connectionFrame{
		Type:      protocol.TypeConnection,
		Status:    "connected",
		ClientID:  client.ID,
		Timestamp: h.timestamp(),
		Message:   "Connected to Moon-AI WebSocket server",
	})
	if err != nil {
		return
	}

	for {
		data, err := client.Conn.Read(ctx)
		if err != nil {
			log.Debug().Err(err).Msg("Read loop ended")
			return
		}

		var in inboundMessage
		if err := json.Unmarshal(data, &in); err != nil {
			log.Warn().Str("data", string(data)).Msg("Invalid JSON from client")
			if err := h.sendError(ctx, client, "Invalid JSON format"); err != nil {
				return
			}
			continue
		}
		if in.Type != protocol.TypeMessage {
			if err := h.sendError(ctx, client, fmt.Sprintf("Unsupported message type: %q", in.Type)); err != nil {
				return
			}
			continue
		}

		if err := h.reply(ctx, client, in); err != nil {
			log.Warn().Err(err).Msg("Reply aborted")
			return
		}
	}
}

func (h *ChatHandler) reply(ctx context.Context, client *chat.Client, in inboundMessage) error {
	var initiator string
	if in.LastComID != nil {
		initiator = *in.LastComID
	}

	var userComID string
	if h.store != nil {
		rec, err := h.store.Save(ctx, "user", in.Content, initiator)
		if err != nil {
			h.logger.Error().Err(err).Msg("Failed to save user message")
		} else {
			userComID = rec.ComID
		}
	}

	messageID := uuid.NewString()
	if err := h.send(ctx, client, streamFrame{
		Type:      protocol.TypeStreamStart,
		MessageID: messageID,
		UserComID: userComID,
	}); err != nil {
		return err
	}

	tokens := h.responder.Reply(ctx, in.Content)
	limiter := rate.NewLimiter(h.limit, 1)
	for _, token := range tokens {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
		if err := h.send(ctx, client, streamFrame{
			Type:      protocol.TypeStreamToken,
			MessageID: messageID,
			Token:     token,
		}); err != nil {
			return err
		}
		if h.metrics != nil {
			h.metrics.StreamedTokens.Inc()
		}
	}
	content := strings.Join(tokens, "")

	var aiComID string
	if h.store != nil && userComID != "" {
		rec, err := h.store.Save(ctx, "assistant", content, userComID)
		if err != nil {
			h.logger.Error().Err(err).Msg("Failed to save assistant message")
		} else {
			aiComID = rec.ComID
		}
	}

	return h.send(ctx, client, streamFrame{
		Type:      protocol.TypeStreamEnd,
		MessageID: messageID,
		Content:   content,
		AIComID:   aiComID,
	})
}

func (h *ChatHandler) sendError(ctx context.Context, client *chat.Client, message string) error {
	return h.send(ctx, client, errorFrame{
		Type:      protocol.TypeError,
		Message:   message,
		Timestamp: h.timestamp(),
	})
}

func (h *ChatHandler) send(ctx context.Context, client *chat.Client, frame any) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("failed to encode frame: %w", err)
	}
	return h.hub.Send(ctx, client.ID, data)
}

func (h *ChatHandler) timestamp() string {
	return h.now().UTC().Format(time.RFC3339Nano)
}
