package chat

import (
	"strings"
	"time"

	"github.com/omochice/moon-chat/pkg/protocol"
)

// Message is a chat entry as shown to the user.
type Message struct {
	ID        string
	Sender    protocol.Sender
	Content   string
	Timestamp time.Time

	// IsStreaming is true only for in-flight replies in a projection; stored
	// messages never carry it.
	IsStreaming bool
	// Failed marks a user message whose send did not reach the server.
	Failed bool
}

// StreamingMessage is an assistant reply still receiving tokens.
type StreamingMessage struct {
	MessageID string
	Timestamp time.Time
	content   strings.Builder
}

// Content returns the tokens received so far, in arrival order.
func (s *StreamingMessage) Content() string {
	return s.content.String()
}

func (s *StreamingMessage) append(token string) {
	s.content.WriteString(token)
}

func (s *StreamingMessage) message() Message {
	return Message{
		ID:          s.MessageID,
		Sender:      protocol.SenderAI,
		Content:     s.content.String(),
		Timestamp:   s.Timestamp,
		IsStreaming: true,
	}
}
