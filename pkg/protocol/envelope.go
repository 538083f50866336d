// Package protocol defines the JSON frames exchanged with the chat backend
// over the persistent websocket connection.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Frame type discriminators.
const (
	TypeConnection  = "connection"
	TypeStreamStart = "stream_start"
	TypeStreamToken = "stream_token"
	TypeStreamEnd   = "stream_end"
	TypeMessage     = "message"
	TypeEcho        = "echo"
	TypeError       = "error"
)

// Sender is the canonical author role of a message.
type Sender string

const (
	SenderUser Sender = "user"
	SenderAI   Sender = "ai"
)

// NormalizeSender maps a raw sender value to its canonical role.
// "assistant" becomes ai, an empty value defaults to ai and anything else
// is passed through unchanged.
func NormalizeSender(raw string) Sender {
	switch raw {
	case "", "assistant":
		return SenderAI
	default:
		return Sender(raw)
	}
}

// isoMillis matches the millisecond precision UTC form browsers emit.
const isoMillis = "2006-01-02T15:04:05.000Z"

// Outbound is a user message sent to the server.
type Outbound struct {
	Type      string  `json:"type"`
	Content   string  `json:"content"`
	Timestamp string  `json:"timestamp"`
	LastComID *string `json:"last_com_id"`
}

// NewOutbound builds a message frame. An empty lastComID is sent as null.
func NewOutbound(content, lastComID string, now time.Time) Outbound {
	o := Outbound{
		Type:      TypeMessage,
		Content:   content,
		Timestamp: now.UTC().Format(isoMillis),
	}
	if lastComID != "" {
		o.LastComID = &lastComID
	}
	return o
}

// Encode encodes the frame as JSON text.
func (o *Outbound) Encode() ([]byte, error) {
	data, err := json.Marshal(o)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	return data, nil
}
