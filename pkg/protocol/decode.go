package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrMalformed reports a payload that is not a JSON object.
	ErrMalformed = errors.New("malformed frame")
	// ErrMissingType reports a frame without a type discriminator.
	ErrMissingType = errors.New("missing frame type")
	// ErrUnknownType reports a discriminator this client does not handle.
	ErrUnknownType = errors.New("unknown frame type")
	// ErrMissingField reports a frame lacking a field its type requires.
	ErrMissingField = errors.New("missing required field")
)

// DecodeError describes an inbound frame that could not be decoded.
type DecodeError struct {
	Type string
	Err  error
}

func (e *DecodeError) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("failed to decode frame: %v", e.Err)
	}
	return fmt.Sprintf("failed to decode %q frame: %v", e.Type, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// text is a frame field that tolerates lenient servers: numbers and
// booleans keep their literal form, objects, arrays and null become "".
type text string

func (t *text) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*t = text(s)
		return nil
	}
	switch data[0] {
	case '{', '[', 'n':
		*t = ""
	default:
		*t = text(data)
	}
	return nil
}

type inbound struct {
	Type            text            `json:"type"`
	Message         text            `json:"message"`
	MessageID       text            `json:"message_id"`
	UserComID       text            `json:"user_com_id"`
	AIComID         text            `json:"ai_com_id"`
	Token           text            `json:"token"`
	Content         text            `json:"content"`
	ServerMessage   text            `json:"server_message"`
	OriginalMessage json.RawMessage `json:"original_message"`
	Sender          text            `json:"sender"`
	Timestamp       text            `json:"timestamp"`
}

// originalContent returns original_message.content when original_message
// is an object.
func (in inbound) originalContent() string {
	var orig struct {
		Content text `json:"content"`
	}
	if len(in.OriginalMessage) == 0 || json.Unmarshal(in.OriginalMessage, &orig) != nil {
		return ""
	}
	return string(orig.Content)
}

// Decoder maps raw frames to events. Now and NewID supply the fallbacks used
// when a message frame carries no timestamp.
type Decoder struct {
	Now   func() time.Time
	NewID func() string
}

var defaultDecoder = Decoder{
	Now:   time.Now,
	NewID: uuid.NewString,
}

// Decode decodes a frame with the default decoder.
func Decode(raw []byte) (Event, error) {
	return defaultDecoder.Decode(raw)
}

// Decode parses raw into an Event. It holds no state between calls.
func (d Decoder) Decode(raw []byte) (Event, error) {
	var in inbound
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, &DecodeError{Err: fmt.Errorf("%w: %v", ErrMalformed, err)}
	}
	if in.Type == "" {
		return nil, &DecodeError{Err: ErrMissingType}
	}

	typ := string(in.Type)
	switch typ {
	case TypeConnection:
		return ConnectionAck{Message: string(in.Message)}, nil
	case TypeStreamStart, TypeStreamToken, TypeStreamEnd:
		id := string(in.MessageID)
		if id == "" {
			return nil, &DecodeError{Type: typ, Err: fmt.Errorf("%w: message_id", ErrMissingField)}
		}
		switch typ {
		case TypeStreamStart:
			return StreamStart{MessageID: id, UserComID: string(in.UserComID)}, nil
		case TypeStreamToken:
			return StreamToken{MessageID: id, Token: string(in.Token)}, nil
		default:
			return StreamEnd{MessageID: id, Content: string(in.Content), AIComID: string(in.AIComID)}, nil
		}
	case TypeMessage, TypeEcho:
		return d.finalMessage(in), nil
	case TypeError:
		return ProtocolError{Message: string(in.Message)}, nil
	default:
		return nil, &DecodeError{Type: typ, Err: ErrUnknownType}
	}
}

func (d Decoder) finalMessage(in inbound) FinalMessage {
	content := string(in.Content)
	if content == "" {
		content = string(in.ServerMessage)
	}
	if content == "" {
		content = in.originalContent()
	}

	id := string(in.Timestamp)
	if id == "" {
		id = d.newID()
	}

	return FinalMessage{
		ID:        id,
		Sender:    NormalizeSender(string(in.Sender)),
		Content:   content,
		Timestamp: d.parseTime(string(in.Timestamp)),
	}
}

func (d Decoder) newID() string {
	if d.NewID == nil {
		return uuid.NewString()
	}
	return d.NewID()
}

func (d Decoder) now() time.Time {
	if d.Now == nil {
		return time.Now()
	}
	return d.Now()
}

// timestampLayouts covers RFC 3339 and the zone-less ISO form some servers emit.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
}

// ParseTimestamp parses an ISO 8601 timestamp. Zone-less values are UTC.
func ParseTimestamp(s string) (time.Time, bool) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func (d Decoder) parseTime(s string) time.Time {
	if s != "" {
		if t, ok := ParseTimestamp(s); ok {
			return t
		}
	}
	return d.now()
}
