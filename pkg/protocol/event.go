package protocol

import "time"

// Kind identifies the variant of a decoded Event.
type Kind int

const (
	KindConnection Kind = iota
	KindStreamStart
	KindStreamToken
	KindStreamEnd
	KindMessage
	KindError
)

// String returns the string representation of Kind
func (k Kind) String() string {
	switch k {
	case KindConnection:
		return "CONNECTION"
	case KindStreamStart:
		return "STREAM_START"
	case KindStreamToken:
		return "STREAM_TOKEN"
	case KindStreamEnd:
		return "STREAM_END"
	case KindMessage:
		return "MESSAGE"
	case KindError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Event is a decoded inbound frame.
type Event interface {
	Kind() Kind
}

// ConnectionAck is the informational greeting sent after the socket opens.
type ConnectionAck struct {
	Message string
}

// StreamStart announces a new streamed assistant reply.
type StreamStart struct {
	MessageID string
	UserComID string
}

// StreamToken carries one chunk of a streamed reply.
type StreamToken struct {
	MessageID string
	Token     string
}

// StreamEnd finalizes a streamed reply. Content may be empty, in which case
// the accumulated tokens stand.
type StreamEnd struct {
	MessageID string
	Content   string
	AIComID   string
}

// FinalMessage is a complete message delivered in a single frame.
type FinalMessage struct {
	ID        string
	Sender    Sender
	Content   string
	Timestamp time.Time
}

// ProtocolError is an application error reported by the server. The
// connection stays open.
type ProtocolError struct {
	Message string
}

func (ConnectionAck) Kind() Kind { return KindConnection }
func (StreamStart) Kind() Kind   { return KindStreamStart }
func (StreamToken) Kind() Kind   { return KindStreamToken }
func (StreamEnd) Kind() Kind     { return KindStreamEnd }
func (FinalMessage) Kind() Kind  { return KindMessage }
func (ProtocolError) Kind() Kind { return KindError }
