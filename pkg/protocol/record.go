package protocol

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// Record is the stored form of a chat message. It is encoded with the
// protobuf wire format so stored history stays compatible as fields are added.
type Record struct {
	ID        uint64
	Sender    string
	Content   string
	Timestamp time.Time
	ComID     string
	// InitiatorComID links the record to the one it replies to.
	InitiatorComID string
}

const (
	recordFieldID        protowire.Number = 1
	recordFieldSender    protowire.Number = 2
	recordFieldContent   protowire.Number = 3
	recordFieldTimestamp protowire.Number = 4
	recordFieldComID     protowire.Number = 5
	recordFieldInitiator protowire.Number = 6
)

// Encode encodes the record into bytes using the protobuf wire format
func (r *Record) Encode() ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, recordFieldID, protowire.VarintType)
	b = protowire.AppendVarint(b, r.ID)
	b = protowire.AppendTag(b, recordFieldSender, protowire.BytesType)
	b = protowire.AppendString(b, r.Sender)
	b = protowire.AppendTag(b, recordFieldContent, protowire.BytesType)
	b = protowire.AppendString(b, r.Content)
	b = protowire.AppendTag(b, recordFieldTimestamp, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(r.Timestamp.UnixNano()))
	if r.ComID != "" {
		b = protowire.AppendTag(b, recordFieldComID, protowire.BytesType)
		b = protowire.AppendString(b, r.ComID)
	}
	if r.InitiatorComID != "" {
		b = protowire.AppendTag(b, recordFieldInitiator, protowire.BytesType)
		b = protowire.AppendString(b, r.InitiatorComID)
	}
	return b, nil
}

// Decode decodes bytes into the record. Unknown fields are skipped.
func (r *Record) Decode(data []byte) error {
	*r = Record{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("failed to decode record: %w", protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case num == recordFieldID && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return fmt.Errorf("failed to decode record id: %w", protowire.ParseError(n))
			}
			r.ID = v
			data = data[n:]
		case num == recordFieldTimestamp && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return fmt.Errorf("failed to decode record timestamp: %w", protowire.ParseError(n))
			}
			r.Timestamp = time.Unix(0, protowire.DecodeZigZag(v)).UTC()
			data = data[n:]
		case typ == protowire.BytesType && isStringField(num):
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return fmt.Errorf("failed to decode record field %d: %w", num, protowire.ParseError(n))
			}
			switch num {
			case recordFieldSender:
				r.Sender = v
			case recordFieldContent:
				r.Content = v
			case recordFieldComID:
				r.ComID = v
			default:
				r.InitiatorComID = v
			}
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return fmt.Errorf("failed to skip record field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	return nil
}

func isStringField(num protowire.Number) bool {
	switch num {
	case recordFieldSender, recordFieldContent, recordFieldComID, recordFieldInitiator:
		return true
	}
	return false
}
