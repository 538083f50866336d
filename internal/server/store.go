package server

import (
	"context"
	"encoding/binary"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/omochice/moon-chat/pkg/protocol"
	bolt "go.etcd.io/bbolt"
)

var messagesBucket = []byte("messages")

// MessageStore persists chat records in a bbolt file, keyed by an
// increasing sequence so iteration order is insertion order.
type MessageStore struct {
	db  *bolt.DB
	now func() time.Time
}

// OpenMessageStore opens or creates the database at path.
func OpenMessageStore(path string) (*MessageStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(messagesBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create messages bucket: %w", err)
	}
	return &MessageStore{db: db, now: time.Now}, nil
}

// Close closes the database.
func (s *MessageStore) Close() error {
	return s.db.Close()
}

// Save stores a new message and assigns its id, timestamp and com id.
// initiator is the com id of the message it follows, if any.
func (s *MessageStore) Save(_ context.Context, sender, content, initiator string) (protocol.Record, error) {
	rec := protocol.Record{
		Sender:         sender,
		Content:        content,
		Timestamp:      s.now().UTC(),
		ComID:          uuid.NewString(),
		InitiatorComID: initiator,
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(messagesBucket)
		seq, err := b.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to get next sequence: %w", err)
		}
		rec.ID = seq

		v, err := rec.Encode()
		if err != nil {
			return err
		}
		return b.Put(sequenceKey(seq), v)
	})
	if err != nil {
		return protocol.Record{}, err
	}
	return rec, nil
}

// List returns up to limit messages, oldest first.
func (s *MessageStore) List(_ context.Context, limit int) ([]protocol.Record, error) {
	var out []protocol.Record
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(messagesBucket).Cursor()
		for k, v := c.First(); k != nil && len(out) < limit; k, v = c.Next() {
			var rec protocol.Record
			if err := rec.Decode(v); err != nil {
				return err
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Recent returns the last limit messages, oldest first.
func (s *MessageStore) Recent(_ context.Context, limit int) ([]protocol.Record, error) {
	var out []protocol.Record
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(messagesBucket).Cursor()
		for k, v := c.Last(); k != nil && len(out) < limit; k, v = c.Prev() {
			var rec protocol.Record
			if err := rec.Decode(v); err != nil {
				return err
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	slices.Reverse(out)
	return out, nil
}

// Clear deletes every stored message.
func (s *MessageStore) Clear(_ context.Context) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(messagesBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucket(messagesBucket)
		return err
	})
}

func sequenceKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}
