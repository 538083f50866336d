// Package chat holds the chat domain shared by the client and the dev server:
// the connection abstraction, the message model and the reconciliation store.
package chat

import "context"

// Conn abstracts a bidirectional frame connection.
// The client connection manager dials one and the dev server accepts them.
type Conn interface {
	// Read reads a single text frame.
	// Returns io.EOF when connection is closed.
	Read(ctx context.Context) ([]byte, error)

	// Write sends a single text frame.
	Write(ctx context.Context, data []byte) error

	// Close closes the connection.
	Close() error

	// RemoteAddr returns the remote address for logging.
	RemoteAddr() string
}
