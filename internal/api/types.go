package api

import (
	"strconv"
	"time"

	"github.com/omochice/moon-chat/internal/chat"
	"github.com/omochice/moon-chat/pkg/protocol"
)

// Health is the backend health report.
type Health struct {
	Status    string `json:"status"`
	Service   string `json:"service,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Version   string `json:"version"`
}

// StoredMessage is a persisted chat message as served by the history
// endpoint.
type StoredMessage struct {
	ID        int64  `json:"id"`
	Sender    string `json:"sender"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
}

// Message converts the record to the chat model. Numeric ids are
// stringified and any sender other than "assistant" or "ai" is treated
// as the user.
func (m StoredMessage) Message() chat.Message {
	sender := protocol.SenderUser
	if m.Sender == "assistant" || m.Sender == string(protocol.SenderAI) {
		sender = protocol.SenderAI
	}
	ts, _ := protocol.ParseTimestamp(m.Timestamp)
	return chat.Message{
		ID:        strconv.FormatInt(m.ID, 10),
		Sender:    sender,
		Content:   m.Content,
		Timestamp: ts,
	}
}

// NodeType distinguishes files from folders.
type NodeType string

const (
	NodeFile   NodeType = "file"
	NodeFolder NodeType = "folder"
)

// FileNode is one entry of a workspace directory listing.
type FileNode struct {
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	Type      NodeType  `json:"type"`
	Size      *int64    `json:"size,omitempty"`
	Modified  time.Time `json:"modified"`
	Extension string    `json:"extension,omitempty"`
}

// IsDir reports whether the node is a folder.
func (n FileNode) IsDir() bool { return n.Type == NodeFolder }

// FileContent is the text of a workspace file.
type FileContent struct {
	Path     string `json:"path"`
	Content  string `json:"content"`
	Encoding string `json:"encoding"`
	Size     int64  `json:"size"`
}

// DeleteResult reports the outcome of a delete.
type DeleteResult struct {
	Success bool   `json:"success"`
	Path    string `json:"path"`
	Message string `json:"message"`
}

// CreateRequest is the body of a file or folder creation.
type CreateRequest struct {
	Path    string   `json:"path"`
	Type    NodeType `json:"type"`
	Content string   `json:"content,omitempty"`
}

// ErrorBody is the JSON error payload returned by the backend.
type ErrorBody struct {
	Detail string `json:"detail"`
}
