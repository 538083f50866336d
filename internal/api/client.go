// Package api is the REST client for the chat backend: health, message
// history and the workspace file endpoints.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/omochice/moon-chat/internal/chat"
	"github.com/rs/zerolog"
)

// CodeConnection is the error code of a request that never reached the
// backend.
const CodeConnection = "CONNECTION_ERROR"

// Error is a failed request. Code is "HTTP_<status>" for error responses
// and CodeConnection when the backend was unreachable.
type Error struct {
	Status  int
	Code    string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches errors by code so callers can compare against ErrUnreachable.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// ErrUnreachable matches any request that failed to reach the backend.
var ErrUnreachable = &Error{
	Code:    CodeConnection,
	Message: "Cannot connect to backend. Make sure the server is running.",
}

// Client talks to the backend REST API. It is safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     zerolog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger sets the request logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// NewClient creates a client for baseURL, e.g. "http://localhost:8000".
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Health checks GET /api/v1/health.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var h Health
	err := c.do(ctx, http.MethodGet, "/api/v1/health", nil, nil, &h)
	return h, err
}

// Messages fetches up to limit stored messages, oldest first.
func (c *Client) Messages(ctx context.Context, limit int) ([]StoredMessage, error) {
	q := url.Values{"limit": {strconv.Itoa(limit)}}
	var msgs []StoredMessage
	if err := c.do(ctx, http.MethodGet, "/api/v1/messages", q, nil, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// History fetches stored messages converted to the chat model.
func (c *Client) History(ctx context.Context, limit int) ([]chat.Message, error) {
	stored, err := c.Messages(ctx, limit)
	if err != nil {
		return nil, err
	}
	out := make([]chat.Message, len(stored))
	for i, m := range stored {
		out[i] = m.Message()
	}
	return out, nil
}

// ListFiles lists the workspace directory at path.
func (c *Client) ListFiles(ctx context.Context, path string) ([]FileNode, error) {
	var nodes []FileNode
	if err := c.do(ctx, http.MethodGet, "/api/v1/files", url.Values{"path": {path}}, nil, &nodes); err != nil {
		return nil, err
	}
	return nodes, nil
}

// ReadFile returns the text content of the workspace file at path.
func (c *Client) ReadFile(ctx context.Context, path string) (FileContent, error) {
	var fc FileContent
	err := c.do(ctx, http.MethodGet, "/api/v1/files/content", url.Values{"path": {path}}, nil, &fc)
	return fc, err
}

// CreateFile creates a file with content, or a folder when kind is
// NodeFolder.
func (c *Client) CreateFile(ctx context.Context, path string, kind NodeType, content string) (FileNode, error) {
	var node FileNode
	body := CreateRequest{Path: path, Type: kind, Content: content}
	err := c.do(ctx, http.MethodPost, "/api/v1/files", nil, body, &node)
	return node, err
}

// DeleteFile removes the file or folder at path.
func (c *Client) DeleteFile(ctx context.Context, path string) (DeleteResult, error) {
	var res DeleteResult
	err := c.do(ctx, http.MethodDelete, "/api/v1/files", url.Values{"path": {path}}, nil, &res)
	return res, err
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Debug().Err(err).Str("method", method).Str("path", path).Msg("Backend unreachable")
		return &Error{Code: CodeConnection, Message: ErrUnreachable.Message, Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &Error{
			Status:  resp.StatusCode,
			Code:    "HTTP_" + strconv.Itoa(resp.StatusCode),
			Message: fmt.Sprintf("HTTP %d: %s", resp.StatusCode, http.StatusText(resp.StatusCode)),
		}
		var eb ErrorBody
		if data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10)); err == nil && json.Unmarshal(data, &eb) == nil && eb.Detail != "" {
			apiErr.Cause = errors.New(eb.Detail)
		}
		c.logger.Debug().Int("status", resp.StatusCode).Str("method", method).Str("path", path).Msg("Backend request failed")
		return apiErr
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
