// Package server is the development backend: the chat websocket, the
// message history and the workspace file API.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/omochice/moon-chat/internal/chat"
	"github.com/omochice/moon-chat/internal/metrics"
	"github.com/omochice/moon-chat/internal/transport/ws"
	"github.com/rs/zerolog"
)

// Version is reported by the health endpoint.
const Version = "0.1.0"

// Options configures a Server.
type Options struct {
	Addr      string
	DBPath    string
	Workspace string
	// TokenRate paces streamed replies in tokens per second. Zero or less
	// disables pacing.
	TokenRate float64
	Responder Responder

	Logger  zerolog.Logger
	Metrics *metrics.Metrics
}

// Server represents the development HTTP server
type Server struct {
	opts    Options
	logger  zerolog.Logger
	metrics *metrics.Metrics

	hub   *chat.Hub
	store *MessageStore
	files *FileService
	ws    *ws.Server

	mu       sync.Mutex
	listener net.Listener
	http     *http.Server
}

// New opens the message store and the workspace and builds the routes.
func New(opts Options) (*Server, error) {
	if opts.DBPath == "" {
		return nil, errors.New("db path is required")
	}
	if opts.Workspace == "" {
		return nil, errors.New("workspace dir is required")
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}

	store, err := OpenMessageStore(opts.DBPath)
	if err != nil {
		return nil, err
	}
	files, err := OpenFileService(opts.Workspace)
	if err != nil {
		store.Close()
		return nil, err
	}

	s := &Server{
		opts:    opts,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		hub:     chat.NewHub(),
		store:   store,
		files:   files,
	}
	handler := NewChatHandler(s.hub, store, opts.Responder, opts.TokenRate, opts.Logger, opts.Metrics)
	s.ws = ws.New(s.hub, handler.Serve, opts.Logger, opts.Metrics)
	return s, nil
}

// Handler returns the HTTP handler serving every route.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/ws", s.ws)
	mux.HandleFunc("GET /api/v1/health", s.handleHealth)
	mux.HandleFunc("GET /api/v1/messages", s.handleListMessages)
	mux.HandleFunc("GET /api/v1/messages/recent", s.handleRecentMessages)
	mux.HandleFunc("POST /api/v1/messages", s.handleCreateMessage)
	mux.HandleFunc("DELETE /api/v1/messages", s.handleClearMessages)
	mux.HandleFunc("GET /api/v1/files", s.handleListFiles)
	mux.HandleFunc("POST /api/v1/files", s.handleCreateFile)
	mux.HandleFunc("DELETE /api/v1/files", s.handleDeleteFile)
	mux.HandleFunc("GET /api/v1/files/content", s.handleFileContent)
	mux.Handle("GET /metrics", s.metrics.Handler())
	return s.logRequests(mux)
}

// Listen binds the configured address.
func (s *Server) Listen() error {
	listener, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}

	s.mu.Lock()
	s.listener = listener
	s.http = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Unlock()

	s.logger.Info().Str("addr", listener.Addr().String()).Msg("Server started")
	return nil
}

// Start listens and serves until Stop is called.
func (s *Server) Start() error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve()
}

// Serve accepts connections on the bound listener until Stop is called.
func (s *Server) Serve() error {
	s.mu.Lock()
	srv, listener := s.http, s.listener
	s.mu.Unlock()
	if srv == nil {
		return errors.New("server is not listening")
	}

	if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to serve: %w", err)
	}
	return nil
}

// Stop stops the server and closes the store and the workspace.
func (s *Server) Stop() {
	s.mu.Lock()
	srv := s.http
	s.mu.Unlock()

	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := srv.Shutdown(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("HTTP shutdown incomplete")
		}
		cancel()
	}
	s.ws.Shutdown()

	if err := s.store.Close(); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to close message store")
	}
	if err := s.files.Close(); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to close workspace")
	}
	s.logger.Info().Msg("Server stopped")
}

// Addr returns the server's listening address
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// ClientCount returns the number of connected websocket clients
func (s *Server) ClientCount() int {
	return s.hub.ClientCount()
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("elapsed", time.Since(start)).
			Msg("Request served")
	})
}
