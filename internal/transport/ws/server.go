package ws

import (
	"bufio"
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/google/uuid"
	"github.com/omochice/moon-chat/internal/chat"
	"github.com/omochice/moon-chat/internal/metrics"
	"github.com/rs/zerolog"
)

// ServeFunc runs the chat protocol for one client. It returns when the
// client is gone or ctx is done.
type ServeFunc func(ctx context.Context, client *chat.Client)

// Server upgrades HTTP requests to websocket clients, registers them on
// the Hub and delegates each one to a ServeFunc.
type Server struct {
	hub     *chat.Hub
	serve   ServeFunc
	logger  zerolog.Logger
	metrics *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a websocket Server that uses the provided Hub.
func New(hub *chat.Hub, serve ServeFunc, logger zerolog.Logger, m *metrics.Metrics) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		hub:     hub,
		serve:   serve,
		logger:  logger,
		metrics: m,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, rw, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("Failed to upgrade connection")
		return
	}

	var br *bufio.Reader
	if rw != nil {
		br = rw.Reader
	}
	client := chat.NewClient(uuid.NewString(), NewConn(conn, br, r.RemoteAddr), 64)

	s.hub.Register(client)
	if s.metrics != nil {
		s.metrics.ActiveClients.Inc()
	}
	s.logger.Info().Str("client_id", client.ID).Int("clients", s.hub.ClientCount()).Msg("Client connected")

	s.wg.Add(2)
	go s.handleClient(client)
	go s.writeLoop(client)
}

// Shutdown closes every client connection and waits for their goroutines.
func (s *Server) Shutdown() {
	s.cancel()
	s.hub.CloseAll()
	s.wg.Wait()
}

func (s *Server) handleClient(client *chat.Client) {
	defer s.wg.Done()
	defer func() {
		s.hub.Unregister(client)
		client.Conn.Close()
		if s.metrics != nil {
			s.metrics.ActiveClients.Dec()
		}
		s.logger.Info().Str("client_id", client.ID).Int("clients", s.hub.ClientCount()).Msg("Client disconnected")
	}()
	s.serve(s.ctx, client)
}

func (s *Server) writeLoop(client *chat.Client) {
	defer s.wg.Done()
	for {
		select {
		case data := <-client.Outgoing:
			ctx, cancel := context.WithTimeout(s.ctx, 10*time.Second)
			err := client.Conn.Write(ctx, data)
			cancel()
			if err != nil {
				s.logger.Warn().Err(err).Str("client_id", client.ID).Msg("Failed to write to WebSocket client")
				client.Conn.Close()
				return
			}
		case <-client.Done():
			return
		}
	}
}
