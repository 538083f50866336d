package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"path"
	"strconv"
	"time"

	"github.com/omochice/moon-chat/internal/api"
	"github.com/omochice/moon-chat/internal/workspace"
	"github.com/omochice/moon-chat/pkg/protocol"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, api.ErrorBody{Detail: detail})
}

// statusOf maps file service errors to HTTP status codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrNotDir), errors.Is(err, ErrIsDir), errors.Is(err, ErrInvalid):
		return http.StatusBadRequest
	case errors.Is(err, ErrExists):
		return http.StatusConflict
	case errors.Is(err, ErrAccessDenied):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	if status == http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("path", r.URL.Path).Msg("Request failed")
	}
	writeError(w, status, err.Error())
}

// queryLimit parses the limit parameter, falling back to def when absent.
func queryLimit(r *http.Request, def, max int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > max {
		return 0, fmt.Errorf("limit must be an integer between 1 and %d", max)
	}
	return n, nil
}

func storedMessage(rec protocol.Record) api.StoredMessage {
	return api.StoredMessage{
		ID:        int64(rec.ID),
		Sender:    rec.Sender,
		Content:   rec.Content,
		Timestamp: rec.Timestamp.Format(time.RFC3339Nano),
	}
}

func storedMessages(recs []protocol.Record) []api.StoredMessage {
	out := make([]api.StoredMessage, len(recs))
	for i, rec := range recs {
		out[i] = storedMessage(rec)
	}
	return out
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, api.Health{
		Status:    "healthy",
		Service:   "moon-ai-backend",
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Version:   Version,
	})
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r, 100, 1000)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	recs, err := s.store.List(r.Context(), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, storedMessages(recs))
}

func (s *Server) handleRecentMessages(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r, 50, 100)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	recs, err := s.store.Recent(r.Context(), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, storedMessages(recs))
}

type createMessageRequest struct {
	Sender  string `json:"sender"`
	Content string `json:"content"`
}

// handleCreateMessage stores a message and announces it to every
// connected websocket client.
func (s *Server) handleCreateMessage(w http.ResponseWriter, r *http.Request) {
	var req createMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid request body")
		return
	}
	if req.Sender == "" || req.Content == "" {
		writeError(w, http.StatusUnprocessableEntity, "sender and content are required")
		return
	}

	rec, err := s.store.Save(r.Context(), req.Sender, req.Content, "")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	msg := storedMessage(rec)

	frame, err := json.Marshal(messageFrame{
		Type:      protocol.TypeMessage,
		Sender:    msg.Sender,
		Content:   msg.Content,
		Timestamp: msg.Timestamp,
	})
	if err == nil {
		n := s.hub.Broadcast(frame)
		s.logger.Debug().Int("clients", n).Msg("Broadcast stored message")
	}

	writeJSON(w, http.StatusOK, msg)
}

func (s *Server) handleClearMessages(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Clear(r.Context()); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	p := r.URL.Query().Get("path")
	if p == "" {
		p = "/"
	}
	nodes, err := s.files.List(p)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nodes)
}

func (s *Server) handleCreateFile(w http.ResponseWriter, r *http.Request) {
	var req api.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid request body")
		return
	}

	var (
		n   api.FileNode
		err error
	)
	switch req.Type {
	case api.NodeFile:
		n, err = s.files.CreateFile(req.Path, req.Content)
	case api.NodeFolder:
		n, err = s.files.CreateFolder(req.Path)
	default:
		writeError(w, http.StatusUnprocessableEntity, `type must be "file" or "folder"`)
		return
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	p := r.URL.Query().Get("path")
	if p == "" {
		writeError(w, http.StatusUnprocessableEntity, "path is required")
		return
	}
	res, err := s.files.Delete(p)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleFileContent returns text files as JSON and images as raw bytes.
func (s *Server) handleFileContent(w http.ResponseWriter, r *http.Request) {
	p := r.URL.Query().Get("path")
	if p == "" {
		writeError(w, http.StatusUnprocessableEntity, "path is required")
		return
	}

	if workspace.TypeOf(p) == workspace.TypeImage {
		data, err := s.files.ReadRaw(p)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		ct := mime.TypeByExtension(path.Ext(p))
		if ct == "" {
			ct = http.DetectContentType(data)
		}
		w.Header().Set("Content-Type", ct)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data)
		return
	}

	fc, err := s.files.Read(p)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, fc)
}
