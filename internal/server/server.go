// Package server exposes the session orchestrator over HTTP, with a
// WebSocket stream per session for live events.
package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/comigor/sessiond/internal/logger"
	"github.com/comigor/sessiond/internal/session"
)

// CreateSessionRequest is the body of POST /sessions.
type CreateSessionRequest struct {
	Name           string `json:"name"`
	InitialMessage string `json:"initial_message,omitempty"`
}

// SendMessageRequest is the body of POST /sessions/{id}/messages.
type SendMessageRequest struct {
	Message string `json:"message"`
}

// Server routes HTTP requests to the orchestrator.
type Server struct {
	orch     *session.Orchestrator
	upgrader websocket.Upgrader
}

// New creates a server over the orchestrator.
func New(orch *session.Orchestrator) *Server {
	return &Server{
		orch: orch,
		upgrader: websocket.Upgrader{
			// Browser frontends connect from other origins.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /sessions", s.handleCreateSession)
	mux.HandleFunc("GET /sessions", s.handleListSessions)
	mux.HandleFunc("GET /sessions/{id}", s.handleGetSession)
	mux.HandleFunc("DELETE /sessions/{id}", s.handleDeleteSession)
	mux.HandleFunc("POST /sessions/{id}/messages", s.handleSendMessage)
	mux.HandleFunc("GET /sessions/{id}/stream", s.handleStream)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	sum, err := s.orch.CreateSession(r.Context(), req.Name, req.InitialMessage)
	if err != nil {
		writeOrchestratorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sums, err := s.orch.ListSessions(r.Context())
	if err != nil {
		writeOrchestratorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sums)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.orch.GetSession(r.Context(), r.PathValue("id"))
	if err != nil {
		writeOrchestratorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.DeleteSession(r.Context(), r.PathValue("id")); err != nil {
		writeOrchestratorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if _, err := s.orch.PostMessage(r.Context(), id, req.Message); err != nil {
		writeOrchestratorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "message sent", "session_id": id})
}

// handleStream upgrades to a WebSocket and relays the session's event stream.
// The client may send {"type":"ping"} frames; the server answers with pongs.
// The subscription is released on any exit path.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.orch.GetSession(r.Context(), id); err != nil {
		writeOrchestratorError(w, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.L.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sub := s.orch.Subscribe(id)
	defer s.orch.Unsubscribe(sub)

	pongs := make(chan struct{}, 4)
	done := make(chan struct{})

	// Read pump: detects disconnects and answers keep-alive pings.
	go func() {
		defer close(done)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var frame struct {
				Type string `json:"type"`
			}
			if err := json.Unmarshal(data, &frame); err == nil && frame.Type == "ping" {
				select {
				case pongs <- struct{}{}:
				default:
				}
			}
		}
	}()

	for {
		select {
		case env, ok := <-sub.C():
			if !ok {
				return
			}
			if err := conn.WriteJSON(env); err != nil {
				logger.L.Debug("websocket write failed", "session_id", id, "error", err)
				return
			}
		case <-pongs:
			if err := conn.WriteJSON(map[string]string{"type": "pong"}); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.L.Error("write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func writeOrchestratorError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, session.ErrNotFound):
		writeError(w, http.StatusNotFound, "Session not found")
	default:
		logger.L.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
