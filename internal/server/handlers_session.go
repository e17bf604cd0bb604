package server

import (
	"net/http"
	"time"

	"github.com/sandboxrun/sandboxd/internal/session"
)

type sessionCreateRequest struct {
	ID        string            `json:"id"`
	Env       map[string]string `json:"env"`
	Cwd       string            `json:"cwd"`
	Isolation bool              `json:"isolation"`
}

type sessionCreateResponse struct {
	Success bool   `json:"success"`
	ID      string `json:"id"`
	Message string `json:"message"`
}

func (s *Server) handleSessionCreate(w http.ResponseWriter, r *http.Request) {
	var req sessionCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	sess, err := s.sessions.CreateSession(session.Options{
		ID:        req.ID,
		Cwd:       req.Cwd,
		Env:       req.Env,
		Isolation: req.Isolation,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, sessionCreateResponse{Success: true, ID: sess.ID, Message: "session created"})
}

type sessionSummary struct {
	ID  string `json:"id"`
	Cwd string `json:"cwd"`
}

type sessionListResponse struct {
	Count     int              `json:"count"`
	Sessions  []sessionSummary `json:"sessions"`
	Timestamp time.Time        `json:"timestamp"`
}

func (s *Server) handleSessionList(w http.ResponseWriter, r *http.Request) {
	sessions := s.sessions.ListSessions()
	summaries := make([]sessionSummary, 0, len(sessions))
	for _, sess := range sessions {
		summaries = append(summaries, sessionSummary{ID: sess.ID, Cwd: sess.Cwd})
	}
	writeJSON(w, sessionListResponse{Count: len(summaries), Sessions: summaries, Timestamp: time.Now()})
}
