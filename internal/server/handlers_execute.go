package server

import (
	"net/http"

	"github.com/sandboxrun/sandboxd/internal/apierrors"
	"github.com/sandboxrun/sandboxd/internal/ipc"
	"github.com/sandboxrun/sandboxd/internal/process"
)

type executeRequest struct {
	Command    string            `json:"command"`
	SessionID  string            `json:"sessionId"`
	Cwd        string            `json:"cwd"`
	Env        map[string]string `json:"env"`
	Background bool              `json:"background"`
}

// handleExecute implements `/api/execute`: a foreground exec returning
// ExecResult, or a background start returning ProcessStartResult per
// spec.md §6's `background` flag.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Command == "" {
		writeError(w, apierrors.New(apierrors.InvalidCommand, "command is required", nil))
		return
	}

	sess, err := s.sessionOrDefault(req.SessionID)
	if err != nil {
		writeError(w, err)
		return
	}

	cwd := req.Cwd
	if cwd == "" {
		cwd = sess.Cwd
	}

	if req.Background {
		snap, err := sess.Processes.StartProcess(r.Context(), req.Command, process.Options{Cwd: cwd, Env: req.Env})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]any{"process": snap})
		return
	}

	result, err := sess.ExecCommand(r.Context(), req.Command, cwd)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, result)
}

// handleExecuteStream implements `/api/execute/stream`: an SSE relay of
// Session.ExecStream's ExecEvent channel.
func (s *Server) handleExecuteStream(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Command == "" {
		writeError(w, apierrors.New(apierrors.InvalidCommand, "command is required", nil))
		return
	}

	sess, err := s.sessionOrDefault(req.SessionID)
	if err != nil {
		writeError(w, err)
		return
	}

	cwd := req.Cwd
	if cwd == "" {
		cwd = sess.Cwd
	}

	events, err := sess.ExecStream(r.Context(), req.Command, cwd)
	if err != nil {
		writeError(w, err)
		return
	}

	sse, ok := newSSEWriter(w)
	if !ok {
		writeError(w, apierrors.New(apierrors.Unknown, "streaming unsupported by response writer", nil))
		return
	}

	for evt := range events {
		sse.send(evt)
		if evt.Type == ipc.EventComplete || evt.Type == ipc.EventError {
			return
		}
	}
}

type codeExecuteRequest struct {
	ContextID string `json:"context_id"`
	Code      string `json:"code"`
	Language  string `json:"language"`
}

// handleExecuteCode implements `/api/execute/code`: an SSE relay of the
// interpreter pool's Event channel.
func (s *Server) handleExecuteCode(w http.ResponseWriter, r *http.Request) {
	var req codeExecuteRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	events, err := s.interpreter.ExecuteCode(r.Context(), req.ContextID, req.Code, req.Language)
	if err != nil {
		writeError(w, err)
		return
	}

	sse, ok := newSSEWriter(w)
	if !ok {
		writeError(w, apierrors.New(apierrors.Unknown, "streaming unsupported by response writer", nil))
		return
	}
	for evt := range events {
		sse.send(evt)
	}
}
