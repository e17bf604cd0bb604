package server

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/sandboxrun/sandboxd/internal/apierrors"
	"github.com/sandboxrun/sandboxd/internal/process"
)

type processStartRequest struct {
	Command   string          `json:"command"`
	SessionID string          `json:"sessionId"`
	Options   processStartOpt `json:"options"`
}

type processStartOpt struct {
	Cwd       string            `json:"cwd"`
	Env       map[string]string `json:"env"`
	TimeoutMS int64             `json:"timeout"`
	Encoding  string            `json:"encoding"`
	AutoClean bool              `json:"autoClean"`
}

func (s *Server) handleProcessStart(w http.ResponseWriter, r *http.Request) {
	var req processStartRequest
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

	snap, err := sess.Processes.StartProcess(r.Context(), req.Command, process.Options{
		Cwd:       req.Options.Cwd,
		Env:       req.Options.Env,
		Timeout:   time.Duration(req.Options.TimeoutMS) * time.Millisecond,
		Encoding:  req.Options.Encoding,
		AutoClean: req.Options.AutoClean,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]any{"process": snap})
}

func (s *Server) handleProcessList(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session")
	sess, err := s.sessionOrDefault(sessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	snaps := sess.Processes.ListProcesses(r.Context())
	writeJSON(w, map[string]any{"processes": snaps, "count": len(snaps), "timestamp": time.Now()})
}

// findProcess locates the process id across every session, the way
// spec.md §6's bare `/api/process/<id>` routes (no sessionId) require.
func (s *Server) findProcess(id string) (*process.Supervisor, error) {
	sessionID, found := s.sessions.FindProcess(id)
	if !found {
		return nil, apierrors.New(apierrors.ResourceNotFound, "no such process", map[string]any{"processId": id})
	}
	sess, err := s.sessions.GetSession(sessionID)
	if err != nil {
		return nil, err
	}
	return sess.Processes, nil
}

func (s *Server) handleProcessGet(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	supervisor, err := s.findProcess(id)
	if err != nil {
		writeError(w, err)
		return
	}
	snap, err := supervisor.GetProcess(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, snap)
}

func (s *Server) handleProcessKill(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	supervisor, err := s.findProcess(id)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := supervisor.KillProcess(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]any{"success": true})
}

func (s *Server) handleProcessLogs(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	supervisor, err := s.findProcess(id)
	if err != nil {
		writeError(w, err)
		return
	}
	logs, err := supervisor.GetProcessLogs(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]any{
		"stdout":    logs.Stdout,
		"stderr":    logs.Stderr,
		"processId": id,
		"timestamp": time.Now(),
	})
}

func (s *Server) handleProcessStream(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	supervisor, err := s.findProcess(id)
	if err != nil {
		writeError(w, err)
		return
	}

	events, cancel, err := supervisor.StreamProcessLogs(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	defer cancel()

	sse, ok := newSSEWriter(w)
	if !ok {
		writeError(w, apierrors.New(apierrors.Unknown, "streaming unsupported by response writer", nil))
		return
	}
	for evt := range events {
		sse.send(evt)
	}
}

func (s *Server) handleProcessKillAll(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session")
	sess, err := s.sessionOrDefault(sessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	killed := sess.Processes.KillAllProcesses(r.Context())
	writeJSON(w, map[string]any{
		"success":     true,
		"killedCount": killed,
		"message":     "processes killed",
		"timestamp":   time.Now(),
	})
}
