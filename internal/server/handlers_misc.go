package server

import (
	"net/http"
	"os"
	"time"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"status":    "ok",
		"uptime":    time.Since(s.startedAt).Seconds(),
		"timestamp": time.Now(),
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	version := s.build.Version
	if version == "" {
		version = "unknown"
	}
	writeJSON(w, map[string]any{
		"version":   version,
		"commit":    s.build.Commit,
		"buildDate": s.build.BuildDate,
		"timestamp": time.Now(),
	})
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{"pong": true, "timestamp": time.Now()})
}

func (s *Server) handleCommands(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"commands": []string{
			"session/create", "session/list",
			"execute", "execute/stream", "execute/code",
			"mkdir", "write", "read", "delete", "rename", "move", "list-files",
			"git/checkout",
			"expose-port", "unexpose-port", "exposed-ports",
			"process/start", "process/list", "process/kill-all",
			"contexts",
		},
		"timestamp": time.Now(),
	})
}

// handleShutdown implements `/api/shutdown`: acknowledge, then exit the
// process shortly after the response flushes, the way a daemon with no
// external process supervisor needs to self-terminate.
func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{"success": true, "message": "shutting down", "timestamp": time.Now()})
	go func() {
		time.Sleep(200 * time.Millisecond)
		os.Exit(0)
	}()
}
