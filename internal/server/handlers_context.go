package server

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/sandboxrun/sandboxd/internal/interpreter"
)

type contextCreateRequest struct {
	Language string            `json:"language"`
	Cwd      string            `json:"cwd"`
	EnvVars  map[string]string `json:"envVars"`
}

func (s *Server) handleContextCreate(w http.ResponseWriter, r *http.Request) {
	var req contextCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	ctx, err := s.interpreter.CreateContext(r.Context(), interpreter.CreateOptions{
		Language: req.Language,
		Cwd:      req.Cwd,
		EnvVars:  req.EnvVars,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, ctx)
}

func (s *Server) handleContextList(w http.ResponseWriter, r *http.Request) {
	contexts := s.interpreter.ListContexts()
	writeJSON(w, map[string]any{"contexts": contexts, "count": len(contexts)})
}

func (s *Server) handleContextDelete(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.interpreter.DeleteContext(id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]any{"success": true})
}
