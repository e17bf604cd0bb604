package server

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/sandboxrun/sandboxd/internal/apierrors"
)

type exposePortRequest struct {
	Port int    `json:"port"`
	Name string `json:"name"`
}

func (s *Server) handleExposePort(w http.ResponseWriter, r *http.Request) {
	var req exposePortRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	entry, err := s.ports.ExposePort(req.Port, req.Name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, entry)
}

type unexposePortRequest struct {
	Port int `json:"port"`
}

func (s *Server) handleUnexposePort(w http.ResponseWriter, r *http.Request) {
	var req unexposePortRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.ports.UnexposePort(req.Port); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]any{"success": true})
}

func (s *Server) handleUnexposePortByPath(w http.ResponseWriter, r *http.Request) {
	port, err := strconv.Atoi(mux.Vars(r)["port"])
	if err != nil {
		writeError(w, apierrors.New(apierrors.InvalidPort, "non-numeric port", nil))
		return
	}
	if err := s.ports.UnexposePort(port); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]any{"success": true})
}

func (s *Server) handleListPorts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{"ports": s.ports.ListPorts()})
}
