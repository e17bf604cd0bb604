package server

import (
	"net/http"

	"github.com/sandboxrun/sandboxd/internal/apierrors"
	"github.com/sandboxrun/sandboxd/internal/fsfacade"
)

func fsListOptions(req listFilesRequest) fsfacade.ListFilesOptions {
	return fsfacade.ListFilesOptions{Recursive: req.Recursive, IncludeHidden: req.IncludeHidden}
}

type pathRequest struct {
	Path      string `json:"path"`
	SessionID string `json:"sessionId"`
}

type writeRequest struct {
	Path      string `json:"path"`
	Content   string `json:"content"`
	SessionID string `json:"sessionId"`
}

type mkdirRequest struct {
	Path      string `json:"path"`
	Recursive bool   `json:"recursive"`
	SessionID string `json:"sessionId"`
}

type renameMoveRequest struct {
	OldPath   string `json:"oldPath"`
	NewPath   string `json:"newPath"`
	Src       string `json:"src"`
	Dst       string `json:"dst"`
	SessionID string `json:"sessionId"`
}

type listFilesRequest struct {
	Path          string `json:"path"`
	Recursive     bool   `json:"recursive"`
	IncludeHidden bool   `json:"includeHidden"`
	SessionID     string `json:"sessionId"`
}

func (s *Server) handleWrite(w http.ResponseWriter, r *http.Request) {
	var req writeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	sess, err := s.sessionOrDefault(req.SessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	result, err := facadeFor(sess).WriteFile(r.Context(), req.Path, req.Content)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, result)
}

func (s *Server) handleRead(w http.ResponseWriter, r *http.Request) {
	var req pathRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	sess, err := s.sessionOrDefault(req.SessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	result, err := facadeFor(sess).ReadFile(r.Context(), req.Path)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, result)
}

func (s *Server) handleMkdir(w http.ResponseWriter, r *http.Request) {
	var req mkdirRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	sess, err := s.sessionOrDefault(req.SessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	result, err := facadeFor(sess).Mkdir(r.Context(), req.Path, req.Recursive)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, result)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	var req pathRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	sess, err := s.sessionOrDefault(req.SessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	result, err := facadeFor(sess).DeleteFile(r.Context(), req.Path)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, result)
}

func (s *Server) handleRename(w http.ResponseWriter, r *http.Request) {
	var req renameMoveRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	sess, err := s.sessionOrDefault(req.SessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	if req.OldPath == "" || req.NewPath == "" {
		writeError(w, apierrors.New(apierrors.ValidationFailed, "oldPath and newPath are required", nil))
		return
	}
	result, err := facadeFor(sess).RenameFile(r.Context(), req.OldPath, req.NewPath)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, result)
}

func (s *Server) handleMove(w http.ResponseWriter, r *http.Request) {
	var req renameMoveRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	sess, err := s.sessionOrDefault(req.SessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	if req.Src == "" || req.Dst == "" {
		writeError(w, apierrors.New(apierrors.ValidationFailed, "src and dst are required", nil))
		return
	}
	result, err := facadeFor(sess).MoveFile(r.Context(), req.Src, req.Dst)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, result)
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	var req listFilesRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	sess, err := s.sessionOrDefault(req.SessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	entries, err := facadeFor(sess).ListFiles(r.Context(), req.Path, fsListOptions(req))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]any{"entries": entries, "count": len(entries)})
}
