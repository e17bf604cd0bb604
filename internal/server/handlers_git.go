package server

import (
	"fmt"
	"net/http"
	"path"
	"strings"

	"github.com/sandboxrun/sandboxd/internal/apierrors"
	"github.com/sandboxrun/sandboxd/internal/utils"
)

type gitCheckoutRequest struct {
	RepoURL   string `json:"repoUrl"`
	Branch    string `json:"branch"`
	TargetDir string `json:"targetDir"`
	SessionID string `json:"sessionId"`
}

type gitCheckoutResult struct {
	Success   bool   `json:"success"`
	TargetDir string `json:"targetDir"`
	Stdout    string `json:"stdout"`
	Stderr    string `json:"stderr"`
}

// handleGitCheckout implements `/api/git/checkout` as a `git clone`
// issued through the session shell, per spec.md §6's parenthetical.
func (s *Server) handleGitCheckout(w http.ResponseWriter, r *http.Request) {
	var req gitCheckoutRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.RepoURL == "" {
		writeError(w, apierrors.New(apierrors.GitInvalidRef, "repoUrl is required", nil))
		return
	}

	sess, err := s.sessionOrDefault(req.SessionID)
	if err != nil {
		writeError(w, err)
		return
	}

	targetDir := req.TargetDir
	if targetDir == "" {
		targetDir = path.Base(strings.TrimSuffix(req.RepoURL, ".git"))
	}

	args := []string{"git", "clone"}
	if req.Branch != "" {
		args = append(args, "--branch", utils.ShellQuote(req.Branch))
	}
	args = append(args, utils.ShellQuote(req.RepoURL), utils.ShellQuote(targetDir))
	command := strings.Join(args, " ")

	result, err := sess.ExecCommand(r.Context(), command, sess.Cwd)
	if err != nil {
		writeError(w, err)
		return
	}
	if !result.Success {
		writeError(w, gitCloneError(result.Stderr, result.ExitCode))
		return
	}

	writeJSON(w, gitCheckoutResult{Success: true, TargetDir: targetDir, Stdout: result.Stdout, Stderr: result.Stderr})
}

// gitCloneError classifies a failed `git clone`'s stderr into the
// apierrors.Code spec.md §7 documents, by pattern-matching the handful of
// prefixes git's porcelain actually emits for the two common cases, falling
// back to the general GitOperationFailed when nothing recognizable matches.
func gitCloneError(stderr string, exitCode int) *apierrors.Error {
	lower := strings.ToLower(stderr)
	details := map[string]any{"stderr": stderr, "exitCode": exitCode}

	switch {
	case strings.Contains(lower, "unknown revision"),
		strings.Contains(lower, "did not match any file(s) known to git"),
		strings.Contains(lower, "remote branch"):
		return apierrors.New(apierrors.GitInvalidRef, "invalid git ref", details)
	case strings.Contains(lower, "repository not found"),
		strings.Contains(lower, "not found"),
		strings.Contains(lower, "could not read from remote repository"):
		return apierrors.New(apierrors.RepoNotFound, "repository not found", details)
	default:
		return apierrors.New(apierrors.GitOperationFailed, fmt.Sprintf("git clone exited %d", exitCode), details)
	}
}
