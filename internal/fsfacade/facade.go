// Package fsfacade implements spec.md §4.7: a thin mapping of named file
// operations onto Session shell commands, adding no logic beyond
// quoting, encoding, and result shaping.
package fsfacade

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spkg/bom"

	"github.com/sandboxrun/sandboxd/internal/apierrors"
	"github.com/sandboxrun/sandboxd/internal/utils"
)

// Runner is the subset of Session's contract the facade composes shell
// commands through.
type Runner interface {
	Exec(ctx context.Context, command, cwd string) (stdout, stderr string, exitCode int, err error)
}

// Facade routes named file operations to one Session's shell.
type Facade struct {
	run Runner
}

// New builds a Facade over the given Runner (typically a *session.Session).
func New(run Runner) *Facade {
	return &Facade{run: run}
}

// Result is the common shape file operations return, per spec.md §4.2
// ("Results carry {success, exitCode, ...}").
type Result struct {
	Success  bool   `json:"success"`
	ExitCode int    `json:"exitCode"`
	Stderr   string `json:"stderr,omitempty"`
}

// ReadResult additionally carries the sniffed encoding/content metadata
// spec.md §4.2 describes for readFile.
type ReadResult struct {
	Result
	Content  string `json:"content"`
	Encoding string `json:"encoding"` // "utf-8" | "base64"
	IsBinary bool   `json:"isBinary"`
	MimeType string `json:"mimeType"`
	Size     int    `json:"size"`
}

// ListEntry describes one path returned by ListFiles.
type ListEntry struct {
	Name  string `json:"name"`
	Path  string `json:"path"`
	IsDir bool   `json:"isDir"`
	Size  int64  `json:"size"`
}

func (f *Facade) exec(ctx context.Context, command string) (Result, string, error) {
	stdout, stderr, exitCode, err := f.run.Exec(ctx, command, "")
	if err != nil {
		return Result{}, "", err
	}
	return Result{Success: exitCode == 0, ExitCode: exitCode, Stderr: stderr}, stdout, nil
}

// WriteFile writes content to path, base64-through-pipe so binary
// content survives the shell round trip unmangled.
func (f *Facade) WriteFile(ctx context.Context, path, content string) (Result, error) {
	if path == "" {
		return Result{}, apierrors.New(apierrors.ValidationFailed, "path must not be empty", nil)
	}
	encoded := base64.StdEncoding.EncodeToString([]byte(content))
	command := fmt.Sprintf("mkdir -p %s && printf '%%s' %s | base64 -d > %s",
		utils.ShellQuote(filepath.Dir(path)), utils.ShellQuote(encoded), utils.ShellQuote(path))
	res, _, err := f.exec(ctx, command)
	if err != nil {
		return Result{}, err
	}
	if !res.Success {
		return res, apierrors.New(apierrors.FilesystemError, "write failed", map[string]any{"path": path, "stderr": res.Stderr})
	}
	return res, nil
}

// ReadFile reads path back and sniffs whether it is text or binary the
// way spec.md §4.2 describes: "text/*, application/json, common code mime
// types are text; everything else is base64".
func (f *Facade) ReadFile(ctx context.Context, path string) (ReadResult, error) {
	if path == "" {
		return ReadResult{}, apierrors.New(apierrors.ValidationFailed, "path must not be empty", nil)
	}
	command := fmt.Sprintf("test -f %s && base64 %s | tr -d '\\n'", utils.ShellQuote(path), utils.ShellQuote(path))
	res, stdout, err := f.exec(ctx, command)
	if err != nil {
		return ReadResult{}, err
	}
	if !res.Success {
		return ReadResult{}, apierrors.New(apierrors.FileNotFound, "file not found", map[string]any{"path": path})
	}

	raw, decErr := base64.StdEncoding.DecodeString(strings.TrimSpace(stdout))
	if decErr != nil {
		return ReadResult{}, apierrors.New(apierrors.FilesystemError, "corrupt read stream", map[string]any{"path": path})
	}

	sniffed, _ := io.ReadAll(bom.NewReader(bytes.NewReader(raw)))
	mimeType := http.DetectContentType(sniffed)
	isBinary := !looksTextual(mimeType)

	out := ReadResult{
		Result:   res,
		MimeType: mimeType,
		IsBinary: isBinary,
		Size:     len(raw),
	}
	if isBinary {
		out.Encoding = "base64"
		out.Content = base64.StdEncoding.EncodeToString(raw)
	} else {
		out.Encoding = "utf-8"
		out.Content = string(sniffed)
	}
	return out, nil
}

// looksTextual applies the small allowlist spec.md §4.2 names.
func looksTextual(mimeType string) bool {
	base := strings.SplitN(mimeType, ";", 2)[0]
	if strings.HasPrefix(base, "text/") {
		return true
	}
	switch base {
	case "application/json", "application/javascript", "application/xml",
		"application/x-sh", "application/x-yaml", "application/toml":
		return true
	}
	return false
}

// Mkdir creates path, optionally with parents.
func (f *Facade) Mkdir(ctx context.Context, path string, recursive bool) (Result, error) {
	if path == "" {
		return Result{}, apierrors.New(apierrors.ValidationFailed, "path must not be empty", nil)
	}
	flag := ""
	if recursive {
		flag = "-p "
	}
	res, _, err := f.exec(ctx, fmt.Sprintf("mkdir %s%s", flag, utils.ShellQuote(path)))
	if err != nil {
		return Result{}, err
	}
	if !res.Success {
		return res, apierrors.New(apierrors.FilesystemError, "mkdir failed", map[string]any{"path": path, "stderr": res.Stderr})
	}
	return res, nil
}

// DeleteFile removes path (file or directory tree).
func (f *Facade) DeleteFile(ctx context.Context, path string) (Result, error) {
	if path == "" {
		return Result{}, apierrors.New(apierrors.ValidationFailed, "path must not be empty", nil)
	}
	res, _, err := f.exec(ctx, fmt.Sprintf("rm -rf %s", utils.ShellQuote(path)))
	if err != nil {
		return Result{}, err
	}
	if !res.Success {
		return res, apierrors.New(apierrors.FilesystemError, "delete failed", map[string]any{"path": path, "stderr": res.Stderr})
	}
	return res, nil
}

// RenameFile renames oldPath to newPath within the same directory tree.
func (f *Facade) RenameFile(ctx context.Context, oldPath, newPath string) (Result, error) {
	return f.move(ctx, oldPath, newPath, "rename")
}

// MoveFile moves src to dst, creating dst's parent directory if needed.
func (f *Facade) MoveFile(ctx context.Context, src, dst string) (Result, error) {
	return f.move(ctx, src, dst, "move")
}

func (f *Facade) move(ctx context.Context, src, dst, verb string) (Result, error) {
	if src == "" || dst == "" {
		return Result{}, apierrors.New(apierrors.ValidationFailed, "src and dst must not be empty", nil)
	}
	command := fmt.Sprintf("mkdir -p %s && mv %s %s",
		utils.ShellQuote(filepath.Dir(dst)), utils.ShellQuote(src), utils.ShellQuote(dst))
	res, _, err := f.exec(ctx, command)
	if err != nil {
		return Result{}, err
	}
	if !res.Success {
		return res, apierrors.New(apierrors.FilesystemError, verb+" failed", map[string]any{"src": src, "dst": dst, "stderr": res.Stderr})
	}
	return res, nil
}

// ListFilesOptions controls listFiles per spec.md §4.2.
type ListFilesOptions struct {
	Recursive     bool
	IncludeHidden bool
}

// ListFiles enumerates path's children (or its whole tree, if recursive).
func (f *Facade) ListFiles(ctx context.Context, path string, opts ListFilesOptions) ([]ListEntry, error) {
	if path == "" {
		path = "."
	}
	findArgs := utils.ShellQuote(path)
	maxDepth := ""
	if !opts.Recursive {
		maxDepth = "-maxdepth 1 "
	}
	hiddenFilter := ""
	if !opts.IncludeHidden {
		hiddenFilter = ` -not -name '.*'`
	}
	// %y=type(d/f) %s=size(bytes) %p=path, NUL-delimited for embedded newlines.
	command := fmt.Sprintf("find %s %s-mindepth 1%s -printf '%%y\\t%%s\\t%%p\\0'", findArgs, maxDepth, hiddenFilter)
	res, stdout, err := f.exec(ctx, command)
	if err != nil {
		return nil, err
	}
	if !res.Success {
		return nil, apierrors.New(apierrors.FileNotFound, "path not found", map[string]any{"path": path})
	}

	var entries []ListEntry
	for _, rec := range strings.Split(stdout, "\x00") {
		if rec == "" {
			continue
		}
		parts := strings.SplitN(rec, "\t", 3)
		if len(parts) != 3 {
			continue
		}
		size, _ := strconv.ParseInt(parts[1], 10, 64)
		entries = append(entries, ListEntry{
			Name:  filepath.Base(parts[2]),
			Path:  parts[2],
			IsDir: parts[0] == "d",
			Size:  size,
		})
	}
	return entries, nil
}
