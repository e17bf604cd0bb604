// Package session implements spec.md §4.2's Session: a named execution
// context fronting one control-child process and its isolated shell, the
// way the teacher's *OSCommand fronts a single docker/podman connection.
package session

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/sandboxrun/sandboxd/internal/apierrors"
	"github.com/sandboxrun/sandboxd/internal/ipc"
	"github.com/sandboxrun/sandboxd/internal/process"
)

// Options configures a Session at creation time (spec.md §4.4
// createSession).
type Options struct {
	ID        string
	Cwd       string
	Env       map[string]string
	Isolation bool
}

// ExecResult is the result record spec.md §4.2's exec returns.
type ExecResult struct {
	Stdout    string    `json:"stdout"`
	Stderr    string    `json:"stderr"`
	ExitCode  int       `json:"exitCode"`
	Success   bool      `json:"success"`
	Command   string    `json:"command"`
	Duration  float64   `json:"duration"`
	Timestamp time.Time `json:"timestamp"`
}

// Session owns one control-child process and every ProcessRecord started
// inside its shell (spec.md §3 "Ownership").
type Session struct {
	ID        string
	Cwd       string
	Env       map[string]string
	Isolation bool

	log *logrus.Entry

	mu        sync.RWMutex
	ready     bool
	transport *ipc.Transport
	pending   *pendingTable

	Processes *process.Supervisor

	tempDir        string
	shellBinPath   string
	commandTimeout time.Duration

	closeOnce sync.Once
}

// shellBinPath is resolved once by the registry and handed to every
// Session; it is the path to the cmd/sandbox-shell control-child binary.
func newSession(opts Options, shellBinPath, tempDir string, commandTimeout time.Duration, strictIsolation bool, log *logrus.Entry) (*Session, error) {
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	if opts.Cwd != "" && !filepath.IsAbs(opts.Cwd) {
		return nil, apierrors.New(apierrors.ValidationFailed, "cwd must be absolute", map[string]any{"cwd": opts.Cwd})
	}
	if opts.Isolation && strictIsolation && !isolationAvailable(log) {
		return nil, apierrors.New(apierrors.ValidationFailed, "namespace isolation was requested but is unavailable on this host", map[string]any{"sessionId": opts.ID})
	}

	s := &Session{
		ID:             opts.ID,
		Cwd:            opts.Cwd,
		Env:            opts.Env,
		Isolation:      opts.Isolation,
		log:            log.WithField("session", opts.ID),
		pending:        newPendingTable(),
		tempDir:        tempDir,
		shellBinPath:   shellBinPath,
		commandTimeout: commandTimeout,
	}

	if err := s.start(commandTimeout); err != nil {
		return nil, err
	}

	s.Processes = process.NewSupervisor(s.ID, tempDir, s, s.log)
	return s, nil
}

func (s *Session) start(commandTimeout time.Duration) error {
	env := []string{
		"SESSION_ID=" + s.ID,
		"SESSION_CWD=" + s.Cwd,
		"SESSION_ISOLATED=" + strconv.FormatBool(s.Isolation),
		"COMMAND_TIMEOUT_MS=" + strconv.FormatInt(commandTimeout.Milliseconds(), 10),
		"TEMP_DIR=" + s.tempDir,
	}
	for k, v := range s.Env {
		env = append(env, k+"="+v)
	}

	opts := ipc.Options{
		Path:        s.shellBinPath,
		Env:         env,
		SysProcAttr: sysProcAttrFor(s.Isolation, s.log),
	}

	t, err := ipc.Start(opts, s.log, s.onReply, s.onExit)
	if err != nil {
		return fmt.Errorf("start control process: %w", err)
	}

	s.mu.Lock()
	s.transport = t
	s.ready = true
	s.mu.Unlock()
	return nil
}

func (s *Session) onReply(r ipc.Reply) {
	s.pending.dispatch(r)
}

func (s *Session) onExit(err error) {
	s.mu.Lock()
	s.ready = false
	s.mu.Unlock()
	s.pending.rejectAll("session terminated")
	if err != nil {
		s.log.WithError(err).Warn("control process exited")
	} else {
		s.log.Info("control process exited")
	}
}

func (s *Session) isReady() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ready
}

// Exec implements spec.md §4.2's exec and also satisfies process.Runner,
// so the Process Supervisor issues its nohup/kill/kill-0 commands through
// this same path.
func (s *Session) Exec(ctx context.Context, command, cwd string) (stdout, stderr string, exitCode int, err error) {
	res, execErr := s.execResult(ctx, command, cwd)
	if execErr != nil {
		return "", "", -1, execErr
	}
	return res.Stdout, res.Stderr, res.ExitCode, nil
}

// ExecCommand is the public, API-facing form of exec returning the full
// ExecResult record spec.md §4.2 describes.
func (s *Session) ExecCommand(ctx context.Context, command, cwd string) (ExecResult, error) {
	return s.execResult(ctx, command, cwd)
}

func (s *Session) execResult(ctx context.Context, command, cwd string) (ExecResult, error) {
	if !s.isReady() {
		return ExecResult{}, apierrors.New(apierrors.NotInitialized, "session is not ready", map[string]any{"sessionId": s.ID})
	}
	if cwd != "" && !filepath.IsAbs(cwd) {
		return ExecResult{}, apierrors.New(apierrors.ValidationFailed, "cwd must be absolute", map[string]any{"cwd": cwd})
	}

	// The configured command timeout bounds every exec regardless of what
	// deadline (if any) the caller's ctx already carries — spec.md §4.1
	// "A correlation with no reply within the command timeout is
	// rejected". WithTimeout keeps the tighter of the two deadlines.
	if s.commandTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.commandTimeout)
		defer cancel()
	}

	id := uuid.NewString()
	ch := s.pending.registerExec(id)
	defer s.pending.deleteExec(id)

	start := time.Now()
	if err := s.transport.Send(ipc.Request{Op: ipc.OpExec, ID: id, Command: command, Cwd: cwd}); err != nil {
		return ExecResult{}, apierrors.New(apierrors.SessionTerminated, "failed to send to control process", nil)
	}

	select {
	case reply := <-ch:
		duration := time.Since(start).Seconds()
		if reply.Op == ipc.ReplyError {
			if reply.Error == "session terminated" {
				return ExecResult{}, apierrors.New(apierrors.SessionTerminated, reply.Error, map[string]any{"sessionId": s.ID})
			}
			return ExecResult{}, apierrors.New(apierrors.Unknown, reply.Error, nil)
		}
		exitCode := -1
		if reply.ExitCode != nil {
			exitCode = *reply.ExitCode
		}
		return ExecResult{
			Stdout:    reply.Stdout,
			Stderr:    reply.Stderr,
			ExitCode:  exitCode,
			Success:   exitCode == 0,
			Command:   command,
			Duration:  duration,
			Timestamp: start,
		}, nil
	case <-ctx.Done():
		return ExecResult{}, apierrors.New(apierrors.Timeout, "command timed out", map[string]any{"command": command})
	}
}

// ExecStreamEvent is an alias of ipc.ExecEvent so callers of Session
// don't need to spell out the internal/ipc import themselves.
type ExecStreamEvent = ipc.ExecEvent

// ExecStream implements spec.md §4.2's execStream: a lazy, finite,
// non-restartable sequence of ExecEvents.
func (s *Session) ExecStream(ctx context.Context, command, cwd string) (<-chan ExecStreamEvent, error) {
	if !s.isReady() {
		return nil, apierrors.New(apierrors.NotInitialized, "session is not ready", map[string]any{"sessionId": s.ID})
	}
	if cwd != "" && !filepath.IsAbs(cwd) {
		return nil, apierrors.New(apierrors.ValidationFailed, "cwd must be absolute", map[string]any{"cwd": cwd})
	}

	id := uuid.NewString()
	raw := s.pending.registerStream(id)

	if err := s.transport.Send(ipc.Request{Op: ipc.OpExecStream, ID: id, Command: command, Cwd: cwd}); err != nil {
		s.pending.deleteStream(id)
		return nil, apierrors.New(apierrors.SessionTerminated, "failed to send to control process", nil)
	}

	out := make(chan ExecStreamEvent, 64)
	go func() {
		defer close(out)
		defer s.pending.deleteStream(id)
		for {
			select {
			case reply, ok := <-raw:
				if !ok {
					return
				}
				if reply.Op == ipc.ReplyError {
					select {
					case out <- ExecStreamEvent{Type: ipc.EventError, Message: reply.Error}:
					case <-ctx.Done():
					}
					return
				}
				if reply.Event == nil {
					continue
				}
				select {
				case out <- *reply.Event:
				case <-ctx.Done():
					return
				}
				if reply.Event.Type == ipc.EventComplete || reply.Event.Type == ipc.EventError {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

// Destroy kills the session's background processes and the control child
// (which takes its entire shell process tree down with it), rejects
// pending correlations, removes the session-<id> temp directory, and
// marks the session not-ready. Background-process capture files are
// removed only for processes started with AutoClean; the others stay in
// the temp directory until the cleanup sweeper reclaims them. Safe to
// call more than once.
func (s *Session) Destroy() {
	s.closeOnce.Do(func() {
		if s.Processes != nil {
			s.Processes.KillAllProcesses(context.Background())
		}
		s.mu.Lock()
		t := s.transport
		s.ready = false
		s.mu.Unlock()
		if t != nil {
			_ = t.Close()
			time.Sleep(50 * time.Millisecond)
			_ = t.Kill()
		}
		s.pending.rejectAll("session terminated")
		_ = os.RemoveAll(filepath.Join(s.tempDir, "session-"+s.ID))
	})
}

// probeShellBinary resolves the cmd/sandbox-shell binary next to the
// current executable, falling back to PATH lookup, mirroring how the
// teacher resolves sibling tool binaries in pkg/utils.
func probeShellBinary() string {
	if exe, err := os.Executable(); err == nil {
		candidate := filepath.Join(filepath.Dir(exe), "sandbox-shell")
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	if p, err := exec.LookPath("sandbox-shell"); err == nil {
		return p
	}
	return "sandbox-shell"
}
