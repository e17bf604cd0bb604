// Command sandbox-shell is the control-child binary internal/ipc speaks
// to: it owns one interactive shell, executes commands inside it, and
// reports results back to its parent over line-delimited JSON on stdin
// and stdout, per spec.md §4.1.
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/sandboxrun/sandboxd/internal/ipc"
	"github.com/sandboxrun/sandboxd/internal/utils"
)

func main() {
	sessionID := os.Getenv("SESSION_ID")
	cwd := os.Getenv("SESSION_CWD")
	isolated, _ := strconv.ParseBool(os.Getenv("SESSION_ISOLATED"))
	tempDir := os.Getenv("TEMP_DIR")
	if tempDir == "" {
		tempDir = os.TempDir()
	}
	if cwd == "" {
		cwd = "/"
	}
	commandTimeoutMS, _ := strconv.ParseInt(os.Getenv("COMMAND_TIMEOUT_MS"), 10, 64)
	commandTimeout := time.Duration(commandTimeoutMS) * time.Millisecond

	// SESSION_ISOLATED reflects what isolation was requested, not whether
	// the host actually granted a fresh PID namespace (sysProcAttrFor
	// degrades silently when unshare is unavailable — spec.md §4.1: "the
	// shell is launched without namespaces ... the request still
	// succeeds"). Only remount /proc when this process is actually PID 1
	// in its namespace; otherwise it would remount /proc for whatever
	// namespace the daemon itself lives in.
	if isolated && os.Getpid() == 1 {
		remountProc()
	}

	shell, err := newInteractiveShell(cwd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sandbox-shell: failed to start shell: %v\n", err)
		os.Exit(1)
	}
	defer shell.close()

	out := newEncoder(os.Stdout)
	out.send(ipc.Reply{Op: ipc.ReplyReady, ID: sessionID})

	dispatch(os.Stdin, out, shell, tempDir, commandTimeout)
}

// remountProc gives the isolated shell's children a /proc that reflects
// only this PID namespace, per spec.md §4.1's "/proc remounted" isolation
// rationale. Failure is logged, not fatal: the session still runs, just
// without a namespace-scoped /proc.
func remountProc() {
	if err := syscall.Mount("proc", "/proc", "proc", 0, ""); err != nil {
		fmt.Fprintf(os.Stderr, "sandbox-shell: remount /proc failed: %v\n", err)
	}
}

// replyEncoder serializes writes to stdout the same way internal/ipc's
// Transport.Send does: HTML-escaping disabled, since command text and
// captured output routinely carry &, <, > verbatim.
type replyEncoder struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func newEncoder(w io.Writer) *replyEncoder {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return &replyEncoder{enc: enc}
}

func (e *replyEncoder) send(r ipc.Reply) {
	e.mu.Lock()
	defer e.mu.Unlock()
	_ = e.enc.Encode(r)
}

// dispatch reads one ipc.Request per line from in and runs it against
// shell, replying on out. Each exec and exec_stream request runs in its
// own goroutine so a long-running command doesn't block reading later
// requests.
// commandTimeout, when non-zero, bounds how long any one command may run
// before this process kills it itself — a second, child-side enforcement
// of the same bound the parent applies to its own wait (spec.md §4.1's
// "command timeout" is inherited through the environment precisely so
// both sides can act on it independently).
func dispatch(in io.Reader, out *replyEncoder, shell *interactiveShell, tempDir string, commandTimeout time.Duration) {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req ipc.Request
		if err := json.Unmarshal(line, &req); err != nil {
			continue
		}

		switch req.Op {
		case ipc.OpExec:
			go handleExec(shell, tempDir, commandTimeout, req, out)
		case ipc.OpExecStream:
			go handleExecStream(shell, tempDir, commandTimeout, req, out)
		case ipc.OpExit:
			return
		}
	}
}

func handleExec(shell *interactiveShell, tempDir string, commandTimeout time.Duration, req ipc.Request, out *replyEncoder) {
	result, err := shell.run(tempDir, req.ID, req.Command, req.Cwd, commandTimeout)
	if err != nil {
		out.send(ipc.Reply{Op: ipc.ReplyError, ID: req.ID, Error: err.Error()})
		return
	}
	exitCode := result.exitCode
	out.send(ipc.Reply{Op: ipc.ReplyResult, ID: req.ID, Stdout: result.stdout, Stderr: result.stderr, ExitCode: &exitCode})
}

func handleExecStream(shell *interactiveShell, tempDir string, commandTimeout time.Duration, req ipc.Request, out *replyEncoder) {
	out.send(ipc.Reply{Op: ipc.ReplyStreamEvent, ID: req.ID, Event: &ipc.ExecEvent{Type: ipc.EventStart}})

	result, err := shell.runStreaming(tempDir, req.ID, req.Command, req.Cwd, commandTimeout, func(stream, delta string) {
		eventType := ipc.EventStdout
		if stream == "stderr" {
			eventType = ipc.EventStderr
		}
		out.send(ipc.Reply{Op: ipc.ReplyStreamEvent, ID: req.ID, Event: &ipc.ExecEvent{Type: eventType, Data: delta}})
	})
	if err != nil {
		out.send(ipc.Reply{Op: ipc.ReplyStreamEvent, ID: req.ID, Event: &ipc.ExecEvent{Type: ipc.EventError, Message: err.Error()}})
		return
	}
	out.send(ipc.Reply{Op: ipc.ReplyStreamEvent, ID: req.ID, Event: &ipc.ExecEvent{Type: ipc.EventComplete, ExitCode: result.exitCode}})
}

// interactiveShell is the single persistent `sh` process spec.md §4.1
// names ("the child maintains a single interactive shell"). Commands are
// submitted by writing a snippet to its stdin that redirects output into
// per-request capture files and signals completion with a sentinel file,
// rather than parsing markers out of the shell's own stdout, which could
// never safely carry binary output.
type interactiveShell struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
	mu    sync.Mutex
}

func newInteractiveShell(cwd string) (*interactiveShell, error) {
	cmd := exec.Command("sh")
	cmd.Dir = cwd
	cmd.Env = os.Environ()
	// The shell's own stdout/stderr never carries data back to our
	// parent — that channel is reserved for this binary's own
	// ipc.Reply stream. Diagnostics only.
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &interactiveShell{cmd: cmd, stdin: stdin}, nil
}

func (s *interactiveShell) close() {
	_, _ = s.stdin.Write([]byte("exit\n"))
	_ = s.stdin.Close()
	_ = s.cmd.Wait()
}

type execResult struct {
	stdout   string
	stderr   string
	exitCode int
}

const pollInterval = 20 * time.Millisecond

// captureFiles returns the three transport file paths spec.md §4.1
// derives from the correlation id, plus the completion sentinel.
func captureFiles(tempDir, id string) (stdoutPath, stderrPath, exitPath, donePath string) {
	base := filepath.Join(tempDir, "ctl-"+id)
	return base + ".stdout", base + ".stderr", base + ".exit", base + ".done"
}

// snippet builds the shell command that runs command, optionally cd-ing
// into cwd first, capturing its output/exit code into the given files
// and touching donePath last so the poller has a single, atomic signal
// that every prior write landed. When commandTimeout is non-zero, the
// command itself (not the cd) is wrapped in coreutils' timeout so a
// runaway command is killed instead of occupying the persistent shell
// forever once the parent has already given up on the correlation.
func snippet(command, cwd string, commandTimeout time.Duration, stdoutPath, stderrPath, exitPath, donePath string) string {
	wrapped := command
	if commandTimeout > 0 {
		seconds := commandTimeout.Seconds()
		wrapped = fmt.Sprintf("timeout %.3f sh -c %s", seconds, utils.ShellQuote(command))
	}

	body := fmt.Sprintf("( %s )", wrapped)
	if cwd != "" {
		body = fmt.Sprintf("cd %s && ( %s )", utils.ShellQuote(cwd), wrapped)
	}
	return fmt.Sprintf("%s > %s 2> %s; echo $? > %s; touch %s\n",
		body, utils.ShellQuote(stdoutPath), utils.ShellQuote(stderrPath), utils.ShellQuote(exitPath), utils.ShellQuote(donePath))
}

func (s *interactiveShell) submit(snippetLine string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := io.WriteString(s.stdin, snippetLine)
	return err
}

// run executes command to completion and returns its full captured
// output, per spec.md §4.1's "exec" semantics.
func (s *interactiveShell) run(tempDir, id, command, cwd string, commandTimeout time.Duration) (execResult, error) {
	stdoutPath, stderrPath, exitPath, donePath := captureFiles(tempDir, id)
	defer cleanupCaptureFiles(stdoutPath, stderrPath, exitPath, donePath)

	if err := s.submit(snippet(command, cwd, commandTimeout, stdoutPath, stderrPath, exitPath, donePath)); err != nil {
		return execResult{}, fmt.Errorf("submit command: %w", err)
	}

	waitForSentinel(donePath)

	exitCode := readExitCode(exitPath)
	stdout, _ := os.ReadFile(stdoutPath)
	stderr, _ := os.ReadFile(stderrPath)
	return execResult{stdout: string(stdout), stderr: string(stderr), exitCode: exitCode}, nil
}

// runStreaming is run's sibling for exec_stream: it tails stdout/stderr
// while the sentinel is absent, delivering strictly monotone deltas to
// onDelta, the same strictly-extending-cache discipline
// internal/process's Supervisor uses for background processes.
func (s *interactiveShell) runStreaming(tempDir, id, command, cwd string, commandTimeout time.Duration, onDelta func(stream, delta string)) (execResult, error) {
	stdoutPath, stderrPath, exitPath, donePath := captureFiles(tempDir, id)
	defer cleanupCaptureFiles(stdoutPath, stderrPath, exitPath, donePath)

	if err := s.submit(snippet(command, cwd, commandTimeout, stdoutPath, stderrPath, exitPath, donePath)); err != nil {
		return execResult{}, fmt.Errorf("submit command: %w", err)
	}

	var stdoutLen, stderrLen int
	for {
		drainDelta(stdoutPath, &stdoutLen, "stdout", onDelta)
		drainDelta(stderrPath, &stderrLen, "stderr", onDelta)
		if fileExists(donePath) {
			drainDelta(stdoutPath, &stdoutLen, "stdout", onDelta)
			drainDelta(stderrPath, &stderrLen, "stderr", onDelta)
			break
		}
		time.Sleep(pollInterval)
	}

	return execResult{exitCode: readExitCode(exitPath)}, nil
}

func drainDelta(path string, seen *int, stream string, onDelta func(stream, delta string)) bool {
	content, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	if len(content) <= *seen {
		return false
	}
	delta := content[*seen:]
	*seen = len(content)
	onDelta(stream, string(delta))
	return true
}

func waitForSentinel(donePath string) {
	for !fileExists(donePath) {
		time.Sleep(pollInterval)
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func readExitCode(path string) int {
	raw, err := os.ReadFile(path)
	if err != nil {
		return -1
	}
	code, err := strconv.Atoi(trimNewline(string(raw)))
	if err != nil {
		return -1
	}
	return code
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

func cleanupCaptureFiles(paths ...string) {
	for _, p := range paths {
		_ = os.Remove(p)
	}
}
