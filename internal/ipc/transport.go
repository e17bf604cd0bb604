package ipc

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/jesseduffield/kill"
	"github.com/sirupsen/logrus"
)

// Transport owns a child process's stdin/stdout as a line-delimited JSON
// channel, and logs its stderr, the same shape spec.md §4.1 describes and
// the same "cmd.Env = os.Environ()" inheritance the teacher's
// OSCommand.NewCmd uses for spawned commands.
type Transport struct {
	log *logrus.Entry

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	writeM sync.Mutex

	onReply func(Reply)
	onExit  func(error)

	doneOnce sync.Once
}

// Options configures the child process environment, mirroring the
// per-session environment values spec.md §4.1 lists.
type Options struct {
	Path string // path to the control-child binary
	Env  []string

	// SysProcAttr, when set, is applied to the spawned command verbatim;
	// the session package uses this to request fresh PID+mount
	// namespaces (spec.md §4.1) without this package needing to know
	// anything about namespace isolation itself.
	SysProcAttr *syscall.SysProcAttr
}

// Start spawns the control-child process and begins reading its stdout as
// newline-delimited JSON Reply values, dispatching each to onReply.
// onExit fires exactly once, however the child terminates.
func Start(opts Options, log *logrus.Entry, onReply func(Reply), onExit func(error)) (*Transport, error) {
	cmd := exec.Command(opts.Path)
	cmd.Env = append(os.Environ(), opts.Env...)
	cmd.SysProcAttr = opts.SysProcAttr
	if cmd.SysProcAttr == nil {
		// No isolation requested: let the teacher's helper set Setpgid
		// so Kill() below can take down the whole shell process group.
		kill.PrepareForChildren(cmd)
	} else {
		cmd.SysProcAttr.Setpgid = true
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("control process stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("control process stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("control process stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start control process: %w", err)
	}

	t := &Transport{
		log:     log,
		cmd:     cmd,
		stdin:   stdin,
		onReply: onReply,
		onExit:  onExit,
	}

	go t.logStderr(stderr)
	go t.readLoop(stdout)

	return t, nil
}

func (t *Transport) logStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		t.log.WithField("stream", "control-stderr").Warn(scanner.Text())
	}
}

func (t *Transport) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var reply Reply
		if err := json.Unmarshal(line, &reply); err != nil {
			t.log.WithError(err).Warn("malformed control-process message, dropping")
			continue
		}
		t.onReply(reply)
	}

	err := t.cmd.Wait()
	t.fireExit(err)
}

func (t *Transport) fireExit(err error) {
	t.doneOnce.Do(func() {
		if t.onExit != nil {
			t.onExit(err)
		}
	})
}

// Send writes req as a single JSON line; writes are serialized so message
// framing on the wire stays atomic per spec.md §5 ("message writes are
// atomic per message").
func (t *Transport) Send(req Request) error {
	t.writeM.Lock()
	defer t.writeM.Unlock()

	var encoded bytes.Buffer
	enc := json.NewEncoder(&encoded)
	enc.SetEscapeHTML(false) // commands routinely contain & > < ; no need to \u-escape them
	if err := enc.Encode(req); err != nil {
		return fmt.Errorf("marshal control request: %w", err)
	}
	buf := encoded.Bytes() // Encode already appended a trailing newline
	_, err := t.stdin.Write(buf)
	return err
}

// Close asks the control child to exit and releases the stdin pipe.
func (t *Transport) Close() error {
	_ = t.Send(Request{Op: OpExit, ID: "shutdown"})
	return t.stdin.Close()
}

// Kill forcibly terminates the control child's whole process group (the
// child may have spawned its own children inside the isolated shell),
// the same process-group-aware kill the teacher uses for docker-compose
// subprocess trees.
func (t *Transport) Kill() error {
	if t.cmd.Process == nil {
		return nil
	}
	return kill.Kill(t.cmd)
}
