package interpreter

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"

	"github.com/sirupsen/logrus"
)

// driverScripts holds one self-contained read-eval-print driver per
// supported language. Each driver reads newline-delimited JSON requests
// `{"code": "..."}` from stdin and writes one newline-delimited JSON
// response `{"stdout":"...","stderr":"...","error":"..."}` per request,
// persisting interpreter state (variables, cwd, env) across requests in
// the same process the way a notebook kernel does. This keeps kernel
// wire semantics in-repo rather than pulling a real notebook kernel
// dependency nothing in the pack carries.
var driverScripts = map[string]struct {
	binary string
	args   []string
}{
	"python": {binary: "python3", args: []string{"-u", "-c", pythonDriver}},
	"bash":   {binary: "bash", args: []string{"--noprofile", "--norc", "-c", bashDriver}},
}

const pythonDriver = `
import sys, json, io, os, contextlib, traceback
g = {"__name__": "__sandbox__"}
for line in sys.stdin:
    line = line.strip()
    if not line:
        continue
    try:
        req = json.loads(line)
    except Exception:
        continue
    op = req.get("op", "exec")
    out, err, error = io.StringIO(), io.StringIO(), None
    try:
        if op == "cwd":
            os.chdir(req["path"])
        elif op == "env":
            os.environ[req["key"]] = req["value"]
        else:
            with contextlib.redirect_stdout(out), contextlib.redirect_stderr(err):
                exec(compile(req.get("code", ""), "<sandbox>", "exec"), g)
    except Exception:
        error = traceback.format_exc()
    sys.stdout.write(json.dumps({"stdout": out.getvalue(), "stderr": err.getvalue(), "error": error}) + "\n")
    sys.stdout.flush()
`

const bashDriver = `
while IFS= read -r line; do
  op=$(printf '%s' "$line" | python3 -c 'import json,sys; print(json.load(sys.stdin).get("op","exec"))' 2>/dev/null)
  [ -z "$op" ] && op=exec
  case "$op" in
    cwd)
      path=$(printf '%s' "$line" | python3 -c 'import json,sys; print(json.load(sys.stdin)["path"])')
      cd -- "$path" 2>/tmp/.kernel_err
      ;;
    env)
      key=$(printf '%s' "$line" | python3 -c 'import json,sys; d=json.load(sys.stdin); print(d["key"])')
      val=$(printf '%s' "$line" | python3 -c 'import json,sys; d=json.load(sys.stdin); print(d["value"])')
      export "$key=$val"
      ;;
    *)
      code=$(printf '%s' "$line" | python3 -c 'import json,sys; print(json.load(sys.stdin).get("code",""))')
      eval "$code" >/tmp/.kernel_out 2>/tmp/.kernel_err
      out=$(cat /tmp/.kernel_out 2>/dev/null); rm -f /tmp/.kernel_out
      ;;
  esac
  err=$(cat /tmp/.kernel_err 2>/dev/null); rm -f /tmp/.kernel_err
  python3 -c 'import json,sys; print(json.dumps({"stdout": sys.argv[1], "stderr": sys.argv[2], "error": None}))' "$out" "$err"
done
`

type driverRequest struct {
	Op    string `json:"op"`
	Code  string `json:"code,omitempty"`
	Path  string `json:"path,omitempty"`
	Key   string `json:"key,omitempty"`
	Value string `json:"value,omitempty"`
}

type driverResponse struct {
	Stdout string `json:"stdout"`
	Stderr string `json:"stderr"`
	Error  string `json:"error"`
}

// processKernel is a Kernel backed by a persistent, Setsid'd subprocess
// running one of driverScripts. Grounded on the aetherflow agent pool's
// execProcess/ExecProcessStarter shape, adapted from one-shot agent
// processes to a long-lived, request/response kernel process.
type processKernel struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	lines  chan string
	mu     sync.Mutex
	log    *logrus.Entry
	closed bool
}

func startProcessKernel(ctx context.Context, language string, log *logrus.Entry) (*processKernel, error) {
	spec, ok := driverScripts[language]
	if !ok {
		return nil, fmt.Errorf("unsupported interpreter language %q", language)
	}

	cmd := exec.Command(spec.binary, spec.args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("open kernel stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("open kernel stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start kernel process: %w", err)
	}

	k := &processKernel{
		cmd:   cmd,
		stdin: stdin,
		lines: make(chan string, 16),
		log:   log.WithField("language", language),
	}

	go func() {
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
		for scanner.Scan() {
			k.lines <- scanner.Text()
		}
		close(k.lines)
	}()

	return k, nil
}

func (k *processKernel) request(req driverRequest) (driverResponse, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	encoded, err := json.Marshal(req)
	if err != nil {
		return driverResponse{}, err
	}
	if _, err := k.stdin.Write(append(encoded, '\n')); err != nil {
		return driverResponse{}, fmt.Errorf("write kernel request: %w", err)
	}

	line, ok := <-k.lines
	if !ok {
		return driverResponse{}, fmt.Errorf("kernel process exited")
	}
	var resp driverResponse
	if err := json.Unmarshal([]byte(line), &resp); err != nil {
		return driverResponse{}, fmt.Errorf("decode kernel response: %w", err)
	}
	return resp, nil
}

// Execute satisfies Kernel. The driver protocol buffers a request's full
// stdout/stderr rather than interleaving it live, so Execute emits at
// most one stdout event, one stderr event, and a terminal event.
func (k *processKernel) Execute(ctx context.Context, code string) (<-chan Event, error) {
	events := make(chan Event, 4)
	go func() {
		defer close(events)
		resp, err := k.request(driverRequest{Op: "exec", Code: code})
		if err != nil {
			events <- Event{Type: EventError, EValue: err.Error()}
			return
		}
		if resp.Stdout != "" {
			events <- Event{Type: EventStdout, Data: resp.Stdout}
		}
		if resp.Stderr != "" {
			events <- Event{Type: EventStderr, Data: resp.Stderr}
		}
		if resp.Error != "" {
			events <- Event{Type: EventError, EValue: resp.Error}
			return
		}
		events <- Event{Type: EventExecutionComplete}
	}()
	return events, nil
}

func (k *processKernel) SetCwd(ctx context.Context, path string) error {
	resp, err := k.request(driverRequest{Op: "cwd", Path: path})
	if err != nil {
		return err
	}
	if resp.Error != "" {
		return fmt.Errorf("set cwd: %s", resp.Error)
	}
	return nil
}

func (k *processKernel) SetEnv(ctx context.Context, key, value string) error {
	_, err := k.request(driverRequest{Op: "env", Key: key, Value: value})
	return err
}

func (k *processKernel) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return nil
	}
	k.closed = true
	_ = k.stdin.Close()
	if k.cmd.Process != nil {
		_ = k.cmd.Process.Kill()
	}
	return k.cmd.Wait()
}
