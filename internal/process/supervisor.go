package process

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/boz/go-throttle"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/sandboxrun/sandboxd/internal/apierrors"
	"github.com/sandboxrun/sandboxd/internal/utils"
)

// monitorInterval is the ~100ms cadence spec.md §4.3 describes for the
// capture-file delta timer; throttled via github.com/boz/go-throttle the
// same way the teacher coalesces GUI refresh bursts.
const monitorInterval = 100 * time.Millisecond

// killGrace is the SIGTERM→SIGKILL grace window of spec.md §4.3.
const killGrace = 500 * time.Millisecond

// Runner is the seam a Supervisor uses to run shell commands inside its
// owning Session, mirroring the interface-boundary pattern the teacher
// uses for LimitedDockerCommand. Capture files are read directly off disk
// by the Supervisor (not through Runner) because isolation only remounts
// /proc, not /tmp — see DESIGN.md.
type Runner interface {
	Exec(ctx context.Context, command, cwd string) (stdout, stderr string, exitCode int, err error)
}

// Options configures a single StartProcess call, per spec.md §4.3's
// startProcess(command, {processId?, cwd?, env?, timeout?, encoding?,
// autoCleanup?}).
type Options struct {
	ProcessID string
	Cwd       string
	Env       map[string]string
	// Timeout bounds how long the background process may run before it
	// is killed outright; zero means unbounded.
	Timeout time.Duration
	// Encoding declares how captured output should be presented back:
	// "utf-8" (default) or "base64" for output that may not be valid
	// UTF-8, the same two values fsfacade's readFile uses.
	Encoding string
	// AutoClean controls whether capture files are deleted shortly
	// after the process reaches a terminal status (the historical
	// behavior) or left in place for internal/cleanup's Sweeper to
	// reclaim once they age past its max-age window.
	AutoClean bool
}

// Supervisor owns every ProcessRecord started inside one Session, per
// spec.md §3 ownership rules ("Each Session exclusively owns its
// ProcessRecords").
type Supervisor struct {
	sessionID string
	tempDir   string
	runner    Runner
	log       *logrus.Entry

	mu      sync.RWMutex
	records map[string]*Record
}

// NewSupervisor builds a Supervisor bound to one session's Runner.
func NewSupervisor(sessionID, tempDir string, runner Runner, log *logrus.Entry) *Supervisor {
	return &Supervisor{
		sessionID: sessionID,
		tempDir:   tempDir,
		runner:    runner,
		log:       log.WithField("component", "process-supervisor"),
		records:   make(map[string]*Record),
	}
}

// StartProcess implements spec.md §4.3's startProcess.
func (s *Supervisor) StartProcess(ctx context.Context, command string, opts Options) (Snapshot, error) {
	command = strings.TrimSpace(command)
	if command == "" {
		return Snapshot{}, apierrors.New(apierrors.InvalidCommand, "command must not be empty", nil)
	}

	id := opts.ProcessID
	if id == "" {
		id = uuid.NewString()
	}

	stdoutPath := filepath.Join(s.tempDir, fmt.Sprintf("proc_%s.stdout", id))
	stderrPath := filepath.Join(s.tempDir, fmt.Sprintf("proc_%s.stderr", id))
	exitPath := filepath.Join(s.tempDir, fmt.Sprintf("proc_%s.exit", id))

	// Optionally bound the process's own runtime with coreutils' timeout,
	// the same way cmd/sandbox-shell bounds a foreground exec against
	// COMMAND_TIMEOUT_MS — a background process has no other caller-side
	// deadline to race against, so this is its only enforcement point.
	innerCommand := command
	if opts.Timeout > 0 {
		innerCommand = fmt.Sprintf("timeout %.3f sh -c %s", opts.Timeout.Seconds(), shellQuote(command))
	}

	// Wrap in an inner shell so the real exit code survives past `&`;
	// see DESIGN.md for why this elaborates spec.md's literal one-liner.
	wrapped := fmt.Sprintf("nohup sh -c %s > %s 2> %s & echo $!",
		shellQuote(fmt.Sprintf("(%s); echo $? > %s", innerCommand, exitPath)),
		stdoutPath, stderrPath)

	s.log.WithFields(logrus.Fields{"processId": id, "commandBin": utils.CommandBinary(command)}).Debug("starting background process")

	stdout, stderr, exitCode, err := s.runner.Exec(ctx, wrapped, opts.Cwd)
	if err != nil || exitCode != 0 {
		_ = os.Remove(stdoutPath)
		_ = os.Remove(stderrPath)
		_ = os.Remove(exitPath)
		msg := stderr
		if msg == "" {
			msg = "failed to start background process"
		}
		return Snapshot{}, apierrors.New(apierrors.ProcessStartError, msg, map[string]any{"command": command})
	}

	pid, perr := strconv.Atoi(strings.TrimSpace(stdout))
	if perr != nil {
		_ = os.Remove(stdoutPath)
		_ = os.Remove(stderrPath)
		_ = os.Remove(exitPath)
		return Snapshot{}, apierrors.New(apierrors.ProcessStartError, "could not parse pid", map[string]any{"output": stdout})
	}

	rec := newRecord(id, s.sessionID, command, pid, stdoutPath, stderrPath, exitPath, opts.Encoding, opts.AutoClean)

	s.mu.Lock()
	s.records[id] = rec
	s.mu.Unlock()

	return rec.snapshot(), nil
}

// GetProcess refreshes (if running) and returns one record.
func (s *Supervisor) GetProcess(ctx context.Context, id string) (Snapshot, error) {
	rec, ok := s.lookup(id)
	if !ok {
		return Snapshot{}, apierrors.New(apierrors.ResourceNotFound, "no such process", map[string]any{"processId": id})
	}
	s.refresh(ctx, rec)
	return rec.snapshot(), nil
}

// ListProcesses refreshes every running record and returns all snapshots.
func (s *Supervisor) ListProcesses(ctx context.Context) []Snapshot {
	s.mu.RLock()
	recs := make([]*Record, 0, len(s.records))
	for _, r := range s.records {
		recs = append(recs, r)
	}
	s.mu.RUnlock()

	out := make([]Snapshot, 0, len(recs))
	for _, r := range recs {
		s.refresh(ctx, r)
		out = append(out, r.snapshot())
	}
	return out
}

// GetProcessLogs refreshes the cache from capture files and returns it.
func (s *Supervisor) GetProcessLogs(ctx context.Context, id string) (Logs, error) {
	rec, ok := s.lookup(id)
	if !ok {
		return Logs{}, apierrors.New(apierrors.ResourceNotFound, "no such process", map[string]any{"processId": id})
	}
	s.updateCache(rec)
	return rec.logs(), nil
}

// StreamProcessLogs returns a channel of ExecEvent-shaped log events and a
// cancel func, per spec.md §4.3's streamProcessLogs.
type LogEvent struct {
	Stream   string // "stdout" | "stderr" | "complete"
	Data     string
	Status   Status
	ExitCode *int
}

func (s *Supervisor) StreamProcessLogs(ctx context.Context, id string) (<-chan LogEvent, func(), error) {
	rec, ok := s.lookup(id)
	if !ok {
		return nil, nil, apierrors.New(apierrors.ResourceNotFound, "no such process", map[string]any{"processId": id})
	}
	s.updateCache(rec)

	out := make(chan LogEvent, 16)
	subID, initial := rec.subscribeOutput(func(stream, delta string) {
		select {
		case out <- LogEvent{Stream: stream, Data: delta}:
		case <-ctx.Done():
		}
	})

	if initial.Stdout != "" {
		out <- LogEvent{Stream: "stdout", Data: initial.Stdout}
	}
	if initial.Stderr != "" {
		out <- LogEvent{Stream: "stderr", Data: initial.Stderr}
	}

	var statusID int
	statusID = rec.subscribeStatus(func(status Status, exitCode *int) {
		select {
		case out <- LogEvent{Stream: "complete", Status: status, ExitCode: exitCode}:
		case <-ctx.Done():
		}
		close(out)
	})

	cancel := func() {
		rec.unsubscribeOutput(subID)
		rec.unsubscribeStatus(statusID)
	}

	s.startMonitor(ctx, rec)

	if rec.Status.IsTerminal() {
		ec := rec.ExitCode
		out <- LogEvent{Stream: "complete", Status: rec.Status, ExitCode: ec}
		close(out)
		rec.unsubscribeStatus(statusID)
	}

	return out, cancel, nil
}

// KillProcess implements spec.md §4.3's killProcess.
func (s *Supervisor) KillProcess(ctx context.Context, id string) error {
	rec, ok := s.lookup(id)
	if !ok {
		return apierrors.New(apierrors.ResourceNotFound, "no such process", map[string]any{"processId": id})
	}
	s.kill(ctx, rec)
	return nil
}

// KillAllProcesses kills every tracked process and returns the count killed.
func (s *Supervisor) KillAllProcesses(ctx context.Context) int {
	s.mu.RLock()
	recs := make([]*Record, 0, len(s.records))
	for _, r := range s.records {
		recs = append(recs, r)
	}
	s.mu.RUnlock()

	killed := 0
	for _, r := range recs {
		r.mu.Lock()
		already := r.Status.IsTerminal()
		r.mu.Unlock()
		if already {
			continue
		}
		s.kill(ctx, r)
		killed++
	}
	return killed
}

func (s *Supervisor) kill(ctx context.Context, rec *Record) {
	_, _, _, _ = s.runner.Exec(ctx, fmt.Sprintf("kill -TERM %d 2>/dev/null; true", rec.PID), "")
	time.Sleep(killGrace)
	_, _, alive, _ := s.runner.Exec(ctx, fmt.Sprintf("kill -0 %d >/dev/null 2>&1", rec.PID), "")
	if alive == 0 {
		_, _, _, _ = s.runner.Exec(ctx, fmt.Sprintf("kill -KILL %d 2>/dev/null; true", rec.PID), "")
	}
	s.updateCache(rec)
	s.finish(rec, StatusKilled, nil)
}

// HasProcess reports whether this supervisor tracks a process id, without
// refreshing its status; used for the registry's cross-session lookup.
func (s *Supervisor) HasProcess(id string) bool {
	_, ok := s.lookup(id)
	return ok
}

// lookup finds a record across this supervisor only.
func (s *Supervisor) lookup(id string) (*Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	return r, ok
}

// refresh polls liveness for a running record and transitions it to a
// terminal status if the underlying process has exited.
func (s *Supervisor) refresh(ctx context.Context, rec *Record) {
	rec.mu.Lock()
	status := rec.Status
	pid := rec.PID
	rec.mu.Unlock()
	if status.IsTerminal() {
		return
	}

	s.updateCache(rec)

	_, _, exitCode, _ := s.runner.Exec(ctx, fmt.Sprintf("kill -0 %d >/dev/null 2>&1", pid), "")
	if exitCode == 0 {
		return // still alive
	}

	ec := s.readExitCode(rec)
	s.updateCache(rec)
	if ec != nil && *ec != 0 {
		s.finish(rec, StatusFailed, ec)
	} else {
		s.finish(rec, StatusCompleted, ec)
	}
}

func (s *Supervisor) readExitCode(rec *Record) *int {
	data, err := os.ReadFile(rec.exitPath)
	if err != nil {
		return nil
	}
	v, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return nil
	}
	return &v
}

// updateCache re-reads the capture files, extends the cached text, and
// fans out the strictly-monotone delta to output subscribers (spec.md §8
// invariant).
func (s *Supervisor) updateCache(rec *Record) {
	stdout := readAllOrEmpty(rec.StdoutPath)
	stderr := readAllOrEmpty(rec.StderrPath)

	rec.mu.Lock()
	var stdoutDelta, stderrDelta string
	if len(stdout) > len(rec.stdoutCache) && strings.HasPrefix(stdout, rec.stdoutCache) {
		stdoutDelta = stdout[len(rec.stdoutCache):]
		rec.stdoutCache = stdout
	}
	if len(stderr) > len(rec.stderrCache) && strings.HasPrefix(stderr, rec.stderrCache) {
		stderrDelta = stderr[len(rec.stderrCache):]
		rec.stderrCache = stderr
	}
	subs := make([]OutputSubscriber, 0, len(rec.outputSubs))
	for _, sub := range rec.outputSubs {
		subs = append(subs, sub)
	}
	rec.mu.Unlock()

	if stdoutDelta != "" {
		for _, sub := range subs {
			sub("stdout", stdoutDelta)
		}
	}
	if stderrDelta != "" {
		for _, sub := range subs {
			sub("stderr", stderrDelta)
		}
	}
}

// finish transitions rec to a terminal status exactly once, notifies
// status subscribers, and, when rec was started with AutoClean, schedules
// capture-file deletion.
func (s *Supervisor) finish(rec *Record, status Status, exitCode *int) {
	rec.mu.Lock()
	if rec.Status.IsTerminal() {
		rec.mu.Unlock()
		return
	}
	rec.Status = status
	rec.ExitCode = exitCode
	now := time.Now()
	rec.EndedAt = &now
	already := rec.notifiedDone
	rec.notifiedDone = true
	subs := make([]StatusSubscriber, 0, len(rec.statusSubs))
	for _, sub := range rec.statusSubs {
		subs = append(subs, sub)
	}
	stdoutPath, stderrPath, exitPath := rec.StdoutPath, rec.StderrPath, rec.exitPath
	autoClean := rec.autoClean
	rec.mu.Unlock()

	if !already {
		for _, sub := range subs {
			sub(status, exitCode)
		}
	}

	// AutoClean opts into the prompt delete; otherwise capture files are
	// left for internal/cleanup's Sweeper to reclaim once they age past
	// its max-file-age window, so a caller can still fetch final logs a
	// while after the process finished.
	if !autoClean {
		return
	}
	go func() {
		time.Sleep(2 * time.Second)
		_ = os.Remove(stdoutPath)
		_ = os.Remove(stderrPath)
		_ = os.Remove(exitPath)
	}()
}

// startMonitor runs the ~100ms poll/delta timer while rec has at least
// one output subscriber and is not yet terminal, throttled via
// go-throttle to coalesce bursts of subscriber churn into one refresh per
// tick (DESIGN.md).
func (s *Supervisor) startMonitor(ctx context.Context, rec *Record) {
	rec.mu.Lock()
	if rec.monitorActive {
		rec.mu.Unlock()
		return
	}
	rec.monitorActive = true
	rec.mu.Unlock()

	driver := throttle.ThrottleFunc(monitorInterval, true, func() {
		s.refresh(ctx, rec)
	})

	go func() {
		ticker := time.NewTicker(monitorInterval)
		defer ticker.Stop()
		defer driver.Stop()
		for {
			rec.mu.Lock()
			subs := len(rec.outputSubs)
			terminal := rec.Status.IsTerminal()
			rec.mu.Unlock()
			if subs == 0 || terminal {
				rec.mu.Lock()
				rec.monitorActive = false
				rec.mu.Unlock()
				return
			}
			driver.Trigger()
			select {
			case <-ticker.C:
			case <-ctx.Done():
				rec.mu.Lock()
				rec.monitorActive = false
				rec.mu.Unlock()
				return
			}
		}
	}()
}

func readAllOrEmpty(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return string(data)
}

// shellQuote wraps s for safe interpolation into a shell command line.
func shellQuote(s string) string {
	return utils.ShellQuote(s)
}
