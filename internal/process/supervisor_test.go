package process

import (
	"context"
	"encoding/base64"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRunner executes commands with the host's real shell, which is good
// enough to exercise the nohup/exit-file/kill-0 plumbing without a real
// isolated Session.
type fakeRunner struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeRunner) Exec(ctx context.Context, command, cwd string) (string, string, int, error) {
	f.mu.Lock()
	f.calls = append(f.calls, command)
	f.mu.Unlock()

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	if cwd != "" {
		cmd.Dir = cwd
	}
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	exitCode := 0
	if err != nil {
		if ee, ok := err.(*exec.ExitError); ok {
			exitCode = ee.ExitCode()
		} else {
			return stdout.String(), stderr.String(), -1, err
		}
	}
	return stdout.String(), stderr.String(), exitCode, nil
}

func newTestSupervisor(t *testing.T) (*Supervisor, *fakeRunner) {
	t.Helper()
	dir := t.TempDir()
	log := logrus.New().WithField("test", true)
	runner := &fakeRunner{}
	return NewSupervisor("sess-1", dir, runner, log), runner
}

func TestStartProcessCompletes(t *testing.T) {
	sup, _ := newTestSupervisor(t)
	ctx := context.Background()

	snap, err := sup.StartProcess(ctx, "echo hello", Options{})
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, snap.Status)
	assert.Greater(t, snap.PID, 0)

	require.Eventually(t, func() bool {
		s, err := sup.GetProcess(ctx, snap.ID)
		require.NoError(t, err)
		return s.Status == StatusCompleted
	}, 3*time.Second, 20*time.Millisecond)

	logs, err := sup.GetProcessLogs(ctx, snap.ID)
	require.NoError(t, err)
	assert.Contains(t, logs.Stdout, "hello")
}

func TestStartProcessFailureExitCode(t *testing.T) {
	sup, _ := newTestSupervisor(t)
	ctx := context.Background()

	snap, err := sup.StartProcess(ctx, "exit 7", Options{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		s, err := sup.GetProcess(ctx, snap.ID)
		require.NoError(t, err)
		return s.Status.IsTerminal()
	}, 3*time.Second, 20*time.Millisecond)

	final, err := sup.GetProcess(ctx, snap.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, final.Status)
	require.NotNil(t, final.ExitCode)
	assert.Equal(t, 7, *final.ExitCode)
}

func TestKillProcessTransitionsToKilled(t *testing.T) {
	sup, _ := newTestSupervisor(t)
	ctx := context.Background()

	snap, err := sup.StartProcess(ctx, "sleep 30", Options{})
	require.NoError(t, err)

	require.NoError(t, sup.KillProcess(ctx, snap.ID))

	final, err := sup.GetProcess(ctx, snap.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusKilled, final.Status)
}

func TestGetProcessUnknownID(t *testing.T) {
	sup, _ := newTestSupervisor(t)
	_, err := sup.GetProcess(context.Background(), "nope")
	require.Error(t, err)
}

func TestStreamProcessLogsDeliversCompleteEvent(t *testing.T) {
	sup, _ := newTestSupervisor(t)
	ctx, cancelCtx := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancelCtx()

	snap, err := sup.StartProcess(ctx, "echo streamed", Options{})
	require.NoError(t, err)

	events, cancel, err := sup.StreamProcessLogs(ctx, snap.ID)
	require.NoError(t, err)
	defer cancel()

	var sawComplete bool
	for ev := range events {
		if ev.Stream == "complete" {
			sawComplete = true
		}
	}
	assert.True(t, sawComplete)
}

func TestStartProcessRejectsEmptyCommand(t *testing.T) {
	sup, _ := newTestSupervisor(t)
	_, err := sup.StartProcess(context.Background(), "   ", Options{})
	require.Error(t, err)
}

func TestShellQuoteEscapesSingleQuotes(t *testing.T) {
	q := shellQuote(`it's a "test"`)
	assert.Equal(t, `'it'\''s a "test"'`, q)
}

func TestStartProcessTimeoutKillsLongRunningCommand(t *testing.T) {
	sup, _ := newTestSupervisor(t)
	ctx := context.Background()

	snap, err := sup.StartProcess(ctx, "sleep 30", Options{Timeout: 200 * time.Millisecond})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		s, err := sup.GetProcess(ctx, snap.ID)
		require.NoError(t, err)
		return s.Status.IsTerminal()
	}, 3*time.Second, 20*time.Millisecond)
}

func TestStartProcessBase64EncodingEncodesLogs(t *testing.T) {
	sup, _ := newTestSupervisor(t)
	ctx := context.Background()

	snap, err := sup.StartProcess(ctx, "echo hello", Options{Encoding: "base64"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		s, err := sup.GetProcess(ctx, snap.ID)
		require.NoError(t, err)
		return s.Status == StatusCompleted
	}, 3*time.Second, 20*time.Millisecond)

	logs, err := sup.GetProcessLogs(ctx, snap.ID)
	require.NoError(t, err)
	decoded, decErr := base64.StdEncoding.DecodeString(logs.Stdout)
	require.NoError(t, decErr)
	assert.Contains(t, string(decoded), "hello")
}

func TestStartProcessAutoCleanFalseLeavesCaptureFiles(t *testing.T) {
	sup, _ := newTestSupervisor(t)
	ctx := context.Background()

	snap, err := sup.StartProcess(ctx, "echo persisted", Options{AutoClean: false})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		s, err := sup.GetProcess(ctx, snap.ID)
		require.NoError(t, err)
		return s.Status == StatusCompleted
	}, 3*time.Second, 20*time.Millisecond)

	time.Sleep(2500 * time.Millisecond)

	logs, err := sup.GetProcessLogs(ctx, snap.ID)
	require.NoError(t, err)
	assert.Contains(t, logs.Stdout, "persisted")
}
