package session

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandboxrun/sandboxd/internal/apierrors"
)

// writeFakeControlChild writes a tiny POSIX-shell stand-in for
// cmd/sandbox-shell: it reads one line-delimited JSON request at a time,
// runs its command with sh -c, and replies with a "result" carrying the
// same id and the command's real stdout, stderr and exit code, which is
// enough to exercise Session's framing/correlation plumbing without a
// real interactive shell.
func writeFakeControlChild(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fake-sandbox-shell")
	script := "#!/bin/sh\n" +
		"while IFS= read -r line; do\n" +
		"  id=$(printf '%s' \"$line\" | sed -n 's/.*\"id\":\"\\([^\"]*\\)\".*/\\1/p')\n" +
		"  command=$(printf '%s' \"$line\" | sed -n 's/.*\"command\":\"\\(.*\\)\"[,}].*/\\1/p')\n" +
		"  errfile=$(mktemp)\n" +
		"  out=$(sh -c \"$command\" 2>\"$errfile\")\n" +
		"  code=$?\n" +
		"  err=$(cat \"$errfile\")\n" +
		"  rm -f \"$errfile\"\n" +
		"  out=$(printf '%s' \"$out\" | sed ':a;N;$!ba;s/\\n/\\\\n/g; s/\"/\\\\\"/g')\n" +
		"  err=$(printf '%s' \"$err\" | sed ':a;N;$!ba;s/\\n/\\\\n/g; s/\"/\\\\\"/g')\n" +
		"  printf '{\"op\":\"result\",\"id\":\"%s\",\"stdout\":\"%s\",\"stderr\":\"%s\",\"exitCode\":%s}\\n' \"$id\" \"$out\" \"$err\" \"$code\"\n" +
		"done\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func newTestSession(t *testing.T) *Session {
	t.Helper()
	return newTestSessionWithTimeout(t, 2*time.Second)
}

func newTestSessionWithTimeout(t *testing.T, commandTimeout time.Duration) *Session {
	t.Helper()
	log := logrus.New().WithField("test", true)
	s, err := newSession(Options{ID: "t1"}, writeFakeControlChild(t), t.TempDir(), commandTimeout, false, log)
	require.NoError(t, err)
	t.Cleanup(s.Destroy)
	return s
}

func TestSessionExecRoundTrip(t *testing.T) {
	s := newTestSession(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	res, err := s.ExecCommand(ctx, "echo hello", "")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 0, res.ExitCode)
	assert.Contains(t, res.Stdout, "hello")
}

func TestSessionExecRejectsRelativeCwd(t *testing.T) {
	s := newTestSession(t)
	_, err := s.ExecCommand(context.Background(), "pwd", "relative/path")
	require.Error(t, err)
}

func TestSessionExecTimeout(t *testing.T) {
	s := newTestSession(t)
	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Millisecond)
	defer cancel()
	time.Sleep(5 * time.Millisecond)

	_, err := s.ExecCommand(ctx, "sleep 5", "")
	require.Error(t, err)
}

func TestSessionExecUsesConfiguredCommandTimeoutEvenWithNoCallerDeadline(t *testing.T) {
	s := newTestSessionWithTimeout(t, 20*time.Millisecond)

	_, err := s.ExecCommand(context.Background(), "sleep 5", "")
	require.Error(t, err)

	var apiErr *apierrors.Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, apierrors.Timeout, apiErr.Code)
}

func TestSessionDestroyMarksNotReady(t *testing.T) {
	s := newTestSession(t)
	s.Destroy()
	assert.False(t, s.isReady())

	_, err := s.ExecCommand(context.Background(), "echo hi", "")
	require.Error(t, err)
}

func TestNewSessionRejectsRelativeCwd(t *testing.T) {
	log := logrus.New().WithField("test", true)
	_, err := newSession(Options{ID: "bad", Cwd: "relative"}, writeFakeControlChild(t), t.TempDir(), time.Second, false, log)
	require.Error(t, err)
}

func TestNewSessionRejectsIsolationUnderStrictModeWhenUnavailable(t *testing.T) {
	log := logrus.New().WithField("test", true)
	if isolationAvailable(log) {
		t.Skip("host grants namespace isolation; strict-mode rejection path is untestable here")
	}

	_, err := newSession(Options{ID: "strict", Isolation: true}, writeFakeControlChild(t), t.TempDir(), time.Second, true, log)
	require.Error(t, err)

	var apiErr *apierrors.Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, apierrors.ValidationFailed, apiErr.Code)
}

func TestNewSessionAllowsIsolationUnderNonStrictModeWhenUnavailable(t *testing.T) {
	log := logrus.New().WithField("test", true)
	if isolationAvailable(log) {
		t.Skip("host grants namespace isolation; degrade-gracefully path is untestable here")
	}

	s, err := newSession(Options{ID: "lenient", Isolation: true}, writeFakeControlChild(t), t.TempDir(), 2*time.Second, false, log)
	require.NoError(t, err)
	t.Cleanup(s.Destroy)
}
