package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnippetRedirectsOutputAndTouchesSentinel(t *testing.T) {
	dir := t.TempDir()
	stdoutPath, stderrPath, exitPath, donePath := captureFiles(dir, "req-1")

	line := snippet("echo hi", "", 0, stdoutPath, stderrPath, exitPath, donePath)
	assert.Contains(t, line, "echo hi")
	assert.Contains(t, line, stdoutPath)
	assert.Contains(t, line, stderrPath)
	assert.Contains(t, line, "touch")
	assert.Contains(t, line, donePath)
}

func TestSnippetChangesDirectoryWhenCwdGiven(t *testing.T) {
	dir := t.TempDir()
	stdoutPath, stderrPath, exitPath, donePath := captureFiles(dir, "req-2")

	line := snippet("pwd", "/tmp", 0, stdoutPath, stderrPath, exitPath, donePath)
	assert.Contains(t, line, "cd")
	assert.Contains(t, line, "/tmp")
}

func TestSnippetWrapsCommandInTimeoutWhenCommandTimeoutGiven(t *testing.T) {
	dir := t.TempDir()
	stdoutPath, stderrPath, exitPath, donePath := captureFiles(dir, "req-timeout")

	line := snippet("sleep 5", "", 2*time.Second, stdoutPath, stderrPath, exitPath, donePath)
	assert.Contains(t, line, "timeout 2.000")
	assert.Contains(t, line, "sleep 5")
}

func TestRunExecutesThroughPersistentShell(t *testing.T) {
	shell, err := newInteractiveShell(os.TempDir())
	require.NoError(t, err)
	defer shell.close()

	result, err := shell.run(t.TempDir(), "req-3", "echo hello-from-shell", "", 0)
	require.NoError(t, err)
	assert.Equal(t, "hello-from-shell\n", result.stdout)
	assert.Equal(t, 0, result.exitCode)
}

func TestRunCapturesNonZeroExitCode(t *testing.T) {
	shell, err := newInteractiveShell(os.TempDir())
	require.NoError(t, err)
	defer shell.close()

	result, err := shell.run(t.TempDir(), "req-4", "exit 7", "", 0)
	require.NoError(t, err)
	assert.Equal(t, 7, result.exitCode)
}

func TestRunCleansUpCaptureFilesAfterCompletion(t *testing.T) {
	shell, err := newInteractiveShell(os.TempDir())
	require.NoError(t, err)
	defer shell.close()

	tempDir := t.TempDir()
	_, err = shell.run(tempDir, "req-5", "echo done", "", 0)
	require.NoError(t, err)

	stdoutPath, stderrPath, exitPath, donePath := captureFiles(tempDir, "req-5")
	for _, p := range []string{stdoutPath, stderrPath, exitPath, donePath} {
		_, statErr := os.Stat(p)
		assert.True(t, os.IsNotExist(statErr), "expected %s to be removed", p)
	}
}

func TestRunStreamingDeliversDeltasThenCompletes(t *testing.T) {
	shell, err := newInteractiveShell(os.TempDir())
	require.NoError(t, err)
	defer shell.close()

	var chunks []string
	result, err := shell.runStreaming(t.TempDir(), "req-6", "echo streamed", "", 0, func(stream, delta string) {
		chunks = append(chunks, stream+":"+delta)
	})
	require.NoError(t, err)
	assert.Equal(t, 0, result.exitCode)
	assert.Contains(t, chunks, "stdout:streamed\n")
}

func TestRunKillsCommandPastCommandTimeout(t *testing.T) {
	shell, err := newInteractiveShell(os.TempDir())
	require.NoError(t, err)
	defer shell.close()

	start := time.Now()
	result, err := shell.run(t.TempDir(), "req-7", "sleep 5", "", 200*time.Millisecond)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 4*time.Second)
	assert.NotEqual(t, 0, result.exitCode)
}

func TestReadExitCodeHandlesMissingFile(t *testing.T) {
	assert.Equal(t, -1, readExitCode(filepath.Join(t.TempDir(), "nope")))
}

func TestTrimNewlineStripsTrailingCRLF(t *testing.T) {
	assert.Equal(t, "7", trimNewline("7\r\n"))
	assert.Equal(t, "7", trimNewline("7\n"))
	assert.Equal(t, "7", trimNewline("7"))
}

func TestWaitForSentinelReturnsOnceFileAppears(t *testing.T) {
	dir := t.TempDir()
	donePath := filepath.Join(dir, "sentinel")

	done := make(chan struct{})
	go func() {
		waitForSentinel(donePath)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	require.NoError(t, os.WriteFile(donePath, nil, 0o644))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("waitForSentinel did not return after sentinel appeared")
	}
}
