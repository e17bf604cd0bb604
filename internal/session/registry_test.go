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

	"github.com/sandboxrun/sandboxd/internal/process"
)

// newTestRegistry points a Registry at the same fake control-child script
// session_test.go uses, bypassing the usual next-to-executable lookup.
func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	log := logrus.New().WithField("test", true)
	r := NewRegistry(t.TempDir(), 2*time.Second, false, log)
	r.shellBinPath = writeFakeControlChild(t)
	t.Cleanup(r.DestroyAll)
	return r
}

func TestRegistryLazyDefaultSession(t *testing.T) {
	r := newTestRegistry(t)
	sess, err := r.GetSession("")
	require.NoError(t, err)
	assert.Equal(t, DefaultSessionID, sess.ID)

	again, err := r.GetSession(DefaultSessionID)
	require.NoError(t, err)
	assert.Same(t, sess, again)
}

func TestRegistryGetUnknownNonDefaultFails(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.GetSession("does-not-exist")
	require.Error(t, err)
}

func TestRegistryCreateSessionReplacesExisting(t *testing.T) {
	r := newTestRegistry(t)
	first, err := r.CreateSession(Options{ID: "dup"})
	require.NoError(t, err)

	second, err := r.CreateSession(Options{ID: "dup"})
	require.NoError(t, err)

	assert.NotSame(t, first, second)
	assert.False(t, first.isReady())
}

func TestRegistryListSessionsSortedByID(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.CreateSession(Options{ID: "bravo"})
	require.NoError(t, err)
	_, err = r.CreateSession(Options{ID: "alpha"})
	require.NoError(t, err)

	ids := make([]string, 0, 2)
	for _, s := range r.ListSessions() {
		ids = append(ids, s.ID)
	}
	require.Len(t, ids, 2)
	assert.Equal(t, []string{"alpha", "bravo"}, ids)
}

func TestRegistryDestroySession(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.CreateSession(Options{ID: "gone"})
	require.NoError(t, err)

	assert.True(t, r.DestroySession("gone"))
	assert.False(t, r.DestroySession("gone"))

	_, err = r.GetSession("gone")
	require.Error(t, err)
}

func TestRegistryFindProcessAcrossSessions(t *testing.T) {
	r := newTestRegistry(t)
	sess, err := r.CreateSession(Options{ID: "withproc"})
	require.NoError(t, err)

	snap, err := sess.Processes.StartProcess(context.Background(), "echo hi", process.Options{})
	require.NoError(t, err)

	sessionID, found := r.FindProcess(snap.ID)
	require.True(t, found)
	assert.Equal(t, "withproc", sessionID)

	_, found = r.FindProcess("no-such-process")
	assert.False(t, found)
}

func TestNewRegistryResolvesShellBinaryPath(t *testing.T) {
	log := logrus.New().WithField("test", true)
	r := NewRegistry(t.TempDir(), time.Second, false, log)
	assert.NotEmpty(t, r.shellBinPath)
	assert.Equal(t, filepath.Base(r.shellBinPath) != "", true)
	_ = os.Getenv
}
