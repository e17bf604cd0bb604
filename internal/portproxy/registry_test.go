package portproxy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExposeThenListContainsPort(t *testing.T) {
	r := NewRegistry()
	_, err := r.ExposePort(8080, "web")
	require.NoError(t, err)

	ports := r.ListPorts()
	require.Len(t, ports, 1)
	assert.Equal(t, 8080, ports[0].Port)
	assert.Equal(t, StatusActive, ports[0].Status)
}

func TestExposeTwiceFails(t *testing.T) {
	r := NewRegistry()
	_, err := r.ExposePort(8080, "web")
	require.NoError(t, err)

	_, err = r.ExposePort(8080, "web-again")
	require.Error(t, err)
}

func TestExposeInvalidPort(t *testing.T) {
	r := NewRegistry()
	_, err := r.ExposePort(0, "")
	require.Error(t, err)
	_, err = r.ExposePort(70000, "")
	require.Error(t, err)
}

func TestUnexposeRemovesFromList(t *testing.T) {
	r := NewRegistry()
	_, err := r.ExposePort(8080, "")
	require.NoError(t, err)

	require.NoError(t, r.UnexposePort(8080))
	assert.Empty(t, r.ListPorts())

	err = r.UnexposePort(8080)
	require.Error(t, err)
}

func TestCleanupInactiveRemovesOnlyStaleInactive(t *testing.T) {
	r := NewRegistry()
	_, err := r.ExposePort(8080, "")
	require.NoError(t, err)
	_, err = r.ExposePort(9090, "")
	require.NoError(t, err)

	require.NoError(t, r.MarkInactive(8080))

	removed := r.CleanupInactive(time.Now().Add(time.Hour))
	assert.Equal(t, 1, removed)

	_, found := r.Lookup(8080)
	assert.False(t, found)
	_, found = r.Lookup(9090)
	assert.True(t, found)
}
