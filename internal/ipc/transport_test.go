package ipc

import (
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestTransportEchoesFraming exercises real line-delimited JSON framing
// over a child process's pipes using `cat` as a trivial echo child,
// verifying a written Request round-trips as a parsed Reply line.
func TestTransportEchoesFraming(t *testing.T) {
	var mu sync.Mutex
	var got []Reply
	replyCh := make(chan struct{}, 4)

	log := logrus.New().WithField("test", true)
	tr, err := Start(Options{Path: "cat"}, log, func(r Reply) {
		mu.Lock()
		got = append(got, r)
		mu.Unlock()
		replyCh <- struct{}{}
	}, func(error) {})
	require.NoError(t, err)
	defer tr.Close()

	require.NoError(t, tr.Send(Request{Op: OpExec, ID: "abc-1", Command: "echo hi"}))

	select {
	case <-replyCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for echoed reply")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, "abc-1", got[0].ID)
}
