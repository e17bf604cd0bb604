package interpreter

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeKernel is an in-memory Kernel double: no subprocess, just enough
// state to exercise Pool's cwd/env reconfiguration and execute plumbing.
type fakeKernel struct {
	mu     sync.Mutex
	cwd    string
	env    map[string]string
	closed bool
	fail   bool
}

func newFakeKernel() *fakeKernel {
	return &fakeKernel{env: make(map[string]string)}
}

func (k *fakeKernel) Execute(ctx context.Context, code string) (<-chan Event, error) {
	events := make(chan Event, 2)
	k.mu.Lock()
	fail := k.fail
	k.mu.Unlock()
	if fail {
		events <- Event{Type: EventError, EValue: "boom"}
	} else {
		events <- Event{Type: EventStdout, Data: code}
		events <- Event{Type: EventExecutionComplete}
	}
	close(events)
	return events, nil
}

func (k *fakeKernel) SetCwd(ctx context.Context, path string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.cwd = path
	return nil
}

func (k *fakeKernel) SetEnv(ctx context.Context, key, value string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.env[key] = value
	return nil
}

func (k *fakeKernel) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.closed = true
	return nil
}

// fakeManager is a Manager double that is ready from construction and
// hands out fakeKernels, counting how many it started.
type fakeManager struct {
	started atomic.Int32
	ready   atomic.Bool
	// startDelay, when set, widens the window a racy resolveContext would
	// need to land two concurrent kernel starts in.
	startDelay time.Duration
}

func newFakeManager() *fakeManager {
	m := &fakeManager{}
	m.ready.Store(true)
	return m
}

func (m *fakeManager) Ready() bool    { return m.ready.Load() }
func (m *fakeManager) Progress() int  { return 100 }
func (m *fakeManager) StartKernel(ctx context.Context, language string) (Kernel, error) {
	if m.startDelay > 0 {
		time.Sleep(m.startDelay)
	}
	m.started.Add(1)
	return newFakeKernel(), nil
}

func testLog() *logrus.Entry {
	return logrus.New().WithField("test", true)
}

func TestCreateContextStartsNewKernelWhenPoolEmpty(t *testing.T) {
	manager := newFakeManager()
	pool := NewPool(manager, map[string]LanguagePoolConfig{"python": {Min: 0, Max: 4}}, testLog())

	c, err := pool.CreateContext(context.Background(), CreateOptions{Language: "python", Cwd: "/work"})
	require.NoError(t, err)
	assert.Equal(t, "python", c.Language)
	assert.Equal(t, "/work", c.Cwd)
	assert.EqualValues(t, 1, manager.started.Load())
}

func TestCreateContextFailsWhenPoolExhausted(t *testing.T) {
	manager := newFakeManager()
	pool := NewPool(manager, map[string]LanguagePoolConfig{"python": {Min: 0, Max: 1}}, testLog())

	_, err := pool.CreateContext(context.Background(), CreateOptions{Language: "python"})
	require.NoError(t, err)

	_, err = pool.CreateContext(context.Background(), CreateOptions{Language: "python"})
	require.Error(t, err)
}

func TestCreateContextReusesPooledContext(t *testing.T) {
	manager := newFakeManager()
	pool := NewPool(manager, map[string]LanguagePoolConfig{"python": {Min: 0, Max: 4}}, testLog())

	require.NoError(t, pool.WarmPool(context.Background(), "python", 2))
	assert.EqualValues(t, 2, manager.started.Load())

	c, err := pool.CreateContext(context.Background(), CreateOptions{Language: "python"})
	require.NoError(t, err)
	assert.True(t, c.Pooled)
	assert.EqualValues(t, 2, manager.started.Load(), "reusing a pooled context must not start a new kernel")
}

func TestExecuteCodeLazilyCreatesDefaultContext(t *testing.T) {
	manager := newFakeManager()
	pool := NewPool(manager, map[string]LanguagePoolConfig{"python": {Min: 0, Max: 4}}, testLog())

	events, err := pool.ExecuteCode(context.Background(), "", "print(1)", "")
	require.NoError(t, err)

	var saw []EventType
	for e := range events {
		saw = append(saw, e.Type)
	}
	assert.Equal(t, []EventType{EventStdout, EventExecutionComplete}, saw)

	// A second call with no contextId must reuse the same default context.
	_, err = pool.ExecuteCode(context.Background(), "", "print(2)", "")
	require.NoError(t, err)
	assert.EqualValues(t, 1, manager.started.Load())
}

func TestExecuteCodeUnknownContextIsNotFound(t *testing.T) {
	manager := newFakeManager()
	pool := NewPool(manager, map[string]LanguagePoolConfig{"python": {Min: 0, Max: 4}}, testLog())

	_, err := pool.ExecuteCode(context.Background(), "missing-id", "1+1", "")
	require.Error(t, err)
}

func TestDeleteContextReturnsPooledContextToAvailable(t *testing.T) {
	manager := newFakeManager()
	pool := NewPool(manager, map[string]LanguagePoolConfig{"python": {Min: 0, Max: 4}}, testLog())

	require.NoError(t, pool.WarmPool(context.Background(), "python", 1))
	c, err := pool.CreateContext(context.Background(), CreateOptions{Language: "python"})
	require.NoError(t, err)

	require.NoError(t, pool.DeleteContext(c.ID))
	assert.Len(t, pool.ListContexts(), 0)

	lp := pool.languagePool("python")
	assert.Len(t, lp.available, 1)
}

func TestDeleteContextClearsLanguageDefault(t *testing.T) {
	manager := newFakeManager()
	pool := NewPool(manager, map[string]LanguagePoolConfig{"python": {Min: 0, Max: 4}}, testLog())

	_, err := pool.ExecuteCode(context.Background(), "", "1", "")
	require.NoError(t, err)

	defaultID := pool.defaults["python"]
	require.NoError(t, pool.DeleteContext(defaultID))
	assert.Empty(t, pool.defaults["python"])

	_, err = pool.ExecuteCode(context.Background(), "", "2", "")
	require.NoError(t, err)
	assert.EqualValues(t, 2, manager.started.Load(), "losing the default must lazily recreate it")
}

func TestResolveContextCreatesDefaultAtMostOnceUnderConcurrency(t *testing.T) {
	manager := newFakeManager()
	manager.startDelay = 20 * time.Millisecond
	pool := NewPool(manager, map[string]LanguagePoolConfig{"python": {Min: 0, Max: 32}}, testLog())

	const concurrency = 16
	results := make([]*Ctx, concurrency)
	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		i := i
		go func() {
			defer wg.Done()
			c, err := pool.resolveContext(context.Background(), "", "python")
			if err == nil {
				results[i] = c
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, manager.started.Load(), "concurrent default-context resolution must start exactly one kernel")
	for i, c := range results {
		require.NotNil(t, c, "goroutine %d got no context", i)
		assert.Same(t, results[0], c, "every concurrent caller must converge on the same default context")
	}
}

func TestInterpreterNotReadyBlocksOperations(t *testing.T) {
	manager := newFakeManager()
	manager.ready.Store(false)
	pool := NewPool(manager, map[string]LanguagePoolConfig{"python": {Min: 0, Max: 4}}, testLog())

	_, err := pool.CreateContext(context.Background(), CreateOptions{Language: "python"})
	require.Error(t, err)
}

func TestCircuitBreakerTripsAfterSustainedFailures(t *testing.T) {
	breaker := newCircuitBreaker(3, 50*time.Millisecond)
	assert.False(t, breaker.open())

	breaker.recordFailure()
	breaker.recordFailure()
	assert.False(t, breaker.open())
	breaker.recordFailure()
	assert.True(t, breaker.open())

	time.Sleep(60 * time.Millisecond)
	assert.False(t, breaker.open())
}
