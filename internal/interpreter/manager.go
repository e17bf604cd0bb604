package interpreter

import (
	"context"
	"os/exec"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// ProcessManager is the real Manager: it probes for each driver's
// interpreter binary once at startup (mirroring the isolation capability
// probe in internal/session) and reports not-ready until that probe
// completes, so the first /api/execute/code request after daemon start
// gets a clean InterpreterNotReady rather than a raw spawn failure.
type ProcessManager struct {
	log      *logrus.Entry
	ready    atomic.Bool
	progress atomic.Int32
}

// NewProcessManager builds a ProcessManager and starts its background
// probe immediately.
func NewProcessManager(log *logrus.Entry) *ProcessManager {
	m := &ProcessManager{log: log.WithField("component", "interpreter-manager")}
	go m.probe()
	return m
}

func (m *ProcessManager) probe() {
	total := len(driverScripts)
	done := 0
	for language, spec := range driverScripts {
		if _, err := exec.LookPath(spec.binary); err != nil {
			m.log.WithField("language", language).WithError(err).Warn("interpreter binary not found")
		}
		done++
		m.progress.Store(int32(done * 100 / total))
	}
	m.ready.Store(true)
}

func (m *ProcessManager) Ready() bool {
	return m.ready.Load()
}

func (m *ProcessManager) Progress() int {
	return int(m.progress.Load())
}

func (m *ProcessManager) StartKernel(ctx context.Context, language string) (Kernel, error) {
	return startProcessKernel(ctx, language, m.log)
}
