// Package cleanup runs the background sweep that removes stale
// control-process transport files and process capture files from the
// daemon's temp directory, mirroring the ticker-driven poll loops the
// teacher uses for its own background monitors (see
// DockerCommand.MonitorContainerStats).
package cleanup

import (
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
)

// Sweeper periodically removes files under Dir that are older than
// MaxAge. Session and process cleanup already remove their own files on
// a clean shutdown; this sweep is the backstop for files left behind by
// a session or process that never reached that path (a killed daemon, a
// control-child that crashed mid-command).
type Sweeper struct {
	dir      string
	maxAge   time.Duration
	interval time.Duration
	log      *logrus.Entry
}

// New builds a Sweeper over dir, removing entries older than maxAge every
// interval once Run is called.
func New(dir string, maxAge, interval time.Duration, log *logrus.Entry) *Sweeper {
	return &Sweeper{
		dir:      dir,
		maxAge:   maxAge,
		interval: interval,
		log:      log.WithField("component", "cleanup-sweeper"),
	}
}

// Run blocks, sweeping on every tick until stop is closed.
func (s *Sweeper) Run(stop <-chan struct{}) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if n := s.sweepOnce(); n > 0 {
				s.log.WithField("removed", n).Debug("swept stale temp files")
			}
		}
	}
}

// sweepOnce removes every direct child of dir whose mtime is older than
// maxAge, returning the number removed. No entry is skipped: a live
// session's session-<id> directory or a running process's capture files
// are removed as well once their mtime passes maxAge.
func (s *Sweeper) sweepOnce() int {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0
	}

	cutoff := time.Now().Add(-s.maxAge)
	removed := 0
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(s.dir, entry.Name())); err == nil {
			removed++
		}
	}
	return removed
}
