package session

import (
	"os/exec"
	"sync"
	"syscall"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

var (
	capOnce  sync.Once
	capAvail bool
)

// isolationAvailable probes, once per daemon lifetime, whether the host
// kernel permits fresh PID+mount namespaces for a child process (spec.md
// §4.1: "Capability is detected once per daemon lifetime by attempting a
// no-op unshare; success is cached"). The probe spawns a real short-lived
// child rather than calling unix.Unshare in-process, since unsharing the
// daemon's own namespaces would be irreversible for this goroutine's
// OS thread.
func isolationAvailable(log *logrus.Entry) bool {
	capOnce.Do(func() {
		cmd := exec.Command("true")
		cmd.SysProcAttr = &syscall.SysProcAttr{
			Cloneflags: unix.CLONE_NEWPID | unix.CLONE_NEWNS,
		}
		err := cmd.Run()
		capAvail = err == nil
		if !capAvail {
			log.WithError(err).Info("namespace isolation unavailable on this host; isolated sessions will run without it")
		}
	})
	return capAvail
}

// sysProcAttrFor returns the SysProcAttr to launch a control child's
// shell with, applying namespace isolation only when both requested and
// available; the caller still succeeds either way (spec.md §4.1: "the
// shell is launched without namespaces ... the request still succeeds").
func sysProcAttrFor(isolated bool, log *logrus.Entry) *syscall.SysProcAttr {
	if !isolated || !isolationAvailable(log) {
		return nil
	}
	return &syscall.SysProcAttr{
		Cloneflags: unix.CLONE_NEWPID | unix.CLONE_NEWNS,
	}
}
