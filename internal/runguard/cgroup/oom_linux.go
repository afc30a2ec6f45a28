//go:build linux

package cgroup

import (
	"fmt"
	"os"

	appErr "judged/pkg/errors"

	"golang.org/x/sys/unix"
)

// OOMWatch is an eventfd-based out-of-memory notification armed through
// cgroup.event_control.
type OOMWatch struct {
	efd int
}

// WatchOOM registers an eventfd against the group's memory.oom_control.
// Callers fall back to ReadOOM polling when arming fails.
func (c *Controller) WatchOOM(name string) (*OOMWatch, error) {
	efd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.CgroupError, "create eventfd failed")
	}

	oomControl, err := os.Open(c.path("memory", name, "memory.oom_control"))
	if err != nil {
		unix.Close(efd)
		return nil, appErr.Wrapf(err, appErr.CgroupError, "open oom_control failed")
	}
	defer oomControl.Close()

	arm := fmt.Sprintf("%d %d", efd, int(oomControl.Fd()))
	if err := os.WriteFile(c.path("memory", name, "cgroup.event_control"), []byte(arm), 0644); err != nil {
		unix.Close(efd)
		return nil, appErr.Wrapf(err, appErr.CgroupError, "write event_control failed")
	}
	return &OOMWatch{efd: efd}, nil
}

// Fired reports whether an OOM kill notification arrived. It does not
// block.
func (w *OOMWatch) Fired() bool {
	if w == nil || w.efd < 0 {
		return false
	}
	var buf [8]byte
	n, err := unix.Read(w.efd, buf[:])
	return err == nil && n == len(buf)
}

// Close releases the eventfd.
func (w *OOMWatch) Close() {
	if w == nil || w.efd < 0 {
		return
	}
	unix.Close(w.efd)
	w.efd = -1
}
