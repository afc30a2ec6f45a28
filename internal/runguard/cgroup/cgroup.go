// Package cgroup manages the per-run cgroup v1 hierarchy used for
// resource accounting and limits.
package cgroup

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	appErr "judged/pkg/errors"

	"golang.org/x/sys/unix"
)

// Subsystems addressed for every run.
var subsystems = []string{"memory", "cpuacct", "cpuset", "pids"}

// Options carries the limits applied at creation time.
type Options struct {
	// MemoryKB limits memory+swap, in KiB. 0 leaves the limit unset.
	MemoryKB int64
	// ProcLimit writes pids.max when >= 0.
	ProcLimit int64
}

// Controller creates, queries and destroys per-run cgroups under a
// common filesystem root (normally /sys/fs/cgroup).
type Controller struct {
	fsRoot string
}

// New returns a controller rooted at fsRoot. An empty fsRoot selects
// the standard mount point.
func New(fsRoot string) *Controller {
	if fsRoot == "" {
		fsRoot = "/sys/fs/cgroup"
	}
	return &Controller{fsRoot: fsRoot}
}

// path resolves a controller-relative path. name starts with "/",
// e.g. "/judger/cgroup_42_1700000000".
func (c *Controller) path(subsystem, name string, file string) string {
	if file == "" {
		return filepath.Join(c.fsRoot, subsystem, name)
	}
	return filepath.Join(c.fsRoot, subsystem, name, file)
}

// Create mkdirs the subsystem paths and applies the creation-time
// limits.
func (c *Controller) Create(name string, opt Options) error {
	for _, subsystem := range subsystems {
		if err := os.MkdirAll(c.path(subsystem, name, ""), 0755); err != nil {
			return appErr.Wrapf(err, appErr.CgroupError, "create cgroup %s/%s failed", subsystem, name)
		}
	}

	if opt.MemoryKB > 0 {
		limit := strconv.FormatInt(opt.MemoryKB*1024, 10)
		if err := c.write("memory", name, "memory.limit_in_bytes", limit); err != nil {
			return err
		}
		// memsw is absent when swap accounting is disabled; the plain
		// memory limit still holds then.
		if err := c.write("memory", name, "memory.memsw.limit_in_bytes", limit); err != nil && !appErr.Is(err, appErr.NotFound) {
			return err
		}
	}

	if opt.ProcLimit >= 0 {
		if err := c.write("pids", name, "pids.max", strconv.FormatInt(opt.ProcLimit, 10)); err != nil {
			return err
		}
	}

	// cpuset refuses task attachment until cpus and mems are populated;
	// inherit both from the parent group.
	for _, file := range []string{"cpuset.cpus", "cpuset.mems"} {
		parent, err := c.read("cpuset", filepath.Dir(name), file)
		if err != nil {
			return err
		}
		if err := c.write("cpuset", name, file, parent); err != nil {
			return err
		}
	}
	return nil
}

// Attach adds pid to every subsystem's tasks file.
func (c *Controller) Attach(name string, pid int) error {
	for _, subsystem := range subsystems {
		if err := c.write(subsystem, name, "tasks", strconv.Itoa(pid)); err != nil {
			return err
		}
	}
	return nil
}

// ReadMemoryMax returns the peak memory+swap usage in bytes.
func (c *Controller) ReadMemoryMax(name string) (int64, error) {
	value, err := c.read("memory", name, "memory.memsw.max_usage_in_bytes")
	if err != nil {
		// Fall back to the non-swap counter.
		value, err = c.read("memory", name, "memory.max_usage_in_bytes")
		if err != nil {
			return 0, err
		}
	}
	parsed, perr := strconv.ParseInt(value, 10, 64)
	if perr != nil {
		return 0, appErr.Wrapf(perr, appErr.CgroupError, "parse memory usage failed")
	}
	return parsed, nil
}

// ReadCPUNs returns the accumulated cpu time in nanoseconds.
func (c *Controller) ReadCPUNs(name string) (int64, error) {
	value, err := c.read("cpuacct", name, "cpuacct.usage")
	if err != nil {
		return 0, err
	}
	parsed, perr := strconv.ParseInt(value, 10, 64)
	if perr != nil {
		return 0, appErr.Wrapf(perr, appErr.CgroupError, "parse cpuacct usage failed")
	}
	return parsed, nil
}

// ReadOOM scans memory.oom_control for a positive oom_kill count.
func (c *Controller) ReadOOM(name string) (bool, error) {
	data, err := os.ReadFile(c.path("memory", name, "memory.oom_control"))
	if err != nil {
		return false, appErr.Wrapf(err, appErr.CgroupError, "read oom_control failed")
	}
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) != 2 || fields[0] != "oom_kill" {
			continue
		}
		count, _ := strconv.ParseInt(fields[1], 10, 64)
		return count > 0, nil
	}
	return false, nil
}

// Pids returns the tasks listed in the memory subsystem.
func (c *Controller) Pids(name string) ([]int, error) {
	data, err := os.ReadFile(c.path("memory", name, "tasks"))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, appErr.Wrapf(err, appErr.CgroupError, "read tasks failed")
	}
	var pids []int
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		pid, err := strconv.Atoi(line)
		if err != nil {
			continue
		}
		pids = append(pids, pid)
	}
	return pids, nil
}

// KillAll SIGKILLs every task in the group and polls until the group is
// empty. No child process survives the supervised run, so the group's
// runtime is the runtime of the whole process tree.
func (c *Controller) KillAll(name string) error {
	const pollDelay = 10 * time.Millisecond
	const maxPolls = 500

	for poll := 0; poll < maxPolls; poll++ {
		pids, err := c.Pids(name)
		if err != nil {
			return err
		}
		if len(pids) == 0 {
			return nil
		}
		for _, pid := range pids {
			if err := unix.Kill(pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
				return appErr.Wrapf(err, appErr.CgroupError, "kill pid %d failed", pid)
			}
		}
		time.Sleep(pollDelay)
	}
	return appErr.New(appErr.CgroupError).WithMessagef("cgroup %s still has tasks after kill", name)
}

// Destroy removes the subsystem directories. A missing directory is not
// an error, so destroying twice is a no-op the second time.
func (c *Controller) Destroy(name string) error {
	for _, subsystem := range subsystems {
		if err := os.Remove(c.path(subsystem, name, "")); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return appErr.Wrapf(err, appErr.CgroupError, "remove cgroup %s/%s failed", subsystem, name)
		}
	}
	return nil
}

func (c *Controller) write(subsystem, name, file, value string) error {
	path := c.path(subsystem, name, file)
	if err := os.WriteFile(path, []byte(value), 0644); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return appErr.Wrapf(err, appErr.NotFound, "cgroup file %s missing", path)
		}
		return appErr.Wrapf(err, appErr.CgroupError, "write %s failed", path)
	}
	return nil
}

func (c *Controller) read(subsystem, name, file string) (string, error) {
	path := c.path(subsystem, name, file)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", appErr.Wrapf(err, appErr.NotFound, "cgroup file %s missing", path)
		}
		return "", appErr.Wrapf(err, appErr.CgroupError, "read %s failed", path)
	}
	return strings.TrimSpace(string(data)), nil
}
