//go:build linux

package runguard

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"

	"judged/internal/runguard/seccomp"
	appErr "judged/pkg/errors"

	"golang.org/x/sys/unix"
)

// RunInit is the child side of the supervisor: it reads the init
// request from stdin, applies every restriction and execs the target.
// It only returns on error; any message it prints reaches the
// supervisor through the inherited stderr.
func RunInit(stdin io.Reader) error {
	var req initRequest
	if err := json.NewDecoder(stdin).Decode(&req); err != nil {
		return appErr.Wrapf(err, appErr.SpawnFailed, "decode init request failed")
	}
	if len(req.Command) == 0 {
		return appErr.ValidationError("command", "required")
	}

	// We are in a fresh mount namespace. Rebind / as private to undo
	// systemd's shared default, otherwise later in-sandbox mounts leak
	// to the host.
	if err := unix.Mount("none", "/", "", unix.MS_REC|unix.MS_PRIVATE, ""); err != nil {
		return appErr.Wrapf(err, appErr.NamespaceError, "make root mount private failed")
	}

	if req.NetNS != "" {
		if err := joinNetNS(req.NetNS); err != nil {
			return err
		}
	}

	if req.Preexecute != "" {
		// Failure is logged but tolerated, matching the long-standing
		// supervisor behavior.
		cmd := exec.Command("/bin/sh", "-c", req.Preexecute)
		cmd.Stdout = os.Stderr
		cmd.Stderr = os.Stderr
		if err := cmd.Run(); err != nil {
			fmt.Fprintf(os.Stderr, "preexecute command failed: %v\n", err)
		}
	}

	if err := redirectStreams(req); err != nil {
		return err
	}
	if err := applyChildRestrictions(req); err != nil {
		return err
	}

	env := append(os.Environ(), req.Env...)
	path, err := exec.LookPath(req.Command[0])
	if err != nil {
		return appErr.Wrapf(err, appErr.SpawnFailed, "resolve command %s failed", req.Command[0])
	}
	if err := unix.Exec(path, req.Command, env); err != nil {
		return appErr.Wrapf(err, appErr.SpawnFailed, "unable to start command %s", req.Command[0])
	}
	return nil
}

func joinNetNS(name string) error {
	fd, err := unix.Open("/var/run/netns/"+name, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return appErr.Wrapf(err, appErr.NamespaceError, "opening netns %s failed", name)
	}
	defer unix.Close(fd)
	if err := unix.Setns(fd, unix.CLONE_NEWNET); err != nil {
		return appErr.Wrapf(err, appErr.NamespaceError, "joining netns %s failed", name)
	}
	return nil
}

// redirectStreams wires the standard descriptors to the configured
// files. Stdin always moves off the init request pipe.
func redirectStreams(req initRequest) error {
	stdin := req.StdinPath
	if stdin == "" {
		stdin = os.DevNull
	}
	if err := dupInto(stdin, unix.O_RDONLY, 0); err != nil {
		return err
	}
	if req.StdoutPath != "" {
		if err := dupInto(req.StdoutPath, unix.O_CREAT|unix.O_WRONLY|unix.O_TRUNC, 1); err != nil {
			return err
		}
	}
	if req.StderrPath != "" {
		if err := dupInto(req.StderrPath, unix.O_CREAT|unix.O_WRONLY|unix.O_TRUNC, 2); err != nil {
			return err
		}
	}
	return nil
}

func dupInto(path string, flags int, target int) error {
	fd, err := unix.Open(path, flags, 0644)
	if err != nil {
		return appErr.Wrapf(err, appErr.SpawnFailed, "open %s failed", path)
	}
	if err := unix.Dup3(fd, target, 0); err != nil {
		unix.Close(fd)
		return appErr.Wrapf(err, appErr.SpawnFailed, "redirect fd %d failed", target)
	}
	return unix.Close(fd)
}

// applyChildRestrictions installs the sandbox restrictions in a fixed
// order; the seccomp filter goes last so setup syscalls stay usable.
func applyChildRestrictions(req initRequest) error {
	if req.FileKB > 0 {
		limit := uint64(req.FileKB) * 1024
		if err := unix.Setrlimit(unix.RLIMIT_FSIZE, &unix.Rlimit{Cur: limit, Max: limit}); err != nil {
			return appErr.Wrapf(err, appErr.SandboxSystemError, "set rlimit fsize failed")
		}
	}
	if err := unix.Setrlimit(unix.RLIMIT_STACK, &unix.Rlimit{Cur: unix.RLIM_INFINITY, Max: unix.RLIM_INFINITY}); err != nil {
		return appErr.Wrapf(err, appErr.SandboxSystemError, "set rlimit stack failed")
	}
	if req.ProcLimit >= 0 {
		limit := uint64(req.ProcLimit)
		if err := unix.Setrlimit(unix.RLIMIT_NPROC, &unix.Rlimit{Cur: limit, Max: limit}); err != nil {
			return appErr.Wrapf(err, appErr.SandboxSystemError, "set rlimit nproc failed")
		}
	}
	if req.CPUHardSeconds > 0 {
		limit := req.CPUHardSeconds
		if err := unix.Setrlimit(unix.RLIMIT_CPU, &unix.Rlimit{Cur: limit, Max: limit}); err != nil {
			return appErr.Wrapf(err, appErr.SandboxSystemError, "set rlimit cpu failed")
		}
	}

	// Chroot while still privileged; the identity drop follows.
	if req.Root != "" {
		if err := unix.Chroot(req.Root); err != nil {
			return appErr.Wrapf(err, appErr.SandboxSystemError, "chroot failed")
		}
		if err := unix.Chdir("/"); err != nil {
			return appErr.Wrapf(err, appErr.SandboxSystemError, "chdir to new root failed")
		}
	}
	if req.WorkDir != "" {
		if err := unix.Chdir(req.WorkDir); err != nil {
			return appErr.Wrapf(err, appErr.SandboxSystemError, "chdir workdir failed")
		}
	}

	if req.GroupID >= 0 {
		if err := unix.Setgroups([]int{req.GroupID}); err != nil {
			return appErr.Wrapf(err, appErr.SandboxSystemError, "set groups failed")
		}
		if err := unix.Setgid(req.GroupID); err != nil {
			return appErr.Wrapf(err, appErr.SandboxSystemError, "set gid failed")
		}
	}
	if req.UserID >= 0 {
		if err := unix.Setuid(req.UserID); err != nil {
			return appErr.Wrapf(err, appErr.SandboxSystemError, "set uid failed")
		}
	}

	if req.SeccompPolicy != "" {
		policy, err := seccomp.LoadPolicy(req.SeccompPolicy)
		if err != nil {
			return err
		}
		if err := seccomp.Apply(policy); err != nil {
			return err
		}
	}
	return nil
}
