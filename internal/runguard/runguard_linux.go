//go:build linux

package runguard

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"judged/internal/runguard/cgroup"
	appErr "judged/pkg/errors"
	"judged/pkg/utils/logger"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// killDelay is the pause between the kill-protocol steps.
const killDelay = 100 * time.Millisecond

const (
	timelimitSoft = 1
	timelimitHard = 2
)

// Indexed by walllimit|cpulimit bitmap (bit 0 soft, bit 1 hard).
var timeResultTable = [4]string{TimeResultNone, TimeResultSoft, TimeResultHard, TimeResultHard}

// Supervisor runs one command under the full isolation stack.
type Supervisor struct {
	cg       *cgroup.Controller
	initPath string
}

// NewSupervisor creates a supervisor using the given cgroup controller.
// The init stage is a re-exec of the current binary.
func NewSupervisor(cg *cgroup.Controller) *Supervisor {
	return &Supervisor{cg: cg, initPath: "/proc/self/exe"}
}

// runState is the per-run supervision state. It spans exactly one
// supervised child: set up before spawn, cleared after reap.
type runState struct {
	childPID       int
	reaped         bool
	wallLimit      int
	cpuLimit       int
	receivedSignal int
}

// Run executes the command described by opt and appends the meta
// report. The returned report's ExitCode is the child's exit code, or
// 128+signal when the child was signaled.
func (s *Supervisor) Run(ctx context.Context, opt *Options) (Report, error) {
	if err := opt.Validate(); err != nil {
		return Report{}, err
	}
	report, err := s.supervise(ctx, opt)
	if err != nil {
		report.InternalError = err.Error()
	}
	if opt.MetaPath != "" {
		if metaErr := report.AppendMetaFile(opt.MetaPath); metaErr != nil && err == nil {
			err = metaErr
		}
	}
	return report, err
}

func (s *Supervisor) supervise(ctx context.Context, opt *Options) (Report, error) {
	state := &runState{receivedSignal: -1}

	name := opt.CgroupName
	if name == "" {
		name = fmt.Sprintf("/judger/cgroup_%d_%d", os.Getpid(), time.Now().Unix())
	}

	if err := s.cg.Create(name, cgroup.Options{MemoryKB: opt.MemoryKB, ProcLimit: opt.ProcLimit}); err != nil {
		return Report{}, err
	}
	cleaned := false
	// Scoped guard: whatever path leaves this function, the child pgid
	// is dead and the cgroup is destroyed.
	defer func() {
		if state.childPID > 0 && !state.reaped {
			_ = unix.Kill(-state.childPID, unix.SIGKILL)
			time.Sleep(killDelay)
		}
		if !cleaned {
			_ = s.cg.KillAll(name)
			_ = s.cg.Destroy(name)
		}
	}()

	if err := normalizeOOMScore(); err != nil {
		logger.Warn(ctx, "normalize oom score failed", zap.Error(err))
	}

	// Prefer the eventfd notification; the summary polls oom_control
	// whenever no notification fired, including when arming failed.
	watch, watchErr := s.cg.WatchOOM(name)
	if watchErr != nil {
		logger.Debug(ctx, "oom eventfd unavailable, will poll oom_control", zap.Error(watchErr))
	}
	defer watch.Close()

	cmd := exec.Command(s.initPath, "init")
	cmd.SysProcAttr = buildSysProcAttr(opt)
	var childStderr bytes.Buffer
	cmd.Stdout = &childStderr
	cmd.Stderr = &childStderr

	stdinPipe, err := cmd.StdinPipe()
	if err != nil {
		return Report{}, appErr.Wrapf(err, appErr.SpawnFailed, "create init pipe failed")
	}

	if err := cmd.Start(); err != nil {
		return Report{}, appErr.Wrapf(err, appErr.SpawnFailed, "start init stage failed")
	}
	state.childPID = cmd.Process.Pid

	if err := s.cg.Attach(name, state.childPID); err != nil {
		return Report{}, err
	}

	// The init stage blocks on this request, so the target cannot exec
	// before it is attached to the cgroup.
	if err := json.NewEncoder(stdinPipe).Encode(buildInitRequest(opt)); err != nil {
		stdinPipe.Close()
		return Report{}, appErr.Wrapf(err, appErr.SpawnFailed, "send init request failed")
	}
	stdinPipe.Close()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, unix.SIGTERM)
	defer signal.Stop(sigCh)

	var wallTimer *time.Timer
	var wallFired <-chan time.Time
	if opt.UseWallLimit {
		wallTimer = time.NewTimer(durationFromSeconds(opt.WallLimit.Hard))
		wallFired = wallTimer.C
		defer wallTimer.Stop()
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-sigCh:
				state.receivedSignal = int(unix.SIGTERM)
				s.gracefulKill(ctx, state)
			case <-wallFired:
				state.wallLimit |= timelimitHard
				state.receivedSignal = int(unix.SIGALRM)
				logger.Warn(ctx, "timelimit exceeded (hard wall time): aborting command")
				s.gracefulKill(ctx, state)
				wallFired = nil
			case <-done:
				return
			}
		}
	}()

	start := time.Now()
	waitErr := cmd.Wait()
	close(done)
	wallTime := time.Since(start).Seconds()
	state.reaped = true

	exitCode, err := decodeWaitStatus(ctx, state, cmd, waitErr)
	if err != nil {
		if childStderr.Len() > 0 {
			logger.Warn(ctx, "init stage output", zap.String("output", strings.TrimSpace(childStderr.String())))
		}
		return Report{}, err
	}

	// Shed watchdog privileges before touching the summary files, only
	// if the child ran under our own uid; killing a separate child uid
	// may still need the elevated identity.
	if opt.UserID < 0 {
		if err := unix.Setuid(unix.Getuid()); err != nil {
			return Report{}, appErr.Wrapf(err, appErr.SandboxSystemError, "dropping watchdog privileges failed")
		}
	}

	report, err := s.summarizeCgroup(ctx, opt, state, name, watch, cmd, exitCode, wallTime)
	if err != nil {
		return report, err
	}
	cleaned = true
	return report, nil
}

// gracefulKill first tries to kill graciously, then hard. An already
// exited process group is not an error.
func (s *Supervisor) gracefulKill(ctx context.Context, state *runState) {
	if state.childPID <= 0 {
		return
	}
	logger.Info(ctx, "sending SIGTERM to command")
	if err := unix.Kill(-state.childPID, unix.SIGTERM); err != nil && err != unix.ESRCH {
		logger.Error(ctx, "sending SIGTERM to command failed", zap.Error(err))
	}
	time.Sleep(killDelay)

	logger.Info(ctx, "sending SIGKILL to command")
	if err := unix.Kill(-state.childPID, unix.SIGKILL); err != nil && err != unix.ESRCH {
		logger.Error(ctx, "sending SIGKILL to command failed", zap.Error(err))
	}
	time.Sleep(killDelay)
}

func decodeWaitStatus(ctx context.Context, state *runState, cmd *exec.Cmd, waitErr error) (int, error) {
	procState := cmd.ProcessState
	if procState == nil {
		return 0, appErr.Wrapf(waitErr, appErr.SandboxSystemError, "wait for command failed")
	}
	status, ok := procState.Sys().(syscall.WaitStatus)
	if !ok {
		return 0, appErr.New(appErr.SandboxSystemError).WithMessage("unexpected wait status type")
	}

	switch {
	case status.Exited():
		return status.ExitStatus(), nil
	case status.Signaled():
		sig := status.Signal()
		state.receivedSignal = int(sig)
		if sig == unix.SIGXCPU {
			state.cpuLimit |= timelimitHard
			logger.Warn(ctx, "time limit exceeded (hard cpu limit)")
		} else {
			logger.Warn(ctx, "command terminated with signal", zap.Int("signal", int(sig)), zap.String("name", sig.String()))
		}
		return 128 + int(sig), nil
	case status.Stopped():
		sig := status.StopSignal()
		state.receivedSignal = int(sig)
		logger.Warn(ctx, "command stopped with signal", zap.Int("signal", int(sig)))
		return 128 + int(sig), nil
	}
	return 0, appErr.Newf(appErr.SandboxSystemError, "unknown wait status: %#x", uint32(status))
}

// summarizeCgroup reads the final counters, kills any survivors in the
// group, destroys it and fills in the report.
func (s *Supervisor) summarizeCgroup(ctx context.Context, opt *Options, state *runState, name string, watch *cgroup.OOMWatch, cmd *exec.Cmd, exitCode int, wallTime float64) (Report, error) {
	report := Report{ExitCode: exitCode, WallTime: wallTime}

	memBytes, err := s.cg.ReadMemoryMax(name)
	if err != nil {
		return report, err
	}
	report.MemoryBytes = memBytes
	logger.Info(ctx, "total memory used", zap.Int64("kib", memBytes/1024))

	cpuNs, err := s.cg.ReadCPUNs(name)
	if err != nil {
		return report, err
	}
	report.CPUTime = float64(cpuNs) / 1e9

	isOOM := watch.Fired()
	if !isOOM {
		polled, oomErr := s.cg.ReadOOM(name)
		if oomErr != nil {
			logger.Warn(ctx, "read oom_control failed", zap.Error(oomErr))
		}
		isOOM = polled
	}
	if isOOM {
		report.MemoryResult = MemoryResultOOM
	}

	// No child process may outlive the monitored one, so the group's
	// runtime is the runtime of the whole process tree.
	if err := s.cg.KillAll(name); err != nil {
		return report, err
	}
	if err := s.cg.Destroy(name); err != nil {
		return report, err
	}

	report.UserTime = cmd.ProcessState.UserTime().Seconds()
	report.SysTime = cmd.ProcessState.SystemTime().Seconds()
	if state.receivedSignal > 0 {
		report.Signal = state.receivedSignal
	}

	if opt.UseWallLimit && report.WallTime > opt.WallLimit.Soft {
		state.wallLimit |= timelimitSoft
		logger.Warn(ctx, "time limit exceeded (soft wall time)")
	}
	if opt.UseCPULimit && report.CPUTime > opt.CPULimit.Soft {
		state.cpuLimit |= timelimitSoft
		logger.Warn(ctx, "time limit exceeded (soft cpu time)")
	}
	report.TimeResult = timeResultTable[state.wallLimit|state.cpuLimit]

	logger.Info(ctx, "run finished",
		zap.Float64("wall", report.WallTime),
		zap.Float64("user", report.UserTime),
		zap.Float64("sys", report.SysTime),
		zap.Float64("cpu", report.CPUTime))
	return report, nil
}

func buildSysProcAttr(opt *Options) *syscall.SysProcAttr {
	attr := &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}

	// The mount namespace is always fresh so in-sandbox mounts cannot
	// leak to the host.
	flags := uintptr(syscall.CLONE_NEWNS)
	if opt.SeccompPolicy == "" {
		// Namespace-unshare path: full isolation set. The seccomp path
		// relies on the syscall filter plus rlimits instead.
		flags |= syscall.CLONE_NEWPID | syscall.CLONE_NEWIPC | syscall.CLONE_NEWUTS
		if opt.NetNS == "" {
			flags |= syscall.CLONE_NEWNET
		}
	}
	attr.Cloneflags = flags
	return attr
}

// normalizeOOMScore rewrites a negative OOM-killer bias to 0. The bias
// is inherited by children; a negative inherited value turns memory
// exceeded runs into time limits.
func normalizeOOMScore() error {
	for _, path := range []string{"/proc/self/oom_score_adj", "/proc/self/oom_adj"} {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		value, err := strconv.Atoi(strings.TrimSpace(string(data)))
		if err != nil {
			return appErr.Wrapf(err, appErr.SandboxSystemError, "parse %s failed", path)
		}
		if value < 0 {
			if err := os.WriteFile(path, []byte("0\n"), 0644); err != nil {
				return appErr.Wrapf(err, appErr.SandboxSystemError, "reset %s failed", path)
			}
		}
		return nil
	}
	return nil
}

func durationFromSeconds(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}
