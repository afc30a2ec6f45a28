package checker

import (
	"judged/internal/judge/model"
	"judged/internal/runguard"

	"golang.org/x/sys/unix"
)

// ClassifyRun maps a runguard report to a non-verdict status. An empty
// status means the run was clean and the compare stage decides.
func ClassifyRun(meta runguard.Report) model.Status {
	if meta.InternalError != "" {
		return model.StatusSystemError
	}
	// A cgroup OOM kill overrides whatever signal the kernel used to
	// stop the program.
	if meta.MemoryResult == runguard.MemoryResultOOM {
		return model.StatusMemoryLimitExceeded
	}
	if meta.TimeResult == runguard.TimeResultSoft || meta.TimeResult == runguard.TimeResultHard {
		return model.StatusTimeLimitExceeded
	}
	if meta.Signal > 0 {
		switch meta.Signal {
		case int(unix.SIGSEGV), int(unix.SIGBUS):
			return model.StatusSegmentationFault
		case int(unix.SIGFPE):
			return model.StatusFloatingPointError
		case int(unix.SIGSYS):
			return model.StatusRestrictFunction
		case int(unix.SIGXFSZ):
			return model.StatusOutputLimitExceeded
		}
		return model.StatusRuntimeError
	}
	if meta.ExitCode != 0 {
		return model.StatusRuntimeError
	}
	return ""
}
