package checker

import (
	"testing"

	"judged/internal/judge/model"
	"judged/internal/runguard"

	"golang.org/x/sys/unix"
)

func TestClassifyRun(t *testing.T) {
	cases := []struct {
		name string
		meta runguard.Report
		want model.Status
	}{
		{"clean", runguard.Report{}, ""},
		{"internal error", runguard.Report{InternalError: "cgroup gone"}, model.StatusSystemError},
		{"soft timelimit", runguard.Report{TimeResult: runguard.TimeResultSoft}, model.StatusTimeLimitExceeded},
		{"hard timelimit", runguard.Report{TimeResult: runguard.TimeResultHard}, model.StatusTimeLimitExceeded},
		{"oom", runguard.Report{MemoryResult: runguard.MemoryResultOOM}, model.StatusMemoryLimitExceeded},
		// An OOM kill arrives as SIGKILL; the cgroup flag wins.
		{"oom overrides signal", runguard.Report{MemoryResult: runguard.MemoryResultOOM, Signal: int(unix.SIGKILL), ExitCode: 137}, model.StatusMemoryLimitExceeded},
		{"segv", runguard.Report{Signal: int(unix.SIGSEGV), ExitCode: 139}, model.StatusSegmentationFault},
		{"bus", runguard.Report{Signal: int(unix.SIGBUS)}, model.StatusSegmentationFault},
		{"fpe", runguard.Report{Signal: int(unix.SIGFPE), ExitCode: 136}, model.StatusFloatingPointError},
		{"sigsys", runguard.Report{Signal: int(unix.SIGSYS)}, model.StatusRestrictFunction},
		{"sigxfsz", runguard.Report{Signal: int(unix.SIGXFSZ)}, model.StatusOutputLimitExceeded},
		{"other signal", runguard.Report{Signal: int(unix.SIGKILL), ExitCode: 137}, model.StatusRuntimeError},
		{"nonzero exit", runguard.Report{ExitCode: 1}, model.StatusRuntimeError},
	}
	for _, tc := range cases {
		if got := ClassifyRun(tc.meta); got != tc.want {
			t.Errorf("%s: got %q, want %q", tc.name, got, tc.want)
		}
	}
}
