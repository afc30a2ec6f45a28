package runguard

import "testing"

func TestBuildInitRequestCPUCeiling(t *testing.T) {
	opt := NewOptions()
	opt.Command = []string{"./program"}
	opt.UseCPULimit = true
	opt.CPULimit = Interval{Soft: 1.2, Hard: 2.3}

	req := buildInitRequest(opt)
	// ceil(2.3)+1 keeps SIGXCPU strictly a last resort.
	if req.CPUHardSeconds != 4 {
		t.Fatalf("expected rlimit cpu 4, got %d", req.CPUHardSeconds)
	}
}

func TestBuildInitRequestNoCPULimit(t *testing.T) {
	opt := NewOptions()
	opt.Command = []string{"./program"}
	req := buildInitRequest(opt)
	if req.CPUHardSeconds != 0 {
		t.Fatalf("expected no rlimit cpu, got %d", req.CPUHardSeconds)
	}
	if req.ProcLimit != -1 {
		t.Fatalf("expected unbounded proc limit, got %d", req.ProcLimit)
	}
}
