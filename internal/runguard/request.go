package runguard

import "math"

// initRequest is the handshake sent to the re-exec'd init stage on its
// stdin. The supervisor delays sending it until the child is attached
// to the run cgroup, so every syscall the target makes is accounted.
type initRequest struct {
	Root    string `json:"root,omitempty"`
	WorkDir string `json:"workDir,omitempty"`

	UserID  int `json:"userID"`
	GroupID int `json:"groupID"`

	FileKB    int64 `json:"fileKB"`
	ProcLimit int64 `json:"procLimit"`
	// CPUHardSeconds is the RLIMIT_CPU ceiling; 0 leaves it unset.
	CPUHardSeconds uint64 `json:"cpuHardSeconds"`

	StdinPath  string `json:"stdinPath,omitempty"`
	StdoutPath string `json:"stdoutPath,omitempty"`
	StderrPath string `json:"stderrPath,omitempty"`

	NetNS         string   `json:"netns,omitempty"`
	Preexecute    string   `json:"preexecute,omitempty"`
	SeccompPolicy string   `json:"seccompPolicy,omitempty"`
	Env           []string `json:"env,omitempty"`
	Command       []string `json:"command"`
}

func buildInitRequest(opt *Options) initRequest {
	req := initRequest{
		Root:          opt.Root,
		WorkDir:       opt.WorkDir,
		UserID:        opt.UserID,
		GroupID:       opt.GroupID,
		FileKB:        opt.FileKB,
		ProcLimit:     opt.ProcLimit,
		StdinPath:     opt.StdinPath,
		StdoutPath:    opt.StdoutPath,
		StderrPath:    opt.StderrPath,
		NetNS:         opt.NetNS,
		Preexecute:    opt.Preexecute,
		SeccompPolicy: opt.SeccompPolicy,
		Env:           opt.Env,
		Command:       opt.Command,
	}
	if opt.UseCPULimit {
		// One second above the hard cpu limit, rounded up, so the kernel
		// delivers SIGXCPU as a last-resort hard limit.
		req.CPUHardSeconds = uint64(math.Ceil(opt.CPULimit.Hard)) + 1
	}
	return req
}
