package runguard

import (
	"flag"
	"strconv"
	"strings"

	appErr "judged/pkg/errors"
)

// Interval is a soft/hard limit pair in fractional seconds.
type Interval struct {
	Soft float64
	Hard float64
}

// Options configures one supervised run.
type Options struct {
	// Root is the chroot target; WorkDir the chdir target.
	Root    string
	WorkDir string

	// UserID and GroupID drop the child identity when >= 0.
	UserID  int
	GroupID int

	UseWallLimit bool
	WallLimit    Interval
	UseCPULimit  bool
	CPULimit     Interval

	// MemoryKB limits resident+swap memory via the cgroup, in KiB.
	MemoryKB int64
	// FileKB caps per-file output via RLIMIT_FSIZE, in KiB.
	FileKB int64
	// ProcLimit caps the process count; -1 means unbounded.
	ProcLimit int64

	StdinPath  string
	StdoutPath string
	StderrPath string

	// MetaPath is the destination of the meta report.
	MetaPath string

	// NetNS names an existing network namespace to join. Empty means a
	// fresh one is unshared on the namespace path.
	NetNS string

	// Preexecute is a one-shot shell command run after namespace setup.
	Preexecute string

	// SeccompPolicy is the policy file path. Absence selects the
	// namespace-unshare isolation path.
	SeccompPolicy string

	// CgroupName overrides the auto-generated per-run cgroup name.
	CgroupName string

	// Env holds explicit KEY=VALUE overrides added to the parent
	// environment.
	Env []string

	// Command is the target argv.
	Command []string
}

// NewOptions returns options with the documented defaults.
func NewOptions() *Options {
	return &Options{
		UserID:    -1,
		GroupID:   -1,
		ProcLimit: -1,
	}
}

// ParseArgs parses the supervisor command line. The trailing argv after
// "--" is the target command.
func ParseArgs(args []string) (*Options, error) {
	opt := NewOptions()

	fs := flag.NewFlagSet("runguard", flag.ContinueOnError)
	var wallSpec, cpuSpec string
	fs.StringVar(&opt.Root, "root", "", "chroot target")
	fs.StringVar(&opt.WorkDir, "work-dir", "", "chdir target")
	fs.IntVar(&opt.UserID, "user", -1, "run as uid")
	fs.IntVar(&opt.GroupID, "group", -1, "run as gid")
	fs.StringVar(&wallSpec, "wall-time", "", "wall clock limit soft:hard in seconds")
	fs.StringVar(&cpuSpec, "cpu-time", "", "cpu time limit soft:hard in seconds")
	fs.Int64Var(&opt.MemoryKB, "memory", 0, "memory limit in KiB")
	fs.Int64Var(&opt.FileKB, "file-size", 0, "output file size limit in KiB")
	fs.Int64Var(&opt.ProcLimit, "nproc", -1, "process count limit")
	fs.StringVar(&opt.StdinPath, "stdin", "", "redirect stdin from file")
	fs.StringVar(&opt.StdoutPath, "stdout", "", "redirect stdout to file")
	fs.StringVar(&opt.StderrPath, "stderr", "", "redirect stderr to file")
	fs.StringVar(&opt.MetaPath, "meta", "", "meta report destination")
	fs.StringVar(&opt.NetNS, "netns", "", "join an existing network namespace")
	fs.StringVar(&opt.Preexecute, "preexecute", "", "setup command run after namespace setup")
	fs.StringVar(&opt.SeccompPolicy, "seccomp", "", "seccomp policy file")
	fs.StringVar(&opt.CgroupName, "cgroup", "", "cgroup name override")

	if err := fs.Parse(args); err != nil {
		return nil, appErr.Wrapf(err, appErr.InvalidParams, "parse runguard options failed")
	}

	if wallSpec != "" {
		interval, err := parseInterval(wallSpec)
		if err != nil {
			return nil, appErr.Wrapf(err, appErr.InvalidParams, "invalid wall-time %q", wallSpec)
		}
		opt.WallLimit = interval
		opt.UseWallLimit = true
	}
	if cpuSpec != "" {
		interval, err := parseInterval(cpuSpec)
		if err != nil {
			return nil, appErr.Wrapf(err, appErr.InvalidParams, "invalid cpu-time %q", cpuSpec)
		}
		opt.CPULimit = interval
		opt.UseCPULimit = true
	}

	opt.Command = fs.Args()
	if len(opt.Command) == 0 {
		return nil, appErr.New(appErr.InvalidParams).WithMessage("target command is required")
	}
	return opt, nil
}

// parseInterval parses "soft:hard"; a single value sets both.
func parseInterval(spec string) (Interval, error) {
	soft, hard, found := strings.Cut(spec, ":")
	softVal, err := strconv.ParseFloat(soft, 64)
	if err != nil {
		return Interval{}, err
	}
	if !found {
		return Interval{Soft: softVal, Hard: softVal}, nil
	}
	hardVal, err := strconv.ParseFloat(hard, 64)
	if err != nil {
		return Interval{}, err
	}
	if hardVal < softVal {
		return Interval{}, appErr.New(appErr.InvalidParams).WithMessage("hard limit below soft limit")
	}
	return Interval{Soft: softVal, Hard: hardVal}, nil
}

// Validate checks option consistency before a run.
func (o *Options) Validate() error {
	if len(o.Command) == 0 {
		return appErr.ValidationError("command", "required")
	}
	if o.MetaPath == "" {
		return appErr.ValidationError("meta", "required")
	}
	if o.UseWallLimit && o.WallLimit.Soft <= 0 {
		return appErr.ValidationError("wall-time", "must be positive")
	}
	if o.UseCPULimit && o.CPULimit.Soft <= 0 {
		return appErr.ValidationError("cpu-time", "must be positive")
	}
	return nil
}
