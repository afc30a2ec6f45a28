package model

import "time"

// SourceCode is a language tag plus an ordered list of source assets.
type SourceCode struct {
	Language string
	Files    []Asset
	// EntryIndex designates the entry file within Files, or -1.
	EntryIndex int
}

// TestCaseData holds the input and expected-output assets of one test
// case, identified by positional index within the submission.
type TestCaseData struct {
	Inputs  []Asset
	Outputs []Asset
}

// JudgeTask is a node in the submission's dependency forest.
type JudgeTask struct {
	CheckScript   string
	RunScript     string
	CompareScript string

	// TestcaseID indexes the submission's test-case list, or -1 for
	// tasks without test data (e.g. the global compile task).
	TestcaseID int

	// DependsOn is the index of the single predecessor task, or -1.
	DependsOn int
	// DependsCond decides whether this task runs once the predecessor
	// completed.
	DependsCond DependencyCondition

	// TimeLimit is in seconds and may be fractional.
	TimeLimit float64
	// MemoryLimit is in KiB.
	MemoryLimit int64
	// FileLimit caps per-file output size, in KiB.
	FileLimit int64
	// ProcLimit caps the process count; -1 means unbounded.
	ProcLimit int64

	// IsRandom marks tasks whose output is non-deterministic.
	IsRandom bool
}

// JudgeResult is produced per task.
type JudgeResult struct {
	Status Status

	// WallTime and CPUTime are in seconds.
	WallTime float64
	CPUTime  float64
	// MemoryKB is the peak memory in KiB.
	MemoryKB int64

	ExitCode int
	// Signal is the terminating signal, or 0.
	Signal int

	Stdout        string
	Stderr        string
	CheckerReport string
	Score         string
}

// Submission is the unit of work handed to the orchestrator. The core
// borrows it for the duration of judging and writes back Results, a
// list parallel to Tasks.
type Submission struct {
	Category     string
	ProblemID    string
	SubmissionID string
	UpdatedAt    time.Time

	Source   SourceCode
	TestData []TestCaseData
	Tasks    []JudgeTask
	Results  []JudgeResult
}

// Done reports whether every task has a terminal result.
func (s *Submission) Done() bool {
	if len(s.Results) != len(s.Tasks) {
		return false
	}
	for i := range s.Results {
		if !s.Results[i].Status.IsTerminal() {
			return false
		}
	}
	return true
}
