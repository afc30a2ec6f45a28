package model

import (
	"time"

	appErr "judged/pkg/errors"
)

// AssetSpec is the wire form of one asset. Exactly one of Text, Path or
// URI is set.
type AssetSpec struct {
	Name     string `json:"name"`
	Text     string `json:"text,omitempty"`
	Path     string `json:"path,omitempty"`
	URI      string `json:"uri,omitempty"`
	Checksum string `json:"checksum,omitempty"`
	IsText   bool   `json:"is_text,omitempty"`
}

// TestcaseSpec is the wire form of one test case.
type TestcaseSpec struct {
	Inputs  []AssetSpec `json:"inputs"`
	Outputs []AssetSpec `json:"outputs"`
}

// TaskSpec is the wire form of one judge task. Absent depends_on and
// testcase_id translate to -1.
type TaskSpec struct {
	CheckScript   string `json:"check_script,omitempty"`
	RunScript     string `json:"run_script,omitempty"`
	CompareScript string `json:"compare_script,omitempty"`

	TestcaseID  *int    `json:"testcase_id,omitempty"`
	DependsOn   *int    `json:"depends_on,omitempty"`
	DependsCond string  `json:"depends_cond,omitempty"`
	TimeLimit   float64 `json:"time_limit,omitempty"`
	MemoryLimit int64   `json:"memory_limit,omitempty"`
	FileLimit   int64   `json:"file_limit,omitempty"`
	ProcLimit   *int64  `json:"proc_limit,omitempty"`
	IsRandom    bool    `json:"is_random,omitempty"`
}

// SubmissionMessage is the intake wire format of one submission.
type SubmissionMessage struct {
	Category     string         `json:"category"`
	ProblemID    string         `json:"problem_id"`
	SubmissionID string         `json:"submission_id"`
	SubmittedAt  int64          `json:"submitted_at"`
	Language     string         `json:"language"`
	Source       []AssetSpec    `json:"source"`
	EntryFile    string         `json:"entry_file,omitempty"`
	Testcases    []TestcaseSpec `json:"testcases"`
	Tasks        []TaskSpec     `json:"tasks"`
}

// ToSubmission converts the wire form into the in-memory model.
func (m *SubmissionMessage) ToSubmission() (*Submission, error) {
	if m.SubmissionID == "" {
		return nil, appErr.ValidationError("submission_id", "required")
	}
	if len(m.Source) == 0 {
		return nil, appErr.ValidationError("source", "required")
	}
	if len(m.Tasks) == 0 {
		return nil, appErr.ValidationError("tasks", "required")
	}

	source := SourceCode{Language: m.Language, EntryIndex: -1}
	for i, spec := range m.Source {
		asset, err := spec.toAsset()
		if err != nil {
			return nil, err
		}
		source.Files = append(source.Files, asset)
		if m.EntryFile != "" && spec.Name == m.EntryFile {
			source.EntryIndex = i
		}
	}

	testdata := make([]TestCaseData, 0, len(m.Testcases))
	for _, testcase := range m.Testcases {
		var data TestCaseData
		for _, spec := range testcase.Inputs {
			asset, err := spec.toAsset()
			if err != nil {
				return nil, err
			}
			data.Inputs = append(data.Inputs, asset)
		}
		for _, spec := range testcase.Outputs {
			asset, err := spec.toAsset()
			if err != nil {
				return nil, err
			}
			data.Outputs = append(data.Outputs, asset)
		}
		testdata = append(testdata, data)
	}

	tasks := make([]JudgeTask, 0, len(m.Tasks))
	for _, spec := range m.Tasks {
		task := JudgeTask{
			CheckScript:   spec.CheckScript,
			RunScript:     spec.RunScript,
			CompareScript: spec.CompareScript,
			TestcaseID:    -1,
			DependsOn:     -1,
			DependsCond:   CondAccepted,
			TimeLimit:     spec.TimeLimit,
			MemoryLimit:   spec.MemoryLimit,
			FileLimit:     spec.FileLimit,
			ProcLimit:     -1,
			IsRandom:      spec.IsRandom,
		}
		if spec.TestcaseID != nil {
			task.TestcaseID = *spec.TestcaseID
		}
		if spec.DependsOn != nil {
			task.DependsOn = *spec.DependsOn
		}
		if spec.ProcLimit != nil {
			task.ProcLimit = *spec.ProcLimit
		}
		if spec.DependsCond != "" {
			switch DependencyCondition(spec.DependsCond) {
			case CondAccepted, CondPartialCorrect, CondNonTimeLimit:
				task.DependsCond = DependencyCondition(spec.DependsCond)
			default:
				return nil, appErr.Newf(appErr.SubmissionInvalid, "unknown dependency condition %q", spec.DependsCond)
			}
		}
		tasks = append(tasks, task)
	}

	return &Submission{
		Category:     m.Category,
		ProblemID:    m.ProblemID,
		SubmissionID: m.SubmissionID,
		UpdatedAt:    time.Unix(m.SubmittedAt, 0),
		Source:       source,
		TestData:     testdata,
		Tasks:        tasks,
	}, nil
}

func (s AssetSpec) toAsset() (Asset, error) {
	if s.Name == "" {
		return nil, appErr.ValidationError("asset_name", "required")
	}
	switch {
	case s.URI != "":
		return &RemoteAsset{FileName: s.Name, URI: s.URI, Checksum: s.Checksum}, nil
	case s.Path != "":
		return &FileAsset{FileName: s.Name, Path: s.Path}, nil
	case s.Text != "" || s.IsText:
		return &TextAsset{FileName: s.Name, Content: s.Text}, nil
	}
	return nil, appErr.Newf(appErr.SubmissionInvalid, "asset %s has no content source", s.Name)
}
