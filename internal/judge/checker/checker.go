// Package checker drives the compile/run/compare scripts for one judge
// task and maps their results onto the verdict taxonomy.
package checker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"judged/internal/judge/model"
	"judged/internal/runguard"
	appErr "judged/pkg/errors"
	"judged/pkg/utils/logger"

	"github.com/google/shlex"
	"go.uber.org/zap"
)

const defaultOutputMaxBytes int64 = 64 * 1024

// Config controls script resolution and sandbox layout.
type Config struct {
	// ScriptDir holds one executable per script identifier.
	ScriptDir string
	// WorkRoot is where per-submission sandboxes are created.
	WorkRoot string
	// CacheDir is the shared checker cache passed to every script.
	CacheDir string
	// ChrootDir is the sandbox root filesystem passed to every script.
	ChrootDir string
	// RunguardPath is exported to scripts as RUNGUARD.
	RunguardPath string
	// ScriptTimeout bounds one script invocation.
	ScriptTimeout time.Duration
	// OutputMaxBytes caps stdout/stderr excerpts in results.
	OutputMaxBytes int64
}

// Checker executes judge tasks through the script protocol.
type Checker struct {
	cfg     Config
	fetcher model.Fetcher
}

// New creates a checker. WorkRoot and ScriptDir are required. fetcher
// may be nil when no submission carries remote assets.
func New(cfg Config, fetcher model.Fetcher) (*Checker, error) {
	if cfg.ScriptDir == "" {
		return nil, appErr.ValidationError("script_dir", "required")
	}
	if cfg.WorkRoot == "" {
		return nil, appErr.ValidationError("work_root", "required")
	}
	if cfg.ScriptTimeout <= 0 {
		cfg.ScriptTimeout = 5 * time.Minute
	}
	if cfg.OutputMaxBytes <= 0 {
		cfg.OutputMaxBytes = defaultOutputMaxBytes
	}
	return &Checker{cfg: cfg, fetcher: fetcher}, nil
}

// layout resolves the per-submission sandbox paths.
type layout struct {
	root    string
	workDir string
	dataDir string
}

func (c *Checker) layoutFor(sub *model.Submission) layout {
	root := filepath.Join(c.cfg.WorkRoot, sub.SubmissionID)
	return layout{
		root:    root,
		workDir: filepath.Join(root, "work"),
		dataDir: filepath.Join(root, "data"),
	}
}

// Prepare materializes the source files and every test case into the
// submission sandbox. It runs once, before any task is scheduled.
func (c *Checker) Prepare(ctx context.Context, sub *model.Submission) error {
	lay := c.layoutFor(sub)
	if err := os.MkdirAll(lay.workDir, 0755); err != nil {
		return appErr.Wrapf(err, appErr.StorageError, "create sandbox workdir failed")
	}
	for _, asset := range sub.Source.Files {
		if err := asset.Materialize(ctx, lay.workDir, c.fetcher); err != nil {
			return err
		}
	}
	for i, testcase := range sub.TestData {
		caseDir := filepath.Join(lay.dataDir, fmt.Sprintf("case_%d", i))
		if err := os.MkdirAll(caseDir, 0755); err != nil {
			return appErr.Wrapf(err, appErr.StorageError, "create testcase dir failed")
		}
		for _, asset := range testcase.Inputs {
			if err := asset.Materialize(ctx, caseDir, c.fetcher); err != nil {
				return err
			}
		}
		for _, asset := range testcase.Outputs {
			if err := asset.Materialize(ctx, caseDir, c.fetcher); err != nil {
				return err
			}
		}
	}
	return nil
}

// Cleanup removes the submission sandbox.
func (c *Checker) Cleanup(sub *model.Submission) {
	_ = os.RemoveAll(filepath.Join(c.cfg.WorkRoot, sub.SubmissionID))
}

// ExecuteTask runs one task to a terminal result. Script failures are
// fatal to this task only.
func (c *Checker) ExecuteTask(ctx context.Context, sub *model.Submission, index int) model.JudgeResult {
	task := sub.Tasks[index]
	lay := c.layoutFor(sub)
	taskDir := filepath.Join(lay.root, fmt.Sprintf("task_%d", index))
	if err := os.MkdirAll(taskDir, 0755); err != nil {
		return systemError(appErr.Wrapf(err, appErr.StorageError, "create task dir failed"))
	}

	dataDir := lay.dataDir
	var stdinPath, expectedPath string
	if task.TestcaseID >= 0 {
		dataDir = filepath.Join(lay.dataDir, fmt.Sprintf("case_%d", task.TestcaseID))
		testcase := sub.TestData[task.TestcaseID]
		if len(testcase.Inputs) > 0 {
			stdinPath = filepath.Join(dataDir, testcase.Inputs[0].Name())
		}
		if len(testcase.Outputs) > 0 {
			expectedPath = filepath.Join(dataDir, testcase.Outputs[0].Name())
		}
	}

	baseArgs := []string{
		c.cfg.CacheDir,
		lay.workDir,
		c.cfg.ChrootDir,
		dataDir,
		strconv.FormatFloat(task.TimeLimit, 'f', -1, 64),
		strconv.FormatInt(task.MemoryLimit, 10),
		strconv.FormatInt(task.FileLimit, 10),
	}

	var result model.JudgeResult

	if task.CheckScript != "" {
		output, exitCode, err := c.invokeScript(ctx, task.CheckScript, baseArgs, nil)
		if err != nil {
			return systemError(err)
		}
		result.CheckerReport = output
		if exitCode != 0 {
			if task.RunScript == "" {
				// Pre-run validation is the whole task here; the
				// typical case is the compiler rejecting the source.
				result.Status = model.StatusCompilationError
				result.ExitCode = exitCode
				return result
			}
			return systemError(appErr.Newf(appErr.CheckerFailed, "check script %s exited with %d", task.CheckScript, exitCode))
		}
	}

	if task.RunScript == "" {
		result.Status = model.StatusAccepted
		return result
	}

	metaPath := filepath.Join(taskDir, "meta")
	stdoutPath := filepath.Join(taskDir, "program.out")
	stderrPath := filepath.Join(taskDir, "program.err")
	runArgs := append(baseArgs, metaPath, stdinPath, stdoutPath, stderrPath)
	if _, exitCode, err := c.invokeScript(ctx, task.RunScript, runArgs, nil); err != nil {
		return systemError(err)
	} else if exitCode != 0 {
		// The run script wraps runguard; a non-zero exit here is an
		// infrastructure failure, not a program verdict.
		return systemError(appErr.Newf(appErr.CheckerFailed, "run script %s exited with %d", task.RunScript, exitCode))
	}

	meta, err := runguard.LoadMetaFile(metaPath)
	if err != nil {
		return systemError(err)
	}
	fillMetrics(&result, meta)
	result.Stdout = readLimitedFile(stdoutPath, c.cfg.OutputMaxBytes)
	result.Stderr = readLimitedFile(stderrPath, c.cfg.OutputMaxBytes)

	if status := ClassifyRun(meta); status != "" {
		result.Status = status
		return result
	}

	if task.CompareScript == "" {
		result.Status = model.StatusAccepted
		return result
	}

	feedbackDir := filepath.Join(taskDir, "feedback")
	if err := os.MkdirAll(feedbackDir, 0755); err != nil {
		return systemError(appErr.Wrapf(err, appErr.StorageError, "create feedback dir failed"))
	}
	compareArgs := append(baseArgs, feedbackDir, stdoutPath, expectedPath)
	var compareEnv []string
	if task.IsRandom {
		compareEnv = []string{"JUDGE_RANDOM=1"}
	}
	if _, exitCode, err := c.invokeScript(ctx, task.CompareScript, compareArgs, compareEnv); err != nil {
		return systemError(err)
	} else if exitCode != 0 {
		return systemError(appErr.Newf(appErr.CompareScriptErr, "compare script %s exited with %d", task.CompareScript, exitCode))
	}

	status, score, message, err := parseVerdict(feedbackDir)
	if err != nil {
		return systemError(err)
	}
	result.Status = status
	result.Score = score
	if message != "" {
		result.CheckerReport = message
	}
	return result
}

// invokeScript resolves and runs one script under the argv contract.
// A script identifier may carry embedded arguments ("diff-all -w");
// they are inserted before the contract arguments. The returned error
// means the script could not be run at all; a non-zero exit is
// reported through exitCode.
func (c *Checker) invokeScript(ctx context.Context, name string, args []string, extraEnv []string) (string, int, error) {
	words, err := shlex.Split(name)
	if err != nil || len(words) == 0 {
		return "", 0, appErr.Newf(appErr.CheckerNotFound, "invalid script identifier %q", name)
	}
	path := filepath.Join(c.cfg.ScriptDir, words[0])
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return "", 0, appErr.Newf(appErr.CheckerNotFound, "script %s not found under %s", words[0], c.cfg.ScriptDir)
	}

	ctxScript, cancel := context.WithTimeout(ctx, c.cfg.ScriptTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctxScript, path, append(words[1:], args...)...)
	cmd.Env = append(os.Environ(), "RUNGUARD="+c.cfg.RunguardPath)
	cmd.Env = append(cmd.Env, extraEnv...)

	output, err := cmd.CombinedOutput()
	excerpt := limitString(string(output), c.cfg.OutputMaxBytes)
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			logger.Debug(ctx, "script exited non-zero", zap.String("script", name), zap.Int("exit", exitErr.ExitCode()))
			return excerpt, exitErr.ExitCode(), nil
		}
		return excerpt, 0, appErr.Wrapf(err, appErr.CheckerFailed, "invoke script %s failed", name)
	}
	return excerpt, 0, nil
}

func fillMetrics(result *model.JudgeResult, meta runguard.Report) {
	result.WallTime = meta.WallTime
	result.CPUTime = meta.CPUTime
	result.MemoryKB = meta.MemoryBytes / 1024
	result.ExitCode = meta.ExitCode
	result.Signal = meta.Signal
}

// parseVerdict reads the compare feedback directory: a verdict file
// with AC/WA/PE/PC, an optional score file, an optional message file.
func parseVerdict(feedbackDir string) (model.Status, string, string, error) {
	raw, err := os.ReadFile(filepath.Join(feedbackDir, "verdict"))
	if err != nil {
		return "", "", "", appErr.Wrapf(err, appErr.VerdictUnparsed, "read verdict file failed")
	}
	fields := strings.Fields(string(raw))
	if len(fields) == 0 {
		return "", "", "", appErr.New(appErr.VerdictUnparsed).WithMessage("verdict file is empty")
	}

	score := ""
	if len(fields) > 1 {
		score = fields[1]
	}
	if data, err := os.ReadFile(filepath.Join(feedbackDir, "score")); err == nil {
		score = strings.TrimSpace(string(data))
	}
	message := ""
	if data, err := os.ReadFile(filepath.Join(feedbackDir, "message")); err == nil {
		message = strings.TrimSpace(string(data))
	}

	switch fields[0] {
	case "AC":
		return model.StatusAccepted, score, message, nil
	case "WA":
		return model.StatusWrongAnswer, score, message, nil
	case "PE":
		return model.StatusPresentationError, score, message, nil
	case "PC":
		return model.StatusPartiallyAccepted, score, message, nil
	}
	return "", "", "", appErr.Newf(appErr.VerdictUnparsed, "unknown verdict %q", fields[0])
}

func systemError(err error) model.JudgeResult {
	return model.JudgeResult{
		Status:        model.StatusSystemError,
		CheckerReport: err.Error(),
	}
}

func readLimitedFile(path string, maxBytes int64) string {
	if path == "" || maxBytes <= 0 {
		return ""
	}
	file, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer file.Close()
	data, err := io.ReadAll(io.LimitReader(file, maxBytes))
	if err != nil {
		return ""
	}
	return string(data)
}

func limitString(s string, maxBytes int64) string {
	if int64(len(s)) <= maxBytes {
		return s
	}
	return s[:maxBytes]
}
