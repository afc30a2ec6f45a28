package checker

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"judged/internal/judge/model"
)

func writeScript(t *testing.T, dir, name, body string) {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0755); err != nil {
		t.Fatalf("write script %s: %v", name, err)
	}
}

func newTestChecker(t *testing.T) (*Checker, string) {
	t.Helper()
	scriptDir := t.TempDir()
	workRoot := t.TempDir()
	chk, err := New(Config{ScriptDir: scriptDir, WorkRoot: workRoot}, nil)
	if err != nil {
		t.Fatalf("new checker: %v", err)
	}
	return chk, scriptDir
}

func echoSubmission(id string) *model.Submission {
	return &model.Submission{
		SubmissionID: id,
		Source: model.SourceCode{
			Language:   "cpp",
			Files:      []model.Asset{&model.TextAsset{FileName: "main.cpp", Content: "int main(){}"}},
			EntryIndex: 0,
		},
		TestData: []model.TestCaseData{{
			Inputs:  []model.Asset{&model.TextAsset{FileName: "testdata.in", Content: "1"}},
			Outputs: []model.Asset{&model.TextAsset{FileName: "testdata.out", Content: "1"}},
		}},
		Tasks: []model.JudgeTask{
			{CheckScript: "compile", TestcaseID: -1, DependsOn: -1},
			{
				CheckScript: "standard-trusted", RunScript: "standard", CompareScript: "diff-all",
				TestcaseID: 0, DependsOn: 0, DependsCond: model.CondAccepted,
				TimeLimit: 1, MemoryLimit: 32768, FileLimit: 32768, ProcLimit: -1,
			},
		},
	}
}

func TestPrepareMaterializesAssets(t *testing.T) {
	chk, _ := newTestChecker(t)
	sub := echoSubmission("prep")
	if err := chk.Prepare(context.Background(), sub); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	workDir := filepath.Join(chk.cfg.WorkRoot, "prep", "work")
	if _, err := os.Stat(filepath.Join(workDir, "main.cpp")); err != nil {
		t.Fatalf("source not materialized: %v", err)
	}
	caseDir := filepath.Join(chk.cfg.WorkRoot, "prep", "data", "case_0")
	for _, name := range []string{"testdata.in", "testdata.out"} {
		if _, err := os.Stat(filepath.Join(caseDir, name)); err != nil {
			t.Fatalf("testcase asset %s not materialized: %v", name, err)
		}
	}
}

func TestExecuteCompileTask(t *testing.T) {
	chk, scriptDir := newTestChecker(t)
	writeScript(t, scriptDir, "compile", `echo "compiling in $2"`)
	sub := echoSubmission("compile-ok")
	if err := chk.Prepare(context.Background(), sub); err != nil {
		t.Fatalf("prepare: %v", err)
	}

	result := chk.ExecuteTask(context.Background(), sub, 0)
	if result.Status != model.StatusAccepted {
		t.Fatalf("expected ACCEPTED, got %s (%s)", result.Status, result.CheckerReport)
	}
}

func TestExecuteCompileError(t *testing.T) {
	chk, scriptDir := newTestChecker(t)
	writeScript(t, scriptDir, "compile", `echo "main.cpp:1: error: expected expression"; exit 1`)
	sub := echoSubmission("compile-fail")
	if err := chk.Prepare(context.Background(), sub); err != nil {
		t.Fatalf("prepare: %v", err)
	}

	result := chk.ExecuteTask(context.Background(), sub, 0)
	if result.Status != model.StatusCompilationError {
		t.Fatalf("expected COMPILATION_ERROR, got %s", result.Status)
	}
	if result.CheckerReport == "" {
		t.Fatal("compiler output must be captured")
	}
}

func TestExecuteRunAccepted(t *testing.T) {
	chk, scriptDir := newTestChecker(t)
	writeScript(t, scriptDir, "standard-trusted", `exit 0`)
	writeScript(t, scriptDir, "standard", `
meta="$8"
printf 'memory-bytes: 2097152\nmemory-result: \nexitcode: 0\nwall-time: 0.102\nuser-time: 0.050\nsys-time: 0.010\ncpu-time: 0.060\ntime-result: \n' > "$meta"
printf '1' > "${10}"
`)
	writeScript(t, scriptDir, "diff-all", `
feedback="$8"
if cmp -s "$9" "${10}"; then
  printf 'AC' > "$feedback/verdict"
else
  printf 'WA' > "$feedback/verdict"
fi
`)
	sub := echoSubmission("run-ac")
	if err := chk.Prepare(context.Background(), sub); err != nil {
		t.Fatalf("prepare: %v", err)
	}

	result := chk.ExecuteTask(context.Background(), sub, 1)
	if result.Status != model.StatusAccepted {
		t.Fatalf("expected ACCEPTED, got %s (%s)", result.Status, result.CheckerReport)
	}
	if result.WallTime != 0.102 || result.CPUTime != 0.06 {
		t.Fatalf("meta metrics not propagated: %+v", result)
	}
	if result.MemoryKB != 2048 {
		t.Fatalf("expected 2048 KiB, got %d", result.MemoryKB)
	}
	if result.Stdout != "1" {
		t.Fatalf("expected stdout excerpt %q, got %q", "1", result.Stdout)
	}
}

func TestExecuteRunWrongAnswer(t *testing.T) {
	chk, scriptDir := newTestChecker(t)
	writeScript(t, scriptDir, "standard-trusted", `exit 0`)
	writeScript(t, scriptDir, "standard", `
printf 'exitcode: 0\n' > "$8"
printf '2' > "${10}"
`)
	writeScript(t, scriptDir, "diff-all", `
if cmp -s "$9" "${10}"; then
  printf 'AC' > "$8/verdict"
else
  printf 'WA' > "$8/verdict"
  printf 'output differs' > "$8/message"
fi
`)
	sub := echoSubmission("run-wa")
	if err := chk.Prepare(context.Background(), sub); err != nil {
		t.Fatalf("prepare: %v", err)
	}

	result := chk.ExecuteTask(context.Background(), sub, 1)
	if result.Status != model.StatusWrongAnswer {
		t.Fatalf("expected WRONG_ANSWER, got %s", result.Status)
	}
	if result.CheckerReport != "output differs" {
		t.Fatalf("expected checker message, got %q", result.CheckerReport)
	}
}

func TestExecuteRunTimeLimit(t *testing.T) {
	chk, scriptDir := newTestChecker(t)
	writeScript(t, scriptDir, "standard-trusted", `exit 0`)
	writeScript(t, scriptDir, "standard", `
printf 'exitcode: 0\nwall-time: 2.500\ntime-result: soft-timelimit\n' > "$8"
`)
	writeScript(t, scriptDir, "diff-all", `printf 'AC' > "$8/verdict"`)
	sub := echoSubmission("run-tle")
	if err := chk.Prepare(context.Background(), sub); err != nil {
		t.Fatalf("prepare: %v", err)
	}

	result := chk.ExecuteTask(context.Background(), sub, 1)
	if result.Status != model.StatusTimeLimitExceeded {
		t.Fatalf("expected TIME_LIMIT_EXCEEDED, got %s", result.Status)
	}
}

func TestExecutePartialCredit(t *testing.T) {
	chk, scriptDir := newTestChecker(t)
	writeScript(t, scriptDir, "standard-trusted", `exit 0`)
	writeScript(t, scriptDir, "standard", `
printf 'exitcode: 0\n' > "$8"
printf '1' > "${10}"
`)
	writeScript(t, scriptDir, "diff-all", `
printf 'PC' > "$8/verdict"
printf '50' > "$8/score"
`)
	sub := echoSubmission("run-pc")
	if err := chk.Prepare(context.Background(), sub); err != nil {
		t.Fatalf("prepare: %v", err)
	}

	result := chk.ExecuteTask(context.Background(), sub, 1)
	if result.Status != model.StatusPartiallyAccepted {
		t.Fatalf("expected PARTIALLY_ACCEPTED, got %s", result.Status)
	}
	if result.Score != "50" {
		t.Fatalf("expected score 50, got %q", result.Score)
	}
}

func TestExecuteMissingScript(t *testing.T) {
	chk, _ := newTestChecker(t)
	sub := echoSubmission("missing")
	if err := chk.Prepare(context.Background(), sub); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	result := chk.ExecuteTask(context.Background(), sub, 0)
	if result.Status != model.StatusSystemError {
		t.Fatalf("expected SYSTEM_ERROR for missing script, got %s", result.Status)
	}
}

func TestCleanupRemovesSandbox(t *testing.T) {
	chk, _ := newTestChecker(t)
	sub := echoSubmission("cleanup")
	if err := chk.Prepare(context.Background(), sub); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	chk.Cleanup(sub)
	if _, err := os.Stat(filepath.Join(chk.cfg.WorkRoot, "cleanup")); !os.IsNotExist(err) {
		t.Fatal("sandbox must be removed on cleanup")
	}
}

func TestScriptIdentifierWithEmbeddedArgs(t *testing.T) {
	chk, scriptDir := newTestChecker(t)
	writeScript(t, scriptDir, "compile", `
if [ "$1" = "-O2" ]; then exit 0; fi
exit 1
`)
	sub := echoSubmission("embedded-args")
	sub.Tasks[0].CheckScript = "compile -O2"
	if err := chk.Prepare(context.Background(), sub); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	result := chk.ExecuteTask(context.Background(), sub, 0)
	if result.Status != model.StatusAccepted {
		t.Fatalf("expected ACCEPTED with embedded args, got %s", result.Status)
	}
}
