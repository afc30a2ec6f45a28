package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"judged/internal/judge/model"
)

// fakeExecutor resolves each task from a scripted status table and
// records which tasks actually reached "sandbox" work.
type fakeExecutor struct {
	mu       sync.Mutex
	statuses map[int]model.Status
	executed []int
	prepared int
	cleaned  int
}

func (f *fakeExecutor) Prepare(ctx context.Context, sub *model.Submission) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prepared++
	return nil
}

func (f *fakeExecutor) ExecuteTask(ctx context.Context, sub *model.Submission, index int) model.JudgeResult {
	f.mu.Lock()
	f.executed = append(f.executed, index)
	status, ok := f.statuses[index]
	f.mu.Unlock()
	if !ok {
		status = model.StatusAccepted
	}
	return model.JudgeResult{Status: status}
}

func (f *fakeExecutor) Cleanup(sub *model.Submission) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleaned++
}

func (f *fakeExecutor) executedSet() map[int]bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	set := make(map[int]bool, len(f.executed))
	for _, idx := range f.executed {
		set[idx] = true
	}
	return set
}

func newSubmission(id string, tasks []model.JudgeTask) *model.Submission {
	return &model.Submission{
		SubmissionID: id,
		TestData:     make([]model.TestCaseData, 2),
		Tasks:        tasks,
	}
}

func compileAndRuns(cond model.DependencyCondition) []model.JudgeTask {
	return []model.JudgeTask{
		{CheckScript: "compile", TestcaseID: -1, DependsOn: -1},
		{RunScript: "standard", TestcaseID: 0, DependsOn: 0, DependsCond: cond},
		{RunScript: "standard", TestcaseID: 1, DependsOn: 0, DependsCond: cond},
	}
}

func judge(t *testing.T, execr Executor, sub *model.Submission, workers int) {
	t.Helper()
	orch := New(execr, Config{Workers: workers})
	done := make(chan struct{})
	orch.SetDoneFunc(func(ctx context.Context, s *model.Submission) {
		close(done)
	})

	ctx := context.Background()
	orch.Start(ctx)
	defer orch.Stop()

	if err := orch.Push(ctx, sub); err != nil {
		t.Fatalf("push: %v", err)
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("submission did not finish in time")
	}
}

func TestOrchestratorAllAccepted(t *testing.T) {
	execr := &fakeExecutor{statuses: map[int]model.Status{}}
	sub := newSubmission("sub-ac", compileAndRuns(model.CondAccepted))
	judge(t, execr, sub, 4)

	if len(sub.Results) != len(sub.Tasks) {
		t.Fatalf("results length %d != tasks length %d", len(sub.Results), len(sub.Tasks))
	}
	for i, result := range sub.Results {
		if result.Status != model.StatusAccepted {
			t.Fatalf("task %d: expected ACCEPTED, got %s", i, result.Status)
		}
	}
	if execr.prepared != 1 || execr.cleaned != 1 {
		t.Fatalf("expected one prepare and one cleanup, got %d/%d", execr.prepared, execr.cleaned)
	}
}

func TestOrchestratorDependencyNotSatisfied(t *testing.T) {
	execr := &fakeExecutor{statuses: map[int]model.Status{0: model.StatusCompilationError}}
	sub := newSubmission("sub-ce", compileAndRuns(model.CondAccepted))
	judge(t, execr, sub, 4)

	if sub.Results[0].Status != model.StatusCompilationError {
		t.Fatalf("expected COMPILATION_ERROR, got %s", sub.Results[0].Status)
	}
	for _, i := range []int{1, 2} {
		if sub.Results[i].Status != model.StatusDependencyNotSatisfied {
			t.Fatalf("task %d: expected DEPENDENCY_NOT_SATISFIED, got %s", i, sub.Results[i].Status)
		}
	}
	executed := execr.executedSet()
	if executed[1] || executed[2] {
		t.Fatal("short-circuited tasks must not reach the executor")
	}
}

func TestOrchestratorTransitiveShortCircuit(t *testing.T) {
	// 0 -> 1 -> 2: failing 0 must resolve the whole chain.
	tasks := []model.JudgeTask{
		{CheckScript: "compile", TestcaseID: -1, DependsOn: -1},
		{RunScript: "standard", TestcaseID: 0, DependsOn: 0, DependsCond: model.CondAccepted},
		{CompareScript: "diff-all", TestcaseID: 0, DependsOn: 1, DependsCond: model.CondNonTimeLimit},
	}
	execr := &fakeExecutor{statuses: map[int]model.Status{0: model.StatusCompilationError}}
	sub := newSubmission("sub-chain", tasks)
	judge(t, execr, sub, 2)

	if sub.Results[1].Status != model.StatusDependencyNotSatisfied {
		t.Fatalf("expected DEPENDENCY_NOT_SATISFIED for task 1, got %s", sub.Results[1].Status)
	}
	// Task 2's NON_TIME_LIMIT condition would pass against its direct
	// predecessor, but a short-circuited subtree fails as a whole.
	if sub.Results[2].Status != model.StatusDependencyNotSatisfied {
		t.Fatalf("expected DEPENDENCY_NOT_SATISFIED for task 2, got %s", sub.Results[2].Status)
	}
	if set := execr.executedSet(); set[1] || set[2] {
		t.Fatal("short-circuited tasks must not reach the executor")
	}
}

func TestOrchestratorNonTimeLimitGating(t *testing.T) {
	execr := &fakeExecutor{statuses: map[int]model.Status{0: model.StatusMemoryLimitExceeded}}
	sub := newSubmission("sub-mle", compileAndRuns(model.CondNonTimeLimit))
	judge(t, execr, sub, 2)

	// MLE does not gate NON_TIME_LIMIT successors.
	for _, i := range []int{1, 2} {
		if sub.Results[i].Status != model.StatusAccepted {
			t.Fatalf("task %d: expected ACCEPTED, got %s", i, sub.Results[i].Status)
		}
	}

	execr = &fakeExecutor{statuses: map[int]model.Status{0: model.StatusTimeLimitExceeded}}
	sub = newSubmission("sub-tle", compileAndRuns(model.CondNonTimeLimit))
	judge(t, execr, sub, 2)
	for _, i := range []int{1, 2} {
		if sub.Results[i].Status != model.StatusDependencyNotSatisfied {
			t.Fatalf("task %d: expected DEPENDENCY_NOT_SATISFIED, got %s", i, sub.Results[i].Status)
		}
	}
}

func TestOrchestratorRejectsDuplicate(t *testing.T) {
	execr := &fakeExecutor{}
	orch := New(execr, Config{Workers: 1})
	// Workers deliberately not started so the first push stays queued.
	sub := newSubmission("dup", compileAndRuns(model.CondAccepted))
	ctx := context.Background()
	if err := orch.Push(ctx, sub); err != nil {
		t.Fatalf("push: %v", err)
	}
	if err := orch.Push(ctx, newSubmission("dup", compileAndRuns(model.CondAccepted))); err == nil {
		t.Fatal("expected error for duplicate submission id")
	}
}

func TestOrchestratorParallelRoots(t *testing.T) {
	// Two independent roots may run on different workers; both must
	// complete and the results vector must be fully populated.
	tasks := []model.JudgeTask{
		{CheckScript: "compile", TestcaseID: -1, DependsOn: -1},
		{CheckScript: "lint", TestcaseID: -1, DependsOn: -1},
	}
	execr := &fakeExecutor{}
	sub := newSubmission("sub-roots", tasks)
	judge(t, execr, sub, 2)

	for i := range sub.Results {
		if !sub.Results[i].Status.IsTerminal() {
			t.Fatalf("task %d left non-terminal: %s", i, sub.Results[i].Status)
		}
	}
}
