// Package scheduler owns the judge-task orchestration: it materializes
// a submission's task graph, feeds ready tasks to a worker pool and
// propagates dependency-failure semantics.
package scheduler

import (
	"context"
	"runtime"
	"sync"

	"judged/internal/judge/graph"
	"judged/internal/judge/model"
	"judged/internal/judge/queue"
	appErr "judged/pkg/errors"
	"judged/pkg/utils/logger"

	"go.uber.org/zap"
)

// Executor runs one task to a terminal result.
type Executor interface {
	// Prepare materializes the submission's assets before any task is
	// scheduled.
	Prepare(ctx context.Context, sub *model.Submission) error
	// ExecuteTask performs the sandbox work for one task.
	ExecuteTask(ctx context.Context, sub *model.Submission, index int) model.JudgeResult
	// Cleanup releases per-submission resources once all tasks are
	// terminal.
	Cleanup(sub *model.Submission)
}

// DoneFunc is called once per submission when its result list is fully
// populated.
type DoneFunc func(ctx context.Context, sub *model.Submission)

// ProgressFunc is called after every terminal task result.
type ProgressFunc func(ctx context.Context, sub *model.Submission, done, total int)

// Config holds the pool settings.
type Config struct {
	// Workers defaults to the CPU count.
	Workers int
	// QueueCapacity bounds the ready-task FIFO.
	QueueCapacity int
}

// Orchestrator schedules ready tasks onto the worker pool.
type Orchestrator struct {
	execr      Executor
	q          *queue.Queue
	workers    int
	onDone     DoneFunc
	onProgress ProgressFunc

	mu   sync.Mutex
	subs map[string]*subState

	wg sync.WaitGroup
}

// subState guards one submission's result vector. Writes go through
// its mutex, which gives successors a happens-before edge from their
// predecessor's completion to their own ready check.
type subState struct {
	mu        sync.Mutex
	sub       *model.Submission
	g         *graph.TaskGraph
	remaining int
}

// New creates an orchestrator around the given executor.
func New(execr Executor, cfg Config) *Orchestrator {
	workers := cfg.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	capacity := cfg.QueueCapacity
	if capacity <= 0 {
		capacity = workers * 64
	}
	return &Orchestrator{
		execr:   execr,
		q:       queue.New(capacity),
		workers: workers,
		subs:    make(map[string]*subState),
	}
}

// SetDoneFunc installs the terminal callback.
func (o *Orchestrator) SetDoneFunc(fn DoneFunc) { o.onDone = fn }

// SetProgressFunc installs the per-task progress callback.
func (o *Orchestrator) SetProgressFunc(fn ProgressFunc) { o.onProgress = fn }

// Start launches the worker pool.
func (o *Orchestrator) Start(ctx context.Context) {
	for i := 0; i < o.workers; i++ {
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			o.workerLoop(ctx)
		}()
	}
}

// Stop closes the queue and waits for in-flight tasks.
func (o *Orchestrator) Stop() {
	o.q.Close()
	o.wg.Wait()
}

// Push validates the submission, prepares its sandbox and enqueues the
// initially-ready tasks. Graph violations abort intake before any task
// runs.
func (o *Orchestrator) Push(ctx context.Context, sub *model.Submission) error {
	if sub.SubmissionID == "" {
		return appErr.ValidationError("submission_id", "required")
	}
	g, err := graph.Build(sub.Tasks, len(sub.TestData))
	if err != nil {
		return err
	}

	if err := o.execr.Prepare(ctx, sub); err != nil {
		return err
	}

	sub.Results = make([]model.JudgeResult, len(sub.Tasks))
	for i := range sub.Results {
		sub.Results[i].Status = model.StatusPending
	}

	state := &subState{sub: sub, g: g, remaining: g.Len()}
	o.mu.Lock()
	if _, exists := o.subs[sub.SubmissionID]; exists {
		o.mu.Unlock()
		return appErr.Newf(appErr.SubmissionInvalid, "submission %s is already in flight", sub.SubmissionID)
	}
	o.subs[sub.SubmissionID] = state
	o.mu.Unlock()

	ctx = logger.WithSubmission(ctx, sub.SubmissionID)
	logger.Info(ctx, "submission enqueued", zap.Int("tasks", g.Len()))

	for _, root := range g.Roots() {
		o.enqueue(ctx, queue.ClientTask{SubmissionID: sub.SubmissionID, TaskIndex: root})
	}
	return nil
}

func (o *Orchestrator) workerLoop(ctx context.Context) {
	for {
		task, ok := o.q.Pop(ctx)
		if !ok {
			return
		}
		o.handle(ctx, task)
	}
}

func (o *Orchestrator) handle(ctx context.Context, task queue.ClientTask) {
	o.mu.Lock()
	state := o.subs[task.SubmissionID]
	o.mu.Unlock()
	if state == nil {
		return
	}

	ctx = logger.WithTask(logger.WithSubmission(ctx, task.SubmissionID), task.TaskIndex)

	state.mu.Lock()
	state.sub.Results[task.TaskIndex].Status = model.StatusRunning
	state.mu.Unlock()

	result := o.execr.ExecuteTask(ctx, state.sub, task.TaskIndex)
	if !result.Status.IsTerminal() {
		result.Status = model.StatusSystemError
	}
	logger.Info(ctx, "task finished", zap.String("status", string(result.Status)))

	state.mu.Lock()
	state.sub.Results[task.TaskIndex] = result
	state.remaining--
	ready := o.resolveSuccessors(state, task.TaskIndex)
	remaining := state.remaining
	total := state.g.Len()
	state.mu.Unlock()

	if o.onProgress != nil {
		o.onProgress(ctx, state.sub, total-remaining, total)
	}

	for _, succ := range ready {
		o.enqueue(ctx, queue.ClientTask{SubmissionID: task.SubmissionID, TaskIndex: succ})
	}

	if remaining == 0 {
		o.finish(ctx, state)
	}
}

// resolveSuccessors marks newly-ready successors of a completed task
// and short-circuits the rest. A successor whose condition is unmet is
// resolved DEPENDENCY_NOT_SATISFIED together with its whole subtree;
// none of them reach the sandbox. Called with state.mu held.
func (o *Orchestrator) resolveSuccessors(state *subState, index int) []int {
	status := state.sub.Results[index].Status

	var ready []int
	var failed []int
	for _, succ := range state.g.Successors(index) {
		if state.g.Satisfied(succ, status) {
			ready = append(ready, succ)
		} else {
			failed = append(failed, succ)
		}
	}

	for len(failed) > 0 {
		succ := failed[len(failed)-1]
		failed = failed[:len(failed)-1]
		state.sub.Results[succ] = model.JudgeResult{Status: model.StatusDependencyNotSatisfied}
		state.remaining--
		failed = append(failed, state.g.Successors(succ)...)
	}
	return ready
}

func (o *Orchestrator) finish(ctx context.Context, state *subState) {
	o.mu.Lock()
	delete(o.subs, state.sub.SubmissionID)
	o.mu.Unlock()

	o.execr.Cleanup(state.sub)
	logger.Info(ctx, "submission finished")
	if o.onDone != nil {
		o.onDone(ctx, state.sub)
	}
}

// enqueue never blocks the caller under a held submission lock; when
// the FIFO is momentarily full the push finishes asynchronously.
func (o *Orchestrator) enqueue(ctx context.Context, task queue.ClientTask) {
	if o.q.TryPush(task) {
		return
	}
	go func() {
		if err := o.q.Push(context.WithoutCancel(ctx), task); err != nil {
			logger.Error(ctx, "enqueue task failed", zap.Error(err), zap.Int("task_index", task.TaskIndex))
		}
	}()
}
