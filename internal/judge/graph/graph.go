// Package graph validates a submission's task list and precomputes the
// successor lists used by the scheduler.
package graph

import (
	"judged/internal/judge/model"
	appErr "judged/pkg/errors"
)

// Root marks a task without a predecessor.
const Root = -1

// TaskGraph is the validated dependency forest of one submission.
// Tasks carry only their single predecessor index; the successor lists
// are computed once here instead of scanning on each completion.
type TaskGraph struct {
	tasks    []model.JudgeTask
	children [][]int
}

// Build validates the task list and returns the precomputed graph.
// Forward references are forbidden, which makes the graph acyclic by
// construction.
func Build(tasks []model.JudgeTask, testcases int) (*TaskGraph, error) {
	if len(tasks) == 0 {
		return nil, appErr.New(appErr.TaskGraphInvalid).WithMessage("task list is empty")
	}
	children := make([][]int, len(tasks))
	for i, task := range tasks {
		dep := task.DependsOn
		if dep != Root {
			if dep < 0 || dep >= len(tasks) {
				return nil, appErr.Newf(appErr.TaskGraphInvalid, "task %d depends on out-of-range task %d", i, dep)
			}
			if dep == i {
				return nil, appErr.Newf(appErr.TaskGraphInvalid, "task %d depends on itself", i)
			}
			if dep > i {
				return nil, appErr.Newf(appErr.TaskGraphInvalid, "task %d has forward dependency on task %d", i, dep)
			}
			children[dep] = append(children[dep], i)
		}
		if task.TestcaseID != -1 {
			if task.TestcaseID < 0 || task.TestcaseID >= testcases {
				return nil, appErr.Newf(appErr.TestcaseOutOfRange, "task %d references testcase %d of %d", i, task.TestcaseID, testcases)
			}
		}
	}
	return &TaskGraph{tasks: tasks, children: children}, nil
}

// Len returns the number of tasks.
func (g *TaskGraph) Len() int { return len(g.tasks) }

// Task returns the task at index i.
func (g *TaskGraph) Task(i int) model.JudgeTask { return g.tasks[i] }

// Roots returns the indices of tasks without a predecessor.
func (g *TaskGraph) Roots() []int {
	var roots []int
	for i, task := range g.tasks {
		if task.DependsOn == Root {
			roots = append(roots, i)
		}
	}
	return roots
}

// Successors returns the indices of tasks depending on task i.
func (g *TaskGraph) Successors(i int) []int { return g.children[i] }

// Satisfied reports whether the successor at index succ may run given
// its predecessor's terminal status.
func (g *TaskGraph) Satisfied(succ int, predStatus model.Status) bool {
	return g.tasks[succ].DependsCond.Satisfies(predStatus)
}
