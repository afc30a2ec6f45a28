// Package queue provides the bounded FIFO of ready tasks shared by the
// worker goroutines.
package queue

import (
	"context"
	"sync"

	appErr "judged/pkg/errors"
)

// ClientTask is a (submission handle, task index) pair.
type ClientTask struct {
	SubmissionID string
	TaskIndex    int
}

// Queue is a bounded multi-producer multi-consumer FIFO.
type Queue struct {
	ch chan ClientTask

	closeOnce sync.Once
	closed    chan struct{}
}

// New creates a queue with the given capacity.
func New(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{
		ch:     make(chan ClientTask, capacity),
		closed: make(chan struct{}),
	}
}

// Push enqueues a task, blocking while the queue is full.
func (q *Queue) Push(ctx context.Context, task ClientTask) error {
	select {
	case <-q.closed:
		return appErr.New(appErr.ServiceUnavailable).WithMessage("queue is closed")
	default:
	}
	select {
	case q.ch <- task:
		return nil
	case <-q.closed:
		return appErr.New(appErr.ServiceUnavailable).WithMessage("queue is closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryPush enqueues without blocking and reports whether it succeeded.
func (q *Queue) TryPush(task ClientTask) bool {
	select {
	case <-q.closed:
		return false
	default:
	}
	select {
	case q.ch <- task:
		return true
	default:
		return false
	}
}

// Pop dequeues the oldest task. ok is false once the queue is closed
// and drained, or the context is canceled.
func (q *Queue) Pop(ctx context.Context) (ClientTask, bool) {
	select {
	case task := <-q.ch:
		return task, true
	case <-ctx.Done():
		return ClientTask{}, false
	case <-q.closed:
		// Drain tasks enqueued before the close.
		select {
		case task := <-q.ch:
			return task, true
		default:
			return ClientTask{}, false
		}
	}
}

// Len returns the number of queued tasks.
func (q *Queue) Len() int { return len(q.ch) }

// Close stops accepting pushes. Queued tasks can still be popped.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		close(q.closed)
	})
}
