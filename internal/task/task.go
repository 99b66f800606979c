// Package task provides the future abstraction the sync layer composes
// asynchronous work with: explicit success/failure states, sequencing,
// fan-in, and a per-key FIFO queue.
package task

import (
	"context"
	"sync"

	"github.com/driftlock/driftlock/internal/errors"
)

// Task is a handle to asynchronous work. It settles exactly once, either
// resolved with a value or rejected with an error, and never transitions
// afterwards.
type Task struct {
	done chan struct{}

	mu    sync.Mutex
	value any
	err   error
}

// Done is closed when the task has settled.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the task settles or ctx is cancelled, returning the
// task's error in the first case and ctx.Err() in the second. The
// underlying work keeps running on cancellation; durable writes are never
// rolled back mid-flight.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err returns the settled error. Valid only after Done is closed.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Value returns the settled value. Valid only after Done is closed.
func (t *Task) Value() any {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.value
}

// Resolved returns an already-settled successful task.
func Resolved(value any) *Task {
	c := NewCompletion()
	c.Resolve(value)
	return c.Task()
}

// Rejected returns an already-settled failed task.
func Rejected(err error) *Task {
	c := NewCompletion()
	c.Reject(err)
	return c.Task()
}

// Completion is the settable source for a Task. Split from Task so only
// the producer can settle it.
type Completion struct {
	task    *Task
	settled bool
	mu      sync.Mutex
}

// NewCompletion returns an unsettled completion source.
func NewCompletion() *Completion {
	return &Completion{task: &Task{done: make(chan struct{})}}
}

// Task returns the consumer-side handle.
func (c *Completion) Task() *Task {
	return c.task
}

// Resolve settles the task successfully. Settling twice is a no-op;
// the first settle wins.
func (c *Completion) Resolve(value any) {
	c.settle(value, nil)
}

// Reject settles the task with an error.
func (c *Completion) Reject(err error) {
	c.settle(nil, err)
}

func (c *Completion) settle(value any, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.settled {
		return
	}
	c.settled = true
	c.task.mu.Lock()
	c.task.value = value
	c.task.err = err
	c.task.mu.Unlock()
	close(c.task.done)
}

// WhenAll returns a task that settles once every input has settled. It
// resolves when all succeed; otherwise it rejects with the single cause
// when exactly one failed, or an aggregate wrapping all causes.
func WhenAll(tasks ...*Task) *Task {
	c := NewCompletion()
	if len(tasks) == 0 {
		c.Resolve(nil)
		return c.Task()
	}

	go func() {
		errs := make([]error, len(tasks))
		for i, t := range tasks {
			<-t.Done()
			errs[i] = t.Err()
		}
		if combined := errors.Combine(errs); combined != nil {
			c.Reject(combined)
			return
		}
		values := make([]any, len(tasks))
		for i, t := range tasks {
			values[i] = t.Value()
		}
		c.Resolve(values)
	}()
	return c.Task()
}

// Then runs next once t resolves, producing a task that settles with
// next's result. If t rejects, the error propagates and next never runs.
func (t *Task) Then(next func(value any) *Task) *Task {
	c := NewCompletion()
	go func() {
		<-t.Done()
		if err := t.Err(); err != nil {
			c.Reject(err)
			return
		}
		inner := next(t.Value())
		<-inner.Done()
		if err := inner.Err(); err != nil {
			c.Reject(err)
			return
		}
		c.Resolve(inner.Value())
	}()
	return c.Task()
}
