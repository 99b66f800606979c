package task

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Pool bounds how many submitted units of work run in parallel. Submission
// never blocks the caller: work beyond the bound queues on the scheduler
// until a slot frees up.
type Pool struct {
	sem    chan struct{}
	wg     sync.WaitGroup
	logger *zap.Logger

	mu     sync.Mutex
	closed bool
}

// NewPool creates a pool running at most size units concurrently.
func NewPool(size int, logger *zap.Logger) *Pool {
	if size < 1 {
		size = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		sem:    make(chan struct{}, size),
		logger: logger,
	}
}

// Run schedules fn on the pool and returns a task settling with its
// result. A panic inside fn rejects the task instead of crashing the
// worker.
func (p *Pool) Run(fn func() (any, error)) *Task {
	c := NewCompletion()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		c.Reject(fmt.Errorf("pool is closed"))
		return c.Task()
	}
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		p.sem <- struct{}{}
		defer func() { <-p.sem }()

		defer func() {
			if r := recover(); r != nil {
				p.logger.Error("task panicked", zap.Any("panic", r))
				c.Reject(fmt.Errorf("task panicked: %v", r))
			}
		}()

		value, err := fn()
		if err != nil {
			c.Reject(err)
			return
		}
		c.Resolve(value)
	}()
	return c.Task()
}

// Close stops accepting work and waits for in-flight tasks to finish.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.wg.Wait()
}
