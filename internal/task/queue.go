package task

import (
	"sync"
)

// Queue is a per-key FIFO sequencer. Work enqueued under one key runs
// strictly one at a time in enqueue order; keys are independent of each
// other. A failed unit surfaces only through its own task and never blocks
// its successors.
type Queue struct {
	pool *Pool

	mu       sync.Mutex
	tails    map[string]*Task
	inFlight map[string]int
}

// NewQueue creates a sequencer scheduling work on pool.
func NewQueue(pool *Pool) *Queue {
	return &Queue{
		pool:     pool,
		tails:    make(map[string]*Task),
		inFlight: make(map[string]int),
	}
}

// Enqueue registers work under key and returns a task that settles when
// the work's own task settles. The call never blocks: the work begins only
// after every previously enqueued unit for the same key has settled,
// successfully or not.
func (q *Queue) Enqueue(key string, work func() *Task) *Task {
	c := NewCompletion()

	q.mu.Lock()
	prev := q.tails[key]
	q.tails[key] = c.Task()
	q.inFlight[key]++
	q.mu.Unlock()

	go func() {
		if prev != nil {
			// Predecessor settling, with any outcome, releases us.
			<-prev.Done()
		}

		inner := q.pool.Run(func() (any, error) {
			t := work()
			if t == nil {
				return nil, nil
			}
			<-t.Done()
			return t.Value(), t.Err()
		})
		<-inner.Done()

		q.release(key, c.Task())

		if err := inner.Err(); err != nil {
			c.Reject(err)
			return
		}
		c.Resolve(inner.Value())
	}()

	return c.Task()
}

// release drops the key's chain once its last entry settles, so idle keys
// hold no memory.
func (q *Queue) release(key string, settled *Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.inFlight[key]--
	if q.inFlight[key] <= 0 {
		delete(q.inFlight, key)
		if q.tails[key] == settled {
			delete(q.tails, key)
		}
	}
}

// PendingKeys returns how many keys currently have unsettled work.
// For tests and inspection.
func (q *Queue) PendingKeys() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inFlight)
}
