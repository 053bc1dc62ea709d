package async

import "sync"

// Dispatcher marshals calls onto the main (render) thread.
type Dispatcher interface {
	Post(fn func())
}

// Immediate runs posted calls inline. Only valid when every caller is
// already on the main thread.
type Immediate struct{}

func (Immediate) Post(fn func()) { fn() }

// Queue buffers posted calls until the main thread drains it.
type Queue struct {
	mu      sync.Mutex
	pending []func()
}

func NewQueue() *Queue {
	return &Queue{}
}

// Post is safe to call from any goroutine.
func (q *Queue) Post(fn func()) {
	q.mu.Lock()
	q.pending = append(q.pending, fn)
	q.mu.Unlock()
}

// Drain runs every call posted so far, in order. Calls posted while draining
// run in the same drain. Returns the number of calls executed.
func (q *Queue) Drain() int {
	n := 0
	for {
		q.mu.Lock()
		batch := q.pending
		q.pending = nil
		q.mu.Unlock()
		if len(batch) == 0 {
			return n
		}
		for _, fn := range batch {
			fn()
		}
		n += len(batch)
	}
}

// Len returns the number of calls waiting to run.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
