package async

import (
	"sync"

	"github.com/golang/glog"
)

// TaskProcessor runs a unit of work somewhere: inline, on a pool or scheduled.
// StartTask must not block the caller indefinitely.
type TaskProcessor interface {
	StartTask(task func())
}

// CancelableProcessor is a TaskProcessor that may refuse or abandon work.
// cancel runs instead of task when the task will never start.
type CancelableProcessor interface {
	TaskProcessor
	StartCancelable(task, cancel func())
}

// Inline runs every task on the calling goroutine.
type Inline struct{}

func (Inline) StartTask(task func()) { task() }

type job struct {
	run    func()
	cancel func()
}

// WorkerPool runs tasks on a fixed set of goroutines. Submissions never block:
// tasks wait in an unbounded FIFO until a worker is free, so at most `workers`
// tasks run at once.
type WorkerPool struct {
	name    string
	workers int
	backlog int
	wg      sync.WaitGroup

	mu      sync.Mutex
	ready   *sync.Cond
	queue   []job
	closed  bool
	warned  bool
	maxSeen int
}

var _ CancelableProcessor = (*WorkerPool)(nil)

// NewWorkerPool starts a pool with the given number of workers. backlog is the
// queue length above which the pool logs that it is falling behind.
func NewWorkerPool(name string, workers, backlog int) *WorkerPool {
	if workers < 1 {
		workers = 1
	}
	if backlog < 0 {
		backlog = 0
	}
	p := &WorkerPool{
		name:    name,
		workers: workers,
		backlog: backlog,
		queue:   make([]job, 0, backlog),
	}
	p.ready = sync.NewCond(&p.mu)
	for i := range workers {
		p.wg.Add(1)
		go p.worker(i)
	}
	return p
}

// StartTask queues task. Tasks submitted after Shutdown are dropped.
func (p *WorkerPool) StartTask(task func()) {
	p.StartCancelable(task, nil)
}

// StartCancelable queues task. If the pool shuts down before the task starts,
// or already has, cancel runs instead on the caller of Shutdown or
// StartCancelable.
func (p *WorkerPool) StartCancelable(task, cancel func()) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		if cancel == nil {
			glog.Warningf("%s: task submitted after shutdown, dropping", p.name)
			return
		}
		cancel()
		return
	}
	p.queue = append(p.queue, job{run: task, cancel: cancel})
	n := len(p.queue)
	if n > p.maxSeen {
		p.maxSeen = n
	}
	if p.backlog > 0 && n > p.backlog && !p.warned {
		p.warned = true
		glog.V(1).Infof("%s: %d tasks waiting for %d workers", p.name, n, p.workers)
	} else if n <= p.backlog/2 {
		p.warned = false
	}
	p.mu.Unlock()
	p.ready.Signal()
}

func (p *WorkerPool) worker(id int) {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.closed {
			p.ready.Wait()
		}
		if p.closed {
			p.mu.Unlock()
			return
		}
		j := p.queue[0]
		p.queue[0] = job{}
		p.queue = p.queue[1:]
		p.mu.Unlock()
		run(p.name, j.run)
	}
}

// run executes task, logging a panic instead of taking down the process.
func run(pool string, task func()) {
	defer func() {
		if r := recover(); r != nil {
			glog.Errorf("%s: task panicked: %v", pool, r)
		}
	}()
	task()
}

// Shutdown stops the workers and waits for running tasks. Queued tasks that
// have not started are canceled; tasks without a cancel hook are dropped.
func (p *WorkerPool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	pending := p.queue
	p.queue = nil
	p.mu.Unlock()
	p.ready.Broadcast()

	dropped := 0
	for _, j := range pending {
		if j.cancel == nil {
			dropped++
			continue
		}
		run(p.name, j.cancel)
	}
	if dropped > 0 {
		glog.Warningf("%s: dropped %d queued tasks at shutdown", p.name, dropped)
	}
	p.wg.Wait()
}

// QueueLength returns the number of tasks waiting for a worker.
func (p *WorkerPool) QueueLength() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// MaxQueueLength returns the longest the queue has been.
func (p *WorkerPool) MaxQueueLength() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxSeen
}

// submit hands task to tp, wiring cancel when tp supports it.
func submit(tp TaskProcessor, task, cancel func()) {
	if c, ok := tp.(CancelableProcessor); ok {
		c.StartCancelable(task, cancel)
		return
	}
	tp.StartTask(task)
}
