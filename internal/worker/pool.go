// Package worker runs pipeline cycles and retraining jobs on a fixed set of
// goroutines fed by a bounded queue.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

var (
	// ErrPoolClosed is returned by Submit after Close.
	ErrPoolClosed = eris.New("worker: pool closed")
	// ErrQueueFull is returned when the queue has no free slot.
	ErrQueueFull = eris.New("worker: queue full")
)

// Task is a named unit of work.
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

// Result reports how a task finished.
type Result struct {
	Name     string
	Err      error
	Duration time.Duration
}

// Pool executes submitted tasks concurrently.
type Pool struct {
	tasks   chan Task
	results chan Result

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool

	inflight  sync.WaitGroup
	workers   sync.WaitGroup
	closeOnce sync.Once
}

// NewPool starts size workers reading from a queue of queueSize slots.
func NewPool(size, queueSize int) *Pool {
	if size <= 0 {
		size = 1
	}
	if queueSize <= 0 {
		queueSize = size * 2
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		tasks:   make(chan Task, queueSize),
		results: make(chan Result, queueSize),
		ctx:     ctx,
		cancel:  cancel,
	}
	for i := 0; i < size; i++ {
		p.workers.Add(1)
		go p.work()
	}
	return p
}

// Submit enqueues a task without blocking.
func (p *Pool) Submit(task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	p.inflight.Add(1)
	select {
	case p.tasks <- task:
		return nil
	default:
		p.inflight.Done()
		return eris.Wrapf(ErrQueueFull, "worker: submit %s", task.Name)
	}
}

// Results delivers finished task results. Results are dropped when nobody
// drains the channel fast enough.
func (p *Pool) Results() <-chan Result {
	return p.results
}

// Wait blocks until every submitted task has finished.
func (p *Pool) Wait() {
	p.inflight.Wait()
}

// Close stops accepting tasks, lets queued ones finish and closes Results.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.tasks)
		p.mu.Unlock()

		p.workers.Wait()
		p.cancel()
		close(p.results)
	})
}

func (p *Pool) work() {
	defer p.workers.Done()
	for task := range p.tasks {
		res := p.run(task)
		if res.Err != nil {
			zap.L().Warn("worker: task failed",
				zap.String("task", res.Name),
				zap.Duration("duration", res.Duration),
				zap.Error(res.Err),
			)
		}
		select {
		case p.results <- res:
		default:
		}
		p.inflight.Done()
	}
}

func (p *Pool) run(task Task) (res Result) {
	start := time.Now()
	res.Name = task.Name
	defer func() {
		if r := recover(); r != nil {
			res.Err = eris.Errorf("worker: task %s panicked: %v", task.Name, r)
		}
		res.Duration = time.Since(start)
	}()
	res.Err = task.Run(p.ctx)
	return res
}
