package worker

import (
	"context"
	"fmt"
	"iter"
	"sync"
)

// Pool is the fixed set of job slots owned by the engine
type Pool struct {
	workers []*Worker

	// idleCh is closed and replaced whenever a worker returns to Idle
	mu     sync.Mutex
	idleCh chan struct{}
}

// NewPool creates capacity idle workers sharing one executor. observer may be nil.
func NewPool(capacity int, executor Executor, observer Observer) *Pool {
	if capacity < 1 {
		panic(fmt.Sprintf("worker pool capacity must be positive, got %d", capacity))
	}

	p := &Pool{
		workers: make([]*Worker, capacity),
		idleCh:  make(chan struct{}),
	}
	for i := range p.workers {
		p.workers[i] = &Worker{
			name:     fmt.Sprintf("worker-%d", i),
			executor: executor,
			observer: observer,
			onIdle:   p.notifyIdle,
		}
	}
	return p
}

func (p *Pool) notifyIdle() {
	p.mu.Lock()
	close(p.idleCh)
	p.idleCh = make(chan struct{})
	p.mu.Unlock()
}

// Capacity returns the number of workers
func (p *Pool) Capacity() int {
	return len(p.workers)
}

// Workers returns all workers in stable order
func (p *Pool) Workers() []*Worker {
	return append([]*Worker(nil), p.workers...)
}

// IdleWorkers yields the workers that are idle at the moment each one is
// reached. Every call starts a fresh pass.
func (p *Pool) IdleWorkers() iter.Seq[*Worker] {
	return func(yield func(*Worker) bool) {
		for _, w := range p.workers {
			if w.IsRunning() {
				continue
			}
			if !yield(w) {
				return
			}
		}
	}
}

// Running returns the number of workers executing a job
func (p *Pool) Running() int {
	n := 0
	for _, w := range p.workers {
		if w.IsRunning() {
			n++
		}
	}
	return n
}

// AllIdle reports whether no job is executing
func (p *Pool) AllIdle() bool {
	return p.Running() == 0
}

// WaitIdle blocks until every worker is idle or ctx is done
func (p *Pool) WaitIdle(ctx context.Context) error {
	for {
		p.mu.Lock()
		changed := p.idleCh
		p.mu.Unlock()

		if p.AllIdle() {
			return nil
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
