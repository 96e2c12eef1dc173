package parallel

import (
	"runtime"
	"sync"
)

// Pool is a fixed-size worker pool with an unbounded FIFO submission
// queue. One Pool is shared across all executor calls made through it.
type Pool struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []func()
	closed  bool
	workers sync.WaitGroup
}

// NewPool starts size workers. A non-positive size defaults to five per
// logical CPU, matching typical IO-bound fan-out.
func NewPool(size int) *Pool {
	if size <= 0 {
		size = runtime.NumCPU() * 5
	}
	p := &Pool{}
	p.cond = sync.NewCond(&p.mu)
	p.workers.Add(size)
	for i := 0; i < size; i++ {
		go p.work()
	}
	return p
}

func (p *Pool) work() {
	defer p.workers.Done()
	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.closed {
			p.cond.Wait()
		}
		if len(p.queue) == 0 && p.closed {
			p.mu.Unlock()
			return
		}
		fn := p.queue[0]
		p.queue = p.queue[1:]
		p.mu.Unlock()
		fn()
	}
}

// Submit enqueues fn for execution on some worker. Panics if the pool is
// closed.
func (p *Pool) Submit(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		panic("parallel: submit on closed pool")
	}
	p.queue = append(p.queue, fn)
	p.cond.Signal()
}

// Close drains the queue and stops the workers once it is empty.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()
	p.workers.Wait()
}
