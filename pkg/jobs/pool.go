package jobs

import (
	"errors"
	"sync"
)

// ErrPoolSaturated is returned when a bounded pool cannot accept more
// work. The dispatcher converts it into a synchronous Error-phase record
// instead of surfacing it to the caller.
var ErrPoolSaturated = errors.New("worker pool saturated")

// boundedPool runs tasks on a fixed number of workers with a bounded
// queue. Submission never blocks: a full queue is reported as
// ErrPoolSaturated.
type boundedPool struct {
	tasks chan func()
	wg    sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

func newBoundedPool(workers, queue int) *boundedPool {
	if workers <= 0 {
		workers = 1
	}
	if queue < 0 {
		queue = 0
	}
	p := &boundedPool{tasks: make(chan func(), queue)}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer p.wg.Done()
			for task := range p.tasks {
				task()
			}
		}()
	}
	return p
}

func (p *boundedPool) trySubmit(task func()) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPoolSaturated
	}
	select {
	case p.tasks <- task:
		return nil
	default:
		return ErrPoolSaturated
	}
}

// close stops accepting work and waits for in-flight tasks to finish.
func (p *boundedPool) close() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.tasks)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

// cachedPool runs each task on its own goroutine. Search-class jobs are
// short and I/O-bound, so an unbounded pool mirrors a cached thread pool
// without starving the packaging pool.
type cachedPool struct {
	wg sync.WaitGroup
}

func (p *cachedPool) submit(task func()) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		task()
	}()
}

func (p *cachedPool) wait() {
	p.wg.Wait()
}
