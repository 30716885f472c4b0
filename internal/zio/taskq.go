package zio

import (
	"sync"
)

// taskq is a fixed-worker dispatch queue with an unbounded backlog and a
// cut-ahead lane. Retried pipeline units are placed on the front lane so a
// unit that already failed once is not starved behind fresh arrivals.
type taskq struct {
	mu      sync.Mutex
	cond    *sync.Cond
	front   []func()
	back    []func()
	workers int
	closed  bool
	wg      sync.WaitGroup
}

func newTaskq(workers int) *taskq {
	if workers < 1 {
		workers = 1
	}
	tq := &taskq{workers: workers}
	tq.cond = sync.NewCond(&tq.mu)
	for i := 0; i < workers; i++ {
		tq.wg.Add(1)
		go tq.worker()
	}
	return tq
}

// Dispatch queues fn for execution. Cut-ahead tasks run before the backlog.
func (tq *taskq) Dispatch(fn func(), cutAhead bool) {
	tq.mu.Lock()
	if tq.closed {
		tq.mu.Unlock()
		return
	}
	if cutAhead {
		tq.front = append(tq.front, fn)
	} else {
		tq.back = append(tq.back, fn)
	}
	tq.mu.Unlock()
	tq.cond.Signal()
}

func (tq *taskq) worker() {
	defer tq.wg.Done()
	for {
		tq.mu.Lock()
		for len(tq.front) == 0 && len(tq.back) == 0 && !tq.closed {
			tq.cond.Wait()
		}
		if tq.closed && len(tq.front) == 0 && len(tq.back) == 0 {
			tq.mu.Unlock()
			return
		}
		var fn func()
		if len(tq.front) > 0 {
			fn = tq.front[0]
			tq.front = tq.front[1:]
		} else {
			fn = tq.back[0]
			tq.back = tq.back[1:]
		}
		tq.mu.Unlock()
		fn()
	}
}

// Close drains the backlog and stops the workers.
func (tq *taskq) Close() {
	tq.mu.Lock()
	tq.closed = true
	tq.mu.Unlock()
	tq.cond.Broadcast()
	tq.wg.Wait()
}
