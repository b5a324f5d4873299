// Package pool runs units of work on a fixed number of goroutines.
//
// The pool is best-effort: a failing unit never cancels the others. Every
// enqueued unit runs, and RunTillDone reports the first error afterwards.
package pool

import (
	"fmt"
	"sync"
	"sync/atomic"

	logx "fleetrun/pkg/logx"
)

// Unit is one piece of work submitted to the pool.
type Unit func() error

type Pool struct {
	workers int
	log     logx.Logger

	mu    sync.Mutex
	queue []Unit

	firstErr error

	completed atomic.Uint64
	failed    atomic.Uint64
	panics    atomic.Uint64
}

// Stats is a best-effort view of the pool counters.
type Stats struct {
	Workers   int
	Queued    int
	Completed uint64
	Failed    uint64
	Panics    uint64
}

// New returns a pool with the given number of workers (minimum 1).
func New(workers int, log logx.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Pool{workers: workers, log: log}
}

// AddJob enqueues a unit. It is safe to call while RunTillDone is running;
// units added after the queue has drained are picked up by the next RunTillDone.
func (p *Pool) AddJob(u Unit) {
	if u == nil {
		return
	}
	p.mu.Lock()
	p.queue = append(p.queue, u)
	p.mu.Unlock()
}

func (p *Pool) next() (Unit, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) == 0 {
		return nil, false
	}
	u := p.queue[0]
	p.queue[0] = nil
	p.queue = p.queue[1:]
	return u, true
}

// RunTillDone blocks until every queued unit has completed, then returns the
// first error any unit reported.
func (p *Pool) RunTillDone() error {
	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			p.worker(idx)
		}(i)
	}
	wg.Wait()

	p.mu.Lock()
	err := p.firstErr
	p.firstErr = nil
	p.mu.Unlock()
	return err
}

func (p *Pool) worker(idx int) {
	for {
		u, ok := p.next()
		if !ok {
			return
		}
		if err := p.exec(idx, u); err != nil {
			p.failed.Add(1)
			p.mu.Lock()
			if p.firstErr == nil {
				p.firstErr = err
			}
			p.mu.Unlock()
			p.log.Debug("pool.unit_failed", logx.Int("worker", idx), logx.Err(err))
		}
		p.completed.Add(1)
	}
}

// exec guards against unit panics so one bad unit can't take a worker down
// or leave RunTillDone waiting forever.
func (p *Pool) exec(idx int, u Unit) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			err = fmt.Errorf("panic: %v", r)
			p.log.Error("pool.unit_panic", logx.Int("worker", idx), logx.Any("panic", r), logx.Stack(logx.StackTrace(3, 16)))
		}
	}()
	return u()
}

// Stats returns the current counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	queued := len(p.queue)
	p.mu.Unlock()
	return Stats{
		Workers:   p.workers,
		Queued:    queued,
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Panics:    p.panics.Load(),
	}
}
