package events

import (
	"sync"

	"fleetrun/internal/task"
	logx "fleetrun/pkg/logx"
)

// Dispatcher fans every hook out to its registered handlers.
// It is itself a Handler, so drivers only ever see one.
type Dispatcher struct {
	log logx.Logger

	mu       sync.RWMutex
	handlers []Handler
}

func NewDispatcher(log logx.Logger) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dispatcher{log: log}
}

// Register appends h. Nil handlers are ignored.
func (d *Dispatcher) Register(h Handler) {
	if h == nil {
		return
	}
	d.mu.Lock()
	d.handlers = append(d.handlers, h)
	d.mu.Unlock()
}

// Len returns the number of registered handlers.
func (d *Dispatcher) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.handlers)
}

func (d *Dispatcher) each(hook string, fn func(h Handler)) {
	d.mu.RLock()
	hs := d.handlers
	d.mu.RUnlock()
	for _, h := range hs {
		d.call(hook, h, fn)
	}
}

// call recovers handler panics: an observer must not be able to abort a run.
func (d *Dispatcher) call(hook string, h Handler, fn func(h Handler)) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("handler panic", logx.String("hook", hook), logx.Any("panic", r))
		}
	}()
	fn(h)
}

func (d *Dispatcher) RunStarted(r Run) {
	d.each("run_started", func(h Handler) { h.RunStarted(r) })
}

func (d *Dispatcher) RunFinished(r Run) {
	d.each("run_finished", func(h Handler) { h.RunFinished(r) })
}

func (d *Dispatcher) RunFailed(r Run, err error) {
	d.each("run_failed", func(h Handler) { h.RunFailed(r, err) })
}

func (d *Dispatcher) JobComputationStarted(r Run) {
	d.each("job_computation_started", func(h Handler) { h.JobComputationStarted(r) })
}

func (d *Dispatcher) JobComputationFinished(r Run, jobs []task.Job) {
	d.each("job_computation_finished", func(h Handler) { h.JobComputationFinished(r, jobs) })
}

func (d *Dispatcher) JobStarted(job task.Job) {
	d.each("job_started", func(h Handler) { h.JobStarted(job) })
}

func (d *Dispatcher) JobFinished(job task.Job) {
	d.each("job_finished", func(h Handler) { h.JobFinished(job) })
}

func (d *Dispatcher) JobFailed(job task.Job, err error) {
	d.each("job_failed", func(h Handler) { h.JobFailed(job, err) })
}

func (d *Dispatcher) CommandStarted(t task.Task, host string) {
	d.each("command_started", func(h Handler) { h.CommandStarted(t, host) })
}

func (d *Dispatcher) CommandFinished(t task.Task, host string, out task.ExecOutput) {
	d.each("command_finished", func(h Handler) { h.CommandFinished(t, host, out) })
}

var _ Handler = (*Dispatcher)(nil)
