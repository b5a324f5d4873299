package events

import (
	"sync/atomic"
	"time"

	"fleetrun/internal/eventbus"
	"fleetrun/internal/task"
)

// Bus republishes lifecycle events onto an eventbus so slow consumers
// (notifiers, status pages) never block the run. Command events are not
// forwarded.
type Bus struct {
	Base
	bus eventbus.Bus
	run atomic.Pointer[Run]
}

func NewBus(bus eventbus.Bus) *Bus {
	return &Bus{bus: bus}
}

func (b *Bus) publish(typ string, data any) {
	if b == nil || b.bus == nil {
		return
	}
	b.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: data})
}

func (b *Bus) current() Run {
	if r := b.run.Load(); r != nil {
		return *r
	}
	return Run{}
}

func (b *Bus) RunStarted(r Run) {
	b.run.Store(&r)
	b.publish(eventbus.TypeRunStarted, eventbus.RunEvent{ID: r.ID, Name: r.Name})
}

func (b *Bus) RunFinished(r Run) {
	b.publish(eventbus.TypeRunFinished, eventbus.RunEvent{ID: r.ID, Name: r.Name})
}

func (b *Bus) RunFailed(r Run, err error) {
	b.publish(eventbus.TypeRunFailed, eventbus.RunEvent{ID: r.ID, Name: r.Name, Error: errString(err)})
}

func (b *Bus) JobStarted(job task.Job) {
	b.publish(eventbus.TypeJobStarted, b.jobEvent(job, nil))
}

func (b *Bus) JobFinished(job task.Job) {
	b.publish(eventbus.TypeJobFinished, b.jobEvent(job, nil))
}

func (b *Bus) JobFailed(job task.Job, err error) {
	b.publish(eventbus.TypeJobFailed, b.jobEvent(job, err))
}

func (b *Bus) jobEvent(job task.Job, err error) eventbus.JobEvent {
	r := b.current()
	return eventbus.JobEvent{
		RunID: r.ID,
		Run:   r.Name,
		Job:   job.Name,
		Hosts: append([]string(nil), job.Hosts...),
		Error: errString(err),
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

var _ Handler = (*Bus)(nil)
