// Package events delivers run lifecycle notifications to handlers.
//
// Dispatch is synchronous: each hook runs on the goroutine that fired it, for
// every registered handler, in registration order. In concurrent runs hooks
// are fired from pool goroutines, so handlers must be safe for concurrent use.
package events

import (
	"time"

	"fleetrun/internal/task"
)

// Run describes the scheduler run an event belongs to.
type Run struct {
	ID          string
	Name        string
	Strategy    string
	Concurrency int
	Noop        bool
	Started     time.Time
}

// Handler observes a run. Embed Base to implement only the hooks you need.
type Handler interface {
	RunStarted(r Run)
	RunFinished(r Run)
	RunFailed(r Run, err error)
	JobComputationStarted(r Run)
	JobComputationFinished(r Run, jobs []task.Job)
	JobStarted(job task.Job)
	JobFinished(job task.Job)
	JobFailed(job task.Job, err error)
	CommandStarted(t task.Task, host string)
	CommandFinished(t task.Task, host string, out task.ExecOutput)
}

// Base implements every hook as a no-op.
type Base struct{}

func (Base) RunStarted(Run) {}
func (Base) RunFinished(Run) {}
func (Base) RunFailed(Run, error) {}
func (Base) JobComputationStarted(Run) {}
func (Base) JobComputationFinished(Run, []task.Job) {}
func (Base) JobStarted(task.Job) {}
func (Base) JobFinished(task.Job) {}
func (Base) JobFailed(task.Job, error) {}
func (Base) CommandStarted(task.Task, string) {}
func (Base) CommandFinished(task.Task, string, task.ExecOutput) {}

var _ Handler = Base{}
