// Package strategy partitions tasks into jobs.
//
// Every strategy is a pure function of (tasks, hosts): output order follows
// input order and inputs are never mutated.
package strategy

import (
	"fmt"
	"strings"

	"fleetrun/internal/task"
)

type Strategy int

const (
	// Default runs every task against every host in a single job.
	Default Strategy = iota
	// PerHost runs the full task list once per host, isolating host failures.
	PerHost
	// PerTask runs each task against all hosts, isolating task failures.
	PerTask
)

func (s Strategy) String() string {
	switch s {
	case Default:
		return "default"
	case PerHost:
		return "per_host"
	case PerTask:
		return "per_task"
	default:
		return fmt.Sprintf("strategy(%d)", int(s))
	}
}

// Valid reports whether s is one of the declared strategies.
func (s Strategy) Valid() bool { return s >= Default && s <= PerTask }

// Parse maps a configuration name onto a Strategy.
// Empty selects Default.
func Parse(name string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "default":
		return Default, nil
	case "per_host", "per-host", "perhost":
		return PerHost, nil
	case "per_task", "per-task", "pertask":
		return PerTask, nil
	default:
		return Default, task.Configf("run.strategy", "unknown strategy %q (use default, per_host or per_task)", name)
	}
}

// ComputeJobs partitions tasks into jobs targeting hosts.
//
// No tasks yields no jobs. No hosts is a configuration error since every job
// needs at least one target.
func (s Strategy) ComputeJobs(tasks []task.Task, hosts []string) ([]task.Job, error) {
	if !s.Valid() {
		return nil, task.Configf("run.strategy", "unsupported strategy %d", int(s))
	}
	if len(tasks) == 0 {
		return nil, nil
	}
	if len(hosts) == 0 {
		return nil, task.Configf("hosts", "no target hosts for %d task(s)", len(tasks))
	}

	var jobs []task.Job
	switch s {
	case Default:
		j, err := task.NewJob(tasks, hosts)
		if err != nil {
			return nil, err
		}
		jobs = []task.Job{j}
	case PerHost:
		jobs = make([]task.Job, 0, len(hosts))
		for _, h := range hosts {
			j, err := task.NewJob(tasks, []string{h})
			if err != nil {
				return nil, err
			}
			jobs = append(jobs, j)
		}
	case PerTask:
		jobs = make([]task.Job, 0, len(tasks))
		for i := range tasks {
			j, err := task.NewJob(tasks[i:i+1], hosts)
			if err != nil {
				return nil, err
			}
			jobs = append(jobs, j)
		}
	}
	return jobs, nil
}
