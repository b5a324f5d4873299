package task

import (
	"fmt"
	"strings"
)

// Job binds an ordered, non-empty list of tasks to a non-empty set of hosts.
// Jobs are computed per run and owned by whichever step executes them.
type Job struct {
	Name  string
	Tasks []Task
	Hosts []string
}

// NewJob validates and copies its inputs so the job never aliases caller slices.
func NewJob(tasks []Task, hosts []string) (Job, error) {
	if len(tasks) == 0 || len(hosts) == 0 {
		return Job{}, fmt.Errorf("%w: tasks=%d hosts=%d", ErrEmptyJob, len(tasks), len(hosts))
	}
	j := Job{
		Tasks: append([]Task(nil), tasks...),
		Hosts: append([]string(nil), hosts...),
	}
	j.Name = jobName(j.Tasks, j.Hosts)
	return j, nil
}

func jobName(tasks []Task, hosts []string) string {
	var b strings.Builder
	b.WriteString(summarize(len(tasks), "task", func(i int) string { return tasks[i].Name }))
	b.WriteString("@")
	b.WriteString(summarize(len(hosts), "host", func(i int) string { return hosts[i] }))
	return b.String()
}

func summarize(n int, noun string, at func(int) string) string {
	if n == 1 {
		return at(0)
	}
	return fmt.Sprintf("%d%ss", n, noun)
}
