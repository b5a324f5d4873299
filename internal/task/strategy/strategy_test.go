package strategy

import (
	"errors"
	"fmt"
	"testing"

	"fleetrun/internal/task"
)

func makeTasks(n int) []task.Task {
	out := make([]task.Task, n)
	for i := range out {
		out[i] = task.Task{Name: fmt.Sprintf("t%d", i+1), Command: task.Command{Line: "true"}}
	}
	return out
}

func names(tasks []task.Task) []string {
	out := make([]string, len(tasks))
	for i, t := range tasks {
		out[i] = t.Name
	}
	return out
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestDefaultSingleJob(t *testing.T) {
	t.Parallel()
	hosts := []string{"h1", "h2", "h3"}
	for _, n := range []int{1, 2, 7} {
		tasks := makeTasks(n)
		jobs, err := Default.ComputeJobs(tasks, hosts)
		if err != nil {
			t.Fatalf("ComputeJobs: %v", err)
		}
		if len(jobs) != 1 {
			t.Fatalf("n=%d: got %d jobs, want 1", n, len(jobs))
		}
		if !equal(names(jobs[0].Tasks), names(tasks)) || !equal(jobs[0].Hosts, hosts) {
			t.Fatalf("n=%d: unexpected job %+v", n, jobs[0])
		}
	}
}

func TestPerHostOneJobPerHost(t *testing.T) {
	t.Parallel()
	tasks := makeTasks(3)
	hosts := []string{"c", "a", "b"}
	jobs, err := PerHost.ComputeJobs(tasks, hosts)
	if err != nil {
		t.Fatalf("ComputeJobs: %v", err)
	}
	if len(jobs) != len(hosts) {
		t.Fatalf("got %d jobs, want %d", len(jobs), len(hosts))
	}
	for i, j := range jobs {
		if !equal(j.Hosts, []string{hosts[i]}) {
			t.Fatalf("job %d hosts = %v, want [%s]", i, j.Hosts, hosts[i])
		}
		if !equal(names(j.Tasks), names(tasks)) {
			t.Fatalf("job %d tasks = %v", i, names(j.Tasks))
		}
	}
}

func TestPerTaskOneJobPerTask(t *testing.T) {
	t.Parallel()
	tasks := makeTasks(4)
	hosts := []string{"h1", "h2"}
	jobs, err := PerTask.ComputeJobs(tasks, hosts)
	if err != nil {
		t.Fatalf("ComputeJobs: %v", err)
	}
	if len(jobs) != len(tasks) {
		t.Fatalf("got %d jobs, want %d", len(jobs), len(tasks))
	}
	for i, j := range jobs {
		if len(j.Tasks) != 1 || j.Tasks[0].Name != tasks[i].Name {
			t.Fatalf("job %d tasks = %v", i, names(j.Tasks))
		}
		if !equal(j.Hosts, hosts) {
			t.Fatalf("job %d hosts = %v", i, j.Hosts)
		}
	}
}

func TestComputeJobsDoesNotMutateInput(t *testing.T) {
	t.Parallel()
	tasks := makeTasks(2)
	hosts := []string{"h1", "h2"}
	for _, s := range []Strategy{Default, PerHost, PerTask} {
		jobs, err := s.ComputeJobs(tasks, hosts)
		if err != nil {
			t.Fatalf("%s: %v", s, err)
		}
		jobs[0].Hosts[0] = "changed"
		jobs[0].Tasks[0].Name = "changed"
		if hosts[0] != "h1" || tasks[0].Name != "t1" {
			t.Fatalf("%s: input mutated through job", s)
		}
	}
}

func TestEdgeCases(t *testing.T) {
	t.Parallel()
	jobs, err := PerHost.ComputeJobs(nil, []string{"h1"})
	if err != nil || len(jobs) != 0 {
		t.Fatalf("no tasks: jobs=%v err=%v", jobs, err)
	}
	if _, err := Default.ComputeJobs(makeTasks(1), nil); !errors.Is(err, task.ErrConfig) {
		t.Fatalf("no hosts: expected ErrConfig, got %v", err)
	}
	if _, err := Strategy(42).ComputeJobs(makeTasks(1), []string{"h"}); !errors.Is(err, task.ErrConfig) {
		t.Fatalf("invalid strategy: expected ErrConfig, got %v", err)
	}
}

func TestParse(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw  string
		want Strategy
	}{
		{"", Default},
		{"default", Default},
		{"per_host", PerHost},
		{"Per-Host", PerHost},
		{"per_task", PerTask},
	}
	for _, tt := range tests {
		got, err := Parse(tt.raw)
		if err != nil || got != tt.want {
			t.Fatalf("Parse(%q) = %v, %v", tt.raw, got, err)
		}
	}
	if _, err := Parse("round_robin"); !errors.Is(err, task.ErrConfig) {
		t.Fatalf("expected ErrConfig, got %v", err)
	}
}
