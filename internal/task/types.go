package task

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"
)

// DefaultTimeout bounds a single command dispatch when Meta.Timeout is 0.
const DefaultTimeout = 15 * time.Second

// TransportFailure is the exit status reported when a command could not be
// dispatched at all (connection refused, auth failure, unsupported command).
const TransportFailure = -1

type CommandKind int

const (
	Shell CommandKind = iota
	Upload
	Download
)

func (k CommandKind) String() string {
	switch k {
	case Shell:
		return "shell"
	case Upload:
		return "upload"
	case Download:
		return "download"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Command is the driver-specific descriptor of what a task runs.
// The scheduler never looks inside it.
type Command struct {
	Kind CommandKind
	// Line is the shell command line (Shell).
	Line string
	// Source and Target are file paths (Upload: local -> remote, Download: remote -> local).
	Source string
	Target string
}

func (c Command) String() string {
	switch c.Kind {
	case Shell:
		return c.Line
	default:
		return c.Kind.String() + " " + c.Source + " -> " + c.Target
	}
}

// Guard reports whether the (task, host) pairing should be skipped.
type Guard func(ctx context.Context, host string) (skip bool)

// OnlyHosts skips every host that matches none of the glob patterns.
func OnlyHosts(patterns ...string) Guard {
	ps := append([]string(nil), patterns...)
	return func(_ context.Context, host string) bool {
		return !matchAny(ps, host)
	}
}

// SkipHosts skips every host that matches one of the glob patterns.
func SkipHosts(patterns ...string) Guard {
	ps := append([]string(nil), patterns...)
	return func(_ context.Context, host string) bool {
		return matchAny(ps, host)
	}
}

func matchAny(patterns []string, host string) bool {
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if ok, err := path.Match(p, host); err == nil && ok {
			return true
		}
	}
	return false
}

// Meta carries per-task execution settings.
type Meta struct {
	// IgnoreFailure overrides the scheduler-level setting when non-nil.
	IgnoreFailure *bool
	// Timeout bounds each dispatch of this task; 0 means DefaultTimeout.
	Timeout time.Duration
	Guards  []Guard
}

// Task is a named unit of work. Tasks are built before a scheduler exists and
// are treated as read-only afterwards.
type Task struct {
	Name    string
	Command Command
	Meta    Meta
}

// EffectiveTimeout returns the per-dispatch timeout: the task's own, then
// fallback, then DefaultTimeout.
func (t Task) EffectiveTimeout(fallback time.Duration) time.Duration {
	switch {
	case t.Meta.Timeout > 0:
		return t.Meta.Timeout
	case fallback > 0:
		return fallback
	}
	return DefaultTimeout
}

// Skip evaluates the task's guards against host. The first guard that asks
// for a skip wins.
func (t Task) Skip(ctx context.Context, host string) bool {
	for _, g := range t.Meta.Guards {
		if g != nil && g(ctx, host) {
			return true
		}
	}
	return false
}

// Bool returns a pointer to v, for Meta.IgnoreFailure literals.
func Bool(v bool) *bool { return &v }

// FailurePolicy decides what happens to a non-zero exit status.
type FailurePolicy int

const (
	Propagate FailurePolicy = iota
	Ignore
)

func (p FailurePolicy) String() string {
	if p == Ignore {
		return "ignore"
	}
	return "propagate"
}

// ResolvePolicy resolves the policy of a task: its own setting when present,
// otherwise the scheduler-level fallback.
func ResolvePolicy(taskIgnore *bool, schedulerIgnore bool) FailurePolicy {
	ignore := schedulerIgnore
	if taskIgnore != nil {
		ignore = *taskIgnore
	}
	if ignore {
		return Ignore
	}
	return Propagate
}

// ExecOutput is the outcome of one (task, host) dispatch.
type ExecOutput struct {
	ExitStatus int
	Stdout     string
	Stderr     string
}

// Success reports whether the dispatch is considered successful.
func (o ExecOutput) Success() bool { return o.ExitStatus == 0 }

// TransportError builds the output reported when the command never ran.
func TransportError(err error) ExecOutput {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return ExecOutput{ExitStatus: TransportFailure, Stderr: msg}
}

// Result records one attempted or skipped (task, host) pairing.
type Result struct {
	Task   string
	Host   string
	Output ExecOutput
	// Skipped is set when a guard asked to skip the pairing; Output is empty.
	Skipped bool
	// Tolerated is set when the dispatch failed but the failure policy was Ignore.
	Tolerated bool
}
