package task

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrEmptyJob        = errors.New("job requires at least one task and one host")
	ErrExecutionFailed = errors.New("task execution failed")
	ErrConfig          = errors.New("invalid configuration")
)

// ExecutionError reports a non-zero exit status from a task whose failure
// policy is Propagate. It matches ErrExecutionFailed via errors.Is.
type ExecutionError struct {
	Task   string
	Host   string
	Output ExecOutput
}

func (e *ExecutionError) Error() string {
	msg := strings.TrimSpace(e.Output.Stderr)
	if msg == "" {
		msg = "no diagnostic output"
	}
	return fmt.Sprintf("task %q failed on %s (exit %d): %s", e.Task, e.Host, e.Output.ExitStatus, msg)
}

func (e *ExecutionError) Is(target error) bool { return target == ErrExecutionFailed }

// ConfigError is raised at setup time, before any job executes.
// It matches ErrConfig via errors.Is.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return "config: " + e.Reason
	}
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

func (e *ConfigError) Is(target error) bool { return target == ErrConfig }

// Configf builds a ConfigError with a formatted reason.
func Configf(field, format string, args ...any) error {
	return &ConfigError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
