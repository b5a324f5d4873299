package driver

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"fleetrun/internal/events"
	"fleetrun/internal/task"
	logx "fleetrun/pkg/logx"
)

// Driver executes a job's tasks against its hosts.
type Driver interface {
	Name() string
	// Execute returns one Result per (task, host) pairing it attempted or
	// skipped, in task-major order. A non-nil error aborts the job; pairings
	// after the failing one are not attempted.
	Execute(ctx context.Context, job task.Job, env Env) ([]task.Result, error)
}

// Env is the run context a driver needs from the scheduler.
type Env struct {
	// Events receives command_started / command_finished.
	Events events.Handler
	// IgnoreFailure is the scheduler-level fallback for tasks without their own setting.
	IgnoreFailure bool
	// Arguments are the run arguments, exposed to commands as positional parameters.
	Arguments []string
}

// Request is one dispatch of a command to a host.
type Request struct {
	Host      string
	Command   task.Command
	Arguments []string
}

// Runner performs a single dispatch. Runners never return errors: a command
// that could not run is reported as an ExecOutput with TransportFailure.
// Runners must give up when ctx is done.
type Runner interface {
	Run(ctx context.Context, req Request) task.ExecOutput
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, req Request) task.ExecOutput

func (f RunnerFunc) Run(ctx context.Context, req Request) task.ExecOutput { return f(ctx, req) }

// Executor is the Driver shared by every transport: it walks tasks × hosts,
// evaluates guards, applies the failure policy and emits command events, and
// leaves the actual dispatch to its Runner.
type Executor struct {
	name           string
	runner         Runner
	limiter        *rate.Limiter
	defaultTimeout time.Duration
	log            logx.Logger
}

type Option func(*Executor)

// WithRateLimit bounds how many dispatches per second the executor starts,
// across all jobs sharing it. perSec <= 0 disables limiting.
func WithRateLimit(perSec float64, burst int) Option {
	return func(e *Executor) {
		if perSec <= 0 {
			e.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		e.limiter = rate.NewLimiter(rate.Limit(perSec), burst)
	}
}

// WithDefaultTimeout replaces task.DefaultTimeout for tasks without a timeout.
func WithDefaultTimeout(d time.Duration) Option {
	return func(e *Executor) { e.defaultTimeout = d }
}

func WithLogger(log logx.Logger) Option {
	return func(e *Executor) { e.log = log }
}

func NewExecutor(name string, r Runner, opts ...Option) *Executor {
	e := &Executor{name: name, runner: r, log: logx.Nop()}
	for _, o := range opts {
		o(e)
	}
	if e.log.IsZero() {
		e.log = logx.Nop()
	}
	e.log = e.log.With(logx.String("driver", name))
	return e
}

func (e *Executor) Name() string { return e.name }

func (e *Executor) timeout(t task.Task) time.Duration {
	return t.EffectiveTimeout(e.defaultTimeout)
}

func (e *Executor) Execute(ctx context.Context, job task.Job, env Env) ([]task.Result, error) {
	ev := env.Events
	if ev == nil {
		ev = events.Base{}
	}
	results := make([]task.Result, 0, len(job.Tasks)*len(job.Hosts))

	for _, t := range job.Tasks {
		for _, host := range job.Hosts {
			if t.Skip(ctx, host) {
				e.log.Info("command skipped by guard", logx.String("task", t.Name), logx.String("host", host))
				results = append(results, task.Result{Task: t.Name, Host: host, Skipped: true})
				continue
			}
			if e.limiter != nil {
				if err := e.limiter.Wait(ctx); err != nil {
					return results, fmt.Errorf("dispatch %q on %s: %w", t.Name, host, err)
				}
			}

			ev.CommandStarted(t, host)
			out := e.dispatch(ctx, t, host, env.Arguments)
			ev.CommandFinished(t, host, out)

			res := task.Result{Task: t.Name, Host: host, Output: out}
			if !out.Success() {
				if task.ResolvePolicy(t.Meta.IgnoreFailure, env.IgnoreFailure) == task.Ignore {
					res.Tolerated = true
					e.log.Warn("command failed; failure ignored",
						logx.String("task", t.Name),
						logx.String("host", host),
						logx.Int("exit", out.ExitStatus),
					)
				} else {
					results = append(results, res)
					return results, &task.ExecutionError{Task: t.Name, Host: host, Output: out}
				}
			}
			results = append(results, res)
		}
	}
	return results, nil
}

func (e *Executor) dispatch(ctx context.Context, t task.Task, host string, args []string) task.ExecOutput {
	d := e.timeout(t)
	dctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	start := time.Now()
	out := e.runner.Run(dctx, Request{Host: host, Command: t.Command, Arguments: args})
	if !out.Success() && dctx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		out.ExitStatus = task.TransportFailure
		if out.Stderr == "" {
			out.Stderr = fmt.Sprintf("timed out after %s", d)
		}
	}
	e.log.Debug("command dispatched",
		logx.String("task", t.Name),
		logx.String("host", host),
		logx.Int("exit", out.ExitStatus),
		logx.Duration("dur", time.Since(start)),
	)
	return out
}

var _ Driver = (*Executor)(nil)
