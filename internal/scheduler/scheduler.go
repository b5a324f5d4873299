// Package scheduler runs a named list of tasks against a set of hosts.
//
// A run takes the configured lock, partitions the tasks into jobs with the
// configured strategy, and executes the jobs serially or on a bounded pool.
// Every lifecycle transition is reported to the registered event handlers.
package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"fleetrun/internal/driver"
	"fleetrun/internal/events"
	"fleetrun/internal/lock"
	"fleetrun/internal/task"
	"fleetrun/internal/task/pool"
	"fleetrun/internal/task/strategy"
	logx "fleetrun/pkg/logx"
)

// Metadata is the per-run configuration, snapshotted by New.
type Metadata struct {
	// Concurrency <= 1 runs jobs one after another.
	Concurrency int
	// IgnoreFailure tolerates failed jobs and is the fallback failure policy
	// for tasks without their own setting.
	IgnoreFailure bool
	// Noop walks the full lifecycle without invoking the driver.
	Noop      bool
	Arguments []string
	Handlers  []events.Handler
	// Members are the target hosts.
	Members []string
}

type Options struct {
	Strategy strategy.Strategy
	Driver   driver.Driver
	Lock     lock.Properties
	// NoDoc disables the default logging handler.
	NoDoc bool
	Log   logx.Logger
}

type Scheduler struct {
	name  string
	tasks []task.Task
	meta  Metadata
	opts  Options
	log   logx.Logger
	disp  *events.Dispatcher
}

// New validates its inputs and snapshots them so later changes by the caller
// cannot affect a run.
func New(name string, tasks []task.Task, meta Metadata, opts Options) (*Scheduler, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, task.Configf("name", "scheduler name is required")
	}
	if meta.Concurrency < 0 {
		return nil, task.Configf("run.concurrency", "must be >= 0, got %d", meta.Concurrency)
	}
	if !opts.Strategy.Valid() {
		return nil, task.Configf("run.strategy", "invalid strategy %s", opts.Strategy)
	}
	if opts.Driver == nil && !meta.Noop {
		return nil, task.Configf("driver", "a driver is required unless noop is set")
	}
	if err := lock.Validate(opts.Lock); err != nil {
		return nil, err
	}

	log := opts.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "scheduler"), logx.String("scheduler", name))

	s := &Scheduler{
		name:  name,
		tasks: snapshotTasks(tasks),
		meta:  snapshotMeta(meta),
		opts:  opts,
		log:   log,
		disp:  events.NewDispatcher(log),
	}
	s.opts.Lock.Options = copyMap(opts.Lock.Options)
	if !opts.NoDoc {
		s.disp.Register(events.NewDoc(log))
	}
	for _, h := range s.meta.Handlers {
		s.disp.Register(h)
	}
	return s, nil
}

func snapshotTasks(in []task.Task) []task.Task {
	out := make([]task.Task, len(in))
	for i, t := range in {
		if t.Meta.IgnoreFailure != nil {
			t.Meta.IgnoreFailure = task.Bool(*t.Meta.IgnoreFailure)
		}
		t.Meta.Guards = append([]task.Guard(nil), t.Meta.Guards...)
		out[i] = t
	}
	return out
}

func snapshotMeta(m Metadata) Metadata {
	m.Arguments = append([]string(nil), m.Arguments...)
	m.Handlers = append([]events.Handler(nil), m.Handlers...)
	m.Members = append([]string(nil), m.Members...)
	return m
}

func copyMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func (s *Scheduler) Name() string { return s.name }

// Register adds a handler after the ones given in Metadata.
func (s *Scheduler) Register(h events.Handler) { s.disp.Register(h) }

// Run executes one run and returns the computed jobs. On failure it returns
// the jobs computed so far (none if the lock could not be taken) and the
// first propagated error. Exactly one of RunFinished and RunFailed is
// emitted; RunFinished fires while the lock is still held.
func (s *Scheduler) Run(ctx context.Context) (jobs []task.Job, err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	run := events.Run{
		ID:          uuid.NewString(),
		Name:        s.name,
		Strategy:    s.opts.Strategy.String(),
		Concurrency: s.meta.Concurrency,
		Noop:        s.meta.Noop,
		Started:     time.Now(),
	}
	s.disp.RunStarted(run)

	// RunFinished fires inside the lock; everything else ends in RunFailed.
	finished := false
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("run panicked", logx.Any("panic", r), logx.Stack(logx.StackTrace(3, 32)))
		}
		if err == nil {
			return
		}
		if finished {
			s.log.Warn("run finished but lock release failed", logx.Err(err))
			return
		}
		s.disp.RunFailed(run, err)
	}()

	l, err := lock.Open(s.name, s.opts.Lock, s.log)
	if err != nil {
		return nil, err
	}
	acquired := false
	err = lock.With(ctx, l, func() error {
		acquired = true
		s.disp.JobComputationStarted(run)
		computed, cerr := s.opts.Strategy.ComputeJobs(s.tasks, s.meta.Members)
		if cerr != nil {
			return cerr
		}
		jobs = computed
		s.disp.JobComputationFinished(run, jobs)

		var rerr error
		if s.meta.Concurrency <= 1 {
			rerr = s.serialRun(ctx, jobs)
		} else {
			rerr = s.concurrentRun(ctx, jobs)
		}
		if rerr != nil {
			return rerr
		}
		s.disp.RunFinished(run)
		finished = true
		return nil
	})
	if err != nil && !acquired {
		err = &lock.AcquireError{
			Name:   s.name,
			Driver: strings.ToLower(strings.TrimSpace(s.opts.Lock.Driver)),
			Err:    err,
		}
	}
	return jobs, err
}

func (s *Scheduler) serialRun(ctx context.Context, jobs []task.Job) error {
	for _, job := range jobs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.runJob(ctx, job); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) concurrentRun(ctx context.Context, jobs []task.Job) error {
	p := pool.New(s.meta.Concurrency, s.log)
	for _, job := range jobs {
		job := job
		p.AddJob(func() error {
			// jobs still queued when the run is cancelled never start
			if err := ctx.Err(); err != nil {
				return err
			}
			return s.runJob(ctx, job)
		})
	}
	return p.RunTillDone()
}

func (s *Scheduler) runJob(ctx context.Context, job task.Job) (err error) {
	s.disp.JobStarted(job)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s: panic: %v", job.Name, r)
		}
		if err == nil {
			s.disp.JobFinished(job)
			return
		}
		s.disp.JobFailed(job, err)
		if s.meta.IgnoreFailure {
			s.log.Warn("job failed; failure ignored", logx.String("job", job.Name), logx.Err(err))
			err = nil
		}
	}()

	if s.meta.Noop {
		return nil
	}
	_, err = s.opts.Driver.Execute(ctx, job, driver.Env{
		Events:        s.disp,
		IgnoreFailure: s.meta.IgnoreFailure,
		Arguments:     s.meta.Arguments,
	})
	return err
}
