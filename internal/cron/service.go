// Package cron triggers recurring runs.
//
// It is trigger only: every tick calls the registered function on the cron
// goroutine pool, and a tick that arrives while the previous call for the
// same schedule is still running is skipped.
package cron

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	robfig "github.com/robfig/cron/v3"

	logx "fleetrun/pkg/logx"
)

// Job is called on every tick.
type Job func(ctx context.Context) error

type entry struct {
	name   string
	spec   string
	job    Job
	id     robfig.EntryID
	spread time.Duration

	running atomic.Bool
	runs    atomic.Uint64
	skipped atomic.Uint64
	failed  atomic.Uint64
}

type Service struct {
	mu sync.Mutex

	log    logx.Logger
	parser robfig.Parser
	loc    *time.Location
	c      *robfig.Cron

	entries map[string]*entry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Stats is a snapshot of one schedule's counters.
type Stats struct {
	Runs    uint64
	Skipped uint64
	Failed  uint64
	Next    time.Time
}

// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
var parser = robfig.NewParser(robfig.SecondOptional | robfig.Minute | robfig.Hour | robfig.Dom | robfig.Month | robfig.Dow | robfig.Descriptor)

// Validate reports whether raw is a usable schedule.
func Validate(raw string) error {
	ps, err := ParseSchedule(raw)
	if err != nil {
		return err
	}
	if ps.Kind == SpecCron {
		if _, err := parser.Parse(ps.Cron); err != nil {
			return fmt.Errorf("invalid cron %q: %w", ps.Cron, err)
		}
	}
	return nil
}

// New builds a stopped service. An empty timezone uses the local zone.
func New(timezone string, log logx.Logger) (*Service, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	loc := time.Local
	if tz := strings.TrimSpace(timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("load timezone %q: %w", tz, err)
		}
		loc = l
	}
	return &Service{
		log:     log.With(logx.String("comp", "cron")),
		parser:  parser,
		loc:     loc,
		entries: map[string]*entry{},
	}, nil
}

// Add registers job under name, replacing any schedule with the same name.
// Schedules added before Start are registered when Start runs.
func (s *Service) Add(name, schedule string, job Job) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("name required")
	}
	if job == nil {
		return errors.New("job required")
	}
	if err := Validate(schedule); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(name)
	e := &entry{name: name, spec: schedule, job: job}
	s.entries[name] = e
	if s.c != nil {
		return s.registerLocked(e)
	}
	return nil
}

// Remove unschedules name. It reports whether a schedule existed.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(strings.TrimSpace(name))
}

func (s *Service) removeLocked(name string) bool {
	e, ok := s.entries[name]
	if !ok {
		return false
	}
	if s.c != nil && e.id != 0 {
		s.c.Remove(e.id)
	}
	delete(s.entries, name)
	return true
}

func (s *Service) registerLocked(e *entry) error {
	ps, err := ParseSchedule(e.spec)
	if err != nil {
		return err
	}
	job := robfig.FuncJob(func() { s.fire(e) })

	var sched robfig.Schedule
	switch ps.Kind {
	case SpecInterval:
		sched, e.spread = intervalWithSpread(ps.Every, time.Now().In(s.loc), e.name)
	default:
		sched, err = s.parser.Parse(ps.Cron)
		if err != nil {
			return fmt.Errorf("invalid cron %q: %w", ps.Cron, err)
		}
	}
	e.id = s.c.Schedule(sched, job)

	fields := []logx.Field{logx.String("name", e.name), logx.String("spec", e.spec), logx.String("kind", ps.Kind.String())}
	if e.spread > 0 {
		fields = append(fields, logx.Duration("startup_spread", e.spread))
	}
	if next := s.c.Entry(e.id).Next; !next.IsZero() {
		fields = append(fields, logx.Time("next", next))
	}
	s.log.Info("schedule registered", fields...)
	return nil
}

// Start begins triggering. ctx bounds every job call; Stop cancels it.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.c = robfig.New(robfig.WithParser(s.parser), robfig.WithLocation(s.loc))
	for _, e := range s.entries {
		if err := s.registerLocked(e); err != nil {
			s.log.Error("schedule register failed", logx.String("name", e.name), logx.Err(err))
		}
	}
	s.c.Start()
	s.log.Info("service started", logx.String("tz", s.loc.String()), logx.Int("schedules", len(s.entries)))
}

// Stop stops triggering and waits for in-flight jobs or ctx, whichever
// comes first. Schedules stay registered for the next Start.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	c := s.c
	cancel := s.cancel
	s.c = nil
	s.cancel = nil
	for _, e := range s.entries {
		e.id = 0
	}
	s.mu.Unlock()
	if c == nil {
		return
	}

	stopped := c.Stop().Done()
	select {
	case <-stopped:
	case <-ctx.Done():
		if cancel != nil {
			cancel()
		}
	}
	done := make(chan struct{})
	go func() { s.wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-ctx.Done():
	}
	if cancel != nil {
		cancel()
	}
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}

// Stats returns the counters for name.
func (s *Service) Stats(name string) (Stats, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[name]
	if !ok {
		return Stats{}, false
	}
	st := Stats{Runs: e.runs.Load(), Skipped: e.skipped.Load(), Failed: e.failed.Load()}
	if s.c != nil && e.id != 0 {
		st.Next = s.c.Entry(e.id).Next
	}
	return st, true
}

// Trigger runs name immediately, subject to the same overlap rule as ticks.
func (s *Service) Trigger(name string) bool {
	s.mu.Lock()
	e, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return false
	}
	return s.fire(e)
}

func (s *Service) fire(e *entry) bool {
	if !e.running.CompareAndSwap(false, true) {
		e.skipped.Add(1)
		s.log.Warn("previous run still in progress; tick skipped", logx.String("name", e.name))
		return false
	}
	defer e.running.Store(false)

	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	s.wg.Add(1)
	defer s.wg.Done()

	e.runs.Add(1)
	start := time.Now()
	err := s.call(ctx, e)
	if err != nil {
		e.failed.Add(1)
		s.log.Warn("scheduled run failed", logx.String("name", e.name), logx.Duration("dur", time.Since(start)), logx.Err(err))
		return true
	}
	s.log.Debug("scheduled run done", logx.String("name", e.name), logx.Duration("dur", time.Since(start)))
	return true
}

func (s *Service) call(ctx context.Context, e *entry) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("scheduled run panicked", logx.String("name", e.name), logx.Stack(logx.StackTrace(3, 32)))
		}
	}()
	return e.job(ctx)
}
