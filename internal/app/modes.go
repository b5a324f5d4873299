package app

import (
	"context"
	"errors"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"fleetrun/internal/config"
	"fleetrun/internal/cron"
	"fleetrun/internal/runtime/supervisor"
	"fleetrun/internal/task"
	logx "fleetrun/pkg/logx"
)

const shutdownTimeout = 30 * time.Second

// runWatch runs once, then again for every published config change. Run
// failures are logged and do not stop the loop.
func (a *App) runWatch(ctx context.Context) error {
	sup := supervisor.New(ctx, supervisor.WithLogger(a.log.With(logx.String("comp", "supervisor"))))
	sub := a.cfgm.Subscribe(1)
	defer a.cfgm.Unsubscribe(sub)

	sup.GoRestart("config.watch", a.cfgm.Watch, supervisor.WithRestartBackoff(time.Second, time.Minute))
	sup.Go("runs", func(ctx context.Context) error {
		a.logRun(ctx)
		for {
			select {
			case <-ctx.Done():
				return nil
			case cfg, ok := <-sub:
				if !ok {
					return nil
				}
				a.applyConfig(cfg)
				a.log.Info("config changed; re-running", logx.String("name", cfg.Name))
				a.logRun(ctx)
			}
		}
	})

	<-ctx.Done()
	return a.stopSupervisor(sup)
}

func (a *App) logRun(ctx context.Context) {
	// RunOnce already logs the outcome.
	_, _ = a.RunOnce(ctx)
}

// runDaemon triggers runs on run.schedule. Config changes reschedule without
// a restart.
func (a *App) runDaemon(ctx context.Context) error {
	cfg := a.cfgm.Get()
	if cfg.Run.Schedule == "" {
		return task.Configf("run.schedule", "required in daemon mode")
	}
	svc, err := cron.New(cfg.Run.Timezone, a.log)
	if err != nil {
		return task.Configf("run.timezone", "%v", err)
	}
	job := func(ctx context.Context) error {
		_, err := a.RunOnce(ctx)
		return err
	}
	if err := svc.Add(cfg.Name, cfg.Run.Schedule, job); err != nil {
		return err
	}
	a.setScheduled(cfg.Name)
	svc.Start(ctx)

	sup := supervisor.New(ctx, supervisor.WithLogger(a.log.With(logx.String("comp", "supervisor"))))
	sub := a.cfgm.Subscribe(1)
	defer a.cfgm.Unsubscribe(sub)
	sup.GoRestart("config.watch", a.cfgm.Watch, supervisor.WithRestartBackoff(time.Second, time.Minute))
	sup.Go("reschedule", func(ctx context.Context) error {
		current := cfg
		for {
			select {
			case <-ctx.Done():
				return nil
			case next, ok := <-sub:
				if !ok {
					return nil
				}
				a.applyConfig(next)
				current = a.reschedule(svc, current, next, job)
			}
		}
	})

	a.sdNotify(daemon.SdNotifyReady)
	<-ctx.Done()
	a.sdNotify(daemon.SdNotifyStopping)

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	svc.Stop(stopCtx)
	name := a.scheduledName()
	if st, ok := svc.Stats(name); ok {
		a.log.Info("daemon stopped", logx.String("name", name), logx.Uint64("runs", st.Runs), logx.Uint64("skipped", st.Skipped), logx.Uint64("failed", st.Failed))
	}
	return a.stopSupervisor(sup)
}

// reschedule moves the schedule to next. It returns the config now in effect.
func (a *App) reschedule(svc *cron.Service, current, next *config.Config, job cron.Job) *config.Config {
	if next.Run.Schedule == "" {
		a.log.Warn("config without run.schedule ignored in daemon mode")
		return current
	}
	if next.Run.Timezone != current.Run.Timezone {
		a.log.Warn("run.timezone changes need a restart", logx.String("current", current.Run.Timezone), logx.String("next", next.Run.Timezone))
	}
	if err := svc.Add(next.Name, next.Run.Schedule, job); err != nil {
		a.log.Error("reschedule failed", logx.String("name", next.Name), logx.Err(err))
		return current
	}
	if next.Name != current.Name {
		svc.Remove(current.Name)
	}
	a.setScheduled(next.Name)
	a.log.Info("rescheduled", logx.String("name", next.Name), logx.String("schedule", next.Run.Schedule))
	return next
}

func (a *App) setScheduled(name string) {
	a.schedMu.Lock()
	a.scheduled = name
	a.schedMu.Unlock()
}

func (a *App) scheduledName() string {
	a.schedMu.Lock()
	defer a.schedMu.Unlock()
	return a.scheduled
}

func (a *App) sdNotify(state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		a.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		a.log.Debug("sd_notify sent", logx.String("state", state))
	}
}

func (a *App) stopSupervisor(sup *supervisor.Supervisor) error {
	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := sup.Stop(stopCtx)
	for _, ls := range sup.Snapshot() {
		if ls.Restarts > 0 || ls.Panics > 0 {
			a.log.Info("loop summary",
				logx.String("loop", ls.Name),
				logx.Int("restarts", ls.Restarts),
				logx.Int("panics", ls.Panics),
				logx.String("last_err", ls.LastErr),
			)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		a.log.Warn("shutdown timed out; runs still in flight")
		return nil
	}
	return err
}
