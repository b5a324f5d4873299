// Package app wires configuration, logging, drivers, notifications and the
// scheduler into a runnable fleetrun process.
package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"fleetrun/internal/config"
	"fleetrun/internal/discovery"
	"fleetrun/internal/driver"
	"fleetrun/internal/eventbus"
	"fleetrun/internal/events"
	"fleetrun/internal/notifier"
	"fleetrun/internal/scheduler"
	"fleetrun/internal/storage"
	"fleetrun/internal/task"
	logx "fleetrun/pkg/logx"
)

type Mode string

const (
	// ModeOnce performs a single run and exits with its result.
	ModeOnce Mode = "once"
	// ModeWatch runs once and again every time the config file changes.
	ModeWatch Mode = "watch"
	// ModeDaemon runs on run.schedule until the process is stopped.
	ModeDaemon Mode = "daemon"
)

func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "", ModeOnce:
		return ModeOnce, nil
	case ModeWatch, ModeDaemon:
		return m, nil
	default:
		return "", fmt.Errorf("unknown mode %q (use once, watch or daemon)", s)
	}
}

type Options struct {
	ConfigPath string
	Mode       Mode
	// Noop forces dry runs regardless of run.noop.
	Noop bool
	// Handlers are registered on every run in addition to the defaults.
	Handlers []events.Handler
	// Sender overrides the Telegram sender when notifications are enabled.
	Sender notifier.Sender
}

type App struct {
	opts Options

	cfgm *config.Manager
	logs *logx.Service
	log  logx.Logger
	bus  eventbus.Bus

	notifMu sync.Mutex
	notif   *notifier.Service

	// store holds notifier dedup state; fixed for the life of the process.
	storeCfg storage.Config
	store    storage.Store

	// runs in this process never overlap; the configured lock covers
	// other processes.
	runMu sync.Mutex

	// scheduled is the daemon schedule name currently registered
	schedMu   sync.Mutex
	scheduled string
}

// New loads and validates the config and sets up logging. Nothing runs until
// Run is called.
func New(opts Options) (*App, error) {
	if strings.TrimSpace(opts.ConfigPath) == "" {
		opts.ConfigPath = "./fleetrun.yaml"
	}
	if opts.Mode == "" {
		opts.Mode = ModeOnce
	}
	cfgm := config.NewManager(opts.ConfigPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logs, log := logx.New(cfg.LogConfig())
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	a := &App{
		opts: opts,
		cfgm: cfgm,
		logs: logs,
		log:  log.With(logx.String("comp", "app")),
		bus:  eventbus.New(),
	}
	sc, err := cfg.StoreConfig()
	if err != nil {
		_ = logs.Close()
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logs.Close()
		return nil, fmt.Errorf("notify.store: %w", err)
	}
	a.storeCfg, a.store = sc, store

	notif, err := a.buildNotifier(cfg)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.notif = notif
	return a, nil
}

func (a *App) buildNotifier(cfg *config.Config) (*notifier.Service, error) {
	tc := cfg.Notify.Telegram
	if tc == nil || !tc.Enabled {
		return nil, nil
	}
	sender := a.opts.Sender
	if sender == nil {
		tg, err := notifier.NewTelegram(tc.Token)
		if err != nil {
			return nil, fmt.Errorf("telegram: %w", err)
		}
		sender = tg
	}
	window, err := cfg.DedupWindow()
	if err != nil {
		return nil, err
	}
	ncfg := notifier.Config{
		ChatID:      tc.ChatID,
		ThreadID:    tc.ThreadID,
		Events:      tc.Events,
		RatePerSec:  tc.RatePerSec,
		RetryMax:    2,
		DedupWindow: window,
	}
	if a.store != nil {
		ncfg.DedupStore = a.store
	}
	return notifier.New(ncfg, sender, a.log), nil
}

// Run runs in the configured mode until the mode completes or ctx is done.
func (a *App) Run(ctx context.Context) error {
	a.notifMu.Lock()
	if a.notif != nil {
		a.notif.Start(ctx, a.bus)
	}
	a.notifMu.Unlock()
	defer a.stopNotifier()

	a.log.Info("starting", logx.String("mode", string(a.opts.Mode)), logx.String("config", a.cfgm.Path()), logx.Bool("noop", a.opts.Noop))
	switch a.opts.Mode {
	case ModeOnce:
		_, err := a.RunOnce(ctx)
		return err
	case ModeWatch:
		return a.runWatch(ctx)
	case ModeDaemon:
		return a.runDaemon(ctx)
	default:
		return fmt.Errorf("unknown mode %q", a.opts.Mode)
	}
}

func (a *App) stopNotifier() {
	a.notifMu.Lock()
	n := a.notif
	a.notifMu.Unlock()
	if n == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	n.Stop(ctx)
	a.log.Debug("notifier stopped", logx.Int("sent", len(n.Snapshot())))
}

// Close releases the state store and log sinks.
func (a *App) Close() error {
	var err error
	if a.store != nil {
		err = a.store.Close()
	}
	if lerr := a.logs.Close(); err == nil {
		err = lerr
	}
	return err
}

// RunOnce performs one run against the current config.
func (a *App) RunOnce(ctx context.Context) ([]task.Job, error) {
	a.runMu.Lock()
	defer a.runMu.Unlock()

	cfg := a.cfgm.Get()
	sched, err := a.buildScheduler(ctx, cfg)
	if err != nil {
		return nil, err
	}
	started := time.Now()
	jobs, err := sched.Run(ctx)
	if err != nil {
		a.log.Error("run failed", logx.String("name", cfg.Name), logx.Int("jobs", len(jobs)), logx.Duration("took", time.Since(started)), logx.Err(err))
		return jobs, err
	}
	a.log.Info("run finished", logx.String("name", cfg.Name), logx.Int("jobs", len(jobs)), logx.Duration("took", time.Since(started)))
	return jobs, nil
}

func (a *App) buildScheduler(ctx context.Context, cfg *config.Config) (*scheduler.Scheduler, error) {
	hosts, err := resolveHosts(ctx, cfg)
	if err != nil {
		return nil, err
	}
	tasks, err := cfg.BuildTasks()
	if err != nil {
		return nil, err
	}
	st, err := cfg.Strategy()
	if err != nil {
		return nil, err
	}
	noop := a.opts.Noop || cfg.Run.Noop

	var drv driver.Driver
	if !noop {
		dc, err := cfg.DriverConfig()
		if err != nil {
			return nil, err
		}
		drv, err = driver.Open(dc, a.log.With(logx.String("comp", "driver")))
		if err != nil {
			return nil, err
		}
	}

	handlers := make([]events.Handler, 0, len(a.opts.Handlers)+1)
	handlers = append(handlers, a.opts.Handlers...)
	handlers = append(handlers, events.NewBus(a.bus))

	return scheduler.New(cfg.Name, tasks, scheduler.Metadata{
		Concurrency:   cfg.Run.Concurrency,
		IgnoreFailure: cfg.Run.IgnoreFailure,
		Noop:          noop,
		Arguments:     cfg.Run.Arguments,
		Handlers:      handlers,
		Members:       hosts,
	}, scheduler.Options{
		Strategy: st,
		Driver:   drv,
		Lock:     cfg.LockProperties(),
		Log:      a.log.With(logx.String("comp", "scheduler"), logx.String("run", cfg.Name)),
	})
}

// resolveHosts merges static hosts with the discovery result, first
// occurrence wins.
func resolveHosts(ctx context.Context, cfg *config.Config) ([]string, error) {
	hosts := append([]string(nil), cfg.Hosts...)
	if search := cfg.HostSearch(); search != nil {
		found, err := search.Search(ctx, cfg.Discovery.Query)
		if err != nil {
			return nil, fmt.Errorf("discovery: %w", err)
		}
		hosts = append(hosts, found...)
	}
	return discovery.Dedupe(hosts), nil
}

// applyConfig refreshes state that follows the config file between runs.
func (a *App) applyConfig(cfg *config.Config) {
	if err := a.logs.Apply(cfg.LogConfig()); err != nil {
		a.log.Warn("log sink unavailable", logx.Err(err))
	}
	if sc, err := cfg.StoreConfig(); err == nil && sc != a.storeCfg {
		a.log.Warn("notify.store changes need a restart", logx.String("driver", sc.Driver))
	}

	n, err := a.buildNotifier(cfg)
	if err != nil {
		a.log.Warn("notifier not reloaded", logx.Err(err))
		return
	}
	a.notifMu.Lock()
	old := a.notif
	a.notif = n
	a.notifMu.Unlock()
	if old != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		old.Stop(ctx)
		cancel()
	}
	if n != nil {
		n.Start(context.Background(), a.bus)
	}
}
