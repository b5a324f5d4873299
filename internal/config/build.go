package config

import (
	"strings"
	"time"

	"fleetrun/internal/discovery"
	"fleetrun/internal/driver"
	"fleetrun/internal/lock"
	"fleetrun/internal/storage"
	"fleetrun/internal/task"
	"fleetrun/internal/task/strategy"
	logx "fleetrun/pkg/logx"
)

// The builders below assume Validate has passed.

func (c *Config) LogConfig() logx.Config {
	return logx.Config{
		Level:   c.Logging.Level,
		Console: c.Logging.Console,
		File:    logx.FileConfig{Enabled: c.Logging.File.Enabled, Path: c.Logging.File.Path},
		Journal: c.Logging.Journal,
	}
}

func (c *Config) Strategy() (strategy.Strategy, error) {
	return strategy.Parse(c.Run.Strategy)
}

func (c *Config) LockProperties() lock.Properties {
	opts := make(map[string]string, len(c.Lock.Options))
	for k, v := range c.Lock.Options {
		opts[k] = v
	}
	return lock.Properties{Driver: c.Lock.Driver, Options: opts}
}

func (c *Config) DriverConfig() (driver.Config, error) {
	d, err := ParseDurationField("driver.default_timeout", c.Driver.DefaultTimeout)
	if err != nil {
		return driver.Config{}, err
	}
	opts := make(map[string]string, len(c.Driver.Options))
	for k, v := range c.Driver.Options {
		opts[k] = v
	}
	return driver.Config{
		Name:           c.Driver.Name,
		RatePerSec:     c.Driver.RatePerSec,
		Burst:          c.Driver.Burst,
		DefaultTimeout: d,
		Options:        opts,
	}, nil
}

func (c *Config) StoreConfig() (storage.Config, error) {
	st := c.Notify.Store
	d, err := ParseDurationField("notify.store.busy_timeout", st.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Driver: st.Driver, Path: st.Path, BusyTimeout: d}, nil
}

// DedupWindow is notify.dedup_window, one minute when unset.
func (c *Config) DedupWindow() (time.Duration, error) {
	if c.Notify.DedupWindow == nil {
		return time.Minute, nil
	}
	return ParseDurationField("notify.dedup_window", *c.Notify.DedupWindow)
}

// HostSearch returns the configured inventory search, or nil.
func (c *Config) HostSearch() discovery.Discovery {
	if c.Discovery == nil {
		return nil
	}
	return discovery.Inventory{Path: c.Discovery.Inventory, Attribute: c.Discovery.Attribute}
}

// BuildTasks converts task declarations into runnable tasks, in order.
func (c *Config) BuildTasks() ([]task.Task, error) {
	out := make([]task.Task, 0, len(c.Tasks))
	for _, tc := range c.Tasks {
		t, err := tc.build()
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (tc TaskConfig) build() (task.Task, error) {
	timeout, err := ParseDurationField("tasks."+tc.Name+".timeout", tc.Timeout)
	if err != nil {
		return task.Task{}, err
	}
	t := task.Task{
		Name: strings.TrimSpace(tc.Name),
		Meta: task.Meta{Timeout: timeout},
	}
	if tc.IgnoreFailure != nil {
		t.Meta.IgnoreFailure = task.Bool(*tc.IgnoreFailure)
	}
	switch {
	case tc.Upload != nil:
		t.Command = task.Command{Kind: task.Upload, Source: tc.Upload.Source, Target: tc.Upload.Target}
	case tc.Download != nil:
		t.Command = task.Command{Kind: task.Download, Source: tc.Download.Source, Target: tc.Download.Target}
	default:
		t.Command = task.Command{Kind: task.Shell, Line: tc.Command}
	}
	if len(tc.OnlyHosts) > 0 {
		t.Meta.Guards = append(t.Meta.Guards, task.OnlyHosts(tc.OnlyHosts...))
	}
	if len(tc.SkipHosts) > 0 {
		t.Meta.Guards = append(t.Meta.Guards, task.SkipHosts(tc.SkipHosts...))
	}
	return t, nil
}
