package config

import (
	"fmt"
	"strings"
	"time"

	"fleetrun/internal/cron"
	"fleetrun/internal/lock"
	"fleetrun/internal/task"
	"fleetrun/internal/task/strategy"
)

// Validate checks the config for errors a run would otherwise hit later.
// Every failure is a *task.ConfigError naming the offending field.
func (c *Config) Validate() error {
	if c == nil {
		return task.Configf("config", "is nil")
	}
	if strings.TrimSpace(c.Name) == "" {
		return task.Configf("name", "required")
	}
	if _, err := strategy.Parse(c.Run.Strategy); err != nil {
		return err
	}
	if c.Run.Concurrency < 0 {
		return task.Configf("run.concurrency", "must be >= 0, got %d", c.Run.Concurrency)
	}
	if s := strings.TrimSpace(c.Run.Schedule); s != "" {
		if err := cron.Validate(s); err != nil {
			return task.Configf("run.schedule", "%v", err)
		}
	}
	if tz := strings.TrimSpace(c.Run.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return task.Configf("run.timezone", "%v", err)
		}
	}

	if len(c.Hosts) == 0 && c.Discovery == nil {
		return task.Configf("hosts", "set hosts or discovery")
	}
	for i, h := range c.Hosts {
		if strings.TrimSpace(h) == "" {
			return task.Configf(fmt.Sprintf("hosts[%d]", i), "empty host")
		}
	}
	if d := c.Discovery; d != nil && strings.TrimSpace(d.Inventory) == "" {
		return task.Configf("discovery.inventory", "required")
	}

	if c.Driver.RatePerSec < 0 {
		return task.Configf("driver.rate_per_sec", "must be >= 0")
	}
	if _, err := ParseDurationField("driver.default_timeout", c.Driver.DefaultTimeout); err != nil {
		return err
	}
	switch strings.ToLower(strings.TrimSpace(c.Driver.Name)) {
	case "", "local", "ssh":
	default:
		return task.Configf("driver.name", "unknown driver %q (use local or ssh)", c.Driver.Name)
	}
	if err := lock.Validate(c.LockProperties()); err != nil {
		return err
	}

	seen := make(map[string]struct{}, len(c.Tasks))
	for i, t := range c.Tasks {
		field := fmt.Sprintf("tasks[%d]", i)
		name := strings.TrimSpace(t.Name)
		if name == "" {
			return task.Configf(field+".name", "required")
		}
		if _, dup := seen[name]; dup {
			return task.Configf(field+".name", "duplicate task %q", name)
		}
		seen[name] = struct{}{}
		if err := t.validateCommand(field); err != nil {
			return err
		}
		if _, err := ParseDurationField(field+".timeout", t.Timeout); err != nil {
			return err
		}
	}

	if tg := c.Notify.Telegram; tg != nil && tg.Enabled {
		if strings.TrimSpace(tg.Token) == "" {
			return task.Configf("notify.telegram.token", "required when enabled")
		}
		if tg.ChatID == 0 {
			return task.Configf("notify.telegram.chat_id", "required when enabled")
		}
		if tg.RatePerSec < 0 {
			return task.Configf("notify.telegram.rate_per_sec", "must be >= 0")
		}
	}

	if _, err := c.DedupWindow(); err != nil {
		return err
	}
	st := c.Notify.Store
	switch strings.ToLower(strings.TrimSpace(st.Driver)) {
	case "", "none":
	case "file", "sqlite", "sqlite3":
		if strings.TrimSpace(st.Path) == "" {
			return task.Configf("notify.store.path", "required for driver %q", st.Driver)
		}
	default:
		return task.Configf("notify.store.driver", "unknown driver %q (use none, file or sqlite)", st.Driver)
	}
	if _, err := ParseDurationField("notify.store.busy_timeout", st.BusyTimeout); err != nil {
		return err
	}
	return nil
}

func (t TaskConfig) validateCommand(field string) error {
	n := 0
	if strings.TrimSpace(t.Command) != "" {
		n++
	}
	for _, cp := range []struct {
		key string
		cfg *CopyConfig
	}{{"upload", t.Upload}, {"download", t.Download}} {
		if cp.cfg == nil {
			continue
		}
		n++
		if strings.TrimSpace(cp.cfg.Source) == "" || strings.TrimSpace(cp.cfg.Target) == "" {
			return task.Configf(field+"."+cp.key, "source and target are required")
		}
	}
	if n != 1 {
		return task.Configf(field, "exactly one of command, upload or download is required")
	}
	return nil
}
