package config

import (
	"reflect"
	"strings"

	logx "fleetrun/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections and
// (2) safe structured attrs for logging (never includes secrets like tokens
// or ssh passwords).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if strings.TrimSpace(oldCfg.Name) != strings.TrimSpace(newCfg.Name) {
		changed = append(changed, "name")
		attrs = append(attrs, logx.String("name", strings.TrimSpace(newCfg.Name)))
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.journal", newCfg.Logging.Journal),
		)
	}

	if !reflect.DeepEqual(oldCfg.Run, newCfg.Run) {
		changed = append(changed, "run")
		attrs = append(attrs,
			logx.String("run.strategy", newCfg.Run.Strategy),
			logx.Int("run.concurrency", newCfg.Run.Concurrency),
			logx.Bool("run.ignore_failure", newCfg.Run.IgnoreFailure),
			logx.Bool("run.noop", newCfg.Run.Noop),
			logx.String("run.schedule", newCfg.Run.Schedule),
		)
	}

	if !reflect.DeepEqual(oldCfg.Hosts, newCfg.Hosts) || !reflect.DeepEqual(oldCfg.Discovery, newCfg.Discovery) {
		changed = append(changed, "hosts")
		attrs = append(attrs,
			logx.Int("hosts.static", len(newCfg.Hosts)),
			logx.Bool("hosts.discovery", newCfg.Discovery != nil),
		)
	}

	if oldCfg.Driver.Name != newCfg.Driver.Name ||
		oldCfg.Driver.RatePerSec != newCfg.Driver.RatePerSec ||
		oldCfg.Driver.Burst != newCfg.Driver.Burst ||
		oldCfg.Driver.DefaultTimeout != newCfg.Driver.DefaultTimeout ||
		!reflect.DeepEqual(oldCfg.Driver.Options, newCfg.Driver.Options) {
		changed = append(changed, "driver")
		attrs = append(attrs,
			logx.String("driver.name", newCfg.Driver.Name),
			logx.Bool("driver.password_set", strings.TrimSpace(newCfg.Driver.Options["password"]) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Lock, newCfg.Lock) {
		changed = append(changed, "lock")
		attrs = append(attrs, logx.String("lock.driver", newCfg.Lock.Driver))
	}

	if !reflect.DeepEqual(oldCfg.Tasks, newCfg.Tasks) {
		changed = append(changed, "tasks")
		attrs = append(attrs, logx.Int("tasks.count", len(newCfg.Tasks)))
	}

	if !reflect.DeepEqual(oldCfg.Notify, newCfg.Notify) {
		changed = append(changed, "notify")
		tg := newCfg.Notify.Telegram
		attrs = append(attrs,
			logx.Bool("notify.telegram_enabled", tg != nil && tg.Enabled),
			logx.Bool("notify.telegram_token_set", tg != nil && strings.TrimSpace(tg.Token) != ""),
			logx.String("notify.store.driver", newCfg.Notify.Store.Driver),
		)
	}

	return changed, attrs
}
