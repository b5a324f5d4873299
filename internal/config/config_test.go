package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"fleetrun/internal/task"
	"fleetrun/internal/task/strategy"
	logx "fleetrun/pkg/logx"
)

const sampleYAML = `
name: deploy-web
logging:
  level: debug
  console: true
run:
  strategy: per_host
  concurrency: 2
  arguments: [v1.2.3]
  schedule: "*/15 * * * *"
hosts: [web-1, web-2]
driver:
  name: local
  rate_per_sec: 5
  default_timeout: 30s
lock:
  driver: process
  options:
    timeout: 5s
tasks:
  - name: pull
    command: git pull
    timeout: 1m
  - name: config
    upload: {source: ./app.conf, target: /etc/app.conf}
    only_hosts: ["web-*"]
  - name: migrate
    command: ./migrate
    ignore_failure: true
    skip_hosts: [web-2]
notify:
  telegram:
    enabled: true
    token: "123:abc"
    chat_id: -100123
`

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, "fleetrun.yaml", sampleYAML))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.Get() != cfg {
		t.Fatal("Load did not commit")
	}
	st, err := cfg.Strategy()
	if err != nil || st != strategy.PerHost {
		t.Fatalf("Strategy = %v, %v", st, err)
	}
	tasks, err := cfg.BuildTasks()
	if err != nil {
		t.Fatalf("BuildTasks: %v", err)
	}
	if len(tasks) != 3 {
		t.Fatalf("tasks = %d", len(tasks))
	}
	if tasks[0].Meta.Timeout != time.Minute || tasks[0].Command.Line != "git pull" {
		t.Fatalf("task[0] = %+v", tasks[0])
	}
	if tasks[1].Command.Kind != task.Upload || tasks[1].Command.Target != "/etc/app.conf" {
		t.Fatalf("task[1] = %+v", tasks[1])
	}
	ctx := context.Background()
	if tasks[1].Skip(ctx, "web-1") || !tasks[1].Skip(ctx, "db-1") {
		t.Fatal("only_hosts guard not applied")
	}
	if !tasks[2].Skip(ctx, "web-2") || tasks[2].Meta.IgnoreFailure == nil || !*tasks[2].Meta.IgnoreFailure {
		t.Fatalf("task[2] = %+v", tasks[2])
	}

	dc, err := cfg.DriverConfig()
	if err != nil || dc.DefaultTimeout != 30*time.Second || dc.RatePerSec != 5 {
		t.Fatalf("DriverConfig = %+v, %v", dc, err)
	}
	lp := cfg.LockProperties()
	lp.Options["timeout"] = "mutated"
	if cfg.Lock.Options["timeout"] != "5s" {
		t.Fatal("LockProperties shares the options map")
	}
	if lc := cfg.LogConfig(); lc.Level != "debug" || !lc.Console {
		t.Fatalf("LogConfig = %+v", lc)
	}
	if cfg.HostSearch() != nil {
		t.Fatal("no discovery configured")
	}
}

func TestParseJSONRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, "fleetrun.json", `{"name":"x","hosts":["a"],"tasks":[],"colour":"red"}`))
	if _, err := m.Parse(); err == nil || !strings.Contains(err.Error(), "colour") {
		t.Fatalf("expected unknown field error, got %v", err)
	}
	m = NewManager(writeConfig(t, "trailing.json", `{"name":"x","hosts":["a"]}{}`))
	if _, err := m.Parse(); err == nil {
		t.Fatal("expected trailing data error")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	base := func() *Config {
		return &Config{
			Name:  "x",
			Hosts: []string{"h1"},
			Tasks: []TaskConfig{{Name: "a", Command: "true"}},
		}
	}
	if err := base().Validate(); err != nil {
		t.Fatalf("base config invalid: %v", err)
	}

	tests := []struct {
		name  string
		field string
		edit  func(c *Config)
	}{
		{"missing name", "name", func(c *Config) { c.Name = "" }},
		{"bad strategy", "run.strategy", func(c *Config) { c.Run.Strategy = "round_robin" }},
		{"negative concurrency", "run.concurrency", func(c *Config) { c.Run.Concurrency = -2 }},
		{"bad schedule", "run.schedule", func(c *Config) { c.Run.Schedule = "sometimes" }},
		{"bad timezone", "run.timezone", func(c *Config) { c.Run.Timezone = "Mars/Base" }},
		{"no hosts", "hosts", func(c *Config) { c.Hosts = nil }},
		{"blank host", "hosts[0]", func(c *Config) { c.Hosts = []string{" "} }},
		{"discovery without inventory", "discovery.inventory", func(c *Config) { c.Discovery = &DiscoveryConfig{} }},
		{"bad driver", "driver.name", func(c *Config) { c.Driver.Name = "winrm" }},
		{"bad default timeout", "driver.default_timeout", func(c *Config) { c.Driver.DefaultTimeout = "soon" }},
		{"bad lock", "lock.driver", func(c *Config) { c.Lock.Driver = "etcd" }},
		{"task without name", "tasks[0].name", func(c *Config) { c.Tasks[0].Name = "" }},
		{"duplicate task", "tasks[1].name", func(c *Config) { c.Tasks = append(c.Tasks, c.Tasks[0]) }},
		{"task with two commands", "tasks[0]", func(c *Config) { c.Tasks[0].Download = &CopyConfig{Source: "a", Target: "b"} }},
		{"task without command", "tasks[0]", func(c *Config) { c.Tasks[0].Command = "" }},
		{"upload without target", "tasks[0].upload", func(c *Config) {
			c.Tasks[0].Command = ""
			c.Tasks[0].Upload = &CopyConfig{Source: "a"}
		}},
		{"bad task timeout", "tasks[0].timeout", func(c *Config) { c.Tasks[0].Timeout = "-1s" }},
		{"store without path", "notify.store.path", func(c *Config) { c.Notify.Store.Driver = "sqlite" }},
		{"bad store driver", "notify.store.driver", func(c *Config) { c.Notify.Store.Driver = "redis" }},
		{"bad dedup window", "notify.dedup_window", func(c *Config) {
			w := "often"
			c.Notify.DedupWindow = &w
		}},
		{"telegram without token", "notify.telegram.token", func(c *Config) {
			c.Notify.Telegram = &TelegramConfig{Enabled: true, ChatID: 1}
		}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := base()
			tt.edit(c)
			err := c.Validate()
			var ce *task.ConfigError
			if !errors.As(err, &ce) {
				t.Fatalf("expected ConfigError, got %v", err)
			}
			if ce.Field != tt.field {
				t.Fatalf("field = %q, want %q (%v)", ce.Field, tt.field, err)
			}
		})
	}
}

func TestSummarizeConfigChangeHidesSecrets(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{Name: "x", Notify: NotifyConfig{Telegram: &TelegramConfig{Token: "old-secret"}}}
	newCfg := &Config{Name: "x", Run: RunConfig{Concurrency: 3}, Notify: NotifyConfig{Telegram: &TelegramConfig{Token: "new-secret"}}}
	changed, attrs := SummarizeConfigChange(oldCfg, newCfg)
	if strings.Join(changed, ",") != "run,notify" {
		t.Fatalf("changed = %v", changed)
	}

	var buf strings.Builder
	logx.NewWriter(&buf, "debug").Info("config", attrs...)
	if strings.Contains(buf.String(), "secret") {
		t.Fatalf("secret leaked into log: %s", buf.String())
	}
}

func TestWatchPublishesValidChanges(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "fleetrun.yaml", sampleYAML)
	m := NewManager(path)
	m.SetLogger(logx.Nop())
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()
	time.Sleep(100 * time.Millisecond)

	// invalid config is rejected and never published
	if err := os.WriteFile(path, []byte("name: \"\"\nhosts: [a]\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	select {
	case cfg := <-sub:
		t.Fatalf("invalid config published: %+v", cfg)
	case <-time.After(600 * time.Millisecond):
	}

	updated := strings.Replace(sampleYAML, "concurrency: 2", "concurrency: 6", 1)
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatal(err)
	}
	select {
	case cfg := <-sub:
		if cfg.Run.Concurrency != 6 {
			t.Fatalf("published concurrency = %d", cfg.Run.Concurrency)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("config change not published")
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Watch: %v", err)
	}
}
