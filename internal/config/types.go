package config

// Config is the on-disk run definition. Files may be JSON or YAML; both are
// decoded strictly so misspelled keys are rejected.
type Config struct {
	// Name identifies the run in logs, events and lock names.
	Name    string        `json:"name"`
	Logging LoggingConfig `json:"logging"`
	Run     RunConfig     `json:"run"`

	// Hosts is a static target list. Discovery results are appended to it.
	Hosts     []string         `json:"hosts,omitempty"`
	Discovery *DiscoveryConfig `json:"discovery,omitempty"`

	Driver DriverConfig `json:"driver"`
	Lock   LockConfig   `json:"lock"`
	Tasks  []TaskConfig `json:"tasks"`
	Notify NotifyConfig `json:"notify,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
	Journal bool        `json:"journal,omitempty"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// RunConfig controls how jobs are computed and executed.
//
// Defaults (when fields are omitted/zero):
//   - strategy: "default"
//   - concurrency: 0 (serial)
//   - schedule: "" (run once)
type RunConfig struct {
	Strategy      string   `json:"strategy,omitempty"`
	Concurrency   int      `json:"concurrency,omitempty"`
	IgnoreFailure bool     `json:"ignore_failure,omitempty"`
	Noop          bool     `json:"noop,omitempty"`
	Arguments     []string `json:"arguments,omitempty"`

	// Schedule drives daemon mode: a cron expression ("*/5 * * * *", "@hourly"),
	// an interval ("10m", "02:30" for every 2h30m) or a daily time ("daily:02:30").
	Schedule string `json:"schedule,omitempty"`
	// Timezone for Schedule (IANA name). Empty uses the local zone.
	Timezone string `json:"timezone,omitempty"`
}

// DiscoveryConfig searches an inventory file for extra hosts.
//
// Example:
//
//	"discovery": { "inventory": "./inventory.yaml", "query": "roles=web env=prod", "attribute": "fqdn" }
type DiscoveryConfig struct {
	Inventory string `json:"inventory"`
	Query     string `json:"query,omitempty"`
	Attribute string `json:"attribute,omitempty"`
}

type DriverConfig struct {
	// Name is "local" (default) or "ssh".
	Name       string  `json:"name,omitempty"`
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
	Burst      int     `json:"burst,omitempty"`
	// DefaultTimeout is a Go duration string applied to tasks without their own timeout.
	DefaultTimeout string            `json:"default_timeout,omitempty"`
	Options        map[string]string `json:"options,omitempty"`
}

// LockConfig selects the lock backend.
//
// Example:
//
//	"lock": { "driver": "sqlite", "options": { "path": "./fleetrun.db", "timeout": "30s" } }
type LockConfig struct {
	Driver  string            `json:"driver,omitempty"`
	Options map[string]string `json:"options,omitempty"`
}

// TaskConfig declares one task. Exactly one of Command, Upload and Download is set.
type TaskConfig struct {
	Name     string      `json:"name"`
	Command  string      `json:"command,omitempty"`
	Upload   *CopyConfig `json:"upload,omitempty"`
	Download *CopyConfig `json:"download,omitempty"`

	// IgnoreFailure overrides run.ignore_failure for this task when set.
	IgnoreFailure *bool  `json:"ignore_failure,omitempty"`
	Timeout       string `json:"timeout,omitempty"`

	OnlyHosts []string `json:"only_hosts,omitempty"`
	SkipHosts []string `json:"skip_hosts,omitempty"`
}

type CopyConfig struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

type NotifyConfig struct {
	Telegram *TelegramConfig `json:"telegram,omitempty"`

	// DedupWindow suppresses identical messages for this long (Go duration,
	// default 1m, "0s" disables).
	DedupWindow *string `json:"dedup_window,omitempty"`
	// Store keeps dedup windows across restarts.
	Store StoreConfig `json:"store,omitempty"`
}

// StoreConfig selects where small process state is kept.
//
// Example:
//
//	"store": { "driver": "sqlite", "path": "./fleetrun-state.db" }
type StoreConfig struct {
	// Driver is "none" (default), "file" or "sqlite".
	Driver      string `json:"driver,omitempty"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// TelegramConfig sends run notifications to a chat.
//
// Events defaults to ["run.failed", "job.failed"].
type TelegramConfig struct {
	Enabled  bool   `json:"enabled"`
	Token    string `json:"token"`
	ChatID   int64  `json:"chat_id"`
	ThreadID int    `json:"thread_id,omitempty"`

	Events     []string `json:"events,omitempty"`
	RatePerSec float64  `json:"rate_per_sec,omitempty"`
}

