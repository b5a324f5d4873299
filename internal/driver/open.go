package driver

import (
	"strconv"
	"strings"
	"time"

	"fleetrun/internal/task"
	logx "fleetrun/pkg/logx"
)

// Config selects and configures a driver.
//
// Driver values:
//   - "local" (default): run commands on this machine, once per host
//   - "ssh": run commands on each host over ssh
type Config struct {
	Name           string
	RatePerSec     float64
	Burst          int
	DefaultTimeout time.Duration
	// Options are driver specific:
	//   local: shell, dir
	//   ssh: user, port, key_file, password, known_hosts, insecure_ignore_host_key, connect_timeout
	Options map[string]string
}

// Open builds the configured driver. An unknown driver or invalid option is
// a configuration error.
func Open(cfg Config, log logx.Logger) (Driver, error) {
	name := strings.ToLower(strings.TrimSpace(cfg.Name))
	if name == "" {
		name = "local"
	}
	opts := []Option{
		WithLogger(log),
		WithRateLimit(cfg.RatePerSec, cfg.Burst),
		WithDefaultTimeout(cfg.DefaultTimeout),
	}

	switch name {
	case "local":
		r := Local{Shell: cfg.Options["shell"], Dir: cfg.Options["dir"]}
		return NewExecutor(name, r, opts...), nil
	case "ssh":
		sc, err := sshConfig(cfg.Options)
		if err != nil {
			return nil, err
		}
		r, err := NewSSH(sc)
		if err != nil {
			return nil, err
		}
		return NewExecutor(name, r, opts...), nil
	default:
		return nil, task.Configf("driver.name", "unknown driver %q (use local or ssh)", cfg.Name)
	}
}

func sshConfig(o map[string]string) (SSHConfig, error) {
	sc := SSHConfig{
		User:       o["user"],
		KeyFile:    o["key_file"],
		Password:   o["password"],
		KnownHosts: o["known_hosts"],
	}
	if v := strings.TrimSpace(o["port"]); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil || p <= 0 || p > 65535 {
			return sc, task.Configf("driver.options.port", "invalid port %q", v)
		}
		sc.Port = p
	}
	if v := strings.TrimSpace(o["insecure_ignore_host_key"]); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return sc, task.Configf("driver.options.insecure_ignore_host_key", "invalid bool %q", v)
		}
		sc.InsecureIgnoreHostKey = b
	}
	if v := strings.TrimSpace(o["connect_timeout"]); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			return sc, task.Configf("driver.options.connect_timeout", "invalid duration %q", v)
		}
		sc.ConnectTimeout = d
	}
	return sc, nil
}
