// Package storage keeps notifier dedup windows across restarts. A window is
// a key with an expiry; expired keys are pruned lazily.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	logx "fleetrun/pkg/logx"
)

var (
	ErrClosed = errors.New("storage closed")
	errNoPath = errors.New("path required")
)

// Config selects a backend. Driver "file" keeps a JSON snapshot and journal
// beside Path, "sqlite" (or "sqlite3") a database at Path. An empty driver
// or "none" disables persistence.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration
}

type Store interface {
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)
	Close() error
}

var backends = map[string]func(Config, logx.Logger) (Store, error){
	"file":    openFile,
	"sqlite":  openSQLite,
	"sqlite3": openSQLite,
}

// Open returns the configured store, or a nil Store when persistence is
// disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	open, ok := backends[driver]
	if !ok {
		return nil, fmt.Errorf("storage: unknown driver %q", cfg.Driver)
	}
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, fmt.Errorf("storage %s: %w", driver, errNoPath)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	st, err := open(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("storage %s: %w", driver, err)
	}
	log.Debug("storage opened", logx.String("driver", driver), logx.String("path", cfg.Path))
	return st, nil
}

// normKey trims key; ok is false for keys that are never stored.
func normKey(key string) (string, bool) {
	key = strings.TrimSpace(key)
	return key, key != ""
}
