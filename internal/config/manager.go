package config

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "fleetrun/pkg/logx"
)

// reloadDelay coalesces the burst of events editors produce for one save.
const reloadDelay = 250 * time.Millisecond

// Manager owns the config file: it loads it, keeps the last valid Config
// and publishes accepted changes to subscribers.
type Manager struct {
	path string
	log  logx.Logger

	mu      sync.RWMutex
	cfg     *Config
	digest  [sha256.Size]byte
	subsMu  sync.Mutex
	subs    map[chan *Config]struct{}
}

func NewManager(path string) *Manager {
	return &Manager{path: path, log: logx.Nop(), subs: map[chan *Config]struct{}{}}
}

func (m *Manager) Path() string { return m.path }

func (m *Manager) SetLogger(log logx.Logger) {
	if !log.IsZero() {
		m.log = log
	}
}

// Parse reads and decodes the file without validating or committing it.
func (m *Manager) Parse() (*Config, error) {
	b, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := decodeStrict(m.path, b, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Load parses and validates the file and makes it the current config.
func (m *Manager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m.commit(cfg, digest(cfg))
	return cfg, nil
}

func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

func (m *Manager) commit(cfg *Config, d [sha256.Size]byte) *Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev := m.cfg
	m.cfg, m.digest = cfg, d
	return prev
}

func digest(cfg *Config) [sha256.Size]byte {
	b, _ := json.Marshal(cfg)
	return sha256.Sum256(b)
}

// Subscribe returns a channel receiving each published config. A slow
// subscriber only ever misses intermediate configs, never the latest.
func (m *Manager) Subscribe(buffer int) chan *Config {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan *Config, buffer)
	m.subsMu.Lock()
	m.subs[ch] = struct{}{}
	m.subsMu.Unlock()
	return ch
}

// Unsubscribe removes and closes ch.
func (m *Manager) Unsubscribe(ch chan *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	if _, ok := m.subs[ch]; ok {
		delete(m.subs, ch)
		close(ch)
	}
}

func (m *Manager) publish(cfg *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for ch := range m.subs {
		for {
			select {
			case ch <- cfg:
			default:
				// full: drop the oldest pending config and retry
				select {
				case <-ch:
				default:
				}
				continue
			}
			break
		}
	}
}

// Watch reloads the file on change until ctx is done. It returns an error
// when the watcher cannot be created or breaks, so the caller decides
// whether to restart it. Rejected files are logged and the current config
// stays in place.
func (m *Manager) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	defer w.Close()

	// the directory survives editors that replace the file by rename
	dir, name := filepath.Dir(m.path), filepath.Base(m.path)
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("config watch %s: %w", dir, err)
	}
	m.log.Debug("watching config", logx.String("path", m.path))

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return errors.New("config watcher closed")
			}
			if filepath.Base(ev.Name) == name && !ev.Has(fsnotify.Chmod) {
				timer.Reset(reloadDelay)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return errors.New("config watcher closed")
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				m.log.Warn("config events overflowed; reloading", logx.String("path", m.path))
				timer.Reset(reloadDelay)
				continue
			}
			return fmt.Errorf("config watcher: %w", err)
		case <-timer.C:
			m.reload()
		}
	}
}

func (m *Manager) reload() {
	cfg, err := m.Parse()
	if err != nil {
		m.log.Warn("config unreadable; keeping current", logx.String("path", m.path), logx.Err(err))
		return
	}
	d := digest(cfg)
	m.mu.RLock()
	same := d == m.digest
	m.mu.RUnlock()
	if same {
		return
	}
	if err := cfg.Validate(); err != nil {
		m.log.Warn("config rejected; keeping current", logx.String("path", m.path), logx.Err(err))
		return
	}

	prev := m.commit(cfg, d)
	m.publish(cfg)
	changed, attrs := SummarizeConfigChange(prev, cfg)
	attrs = append(attrs, logx.String("path", m.path), logx.Strings("changed", changed))
	m.log.Info("config published", attrs...)
}
