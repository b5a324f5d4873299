package lock

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "fleetrun/pkg/logx"
)

// fileLock is a dependency-free lock backed by a lock file.
//
// The file is created with O_EXCL and holds a small JSON record describing the
// holder. Release removes it.
//
// Options:
//   - path: lock file path (default: <tmp>/fleetrun-<name>.lock)
//   - stale_after: remove lock files older than this duration before acquiring
//   - timeout: keep retrying a held lock for this long
type fileLock struct {
	path       string
	timeout    time.Duration
	staleAfter time.Duration
	log        logx.Logger

	mu   sync.Mutex
	held bool
}

type fileHolder struct {
	PID      int       `json:"pid"`
	Host     string    `json:"host"`
	Name     string    `json:"name"`
	Acquired time.Time `json:"acquired"`
}

func openFile(name string, opts map[string]string, log logx.Logger) (Locker, error) {
	path := strings.TrimSpace(opts["path"])
	if path == "" {
		path = filepath.Join(os.TempDir(), "fleetrun-"+sanitize(name)+".lock")
	}
	timeout, err := durationOption(opts, "timeout")
	if err != nil {
		return nil, err
	}
	stale, err := durationOption(opts, "stale_after")
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return &fileLock{path: path, timeout: timeout, staleAfter: stale, log: log.With(logx.String("path", path))}, nil
}

func sanitize(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "default"
	}
	return b.String()
}

func (l *fileLock) Acquire(ctx context.Context) error {
	err := acquireWithRetry(ctx, l.timeout, l.tryAcquire)
	if err != nil {
		return err
	}
	l.log.Debug("lock acquired")
	return nil
}

func (l *fileLock) tryAcquire() error {
	l.removeStale()
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return ErrLockHeld
		}
		return err
	}
	host, _ := os.Hostname()
	rec := fileHolder{PID: os.Getpid(), Host: host, Name: filepath.Base(l.path), Acquired: time.Now()}
	if err := json.NewEncoder(f).Encode(rec); err != nil {
		_ = f.Close()
		_ = os.Remove(l.path)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(l.path)
		return err
	}
	l.mu.Lock()
	l.held = true
	l.mu.Unlock()
	return nil
}

func (l *fileLock) removeStale() {
	if l.staleAfter <= 0 {
		return
	}
	st, err := os.Stat(l.path)
	if err != nil {
		return
	}
	if age := time.Since(st.ModTime()); age > l.staleAfter {
		if err := os.Remove(l.path); err == nil {
			l.log.Warn("removed stale lock file", logx.Duration("age", age))
		}
	}
}

func (l *fileLock) Release(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.held {
		return errors.New("file lock not held")
	}
	l.held = false
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	l.log.Debug("lock released")
	return nil
}
