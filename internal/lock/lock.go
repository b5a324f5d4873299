package lock

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"fleetrun/internal/task"
	logx "fleetrun/pkg/logx"
)

// ErrLockHeld is returned when the named resource is held by someone else.
var ErrLockHeld = errors.New("lock is held by another run")

// Properties selects the lock backend for a run.
//
// Driver values:
//   - "" or "none": local no-op lock (never contended)
//   - "process": named mutex shared by schedulers in this process
//   - "file": lock file created with O_EXCL
//   - "sqlite": row in a SQLite database shared between processes
//
// Common options:
//   - timeout: Go duration to keep retrying a held lock (default: fail immediately)
type Properties struct {
	Driver  string
	Options map[string]string
}

// Locker guards one named resource.
type Locker interface {
	Acquire(ctx context.Context) error
	Release(ctx context.Context) error
}

// Factory builds a Locker for the resource name.
type Factory func(name string, opts map[string]string, log logx.Logger) (Locker, error)

// AcquireError reports that a run could not start because its lock was not acquired.
type AcquireError struct {
	Name   string
	Driver string
	Err    error
}

func (e *AcquireError) Error() string {
	return fmt.Sprintf("acquire lock %q (driver %s): %v", e.Name, driverLabel(e.Driver), e.Err)
}

func (e *AcquireError) Unwrap() error { return e.Err }

func driverLabel(d string) string {
	if d == "" {
		return "none"
	}
	return d
}

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{
		"none":    openNoop,
		"process": openProcess,
		"file":    openFile,
		"sqlite":  openSQLite,
		"sqlite3": openSQLite,
	}
)

// Register installs or replaces a driver.
func Register(driver string, f Factory) {
	driver = normalize(driver)
	if driver == "" || f == nil {
		return
	}
	registryMu.Lock()
	registry[driver] = f
	registryMu.Unlock()
}

// Drivers lists the registered driver names.
func Drivers() []string {
	registryMu.RLock()
	out := make([]string, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	registryMu.RUnlock()
	sort.Strings(out)
	return out
}

func normalize(driver string) string {
	return strings.ToLower(strings.TrimSpace(driver))
}

func lookup(driver string) (Factory, bool) {
	d := normalize(driver)
	if d == "" {
		d = "none"
	}
	registryMu.RLock()
	f, ok := registry[d]
	registryMu.RUnlock()
	return f, ok
}

// Validate checks that the driver is known without opening anything.
func Validate(p Properties) error {
	if _, ok := lookup(p.Driver); !ok {
		return task.Configf("lock.driver", "unknown lock driver %q (known: %s)", p.Driver, strings.Join(Drivers(), ", "))
	}
	return nil
}

// Open resolves the driver in p and builds a Locker for name.
// An unknown driver is a configuration error.
func Open(name string, p Properties, log logx.Logger) (Locker, error) {
	f, ok := lookup(p.Driver)
	if !ok {
		return nil, Validate(p)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	opts := make(map[string]string, len(p.Options))
	for k, v := range p.Options {
		opts[k] = v
	}
	l, err := f(name, opts, log.With(logx.String("comp", "lock"), logx.String("lock", name)))
	if err != nil {
		return nil, &AcquireError{Name: name, Driver: normalize(p.Driver), Err: err}
	}
	return l, nil
}

// With acquires l, runs fn, and releases l exactly once whatever fn returns.
// A release failure is returned only when fn itself succeeded.
func With(ctx context.Context, l Locker, fn func() error) (err error) {
	if err := l.Acquire(ctx); err != nil {
		return err
	}
	defer func() {
		// Release must happen even if the run context was cancelled.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if rerr := l.Release(rctx); rerr != nil && err == nil {
			err = fmt.Errorf("release lock: %w", rerr)
		}
	}()
	return fn()
}

const retryInterval = 100 * time.Millisecond

// acquireWithRetry calls try until it stops reporting ErrLockHeld or the
// timeout elapses. timeout <= 0 means a single attempt.
func acquireWithRetry(ctx context.Context, timeout time.Duration, try func() error) error {
	err := try()
	if !errors.Is(err, ErrLockHeld) || timeout <= 0 {
		return err
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(retryInterval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("%w (waited %s)", ErrLockHeld, timeout)
		case <-tick.C:
			err = try()
			if !errors.Is(err, ErrLockHeld) {
				return err
			}
		}
	}
}

func durationOption(opts map[string]string, key string) (time.Duration, error) {
	raw := strings.TrimSpace(opts[key])
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, task.Configf("lock.options."+key, "invalid duration %q: %v", raw, err)
	}
	if d < 0 {
		return 0, task.Configf("lock.options."+key, "duration must be >= 0")
	}
	return d, nil
}
