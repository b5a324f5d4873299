package lock

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"fleetrun/internal/task"
	logx "fleetrun/pkg/logx"
)

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	_, err := Open("r", Properties{Driver: "zookeeper"}, logx.Nop())
	if !errors.Is(err, task.ErrConfig) {
		t.Fatalf("expected ErrConfig, got %v", err)
	}
}

func TestNoopLockNeverContends(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	a, err := Open("r", Properties{}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	b, _ := Open("r", Properties{Driver: "none"}, logx.Nop())
	if err := a.Acquire(ctx); err != nil {
		t.Fatal(err)
	}
	if err := b.Acquire(ctx); err != nil {
		t.Fatalf("noop lock contended: %v", err)
	}
}

func TestProcessLockExcludesSameName(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	name := "process-" + t.Name()
	a, _ := Open(name, Properties{Driver: "process"}, logx.Nop())
	b, _ := Open(name, Properties{Driver: "process"}, logx.Nop())
	other, _ := Open(name+"-other", Properties{Driver: "process"}, logx.Nop())

	if err := a.Acquire(ctx); err != nil {
		t.Fatal(err)
	}
	if err := b.Acquire(ctx); !errors.Is(err, ErrLockHeld) {
		t.Fatalf("expected ErrLockHeld, got %v", err)
	}
	if err := other.Acquire(ctx); err != nil {
		t.Fatalf("differently named lock contended: %v", err)
	}
	if err := a.Release(ctx); err != nil {
		t.Fatal(err)
	}
	if err := b.Acquire(ctx); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	_ = b.Release(ctx)
	_ = other.Release(ctx)
}

func TestProcessLockWaitsWithTimeout(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	name := "wait-" + t.Name()
	a, _ := Open(name, Properties{Driver: "process"}, logx.Nop())
	b, _ := Open(name, Properties{Driver: "process", Options: map[string]string{"timeout": "2s"}}, logx.Nop())
	if err := a.Acquire(ctx); err != nil {
		t.Fatal(err)
	}
	go func() {
		time.Sleep(150 * time.Millisecond)
		_ = a.Release(ctx)
	}()
	if err := b.Acquire(ctx); err != nil {
		t.Fatalf("expected to acquire after waiting, got %v", err)
	}
	_ = b.Release(ctx)
}

func TestFileLock(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "locks", "deploy.lock")
	props := Properties{Driver: "file", Options: map[string]string{"path": path}}
	a, err := Open("deploy", props, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	b, _ := Open("deploy", props, logx.Nop())

	if err := a.Acquire(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("lock file missing: %v", err)
	}
	if err := b.Acquire(ctx); !errors.Is(err, ErrLockHeld) {
		t.Fatalf("expected ErrLockHeld, got %v", err)
	}
	if err := a.Release(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("lock file not removed: %v", err)
	}
	if err := a.Release(ctx); err == nil {
		t.Fatal("double release should fail")
	}
}

func TestFileLockRemovesStale(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "stale.lock")
	if err := os.WriteFile(path, []byte("{}"), 0o600); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-time.Hour)
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatal(err)
	}
	l, err := Open("stale", Properties{Driver: "file", Options: map[string]string{"path": path, "stale_after": "10m"}}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Acquire(ctx); err != nil {
		t.Fatalf("expected stale lock to be replaced: %v", err)
	}
	_ = l.Release(ctx)
}

func TestSQLiteLock(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	props := Properties{Driver: "sqlite", Options: map[string]string{"path": filepath.Join(t.TempDir(), "locks.db")}}
	a, err := Open("deploy", props, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := a.Acquire(ctx); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	b, err := Open("deploy", props, logx.Nop())
	if err != nil {
		t.Fatalf("Open b: %v", err)
	}
	if err := b.Acquire(ctx); !errors.Is(err, ErrLockHeld) {
		t.Fatalf("expected ErrLockHeld, got %v", err)
	}
	if err := a.Release(ctx); err != nil {
		t.Fatalf("Release: %v", err)
	}
	c, _ := Open("deploy", props, logx.Nop())
	if err := c.Acquire(ctx); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	_ = c.Release(ctx)
}

func TestSQLiteLockRequiresPath(t *testing.T) {
	t.Parallel()
	_, err := Open("x", Properties{Driver: "sqlite"}, logx.Nop())
	var ae *AcquireError
	if !errors.As(err, &ae) || ae.Driver != "sqlite" {
		t.Fatalf("expected AcquireError, got %v", err)
	}
}

type countingLock struct {
	acquires, releases *atomic.Int32
	fail               error
}

func (c countingLock) Acquire(context.Context) error {
	if c.fail != nil {
		return c.fail
	}
	c.acquires.Add(1)
	return nil
}

func (c countingLock) Release(context.Context) error { c.releases.Add(1); return nil }

func TestWithReleasesOnEveryPath(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	var acq, rel atomic.Int32
	l := countingLock{acquires: &acq, releases: &rel}

	if err := With(ctx, l, func() error { return nil }); err != nil {
		t.Fatal(err)
	}
	errBoom := errors.New("boom")
	if err := With(ctx, l, func() error { return errBoom }); !errors.Is(err, errBoom) {
		t.Fatalf("expected errBoom, got %v", err)
	}
	func() {
		defer func() { _ = recover() }()
		_ = With(ctx, l, func() error { panic("x") })
	}()
	if acq.Load() != 3 || rel.Load() != 3 {
		t.Fatalf("acquires=%d releases=%d", acq.Load(), rel.Load())
	}

	failing := countingLock{acquires: &acq, releases: &rel, fail: ErrLockHeld}
	called := false
	if err := With(ctx, failing, func() error { called = true; return nil }); !errors.Is(err, ErrLockHeld) {
		t.Fatalf("expected ErrLockHeld, got %v", err)
	}
	if called || rel.Load() != 3 {
		t.Fatal("body ran or release called after failed acquire")
	}
}

func TestRegisterCustomDriver(t *testing.T) {
	t.Parallel()
	var acq, rel atomic.Int32
	Register("counting-"+t.Name(), func(string, map[string]string, logx.Logger) (Locker, error) {
		return countingLock{acquires: &acq, releases: &rel}, nil
	})
	l, err := Open("r", Properties{Driver: "counting-" + t.Name()}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := With(context.Background(), l, func() error { return nil }); err != nil {
		t.Fatal(err)
	}
	if acq.Load() != 1 || rel.Load() != 1 {
		t.Fatalf("acquires=%d releases=%d", acq.Load(), rel.Load())
	}
}
