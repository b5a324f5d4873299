package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	logx "fleetrun/pkg/logx"
)

type noopLock struct{}

func openNoop(string, map[string]string, logx.Logger) (Locker, error) { return noopLock{}, nil }

func (noopLock) Acquire(context.Context) error { return nil }
func (noopLock) Release(context.Context) error { return nil }

// processLocks holds one mutex per resource name for the "process" driver.
var processLocks = struct {
	mu sync.Mutex
	m  map[string]*sync.Mutex
}{m: map[string]*sync.Mutex{}}

func processMutex(name string) *sync.Mutex {
	processLocks.mu.Lock()
	defer processLocks.mu.Unlock()
	mu := processLocks.m[name]
	if mu == nil {
		mu = &sync.Mutex{}
		processLocks.m[name] = mu
	}
	return mu
}

// processLock serializes runs that share a name within one process.
type processLock struct {
	name    string
	timeout time.Duration
	log     logx.Logger

	mu   sync.Mutex
	held bool
}

func openProcess(name string, opts map[string]string, log logx.Logger) (Locker, error) {
	timeout, err := durationOption(opts, "timeout")
	if err != nil {
		return nil, err
	}
	return &processLock{name: name, timeout: timeout, log: log}, nil
}

func (l *processLock) Acquire(ctx context.Context) error {
	mu := processMutex(l.name)
	err := acquireWithRetry(ctx, l.timeout, func() error {
		if !mu.TryLock() {
			return ErrLockHeld
		}
		return nil
	})
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.held = true
	l.mu.Unlock()
	l.log.Debug("lock acquired")
	return nil
}

func (l *processLock) Release(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.held {
		return errors.New("process lock not held")
	}
	l.held = false
	processMutex(l.name).Unlock()
	l.log.Debug("lock released")
	return nil
}
