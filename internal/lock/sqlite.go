package lock

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	logx "fleetrun/pkg/logx"
)

//go:embed migrations.sql
var schema string

// sqliteLock stores the holder of a named lock in a SQLite table so runs
// from different processes on the same machine (or a shared volume) exclude
// each other.
//
// Options:
//   - path: database file (required)
//   - busy_timeout: SQLite busy timeout (Go duration)
//   - timeout: keep retrying a held lock for this long
type sqliteLock struct {
	name    string
	owner   string
	timeout time.Duration
	db      *sql.DB
	log     logx.Logger

	mu   sync.Mutex
	held bool
}

func openSQLite(name string, opts map[string]string, log logx.Logger) (Locker, error) {
	path := strings.TrimSpace(opts["path"])
	if path == "" {
		return nil, errors.New("sqlite lock requires a path option")
	}
	timeout, err := durationOption(opts, "timeout")
	if err != nil {
		return nil, err
	}
	busy, err := durationOption(opts, "busy_timeout")
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	dsn := "file:" + path + "?_pragma=journal_mode(WAL)"
	if busy > 0 {
		dsn += fmt.Sprintf("&_pragma=busy_timeout(%d)", busy.Milliseconds())
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	l := &sqliteLock{
		name:    name,
		owner:   uuid.NewString(),
		timeout: timeout,
		db:      db,
		log:     log,
	}
	if err := l.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return l, nil
}

func (l *sqliteLock) migrate(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, schema)
	return err
}

func (l *sqliteLock) Acquire(ctx context.Context) error {
	err := acquireWithRetry(ctx, l.timeout, func() error { return l.tryAcquire(ctx) })
	if err != nil {
		// A locker is opened per run; nothing will call Release after a failed Acquire.
		_ = l.db.Close()
		return err
	}
	l.log.Debug("lock acquired", logx.String("owner", l.owner))
	return nil
}

func (l *sqliteLock) tryAcquire(ctx context.Context) error {
	host, _ := os.Hostname()
	res, err := l.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO locks(name, owner, host, pid, acquired_at) VALUES(?,?,?,?,?)`,
		l.name, l.owner, host, os.Getpid(), time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLockHeld
	}
	l.mu.Lock()
	l.held = true
	l.mu.Unlock()
	return nil
}

// Release deletes the row if this locker still owns it and closes the database.
func (l *sqliteLock) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.held {
		return errors.New("sqlite lock not held")
	}
	l.held = false
	_, err := l.db.ExecContext(ctx, `DELETE FROM locks WHERE name = ? AND owner = ?`, l.name, l.owner)
	if cerr := l.db.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		l.log.Debug("lock released", logx.String("owner", l.owner))
	}
	return err
}
