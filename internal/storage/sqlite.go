package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	logx "fleetrun/pkg/logx"
)

//go:embed migrations.sql
var schema string

// pruneEvery is the number of writes between expiry sweeps.
const pruneEvery = 200

type sqliteStore struct {
	db     *sql.DB
	log    logx.Logger
	closed atomic.Bool
	writes atomic.Uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}
	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)",
		cfg.Path, busy.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// one writer; sqlite serializes anyway
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), busy+5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if s.closed.Load() {
		return ErrClosed
	}
	key, ok := normKey(key)
	if !ok {
		return nil
	}
	const upsert = `INSERT INTO dedup(key, until) VALUES(?, ?)
ON CONFLICT(key) DO UPDATE SET until = excluded.until`
	if _, err := s.db.ExecContext(ctx, upsert, key, until.UnixMilli()); err != nil {
		return err
	}
	if s.writes.Add(1)%pruneEvery == 0 {
		s.sweep(ctx)
	}
	return nil
}

func (s *sqliteStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if s.closed.Load() {
		return time.Time{}, false, ErrClosed
	}
	key, ok := normKey(key)
	if !ok {
		return time.Time{}, false, nil
	}
	var ms int64
	switch err := s.db.QueryRowContext(ctx, `SELECT until FROM dedup WHERE key = ?`, key).Scan(&ms); {
	case errors.Is(err, sql.ErrNoRows):
		return time.Time{}, false, nil
	case err != nil:
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

func (s *sqliteStore) sweep(ctx context.Context) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM dedup WHERE until < ?`, time.Now().UnixMilli())
	if err != nil {
		s.log.Debug("dedup sweep failed", logx.Err(err))
		return
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.log.Debug("dedup swept", logx.Int64("expired", n))
	}
}
