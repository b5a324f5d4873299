package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "fleetrun/pkg/logx"
)

// compactEvery is the number of appended records that triggers a snapshot.
const compactEvery = 500

// journalStore keeps every window in memory. Writes are appended to
// <base>.dedup.journal.jsonl and folded into <base>.dedup.snapshot.json
// every compactEvery records. Opening replays the journal over the snapshot.
type journalStore struct {
	log      logx.Logger
	snapshot string

	mu      sync.Mutex
	journal *os.File
	until   map[string]int64
	pending int
}

type journalRecord struct {
	Key   string `json:"key"`
	Until int64  `json:"until"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	base := filepath.Join(dir, strings.TrimSuffix(filepath.Base(cfg.Path), filepath.Ext(cfg.Path)))
	st := &journalStore{log: log, snapshot: base + ".dedup.snapshot.json", until: map[string]int64{}}

	if err := readSnapshot(st.snapshot, st.until); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("dedup snapshot ignored", logx.String("path", st.snapshot), logx.Err(err))
	}
	journalPath := base + ".dedup.journal.jsonl"
	if f, err := os.Open(journalPath); err == nil {
		replayJournal(f, st.until)
		_ = f.Close()
	}
	pruneExpired(st.until, time.Now())

	f, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	st.journal = f
	return st, nil
}

func (s *journalStore) PutDedup(_ context.Context, key string, until time.Time) error {
	key, ok := normKey(key)
	if !ok {
		return nil
	}
	rec := journalRecord{Key: key, Until: until.UnixMilli()}
	line, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ErrClosed
	}
	if _, err := s.journal.Write(append(line, '\n')); err != nil {
		return err
	}
	s.until[key] = rec.Until
	if s.pending++; s.pending >= compactEvery {
		if err := s.compactLocked(); err != nil {
			s.log.Warn("dedup compaction failed", logx.Err(err))
		}
	}
	return nil
}

func (s *journalStore) GetDedup(_ context.Context, key string) (time.Time, bool, error) {
	key, ok := normKey(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return time.Time{}, false, ErrClosed
	}
	ms, found := s.until[key]
	if !ok || !found {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

func (s *journalStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	err := s.journal.Close()
	s.journal = nil
	return err
}

// compactLocked replaces the snapshot atomically, then empties the journal.
func (s *journalStore) compactLocked() error {
	pruneExpired(s.until, time.Now())
	b, err := json.Marshal(s.until)
	if err != nil {
		return err
	}
	tmp := s.snapshot + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshot); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	if _, err := s.journal.Seek(0, io.SeekStart); err != nil {
		return err
	}
	s.pending = 0
	return nil
}

func readSnapshot(path string, into map[string]int64) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, &into)
}

// replayJournal applies records in order. Lines that do not decode, such as
// a write torn by a crash, are skipped.
func replayJournal(r io.Reader, into map[string]int64) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		var rec journalRecord
		if json.Unmarshal(sc.Bytes(), &rec) == nil && rec.Key != "" {
			into[rec.Key] = rec.Until
		}
	}
}

func pruneExpired(m map[string]int64, now time.Time) {
	cutoff := now.UnixMilli()
	for k, until := range m {
		if until < cutoff {
			delete(m, k)
		}
	}
}
