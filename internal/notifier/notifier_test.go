package notifier

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"fleetrun/internal/eventbus"
	logx "fleetrun/pkg/logx"
)

type fakeSender struct {
	mu    sync.Mutex
	msgs  []string
	fails int
	sent  chan string
}

func newFakeSender(fails int) *fakeSender {
	return &fakeSender{fails: fails, sent: make(chan string, 16)}
}

func (f *fakeSender) Send(_ context.Context, chatID int64, threadID int, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fails > 0 {
		f.fails--
		return errors.New("telegram: 502 bad gateway")
	}
	f.msgs = append(f.msgs, text)
	f.sent <- text
	return nil
}

func waitMessage(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("no message delivered")
		return ""
	}
}

func TestForwardsConfiguredEvents(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	fs := newFakeSender(0)
	s := New(Config{ChatID: -100, RatePerSec: 100}, fs, logx.Nop())
	s.Start(context.Background(), bus)
	defer s.Stop(context.Background())

	bus.Publish(eventbus.Event{Type: eventbus.TypeRunStarted, Data: eventbus.RunEvent{ID: "r1", Name: "deploy"}})
	bus.Publish(eventbus.Event{Type: eventbus.TypeJobFailed, Data: eventbus.JobEvent{
		RunID: "r1", Run: "deploy", Job: "2tasks@h1", Hosts: []string{"h1"}, Error: "exit 2",
	}})

	msg := waitMessage(t, fs.sent)
	if !strings.Contains(msg, "job 2tasks@h1 failed on h1") || !strings.Contains(msg, "exit 2") {
		t.Fatalf("message = %q", msg)
	}
	select {
	case m := <-fs.sent:
		t.Fatalf("run.started is not in the default event set, got %q", m)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRetriesFailedSends(t *testing.T) {
	t.Parallel()
	fs := newFakeSender(2)
	s := New(Config{RatePerSec: 100, RetryMax: 2, RetryBase: time.Millisecond}, fs, logx.Nop())
	s.Start(context.Background(), nil)
	defer s.Stop(context.Background())

	if err := s.Notify("hello"); err != nil {
		t.Fatal(err)
	}
	if got := waitMessage(t, fs.sent); got != "hello" {
		t.Fatalf("message = %q", got)
	}
	if st := s.Stats(); st.Sent != 1 || st.Failed != 0 {
		t.Fatalf("stats = %+v", st)
	}
	if h := s.Snapshot(); len(h) != 1 || h[0].Text != "hello" {
		t.Fatalf("history = %+v", h)
	}
}

func TestDedupWindow(t *testing.T) {
	t.Parallel()
	fs := newFakeSender(0)
	s := New(Config{RatePerSec: 100, DedupWindow: time.Minute}, fs, logx.Nop())
	s.Start(context.Background(), nil)
	_ = s.Notify("same")
	_ = s.Notify("same")
	_ = s.Notify("other")
	s.Stop(context.Background())

	if len(fs.msgs) != 2 || s.Stats().Deduped != 1 {
		t.Fatalf("msgs = %v stats = %+v", fs.msgs, s.Stats())
	}
}

func TestNotifyAfterStop(t *testing.T) {
	t.Parallel()
	s := New(Config{}, newFakeSender(0), logx.Nop())
	if err := s.Notify("x"); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
	s.Start(context.Background(), nil)
	s.Stop(context.Background())
	s.Stop(context.Background())
	if err := s.Notify("x"); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
}

func TestFormat(t *testing.T) {
	t.Parallel()
	tests := []struct {
		e    eventbus.Event
		want string
		ok   bool
	}{
		{eventbus.Event{Type: eventbus.TypeRunFailed, Data: eventbus.RunEvent{ID: "r", Name: "n", Error: "boom"}}, "run n failed (r)\nboom", true},
		{eventbus.Event{Type: eventbus.TypeRunFinished, Data: eventbus.RunEvent{ID: "r", Name: "n"}}, "run n finished (r)", true},
		{eventbus.Event{Type: eventbus.TypeJobFinished, Data: eventbus.JobEvent{Run: "n", Job: "j", Hosts: []string{"a", "b"}}}, "n: job j finished on a, b", true},
		{eventbus.Event{Type: "config.changed", Data: 1}, "", false},
	}
	for _, tt := range tests {
		got, ok := Format(tt.e)
		if ok != tt.ok || !strings.Contains(got, tt.want) {
			t.Fatalf("Format(%s) = %q, %v", tt.e.Type, got, ok)
		}
	}
}

func TestSplitText(t *testing.T) {
	t.Parallel()
	s := strings.Repeat("a", 30) + "\n" + strings.Repeat("b", 30)
	parts := splitText(s, 40)
	if len(parts) != 2 || parts[0] != strings.Repeat("a", 30)+"\n" || strings.Join(parts, "") != s {
		t.Fatalf("parts = %q", parts)
	}
	if parts := splitText("short", 40); len(parts) != 1 {
		t.Fatalf("parts = %q", parts)
	}
}

func TestNewTelegramRequiresToken(t *testing.T) {
	t.Parallel()
	if _, err := NewTelegram(" "); err == nil {
		t.Fatal("expected error for empty token")
	}
}

type memDedup struct {
	mu sync.Mutex
	m  map[string]time.Time
}

func (d *memDedup) PutDedup(_ context.Context, key string, until time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.m[key] = until
	return nil
}

func (d *memDedup) GetDedup(_ context.Context, key string) (time.Time, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	u, ok := d.m[key]
	return u, ok, nil
}

func TestDedupStoreSurvivesRestart(t *testing.T) {
	t.Parallel()
	store := &memDedup{m: map[string]time.Time{}}
	cfg := Config{RatePerSec: 100, DedupWindow: time.Hour, DedupStore: store}

	fs := newFakeSender(0)
	first := New(cfg, fs, logx.Nop())
	first.Start(context.Background(), nil)
	_ = first.Notify("disk full on h1")
	first.Stop(context.Background())

	second := New(cfg, fs, logx.Nop())
	second.Start(context.Background(), nil)
	_ = second.Notify("disk full on h1")
	second.Stop(context.Background())

	if len(fs.msgs) != 1 || second.Stats().Deduped != 1 {
		t.Fatalf("msgs = %v stats = %+v", fs.msgs, second.Stats())
	}
}
