package notifier

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"fleetrun/internal/eventbus"
	logx "fleetrun/pkg/logx"
)

var (
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

// Service forwards bus events to a Sender.
//
// It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	cfg     Config
	sender  Sender
	log     logx.Logger
	limiter *rate.Limiter
	wanted  map[string]struct{}

	queue   chan string
	unsub   func()
	fwdDone chan struct{}
	cancel  context.CancelFunc
	done    chan struct{}

	// In-memory dedup cache: key -> suppress until
	dmu   sync.Mutex
	dedup map[string]time.Time

	hmu     sync.Mutex
	history []HistoryItem

	sent    atomic.Uint64
	failed  atomic.Uint64
	dropped atomic.Uint64
	deduped atomic.Uint64
}

func New(cfg Config, sender Sender, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if len(cfg.Events) == 0 {
		cfg.Events = DefaultEvents
	}
	wanted := make(map[string]struct{}, len(cfg.Events))
	for _, e := range cfg.Events {
		wanted[strings.ToLower(strings.TrimSpace(e))] = struct{}{}
	}
	// Token bucket: burst of 3 so a failed run and its failed job go out together.
	return &Service{
		cfg:     cfg,
		sender:  sender,
		log:     log.With(logx.String("comp", "notifier")),
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), 3),
		wanted:  wanted,
		dedup:   map[string]time.Time{},
	}
}

// Start subscribes to bus and begins delivering. It is idempotent.
func (s *Service) Start(ctx context.Context, bus eventbus.Bus) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.queue = make(chan string, s.cfg.QueueSize)
	s.done = make(chan struct{})

	q := s.queue
	done := s.done
	go func() {
		defer close(done)
		s.workerLoop(ctx, q)
	}()

	if bus != nil {
		ch, unsub := bus.Subscribe(s.cfg.QueueSize)
		fwdDone := make(chan struct{})
		s.unsub, s.fwdDone = unsub, fwdDone
		go func() {
			defer close(fwdDone)
			s.forwardLoop(ctx, ch)
		}()
	}
	s.log.Debug("notifier started", logx.Strings("events", s.cfg.Events), logx.Int64("chat_id", s.cfg.ChatID))
}

// Stop stops intake, forwards events already taken from the bus and drains
// queued messages until ctx is done.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	unsub, fwdDone := s.unsub, s.fwdDone
	s.unsub, s.fwdDone = nil, nil
	s.mu.Unlock()
	if unsub != nil {
		unsub()
		select {
		case <-fwdDone:
		case <-ctx.Done():
		}
	}

	s.mu.Lock()
	q, done, cancel := s.queue, s.done, s.cancel
	s.queue, s.done, s.cancel = nil, nil, nil
	s.mu.Unlock()
	if q == nil {
		return
	}
	close(q)
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("notifier stop timed out; dropping queued messages", logx.Int("queued", len(q)))
	}
	cancel()
}

// Notify queues text for delivery.
func (s *Service) Notify(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if !s.dedupAllow(dedupKey(text)) {
		s.deduped.Add(1)
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue == nil {
		return ErrStopped
	}
	select {
	case s.queue <- text:
		return nil
	default:
		s.dropped.Add(1)
		return ErrQueueFull
	}
}

func (s *Service) forwardLoop(ctx context.Context, ch <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if _, want := s.wanted[e.Type]; !want {
				continue
			}
			text, ok := Format(e)
			if !ok {
				continue
			}
			if err := s.Notify(text); err != nil && !errors.Is(err, ErrStopped) {
				s.log.Warn("notification dropped", logx.String("type", e.Type), logx.Err(err))
			}
		}
	}
}

func (s *Service) workerLoop(ctx context.Context, q <-chan string) {
	for text := range q {
		s.sendWithRetry(ctx, text)
	}
}

func (s *Service) sendWithRetry(ctx context.Context, text string) {
	attempts := 1 + s.cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := s.limiter.Wait(ctx); err != nil {
			return
		}
		callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := s.sender.Send(callCtx, s.cfg.ChatID, s.cfg.ThreadID, text)
		cancel()
		if err == nil {
			s.sent.Add(1)
			s.appendHistory(text)
			return
		}
		lastErr = err
		s.log.Debug("notify send failed", logx.Err(err), logx.Int("attempt", attempt), logx.Int("max", attempts))
		if attempt == attempts {
			break
		}
		t := time.NewTimer(s.cfg.RetryBase << (attempt - 1))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}
	s.failed.Add(1)
	s.log.Warn("notification failed", logx.Err(lastErr))
}

// Format renders a bus event as a message. ok is false for events without a
// rendering.
func Format(e eventbus.Event) (text string, ok bool) {
	switch d := e.Data.(type) {
	case eventbus.RunEvent:
		switch e.Type {
		case eventbus.TypeRunStarted:
			return fmt.Sprintf("▶️ run %s started (%s)", d.Name, d.ID), true
		case eventbus.TypeRunFinished:
			return fmt.Sprintf("✅ run %s finished (%s)", d.Name, d.ID), true
		case eventbus.TypeRunFailed:
			return fmt.Sprintf("🚨 run %s failed (%s)\n%s", d.Name, d.ID, d.Error), true
		}
	case eventbus.JobEvent:
		hosts := strings.Join(d.Hosts, ", ")
		switch e.Type {
		case eventbus.TypeJobStarted:
			return fmt.Sprintf("▶️ %s: job %s started on %s", d.Run, d.Job, hosts), true
		case eventbus.TypeJobFinished:
			return fmt.Sprintf("✅ %s: job %s finished on %s", d.Run, d.Job, hosts), true
		case eventbus.TypeJobFailed:
			return fmt.Sprintf("⚠️ %s: job %s failed on %s\n%s", d.Run, d.Job, hosts, d.Error), true
		}
	}
	return "", false
}

func dedupKey(text string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	return fmt.Sprintf("%x", h.Sum64())
}

func (s *Service) dedupAllow(key string) bool {
	window := s.cfg.DedupWindow
	if window <= 0 {
		return true
	}
	now := time.Now()
	s.dmu.Lock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		s.dmu.Unlock()
		return false
	}
	s.dmu.Unlock()

	st := s.cfg.DedupStore
	if st != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		until, ok, err := st.GetDedup(ctx, key)
		cancel()
		if err == nil && ok && now.Before(until) {
			s.dmu.Lock()
			s.dedup[key] = until
			s.dmu.Unlock()
			return false
		}
	}

	until := now.Add(window)
	s.dmu.Lock()
	for k, u := range s.dedup {
		if !now.Before(u) {
			delete(s.dedup, k)
		}
	}
	s.dedup[key] = until
	s.dmu.Unlock()

	if st != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
		if err := st.PutDedup(ctx, key, until); err != nil {
			s.log.Debug("dedup persist failed", logx.Err(err))
		}
		cancel()
	}
	return true
}

func (s *Service) Snapshot() []HistoryItem {
	s.hmu.Lock()
	out := append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return out
}

func (s *Service) appendHistory(text string) {
	s.hmu.Lock()
	s.history = append(s.history, HistoryItem{At: time.Now(), Text: text})
	if len(s.history) > 100 {
		s.history = s.history[len(s.history)-100:]
	}
	s.hmu.Unlock()
}

// Stats is a best-effort view of delivery counters.
type Stats struct {
	Sent, Failed, Dropped, Deduped uint64
}

func (s *Service) Stats() Stats {
	return Stats{
		Sent:    s.sent.Load(),
		Failed:  s.failed.Load(),
		Dropped: s.dropped.Load(),
		Deduped: s.deduped.Load(),
	}
}
