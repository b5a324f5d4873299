// Package eventbus is an in-process fanout of run and job lifecycle events.
// Publishing never blocks: a subscriber whose buffer is full misses the
// event and the bus counts the drop.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

const (
	TypeRunStarted  = "run.started"
	TypeRunFinished = "run.finished"
	TypeRunFailed   = "run.failed"
	TypeJobStarted  = "job.started"
	TypeJobFinished = "job.finished"
	TypeJobFailed   = "job.failed"
)

type Event struct {
	Type string
	Time time.Time
	Data any
}

// RunEvent is the payload of run.* events.
type RunEvent struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Error string `json:"error,omitempty"`
}

// JobEvent is the payload of job.* events.
type JobEvent struct {
	RunID string   `json:"run_id"`
	Run   string   `json:"run"`
	Job   string   `json:"job"`
	Hosts []string `json:"hosts"`
	Error string   `json:"error,omitempty"`
}

type Bus interface {
	Publish(e Event)
	// Subscribe returns a buffered channel and a func that detaches and
	// closes it. The func is safe to call more than once.
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

const defaultBuffer = 16

type memBus struct {
	// sends happen under the read lock so unsubscribe cannot close a
	// channel mid-send
	mu      sync.RWMutex
	subs    map[*subscriber]struct{}
	dropped atomic.Uint64
}

type subscriber struct {
	ch   chan Event
	once sync.Once
}

func New() Bus {
	return &memBus{subs: map[*subscriber]struct{}{}}
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		select {
		case s.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	s := &subscriber{ch: make(chan Event, buffer)}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	return s.ch, func() {
		s.once.Do(func() {
			b.mu.Lock()
			delete(b.subs, s)
			b.mu.Unlock()
			close(s.ch)
		})
	}
}

// Dropped reports how many deliveries bus has skipped because a subscriber
// was full. It is zero for buses not created by New.
func Dropped(bus Bus) uint64 {
	if mb, ok := bus.(*memBus); ok {
		return mb.dropped.Load()
	}
	return 0
}
