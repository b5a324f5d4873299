// Package notifier sends short run notifications to operators.
//
// The service subscribes to the in-memory event bus, formats the run and job
// events it is configured for, and delivers them through a Sender with a rate
// limit, bounded retries and a dedup window. Delivery is best-effort: a slow
// or failing chat never blocks a run.
package notifier

import (
	"context"
	"time"

	"fleetrun/internal/eventbus"
)

// DefaultEvents are sent when Config.Events is empty.
var DefaultEvents = []string{eventbus.TypeRunFailed, eventbus.TypeJobFailed}

type Config struct {
	ChatID   int64
	ThreadID int
	// Events lists the bus event types to forward.
	Events []string

	QueueSize   int
	RatePerSec  float64
	RetryMax    int
	RetryBase   time.Duration
	DedupWindow time.Duration
	// DedupStore, when set, keeps dedup windows across restarts.
	DedupStore DedupStore
}

// DedupStore persists dedup expiries. Lookups are best-effort: a failing
// store never blocks a message.
type DedupStore interface {
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)
}

// Sender delivers one message.
type Sender interface {
	Send(ctx context.Context, chatID int64, threadID int, text string) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, chatID int64, threadID int, text string) error

func (f SenderFunc) Send(ctx context.Context, chatID int64, threadID int, text string) error {
	return f(ctx, chatID, threadID, text)
}

// HistoryItem records a delivered message.
type HistoryItem struct {
	At   time.Time
	Text string
}
