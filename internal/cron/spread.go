package cron

import (
	"hash/fnv"
	"time"

	robfig "github.com/robfig/cron/v3"
)

const maxStartupSpread = 30 * time.Second

// offsetSchedule fires first at a fixed time, then follows base.
type offsetSchedule struct {
	base  robfig.Schedule
	first time.Time
}

func (s *offsetSchedule) Next(t time.Time) time.Time {
	if t.Before(s.first) {
		return s.first
	}
	return s.base.Next(t)
}

// intervalWithSpread returns an "every" schedule whose first tick lands at
// now+every+offset. The offset is derived from name and stays below both
// every and maxStartupSpread, so a given schedule keeps its slot across
// restarts while differently named ones fan out.
func intervalWithSpread(every time.Duration, now time.Time, name string) (robfig.Schedule, time.Duration) {
	base := robfig.Every(every)
	window := min(every, maxStartupSpread)
	if window <= 0 {
		return base, 0
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	offset := time.Duration(h.Sum64() % uint64(window))
	return &offsetSchedule{base: base, first: now.Add(every + offset)}, offset
}
