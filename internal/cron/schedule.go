package cron

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

type SpecKind int

const (
	SpecCron SpecKind = iota
	SpecInterval
)

func (k SpecKind) String() string {
	switch k {
	case SpecInterval:
		return "interval"
	default:
		return "cron"
	}
}

// ParsedSpec is a run.schedule value reduced to either a cron expression or
// a fixed interval. Source records which spelling was used: cron, duration,
// hhmm or daily.
type ParsedSpec struct {
	Kind   SpecKind
	Cron   string
	Every  time.Duration
	Source string
}

var errNoSchedule = errors.New("schedule required")

// ParseSchedule accepts
//
//	*/5 * * * *   0 30 2 * * *   @hourly   @every 1h   cron:<expr>
//	45s   2h30m   every:<interval>   interval:<interval>
//	01:30         (interval of 1h30m)
//	daily:02:30   (every day at 02:30 in the service timezone)
//
// Cron expressions are checked by Validate, not here.
func ParseSchedule(raw string) (ParsedSpec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ParsedSpec{}, errNoSchedule
	}

	if prefix, rest, ok := strings.Cut(s, ":"); ok {
		switch strings.ToLower(prefix) {
		case "cron":
			if rest = strings.TrimSpace(rest); rest == "" {
				return ParsedSpec{}, fmt.Errorf("%w after cron:", errNoSchedule)
			}
			return ParsedSpec{Kind: SpecCron, Cron: rest, Source: "cron"}, nil
		case "every", "interval":
			return parseInterval(rest)
		case "daily":
			h, m, err := parseHHMM(rest)
			if err != nil {
				return ParsedSpec{}, err
			}
			return ParsedSpec{Kind: SpecCron, Cron: fmt.Sprintf("%d %d * * *", m, h), Source: "daily"}, nil
		}
	}

	if strings.HasPrefix(s, "@") || strings.ContainsAny(s, " \t") {
		return ParsedSpec{Kind: SpecCron, Cron: s, Source: "cron"}, nil
	}
	ps, err := parseInterval(s)
	if err != nil {
		return ParsedSpec{}, fmt.Errorf("invalid schedule %q: want a cron expression, a duration like 10m, HH:MM or daily:HH:MM", raw)
	}
	return ps, nil
}

// parseInterval reads a Go duration or an HH:MM span. Hours may exceed 23.
func parseInterval(v string) (ParsedSpec, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return ParsedSpec{}, fmt.Errorf("%w: empty interval", errNoSchedule)
	}
	ps := ParsedSpec{Kind: SpecInterval, Source: "duration"}
	if h, m, ok := splitClock(v); ok {
		if m > 59 {
			return ParsedSpec{}, fmt.Errorf("invalid minutes in %q", v)
		}
		ps.Every, ps.Source = time.Duration(h)*time.Hour+time.Duration(m)*time.Minute, "hhmm"
	} else {
		d, err := time.ParseDuration(v)
		if err != nil {
			return ParsedSpec{}, fmt.Errorf("invalid interval %q", v)
		}
		ps.Every = d
	}
	if ps.Every <= 0 {
		return ParsedSpec{}, fmt.Errorf("interval %q must be positive", v)
	}
	return ps, nil
}

// parseHHMM reads a wall clock time of day.
func parseHHMM(v string) (hour, minute int, err error) {
	h, m, ok := splitClock(strings.TrimSpace(v))
	if !ok || h > 23 || m > 59 {
		return 0, 0, fmt.Errorf("invalid time of day %q, want HH:MM", v)
	}
	return h, m, nil
}

// splitClock splits "H:MM" with 1 to 3 hour digits and exactly 2 minute digits.
func splitClock(v string) (h, m int, ok bool) {
	hs, ms, found := strings.Cut(v, ":")
	if !found || len(hs) < 1 || len(hs) > 3 || len(ms) != 2 {
		return 0, 0, false
	}
	var err error
	if h, err = strconv.Atoi(hs); err != nil || h < 0 {
		return 0, 0, false
	}
	if m, err = strconv.Atoi(ms); err != nil || m < 0 {
		return 0, 0, false
	}
	return h, m, true
}
