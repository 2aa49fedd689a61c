// Package slots derives the bookable time slots of a calendar day.
//
// A Rules value maps each weekday to a list of opening windows. Slots are
// generated by stepping from each window's start to its end, inclusive, at a
// fixed interval. A weekday without windows is closed and yields no slots.
package slots

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"opticbook/internal/domain"
)

const DefaultInterval = 30

type Window struct {
	Start string
	End   string
}

type Rules struct {
	interval int
	windows  [7][]Window
	// minutes caches the generated slots per weekday.
	minutes [7][]int
}

// Config is the raw form of Rules. Windows are keyed by weekday.
type Config struct {
	Interval int
	Windows  map[time.Weekday][]Window
}

// DefaultConfig returns the opening hours of the shops: Monday to Thursday
// morning and afternoon, Friday afternoon, Saturday morning, Sunday closed.
func DefaultConfig() Config {
	morning := Window{Start: "09:00", End: "12:30"}
	afternoon := Window{Start: "14:00", End: "18:00"}
	return Config{
		Interval: DefaultInterval,
		Windows: map[time.Weekday][]Window{
			time.Monday:    {morning, afternoon},
			time.Tuesday:   {morning, afternoon},
			time.Wednesday: {morning, afternoon},
			time.Thursday:  {morning, afternoon},
			time.Friday:    {{Start: "14:00", End: "17:30"}},
			time.Saturday:  {morning},
		},
	}
}

func New(cfg Config) (*Rules, error) {
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("slot interval must be positive, got %d", cfg.Interval)
	}
	r := &Rules{interval: cfg.Interval}
	for wd, windows := range cfg.Windows {
		if wd < time.Sunday || wd > time.Saturday {
			return nil, fmt.Errorf("invalid weekday %d", wd)
		}
		last := -1
		for _, w := range windows {
			start, err := parseClock(w.Start)
			if err != nil {
				return nil, fmt.Errorf("%s window start: %w", wd, err)
			}
			end, err := parseClock(w.End)
			if err != nil {
				return nil, fmt.Errorf("%s window end: %w", wd, err)
			}
			if start > end {
				return nil, fmt.Errorf("%s window %s-%s ends before it starts", wd, w.Start, w.End)
			}
			if start <= last {
				return nil, fmt.Errorf("%s window %s-%s overlaps or precedes the previous window", wd, w.Start, w.End)
			}
			for m := start; m <= end; m += cfg.Interval {
				r.minutes[wd] = append(r.minutes[wd], m)
			}
			last = end
		}
		r.windows[wd] = append([]Window(nil), windows...)
	}
	return r, nil
}

// MustDefault returns Rules built from DefaultConfig.
func MustDefault() *Rules {
	r, err := New(DefaultConfig())
	if err != nil {
		panic(err)
	}
	return r
}

func (r *Rules) Interval() time.Duration {
	return time.Duration(r.interval) * time.Minute
}

func (r *Rules) Windows(wd time.Weekday) []Window {
	return append([]Window(nil), r.windows[wd]...)
}

// Slots returns the ordered HH:MM slots of the day. Only the weekday of date is used.
func (r *Rules) Slots(date time.Time) []string {
	mins := r.minutes[date.Weekday()]
	out := make([]string, 0, len(mins))
	for _, m := range mins {
		out = append(out, formatClock(m))
	}
	return out
}

func (r *Rules) SlotsForDate(date string) ([]string, error) {
	d, err := domain.ParseDate(date)
	if err != nil {
		return nil, err
	}
	return r.Slots(d), nil
}

// IsSlot reports whether hhmm is a bookable slot on date. Malformed dates are never bookable.
func (r *Rules) IsSlot(date, hhmm string) bool {
	d, err := domain.ParseDate(date)
	if err != nil {
		return false
	}
	if !domain.ValidTime(hhmm) {
		return false
	}
	m, err := parseClock(hhmm)
	if err != nil {
		return false
	}
	mins := r.minutes[d.Weekday()]
	i := sort.SearchInts(mins, m)
	return i < len(mins) && mins[i] == m
}

// Closed reports whether the weekday of date has no slots.
func (r *Rules) Closed(date time.Time) bool {
	return len(r.minutes[date.Weekday()]) == 0
}

// ParseWindows parses "09:00-12:30,14:00-18:00". An empty string means closed.
func ParseWindows(s string) ([]Window, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "closed") {
		return nil, nil
	}
	var out []Window
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		start, end, ok := strings.Cut(part, "-")
		if !ok {
			return nil, fmt.Errorf("window %q must be HH:MM-HH:MM", part)
		}
		out = append(out, Window{Start: strings.TrimSpace(start), End: strings.TrimSpace(end)})
	}
	return out, nil
}

var errClock = errors.New("time must be HH:MM")

func parseClock(s string) (int, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok || len(mm) != 2 || len(hh) == 0 || len(hh) > 2 {
		return 0, errClock
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return 0, errClock
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return 0, errClock
	}
	return h*60 + m, nil
}

func formatClock(minutes int) string {
	return fmt.Sprintf("%02d:%02d", minutes/60, minutes%60)
}
