package model

import (
	"fmt"
	"sort"
	"time"
)

// Frequency is how often a recurring event repeats.
type Frequency string

const (
	FreqNone    Frequency = ""
	FreqDaily   Frequency = "daily"
	FreqWeekly  Frequency = "weekly"
	FreqMonthly Frequency = "monthly"
)

// RecurrenceRule describes how occurrences of an event repeat.
// The end condition is either Count (stop after N occurrences) or
// Until (no occurrence after this instant); at most one may be set,
// neither means the rule repeats forever.
type RecurrenceRule struct {
	Frequency Frequency
	Interval  int
	Weekdays  []time.Weekday // weekly only; empty means "same weekday as the anchor"
	Count     int            // 0 = unbounded
	Until     *time.Time
}

// Validate checks the rule invariants.
func (r RecurrenceRule) Validate() error {
	switch r.Frequency {
	case FreqDaily, FreqWeekly, FreqMonthly:
	default:
		return fmt.Errorf("unknown frequency %q", r.Frequency)
	}
	if r.Interval < 1 {
		return fmt.Errorf("interval must be >= 1, got %d", r.Interval)
	}
	if r.Frequency != FreqWeekly && len(r.Weekdays) > 0 {
		return fmt.Errorf("weekdays are only valid for weekly rules")
	}
	for _, wd := range r.Weekdays {
		if wd < time.Sunday || wd > time.Saturday {
			return fmt.Errorf("invalid weekday %d", wd)
		}
	}
	if r.Count < 0 {
		return fmt.Errorf("count must be >= 1 when set, got %d", r.Count)
	}
	if r.Count > 0 && r.Until != nil {
		return fmt.Errorf("count and until are mutually exclusive")
	}
	return nil
}

// NormalizedWeekdays returns the sorted, deduplicated weekday set,
// falling back to the anchor's weekday when the set is empty.
func (r RecurrenceRule) NormalizedWeekdays(anchor time.Time) []time.Weekday {
	if len(r.Weekdays) == 0 {
		return []time.Weekday{anchor.Weekday()}
	}
	seen := make(map[time.Weekday]bool, len(r.Weekdays))
	out := make([]time.Weekday, 0, len(r.Weekdays))
	for _, wd := range r.Weekdays {
		if !seen[wd] {
			seen[wd] = true
			out = append(out, wd)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// EventTemplate is a validated event description as produced by the
// intent extraction path. It is immutable once expanded into instances.
type EventTemplate struct {
	Title       string
	Start       time.Time // first occurrence, location carries the IANA zone
	Duration    time.Duration
	Place       string
	Description string
	Recurrence  *RecurrenceRule // nil means a single one-off event
}

// Validate checks the template invariants.
func (t EventTemplate) Validate() error {
	if t.Title == "" {
		return fmt.Errorf("title must not be empty")
	}
	if t.Start.IsZero() {
		return fmt.Errorf("start time must be set")
	}
	if t.Duration < 0 {
		return fmt.Errorf("duration must not be negative")
	}
	if t.Recurrence != nil {
		if err := t.Recurrence.Validate(); err != nil {
			return fmt.Errorf("recurrence: %w", err)
		}
	}
	return nil
}

// EventInstance is one concrete occurrence persisted in the event store
// and the unit the reminder scheduler reasons about. Instants are stored
// in UTC and rendered in the owner's timezone at the boundary.
type EventInstance struct {
	ID          string `gorm:"primaryKey"`
	OwnerID     int64  `gorm:"index"`
	SeriesID    string `gorm:"index"` // shared by instances expanded from one template
	Title       string
	Place       string
	Description string
	StartUTC    time.Time `gorm:"index"`
	EndUTC      time.Time
	ICal        string // rendered VEVENT payload
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
