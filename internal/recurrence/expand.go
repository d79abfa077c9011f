package recurrence

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"calendar-assistant/internal/model"
)

// ErrInvalidRule reports a malformed recurrence rule or window. It is
// returned synchronously and never coerced into a best-guess expansion.
var ErrInvalidRule = errors.New("invalid recurrence rule")

// maxSteps caps the number of period blocks walked per expansion so a
// misconfigured rule can never spin the generator forever.
const maxSteps = 100000

// Expand computes the occurrence start instants of rule within the closed
// window [windowStart, windowEnd]. The anchor is the first occurrence and
// its Location is the rule's timezone: occurrences keep the anchor's wall
// clock time in that zone and are returned as UTC instants, ordered and
// deduplicated.
//
// Daylight-saving policy: a wall time that falls in a spring-forward gap is
// shifted to the first valid instant after the gap; an ambiguous wall time
// during fall-back resolves to the earlier of the two UTC instants.
//
// A Count end condition is counted from the rule's start, not per window,
// so the function is safe to call repeatedly with successive windows.
func Expand(rule model.RecurrenceRule, anchor, windowStart, windowEnd time.Time) ([]time.Time, error) {
	if err := rule.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}
	if windowStart.After(windowEnd) {
		return nil, fmt.Errorf("%w: window start is after window end", ErrInvalidRule)
	}

	loc := anchor.Location()
	hour, min, sec := anchor.Clock()
	ay, amo, ad := anchor.Date()
	// Noon UTC carrier for civil-date arithmetic, immune to DST shifts.
	anchorDate := time.Date(ay, amo, ad, 12, 0, 0, 0, time.UTC)

	var out []time.Time
	emitted := 0

	// emit feeds one candidate occurrence through the end conditions and
	// the window filter; it reports whether generation should stop.
	// Candidates arrive in strictly increasing order.
	emit := func(t time.Time) bool {
		if t.Before(anchor) {
			// Earlier weekdays in the anchor's own week are not
			// occurrences and do not count toward Count.
			return false
		}
		if rule.Until != nil && t.After(*rule.Until) {
			return true
		}
		if rule.Count > 0 && emitted >= rule.Count {
			return true
		}
		emitted++
		u := t.UTC()
		if !u.Before(windowStart) && !u.After(windowEnd) {
			out = append(out, u)
		}
		return u.After(windowEnd)
	}

	switch rule.Frequency {
	case model.FreqDaily:
		cursor := anchorDate
		for steps := 0; steps < maxSteps; steps++ {
			y, mo, d := cursor.Date()
			if emit(resolveLocal(y, mo, d, hour, min, sec, loc)) {
				break
			}
			cursor = cursor.AddDate(0, 0, rule.Interval)
		}

	case model.FreqWeekly:
		weekdays := rule.NormalizedWeekdays(anchor)
		sort.Slice(weekdays, func(i, j int) bool {
			return mondayIndex(weekdays[i]) < mondayIndex(weekdays[j])
		})
		// Week blocks are Monday-based and stride Interval weeks from
		// the anchor's week.
		weekStart := anchorDate.AddDate(0, 0, -mondayIndex(anchor.Weekday()))
	weeks:
		for steps := 0; steps < maxSteps; steps++ {
			for _, wd := range weekdays {
				y, mo, d := weekStart.AddDate(0, 0, mondayIndex(wd)).Date()
				if emit(resolveLocal(y, mo, d, hour, min, sec, loc)) {
					break weeks
				}
			}
			weekStart = weekStart.AddDate(0, 0, 7*rule.Interval)
		}

	case model.FreqMonthly:
		for k := 0; k < maxSteps; k++ {
			// Month arithmetic starts from day 1 so a day-31 anchor
			// cannot overflow into the following month.
			y, mo, _ := time.Date(ay, amo+time.Month(k*rule.Interval), 1, 12, 0, 0, 0, time.UTC).Date()
			d := ad
			// A day-of-month past the target month's end clamps to the
			// last day of that month.
			if last := daysInMonth(mo, y); d > last {
				d = last
			}
			if emit(resolveLocal(y, mo, d, hour, min, sec, loc)) {
				break
			}
		}

	default:
		return nil, fmt.Errorf("%w: frequency %q is not expandable", ErrInvalidRule, rule.Frequency)
	}

	return out, nil
}

// mondayIndex maps a weekday onto 0..6 with Monday first, so weekday sets
// enumerate in calendar order within a week block.
func mondayIndex(wd time.Weekday) int {
	return (int(wd) + 6) % 7
}

// resolveLocal maps a wall-clock time in loc to an instant, applying the
// documented daylight-saving policy explicitly rather than relying on the
// normalization time.Date happens to perform.
func resolveLocal(y int, mo time.Month, d, hour, min, sec int, loc *time.Location) time.Time {
	t := time.Date(y, mo, d, hour, min, sec, 0, loc)
	if !sameWall(t, y, mo, d, hour, min, sec) {
		// The requested wall time sits inside a spring-forward gap and
		// time.Date pushed it past the transition. The first valid
		// instant is the transition itself.
		return transitionBefore(t)
	}
	// Fall-back ambiguity: the same wall time may also exist one offset
	// step earlier. Prefer the earlier UTC instant.
	_, off := t.Zone()
	if _, offBefore := t.Add(-6 * time.Hour).Zone(); offBefore > off {
		alt := t.Add(-time.Duration(offBefore-off) * time.Second)
		if sameWall(alt, y, mo, d, hour, min, sec) {
			return alt
		}
	}
	return t
}

// transitionBefore finds the zone-offset transition instant at or before t.
// t must carry the post-transition offset; the transition is at most a day
// back, so a binary search on the offset boundary pins it exactly.
func transitionBefore(t time.Time) time.Time {
	_, off := t.Zone()
	lo := t.Add(-24 * time.Hour)
	hi := t
	for hi.Sub(lo) > time.Nanosecond {
		mid := lo.Add(hi.Sub(lo) / 2)
		if _, o := mid.Zone(); o == off {
			hi = mid
		} else {
			lo = mid
		}
	}
	return hi
}

func sameWall(t time.Time, y int, mo time.Month, d, hour, min, sec int) bool {
	ty, tmo, td := t.Date()
	return ty == y && tmo == mo && td == d &&
		t.Hour() == hour && t.Minute() == min && t.Second() == sec
}

// daysInMonth returns the number of days in the given month.
func daysInMonth(month time.Month, year int) int {
	firstOfMonth := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	return firstOfMonth.AddDate(0, 1, -1).Day()
}
