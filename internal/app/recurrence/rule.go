package recurrence

import (
	"errors"
	"time"

	"github.com/taskpulse/project/internal/contracts"
)

var ErrMalformedRule = errors.New("malformed recurrence rule")

// ValidateRule checks a rule's shape: a known frequency, a positive interval
// and at most one end condition.
func ValidateRule(rule *contracts.RecurrenceRule) error {
	if rule == nil {
		return nil
	}
	switch rule.Frequency {
	case contracts.FreqDaily, contracts.FreqWeekly, contracts.FreqMonthly, contracts.FreqYearly:
	default:
		return ErrMalformedRule
	}
	if rule.Interval < 1 {
		return ErrMalformedRule
	}
	if rule.Count < 0 {
		return ErrMalformedRule
	}
	if rule.Count > 0 && rule.Until != nil {
		return ErrMalformedRule
	}
	return nil
}

// NextAfter computes the next occurrence time from the anchor. The anchor is
// the previous occurrence's due date, not its completion time, so repeated
// completions do not drift the schedule.
func NextAfter(anchor time.Time, rule contracts.RecurrenceRule) (time.Time, error) {
	if err := ValidateRule(&rule); err != nil {
		return time.Time{}, err
	}
	interval := rule.Interval

	switch rule.Frequency {
	case contracts.FreqDaily:
		return anchor.AddDate(0, 0, interval), nil
	case contracts.FreqWeekly:
		return anchor.AddDate(0, 0, 7*interval), nil
	case contracts.FreqMonthly:
		return addMonthsClamped(anchor, interval), nil
	case contracts.FreqYearly:
		return addMonthsClamped(anchor, 12*interval), nil
	}
	return time.Time{}, ErrMalformedRule
}

// addMonthsClamped advances by whole months, clamping the day of month so
// Jan 31 + 1 month lands on Feb 28/29 instead of rolling into March.
func addMonthsClamped(t time.Time, months int) time.Time {
	year, month, day := t.Date()
	month += time.Month(months)
	for month > 12 {
		year++
		month -= 12
	}

	if max := daysInMonth(year, month); day > max {
		day = max
	}
	hour, minute, sec := t.Clock()
	return time.Date(year, month, day, hour, minute, sec, t.Nanosecond(), t.Location())
}

func daysInMonth(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
