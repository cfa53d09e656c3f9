package recurrence

import (
	"errors"
	"testing"
	"time"

	"github.com/taskpulse/project/internal/contracts"
)

func TestValidateRuleRejectsBadShapes(t *testing.T) {
	until := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	cases := []struct {
		name string
		rule contracts.RecurrenceRule
	}{
		{"unknown frequency", contracts.RecurrenceRule{Frequency: "hourly", Interval: 1}},
		{"zero interval", contracts.RecurrenceRule{Frequency: contracts.FreqDaily, Interval: 0}},
		{"negative count", contracts.RecurrenceRule{Frequency: contracts.FreqDaily, Interval: 1, Count: -1}},
		{"count and until", contracts.RecurrenceRule{Frequency: contracts.FreqDaily, Interval: 1, Count: 3, Until: &until}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := ValidateRule(&tc.rule); !errors.Is(err, ErrMalformedRule) {
				t.Fatalf("expected ErrMalformedRule, got %v", err)
			}
		})
	}
}

func TestNextAfterDaily(t *testing.T) {
	anchor := time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)
	next, err := NextAfter(anchor, contracts.RecurrenceRule{Frequency: contracts.FreqDaily, Interval: 3})
	if err != nil {
		t.Fatalf("NextAfter: %v", err)
	}
	want := time.Date(2026, 1, 13, 9, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
}

func TestNextAfterWeekly(t *testing.T) {
	anchor := time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC)
	next, err := NextAfter(anchor, contracts.RecurrenceRule{Frequency: contracts.FreqWeekly, Interval: 2})
	if err != nil {
		t.Fatalf("NextAfter: %v", err)
	}
	want := time.Date(2026, 1, 19, 12, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
}

func TestNextAfterMonthlyClampsToMonthEnd(t *testing.T) {
	anchor := time.Date(2026, 1, 31, 8, 0, 0, 0, time.UTC)
	next, err := NextAfter(anchor, contracts.RecurrenceRule{Frequency: contracts.FreqMonthly, Interval: 1})
	if err != nil {
		t.Fatalf("NextAfter: %v", err)
	}
	want := time.Date(2026, 2, 28, 8, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
}

func TestNextAfterMonthlyLeapYear(t *testing.T) {
	anchor := time.Date(2028, 1, 31, 8, 0, 0, 0, time.UTC)
	next, err := NextAfter(anchor, contracts.RecurrenceRule{Frequency: contracts.FreqMonthly, Interval: 1})
	if err != nil {
		t.Fatalf("NextAfter: %v", err)
	}
	want := time.Date(2028, 2, 29, 8, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
}

func TestNextAfterYearlyLeapDay(t *testing.T) {
	anchor := time.Date(2028, 2, 29, 10, 0, 0, 0, time.UTC)
	next, err := NextAfter(anchor, contracts.RecurrenceRule{Frequency: contracts.FreqYearly, Interval: 1})
	if err != nil {
		t.Fatalf("NextAfter: %v", err)
	}
	want := time.Date(2029, 2, 28, 10, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
}
