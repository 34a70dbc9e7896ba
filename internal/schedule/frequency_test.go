package schedule

import (
	"errors"
	"testing"
	"time"
	_ "time/tzdata"

	"vtu-engine/internal/apperr"
	"vtu-engine/internal/repo"
)

func utc(y int, m time.Month, d, h, mi int) time.Time {
	return time.Date(y, m, d, h, mi, 0, 0, time.UTC)
}

func TestNextRun(t *testing.T) {
	// 2026-03-10 is a Tuesday.
	after := utc(2026, time.March, 10, 9, 0)
	cases := []struct {
		name  string
		freq  repo.Frequency
		after time.Time
		want  time.Time
	}{
		{"daily later today", repo.Frequency{Kind: Daily, TimeOfDay: "10:00"}, after, utc(2026, time.March, 10, 10, 0)},
		{"daily passed", repo.Frequency{Kind: Daily, TimeOfDay: "08:30"}, after, utc(2026, time.March, 11, 8, 30)},
		{"daily exact is excluded", repo.Frequency{Kind: Daily, TimeOfDay: "09:00"}, after, utc(2026, time.March, 11, 9, 0)},
		{"weekly monday", repo.Frequency{Kind: Weekly, TimeOfDay: "08:00", Weekdays: []int{1}}, after, utc(2026, time.March, 16, 8, 0)},
		{"weekly same weekday later", repo.Frequency{Kind: Weekly, TimeOfDay: "18:00", Weekdays: []int{2}}, after, utc(2026, time.March, 10, 18, 0)},
		{"weekly same weekday passed", repo.Frequency{Kind: Weekly, TimeOfDay: "08:00", Weekdays: []int{2}}, after, utc(2026, time.March, 17, 8, 0)},
		{"days of week", repo.Frequency{Kind: DaysOfWeek, TimeOfDay: "08:00", Weekdays: []int{0, 4}}, after, utc(2026, time.March, 12, 8, 0)},
		{"monthly", repo.Frequency{Kind: Monthly, TimeOfDay: "08:00", DayOfMonth: 15}, after, utc(2026, time.March, 15, 8, 0)},
		{"monthly short month", repo.Frequency{Kind: Monthly, TimeOfDay: "08:00", DayOfMonth: 31}, utc(2026, time.April, 5, 0, 0), utc(2026, time.April, 30, 8, 0)},
		{"monthly february", repo.Frequency{Kind: Monthly, TimeOfDay: "08:00", DayOfMonth: 31}, utc(2026, time.January, 31, 9, 0), utc(2026, time.February, 28, 8, 0)},
		{"interval today", repo.Frequency{Kind: IntervalDays, TimeOfDay: "12:00", IntervalDays: 3}, after, utc(2026, time.March, 10, 12, 0)},
		{"interval passed", repo.Frequency{Kind: IntervalDays, TimeOfDay: "08:00", IntervalDays: 3}, after, utc(2026, time.March, 13, 8, 0)},
		{"timezone", repo.Frequency{Kind: Daily, TimeOfDay: "08:00", Timezone: "Africa/Lagos"}, utc(2026, time.March, 10, 6, 0), utc(2026, time.March, 10, 7, 0)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := NextRun(tc.freq, tc.after)
			if err != nil {
				t.Fatalf("next run: %v", err)
			}
			if !got.Equal(tc.want) {
				t.Fatalf("expected %s, got %s", tc.want, got)
			}
			if got.Location() != time.UTC {
				t.Fatalf("expected UTC result, got %s", got.Location())
			}
		})
	}
}

func TestValidateFrequencyRejects(t *testing.T) {
	cases := map[string]repo.Frequency{
		"unknown kind":            {Kind: "hourly", TimeOfDay: "08:00"},
		"bad clock":               {Kind: Daily, TimeOfDay: "25:00"},
		"missing clock":           {Kind: Daily},
		"bad timezone":            {Kind: Daily, TimeOfDay: "08:00", Timezone: "Mars/Olympus"},
		"weekly two days":         {Kind: Weekly, TimeOfDay: "08:00", Weekdays: []int{1, 2}},
		"days of week empty":      {Kind: DaysOfWeek, TimeOfDay: "08:00"},
		"weekday out of range":    {Kind: DaysOfWeek, TimeOfDay: "08:00", Weekdays: []int{7}},
		"monthly without day":     {Kind: Monthly, TimeOfDay: "08:00"},
		"interval without length": {Kind: IntervalDays, TimeOfDay: "08:00"},
	}
	for name, f := range cases {
		t.Run(name, func(t *testing.T) {
			err := ValidateFrequency(f)
			if !errors.Is(err, apperr.ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
			if _, err := NextRun(f, time.Now()); err == nil {
				t.Fatal("expected next run to fail")
			}
		})
	}
}
