package schedule

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"vtu-engine/internal/apperr"
	"vtu-engine/internal/repo"
)

// Frequency kinds.
const (
	Daily        = "daily"
	Weekly       = "weekly"
	Monthly      = "monthly"
	DaysOfWeek   = "days_of_week"
	IntervalDays = "interval_days"
)

var validate = validator.New()

// ValidateFrequency checks a frequency descriptor.
func ValidateFrequency(f repo.Frequency) error {
	if err := validate.Struct(f); err != nil {
		return apperr.Wrap(apperr.KindValidation, "invalid frequency", err)
	}
	if _, _, err := parseClock(f.TimeOfDay); err != nil {
		return apperr.Wrap(apperr.KindValidation, "invalid time of day", err)
	}
	if _, err := location(f.Timezone); err != nil {
		return apperr.Wrap(apperr.KindValidation, "invalid timezone", err)
	}
	switch f.Kind {
	case Weekly:
		if len(f.Weekdays) != 1 {
			return apperr.New(apperr.KindValidation, "weekly frequency needs exactly one weekday")
		}
	case DaysOfWeek:
		if len(f.Weekdays) == 0 {
			return apperr.New(apperr.KindValidation, "days_of_week frequency needs at least one weekday")
		}
	case Monthly:
		if f.DayOfMonth < 1 {
			return apperr.New(apperr.KindValidation, "monthly frequency needs a day of month")
		}
	case IntervalDays:
		if f.IntervalDays < 1 {
			return apperr.New(apperr.KindValidation, "interval_days frequency needs a positive interval")
		}
	}
	return nil
}

// NextRun returns the first occurrence of f strictly after after. Months
// shorter than DayOfMonth run on their last day.
func NextRun(f repo.Frequency, after time.Time) (time.Time, error) {
	if err := ValidateFrequency(f); err != nil {
		return time.Time{}, err
	}
	loc, _ := location(f.Timezone)
	hour, minute, _ := parseClock(f.TimeOfDay)
	local := after.In(loc)
	at := func(y int, m time.Month, d int) time.Time {
		return time.Date(y, m, d, hour, minute, 0, 0, loc)
	}
	today := at(local.Year(), local.Month(), local.Day())

	var next time.Time
	switch f.Kind {
	case Daily:
		next = today
		if !next.After(after) {
			next = at(local.Year(), local.Month(), local.Day()+1)
		}
	case Weekly, DaysOfWeek:
		days := make(map[time.Weekday]bool, len(f.Weekdays))
		for _, d := range f.Weekdays {
			days[time.Weekday(d)] = true
		}
		for i := 0; i <= 7; i++ {
			c := at(local.Year(), local.Month(), local.Day()+i)
			if days[c.Weekday()] && c.After(after) {
				next = c
				break
			}
		}
	case Monthly:
		for i := 0; i <= 12; i++ {
			first := time.Date(local.Year(), local.Month()+time.Month(i), 1, 0, 0, 0, 0, loc)
			day := f.DayOfMonth
			if last := daysIn(first.Year(), first.Month(), loc); day > last {
				day = last
			}
			c := at(first.Year(), first.Month(), day)
			if c.After(after) {
				next = c
				break
			}
		}
	case IntervalDays:
		next = today
		if !next.After(after) {
			next = at(local.Year(), local.Month(), local.Day()+f.IntervalDays)
		}
	}
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("no occurrence of %s frequency after %s", f.Kind, after)
	}
	return next.UTC(), nil
}

func parseClock(s string) (int, int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, 0, err
	}
	return t.Hour(), t.Minute(), nil
}

func location(name string) (*time.Location, error) {
	if name == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(name)
}

func daysIn(y int, m time.Month, loc *time.Location) int {
	return time.Date(y, m+1, 0, 0, 0, 0, 0, loc).Day()
}
