// Package backoff holds the retry delay policies used by the scheduler and the job queue.
package backoff

import "time"

// Policy maps a 1-based attempt number to the wait before that attempt.
type Policy interface {
	Delay(attempt int) time.Duration
}

// Linear grows by Base per attempt and never exceeds Max.
type Linear struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns Base*attempt capped at Max.
func (l Linear) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := l.Base * time.Duration(attempt)
	if d < 0 || (l.Max > 0 && d > l.Max) {
		return l.Max
	}
	return d
}

// Exponential doubles from Base per attempt and never exceeds Max.
type Exponential struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns Base*2^(attempt-1) capped at Max.
func (e Exponential) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := e.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d <= 0 || (e.Max > 0 && d >= e.Max) {
			return e.Max
		}
	}
	if e.Max > 0 && d > e.Max {
		return e.Max
	}
	return d
}

// RetryAt returns the time of the next attempt.
func RetryAt(p Policy, now time.Time, attempt int) time.Time {
	return now.Add(p.Delay(attempt))
}
