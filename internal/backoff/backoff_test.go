package backoff

import (
	"testing"
	"time"
)

func TestLinearIsMonotoneAndCapped(t *testing.T) {
	p := Linear{Base: 30 * time.Minute, Max: 2 * time.Hour}
	prev := time.Duration(0)
	for attempt := 1; attempt <= 10; attempt++ {
		d := p.Delay(attempt)
		if d < prev {
			t.Fatalf("attempt %d: delay %s decreased from %s", attempt, d, prev)
		}
		if d > p.Max {
			t.Fatalf("attempt %d: delay %s exceeds cap", attempt, d)
		}
		prev = d
	}
	if got := p.Delay(1); got != 30*time.Minute {
		t.Fatalf("expected 30m for first attempt, got %s", got)
	}
	if got := p.Delay(10); got != 2*time.Hour {
		t.Fatalf("expected cap for attempt 10, got %s", got)
	}
}

func TestExponentialIsMonotoneAndCapped(t *testing.T) {
	p := Exponential{Base: time.Minute, Max: time.Hour}
	want := []time.Duration{time.Minute, 2 * time.Minute, 4 * time.Minute, 8 * time.Minute}
	for i, w := range want {
		if got := p.Delay(i + 1); got != w {
			t.Fatalf("attempt %d: expected %s, got %s", i+1, w, got)
		}
	}
	if got := p.Delay(200); got != time.Hour {
		t.Fatalf("expected cap on large attempt, got %s", got)
	}
	if got := p.Delay(0); got != time.Minute {
		t.Fatalf("expected base for attempt 0, got %s", got)
	}
}

func TestRetryAtAddsDelay(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	at := RetryAt(Linear{Base: time.Hour, Max: 6 * time.Hour}, now, 2)
	if !at.Equal(now.Add(2 * time.Hour)) {
		t.Fatalf("unexpected retry time %s", at)
	}
}
