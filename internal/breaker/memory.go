package breaker

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	state      State
	failures   int
	openedAt   time.Time
	trialSince time.Time
	trial      bool
}

// MemoryState keeps breaker state in process memory. Each instance has its own view.
type MemoryState struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
}

// NewMemoryState returns an empty in-process backend.
func NewMemoryState() *MemoryState {
	return &MemoryState{entries: make(map[string]*memoryEntry)}
}

func (m *MemoryState) entry(name string) *memoryEntry {
	e, ok := m.entries[name]
	if !ok {
		e = &memoryEntry{state: StateClosed}
		m.entries[name] = e
	}
	return e
}

func (m *MemoryState) Allow(_ context.Context, name string, now time.Time, cooldown time.Duration) (Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entry(name)
	from := e.state

	switch e.state {
	case StateClosed:
		return Decision{Allowed: true, From: from, To: from}, nil
	case StateOpen:
		if now.Sub(e.openedAt) < cooldown {
			return Decision{From: from, To: from}, nil
		}
		e.state = StateHalfOpen
		e.trial = false
	}

	// A trial that never reported back is abandoned after one cool-down.
	if e.trial && now.Sub(e.trialSince) < cooldown {
		return Decision{From: from, To: e.state}, nil
	}
	e.trial = true
	e.trialSince = now
	return Decision{Allowed: true, Trial: true, From: from, To: e.state}, nil
}

func (m *MemoryState) Record(_ context.Context, name string, success, trial bool, now time.Time, threshold int, _ time.Duration) (Transition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entry(name)
	from := e.state

	if trial {
		e.trial = false
		if success {
			e.state = StateClosed
			e.failures = 0
			e.openedAt = time.Time{}
		} else {
			e.state = StateOpen
			e.openedAt = now
		}
		return Transition{From: from, To: e.state, Failures: e.failures}, nil
	}

	// Results of calls admitted before the breaker opened do not move it.
	if e.state != StateClosed {
		return Transition{From: from, To: from, Failures: e.failures}, nil
	}
	if success {
		e.failures = 0
		return Transition{From: from, To: from}, nil
	}
	e.failures++
	if e.failures >= threshold {
		e.state = StateOpen
		e.openedAt = now
	}
	return Transition{From: from, To: e.state, Failures: e.failures}, nil
}

func (m *MemoryState) Load(_ context.Context, name string) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entry(name)
	return Snapshot{State: e.state, Failures: e.failures, OpenedAt: e.openedAt}, nil
}
