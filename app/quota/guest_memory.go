package quota

import (
	"context"
	"sync"
)

// MemoryGuestCounter keeps guest counts in process memory. Counts live for
// the process lifetime only and are not shared between server instances.
type MemoryGuestCounter struct {
	mu     sync.Mutex
	period string
	counts map[string]int
}

func NewMemoryGuestCounter() *MemoryGuestCounter {
	return &MemoryGuestCounter{counts: make(map[string]int)}
}

func (m *MemoryGuestCounter) GuestCount(_ context.Context, period, addr string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if period != m.period {
		return 0, nil
	}
	return m.counts[addr], nil
}

// IncrementGuest drops every count from an older period on rollover. A
// stale period counts toward the current one.
func (m *MemoryGuestCounter) IncrementGuest(_ context.Context, period, addr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if period != m.period && !StalePeriod(period, m.period) {
		m.period = period
		m.counts = make(map[string]int)
	}
	m.counts[addr]++
	return nil
}

// Len returns the number of tracked addresses.
func (m *MemoryGuestCounter) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.counts)
}
