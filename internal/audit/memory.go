package audit

import (
	"context"
	"sync"
)

// Memory keeps entries in process. It is used in development and tests.
type Memory struct {
	mu      sync.RWMutex
	entries []Entry
}

// NewMemory returns an empty in-memory sink.
func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Name() string { return "memory" }

func (m *Memory) Write(_ context.Context, e Entry) error {
	m.mu.Lock()
	m.entries = append(m.entries, e)
	m.mu.Unlock()
	return nil
}

// Query scans entries newest first.
func (m *Memory) Query(_ context.Context, f Filter) ([]Entry, error) {
	f = f.Normalize()
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Entry, 0, f.Limit)
	for i := len(m.entries) - 1; i >= 0 && len(out) < f.Limit; i-- {
		if f.Match(m.entries[i]) {
			out = append(out, m.entries[i])
		}
	}
	return out, nil
}

// Entries returns a copy of everything written, oldest first.
func (m *Memory) Entries() []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Entry, len(m.entries))
	copy(out, m.entries)
	return out
}
