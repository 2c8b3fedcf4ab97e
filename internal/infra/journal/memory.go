package journal

import (
	"context"
	"sync"

	"github.com/vietddude/keeper/internal/core/domain"
)

// Memory keeps entries in memory. Used by tests and dry runs.
type Memory struct {
	mu      sync.Mutex
	entries []Entry
}

// NewMemory creates an empty in-memory journal.
func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Record(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

func (m *Memory) Close() error { return nil }

// Entries returns a copy of all recorded entries.
func (m *Memory) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Entry(nil), m.entries...)
}

// For returns the events recorded for one subscription, in order.
func (m *Memory) For(id domain.SubscriptionID) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Event
	for _, e := range m.entries {
		if e.SubscriptionID == id {
			out = append(out, e.Event)
		}
	}
	return out
}
