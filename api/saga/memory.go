package saga

import (
	"context"
	"sync"
)

const memoryCap = 10000

// MemoryStore keeps the most recent events in process. Used when no
// database is configured.
type MemoryStore struct {
	mu     sync.RWMutex
	events []Event
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Append(ctx context.Context, evt *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, *evt)
	if len(m.events) > memoryCap {
		m.events = append([]Event(nil), m.events[len(m.events)-memoryCap:]...)
	}
	return nil
}

func (m *MemoryStore) ListBySaga(ctx context.Context, sagaID string) ([]Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Event
	for _, e := range m.events {
		if e.SagaID == sagaID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *MemoryStore) ListByStep(ctx context.Context, sagaID, step string) ([]Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Event
	for i := range m.events {
		if e := &m.events[i]; e.SagaID == sagaID && step != "" && e.Step() == step {
			out = append(out, *e)
		}
	}
	return out, nil
}

func (m *MemoryStore) ListByWorkflow(ctx context.Context, workflow string, limit int) ([]Event, error) {
	return m.newest(limit, func(e Event) bool { return e.Workflow == workflow }), nil
}

func (m *MemoryStore) ListRecent(ctx context.Context, limit int) ([]Event, error) {
	return m.newest(limit, func(Event) bool { return true }), nil
}

func (m *MemoryStore) newest(limit int, keep func(Event) bool) []Event {
	limit = clampLimit(limit)
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Event
	for i := len(m.events) - 1; i >= 0 && len(out) < limit; i-- {
		if keep(m.events[i]) {
			out = append(out, m.events[i])
		}
	}
	return out
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	return limit
}
