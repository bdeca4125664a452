package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"skiff/api/model"
)

// Memory is a RunStore for servers started without a database. It keeps
// the most recent runs only.
type Memory struct {
	mu   sync.RWMutex
	runs map[string]*model.Run
	cap  int
}

func NewMemory(capacity int) *Memory {
	if capacity <= 0 {
		capacity = 500
	}
	return &Memory{runs: map[string]*model.Run{}, cap: capacity}
}

func (m *Memory) InsertRun(ctx context.Context, r *model.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[r.ID]; ok {
		return fmt.Errorf("run %s already exists", r.ID)
	}
	cp := *r
	m.runs[r.ID] = &cp
	m.evict()
	return nil
}

func (m *Memory) UpdateRun(ctx context.Context, r *model.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[r.ID]; !ok {
		return fmt.Errorf("run %s not found", r.ID)
	}
	cp := *r
	m.runs[r.ID] = &cp
	return nil
}

func (m *Memory) GetRun(ctx context.Context, id string) (*model.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (m *Memory) ListRuns(ctx context.Context, f RunFilter) ([]model.Run, int, error) {
	m.mu.RLock()
	var all []model.Run
	for _, r := range m.runs {
		if f.Workflow != "" && r.Workflow != f.Workflow {
			continue
		}
		if f.Status != "" && string(r.Status) != f.Status {
			continue
		}
		all = append(all, *r)
	}
	m.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool { return all[i].StartedAt.After(all[j].StartedAt) })
	total := len(all)
	if f.Offset >= total {
		return nil, total, nil
	}
	all = all[f.Offset:]
	if len(all) > f.limit() {
		all = all[:f.limit()]
	}
	return all, total, nil
}

// evict drops the oldest finished runs beyond capacity. Caller holds mu.
func (m *Memory) evict() {
	if len(m.runs) <= m.cap {
		return
	}
	var finished []*model.Run
	for _, r := range m.runs {
		if r.Finished() {
			finished = append(finished, r)
		}
	}
	sort.Slice(finished, func(i, j int) bool { return finished[i].StartedAt.Before(finished[j].StartedAt) })
	for _, r := range finished {
		if len(m.runs) <= m.cap {
			return
		}
		delete(m.runs, r.ID)
	}
}
