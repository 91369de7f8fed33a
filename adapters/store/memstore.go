package store

import (
	"sort"
	"sync"
)

// MemStore is an in-memory Store for tests and ephemeral runs.
type MemStore struct {
	mu         sync.RWMutex
	runs       map[string]*RunSummary
	iterations map[string][]*IterationSummary
}

// NewMemStore returns an empty in-memory index.
func NewMemStore() *MemStore {
	return &MemStore{
		runs:       make(map[string]*RunSummary),
		iterations: make(map[string][]*IterationSummary),
	}
}

func (m *MemStore) UpsertRun(r *RunSummary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.runs[r.RunID] = &cp
	return nil
}

func (m *MemStore) GetRun(runID string) (*RunSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runs[runID]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (m *MemStore) ListRuns(slug string) ([]*RunSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*RunSummary
	for _, r := range m.runs {
		if slug != "" && r.ScopeSlug != slug {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt != out[j].UpdatedAt {
			return out[i].UpdatedAt > out[j].UpdatedAt
		}
		return out[i].RunID > out[j].RunID
	})
	return out, nil
}

func (m *MemStore) UpsertIteration(it *IterationSummary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *it
	list := m.iterations[it.RunID]
	for i, existing := range list {
		if existing.Iteration == it.Iteration {
			list[i] = &cp
			return nil
		}
	}
	m.iterations[it.RunID] = append(list, &cp)
	return nil
}

func (m *MemStore) ListIterations(runID string) ([]*IterationSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*IterationSummary, 0, len(m.iterations[runID]))
	for _, it := range m.iterations[runID] {
		cp := *it
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Iteration < out[j].Iteration })
	return out, nil
}

func (m *MemStore) Close() error { return nil }

var _ Store = (*MemStore)(nil)
