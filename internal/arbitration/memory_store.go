package arbitration

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory arbitration store for development and tests.
type MemoryStore struct {
	arbitrations map[string]*Arbitration
	mu           sync.RWMutex
}

// NewMemoryStore creates a new in-memory arbitration store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{arbitrations: make(map[string]*Arbitration)}
}

func (m *MemoryStore) Create(ctx context.Context, a *Arbitration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, cur := range m.arbitrations {
		if cur.DealKind == a.DealKind && cur.DealID == a.DealID && !cur.IsTerminal() {
			return ErrOpenExists
		}
	}
	cp := *a
	m.arbitrations[a.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Arbitration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.arbitrations[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) Update(ctx context.Context, a *Arbitration, expected Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.arbitrations[a.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Status != expected {
		return ErrStatusChanged
	}
	cp := *a
	m.arbitrations[a.ID] = &cp
	return nil
}

func (m *MemoryStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Arbitration, error) {
	return m.list(limit, func(a *Arbitration) bool { return a.Status == status }, false), nil
}

func (m *MemoryStore) ListByDeal(ctx context.Context, kind, dealID string) ([]*Arbitration, error) {
	return m.list(0, func(a *Arbitration) bool { return a.DealKind == kind && a.DealID == dealID }, true), nil
}

func (m *MemoryStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Arbitration, error) {
	return m.list(limit, func(a *Arbitration) bool { return a.RequesterID == userID || a.ArbitratorID == userID }, true), nil
}

// list returns matches oldest first (queue order) or newest first.
func (m *MemoryStore) list(limit int, match func(*Arbitration) bool, newestFirst bool) []*Arbitration {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Arbitration
	for _, a := range m.arbitrations {
		if match(a) {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if newestFirst {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

var _ Store = (*MemoryStore)(nil)
