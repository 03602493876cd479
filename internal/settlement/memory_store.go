package settlement

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory settlement store for development and tests.
type MemoryStore struct {
	records map[string]*Record
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory settlement store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

func (m *MemoryStore) Begin(ctx context.Context, r *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.records[r.Key]; ok && existing.Status != StatusAborted {
		return ErrDuplicate
	}
	cp := *r
	cp.Status = StatusInitiated
	m.records[r.Key] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, key string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.records[key]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) Transition(ctx context.Context, key string, to Status, txHash, detail string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[key]
	if !ok {
		return ErrNotFound
	}
	if err := Transitions.Check(r.Status, to); err != nil {
		return err
	}
	r.Status = to
	if txHash != "" {
		r.TxHash = txHash
	}
	r.Detail = detail
	r.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) ListUnresolved(ctx context.Context, limit int) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Record
	for _, r := range m.records {
		if !r.IsResolved() {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
