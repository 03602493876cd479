package deals

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory deal store for development and tests.
type MemoryStore struct {
	deals map[string]*Deal
	mu    sync.RWMutex
}

// NewMemoryStore creates a new in-memory deal store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{deals: make(map[string]*Deal)}
}

func (m *MemoryStore) Create(ctx context.Context, d *Deal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *d
	m.deals[d.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Deal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.deals[id]
	if !ok {
		return nil, ErrDealNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *MemoryStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Deal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Deal
	for _, d := range m.deals {
		if d.SellerID == userID || d.BuyerID == userID {
			cp := *d
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) Update(ctx context.Context, d *Deal, expected Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.deals[d.ID]
	if !ok {
		return ErrDealNotFound
	}
	if cur.Status != expected {
		return ErrStatusChanged
	}
	cp := *d
	// Flags owned by their own compare-and-swap calls are never rolled back
	// by a stale copy.
	cp.PaymentNotified = cp.PaymentNotified || cur.PaymentNotified
	cp.CredentialsReleased = cp.CredentialsReleased || cur.CredentialsReleased
	m.deals[d.ID] = &cp
	return nil
}

func (m *MemoryStore) ListAwaitingNotification(ctx context.Context, limit int) ([]*Deal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Deal
	for _, d := range m.deals {
		if d.Status == StatusPaymentConfirmed && !d.PaymentNotified {
			cp := *d
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) MarkPaymentNotified(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.deals[id]
	if !ok {
		return false, ErrDealNotFound
	}
	if d.PaymentNotified {
		return false, nil
	}
	d.PaymentNotified = true
	return true, nil
}

func (m *MemoryStore) ClaimCredentials(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.deals[id]
	if !ok {
		return false, ErrDealNotFound
	}
	if d.Status != StatusCompleted || d.CredentialsReleased {
		return false, nil
	}
	d.CredentialsReleased = true
	return true, nil
}

var _ Store = (*MemoryStore)(nil)
