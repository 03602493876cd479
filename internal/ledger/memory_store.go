package ledger

import (
	"context"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/custodia/internal/idgen"
	"github.com/mbd888/custodia/internal/usdc"
)

// MemoryStore is an in-memory ledger store for development and tests.
type MemoryStore struct {
	users     map[string]*User
	handles   map[string]string
	events    []*Event
	overrides []*Override
	mu        sync.RWMutex
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:   make(map[string]*User),
		handles: make(map[string]string),
	}
}

func (m *MemoryStore) Create(ctx context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.users[u.ID]; ok {
		return ErrUserExists
	}
	if _, ok := m.handles[u.Handle]; ok {
		return ErrHandleTaken
	}
	cp := *u
	if cp.FrozenAmount == "" {
		cp.FrozenAmount = usdc.Format(new(big.Int))
	}
	m.users[u.ID] = &cp
	m.handles[u.Handle] = u.ID
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *MemoryStore) GetByHandle(ctx context.Context, handle string) (*User, error) {
	m.mu.RLock()
	id, ok := m.handles[handle]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrUserNotFound
	}
	return m.Get(ctx, id)
}

func (m *MemoryStore) List(ctx context.Context, limit int) ([]*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*User, 0, len(m.users))
	for _, u := range m.users {
		cp := *u
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListFrozen(ctx context.Context) (map[string]*big.Int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]*big.Int)
	for id, u := range m.users {
		if f := u.Frozen(); f.Sign() > 0 {
			out[id] = f
		}
	}
	return out, nil
}

func (m *MemoryStore) UpdatePINHash(ctx context.Context, id, pinHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[id]
	if !ok {
		return ErrUserNotFound
	}
	u.PINHash = pinHash
	u.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) Freeze(ctx context.Context, id string, amount, onChain *big.Int, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[id]
	if !ok {
		return ErrUserNotFound
	}
	frozen := u.Frozen()
	if usdc.SubFloor(onChain, frozen).Cmp(amount) < 0 {
		return ErrInsufficientFunds
	}
	u.FrozenAmount = usdc.Format(new(big.Int).Add(frozen, amount))
	u.UpdatedAt = time.Now()
	m.appendEvent(id, EventFreeze, amount, reference)
	return nil
}

func (m *MemoryStore) Unfreeze(ctx context.Context, id string, amount *big.Int, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[id]
	if !ok {
		return ErrUserNotFound
	}
	u.FrozenAmount = usdc.Format(usdc.SubFloor(u.Frozen(), amount))
	u.UpdatedAt = time.Now()
	m.appendEvent(id, EventUnfreeze, amount, reference)
	return nil
}

// SetFrozen overwrites a user's frozen total, recording a repair event and an override.
func (m *MemoryStore) SetFrozen(ctx context.Context, id string, amount *big.Int, o *Override) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[id]
	if !ok {
		return ErrUserNotFound
	}
	o.Before = u.FrozenAmount
	u.FrozenAmount = usdc.Format(amount)
	u.UpdatedAt = time.Now()
	o.After = u.FrozenAmount
	m.appendEvent(id, EventRepair, amount, o.Reason)
	m.appendOverride(o)
	return nil
}

func (m *MemoryStore) SetFlag(ctx context.Context, id string, flag Flag, value bool, o *Override) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[id]
	if !ok {
		return ErrUserNotFound
	}
	switch flag {
	case FlagBlocked:
		o.Before = flagString(flag, u.IsBlocked)
		u.IsBlocked = value
	case FlagArbitrator:
		o.Before = flagString(flag, u.IsArbitrator)
		u.IsArbitrator = value
	}
	u.UpdatedAt = time.Now()
	m.appendOverride(o)
	return nil
}

func (m *MemoryStore) ListEvents(ctx context.Context, userID string, limit int) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Event
	for i := len(m.events) - 1; i >= 0 && len(out) < limit; i-- {
		if m.events[i].UserID == userID {
			cp := *m.events[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) ListOverrides(ctx context.Context, limit int) ([]*Override, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Override
	for i := len(m.overrides) - 1; i >= 0 && len(out) < limit; i-- {
		cp := *m.overrides[i]
		out = append(out, &cp)
	}
	return out, nil
}

// caller holds m.mu
func (m *MemoryStore) appendEvent(userID string, kind EventKind, amount *big.Int, reference string) {
	m.events = append(m.events, &Event{
		ID:        idgen.WithPrefix(idgen.PrefixEvent),
		UserID:    userID,
		Kind:      kind,
		Amount:    usdc.Format(amount),
		Reference: reference,
		CreatedAt: time.Now(),
	})
}

// caller holds m.mu
func (m *MemoryStore) appendOverride(o *Override) {
	o.ID = idgen.WithPrefix(idgen.PrefixOverride)
	o.CreatedAt = time.Now()
	cp := *o
	m.overrides = append(m.overrides, &cp)
}

func flagString(flag Flag, v bool) string {
	if v {
		return string(flag) + "=true"
	}
	return string(flag) + "=false"
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
