package p2p

import (
	"context"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/custodia/internal/ledger"
	"github.com/mbd888/custodia/internal/settlement"
	"github.com/mbd888/custodia/internal/usdc"
)

// MemoryStore is an in-memory P2P store for development and tests. It
// freezes through the ledger store and records payouts through the
// settlement store while holding its own lock, so deal writes and the
// matching ledger writes are never interleaved with another deal write.
type MemoryStore struct {
	orders      map[string]*Order
	deals       map[string]*Deal
	users       ledger.Store
	settlements settlement.Store
	mu          sync.RWMutex
}

// NewMemoryStore creates a new in-memory P2P store.
func NewMemoryStore(users ledger.Store, settlements settlement.Store) *MemoryStore {
	return &MemoryStore{
		orders:      make(map[string]*Order),
		deals:       make(map[string]*Deal),
		users:       users,
		settlements: settlements,
	}
}

func (m *MemoryStore) CreateOrder(ctx context.Context, o *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *o
	m.orders[o.ID] = &cp
	return nil
}

func (m *MemoryStore) GetOrder(ctx context.Context, id string) (*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *MemoryStore) ListOrders(ctx context.Context, f OrderFilter) ([]*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Order
	for _, o := range m.orders {
		if (f.Status != "" && o.Status != f.Status) ||
			(f.Side != "" && o.Side != f.Side) ||
			(f.MakerID != "" && o.MakerID != f.MakerID) {
			continue
		}
		cp := *o
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemoryStore) UpdateOrderStatus(ctx context.Context, id string, expected, to OrderStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[id]
	if !ok {
		return ErrOrderNotFound
	}
	if o.Status != expected {
		return ErrOrderNotActive
	}
	if to == OrderCancelled && m.hasOpenDeal(id) {
		return ErrOrderBusy
	}
	o.Status = to
	o.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) GetDeal(ctx context.Context, id string) (*Deal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.deals[id]
	if !ok {
		return nil, ErrDealNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *MemoryStore) ListDealsByUser(ctx context.Context, userID string, limit int) ([]*Deal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Deal
	for _, d := range m.deals {
		if d.IsParticipant(userID) {
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

func (m *MemoryStore) StartDeal(ctx context.Context, d *Deal, onChain *big.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[d.OrderID]
	if !ok {
		return ErrOrderNotFound
	}
	if o.Status != OrderActive {
		return ErrOrderNotActive
	}
	if m.hasOpenDeal(o.ID) {
		return ErrOrderBusy
	}
	if err := m.users.Freeze(ctx, d.SellerID, d.Amount(), onChain, d.ID); err != nil {
		return err
	}
	cp := *d
	m.deals[d.ID] = &cp
	return nil
}

func (m *MemoryStore) UpdateDeal(ctx context.Context, d *Deal, expected Status) error {
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
	m.deals[d.ID] = &cp
	return nil
}

func (m *MemoryStore) BeginPayout(ctx context.Context, d *Deal, expected Status, rec *settlement.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.deals[d.ID]
	if !ok {
		return ErrDealNotFound
	}
	if cur.Status != expected {
		return ErrStatusChanged
	}
	if err := m.settlements.Begin(ctx, rec); err != nil {
		return err
	}
	cp := *d
	m.deals[d.ID] = &cp
	return nil
}

func (m *MemoryStore) CloseDeal(ctx context.Context, d *Deal, expected Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.deals[d.ID]
	if !ok {
		return ErrDealNotFound
	}
	if cur.Status != expected {
		return ErrStatusChanged
	}
	if err := m.users.Unfreeze(ctx, d.SellerID, d.Amount(), d.ID); err != nil {
		return err
	}
	if d.Status == StatusCompleted {
		if o, ok := m.orders[d.OrderID]; ok {
			drawDown(o, d.Amount())
		}
	}
	cp := *d
	m.deals[d.ID] = &cp
	return nil
}

func (m *MemoryStore) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]*Deal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Deal
	for _, d := range m.deals {
		if d.Status == StatusCreated && d.CreatedAt.Before(cutoff) {
			cp := *d
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Deal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Deal
	for _, d := range m.deals {
		if d.Status == status {
			cp := *d
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) OpenFrozenBySeller(ctx context.Context) (map[string]*big.Int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]*big.Int)
	for _, d := range m.deals {
		if d.IsTerminal() {
			continue
		}
		sum, ok := out[d.SellerID]
		if !ok {
			sum = new(big.Int)
			out[d.SellerID] = sum
		}
		sum.Add(sum, d.Amount())
	}
	return out, nil
}

func (m *MemoryStore) RepairFrozen(ctx context.Context, sellerID string, o *ledger.Override) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	want := new(big.Int)
	for _, d := range m.deals {
		if d.SellerID == sellerID && !d.IsTerminal() {
			want.Add(want, d.Amount())
		}
	}
	u, err := m.users.Get(ctx, sellerID)
	if err != nil {
		return false, err
	}
	if u.Frozen().Cmp(want) == 0 {
		return false, nil
	}
	return true, m.users.SetFrozen(ctx, sellerID, want, o)
}

// hasOpenDeal reports whether any non-terminal deal references the order.
// Caller holds m.mu.
func (m *MemoryStore) hasOpenDeal(orderID string) bool {
	for _, d := range m.deals {
		if d.OrderID == orderID && !d.IsTerminal() {
			return true
		}
	}
	return false
}

// drawDown reduces the order's remaining amount and completes the order
// once no taker could meet its minimum.
func drawDown(o *Order, amount *big.Int) {
	remaining := usdc.SubFloor(units(o.Remaining), amount)
	o.Remaining = usdc.Format(remaining)
	if remaining.Cmp(units(o.MinAmount)) < 0 && !OrderTransitions.IsTerminal(o.Status) {
		o.Status = OrderCompleted
	}
	o.UpdatedAt = time.Now()
}

var _ Store = (*MemoryStore)(nil)
