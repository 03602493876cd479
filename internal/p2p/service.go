package p2p

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/custodia/internal/apperr"
	"github.com/mbd888/custodia/internal/chain"
	"github.com/mbd888/custodia/internal/idgen"
	"github.com/mbd888/custodia/internal/ledger"
	"github.com/mbd888/custodia/internal/logging"
	"github.com/mbd888/custodia/internal/metrics"
	"github.com/mbd888/custodia/internal/notify"
	"github.com/mbd888/custodia/internal/settlement"
	"github.com/mbd888/custodia/internal/syncutil"
	"github.com/mbd888/custodia/internal/usdc"
	"github.com/mbd888/custodia/internal/vault"
)

// Users is the part of the ledger the P2P engine needs.
type Users interface {
	Get(ctx context.Context, id string) (*ledger.User, error)
	RequireActive(ctx context.Context, id string) (*ledger.User, error)
	AvailableBalance(ctx context.Context, id string) (*big.Int, error)
	Unlock(ctx context.Context, id, pin string) (*vault.Session, *ledger.User, error)
}

// Service implements order book and P2P deal logic.
type Service struct {
	store       Store
	users       Users
	chain       chain.Client
	settlements *settlement.Service
	notifier    notify.Notifier
	locks       *syncutil.KeyedMutex
	minAmount   *big.Int
	logger      *slog.Logger
}

// NewService creates a new P2P service.
func NewService(store Store, users Users, client chain.Client, settlements *settlement.Service) *Service {
	return &Service{
		store:       store,
		users:       users,
		chain:       client,
		settlements: settlements,
		notifier:    notify.Nop{},
		locks:       syncutil.NewKeyedMutex(),
		minAmount:   usdc.FromWhole(1),
		logger:      slog.Default(),
	}
}

// WithNotifier sets the counterparty notifier.
func (s *Service) WithNotifier(n notify.Notifier) *Service {
	s.notifier = n
	return s
}

// WithLocks shares per-entity locks with the other engines.
func (s *Service) WithLocks(l *syncutil.KeyedMutex) *Service {
	s.locks = l
	return s
}

// WithMinAmount sets the minimum order size.
func (s *Service) WithMinAmount(min *big.Int) *Service {
	s.minAmount = min
	return s
}

// WithLogger sets the service logger.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

// Store returns the underlying store.
func (s *Service) Store() Store { return s.store }

func orderKey(id string) string { return "order:" + id }
func dealKey(id string) string  { return "p2p:" + id }
func userKey(id string) string  { return "user:" + id }

// --- orders ---

// CreateOrder posts a new order for the caller.
func (s *Service) CreateOrder(ctx context.Context, makerID string, req CreateOrderRequest) (*Order, error) {
	if _, err := s.users.RequireActive(ctx, makerID); err != nil {
		return nil, err
	}
	if req.Side != SideBuy && req.Side != SideSell {
		return nil, ErrInvalidSide
	}
	details := strings.TrimSpace(req.PaymentDetails)
	if details == "" {
		return nil, ErrPaymentDetails
	}
	if len(details) > 1000 {
		return nil, ErrDescriptionTooLong
	}
	amount, err := usdc.ParsePositive("amount", req.Amount)
	if err != nil {
		return nil, err
	}
	if amount.Cmp(s.minAmount) < 0 {
		return nil, ErrBelowMinimum
	}
	rate, err := decimal.NewFromString(strings.TrimSpace(req.Rate))
	if err != nil || !rate.IsPositive() {
		return nil, ErrInvalidRate
	}

	min, max := amount, amount
	if req.MinAmount != "" {
		if min, err = usdc.ParsePositive("minAmount", req.MinAmount); err != nil {
			return nil, err
		}
	}
	if req.MaxAmount != "" {
		if max, err = usdc.ParsePositive("maxAmount", req.MaxAmount); err != nil {
			return nil, err
		}
	}
	if min.Cmp(max) > 0 || max.Cmp(amount) > 0 {
		return nil, ErrInvalidLimits
	}

	now := time.Now()
	o := &Order{
		ID:             idgen.WithPrefix(idgen.PrefixOrder),
		MakerID:        makerID,
		Side:           req.Side,
		CryptoAmount:   usdc.Format(amount),
		Remaining:      usdc.Format(amount),
		FiatAmount:     FiatFor(amount, rate).StringFixed(2),
		Rate:           rate.String(),
		Currency:       strings.ToUpper(strings.TrimSpace(req.Currency)),
		MinAmount:      usdc.Format(min),
		MaxAmount:      usdc.Format(max),
		PaymentDetails: details,
		Status:         OrderActive,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.CreateOrder(ctx, o); err != nil {
		return nil, fmt.Errorf("failed to create order: %w", err)
	}
	logging.L(ctx).Info("order created", "order_id", o.ID, "maker_id", makerID, "side", o.Side,
		"amount", o.CryptoAmount, "rate", o.Rate)
	return o, nil
}

// GetOrder returns an order.
func (s *Service) GetOrder(ctx context.Context, id string) (*Order, error) {
	return s.store.GetOrder(ctx, id)
}

// ListOrders returns active orders, optionally by side.
func (s *Service) ListOrders(ctx context.Context, side Side, limit int) ([]*Order, error) {
	if side != "" && side != SideBuy && side != SideSell {
		return nil, ErrInvalidSide
	}
	return s.store.ListOrders(ctx, OrderFilter{Status: OrderActive, Side: side, Limit: clampLimit(limit)})
}

// ListMyOrders returns the caller's orders in any status.
func (s *Service) ListMyOrders(ctx context.Context, makerID string, limit int) ([]*Order, error) {
	return s.store.ListOrders(ctx, OrderFilter{MakerID: makerID, Limit: clampLimit(limit)})
}

// PauseOrder hides an active order from takers.
func (s *Service) PauseOrder(ctx context.Context, makerID, id string) (*Order, error) {
	return s.moveOrder(ctx, makerID, id, OrderActive, OrderPaused)
}

// ResumeOrder re-activates a paused order.
func (s *Service) ResumeOrder(ctx context.Context, makerID, id string) (*Order, error) {
	return s.moveOrder(ctx, makerID, id, OrderPaused, OrderActive)
}

// CancelOrder withdraws an order. Rejected while a deal against it is open.
func (s *Service) CancelOrder(ctx context.Context, makerID, id string) (*Order, error) {
	unlock, err := s.locks.Lock(ctx, orderKey(id))
	if err != nil {
		return nil, err
	}
	defer unlock()

	o, err := s.ownOrder(ctx, makerID, id)
	if err != nil {
		return nil, err
	}
	if err := OrderTransitions.Check(o.Status, OrderCancelled); err != nil {
		return nil, err
	}
	if err := s.store.UpdateOrderStatus(ctx, id, o.Status, OrderCancelled); err != nil {
		return nil, err
	}
	o.Status = OrderCancelled
	logging.L(ctx).Info("order cancelled", "order_id", id)
	return o, nil
}

func (s *Service) moveOrder(ctx context.Context, makerID, id string, from, to OrderStatus) (*Order, error) {
	unlock, err := s.locks.Lock(ctx, orderKey(id))
	if err != nil {
		return nil, err
	}
	defer unlock()

	o, err := s.ownOrder(ctx, makerID, id)
	if err != nil {
		return nil, err
	}
	if o.Status != from {
		return nil, apperr.New(apperr.ErrStateConflict, fmt.Sprintf("order is %s", o.Status))
	}
	if err := s.store.UpdateOrderStatus(ctx, id, from, to); err != nil {
		return nil, err
	}
	o.Status = to
	return o, nil
}

func (s *Service) ownOrder(ctx context.Context, makerID, id string) (*Order, error) {
	o, err := s.store.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.MakerID != makerID {
		return nil, ErrNotMaker
	}
	return o, nil
}

// --- deals ---

// StartDeal takes an order. The seller is the maker of a sell order and the
// taker of a buy order; the deal amount is frozen against the seller.
func (s *Service) StartDeal(ctx context.Context, takerID string, req StartDealRequest) (*Deal, error) {
	o, err := s.store.GetOrder(ctx, req.OrderID)
	if err != nil {
		return nil, err
	}
	if o.Status != OrderActive {
		return nil, ErrOrderNotActive
	}
	if o.MakerID == takerID {
		return nil, ErrOwnOrder
	}
	amount, err := usdc.ParsePositive("amount", req.Amount)
	if err != nil {
		return nil, err
	}
	if _, err := s.users.RequireActive(ctx, takerID); err != nil {
		return nil, err
	}

	sellerID, buyerID := o.MakerID, takerID
	if o.Side == SideBuy {
		sellerID, buyerID = takerID, o.MakerID
	}
	seller, err := s.users.RequireActive(ctx, sellerID)
	if err != nil {
		return nil, err
	}

	unlock, err := s.locks.LockMany(ctx, orderKey(o.ID), userKey(sellerID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	avail, err := s.users.AvailableBalance(ctx, sellerID)
	if err != nil {
		return nil, err
	}
	if avail.Cmp(amount) < 0 {
		return nil, ledger.ErrInsufficientFunds
	}
	min, max := o.Limits()
	if amount.Cmp(min) < 0 || amount.Cmp(max) > 0 {
		return nil, ErrAmountOutOfRange
	}
	onChain, err := s.chain.BalanceOf(ctx, seller.WalletAddress)
	if err != nil {
		return nil, fmt.Errorf("seller balance: %w", err)
	}

	rate, _ := decimal.NewFromString(o.Rate)
	now := time.Now()
	d := &Deal{
		ID:             idgen.WithPrefix(idgen.PrefixP2PDeal),
		OrderID:        o.ID,
		SellerID:       sellerID,
		BuyerID:        buyerID,
		CryptoAmount:   usdc.Format(amount),
		FiatAmount:     FiatFor(amount, rate).StringFixed(2),
		Rate:           o.Rate,
		Currency:       o.Currency,
		PaymentDetails: o.PaymentDetails,
		CustodyAddress: seller.WalletAddress,
		Status:         StatusCreated,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.StartDeal(ctx, d, onChain); err != nil {
		return nil, err
	}
	metrics.RecordTransition(Kind, string(StatusCreated), now, false)

	logging.L(ctx).Info("p2p deal started", "deal_id", d.ID, "order_id", o.ID,
		"seller_id", sellerID, "buyer_id", buyerID, "amount", d.CryptoAmount, "fiat", d.FiatAmount)
	s.notify(ctx, o.MakerID, notify.EventP2PDealStarted, d)
	return d, nil
}

// GetDeal returns a deal visible to actorID.
func (s *Service) GetDeal(ctx context.Context, actorID, id string) (*Deal, error) {
	d, err := s.store.GetDeal(ctx, id)
	if err != nil {
		return nil, err
	}
	if !d.IsParticipant(actorID) {
		return nil, ErrNotParticipant
	}
	return d, nil
}

// ListDeals returns the caller's deals, newest first.
func (s *Service) ListDeals(ctx context.Context, actorID string, limit int) ([]*Deal, error) {
	return s.store.ListDealsByUser(ctx, actorID, clampLimit(limit))
}

// ConfirmDeposit is the seller's PIN-confirmed statement that the pledged
// funds sit in their wallet. No transfer happens: the seller's wallet is
// the custody address, so the live balance must cover the frozen total.
func (s *Service) ConfirmDeposit(ctx context.Context, actorID, id, pin string) (*Deal, error) {
	unlock, err := s.locks.Lock(ctx, dealKey(id))
	if err != nil {
		return nil, err
	}
	defer unlock()

	d, err := s.requireSeller(ctx, actorID, id)
	if err != nil {
		return nil, err
	}
	if err := requireStatus(d, StatusCreated); err != nil {
		return nil, err
	}
	_, seller, err := s.users.Unlock(ctx, actorID, pin)
	if err != nil {
		return nil, err
	}
	onChain, err := s.chain.BalanceOf(ctx, seller.WalletAddress)
	if err != nil {
		return nil, fmt.Errorf("seller balance: %w", err)
	}
	if onChain.Cmp(seller.Frozen()) < 0 {
		return nil, ErrDepositNotSeen
	}

	if err := s.transition(ctx, d, StatusCryptoDeposited, nil); err != nil {
		return nil, err
	}
	s.notify(ctx, d.BuyerID, notify.EventP2PCryptoDeposited, d)
	return d, nil
}

// MarkFiatSent records the buyer's statement that the fiat leg was paid.
func (s *Service) MarkFiatSent(ctx context.Context, actorID, id string) (*Deal, error) {
	unlock, err := s.locks.Lock(ctx, dealKey(id))
	if err != nil {
		return nil, err
	}
	defer unlock()

	d, err := s.GetDeal(ctx, actorID, id)
	if err != nil {
		return nil, err
	}
	if actorID != d.BuyerID {
		return nil, ErrWrongRole
	}
	if err := requireStatus(d, StatusCryptoDeposited); err != nil {
		return nil, err
	}
	if err := s.transition(ctx, d, StatusFiatSent, nil); err != nil {
		return nil, err
	}
	s.notify(ctx, d.SellerID, notify.EventP2PFiatSent, d)
	return d, nil
}

// ConfirmFiatReceived is the irreversible release: the seller confirms the
// fiat arrived and the crypto amount is sent to the buyer. The transfer is
// attempted at most once per deal.
func (s *Service) ConfirmFiatReceived(ctx context.Context, actorID, id, pin string) (*Deal, error) {
	unlock, err := s.locks.LockMany(ctx, dealKey(id), userKey(actorID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	d, err := s.requireSeller(ctx, actorID, id)
	if err != nil {
		return nil, err
	}
	if err := requireStatus(d, StatusFiatSent); err != nil {
		return nil, err
	}
	sess, seller, err := s.users.Unlock(ctx, actorID, pin)
	if err != nil {
		return nil, err
	}
	buyer, err := s.users.Get(ctx, d.BuyerID)
	if err != nil {
		return nil, err
	}
	key, err := ledger.WalletKey(sess, seller)
	if err != nil {
		return nil, fmt.Errorf("decrypt seller wallet: %w", err)
	}

	rec := settlement.NewRecord(settlement.PayoutKey(d.ID), Kind, d.ID, seller.WalletAddress, buyer.WalletAddress, d.Amount())
	next := *d
	next.Status = StatusFiatConfirmed
	next.UpdatedAt = time.Now()
	if err := s.store.BeginPayout(ctx, &next, StatusFiatSent, rec); err != nil {
		if settlement.IsDuplicate(err) {
			return nil, ErrPayoutPending
		}
		return nil, err
	}
	*d = next
	metrics.RecordTransition(Kind, string(StatusFiatConfirmed), d.CreatedAt, false)

	log := logging.L(ctx).With("deal_id", d.ID)
	res, err := s.settlements.Execute(ctx, rec, key)
	switch {
	case err == nil:
	case errors.Is(err, settlement.ErrAborted):
		// Nothing left the wallet; the seller may try again.
		if rerr := s.transition(ctx, d, StatusFiatSent, nil); rerr != nil {
			log.Error("payout aborted but deal not rolled back", "error", rerr)
		}
		return nil, err
	default:
		log.Error("payout outcome unknown, deal held", "error", err)
		s.notify(ctx, d.SellerID, notify.EventP2PPayoutStuck, d)
		s.notify(ctx, d.BuyerID, notify.EventP2PPayoutStuck, d)
		return nil, ErrPayoutPending
	}

	if err := s.close(ctx, d, StatusCompleted, func(d *Deal) { d.TxHash = res.TxHash }); err != nil {
		log.Error("payout broadcast but deal not closed", "tx_hash", res.TxHash, "error", err)
		return nil, err
	}
	log.Info("p2p deal completed", "tx_hash", res.TxHash, "amount", d.CryptoAmount)
	s.notify(ctx, d.BuyerID, notify.EventP2PCompleted, d)
	s.notify(ctx, d.SellerID, notify.EventP2PCompleted, d)
	return d, nil
}

// CancelDeal closes a deal before any money moved and releases the freeze.
func (s *Service) CancelDeal(ctx context.Context, actorID, id string) (*Deal, error) {
	unlock, err := s.locks.Lock(ctx, dealKey(id))
	if err != nil {
		return nil, err
	}
	defer unlock()

	d, err := s.GetDeal(ctx, actorID, id)
	if err != nil {
		return nil, err
	}
	if err := requireStatus(d, StatusCreated, StatusCryptoDeposited); err != nil {
		return nil, err
	}
	if err := s.close(ctx, d, StatusCancelled, nil); err != nil {
		return nil, err
	}
	logging.L(ctx).Info("p2p deal cancelled", "deal_id", d.ID, "by", actorID)
	s.notify(ctx, d.Counterparty(actorID), notify.EventP2PCancelled, d)
	return d, nil
}

// ExpireStale cancels deals left in created since before cutoff.
func (s *Service) ExpireStale(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	stale, err := s.store.ListStale(ctx, cutoff, limit)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, d := range stale {
		if err := s.expire(ctx, d.ID); err != nil {
			s.logger.Warn("failed to expire p2p deal", "deal_id", d.ID, "error", err)
			continue
		}
		n++
	}
	return n, nil
}

func (s *Service) expire(ctx context.Context, id string) error {
	unlock, err := s.locks.Lock(ctx, dealKey(id))
	if err != nil {
		return err
	}
	defer unlock()

	d, err := s.store.GetDeal(ctx, id)
	if err != nil {
		return err
	}
	if err := requireStatus(d, StatusCreated); err != nil {
		return err
	}
	if err := s.close(ctx, d, StatusCancelled, nil); err != nil {
		return err
	}
	s.notify(ctx, d.SellerID, notify.EventP2PCancelled, d)
	s.notify(ctx, d.BuyerID, notify.EventP2PCancelled, d)
	return nil
}

// FinalizeSettled closes fiat_confirmed deals whose payout an operator has
// since resolved: broadcast completes the deal, aborted rolls it back to
// fiat_sent. Unknown payouts are left alone.
func (s *Service) FinalizeSettled(ctx context.Context, limit int) (int, error) {
	held, err := s.store.ListByStatus(ctx, StatusFiatConfirmed, limit)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, d := range held {
		done, err := s.finalize(ctx, d.ID)
		if err != nil {
			s.logger.Warn("failed to finalize p2p payout", "deal_id", d.ID, "error", err)
			continue
		}
		if done {
			n++
		}
	}
	return n, nil
}

func (s *Service) finalize(ctx context.Context, id string) (bool, error) {
	unlock, err := s.locks.Lock(ctx, dealKey(id))
	if err != nil {
		return false, err
	}
	defer unlock()

	d, err := s.store.GetDeal(ctx, id)
	if err != nil {
		return false, err
	}
	if d.Status != StatusFiatConfirmed {
		return false, nil
	}
	rec, err := s.settlements.Get(ctx, settlement.PayoutKey(id))
	if err != nil {
		return false, err
	}
	switch rec.Status {
	case settlement.StatusBroadcast:
		err = s.close(ctx, d, StatusCompleted, func(d *Deal) { d.TxHash = rec.TxHash })
	case settlement.StatusAborted:
		err = s.transition(ctx, d, StatusFiatSent, nil)
	default:
		return false, nil
	}
	if err != nil {
		return false, err
	}
	s.logger.Info("p2p payout finalized", "deal_id", id, "settlement", rec.Status, "tx_hash", rec.TxHash)
	return true, nil
}

// OpenFrozenBySeller sums open deal amounts per seller.
func (s *Service) OpenFrozenBySeller(ctx context.Context) (map[string]*big.Int, error) {
	return s.store.OpenFrozenBySeller(ctx)
}

// RepairFrozen overwrites userID's frozen total with the sum of their open
// deals, recorded as an override by actorID. Deals closing concurrently are
// either counted or applied after the overwrite, never lost.
func (s *Service) RepairFrozen(ctx context.Context, actorID, userID, reason string) (bool, error) {
	o, err := ledger.NewRepairOverride(actorID, userID, reason)
	if err != nil {
		return false, err
	}
	changed, err := s.store.RepairFrozen(ctx, userID, o)
	if err != nil || !changed {
		return false, err
	}
	s.logger.Warn("frozen amount repaired", "actor_id", actorID, "user_id", userID,
		"before", o.Before, "after", o.After, "reason", reason)
	return true, nil
}

func (s *Service) requireSeller(ctx context.Context, actorID, id string) (*Deal, error) {
	d, err := s.GetDeal(ctx, actorID, id)
	if err != nil {
		return nil, err
	}
	if !d.IsSeller(actorID) {
		return nil, ErrWrongRole
	}
	return d, nil
}

// transition moves d to a non-terminal status with a compare-and-swap.
func (s *Service) transition(ctx context.Context, d *Deal, to Status, mutate func(*Deal)) error {
	from := d.Status
	if err := Transitions.Check(from, to); err != nil {
		return err
	}
	next := *d
	next.Status = to
	next.UpdatedAt = time.Now()
	if mutate != nil {
		mutate(&next)
	}
	if err := s.store.UpdateDeal(ctx, &next, from); err != nil {
		return err
	}
	*d = next
	metrics.RecordTransition(Kind, string(to), d.CreatedAt, false)
	return nil
}

// close moves d to completed or cancelled, releasing the freeze in the same
// store transaction.
func (s *Service) close(ctx context.Context, d *Deal, to Status, mutate func(*Deal)) error {
	from := d.Status
	if err := Transitions.Check(from, to); err != nil {
		return err
	}
	next := *d
	next.Status = to
	next.UpdatedAt = time.Now()
	closed := next.UpdatedAt
	next.ClosedAt = &closed
	if mutate != nil {
		mutate(&next)
	}
	if err := s.store.CloseDeal(ctx, &next, from); err != nil {
		return err
	}
	*d = next
	metrics.RecordTransition(Kind, string(to), d.CreatedAt, true)
	return nil
}

func (s *Service) notify(ctx context.Context, userID string, event notify.EventType, d *Deal) {
	s.notifier.Notify(ctx, userID, event, Kind, d.ID, map[string]any{
		"amount":   d.CryptoAmount,
		"fiat":     d.FiatAmount,
		"currency": d.Currency,
		"status":   string(d.Status),
	})
}

func requireStatus(d *Deal, allowed ...Status) error {
	for _, st := range allowed {
		if d.Status == st {
			return nil
		}
	}
	return apperr.New(apperr.ErrStateConflict, fmt.Sprintf("deal is %s", d.Status))
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > 200 {
		return 50
	}
	return limit
}
