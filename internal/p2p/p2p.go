// Package p2p implements the order book and ledger-frozen deals.
//
// A maker posts an order to buy or sell the stable token for fiat. A taker
// starts a deal against it; the seller's own wallet is the custody address
// and the deal amount is frozen against the seller in the same transaction
// that inserts the deal. The fiat leg happens off-platform. Once the seller
// confirms fiat receipt, the crypto amount is transferred to the buyer
// exactly once under the settlement key p2p-payout:<deal id>.
package p2p

import (
	"context"
	"math/big"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/custodia/internal/apperr"
	"github.com/mbd888/custodia/internal/fsm"
	"github.com/mbd888/custodia/internal/ledger"
	"github.com/mbd888/custodia/internal/settlement"
	"github.com/mbd888/custodia/internal/usdc"
)

var (
	ErrOrderNotFound      = apperr.New(apperr.ErrNotFound, "order not found")
	ErrDealNotFound       = apperr.New(apperr.ErrNotFound, "p2p deal not found")
	ErrNotMaker           = apperr.New(apperr.ErrAuthorization, "only the order maker can do this")
	ErrNotParticipant     = apperr.New(apperr.ErrAuthorization, "not a participant of this deal")
	ErrWrongRole          = apperr.New(apperr.ErrAuthorization, "your role in this deal cannot perform this action")
	ErrOwnOrder           = apperr.New(apperr.ErrValidation, "cannot take your own order")
	ErrInvalidSide        = apperr.New(apperr.ErrValidation, "side must be buy or sell")
	ErrPaymentDetails     = apperr.New(apperr.ErrValidation, "payment instructions are required")
	ErrBelowMinimum       = apperr.New(apperr.ErrValidation, "amount is below the platform minimum")
	ErrInvalidRate        = apperr.New(apperr.ErrValidation, "rate must be a positive number")
	ErrInvalidLimits      = apperr.New(apperr.ErrValidation, "limits must satisfy 0 < min ≤ max ≤ amount")
	ErrAmountOutOfRange   = apperr.New(apperr.ErrValidation, "amount is outside the order limits")
	ErrOrderNotActive     = apperr.New(apperr.ErrStateConflict, "order is not active")
	ErrOrderBusy          = apperr.New(apperr.ErrStateConflict, "order already has an open deal")
	ErrStatusChanged      = apperr.New(apperr.ErrStateConflict, "deal status changed concurrently")
	ErrDepositNotSeen     = apperr.New(apperr.ErrChainUnconfirmed, "seller wallet does not cover the frozen amount")
	ErrPayoutPending      = apperr.New(apperr.ErrChainUnconfirmed, "payout outcome unknown, held for reconciliation")
	ErrPayoutAlreadySent  = apperr.New(apperr.ErrStateConflict, "the buyer has already been paid for this deal")
	ErrDescriptionTooLong = apperr.New(apperr.ErrValidation, "payment instructions must be at most 1000 characters")
)

// Side is the maker's side of an order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	OrderActive    OrderStatus = "active"
	OrderPaused    OrderStatus = "paused"
	OrderCompleted OrderStatus = "completed"
	OrderCancelled OrderStatus = "cancelled"
)

// OrderTransitions is the order state table.
var OrderTransitions = fsm.New("order", map[OrderStatus][]OrderStatus{
	OrderActive: {OrderPaused, OrderCompleted, OrderCancelled},
	OrderPaused: {OrderActive, OrderCompleted, OrderCancelled},
}, OrderCompleted, OrderCancelled)

// Status is the lifecycle state of a P2P deal.
type Status string

const (
	StatusCreated         Status = "created"
	StatusCryptoDeposited Status = "crypto_deposited"
	StatusFiatSent        Status = "fiat_sent"
	// StatusFiatConfirmed means the payout was initiated.
	StatusFiatConfirmed Status = "fiat_confirmed"
	StatusCompleted     Status = "completed"
	StatusCancelled     Status = "cancelled"
	StatusDisputed      Status = "disputed"
)

// Transitions is the P2P deal state table. fiat_confirmed → fiat_sent is
// the rollback after a payout that never reached the network.
var Transitions = fsm.New("p2p deal", map[Status][]Status{
	StatusCreated:         {StatusCryptoDeposited, StatusCancelled, StatusDisputed},
	StatusCryptoDeposited: {StatusFiatSent, StatusCancelled, StatusDisputed},
	StatusFiatSent:        {StatusFiatConfirmed, StatusDisputed},
	StatusFiatConfirmed:   {StatusCompleted, StatusFiatSent, StatusDisputed},
	StatusDisputed: {
		StatusCompleted, StatusCancelled,
		StatusCreated, StatusCryptoDeposited, StatusFiatSent, StatusFiatConfirmed,
	},
}, StatusCompleted, StatusCancelled)

// Kind labels P2P deals in cross-engine references.
const Kind = settlement.KindP2P

// Order is a maker's standing offer.
type Order struct {
	ID             string      `json:"id"`
	MakerID        string      `json:"makerId"`
	Side           Side        `json:"side"`
	CryptoAmount   string      `json:"cryptoAmount"`
	Remaining      string      `json:"remaining"`
	FiatAmount     string      `json:"fiatAmount"`
	Rate           string      `json:"rate"`
	Currency       string      `json:"currency"`
	MinAmount      string      `json:"minAmount"`
	MaxAmount      string      `json:"maxAmount"`
	PaymentDetails string      `json:"paymentDetails"`
	Status         OrderStatus `json:"status"`
	CreatedAt      time.Time   `json:"createdAt"`
	UpdatedAt      time.Time   `json:"updatedAt"`
}

// Limits returns the amount range a taker may request right now.
func (o *Order) Limits() (min, max *big.Int) {
	min = units(o.MinAmount)
	max = usdc.Min(units(o.MaxAmount), units(o.Remaining))
	return min, max
}

// Deal is a ledger-frozen trade against an order.
type Deal struct {
	ID               string     `json:"id"`
	OrderID          string     `json:"orderId"`
	SellerID         string     `json:"sellerId"`
	BuyerID          string     `json:"buyerId"`
	CryptoAmount     string     `json:"cryptoAmount"`
	FiatAmount       string     `json:"fiatAmount"`
	Rate             string     `json:"rate"`
	Currency         string     `json:"currency"`
	PaymentDetails   string     `json:"paymentDetails"`
	CustodyAddress   string     `json:"custodyAddress"`
	Status           Status     `json:"status"`
	PreDisputeStatus Status     `json:"preDisputeStatus,omitempty"`
	ArbitrationID    string     `json:"arbitrationId,omitempty"`
	TxHash           string     `json:"txHash,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
	ClosedAt         *time.Time `json:"closedAt,omitempty"`
}

// IsTerminal returns true if the deal is closed and its freeze released.
func (d *Deal) IsTerminal() bool {
	return Transitions.IsTerminal(d.Status)
}

// IsSeller reports whether userID is the seller.
func (d *Deal) IsSeller(userID string) bool { return userID == d.SellerID }

// IsParticipant reports whether userID is the seller or the buyer.
func (d *Deal) IsParticipant(userID string) bool {
	return userID == d.SellerID || userID == d.BuyerID
}

// Counterparty returns the other participant.
func (d *Deal) Counterparty(userID string) string {
	if userID == d.SellerID {
		return d.BuyerID
	}
	return d.SellerID
}

// Amount returns CryptoAmount in base units.
func (d *Deal) Amount() *big.Int { return units(d.CryptoAmount) }

func units(s string) *big.Int {
	if v, ok := usdc.Parse(s); ok {
		return v
	}
	return new(big.Int)
}

// FiatFor prices a crypto amount at rate, rounded to cents.
func FiatFor(amount *big.Int, rate decimal.Decimal) decimal.Decimal {
	crypto := decimal.NewFromBigInt(amount, -usdc.Decimals)
	return crypto.Mul(rate).Round(2)
}

// Store persists orders and deals. Operations that touch the seller's
// frozen total do so in the same transaction as the deal write.
type Store interface {
	CreateOrder(ctx context.Context, o *Order) error
	GetOrder(ctx context.Context, id string) (*Order, error)
	// ListOrders returns orders with the given status, optionally filtered
	// by side and maker, oldest first.
	ListOrders(ctx context.Context, filter OrderFilter) ([]*Order, error)
	// UpdateOrderStatus is a compare-and-swap on the order status.
	// Cancelling fails with ErrOrderBusy while a deal is open.
	UpdateOrderStatus(ctx context.Context, id string, expected, to OrderStatus) error

	GetDeal(ctx context.Context, id string) (*Deal, error)
	ListDealsByUser(ctx context.Context, userID string, limit int) ([]*Deal, error)
	// StartDeal locks the seller's ledger row, freezes d's amount provided
	// onChain − frozen covers it, checks the order is active with no open
	// deal, and inserts d. All or nothing.
	StartDeal(ctx context.Context, d *Deal, onChain *big.Int) error
	// UpdateDeal writes d only if the stored status still equals expected.
	UpdateDeal(ctx context.Context, d *Deal, expected Status) error
	// BeginPayout moves d from expected to fiat_confirmed and records the
	// payout settlement in one transaction. A live settlement under the
	// same key fails with settlement.ErrDuplicate and changes nothing.
	BeginPayout(ctx context.Context, d *Deal, expected Status, rec *settlement.Record) error
	// CloseDeal writes the terminal d (completed or cancelled), releases the
	// seller's freeze and, on completion, draws down the order. All or
	// nothing.
	CloseDeal(ctx context.Context, d *Deal, expected Status) error
	// ListStale returns deals still in created that were opened before cutoff.
	ListStale(ctx context.Context, cutoff time.Time, limit int) ([]*Deal, error)
	// ListByStatus returns deals in the given status, oldest first.
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Deal, error)
	// OpenFrozenBySeller sums the amounts of every open deal per seller.
	OpenFrozenBySeller(ctx context.Context) (map[string]*big.Int, error)
	// RepairFrozen recomputes the seller's open-deal sum while holding the
	// seller's ledger row and, if the frozen total differs, overwrites it
	// and records o. It reports whether anything was written.
	RepairFrozen(ctx context.Context, sellerID string, o *ledger.Override) (bool, error)
}

// OrderFilter narrows ListOrders.
type OrderFilter struct {
	Status  OrderStatus
	Side    Side
	MakerID string
	Limit   int
}

// CreateOrderRequest contains the parameters for posting an order.
type CreateOrderRequest struct {
	Side           Side   `json:"side" binding:"required"`
	Amount         string `json:"amount" binding:"required"`
	Rate           string `json:"rate" binding:"required"`
	Currency       string `json:"currency"`
	MinAmount      string `json:"minAmount"`
	MaxAmount      string `json:"maxAmount"`
	PaymentDetails string `json:"paymentDetails"`
}

// StartDealRequest contains the parameters for taking an order.
type StartDealRequest struct {
	OrderID string `json:"orderId" binding:"required"`
	Amount  string `json:"amount" binding:"required"`
}
