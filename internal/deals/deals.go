// Package deals runs dedicated-wallet escrow: every deal gets a freshly
// minted custody wallet whose key material is revealed to the seller only
// once the deal completes.
//
// Flow:
//  1. Either party creates the deal naming the counterparty → created
//  2. The counterparty accepts → awaiting_payment
//  3. Buyer pays into custody (or has the engine transfer it) → payment_confirmed
//  4. Buyer confirms receipt of the goods → buyer_confirmed
//  5. Seller completes with PIN → completed, custody credentials released
//
// Any participant may escalate a non-terminal deal to arbitration.
package deals

import (
	"context"
	"math/big"
	"time"

	"github.com/mbd888/custodia/internal/apperr"
	"github.com/mbd888/custodia/internal/fsm"
	"github.com/mbd888/custodia/internal/usdc"
)

var (
	ErrDealNotFound       = apperr.New(apperr.ErrNotFound, "deal not found")
	ErrNotParticipant     = apperr.New(apperr.ErrAuthorization, "not a participant of this deal")
	ErrWrongRole          = apperr.New(apperr.ErrAuthorization, "your role in this deal cannot perform this action")
	ErrCreatorCannotAct   = apperr.New(apperr.ErrAuthorization, "the deal creator cannot accept their own invitation")
	ErrSelfDeal           = apperr.New(apperr.ErrValidation, "cannot open a deal with yourself")
	ErrInvalidRole        = apperr.New(apperr.ErrValidation, "role must be seller or buyer")
	ErrBelowMinimum       = apperr.New(apperr.ErrValidation, "amount is below the minimum deal size")
	ErrDescriptionTooLong = apperr.New(apperr.ErrValidation, "description must be at most 500 characters")
	ErrPaymentNotSeen     = apperr.New(apperr.ErrChainUnconfirmed, "custody balance does not cover the deal amount yet")
	ErrFundsInCustody     = apperr.New(apperr.ErrStateConflict, "custody wallet already holds funds, open a dispute instead")
	ErrStatusChanged      = apperr.New(apperr.ErrStateConflict, "deal status changed concurrently")
	ErrCredentialsClaimed = apperr.New(apperr.ErrStateConflict, "custody credentials were already released")
)

// Status represents the state of a deal.
type Status string

const (
	StatusCreated             Status = "created"
	StatusAwaitingPayment     Status = "awaiting_payment"
	StatusPaymentConfirmed    Status = "payment_confirmed"
	StatusBuyerConfirmed      Status = "buyer_confirmed"
	StatusCompleted           Status = "completed"
	StatusCancelled           Status = "cancelled"
	StatusInArbitration       Status = "in_arbitration"
	StatusArbitrationResolved Status = "arbitration_resolved"
)

// Transitions is the dedicated deal state table.
var Transitions = fsm.New("deal", map[Status][]Status{
	StatusCreated:          {StatusAwaitingPayment, StatusCancelled, StatusInArbitration},
	StatusAwaitingPayment:  {StatusPaymentConfirmed, StatusCancelled, StatusInArbitration},
	StatusPaymentConfirmed: {StatusBuyerConfirmed, StatusInArbitration},
	StatusBuyerConfirmed:   {StatusCompleted, StatusInArbitration},
	StatusInArbitration: {
		StatusArbitrationResolved, StatusCompleted,
		StatusCreated, StatusAwaitingPayment, StatusPaymentConfirmed, StatusBuyerConfirmed,
	},
}, StatusCompleted, StatusCancelled, StatusArbitrationResolved)

// Role is a participant's side of the deal.
type Role string

const (
	RoleSeller Role = "seller"
	RoleBuyer  Role = "buyer"
)

// Kind labels dedicated deals in cross-engine references.
const Kind = "deal"

// Deal is a dedicated-wallet escrow.
type Deal struct {
	ID                    string     `json:"id"`
	SellerID              string     `json:"sellerId"`
	BuyerID               string     `json:"buyerId"`
	CreatorID             string     `json:"creatorId"`
	CreatorRole           Role       `json:"creatorRole"`
	Amount                string     `json:"amount"`
	Description           string     `json:"description,omitempty"`
	Status                Status     `json:"status"`
	PreDisputeStatus      Status     `json:"preDisputeStatus,omitempty"`
	CustodyAddress        string     `json:"custodyAddress"`
	EncryptedKey          string     `json:"-"`
	EncryptedSeed         string     `json:"-"`
	PaymentNotified       bool       `json:"paymentNotified"`
	BuyerConfirmedPayment bool       `json:"buyerConfirmedPayment"`
	CredentialsReleased   bool       `json:"credentialsReleased"`
	ArbitrationID         string     `json:"arbitrationId,omitempty"`
	CreatedAt             time.Time  `json:"createdAt"`
	UpdatedAt             time.Time  `json:"updatedAt"`
	ClosedAt              *time.Time `json:"closedAt,omitempty"`
}

// IsTerminal returns true if the deal is in a final state.
func (d *Deal) IsTerminal() bool {
	return Transitions.IsTerminal(d.Status)
}

// RoleOf returns userID's role, or "" for outsiders.
func (d *Deal) RoleOf(userID string) Role {
	switch userID {
	case d.SellerID:
		return RoleSeller
	case d.BuyerID:
		return RoleBuyer
	}
	return ""
}

// Counterparty returns the other participant.
func (d *Deal) Counterparty(userID string) string {
	if userID == d.SellerID {
		return d.BuyerID
	}
	return d.SellerID
}

// AmountUnits returns Amount in base units.
func (d *Deal) AmountUnits() *big.Int {
	v, _ := usdc.Parse(d.Amount)
	return v
}

// Credentials is the custody wallet handed to the seller.
type Credentials struct {
	DealID     string `json:"dealId"`
	Address    string `json:"address"`
	PrivateKey string `json:"privateKey"`
	SeedPhrase string `json:"seedPhrase"`
}

// Store persists deals.
type Store interface {
	Create(ctx context.Context, d *Deal) error
	Get(ctx context.Context, id string) (*Deal, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]*Deal, error)
	// Update writes d only if the stored status still equals expected.
	Update(ctx context.Context, d *Deal, expected Status) error
	// ListAwaitingNotification returns payment_confirmed deals whose seller
	// has not been told yet.
	ListAwaitingNotification(ctx context.Context, limit int) ([]*Deal, error)
	// MarkPaymentNotified flips payment_notified false → true. It reports
	// false when another worker got there first.
	MarkPaymentNotified(ctx context.Context, id string) (bool, error)
	// ClaimCredentials flips credentials_released false → true on a
	// completed deal. It reports false when already released.
	ClaimCredentials(ctx context.Context, id string) (bool, error)
}

// CreateRequest contains the parameters for creating a deal.
type CreateRequest struct {
	Counterparty string `json:"counterparty" binding:"required"` // handle
	Role         Role   `json:"role" binding:"required"`         // the creator's role
	Amount       string `json:"amount" binding:"required"`
	Description  string `json:"description"`
}
