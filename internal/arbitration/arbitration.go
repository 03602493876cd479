// Package arbitration adjudicates disputed deals.
//
// Flow:
//  1. A participant requests arbitration → deal moves to its dispute status
//  2. An arbitrator is assigned
//  3. The arbitrator rules for the seller (no transfer) or the buyer
//     (custody amount sent to the buyer, arbitrator PIN required)
//  4. Cancelling an unresolved arbitration restores the deal's prior status
package arbitration

import (
	"context"
	"time"

	"github.com/mbd888/custodia/internal/apperr"
	"github.com/mbd888/custodia/internal/fsm"
	"github.com/mbd888/custodia/internal/vault"
)

var (
	ErrNotFound           = apperr.New(apperr.ErrNotFound, "arbitration not found")
	ErrOpenExists         = apperr.New(apperr.ErrStateConflict, "an open arbitration already exists for this deal")
	ErrDealTerminal       = apperr.New(apperr.ErrStateConflict, "deal is already closed")
	ErrAlreadyResolved    = apperr.New(apperr.ErrStateConflict, "arbitration already resolved")
	ErrStatusChanged      = apperr.New(apperr.ErrStateConflict, "arbitration changed concurrently, reload and retry")
	ErrNotParticipant     = apperr.New(apperr.ErrAuthorization, "only deal participants can request arbitration")
	ErrNotArbitrator      = apperr.New(apperr.ErrAuthorization, "arbitrator capability required")
	ErrNotAssignee        = apperr.New(apperr.ErrAuthorization, "only the assigned arbitrator can resolve")
	ErrConflictOfInterest = apperr.New(apperr.ErrAuthorization, "a deal participant cannot arbitrate it")
	ErrCannotCancel       = apperr.New(apperr.ErrAuthorization, "not allowed to cancel this arbitration")
	ErrUnknownKind        = apperr.New(apperr.ErrValidation, "unknown deal kind")
	ErrInvalidVerdict     = apperr.New(apperr.ErrValidation, "verdict must be seller, buyer or split")
	ErrMessageTooLong     = apperr.New(apperr.ErrValidation, "message exceeds 2000 characters")
	ErrPINRequired        = apperr.New(apperr.ErrValidation, "pin is required to pay the buyer")
	ErrSplitUnsupported   = apperr.New(apperr.ErrUnsupported, "split verdicts are not supported")
)

// Status represents the state of an arbitration.
type Status string

const (
	StatusPending   Status = "pending"
	StatusAssigned  Status = "assigned"
	StatusResolved  Status = "resolved"
	StatusCancelled Status = "cancelled"
)

// Transitions is the arbitration lifecycle.
var Transitions = fsm.New("arbitration", map[Status][]Status{
	StatusPending:  {StatusAssigned, StatusCancelled},
	StatusAssigned: {StatusResolved, StatusCancelled},
}, StatusResolved, StatusCancelled)

// Verdict is the arbitrator's ruling.
type Verdict string

const (
	VerdictSeller Verdict = "seller"
	VerdictBuyer  Verdict = "buyer"
	VerdictSplit  Verdict = "split"
)

// Arbitration is a dispute over one deal.
type Arbitration struct {
	ID           string     `json:"id"`
	DealKind     string     `json:"dealKind"`
	DealID       string     `json:"dealId"`
	RequesterID  string     `json:"requesterId"`
	Message      string     `json:"message,omitempty"`
	Status       Status     `json:"status"`
	ArbitratorID string     `json:"arbitratorId,omitempty"`
	Verdict      Verdict    `json:"verdict,omitempty"`
	Notes        string     `json:"notes,omitempty"`
	TxHash       string     `json:"txHash,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
	ResolvedAt   *time.Time `json:"resolvedAt,omitempty"`
}

// IsTerminal returns true if the arbitration is in a final state.
func (a *Arbitration) IsTerminal() bool {
	return Transitions.IsTerminal(a.Status)
}

// DealView is what arbitration needs to know about a deal of any kind.
type DealView struct {
	ID       string
	SellerID string
	BuyerID  string
	Amount   string
	Status   string
	Terminal bool

	// ArbitrationID is the dispute the deal is or was held under.
	ArbitrationID string
	// Ruling is the verdict a closed disputed deal was settled by, or "".
	Ruling        Verdict
	TxHash        string
}

// IsParticipant reports whether userID is the seller or the buyer.
func (d *DealView) IsParticipant(userID string) bool {
	return userID == d.SellerID || userID == d.BuyerID
}

// DealGateway is the dispute surface of one deal engine.
type DealGateway interface {
	Lookup(ctx context.Context, id string) (*DealView, error)
	OpenDispute(ctx context.Context, id, arbitrationID string) error
	WithdrawDispute(ctx context.Context, id string) error
	ReleaseToSeller(ctx context.Context, id string) error
	PayBuyer(ctx context.Context, id string, sess *vault.Session) (string, error)
}

// Store persists arbitrations.
type Store interface {
	// Create inserts a pending arbitration, failing with ErrOpenExists when
	// the deal already has a non-terminal one.
	Create(ctx context.Context, a *Arbitration) error
	Get(ctx context.Context, id string) (*Arbitration, error)
	// Update writes a if the stored status still equals expected.
	Update(ctx context.Context, a *Arbitration, expected Status) error
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Arbitration, error)
	ListByDeal(ctx context.Context, kind, dealID string) ([]*Arbitration, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]*Arbitration, error)
}

// RequestRequest opens an arbitration.
type RequestRequest struct {
	DealKind string `json:"dealKind" binding:"required"`
	DealID   string `json:"dealId" binding:"required"`
	Message  string `json:"message"`
}

// AssignRequest names the arbitrator. Empty means the caller.
type AssignRequest struct {
	ArbitratorID string `json:"arbitratorId"`
}

// ResolveRequest carries the ruling.
type ResolveRequest struct {
	Verdict Verdict `json:"verdict" binding:"required"`
	Notes   string  `json:"notes"`
	PIN     string  `json:"pin"`
}
