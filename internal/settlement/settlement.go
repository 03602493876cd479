// Package settlement records every custody transfer under a unique key
// before it is sent, so a deal is paid out at most once.
//
// A record moves initiated → broadcast once the chain accepted the
// transaction, initiated → aborted when the transfer failed before reaching
// the network, and initiated → unknown when the outcome is ambiguous. Unknown
// records are never retried automatically; an operator resolves them.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/mbd888/custodia/internal/apperr"
	"github.com/mbd888/custodia/internal/chain"
	"github.com/mbd888/custodia/internal/fsm"
	"github.com/mbd888/custodia/internal/logging"
	"github.com/mbd888/custodia/internal/traces"
	"github.com/mbd888/custodia/internal/usdc"
)

var (
	ErrNotFound  = apperr.New(apperr.ErrNotFound, "settlement not found")
	ErrDuplicate = apperr.New(apperr.ErrStateConflict, "a settlement under this key is already in progress or done")
	// ErrOutcomeUnknown is returned when a transfer may have reached the
	// network. The caller must not retry the transfer.
	ErrOutcomeUnknown = apperr.New(apperr.ErrChainUnconfirmed, "transfer outcome unknown, held for reconciliation")
	// ErrAborted is returned when a transfer definitely did not reach the network.
	ErrAborted = apperr.New(apperr.ErrChainUnconfirmed, "transfer was not sent, retry later")
)

// Status is the lifecycle state of a settlement record.
type Status string

const (
	StatusInitiated Status = "initiated"
	StatusBroadcast Status = "broadcast"
	StatusUnknown   Status = "unknown"
	StatusAborted   Status = "aborted"
)

// Transitions is the settlement state table. An aborted key may be
// initiated again.
var Transitions = fsm.New("settlement", map[Status][]Status{
	StatusInitiated: {StatusBroadcast, StatusUnknown, StatusAborted},
	StatusUnknown:   {StatusBroadcast, StatusAborted},
	StatusAborted:   {StatusInitiated},
}, StatusBroadcast)

// Deal kinds.
const (
	KindDedicated = "deal"
	KindP2P       = "p2p"
)

// PayoutKey is shared by the normal P2P payout and a buyer verdict.
func PayoutKey(dealID string) string { return "p2p-payout:" + dealID }

// FundKey guards the buyer → custody transfer of a dedicated deal.
func FundKey(dealID string) string { return "deal-fund:" + dealID }

// RefundKey guards the custody → buyer transfer after a buyer verdict.
func RefundKey(dealID string) string { return "deal-refund:" + dealID }

// Record is one guarded transfer.
type Record struct {
	Key       string    `json:"key"`
	DealKind  string    `json:"dealKind"`
	DealID    string    `json:"dealId"`
	FromAddr  string    `json:"fromAddr"`
	ToAddr    string    `json:"toAddr"`
	Amount    string    `json:"amount"`
	Status    Status    `json:"status"`
	TxHash    string    `json:"txHash,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// IsResolved reports whether no operator action is pending.
func (r *Record) IsResolved() bool {
	return r.Status == StatusBroadcast || r.Status == StatusAborted
}

// Store persists settlement records.
type Store interface {
	// Begin inserts r as initiated. An existing record under the same key
	// is replaced only if it was aborted; otherwise ErrDuplicate.
	Begin(ctx context.Context, r *Record) error
	Get(ctx context.Context, key string) (*Record, error)
	// Transition moves key from one of the allowed statuses to to.
	Transition(ctx context.Context, key string, to Status, txHash, detail string) error
	ListUnresolved(ctx context.Context, limit int) ([]*Record, error)
}

// DefaultStaleAfter bounds how long a transfer may stay initiated. It is well
// past any chain client timeout.
const DefaultStaleAfter = 10 * time.Minute

// Service executes guarded transfers.
type Service struct {
	store      Store
	chain      chain.Client
	logger     *slog.Logger
	staleAfter time.Duration
	now        func() time.Time
}

// NewService creates a settlement service.
func NewService(store Store, client chain.Client) *Service {
	return &Service{
		store:      store,
		chain:      client,
		logger:     slog.Default(),
		staleAfter: DefaultStaleAfter,
		now:        time.Now,
	}
}

// WithStaleAfter overrides DefaultStaleAfter.
func (s *Service) WithStaleAfter(d time.Duration) *Service {
	if d > 0 {
		s.staleAfter = d
	}
	return s
}

// IsStale reports whether r is initiated and has not moved for the stale window.
func (s *Service) IsStale(r *Record) bool {
	return r.Status == StatusInitiated && s.now().Sub(r.UpdatedAt) >= s.staleAfter
}

// WithLogger sets the service logger.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

// Store exposes the record store to engines that begin records inside
// their own transactions.
func (s *Service) Store() Store { return s.store }

// NewRecord builds an initiated record for a transfer.
func NewRecord(key, kind, dealID, from, to string, amount *big.Int) *Record {
	now := time.Now()
	return &Record{
		Key:       key,
		DealKind:  kind,
		DealID:    dealID,
		FromAddr:  from,
		ToAddr:    to,
		Amount:    usdc.Format(amount),
		Status:    StatusInitiated,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Begin records r as initiated.
func (s *Service) Begin(ctx context.Context, r *Record) error {
	return s.store.Begin(ctx, r)
}

// Get returns the record under key.
func (s *Service) Get(ctx context.Context, key string) (*Record, error) {
	return s.store.Get(ctx, key)
}

// ListUnresolved returns initiated and unknown records, oldest first.
func (s *Service) ListUnresolved(ctx context.Context, limit int) ([]*Record, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.store.ListUnresolved(ctx, limit)
}

// Execute sends the transfer for an already-initiated record and records
// the outcome. On a definite pre-broadcast failure the record is aborted
// and ErrAborted is returned; on an ambiguous failure the record is marked
// unknown and ErrOutcomeUnknown is returned.
func (s *Service) Execute(ctx context.Context, r *Record, privateKeyHex string) (*chain.TransferResult, error) {
	amount, ok := usdc.Parse(r.Amount)
	if !ok {
		return nil, fmt.Errorf("settlement %s: corrupt amount %q", r.Key, r.Amount)
	}

	ctx, span := traces.StartSpan(ctx, "settlement.transfer",
		traces.SettlementKey(r.Key), traces.DealKind(r.DealKind), traces.DealID(r.DealID), traces.Amount(r.Amount))
	defer span.End()

	log := logging.L(ctx).With("settlement_key", r.Key, "deal_id", r.DealID)

	res, err := s.chain.Transfer(ctx, privateKeyHex, r.ToAddr, amount)
	if err == nil {
		span.SetAttributes(traces.TxHash(res.TxHash))
		if terr := s.store.Transition(ctx, r.Key, StatusBroadcast, res.TxHash, ""); terr != nil {
			// The transfer is out; a failed bookkeeping write must not be
			// reported as a failed transfer.
			log.Error("settlement broadcast not recorded", "tx_hash", res.TxHash, "error", terr)
		}
		outcomes.WithLabelValues(string(StatusBroadcast)).Inc()
		log.Info("settlement broadcast", "tx_hash", res.TxHash, "amount", r.Amount)
		return res, nil
	}

	traces.Fail(span, err)
	if chain.NotBroadcast(err) {
		if terr := s.store.Transition(ctx, r.Key, StatusAborted, "", err.Error()); terr != nil {
			log.Error("settlement abort not recorded", "error", terr)
		}
		outcomes.WithLabelValues(string(StatusAborted)).Inc()
		log.Warn("settlement aborted before broadcast", "error", err)
		return nil, fmt.Errorf("%w: %v", ErrAborted, err)
	}

	txHash := chain.TxHashOf(err)
	if terr := s.store.Transition(ctx, r.Key, StatusUnknown, txHash, err.Error()); terr != nil {
		log.Error("settlement unknown state not recorded", "error", terr)
	}
	outcomes.WithLabelValues(string(StatusUnknown)).Inc()
	log.Error("settlement outcome unknown", "tx_hash", txHash, "error", err)
	return nil, fmt.Errorf("%w: %v", ErrOutcomeUnknown, err)
}

// Abort marks an initiated record as aborted without sending anything.
// Used when the state change that followed Begin could not be applied.
func (s *Service) Abort(ctx context.Context, key, detail string) error {
	return s.store.Transition(ctx, key, StatusAborted, "", detail)
}

// MarkStale moves stale initiated records to unknown so they surface for an
// operator. It returns how many were moved.
func (s *Service) MarkStale(ctx context.Context, limit int) (int, error) {
	recs, err := s.ListUnresolved(ctx, limit)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, r := range recs {
		if !s.IsStale(r) {
			continue
		}
		detail := "no outcome recorded within " + s.staleAfter.String()
		if err := s.store.Transition(ctx, r.Key, StatusUnknown, "", detail); err != nil {
			// The transfer reported back in the meantime.
			s.logger.Warn("stale settlement not marked", "settlement_key", r.Key, "error", err)
			continue
		}
		outcomes.WithLabelValues(string(StatusUnknown)).Inc()
		s.logger.Warn("stale settlement marked unknown", "settlement_key", r.Key, "deal_id", r.DealID,
			"initiated_at", r.UpdatedAt)
		n++
	}
	return n, nil
}

// Resolve lets an operator settle an unknown or stale initiated record: a
// non-empty txHash marks it broadcast, an empty one marks it aborted.
func (s *Service) Resolve(ctx context.Context, key, txHash, detail string) (*Record, error) {
	r, err := s.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if r.Status != StatusUnknown && !s.IsStale(r) {
		return nil, apperr.New(apperr.ErrStateConflict, "only unknown or stale settlements can be resolved")
	}
	to := StatusAborted
	if txHash != "" {
		to = StatusBroadcast
	}
	if err := s.store.Transition(ctx, key, to, txHash, detail); err != nil {
		return nil, err
	}
	s.logger.Warn("settlement resolved by operator", "settlement_key", key, "from", r.Status, "status", to,
		"tx_hash", txHash, "detail", detail)
	return s.store.Get(ctx, key)
}

// IsDuplicate reports whether err is ErrDuplicate.
func IsDuplicate(err error) bool { return errors.Is(err, ErrDuplicate) }
