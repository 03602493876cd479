package arbitration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/custodia/internal/idgen"
	"github.com/mbd888/custodia/internal/ledger"
	"github.com/mbd888/custodia/internal/logging"
	"github.com/mbd888/custodia/internal/metrics"
	"github.com/mbd888/custodia/internal/notify"
	"github.com/mbd888/custodia/internal/retry"
	"github.com/mbd888/custodia/internal/syncutil"
	"github.com/mbd888/custodia/internal/vault"
)

const maxMessageLen = 2000

// Users is the part of the ledger arbitration needs.
type Users interface {
	Get(ctx context.Context, id string) (*ledger.User, error)
	Unlock(ctx context.Context, id, pin string) (*vault.Session, *ledger.User, error)
}

// Service implements arbitration business logic.
type Service struct {
	store    Store
	users    Users
	gateways map[string]DealGateway
	notifier notify.Notifier
	locks    *syncutil.KeyedMutex
	logger   *slog.Logger

	recordPolicy retry.Policy
}

// NewService creates a new arbitration service.
func NewService(store Store, users Users) *Service {
	return &Service{
		store:    store,
		users:    users,
		gateways: make(map[string]DealGateway),
		notifier: notify.Nop{},
		locks:    syncutil.NewKeyedMutex(),
		logger:   slog.Default(),

		recordPolicy: retry.Policy{Attempts: 4, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second},
	}
}

// WithGateway registers the engine handling deals of the given kind.
func (s *Service) WithGateway(kind string, g DealGateway) *Service {
	s.gateways[kind] = g
	return s
}

// WithNotifier adds a counterparty notifier.
func (s *Service) WithNotifier(n notify.Notifier) *Service {
	s.notifier = n
	return s
}

// WithLocks shares a lock table with the deal engines.
func (s *Service) WithLocks(l *syncutil.KeyedMutex) *Service {
	s.locks = l
	return s
}

// WithLogger sets the background logger.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

func arbKey(id string) string { return "arb:" + id }

func dealRefKey(kind, id string) string { return "arb-deal:" + kind + ":" + id }

func (s *Service) gateway(kind string) (DealGateway, error) {
	g, ok := s.gateways[kind]
	if !ok {
		return nil, ErrUnknownKind
	}
	return g, nil
}

// Request opens an arbitration on a live deal and moves the deal to its
// dispute status. If the deal cannot be moved the new record is cancelled.
func (s *Service) Request(ctx context.Context, requesterID string, req RequestRequest) (*Arbitration, error) {
	g, err := s.gateway(req.DealKind)
	if err != nil {
		return nil, err
	}
	msg := strings.TrimSpace(req.Message)
	if len(msg) > maxMessageLen {
		return nil, ErrMessageTooLong
	}

	unlock, err := s.locks.Lock(ctx, dealRefKey(req.DealKind, req.DealID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	d, err := g.Lookup(ctx, req.DealID)
	if err != nil {
		return nil, err
	}
	if !d.IsParticipant(requesterID) {
		return nil, ErrNotParticipant
	}
	if d.Terminal {
		return nil, ErrDealTerminal
	}

	now := time.Now()
	a := &Arbitration{
		ID:          idgen.WithPrefix(idgen.PrefixArbitration),
		DealKind:    req.DealKind,
		DealID:      d.ID,
		RequesterID: requesterID,
		Message:     msg,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.Create(ctx, a); err != nil {
		return nil, err
	}

	if err := g.OpenDispute(ctx, d.ID, a.ID); err != nil {
		// Compensate: the record must not outlive a failed flip.
		cancelled := *a
		cancelled.Status = StatusCancelled
		cancelled.Notes = "deal could not be disputed"
		cancelled.UpdatedAt = time.Now()
		if cerr := s.store.Update(ctx, &cancelled, StatusPending); cerr != nil {
			logging.L(ctx).Error("orphan arbitration left pending", "arbitration_id", a.ID, "error", cerr)
		}
		return nil, err
	}

	metrics.ArbitrationsTotal.WithLabelValues(a.DealKind, "opened").Inc()
	logging.L(ctx).Info("arbitration requested", "arbitration_id", a.ID, "deal_kind", a.DealKind,
		"deal_id", a.DealID, "requester_id", requesterID, "deal_status", d.Status)
	s.notify(ctx, counterparty(d, requesterID), notify.EventArbitrationOpened, a)
	return a, nil
}

// Get returns an arbitration visible to the deal participants and to
// arbitrators.
func (s *Service) Get(ctx context.Context, actorID, id string) (*Arbitration, error) {
	a, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.RequesterID == actorID || a.ArbitratorID == actorID {
		return a, nil
	}
	if s.isArbitrator(ctx, actorID) {
		return a, nil
	}
	g, err := s.gateway(a.DealKind)
	if err != nil {
		return nil, err
	}
	d, err := g.Lookup(ctx, a.DealID)
	if err != nil {
		return nil, err
	}
	if !d.IsParticipant(actorID) {
		return nil, ErrNotFound
	}
	return a, nil
}

// ListQueue returns arbitrations in status for arbitrators.
func (s *Service) ListQueue(ctx context.Context, actorID string, status Status, limit int) ([]*Arbitration, error) {
	if err := s.requireArbitrator(ctx, actorID); err != nil {
		return nil, err
	}
	if status == "" {
		status = StatusPending
	}
	return s.store.ListByStatus(ctx, status, clampLimit(limit))
}

// ListMine returns arbitrations the caller requested or is assigned to.
func (s *Service) ListMine(ctx context.Context, actorID string, limit int) ([]*Arbitration, error) {
	return s.store.ListByUser(ctx, actorID, clampLimit(limit))
}

// ListForDeal returns every arbitration raised on a deal, newest first, to
// its participants and to arbitrators.
func (s *Service) ListForDeal(ctx context.Context, actorID, kind, dealID string) ([]*Arbitration, error) {
	if !s.isArbitrator(ctx, actorID) {
		g, err := s.gateway(kind)
		if err != nil {
			return nil, err
		}
		d, err := g.Lookup(ctx, dealID)
		if err != nil {
			return nil, err
		}
		if !d.IsParticipant(actorID) {
			return nil, ErrNotFound
		}
	}
	return s.store.ListByDeal(ctx, kind, dealID)
}

// Assign hands a pending arbitration to an arbitrator. Both the actor and
// the assignee must hold the arbitrator capability.
func (s *Service) Assign(ctx context.Context, actorID, id, arbitratorID string) (*Arbitration, error) {
	if arbitratorID == "" {
		arbitratorID = actorID
	}
	if err := s.requireArbitrator(ctx, actorID); err != nil {
		return nil, err
	}
	if err := s.requireArbitrator(ctx, arbitratorID); err != nil {
		return nil, err
	}

	unlock, err := s.locks.Lock(ctx, arbKey(id))
	if err != nil {
		return nil, err
	}
	defer unlock()

	a, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Status == StatusResolved {
		return nil, ErrAlreadyResolved
	}
	if err := Transitions.Check(a.Status, StatusAssigned); err != nil {
		return nil, err
	}
	g, err := s.gateway(a.DealKind)
	if err != nil {
		return nil, err
	}
	d, err := g.Lookup(ctx, a.DealID)
	if err != nil {
		return nil, err
	}
	if d.IsParticipant(arbitratorID) {
		return nil, ErrConflictOfInterest
	}

	next := *a
	next.Status = StatusAssigned
	next.ArbitratorID = arbitratorID
	next.UpdatedAt = time.Now()
	if err := s.store.Update(ctx, &next, a.Status); err != nil {
		return nil, err
	}

	logging.L(ctx).Info("arbitration assigned", "arbitration_id", id, "arbitrator_id", arbitratorID, "by", actorID)
	s.notify(ctx, d.SellerID, notify.EventArbitrationAssigned, &next)
	s.notify(ctx, d.BuyerID, notify.EventArbitrationAssigned, &next)
	return &next, nil
}

// Resolve applies the assigned arbitrator's verdict. A buyer verdict moves
// money and needs the arbitrator's PIN.
func (s *Service) Resolve(ctx context.Context, actorID, id string, req ResolveRequest) (*Arbitration, error) {
	switch req.Verdict {
	case VerdictSeller, VerdictBuyer:
	case VerdictSplit:
		return nil, ErrSplitUnsupported
	default:
		return nil, ErrInvalidVerdict
	}
	if req.Verdict == VerdictBuyer && req.PIN == "" {
		return nil, ErrPINRequired
	}

	unlock, err := s.locks.Lock(ctx, arbKey(id))
	if err != nil {
		return nil, err
	}
	defer unlock()

	a, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Status == StatusResolved {
		return nil, ErrAlreadyResolved
	}
	if a.ArbitratorID != actorID {
		return nil, ErrNotAssignee
	}
	if err := Transitions.Check(a.Status, StatusResolved); err != nil {
		return nil, err
	}
	g, err := s.gateway(a.DealKind)
	if err != nil {
		return nil, err
	}
	d, err := g.Lookup(ctx, a.DealID)
	if err != nil {
		return nil, err
	}
	log := logging.L(ctx).With("arbitration_id", id, "deal_kind", a.DealKind, "deal_id", a.DealID)

	// A verdict applied earlier whose record write failed: the deal already
	// carries the outcome, so only the record is missing.
	if d.Terminal && d.ArbitrationID == a.ID && d.Ruling != "" {
		log.Warn("recording verdict already applied to deal", "verdict", d.Ruling, "requested", req.Verdict)
		return s.recordVerdict(ctx, a, d, d.Ruling, req.Notes, d.TxHash)
	}

	var txHash string
	switch req.Verdict {
	case VerdictSeller:
		err = g.ReleaseToSeller(ctx, a.DealID)
	case VerdictBuyer:
		var sess *vault.Session
		sess, _, err = s.users.Unlock(ctx, actorID, req.PIN)
		if err != nil {
			return nil, err
		}
		txHash, err = g.PayBuyer(ctx, a.DealID, sess)
	}
	if err != nil {
		log.Warn("verdict not applied", "verdict", req.Verdict, "error", err)
		return nil, err
	}
	return s.recordVerdict(ctx, a, d, req.Verdict, req.Notes, txHash)
}

// recordVerdict marks an assigned arbitration resolved after its verdict
// reached the deal. Store failures are retried; a status change is not.
func (s *Service) recordVerdict(ctx context.Context, a *Arbitration, d *DealView, verdict Verdict, notes, txHash string) (*Arbitration, error) {
	log := logging.L(ctx).With("arbitration_id", a.ID, "deal_kind", a.DealKind, "deal_id", a.DealID)

	now := time.Now()
	next := *a
	next.Status = StatusResolved
	next.Verdict = verdict
	next.Notes = strings.TrimSpace(notes)
	next.TxHash = txHash
	next.ResolvedAt = &now
	next.UpdatedAt = now
	err := retry.Do(ctx, s.recordPolicy, func(ctx context.Context, attempt int) error {
		err := s.store.Update(ctx, &next, StatusAssigned)
		if errors.Is(err, ErrStatusChanged) || errors.Is(err, ErrNotFound) {
			return retry.Permanent(err)
		}
		if err != nil {
			log.Warn("recording verdict failed", "attempt", attempt, "error", err)
		}
		return err
	})
	if err != nil {
		log.Error("verdict applied but arbitration not recorded", "verdict", verdict, "tx_hash", txHash, "error", err)
		return nil, fmt.Errorf("record verdict: %w", err)
	}

	metrics.ArbitrationsTotal.WithLabelValues(a.DealKind, "resolved_"+string(verdict)).Inc()
	log.Info("arbitration resolved", "verdict", verdict, "arbitrator_id", a.ArbitratorID, "tx_hash", txHash)
	s.notify(ctx, d.SellerID, notify.EventArbitrationResolved, &next)
	s.notify(ctx, d.BuyerID, notify.EventArbitrationResolved, &next)
	return &next, nil
}

// Cancel withdraws an unresolved arbitration. The requester may cancel
// while pending; any arbitrator may cancel before resolution. The deal
// returns to the status it had before the dispute.
func (s *Service) Cancel(ctx context.Context, actorID, id string) (*Arbitration, error) {
	unlock, err := s.locks.Lock(ctx, arbKey(id))
	if err != nil {
		return nil, err
	}
	defer unlock()

	a, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Status == StatusResolved {
		return nil, ErrAlreadyResolved
	}
	if err := Transitions.Check(a.Status, StatusCancelled); err != nil {
		return nil, err
	}
	g, err := s.gateway(a.DealKind)
	if err != nil {
		return nil, err
	}
	d, err := g.Lookup(ctx, a.DealID)
	if err != nil {
		return nil, err
	}
	if a.RequesterID != actorID || a.Status != StatusPending {
		if !s.isArbitrator(ctx, actorID) {
			return nil, ErrCannotCancel
		}
		// A participant holding the capability acts only as requester.
		if d.IsParticipant(actorID) {
			return nil, ErrConflictOfInterest
		}
	}

	if err := g.WithdrawDispute(ctx, a.DealID); err != nil {
		return nil, err
	}
	next := *a
	next.Status = StatusCancelled
	next.UpdatedAt = time.Now()
	if err := s.store.Update(ctx, &next, a.Status); err != nil {
		// Compensate: put the deal back under this arbitration.
		if rerr := g.OpenDispute(ctx, a.DealID, a.ID); rerr != nil {
			logging.L(ctx).Error("arbitration cancel half-applied", "arbitration_id", id, "error", rerr)
		}
		return nil, err
	}

	metrics.ArbitrationsTotal.WithLabelValues(a.DealKind, "cancelled").Inc()
	logging.L(ctx).Info("arbitration cancelled", "arbitration_id", id, "by", actorID)
	s.notify(ctx, d.SellerID, notify.EventArbitrationCancelled, &next)
	s.notify(ctx, d.BuyerID, notify.EventArbitrationCancelled, &next)
	return &next, nil
}

func (s *Service) isArbitrator(ctx context.Context, userID string) bool {
	u, err := s.users.Get(ctx, userID)
	return err == nil && u.IsArbitrator && !u.IsBlocked
}

func (s *Service) requireArbitrator(ctx context.Context, userID string) error {
	if !s.isArbitrator(ctx, userID) {
		return ErrNotArbitrator
	}
	return nil
}

func (s *Service) notify(ctx context.Context, userID string, event notify.EventType, a *Arbitration) {
	s.notifier.Notify(ctx, userID, event, a.DealKind, a.DealID, map[string]any{
		"arbitrationId": a.ID,
		"status":        string(a.Status),
		"verdict":       string(a.Verdict),
	})
}

func counterparty(d *DealView, userID string) string {
	if userID == d.SellerID {
		return d.BuyerID
	}
	return d.SellerID
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > 200 {
		return 50
	}
	return limit
}
