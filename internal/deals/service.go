package deals

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/mbd888/custodia/internal/apperr"
	"github.com/mbd888/custodia/internal/chain"
	"github.com/mbd888/custodia/internal/idgen"
	"github.com/mbd888/custodia/internal/ledger"
	"github.com/mbd888/custodia/internal/logging"
	"github.com/mbd888/custodia/internal/metrics"
	"github.com/mbd888/custodia/internal/notify"
	"github.com/mbd888/custodia/internal/retry"
	"github.com/mbd888/custodia/internal/settlement"
	"github.com/mbd888/custodia/internal/syncutil"
	"github.com/mbd888/custodia/internal/usdc"
	"github.com/mbd888/custodia/internal/vault"
)

var ErrCounterpartyBlocked = apperr.New(apperr.ErrAuthorization, "counterparty is blocked")

// Users is the part of the ledger the deal engine needs.
type Users interface {
	Get(ctx context.Context, id string) (*ledger.User, error)
	GetByHandle(ctx context.Context, handle string) (*ledger.User, error)
	RequireActive(ctx context.Context, id string) (*ledger.User, error)
	AvailableBalance(ctx context.Context, id string) (*big.Int, error)
	Unlock(ctx context.Context, id, pin string) (*vault.Session, *ledger.User, error)
}

// Service implements dedicated-wallet deal logic.
type Service struct {
	store       Store
	users       Users
	chain       chain.Client
	provisioner chain.Provisioner
	vault       *vault.Vault
	settlements *settlement.Service
	notifier    notify.Notifier
	locks       *syncutil.KeyedMutex
	minAmount   *big.Int
	poll        retry.Policy
	logger      *slog.Logger
}

// NewService creates a new deal service.
func NewService(store Store, users Users, client chain.Client, provisioner chain.Provisioner,
	v *vault.Vault, settlements *settlement.Service) *Service {
	return &Service{
		store:       store,
		users:       users,
		chain:       client,
		provisioner: provisioner,
		vault:       v,
		settlements: settlements,
		notifier:    notify.Nop{},
		locks:       syncutil.NewKeyedMutex(),
		minAmount:   usdc.FromWhole(1),
		poll:        retry.BalancePoll,
		logger:      slog.Default(),
	}
}

// WithNotifier sets the counterparty notifier.
func (s *Service) WithNotifier(n notify.Notifier) *Service {
	s.notifier = n
	return s
}

// WithLocks shares per-entity locks with the other engines, so a user's
// wallet is never debited and frozen concurrently.
func (s *Service) WithLocks(l *syncutil.KeyedMutex) *Service {
	s.locks = l
	return s
}

// WithMinAmount sets the minimum deal size.
func (s *Service) WithMinAmount(min *big.Int) *Service {
	s.minAmount = min
	return s
}

// WithPollPolicy sets how long Fund waits for the custody balance.
func (s *Service) WithPollPolicy(p retry.Policy) *Service {
	s.poll = p
	return s
}

// WithLogger sets the service logger.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

func (s *Service) lock(ctx context.Context, keys ...string) (func(), error) {
	return s.locks.LockMany(ctx, keys...)
}

func dealKey(id string) string { return "deal:" + id }
func userKey(id string) string { return "user:" + id }

// Create opens a deal between the caller and the counterparty named by handle.
func (s *Service) Create(ctx context.Context, actorID string, req CreateRequest) (*Deal, error) {
	creator, err := s.users.RequireActive(ctx, actorID)
	if err != nil {
		return nil, err
	}
	if req.Role != RoleSeller && req.Role != RoleBuyer {
		return nil, ErrInvalidRole
	}
	amount, err := usdc.ParsePositive("amount", req.Amount)
	if err != nil {
		return nil, err
	}
	if amount.Cmp(s.minAmount) < 0 {
		return nil, ErrBelowMinimum
	}
	desc := strings.TrimSpace(req.Description)
	if len(desc) > 500 {
		return nil, ErrDescriptionTooLong
	}

	other, err := s.users.GetByHandle(ctx, req.Counterparty)
	if err != nil {
		return nil, err
	}
	if other.ID == creator.ID {
		return nil, ErrSelfDeal
	}
	if other.IsBlocked {
		return nil, ErrCounterpartyBlocked
	}

	km, err := s.provisioner.CreateWallet(ctx)
	if err != nil {
		return nil, fmt.Errorf("mint custody wallet: %w", err)
	}
	id := idgen.Token(idgen.PrefixDeal)
	encKey, err := s.vault.Encrypt(vault.DealKeyLabel(id), km.PrivateKey)
	if err != nil {
		return nil, err
	}
	encSeed, err := s.vault.Encrypt(vault.DealSeedLabel(id), km.SeedPhrase)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	d := &Deal{
		ID:             id,
		CreatorID:      creator.ID,
		CreatorRole:    req.Role,
		Amount:         usdc.Format(amount),
		Description:    desc,
		Status:         StatusCreated,
		CustodyAddress: km.Address,
		EncryptedKey:   encKey,
		EncryptedSeed:  encSeed,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if req.Role == RoleSeller {
		d.SellerID, d.BuyerID = creator.ID, other.ID
	} else {
		d.SellerID, d.BuyerID = other.ID, creator.ID
	}

	if err := s.store.Create(ctx, d); err != nil {
		return nil, fmt.Errorf("failed to create deal: %w", err)
	}
	metrics.RecordTransition(Kind, string(StatusCreated), now, false)

	logging.L(ctx).Info("deal created", "deal_id", d.ID, "seller_id", d.SellerID, "buyer_id", d.BuyerID,
		"amount", d.Amount, "custody", d.CustodyAddress)
	s.notify(ctx, other.ID, notify.EventDealInvited, d)
	return d, nil
}

// Get returns a deal visible to actorID.
func (s *Service) Get(ctx context.Context, actorID, id string) (*Deal, error) {
	d, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.RoleOf(actorID) == "" {
		return nil, ErrNotParticipant
	}
	return d, nil
}

// List returns the caller's deals, newest first.
func (s *Service) List(ctx context.Context, actorID string, limit int) ([]*Deal, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.store.ListByUser(ctx, actorID, limit)
}

// Accept moves an invitation to awaiting_payment. Only the non-creator may accept.
func (s *Service) Accept(ctx context.Context, actorID, id string) (*Deal, error) {
	unlock, err := s.lock(ctx, dealKey(id))
	if err != nil {
		return nil, err
	}
	defer unlock()

	d, err := s.Get(ctx, actorID, id)
	if err != nil {
		return nil, err
	}
	if actorID == d.CreatorID {
		return nil, ErrCreatorCannotAct
	}
	if err := requireStatus(d, StatusCreated); err != nil {
		return nil, err
	}
	if _, err := s.users.RequireActive(ctx, actorID); err != nil {
		return nil, err
	}
	if err := s.transition(ctx, d, StatusAwaitingPayment, nil); err != nil {
		return nil, err
	}
	s.notify(ctx, d.CreatorID, notify.EventDealAccepted, d)
	return d, nil
}

// ConfirmPayment records that the buyer paid into custody by other means.
// The custody balance must already cover the amount.
func (s *Service) ConfirmPayment(ctx context.Context, actorID, id string) (*Deal, error) {
	unlock, err := s.lock(ctx, dealKey(id))
	if err != nil {
		return nil, err
	}
	defer unlock()

	d, err := s.requireRole(ctx, actorID, id, RoleBuyer)
	if err != nil {
		return nil, err
	}
	if err := requireStatus(d, StatusAwaitingPayment); err != nil {
		return nil, err
	}
	covered, err := s.custodyCovers(ctx, d)
	if err != nil {
		return nil, err
	}
	if !covered {
		return nil, ErrPaymentNotSeen
	}
	if err := s.transition(ctx, d, StatusPaymentConfirmed, func(d *Deal) {
		d.BuyerConfirmedPayment = true
	}); err != nil {
		return nil, err
	}
	logging.L(ctx).Info("deal payment confirmed", "deal_id", d.ID, "via", "external")
	return d, nil
}

// Fund transfers the deal amount from the buyer's wallet into custody and
// waits for the custody balance to reflect it. A retry after a timeout
// re-queries the balance instead of sending again.
func (s *Service) Fund(ctx context.Context, actorID, id, pin string) (*Deal, error) {
	unlock, err := s.lock(ctx, dealKey(id), userKey(actorID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	d, err := s.requireRole(ctx, actorID, id, RoleBuyer)
	if err != nil {
		return nil, err
	}
	if err := requireStatus(d, StatusAwaitingPayment); err != nil {
		return nil, err
	}
	sess, buyer, err := s.users.Unlock(ctx, actorID, pin)
	if err != nil {
		return nil, err
	}
	log := logging.L(ctx).With("deal_id", d.ID)

	covered, err := s.custodyCovers(ctx, d)
	if err != nil {
		return nil, err
	}
	if !covered {
		if err := s.sendFunding(ctx, d, sess, buyer); err != nil {
			return nil, err
		}
		err = retry.Do(ctx, s.poll, func(ctx context.Context, attempt int) error {
			ok, err := s.custodyCovers(ctx, d)
			if err != nil {
				return err
			}
			if !ok {
				log.Debug("custody balance not yet visible", "attempt", attempt)
				return ErrPaymentNotSeen
			}
			return nil
		})
		if err != nil {
			log.Warn("funding transfer not yet visible", "error", err)
			return nil, ErrPaymentNotSeen
		}
	}

	if err := s.transition(ctx, d, StatusPaymentConfirmed, func(d *Deal) {
		d.BuyerConfirmedPayment = true
	}); err != nil {
		return nil, err
	}
	log.Info("deal payment confirmed", "via", "fund")
	return d, nil
}

func (s *Service) sendFunding(ctx context.Context, d *Deal, sess *vault.Session, buyer *ledger.User) error {
	amount := d.AmountUnits()
	rec := settlement.NewRecord(settlement.FundKey(d.ID), Kind, d.ID, buyer.WalletAddress, d.CustodyAddress, amount)
	err := s.settlements.Begin(ctx, rec)
	if settlement.IsDuplicate(err) {
		// An earlier attempt already sent (or may have sent) the funds.
		return nil
	}
	if err != nil {
		return err
	}

	avail, err := s.users.AvailableBalance(ctx, buyer.ID)
	if err == nil && avail.Cmp(amount) < 0 {
		err = ledger.ErrInsufficientFunds
	}
	if err != nil {
		_ = s.settlements.Abort(ctx, rec.Key, err.Error())
		return err
	}

	key, err := ledger.WalletKey(sess, buyer)
	if err != nil {
		_ = s.settlements.Abort(ctx, rec.Key, "wallet key unavailable")
		return fmt.Errorf("decrypt buyer wallet: %w", err)
	}
	_, err = s.settlements.Execute(ctx, rec, key)
	if errors.Is(err, settlement.ErrOutcomeUnknown) {
		// Fall through to the balance poll; the transfer may still land.
		return nil
	}
	return err
}

// ConfirmReceipt records that the buyer received what they paid for.
func (s *Service) ConfirmReceipt(ctx context.Context, actorID, id string) (*Deal, error) {
	unlock, err := s.lock(ctx, dealKey(id))
	if err != nil {
		return nil, err
	}
	defer unlock()

	d, err := s.requireRole(ctx, actorID, id, RoleBuyer)
	if err != nil {
		return nil, err
	}
	if err := requireStatus(d, StatusPaymentConfirmed); err != nil {
		return nil, err
	}
	if err := s.transition(ctx, d, StatusBuyerConfirmed, nil); err != nil {
		return nil, err
	}
	s.notify(ctx, d.SellerID, notify.EventDealReceiptConfirmed, d)
	return d, nil
}

// Complete releases the custody wallet to the seller. Role and status are
// checked before the PIN; the live custody balance must still cover the
// amount. Credentials are returned exactly once.
func (s *Service) Complete(ctx context.Context, actorID, id, pin string) (*Credentials, error) {
	unlock, err := s.lock(ctx, dealKey(id))
	if err != nil {
		return nil, err
	}
	defer unlock()

	d, err := s.requireRole(ctx, actorID, id, RoleSeller)
	if err != nil {
		return nil, err
	}
	if err := requireStatus(d, StatusBuyerConfirmed); err != nil {
		return nil, err
	}
	sess, _, err := s.users.Unlock(ctx, actorID, pin)
	if err != nil {
		return nil, err
	}
	covered, err := s.custodyCovers(ctx, d)
	if err != nil {
		return nil, err
	}
	if !covered {
		return nil, ErrPaymentNotSeen
	}

	creds, err := decryptCredentials(sess, d)
	if err != nil {
		return nil, err
	}
	if err := s.transition(ctx, d, StatusCompleted, func(d *Deal) {
		d.CredentialsReleased = true
	}); err != nil {
		return nil, err
	}

	logging.L(ctx).Info("deal completed, credentials released", "deal_id", d.ID, "seller_id", d.SellerID)
	s.notify(ctx, d.BuyerID, notify.EventDealCompleted, d)
	return creds, nil
}

// ClaimCredentials hands the custody wallet to the seller after an
// arbitration ruled in their favour.
func (s *Service) ClaimCredentials(ctx context.Context, actorID, id, pin string) (*Credentials, error) {
	unlock, err := s.lock(ctx, dealKey(id))
	if err != nil {
		return nil, err
	}
	defer unlock()

	d, err := s.requireRole(ctx, actorID, id, RoleSeller)
	if err != nil {
		return nil, err
	}
	if err := requireStatus(d, StatusCompleted); err != nil {
		return nil, err
	}
	if d.CredentialsReleased {
		return nil, ErrCredentialsClaimed
	}
	sess, _, err := s.users.Unlock(ctx, actorID, pin)
	if err != nil {
		return nil, err
	}
	creds, err := decryptCredentials(sess, d)
	if err != nil {
		return nil, err
	}
	ok, err := s.store.ClaimCredentials(ctx, d.ID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrCredentialsClaimed
	}

	logging.L(ctx).Info("custody credentials claimed after arbitration", "deal_id", d.ID, "seller_id", d.SellerID)
	return creds, nil
}

// Cancel aborts a deal before payment. An awaiting_payment deal can only be
// cancelled while its custody wallet is empty.
func (s *Service) Cancel(ctx context.Context, actorID, id string) (*Deal, error) {
	unlock, err := s.lock(ctx, dealKey(id))
	if err != nil {
		return nil, err
	}
	defer unlock()

	d, err := s.Get(ctx, actorID, id)
	if err != nil {
		return nil, err
	}
	if err := requireStatus(d, StatusCreated, StatusAwaitingPayment); err != nil {
		return nil, err
	}
	if d.Status == StatusAwaitingPayment {
		bal, err := s.chain.BalanceOf(ctx, d.CustodyAddress)
		if err != nil {
			return nil, fmt.Errorf("custody balance: %w", err)
		}
		if bal.Sign() > 0 {
			return nil, ErrFundsInCustody
		}
	}
	if err := s.transition(ctx, d, StatusCancelled, nil); err != nil {
		return nil, err
	}
	s.notify(ctx, d.Counterparty(actorID), notify.EventDealCancelled, d)
	return d, nil
}

// EstimateFee returns the native-token cost of moving funds out of custody.
func (s *Service) EstimateFee(ctx context.Context, actorID, id string) (*chain.FeeEstimate, error) {
	d, err := s.Get(ctx, actorID, id)
	if err != nil {
		return nil, err
	}
	return s.chain.EstimateFee(ctx, d.CustodyAddress)
}

// NotifyPaymentConfirmed tells the seller about a confirmed payment once.
func (s *Service) NotifyPaymentConfirmed(ctx context.Context, d *Deal) (bool, error) {
	ok, err := s.store.MarkPaymentNotified(ctx, d.ID)
	if err != nil || !ok {
		return false, err
	}
	s.notify(ctx, d.SellerID, notify.EventDealPaymentConfirmed, d)
	return true, nil
}

func (s *Service) requireRole(ctx context.Context, actorID, id string, role Role) (*Deal, error) {
	d, err := s.Get(ctx, actorID, id)
	if err != nil {
		return nil, err
	}
	if d.RoleOf(actorID) != role {
		return nil, ErrWrongRole
	}
	return d, nil
}

func (s *Service) custodyCovers(ctx context.Context, d *Deal) (bool, error) {
	bal, err := s.chain.BalanceOf(ctx, d.CustodyAddress)
	if err != nil {
		return false, fmt.Errorf("custody balance: %w", err)
	}
	return bal.Cmp(d.AmountUnits()) >= 0, nil
}

// transition moves d to status `to` with a compare-and-swap on its current
// status. mutate may adjust other fields of the new version.
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
	if Transitions.IsTerminal(to) {
		closed := next.UpdatedAt
		next.ClosedAt = &closed
	}
	if err := s.store.Update(ctx, &next, from); err != nil {
		return err
	}
	*d = next
	metrics.RecordTransition(Kind, string(to), d.CreatedAt, Transitions.IsTerminal(to))
	logging.L(ctx).Debug("deal transition", "deal_id", d.ID, "from", from, "to", to)
	return nil
}

func (s *Service) notify(ctx context.Context, userID string, event notify.EventType, d *Deal) {
	s.notifier.Notify(ctx, userID, event, Kind, d.ID, map[string]any{
		"amount": d.Amount,
		"status": string(d.Status),
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

func decryptCredentials(sess *vault.Session, d *Deal) (*Credentials, error) {
	key, err := sess.Decrypt(vault.DealKeyLabel(d.ID), d.EncryptedKey)
	if err != nil {
		return nil, fmt.Errorf("decrypt custody key: %w", err)
	}
	seed, err := sess.Decrypt(vault.DealSeedLabel(d.ID), d.EncryptedSeed)
	if err != nil {
		return nil, fmt.Errorf("decrypt custody seed: %w", err)
	}
	return &Credentials{DealID: d.ID, Address: d.CustodyAddress, PrivateKey: key, SeedPhrase: seed}, nil
}
