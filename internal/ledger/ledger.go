// Package ledger tracks registered users, their custody wallets and the part
// of each wallet's on-chain balance pledged to open ledger-frozen deals.
//
// available = on-chain balance − frozen_amount. A freeze is conditional:
// the store locks the user row, rechecks availability and increments in one
// step, so two concurrent deals cannot both pass the check.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"regexp"
	"strings"
	"time"

	"github.com/mbd888/custodia/internal/apperr"
	"github.com/mbd888/custodia/internal/chain"
	"github.com/mbd888/custodia/internal/logging"
	"github.com/mbd888/custodia/internal/usdc"
	"github.com/mbd888/custodia/internal/vault"
)

var (
	ErrUserNotFound      = apperr.New(apperr.ErrNotFound, "user not found")
	ErrUserExists        = apperr.New(apperr.ErrStateConflict, "user already registered")
	ErrHandleTaken       = apperr.New(apperr.ErrStateConflict, "handle already taken")
	ErrInsufficientFunds = apperr.New(apperr.ErrInsufficientFunds, "available balance is below the requested amount")
	ErrUserBlocked       = apperr.New(apperr.ErrAuthorization, "user is blocked")
	ErrInvalidHandle     = apperr.New(apperr.ErrValidation, "handle must be 3-32 letters, digits or underscores")
	ErrInvalidUserID     = apperr.New(apperr.ErrValidation, "user id must be 1-64 characters")
	ErrReasonRequired    = apperr.New(apperr.ErrValidation, "an override needs an actor and a reason")
)

var handlePattern = regexp.MustCompile(`^[a-z0-9_]{3,32}$`)

// User is a registered participant with a platform-held custody wallet.
type User struct {
	ID            string    `json:"id"`
	Handle        string    `json:"handle"`
	WalletAddress string    `json:"walletAddress"`
	EncryptedKey  string    `json:"-"`
	EncryptedSeed string    `json:"-"`
	PINHash       string    `json:"-"`
	FrozenAmount  string    `json:"frozenAmount"`
	IsBlocked     bool      `json:"isBlocked"`
	IsArbitrator  bool      `json:"isArbitrator"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Frozen returns FrozenAmount in base units.
func (u *User) Frozen() *big.Int {
	if v, ok := usdc.Parse(u.FrozenAmount); ok {
		return v
	}
	return big.NewInt(0)
}

// EventKind labels a frozen_amount mutation.
type EventKind string

const (
	EventFreeze   EventKind = "freeze"
	EventUnfreeze EventKind = "unfreeze"
	EventRepair   EventKind = "repair"
)

// Event is an append-only record of one frozen_amount mutation.
type Event struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Kind      EventKind `json:"kind"`
	Amount    string    `json:"amount"`
	Reference string    `json:"reference,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Override actions.
const (
	ActionBlock          = "block"
	ActionUnblock        = "unblock"
	ActionGrantArbiter   = "grant_arbitrator"
	ActionRevokeArbiter  = "revoke_arbitrator"
	ActionRepairFrozen   = "repair_frozen"
	ActionSystemIdentity = "system"
)

// Override is the audit record for an administrative change to a user
// that affects money or authority. Written in the same transaction as the change.
type Override struct {
	ID        string    `json:"id"`
	ActorID   string    `json:"actorId"`
	Action    string    `json:"action"`
	SubjectID string    `json:"subjectId"`
	Reason    string    `json:"reason"`
	Before    string    `json:"before"`
	After     string    `json:"after"`
	CreatedAt time.Time `json:"createdAt"`
}

// Flag is a boolean user attribute changed through an override.
type Flag string

const (
	FlagBlocked    Flag = "is_blocked"
	FlagArbitrator Flag = "is_arbitrator"
)

// Store persists users and their frozen totals.
type Store interface {
	Create(ctx context.Context, u *User) error
	Get(ctx context.Context, id string) (*User, error)
	GetByHandle(ctx context.Context, handle string) (*User, error)
	List(ctx context.Context, limit int) ([]*User, error)
	UpdatePINHash(ctx context.Context, id, pinHash string) error

	// Freeze adds amount to the user's frozen total if onChain − frozen ≥ amount.
	Freeze(ctx context.Context, id string, amount, onChain *big.Int, reference string) error
	// Unfreeze subtracts amount, floored at zero.
	Unfreeze(ctx context.Context, id string, amount *big.Int, reference string) error

	// SetFrozen overwrites the frozen total as an audited repair.
	SetFrozen(ctx context.Context, id string, amount *big.Int, o *Override) error
	// ListFrozen returns every non-zero frozen total by user id.
	ListFrozen(ctx context.Context) (map[string]*big.Int, error)
	SetFlag(ctx context.Context, id string, flag Flag, value bool, o *Override) error
	ListEvents(ctx context.Context, userID string, limit int) ([]*Event, error)
	ListOverrides(ctx context.Context, limit int) ([]*Override, error)
}

// Balance is the ledger view of one user's wallet.
type Balance struct {
	UserID    string `json:"userId"`
	Address   string `json:"address"`
	OnChain   string `json:"onChain"`
	Frozen    string `json:"frozen"`
	Available string `json:"available"`
}

// RegisterRequest contains the parameters for registering a user.
type RegisterRequest struct {
	ID     string `json:"id" binding:"required"`
	Handle string `json:"handle" binding:"required"`
	PIN    string `json:"pin" binding:"required"`
}

// Service implements ledger accounting and registration.
type Service struct {
	store       Store
	chain       chain.Client
	provisioner chain.Provisioner
	vault       *vault.Vault
	logger      *slog.Logger
}

// NewService creates a ledger service.
func NewService(store Store, client chain.Client, provisioner chain.Provisioner, v *vault.Vault) *Service {
	return &Service{
		store:       store,
		chain:       client,
		provisioner: provisioner,
		vault:       v,
		logger:      slog.Default(),
	}
}

// WithLogger sets the service logger.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

// Store exposes the underlying store to engines that compose with it.
func (s *Service) Store() Store { return s.store }

// NormalizeHandle lowercases handle and strips a leading "@".
func NormalizeHandle(handle string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(handle), "@"))
}

// Register mints a custody wallet for a new user.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*User, error) {
	defer observeOp("register")()

	id := strings.TrimSpace(req.ID)
	if id == "" || len(id) > 64 {
		return nil, ErrInvalidUserID
	}
	handle := NormalizeHandle(req.Handle)
	if !handlePattern.MatchString(handle) {
		return nil, ErrInvalidHandle
	}
	pinHash, err := s.vault.HashPIN(req.PIN)
	if err != nil {
		return nil, err
	}

	km, err := s.provisioner.CreateWallet(ctx)
	if err != nil {
		return nil, fmt.Errorf("mint wallet: %w", err)
	}
	encKey, err := s.vault.Encrypt(vault.UserKeyLabel(id), km.PrivateKey)
	if err != nil {
		return nil, err
	}
	encSeed, err := s.vault.Encrypt(vault.UserSeedLabel(id), km.SeedPhrase)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	u := &User{
		ID:            id,
		Handle:        handle,
		WalletAddress: km.Address,
		EncryptedKey:  encKey,
		EncryptedSeed: encSeed,
		PINHash:       pinHash,
		FrozenAmount:  usdc.Format(big.NewInt(0)),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.Create(ctx, u); err != nil {
		return nil, err
	}

	logging.L(ctx).Info("user registered", "user_id", id, "handle", handle, "wallet", km.Address)
	return u, nil
}

// Get returns a user by id.
func (s *Service) Get(ctx context.Context, id string) (*User, error) {
	return s.store.Get(ctx, id)
}

// GetByHandle resolves a counterparty handle.
func (s *Service) GetByHandle(ctx context.Context, handle string) (*User, error) {
	return s.store.GetByHandle(ctx, NormalizeHandle(handle))
}

// RequireActive loads a user and rejects blocked accounts.
func (s *Service) RequireActive(ctx context.Context, id string) (*User, error) {
	u, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if u.IsBlocked {
		return nil, ErrUserBlocked
	}
	return u, nil
}

// OnChainBalance reads the live token balance of the user's wallet.
func (s *Service) OnChainBalance(ctx context.Context, u *User) (*big.Int, error) {
	bal, err := s.chain.BalanceOf(ctx, u.WalletAddress)
	if err != nil {
		return nil, fmt.Errorf("balance of %s: %w", u.WalletAddress, err)
	}
	return bal, nil
}

// Balance returns on-chain, frozen and available amounts for a user.
func (s *Service) Balance(ctx context.Context, id string) (*Balance, error) {
	u, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	onChain, err := s.OnChainBalance(ctx, u)
	if err != nil {
		return nil, err
	}
	return &Balance{
		UserID:    u.ID,
		Address:   u.WalletAddress,
		OnChain:   usdc.Format(onChain),
		Frozen:    usdc.Format(u.Frozen()),
		Available: usdc.Format(usdc.SubFloor(onChain, u.Frozen())),
	}, nil
}

// AvailableBalance returns on-chain balance minus frozen, floored at zero.
func (s *Service) AvailableBalance(ctx context.Context, id string) (*big.Int, error) {
	u, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	onChain, err := s.OnChainBalance(ctx, u)
	if err != nil {
		return nil, err
	}
	return usdc.SubFloor(onChain, u.Frozen()), nil
}

// Unlock verifies the user's PIN and returns a vault session.
func (s *Service) Unlock(ctx context.Context, id, pin string) (*vault.Session, *User, error) {
	u, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	sess, err := s.vault.Unlock(u.ID, pin, u.PINHash)
	if err != nil {
		logging.L(ctx).Warn("pin rejected", "user_id", id, "error", err)
		pinFailures.Inc()
		return nil, nil, err
	}
	return sess, u, nil
}

// WalletKey decrypts the user's own wallet key with an unlocked session.
func WalletKey(sess *vault.Session, u *User) (string, error) {
	return sess.Decrypt(vault.UserKeyLabel(u.ID), u.EncryptedKey)
}

// ChangePIN replaces the PIN after verifying the old one.
func (s *Service) ChangePIN(ctx context.Context, id, oldPIN, newPIN string) error {
	if _, _, err := s.Unlock(ctx, id, oldPIN); err != nil {
		return err
	}
	hash, err := s.vault.HashPIN(newPIN)
	if err != nil {
		return err
	}
	return s.store.UpdatePINHash(ctx, id, hash)
}

// SetBlocked blocks or unblocks a user, recording an override.
func (s *Service) SetBlocked(ctx context.Context, actorID, userID string, blocked bool, reason string) (*User, error) {
	action := ActionUnblock
	if blocked {
		action = ActionBlock
	}
	return s.setFlag(ctx, actorID, userID, FlagBlocked, blocked, action, reason)
}

// SetArbitrator grants or revokes the arbitrator capability, recording an override.
func (s *Service) SetArbitrator(ctx context.Context, actorID, userID string, grant bool, reason string) (*User, error) {
	action := ActionRevokeArbiter
	if grant {
		action = ActionGrantArbiter
	}
	return s.setFlag(ctx, actorID, userID, FlagArbitrator, grant, action, reason)
}

func (s *Service) setFlag(ctx context.Context, actorID, userID string, flag Flag, value bool, action, reason string) (*User, error) {
	if strings.TrimSpace(actorID) == "" || strings.TrimSpace(reason) == "" {
		return nil, ErrReasonRequired
	}
	o := &Override{
		ActorID:   actorID,
		Action:    action,
		SubjectID: userID,
		Reason:    reason,
		After:     fmt.Sprintf("%s=%t", flag, value),
	}
	if err := s.store.SetFlag(ctx, userID, flag, value, o); err != nil {
		return nil, err
	}
	s.logger.Warn("user override applied", "actor_id", actorID, "action", action, "user_id", userID, "reason", reason)
	return s.store.Get(ctx, userID)
}

// NewRepairOverride validates and builds the audit record for overwriting
// userID's frozen total. The store that applies the repair fills in the
// before and after values.
func NewRepairOverride(actorID, userID, reason string) (*Override, error) {
	if strings.TrimSpace(actorID) == "" || strings.TrimSpace(reason) == "" {
		return nil, ErrReasonRequired
	}
	return &Override{ActorID: actorID, Action: ActionRepairFrozen, SubjectID: userID, Reason: reason}, nil
}

// FrozenTotals returns every non-zero frozen total by user id.
// The sum is exported as FrozenTotal.
func (s *Service) FrozenTotals(ctx context.Context) (map[string]*big.Int, error) {
	totals, err := s.store.ListFrozen(ctx)
	if err != nil {
		return nil, err
	}
	sum := new(big.Int)
	for _, v := range totals {
		sum.Add(sum, v)
	}
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(sum), big.NewFloat(1e6)).Float64()
	FrozenTotal.Set(f)
	return totals, nil
}

// Events lists the frozen_amount history of a user.
func (s *Service) Events(ctx context.Context, userID string, limit int) ([]*Event, error) {
	return s.store.ListEvents(ctx, userID, clampLimit(limit))
}

// Overrides lists the audit trail of administrative changes.
func (s *Service) Overrides(ctx context.Context, limit int) ([]*Override, error) {
	return s.store.ListOverrides(ctx, clampLimit(limit))
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > 500 {
		return 100
	}
	return limit
}
