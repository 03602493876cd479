package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/custodia/internal/idgen"
	"github.com/mbd888/custodia/internal/retry"
	"github.com/mbd888/custodia/internal/usdc"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const userColumns = `id, handle, wallet_address, encrypted_key, encrypted_seed, pin_hash,
	frozen_amount, is_blocked, is_arbitrator, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, u *User) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO users (id, handle, wallet_address, encrypted_key, encrypted_seed, pin_hash,
			frozen_amount, is_blocked, is_arbitrator, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, FALSE, FALSE, $7, $8)
	`, u.ID, u.Handle, u.WalletAddress, u.EncryptedKey, u.EncryptedSeed, u.PINHash, u.CreatedAt, u.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			if pqErr.Constraint == "users_handle_key" {
				return ErrHandleTaken
			}
			return ErrUserExists
		}
		return fmt.Errorf("failed to insert user: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*User, error) {
	return scanUser(p.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}

func (p *PostgresStore) GetByHandle(ctx context.Context, handle string) (*User, error) {
	return scanUser(p.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE handle = $1`, handle))
}

func (p *PostgresStore) List(ctx context.Context, limit int) ([]*User, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY created_at LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ListFrozen(ctx context.Context) (map[string]*big.Int, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, frozen_amount FROM users WHERE frozen_amount > 0`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]*big.Int)
	for rows.Next() {
		var id, amount string
		if err := rows.Scan(&id, &amount); err != nil {
			return nil, err
		}
		v, ok := usdc.Parse(amount)
		if !ok {
			return nil, fmt.Errorf("user %s: corrupt frozen amount %q", id, amount)
		}
		out[id] = v
	}
	return out, rows.Err()
}

func (p *PostgresStore) UpdatePINHash(ctx context.Context, id, pinHash string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE users SET pin_hash = $2, updated_at = NOW() WHERE id = $1
	`, id, pinHash)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (p *PostgresStore) Freeze(ctx context.Context, id string, amount, onChain *big.Int, reference string) error {
	return p.inTx(ctx, func(tx *sql.Tx) error {
		return FreezeTx(ctx, tx, id, amount, onChain, reference)
	})
}

func (p *PostgresStore) Unfreeze(ctx context.Context, id string, amount *big.Int, reference string) error {
	return p.inTx(ctx, func(tx *sql.Tx) error {
		return UnfreezeTx(ctx, tx, id, amount, reference)
	})
}

func (p *PostgresStore) SetFrozen(ctx context.Context, id string, amount *big.Int, o *Override) error {
	return p.inTx(ctx, func(tx *sql.Tx) error {
		return SetFrozenTx(ctx, tx, id, amount, o)
	})
}

func (p *PostgresStore) SetFlag(ctx context.Context, id string, flag Flag, value bool, o *Override) error {
	var column string
	switch flag {
	case FlagBlocked:
		column = "is_blocked"
	case FlagArbitrator:
		column = "is_arbitrator"
	default:
		return fmt.Errorf("unknown user flag %q", flag)
	}

	return p.inTx(ctx, func(tx *sql.Tx) error {
		var before bool
		err := tx.QueryRowContext(ctx, `SELECT `+column+` FROM users WHERE id = $1 FOR UPDATE`, id).Scan(&before)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrUserNotFound
		}
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE users SET `+column+` = $2, updated_at = NOW() WHERE id = $1`, id, value); err != nil {
			return fmt.Errorf("failed to update %s: %w", column, err)
		}
		o.Before = flagString(flag, before)
		return RecordOverrideTx(ctx, tx, o)
	})
}

func (p *PostgresStore) ListEvents(ctx context.Context, userID string, limit int) ([]*Event, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, user_id, kind, amount, COALESCE(reference, ''), created_at
		FROM ledger_events WHERE user_id = $1
		ORDER BY created_at DESC LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		e := &Event{}
		var amount string
		if err := rows.Scan(&e.ID, &e.UserID, &e.Kind, &amount, &e.Reference, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Amount = usdc.Normalize(amount)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ListOverrides(ctx context.Context, limit int) ([]*Override, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, actor_id, action, subject_id, reason, before_value, after_value, created_at
		FROM ledger_overrides ORDER BY created_at DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Override
	for rows.Next() {
		o := &Override{}
		if err := rows.Scan(&o.ID, &o.ActorID, &o.Action, &o.SubjectID, &o.Reason, &o.Before, &o.After, &o.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (p *PostgresStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return RunSerializable(ctx, p.db, fn)
}

// SerializableRetry bounds how often RunSerializable replays a transaction
// that lost a serialization conflict.
var SerializableRetry = retry.Policy{Attempts: 4, BaseDelay: 10 * time.Millisecond, MaxDelay: 200 * time.Millisecond}

// RunSerializable runs fn in a serializable transaction and replays it when
// Postgres aborts it with a serialization failure or deadlock. fn must be
// safe to run again; any other error is returned as is.
func RunSerializable(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	return retry.Do(ctx, SerializableRetry, func(ctx context.Context, attempt int) error {
		err := runTx(ctx, db, fn)
		if err == nil || IsSerializationFailure(err) {
			return err
		}
		return retry.Permanent(err)
	})
}

func runTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// IsSerializationFailure reports whether err is a Postgres serialization
// failure (40001) or detected deadlock (40P01), both safe to retry.
func IsSerializationFailure(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	return pqErr.Code == "40001" || pqErr.Code == "40P01"
}

// LockFrozenTx locks the user row and returns its current frozen total.
func LockFrozenTx(ctx context.Context, tx *sql.Tx, userID string) (*big.Int, error) {
	var frozen string
	err := tx.QueryRowContext(ctx, `SELECT frozen_amount FROM users WHERE id = $1 FOR UPDATE`, userID).Scan(&frozen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock user: %w", err)
	}
	v, ok := usdc.Parse(frozen)
	if !ok {
		return nil, fmt.Errorf("corrupt frozen_amount %q for user %s", frozen, userID)
	}
	return v, nil
}

// FreezeTx adds amount to the user's frozen total inside tx, provided
// onChain − frozen covers it. The user row stays locked until tx ends.
func FreezeTx(ctx context.Context, tx *sql.Tx, userID string, amount, onChain *big.Int, reference string) error {
	frozen, err := LockFrozenTx(ctx, tx, userID)
	if err != nil {
		return err
	}
	if usdc.SubFloor(onChain, frozen).Cmp(amount) < 0 {
		return ErrInsufficientFunds
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE users SET frozen_amount = frozen_amount + $2::NUMERIC(20,6), updated_at = NOW()
		WHERE id = $1
	`, userID, usdc.Format(amount))
	if err != nil {
		return fmt.Errorf("failed to freeze: %w", err)
	}
	return insertEventTx(ctx, tx, userID, EventFreeze, amount, reference)
}

// UnfreezeTx subtracts amount from the user's frozen total, floored at zero.
func UnfreezeTx(ctx context.Context, tx *sql.Tx, userID string, amount *big.Int, reference string) error {
	result, err := tx.ExecContext(ctx, `
		UPDATE users SET frozen_amount = GREATEST(frozen_amount - $2::NUMERIC(20,6), 0), updated_at = NOW()
		WHERE id = $1
	`, userID, usdc.Format(amount))
	if err != nil {
		return fmt.Errorf("failed to unfreeze: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrUserNotFound
	}
	return insertEventTx(ctx, tx, userID, EventUnfreeze, amount, reference)
}

// SetFrozenTx overwrites the frozen total and writes the matching override.
func SetFrozenTx(ctx context.Context, tx *sql.Tx, userID string, amount *big.Int, o *Override) error {
	before, err := LockFrozenTx(ctx, tx, userID)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE users SET frozen_amount = $2::NUMERIC(20,6), updated_at = NOW() WHERE id = $1
	`, userID, usdc.Format(amount))
	if err != nil {
		return fmt.Errorf("failed to set frozen amount: %w", err)
	}
	o.Before = usdc.Format(before)
	o.After = usdc.Format(amount)
	if err := insertEventTx(ctx, tx, userID, EventRepair, amount, o.Reason); err != nil {
		return err
	}
	return RecordOverrideTx(ctx, tx, o)
}

// RecordOverrideTx appends an override audit record inside tx.
func RecordOverrideTx(ctx context.Context, tx *sql.Tx, o *Override) error {
	o.ID = idgen.WithPrefix(idgen.PrefixOverride)
	_, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_overrides (id, actor_id, action, subject_id, reason, before_value, after_value, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
	`, o.ID, o.ActorID, o.Action, o.SubjectID, o.Reason, o.Before, o.After)
	if err != nil {
		return fmt.Errorf("failed to record override: %w", err)
	}
	return nil
}

func insertEventTx(ctx context.Context, tx *sql.Tx, userID string, kind EventKind, amount *big.Int, reference string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_events (id, user_id, kind, amount, reference, created_at)
		VALUES ($1, $2, $3, $4::NUMERIC(20,6), $5, NOW())
	`, idgen.WithPrefix(idgen.PrefixEvent), userID, string(kind), usdc.Format(amount), reference)
	if err != nil {
		return fmt.Errorf("failed to record ledger event: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*User, error) {
	u := &User{}
	var frozen string
	err := row.Scan(&u.ID, &u.Handle, &u.WalletAddress, &u.EncryptedKey, &u.EncryptedSeed, &u.PINHash,
		&frozen, &u.IsBlocked, &u.IsArbitrator, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	u.FrozenAmount = usdc.Normalize(frozen)
	return u, nil
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
