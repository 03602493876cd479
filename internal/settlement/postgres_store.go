package settlement

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mbd888/custodia/internal/usdc"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed settlement store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const recordColumns = `key, deal_kind, deal_id, from_addr, to_addr, amount, status,
	COALESCE(tx_hash, ''), COALESCE(detail, ''), created_at, updated_at`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (p *PostgresStore) Begin(ctx context.Context, r *Record) error {
	return beginOn(ctx, p.db, r)
}

// BeginTx records r as initiated inside a caller's transaction, so the
// record commits together with the state change that justifies it.
func BeginTx(ctx context.Context, tx *sql.Tx, r *Record) error {
	return beginOn(ctx, tx, r)
}

func beginOn(ctx context.Context, db execer, r *Record) error {
	result, err := db.ExecContext(ctx, `
		INSERT INTO settlements (key, deal_kind, deal_id, from_addr, to_addr, amount, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6::NUMERIC(20,6), 'initiated', NOW(), NOW())
		ON CONFLICT (key) DO UPDATE SET
			from_addr  = EXCLUDED.from_addr,
			to_addr    = EXCLUDED.to_addr,
			amount     = EXCLUDED.amount,
			status     = 'initiated',
			tx_hash    = NULL,
			detail     = NULL,
			updated_at = NOW()
		WHERE settlements.status = 'aborted'
	`, r.Key, r.DealKind, r.DealID, r.FromAddr, r.ToAddr, r.Amount)
	if err != nil {
		return fmt.Errorf("failed to begin settlement: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrDuplicate
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, key string) (*Record, error) {
	r, err := scanRecord(p.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM settlements WHERE key = $1`, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

func (p *PostgresStore) Transition(ctx context.Context, key string, to Status, txHash, detail string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var from Status
	err = tx.QueryRowContext(ctx, `SELECT status FROM settlements WHERE key = $1 FOR UPDATE`, key).Scan(&from)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if err := Transitions.Check(from, to); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE settlements SET
			status     = $2,
			tx_hash    = COALESCE(NULLIF($3, ''), tx_hash),
			detail     = NULLIF($4, ''),
			updated_at = NOW()
		WHERE key = $1
	`, key, string(to), txHash, detail)
	if err != nil {
		return fmt.Errorf("failed to update settlement: %w", err)
	}
	return tx.Commit()
}

func (p *PostgresStore) ListUnresolved(ctx context.Context, limit int) ([]*Record, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+recordColumns+` FROM settlements
		WHERE status IN ('initiated', 'unknown')
		ORDER BY created_at LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	r := &Record{}
	var amount string
	err := row.Scan(&r.Key, &r.DealKind, &r.DealID, &r.FromAddr, &r.ToAddr, &amount, &r.Status,
		&r.TxHash, &r.Detail, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.Amount = usdc.Normalize(amount)
	return r, nil
}

var _ Store = (*PostgresStore)(nil)
