package arbitration

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// PostgresStore implements Store with PostgreSQL. At most one open
// arbitration per deal is enforced by the partial unique index
// arbitrations_open_deal_idx.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed arbitration store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const arbitrationColumns = `id, deal_kind, deal_id, requester_id, COALESCE(message, ''), status,
	COALESCE(arbitrator_id, ''), COALESCE(verdict, ''), COALESCE(notes, ''), COALESCE(tx_hash, ''),
	created_at, updated_at, resolved_at`

func (p *PostgresStore) Create(ctx context.Context, a *Arbitration) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO arbitrations (id, deal_kind, deal_id, requester_id, message, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, a.ID, a.DealKind, a.DealID, a.RequesterID, nullString(a.Message), string(a.Status), a.CreatedAt, a.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrOpenExists
		}
		return fmt.Errorf("failed to insert arbitration: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Arbitration, error) {
	return scanArbitration(p.db.QueryRowContext(ctx, `SELECT `+arbitrationColumns+` FROM arbitrations WHERE id = $1`, id))
}

func (p *PostgresStore) Update(ctx context.Context, a *Arbitration, expected Status) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE arbitrations SET
			status        = $3,
			arbitrator_id = $4,
			verdict       = $5,
			notes         = $6,
			tx_hash       = $7,
			updated_at    = $8,
			resolved_at   = $9
		WHERE id = $1 AND status = $2
	`, a.ID, string(expected), string(a.Status), nullString(a.ArbitratorID), nullString(string(a.Verdict)),
		nullString(a.Notes), nullString(a.TxHash), a.UpdatedAt, a.ResolvedAt)
	if err != nil {
		return fmt.Errorf("failed to update arbitration: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		if _, err := p.Get(ctx, a.ID); err != nil {
			return err
		}
		return ErrStatusChanged
	}
	return nil
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Arbitration, error) {
	return p.query(ctx, `
		SELECT `+arbitrationColumns+` FROM arbitrations
		WHERE status = $1
		ORDER BY created_at ASC
		LIMIT $2
	`, string(status), limit)
}

func (p *PostgresStore) ListByDeal(ctx context.Context, kind, dealID string) ([]*Arbitration, error) {
	return p.query(ctx, `
		SELECT `+arbitrationColumns+` FROM arbitrations
		WHERE deal_kind = $1 AND deal_id = $2
		ORDER BY created_at DESC
	`, kind, dealID)
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Arbitration, error) {
	return p.query(ctx, `
		SELECT `+arbitrationColumns+` FROM arbitrations
		WHERE requester_id = $1 OR arbitrator_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
}

func (p *PostgresStore) query(ctx context.Context, q string, args ...any) ([]*Arbitration, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query arbitrations: %w", err)
	}
	defer rows.Close()

	var out []*Arbitration
	for rows.Next() {
		a, err := scanArbitration(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanArbitration(row rowScanner) (*Arbitration, error) {
	var (
		a          Arbitration
		status     string
		verdict    string
		resolvedAt sql.NullTime
	)
	err := row.Scan(&a.ID, &a.DealKind, &a.DealID, &a.RequesterID, &a.Message, &status,
		&a.ArbitratorID, &verdict, &a.Notes, &a.TxHash, &a.CreatedAt, &a.UpdatedAt, &resolvedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan arbitration: %w", err)
	}
	a.Status = Status(status)
	a.Verdict = Verdict(verdict)
	if resolvedAt.Valid {
		t := resolvedAt.Time
		a.ResolvedAt = &t
	}
	return &a, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

var _ Store = (*PostgresStore)(nil)
