package deals

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

// NewPostgresStore creates a new PostgreSQL-backed deal store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const dealColumns = `id, seller_id, buyer_id, creator_id, creator_role, amount, COALESCE(description, ''),
	status, COALESCE(pre_dispute_status, ''), custody_address, encrypted_key, encrypted_seed,
	payment_notified, buyer_confirmed_payment, credentials_released, COALESCE(arbitration_id, ''),
	created_at, updated_at, closed_at`

func (p *PostgresStore) Create(ctx context.Context, d *Deal) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO deals (id, seller_id, buyer_id, creator_id, creator_role, amount, description,
			status, custody_address, encrypted_key, encrypted_seed, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6::NUMERIC(20,6), $7, $8, $9, $10, $11, $12, $13)
	`, d.ID, d.SellerID, d.BuyerID, d.CreatorID, string(d.CreatorRole), d.Amount, nullString(d.Description),
		string(d.Status), d.CustodyAddress, d.EncryptedKey, d.EncryptedSeed, d.CreatedAt, d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert deal: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Deal, error) {
	return scanDeal(p.db.QueryRowContext(ctx, `SELECT `+dealColumns+` FROM deals WHERE id = $1`, id))
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Deal, error) {
	return p.query(ctx, `
		SELECT `+dealColumns+` FROM deals
		WHERE seller_id = $1 OR buyer_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
}

// Update is a compare-and-swap on status. payment_notified and
// credentials_released are owned by their own CAS calls and only ever set.
func (p *PostgresStore) Update(ctx context.Context, d *Deal, expected Status) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE deals SET
			status                  = $3,
			pre_dispute_status      = $4,
			buyer_confirmed_payment = $5,
			credentials_released    = credentials_released OR $6,
			arbitration_id          = $7,
			updated_at              = $8,
			closed_at               = $9
		WHERE id = $1 AND status = $2
	`, d.ID, string(expected), string(d.Status), nullString(string(d.PreDisputeStatus)),
		d.BuyerConfirmedPayment, d.CredentialsReleased, nullString(d.ArbitrationID), d.UpdatedAt, d.ClosedAt)
	if err != nil {
		return fmt.Errorf("failed to update deal: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		if _, err := p.Get(ctx, d.ID); err != nil {
			return err
		}
		return ErrStatusChanged
	}
	return nil
}

func (p *PostgresStore) ListAwaitingNotification(ctx context.Context, limit int) ([]*Deal, error) {
	return p.query(ctx, `
		SELECT `+dealColumns+` FROM deals
		WHERE status = 'payment_confirmed' AND payment_notified = FALSE
		ORDER BY updated_at ASC
		LIMIT $1
	`, limit)
}

func (p *PostgresStore) MarkPaymentNotified(ctx context.Context, id string) (bool, error) {
	result, err := p.db.ExecContext(ctx, `
		UPDATE deals SET payment_notified = TRUE, updated_at = NOW()
		WHERE id = $1 AND payment_notified = FALSE
	`, id)
	if err != nil {
		return false, err
	}
	rows, _ := result.RowsAffected()
	return rows == 1, nil
}

func (p *PostgresStore) ClaimCredentials(ctx context.Context, id string) (bool, error) {
	result, err := p.db.ExecContext(ctx, `
		UPDATE deals SET credentials_released = TRUE, updated_at = NOW()
		WHERE id = $1 AND status = 'completed' AND credentials_released = FALSE
	`, id)
	if err != nil {
		return false, err
	}
	rows, _ := result.RowsAffected()
	return rows == 1, nil
}

func (p *PostgresStore) query(ctx context.Context, q string, args ...any) ([]*Deal, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Deal
	for rows.Next() {
		d, err := scanDeal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDeal(row rowScanner) (*Deal, error) {
	d := &Deal{}
	var amount, role, status, pre string
	var closedAt sql.NullTime
	err := row.Scan(&d.ID, &d.SellerID, &d.BuyerID, &d.CreatorID, &role, &amount, &d.Description,
		&status, &pre, &d.CustodyAddress, &d.EncryptedKey, &d.EncryptedSeed,
		&d.PaymentNotified, &d.BuyerConfirmedPayment, &d.CredentialsReleased, &d.ArbitrationID,
		&d.CreatedAt, &d.UpdatedAt, &closedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDealNotFound
	}
	if err != nil {
		return nil, err
	}
	d.Amount = usdc.Normalize(amount)
	d.CreatorRole = Role(role)
	d.Status = Status(status)
	d.PreDisputeStatus = Status(pre)
	if closedAt.Valid {
		d.ClosedAt = &closedAt.Time
	}
	return d, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

var _ Store = (*PostgresStore)(nil)
