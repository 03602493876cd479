package p2p

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/mbd888/custodia/internal/ledger"
	"github.com/mbd888/custodia/internal/settlement"
	"github.com/mbd888/custodia/internal/usdc"
)

// PostgresStore implements Store with PostgreSQL. Every operation that
// touches a frozen total runs in one serializable transaction with the
// seller's users row locked.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed P2P store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const orderColumns = `id, maker_id, side, crypto_amount, remaining, fiat_amount, rate, COALESCE(currency, ''),
	min_amount, max_amount, payment_details, status, created_at, updated_at`

const dealColumns = `id, order_id, seller_id, buyer_id, crypto_amount, fiat_amount, rate, COALESCE(currency, ''),
	payment_details, custody_address, status, COALESCE(pre_dispute_status, ''), COALESCE(arbitration_id, ''),
	COALESCE(tx_hash, ''), created_at, updated_at, closed_at`

// openStatuses are the deal statuses that hold a freeze.
const openStatuses = `('created', 'crypto_deposited', 'fiat_sent', 'fiat_confirmed', 'disputed')`

func (p *PostgresStore) CreateOrder(ctx context.Context, o *Order) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO p2p_orders (id, maker_id, side, crypto_amount, remaining, fiat_amount, rate, currency,
			min_amount, max_amount, payment_details, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4::NUMERIC(20,6), $5::NUMERIC(20,6), $6::NUMERIC(20,2), $7::NUMERIC, $8,
			$9::NUMERIC(20,6), $10::NUMERIC(20,6), $11, $12, $13, $14)
	`, o.ID, o.MakerID, string(o.Side), o.CryptoAmount, o.Remaining, o.FiatAmount, o.Rate, nullString(o.Currency),
		o.MinAmount, o.MaxAmount, o.PaymentDetails, string(o.Status), o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert order: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetOrder(ctx context.Context, id string) (*Order, error) {
	return scanOrder(p.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM p2p_orders WHERE id = $1`, id))
}

func (p *PostgresStore) ListOrders(ctx context.Context, f OrderFilter) ([]*Order, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if f.Side != "" {
		add("side = $%d", string(f.Side))
	}
	if f.MakerID != "" {
		add("maker_id = $%d", f.MakerID)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)

	q := `SELECT ` + orderColumns + ` FROM p2p_orders`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += fmt.Sprintf(` ORDER BY created_at ASC LIMIT $%d`, len(args))

	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (p *PostgresStore) UpdateOrderStatus(ctx context.Context, id string, expected, to OrderStatus) error {
	return p.inTx(ctx, func(tx *sql.Tx) error {
		status, err := lockOrderTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if status != expected {
			return ErrOrderNotActive
		}
		if to == OrderCancelled {
			busy, err := hasOpenDealTx(ctx, tx, id)
			if err != nil {
				return err
			}
			if busy {
				return ErrOrderBusy
			}
		}
		_, err = tx.ExecContext(ctx, `UPDATE p2p_orders SET status = $2, updated_at = NOW() WHERE id = $1`, id, string(to))
		return err
	})
}

func (p *PostgresStore) GetDeal(ctx context.Context, id string) (*Deal, error) {
	return scanDeal(p.db.QueryRowContext(ctx, `SELECT `+dealColumns+` FROM p2p_deals WHERE id = $1`, id))
}

func (p *PostgresStore) ListDealsByUser(ctx context.Context, userID string, limit int) ([]*Deal, error) {
	return p.queryDeals(ctx, `
		SELECT `+dealColumns+` FROM p2p_deals
		WHERE seller_id = $1 OR buyer_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
}

func (p *PostgresStore) StartDeal(ctx context.Context, d *Deal, onChain *big.Int) error {
	return p.inTx(ctx, func(tx *sql.Tx) error {
		status, err := lockOrderTx(ctx, tx, d.OrderID)
		if err != nil {
			return err
		}
		if status != OrderActive {
			return ErrOrderNotActive
		}
		busy, err := hasOpenDealTx(ctx, tx, d.OrderID)
		if err != nil {
			return err
		}
		if busy {
			return ErrOrderBusy
		}
		if err := ledger.FreezeTx(ctx, tx, d.SellerID, d.Amount(), onChain, d.ID); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO p2p_deals (id, order_id, seller_id, buyer_id, crypto_amount, fiat_amount, rate, currency,
				payment_details, custody_address, status, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5::NUMERIC(20,6), $6::NUMERIC(20,2), $7::NUMERIC, $8, $9, $10, $11, $12, $13)
		`, d.ID, d.OrderID, d.SellerID, d.BuyerID, d.CryptoAmount, d.FiatAmount, d.Rate, nullString(d.Currency),
			d.PaymentDetails, d.CustodyAddress, string(d.Status), d.CreatedAt, d.UpdatedAt)
		if err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code == "23505" {
				return ErrOrderBusy
			}
			return fmt.Errorf("failed to insert p2p deal: %w", err)
		}
		return nil
	})
}

func (p *PostgresStore) UpdateDeal(ctx context.Context, d *Deal, expected Status) error {
	return p.inTx(ctx, func(tx *sql.Tx) error {
		return updateDealTx(ctx, tx, d, expected)
	})
}

func (p *PostgresStore) BeginPayout(ctx context.Context, d *Deal, expected Status, rec *settlement.Record) error {
	return p.inTx(ctx, func(tx *sql.Tx) error {
		if err := updateDealTx(ctx, tx, d, expected); err != nil {
			return err
		}
		return settlement.BeginTx(ctx, tx, rec)
	})
}

func (p *PostgresStore) CloseDeal(ctx context.Context, d *Deal, expected Status) error {
	return p.inTx(ctx, func(tx *sql.Tx) error {
		if err := updateDealTx(ctx, tx, d, expected); err != nil {
			return err
		}
		if err := ledger.UnfreezeTx(ctx, tx, d.SellerID, d.Amount(), d.ID); err != nil {
			return err
		}
		if d.Status != StatusCompleted {
			return nil
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE p2p_orders SET
				remaining  = GREATEST(remaining - $2::NUMERIC(20,6), 0),
				status     = CASE
					WHEN GREATEST(remaining - $2::NUMERIC(20,6), 0) < min_amount AND status IN ('active', 'paused')
					THEN 'completed' ELSE status END,
				updated_at = NOW()
			WHERE id = $1
		`, d.OrderID, d.CryptoAmount)
		if err != nil {
			return fmt.Errorf("failed to draw down order: %w", err)
		}
		return nil
	})
}

func (p *PostgresStore) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]*Deal, error) {
	return p.queryDeals(ctx, `
		SELECT `+dealColumns+` FROM p2p_deals
		WHERE status = 'created' AND created_at < $1
		ORDER BY created_at ASC
		LIMIT $2
	`, cutoff, limit)
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Deal, error) {
	return p.queryDeals(ctx, `
		SELECT `+dealColumns+` FROM p2p_deals
		WHERE status = $1
		ORDER BY created_at ASC
		LIMIT $2
	`, string(status), limit)
}

func (p *PostgresStore) RepairFrozen(ctx context.Context, sellerID string, o *ledger.Override) (bool, error) {
	changed := false
	err := p.inTx(ctx, func(tx *sql.Tx) error {
		changed = false
		frozen, err := ledger.LockFrozenTx(ctx, tx, sellerID)
		if err != nil {
			return err
		}
		var sum string
		err = tx.QueryRowContext(ctx, `
			SELECT COALESCE(SUM(crypto_amount), 0)::NUMERIC(20,6)::TEXT
			FROM p2p_deals
			WHERE seller_id = $1 AND status IN `+openStatuses+`
		`, sellerID).Scan(&sum)
		if err != nil {
			return fmt.Errorf("failed to sum open deals: %w", err)
		}
		want, ok := usdc.Parse(sum)
		if !ok {
			return fmt.Errorf("corrupt open sum %q for seller %s", sum, sellerID)
		}
		if frozen.Cmp(want) == 0 {
			return nil
		}
		changed = true
		return ledger.SetFrozenTx(ctx, tx, sellerID, want, o)
	})
	return changed, err
}

func (p *PostgresStore) OpenFrozenBySeller(ctx context.Context) (map[string]*big.Int, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT seller_id, SUM(crypto_amount)::NUMERIC(20,6)::TEXT
		FROM p2p_deals
		WHERE status IN `+openStatuses+`
		GROUP BY seller_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]*big.Int)
	for rows.Next() {
		var seller, sum string
		if err := rows.Scan(&seller, &sum); err != nil {
			return nil, err
		}
		v, ok := usdc.Parse(sum)
		if !ok {
			return nil, fmt.Errorf("corrupt open sum %q for seller %s", sum, seller)
		}
		out[seller] = v
	}
	return out, rows.Err()
}

func (p *PostgresStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return ledger.RunSerializable(ctx, p.db, fn)
}

func (p *PostgresStore) queryDeals(ctx context.Context, q string, args ...any) ([]*Deal, error) {
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

func lockOrderTx(ctx context.Context, tx *sql.Tx, id string) (OrderStatus, error) {
	var status string
	err := tx.QueryRowContext(ctx, `SELECT status FROM p2p_orders WHERE id = $1 FOR UPDATE`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrOrderNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to lock order: %w", err)
	}
	return OrderStatus(status), nil
}

func hasOpenDealTx(ctx context.Context, tx *sql.Tx, orderID string) (bool, error) {
	var busy bool
	err := tx.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM p2p_deals WHERE order_id = $1 AND status IN `+openStatuses+`)
	`, orderID).Scan(&busy)
	return busy, err
}

func updateDealTx(ctx context.Context, tx *sql.Tx, d *Deal, expected Status) error {
	result, err := tx.ExecContext(ctx, `
		UPDATE p2p_deals SET
			status             = $3,
			pre_dispute_status = $4,
			arbitration_id     = $5,
			tx_hash            = $6,
			updated_at         = $7,
			closed_at          = $8
		WHERE id = $1 AND status = $2
	`, d.ID, string(expected), string(d.Status), nullString(string(d.PreDisputeStatus)),
		nullString(d.ArbitrationID), nullString(d.TxHash), d.UpdatedAt, d.ClosedAt)
	if err != nil {
		return fmt.Errorf("failed to update p2p deal: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM p2p_deals WHERE id = $1)`, d.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrDealNotFound
		}
		return ErrStatusChanged
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*Order, error) {
	o := &Order{}
	var side, status, crypto, remaining, fiat, rate, min, max string
	err := row.Scan(&o.ID, &o.MakerID, &side, &crypto, &remaining, &fiat, &rate, &o.Currency,
		&min, &max, &o.PaymentDetails, &status, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	o.Side = Side(side)
	o.Status = OrderStatus(status)
	o.CryptoAmount = usdc.Normalize(crypto)
	o.Remaining = usdc.Normalize(remaining)
	o.MinAmount = usdc.Normalize(min)
	o.MaxAmount = usdc.Normalize(max)
	o.FiatAmount = fiat
	o.Rate = normalizeRate(rate)
	return o, nil
}

func scanDeal(row rowScanner) (*Deal, error) {
	d := &Deal{}
	var status, pre, crypto, rate string
	var closedAt sql.NullTime
	err := row.Scan(&d.ID, &d.OrderID, &d.SellerID, &d.BuyerID, &crypto, &d.FiatAmount, &rate, &d.Currency,
		&d.PaymentDetails, &d.CustodyAddress, &status, &pre, &d.ArbitrationID,
		&d.TxHash, &d.CreatedAt, &d.UpdatedAt, &closedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDealNotFound
	}
	if err != nil {
		return nil, err
	}
	d.Status = Status(status)
	d.PreDisputeStatus = Status(pre)
	d.CryptoAmount = usdc.Normalize(crypto)
	d.Rate = normalizeRate(rate)
	if closedAt.Valid {
		d.ClosedAt = &closedAt.Time
	}
	return d, nil
}

func normalizeRate(s string) string {
	r, err := decimal.NewFromString(s)
	if err != nil {
		return s
	}
	return r.String()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

var _ Store = (*PostgresStore)(nil)
