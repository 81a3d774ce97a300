package trade

import (
	"context"
	"database/sql"
	"time"

	"github.com/peertrade/core/internal/pagination"
)

// PostgresStore persists trade data in PostgreSQL.
//
// The conditional mutations use guarded UPDATEs: the WHERE clause carries the
// precondition, so a write that lost a race affects zero rows and the loser
// gets a precondition error instead of clobbering the winner's state.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed trade store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, t *Trade) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO trades (
			id, buyer_id, seller_id, crypto_symbol, crypto_amount,
			fiat_amount, fiat_currency, payment_method,
			status, buyer_paid_at, seller_released_at, completed_at,
			cancelled_at, disputed_at, dispute_reason, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5::NUMERIC(24,8),
			$6::NUMERIC(18,2), $7, $8,
			$9, $10, $11, $12,
			$13, $14, $15, $16, $17
		)`,
		t.ID, t.BuyerID, t.SellerID, t.CryptoSymbol, t.CryptoAmount,
		t.FiatAmount, t.FiatCurrency, nullString(t.PaymentMethod),
		string(t.Status), nullTime(t.BuyerPaidAt), nullTime(t.SellerReleasedAt), nullTime(t.CompletedAt),
		nullTime(t.CancelledAt), nullTime(t.DisputedAt), nullString(t.DisputeReason),
		t.CreatedAt, t.UpdatedAt,
	)
	return err
}

const tradeColumns = `id, buyer_id, seller_id, crypto_symbol, crypto_amount,
		       fiat_amount, fiat_currency, payment_method,
		       status, buyer_paid_at, seller_released_at, completed_at,
		       cancelled_at, disputed_at, dispute_reason, created_at, updated_at`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Trade, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+tradeColumns+` FROM trades WHERE id = $1`, id)

	t, err := scanTrade(row)
	if err == sql.ErrNoRows {
		return nil, ErrTradeNotFound
	}
	return t, err
}

func (p *PostgresStore) MarkPaid(ctx context.Context, id string, paidAt time.Time) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE trades SET buyer_paid_at = $1, updated_at = $1
		WHERE id = $2
		  AND buyer_paid_at IS NULL
		  AND LOWER(status) = 'pending'`,
		paidAt, id)
	if err != nil {
		return err
	}
	return p.classifyNoRows(ctx, result, id, func(t *Trade) error {
		if t.BuyerPaidAt != nil {
			return ErrAlreadyPaid
		}
		return ErrInvalidStatus
	})
}

func (p *PostgresStore) Complete(ctx context.Context, id string, releasedAt time.Time) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE trades SET
			status = 'completed',
			seller_released_at = $1,
			completed_at = $1,
			updated_at = $1
		WHERE id = $2
		  AND seller_released_at IS NULL
		  AND LOWER(status) IN ('payment_marked', 'paid')`,
		releasedAt, id)
	if err != nil {
		return err
	}
	return p.classifyNoRows(ctx, result, id, func(t *Trade) error {
		if t.SellerReleasedAt != nil {
			return ErrAlreadyReleased
		}
		if NormalizeStatus(string(t.Status)) == StatusPending {
			return ErrAwaitingPayment
		}
		return ErrInvalidStatus
	})
}

func (p *PostgresStore) Cancel(ctx context.Context, id string, cancelledAt time.Time) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE trades SET
			status = 'cancelled',
			cancelled_at = $1,
			updated_at = $1
		WHERE id = $2
		  AND seller_released_at IS NULL
		  AND LOWER(status) NOT IN ('completed', 'cancelled')`,
		cancelledAt, id)
	if err != nil {
		return err
	}
	return p.classifyNoRows(ctx, result, id, func(*Trade) error {
		return ErrInvalidStatus
	})
}

func (p *PostgresStore) OpenDispute(ctx context.Context, id string, disputedAt time.Time, reason string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE trades SET
			status = 'disputed',
			disputed_at = $1,
			dispute_reason = $2,
			updated_at = $1
		WHERE id = $3
		  AND LOWER(status) NOT IN ('completed', 'cancelled', 'disputed')`,
		disputedAt, reason, id)
	if err != nil {
		return err
	}
	return p.classifyNoRows(ctx, result, id, func(*Trade) error {
		return ErrInvalidStatus
	})
}

// classifyNoRows maps a zero-row conditional update onto the right sentinel:
// missing trade vs. failed precondition (another actor advanced the status).
func (p *PostgresStore) classifyNoRows(ctx context.Context, result sql.Result, id string, classify func(*Trade) error) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows > 0 {
		return nil
	}
	t, err := p.Get(ctx, id)
	if err != nil {
		return err
	}
	return classify(t)
}

func (p *PostgresStore) ListByParty(ctx context.Context, partyID string, cursor *pagination.Cursor, limit int) ([]*Trade, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if cursor != nil {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+tradeColumns+`
			FROM trades
			WHERE (buyer_id = $1 OR seller_id = $1)
			  AND (created_at, id) < ($2, $3)
			ORDER BY created_at DESC, id DESC
			LIMIT $4`, partyID, cursor.CreatedAt, cursor.ID, limit)
	} else {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+tradeColumns+`
			FROM trades
			WHERE buyer_id = $1 OR seller_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2`, partyID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanTrades(rows)
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Trade, error) {
	// Legacy rows spell payment_marked as "paid".
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+tradeColumns+`
		FROM trades
		WHERE LOWER(status) = $1
		   OR ($1 = 'payment_marked' AND LOWER(status) = 'paid')
		ORDER BY created_at DESC
		LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanTrades(rows)
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTrade(s scanner) (*Trade, error) {
	t := &Trade{}
	var (
		paymentMethod    sql.NullString
		status           string
		buyerPaidAt      sql.NullTime
		sellerReleasedAt sql.NullTime
		completedAt      sql.NullTime
		cancelledAt      sql.NullTime
		disputedAt       sql.NullTime
		disputeReason    sql.NullString
	)

	err := s.Scan(
		&t.ID, &t.BuyerID, &t.SellerID, &t.CryptoSymbol, &t.CryptoAmount,
		&t.FiatAmount, &t.FiatCurrency, &paymentMethod,
		&status, &buyerPaidAt, &sellerReleasedAt, &completedAt,
		&cancelledAt, &disputedAt, &disputeReason,
		&t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	// Legacy rows may carry the "paid" alias; normalize on the way out.
	t.Status = NormalizeStatus(status)
	t.PaymentMethod = paymentMethod.String
	t.DisputeReason = disputeReason.String
	if buyerPaidAt.Valid {
		t.BuyerPaidAt = &buyerPaidAt.Time
	}
	if sellerReleasedAt.Valid {
		t.SellerReleasedAt = &sellerReleasedAt.Time
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	if cancelledAt.Valid {
		t.CancelledAt = &cancelledAt.Time
	}
	if disputedAt.Valid {
		t.DisputedAt = &disputedAt.Time
	}

	return t, nil
}

func scanTrades(rows *sql.Rows) ([]*Trade, error) {
	var result []*Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a nil *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
