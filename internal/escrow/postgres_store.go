package escrow

import (
	"context"
	"database/sql"
	"time"
)

// PostgresStore persists escrow records in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, e *Escrow) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrows (
			id, order_id, buyer_addr, seller_addr, amount, fee_amount, fee_rate_bps,
			state, seller_confirmed, buyer_confirmed, tracking_info,
			dispute_reason, dispute_resolver, resolution,
			delivery_deadline, dispute_deadline, resolved_at,
			version, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5::NUMERIC(20,6), $6::NUMERIC(20,6), $7,
			$8, $9, $10, $11,
			$12, $13, $14,
			$15, $16, $17,
			$18, $19, $20
		)`,
		e.ID, e.OrderID, e.BuyerAddr, e.SellerAddr, e.Amount, e.FeeAmount, e.FeeRateBps,
		string(e.State), e.SellerConfirmed, e.BuyerConfirmed, e.TrackingInfo,
		e.DisputeReason, e.DisputeResolver, e.Resolution,
		e.DeliveryDeadline, e.DisputeDeadline, nullTime(e.ResolvedAt),
		e.Version, e.CreatedAt, e.UpdatedAt,
	)
	return err
}

const escrowColumns = `id, order_id, buyer_addr, seller_addr, amount, fee_amount, fee_rate_bps,
		       state, seller_confirmed, buyer_confirmed, tracking_info,
		       dispute_reason, dispute_resolver, resolution,
		       delivery_deadline, dispute_deadline, resolved_at,
		       version, created_at, updated_at`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = $1`, id)

	e, err := scanEscrow(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return e, err
}

// Update writes the record back only if the stored version still matches
// the version the caller read; the version column is bumped in the same
// statement. A zero row count means either the record vanished or another
// writer got there first.
func (p *PostgresStore) Update(ctx context.Context, e *Escrow) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrows SET
			state = $1, seller_confirmed = $2, buyer_confirmed = $3,
			tracking_info = $4, dispute_reason = $5, dispute_resolver = $6,
			resolution = $7, resolved_at = $8, updated_at = $9,
			version = version + 1
		WHERE id = $10 AND version = $11`,
		string(e.State), e.SellerConfirmed, e.BuyerConfirmed,
		e.TrackingInfo, e.DisputeReason, e.DisputeResolver,
		e.Resolution, nullTime(e.ResolvedAt), e.UpdatedAt,
		e.ID, e.Version,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		var exists bool
		if err := p.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM escrows WHERE id = $1)`, e.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrStaleRecord
	}
	e.Version++
	return nil
}

func (p *PostgresStore) ListByParty(ctx context.Context, addr, role string, limit int) ([]*Escrow, error) {
	query := `SELECT ` + escrowColumns + ` FROM escrows WHERE `
	switch role {
	case "buyer":
		query += `buyer_addr = $1`
	case "seller":
		query += `seller_addr = $1`
	default:
		query += `(buyer_addr = $1 OR seller_addr = $1)`
	}
	query += ` ORDER BY created_at DESC LIMIT $2`

	rows, err := p.db.QueryContext(ctx, query, addr, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

func (p *PostgresStore) ListAutoReleasable(ctx context.Context, before time.Time, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE state IN ('created', 'delivery_confirmed')
		  AND dispute_deadline <= $1
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

// ListOpen returns escrows still holding funds: anything not yet released
// or refunded.
func (p *PostgresStore) ListOpen(ctx context.Context, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE state IN ('created', 'delivery_confirmed', 'disputed')
		ORDER BY created_at
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEscrow(s scanner) (*Escrow, error) {
	e := &Escrow{}
	var (
		state      string
		resolvedAt sql.NullTime
	)

	err := s.Scan(
		&e.ID, &e.OrderID, &e.BuyerAddr, &e.SellerAddr, &e.Amount, &e.FeeAmount, &e.FeeRateBps,
		&state, &e.SellerConfirmed, &e.BuyerConfirmed, &e.TrackingInfo,
		&e.DisputeReason, &e.DisputeResolver, &e.Resolution,
		&e.DeliveryDeadline, &e.DisputeDeadline, &resolvedAt,
		&e.Version, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	e.State = State(state)
	if resolvedAt.Valid {
		e.ResolvedAt = &resolvedAt.Time
	}

	return e, nil
}

func scanEscrows(rows *sql.Rows) ([]*Escrow, error) {
	var result []*Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
