package ledger

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/mbd888/escrowd/internal/idgen"
	"github.com/mbd888/escrowd/internal/pagination"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// GetBalance retrieves a party's balance.
func (p *PostgresStore) GetBalance(ctx context.Context, addr string) (*Balance, error) {
	bal := &Balance{Addr: addr}

	err := p.db.QueryRowContext(ctx, `
		SELECT available, held, total_in, total_out, updated_at
		FROM accounts WHERE addr = $1
	`, addr).Scan(&bal.Available, &bal.Held, &bal.TotalIn, &bal.TotalOut, &bal.UpdatedAt)

	if err == sql.ErrNoRows {
		return &Balance{
			Addr:      addr,
			Available: "0",
			Held:      "0",
			TotalIn:   "0",
			TotalOut:  "0",
		}, nil
	}
	if err != nil {
		return nil, err
	}
	return bal, nil
}

// Credit adds funds to a party's balance.
func (p *PostgresStore) Credit(ctx context.Context, addr, amount, txRef, description string) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := creditTx(ctx, tx, addr, amount); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, addr, type, amount, reference, description, created_at)
		VALUES ($1, $2, 'deposit', $3::NUMERIC(20,6), $4, $5, NOW())
	`, idgen.WithPrefix("le_"), addr, amount, txRef, description)
	if err != nil {
		return fmt.Errorf("failed to record entry: %w", err)
	}

	return tx.Commit()
}

// Hold moves amount from available into held and records the open hold by
// reference. The CHECK constraint on available >= 0 prevents overdraft at
// the DB level.
func (p *PostgresStore) Hold(ctx context.Context, addr, amount, reference string) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var exists bool
	if err := tx.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM holds WHERE reference = $1)`, reference,
	).Scan(&exists); err != nil {
		return err
	}
	if exists {
		return ErrDuplicateHold
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE accounts SET
			available  = available - $2::NUMERIC(20,6),
			held       = held + $2::NUMERIC(20,6),
			updated_at = NOW()
		WHERE addr = $1 AND available >= $2::NUMERIC(20,6)
	`, addr, amount)
	if err != nil {
		return fmt.Errorf("failed to update balance: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		// Either missing account or insufficient funds; distinguish for callers.
		var count int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM accounts WHERE addr = $1`, addr).Scan(&count); err != nil {
			return err
		}
		if count == 0 {
			return ErrAccountNotFound
		}
		return ErrInsufficientFunds
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO holds (reference, owner_addr, amount, created_at)
		VALUES ($1, $2, $3::NUMERIC(20,6), NOW())
	`, reference, addr, amount)
	if err != nil {
		return fmt.Errorf("failed to record hold: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, addr, type, amount, reference, description, created_at)
		VALUES ($1, $2, 'hold', $3::NUMERIC(20,6), $4, 'escrow_hold', NOW())
	`, idgen.WithPrefix("le_"), addr, amount, reference)
	if err != nil {
		return fmt.Errorf("failed to record entry: %w", err)
	}

	return tx.Commit()
}

// ReleaseHeld disburses an open hold to the recipient and platform.
func (p *PostgresStore) ReleaseHeld(ctx context.Context, owner, recipient, platform, recipientAmount, feeAmount, reference string) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := consumeHoldTx(ctx, tx, owner, recipientAmount, feeAmount, reference); err != nil {
		return err
	}

	// Debit owner's held balance for the full hold amount.
	_, err = tx.ExecContext(ctx, `
		UPDATE accounts SET
			held       = held - ($2::NUMERIC(20,6) + $3::NUMERIC(20,6)),
			total_out  = total_out + ($2::NUMERIC(20,6) + $3::NUMERIC(20,6)),
			updated_at = NOW()
		WHERE addr = $1
	`, owner, recipientAmount, feeAmount)
	if err != nil {
		return fmt.Errorf("failed to debit held balance: %w", err)
	}

	if err := creditTx(ctx, tx, recipient, recipientAmount); err != nil {
		return err
	}
	if err := insertEntryTx(ctx, tx, recipient, "release_in", recipientAmount, reference, "escrow_released"); err != nil {
		return err
	}

	if feeAmount != "" && feeAmount != "0" && feeAmount != "0.000000" {
		if err := creditTx(ctx, tx, platform, feeAmount); err != nil {
			return err
		}
		if err := insertEntryTx(ctx, tx, platform, "fee_in", feeAmount, reference, "platform_fee"); err != nil {
			return err
		}
	}

	if err := insertEntryTx(ctx, tx, owner, "release_out", recipientAmount, reference, "escrow_released_to_"+recipient); err != nil {
		return err
	}

	return tx.Commit()
}

// RefundHeld returns an open hold to its owner, minus any fee.
func (p *PostgresStore) RefundHeld(ctx context.Context, owner, platform, refundAmount, feeAmount, reference string) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := consumeHoldTx(ctx, tx, owner, refundAmount, feeAmount, reference); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE accounts SET
			held       = held - ($2::NUMERIC(20,6) + $3::NUMERIC(20,6)),
			available  = available + $2::NUMERIC(20,6),
			total_out  = total_out + $3::NUMERIC(20,6),
			updated_at = NOW()
		WHERE addr = $1
	`, owner, refundAmount, feeAmount)
	if err != nil {
		return fmt.Errorf("failed to refund held balance: %w", err)
	}

	if feeAmount != "" && feeAmount != "0" && feeAmount != "0.000000" {
		if err := creditTx(ctx, tx, platform, feeAmount); err != nil {
			return err
		}
		if err := insertEntryTx(ctx, tx, platform, "fee_in", feeAmount, reference, "platform_fee"); err != nil {
			return err
		}
	}

	if err := insertEntryTx(ctx, tx, owner, "refund", refundAmount, reference, "escrow_refunded"); err != nil {
		return err
	}

	return tx.Commit()
}

// consumeHoldTx locks the hold row, verifies ownership and that the
// disbursement matches the held amount exactly, then deletes the hold.
func consumeHoldTx(ctx context.Context, tx *sql.Tx, owner, mainAmount, feeAmount, reference string) error {
	var holdOwner string
	var match bool
	err := tx.QueryRowContext(ctx, `
		SELECT owner_addr, amount = ($2::NUMERIC(20,6) + $3::NUMERIC(20,6))
		FROM holds WHERE reference = $1
		FOR UPDATE
	`, reference, mainAmount, feeAmount).Scan(&holdOwner, &match)
	if err == sql.ErrNoRows {
		return ErrInsufficientHeld
	}
	if err != nil {
		return err
	}
	if holdOwner != owner || !match {
		return ErrInsufficientHeld
	}

	_, err = tx.ExecContext(ctx, `DELETE FROM holds WHERE reference = $1`, reference)
	return err
}

func creditTx(ctx context.Context, tx *sql.Tx, addr, amount string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO accounts (addr, available, held, total_in, total_out, updated_at)
		VALUES ($1, $2::NUMERIC(20,6), 0, $2::NUMERIC(20,6), 0, NOW())
		ON CONFLICT (addr) DO UPDATE SET
			available  = accounts.available + $2::NUMERIC(20,6),
			total_in   = accounts.total_in  + $2::NUMERIC(20,6),
			updated_at = NOW()
	`, addr, amount)
	if err != nil {
		return fmt.Errorf("failed to credit account: %w", err)
	}
	return nil
}

func insertEntryTx(ctx context.Context, tx *sql.Tx, addr, entryType, amount, reference, description string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, addr, type, amount, reference, description, created_at)
		VALUES ($1, $2, $3, $4::NUMERIC(20,6), $5, $6, NOW())
	`, idgen.WithPrefix("le_"), addr, entryType, amount, reference, description)
	if err != nil {
		return fmt.Errorf("failed to record entry: %w", err)
	}
	return nil
}

// HeldAmount returns the amount held under a reference.
func (p *PostgresStore) HeldAmount(ctx context.Context, reference string) (string, error) {
	var amount string
	err := p.db.QueryRowContext(ctx,
		`SELECT amount FROM holds WHERE reference = $1`, reference).Scan(&amount)
	if err == sql.ErrNoRows {
		return "", ErrHoldNotFound
	}
	return amount, err
}

// GetHistory returns ledger entries for a party, newest first. The cursor
// keyset is (created_at, id), matching the ORDER BY.
func (p *PostgresStore) GetHistory(ctx context.Context, addr string, limit int, before *pagination.Cursor) ([]*Entry, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if before != nil {
		rows, err = p.db.QueryContext(ctx, `
			SELECT id, addr, type, amount, COALESCE(reference, ''), COALESCE(description, ''), created_at
			FROM ledger_entries
			WHERE addr = $1 AND (created_at, id) < ($2, $3)
			ORDER BY created_at DESC, id DESC
			LIMIT $4
		`, addr, before.CreatedAt, before.ID, limit)
	} else {
		rows, err = p.db.QueryContext(ctx, `
			SELECT id, addr, type, amount, COALESCE(reference, ''), COALESCE(description, ''), created_at
			FROM ledger_entries
			WHERE addr = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2
		`, addr, limit)
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Entry
	for rows.Next() {
		e := &Entry{}
		if err := rows.Scan(&e.ID, &e.Addr, &e.Type, &e.Amount, &e.Reference, &e.Description, &e.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// HasDeposit reports whether a gateway deposit reference was already credited.
func (p *PostgresStore) HasDeposit(ctx context.Context, txRef string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM ledger_entries WHERE type = 'deposit' AND reference = $1
		)`, txRef).Scan(&exists)
	return exists, err
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
