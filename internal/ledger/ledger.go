// Package ledger tracks party balances and escrow holds on the platform.
//
// Flow:
//  1. Payment gateway confirms a deposit → party's available balance credited
//  2. Escrow creation holds funds: available → held, tagged by escrow ID
//  3. Release: held → seller's available (net) + platform's available (fee)
//  4. Refund: held → buyer's available (net), fee to platform per policy
//
// The ledger is the only component that moves value. The escrow state
// machine drives it exclusively through Hold/Release/Refund with the escrow
// ID as the reference, so every held unit is attributable to one record.
package ledger

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/mbd888/escrowd/internal/money"
	"github.com/mbd888/escrowd/internal/pagination"
)

var (
	ErrInsufficientFunds = errors.New("ledger: insufficient available balance")
	ErrInsufficientHeld  = errors.New("ledger: insufficient held balance for reference")
	ErrAccountNotFound   = errors.New("ledger: account not found")
	ErrInvalidAmount     = errors.New("ledger: invalid amount")
	ErrDuplicateDeposit  = errors.New("ledger: deposit already processed")
	ErrDuplicateHold     = errors.New("ledger: hold already exists for reference")
	ErrHoldNotFound      = errors.New("ledger: no hold for reference")
)

// Entry represents an immutable ledger entry.
type Entry struct {
	ID          string    `json:"id"`
	Addr        string    `json:"addr"`
	Type        string    `json:"type"` // deposit, hold, release_out, release_in, fee_in, refund
	Amount      string    `json:"amount"`
	Reference   string    `json:"reference,omitempty"` // escrow ID or gateway tx reference
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Balance represents a party's balance.
type Balance struct {
	Addr      string    `json:"addr"`
	Available string    `json:"available"` // Spendable
	Held      string    `json:"held"`      // Locked in open escrows
	TotalIn   string    `json:"totalIn"`   // Lifetime credits
	TotalOut  string    `json:"totalOut"`  // Lifetime debits
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store persists ledger data. Every method is a single atomic operation;
// stores must guarantee serializable consistency per account and per hold.
type Store interface {
	GetBalance(ctx context.Context, addr string) (*Balance, error)
	Credit(ctx context.Context, addr, amount, txRef, description string) error
	Hold(ctx context.Context, addr, amount, reference string) error
	ReleaseHeld(ctx context.Context, owner, recipient, platform, recipientAmount, feeAmount, reference string) error
	RefundHeld(ctx context.Context, owner, platform, refundAmount, feeAmount, reference string) error
	HeldAmount(ctx context.Context, reference string) (string, error)
	GetHistory(ctx context.Context, addr string, limit int, before *pagination.Cursor) ([]*Entry, error)
	HasDeposit(ctx context.Context, txRef string) (bool, error)
}

// Ledger manages party balances and escrow holds.
type Ledger struct {
	store        Store
	platformAddr string
}

// New creates a new ledger crediting fees to the given platform account.
func New(store Store, platformAddr string) *Ledger {
	return &Ledger{store: store, platformAddr: strings.ToLower(platformAddr)}
}

// GetBalance returns a party's current balance.
func (l *Ledger) GetBalance(ctx context.Context, addr string) (*Balance, error) {
	return l.store.GetBalance(ctx, strings.ToLower(addr))
}

// Deposit credits a party's balance from a confirmed gateway payment.
// Idempotent per txRef: replays return ErrDuplicateDeposit.
func (l *Ledger) Deposit(ctx context.Context, addr, amount, txRef string) error {
	if !money.IsPositive(amount) {
		return ErrInvalidAmount
	}

	exists, err := l.store.HasDeposit(ctx, txRef)
	if err != nil {
		return err
	}
	if exists {
		return ErrDuplicateDeposit
	}

	return l.store.Credit(ctx, strings.ToLower(addr), amount, txRef, "gateway_deposit")
}

// HoldFunds moves amount from a party's available balance into a held
// balance tagged by reference (the escrow ID).
func (l *Ledger) HoldFunds(ctx context.Context, addr, amount, reference string) error {
	if !money.IsPositive(amount) {
		return ErrInvalidAmount
	}
	return l.store.Hold(ctx, strings.ToLower(addr), amount, reference)
}

// ReleaseHeld disburses the hold tagged by reference: recipientAmount to
// the recipient and feeAmount to the platform account. The two must sum
// to exactly the held amount or the store rejects with ErrInsufficientHeld.
func (l *Ledger) ReleaseHeld(ctx context.Context, owner, recipient, recipientAmount, feeAmount, reference string) error {
	if !money.IsPositive(recipientAmount) {
		return ErrInvalidAmount
	}
	return l.store.ReleaseHeld(ctx,
		strings.ToLower(owner), strings.ToLower(recipient), l.platformAddr,
		recipientAmount, feeAmount, reference)
}

// RefundHeld returns the hold tagged by reference to its owner:
// refundAmount back to the owner's available balance and feeAmount to the
// platform account (zero when the fee is waived).
func (l *Ledger) RefundHeld(ctx context.Context, owner, refundAmount, feeAmount, reference string) error {
	if !money.IsPositive(refundAmount) {
		return ErrInvalidAmount
	}
	return l.store.RefundHeld(ctx,
		strings.ToLower(owner), l.platformAddr,
		refundAmount, feeAmount, reference)
}

// HeldBalance returns the amount currently held under reference,
// or "0.000000" if no hold exists.
func (l *Ledger) HeldBalance(ctx context.Context, reference string) (string, error) {
	amt, err := l.store.HeldAmount(ctx, reference)
	if errors.Is(err, ErrHoldNotFound) {
		return "0.000000", nil
	}
	return amt, err
}

// GetHistory returns ledger entries for a party, newest first. A non-nil
// cursor restricts results to entries strictly older than the cursor
// position.
func (l *Ledger) GetHistory(ctx context.Context, addr string, limit int, before *pagination.Cursor) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	return l.store.GetHistory(ctx, strings.ToLower(addr), limit, before)
}
