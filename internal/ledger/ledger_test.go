package ledger

import (
	"context"
	"errors"
	"testing"
)

const (
	buyerAddr    = "0x1111111111111111111111111111111111111111"
	sellerAddr   = "0x2222222222222222222222222222222222222222"
	platformAddr = "0x9999999999999999999999999999999999999999"
)

func newTestLedger() *Ledger {
	return New(NewMemoryStore(), platformAddr)
}

func TestDepositAndBalance(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()

	if err := l.Deposit(ctx, buyerAddr, "100.500000", "tx_1"); err != nil {
		t.Fatalf("Deposit failed: %v", err)
	}

	bal, err := l.GetBalance(ctx, buyerAddr)
	if err != nil {
		t.Fatalf("GetBalance failed: %v", err)
	}
	if bal.Available != "100.500000" {
		t.Errorf("expected available 100.500000, got %s", bal.Available)
	}
	if bal.TotalIn != "100.500000" {
		t.Errorf("expected total_in 100.500000, got %s", bal.TotalIn)
	}
}

func TestDepositIdempotent(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()

	if err := l.Deposit(ctx, buyerAddr, "50.000000", "tx_dup"); err != nil {
		t.Fatalf("first Deposit failed: %v", err)
	}
	err := l.Deposit(ctx, buyerAddr, "50.000000", "tx_dup")
	if !errors.Is(err, ErrDuplicateDeposit) {
		t.Errorf("expected ErrDuplicateDeposit on replay, got %v", err)
	}

	bal, _ := l.GetBalance(ctx, buyerAddr)
	if bal.Available != "50.000000" {
		t.Errorf("replayed deposit changed balance: %s", bal.Available)
	}
}

func TestDepositInvalidAmount(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()

	for _, amount := range []string{"0", "-5", "abc", ""} {
		if err := l.Deposit(ctx, buyerAddr, amount, "tx_bad"); !errors.Is(err, ErrInvalidAmount) {
			t.Errorf("amount %q: expected ErrInvalidAmount, got %v", amount, err)
		}
	}
}

func TestHoldFunds(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()

	if err := l.Deposit(ctx, buyerAddr, "100.000000", "tx_1"); err != nil {
		t.Fatalf("Deposit failed: %v", err)
	}
	if err := l.HoldFunds(ctx, buyerAddr, "60.000000", "esc_1"); err != nil {
		t.Fatalf("HoldFunds failed: %v", err)
	}

	bal, _ := l.GetBalance(ctx, buyerAddr)
	if bal.Available != "40.000000" {
		t.Errorf("expected available 40.000000, got %s", bal.Available)
	}
	if bal.Held != "60.000000" {
		t.Errorf("expected held 60.000000, got %s", bal.Held)
	}

	held, err := l.HeldBalance(ctx, "esc_1")
	if err != nil {
		t.Fatalf("HeldBalance failed: %v", err)
	}
	if held != "60.000000" {
		t.Errorf("expected held balance 60.000000, got %s", held)
	}
}

func TestHoldInsufficientFunds(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()

	if err := l.Deposit(ctx, buyerAddr, "10.000000", "tx_1"); err != nil {
		t.Fatalf("Deposit failed: %v", err)
	}
	err := l.HoldFunds(ctx, buyerAddr, "10.000001", "esc_1")
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Errorf("expected ErrInsufficientFunds, got %v", err)
	}
}

func TestHoldUnknownAccount(t *testing.T) {
	l := newTestLedger()

	err := l.HoldFunds(context.Background(), buyerAddr, "1.000000", "esc_1")
	if !errors.Is(err, ErrAccountNotFound) {
		t.Errorf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestHoldDuplicateReference(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()

	if err := l.Deposit(ctx, buyerAddr, "100.000000", "tx_1"); err != nil {
		t.Fatalf("Deposit failed: %v", err)
	}
	if err := l.HoldFunds(ctx, buyerAddr, "10.000000", "esc_1"); err != nil {
		t.Fatalf("first hold failed: %v", err)
	}
	err := l.HoldFunds(ctx, buyerAddr, "10.000000", "esc_1")
	if !errors.Is(err, ErrDuplicateHold) {
		t.Errorf("expected ErrDuplicateHold, got %v", err)
	}
}

func TestReleaseHeldWithFee(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()

	if err := l.Deposit(ctx, buyerAddr, "100.000000", "tx_1"); err != nil {
		t.Fatalf("Deposit failed: %v", err)
	}
	if err := l.HoldFunds(ctx, buyerAddr, "100.000000", "esc_1"); err != nil {
		t.Fatalf("HoldFunds failed: %v", err)
	}
	// 2.5% fee on 100: seller gets 97.50, platform gets 2.50.
	if err := l.ReleaseHeld(ctx, buyerAddr, sellerAddr, "97.500000", "2.500000", "esc_1"); err != nil {
		t.Fatalf("ReleaseHeld failed: %v", err)
	}

	buyerBal, _ := l.GetBalance(ctx, buyerAddr)
	if buyerBal.Held != "0.000000" {
		t.Errorf("expected buyer held 0.000000, got %s", buyerBal.Held)
	}
	if buyerBal.TotalOut != "100.000000" {
		t.Errorf("expected buyer total_out 100.000000, got %s", buyerBal.TotalOut)
	}

	sellerBal, _ := l.GetBalance(ctx, sellerAddr)
	if sellerBal.Available != "97.500000" {
		t.Errorf("expected seller available 97.500000, got %s", sellerBal.Available)
	}

	platBal, _ := l.GetBalance(ctx, platformAddr)
	if platBal.Available != "2.500000" {
		t.Errorf("expected platform available 2.500000, got %s", platBal.Available)
	}

	held, _ := l.HeldBalance(ctx, "esc_1")
	if held != "0.000000" {
		t.Errorf("expected hold consumed, got %s", held)
	}
}

func TestReleaseHeldExactSumRequired(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()

	if err := l.Deposit(ctx, buyerAddr, "100.000000", "tx_1"); err != nil {
		t.Fatalf("Deposit failed: %v", err)
	}
	if err := l.HoldFunds(ctx, buyerAddr, "100.000000", "esc_1"); err != nil {
		t.Fatalf("HoldFunds failed: %v", err)
	}

	// Amounts that do not sum to the held 100 must be rejected.
	err := l.ReleaseHeld(ctx, buyerAddr, sellerAddr, "97.500000", "2.000000", "esc_1")
	if !errors.Is(err, ErrInsufficientHeld) {
		t.Errorf("short disbursement: expected ErrInsufficientHeld, got %v", err)
	}
	err = l.ReleaseHeld(ctx, buyerAddr, sellerAddr, "100.000000", "2.500000", "esc_1")
	if !errors.Is(err, ErrInsufficientHeld) {
		t.Errorf("over disbursement: expected ErrInsufficientHeld, got %v", err)
	}

	// Hold survives the failed attempts.
	held, _ := l.HeldBalance(ctx, "esc_1")
	if held != "100.000000" {
		t.Errorf("expected hold intact at 100.000000, got %s", held)
	}
}

func TestReleaseHeldWrongOwner(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()

	if err := l.Deposit(ctx, buyerAddr, "100.000000", "tx_1"); err != nil {
		t.Fatalf("Deposit failed: %v", err)
	}
	if err := l.HoldFunds(ctx, buyerAddr, "100.000000", "esc_1"); err != nil {
		t.Fatalf("HoldFunds failed: %v", err)
	}

	err := l.ReleaseHeld(ctx, sellerAddr, sellerAddr, "97.500000", "2.500000", "esc_1")
	if !errors.Is(err, ErrInsufficientHeld) {
		t.Errorf("expected ErrInsufficientHeld for wrong owner, got %v", err)
	}
}

func TestRefundHeldWithFee(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()

	if err := l.Deposit(ctx, buyerAddr, "100.000000", "tx_1"); err != nil {
		t.Fatalf("Deposit failed: %v", err)
	}
	if err := l.HoldFunds(ctx, buyerAddr, "100.000000", "esc_1"); err != nil {
		t.Fatalf("HoldFunds failed: %v", err)
	}
	if err := l.RefundHeld(ctx, buyerAddr, "97.500000", "2.500000", "esc_1"); err != nil {
		t.Fatalf("RefundHeld failed: %v", err)
	}

	buyerBal, _ := l.GetBalance(ctx, buyerAddr)
	if buyerBal.Available != "97.500000" {
		t.Errorf("expected buyer available 97.500000, got %s", buyerBal.Available)
	}
	if buyerBal.Held != "0.000000" {
		t.Errorf("expected buyer held 0.000000, got %s", buyerBal.Held)
	}
	if buyerBal.TotalOut != "2.500000" {
		t.Errorf("expected buyer total_out 2.500000 (fee only), got %s", buyerBal.TotalOut)
	}

	platBal, _ := l.GetBalance(ctx, platformAddr)
	if platBal.Available != "2.500000" {
		t.Errorf("expected platform available 2.500000, got %s", platBal.Available)
	}
}

func TestRefundHeldNoFee(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()

	if err := l.Deposit(ctx, buyerAddr, "100.000000", "tx_1"); err != nil {
		t.Fatalf("Deposit failed: %v", err)
	}
	if err := l.HoldFunds(ctx, buyerAddr, "100.000000", "esc_1"); err != nil {
		t.Fatalf("HoldFunds failed: %v", err)
	}
	if err := l.RefundHeld(ctx, buyerAddr, "100.000000", "0.000000", "esc_1"); err != nil {
		t.Fatalf("RefundHeld failed: %v", err)
	}

	buyerBal, _ := l.GetBalance(ctx, buyerAddr)
	if buyerBal.Available != "100.000000" {
		t.Errorf("expected full refund of 100.000000, got %s", buyerBal.Available)
	}
	if buyerBal.TotalOut != "0.000000" {
		t.Errorf("expected buyer total_out 0.000000, got %s", buyerBal.TotalOut)
	}
}

func TestHeldBalanceUnknownReference(t *testing.T) {
	l := newTestLedger()

	held, err := l.HeldBalance(context.Background(), "esc_missing")
	if err != nil {
		t.Fatalf("HeldBalance failed: %v", err)
	}
	if held != "0.000000" {
		t.Errorf("expected 0.000000 for unknown reference, got %s", held)
	}
}

func TestGetHistory(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()

	if err := l.Deposit(ctx, buyerAddr, "100.000000", "tx_1"); err != nil {
		t.Fatalf("Deposit failed: %v", err)
	}
	if err := l.HoldFunds(ctx, buyerAddr, "60.000000", "esc_1"); err != nil {
		t.Fatalf("HoldFunds failed: %v", err)
	}
	if err := l.ReleaseHeld(ctx, buyerAddr, sellerAddr, "58.500000", "1.500000", "esc_1"); err != nil {
		t.Fatalf("ReleaseHeld failed: %v", err)
	}

	entries, err := l.GetHistory(ctx, buyerAddr, 10, nil)
	if err != nil {
		t.Fatalf("GetHistory failed: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	// Newest first.
	if entries[0].Type != "release_out" {
		t.Errorf("expected newest entry release_out, got %s", entries[0].Type)
	}
	if entries[2].Type != "deposit" {
		t.Errorf("expected oldest entry deposit, got %s", entries[2].Type)
	}

	sellerEntries, err := l.GetHistory(ctx, sellerAddr, 10, nil)
	if err != nil {
		t.Fatalf("GetHistory failed: %v", err)
	}
	if len(sellerEntries) != 1 || sellerEntries[0].Type != "release_in" {
		t.Errorf("expected single release_in entry for seller, got %+v", sellerEntries)
	}
}

func TestAddressesNormalized(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()

	upper := "0X1111111111111111111111111111111111111111"
	if err := l.Deposit(ctx, upper, "10.000000", "tx_1"); err != nil {
		t.Fatalf("Deposit failed: %v", err)
	}

	bal, _ := l.GetBalance(ctx, buyerAddr)
	if bal.Available != "10.000000" {
		t.Errorf("expected case-insensitive address match, got available %s", bal.Available)
	}
}
