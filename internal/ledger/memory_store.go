package ledger

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/mbd888/escrowd/internal/idgen"
	"github.com/mbd888/escrowd/internal/money"
	"github.com/mbd888/escrowd/internal/pagination"
)

// MemoryStore is an in-memory ledger store for demo/development mode.
type MemoryStore struct {
	balances map[string]*Balance
	entries  []*Entry
	deposits map[string]bool
	holds    map[string]*hold // reference -> open hold
	mu       sync.Mutex
}

type hold struct {
	owner  string
	amount string
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances: make(map[string]*Balance),
		entries:  make([]*Entry, 0),
		deposits: make(map[string]bool),
		holds:    make(map[string]*hold),
	}
}

func newBalance(addr string) *Balance {
	return &Balance{
		Addr:      addr,
		Available: "0",
		Held:      "0",
		TotalIn:   "0",
		TotalOut:  "0",
	}
}

func (m *MemoryStore) balance(addr string) *Balance {
	bal, ok := m.balances[addr]
	if !ok {
		bal = newBalance(addr)
		m.balances[addr] = bal
	}
	return bal
}

func (m *MemoryStore) append(addr, entryType, amount, reference, description string) {
	m.entries = append(m.entries, &Entry{
		ID:          idgen.WithPrefix("le_"),
		Addr:        addr,
		Type:        entryType,
		Amount:      amount,
		Reference:   reference,
		Description: description,
		CreatedAt:   time.Now(),
	})
}

func (m *MemoryStore) GetBalance(ctx context.Context, addr string) (*Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if bal, ok := m.balances[addr]; ok {
		cp := *bal
		return &cp, nil
	}
	b := newBalance(addr)
	b.UpdatedAt = time.Now()
	return b, nil
}

func (m *MemoryStore) Credit(ctx context.Context, addr, amount, txRef, description string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	bal := m.balance(addr)

	avail, _ := money.Parse(bal.Available)
	totalIn, _ := money.Parse(bal.TotalIn)
	add, _ := money.Parse(amount)

	avail.Add(avail, add)
	totalIn.Add(totalIn, add)
	bal.Available = money.Format(avail)
	bal.TotalIn = money.Format(totalIn)
	bal.UpdatedAt = time.Now()

	m.deposits[txRef] = true
	m.append(addr, "deposit", amount, txRef, description)

	return nil
}

func (m *MemoryStore) Hold(ctx context.Context, addr, amount, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.holds[reference]; exists {
		return ErrDuplicateHold
	}

	bal, ok := m.balances[addr]
	if !ok {
		return ErrAccountNotFound
	}

	avail, _ := money.Parse(bal.Available)
	held, _ := money.Parse(bal.Held)
	sub, _ := money.Parse(amount)

	if avail.Cmp(sub) < 0 {
		return ErrInsufficientFunds
	}

	avail.Sub(avail, sub)
	held.Add(held, sub)
	bal.Available = money.Format(avail)
	bal.Held = money.Format(held)
	bal.UpdatedAt = time.Now()

	m.holds[reference] = &hold{owner: addr, amount: money.Format(sub)}
	m.append(addr, "hold", amount, reference, "escrow_hold")

	return nil
}

func (m *MemoryStore) ReleaseHeld(ctx context.Context, owner, recipient, platform, recipientAmount, feeAmount, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, total, err := m.takeHold(owner, recipientAmount, feeAmount, reference)
	if err != nil {
		return err
	}

	ownerBal := m.balances[h.owner]
	held, _ := money.Parse(ownerBal.Held)
	totalOut, _ := money.Parse(ownerBal.TotalOut)
	held.Sub(held, total)
	totalOut.Add(totalOut, total)
	ownerBal.Held = money.Format(held)
	ownerBal.TotalOut = money.Format(totalOut)
	ownerBal.UpdatedAt = time.Now()

	m.creditLocked(recipient, recipientAmount, "release_in", reference, "escrow_released")
	if money.IsPositive(feeAmount) {
		m.creditLocked(platform, feeAmount, "fee_in", reference, "platform_fee")
	}

	delete(m.holds, reference)
	m.append(owner, "release_out", money.Format(total), reference, "escrow_released_to_"+recipient)

	return nil
}

func (m *MemoryStore) RefundHeld(ctx context.Context, owner, platform, refundAmount, feeAmount, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, total, err := m.takeHold(owner, refundAmount, feeAmount, reference)
	if err != nil {
		return err
	}

	ownerBal := m.balances[h.owner]
	avail, _ := money.Parse(ownerBal.Available)
	held, _ := money.Parse(ownerBal.Held)
	totalOut, _ := money.Parse(ownerBal.TotalOut)
	refund, _ := money.Parse(refundAmount)
	fee, _ := money.Parse(feeAmount)

	held.Sub(held, total)
	avail.Add(avail, refund)
	totalOut.Add(totalOut, fee)
	ownerBal.Available = money.Format(avail)
	ownerBal.Held = money.Format(held)
	ownerBal.TotalOut = money.Format(totalOut)
	ownerBal.UpdatedAt = time.Now()

	if money.IsPositive(feeAmount) {
		m.creditLocked(platform, feeAmount, "fee_in", reference, "platform_fee")
	}

	delete(m.holds, reference)
	m.append(owner, "refund", refundAmount, reference, "escrow_refunded")

	return nil
}

// takeHold validates that the hold exists, belongs to owner, and covers
// exactly the requested disbursement. Caller holds the mutex.
func (m *MemoryStore) takeHold(owner, mainAmount, feeAmount, reference string) (*hold, *big.Int, error) {
	h, ok := m.holds[reference]
	if !ok || h.owner != owner {
		return nil, nil, ErrInsufficientHeld
	}

	heldAmt, _ := money.Parse(h.amount)
	main, _ := money.Parse(mainAmount)
	fee, _ := money.Parse(feeAmount)
	total := new(big.Int).Add(main, fee)

	if heldAmt.Cmp(total) != 0 {
		return nil, nil, ErrInsufficientHeld
	}
	return h, total, nil
}

// creditLocked credits an account without touching deposits. Caller holds the mutex.
func (m *MemoryStore) creditLocked(addr, amount, entryType, reference, description string) {
	bal := m.balance(addr)
	avail, _ := money.Parse(bal.Available)
	totalIn, _ := money.Parse(bal.TotalIn)
	add, _ := money.Parse(amount)
	avail.Add(avail, add)
	totalIn.Add(totalIn, add)
	bal.Available = money.Format(avail)
	bal.TotalIn = money.Format(totalIn)
	bal.UpdatedAt = time.Now()
	m.append(addr, entryType, amount, reference, description)
}

func (m *MemoryStore) HeldAmount(ctx context.Context, reference string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.holds[reference]
	if !ok {
		return "", ErrHoldNotFound
	}
	return h.amount, nil
}

func (m *MemoryStore) GetHistory(ctx context.Context, addr string, limit int, before *pagination.Cursor) ([]*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []*Entry
	for i := len(m.entries) - 1; i >= 0 && len(result) < limit; i-- {
		e := m.entries[i]
		if e.Addr != addr {
			continue
		}
		if before != nil && !olderThan(e, before) {
			continue
		}
		result = append(result, e)
	}
	return result, nil
}

// olderThan compares an entry against a cursor position on the
// (created_at, id) tuple, matching the Postgres ordering.
func olderThan(e *Entry, c *pagination.Cursor) bool {
	if e.CreatedAt.Before(c.CreatedAt) {
		return true
	}
	return e.CreatedAt.Equal(c.CreatedAt) && e.ID < c.ID
}

func (m *MemoryStore) HasDeposit(ctx context.Context, txRef string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deposits[txRef], nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
