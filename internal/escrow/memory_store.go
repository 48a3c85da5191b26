package escrow

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory escrow store for demo/development mode.
type MemoryStore struct {
	escrows map[string]*Escrow
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		escrows: make(map[string]*Escrow),
	}
}

func (m *MemoryStore) Create(ctx context.Context, e *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *e
	m.escrows[e.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.escrows[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	return &cp, nil
}

// Update is a compare-and-set on Version: it succeeds only when the
// stored record still carries the version the caller read, and bumps the
// version on the way in.
func (m *MemoryStore) Update(ctx context.Context, e *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.escrows[e.ID]
	if !ok {
		return ErrNotFound
	}
	if current.Version != e.Version {
		return ErrStaleRecord
	}

	cp := *e
	cp.Version++
	m.escrows[e.ID] = &cp
	e.Version = cp.Version
	return nil
}

func (m *MemoryStore) ListByParty(ctx context.Context, addr, role string, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, e := range m.escrows {
		match := false
		switch role {
		case "buyer":
			match = e.BuyerAddr == addr
		case "seller":
			match = e.SellerAddr == addr
		default:
			match = e.BuyerAddr == addr || e.SellerAddr == addr
		}
		if match {
			cp := *e
			result = append(result, &cp)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListAutoReleasable(ctx context.Context, before time.Time, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, e := range m.escrows {
		if e.State != StateCreated && e.State != StateDeliveryConfirmed {
			continue
		}
		if e.DisputeDeadline.After(before) {
			continue
		}
		cp := *e
		result = append(result, &cp)
		if len(result) >= limit {
			break
		}
	}
	return result, nil
}

// ListOpen returns escrows still holding funds: anything not yet released
// or refunded.
func (m *MemoryStore) ListOpen(ctx context.Context, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, e := range m.escrows {
		if e.State == StateReleased || e.State == StateRefunded {
			continue
		}
		cp := *e
		result = append(result, &cp)
		if len(result) >= limit {
			break
		}
	}
	return result, nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
