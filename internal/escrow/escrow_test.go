package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"
)

const (
	testBuyer    = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa1"
	testSeller   = "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb2"
	testResolver = "0xccccccccccccccccccccccccccccccccccccccc3"
	testStranger = "0xddddddddddddddddddddddddddddddddddddddd4"
)

// fakeClock is a mutable time source shared between test and service.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type disbursement struct {
	owner     string
	recipient string
	amount    string
	fee       string
	reference string
}

// mockLedger tracks holds per reference and enforces that a disbursement
// consumes an open hold, mimicking the real adapter's defensive checks.
type mockLedger struct {
	mu        sync.Mutex
	holds     map[string]string // reference -> amount
	released  []disbursement
	refunded  []disbursement
	holdErr   error
	moveErr   error
	refundErr error
}

func newMockLedger() *mockLedger {
	return &mockLedger{holds: make(map[string]string)}
}

func (m *mockLedger) HoldFunds(ctx context.Context, addr, amount, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.holdErr != nil {
		return m.holdErr
	}
	m.holds[reference] = amount
	return nil
}

func (m *mockLedger) ReleaseHeld(ctx context.Context, owner, recipient, recipientAmount, feeAmount, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.moveErr != nil {
		return m.moveErr
	}
	if _, ok := m.holds[reference]; !ok {
		return errors.New("no held funds for reference")
	}
	delete(m.holds, reference)
	m.released = append(m.released, disbursement{owner, recipient, recipientAmount, feeAmount, reference})
	return nil
}

func (m *mockLedger) RefundHeld(ctx context.Context, owner, refundAmount, feeAmount, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.refundErr != nil {
		return m.refundErr
	}
	if _, ok := m.holds[reference]; !ok {
		return errors.New("no held funds for reference")
	}
	delete(m.holds, reference)
	m.refunded = append(m.refunded, disbursement{owner, "", refundAmount, feeAmount, reference})
	return nil
}

func (m *mockLedger) heldFor(reference string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.holds[reference]
}

// captureSink records emitted events in order.
type captureSink struct {
	mu     sync.Mutex
	events []string
}

func (s *captureSink) EscrowEvent(_ context.Context, event string, _ *Escrow) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func (s *captureSink) all() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.events...)
}

func testPolicy() Policy {
	return Policy{
		FeeRateBps:        250,
		DeliveryWindow:    72 * time.Hour,
		MaxDeliveryWindow: 30 * 24 * time.Hour,
		DisputeWindow:     72 * time.Hour,
		FeeOnRefund:       true,
		ResolverAddr:      testResolver,
	}
}

type testEnv struct {
	svc    *Service
	store  *MemoryStore
	ledger *mockLedger
	clock  *fakeClock
	events *captureSink
}

func newTestEnv(t *testing.T, policy Policy) *testEnv {
	t.Helper()
	env := &testEnv{
		store:  NewMemoryStore(),
		ledger: newMockLedger(),
		clock:  newFakeClock(),
		events: &captureSink{},
	}
	env.svc = NewService(env.store, env.ledger, policy, slog.Default()).
		WithEvents(env.events).
		WithClock(env.clock.Now)
	return env
}

func (env *testEnv) create(t *testing.T, amount string) *Escrow {
	t.Helper()
	e, err := env.svc.Create(context.Background(), CreateRequest{
		OrderID:    "ord_1",
		BuyerAddr:  testBuyer,
		SellerAddr: testSeller,
		Amount:     amount,
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	return e
}

func TestCreateEscrow(t *testing.T) {
	env := newTestEnv(t, testPolicy())

	e := env.create(t, "100.000000")

	if e.State != StateCreated {
		t.Errorf("expected state created, got %s", e.State)
	}
	if e.FeeAmount != "2.500000" {
		t.Errorf("expected fee 2.500000 at 250 bps, got %s", e.FeeAmount)
	}
	if e.Version != 1 {
		t.Errorf("expected version 1, got %d", e.Version)
	}
	if !e.DeliveryDeadline.After(e.CreatedAt) {
		t.Error("delivery deadline must be after creation")
	}
	if !e.DisputeDeadline.After(e.DeliveryDeadline) {
		t.Error("dispute deadline must be after delivery deadline")
	}
	wantDelivery := env.clock.Now().Add(72 * time.Hour)
	if !e.DeliveryDeadline.Equal(wantDelivery) {
		t.Errorf("expected delivery deadline %v, got %v", wantDelivery, e.DeliveryDeadline)
	}
	if !e.DisputeDeadline.Equal(wantDelivery.Add(72 * time.Hour)) {
		t.Errorf("unexpected dispute deadline %v", e.DisputeDeadline)
	}

	if held := env.ledger.heldFor(e.ID); held != "100.000000" {
		t.Errorf("expected 100.000000 held under escrow ID, got %q", held)
	}
	if got := env.events.all(); len(got) != 1 || got[0] != EventCreated {
		t.Errorf("expected single %s event, got %v", EventCreated, got)
	}
}

func TestCreateCustomDeliveryWindow(t *testing.T) {
	env := newTestEnv(t, testPolicy())

	e, err := env.svc.Create(context.Background(), CreateRequest{
		OrderID:        "ord_1",
		BuyerAddr:      testBuyer,
		SellerAddr:     testSeller,
		Amount:         "10.000000",
		DeliveryWindow: "24h",
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if !e.DeliveryDeadline.Equal(env.clock.Now().Add(24 * time.Hour)) {
		t.Errorf("custom window not honored: %v", e.DeliveryDeadline)
	}
}

func TestCreateRejections(t *testing.T) {
	env := newTestEnv(t, testPolicy())
	ctx := context.Background()

	cases := []struct {
		name string
		req  CreateRequest
	}{
		{"zero amount", CreateRequest{OrderID: "o", BuyerAddr: testBuyer, SellerAddr: testSeller, Amount: "0"}},
		{"negative amount", CreateRequest{OrderID: "o", BuyerAddr: testBuyer, SellerAddr: testSeller, Amount: "-1"}},
		{"self dealing", CreateRequest{OrderID: "o", BuyerAddr: testBuyer, SellerAddr: testBuyer, Amount: "1.000000"}},
		{"bad window", CreateRequest{OrderID: "o", BuyerAddr: testBuyer, SellerAddr: testSeller, Amount: "1.000000", DeliveryWindow: "soon"}},
		{"window too long", CreateRequest{OrderID: "o", BuyerAddr: testBuyer, SellerAddr: testSeller, Amount: "1.000000", DeliveryWindow: "8760h"}},
	}
	for _, tc := range cases {
		if _, err := env.svc.Create(ctx, tc.req); err == nil {
			t.Errorf("%s: expected error", tc.name)
		}
	}
	if len(env.ledger.holds) != 0 {
		t.Errorf("rejected creates must not hold funds, got %v", env.ledger.holds)
	}
}

func TestCreateLedgerFailureLeavesNoRecord(t *testing.T) {
	env := newTestEnv(t, testPolicy())
	env.ledger.holdErr = errors.New("insufficient funds")

	_, err := env.svc.Create(context.Background(), CreateRequest{
		OrderID: "ord_1", BuyerAddr: testBuyer, SellerAddr: testSeller, Amount: "100.000000",
	})
	if err == nil {
		t.Fatal("expected error when hold fails")
	}
	if got := env.events.all(); len(got) != 0 {
		t.Errorf("no events expected on failed create, got %v", got)
	}
}

type failingCreateStore struct {
	Store
}

func (f *failingCreateStore) Create(ctx context.Context, e *Escrow) error {
	return errors.New("store down")
}

func TestCreateStoreFailureRefundsHold(t *testing.T) {
	mem := NewMemoryStore()
	ml := newMockLedger()
	svc := NewService(&failingCreateStore{mem}, ml, testPolicy(), slog.Default())

	_, err := svc.Create(context.Background(), CreateRequest{
		OrderID: "ord_1", BuyerAddr: testBuyer, SellerAddr: testSeller, Amount: "100.000000",
	})
	if err == nil {
		t.Fatal("expected error when store fails")
	}
	if len(ml.holds) != 0 {
		t.Errorf("held funds must be returned after store failure, got %v", ml.holds)
	}
	if len(ml.refunded) != 1 {
		t.Fatalf("expected one compensating refund, got %d", len(ml.refunded))
	}
	if ml.refunded[0].amount != "100.000000" || ml.refunded[0].fee != "0.000000" {
		t.Errorf("compensating refund must return the full amount fee-free: %+v", ml.refunded[0])
	}
}

func TestConfirmDelivery(t *testing.T) {
	env := newTestEnv(t, testPolicy())
	e := env.create(t, "100.000000")

	updated, err := env.svc.ConfirmDelivery(context.Background(), e.ID, testSeller, "TRACK-123")
	if err != nil {
		t.Fatalf("ConfirmDelivery failed: %v", err)
	}
	if updated.State != StateDeliveryConfirmed {
		t.Errorf("expected delivery_confirmed, got %s", updated.State)
	}
	if !updated.SellerConfirmed {
		t.Error("sellerConfirmed should be set")
	}
	if updated.TrackingInfo != "TRACK-123" {
		t.Errorf("tracking info not recorded: %q", updated.TrackingInfo)
	}
	if updated.Version != 2 {
		t.Errorf("expected version bump to 2, got %d", updated.Version)
	}
}

func TestConfirmDeliveryWrongCaller(t *testing.T) {
	env := newTestEnv(t, testPolicy())
	e := env.create(t, "100.000000")

	for _, caller := range []string{testBuyer, testStranger} {
		if _, err := env.svc.ConfirmDelivery(context.Background(), e.ID, caller, ""); !errors.Is(err, ErrUnauthorized) {
			t.Errorf("caller %s: expected ErrUnauthorized, got %v", caller, err)
		}
	}
}

func TestConfirmDeliveryWrongState(t *testing.T) {
	env := newTestEnv(t, testPolicy())
	e := env.create(t, "100.000000")

	if _, err := env.svc.ConfirmDelivery(context.Background(), e.ID, testSeller, "t1"); err != nil {
		t.Fatalf("first ConfirmDelivery failed: %v", err)
	}
	// Not repeatable: the record left created.
	if _, err := env.svc.ConfirmDelivery(context.Background(), e.ID, testSeller, "t2"); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState on second confirm, got %v", err)
	}
}

func TestConfirmReceiptHappyPath(t *testing.T) {
	env := newTestEnv(t, testPolicy())
	e := env.create(t, "100.000000")

	if _, err := env.svc.ConfirmDelivery(context.Background(), e.ID, testSeller, "TRACK-123"); err != nil {
		t.Fatalf("ConfirmDelivery failed: %v", err)
	}
	released, err := env.svc.ConfirmReceipt(context.Background(), e.ID, testBuyer)
	if err != nil {
		t.Fatalf("ConfirmReceipt failed: %v", err)
	}

	if released.State != StateReleased {
		t.Errorf("expected released, got %s", released.State)
	}
	if !released.BuyerConfirmed || !released.SellerConfirmed {
		t.Error("both confirmation flags should be set")
	}
	if released.Resolution != ResolutionBuyerConfirmed {
		t.Errorf("unexpected resolution %q", released.Resolution)
	}
	if released.ResolvedAt == nil {
		t.Error("resolvedAt should be set on terminal records")
	}

	if len(env.ledger.released) != 1 {
		t.Fatalf("expected exactly one disbursement, got %d", len(env.ledger.released))
	}
	d := env.ledger.released[0]
	if d.amount != "97.500000" || d.fee != "2.500000" {
		t.Errorf("expected 97.500000 to seller and 2.500000 fee, got %s / %s", d.amount, d.fee)
	}
	if d.recipient != testSeller {
		t.Errorf("disbursement recipient %s, want %s", d.recipient, testSeller)
	}
	if env.ledger.heldFor(e.ID) != "" {
		t.Error("terminal escrow must leave zero held balance")
	}
}

func TestConfirmReceiptEarlyAcceptance(t *testing.T) {
	env := newTestEnv(t, testPolicy())
	e := env.create(t, "100.000000")

	// Buyer accepts straight from created, without seller confirmation.
	released, err := env.svc.ConfirmReceipt(context.Background(), e.ID, testBuyer)
	if err != nil {
		t.Fatalf("ConfirmReceipt failed: %v", err)
	}
	if released.State != StateReleased {
		t.Errorf("expected released, got %s", released.State)
	}
	if released.SellerConfirmed {
		t.Error("sellerConfirmed should remain false on early acceptance")
	}
}

func TestConfirmReceiptRejections(t *testing.T) {
	env := newTestEnv(t, testPolicy())
	e := env.create(t, "100.000000")
	ctx := context.Background()

	if _, err := env.svc.ConfirmReceipt(ctx, e.ID, testSeller); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("seller confirming receipt: expected ErrUnauthorized, got %v", err)
	}
	if _, err := env.svc.ConfirmReceipt(ctx, "esc_missing", testBuyer); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	if _, err := env.svc.ConfirmReceipt(ctx, e.ID, testBuyer); err != nil {
		t.Fatalf("ConfirmReceipt failed: %v", err)
	}
	// Terminal records reject every transition.
	if _, err := env.svc.ConfirmReceipt(ctx, e.ID, testBuyer); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState on terminal record, got %v", err)
	}
	if len(env.ledger.released) != 1 {
		t.Fatalf("funds must not be disbursed twice, got %d disbursements", len(env.ledger.released))
	}
}

func TestLedgerFailureAbortsRelease(t *testing.T) {
	env := newTestEnv(t, testPolicy())
	e := env.create(t, "100.000000")
	env.ledger.moveErr = errors.New("ledger unavailable")

	if _, err := env.svc.ConfirmReceipt(context.Background(), e.ID, testBuyer); err == nil {
		t.Fatal("expected error when ledger fails")
	}

	// Record state unchanged, transition can be retried.
	fresh, err := env.svc.Get(context.Background(), e.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if fresh.State != StateCreated {
		t.Errorf("failed release must leave state unchanged, got %s", fresh.State)
	}

	env.ledger.moveErr = nil
	if _, err := env.svc.ConfirmReceipt(context.Background(), e.ID, testBuyer); err != nil {
		t.Errorf("retry after ledger recovery failed: %v", err)
	}
}

func TestRaiseDispute(t *testing.T) {
	env := newTestEnv(t, testPolicy())
	ctx := context.Background()

	for _, caller := range []string{testBuyer, testSeller} {
		e := env.create(t, "50.000000")
		disputed, err := env.svc.RaiseDispute(ctx, e.ID, caller, "item not as described")
		if err != nil {
			t.Fatalf("RaiseDispute by %s failed: %v", caller, err)
		}
		if disputed.State != StateDisputed {
			t.Errorf("expected disputed, got %s", disputed.State)
		}
		if disputed.DisputeReason != "item not as described" {
			t.Errorf("reason not recorded: %q", disputed.DisputeReason)
		}
	}
}

func TestRaiseDisputeRejections(t *testing.T) {
	env := newTestEnv(t, testPolicy())
	ctx := context.Background()
	e := env.create(t, "50.000000")

	if _, err := env.svc.RaiseDispute(ctx, e.ID, testStranger, "nope"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("stranger: expected ErrUnauthorized, got %v", err)
	}

	if _, err := env.svc.RaiseDispute(ctx, e.ID, testBuyer, "first"); err != nil {
		t.Fatalf("RaiseDispute failed: %v", err)
	}
	// Already disputed.
	if _, err := env.svc.RaiseDispute(ctx, e.ID, testSeller, "second"); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState on disputed record, got %v", err)
	}
}

func TestRaiseDisputeAfterDeadline(t *testing.T) {
	env := newTestEnv(t, testPolicy())
	e := env.create(t, "50.000000")

	env.clock.Advance(145 * time.Hour) // past delivery (72h) + dispute (72h) windows

	_, err := env.svc.RaiseDispute(context.Background(), e.ID, testBuyer, "too late")
	if !errors.Is(err, ErrDeadlineExpired) {
		t.Errorf("expected ErrDeadlineExpired, got %v", err)
	}
}

func TestRaiseDisputeAtExactDeadline(t *testing.T) {
	env := newTestEnv(t, testPolicy())
	e := env.create(t, "50.000000")

	env.clock.Advance(144 * time.Hour) // now == disputeDeadline

	_, err := env.svc.RaiseDispute(context.Background(), e.ID, testBuyer, "boundary")
	if !errors.Is(err, ErrDeadlineExpired) {
		t.Errorf("dispute at exact deadline: expected ErrDeadlineExpired, got %v", err)
	}
}

func TestResolveDisputeFavorBuyer(t *testing.T) {
	env := newTestEnv(t, testPolicy())
	ctx := context.Background()
	e := env.create(t, "100.000000")
	if _, err := env.svc.RaiseDispute(ctx, e.ID, testBuyer, "broken"); err != nil {
		t.Fatalf("RaiseDispute failed: %v", err)
	}

	resolved, err := env.svc.ResolveDispute(ctx, e.ID, testResolver, true)
	if err != nil {
		t.Fatalf("ResolveDispute failed: %v", err)
	}
	if resolved.State != StateRefunded {
		t.Errorf("expected refunded, got %s", resolved.State)
	}
	if resolved.DisputeResolver != testResolver {
		t.Errorf("resolver not recorded: %q", resolved.DisputeResolver)
	}
	if resolved.Resolution != ResolutionResolverBuyer {
		t.Errorf("unexpected resolution %q", resolved.Resolution)
	}

	// Fee-on-refund policy: buyer gets amount minus fee, platform keeps fee.
	if len(env.ledger.refunded) != 1 {
		t.Fatalf("expected one refund, got %d", len(env.ledger.refunded))
	}
	r := env.ledger.refunded[0]
	if r.amount != "97.500000" || r.fee != "2.500000" {
		t.Errorf("expected refund 97.500000 with 2.500000 fee, got %s / %s", r.amount, r.fee)
	}
}

func TestResolveDisputeFavorBuyerFeeWaived(t *testing.T) {
	policy := testPolicy()
	policy.FeeOnRefund = false
	env := newTestEnv(t, policy)
	ctx := context.Background()
	e := env.create(t, "100.000000")
	if _, err := env.svc.RaiseDispute(ctx, e.ID, testBuyer, "broken"); err != nil {
		t.Fatalf("RaiseDispute failed: %v", err)
	}

	if _, err := env.svc.ResolveDispute(ctx, e.ID, testResolver, true); err != nil {
		t.Fatalf("ResolveDispute failed: %v", err)
	}

	r := env.ledger.refunded[0]
	if r.amount != "100.000000" || r.fee != "0.000000" {
		t.Errorf("fee waived: expected full 100.000000 refund, got %s / %s", r.amount, r.fee)
	}
}

func TestResolveDisputeFavorSeller(t *testing.T) {
	env := newTestEnv(t, testPolicy())
	ctx := context.Background()
	e := env.create(t, "100.000000")
	if _, err := env.svc.RaiseDispute(ctx, e.ID, testSeller, "buyer ghosted"); err != nil {
		t.Fatalf("RaiseDispute failed: %v", err)
	}

	resolved, err := env.svc.ResolveDispute(ctx, e.ID, testResolver, false)
	if err != nil {
		t.Fatalf("ResolveDispute failed: %v", err)
	}
	if resolved.State != StateReleased {
		t.Errorf("expected released, got %s", resolved.State)
	}
	if len(env.ledger.released) != 1 {
		t.Fatalf("expected one disbursement, got %d", len(env.ledger.released))
	}
	d := env.ledger.released[0]
	if d.amount != "97.500000" || d.fee != "2.500000" {
		t.Errorf("expected seller payout 97.500000 fee 2.500000, got %s / %s", d.amount, d.fee)
	}
}

func TestResolveDisputeRejections(t *testing.T) {
	env := newTestEnv(t, testPolicy())
	ctx := context.Background()
	e := env.create(t, "100.000000")

	// Not disputed yet.
	if _, err := env.svc.ResolveDispute(ctx, e.ID, testResolver, true); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState, got %v", err)
	}

	if _, err := env.svc.RaiseDispute(ctx, e.ID, testBuyer, "broken"); err != nil {
		t.Fatalf("RaiseDispute failed: %v", err)
	}

	// Only the configured resolver may adjudicate.
	for _, caller := range []string{testBuyer, testSeller, testStranger} {
		if _, err := env.svc.ResolveDispute(ctx, e.ID, caller, true); !errors.Is(err, ErrUnauthorized) {
			t.Errorf("caller %s: expected ErrUnauthorized, got %v", caller, err)
		}
	}
}

func TestResolveDisputeTwice(t *testing.T) {
	env := newTestEnv(t, testPolicy())
	ctx := context.Background()
	e := env.create(t, "100.000000")
	if _, err := env.svc.RaiseDispute(ctx, e.ID, testBuyer, "broken"); err != nil {
		t.Fatalf("RaiseDispute failed: %v", err)
	}
	if _, err := env.svc.ResolveDispute(ctx, e.ID, testResolver, true); err != nil {
		t.Fatalf("first ResolveDispute failed: %v", err)
	}

	if _, err := env.svc.ResolveDispute(ctx, e.ID, testResolver, false); !errors.Is(err, ErrInvalidState) {
		t.Errorf("second resolve: expected ErrInvalidState, got %v", err)
	}
	if len(env.ledger.refunded)+len(env.ledger.released) != 1 {
		t.Error("funds disbursed more than once")
	}
}

func TestAutoReleaseBeforeDeadline(t *testing.T) {
	env := newTestEnv(t, testPolicy())
	e := env.create(t, "100.000000")

	_, err := env.svc.AutoRelease(context.Background(), e.ID)
	if !errors.Is(err, ErrDeadlineNotReached) {
		t.Errorf("expected ErrDeadlineNotReached, got %v", err)
	}

	env.clock.Advance(143 * time.Hour) // one hour short
	_, err = env.svc.AutoRelease(context.Background(), e.ID)
	if !errors.Is(err, ErrDeadlineNotReached) {
		t.Errorf("one hour short: expected ErrDeadlineNotReached, got %v", err)
	}
}

func TestAutoReleaseAfterDeadline(t *testing.T) {
	env := newTestEnv(t, testPolicy())
	e := env.create(t, "100.000000")

	env.clock.Advance(144 * time.Hour) // exactly at disputeDeadline

	released, err := env.svc.AutoRelease(context.Background(), e.ID)
	if err != nil {
		t.Fatalf("AutoRelease failed: %v", err)
	}
	if released.State != StateReleased {
		t.Errorf("expected released, got %s", released.State)
	}
	if released.Resolution != ResolutionAutoReleased {
		t.Errorf("unexpected resolution %q", released.Resolution)
	}
	d := env.ledger.released[0]
	if d.amount != "97.500000" || d.fee != "2.500000" {
		t.Errorf("auto-release must pay out like confirmReceipt, got %s / %s", d.amount, d.fee)
	}

	// Retrying on a terminal record is a clean rejection.
	if _, err := env.svc.AutoRelease(context.Background(), e.ID); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState on terminal record, got %v", err)
	}
	if len(env.ledger.released) != 1 {
		t.Fatalf("funds must not be disbursed twice")
	}
}

func TestAutoReleaseFromDeliveryConfirmed(t *testing.T) {
	env := newTestEnv(t, testPolicy())
	e := env.create(t, "100.000000")
	if _, err := env.svc.ConfirmDelivery(context.Background(), e.ID, testSeller, "t"); err != nil {
		t.Fatalf("ConfirmDelivery failed: %v", err)
	}

	env.clock.Advance(200 * time.Hour)
	released, err := env.svc.AutoRelease(context.Background(), e.ID)
	if err != nil {
		t.Fatalf("AutoRelease failed: %v", err)
	}
	if released.State != StateReleased {
		t.Errorf("expected released, got %s", released.State)
	}
}

func TestDisputeFreezesAutoRelease(t *testing.T) {
	env := newTestEnv(t, testPolicy())
	e := env.create(t, "100.000000")
	if _, err := env.svc.RaiseDispute(context.Background(), e.ID, testBuyer, "broken"); err != nil {
		t.Fatalf("RaiseDispute failed: %v", err)
	}

	env.clock.Advance(500 * time.Hour)

	if _, err := env.svc.AutoRelease(context.Background(), e.ID); !errors.Is(err, ErrInvalidState) {
		t.Errorf("disputed record must not auto-release, got %v", err)
	}
	if ok, _ := env.svc.CanAutoRelease(context.Background(), e.ID); ok {
		t.Error("CanAutoRelease must be false for disputed records")
	}
}

func TestCanAutoRelease(t *testing.T) {
	env := newTestEnv(t, testPolicy())
	e := env.create(t, "100.000000")
	ctx := context.Background()

	if ok, err := env.svc.CanAutoRelease(ctx, e.ID); err != nil || ok {
		t.Errorf("fresh escrow: expected false, got %v err %v", ok, err)
	}

	env.clock.Advance(144 * time.Hour)
	if ok, err := env.svc.CanAutoRelease(ctx, e.ID); err != nil || !ok {
		t.Errorf("past deadline: expected true, got %v err %v", ok, err)
	}

	if _, err := env.svc.AutoRelease(ctx, e.ID); err != nil {
		t.Fatalf("AutoRelease failed: %v", err)
	}
	if ok, _ := env.svc.CanAutoRelease(ctx, e.ID); ok {
		t.Error("terminal escrow: expected false")
	}

	if _, err := env.svc.CanAutoRelease(ctx, "esc_missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestConcurrentReceiptAndAutoRelease(t *testing.T) {
	env := newTestEnv(t, testPolicy())
	e := env.create(t, "100.000000")
	env.clock.Advance(144 * time.Hour) // both paths now eligible

	var wg sync.WaitGroup
	results := make(chan error, 2)

	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := env.svc.ConfirmReceipt(context.Background(), e.ID, testBuyer)
		results <- err
	}()
	go func() {
		defer wg.Done()
		_, err := env.svc.AutoRelease(context.Background(), e.ID)
		results <- err
	}()
	wg.Wait()
	close(results)

	var wins, invalidState int
	for err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrInvalidState):
			invalidState++
		default:
			t.Errorf("unexpected error from racing transition: %v", err)
		}
	}
	if wins != 1 || invalidState != 1 {
		t.Errorf("expected exactly one winner and one ErrInvalidState, got %d/%d", wins, invalidState)
	}
	if len(env.ledger.released) != 1 {
		t.Fatalf("racing transitions disbursed %d times", len(env.ledger.released))
	}

	fresh, _ := env.svc.Get(context.Background(), e.ID)
	if fresh.State != StateReleased {
		t.Errorf("expected released, got %s", fresh.State)
	}
}

func TestStoreRejectsStaleWrite(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	e := &Escrow{ID: "esc_cas", State: StateCreated, Version: 1, CreatedAt: time.Now()}
	if err := store.Create(ctx, e); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	first, _ := store.Get(ctx, "esc_cas")
	second, _ := store.Get(ctx, "esc_cas")

	first.State = StateDeliveryConfirmed
	if err := store.Update(ctx, first); err != nil {
		t.Fatalf("first update failed: %v", err)
	}

	second.State = StateDisputed
	if err := store.Update(ctx, second); !errors.Is(err, ErrStaleRecord) {
		t.Errorf("expected ErrStaleRecord for stale write, got %v", err)
	}

	fresh, _ := store.Get(ctx, "esc_cas")
	if fresh.State != StateDeliveryConfirmed {
		t.Errorf("stale write corrupted the record: %s", fresh.State)
	}
}

func TestEventsEmittedOncePerTransition(t *testing.T) {
	env := newTestEnv(t, testPolicy())
	ctx := context.Background()

	e := env.create(t, "100.000000")
	if _, err := env.svc.ConfirmDelivery(ctx, e.ID, testSeller, "t"); err != nil {
		t.Fatalf("ConfirmDelivery failed: %v", err)
	}
	if _, err := env.svc.ConfirmReceipt(ctx, e.ID, testBuyer); err != nil {
		t.Fatalf("ConfirmReceipt failed: %v", err)
	}

	want := []string{EventCreated, EventDeliveryConfirmed, EventReceiptConfirmed, EventFundsReleased}
	got := env.events.all()
	if len(got) != len(want) {
		t.Fatalf("expected events %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestDisputeEventsEmitted(t *testing.T) {
	env := newTestEnv(t, testPolicy())
	ctx := context.Background()

	e := env.create(t, "100.000000")
	if _, err := env.svc.RaiseDispute(ctx, e.ID, testBuyer, "broken"); err != nil {
		t.Fatalf("RaiseDispute failed: %v", err)
	}
	if _, err := env.svc.ResolveDispute(ctx, e.ID, testResolver, false); err != nil {
		t.Fatalf("ResolveDispute failed: %v", err)
	}

	want := []string{EventCreated, EventDisputeRaised, EventDisputeResolved, EventFundsReleased}
	got := env.events.all()
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("expected events %v, got %v", want, got)
	}
}

func TestListByParty(t *testing.T) {
	env := newTestEnv(t, testPolicy())
	ctx := context.Background()

	env.create(t, "10.000000")
	env.create(t, "20.000000")

	asBuyer, err := env.svc.ListByParty(ctx, testBuyer, "buyer", 10)
	if err != nil {
		t.Fatalf("ListByParty failed: %v", err)
	}
	if len(asBuyer) != 2 {
		t.Errorf("expected 2 escrows as buyer, got %d", len(asBuyer))
	}

	asSeller, _ := env.svc.ListByParty(ctx, testBuyer, "seller", 10)
	if len(asSeller) != 0 {
		t.Errorf("expected 0 escrows as seller, got %d", len(asSeller))
	}

	either, _ := env.svc.ListByParty(ctx, testSeller, "", 10)
	if len(either) != 2 {
		t.Errorf("expected 2 escrows for either role, got %d", len(either))
	}
}
