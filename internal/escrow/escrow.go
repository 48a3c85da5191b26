// Package escrow implements time-bounded custody of marketplace payments.
//
// Flow:
//  1. Order collaborator creates an escrow → buyer funds moved: available → held
//  2. Seller confirms delivery → state delivery_confirmed
//  3. Buyer confirms receipt → held funds split: seller gets amount minus fee,
//     platform gets the fee → state released
//  4. Either party disputes before the dispute deadline → state disputed,
//     resolver adjudicates → released or refunded
//  5. Dispute deadline passes with no objection → anyone may trigger
//     auto-release to the seller
package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/escrowd/internal/idgen"
	"github.com/mbd888/escrowd/internal/metrics"
	"github.com/mbd888/escrowd/internal/money"
	"github.com/mbd888/escrowd/internal/syncutil"
	"github.com/mbd888/escrowd/internal/traces"
)

var (
	ErrNotFound           = errors.New("escrow not found")
	ErrUnauthorized       = errors.New("not authorized for this escrow operation")
	ErrInvalidState       = errors.New("invalid escrow state for this operation")
	ErrDeadlineNotReached = errors.New("dispute deadline not yet reached")
	ErrDeadlineExpired    = errors.New("dispute deadline has passed")
	ErrInvalidAmount      = errors.New("invalid amount")
	ErrStaleRecord        = errors.New("escrow record was modified concurrently")
)

// State represents the lifecycle state of an escrow. Transitions are
// forward-only; released and refunded are terminal.
type State string

const (
	StateCreated           State = "created"
	StateDeliveryConfirmed State = "delivery_confirmed"
	StateDisputed          State = "disputed"
	StateReleased          State = "released"
	StateRefunded          State = "refunded"
)

// Resolution values recorded on terminal records.
const (
	ResolutionBuyerConfirmed = "buyer_confirmed"
	ResolutionAutoReleased   = "auto_released"
	ResolutionResolverBuyer  = "resolved_for_buyer"
	ResolutionResolverSeller = "resolved_for_seller"
)

// Escrow is the custody record for one order's funds.
type Escrow struct {
	ID               string     `json:"id"`
	OrderID          string     `json:"orderId"`
	BuyerAddr        string     `json:"buyerAddr"`
	SellerAddr       string     `json:"sellerAddr"`
	Amount           string     `json:"amount"`
	FeeAmount        string     `json:"feeAmount"`
	FeeRateBps       int        `json:"feeRateBps"`
	State            State      `json:"state"`
	SellerConfirmed  bool       `json:"sellerConfirmed"`
	BuyerConfirmed   bool       `json:"buyerConfirmed"`
	TrackingInfo     string     `json:"trackingInfo,omitempty"`
	DisputeReason    string     `json:"disputeReason,omitempty"`
	DisputeResolver  string     `json:"disputeResolver,omitempty"`
	Resolution       string     `json:"resolution,omitempty"`
	DeliveryDeadline time.Time  `json:"deliveryDeadline"`
	DisputeDeadline  time.Time  `json:"disputeDeadline"`
	ResolvedAt       *time.Time `json:"resolvedAt,omitempty"`
	Version          int64      `json:"version"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
}

// IsTerminal returns true if the escrow is in a final state.
func (e *Escrow) IsTerminal() bool {
	return e.State == StateReleased || e.State == StateRefunded
}

// SellerAmount is the portion released to the seller on the happy path.
func (e *Escrow) SellerAmount() (string, error) {
	net, ok := money.Sub(e.Amount, e.FeeAmount)
	if !ok {
		return "", ErrInvalidAmount
	}
	return net, nil
}

// Store persists escrow records. Update is a compare-and-set on Version:
// the write succeeds only if the stored version matches the record's, and
// the store increments Version on success. A mismatch returns
// ErrStaleRecord.
type Store interface {
	Create(ctx context.Context, e *Escrow) error
	Get(ctx context.Context, id string) (*Escrow, error)
	Update(ctx context.Context, e *Escrow) error
	ListByParty(ctx context.Context, addr, role string, limit int) ([]*Escrow, error)
	ListAutoReleasable(ctx context.Context, before time.Time, limit int) ([]*Escrow, error)
	ListOpen(ctx context.Context, limit int) ([]*Escrow, error)
}

// LedgerService abstracts fund movement so escrow doesn't import ledger.
type LedgerService interface {
	HoldFunds(ctx context.Context, addr, amount, reference string) error
	ReleaseHeld(ctx context.Context, owner, recipient, recipientAmount, feeAmount, reference string) error
	RefundHeld(ctx context.Context, owner, refundAmount, feeAmount, reference string) error
}

// EventSink receives one event per committed state transition.
type EventSink interface {
	EscrowEvent(ctx context.Context, event string, e *Escrow)
}

// Event names delivered to the EventSink.
const (
	EventCreated           = "escrow.created"
	EventDeliveryConfirmed = "escrow.delivery_confirmed"
	EventReceiptConfirmed  = "escrow.receipt_confirmed"
	EventDisputeRaised     = "escrow.dispute_raised"
	EventDisputeResolved   = "escrow.dispute_resolved"
	EventFundsReleased     = "escrow.funds_released"
)

// Policy holds the system-wide escrow parameters fixed at service start.
type Policy struct {
	FeeRateBps        int
	DeliveryWindow    time.Duration
	MaxDeliveryWindow time.Duration
	DisputeWindow     time.Duration
	FeeOnRefund       bool
	ResolverAddr      string
}

// CreateRequest contains the parameters for creating an escrow.
type CreateRequest struct {
	OrderID        string `json:"orderId" binding:"required"`
	BuyerAddr      string `json:"buyerAddr" binding:"required"`
	SellerAddr     string `json:"sellerAddr" binding:"required"`
	Amount         string `json:"amount" binding:"required"`
	DeliveryWindow string `json:"deliveryWindow"` // Duration string, e.g. "72h"
}

// Service implements the escrow state machine.
type Service struct {
	store  Store
	ledger LedgerService
	policy Policy
	events EventSink
	logger *slog.Logger
	now    func() time.Time
	locks  syncutil.ContextShardedMutex // serializes per-escrow transitions in-process
}

// NewService creates a new escrow service.
func NewService(store Store, ledger LedgerService, policy Policy, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  store,
		ledger: ledger,
		policy: policy,
		events: nopSink{},
		logger: logger,
		now:    time.Now,
	}
}

// WithEvents adds an event sink for transition notifications.
func (s *Service) WithEvents(sink EventSink) *Service {
	if sink != nil {
		s.events = sink
	}
	return s
}

// WithClock overrides the time source. Used in tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

type nopSink struct{}

func (nopSink) EscrowEvent(context.Context, string, *Escrow) {}

// Create creates a new escrow and holds buyer funds under its ID.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.create")
	defer span.End()

	if !money.IsPositive(req.Amount) {
		return nil, ErrInvalidAmount
	}
	if strings.EqualFold(req.BuyerAddr, req.SellerAddr) {
		return nil, fmt.Errorf("%w: buyer and seller cannot be the same address", ErrInvalidAmount)
	}

	window := s.policy.DeliveryWindow
	if req.DeliveryWindow != "" {
		d, err := time.ParseDuration(req.DeliveryWindow)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("invalid delivery window %q", req.DeliveryWindow)
		}
		if d > s.policy.MaxDeliveryWindow {
			return nil, fmt.Errorf("delivery window exceeds maximum of %s", s.policy.MaxDeliveryWindow)
		}
		window = d
	}

	fee, ok := money.Fee(req.Amount, s.policy.FeeRateBps)
	if !ok {
		return nil, ErrInvalidAmount
	}

	now := s.now()
	e := &Escrow{
		ID:               idgen.WithPrefix("esc_"),
		OrderID:          req.OrderID,
		BuyerAddr:        strings.ToLower(req.BuyerAddr),
		SellerAddr:       strings.ToLower(req.SellerAddr),
		Amount:           req.Amount,
		FeeAmount:        fee,
		FeeRateBps:       s.policy.FeeRateBps,
		State:            StateCreated,
		DeliveryDeadline: now.Add(window),
		DisputeDeadline:  now.Add(window).Add(s.policy.DisputeWindow),
		Version:          1,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	span.SetAttributes(traces.EscrowID(e.ID), traces.Amount(e.Amount))

	if err := s.ledger.HoldFunds(ctx, e.BuyerAddr, e.Amount, e.ID); err != nil {
		metrics.EscrowTransitionsTotal.WithLabelValues("create", "ledger_error").Inc()
		return nil, fmt.Errorf("failed to hold escrow funds: %w", err)
	}

	if err := s.store.Create(ctx, e); err != nil {
		// Compensate: return the held funds before surfacing the failure.
		if refundErr := s.ledger.RefundHeld(ctx, e.BuyerAddr, e.Amount, zeroFee, e.ID); refundErr != nil {
			s.logger.Error("CRITICAL: held funds orphaned after store failure",
				"escrow_id", e.ID, "buyer", e.BuyerAddr, "error", refundErr)
		}
		metrics.EscrowTransitionsTotal.WithLabelValues("create", "store_error").Inc()
		return nil, fmt.Errorf("failed to create escrow record: %w", err)
	}

	metrics.EscrowTransitionsTotal.WithLabelValues("create", "ok").Inc()
	metrics.EscrowsCreatedTotal.Inc()
	s.events.EscrowEvent(ctx, EventCreated, e)
	s.logger.Info("escrow created",
		"escrow_id", e.ID, "order_id", e.OrderID,
		"buyer", e.BuyerAddr, "seller", e.SellerAddr, "amount", e.Amount)

	return e, nil
}

const zeroFee = "0.000000"

// ConfirmDelivery marks the escrow as delivered by the seller.
func (s *Service) ConfirmDelivery(ctx context.Context, id, callerAddr, trackingInfo string) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.confirm_delivery")
	defer span.End()
	span.SetAttributes(traces.EscrowID(id))

	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if strings.ToLower(callerAddr) != e.SellerAddr {
		metrics.EscrowTransitionsTotal.WithLabelValues("confirm_delivery", "unauthorized").Inc()
		return nil, ErrUnauthorized
	}
	if e.State != StateCreated {
		metrics.EscrowTransitionsTotal.WithLabelValues("confirm_delivery", "invalid_state").Inc()
		return nil, ErrInvalidState
	}

	e.State = StateDeliveryConfirmed
	e.SellerConfirmed = true
	e.TrackingInfo = trackingInfo
	e.UpdatedAt = s.now()

	if err := s.store.Update(ctx, e); err != nil {
		return nil, err
	}

	metrics.EscrowTransitionsTotal.WithLabelValues("confirm_delivery", "ok").Inc()
	s.events.EscrowEvent(ctx, EventDeliveryConfirmed, e)
	s.logger.Info("delivery confirmed", "escrow_id", e.ID, "seller", e.SellerAddr)

	return e, nil
}

// ConfirmReceipt records the buyer's acceptance and releases the held
// funds: amount minus fee to the seller, fee to the platform. Allowed from
// created as well, so a buyer can accept early without waiting for the
// seller's confirmation.
func (s *Service) ConfirmReceipt(ctx context.Context, id, callerAddr string) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.confirm_receipt")
	defer span.End()
	span.SetAttributes(traces.EscrowID(id))

	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if strings.ToLower(callerAddr) != e.BuyerAddr {
		metrics.EscrowTransitionsTotal.WithLabelValues("confirm_receipt", "unauthorized").Inc()
		return nil, ErrUnauthorized
	}
	if e.State != StateCreated && e.State != StateDeliveryConfirmed {
		metrics.EscrowTransitionsTotal.WithLabelValues("confirm_receipt", "invalid_state").Inc()
		return nil, ErrInvalidState
	}

	e.BuyerConfirmed = true
	if err := s.release(ctx, e, ResolutionBuyerConfirmed, "receipt"); err != nil {
		return nil, err
	}

	metrics.EscrowTransitionsTotal.WithLabelValues("confirm_receipt", "ok").Inc()
	s.events.EscrowEvent(ctx, EventReceiptConfirmed, e)
	s.events.EscrowEvent(ctx, EventFundsReleased, e)

	return e, nil
}

// RaiseDispute contests the transaction. Either party may dispute before
// the dispute deadline; a dispute freezes the auto-release path until the
// resolver adjudicates.
func (s *Service) RaiseDispute(ctx context.Context, id, callerAddr, reason string) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.raise_dispute")
	defer span.End()
	span.SetAttributes(traces.EscrowID(id))

	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	caller := strings.ToLower(callerAddr)
	if caller != e.BuyerAddr && caller != e.SellerAddr {
		metrics.EscrowTransitionsTotal.WithLabelValues("raise_dispute", "unauthorized").Inc()
		return nil, ErrUnauthorized
	}
	if e.State != StateCreated && e.State != StateDeliveryConfirmed {
		metrics.EscrowTransitionsTotal.WithLabelValues("raise_dispute", "invalid_state").Inc()
		return nil, ErrInvalidState
	}
	if !s.now().Before(e.DisputeDeadline) {
		metrics.EscrowTransitionsTotal.WithLabelValues("raise_dispute", "deadline_expired").Inc()
		return nil, ErrDeadlineExpired
	}

	e.State = StateDisputed
	e.DisputeReason = reason
	e.UpdatedAt = s.now()

	if err := s.store.Update(ctx, e); err != nil {
		return nil, err
	}

	metrics.EscrowTransitionsTotal.WithLabelValues("raise_dispute", "ok").Inc()
	s.events.EscrowEvent(ctx, EventDisputeRaised, e)
	s.logger.Info("dispute raised",
		"escrow_id", e.ID, "raised_by", caller, "reason", reason)

	return e, nil
}

// ResolveDispute adjudicates a disputed escrow. Only the configured
// resolver may call it. favorBuyer refunds the buyer (fee still charged
// when the fee-on-refund policy is set); otherwise the seller is paid as
// on the happy path.
func (s *Service) ResolveDispute(ctx context.Context, id, callerAddr string, favorBuyer bool) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.resolve_dispute")
	defer span.End()
	span.SetAttributes(traces.EscrowID(id))

	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	caller := strings.ToLower(callerAddr)
	if caller != strings.ToLower(s.policy.ResolverAddr) {
		metrics.EscrowTransitionsTotal.WithLabelValues("resolve_dispute", "unauthorized").Inc()
		return nil, ErrUnauthorized
	}
	if e.State != StateDisputed {
		metrics.EscrowTransitionsTotal.WithLabelValues("resolve_dispute", "invalid_state").Inc()
		return nil, ErrInvalidState
	}

	e.DisputeResolver = caller

	if favorBuyer {
		if err := s.refund(ctx, e); err != nil {
			return nil, err
		}
	} else {
		if err := s.release(ctx, e, ResolutionResolverSeller, "resolution"); err != nil {
			return nil, err
		}
	}

	metrics.EscrowTransitionsTotal.WithLabelValues("resolve_dispute", "ok").Inc()
	s.events.EscrowEvent(ctx, EventDisputeResolved, e)
	if e.State == StateReleased {
		s.events.EscrowEvent(ctx, EventFundsReleased, e)
	}
	s.logger.Info("dispute resolved",
		"escrow_id", e.ID, "resolver", caller, "favor_buyer", favorBuyer, "state", e.State)

	return e, nil
}

// AutoRelease pays the seller once the dispute deadline has passed with no
// objection. Callable by anyone; eligibility is what gates it, not caller
// identity.
func (s *Service) AutoRelease(ctx context.Context, id string) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.auto_release")
	defer span.End()
	span.SetAttributes(traces.EscrowID(id))

	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if e.State != StateCreated && e.State != StateDeliveryConfirmed {
		metrics.EscrowTransitionsTotal.WithLabelValues("auto_release", "invalid_state").Inc()
		return nil, ErrInvalidState
	}
	if s.now().Before(e.DisputeDeadline) {
		metrics.EscrowTransitionsTotal.WithLabelValues("auto_release", "deadline_not_reached").Inc()
		return nil, ErrDeadlineNotReached
	}

	if err := s.release(ctx, e, ResolutionAutoReleased, "auto"); err != nil {
		return nil, err
	}

	metrics.EscrowTransitionsTotal.WithLabelValues("auto_release", "ok").Inc()
	s.events.EscrowEvent(ctx, EventFundsReleased, e)
	s.logger.Info("escrow auto-released", "escrow_id", e.ID, "seller", e.SellerAddr)

	return e, nil
}

// CanAutoRelease reports whether the escrow is currently eligible for
// auto-release. Pure predicate, no side effects.
func (s *Service) CanAutoRelease(ctx context.Context, id string) (bool, error) {
	e, err := s.store.Get(ctx, id)
	if err != nil {
		return false, err
	}
	return s.canAutoRelease(e), nil
}

func (s *Service) canAutoRelease(e *Escrow) bool {
	if e.State != StateCreated && e.State != StateDeliveryConfirmed {
		return false
	}
	return !s.now().Before(e.DisputeDeadline)
}

// release moves the held funds to the seller and platform and commits the
// terminal state. Caller holds the per-escrow lock.
func (s *Service) release(ctx context.Context, e *Escrow, resolution, trigger string) error {
	sellerAmount, err := e.SellerAmount()
	if err != nil {
		return err
	}

	if err := s.ledger.ReleaseHeld(ctx, e.BuyerAddr, e.SellerAddr, sellerAmount, e.FeeAmount, e.ID); err != nil {
		metrics.EscrowTransitionsTotal.WithLabelValues("release", "ledger_error").Inc()
		return fmt.Errorf("failed to release escrow funds: %w", err)
	}

	now := s.now()
	e.State = StateReleased
	e.Resolution = resolution
	e.ResolvedAt = &now
	e.UpdatedAt = now

	if err := s.store.Update(ctx, e); err != nil {
		// Funds already moved; retry once, then flag for manual resolution.
		// There is no inverse of ReleaseHeld to compensate with.
		if retryErr := s.store.Update(ctx, e); retryErr != nil {
			s.logger.Error("CRITICAL: funds released but record update failed",
				"escrow_id", e.ID, "seller", e.SellerAddr, "error", retryErr)
			return fmt.Errorf("failed to update escrow after fund release (requires manual resolution): %w", err)
		}
	}

	metrics.EscrowsReleasedTotal.WithLabelValues(trigger).Inc()
	metrics.EscrowLifetime.Observe(now.Sub(e.CreatedAt).Seconds())
	return nil
}

// refund returns the held funds to the buyer, charging the platform fee
// when policy says arbitration costs fall on the refunded party. Caller
// holds the per-escrow lock.
func (s *Service) refund(ctx context.Context, e *Escrow) error {
	refundAmount := e.Amount
	feeAmount := zeroFee
	if s.policy.FeeOnRefund {
		net, err := e.SellerAmount()
		if err != nil {
			return err
		}
		refundAmount = net
		feeAmount = e.FeeAmount
	}

	if err := s.ledger.RefundHeld(ctx, e.BuyerAddr, refundAmount, feeAmount, e.ID); err != nil {
		metrics.EscrowTransitionsTotal.WithLabelValues("refund", "ledger_error").Inc()
		return fmt.Errorf("failed to refund escrow funds: %w", err)
	}

	now := s.now()
	e.State = StateRefunded
	e.Resolution = ResolutionResolverBuyer
	e.ResolvedAt = &now
	e.UpdatedAt = now

	if err := s.store.Update(ctx, e); err != nil {
		if retryErr := s.store.Update(ctx, e); retryErr != nil {
			s.logger.Error("CRITICAL: funds refunded but record update failed",
				"escrow_id", e.ID, "buyer", e.BuyerAddr, "error", retryErr)
			return fmt.Errorf("failed to update escrow after refund (requires manual resolution): %w", err)
		}
	}

	metrics.EscrowsRefundedTotal.Inc()
	metrics.EscrowLifetime.Observe(now.Sub(e.CreatedAt).Seconds())
	return nil
}

// Get returns an escrow by ID.
func (s *Service) Get(ctx context.Context, id string) (*Escrow, error) {
	return s.store.Get(ctx, id)
}

// ListByParty returns escrows where addr participates. Role is "buyer",
// "seller", or "" for either side.
func (s *Service) ListByParty(ctx context.Context, addr, role string, limit int) ([]*Escrow, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByParty(ctx, strings.ToLower(addr), role, limit)
}
