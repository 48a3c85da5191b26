// Package deposits turns Stripe payment notifications into ledger credits.
//
// Buyers fund their custody balance off-platform; Stripe calls back with a
// signed webhook, and a successful payment intent becomes an idempotent
// ledger deposit keyed by the payment intent ID.
package deposits

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/big"
	"strings"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/mbd888/escrowd/internal/ledger"
	"github.com/mbd888/escrowd/internal/money"
	"github.com/mbd888/escrowd/internal/validation"
)

// MetadataPartyAddr is the payment intent metadata key carrying the
// on-platform address to credit.
const MetadataPartyAddr = "partyAddr"

var (
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrMissingParty     = errors.New("payment has no party address metadata")
	ErrInvalidParty     = errors.New("payment party address is invalid")
)

// LedgerService is the slice of the ledger the deposit intake needs.
type LedgerService interface {
	Deposit(ctx context.Context, addr, amount, txRef string) error
}

// Service processes Stripe webhook events into ledger deposits.
type Service struct {
	ledger        LedgerService
	signingSecret string
	logger        *slog.Logger
}

// NewService creates a deposit intake with the given Stripe webhook signing
// secret.
func NewService(l LedgerService, signingSecret string, logger *slog.Logger) *Service {
	return &Service{
		ledger:        l,
		signingSecret: signingSecret,
		logger:        logger.With("component", "deposits"),
	}
}

// HandleWebhook verifies and processes a raw Stripe webhook delivery.
// Events other than payment_intent.succeeded are acknowledged and ignored.
// Duplicate deliveries are acknowledged without a second credit.
func (s *Service) HandleWebhook(ctx context.Context, payload []byte, signatureHeader string) error {
	event, err := webhook.ConstructEvent(payload, signatureHeader, s.signingSecret)
	if err != nil {
		return ErrInvalidSignature
	}

	if event.Type != "payment_intent.succeeded" {
		s.logger.Debug("ignoring stripe event", "type", event.Type)
		return nil
	}

	var pi stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
		return errors.New("malformed payment intent payload")
	}

	return s.creditPayment(ctx, &pi)
}

func (s *Service) creditPayment(ctx context.Context, pi *stripe.PaymentIntent) error {
	addr := strings.ToLower(pi.Metadata[MetadataPartyAddr])
	if addr == "" {
		return ErrMissingParty
	}
	if !validation.IsValidAddress(addr) {
		return ErrInvalidParty
	}

	amount := AmountFromCents(pi.Amount)
	txRef := "stripe:" + pi.ID

	err := s.ledger.Deposit(ctx, addr, amount, txRef)
	if errors.Is(err, ledger.ErrDuplicateDeposit) {
		s.logger.Info("duplicate stripe delivery acknowledged", "txRef", txRef)
		return nil
	}
	if err != nil {
		return err
	}

	s.logger.Info("deposit credited",
		"partyAddr", addr,
		"amount", amount,
		"txRef", txRef)
	return nil
}

// AmountFromCents converts a Stripe minor-unit amount into the ledger's
// 6-decimal representation.
func AmountFromCents(cents int64) string {
	micro := new(big.Int).Mul(big.NewInt(cents), big.NewInt(10_000))
	return money.Format(micro)
}
