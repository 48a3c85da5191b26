// Package reconciliation audits custody invariants: every open escrow must
// have exactly its amount held in the ledger, and nothing past its dispute
// deadline should linger unswept.
package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/escrowd/internal/escrow"
	"github.com/mbd888/escrowd/internal/money"
)

const openEscrowScanLimit = 1000

// EscrowSource lists escrows that still hold funds.
type EscrowSource interface {
	ListOpen(ctx context.Context, limit int) ([]*escrow.Escrow, error)
}

// HeldProvider reports the amount held in the ledger under a reference.
type HeldProvider interface {
	HeldBalance(ctx context.Context, reference string) (string, error)
}

// Mismatch describes an escrow whose ledger hold disagrees with its record.
type Mismatch struct {
	EscrowID string `json:"escrowId"`
	State    string `json:"state"`
	Expected string `json:"expected"`
	Held     string `json:"held"`
}

// Result holds the outcome of one reconciliation run.
type Result struct {
	OpenEscrows  int        `json:"openEscrows"`
	Mismatches   []Mismatch `json:"mismatches,omitempty"`
	StuckEscrows []string   `json:"stuckEscrows,omitempty"`
	Duration     string     `json:"duration"`
}

// Service performs reconciliation between escrow records and ledger holds.
type Service struct {
	escrows EscrowSource
	held    HeldProvider
	logger  *slog.Logger

	// stuckGrace is how long past the dispute deadline an escrow may sit
	// before it counts as stuck. Covers normal scheduler lag.
	stuckGrace time.Duration
	now        func() time.Time
}

// NewService creates a reconciliation service.
func NewService(escrows EscrowSource, held HeldProvider, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		escrows:    escrows,
		held:       held,
		logger:     logger,
		stuckGrace: 10 * time.Minute,
		now:        time.Now,
	}
}

// Run checks every open escrow against its ledger hold and flags escrows
// the auto-release scheduler should already have swept.
func (s *Service) Run(ctx context.Context) (*Result, error) {
	start := s.now()
	timer := startRunTimer()
	defer timer()

	open, err := s.escrows.ListOpen(ctx, openEscrowScanLimit)
	if err != nil {
		reconcileErrors.Inc()
		return nil, fmt.Errorf("failed to list open escrows: %w", err)
	}

	result := &Result{OpenEscrows: len(open)}
	cutoff := start.Add(-s.stuckGrace)

	for _, e := range open {
		held, err := s.held.HeldBalance(ctx, e.ID)
		if err != nil {
			reconcileErrors.Inc()
			s.logger.Warn("failed to read held balance",
				"escrow_id", e.ID, "error", err)
			continue
		}

		if cmp, ok := money.Cmp(held, e.Amount); !ok || cmp != 0 {
			result.Mismatches = append(result.Mismatches, Mismatch{
				EscrowID: e.ID,
				State:    string(e.State),
				Expected: e.Amount,
				Held:     held,
			})
		}

		// Disputed escrows legitimately outlive their deadline; they wait
		// on the resolver, not the scheduler.
		if e.State != escrow.StateDisputed && e.DisputeDeadline.Before(cutoff) {
			result.StuckEscrows = append(result.StuckEscrows, e.ID)
		}
	}

	result.Duration = s.now().Sub(start).String()

	reconcileHeldMismatches.Set(float64(len(result.Mismatches)))
	reconcileStuckEscrows.Set(float64(len(result.StuckEscrows)))

	if len(result.Mismatches) > 0 {
		s.logger.Error("CRITICAL: escrow hold mismatch detected",
			"count", len(result.Mismatches),
			"first", result.Mismatches[0].EscrowID,
		)
	}
	if len(result.StuckEscrows) > 0 {
		s.logger.Warn("escrows past deadline not swept",
			"count", len(result.StuckEscrows),
		)
	}

	return result, nil
}
