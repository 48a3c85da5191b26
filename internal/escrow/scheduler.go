package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mbd888/escrowd/internal/metrics"
)

// Scheduler periodically sweeps for escrows past their dispute deadline
// and auto-releases them to the seller. The sweep is a convenience on top
// of the permissionless auto-release trigger: correctness never depends
// on it, any caller can trigger an eligible release at any time.
type Scheduler struct {
	service  *Service
	store    Store
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewScheduler creates a new deadline scheduler.
func NewScheduler(service *Service, store Store, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		service:  service,
		store:    store,
		interval: 30 * time.Second,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// WithInterval overrides the sweep interval. Used in tests.
func (t *Scheduler) WithInterval(d time.Duration) *Scheduler {
	t.interval = d
	return t
}

// Running reports whether the sweep loop is actively running.
func (t *Scheduler) Running() bool {
	return t.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (t *Scheduler) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeSweep(ctx)
		}
	}
}

// Stop signals the scheduler to stop.
func (t *Scheduler) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Scheduler) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in deadline scheduler", "panic", fmt.Sprint(r))
		}
	}()
	t.Sweep(ctx)
}

// Sweep runs one pass: lists records past their dispute deadline and
// auto-releases each. Races with concurrent confirmations or disputes are
// expected; the loser simply sees ErrInvalidState and moves on.
func (t *Scheduler) Sweep(ctx context.Context) {
	metrics.SchedulerSweepsTotal.Inc()

	eligible, err := t.store.ListAutoReleasable(ctx, t.service.now(), 100)
	if err != nil {
		t.logger.Warn("failed to list auto-releasable escrows", "error", err)
		return
	}

	for _, e := range eligible {
		released, err := t.service.AutoRelease(ctx, e.ID)
		if err != nil {
			if errors.Is(err, ErrInvalidState) || errors.Is(err, ErrDeadlineNotReached) {
				continue
			}
			t.logger.Warn("failed to auto-release escrow",
				"escrow_id", e.ID, "error", err)
			continue
		}
		t.logger.Info("auto-released escrow",
			"escrow_id", released.ID,
			"buyer", released.BuyerAddr,
			"seller", released.SellerAddr,
			"amount", released.Amount,
		)
	}
}
