package webhooks

import (
	"context"
	"log/slog"
	"time"

	"github.com/mbd888/escrowd/internal/escrow"
	"github.com/mbd888/escrowd/internal/idgen"
)

// Emitter adapts the dispatcher to the escrow service's event sink. Each
// committed transition produces exactly one event, fanned out to the
// webhooks of both parties. Delivery is fire-and-forget: failures are
// logged and tracked per subscription, never surfaced to the transition.
type Emitter struct {
	d      *Dispatcher
	logger *slog.Logger
}

// NewEmitter creates a new webhook emitter.
func NewEmitter(d *Dispatcher, logger *slog.Logger) *Emitter {
	return &Emitter{d: d, logger: logger}
}

// EscrowEvent implements escrow.EventSink.
func (em *Emitter) EscrowEvent(ctx context.Context, eventName string, e *escrow.Escrow) {
	if em == nil || em.d == nil {
		return
	}

	event := &Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      EventType(eventName),
		Timestamp: time.Now(),
		Data:      eventData(e),
	}

	// Detach from the request context so a cancelled request doesn't
	// drop notifications for a transition that already committed.
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	go func() {
		defer cancel()
		for _, party := range []string{e.BuyerAddr, e.SellerAddr} {
			if err := em.d.DispatchToParty(dctx, party, event); err != nil {
				em.logger.Warn("webhook dispatch failed",
					"event", eventName, "party", party, "escrow_id", e.ID, "error", err)
			}
		}
		em.d.Flush()
	}()
}

func eventData(e *escrow.Escrow) map[string]interface{} {
	data := map[string]interface{}{
		"escrowId":   e.ID,
		"orderId":    e.OrderID,
		"buyerAddr":  e.BuyerAddr,
		"sellerAddr": e.SellerAddr,
		"amount":     e.Amount,
		"feeAmount":  e.FeeAmount,
		"state":      string(e.State),
	}
	if e.TrackingInfo != "" {
		data["trackingInfo"] = e.TrackingInfo
	}
	if e.DisputeReason != "" {
		data["disputeReason"] = e.DisputeReason
	}
	if e.DisputeResolver != "" {
		data["disputeResolver"] = e.DisputeResolver
	}
	if e.Resolution != "" {
		data["resolution"] = e.Resolution
	}
	return data
}

// Compile-time assertion that Emitter implements escrow.EventSink.
var _ escrow.EventSink = (*Emitter)(nil)
