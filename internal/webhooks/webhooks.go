// Package webhooks delivers escrow lifecycle notifications to external
// services. Parties register webhook URLs and receive signed POSTs for
// the escrow events they subscribe to, so downstream systems (order
// management, accounting, notifications) can reconcile without polling.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/mbd888/escrowd/internal/metrics"
	"github.com/mbd888/escrowd/internal/retry"
)

// EventType represents the type of webhook event.
type EventType string

const (
	EventEscrowCreated           EventType = "escrow.created"
	EventEscrowDeliveryConfirmed EventType = "escrow.delivery_confirmed"
	EventEscrowReceiptConfirmed  EventType = "escrow.receipt_confirmed"
	EventEscrowDisputeRaised     EventType = "escrow.dispute_raised"
	EventEscrowDisputeResolved   EventType = "escrow.dispute_resolved"
	EventEscrowFundsReleased     EventType = "escrow.funds_released"
)

// AllEventTypes lists every event a subscription may select.
var AllEventTypes = []EventType{
	EventEscrowCreated,
	EventEscrowDeliveryConfirmed,
	EventEscrowReceiptConfirmed,
	EventEscrowDisputeRaised,
	EventEscrowDisputeResolved,
	EventEscrowFundsReleased,
}

// ValidEventType reports whether s names a known event.
func ValidEventType(s string) bool {
	for _, et := range AllEventTypes {
		if string(et) == s {
			return true
		}
	}
	return false
}

// ErrNotFound is returned when a subscription does not exist.
var ErrNotFound = errors.New("subscription not found")

// Event is the payload POSTed to subscribers.
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscription represents a party's webhook registration.
type Subscription struct {
	ID                  string      `json:"id"`
	PartyAddr           string      `json:"partyAddr"`
	URL                 string      `json:"url"`
	Secret              string      `json:"-"` // Used for HMAC signing
	Events              []EventType `json:"events"`
	Active              bool        `json:"active"`
	CreatedAt           time.Time   `json:"createdAt"`
	LastSuccess         *time.Time  `json:"lastSuccess,omitempty"`
	LastError           string      `json:"lastError,omitempty"`
	ConsecutiveFailures int         `json:"consecutiveFailures"`
}

// maxConsecutiveFailures disables a subscription that keeps failing so a
// dead endpoint doesn't eat delivery capacity forever.
const maxConsecutiveFailures = 10

// Store persists webhook subscriptions.
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	GetByParty(ctx context.Context, partyAddr string) ([]*Subscription, error)
	GetByEvent(ctx context.Context, eventType EventType) ([]*Subscription, error)
	Update(ctx context.Context, sub *Subscription) error
	Delete(ctx context.Context, id string) error
}

// Dispatcher sends webhook events to subscribers.
type Dispatcher struct {
	store       Store
	client      *http.Client
	wg          sync.WaitGroup
	maxAttempts int
	retryDelay  time.Duration
}

// NewDispatcher creates a new webhook dispatcher.
func NewDispatcher(store Store) *Dispatcher {
	return &Dispatcher{
		store: store,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		maxAttempts: 3,
		retryDelay:  500 * time.Millisecond,
	}
}

// WithRetryPolicy overrides how many delivery attempts are made per event
// and the backoff between them.
func (d *Dispatcher) WithRetryPolicy(maxAttempts int, baseDelay time.Duration) *Dispatcher {
	d.maxAttempts = maxAttempts
	d.retryDelay = baseDelay
	return d
}

// DispatchToParty sends an event to a specific party's matching webhooks.
// Delivery is asynchronous; the event is fanned out in goroutines.
func (d *Dispatcher) DispatchToParty(ctx context.Context, partyAddr string, event *Event) error {
	subs, err := d.store.GetByParty(ctx, partyAddr)
	if err != nil {
		return fmt.Errorf("failed to get subscriptions: %w", err)
	}

	for _, sub := range subs {
		if !sub.Active {
			continue
		}
		for _, et := range sub.Events {
			if et == event.Type {
				d.wg.Add(1)
				go d.send(ctx, sub, event)
				break
			}
		}
	}

	return nil
}

// Flush blocks until all in-flight deliveries settle. Used in tests and
// graceful shutdown.
func (d *Dispatcher) Flush() {
	d.wg.Wait()
}

func (d *Dispatcher) send(ctx context.Context, sub *Subscription, event *Event) {
	defer d.wg.Done()

	payload, err := json.Marshal(event)
	if err != nil {
		d.recordFailure(ctx, sub, "failed to marshal event")
		return
	}

	// Transient failures (network errors, 5xx) are retried with backoff;
	// a 4xx means the endpoint rejected the event and retrying won't help.
	err = retry.Do(ctx, d.maxAttempts, d.retryDelay, func() error {
		return d.attempt(ctx, sub, event, payload)
	})
	if err != nil {
		d.recordFailure(ctx, sub, err.Error())
		return
	}
	d.recordSuccess(ctx, sub)
}

func (d *Dispatcher) attempt(ctx context.Context, sub *Subscription, event *Event, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(fmt.Errorf("failed to create request: %w", err))
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Escrowd-Event", string(event.Type))
	req.Header.Set("X-Escrowd-Timestamp", fmt.Sprintf("%d", event.Timestamp.Unix()))
	if sub.Secret != "" {
		req.Header.Set("X-Escrowd-Signature", Sign(payload, sub.Secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return retry.Permanent(fmt.Errorf("status %d", resp.StatusCode))
	default:
		return fmt.Errorf("status %d", resp.StatusCode)
	}
}

// Sign computes the hex HMAC-SHA256 signature subscribers verify against.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

func (d *Dispatcher) recordSuccess(ctx context.Context, sub *Subscription) {
	metrics.WebhookDeliveriesTotal.WithLabelValues("success").Inc()
	now := time.Now()
	sub.LastSuccess = &now
	sub.LastError = ""
	sub.ConsecutiveFailures = 0
	_ = d.store.Update(ctx, sub)
}

func (d *Dispatcher) recordFailure(ctx context.Context, sub *Subscription, errMsg string) {
	metrics.WebhookDeliveriesTotal.WithLabelValues("failure").Inc()
	sub.LastError = errMsg
	sub.ConsecutiveFailures++
	if sub.ConsecutiveFailures >= maxConsecutiveFailures {
		sub.Active = false
	}
	_ = d.store.Update(ctx, sub)
}

// MemoryStore is an in-memory subscription store for demo/development mode.
type MemoryStore struct {
	subs map[string]*Subscription
	mu   sync.RWMutex
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subs: make(map[string]*Subscription),
	}
}

func (m *MemoryStore) Create(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub.ID] = sub
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if sub, ok := m.subs[id]; ok {
		return sub, nil
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) GetByParty(ctx context.Context, partyAddr string) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Subscription
	for _, sub := range m.subs {
		if sub.PartyAddr == partyAddr {
			result = append(result, sub)
		}
	}
	return result, nil
}

func (m *MemoryStore) GetByEvent(ctx context.Context, eventType EventType) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Subscription
	for _, sub := range m.subs {
		for _, et := range sub.Events {
			if et == eventType {
				result = append(result, sub)
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) Update(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub.ID] = sub
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs, id)
	return nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
