// Package events publishes domain events emitted after ledger operations
// commit. Publishing is best-effort: a broker outage must never fail or roll
// back the operation that produced the event.
package events

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"
)

const (
	TypeSaleSubmitted         = "sale.submitted"
	TypePaymentRecorded       = "payment.recorded"
	TypeSaleCancelled         = "sale.cancelled"
	TypeRefundCreated         = "refund.created"
	TypeCreditSaleRecorded    = "credit_sale.recorded"
	TypeCreditPaymentRecorded = "credit_payment.recorded"
	TypeShiftClosed           = "shift.closed"
)

// Event is the envelope written to the broker. Payload is the already
// committed entity, so consumers never observe uncommitted state.
type Event struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	StoreID    string          `json:"store_id"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload"`
}

type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// NoopPublisher drops everything; used when no broker is configured.
type NoopPublisher struct{}

func (NoopPublisher) Publish(ctx context.Context, event Event) error { return nil }
func (NoopPublisher) Close() error                                   { return nil }

// Handler consumes one event inline when the broker path is unavailable.
type Handler func(ctx context.Context, event Event) error

// Dispatcher builds envelopes and hands them to the publisher without letting
// failures travel back to the caller. When a publish fails and a fallback
// handler is set, the event is handed to it inline so derived state does not
// silently go stale while the broker is down.
type Dispatcher struct {
	publisher Publisher
	fallback  Handler
	timeout   time.Duration
}

func NewDispatcher(publisher Publisher, fallback Handler) *Dispatcher {
	return &Dispatcher{publisher: publisher, fallback: fallback, timeout: 2 * time.Second}
}

// Emit publishes one event. Marshal or publish failures are logged and
// swallowed; the ledger operation has already committed by the time Emit runs.
func (d *Dispatcher) Emit(eventType string, storeID string, payload any) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[events] WARN: publisher panicked: %v", r)
		}
	}()

	body, err := json.Marshal(payload)
	if err != nil {
		log.Printf("[events] WARN: marshal %s: %v", eventType, err)
		return
	}
	event := Event{
		ID:         uuid.NewString(),
		Type:       eventType,
		StoreID:    storeID,
		OccurredAt: time.Now().UTC(),
		Payload:    body,
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	if err := d.publisher.Publish(ctx, event); err != nil {
		log.Printf("[events] WARN: publish %s: %v", eventType, err)
		d.runFallback(event)
	}
}

// runFallback is bounded and panic-guarded: a broken fallback handler must be
// as harmless as a broken broker.
func (d *Dispatcher) runFallback(event Event) {
	if d.fallback == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[events] WARN: fallback handler panicked on %s: %v", event.Type, r)
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	if err := d.fallback(ctx, event); err != nil {
		log.Printf("[events] WARN: fallback %s: %v", event.Type, err)
	}
}
