package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
)

type capturePublisher struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (p *capturePublisher) Publish(ctx context.Context, event Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, event)
	return nil
}

func (p *capturePublisher) Close() error { return nil }

func TestDispatcherWrapsPayloadInEnvelope(t *testing.T) {
	pub := &capturePublisher{}
	d := NewDispatcher(pub, nil)

	d.Emit(TypeSaleSubmitted, "test-store", map[string]string{"sale_id": "sale-1"})

	pub.mu.Lock()
	defer pub.mu.Unlock()
	if len(pub.events) != 1 {
		t.Fatalf("published %d events, want 1", len(pub.events))
	}
	event := pub.events[0]
	if event.Type != TypeSaleSubmitted || event.StoreID != "test-store" {
		t.Fatalf("envelope = %+v", event)
	}
	if event.ID == "" || event.OccurredAt.IsZero() {
		t.Fatalf("envelope missing id or timestamp: %+v", event)
	}
	var payload map[string]string
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if payload["sale_id"] != "sale-1" {
		t.Fatalf("payload = %v", payload)
	}
}

func TestDispatcherSwallowsPublishFailures(t *testing.T) {
	pub := &capturePublisher{err: errors.New("broker down")}
	d := NewDispatcher(pub, nil)

	// must not panic or propagate the error
	d.Emit(TypePaymentRecorded, "test-store", map[string]int{"amount": 100})
}

func TestDispatcherSwallowsUnmarshalablePayload(t *testing.T) {
	pub := &capturePublisher{}
	d := NewDispatcher(pub, nil)

	d.Emit(TypeRefundCreated, "test-store", make(chan int))

	pub.mu.Lock()
	defer pub.mu.Unlock()
	if len(pub.events) != 0 {
		t.Fatalf("published %d events, want 0 for unmarshalable payload", len(pub.events))
	}
}

func TestDispatcherFallsBackInlineWhenPublishFails(t *testing.T) {
	pub := &capturePublisher{err: errors.New("broker down")}
	var handled []Event
	d := NewDispatcher(pub, func(ctx context.Context, event Event) error {
		handled = append(handled, event)
		return nil
	})

	d.Emit(TypeSaleCancelled, "test-store", map[string]string{"sale_id": "sale-1"})

	if len(handled) != 1 {
		t.Fatalf("fallback handled %d events, want 1", len(handled))
	}
	if handled[0].Type != TypeSaleCancelled || handled[0].StoreID != "test-store" {
		t.Fatalf("fallback event = %+v", handled[0])
	}
}

func TestDispatcherSkipsFallbackWhenPublishSucceeds(t *testing.T) {
	pub := &capturePublisher{}
	var handled int
	d := NewDispatcher(pub, func(ctx context.Context, event Event) error {
		handled++
		return nil
	})

	d.Emit(TypeShiftClosed, "test-store", map[string]string{"shift_id": "shift-1"})

	if handled != 0 {
		t.Fatalf("fallback ran %d times on a healthy broker, want 0", handled)
	}
}

func TestDispatcherSwallowsFallbackPanic(t *testing.T) {
	pub := &capturePublisher{err: errors.New("broker down")}
	d := NewDispatcher(pub, func(ctx context.Context, event Event) error {
		panic("handler broke")
	})

	// must not propagate the panic
	d.Emit(TypeCreditSaleRecorded, "test-store", map[string]string{"sale_id": "sale-1"})
}
