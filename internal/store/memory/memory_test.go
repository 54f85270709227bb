package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"retailops/backend/internal/domain"
	"retailops/backend/internal/store"
)

func seedTrackedProduct(t *testing.T, s *Store, sku string, qty int) {
	t.Helper()
	_, err := s.CreateProduct(context.Background(), domain.Product{
		SKU: sku, Name: sku, PriceCents: 1_000, TrackStock: true,
	}, "test-store", qty, 0)
	if err != nil {
		t.Fatalf("seed %s: %v", sku, err)
	}
}

func TestReserveNeverExceedsAvailable(t *testing.T) {
	s := New()
	ctx := context.Background()
	seedTrackedProduct(t, s, "SKU-A", 5)

	if _, err := s.ReserveStock(ctx, "test-store", "SKU-A", 3); err != nil {
		t.Fatalf("reserve 3: %v", err)
	}
	if _, err := s.ReserveStock(ctx, "test-store", "SKU-A", 3); !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}

	ps, err := s.ReserveStock(ctx, "test-store", "SKU-A", 2)
	if err != nil {
		t.Fatalf("reserve 2: %v", err)
	}
	if ps.Available() != 0 {
		t.Fatalf("available = %d, want 0", ps.Available())
	}
}

func TestReleaseClampsAtZero(t *testing.T) {
	s := New()
	ctx := context.Background()
	seedTrackedProduct(t, s, "SKU-A", 5)

	if _, err := s.ReserveStock(ctx, "test-store", "SKU-A", 2); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	ps, err := s.ReleaseStock(ctx, "test-store", "SKU-A", 10)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if ps.ReservedQty != 0 || ps.Qty != 5 {
		t.Fatalf("after release: %+v, want reserved 0 qty 5", ps)
	}
}

func TestDecrementWithoutReservation(t *testing.T) {
	s := New()
	ctx := context.Background()
	seedTrackedProduct(t, s, "SKU-A", 5)

	if _, err := s.DecrementStock(ctx, "test-store", "SKU-A", 6, false); !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}
	ps, err := s.DecrementStock(ctx, "test-store", "SKU-A", 5, false)
	if err != nil {
		t.Fatalf("decrement: %v", err)
	}
	if ps.Qty != 0 {
		t.Fatalf("qty = %d, want 0", ps.Qty)
	}
}

func TestFailedDecrementLeavesReservationUntouched(t *testing.T) {
	s := New()
	ctx := context.Background()
	seedTrackedProduct(t, s, "SKU-A", 5)

	if _, err := s.ReserveStock(ctx, "test-store", "SKU-A", 4); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if _, err := s.DecrementStock(ctx, "test-store", "SKU-A", 6, true); !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}

	levels, err := s.GetStockLevels(ctx, "test-store", []string{"SKU-A"})
	if err != nil {
		t.Fatalf("levels: %v", err)
	}
	if levels[0].Qty != 5 || levels[0].ReservedQty != 4 {
		t.Fatalf("after failed decrement: %+v, want qty 5 reserved 4", levels[0])
	}
}

func TestSequenceNumbersAreIndependentPerKey(t *testing.T) {
	s := New()
	ctx := context.Background()

	keyA := domain.SequenceKey{Prefix: "FA", StoreCode: "ALPHA", PeriodKey: "2026"}
	keyB := domain.SequenceKey{Prefix: "FA", StoreCode: "BETA", PeriodKey: "2026"}

	first, err := s.NextDocumentNumber(ctx, keyA)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if first != "FA-ALPHA-2026-000001" {
		t.Fatalf("first = %q", first)
	}
	second, _ := s.NextDocumentNumber(ctx, keyA)
	if second != "FA-ALPHA-2026-000002" {
		t.Fatalf("second = %q", second)
	}
	other, _ := s.NextDocumentNumber(ctx, keyB)
	if other != "FA-BETA-2026-000001" {
		t.Fatalf("other store = %q, counters must not be shared", other)
	}

	if _, err := s.NextDocumentNumber(ctx, domain.SequenceKey{Prefix: "FA"}); !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for partial key, got %v", err)
	}
}

func TestCreditEntriesStayAppendOnly(t *testing.T) {
	s := New()
	ctx := context.Background()

	firstLimit := int64(100_000)
	account, err := s.EnsureCustomerAccount(ctx, domain.CustomerAccountRequest{
		StoreID: "test-store", CustomerID: "cust-1", CreditLimitCents: &firstLimit,
	})
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}

	// re-ensuring with an explicit limit updates it but keeps the same account
	newLimit := int64(50_000)
	again, err := s.EnsureCustomerAccount(ctx, domain.CustomerAccountRequest{
		StoreID: "test-store", CustomerID: "cust-1", CreditLimitCents: &newLimit,
	})
	if err != nil {
		t.Fatalf("re-ensure: %v", err)
	}
	if again.ID != account.ID {
		t.Fatalf("account id changed on re-ensure")
	}
	if again.CreditLimitCents != 50_000 {
		t.Fatalf("limit = %d, want 50000", again.CreditLimitCents)
	}

	// re-ensuring without a limit leaves the stored one alone
	again, err = s.EnsureCustomerAccount(ctx, domain.CustomerAccountRequest{
		StoreID: "test-store", CustomerID: "cust-1",
	})
	if err != nil {
		t.Fatalf("re-ensure without limit: %v", err)
	}
	if again.CreditLimitCents != 50_000 {
		t.Fatalf("limit after bare re-ensure = %d, want 50000 unchanged", again.CreditLimitCents)
	}

	if _, err := s.RecordCreditPayment(ctx, account.ID, 1, "", "kasir"); !errors.Is(err, store.ErrOverpayment) {
		t.Fatalf("expected ErrOverpayment on zero balance, got %v", err)
	}
}

func TestAuditLogsFilterByWindow(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now().UTC()

	for i, offset := range []time.Duration{-2 * time.Hour, -time.Hour, -time.Minute} {
		entry := domain.AuditLog{
			ID:        string(rune('a' + i)),
			StoreID:   "test-store",
			Action:    "sale.submit",
			CreatedAt: now.Add(offset),
		}
		if err := s.CreateAuditLog(ctx, entry); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	logs, err := s.ListAuditLogs(ctx, "test-store", now.Add(-90*time.Minute), now, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(logs) != 2 {
		t.Fatalf("logs = %d, want 2 inside the window", len(logs))
	}
}
