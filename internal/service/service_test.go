package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"retailops/backend/internal/domain"
	"retailops/backend/internal/events"
	"retailops/backend/internal/store"
	"retailops/backend/internal/store/memory"
)

func newTestService() *Service {
	repo := memory.New()
	return New(repo, events.NewDispatcher(events.NoopPublisher{}, nil), "test-store", "FA", "walk-in")
}

func creditLimit(cents int64) *int64 { return &cents }

func testContext() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "kasir", Role: "cashier"})
}

func adminContext() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "admin", Role: "admin"})
}

func seedProduct(t *testing.T, svc *Service, sku string, priceCents int64, stock int, minQty int) {
	t.Helper()
	_, err := svc.CreateProduct(adminContext(), domain.ProductCreateRequest{
		SKU:          sku,
		Name:         "Product " + sku,
		PriceCents:   priceCents,
		TrackStock:   true,
		InitialStock: stock,
		MinQty:       minQty,
	})
	if err != nil {
		t.Fatalf("seed product %s: %v", sku, err)
	}
}

func openShift(t *testing.T, svc *Service, ctx context.Context, floatCents int64) *domain.CashShift {
	t.Helper()
	shift, err := svc.OpenShift(ctx, domain.ShiftOpenRequest{OpeningFloatCents: floatCents})
	if err != nil {
		t.Fatalf("open shift: %v", err)
	}
	return shift
}

func buildPendingSale(t *testing.T, svc *Service, ctx context.Context, sku string, qty int, reserve bool) *domain.Sale {
	t.Helper()
	sale, err := svc.CreateSale(ctx, domain.SaleCreateRequest{ReserveStock: reserve})
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}
	sale, err = svc.AddSaleItem(ctx, sale.ID, domain.SaleItemAddRequest{SKU: sku, Qty: qty})
	if err != nil {
		t.Fatalf("add item: %v", err)
	}
	sale, err = svc.SubmitSale(ctx, sale.ID)
	if err != nil {
		t.Fatalf("submit sale: %v", err)
	}
	return sale
}

func TestSubmitAssignsSequentialInvoiceNumbers(t *testing.T) {
	svc := newTestService()
	ctx := testContext()
	seedProduct(t, svc, "SKU-A", 10_000, 50, 0)

	year := time.Now().UTC().Format("2006")
	first := buildPendingSale(t, svc, ctx, "SKU-A", 1, false)
	want := fmt.Sprintf("FA-TESTSTORE-%s-000001", year)
	if first.InvoiceNumber != want {
		t.Fatalf("first invoice = %q, want %q", first.InvoiceNumber, want)
	}

	second := buildPendingSale(t, svc, ctx, "SKU-A", 1, false)
	want = fmt.Sprintf("FA-TESTSTORE-%s-000002", year)
	if second.InvoiceNumber != want {
		t.Fatalf("second invoice = %q, want %q", second.InvoiceNumber, want)
	}
}

func TestSubmitEmptySaleFails(t *testing.T) {
	svc := newTestService()
	ctx := testContext()

	sale, err := svc.CreateSale(ctx, domain.SaleCreateRequest{})
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}
	if _, err := svc.SubmitSale(ctx, sale.ID); !errors.Is(err, store.ErrEmptySale) {
		t.Fatalf("expected ErrEmptySale, got %v", err)
	}
}

func TestAddItemAfterSubmitIsRejected(t *testing.T) {
	svc := newTestService()
	ctx := testContext()
	seedProduct(t, svc, "SKU-A", 10_000, 50, 0)

	sale := buildPendingSale(t, svc, ctx, "SKU-A", 1, false)
	_, err := svc.AddSaleItem(ctx, sale.ID, domain.SaleItemAddRequest{SKU: "SKU-A", Qty: 1})
	if !errors.Is(err, store.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestFullCashPaymentMarksSalePaidAndDecrementsStock(t *testing.T) {
	svc := newTestService()
	ctx := testContext()
	seedProduct(t, svc, "SKU-A", 10_000, 50, 0)
	shift := openShift(t, svc, ctx, 100_000)

	sale := buildPendingSale(t, svc, ctx, "SKU-A", 3, false)
	if sale.TotalCents != 30_000 {
		t.Fatalf("total = %d, want 30000", sale.TotalCents)
	}

	result, err := svc.RecordPayment(ctx, domain.PaymentRequest{
		SaleID:      sale.ID,
		ShiftID:     shift.ID,
		Method:      domain.PaymentMethodCash,
		AmountCents: 30_000,
	})
	if err != nil {
		t.Fatalf("record payment: %v", err)
	}
	if result.Sale.Status != domain.SaleStatusPaid {
		t.Fatalf("status = %s, want paid", result.Sale.Status)
	}
	if result.Sale.AmountDueCents != 0 {
		t.Fatalf("amount due = %d, want 0", result.Sale.AmountDueCents)
	}
	if result.Shift.TotalCashPaymentsCents != 30_000 {
		t.Fatalf("shift cash = %d, want 30000", result.Shift.TotalCashPaymentsCents)
	}
	if result.Shift.ExpectedCashCents != 130_000 {
		t.Fatalf("expected cash = %d, want 130000", result.Shift.ExpectedCashCents)
	}

	levels, err := svc.StockLevels(ctx, "", []string{"SKU-A"})
	if err != nil {
		t.Fatalf("stock levels: %v", err)
	}
	if len(levels) != 1 || levels[0].Qty != 47 {
		t.Fatalf("stock after sale = %+v, want qty 47", levels)
	}
}

func TestPartialPaymentsAccumulate(t *testing.T) {
	svc := newTestService()
	ctx := testContext()
	seedProduct(t, svc, "SKU-A", 10_000, 50, 0)
	shift := openShift(t, svc, ctx, 0)

	sale := buildPendingSale(t, svc, ctx, "SKU-A", 5, false)

	result, err := svc.RecordPayment(ctx, domain.PaymentRequest{
		SaleID: sale.ID, ShiftID: shift.ID, Method: domain.PaymentMethodCash, AmountCents: 20_000,
	})
	if err != nil {
		t.Fatalf("first payment: %v", err)
	}
	if result.Sale.Status != domain.SaleStatusPartiallyPaid {
		t.Fatalf("status = %s, want partially_paid", result.Sale.Status)
	}

	result, err = svc.RecordPayment(ctx, domain.PaymentRequest{
		SaleID: sale.ID, ShiftID: shift.ID, Method: domain.PaymentMethodCard, AmountCents: 30_000,
	})
	if err != nil {
		t.Fatalf("second payment: %v", err)
	}
	if result.Sale.Status != domain.SaleStatusPaid {
		t.Fatalf("status = %s, want paid", result.Sale.Status)
	}
	if result.Shift.TotalSalesCents != 50_000 {
		t.Fatalf("shift sales = %d, want 50000", result.Shift.TotalSalesCents)
	}
	if result.Shift.TotalCashPaymentsCents != 20_000 {
		t.Fatalf("shift cash = %d, want 20000 (card excluded)", result.Shift.TotalCashPaymentsCents)
	}
}

func TestOverpaymentRejected(t *testing.T) {
	svc := newTestService()
	ctx := testContext()
	seedProduct(t, svc, "SKU-A", 10_000, 50, 0)
	shift := openShift(t, svc, ctx, 0)

	sale := buildPendingSale(t, svc, ctx, "SKU-A", 1, false)
	_, err := svc.RecordPayment(ctx, domain.PaymentRequest{
		SaleID: sale.ID, ShiftID: shift.ID, Method: domain.PaymentMethodCash, AmountCents: 10_001,
	})
	if !errors.Is(err, store.ErrOverpayment) {
		t.Fatalf("expected ErrOverpayment, got %v", err)
	}
}

func TestConcurrentPaymentsKeepShiftTotalsFresh(t *testing.T) {
	svc := newTestService()
	ctx := testContext()
	seedProduct(t, svc, "SKU-A", 10_000, 100, 0)
	shift := openShift(t, svc, ctx, 0)

	saleA := buildPendingSale(t, svc, ctx, "SKU-A", 3, false) // 30000
	saleB := buildPendingSale(t, svc, ctx, "SKU-A", 4, false) // 40000

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for _, sale := range []*domain.Sale{saleA, saleB} {
		wg.Add(1)
		go func(sale *domain.Sale) {
			defer wg.Done()
			_, err := svc.RecordPayment(ctx, domain.PaymentRequest{
				SaleID:      sale.ID,
				ShiftID:     shift.ID,
				Method:      domain.PaymentMethodCash,
				AmountCents: sale.TotalCents,
			})
			errs <- err
		}(sale)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent payment: %v", err)
		}
	}

	closed, err := svc.CloseShift(ctx, domain.ShiftCloseRequest{ShiftID: shift.ID, ClosingCashCents: 70_000})
	if err != nil {
		t.Fatalf("close shift: %v", err)
	}
	if closed.TotalCashPaymentsCents != 70_000 {
		t.Fatalf("shift cash = %d, want 70000 (no lost update)", closed.TotalCashPaymentsCents)
	}
	if closed.VarianceCents != 0 {
		t.Fatalf("variance = %d, want 0", closed.VarianceCents)
	}
}

func TestShiftCloseComputesVariance(t *testing.T) {
	svc := newTestService()
	ctx := testContext()
	seedProduct(t, svc, "SKU-A", 100_000, 50, 0)
	shift := openShift(t, svc, ctx, 100_000)

	sale := buildPendingSale(t, svc, ctx, "SKU-A", 1, false)
	if _, err := svc.RecordPayment(ctx, domain.PaymentRequest{
		SaleID: sale.ID, ShiftID: shift.ID, Method: domain.PaymentMethodCash, AmountCents: 100_000,
	}); err != nil {
		t.Fatalf("record payment: %v", err)
	}

	// expected cash 200000, closing 195000: short by 5000 (2.5%)
	closed, err := svc.CloseShift(ctx, domain.ShiftCloseRequest{ShiftID: shift.ID, ClosingCashCents: 195_000})
	if err != nil {
		t.Fatalf("close shift: %v", err)
	}
	if closed.ExpectedCashCents != 200_000 {
		t.Fatalf("expected cash = %d, want 200000", closed.ExpectedCashCents)
	}
	if closed.VarianceCents != -5_000 {
		t.Fatalf("variance = %d, want -5000", closed.VarianceCents)
	}
	if closed.VariancePct != "-2.50" {
		t.Fatalf("variance pct = %q, want -2.50", closed.VariancePct)
	}
	if closed.VarianceSeverity != domain.VarianceWarning {
		t.Fatalf("severity = %q, want warning", closed.VarianceSeverity)
	}

	if _, err := svc.CloseShift(ctx, domain.ShiftCloseRequest{ShiftID: shift.ID, ClosingCashCents: 0}); !errors.Is(err, store.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState on double close, got %v", err)
	}
}

func TestSecondOpenShiftForSameCashierFails(t *testing.T) {
	svc := newTestService()
	ctx := testContext()
	openShift(t, svc, ctx, 0)

	_, err := svc.OpenShift(ctx, domain.ShiftOpenRequest{})
	if !errors.Is(err, store.ErrShiftAlreadyOpen) {
		t.Fatalf("expected ErrShiftAlreadyOpen, got %v", err)
	}
}

func TestReservedStockFlow(t *testing.T) {
	svc := newTestService()
	ctx := testContext()
	seedProduct(t, svc, "SKU-A", 10_000, 10, 0)

	sale, err := svc.CreateSale(ctx, domain.SaleCreateRequest{ReserveStock: true})
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}
	if _, err := svc.AddSaleItem(ctx, sale.ID, domain.SaleItemAddRequest{SKU: "SKU-A", Qty: 8}); err != nil {
		t.Fatalf("add item: %v", err)
	}

	levels, _ := svc.StockLevels(ctx, "", []string{"SKU-A"})
	if levels[0].ReservedQty != 8 || levels[0].Available() != 2 {
		t.Fatalf("after reserve: %+v, want reserved 8 available 2", levels[0])
	}

	// a second sale cannot reserve more than what is left
	other, _ := svc.CreateSale(ctx, domain.SaleCreateRequest{ReserveStock: true})
	if _, err := svc.AddSaleItem(ctx, other.ID, domain.SaleItemAddRequest{SKU: "SKU-A", Qty: 3}); !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}

	// cancelling the first sale returns the reservation
	if _, err := svc.CancelSale(ctx, sale.ID, domain.SaleCancelRequest{Reason: "customer walked away"}); err != nil {
		t.Fatalf("cancel sale: %v", err)
	}
	levels, _ = svc.StockLevels(ctx, "", []string{"SKU-A"})
	if levels[0].ReservedQty != 0 || levels[0].Qty != 10 {
		t.Fatalf("after cancel: %+v, want reserved 0 qty 10", levels[0])
	}
}

func TestPaidReservedSaleConsumesReservation(t *testing.T) {
	svc := newTestService()
	ctx := testContext()
	seedProduct(t, svc, "SKU-A", 10_000, 10, 0)
	shift := openShift(t, svc, ctx, 0)

	sale := buildPendingSale(t, svc, ctx, "SKU-A", 4, true)
	if _, err := svc.RecordPayment(ctx, domain.PaymentRequest{
		SaleID: sale.ID, ShiftID: shift.ID, Method: domain.PaymentMethodCash, AmountCents: 40_000,
	}); err != nil {
		t.Fatalf("record payment: %v", err)
	}

	levels, _ := svc.StockLevels(ctx, "", []string{"SKU-A"})
	if levels[0].Qty != 6 || levels[0].ReservedQty != 0 {
		t.Fatalf("after paid: %+v, want qty 6 reserved 0", levels[0])
	}
}

func TestCreditSaleAndRepayment(t *testing.T) {
	svc := newTestService()
	ctx := testContext()
	seedProduct(t, svc, "SKU-A", 10_000, 50, 0)
	shift := openShift(t, svc, ctx, 0)

	account, err := svc.EnsureCustomerAccount(adminContext(), domain.CustomerAccountRequest{
		CustomerID:       "cust-1",
		CreditLimitCents: creditLimit(100_000),
	})
	if err != nil {
		t.Fatalf("ensure account: %v", err)
	}

	sale, err := svc.CreateSale(ctx, domain.SaleCreateRequest{CustomerID: "cust-1", IsCreditSale: true})
	if err != nil {
		t.Fatalf("create credit sale: %v", err)
	}
	if _, err := svc.AddSaleItem(ctx, sale.ID, domain.SaleItemAddRequest{SKU: "SKU-A", Qty: 3}); err != nil {
		t.Fatalf("add item: %v", err)
	}
	if _, err := svc.SubmitSale(ctx, sale.ID); err != nil {
		t.Fatalf("submit: %v", err)
	}

	result, err := svc.RecordPayment(ctx, domain.PaymentRequest{
		SaleID: sale.ID, ShiftID: shift.ID, Method: domain.PaymentMethodCredit, AmountCents: 30_000,
	})
	if err != nil {
		t.Fatalf("credit payment: %v", err)
	}
	if result.CreditEntry == nil {
		t.Fatalf("expected a credit ledger entry")
	}
	if result.CreditEntry.EntryType != domain.CreditEntrySaleOnCredit {
		t.Fatalf("entry type = %s", result.CreditEntry.EntryType)
	}
	if result.CreditEntry.BalanceAfterCents != 30_000 {
		t.Fatalf("balance after = %d, want 30000", result.CreditEntry.BalanceAfterCents)
	}
	if result.Shift.TotalCashPaymentsCents != 0 {
		t.Fatalf("credit must not touch the cash drawer, got %d", result.Shift.TotalCashPaymentsCents)
	}

	entry, err := svc.RecordCreditRepayment(ctx, domain.CreditPaymentRequest{
		AccountID: account.ID, AmountCents: 20_000,
	})
	if err != nil {
		t.Fatalf("repayment: %v", err)
	}
	if entry.BalanceAfterCents != 10_000 {
		t.Fatalf("balance after repayment = %d, want 10000", entry.BalanceAfterCents)
	}

	_, err = svc.RecordCreditRepayment(ctx, domain.CreditPaymentRequest{
		AccountID: account.ID, AmountCents: 10_001,
	})
	if !errors.Is(err, store.ErrOverpayment) {
		t.Fatalf("expected ErrOverpayment on excess repayment, got %v", err)
	}

	entries, err := svc.ListCreditEntries(ctx, account.ID, 10)
	if err != nil {
		t.Fatalf("list entries: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	if entries[0].BalanceAfterCents != 10_000 {
		t.Fatalf("latest balance_after = %d, want 10000", entries[0].BalanceAfterCents)
	}
}

func TestCreditLimitEnforced(t *testing.T) {
	svc := newTestService()
	ctx := testContext()
	seedProduct(t, svc, "SKU-A", 50_000, 50, 0)
	shift := openShift(t, svc, ctx, 0)

	if _, err := svc.EnsureCustomerAccount(adminContext(), domain.CustomerAccountRequest{
		CustomerID:       "cust-1",
		CreditLimitCents: creditLimit(40_000),
	}); err != nil {
		t.Fatalf("ensure account: %v", err)
	}

	sale, _ := svc.CreateSale(ctx, domain.SaleCreateRequest{CustomerID: "cust-1", IsCreditSale: true})
	if _, err := svc.AddSaleItem(ctx, sale.ID, domain.SaleItemAddRequest{SKU: "SKU-A", Qty: 1}); err != nil {
		t.Fatalf("add item: %v", err)
	}
	if _, err := svc.SubmitSale(ctx, sale.ID); err != nil {
		t.Fatalf("submit: %v", err)
	}

	_, err := svc.RecordPayment(ctx, domain.PaymentRequest{
		SaleID: sale.ID, ShiftID: shift.ID, Method: domain.PaymentMethodCredit, AmountCents: 50_000,
	})
	if !errors.Is(err, store.ErrOverpayment) {
		t.Fatalf("expected ErrOverpayment over credit limit, got %v", err)
	}
}

func TestRefundIsTerminal(t *testing.T) {
	svc := newTestService()
	cashierCtx := testContext()
	adminCtx := adminContext()
	seedProduct(t, svc, "SKU-A", 10_000, 50, 0)
	shift := openShift(t, svc, cashierCtx, 0)

	sale := buildPendingSale(t, svc, cashierCtx, "SKU-A", 2, false)

	// refunds only apply to paid sales
	if _, err := svc.RefundSale(adminCtx, sale.ID, domain.SaleRefundRequest{AmountCents: 5_000}); !errors.Is(err, store.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState before payment, got %v", err)
	}

	if _, err := svc.RecordPayment(cashierCtx, domain.PaymentRequest{
		SaleID: sale.ID, ShiftID: shift.ID, Method: domain.PaymentMethodCash, AmountCents: 20_000,
	}); err != nil {
		t.Fatalf("record payment: %v", err)
	}

	if _, err := svc.RefundSale(adminCtx, sale.ID, domain.SaleRefundRequest{AmountCents: 25_000}); !errors.Is(err, store.ErrOverpayment) {
		t.Fatalf("expected ErrOverpayment beyond amount paid, got %v", err)
	}

	refunded, err := svc.RefundSale(adminCtx, sale.ID, domain.SaleRefundRequest{AmountCents: 5_000, Reason: "damaged item"})
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if refunded.Status != domain.SaleStatusRefunded {
		t.Fatalf("status = %s, want refunded (partial refunds are terminal too)", refunded.Status)
	}

	// terminal: no second refund, no payments
	if _, err := svc.RefundSale(adminCtx, sale.ID, domain.SaleRefundRequest{AmountCents: 1_000}); !errors.Is(err, store.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState after refund, got %v", err)
	}
}

func TestCancelPaidSaleIsRejected(t *testing.T) {
	svc := newTestService()
	ctx := testContext()
	seedProduct(t, svc, "SKU-A", 10_000, 50, 0)
	shift := openShift(t, svc, ctx, 0)

	sale := buildPendingSale(t, svc, ctx, "SKU-A", 1, false)
	if _, err := svc.RecordPayment(ctx, domain.PaymentRequest{
		SaleID: sale.ID, ShiftID: shift.ID, Method: domain.PaymentMethodCash, AmountCents: 10_000,
	}); err != nil {
		t.Fatalf("record payment: %v", err)
	}
	if _, err := svc.CancelSale(ctx, sale.ID, domain.SaleCancelRequest{Reason: "oops"}); !errors.Is(err, store.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState cancelling a paid sale, got %v", err)
	}
}

func TestPriceOverrideRequiresAuthorization(t *testing.T) {
	svc := newTestService()
	ctx := testContext()
	seedProduct(t, svc, "SKU-A", 10_000, 50, 0)

	sale, _ := svc.CreateSale(ctx, domain.SaleCreateRequest{})
	override := int64(7_000)

	_, err := svc.AddSaleItem(ctx, sale.ID, domain.SaleItemAddRequest{
		SKU: "SKU-A", Qty: 1, UnitPriceCents: &override,
	})
	if !errors.Is(err, store.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState without authorization, got %v", err)
	}

	updated, err := svc.AddSaleItem(ctx, sale.ID, domain.SaleItemAddRequest{
		SKU: "SKU-A", Qty: 1, UnitPriceCents: &override, PriceOverrideAuthorized: true,
	})
	if err != nil {
		t.Fatalf("authorized override: %v", err)
	}
	if updated.Items[0].UnitPriceCents != 7_000 {
		t.Fatalf("unit price = %d, want 7000", updated.Items[0].UnitPriceCents)
	}
}

func TestDeleteProductReferencedBySaleFails(t *testing.T) {
	svc := newTestService()
	ctx := testContext()
	seedProduct(t, svc, "SKU-A", 10_000, 50, 0)

	sale, _ := svc.CreateSale(ctx, domain.SaleCreateRequest{})
	if _, err := svc.AddSaleItem(ctx, sale.ID, domain.SaleItemAddRequest{SKU: "SKU-A", Qty: 1}); err != nil {
		t.Fatalf("add item: %v", err)
	}

	err := svc.DeleteProduct(adminContext(), "SKU-A")
	if !errors.Is(err, store.ErrReferentialIntegrity) {
		t.Fatalf("expected ErrReferentialIntegrity, got %v", err)
	}

	// once the referencing sale is cancelled the delete goes through
	if _, err := svc.CancelSale(ctx, sale.ID, domain.SaleCancelRequest{Reason: "abandoned"}); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := svc.DeleteProduct(adminContext(), "SKU-A"); err != nil {
		t.Fatalf("delete after cancel: %v", err)
	}
}

func TestLowStockAlertSyncIsIdempotentPerDay(t *testing.T) {
	svc := newTestService()
	ctx := adminContext()
	seedProduct(t, svc, "SKU-LOW", 10_000, 3, 5)

	created, err := svc.SyncLowStockAlerts(ctx, "")
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if len(created) != 1 {
		t.Fatalf("first sync created %d alerts, want 1", len(created))
	}

	created, err = svc.SyncLowStockAlerts(ctx, "")
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if len(created) != 0 {
		t.Fatalf("second sync created %d alerts, want 0", len(created))
	}

	alerts, err := svc.ListLowStockAlerts(ctx, "", "")
	if err != nil {
		t.Fatalf("list alerts: %v", err)
	}
	if len(alerts) != 1 || alerts[0].SKU != "SKU-LOW" {
		t.Fatalf("alerts = %+v, want one for SKU-LOW", alerts)
	}
}

func TestStockAdjustCannotDropBelowReservations(t *testing.T) {
	svc := newTestService()
	ctx := testContext()
	seedProduct(t, svc, "SKU-A", 10_000, 10, 0)

	sale, _ := svc.CreateSale(ctx, domain.SaleCreateRequest{ReserveStock: true})
	if _, err := svc.AddSaleItem(ctx, sale.ID, domain.SaleItemAddRequest{SKU: "SKU-A", Qty: 6}); err != nil {
		t.Fatalf("add item: %v", err)
	}

	_, err := svc.AdjustStock(adminContext(), domain.StockAdjustRequest{
		SKU: "SKU-A", Delta: -5, Reason: "shrinkage count",
	})
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}

	ps, err := svc.AdjustStock(adminContext(), domain.StockAdjustRequest{
		SKU: "SKU-A", Delta: -4, Reason: "shrinkage count",
	})
	if err != nil {
		t.Fatalf("adjust: %v", err)
	}
	if ps.Qty != 6 || ps.Available() != 0 {
		t.Fatalf("after adjust: %+v, want qty 6 available 0", ps)
	}
}

func TestCreditSaleRequiresExistingAccount(t *testing.T) {
	svc := newTestService()
	ctx := testContext()

	_, err := svc.CreateSale(ctx, domain.SaleCreateRequest{CustomerID: "nobody", IsCreditSale: true})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown customer, got %v", err)
	}

	_, err = svc.CreateSale(ctx, domain.SaleCreateRequest{IsCreditSale: true})
	if !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput without customer, got %v", err)
	}
}

func TestCreditAvailabilityFollowsLimitAndBalance(t *testing.T) {
	svc := newTestService()
	ctx := testContext()
	seedProduct(t, svc, "SKU-A", 20_000, 50, 0)
	shift := openShift(t, svc, ctx, 0)

	account, err := svc.EnsureCustomerAccount(adminContext(), domain.CustomerAccountRequest{
		CustomerID:       "cust-1",
		CreditLimitCents: creditLimit(500_000),
	})
	if err != nil {
		t.Fatalf("ensure account: %v", err)
	}

	ok, err := svc.CheckCreditAvailability(ctx, account.ID, 400_000)
	if err != nil || !ok {
		t.Fatalf("availability(400000) = %v, %v, want true", ok, err)
	}
	ok, err = svc.CheckCreditAvailability(ctx, account.ID, 600_000)
	if err != nil || ok {
		t.Fatalf("availability(600000) = %v, %v, want false", ok, err)
	}

	sale, _ := svc.CreateSale(ctx, domain.SaleCreateRequest{CustomerID: "cust-1", IsCreditSale: true})
	if _, err := svc.AddSaleItem(ctx, sale.ID, domain.SaleItemAddRequest{SKU: "SKU-A", Qty: 1}); err != nil {
		t.Fatalf("add item: %v", err)
	}
	if _, err := svc.SubmitSale(ctx, sale.ID); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := svc.RecordPayment(ctx, domain.PaymentRequest{
		SaleID: sale.ID, ShiftID: shift.ID, Method: domain.PaymentMethodCredit, AmountCents: 20_000,
	}); err != nil {
		t.Fatalf("credit payment: %v", err)
	}

	ok, err = svc.CheckCreditAvailability(ctx, account.ID, 480_000)
	if err != nil || !ok {
		t.Fatalf("availability(480000) after 20000 sale = %v, %v, want true", ok, err)
	}
	ok, err = svc.CheckCreditAvailability(ctx, account.ID, 480_001)
	if err != nil || ok {
		t.Fatalf("availability(480001) after 20000 sale = %v, %v, want false", ok, err)
	}

	_, err = svc.RecordCreditRepayment(ctx, domain.CreditPaymentRequest{
		AccountID: account.ID, AmountCents: 30_000,
	})
	if !errors.Is(err, store.ErrOverpayment) {
		t.Fatalf("expected ErrOverpayment repaying 30000 against balance 20000, got %v", err)
	}
}

func TestZeroLimitAccountHasNoHeadroom(t *testing.T) {
	svc := newTestService()
	ctx := testContext()
	seedProduct(t, svc, "SKU-A", 10_000, 50, 0)
	shift := openShift(t, svc, ctx, 0)

	account, err := svc.EnsureCustomerAccount(adminContext(), domain.CustomerAccountRequest{
		CustomerID:       "cust-1",
		CreditLimitCents: creditLimit(0),
	})
	if err != nil {
		t.Fatalf("ensure account: %v", err)
	}

	ok, err := svc.CheckCreditAvailability(ctx, account.ID, 1)
	if err != nil || ok {
		t.Fatalf("availability(1) on zero limit = %v, %v, want false", ok, err)
	}

	sale, _ := svc.CreateSale(ctx, domain.SaleCreateRequest{CustomerID: "cust-1", IsCreditSale: true})
	if _, err := svc.AddSaleItem(ctx, sale.ID, domain.SaleItemAddRequest{SKU: "SKU-A", Qty: 1}); err != nil {
		t.Fatalf("add item: %v", err)
	}
	if _, err := svc.SubmitSale(ctx, sale.ID); err != nil {
		t.Fatalf("submit: %v", err)
	}
	_, err = svc.RecordPayment(ctx, domain.PaymentRequest{
		SaleID: sale.ID, ShiftID: shift.ID, Method: domain.PaymentMethodCredit, AmountCents: 10_000,
	})
	if !errors.Is(err, store.ErrOverpayment) {
		t.Fatalf("expected ErrOverpayment extending credit on a zero limit, got %v", err)
	}
}

func TestCancelPartiallyPaidSaleReleasesReservations(t *testing.T) {
	svc := newTestService()
	ctx := testContext()
	seedProduct(t, svc, "SKU-A", 10_000, 10, 0)
	shift := openShift(t, svc, ctx, 0)

	sale := buildPendingSale(t, svc, ctx, "SKU-A", 4, true)
	if _, err := svc.RecordPayment(ctx, domain.PaymentRequest{
		SaleID: sale.ID, ShiftID: shift.ID, Method: domain.PaymentMethodCash, AmountCents: 15_000,
	}); err != nil {
		t.Fatalf("partial payment: %v", err)
	}

	cancelled, err := svc.CancelSale(ctx, sale.ID, domain.SaleCancelRequest{Reason: "customer walked"})
	if err != nil {
		t.Fatalf("cancel partially paid sale: %v", err)
	}
	if cancelled.Status != domain.SaleStatusCancelled {
		t.Fatalf("status = %s, want cancelled", cancelled.Status)
	}

	levels, err := svc.StockLevels(ctx, "", []string{"SKU-A"})
	if err != nil {
		t.Fatalf("stock levels: %v", err)
	}
	if levels[0].Qty != 10 || levels[0].ReservedQty != 0 {
		t.Fatalf("after cancel: %+v, want qty 10 reserved 0", levels[0])
	}
}

func TestFailedSettlingPaymentLeavesNoTrace(t *testing.T) {
	svc := newTestService()
	ctx := testContext()
	seedProduct(t, svc, "SKU-A", 10_000, 10, 0)
	shift := openShift(t, svc, ctx, 20_000)

	sale := buildPendingSale(t, svc, ctx, "SKU-A", 5, false)

	// stock walks out the door before the customer pays
	if _, err := svc.AdjustStock(adminContext(), domain.StockAdjustRequest{
		SKU: "SKU-A", Delta: -8, Reason: "shrinkage count",
	}); err != nil {
		t.Fatalf("adjust: %v", err)
	}

	_, err := svc.RecordPayment(ctx, domain.PaymentRequest{
		SaleID: sale.ID, ShiftID: shift.ID, Method: domain.PaymentMethodCash, AmountCents: 50_000,
	})
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}

	after, err := svc.GetSale(ctx, sale.ID)
	if err != nil {
		t.Fatalf("get sale: %v", err)
	}
	if after.Status != domain.SaleStatusPendingPayment {
		t.Fatalf("status = %s, want pending_payment", after.Status)
	}
	if after.AmountPaidCents != 0 || len(after.Payments) != 0 {
		t.Fatalf("paid = %d payments = %d, want 0 and 0", after.AmountPaidCents, len(after.Payments))
	}

	reread, err := svc.GetShift(ctx, shift.ID)
	if err != nil {
		t.Fatalf("get shift: %v", err)
	}
	if reread.TotalSalesCents != 0 || reread.ExpectedCashCents != 20_000 {
		t.Fatalf("shift totals moved: sales = %d expected = %d", reread.TotalSalesCents, reread.ExpectedCashCents)
	}
}
