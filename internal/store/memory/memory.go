// Package memory holds an in-process implementation of store.Repository with
// the same business rules as the postgres store. It backs unit tests and the
// zero-dependency dev mode; one mutex stands in for row locks.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"retailops/backend/internal/domain"
	"retailops/backend/internal/store"
	"retailops/backend/internal/xid"
)

type Store struct {
	mu sync.Mutex

	products  map[string]domain.Product       // by sku
	stock     map[string]*domain.ProductStock // by storeID|sku
	sales     map[string]*domain.Sale
	shifts    map[string]*domain.CashShift
	accounts  map[string]*domain.CustomerAccount
	entries   map[string][]domain.CreditLedgerEntry // by account id, append-only
	sequences map[domain.SequenceKey]int64
	alerts    map[string]domain.LowStockAlert // by storeID|sku|day
	audits    []domain.AuditLog
	users     map[string]domain.UserAccount
}

func New() *Store {
	return &Store{
		products:  make(map[string]domain.Product),
		stock:     make(map[string]*domain.ProductStock),
		sales:     make(map[string]*domain.Sale),
		shifts:    make(map[string]*domain.CashShift),
		accounts:  make(map[string]*domain.CustomerAccount),
		entries:   make(map[string][]domain.CreditLedgerEntry),
		sequences: make(map[domain.SequenceKey]int64),
		alerts:    make(map[string]domain.LowStockAlert),
		users:     make(map[string]domain.UserAccount),
	}
}

// NewSeeded returns a store preloaded with demo credentials and a small
// catalog, enough to exercise the API without postgres.
func NewSeeded(storeID string) *Store {
	s := New()
	now := time.Now().UTC()
	for _, seed := range []struct {
		username, password, role string
	}{
		{"admin", "admin123", "admin"},
		{"kasir", "kasir123", "cashier"},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(seed.password), bcrypt.DefaultCost)
		if err != nil {
			continue
		}
		s.users[seed.username] = domain.UserAccount{
			Username:  seed.username,
			Password:  string(hash),
			Role:      seed.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	for _, seed := range []struct {
		sku, name   string
		priceCents  int64
		qty, minQty int
	}{
		{"KOPI-001", "Kopi Susu Botol", 18_000_00, 40, 5},
		{"ROTI-001", "Roti Bakar Cokelat", 15_000_00, 25, 5},
		{"AIR-001", "Air Mineral 600ml", 5_000_00, 120, 20},
	} {
		s.products[seed.sku] = domain.Product{
			SKU:        seed.sku,
			Name:       seed.name,
			PriceCents: seed.priceCents,
			TrackStock: true,
			Active:     true,
		}
		s.stock[stockKey(storeID, seed.sku)] = &domain.ProductStock{
			StoreID:   storeID,
			SKU:       seed.sku,
			Qty:       seed.qty,
			MinQty:    seed.minQty,
			UpdatedAt: now,
		}
	}
	return s
}

func (s *Store) Close() error { return nil }

func stockKey(storeID, sku string) string { return storeID + "|" + sku }

// --- catalog ---

func (s *Store) CreateProduct(ctx context.Context, product domain.Product, storeID string, initialStock int, minQty int) (*domain.Product, error) {
	if initialStock < 0 || minQty < 0 {
		return nil, fmt.Errorf("%w: initial stock and min qty must not be negative", store.ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.products[product.SKU]; ok {
		return nil, fmt.Errorf("%w: sku %s already exists", store.ErrInvalidInput, product.SKU)
	}
	product.Active = true
	s.products[product.SKU] = product
	if product.TrackStock {
		s.stock[stockKey(storeID, product.SKU)] = &domain.ProductStock{
			StoreID:   storeID,
			SKU:       product.SKU,
			Qty:       initialStock,
			MinQty:    minQty,
			UpdatedAt: time.Now().UTC(),
		}
	}
	return &product, nil
}

func (s *Store) GetProductBySKU(ctx context.Context, sku string) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[sku]
	if !ok {
		return nil, fmt.Errorf("%w: product %s", store.ErrNotFound, sku)
	}
	return &p, nil
}

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Product
	for _, p := range s.products {
		if p.Active {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) DeleteProduct(ctx context.Context, sku string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.products[sku]; !ok {
		return fmt.Errorf("%w: product %s", store.ErrNotFound, sku)
	}
	for _, sale := range s.sales {
		if sale.Status == domain.SaleStatusCancelled {
			continue
		}
		for _, item := range sale.Items {
			if item.SKU == sku {
				return fmt.Errorf("%w: product %s", store.ErrReferentialIntegrity, sku)
			}
		}
	}
	delete(s.products, sku)
	for key := range s.stock {
		if strings.HasSuffix(key, "|"+sku) {
			delete(s.stock, key)
		}
	}
	return nil
}

// --- stock ---

func (s *Store) stockRow(storeID, sku string) (*domain.ProductStock, error) {
	ps, ok := s.stock[stockKey(storeID, sku)]
	if !ok {
		return nil, fmt.Errorf("%w: no stock row for %s at %s", store.ErrNotFound, sku, storeID)
	}
	return ps, nil
}

func (s *Store) GetStockLevels(ctx context.Context, storeID string, skus []string) ([]domain.ProductStock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := make(map[string]bool, len(skus))
	for _, sku := range skus {
		want[sku] = true
	}
	var out []domain.ProductStock
	for _, ps := range s.stock {
		if ps.StoreID != storeID {
			continue
		}
		if len(want) > 0 && !want[ps.SKU] {
			continue
		}
		out = append(out, *ps)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SKU < out[j].SKU })
	return out, nil
}

func (s *Store) reserveLocked(storeID, sku string, qty int) (*domain.ProductStock, error) {
	ps, err := s.stockRow(storeID, sku)
	if err != nil {
		return nil, err
	}
	if ps.Available() < qty {
		return nil, fmt.Errorf("%w: %s has %d available, need %d", store.ErrInsufficientStock, sku, ps.Available(), qty)
	}
	ps.ReservedQty += qty
	ps.UpdatedAt = time.Now().UTC()
	return ps, nil
}

func (s *Store) releaseLocked(storeID, sku string, qty int) (*domain.ProductStock, error) {
	ps, err := s.stockRow(storeID, sku)
	if err != nil {
		return nil, err
	}
	ps.ReservedQty -= qty
	if ps.ReservedQty < 0 {
		ps.ReservedQty = 0
	}
	ps.UpdatedAt = time.Now().UTC()
	return ps, nil
}

// checkDecrementLocked verifies a decrement would keep the row consistent
// without mutating it, so multi-line operations can validate every line
// before applying any of them.
func (s *Store) checkDecrementLocked(storeID, sku string, qty int, releaseReserved bool) (*domain.ProductStock, error) {
	ps, err := s.stockRow(storeID, sku)
	if err != nil {
		return nil, err
	}
	if !releaseReserved && ps.Available() < qty {
		return nil, fmt.Errorf("%w: %s has %d available, need %d", store.ErrInsufficientStock, sku, ps.Available(), qty)
	}
	if ps.Qty-qty < 0 {
		return nil, fmt.Errorf("%w: %s would go negative", store.ErrInsufficientStock, sku)
	}
	return ps, nil
}

func (s *Store) decrementLocked(storeID, sku string, qty int, releaseReserved bool) (*domain.ProductStock, error) {
	ps, err := s.checkDecrementLocked(storeID, sku, qty, releaseReserved)
	if err != nil {
		return nil, err
	}
	if releaseReserved {
		ps.ReservedQty -= qty
		if ps.ReservedQty < 0 {
			ps.ReservedQty = 0
		}
	}
	ps.Qty -= qty
	ps.UpdatedAt = time.Now().UTC()
	return ps, nil
}

func (s *Store) ReserveStock(ctx context.Context, storeID string, sku string, qty int) (*domain.ProductStock, error) {
	if qty <= 0 {
		return nil, fmt.Errorf("%w: qty must be positive", store.ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ps, err := s.reserveLocked(storeID, sku, qty)
	if err != nil {
		return nil, err
	}
	cp := *ps
	return &cp, nil
}

func (s *Store) ReleaseStock(ctx context.Context, storeID string, sku string, qty int) (*domain.ProductStock, error) {
	if qty <= 0 {
		return nil, fmt.Errorf("%w: qty must be positive", store.ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ps, err := s.releaseLocked(storeID, sku, qty)
	if err != nil {
		return nil, err
	}
	cp := *ps
	return &cp, nil
}

func (s *Store) DecrementStock(ctx context.Context, storeID string, sku string, qty int, releaseReserved bool) (*domain.ProductStock, error) {
	if qty <= 0 {
		return nil, fmt.Errorf("%w: qty must be positive", store.ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ps, err := s.decrementLocked(storeID, sku, qty, releaseReserved)
	if err != nil {
		return nil, err
	}
	cp := *ps
	return &cp, nil
}

func (s *Store) AdjustStock(ctx context.Context, req domain.StockAdjustRequest) (*domain.ProductStock, error) {
	if req.Delta == 0 {
		return nil, fmt.Errorf("%w: delta must not be zero", store.ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ps, err := s.stockRow(req.StoreID, req.SKU)
	if err != nil {
		return nil, err
	}
	next := ps.Qty + req.Delta
	if next < ps.ReservedQty {
		return nil, fmt.Errorf("%w: adjustment would drop %s below its reservations", store.ErrInsufficientStock, req.SKU)
	}
	ps.Qty = next
	ps.UpdatedAt = time.Now().UTC()
	cp := *ps
	return &cp, nil
}

// --- sales ---

func (s *Store) CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sale.Status = domain.SaleStatusDraft
	sale.CreatedAt = time.Now().UTC()
	sale.Recalculate()
	cp := sale
	s.sales[sale.ID] = &cp
	return &sale, nil
}

func (s *Store) saleByID(saleID string) (*domain.Sale, error) {
	sale, ok := s.sales[saleID]
	if !ok {
		return nil, fmt.Errorf("%w: sale", store.ErrNotFound)
	}
	return sale, nil
}

func copySale(sale *domain.Sale) *domain.Sale {
	cp := *sale
	cp.Items = append([]domain.SaleItem(nil), sale.Items...)
	cp.Payments = append([]domain.Payment(nil), sale.Payments...)
	cp.Refunds = append([]domain.Refund(nil), sale.Refunds...)
	return &cp
}

func (s *Store) GetSale(ctx context.Context, saleID string) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sale, err := s.saleByID(saleID)
	if err != nil {
		return nil, err
	}
	return copySale(sale), nil
}

func (s *Store) AddSaleItem(ctx context.Context, saleID string, item domain.SaleItem, reserve bool) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sale, err := s.saleByID(saleID)
	if err != nil {
		return nil, err
	}
	if !sale.Mutable() {
		return nil, fmt.Errorf("%w: cannot add items to a %s sale", store.ErrInvalidState, sale.Status)
	}
	if reserve && item.TrackStock {
		if _, err := s.reserveLocked(sale.StoreID, item.SKU, item.Qty); err != nil {
			return nil, err
		}
	}
	item.SaleID = saleID
	sale.Items = append(sale.Items, item)
	sale.Recalculate()
	return copySale(sale), nil
}

func (s *Store) UpdateSaleItemQty(ctx context.Context, saleID string, itemID string, qty int) (*domain.Sale, error) {
	if qty <= 0 {
		return nil, fmt.Errorf("%w: qty must be positive", store.ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sale, err := s.saleByID(saleID)
	if err != nil {
		return nil, err
	}
	if !sale.Mutable() {
		return nil, fmt.Errorf("%w: cannot edit items on a %s sale", store.ErrInvalidState, sale.Status)
	}
	for i := range sale.Items {
		item := &sale.Items[i]
		if item.ID != itemID {
			continue
		}
		if sale.ReserveStock && item.TrackStock {
			delta := qty - item.Qty
			switch {
			case delta > 0:
				if _, err := s.reserveLocked(sale.StoreID, item.SKU, delta); err != nil {
					return nil, err
				}
			case delta < 0:
				if _, err := s.releaseLocked(sale.StoreID, item.SKU, -delta); err != nil {
					return nil, err
				}
			}
		}
		item.Qty = qty
		item.LineTotalCents = item.UnitPriceCents*int64(qty) - item.DiscountCents
		sale.Recalculate()
		return copySale(sale), nil
	}
	return nil, fmt.Errorf("%w: sale item %s", store.ErrNotFound, itemID)
}

func (s *Store) RemoveSaleItem(ctx context.Context, saleID string, itemID string) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sale, err := s.saleByID(saleID)
	if err != nil {
		return nil, err
	}
	if !sale.Mutable() {
		return nil, fmt.Errorf("%w: cannot remove items from a %s sale", store.ErrInvalidState, sale.Status)
	}
	for i, item := range sale.Items {
		if item.ID != itemID {
			continue
		}
		if sale.ReserveStock && item.TrackStock {
			if _, err := s.releaseLocked(sale.StoreID, item.SKU, item.Qty); err != nil {
				return nil, err
			}
		}
		sale.Items = append(sale.Items[:i], sale.Items[i+1:]...)
		sale.Recalculate()
		return copySale(sale), nil
	}
	return nil, fmt.Errorf("%w: sale item %s", store.ErrNotFound, itemID)
}

func (s *Store) UpdateSaleCharges(ctx context.Context, saleID string, discountCents int64, taxCents int64) (*domain.Sale, error) {
	if discountCents < 0 || taxCents < 0 {
		return nil, fmt.Errorf("%w: charges must not be negative", store.ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sale, err := s.saleByID(saleID)
	if err != nil {
		return nil, err
	}
	if !sale.Mutable() {
		return nil, fmt.Errorf("%w: cannot change charges on a %s sale", store.ErrInvalidState, sale.Status)
	}
	prevDiscount, prevTax := sale.DiscountCents, sale.TaxCents
	sale.DiscountCents = discountCents
	sale.TaxCents = taxCents
	sale.Recalculate()
	if sale.TotalCents < 0 {
		sale.DiscountCents, sale.TaxCents = prevDiscount, prevTax
		sale.Recalculate()
		return nil, fmt.Errorf("%w: discount exceeds subtotal", store.ErrInvalidInput)
	}
	return copySale(sale), nil
}

func (s *Store) SubmitSale(ctx context.Context, saleID string, key domain.SequenceKey) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sale, err := s.saleByID(saleID)
	if err != nil {
		return nil, err
	}
	if sale.Status != domain.SaleStatusDraft {
		return nil, fmt.Errorf("%w: sale is %s, only drafts can be submitted", store.ErrInvalidState, sale.Status)
	}
	if len(sale.Items) == 0 {
		return nil, store.ErrEmptySale
	}
	number, err := s.nextNumberLocked(key)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	sale.Status = domain.SaleStatusPendingPayment
	sale.InvoiceNumber = number
	sale.SubmittedAt = &now
	sale.Recalculate()
	return copySale(sale), nil
}

func (s *Store) CancelSale(ctx context.Context, saleID string, reason string, actor string) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sale, err := s.saleByID(saleID)
	if err != nil {
		return nil, err
	}
	switch sale.Status {
	case domain.SaleStatusDraft, domain.SaleStatusPendingPayment, domain.SaleStatusPartiallyPaid:
	default:
		return nil, fmt.Errorf("%w: cannot cancel a %s sale", store.ErrInvalidState, sale.Status)
	}
	if sale.ReserveStock {
		for _, item := range sale.Items {
			if !item.TrackStock {
				continue
			}
			if _, err := s.releaseLocked(sale.StoreID, item.SKU, item.Qty); err != nil {
				return nil, err
			}
		}
	}
	sale.Status = domain.SaleStatusCancelled
	sale.CancelReason = reason
	return copySale(sale), nil
}

func (s *Store) RefundSale(ctx context.Context, saleID string, refund domain.Refund) (*domain.Sale, error) {
	if refund.AmountCents <= 0 {
		return nil, fmt.Errorf("%w: refund amount must be positive", store.ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sale, err := s.saleByID(saleID)
	if err != nil {
		return nil, err
	}
	if sale.Status != domain.SaleStatusPaid {
		return nil, fmt.Errorf("%w: only paid sales can be refunded, sale is %s", store.ErrInvalidState, sale.Status)
	}
	if refund.AmountCents > sale.AmountPaidCents {
		return nil, fmt.Errorf("%w: refund %d exceeds amount paid %d", store.ErrOverpayment, refund.AmountCents, sale.AmountPaidCents)
	}
	refund.SaleID = saleID
	refund.CreatedAt = time.Now().UTC()
	sale.Refunds = append(sale.Refunds, refund)

	if sale.IsCreditSale && sale.CustomerID != "" {
		if account := s.accountByCustomerLocked(sale.StoreID, sale.CustomerID); account != nil {
			creditPortion := int64(0)
			for _, p := range sale.Payments {
				if p.Method == domain.PaymentMethodCredit {
					creditPortion += p.AmountCents
				}
			}
			amount := refund.AmountCents
			if creditPortion < amount {
				amount = creditPortion
			}
			if account.BalanceCents < amount {
				amount = account.BalanceCents
			}
			if amount > 0 {
				s.appendEntryLocked(account, domain.CreditLedgerEntry{
					EntryType:   domain.CreditEntryAdjustment,
					AmountCents: -amount,
					SaleID:      saleID,
					Reference:   refund.ID,
					RecordedBy:  refund.ProcessedBy,
				})
			}
		}
	}

	sale.Status = domain.SaleStatusRefunded
	return copySale(sale), nil
}

func (s *Store) RecordPayment(ctx context.Context, req domain.PaymentRequest, cashier string, at time.Time) (*domain.PaymentResult, error) {
	if req.AmountCents <= 0 {
		return nil, fmt.Errorf("%w: payment amount must be positive", store.ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sale, err := s.saleByID(req.SaleID)
	if err != nil {
		return nil, err
	}
	switch sale.Status {
	case domain.SaleStatusPendingPayment, domain.SaleStatusPartiallyPaid:
	default:
		return nil, fmt.Errorf("%w: cannot take payment on a %s sale", store.ErrInvalidState, sale.Status)
	}
	if req.AmountCents > sale.AmountDueCents {
		return nil, fmt.Errorf("%w: payment %d exceeds amount due %d", store.ErrOverpayment, req.AmountCents, sale.AmountDueCents)
	}
	shift, ok := s.shifts[req.ShiftID]
	if !ok {
		return nil, fmt.Errorf("%w: shift", store.ErrNotFound)
	}
	if shift.Status != domain.ShiftStatusOpen {
		return nil, fmt.Errorf("%w: shift %s is closed", store.ErrInvalidState, shift.ID)
	}
	if shift.StoreID != sale.StoreID {
		return nil, fmt.Errorf("%w: shift belongs to a different store", store.ErrInvalidState)
	}

	// A settling payment decrements stock, which can still fail. Validate
	// every line up front so a failure leaves nothing mutated.
	if req.AmountCents == sale.AmountDueCents {
		needed := make(map[string]int)
		for _, item := range sale.Items {
			if item.TrackStock {
				needed[item.SKU] += item.Qty
			}
		}
		for sku, qty := range needed {
			if _, err := s.checkDecrementLocked(sale.StoreID, sku, qty, sale.ReserveStock); err != nil {
				return nil, err
			}
		}
	}

	var creditEntry *domain.CreditLedgerEntry
	if req.Method == domain.PaymentMethodCredit {
		if !sale.IsCreditSale || sale.CustomerID == "" {
			return nil, fmt.Errorf("%w: sale was not opened on credit terms", store.ErrInvalidState)
		}
		account := s.accountByCustomerLocked(sale.StoreID, sale.CustomerID)
		if account == nil {
			return nil, fmt.Errorf("%w: customer account", store.ErrNotFound)
		}
		if account.BalanceCents+req.AmountCents > account.CreditLimitCents {
			return nil, fmt.Errorf("%w: credit limit %d would be exceeded", store.ErrOverpayment, account.CreditLimitCents)
		}
		creditEntry = s.appendEntryLocked(account, domain.CreditLedgerEntry{
			EntryType:   domain.CreditEntrySaleOnCredit,
			AmountCents: req.AmountCents,
			SaleID:      sale.ID,
			Reference:   req.Reference,
			RecordedBy:  cashier,
		})
	}

	payment := domain.Payment{
		ID:              xid.New("pay"),
		SaleID:          sale.ID,
		ShiftID:         shift.ID,
		CashierUsername: cashier,
		Method:          req.Method,
		AmountCents:     req.AmountCents,
		Reference:       req.Reference,
		CreatedAt:       at,
	}
	sale.Payments = append(sale.Payments, payment)
	sale.AmountPaidCents += req.AmountCents
	sale.AmountDueCents = sale.TotalCents - sale.AmountPaidCents
	if sale.AmountDueCents == 0 {
		sale.Status = domain.SaleStatusPaid
		paidAt := at
		sale.PaidAt = &paidAt
		for _, item := range sale.Items {
			if !item.TrackStock {
				continue
			}
			if _, err := s.decrementLocked(sale.StoreID, item.SKU, item.Qty, sale.ReserveStock); err != nil {
				return nil, err
			}
		}
	} else {
		sale.Status = domain.SaleStatusPartiallyPaid
	}

	shift.TotalSalesCents += req.AmountCents
	if req.Method == domain.PaymentMethodCash {
		shift.TotalCashPaymentsCents += req.AmountCents
	}
	shift.ExpectedCashCents = shift.OpeningFloatCents + shift.TotalCashPaymentsCents

	return &domain.PaymentResult{
		Payment:     payment,
		Sale:        *copySale(sale),
		Shift:       *shift,
		CreditEntry: creditEntry,
	}, nil
}

// --- shifts ---

func (s *Store) OpenShift(ctx context.Context, shift domain.CashShift) (*domain.CashShift, error) {
	if shift.OpeningFloatCents < 0 {
		return nil, fmt.Errorf("%w: opening float must not be negative", store.ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.shifts {
		if existing.StoreID == shift.StoreID && existing.CashierUsername == shift.CashierUsername &&
			existing.Status == domain.ShiftStatusOpen {
			return nil, fmt.Errorf("%w: cashier %s at %s", store.ErrShiftAlreadyOpen, shift.CashierUsername, shift.StoreID)
		}
	}
	shift.Status = domain.ShiftStatusOpen
	shift.ExpectedCashCents = shift.OpeningFloatCents
	shift.OpenedAt = time.Now().UTC()
	cp := shift
	s.shifts[shift.ID] = &cp
	return &shift, nil
}

func (s *Store) GetShift(ctx context.Context, shiftID string) (*domain.CashShift, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	shift, ok := s.shifts[shiftID]
	if !ok {
		return nil, fmt.Errorf("%w: shift", store.ErrNotFound)
	}
	cp := *shift
	return &cp, nil
}

func (s *Store) GetOpenShift(ctx context.Context, storeID string, cashier string) (*domain.CashShift, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, shift := range s.shifts {
		if shift.StoreID == storeID && shift.CashierUsername == cashier && shift.Status == domain.ShiftStatusOpen {
			cp := *shift
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("%w: shift", store.ErrNotFound)
}

func (s *Store) CloseShift(ctx context.Context, shiftID string, closingCashCents int64, closedAt time.Time) (*domain.CashShift, error) {
	if closingCashCents < 0 {
		return nil, fmt.Errorf("%w: closing cash must not be negative", store.ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	shift, ok := s.shifts[shiftID]
	if !ok {
		return nil, fmt.Errorf("%w: shift", store.ErrNotFound)
	}
	if shift.Status != domain.ShiftStatusOpen {
		return nil, fmt.Errorf("%w: shift is already closed", store.ErrInvalidState)
	}
	shift.Status = domain.ShiftStatusClosed
	shift.ClosingCashCents = closingCashCents
	shift.ExpectedCashCents = shift.OpeningFloatCents + shift.TotalCashPaymentsCents
	shift.VarianceCents = closingCashCents - shift.ExpectedCashCents
	shift.VariancePct, shift.VarianceSeverity = domain.ClassifyVariance(shift.VarianceCents, shift.ExpectedCashCents)
	shift.ClosedAt = &closedAt
	cp := *shift
	return &cp, nil
}

// --- credit ---

func (s *Store) accountByCustomerLocked(storeID, customerID string) *domain.CustomerAccount {
	for _, account := range s.accounts {
		if account.StoreID == storeID && account.CustomerID == customerID {
			return account
		}
	}
	return nil
}

func (s *Store) appendEntryLocked(account *domain.CustomerAccount, entry domain.CreditLedgerEntry) *domain.CreditLedgerEntry {
	entry.ID = xid.New("cle")
	entry.AccountID = account.ID
	entry.BalanceAfterCents = account.BalanceCents + entry.AmountCents
	entry.CreatedAt = time.Now().UTC()
	account.BalanceCents = entry.BalanceAfterCents
	s.entries[account.ID] = append(s.entries[account.ID], entry)
	return &entry
}

func (s *Store) EnsureCustomerAccount(ctx context.Context, req domain.CustomerAccountRequest) (*domain.CustomerAccount, error) {
	if req.CustomerID == "" || req.StoreID == "" {
		return nil, fmt.Errorf("%w: store and customer are required", store.ErrInvalidInput)
	}
	if req.CreditLimitCents != nil && *req.CreditLimitCents < 0 {
		return nil, fmt.Errorf("%w: credit limit must not be negative", store.ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if account := s.accountByCustomerLocked(req.StoreID, req.CustomerID); account != nil {
		if req.CreditLimitCents != nil {
			account.CreditLimitCents = *req.CreditLimitCents
		}
		cp := *account
		return &cp, nil
	}
	account := &domain.CustomerAccount{
		ID:         xid.New("acct"),
		StoreID:    req.StoreID,
		CustomerID: req.CustomerID,
		CreatedAt:  time.Now().UTC(),
	}
	if req.CreditLimitCents != nil {
		account.CreditLimitCents = *req.CreditLimitCents
	}
	s.accounts[account.ID] = account
	cp := *account
	return &cp, nil
}

func (s *Store) GetCustomerAccount(ctx context.Context, accountID string) (*domain.CustomerAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	account, ok := s.accounts[accountID]
	if !ok {
		return nil, fmt.Errorf("%w: customer account", store.ErrNotFound)
	}
	cp := *account
	return &cp, nil
}

func (s *Store) GetAccountByCustomer(ctx context.Context, storeID string, customerID string) (*domain.CustomerAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	account := s.accountByCustomerLocked(storeID, customerID)
	if account == nil {
		return nil, fmt.Errorf("%w: customer account", store.ErrNotFound)
	}
	cp := *account
	return &cp, nil
}

func (s *Store) CheckCreditAvailability(ctx context.Context, accountID string, amountCents int64) (bool, error) {
	if amountCents <= 0 {
		return false, fmt.Errorf("%w: amount must be positive", store.ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	account, ok := s.accounts[accountID]
	if !ok {
		return false, fmt.Errorf("%w: customer account", store.ErrNotFound)
	}
	return amountCents <= account.CreditLimitCents-account.BalanceCents, nil
}

func (s *Store) RecordCreditPayment(ctx context.Context, accountID string, amountCents int64, reference string, actor string) (*domain.CreditLedgerEntry, error) {
	if amountCents <= 0 {
		return nil, fmt.Errorf("%w: repayment must be positive", store.ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	account, ok := s.accounts[accountID]
	if !ok {
		return nil, fmt.Errorf("%w: customer account", store.ErrNotFound)
	}
	if amountCents > account.BalanceCents {
		return nil, fmt.Errorf("%w: repayment %d exceeds balance %d", store.ErrOverpayment, amountCents, account.BalanceCents)
	}
	return s.appendEntryLocked(account, domain.CreditLedgerEntry{
		EntryType:   domain.CreditEntryCreditPayment,
		AmountCents: -amountCents,
		Reference:   reference,
		RecordedBy:  actor,
	}), nil
}

func (s *Store) ListCreditEntries(ctx context.Context, accountID string, limit int) ([]domain.CreditLedgerEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.entries[accountID]
	out := make([]domain.CreditLedgerEntry, 0, len(all))
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, all[i])
	}
	return out, nil
}

// --- sequences ---

func (s *Store) nextNumberLocked(key domain.SequenceKey) (string, error) {
	if key.Prefix == "" || key.StoreCode == "" || key.PeriodKey == "" {
		return "", fmt.Errorf("%w: sequence key must be fully qualified", store.ErrInvalidInput)
	}
	s.sequences[key]++
	return fmt.Sprintf("%s-%s-%s-%06d", key.Prefix, key.StoreCode, key.PeriodKey, s.sequences[key]), nil
}

func (s *Store) NextDocumentNumber(ctx context.Context, key domain.SequenceKey) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextNumberLocked(key)
}

// --- alerts ---

func alertKey(storeID, sku, day string) string { return storeID + "|" + sku + "|" + day }

func (s *Store) SyncLowStockAlerts(ctx context.Context, storeID string, day string) ([]domain.LowStockAlert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var created []domain.LowStockAlert
	for _, ps := range s.stock {
		if ps.StoreID != storeID || ps.MinQty <= 0 || ps.Available() >= ps.MinQty {
			continue
		}
		key := alertKey(storeID, ps.SKU, day)
		if _, ok := s.alerts[key]; ok {
			continue
		}
		alert := domain.LowStockAlert{
			ID:          xid.New("alert"),
			StoreID:     storeID,
			SKU:         ps.SKU,
			Qty:         ps.Qty,
			ReservedQty: ps.ReservedQty,
			MinQty:      ps.MinQty,
			Day:         day,
			CreatedAt:   time.Now().UTC(),
		}
		s.alerts[key] = alert
		created = append(created, alert)
	}
	sort.Slice(created, func(i, j int) bool { return created[i].SKU < created[j].SKU })
	return created, nil
}

func (s *Store) ListLowStockAlerts(ctx context.Context, storeID string, day string) ([]domain.LowStockAlert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.LowStockAlert
	for _, alert := range s.alerts {
		if alert.StoreID == storeID && alert.Day == day {
			out = append(out, alert)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SKU < out[j].SKU })
	return out, nil
}

// --- audit + users ---

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audits = append(s.audits, entry)
	return nil
}

func (s *Store) ListAuditLogs(ctx context.Context, storeID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.AuditLog
	for i := len(s.audits) - 1; i >= 0 && len(out) < limit; i-- {
		entry := s.audits[i]
		if entry.StoreID != storeID {
			continue
		}
		if entry.CreatedAt.Before(from) || !entry.CreatedAt.Before(to) {
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[user.Username]; ok {
		return fmt.Errorf("%w: username %s already exists", store.ErrInvalidInput, user.Username)
	}
	user.Active = true
	user.CreatedAt = time.Now().UTC()
	s.users[user.Username] = user
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.UserAccount, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[username]
	if !ok {
		return fmt.Errorf("%w: user %s", store.ErrNotFound, username)
	}
	user.Password = password
	s.users[username] = user
	return nil
}
