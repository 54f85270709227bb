// Package service implements the business operations on top of the store,
// adding actor attribution, audit logging, and post-commit event publishing.
package service

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"retailops/backend/internal/domain"
	"retailops/backend/internal/events"
	"retailops/backend/internal/store"
	"retailops/backend/internal/xid"
)

type actorKey struct{}

// WithActor attaches the authenticated actor to the context. Handlers set it
// once after token verification; everything below reads it for attribution.
func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

func ActorFromContext(ctx context.Context) domain.Actor {
	if actor, ok := ctx.Value(actorKey{}).(domain.Actor); ok {
		return actor
	}
	return domain.Actor{Username: "system", Role: "system"}
}

type Service struct {
	repo             store.Repository
	dispatcher       *events.Dispatcher
	defaultStoreID   string
	invoicePrefix    string
	walkInCustomerID string
}

func New(repo store.Repository, dispatcher *events.Dispatcher, defaultStoreID string, invoicePrefix string, walkInCustomerID string) *Service {
	return &Service{
		repo:             repo,
		dispatcher:       dispatcher,
		defaultStoreID:   defaultStoreID,
		invoicePrefix:    invoicePrefix,
		walkInCustomerID: walkInCustomerID,
	}
}

// EnsureDefaults creates the rows every store needs before taking traffic;
// today that is the shared walk-in customer account.
func (s *Service) EnsureDefaults(ctx context.Context) error {
	_, err := s.repo.EnsureCustomerAccount(ctx, domain.CustomerAccountRequest{
		StoreID:    s.defaultStoreID,
		CustomerID: s.walkInCustomerID,
	})
	return err
}

// StoreCode derives the sequence segment from a store id: uppercased with
// everything outside [A-Z0-9] stripped, so "test-store" becomes "TESTSTORE".
func StoreCode(storeID string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(storeID) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func (s *Service) sequenceKey(storeID string, at time.Time) domain.SequenceKey {
	return domain.SequenceKey{
		Prefix:    s.invoicePrefix,
		StoreCode: StoreCode(storeID),
		PeriodKey: at.UTC().Format("2006"),
	}
}

func (s *Service) logAudit(ctx context.Context, action string, entityType string, entityID string, detail string) {
	actor := ActorFromContext(ctx)
	entry := domain.AuditLog{
		ID:            xid.New("audit"),
		StoreID:       s.defaultStoreID,
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     time.Now().UTC(),
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := s.repo.CreateAuditLog(ctx, entry); err != nil {
			log.Printf("[service] WARN: audit write failed for %s: %v", action, err)
		}
	}()
}

// --- catalog ---

func (s *Service) CreateProduct(ctx context.Context, req domain.ProductCreateRequest) (*domain.Product, error) {
	if req.SKU == "" || req.Name == "" {
		return nil, fmt.Errorf("%w: sku and name are required", store.ErrInvalidInput)
	}
	if req.PriceCents < 0 || req.CostCents < 0 {
		return nil, fmt.Errorf("%w: prices must not be negative", store.ErrInvalidInput)
	}
	storeID := req.StoreID
	if storeID == "" {
		storeID = s.defaultStoreID
	}
	product, err := s.repo.CreateProduct(ctx, domain.Product{
		SKU:        strings.ToUpper(strings.TrimSpace(req.SKU)),
		Name:       strings.TrimSpace(req.Name),
		Category:   req.Category,
		PriceCents: req.PriceCents,
		CostCents:  req.CostCents,
		TrackStock: req.TrackStock,
	}, storeID, req.InitialStock, req.MinQty)
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, "product.create", "product", product.SKU, product.Name)
	return product, nil
}

func (s *Service) GetProduct(ctx context.Context, sku string) (*domain.Product, error) {
	return s.repo.GetProductBySKU(ctx, sku)
}

func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	return s.repo.ListProducts(ctx)
}

func (s *Service) DeleteProduct(ctx context.Context, sku string) error {
	if err := s.repo.DeleteProduct(ctx, sku); err != nil {
		return err
	}
	s.logAudit(ctx, "product.delete", "product", sku, "")
	return nil
}

// --- stock ---

func (s *Service) StockLevels(ctx context.Context, storeID string, skus []string) ([]domain.ProductStock, error) {
	if storeID == "" {
		storeID = s.defaultStoreID
	}
	return s.repo.GetStockLevels(ctx, storeID, skus)
}

func (s *Service) AdjustStock(ctx context.Context, req domain.StockAdjustRequest) (*domain.ProductStock, error) {
	if req.Reason == "" {
		return nil, fmt.Errorf("%w: adjustment reason is required", store.ErrInvalidInput)
	}
	if req.StoreID == "" {
		req.StoreID = s.defaultStoreID
	}
	ps, err := s.repo.AdjustStock(ctx, req)
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, "stock.adjust", "stock", req.SKU, fmt.Sprintf("delta=%d reason=%s", req.Delta, req.Reason))
	return ps, nil
}

func (s *Service) SyncLowStockAlerts(ctx context.Context, storeID string) ([]domain.LowStockAlert, error) {
	if storeID == "" {
		storeID = s.defaultStoreID
	}
	day := time.Now().UTC().Format("2006-01-02")
	return s.repo.SyncLowStockAlerts(ctx, storeID, day)
}

func (s *Service) ListLowStockAlerts(ctx context.Context, storeID string, day string) ([]domain.LowStockAlert, error) {
	if storeID == "" {
		storeID = s.defaultStoreID
	}
	if day == "" {
		day = time.Now().UTC().Format("2006-01-02")
	}
	return s.repo.ListLowStockAlerts(ctx, storeID, day)
}

// --- sales ---

func (s *Service) CreateSale(ctx context.Context, req domain.SaleCreateRequest) (*domain.Sale, error) {
	actor := ActorFromContext(ctx)
	storeID := req.StoreID
	if storeID == "" {
		storeID = s.defaultStoreID
	}
	customerID := req.CustomerID
	if req.IsCreditSale {
		if customerID == "" {
			return nil, fmt.Errorf("%w: credit sales require a named customer", store.ErrInvalidInput)
		}
		if _, err := s.repo.GetAccountByCustomer(ctx, storeID, customerID); err != nil {
			return nil, err
		}
	} else if customerID == "" {
		customerID = s.walkInCustomerID
	}
	if req.DiscountCents < 0 || req.TaxCents < 0 {
		return nil, fmt.Errorf("%w: charges must not be negative", store.ErrInvalidInput)
	}
	sale, err := s.repo.CreateSale(ctx, domain.Sale{
		ID:             xid.New("sale"),
		StoreID:        storeID,
		SellerUsername: actor.Username,
		CustomerID:     customerID,
		DiscountCents:  req.DiscountCents,
		TaxCents:       req.TaxCents,
		IsCreditSale:   req.IsCreditSale,
		ReserveStock:   req.ReserveStock,
	})
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, "sale.create", "sale", sale.ID, "")
	return sale, nil
}

func (s *Service) GetSale(ctx context.Context, saleID string) (*domain.Sale, error) {
	return s.repo.GetSale(ctx, saleID)
}

// AddSaleItem resolves the line against the catalog. Catalog lines price from
// the product unless the caller holds a price override; ad-hoc lines carry
// their own description and price.
func (s *Service) AddSaleItem(ctx context.Context, saleID string, req domain.SaleItemAddRequest) (*domain.Sale, error) {
	if req.Qty <= 0 {
		return nil, fmt.Errorf("%w: qty must be positive", store.ErrInvalidInput)
	}
	if req.DiscountCents < 0 {
		return nil, fmt.Errorf("%w: discount must not be negative", store.ErrInvalidInput)
	}

	sale, err := s.repo.GetSale(ctx, saleID)
	if err != nil {
		return nil, err
	}

	item := domain.SaleItem{
		ID:            xid.New("item"),
		Qty:           req.Qty,
		DiscountCents: req.DiscountCents,
	}
	switch {
	case req.SKU != "":
		product, err := s.repo.GetProductBySKU(ctx, req.SKU)
		if err != nil {
			return nil, err
		}
		item.SKU = product.SKU
		item.Description = product.Name
		item.CostPriceCents = product.CostCents
		item.TrackStock = product.TrackStock
		item.UnitPriceCents = product.PriceCents
		if req.UnitPriceCents != nil && *req.UnitPriceCents != product.PriceCents {
			if !req.PriceOverrideAuthorized {
				return nil, fmt.Errorf("%w: price override not authorized", store.ErrInvalidState)
			}
			if *req.UnitPriceCents < 0 {
				return nil, fmt.Errorf("%w: unit price must not be negative", store.ErrInvalidInput)
			}
			item.UnitPriceCents = *req.UnitPriceCents
		}
	case req.Description != "":
		if req.UnitPriceCents == nil || *req.UnitPriceCents < 0 {
			return nil, fmt.Errorf("%w: ad-hoc lines require a unit price", store.ErrInvalidInput)
		}
		item.Description = req.Description
		item.UnitPriceCents = *req.UnitPriceCents
	default:
		return nil, fmt.Errorf("%w: either sku or description is required", store.ErrInvalidInput)
	}

	item.LineTotalCents = item.UnitPriceCents*int64(req.Qty) - req.DiscountCents
	if item.LineTotalCents < 0 {
		return nil, fmt.Errorf("%w: line discount exceeds line total", store.ErrInvalidInput)
	}
	return s.repo.AddSaleItem(ctx, saleID, item, sale.ReserveStock)
}

func (s *Service) UpdateSaleItemQty(ctx context.Context, saleID string, itemID string, qty int) (*domain.Sale, error) {
	return s.repo.UpdateSaleItemQty(ctx, saleID, itemID, qty)
}

func (s *Service) RemoveSaleItem(ctx context.Context, saleID string, itemID string) (*domain.Sale, error) {
	return s.repo.RemoveSaleItem(ctx, saleID, itemID)
}

func (s *Service) UpdateSaleCharges(ctx context.Context, saleID string, req domain.SaleChargesUpdateRequest) (*domain.Sale, error) {
	return s.repo.UpdateSaleCharges(ctx, saleID, req.DiscountCents, req.TaxCents)
}

func (s *Service) SubmitSale(ctx context.Context, saleID string) (*domain.Sale, error) {
	current, err := s.repo.GetSale(ctx, saleID)
	if err != nil {
		return nil, err
	}
	sale, err := s.repo.SubmitSale(ctx, saleID, s.sequenceKey(current.StoreID, time.Now()))
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, "sale.submit", "sale", sale.ID, sale.InvoiceNumber)
	s.dispatcher.Emit(events.TypeSaleSubmitted, sale.StoreID, sale)
	return sale, nil
}

func (s *Service) CancelSale(ctx context.Context, saleID string, req domain.SaleCancelRequest) (*domain.Sale, error) {
	if req.Reason == "" {
		return nil, fmt.Errorf("%w: cancel reason is required", store.ErrInvalidInput)
	}
	actor := ActorFromContext(ctx)
	sale, err := s.repo.CancelSale(ctx, saleID, req.Reason, actor.Username)
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, "sale.cancel", "sale", sale.ID, req.Reason)
	s.dispatcher.Emit(events.TypeSaleCancelled, sale.StoreID, sale)
	return sale, nil
}

func (s *Service) RefundSale(ctx context.Context, saleID string, req domain.SaleRefundRequest) (*domain.Sale, error) {
	if req.Method == "" {
		req.Method = domain.PaymentMethodCash
	}
	actor := ActorFromContext(ctx)
	sale, err := s.repo.RefundSale(ctx, saleID, domain.Refund{
		ID:          xid.New("refund"),
		AmountCents: req.AmountCents,
		Method:      req.Method,
		Reason:      req.Reason,
		ApprovedBy:  actor.Username,
		ProcessedBy: actor.Username,
	})
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, "sale.refund", "sale", sale.ID, fmt.Sprintf("amount=%d", req.AmountCents))
	s.dispatcher.Emit(events.TypeRefundCreated, sale.StoreID, sale)
	return sale, nil
}

// --- payments ---

func validMethod(method string) bool {
	switch method {
	case domain.PaymentMethodCash, domain.PaymentMethodCard, domain.PaymentMethodQris,
		domain.PaymentMethodTransfer, domain.PaymentMethodCredit:
		return true
	}
	return false
}

func (s *Service) RecordPayment(ctx context.Context, req domain.PaymentRequest) (*domain.PaymentResult, error) {
	if !validMethod(req.Method) {
		return nil, fmt.Errorf("%w: unknown payment method %q", store.ErrInvalidInput, req.Method)
	}
	actor := ActorFromContext(ctx)
	if req.ShiftID == "" {
		shift, err := s.repo.GetOpenShift(ctx, s.defaultStoreID, actor.Username)
		if err != nil {
			return nil, fmt.Errorf("%w: no open shift for %s", store.ErrInvalidState, actor.Username)
		}
		req.ShiftID = shift.ID
	}
	result, err := s.repo.RecordPayment(ctx, req, actor.Username, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, "payment.record", "payment", result.Payment.ID,
		fmt.Sprintf("sale=%s method=%s amount=%d", result.Sale.ID, req.Method, req.AmountCents))
	s.dispatcher.Emit(events.TypePaymentRecorded, result.Sale.StoreID, result)
	if result.CreditEntry != nil {
		s.dispatcher.Emit(events.TypeCreditSaleRecorded, result.Sale.StoreID, result.CreditEntry)
	}
	return result, nil
}

// --- shifts ---

func (s *Service) OpenShift(ctx context.Context, req domain.ShiftOpenRequest) (*domain.CashShift, error) {
	actor := ActorFromContext(ctx)
	storeID := req.StoreID
	if storeID == "" {
		storeID = s.defaultStoreID
	}
	shift, err := s.repo.OpenShift(ctx, domain.CashShift{
		ID:                xid.New("shift"),
		StoreID:           storeID,
		CashierUsername:   actor.Username,
		OpeningFloatCents: req.OpeningFloatCents,
	})
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, "shift.open", "shift", shift.ID, fmt.Sprintf("float=%d", req.OpeningFloatCents))
	return shift, nil
}

func (s *Service) GetShift(ctx context.Context, shiftID string) (*domain.CashShift, error) {
	return s.repo.GetShift(ctx, shiftID)
}

func (s *Service) CurrentShift(ctx context.Context, storeID string) (*domain.CashShift, error) {
	actor := ActorFromContext(ctx)
	if storeID == "" {
		storeID = s.defaultStoreID
	}
	return s.repo.GetOpenShift(ctx, storeID, actor.Username)
}

func (s *Service) CloseShift(ctx context.Context, req domain.ShiftCloseRequest) (*domain.CashShift, error) {
	shift, err := s.repo.CloseShift(ctx, req.ShiftID, req.ClosingCashCents, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, "shift.close", "shift", shift.ID,
		fmt.Sprintf("variance=%d severity=%s", shift.VarianceCents, shift.VarianceSeverity))
	s.dispatcher.Emit(events.TypeShiftClosed, shift.StoreID, shift)
	return shift, nil
}

// --- credit ---

func (s *Service) EnsureCustomerAccount(ctx context.Context, req domain.CustomerAccountRequest) (*domain.CustomerAccount, error) {
	if req.StoreID == "" {
		req.StoreID = s.defaultStoreID
	}
	account, err := s.repo.EnsureCustomerAccount(ctx, req)
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, "account.ensure", "account", account.ID, account.CustomerID)
	return account, nil
}

func (s *Service) GetCustomerAccount(ctx context.Context, accountID string) (*domain.CustomerAccount, error) {
	return s.repo.GetCustomerAccount(ctx, accountID)
}

func (s *Service) GetAccountByCustomer(ctx context.Context, storeID string, customerID string) (*domain.CustomerAccount, error) {
	if storeID == "" {
		storeID = s.defaultStoreID
	}
	return s.repo.GetAccountByCustomer(ctx, storeID, customerID)
}

// CheckCreditAvailability answers whether the account can absorb amountCents
// of new credit without breaching its limit. It is a read, not a hold: the
// payment path re-checks under its own lock before extending credit.
func (s *Service) CheckCreditAvailability(ctx context.Context, accountID string, amountCents int64) (bool, error) {
	return s.repo.CheckCreditAvailability(ctx, accountID, amountCents)
}

func (s *Service) RecordCreditRepayment(ctx context.Context, req domain.CreditPaymentRequest) (*domain.CreditLedgerEntry, error) {
	actor := ActorFromContext(ctx)
	entry, err := s.repo.RecordCreditPayment(ctx, req.AccountID, req.AmountCents, req.Reference, actor.Username)
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, "credit.repay", "account", req.AccountID, fmt.Sprintf("amount=%d", req.AmountCents))
	s.dispatcher.Emit(events.TypeCreditPaymentRecorded, s.defaultStoreID, entry)
	return entry, nil
}

func (s *Service) ListCreditEntries(ctx context.Context, accountID string, limit int) ([]domain.CreditLedgerEntry, error) {
	return s.repo.ListCreditEntries(ctx, accountID, limit)
}

// --- users + audit ---

func (s *Service) CreateCashier(ctx context.Context, req domain.CashierCreateRequest) (*domain.CashierUser, error) {
	if req.Username == "" || len(req.Password) < 6 {
		return nil, fmt.Errorf("%w: username and a password of at least 6 characters are required", store.ErrInvalidInput)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	user := domain.UserAccount{
		Username: strings.ToLower(strings.TrimSpace(req.Username)),
		Password: string(hash),
		Role:     "cashier",
	}
	if err := s.repo.CreateUser(ctx, user); err != nil {
		return nil, err
	}
	s.logAudit(ctx, "user.create", "user", user.Username, "role=cashier")
	return &domain.CashierUser{
		Username:  user.Username,
		Role:      user.Role,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}, nil
}

func (s *Service) ListCashiers(ctx context.Context) ([]domain.CashierUser, error) {
	users, err := s.repo.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]domain.CashierUser, 0, len(users))
	for _, u := range users {
		out = append(out, domain.CashierUser{
			Username:  u.Username,
			Role:      u.Role,
			Active:    u.Active,
			CreatedAt: u.CreatedAt,
		})
	}
	return out, nil
}

func (s *Service) ListAuditLogs(ctx context.Context, storeID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if storeID == "" {
		storeID = s.defaultStoreID
	}
	if to.IsZero() {
		to = time.Now().UTC().Add(time.Minute)
	}
	return s.repo.ListAuditLogs(ctx, storeID, from, to, limit)
}
