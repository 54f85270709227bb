package store

import (
	"context"
	"errors"
	"time"

	"retailops/backend/internal/domain"
)

// Business-rule violations. Each one aborts and rolls back the whole
// operation; no partial effect survives.
var (
	ErrNotFound             = errors.New("not found")
	ErrInvalidInput         = errors.New("invalid input")
	ErrInvalidState         = errors.New("operation not valid for current state")
	ErrInsufficientStock    = errors.New("insufficient stock")
	ErrOverpayment          = errors.New("amount exceeds outstanding amount")
	ErrShiftAlreadyOpen     = errors.New("an open shift already exists for this cashier")
	ErrReferentialIntegrity = errors.New("cannot delete: referenced by a sale")
	ErrEmptySale            = errors.New("sale has no items")
)

// ErrLockTimeout is a transient failure, not a business error: the caller may
// retry the whole operation.
var ErrLockTimeout = errors.New("lock acquisition timed out, please retry")

// Repository is the transactional commerce ledger. Every mutating method runs
// as one atomic unit of work: it commits or rolls back wholesale, and any row
// it re-reads before mutating is read under an exclusive lock.
type Repository interface {
	// Catalog.
	CreateProduct(ctx context.Context, product domain.Product, storeID string, initialStock int, minQty int) (*domain.Product, error)
	GetProductBySKU(ctx context.Context, sku string) (*domain.Product, error)
	ListProducts(ctx context.Context) ([]domain.Product, error)
	// DeleteProduct fails with ErrReferentialIntegrity when the product is
	// referenced by any non-cancelled sale item; otherwise it cascades the
	// removal of the product's stock rows.
	DeleteProduct(ctx context.Context, sku string) error

	// Stock ledger.
	GetStockLevels(ctx context.Context, storeID string, skus []string) ([]domain.ProductStock, error)
	ReserveStock(ctx context.Context, storeID string, sku string, qty int) (*domain.ProductStock, error)
	ReleaseStock(ctx context.Context, storeID string, sku string, qty int) (*domain.ProductStock, error)
	DecrementStock(ctx context.Context, storeID string, sku string, qty int, releaseReserved bool) (*domain.ProductStock, error)
	AdjustStock(ctx context.Context, req domain.StockAdjustRequest) (*domain.ProductStock, error)

	// Sale ledger.
	CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error)
	GetSale(ctx context.Context, saleID string) (*domain.Sale, error)
	AddSaleItem(ctx context.Context, saleID string, item domain.SaleItem, reserve bool) (*domain.Sale, error)
	UpdateSaleItemQty(ctx context.Context, saleID string, itemID string, qty int) (*domain.Sale, error)
	RemoveSaleItem(ctx context.Context, saleID string, itemID string) (*domain.Sale, error)
	UpdateSaleCharges(ctx context.Context, saleID string, discountCents int64, taxCents int64) (*domain.Sale, error)
	// SubmitSale assigns the invoice number from the sequence identified by
	// key inside the same transaction that flips the status.
	SubmitSale(ctx context.Context, saleID string, key domain.SequenceKey) (*domain.Sale, error)
	CancelSale(ctx context.Context, saleID string, reason string, actor string) (*domain.Sale, error)
	RefundSale(ctx context.Context, saleID string, refund domain.Refund) (*domain.Sale, error)

	// Payment posting: sale + shift + optional credit entry in one commit.
	RecordPayment(ctx context.Context, req domain.PaymentRequest, cashier string, at time.Time) (*domain.PaymentResult, error)

	// Cash shift ledger.
	OpenShift(ctx context.Context, shift domain.CashShift) (*domain.CashShift, error)
	GetShift(ctx context.Context, shiftID string) (*domain.CashShift, error)
	GetOpenShift(ctx context.Context, storeID string, cashier string) (*domain.CashShift, error)
	CloseShift(ctx context.Context, shiftID string, closingCashCents int64, closedAt time.Time) (*domain.CashShift, error)

	// Credit ledger.
	EnsureCustomerAccount(ctx context.Context, req domain.CustomerAccountRequest) (*domain.CustomerAccount, error)
	GetCustomerAccount(ctx context.Context, accountID string) (*domain.CustomerAccount, error)
	GetAccountByCustomer(ctx context.Context, storeID string, customerID string) (*domain.CustomerAccount, error)
	// CheckCreditAvailability reports whether the account has headroom for
	// amountCents of new credit: amount <= credit_limit - balance.
	CheckCreditAvailability(ctx context.Context, accountID string, amountCents int64) (bool, error)
	RecordCreditPayment(ctx context.Context, accountID string, amountCents int64, reference string, actor string) (*domain.CreditLedgerEntry, error)
	ListCreditEntries(ctx context.Context, accountID string, limit int) ([]domain.CreditLedgerEntry, error)

	// Document sequences.
	NextDocumentNumber(ctx context.Context, key domain.SequenceKey) (string, error)

	// Low-stock alerts, idempotent per (store, sku, day).
	SyncLowStockAlerts(ctx context.Context, storeID string, day string) ([]domain.LowStockAlert, error)
	ListLowStockAlerts(ctx context.Context, storeID string, day string) ([]domain.LowStockAlert, error)

	// Audit sink (fire-and-forget from the service's point of view).
	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, storeID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error)

	// Auth credentials.
	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}
