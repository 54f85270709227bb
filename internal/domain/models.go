package domain

import "time"

const (
	SaleStatusDraft          = "draft"
	SaleStatusPendingPayment = "pending_payment"
	SaleStatusPartiallyPaid  = "partially_paid"
	SaleStatusPaid           = "paid"
	SaleStatusCancelled      = "cancelled"
	SaleStatusRefunded       = "refunded"
)

const (
	ShiftStatusOpen   = "open"
	ShiftStatusClosed = "closed"
)

const (
	PaymentMethodCash     = "cash"
	PaymentMethodCard     = "card"
	PaymentMethodQris     = "qris"
	PaymentMethodTransfer = "transfer"
	PaymentMethodCredit   = "credit"
)

const (
	CreditEntrySaleOnCredit  = "SALE_ON_CREDIT"
	CreditEntryCreditPayment = "CREDIT_PAYMENT"
	CreditEntryAdjustment    = "ADJUSTMENT"
)

// Variance severity buckets assigned when a cash shift closes.
const (
	VarianceNormal   = "normal"
	VarianceWarning  = "warning"
	VarianceCritical = "critical"
)

type Product struct {
	SKU        string `json:"sku"`
	Name       string `json:"name"`
	Category   string `json:"category"`
	PriceCents int64  `json:"price_cents"`
	CostCents  int64  `json:"cost_cents"`
	TrackStock bool   `json:"track_stock"`
	Active     bool   `json:"active"`
}

type ProductCreateRequest struct {
	StoreID      string `json:"store_id"`
	SKU          string `json:"sku"`
	Name         string `json:"name"`
	Category     string `json:"category"`
	PriceCents   int64  `json:"price_cents"`
	CostCents    int64  `json:"cost_cents"`
	TrackStock   bool   `json:"track_stock"`
	InitialStock int    `json:"initial_stock"`
	MinQty       int    `json:"min_qty"`
}

// ProductStock is the shared on-hand/reserved counter per (store, product).
// Rows are created lazily on first movement and only for tracked products.
type ProductStock struct {
	StoreID     string    `json:"store_id"`
	SKU         string    `json:"sku"`
	Qty         int       `json:"qty"`
	ReservedQty int       `json:"reserved_qty"`
	MinQty      int       `json:"min_qty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (ps ProductStock) Available() int {
	return ps.Qty - ps.ReservedQty
}

type StockAdjustRequest struct {
	StoreID string `json:"store_id"`
	SKU     string `json:"sku"`
	Delta   int    `json:"delta"`
	Reason  string `json:"reason"`
}

type SaleItem struct {
	ID             string `json:"id"`
	SaleID         string `json:"sale_id"`
	SKU            string `json:"sku,omitempty"`
	Description    string `json:"description,omitempty"`
	UnitPriceCents int64  `json:"unit_price_cents"`
	CostPriceCents int64  `json:"cost_price_cents"`
	Qty            int    `json:"qty"`
	DiscountCents  int64  `json:"discount_cents"`
	LineTotalCents int64  `json:"line_total_cents"`
	TrackStock     bool   `json:"track_stock"`
}

type Sale struct {
	ID              string     `json:"id"`
	StoreID         string     `json:"store_id"`
	SellerUsername  string     `json:"seller_username"`
	CustomerID      string     `json:"customer_id,omitempty"`
	Status          string     `json:"status"`
	InvoiceNumber   string     `json:"invoice_number,omitempty"`
	SubtotalCents   int64      `json:"subtotal_cents"`
	DiscountCents   int64      `json:"discount_cents"`
	TaxCents        int64      `json:"tax_cents"`
	TotalCents      int64      `json:"total_cents"`
	AmountPaidCents int64      `json:"amount_paid_cents"`
	AmountDueCents  int64      `json:"amount_due_cents"`
	IsCreditSale    bool       `json:"is_credit_sale"`
	ReserveStock    bool       `json:"reserve_stock"`
	CancelReason    string     `json:"cancel_reason,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	SubmittedAt     *time.Time `json:"submitted_at,omitempty"`
	PaidAt          *time.Time `json:"paid_at,omitempty"`
	Items           []SaleItem `json:"items"`
	Payments        []Payment  `json:"payments,omitempty"`
	Refunds         []Refund   `json:"refunds,omitempty"`
}

// Recalculate rederives the sale's money columns from its items. It is pure
// with respect to payments: amount_paid is left untouched and amount_due is
// re-derived, so calling it repeatedly with unchanged items is a no-op.
func (s *Sale) Recalculate() {
	subtotal := int64(0)
	for _, item := range s.Items {
		subtotal += item.LineTotalCents
	}
	s.SubtotalCents = subtotal
	s.TotalCents = subtotal - s.DiscountCents + s.TaxCents
	s.AmountDueCents = s.TotalCents - s.AmountPaidCents
}

// Mutable reports whether seller-side edits (items, charges) are still allowed.
func (s *Sale) Mutable() bool {
	return s.Status == SaleStatusDraft
}

type SaleCreateRequest struct {
	StoreID       string `json:"store_id"`
	CustomerID    string `json:"customer_id,omitempty"`
	IsCreditSale  bool   `json:"is_credit_sale"`
	ReserveStock  bool   `json:"reserve_stock"`
	DiscountCents int64  `json:"discount_cents"`
	TaxCents      int64  `json:"tax_cents"`
}

type SaleItemAddRequest struct {
	SKU string `json:"sku,omitempty"`
	// Description is required for ad-hoc/service lines that carry no SKU.
	Description    string `json:"description,omitempty"`
	Qty            int    `json:"qty"`
	UnitPriceCents *int64 `json:"unit_price_cents,omitempty"`
	DiscountCents  int64  `json:"discount_cents"`
	// PriceOverrideAuthorized is set by the caller after resolving the
	// "price override" capability against the sale's opening store. The
	// ledger trusts it; capability resolution is not its concern.
	PriceOverrideAuthorized bool `json:"price_override_authorized"`
}

type SaleChargesUpdateRequest struct {
	DiscountCents int64 `json:"discount_cents"`
	TaxCents      int64 `json:"tax_cents"`
}

type SaleCancelRequest struct {
	Reason string `json:"reason"`
}

type SaleRefundRequest struct {
	AmountCents int64  `json:"amount_cents"`
	Method      string `json:"method"`
	Reason      string `json:"reason"`
}

type Refund struct {
	ID          string    `json:"id"`
	SaleID      string    `json:"sale_id"`
	AmountCents int64     `json:"amount_cents"`
	Method      string    `json:"method"`
	Reason      string    `json:"reason,omitempty"`
	ApprovedBy  string    `json:"approved_by"`
	ProcessedBy string    `json:"processed_by"`
	CreatedAt   time.Time `json:"created_at"`
}

// Payment is immutable once written; refunds and reports only reference it.
type Payment struct {
	ID              string    `json:"id"`
	SaleID          string    `json:"sale_id"`
	ShiftID         string    `json:"shift_id"`
	CashierUsername string    `json:"cashier_username"`
	Method          string    `json:"method"`
	AmountCents     int64     `json:"amount_cents"`
	Reference       string    `json:"reference,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

type PaymentRequest struct {
	SaleID      string `json:"sale_id"`
	ShiftID     string `json:"shift_id"`
	Method      string `json:"method"`
	AmountCents int64  `json:"amount_cents"`
	Reference   string `json:"reference,omitempty"`
}

// PaymentResult carries every row touched by one atomic payment posting.
type PaymentResult struct {
	Payment     Payment            `json:"payment"`
	Sale        Sale               `json:"sale"`
	Shift       CashShift          `json:"shift"`
	CreditEntry *CreditLedgerEntry `json:"credit_entry,omitempty"`
}

type CashShift struct {
	ID                     string     `json:"id"`
	StoreID                string     `json:"store_id"`
	CashierUsername        string     `json:"cashier_username"`
	Status                 string     `json:"status"`
	OpeningFloatCents      int64      `json:"opening_float_cents"`
	TotalSalesCents        int64      `json:"total_sales_cents"`
	TotalCashPaymentsCents int64      `json:"total_cash_payments_cents"`
	ExpectedCashCents      int64      `json:"expected_cash_cents"`
	ClosingCashCents       int64      `json:"closing_cash_cents"`
	VarianceCents          int64      `json:"variance_cents"`
	VariancePct            string     `json:"variance_pct,omitempty"`
	VarianceSeverity       string     `json:"variance_severity,omitempty"`
	OpenedAt               time.Time  `json:"opened_at"`
	ClosedAt               *time.Time `json:"closed_at,omitempty"`
}

type ShiftOpenRequest struct {
	StoreID           string `json:"store_id"`
	OpeningFloatCents int64  `json:"opening_float_cents"`
}

type ShiftCloseRequest struct {
	ShiftID          string `json:"shift_id"`
	ClosingCashCents int64  `json:"closing_cash_cents"`
	Notes            string `json:"notes,omitempty"`
}

type CustomerAccount struct {
	ID               string    `json:"id"`
	StoreID          string    `json:"store_id"`
	CustomerID       string    `json:"customer_id"`
	CreditLimitCents int64     `json:"credit_limit_cents"`
	BalanceCents     int64     `json:"balance_cents"`
	CreatedAt        time.Time `json:"created_at"`
}

type CustomerAccountRequest struct {
	StoreID    string `json:"store_id"`
	CustomerID string `json:"customer_id"`
	// CreditLimitCents changes the stored limit only when present; ensuring
	// an existing account without it leaves the limit alone.
	CreditLimitCents *int64 `json:"credit_limit_cents,omitempty"`
}

// CreditLedgerEntry is an append-only fact; the account balance is a cache
// that must always equal the latest entry's balance_after.
type CreditLedgerEntry struct {
	ID                string    `json:"id"`
	AccountID         string    `json:"account_id"`
	EntryType         string    `json:"entry_type"`
	AmountCents       int64     `json:"amount_cents"`
	BalanceAfterCents int64     `json:"balance_after_cents"`
	SaleID            string    `json:"sale_id,omitempty"`
	Reference         string    `json:"reference,omitempty"`
	RecordedBy        string    `json:"recorded_by"`
	CreatedAt         time.Time `json:"created_at"`
}

type CreditPaymentRequest struct {
	AccountID   string `json:"account_id"`
	AmountCents int64  `json:"amount_cents"`
	Reference   string `json:"reference,omitempty"`
}

// SequenceKey addresses one monotonic document counter.
type SequenceKey struct {
	Prefix    string
	StoreCode string
	PeriodKey string
}

type LowStockAlert struct {
	ID          string    `json:"id"`
	StoreID     string    `json:"store_id"`
	SKU         string    `json:"sku"`
	Qty         int       `json:"qty"`
	ReservedQty int       `json:"reserved_qty"`
	MinQty      int       `json:"min_qty"`
	Day         string    `json:"day"`
	CreatedAt   time.Time `json:"created_at"`
}

type AuditLog struct {
	ID            string    `json:"id"`
	StoreID       string    `json:"store_id"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
}

type CashierCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type CashierUser struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}
