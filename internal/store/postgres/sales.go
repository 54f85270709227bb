package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"retailops/backend/internal/domain"
	"retailops/backend/internal/store"
	"retailops/backend/internal/xid"
)

// querier is satisfied by both *sql.DB and *sql.Tx so read helpers can run
// inside or outside a transaction.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const saleColumns = `id, store_id, seller_username, COALESCE(customer_id, ''), status,
	COALESCE(invoice_number, ''), subtotal_cents, discount_cents, tax_cents, total_cents,
	amount_paid_cents, amount_due_cents, is_credit_sale, reserve_stock,
	COALESCE(cancel_reason, ''), created_at, submitted_at, paid_at`

func scanSale(row *sql.Row) (*domain.Sale, error) {
	var sale domain.Sale
	var submittedAt, paidAt sql.NullTime
	err := row.Scan(
		&sale.ID, &sale.StoreID, &sale.SellerUsername, &sale.CustomerID, &sale.Status,
		&sale.InvoiceNumber, &sale.SubtotalCents, &sale.DiscountCents, &sale.TaxCents, &sale.TotalCents,
		&sale.AmountPaidCents, &sale.AmountDueCents, &sale.IsCreditSale, &sale.ReserveStock,
		&sale.CancelReason, &sale.CreatedAt, &submittedAt, &paidAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: sale", store.ErrNotFound)
		}
		return nil, err
	}
	if submittedAt.Valid {
		sale.SubmittedAt = &submittedAt.Time
	}
	if paidAt.Valid {
		sale.PaidAt = &paidAt.Time
	}
	return &sale, nil
}

func loadSaleTx(ctx context.Context, tx *sql.Tx, saleID string) (*domain.Sale, error) {
	sale, err := scanSale(tx.QueryRowContext(ctx,
		`SELECT `+saleColumns+` FROM sales WHERE id = $1 FOR UPDATE`, saleID))
	if err != nil {
		return nil, err
	}
	sale.Items, err = loadSaleItems(ctx, tx, saleID)
	if err != nil {
		return nil, err
	}
	return sale, nil
}

func loadSaleItems(ctx context.Context, q querier, saleID string) ([]domain.SaleItem, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, sale_id, COALESCE(sku, ''), COALESCE(description, ''), unit_price_cents,
			cost_price_cents, qty, discount_cents, line_total_cents, track_stock
		FROM sale_items WHERE sale_id = $1 ORDER BY created_at, id`, saleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []domain.SaleItem
	for rows.Next() {
		var item domain.SaleItem
		if err := rows.Scan(&item.ID, &item.SaleID, &item.SKU, &item.Description, &item.UnitPriceCents,
			&item.CostPriceCents, &item.Qty, &item.DiscountCents, &item.LineTotalCents, &item.TrackStock); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func saveSaleTotals(ctx context.Context, tx *sql.Tx, sale *domain.Sale) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE sales SET status = $2, invoice_number = $3, subtotal_cents = $4, discount_cents = $5,
			tax_cents = $6, total_cents = $7, amount_paid_cents = $8, amount_due_cents = $9,
			cancel_reason = $10, submitted_at = $11, paid_at = $12
		WHERE id = $1`,
		sale.ID, sale.Status, nullIfEmpty(sale.InvoiceNumber), sale.SubtotalCents, sale.DiscountCents,
		sale.TaxCents, sale.TotalCents, sale.AmountPaidCents, sale.AmountDueCents,
		nullIfEmpty(sale.CancelReason), nullTime(sale.SubmittedAt), nullTime(sale.PaidAt),
	)
	return err
}

func (s *Store) CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error) {
	sale.Status = domain.SaleStatusDraft
	sale.CreatedAt = time.Now().UTC()
	sale.Recalculate()
	err := s.runTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO sales (id, store_id, seller_username, customer_id, status, subtotal_cents,
				discount_cents, tax_cents, total_cents, amount_paid_cents, amount_due_cents,
				is_credit_sale, reserve_stock, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 0, $10, $11, $12, $13)`,
			sale.ID, sale.StoreID, sale.SellerUsername, nullIfEmpty(sale.CustomerID), sale.Status,
			sale.SubtotalCents, sale.DiscountCents, sale.TaxCents, sale.TotalCents, sale.AmountDueCents,
			sale.IsCreditSale, sale.ReserveStock, sale.CreatedAt,
		)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &sale, nil
}

func (s *Store) GetSale(ctx context.Context, saleID string) (*domain.Sale, error) {
	sale, err := scanSale(s.db.QueryRowContext(ctx,
		`SELECT `+saleColumns+` FROM sales WHERE id = $1`, saleID))
	if err != nil {
		return nil, err
	}
	sale.Items, err = loadSaleItems(ctx, s.db, saleID)
	if err != nil {
		return nil, err
	}
	sale.Payments, err = s.loadPayments(ctx, saleID)
	if err != nil {
		return nil, err
	}
	sale.Refunds, err = s.loadRefunds(ctx, saleID)
	if err != nil {
		return nil, err
	}
	return sale, nil
}

func (s *Store) loadPayments(ctx context.Context, saleID string) ([]domain.Payment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sale_id, shift_id, cashier_username, method, amount_cents, COALESCE(reference, ''), created_at
		FROM payments WHERE sale_id = $1 ORDER BY created_at`, saleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payments []domain.Payment
	for rows.Next() {
		var p domain.Payment
		if err := rows.Scan(&p.ID, &p.SaleID, &p.ShiftID, &p.CashierUsername, &p.Method, &p.AmountCents, &p.Reference, &p.CreatedAt); err != nil {
			return nil, err
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

func (s *Store) loadRefunds(ctx context.Context, saleID string) ([]domain.Refund, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sale_id, amount_cents, method, COALESCE(reason, ''), approved_by, processed_by, created_at
		FROM refunds WHERE sale_id = $1 ORDER BY created_at`, saleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var refunds []domain.Refund
	for rows.Next() {
		var r domain.Refund
		if err := rows.Scan(&r.ID, &r.SaleID, &r.AmountCents, &r.Method, &r.Reason, &r.ApprovedBy, &r.ProcessedBy, &r.CreatedAt); err != nil {
			return nil, err
		}
		refunds = append(refunds, r)
	}
	return refunds, rows.Err()
}

func (s *Store) AddSaleItem(ctx context.Context, saleID string, item domain.SaleItem, reserve bool) (*domain.Sale, error) {
	var out *domain.Sale
	err := s.runTx(ctx, func(tx *sql.Tx) error {
		sale, err := loadSaleTx(ctx, tx, saleID)
		if err != nil {
			return err
		}
		if !sale.Mutable() {
			return fmt.Errorf("%w: cannot add items to a %s sale", store.ErrInvalidState, sale.Status)
		}
		if reserve && item.TrackStock {
			if _, err := reserveStockTx(ctx, tx, sale.StoreID, item.SKU, item.Qty); err != nil {
				return err
			}
		}
		item.SaleID = saleID
		_, err = tx.ExecContext(ctx, `
			INSERT INTO sale_items (id, sale_id, sku, description, unit_price_cents, cost_price_cents,
				qty, discount_cents, line_total_cents, track_stock, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())`,
			item.ID, item.SaleID, nullIfEmpty(item.SKU), nullIfEmpty(item.Description), item.UnitPriceCents,
			item.CostPriceCents, item.Qty, item.DiscountCents, item.LineTotalCents, item.TrackStock,
		)
		if err != nil {
			return err
		}
		sale.Items = append(sale.Items, item)
		sale.Recalculate()
		if err := saveSaleTotals(ctx, tx, sale); err != nil {
			return err
		}
		out = sale
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) UpdateSaleItemQty(ctx context.Context, saleID string, itemID string, qty int) (*domain.Sale, error) {
	if qty <= 0 {
		return nil, fmt.Errorf("%w: qty must be positive", store.ErrInvalidInput)
	}
	var out *domain.Sale
	err := s.runTx(ctx, func(tx *sql.Tx) error {
		sale, err := loadSaleTx(ctx, tx, saleID)
		if err != nil {
			return err
		}
		if !sale.Mutable() {
			return fmt.Errorf("%w: cannot edit items on a %s sale", store.ErrInvalidState, sale.Status)
		}
		idx := -1
		for i := range sale.Items {
			if sale.Items[i].ID == itemID {
				idx = i
				break
			}
		}
		if idx < 0 {
			return fmt.Errorf("%w: sale item %s", store.ErrNotFound, itemID)
		}
		item := &sale.Items[idx]
		if sale.ReserveStock && item.TrackStock {
			delta := qty - item.Qty
			switch {
			case delta > 0:
				if _, err := reserveStockTx(ctx, tx, sale.StoreID, item.SKU, delta); err != nil {
					return err
				}
			case delta < 0:
				if _, err := releaseStockTx(ctx, tx, sale.StoreID, item.SKU, -delta); err != nil {
					return err
				}
			}
		}
		item.Qty = qty
		item.LineTotalCents = item.UnitPriceCents*int64(qty) - item.DiscountCents
		_, err = tx.ExecContext(ctx, `
			UPDATE sale_items SET qty = $2, line_total_cents = $3 WHERE id = $1`,
			item.ID, item.Qty, item.LineTotalCents,
		)
		if err != nil {
			return err
		}
		sale.Recalculate()
		if err := saveSaleTotals(ctx, tx, sale); err != nil {
			return err
		}
		out = sale
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) RemoveSaleItem(ctx context.Context, saleID string, itemID string) (*domain.Sale, error) {
	var out *domain.Sale
	err := s.runTx(ctx, func(tx *sql.Tx) error {
		sale, err := loadSaleTx(ctx, tx, saleID)
		if err != nil {
			return err
		}
		if !sale.Mutable() {
			return fmt.Errorf("%w: cannot remove items from a %s sale", store.ErrInvalidState, sale.Status)
		}
		idx := -1
		for i := range sale.Items {
			if sale.Items[i].ID == itemID {
				idx = i
				break
			}
		}
		if idx < 0 {
			return fmt.Errorf("%w: sale item %s", store.ErrNotFound, itemID)
		}
		item := sale.Items[idx]
		if sale.ReserveStock && item.TrackStock {
			if _, err := releaseStockTx(ctx, tx, sale.StoreID, item.SKU, item.Qty); err != nil {
				return err
			}
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM sale_items WHERE id = $1`, item.ID); err != nil {
			return err
		}
		sale.Items = append(sale.Items[:idx], sale.Items[idx+1:]...)
		sale.Recalculate()
		if err := saveSaleTotals(ctx, tx, sale); err != nil {
			return err
		}
		out = sale
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) UpdateSaleCharges(ctx context.Context, saleID string, discountCents int64, taxCents int64) (*domain.Sale, error) {
	if discountCents < 0 || taxCents < 0 {
		return nil, fmt.Errorf("%w: charges must not be negative", store.ErrInvalidInput)
	}
	var out *domain.Sale
	err := s.runTx(ctx, func(tx *sql.Tx) error {
		sale, err := loadSaleTx(ctx, tx, saleID)
		if err != nil {
			return err
		}
		if !sale.Mutable() {
			return fmt.Errorf("%w: cannot change charges on a %s sale", store.ErrInvalidState, sale.Status)
		}
		sale.DiscountCents = discountCents
		sale.TaxCents = taxCents
		sale.Recalculate()
		if sale.TotalCents < 0 {
			return fmt.Errorf("%w: discount exceeds subtotal", store.ErrInvalidInput)
		}
		if err := saveSaleTotals(ctx, tx, sale); err != nil {
			return err
		}
		out = sale
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SubmitSale freezes the draft and claims its invoice number. The number is
// taken inside the same transaction: if the submit rolls back, so does the
// counter increment, which keeps the series gap-free.
func (s *Store) SubmitSale(ctx context.Context, saleID string, key domain.SequenceKey) (*domain.Sale, error) {
	var out *domain.Sale
	err := s.runTx(ctx, func(tx *sql.Tx) error {
		sale, err := loadSaleTx(ctx, tx, saleID)
		if err != nil {
			return err
		}
		if sale.Status != domain.SaleStatusDraft {
			return fmt.Errorf("%w: sale is %s, only drafts can be submitted", store.ErrInvalidState, sale.Status)
		}
		if len(sale.Items) == 0 {
			return store.ErrEmptySale
		}
		number, err := nextNumberTx(ctx, tx, key)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		sale.Status = domain.SaleStatusPendingPayment
		sale.InvoiceNumber = number
		sale.SubmittedAt = &now
		sale.Recalculate()
		if err := saveSaleTotals(ctx, tx, sale); err != nil {
			return err
		}
		out = sale
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CancelSale is allowed until the sale is fully paid: drafts, submitted sales
// and partially paid ones. Outstanding stock reservations held by the sale are
// released; payments already taken stay on record against the cancelled sale.
// A paid sale goes through the refund path instead.
func (s *Store) CancelSale(ctx context.Context, saleID string, reason string, actor string) (*domain.Sale, error) {
	var out *domain.Sale
	err := s.runTx(ctx, func(tx *sql.Tx) error {
		sale, err := loadSaleTx(ctx, tx, saleID)
		if err != nil {
			return err
		}
		switch sale.Status {
		case domain.SaleStatusDraft, domain.SaleStatusPendingPayment, domain.SaleStatusPartiallyPaid:
		default:
			return fmt.Errorf("%w: cannot cancel a %s sale", store.ErrInvalidState, sale.Status)
		}
		if sale.ReserveStock {
			for _, item := range sale.Items {
				if !item.TrackStock {
					continue
				}
				if _, err := releaseStockTx(ctx, tx, sale.StoreID, item.SKU, item.Qty); err != nil {
					return err
				}
			}
		}
		sale.Status = domain.SaleStatusCancelled
		sale.CancelReason = reason
		if err := saveSaleTotals(ctx, tx, sale); err != nil {
			return err
		}
		out = sale
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RefundSale records a refund against a fully paid sale and moves it to its
// terminal refunded state, even for partial amounts. For credit sales the
// customer account is credited back with a negative adjustment entry, capped
// at both the refund amount and the account's outstanding balance.
func (s *Store) RefundSale(ctx context.Context, saleID string, refund domain.Refund) (*domain.Sale, error) {
	if refund.AmountCents <= 0 {
		return nil, fmt.Errorf("%w: refund amount must be positive", store.ErrInvalidInput)
	}
	var out *domain.Sale
	err := s.runTx(ctx, func(tx *sql.Tx) error {
		sale, err := loadSaleTx(ctx, tx, saleID)
		if err != nil {
			return err
		}
		if sale.Status != domain.SaleStatusPaid {
			return fmt.Errorf("%w: only paid sales can be refunded, sale is %s", store.ErrInvalidState, sale.Status)
		}
		if refund.AmountCents > sale.AmountPaidCents {
			return fmt.Errorf("%w: refund %d exceeds amount paid %d", store.ErrOverpayment, refund.AmountCents, sale.AmountPaidCents)
		}

		refund.SaleID = saleID
		refund.CreatedAt = time.Now().UTC()
		_, err = tx.ExecContext(ctx, `
			INSERT INTO refunds (id, sale_id, amount_cents, method, reason, approved_by, processed_by, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			refund.ID, refund.SaleID, refund.AmountCents, refund.Method, nullIfEmpty(refund.Reason),
			refund.ApprovedBy, refund.ProcessedBy, refund.CreatedAt,
		)
		if err != nil {
			return err
		}

		if sale.IsCreditSale && sale.CustomerID != "" {
			account, err := lockAccountByCustomerTx(ctx, tx, sale.StoreID, sale.CustomerID)
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				return err
			}
			if account != nil {
				creditPortion, err := creditPortionTx(ctx, tx, saleID)
				if err != nil {
					return err
				}
				amount := refund.AmountCents
				if creditPortion < amount {
					amount = creditPortion
				}
				if account.BalanceCents < amount {
					amount = account.BalanceCents
				}
				if amount > 0 {
					_, err = appendCreditEntryTx(ctx, tx, account, domain.CreditLedgerEntry{
						EntryType:   domain.CreditEntryAdjustment,
						AmountCents: -amount,
						SaleID:      saleID,
						Reference:   refund.ID,
						RecordedBy:  refund.ProcessedBy,
					})
					if err != nil {
						return err
					}
				}
			}
		}

		sale.Status = domain.SaleStatusRefunded
		if err := saveSaleTotals(ctx, tx, sale); err != nil {
			return err
		}
		sale.Refunds = append(sale.Refunds, refund)
		out = sale
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// creditPortionTx sums the credit-method payments already posted to the sale.
func creditPortionTx(ctx context.Context, tx *sql.Tx, saleID string) (int64, error) {
	var sum int64
	err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount_cents), 0) FROM payments WHERE sale_id = $1 AND method = $2`,
		saleID, domain.PaymentMethodCredit).Scan(&sum)
	return sum, err
}

// RecordPayment posts one payment atomically: the sale, the shift, and (for
// credit payments) the customer account all move in the same transaction, and
// each is re-read under FOR UPDATE so totals are computed against fresh rows
// no matter how many registers post at once.
func (s *Store) RecordPayment(ctx context.Context, req domain.PaymentRequest, cashier string, at time.Time) (*domain.PaymentResult, error) {
	if req.AmountCents <= 0 {
		return nil, fmt.Errorf("%w: payment amount must be positive", store.ErrInvalidInput)
	}
	var out *domain.PaymentResult
	err := s.runTx(ctx, func(tx *sql.Tx) error {
		sale, err := loadSaleTx(ctx, tx, req.SaleID)
		if err != nil {
			return err
		}
		switch sale.Status {
		case domain.SaleStatusPendingPayment, domain.SaleStatusPartiallyPaid:
		default:
			return fmt.Errorf("%w: cannot take payment on a %s sale", store.ErrInvalidState, sale.Status)
		}
		if req.AmountCents > sale.AmountDueCents {
			return fmt.Errorf("%w: payment %d exceeds amount due %d", store.ErrOverpayment, req.AmountCents, sale.AmountDueCents)
		}

		shift, err := lockShiftTx(ctx, tx, req.ShiftID)
		if err != nil {
			return err
		}
		if shift.Status != domain.ShiftStatusOpen {
			return fmt.Errorf("%w: shift %s is closed", store.ErrInvalidState, shift.ID)
		}
		if shift.StoreID != sale.StoreID {
			return fmt.Errorf("%w: shift belongs to a different store", store.ErrInvalidState)
		}

		var creditEntry *domain.CreditLedgerEntry
		if req.Method == domain.PaymentMethodCredit {
			if !sale.IsCreditSale || sale.CustomerID == "" {
				return fmt.Errorf("%w: sale was not opened on credit terms", store.ErrInvalidState)
			}
			account, err := lockAccountByCustomerTx(ctx, tx, sale.StoreID, sale.CustomerID)
			if err != nil {
				return err
			}
			if account.BalanceCents+req.AmountCents > account.CreditLimitCents {
				return fmt.Errorf("%w: credit limit %d would be exceeded", store.ErrOverpayment, account.CreditLimitCents)
			}
			creditEntry, err = appendCreditEntryTx(ctx, tx, account, domain.CreditLedgerEntry{
				EntryType:   domain.CreditEntrySaleOnCredit,
				AmountCents: req.AmountCents,
				SaleID:      sale.ID,
				Reference:   req.Reference,
				RecordedBy:  cashier,
			})
			if err != nil {
				return err
			}
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
		_, err = tx.ExecContext(ctx, `
			INSERT INTO payments (id, sale_id, shift_id, cashier_username, method, amount_cents, reference, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			payment.ID, payment.SaleID, payment.ShiftID, payment.CashierUsername, payment.Method,
			payment.AmountCents, nullIfEmpty(payment.Reference), payment.CreatedAt,
		)
		if err != nil {
			return err
		}

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
				if _, err := decrementStockTx(ctx, tx, sale.StoreID, item.SKU, item.Qty, sale.ReserveStock); err != nil {
					return err
				}
			}
		} else {
			sale.Status = domain.SaleStatusPartiallyPaid
		}
		if err := saveSaleTotals(ctx, tx, sale); err != nil {
			return err
		}

		shift.TotalSalesCents += req.AmountCents
		if req.Method == domain.PaymentMethodCash {
			shift.TotalCashPaymentsCents += req.AmountCents
		}
		shift.ExpectedCashCents = shift.OpeningFloatCents + shift.TotalCashPaymentsCents
		if err := saveShiftTotals(ctx, tx, shift); err != nil {
			return err
		}

		sale.Payments = append(sale.Payments, payment)
		out = &domain.PaymentResult{
			Payment:     payment,
			Sale:        *sale,
			Shift:       *shift,
			CreditEntry: creditEntry,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
