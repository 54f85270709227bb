package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"retailops/backend/internal/domain"
	"retailops/backend/internal/store"
)

const shiftColumns = `id, store_id, cashier_username, status, opening_float_cents,
	total_sales_cents, total_cash_payments_cents, expected_cash_cents, closing_cash_cents,
	variance_cents, COALESCE(variance_pct, ''), COALESCE(variance_severity, ''), opened_at, closed_at`

func scanShift(row *sql.Row) (*domain.CashShift, error) {
	var shift domain.CashShift
	var closedAt sql.NullTime
	err := row.Scan(
		&shift.ID, &shift.StoreID, &shift.CashierUsername, &shift.Status, &shift.OpeningFloatCents,
		&shift.TotalSalesCents, &shift.TotalCashPaymentsCents, &shift.ExpectedCashCents, &shift.ClosingCashCents,
		&shift.VarianceCents, &shift.VariancePct, &shift.VarianceSeverity, &shift.OpenedAt, &closedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: shift", store.ErrNotFound)
		}
		return nil, err
	}
	if closedAt.Valid {
		shift.ClosedAt = &closedAt.Time
	}
	return &shift, nil
}

func lockShiftTx(ctx context.Context, tx *sql.Tx, shiftID string) (*domain.CashShift, error) {
	return scanShift(tx.QueryRowContext(ctx,
		`SELECT `+shiftColumns+` FROM cash_shifts WHERE id = $1 FOR UPDATE`, shiftID))
}

func saveShiftTotals(ctx context.Context, tx *sql.Tx, shift *domain.CashShift) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE cash_shifts SET status = $2, total_sales_cents = $3, total_cash_payments_cents = $4,
			expected_cash_cents = $5, closing_cash_cents = $6, variance_cents = $7,
			variance_pct = $8, variance_severity = $9, closed_at = $10
		WHERE id = $1`,
		shift.ID, shift.Status, shift.TotalSalesCents, shift.TotalCashPaymentsCents,
		shift.ExpectedCashCents, shift.ClosingCashCents, shift.VarianceCents,
		nullIfEmpty(shift.VariancePct), nullIfEmpty(shift.VarianceSeverity), nullTime(shift.ClosedAt),
	)
	return err
}

// OpenShift relies on the partial unique index over open shifts per
// (store_id, cashier_username): a racing second open loses the insert and maps
// to ErrShiftAlreadyOpen instead of creating a duplicate drawer.
func (s *Store) OpenShift(ctx context.Context, shift domain.CashShift) (*domain.CashShift, error) {
	if shift.OpeningFloatCents < 0 {
		return nil, fmt.Errorf("%w: opening float must not be negative", store.ErrInvalidInput)
	}
	shift.Status = domain.ShiftStatusOpen
	shift.ExpectedCashCents = shift.OpeningFloatCents
	shift.OpenedAt = time.Now().UTC()
	err := s.runTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO cash_shifts (id, store_id, cashier_username, status, opening_float_cents,
				total_sales_cents, total_cash_payments_cents, expected_cash_cents, closing_cash_cents,
				variance_cents, opened_at)
			VALUES ($1, $2, $3, $4, $5, 0, 0, $6, 0, 0, $7)`,
			shift.ID, shift.StoreID, shift.CashierUsername, shift.Status, shift.OpeningFloatCents,
			shift.ExpectedCashCents, shift.OpenedAt,
		)
		if err != nil && isUniqueViolation(err) {
			return fmt.Errorf("%w: cashier %s at %s", store.ErrShiftAlreadyOpen, shift.CashierUsername, shift.StoreID)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &shift, nil
}

func (s *Store) GetShift(ctx context.Context, shiftID string) (*domain.CashShift, error) {
	return scanShift(s.db.QueryRowContext(ctx,
		`SELECT `+shiftColumns+` FROM cash_shifts WHERE id = $1`, shiftID))
}

func (s *Store) GetOpenShift(ctx context.Context, storeID string, cashier string) (*domain.CashShift, error) {
	return scanShift(s.db.QueryRowContext(ctx,
		`SELECT `+shiftColumns+` FROM cash_shifts
		WHERE store_id = $1 AND cashier_username = $2 AND status = $3`,
		storeID, cashier, domain.ShiftStatusOpen))
}

// CloseShift settles the drawer. The row is locked first so a payment landing
// at the same moment either commits before the close (and is counted) or
// fails against the now-closed shift; it can never be half-counted.
func (s *Store) CloseShift(ctx context.Context, shiftID string, closingCashCents int64, closedAt time.Time) (*domain.CashShift, error) {
	if closingCashCents < 0 {
		return nil, fmt.Errorf("%w: closing cash must not be negative", store.ErrInvalidInput)
	}
	var out *domain.CashShift
	err := s.runTx(ctx, func(tx *sql.Tx) error {
		shift, err := lockShiftTx(ctx, tx, shiftID)
		if err != nil {
			return err
		}
		if shift.Status != domain.ShiftStatusOpen {
			return fmt.Errorf("%w: shift is already closed", store.ErrInvalidState)
		}
		shift.Status = domain.ShiftStatusClosed
		shift.ClosingCashCents = closingCashCents
		shift.ExpectedCashCents = shift.OpeningFloatCents + shift.TotalCashPaymentsCents
		shift.VarianceCents = closingCashCents - shift.ExpectedCashCents
		shift.VariancePct, shift.VarianceSeverity = domain.ClassifyVariance(shift.VarianceCents, shift.ExpectedCashCents)
		shift.ClosedAt = &closedAt
		if err := saveShiftTotals(ctx, tx, shift); err != nil {
			return err
		}
		out = shift
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
