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

const accountColumns = `id, store_id, customer_id, credit_limit_cents, balance_cents, created_at`

func scanAccount(row *sql.Row) (*domain.CustomerAccount, error) {
	var a domain.CustomerAccount
	err := row.Scan(&a.ID, &a.StoreID, &a.CustomerID, &a.CreditLimitCents, &a.BalanceCents, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: customer account", store.ErrNotFound)
		}
		return nil, err
	}
	return &a, nil
}

func lockAccountTx(ctx context.Context, tx *sql.Tx, accountID string) (*domain.CustomerAccount, error) {
	return scanAccount(tx.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM customer_accounts WHERE id = $1 FOR UPDATE`, accountID))
}

func lockAccountByCustomerTx(ctx context.Context, tx *sql.Tx, storeID string, customerID string) (*domain.CustomerAccount, error) {
	return scanAccount(tx.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM customer_accounts
		WHERE store_id = $1 AND customer_id = $2 FOR UPDATE`, storeID, customerID))
}

// appendCreditEntryTx writes the next ledger entry and refreshes the balance
// cache in one step. The caller must hold the account row lock, which is what
// keeps balance_after strictly sequential per account.
func appendCreditEntryTx(ctx context.Context, tx *sql.Tx, account *domain.CustomerAccount, entry domain.CreditLedgerEntry) (*domain.CreditLedgerEntry, error) {
	entry.ID = xid.New("cle")
	entry.AccountID = account.ID
	entry.BalanceAfterCents = account.BalanceCents + entry.AmountCents
	entry.CreatedAt = time.Now().UTC()

	_, err := tx.ExecContext(ctx, `
		INSERT INTO credit_ledger_entries (id, account_id, entry_type, amount_cents, balance_after_cents,
			sale_id, reference, recorded_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		entry.ID, entry.AccountID, entry.EntryType, entry.AmountCents, entry.BalanceAfterCents,
		nullIfEmpty(entry.SaleID), nullIfEmpty(entry.Reference), entry.RecordedBy, entry.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	account.BalanceCents = entry.BalanceAfterCents
	_, err = tx.ExecContext(ctx, `UPDATE customer_accounts SET balance_cents = $2 WHERE id = $1`,
		account.ID, account.BalanceCents)
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *Store) EnsureCustomerAccount(ctx context.Context, req domain.CustomerAccountRequest) (*domain.CustomerAccount, error) {
	if req.CustomerID == "" || req.StoreID == "" {
		return nil, fmt.Errorf("%w: store and customer are required", store.ErrInvalidInput)
	}
	if req.CreditLimitCents != nil && *req.CreditLimitCents < 0 {
		return nil, fmt.Errorf("%w: credit limit must not be negative", store.ErrInvalidInput)
	}
	// Without an explicit limit the upsert must not clobber what is stored,
	// so the conflict branch writes the existing value back.
	limit := int64(0)
	conflict := `DO UPDATE SET credit_limit_cents = customer_accounts.credit_limit_cents`
	if req.CreditLimitCents != nil {
		limit = *req.CreditLimitCents
		conflict = `DO UPDATE SET credit_limit_cents = EXCLUDED.credit_limit_cents`
	}
	var out *domain.CustomerAccount
	err := s.runTx(ctx, func(tx *sql.Tx) error {
		account, err := scanAccount(tx.QueryRowContext(ctx, `
			INSERT INTO customer_accounts (id, store_id, customer_id, credit_limit_cents, balance_cents, created_at)
			VALUES ($1, $2, $3, $4, 0, $5)
			ON CONFLICT (store_id, customer_id) `+conflict+`
			RETURNING `+accountColumns,
			xid.New("acct"), req.StoreID, req.CustomerID, limit, time.Now().UTC(),
		))
		if err != nil {
			return err
		}
		out = account
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) GetCustomerAccount(ctx context.Context, accountID string) (*domain.CustomerAccount, error) {
	return scanAccount(s.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM customer_accounts WHERE id = $1`, accountID))
}

func (s *Store) GetAccountByCustomer(ctx context.Context, storeID string, customerID string) (*domain.CustomerAccount, error) {
	return scanAccount(s.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM customer_accounts WHERE store_id = $1 AND customer_id = $2`,
		storeID, customerID))
}

func (s *Store) CheckCreditAvailability(ctx context.Context, accountID string, amountCents int64) (bool, error) {
	if amountCents <= 0 {
		return false, fmt.Errorf("%w: amount must be positive", store.ErrInvalidInput)
	}
	account, err := s.GetCustomerAccount(ctx, accountID)
	if err != nil {
		return false, err
	}
	return amountCents <= account.CreditLimitCents-account.BalanceCents, nil
}

// RecordCreditPayment reduces an account's balance by a repayment. Repaying
// more than the outstanding balance is refused outright rather than leaving
// the account in credit.
func (s *Store) RecordCreditPayment(ctx context.Context, accountID string, amountCents int64, reference string, actor string) (*domain.CreditLedgerEntry, error) {
	if amountCents <= 0 {
		return nil, fmt.Errorf("%w: repayment must be positive", store.ErrInvalidInput)
	}
	var out *domain.CreditLedgerEntry
	err := s.runTx(ctx, func(tx *sql.Tx) error {
		account, err := lockAccountTx(ctx, tx, accountID)
		if err != nil {
			return err
		}
		if amountCents > account.BalanceCents {
			return fmt.Errorf("%w: repayment %d exceeds balance %d", store.ErrOverpayment, amountCents, account.BalanceCents)
		}
		entry, err := appendCreditEntryTx(ctx, tx, account, domain.CreditLedgerEntry{
			EntryType:   domain.CreditEntryCreditPayment,
			AmountCents: -amountCents,
			Reference:   reference,
			RecordedBy:  actor,
		})
		if err != nil {
			return err
		}
		out = entry
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) ListCreditEntries(ctx context.Context, accountID string, limit int) ([]domain.CreditLedgerEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, account_id, entry_type, amount_cents, balance_after_cents,
			COALESCE(sale_id, ''), COALESCE(reference, ''), recorded_by, created_at
		FROM credit_ledger_entries WHERE account_id = $1
		ORDER BY created_at DESC, id DESC LIMIT $2`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.CreditLedgerEntry
	for rows.Next() {
		var e domain.CreditLedgerEntry
		if err := rows.Scan(&e.ID, &e.AccountID, &e.EntryType, &e.AmountCents, &e.BalanceAfterCents,
			&e.SaleID, &e.Reference, &e.RecordedBy, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
