package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"retailops/backend/internal/domain"
	"retailops/backend/internal/store"
)

// nextNumberTx claims the next number for key inside tx. The upsert creates
// the counter row on first use and otherwise increments it under the row lock
// the UPDATE takes, so two concurrent claims can never return the same value
// and a rolled-back caller returns the number to the counter with it.
func nextNumberTx(ctx context.Context, tx *sql.Tx, key domain.SequenceKey) (string, error) {
	if key.Prefix == "" || key.StoreCode == "" || key.PeriodKey == "" {
		return "", fmt.Errorf("%w: sequence key must be fully qualified", store.ErrInvalidInput)
	}
	var next int64
	err := tx.QueryRowContext(ctx, `
		INSERT INTO document_sequences (prefix, store_code, period_key, next_number)
		VALUES ($1, $2, $3, 1)
		ON CONFLICT (prefix, store_code, period_key)
		DO UPDATE SET next_number = document_sequences.next_number + 1
		RETURNING next_number`,
		key.Prefix, key.StoreCode, key.PeriodKey,
	).Scan(&next)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s-%s-%s-%06d", key.Prefix, key.StoreCode, key.PeriodKey, next), nil
}

func (s *Store) NextDocumentNumber(ctx context.Context, key domain.SequenceKey) (string, error) {
	var number string
	err := s.runTx(ctx, func(tx *sql.Tx) error {
		var err error
		number, err = nextNumberTx(ctx, tx, key)
		return err
	})
	if err != nil {
		return "", err
	}
	return number, nil
}
