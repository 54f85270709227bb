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

func (s *Store) CreateProduct(ctx context.Context, product domain.Product, storeID string, initialStock int, minQty int) (*domain.Product, error) {
	if initialStock < 0 || minQty < 0 {
		return nil, fmt.Errorf("%w: initial stock and min qty must not be negative", store.ErrInvalidInput)
	}
	err := s.runTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO products (sku, name, category, price_cents, cost_cents, track_stock, active)
			VALUES ($1, $2, $3, $4, $5, $6, TRUE)`,
			product.SKU, product.Name, nullIfEmpty(product.Category), product.PriceCents, product.CostCents, product.TrackStock,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: sku %s already exists", store.ErrInvalidInput, product.SKU)
			}
			return err
		}
		if product.TrackStock {
			_, err = tx.ExecContext(ctx, `
				INSERT INTO product_stock (store_id, sku, qty, reserved_qty, min_qty, updated_at)
				VALUES ($1, $2, $3, 0, $4, NOW())`,
				storeID, product.SKU, initialStock, minQty,
			)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	product.Active = true
	return &product, nil
}

func (s *Store) GetProductBySKU(ctx context.Context, sku string) (*domain.Product, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT sku, name, COALESCE(category, ''), price_cents, cost_cents, track_stock, active
		FROM products WHERE sku = $1`, sku)
	var p domain.Product
	if err := row.Scan(&p.SKU, &p.Name, &p.Category, &p.PriceCents, &p.CostCents, &p.TrackStock, &p.Active); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: product %s", store.ErrNotFound, sku)
		}
		return nil, err
	}
	return &p, nil
}

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sku, name, COALESCE(category, ''), price_cents, cost_cents, track_stock, active
		FROM products WHERE active = TRUE ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var products []domain.Product
	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.SKU, &p.Name, &p.Category, &p.PriceCents, &p.CostCents, &p.TrackStock, &p.Active); err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	return products, rows.Err()
}

func (s *Store) DeleteProduct(ctx context.Context, sku string) error {
	return s.runTx(ctx, func(tx *sql.Tx) error {
		var referenced bool
		err := tx.QueryRowContext(ctx, `
			SELECT EXISTS (
				SELECT 1 FROM sale_items si
				JOIN sales s ON s.id = si.sale_id
				WHERE si.sku = $1 AND s.status <> $2
			)`, sku, domain.SaleStatusCancelled).Scan(&referenced)
		if err != nil {
			return err
		}
		if referenced {
			return fmt.Errorf("%w: product %s", store.ErrReferentialIntegrity, sku)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM product_stock WHERE sku = $1`, sku); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM products WHERE sku = $1`, sku)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return fmt.Errorf("%w: product %s", store.ErrNotFound, sku)
		}
		return nil
	})
}

func (s *Store) GetStockLevels(ctx context.Context, storeID string, skus []string) ([]domain.ProductStock, error) {
	query := `
		SELECT store_id, sku, qty, reserved_qty, min_qty, updated_at
		FROM product_stock WHERE store_id = $1`
	args := []any{storeID}
	if len(skus) > 0 {
		query += ` AND sku = ANY($2)`
		args = append(args, skus)
	}
	query += ` ORDER BY sku`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var levels []domain.ProductStock
	for rows.Next() {
		var ps domain.ProductStock
		if err := rows.Scan(&ps.StoreID, &ps.SKU, &ps.Qty, &ps.ReservedQty, &ps.MinQty, &ps.UpdatedAt); err != nil {
			return nil, err
		}
		levels = append(levels, ps)
	}
	return levels, rows.Err()
}

// lockStockRow reads one stock row FOR UPDATE; every stock mutation in any
// transaction goes through it so concurrent movements serialize per row.
func lockStockRow(ctx context.Context, tx *sql.Tx, storeID string, sku string) (*domain.ProductStock, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT store_id, sku, qty, reserved_qty, min_qty, updated_at
		FROM product_stock WHERE store_id = $1 AND sku = $2 FOR UPDATE`, storeID, sku)
	var ps domain.ProductStock
	if err := row.Scan(&ps.StoreID, &ps.SKU, &ps.Qty, &ps.ReservedQty, &ps.MinQty, &ps.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: no stock row for %s at %s", store.ErrNotFound, sku, storeID)
		}
		return nil, err
	}
	return &ps, nil
}

func saveStockRow(ctx context.Context, tx *sql.Tx, ps *domain.ProductStock) error {
	ps.UpdatedAt = time.Now().UTC()
	_, err := tx.ExecContext(ctx, `
		UPDATE product_stock SET qty = $3, reserved_qty = $4, updated_at = $5
		WHERE store_id = $1 AND sku = $2`,
		ps.StoreID, ps.SKU, ps.Qty, ps.ReservedQty, ps.UpdatedAt,
	)
	return err
}

func reserveStockTx(ctx context.Context, tx *sql.Tx, storeID string, sku string, qty int) (*domain.ProductStock, error) {
	ps, err := lockStockRow(ctx, tx, storeID, sku)
	if err != nil {
		return nil, err
	}
	if ps.Available() < qty {
		return nil, fmt.Errorf("%w: %s has %d available, need %d", store.ErrInsufficientStock, sku, ps.Available(), qty)
	}
	ps.ReservedQty += qty
	if err := saveStockRow(ctx, tx, ps); err != nil {
		return nil, err
	}
	return ps, nil
}

func releaseStockTx(ctx context.Context, tx *sql.Tx, storeID string, sku string, qty int) (*domain.ProductStock, error) {
	ps, err := lockStockRow(ctx, tx, storeID, sku)
	if err != nil {
		return nil, err
	}
	ps.ReservedQty -= qty
	if ps.ReservedQty < 0 {
		ps.ReservedQty = 0
	}
	if err := saveStockRow(ctx, tx, ps); err != nil {
		return nil, err
	}
	return ps, nil
}

func decrementStockTx(ctx context.Context, tx *sql.Tx, storeID string, sku string, qty int, releaseReserved bool) (*domain.ProductStock, error) {
	ps, err := lockStockRow(ctx, tx, storeID, sku)
	if err != nil {
		return nil, err
	}
	if releaseReserved {
		ps.ReservedQty -= qty
		if ps.ReservedQty < 0 {
			ps.ReservedQty = 0
		}
	} else if ps.Available() < qty {
		return nil, fmt.Errorf("%w: %s has %d available, need %d", store.ErrInsufficientStock, sku, ps.Available(), qty)
	}
	ps.Qty -= qty
	if ps.Qty < 0 {
		return nil, fmt.Errorf("%w: %s would go negative", store.ErrInsufficientStock, sku)
	}
	if err := saveStockRow(ctx, tx, ps); err != nil {
		return nil, err
	}
	return ps, nil
}

func (s *Store) ReserveStock(ctx context.Context, storeID string, sku string, qty int) (*domain.ProductStock, error) {
	if qty <= 0 {
		return nil, fmt.Errorf("%w: qty must be positive", store.ErrInvalidInput)
	}
	var out *domain.ProductStock
	err := s.runTx(ctx, func(tx *sql.Tx) error {
		var err error
		out, err = reserveStockTx(ctx, tx, storeID, sku, qty)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) ReleaseStock(ctx context.Context, storeID string, sku string, qty int) (*domain.ProductStock, error) {
	if qty <= 0 {
		return nil, fmt.Errorf("%w: qty must be positive", store.ErrInvalidInput)
	}
	var out *domain.ProductStock
	err := s.runTx(ctx, func(tx *sql.Tx) error {
		var err error
		out, err = releaseStockTx(ctx, tx, storeID, sku, qty)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) DecrementStock(ctx context.Context, storeID string, sku string, qty int, releaseReserved bool) (*domain.ProductStock, error) {
	if qty <= 0 {
		return nil, fmt.Errorf("%w: qty must be positive", store.ErrInvalidInput)
	}
	var out *domain.ProductStock
	err := s.runTx(ctx, func(tx *sql.Tx) error {
		var err error
		out, err = decrementStockTx(ctx, tx, storeID, sku, qty, releaseReserved)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) AdjustStock(ctx context.Context, req domain.StockAdjustRequest) (*domain.ProductStock, error) {
	if req.Delta == 0 {
		return nil, fmt.Errorf("%w: delta must not be zero", store.ErrInvalidInput)
	}
	var out *domain.ProductStock
	err := s.runTx(ctx, func(tx *sql.Tx) error {
		ps, err := lockStockRow(ctx, tx, req.StoreID, req.SKU)
		if err != nil {
			return err
		}
		next := ps.Qty + req.Delta
		if next < ps.ReservedQty {
			return fmt.Errorf("%w: adjustment would drop %s below its reservations", store.ErrInsufficientStock, req.SKU)
		}
		ps.Qty = next
		if err := saveStockRow(ctx, tx, ps); err != nil {
			return err
		}
		out = ps
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SyncLowStockAlerts inserts an alert per tracked product whose available
// quantity has dropped below min_qty. The unique index on (store_id, sku, day)
// makes re-runs within the same day no-ops, so a scheduler can call it as
// often as it likes.
func (s *Store) SyncLowStockAlerts(ctx context.Context, storeID string, day string) ([]domain.LowStockAlert, error) {
	var created []domain.LowStockAlert
	err := s.runTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT store_id, sku, qty, reserved_qty, min_qty
			FROM product_stock
			WHERE store_id = $1 AND min_qty > 0 AND qty - reserved_qty < min_qty
			ORDER BY sku`, storeID)
		if err != nil {
			return err
		}
		var low []domain.ProductStock
		for rows.Next() {
			var ps domain.ProductStock
			if err := rows.Scan(&ps.StoreID, &ps.SKU, &ps.Qty, &ps.ReservedQty, &ps.MinQty); err != nil {
				rows.Close()
				return err
			}
			low = append(low, ps)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, ps := range low {
			alert := domain.LowStockAlert{
				ID:          xid.New("alert"),
				StoreID:     ps.StoreID,
				SKU:         ps.SKU,
				Qty:         ps.Qty,
				ReservedQty: ps.ReservedQty,
				MinQty:      ps.MinQty,
				Day:         day,
				CreatedAt:   time.Now().UTC(),
			}
			res, err := tx.ExecContext(ctx, `
				INSERT INTO low_stock_alerts (id, store_id, sku, qty, reserved_qty, min_qty, day, created_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
				ON CONFLICT (store_id, sku, day) DO NOTHING`,
				alert.ID, alert.StoreID, alert.SKU, alert.Qty, alert.ReservedQty, alert.MinQty, alert.Day, alert.CreatedAt,
			)
			if err != nil {
				return err
			}
			if affected, err := res.RowsAffected(); err == nil && affected > 0 {
				created = append(created, alert)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

func (s *Store) ListLowStockAlerts(ctx context.Context, storeID string, day string) ([]domain.LowStockAlert, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, store_id, sku, qty, reserved_qty, min_qty, day, created_at
		FROM low_stock_alerts WHERE store_id = $1 AND day = $2 ORDER BY sku`, storeID, day)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var alerts []domain.LowStockAlert
	for rows.Next() {
		var a domain.LowStockAlert
		if err := rows.Scan(&a.ID, &a.StoreID, &a.SKU, &a.Qty, &a.ReservedQty, &a.MinQty, &a.Day, &a.CreatedAt); err != nil {
			return nil, err
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}
