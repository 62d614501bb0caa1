package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"orderflow/db"
)

var (
	// ErrNotFound signals the requested worker does not exist.
	ErrNotFound = errors.New("worker: not found")
	// ErrInvalidItem signals a malformed portfolio entry.
	ErrInvalidItem = errors.New("worker: invalid portfolio item")
)

// Repository provides access to worker profiles, portfolios and the product catalog.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository wires a pgxpool-backed repository implementation.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetSummary fetches the display data of a worker account.
func (r *Repository) GetSummary(ctx context.Context, id int64) (Summary, error) {
	const query = `
		SELECT id, name, organization, COALESCE(email, ''), phone
		FROM users
		WHERE id = $1 AND role = 'worker'
	`

	var s Summary
	err := r.pool.QueryRow(ctx, query, id).Scan(&s.ID, &s.Name, &s.Organization, &s.Email, &s.Phone)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Summary{}, ErrNotFound
		}
		return Summary{}, fmt.Errorf("worker: query summary: %w", err)
	}

	return s, nil
}

// InPortfolio reports whether the worker quotes on the product. It accepts a
// transaction so the check shares the snapshot of the write it gates.
func (r *Repository) InPortfolio(ctx context.Context, q db.Querier, workerID, productID int64) (bool, error) {
	if q == nil {
		q = r.pool
	}

	var ok bool
	err := q.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM worker_portfolio WHERE worker_id = $1 AND product_id = $2
		)
	`, workerID, productID).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("worker: check portfolio: %w", err)
	}
	return ok, nil
}

// ProductIDs lists the products in the worker's portfolio.
func (r *Repository) ProductIDs(ctx context.Context, workerID int64) ([]int64, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT product_id FROM worker_portfolio WHERE worker_id = $1 ORDER BY product_id
	`, workerID)
	if err != nil {
		return nil, fmt.Errorf("worker: list portfolio ids: %w", err)
	}
	defer rows.Close()

	ids := make([]int64, 0, 8)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("worker: scan portfolio id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("worker: iterate portfolio ids: %w", err)
	}

	return ids, nil
}

// Portfolio lists the products a worker quotes on with their names.
func (r *Repository) Portfolio(ctx context.Context, workerID int64) ([]PortfolioItem, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT wp.product_id, p.name, wp.price
		FROM worker_portfolio wp
		JOIN products p ON p.id = wp.product_id
		WHERE wp.worker_id = $1
		ORDER BY p.name ASC, wp.product_id ASC
	`, workerID)
	if err != nil {
		return nil, fmt.Errorf("worker: list portfolio: %w", err)
	}
	defer rows.Close()

	items := make([]PortfolioItem, 0, 8)
	for rows.Next() {
		var item PortfolioItem
		if err := rows.Scan(&item.ProductID, &item.ProductName, &item.Price); err != nil {
			return nil, fmt.Errorf("worker: scan portfolio item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("worker: iterate portfolio: %w", err)
	}

	return items, nil
}

// UpsertPortfolio adds a product to the worker's portfolio or updates its price.
func (r *Repository) UpsertPortfolio(ctx context.Context, workerID, productID int64, price float64) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO worker_portfolio (worker_id, product_id, price)
		VALUES ($1, $2, $3)
		ON CONFLICT (worker_id, product_id) DO UPDATE SET price = EXCLUDED.price
	`, workerID, productID, price)
	if err != nil {
		return fmt.Errorf("worker: upsert portfolio: %w", err)
	}
	return nil
}

// EnsureProduct returns the catalog product with the given type and name,
// creating both when missing.
func (r *Repository) EnsureProduct(ctx context.Context, typeName, productName string) (Product, error) {
	var product Product
	err := db.RunInTx(ctx, r.pool, db.DefaultAttempts, func(tx pgx.Tx) error {
		var typeID *int64
		if typeName != "" {
			var id int64
			err := tx.QueryRow(ctx, `
				INSERT INTO product_types (name) VALUES ($1)
				ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
				RETURNING id
			`, typeName).Scan(&id)
			if err != nil {
				return fmt.Errorf("worker: ensure product type: %w", err)
			}
			typeID = &id
		}

		err := tx.QueryRow(ctx, `
			SELECT id, product_type_id, name FROM products
			WHERE name = $1 AND product_type_id IS NOT DISTINCT FROM $2
			ORDER BY id LIMIT 1
		`, productName, typeID).Scan(&product.ID, &product.ProductTypeID, &product.Name)
		if err == nil {
			return nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("worker: find product: %w", err)
		}

		err = tx.QueryRow(ctx, `
			INSERT INTO products (product_type_id, name) VALUES ($1, $2)
			RETURNING id, product_type_id, name
		`, typeID, productName).Scan(&product.ID, &product.ProductTypeID, &product.Name)
		if err != nil {
			return fmt.Errorf("worker: insert product: %w", err)
		}
		return nil
	})
	if err != nil {
		return Product{}, err
	}
	return product, nil
}
