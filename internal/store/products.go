package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"github.com/safar/storefront-orders/internal/database"
	"github.com/safar/storefront-orders/internal/models"
	"github.com/shopspring/decimal"
)

const productColumns = `id, name, price, stock, created_at, updated_at`

func scanProduct(row interface{ Scan(...any) error }, product *models.Product) error {
	return row.Scan(
		&product.ID,
		&product.Name,
		&product.Price,
		&product.Stock,
		&product.CreatedAt,
		&product.UpdatedAt,
	)
}

// CreateProduct inserts a catalog row. Catalog management lives elsewhere;
// this exists for seeding and tests.
func CreateProduct(ctx context.Context, db *sql.DB, id, name string, price decimal.Decimal, stock int) (*models.Product, error) {
	product := &models.Product{}

	query := `
		INSERT INTO products (id, name, price, stock, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW(), NOW())
		RETURNING ` + productColumns

	if err := scanProduct(db.QueryRowContext(ctx, query, id, name, price, stock), product); err != nil {
		return nil, fmt.Errorf("create product: %w", err)
	}

	return product, nil
}

// GetProducts loads the given products keyed by id. Missing ids are absent
// from the result rather than an error.
func GetProducts(ctx context.Context, db *sql.DB, ids []string) (map[string]*models.Product, error) {
	query := `SELECT ` + productColumns + ` FROM products WHERE id = ANY($1)`

	rows, err := db.QueryContext(ctx, query, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("get products: %w", err)
	}
	defer rows.Close()

	products := make(map[string]*models.Product, len(ids))
	for rows.Next() {
		product := &models.Product{}
		if err := scanProduct(rows, product); err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		products[product.ID] = product
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return products, nil
}

// DecrementStock takes quantity units off a product in a single conditional
// UPDATE, so concurrent callers can never drive stock below zero.
func DecrementStock(ctx context.Context, tx *sql.Tx, productID string, quantity int) (*models.Product, error) {
	product := &models.Product{}

	query := `
		UPDATE products
		SET stock = stock - $1,
		    updated_at = NOW()
		WHERE id = $2
		  AND stock >= $1
		RETURNING ` + productColumns

	err := scanProduct(tx.QueryRowContext(ctx, query, quantity, productID), product)
	if err == nil {
		return product, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("decrement stock: %w", err)
	}

	var exists bool
	err = tx.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM products WHERE id = $1)",
		productID).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("check product exists: %w", err)
	}
	if !exists {
		return nil, database.ErrProductNotFound
	}

	return nil, database.ErrInsufficientStock
}
