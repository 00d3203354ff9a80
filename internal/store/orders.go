package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"github.com/lib/pq"
	"github.com/safar/storefront-orders/internal/database"
	"github.com/safar/storefront-orders/internal/models"
	"github.com/shopspring/decimal"
)

const paymentReferenceConstraint = "orders_payment_reference_key"

const orderColumns = `id, user_id, total, status, shipping_address, payment_provider,
	payment_order_ref, payment_reference, created_at, updated_at`

// NewOrder is a fully priced order ready to be committed.
type NewOrder struct {
	ID               string
	UserID           string
	Items            []models.OrderItem
	Total            decimal.Decimal
	Status           models.OrderStatus
	ShippingAddress  string
	PaymentProvider  string
	PaymentOrderRef  *string
	PaymentReference *string
}

// InsufficientStockError names the product whose decrement failed.
// It matches database.ErrInsufficientStock under errors.Is.
type InsufficientStockError struct {
	ProductID   string
	ProductName string
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %s (%s)", e.ProductName, e.ProductID)
}

func (e *InsufficientStockError) Is(target error) bool {
	return target == database.ErrInsufficientStock
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func scanOrder(row interface{ Scan(...any) error }, order *models.Order) error {
	var orderRef, paymentRef sql.NullString

	err := row.Scan(
		&order.ID,
		&order.UserID,
		&order.Total,
		&order.Status,
		&order.ShippingAddress,
		&order.PaymentProvider,
		&orderRef,
		&paymentRef,
		&order.CreatedAt,
		&order.UpdatedAt,
	)
	if err != nil {
		return err
	}

	order.PaymentOrderRef = nullableString(orderRef)
	order.PaymentReference = nullableString(paymentRef)
	return nil
}

func nullableString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

// CreateOrder commits an order in one transaction: every line's stock is
// decremented, then the header and line items are inserted. Any failure rolls
// the whole unit back.
func CreateOrder(ctx context.Context, db *sql.DB, req NewOrder) (*models.Order, error) {
	var order *models.Order

	lines := make([]models.OrderItem, len(req.Items))
	copy(lines, req.Items)
	// Fixed lock order keeps concurrent multi-line orders from deadlocking.
	sort.Slice(lines, func(i, j int) bool { return lines[i].ProductID < lines[j].ProductID })

	err := database.WithRetry(ctx, db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		if req.PaymentReference != nil {
			var used bool
			err := tx.QueryRowContext(ctx,
				"SELECT EXISTS(SELECT 1 FROM orders WHERE payment_reference = $1)",
				*req.PaymentReference).Scan(&used)
			if err != nil {
				return fmt.Errorf("check payment reference: %w", err)
			}
			if used {
				return database.ErrDuplicatePayment
			}
		}

		for _, item := range lines {
			if _, err := DecrementStock(ctx, tx, item.ProductID, item.Quantity); err != nil {
				if errors.Is(err, database.ErrInsufficientStock) {
					return &InsufficientStockError{ProductID: item.ProductID, ProductName: item.ProductName}
				}
				return err
			}
		}

		order = &models.Order{}
		err := scanOrder(tx.QueryRowContext(ctx,
			`INSERT INTO orders (id, user_id, total, status, shipping_address, payment_provider,
			                     payment_order_ref, payment_reference, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
			 RETURNING `+orderColumns,
			req.ID, req.UserID, req.Total, req.Status, req.ShippingAddress, req.PaymentProvider,
			req.PaymentOrderRef, req.PaymentReference), order)
		if err != nil {
			return fmt.Errorf("create order: %w", err)
		}

		order.Items = make([]models.OrderItem, 0, len(req.Items))
		for _, item := range req.Items {
			item.OrderID = order.ID
			err := tx.QueryRowContext(ctx,
				`INSERT INTO order_items (order_id, product_id, quantity, price)
				 VALUES ($1, $2, $3, $4)
				 RETURNING id`,
				order.ID, item.ProductID, item.Quantity, item.Price).Scan(&item.ID)
			if err != nil {
				return fmt.Errorf("create order item: %w", err)
			}
			order.Items = append(order.Items, item)
		}

		return nil
	})

	if err != nil {
		if database.IsUniqueViolation(err, paymentReferenceConstraint) {
			return nil, database.ErrDuplicatePayment
		}
		return nil, err
	}

	return order, nil
}

func GetOrder(ctx context.Context, db *sql.DB, id string) (*models.Order, error) {
	return getOrderWhere(ctx, db, "id = $1", id)
}

func GetOrderByPaymentReference(ctx context.Context, db *sql.DB, paymentRef string) (*models.Order, error) {
	return getOrderWhere(ctx, db, "payment_reference = $1", paymentRef)
}

// GetOrderByPaymentOrderRef finds the most recent order tied to a provider
// order or intent id.
func GetOrderByPaymentOrderRef(ctx context.Context, db *sql.DB, orderRef string) (*models.Order, error) {
	return getOrderWhere(ctx, db, "payment_order_ref = $1", orderRef)
}

func getOrderWhere(ctx context.Context, db *sql.DB, where string, arg any) (*models.Order, error) {
	order := &models.Order{}

	query := `SELECT ` + orderColumns + ` FROM orders WHERE ` + where + ` ORDER BY created_at DESC LIMIT 1`

	err := scanOrder(db.QueryRowContext(ctx, query, arg), order)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, database.ErrOrderNotFound
		}
		return nil, fmt.Errorf("get order: %w", err)
	}

	items, err := loadItems(ctx, db, []string{order.ID})
	if err != nil {
		return nil, err
	}
	order.Items = items[order.ID]

	return order, nil
}

func loadItems(ctx context.Context, q queryer, orderIDs []string) (map[string][]models.OrderItem, error) {
	out := make(map[string][]models.OrderItem, len(orderIDs))
	if len(orderIDs) == 0 {
		return out, nil
	}

	itemsQuery := `
		SELECT oi.id, oi.order_id, oi.product_id, p.name, oi.quantity, oi.price
		FROM order_items oi
		JOIN products p ON p.id = oi.product_id
		WHERE oi.order_id = ANY($1::uuid[])
		ORDER BY oi.id`

	rows, err := q.QueryContext(ctx, itemsQuery, pq.Array(orderIDs))
	if err != nil {
		return nil, fmt.Errorf("get order items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var item models.OrderItem
		err := rows.Scan(
			&item.ID,
			&item.OrderID,
			&item.ProductID,
			&item.ProductName,
			&item.Quantity,
			&item.Price,
		)
		if err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		out[item.OrderID] = append(out[item.OrderID], item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return out, nil
}

func scanOrders(ctx context.Context, q queryer, rows *sql.Rows) ([]models.Order, error) {
	defer rows.Close()

	var orders []models.Order
	var ids []string
	for rows.Next() {
		var order models.Order
		if err := scanOrder(rows, &order); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, order)
		ids = append(ids, order.ID)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	rows.Close()

	items, err := loadItems(ctx, q, ids)
	if err != nil {
		return nil, err
	}
	for i := range orders {
		orders[i].Items = items[orders[i].ID]
	}

	return orders, nil
}

func ListOrdersCursor(ctx context.Context, db *sql.DB, userID string, cursor string, limit int) (*CursorPage, error) {
	cursorData, err := DecodeCursor(cursor)
	if err != nil {
		return nil, fmt.Errorf("decode cursor: %w", err)
	}

	query := `
		SELECT ` + orderColumns + `
		FROM orders
		WHERE user_id = $1
		  AND (created_at, id) < ($2, $3::uuid)
		ORDER BY created_at DESC, id DESC
		LIMIT $4`

	rows, err := db.QueryContext(ctx, query, userID, cursorData.CreatedAt, cursorData.ID, limit+1)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}

	orders, err := scanOrders(ctx, db, rows)
	if err != nil {
		return nil, err
	}

	hasMore := len(orders) > limit
	if hasMore {
		orders = orders[:limit]
	}

	var nextCursor string
	if hasMore && len(orders) > 0 {
		lastOrder := orders[len(orders)-1]
		nextCursor = EncodeCursor(OrderCursor{
			CreatedAt: lastOrder.CreatedAt,
			ID:        lastOrder.ID,
		})
	}

	return &CursorPage{
		Items:      orders,
		NextCursor: nextCursor,
		HasMore:    hasMore,
	}, nil
}

// ListOrders returns the newest orders across all users, optionally filtered
// by status.
func ListOrders(ctx context.Context, db *sql.DB, status models.OrderStatus, limit int) ([]models.Order, error) {
	query := `
		SELECT ` + orderColumns + `
		FROM orders
		WHERE ($1::text = '' OR status = $1::text)
		ORDER BY created_at DESC, id DESC
		LIMIT $2`

	rows, err := db.QueryContext(ctx, query, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}

	return scanOrders(ctx, db, rows)
}

// UpdateOrderStatus sets the status. Setting the current status again leaves
// updated_at untouched.
func UpdateOrderStatus(ctx context.Context, db *sql.DB, id string, status models.OrderStatus) (*models.Order, error) {
	order := &models.Order{}

	query := `
		UPDATE orders
		SET status = $1,
		    updated_at = CASE WHEN status = $1 THEN updated_at ELSE NOW() END
		WHERE id = $2
		RETURNING ` + orderColumns

	err := scanOrder(db.QueryRowContext(ctx, query, status, id), order)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, database.ErrOrderNotFound
		}
		return nil, fmt.Errorf("update order status: %w", err)
	}

	items, err := loadItems(ctx, db, []string{order.ID})
	if err != nil {
		return nil, err
	}
	order.Items = items[order.ID]

	return order, nil
}

// MarkOrderPaid moves a pending order to paid and records the payment
// reference. It reports false when the order was no longer pending.
func MarkOrderPaid(ctx context.Context, db *sql.DB, id string, paymentRef string) (bool, error) {
	result, err := db.ExecContext(ctx,
		`UPDATE orders
		 SET status = $1,
		     payment_reference = COALESCE(payment_reference, $2),
		     updated_at = NOW()
		 WHERE id = $3
		   AND status = $4`,
		models.OrderStatusPaid, paymentRef, id, models.OrderStatusPending)
	if err != nil {
		if database.IsUniqueViolation(err, paymentReferenceConstraint) {
			return false, database.ErrDuplicatePayment
		}
		return false, fmt.Errorf("mark order paid: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("get rows affected: %w", err)
	}

	return rowsAffected == 1, nil
}
