package store

import (
	"context"
	"database/sql"

	"github.com/safar/storefront-orders/internal/models"
)

// Store binds the package functions to a connection pool so the order
// service can depend on interfaces.
type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) GetProducts(ctx context.Context, ids []string) (map[string]*models.Product, error) {
	return GetProducts(ctx, s.db, ids)
}

func (s *Store) CreateOrder(ctx context.Context, req NewOrder) (*models.Order, error) {
	return CreateOrder(ctx, s.db, req)
}

func (s *Store) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	return GetOrder(ctx, s.db, id)
}

func (s *Store) GetOrderByPaymentReference(ctx context.Context, paymentRef string) (*models.Order, error) {
	return GetOrderByPaymentReference(ctx, s.db, paymentRef)
}

func (s *Store) GetOrderByPaymentOrderRef(ctx context.Context, orderRef string) (*models.Order, error) {
	return GetOrderByPaymentOrderRef(ctx, s.db, orderRef)
}

func (s *Store) ListUserOrders(ctx context.Context, userID, cursor string, limit int) (*CursorPage, error) {
	return ListOrdersCursor(ctx, s.db, userID, cursor, limit)
}

func (s *Store) ListOrders(ctx context.Context, status models.OrderStatus, limit int) ([]models.Order, error) {
	return ListOrders(ctx, s.db, status, limit)
}

func (s *Store) UpdateOrderStatus(ctx context.Context, id string, status models.OrderStatus) (*models.Order, error) {
	return UpdateOrderStatus(ctx, s.db, id, status)
}

func (s *Store) MarkOrderPaid(ctx context.Context, id, paymentRef string) (bool, error) {
	return MarkOrderPaid(ctx, s.db, id, paymentRef)
}

func (s *Store) OrderStats(ctx context.Context, recentLimit int) (*models.OrderStats, error) {
	return OrderStats(ctx, s.db, recentLimit)
}

func (s *Store) RecordWebhookEvent(ctx context.Context, provider, eventKey, eventType string) (bool, error) {
	return RecordWebhookEvent(ctx, s.db, provider, eventKey, eventType)
}

func (s *Store) GetUser(ctx context.Context, id string) (*models.User, error) {
	return GetUser(ctx, s.db, id)
}
