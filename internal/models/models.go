package models

import (
	"time"

	"github.com/safar/storefront-orders/internal/money"
	"github.com/shopspring/decimal"
)

type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	IsAdmin   bool      `json:"is_admin"`
	CreatedAt time.Time `json:"created_at"`
}

type Product struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Price     decimal.Decimal `json:"price"`
	Stock     int             `json:"stock"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type Order struct {
	ID               string          `json:"id"`
	UserID           string          `json:"user_id"`
	Total            decimal.Decimal `json:"total"`
	Status           OrderStatus     `json:"status"`
	ShippingAddress  string          `json:"shipping_address"`
	PaymentProvider  string          `json:"payment_provider,omitempty"`
	PaymentOrderRef  *string         `json:"payment_order_ref,omitempty"`
	PaymentReference *string         `json:"payment_reference,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
	Items            []OrderItem     `json:"items,omitempty"`
}

type OrderItem struct {
	ID          int64           `json:"id"`
	OrderID     string          `json:"order_id"`
	ProductID   string          `json:"product_id"`
	ProductName string          `json:"product_name"`
	Quantity    int             `json:"quantity"`
	Price       decimal.Decimal `json:"price"`
}

// Subtotal is the line total at the snapshot price.
func (i OrderItem) Subtotal() decimal.Decimal {
	return money.LineTotal(i.Price, i.Quantity)
}

type OrderStats struct {
	TotalOrders  int64           `json:"total_orders"`
	TotalRevenue decimal.Decimal `json:"total_revenue"`
	RecentOrders []Order         `json:"recent_orders"`
}
