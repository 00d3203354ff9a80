// Package notify delivers customer notifications off the request path.
package notify

import (
	"context"

	"github.com/shopspring/decimal"
)

type LineSummary struct {
	ProductName string          `json:"productName"`
	Quantity    int             `json:"quantity"`
	Price       decimal.Decimal `json:"price"`
}

type OrderSummary struct {
	OrderID         string          `json:"orderId"`
	Total           decimal.Decimal `json:"total"`
	Status          string          `json:"status"`
	ShippingAddress string          `json:"shippingAddress"`
	Items           []LineSummary   `json:"items"`
}

type ShippingUpdate struct {
	OrderID string `json:"orderId"`
	Status  string `json:"status"`
}

// Sink performs the actual delivery. Implementations may block.
type Sink interface {
	SendOrderConfirmation(ctx context.Context, email string, order OrderSummary) error
	SendShippingNotification(ctx context.Context, email string, update ShippingUpdate) error
}

// Notifier accepts notifications without blocking the caller. Delivery
// failures are the notifier's to log; callers never see them.
type Notifier interface {
	OrderConfirmed(ctx context.Context, email string, order OrderSummary)
	ShippingUpdated(ctx context.Context, email string, update ShippingUpdate)
}
