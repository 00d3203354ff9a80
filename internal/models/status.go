package models

type OrderStatus string

const (
	OrderStatusPending           OrderStatus = "pending"
	OrderStatusPaid              OrderStatus = "paid"
	OrderStatusProcessing        OrderStatus = "processing"
	OrderStatusShipped           OrderStatus = "shipped"
	OrderStatusDelivered         OrderStatus = "delivered"
	OrderStatusCancelled         OrderStatus = "cancelled"
	OrderStatusCancelledRefunded OrderStatus = "cancelled+refunded"
)

var validStatuses = map[OrderStatus]struct{}{
	OrderStatusPending:           {},
	OrderStatusPaid:              {},
	OrderStatusProcessing:        {},
	OrderStatusShipped:           {},
	OrderStatusDelivered:         {},
	OrderStatusCancelled:         {},
	OrderStatusCancelledRefunded: {},
}

func IsValidStatus(s OrderStatus) bool {
	_, ok := validStatuses[s]
	return ok
}

// CanTransition decides whether an actor may move an order from one status to
// another. Any valid status may be set from any other; tighten here only.
func CanTransition(from, to OrderStatus) bool {
	return IsValidStatus(from) && IsValidStatus(to)
}

// NotifiesShipping reports whether moving into s sends a shipping update.
func (s OrderStatus) NotifiesShipping() bool {
	switch s {
	case OrderStatusProcessing, OrderStatusShipped, OrderStatusDelivered:
		return true
	}
	return false
}

// RevenueStatuses are the statuses counted as realised revenue.
func RevenueStatuses() []OrderStatus {
	return []OrderStatus{
		OrderStatusPaid,
		OrderStatusProcessing,
		OrderStatusShipped,
		OrderStatusDelivered,
	}
}

// InitialStatus is paid when payment was confirmed before the order was
// created, pending otherwise.
func InitialStatus(paymentReference *string) OrderStatus {
	if paymentReference != nil && *paymentReference != "" {
		return OrderStatusPaid
	}
	return OrderStatusPending
}
