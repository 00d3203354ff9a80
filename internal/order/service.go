// Package order assembles carts into priced orders and orchestrates payment
// verification, the stock-decrementing commit and customer notifications.
package order

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/safar/storefront-orders/internal/apperror"
	"github.com/safar/storefront-orders/internal/database"
	"github.com/safar/storefront-orders/internal/logging"
	"github.com/safar/storefront-orders/internal/metrics"
	"github.com/safar/storefront-orders/internal/models"
	"github.com/safar/storefront-orders/internal/money"
	"github.com/safar/storefront-orders/internal/notify"
	"github.com/safar/storefront-orders/internal/payment"
	"github.com/safar/storefront-orders/internal/store"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	ucPaymentIntent = "order.payment_intent"
	ucPlaceOrder    = "order.place"
	ucCreateOrder   = "order.create"
	ucUpdateStatus  = "order.update_status"
	ucGetOrder      = "order.get"
	ucListOrders    = "order.list"
	ucStats         = "order.stats"
	ucWebhook       = "payment.webhook"

	spanPrefix = "UC."

	recentOrdersLimit = 10
	defaultPageSize   = 20
	maxPageSize       = 100
)

type WebhookPolicy string

const (
	// PolicyLog records and logs verified events without touching orders.
	PolicyLog WebhookPolicy = "log"
	// PolicyUpdate also moves the matching pending order to paid.
	PolicyUpdate WebhookPolicy = "update"
)

// Repository is the order store as the service uses it.
type Repository interface {
	CreateOrder(ctx context.Context, req store.NewOrder) (*models.Order, error)
	GetOrder(ctx context.Context, id string) (*models.Order, error)
	GetOrderByPaymentReference(ctx context.Context, paymentRef string) (*models.Order, error)
	GetOrderByPaymentOrderRef(ctx context.Context, orderRef string) (*models.Order, error)
	ListUserOrders(ctx context.Context, userID, cursor string, limit int) (*store.CursorPage, error)
	ListOrders(ctx context.Context, status models.OrderStatus, limit int) ([]models.Order, error)
	UpdateOrderStatus(ctx context.Context, id string, status models.OrderStatus) (*models.Order, error)
	MarkOrderPaid(ctx context.Context, id, paymentRef string) (bool, error)
	OrderStats(ctx context.Context, recentLimit int) (*models.OrderStats, error)
	RecordWebhookEvent(ctx context.Context, provider, eventKey, eventType string) (bool, error)
	GetUser(ctx context.Context, id string) (*models.User, error)
}

type Dependencies struct {
	Catalog       Catalog
	Repo          Repository
	Gateway       payment.Gateway
	Verifiers     []payment.WebhookVerifier
	Notifier      notify.Notifier
	Logger        *zap.Logger
	Metrics       *metrics.Metrics
	Tracer        trace.Tracer
	WebhookPolicy WebhookPolicy
}

type Service struct {
	assembler *Assembler
	repo      Repository
	gateway   payment.Gateway
	verifiers map[string]payment.WebhookVerifier
	notifier  notify.Notifier
	log       *zap.Logger
	metrics   *metrics.Metrics
	tracer    trace.Tracer
	policy    WebhookPolicy
}

func NewService(deps Dependencies) *Service {
	s := &Service{
		assembler: NewAssembler(deps.Catalog),
		repo:      deps.Repo,
		gateway:   deps.Gateway,
		verifiers: make(map[string]payment.WebhookVerifier, len(deps.Verifiers)),
		notifier:  deps.Notifier,
		log:       deps.Logger,
		metrics:   deps.Metrics,
		tracer:    deps.Tracer,
		policy:    deps.WebhookPolicy,
	}
	for _, v := range deps.Verifiers {
		s.verifiers[v.Provider()] = v
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	s.log = s.log.With(zap.String("component", "order-service"))
	if s.metrics == nil {
		s.metrics = metrics.NewNop()
	}
	if s.tracer == nil {
		s.tracer = otel.Tracer("github.com/safar/storefront-orders/internal/order")
	}
	if s.policy == "" {
		s.policy = PolicyLog
	}
	return s
}

func (s *Service) logger(ctx context.Context) *zap.Logger {
	return logging.FromContextOr(ctx, s.log)
}

// observe opens a span for a use case. The returned func ends it and records
// outcome metrics and a completion log line.
func (s *Service) observe(ctx context.Context, useCase string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	attrs = append(attrs, attribute.String("use_case", useCase))
	ctx, span := s.tracer.Start(ctx, spanPrefix+useCase, trace.WithAttributes(attrs...))
	start := time.Now()

	return ctx, func(err error) {
		lat := time.Since(start)
		outcome := "success"
		if err != nil {
			outcome = apperror.KindOf(err).String()
			span.RecordError(err)
			span.SetStatus(codes.Error, outcome)
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()

		s.metrics.UsecaseRequests.WithLabelValues(useCase, outcome).Inc()
		s.metrics.UsecaseDuration.WithLabelValues(useCase).Observe(lat.Seconds())

		fields := []zap.Field{
			zap.String("use_case", useCase),
			zap.String("outcome", outcome),
			zap.Duration("latency", lat),
		}
		if sc := span.SpanContext(); sc.IsValid() {
			fields = append(fields, zap.String("trace_id", sc.TraceID().String()))
		}

		logger := s.logger(ctx)
		switch {
		case err == nil:
			logger.Debug("use_case_done", fields...)
		case apperror.KindOf(err) == apperror.KindInternal, apperror.KindOf(err) == apperror.KindConfiguration:
			logger.Error("use_case_done", append(fields, zap.Error(err))...)
		default:
			logger.Info("use_case_done", append(fields, zap.Error(err))...)
		}
	}
}

type PaymentIntent struct {
	Intent *payment.Intent
	Amount decimal.Decimal
}

// CreatePaymentIntent quotes the cart from the catalog and opens a provider
// intent for that amount. Client-supplied prices are never used.
func (s *Service) CreatePaymentIntent(ctx context.Context, cart []CartItem) (_ *PaymentIntent, err error) {
	ctx, done := s.observe(ctx, ucPaymentIntent, attribute.String("payment.provider", s.gateway.Name()))
	defer func() { done(err) }()

	quote, err := s.assembler.Quote(ctx, cart)
	if err != nil {
		return nil, err
	}

	intent, err := s.gateway.CreatePaymentIntent(ctx, quote.Total, s.gateway.Currency())
	s.countGateway(err)
	if err != nil {
		return nil, err
	}

	return &PaymentIntent{Intent: intent, Amount: quote.Total}, nil
}

func (s *Service) countGateway(err error) {
	outcome := "ok"
	if err != nil {
		outcome = apperror.KindOf(err).String()
	}
	s.metrics.GatewayRequests.WithLabelValues(s.gateway.Name(), outcome).Inc()
}

type PlaceOrderInput struct {
	UserID          string
	Email           string
	Items           []CartItem
	ShippingAddress string
	Proof           payment.Proof
}

// PlaceOrder is checkout: the payment proof is verified first and nothing is
// read or written when it fails. A verified order is committed as paid and a
// confirmation is queued without waiting for delivery.
func (s *Service) PlaceOrder(ctx context.Context, in PlaceOrderInput) (_ *models.Order, err error) {
	ctx, done := s.observe(ctx, ucPlaceOrder,
		attribute.String("order.user_id", in.UserID),
		attribute.String("payment.provider", s.gateway.Name()),
	)
	defer func() { done(err) }()

	verification, err := s.gateway.VerifyPaymentAuthenticity(ctx, in.Proof)
	s.countGateway(err)
	if err != nil {
		return nil, err
	}
	if !verification.Valid {
		return nil, apperror.InvalidPayment("Invalid payment signature")
	}

	assembly, err := s.assembler.Assemble(ctx, in.Items, in.ShippingAddress)
	if err != nil {
		return nil, err
	}

	if verification.AmountMinor > 0 {
		expected, err := money.ToMinorUnits(assembly.Total, s.gateway.MinorUnitFactor())
		if err != nil || expected != verification.AmountMinor {
			return nil, apperror.InvalidPayment("Payment amount does not match order total")
		}
	}

	paymentRef := verification.PaymentReference
	var orderRef *string
	if verification.OrderReference != "" {
		orderRef = &verification.OrderReference
	}

	order, err := s.commit(ctx, commitRequest{
		userID:          in.UserID,
		assembly:        assembly,
		shippingAddress: in.ShippingAddress,
		provider:        s.gateway.Name(),
		paymentOrderRef: orderRef,
		paymentRef:      &paymentRef,
	})
	if err != nil {
		return nil, err
	}

	s.confirm(ctx, in.Email, order)
	return order, nil
}

type CreateOrderInput struct {
	UserID           string
	Items            []CartItem
	ShippingAddress  string
	PaymentProvider  string
	PaymentOrderRef  *string
	PaymentReference *string
}

// CreateOrder assembles and commits without payment verification. Orders
// without a payment reference start pending and are settled by a webhook or
// an admin.
func (s *Service) CreateOrder(ctx context.Context, in CreateOrderInput) (_ *models.Order, err error) {
	ctx, done := s.observe(ctx, ucCreateOrder, attribute.String("order.user_id", in.UserID))
	defer func() { done(err) }()

	assembly, err := s.assembler.Assemble(ctx, in.Items, in.ShippingAddress)
	if err != nil {
		return nil, err
	}

	return s.commit(ctx, commitRequest{
		userID:          in.UserID,
		assembly:        assembly,
		shippingAddress: in.ShippingAddress,
		provider:        in.PaymentProvider,
		paymentOrderRef: in.PaymentOrderRef,
		paymentRef:      in.PaymentReference,
	})
}

type commitRequest struct {
	userID          string
	assembly        *Assembly
	shippingAddress string
	provider        string
	paymentOrderRef *string
	paymentRef      *string
}

func (s *Service) commit(ctx context.Context, req commitRequest) (*models.Order, error) {
	if req.userID == "" {
		return nil, apperror.Unauthorized("Unauthorized")
	}
	if req.paymentRef != nil && *req.paymentRef == "" {
		req.paymentRef = nil
	}

	order, err := s.repo.CreateOrder(ctx, store.NewOrder{
		ID:               uuid.NewString(),
		UserID:           req.userID,
		Items:            req.assembly.Items,
		Total:            req.assembly.Total,
		Status:           models.InitialStatus(req.paymentRef),
		ShippingAddress:  req.shippingAddress,
		PaymentProvider:  req.provider,
		PaymentOrderRef:  req.paymentOrderRef,
		PaymentReference: req.paymentRef,
	})
	if err != nil {
		var stockErr *store.InsufficientStockError
		switch {
		case errors.As(err, &stockErr):
			s.metrics.StockRejections.Inc()
			return nil, apperror.InsufficientStock(stockErr.ProductName)
		case errors.Is(err, database.ErrProductNotFound):
			return nil, apperror.NotFound("Product not found")
		case errors.Is(err, database.ErrDuplicatePayment):
			return nil, apperror.Conflict("Payment has already been used for another order")
		default:
			return nil, apperror.Internal(err)
		}
	}

	s.logger(ctx).Info("order_created",
		zap.String("order_id", order.ID),
		zap.String("user_id", order.UserID),
		zap.String("status", string(order.Status)),
		zap.String("total", order.Total.StringFixed(2)),
		zap.Int("lines", len(order.Items)),
	)
	return order, nil
}

func (s *Service) confirm(ctx context.Context, email string, order *models.Order) {
	if s.notifier == nil {
		return
	}
	if email == "" {
		email = s.ownerEmail(ctx, order.UserID)
		if email == "" {
			return
		}
	}

	summary := notify.OrderSummary{
		OrderID:         order.ID,
		Total:           order.Total,
		Status:          string(order.Status),
		ShippingAddress: order.ShippingAddress,
		Items:           make([]notify.LineSummary, 0, len(order.Items)),
	}
	for _, item := range order.Items {
		summary.Items = append(summary.Items, notify.LineSummary{
			ProductName: item.ProductName,
			Quantity:    item.Quantity,
			Price:       item.Price,
		})
	}
	s.notifier.OrderConfirmed(context.WithoutCancel(ctx), email, summary)
}

func (s *Service) ownerEmail(ctx context.Context, userID string) string {
	user, err := s.repo.GetUser(ctx, userID)
	if err != nil {
		s.logger(ctx).Warn("notification_recipient_lookup_failed", zap.String("user_id", userID), zap.Error(err))
		return ""
	}
	return user.Email
}

// UpdateOrderStatus sets an order's status. Moving into processing, shipped
// or delivered queues a shipping notification for the owner.
func (s *Service) UpdateOrderStatus(ctx context.Context, orderID string, status models.OrderStatus) (_ *models.Order, err error) {
	ctx, done := s.observe(ctx, ucUpdateStatus,
		attribute.String("order.id", orderID),
		attribute.String("order.status", string(status)),
	)
	defer func() { done(err) }()

	if !models.IsValidStatus(status) {
		return nil, apperror.Validation("Invalid order status")
	}
	if _, err := uuid.Parse(orderID); err != nil {
		return nil, apperror.NotFound("Order not found")
	}

	current, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, s.orderLookupError(err)
	}
	if !models.CanTransition(current.Status, status) {
		return nil, apperror.Validation("Invalid status transition")
	}

	updated, err := s.repo.UpdateOrderStatus(ctx, orderID, status)
	if err != nil {
		return nil, s.orderLookupError(err)
	}

	if current.Status != status && status.NotifiesShipping() && s.notifier != nil {
		if email := s.ownerEmail(ctx, updated.UserID); email != "" {
			s.notifier.ShippingUpdated(context.WithoutCancel(ctx), email, notify.ShippingUpdate{
				OrderID: updated.ID,
				Status:  string(updated.Status),
			})
		}
	}

	return updated, nil
}

func (s *Service) orderLookupError(err error) error {
	if errors.Is(err, database.ErrOrderNotFound) {
		return apperror.NotFound("Order not found")
	}
	return apperror.Internal(err)
}

// GetOrderByID returns an order. When requestingUserID is set, orders owned
// by someone else are reported as not found so their existence is not
// revealed.
func (s *Service) GetOrderByID(ctx context.Context, orderID string, requestingUserID *string) (_ *models.Order, err error) {
	ctx, done := s.observe(ctx, ucGetOrder, attribute.String("order.id", orderID))
	defer func() { done(err) }()

	if _, err := uuid.Parse(orderID); err != nil {
		return nil, apperror.NotFound("Order not found")
	}

	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, s.orderLookupError(err)
	}
	if requestingUserID != nil && order.UserID != *requestingUserID {
		return nil, apperror.NotFound("Order not found")
	}
	return order, nil
}

type ListOrdersInput struct {
	UserID  string
	IsAdmin bool
	Status  models.OrderStatus
	Cursor  string
	Limit   int
}

type OrderList struct {
	Orders     []models.Order `json:"orders"`
	NextCursor string         `json:"nextCursor,omitempty"`
	HasMore    bool           `json:"hasMore"`
}

// ListOrders returns the caller's own orders newest first, paged by cursor.
// Admins see every order, optionally filtered by status.
func (s *Service) ListOrders(ctx context.Context, in ListOrdersInput) (_ *OrderList, err error) {
	ctx, done := s.observe(ctx, ucListOrders, attribute.Bool("admin", in.IsAdmin))
	defer func() { done(err) }()

	limit := in.Limit
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	if in.IsAdmin {
		if in.Status != "" && !models.IsValidStatus(in.Status) {
			return nil, apperror.Validation("Invalid order status")
		}
		orders, err := s.repo.ListOrders(ctx, in.Status, limit)
		if err != nil {
			return nil, apperror.Internal(err)
		}
		return &OrderList{Orders: nonNil(orders)}, nil
	}

	if in.UserID == "" {
		return nil, apperror.Unauthorized("Unauthorized")
	}
	if in.Cursor != "" {
		cursor, err := store.DecodeCursor(in.Cursor)
		if err != nil {
			return nil, apperror.Validation("Invalid cursor")
		}
		if _, err := uuid.Parse(cursor.ID); err != nil {
			return nil, apperror.Validation("Invalid cursor")
		}
	}

	page, err := s.repo.ListUserOrders(ctx, in.UserID, in.Cursor, limit)
	if err != nil {
		return nil, apperror.Internal(err)
	}
	return &OrderList{Orders: nonNil(page.Items), NextCursor: page.NextCursor, HasMore: page.HasMore}, nil
}

func nonNil(orders []models.Order) []models.Order {
	if orders == nil {
		return []models.Order{}
	}
	return orders
}

func (s *Service) Stats(ctx context.Context) (_ *models.OrderStats, err error) {
	ctx, done := s.observe(ctx, ucStats)
	defer func() { done(err) }()

	stats, err := s.repo.OrderStats(ctx, recentOrdersLimit)
	if err != nil {
		return nil, apperror.Internal(err)
	}
	stats.RecentOrders = nonNil(stats.RecentOrders)
	return stats, nil
}
