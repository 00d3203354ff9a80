package order

import (
	"context"
	"errors"

	"github.com/safar/storefront-orders/internal/apperror"
	"github.com/safar/storefront-orders/internal/database"
	"github.com/safar/storefront-orders/internal/models"
	"github.com/safar/storefront-orders/internal/payment"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

type WebhookResult struct {
	Event      *payment.ClassifiedEvent `json:"event"`
	Duplicate  bool                     `json:"duplicate"`
	Reconciled bool                     `json:"reconciled"`
}

// SignatureHeader names the header carrying the provider's webhook
// signature, or "" when the provider is not configured.
func (s *Service) SignatureHeader(provider string) string {
	if v, ok := s.verifiers[provider]; ok {
		return v.SignatureHeader()
	}
	return ""
}

// DefaultProvider is the provider of the active payment gateway.
func (s *Service) DefaultProvider() string {
	return s.gateway.Name()
}

// HandleWebhook verifies and classifies a provider notification, then applies
// the configured reconciliation policy. Every event type is accepted once its
// signature checks out. Redeliveries are detected through the webhook inbox
// and reconciliation is idempotent, so applying an event twice changes
// nothing.
func (s *Service) HandleWebhook(ctx context.Context, provider string, raw []byte, signature string) (_ *WebhookResult, err error) {
	ctx, done := s.observe(ctx, ucWebhook, attribute.String("payment.provider", provider))
	defer func() { done(err) }()

	verifier, ok := s.verifiers[provider]
	if !ok {
		return nil, apperror.NotFound("Unknown payment provider")
	}

	event, err := verifier.HandleWebhook(raw, signature)
	if err != nil {
		return nil, err
	}
	s.metrics.WebhookEvents.WithLabelValues(provider, string(event.Type)).Inc()

	logger := s.logger(ctx).With(
		zap.String("provider", provider),
		zap.String("event_type", string(event.Type)),
		zap.String("provider_event_type", event.ProviderEventType),
		zap.String("payment_id", event.PaymentID),
		zap.String("order_ref", event.OrderID),
	)

	result := &WebhookResult{Event: event}

	switch event.Type {
	case payment.EventPaymentSuccess, payment.EventOrderPaid:
		logger.Info("webhook_payment_success", zap.String("amount", event.Amount.String()))
		if s.policy == PolicyUpdate {
			reconciled, err := s.reconcilePaid(ctx, logger, event)
			if err != nil {
				return nil, err
			}
			result.Reconciled = reconciled
		}
	case payment.EventPaymentFailed:
		logger.Warn("webhook_payment_failed",
			zap.String("error_code", event.ErrorCode),
			zap.String("error_description", event.ErrorDescription),
		)
	default:
		logger.Info("webhook_unhandled_event")
	}

	fresh, err := s.repo.RecordWebhookEvent(ctx, provider, event.Key, string(event.Type))
	if err != nil {
		return nil, apperror.Internal(err)
	}
	if !fresh {
		result.Duplicate = true
		logger.Info("webhook_duplicate", zap.String("event_key", event.Key))
	}

	return result, nil
}

// reconcilePaid moves the order matching event to paid when it is still
// pending. It reports whether a row changed.
func (s *Service) reconcilePaid(ctx context.Context, logger *zap.Logger, event *payment.ClassifiedEvent) (bool, error) {
	order, err := s.findWebhookOrder(ctx, event)
	if err != nil {
		if errors.Is(err, database.ErrOrderNotFound) {
			logger.Info("webhook_order_unmatched")
			return false, nil
		}
		return false, apperror.Internal(err)
	}

	if order.Status != models.OrderStatusPending {
		logger.Debug("webhook_order_already_settled",
			zap.String("order_id", order.ID),
			zap.String("status", string(order.Status)),
		)
		return false, nil
	}

	if !event.Amount.Equal(order.Total) {
		logger.Warn("webhook_amount_mismatch",
			zap.String("order_id", order.ID),
			zap.String("order_total", order.Total.StringFixed(2)),
			zap.String("event_amount", event.Amount.String()),
		)
		return false, nil
	}

	paymentRef := event.PaymentID
	if paymentRef == "" {
		paymentRef = event.OrderID
	}
	changed, err := s.repo.MarkOrderPaid(ctx, order.ID, paymentRef)
	if err != nil {
		if errors.Is(err, database.ErrDuplicatePayment) {
			logger.Warn("webhook_payment_reference_in_use", zap.String("order_id", order.ID))
			return false, nil
		}
		return false, apperror.Internal(err)
	}
	if changed {
		logger.Info("order_marked_paid", zap.String("order_id", order.ID))
	}
	return changed, nil
}

func (s *Service) findWebhookOrder(ctx context.Context, event *payment.ClassifiedEvent) (*models.Order, error) {
	if event.PaymentID != "" {
		order, err := s.repo.GetOrderByPaymentReference(ctx, event.PaymentID)
		if err == nil || !errors.Is(err, database.ErrOrderNotFound) {
			return order, err
		}
	}
	if event.OrderID != "" {
		return s.repo.GetOrderByPaymentOrderRef(ctx, event.OrderID)
	}
	return nil, database.ErrOrderNotFound
}
