package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// LogSink writes notifications to the log instead of delivering them.
type LogSink struct {
	log *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{log: logger}
}

func (s *LogSink) SendOrderConfirmation(_ context.Context, email string, order OrderSummary) error {
	s.log.Info("order_confirmation",
		zap.String("recipient", email),
		zap.String("order_id", order.OrderID),
		zap.String("total", order.Total.StringFixed(2)),
		zap.Int("lines", len(order.Items)),
	)
	return nil
}

func (s *LogSink) SendShippingNotification(_ context.Context, email string, update ShippingUpdate) error {
	s.log.Info("shipping_notification",
		zap.String("recipient", email),
		zap.String("order_id", update.OrderID),
		zap.String("status", update.Status),
	)
	return nil
}

// Command is the message a mail worker consumes from the notification topic.
type Command struct {
	Kind      string          `json:"kind"`
	Recipient string          `json:"recipient"`
	Subject   string          `json:"subject"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"createdAt"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes notification commands for an external mail worker.
// Messages are keyed by recipient so one customer's mail stays ordered.
type KafkaSink struct {
	writer messageWriter
	now    func() time.Time
}

func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}
}

func NewKafkaSink(writer *kafka.Writer) *KafkaSink {
	return &KafkaSink{writer: writer, now: time.Now}
}

func (s *KafkaSink) SendOrderConfirmation(ctx context.Context, email string, order OrderSummary) error {
	return s.publish(ctx, KindOrderConfirmation, email, fmt.Sprintf("Order Confirmation #%s", order.OrderID), order)
}

func (s *KafkaSink) SendShippingNotification(ctx context.Context, email string, update ShippingUpdate) error {
	return s.publish(ctx, KindShipping, email, fmt.Sprintf("Order #%s is %s", update.OrderID, update.Status), update)
}

func (s *KafkaSink) publish(ctx context.Context, kind, email, subject string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", kind, err)
	}

	now := s.now().UTC()
	value, err := json.Marshal(Command{
		Kind:      kind,
		Recipient: email,
		Subject:   subject,
		Payload:   body,
		CreatedAt: now,
	})
	if err != nil {
		return fmt.Errorf("marshal notification command: %w", err)
	}

	if err := s.writer.WriteMessages(ctx, kafka.Message{Key: []byte(email), Value: value, Time: now}); err != nil {
		return fmt.Errorf("publish %s: %w", kind, err)
	}
	return nil
}

func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
