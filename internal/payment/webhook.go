package payment

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/safar/storefront-orders/internal/apperror"
	"github.com/safar/storefront-orders/internal/money"
	"github.com/shopspring/decimal"
)

type EventType string

const (
	EventPaymentSuccess EventType = "payment_success"
	EventPaymentFailed  EventType = "payment_failed"
	EventOrderPaid      EventType = "order_paid"
	EventUnknown        EventType = "unknown"
)

const (
	RazorpaySignatureHeader = "X-Razorpay-Signature"
	StripeSignatureHeader   = "Stripe-Signature"

	DefaultStripeTolerance = 5 * time.Minute
)

// ClassifiedEvent is a verified provider notification reduced to the fields
// reconciliation needs. Amount is in major units.
type ClassifiedEvent struct {
	Provider          string          `json:"provider"`
	Type              EventType       `json:"type"`
	ProviderEventType string          `json:"providerEventType"`
	EventID           string          `json:"eventId,omitempty"`
	PaymentID         string          `json:"paymentId,omitempty"`
	OrderID           string          `json:"orderId,omitempty"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency,omitempty"`
	Status            string          `json:"status,omitempty"`
	ErrorCode         string          `json:"errorCode,omitempty"`
	ErrorDescription  string          `json:"errorDescription,omitempty"`

	// Key identifies the delivery for deduplication: the provider's event id
	// when it sends one, else a digest of the raw body.
	Key string `json:"-"`
}

// WebhookVerifier authenticates a raw notification body against its
// signature header and classifies it. The signature is always checked before
// the body is parsed.
type WebhookVerifier interface {
	Provider() string
	SignatureHeader() string
	HandleWebhook(raw []byte, signatureHeader string) (*ClassifiedEvent, error)
}

func bodyDigest(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

type RazorpayWebhookVerifier struct {
	secret string
	factor int64
}

func NewRazorpayWebhookVerifier(secret string, minorUnitFactor int64) *RazorpayWebhookVerifier {
	if minorUnitFactor <= 0 {
		minorUnitFactor = money.DefaultMinorUnitFactor
	}
	return &RazorpayWebhookVerifier{secret: secret, factor: minorUnitFactor}
}

func (v *RazorpayWebhookVerifier) Provider() string { return ProviderRazorpay }

func (v *RazorpayWebhookVerifier) SignatureHeader() string { return RazorpaySignatureHeader }

type razorpayWebhook struct {
	Event   string `json:"event"`
	Payload struct {
		Payment struct {
			Entity struct {
				ID               string `json:"id"`
				OrderID          string `json:"order_id"`
				Amount           int64  `json:"amount"`
				Currency         string `json:"currency"`
				Status           string `json:"status"`
				ErrorCode        string `json:"error_code"`
				ErrorDescription string `json:"error_description"`
			} `json:"entity"`
		} `json:"payment"`
		Order struct {
			Entity struct {
				ID         string `json:"id"`
				AmountPaid int64  `json:"amount_paid"`
				Currency   string `json:"currency"`
				Status     string `json:"status"`
			} `json:"entity"`
		} `json:"order"`
	} `json:"payload"`
}

func (v *RazorpayWebhookVerifier) HandleWebhook(raw []byte, signature string) (*ClassifiedEvent, error) {
	if v.secret == "" {
		return nil, apperror.Configuration("razorpay webhook secret is not configured")
	}
	if signature == "" || !VerifyHex(v.secret, raw, signature) {
		return nil, apperror.InvalidSignature("Invalid webhook signature")
	}

	var body razorpayWebhook
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, apperror.Wrap(apperror.KindValidation, "Malformed webhook payload", err)
	}

	payment := body.Payload.Payment.Entity
	event := &ClassifiedEvent{
		Provider:          ProviderRazorpay,
		ProviderEventType: body.Event,
		Key:               bodyDigest(raw),
	}

	switch body.Event {
	case "payment.captured":
		event.Type = EventPaymentSuccess
	case "payment.failed":
		event.Type = EventPaymentFailed
		event.ErrorCode = payment.ErrorCode
		event.ErrorDescription = payment.ErrorDescription
	case "order.paid":
		event.Type = EventOrderPaid
	default:
		event.Type = EventUnknown
		return event, nil
	}

	event.PaymentID = payment.ID
	event.OrderID = payment.OrderID
	event.Amount = money.FromMinorUnits(payment.Amount, v.factor)
	event.Currency = payment.Currency
	event.Status = payment.Status

	if order := body.Payload.Order.Entity; order.ID != "" {
		event.OrderID = order.ID
		if payment.Amount == 0 {
			event.Amount = money.FromMinorUnits(order.AmountPaid, v.factor)
			event.Currency = order.Currency
		}
		if event.Status == "" {
			event.Status = order.Status
		}
	}

	return event, nil
}

type StripeWebhookVerifier struct {
	secret    string
	factor    int64
	tolerance time.Duration
	now       func() time.Time
}

func NewStripeWebhookVerifier(secret string, minorUnitFactor int64) *StripeWebhookVerifier {
	if minorUnitFactor <= 0 {
		minorUnitFactor = money.DefaultMinorUnitFactor
	}
	return &StripeWebhookVerifier{
		secret:    secret,
		factor:    minorUnitFactor,
		tolerance: DefaultStripeTolerance,
		now:       time.Now,
	}
}

func (v *StripeWebhookVerifier) Provider() string { return ProviderStripe }

func (v *StripeWebhookVerifier) SignatureHeader() string { return StripeSignatureHeader }

type stripeWebhook struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object struct {
			ID               string `json:"id"`
			Amount           int64  `json:"amount"`
			AmountReceived   int64  `json:"amount_received"`
			Currency         string `json:"currency"`
			Status           string `json:"status"`
			LastPaymentError *struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"last_payment_error"`
		} `json:"object"`
	} `json:"data"`
}

// verify checks a "t=<unix>,v1=<hex>" header. Any v1 entry may match; the
// timestamp must be within tolerance of now.
func (v *StripeWebhookVerifier) verify(raw []byte, header string) bool {
	var timestamp string
	var signatures []string
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch key {
		case "t":
			timestamp = value
		case "v1":
			signatures = append(signatures, value)
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return false
	}

	unix, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return false
	}
	age := v.now().Sub(time.Unix(unix, 0))
	if age < 0 {
		age = -age
	}
	if v.tolerance > 0 && age > v.tolerance {
		return false
	}

	message := make([]byte, 0, len(timestamp)+1+len(raw))
	message = append(message, timestamp...)
	message = append(message, '.')
	message = append(message, raw...)

	for _, sig := range signatures {
		if VerifyHex(v.secret, message, sig) {
			return true
		}
	}
	return false
}

func (v *StripeWebhookVerifier) HandleWebhook(raw []byte, signature string) (*ClassifiedEvent, error) {
	if v.secret == "" {
		return nil, apperror.Configuration("stripe webhook secret is not configured")
	}
	if signature == "" || !v.verify(raw, signature) {
		return nil, apperror.InvalidSignature("Invalid webhook signature")
	}

	var body stripeWebhook
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, apperror.Wrap(apperror.KindValidation, "Malformed webhook payload", err)
	}

	event := &ClassifiedEvent{
		Provider:          ProviderStripe,
		ProviderEventType: body.Type,
		EventID:           body.ID,
		Key:               body.ID,
	}
	if event.Key == "" {
		event.Key = bodyDigest(raw)
	}

	intent := body.Data.Object
	switch body.Type {
	case "payment_intent.succeeded":
		event.Type = EventPaymentSuccess
		event.Amount = money.FromMinorUnits(intent.AmountReceived, v.factor)
	case "payment_intent.payment_failed":
		event.Type = EventPaymentFailed
		event.Amount = money.FromMinorUnits(intent.Amount, v.factor)
		if intent.LastPaymentError != nil {
			event.ErrorCode = intent.LastPaymentError.Code
			event.ErrorDescription = intent.LastPaymentError.Message
		}
	default:
		event.Type = EventUnknown
		return event, nil
	}

	// Intent ids double as payment and provider-order references.
	event.PaymentID = intent.ID
	event.OrderID = intent.ID
	event.Currency = intent.Currency
	event.Status = intent.Status

	return event, nil
}

// SignStripeHeader builds a header the StripeWebhookVerifier accepts. Used by
// tests and local tooling that replays events.
func SignStripeHeader(secret string, raw []byte, at time.Time) string {
	ts := strconv.FormatInt(at.Unix(), 10)
	message := append([]byte(ts+"."), raw...)
	return "t=" + ts + ",v1=" + SignHex(secret, message)
}
