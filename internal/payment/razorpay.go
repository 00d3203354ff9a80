package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/safar/storefront-orders/internal/apperror"
	"github.com/shopspring/decimal"
)

type RazorpayConfig struct {
	KeyID     string
	KeySecret string
	GatewayOptions
}

// RazorpayGateway implements the order-then-signature flow: the server opens
// a provider order, the client pays against it and returns the provider's
// HMAC over "orderId|paymentId".
type RazorpayGateway struct {
	keyID     string
	keySecret string
	opts      GatewayOptions
	now       func() time.Time
}

func NewRazorpayGateway(cfg RazorpayConfig) *RazorpayGateway {
	cfg.GatewayOptions.normalize()
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.razorpay.com"
	}
	if cfg.Currency == "" {
		cfg.Currency = "INR"
	}
	return &RazorpayGateway{
		keyID:     cfg.KeyID,
		keySecret: cfg.KeySecret,
		opts:      cfg.GatewayOptions,
		now:       time.Now,
	}
}

func (g *RazorpayGateway) Name() string { return ProviderRazorpay }

func (g *RazorpayGateway) Currency() string { return g.opts.Currency }

func (g *RazorpayGateway) MinorUnitFactor() int64 { return g.opts.MinorUnitFactor }

type razorpayOrderRequest struct {
	Amount   int64             `json:"amount"`
	Currency string            `json:"currency"`
	Receipt  string            `json:"receipt"`
	Notes    map[string]string `json:"notes,omitempty"`
}

type razorpayOrderResponse struct {
	ID       string `json:"id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Status   string `json:"status"`
}

func (g *RazorpayGateway) CreatePaymentIntent(ctx context.Context, amount decimal.Decimal, currency string) (*Intent, error) {
	minor, err := toMinor(amount, g.opts.MinorUnitFactor)
	if err != nil {
		return nil, err
	}
	if g.keyID == "" || g.keySecret == "" {
		return nil, apperror.Configuration("razorpay credentials are not configured")
	}
	if currency == "" {
		currency = g.opts.Currency
	}

	body, err := json.Marshal(razorpayOrderRequest{
		Amount:   minor,
		Currency: strings.ToUpper(currency),
		Receipt:  "rcpt_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:20],
		Notes: map[string]string{
			"created_at": g.now().UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		return nil, apperror.Internal(err)
	}

	req, err := http.NewRequest(http.MethodPost, g.opts.BaseURL+"/v1/orders", bytes.NewReader(body))
	if err != nil {
		return nil, apperror.Internal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(g.keyID, g.keySecret)

	var out razorpayOrderResponse
	if err := do(ctx, g.opts.HTTPClient, g.opts.Timeout, req, &out); err != nil {
		return nil, rejected(err)
	}
	if out.ID == "" {
		return nil, apperror.GatewayUnavailable("Unexpected payment provider response", nil)
	}

	return &Intent{
		Provider:              ProviderRazorpay,
		ProviderReference:     out.ID,
		ClientSecretOrOrderID: out.ID,
		AmountMinor:           out.Amount,
		Currency:              out.Currency,
		PublicKey:             g.keyID,
	}, nil
}

type razorpayPayment struct {
	ID       string `json:"id"`
	OrderID  string `json:"order_id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Status   string `json:"status"`
}

// VerifyPaymentAuthenticity checks the checkout signature locally, then
// fetches the payment to confirm it belongs to the signed order and to report
// the amount actually paid. A mismatch is a false result, not an error.
func (g *RazorpayGateway) VerifyPaymentAuthenticity(ctx context.Context, proof Proof) (*Verification, error) {
	if g.keyID == "" || g.keySecret == "" {
		return nil, apperror.Configuration("razorpay credentials are not configured")
	}
	if proof.OrderRef == "" || proof.PaymentRef == "" || proof.Signature == "" {
		return invalid(), nil
	}

	if !VerifyHex(g.keySecret, PaymentSignatureMessage(proof.OrderRef, proof.PaymentRef), proof.Signature) {
		return invalid(), nil
	}
	if strings.ContainsAny(proof.PaymentRef, "/?#") {
		return invalid(), nil
	}

	req, err := http.NewRequest(http.MethodGet, g.opts.BaseURL+"/v1/payments/"+url.PathEscape(proof.PaymentRef), nil)
	if err != nil {
		return nil, apperror.Internal(err)
	}
	req.SetBasicAuth(g.keyID, g.keySecret)

	var out razorpayPayment
	if err := do(ctx, g.opts.HTTPClient, g.opts.Timeout, req, &out); err != nil {
		if pe, ok := err.(*providerError); ok {
			if pe.Status == http.StatusNotFound {
				return invalid(), nil
			}
			return nil, apperror.GatewayUnavailable("Payment provider unavailable", pe)
		}
		return nil, err
	}

	if out.ID != proof.PaymentRef || out.OrderID != proof.OrderRef {
		return invalid(), nil
	}
	if out.Status != "authorized" && out.Status != "captured" {
		return invalid(), nil
	}

	return &Verification{
		Valid:            true,
		OrderReference:   proof.OrderRef,
		PaymentReference: proof.PaymentRef,
		AmountMinor:      out.Amount,
	}, nil
}
