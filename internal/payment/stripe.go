package payment

import (
	"context"
	"crypto/subtle"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/safar/storefront-orders/internal/apperror"
	"github.com/shopspring/decimal"
)

type StripeConfig struct {
	SecretKey string
	GatewayOptions
}

// StripeGateway implements card payment intents. The client proves payment
// by returning the intent id with its client secret; the intent is fetched
// back from the provider and must have succeeded.
type StripeGateway struct {
	secretKey string
	opts      GatewayOptions
}

func NewStripeGateway(cfg StripeConfig) *StripeGateway {
	cfg.GatewayOptions.normalize()
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.stripe.com"
	}
	if cfg.Currency == "" {
		cfg.Currency = "usd"
	}
	return &StripeGateway{secretKey: cfg.SecretKey, opts: cfg.GatewayOptions}
}

func (g *StripeGateway) Name() string { return ProviderStripe }

func (g *StripeGateway) Currency() string { return g.opts.Currency }

func (g *StripeGateway) MinorUnitFactor() int64 { return g.opts.MinorUnitFactor }

type stripePaymentIntent struct {
	ID             string `json:"id"`
	ClientSecret   string `json:"client_secret"`
	Amount         int64  `json:"amount"`
	AmountReceived int64  `json:"amount_received"`
	Currency       string `json:"currency"`
	Status         string `json:"status"`
}

func (g *StripeGateway) CreatePaymentIntent(ctx context.Context, amount decimal.Decimal, currency string) (*Intent, error) {
	minor, err := toMinor(amount, g.opts.MinorUnitFactor)
	if err != nil {
		return nil, err
	}
	if g.secretKey == "" {
		return nil, apperror.Configuration("stripe secret key is not configured")
	}
	if currency == "" {
		currency = g.opts.Currency
	}

	form := url.Values{}
	form.Set("amount", strconv.FormatInt(minor, 10))
	form.Set("currency", strings.ToLower(currency))
	form.Set("automatic_payment_methods[enabled]", "true")

	req, err := http.NewRequest(http.MethodPost, g.opts.BaseURL+"/v1/payment_intents", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, apperror.Internal(err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Bearer "+g.secretKey)

	var out stripePaymentIntent
	if err := do(ctx, g.opts.HTTPClient, g.opts.Timeout, req, &out); err != nil {
		return nil, rejected(err)
	}
	if out.ID == "" || out.ClientSecret == "" {
		return nil, apperror.GatewayUnavailable("Unexpected payment provider response", nil)
	}

	return &Intent{
		Provider:              ProviderStripe,
		ProviderReference:     out.ID,
		ClientSecretOrOrderID: out.ClientSecret,
		AmountMinor:           out.Amount,
		Currency:              out.Currency,
	}, nil
}

// VerifyPaymentAuthenticity expects OrderRef to be the intent id and
// Signature its client secret. PaymentRef defaults to the intent id.
func (g *StripeGateway) VerifyPaymentAuthenticity(ctx context.Context, proof Proof) (*Verification, error) {
	if g.secretKey == "" {
		return nil, apperror.Configuration("stripe secret key is not configured")
	}

	intentID := proof.OrderRef
	if intentID == "" {
		intentID = proof.PaymentRef
	}
	if intentID == "" || proof.Signature == "" || strings.ContainsAny(intentID, "/?#") {
		return invalid(), nil
	}
	if proof.PaymentRef != "" && proof.PaymentRef != intentID {
		return invalid(), nil
	}

	req, err := http.NewRequest(http.MethodGet, g.opts.BaseURL+"/v1/payment_intents/"+url.PathEscape(intentID), nil)
	if err != nil {
		return nil, apperror.Internal(err)
	}
	req.Header.Set("Authorization", "Bearer "+g.secretKey)

	var out stripePaymentIntent
	if err := do(ctx, g.opts.HTTPClient, g.opts.Timeout, req, &out); err != nil {
		if pe, ok := err.(*providerError); ok {
			if pe.Status == http.StatusNotFound {
				return invalid(), nil
			}
			return nil, apperror.GatewayUnavailable("Payment provider unavailable", pe)
		}
		return nil, err
	}

	if subtle.ConstantTimeCompare([]byte(out.ClientSecret), []byte(proof.Signature)) != 1 {
		return invalid(), nil
	}
	if out.Status != "succeeded" {
		return invalid(), nil
	}

	return &Verification{
		Valid:            true,
		OrderReference:   out.ID,
		PaymentReference: out.ID,
		AmountMinor:      out.AmountReceived,
	}, nil
}
