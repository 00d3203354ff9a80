// Package payment wraps the external payment providers behind one gateway
// contract and verifies their asynchronous webhook notifications.
package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/safar/storefront-orders/internal/apperror"
	"github.com/safar/storefront-orders/internal/money"
	"github.com/shopspring/decimal"
)

const (
	ProviderRazorpay = "razorpay"
	ProviderStripe   = "stripe"

	maxResponseBytes = 1 << 20
)

// Gateway creates payment intents with a provider and checks that a payment
// the client reports as complete really happened.
type Gateway interface {
	Name() string
	Currency() string
	MinorUnitFactor() int64
	CreatePaymentIntent(ctx context.Context, amount decimal.Decimal, currency string) (*Intent, error)
	VerifyPaymentAuthenticity(ctx context.Context, proof Proof) (*Verification, error)
}

type Intent struct {
	Provider              string `json:"provider"`
	ProviderReference     string `json:"providerReference"`
	ClientSecretOrOrderID string `json:"clientSecretOrOrderId"`
	AmountMinor           int64  `json:"amountMinor"`
	Currency              string `json:"currency"`
	PublicKey             string `json:"publicKey,omitempty"`
}

// Proof is what the client submits after paying the provider directly.
type Proof struct {
	OrderRef   string `json:"orderRef"`
	PaymentRef string `json:"paymentRef"`
	Signature  string `json:"signature"`
}

// Verification is the outcome of checking a Proof. AmountMinor is zero when
// the provider's check does not report an amount.
type Verification struct {
	Valid            bool
	OrderReference   string
	PaymentReference string
	AmountMinor      int64
}

func invalid() *Verification {
	return &Verification{Valid: false}
}

type GatewayOptions struct {
	BaseURL         string
	Currency        string
	MinorUnitFactor int64
	Timeout         time.Duration
	HTTPClient      *http.Client
}

func (o *GatewayOptions) normalize() {
	if o.MinorUnitFactor <= 0 {
		o.MinorUnitFactor = money.DefaultMinorUnitFactor
	}
	if o.Timeout <= 0 {
		o.Timeout = 10 * time.Second
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{}
	}
}

func toMinor(amount decimal.Decimal, factor int64) (int64, error) {
	minor, err := money.ToMinorUnits(amount, factor)
	if err != nil {
		if errors.Is(err, money.ErrInvalidAmount) {
			return 0, apperror.Validation("Invalid amount")
		}
		return 0, apperror.Wrap(apperror.KindValidation, "Invalid amount", err)
	}
	return minor, nil
}

type providerError struct {
	Status  int
	Message string
}

func (e *providerError) Error() string {
	return fmt.Sprintf("provider returned %d: %s", e.Status, e.Message)
}

// do sends req bounded by timeout and decodes a JSON body into out.
// Transport failures, timeouts and 5xx answers become GatewayUnavailable;
// 4xx answers are returned as *providerError for the caller to map.
func do(ctx context.Context, client *http.Client, timeout time.Duration, req *http.Request, out any) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := client.Do(req.WithContext(ctx))
	if err != nil {
		return apperror.GatewayUnavailable("Payment provider unavailable", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return apperror.GatewayUnavailable("Payment provider unavailable", err)
	}

	if resp.StatusCode >= http.StatusInternalServerError {
		return apperror.GatewayUnavailable("Payment provider unavailable",
			&providerError{Status: resp.StatusCode, Message: string(body)})
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return &providerError{Status: resp.StatusCode, Message: string(body)}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return apperror.GatewayUnavailable("Unexpected payment provider response", err)
	}
	return nil
}

func rejected(err error) error {
	if pe, ok := err.(*providerError); ok {
		return apperror.Wrap(apperror.KindValidation, "Payment provider rejected the request", pe)
	}
	return err
}
