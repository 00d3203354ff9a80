package payment

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/safar/storefront-orders/internal/apperror"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRazorpay(t *testing.T, handler http.HandlerFunc) *RazorpayGateway {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return NewRazorpayGateway(RazorpayConfig{
		KeyID:     "rzp_test_key",
		KeySecret: "rzp_test_secret",
		GatewayOptions: GatewayOptions{
			BaseURL: srv.URL,
			Timeout: 2 * time.Second,
		},
	})
}

func TestRazorpayCreatePaymentIntent(t *testing.T) {
	var got razorpayOrderRequest
	g := newTestRazorpay(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/orders", r.URL.Path)
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "rzp_test_key", user)
		assert.Equal(t, "rzp_test_secret", pass)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(razorpayOrderResponse{
			ID: "order_abc", Amount: got.Amount, Currency: got.Currency, Status: "created",
		})
	})

	intent, err := g.CreatePaymentIntent(context.Background(), decimal.RequireFromString("99.98"), "inr")
	require.NoError(t, err)

	assert.Equal(t, int64(9998), got.Amount)
	assert.Equal(t, "INR", got.Currency)
	assert.Contains(t, got.Receipt, "rcpt_")
	assert.Equal(t, ProviderRazorpay, intent.Provider)
	assert.Equal(t, "order_abc", intent.ProviderReference)
	assert.Equal(t, "order_abc", intent.ClientSecretOrOrderID)
	assert.Equal(t, int64(9998), intent.AmountMinor)
	assert.Equal(t, "rzp_test_key", intent.PublicKey)
}

func TestRazorpayCreatePaymentIntentRejectsBadAmount(t *testing.T) {
	called := false
	g := newTestRazorpay(t, func(w http.ResponseWriter, r *http.Request) { called = true })

	for _, amount := range []string{"0", "-5", "1.005"} {
		_, err := g.CreatePaymentIntent(context.Background(), decimal.RequireFromString(amount), "")
		assert.True(t, apperror.Is(err, apperror.KindValidation), amount)
	}
	assert.False(t, called)
}

func TestRazorpayCreatePaymentIntentProviderErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   apperror.Kind
	}{
		{"client error", http.StatusBadRequest, apperror.KindValidation},
		{"server error", http.StatusServiceUnavailable, apperror.KindGatewayUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newTestRazorpay(t, func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, `{"error":{"description":"nope"}}`, tt.status)
			})
			_, err := g.CreatePaymentIntent(context.Background(), decimal.NewFromInt(10), "")
			assert.Equal(t, tt.want, apperror.KindOf(err))
		})
	}
}

func TestRazorpayCreatePaymentIntentTimeout(t *testing.T) {
	g := newTestRazorpay(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	})
	g.opts.Timeout = 50 * time.Millisecond

	_, err := g.CreatePaymentIntent(context.Background(), decimal.NewFromInt(10), "")
	assert.True(t, apperror.Is(err, apperror.KindGatewayUnavailable))
}

func paymentHandler(t *testing.T, payments map[string]razorpayPayment) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "rzp_test_key", user)
		assert.Equal(t, "rzp_test_secret", pass)

		p, found := payments[strings.TrimPrefix(r.URL.Path, "/v1/payments/")]
		if !found {
			http.Error(w, `{"error":{"code":"BAD_REQUEST_ERROR"}}`, http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(p)
	}
}

func signedProof(orderRef, paymentRef string) Proof {
	return Proof{
		OrderRef:   orderRef,
		PaymentRef: paymentRef,
		Signature:  SignHex("rzp_test_secret", PaymentSignatureMessage(orderRef, paymentRef)),
	}
}

func TestRazorpayVerifyPaymentAuthenticity(t *testing.T) {
	calls := 0
	handler := paymentHandler(t, map[string]razorpayPayment{
		"pay_xyz": {ID: "pay_xyz", OrderID: "order_abc", Amount: 9998, Currency: "INR", Status: "captured"},
	})
	g := newTestRazorpay(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		handler(w, r)
	})

	proof := signedProof("order_abc", "pay_xyz")
	v, err := g.VerifyPaymentAuthenticity(context.Background(), proof)
	require.NoError(t, err)
	assert.True(t, v.Valid)
	assert.Equal(t, "pay_xyz", v.PaymentReference)
	assert.Equal(t, "order_abc", v.OrderReference)
	assert.Equal(t, int64(9998), v.AmountMinor)
	assert.Equal(t, 1, calls)

	proof.Signature = flipChar(proof.Signature, 0)
	v, err = g.VerifyPaymentAuthenticity(context.Background(), proof)
	require.NoError(t, err)
	assert.False(t, v.Valid)

	v, err = g.VerifyPaymentAuthenticity(context.Background(), Proof{OrderRef: "order_abc", Signature: proof.Signature})
	require.NoError(t, err)
	assert.False(t, v.Valid)
	assert.Equal(t, 1, calls, "bad signatures never reach the provider")
}

func TestRazorpayVerifyRejectsPaymentForAnotherOrder(t *testing.T) {
	g := newTestRazorpay(t, paymentHandler(t, map[string]razorpayPayment{
		"pay_1":      {ID: "pay_1", OrderID: "order_cheap", Amount: 4999, Status: "captured"},
		"pay_failed": {ID: "pay_failed", OrderID: "order_x", Amount: 4999, Status: "failed"},
	}))

	tests := []struct {
		name  string
		proof Proof
	}{
		{"signed for a different order", signedProof("order_big", "pay_1")},
		{"payment not captured", signedProof("order_x", "pay_failed")},
		{"unknown payment", signedProof("order_x", "pay_missing")},
		{"path in payment id", signedProof("order_x", "pay_1/../x")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := g.VerifyPaymentAuthenticity(context.Background(), tt.proof)
			require.NoError(t, err)
			assert.False(t, v.Valid)
		})
	}
}

func TestRazorpayVerifyProviderDown(t *testing.T) {
	g := newTestRazorpay(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream", http.StatusBadGateway)
	})

	_, err := g.VerifyPaymentAuthenticity(context.Background(), signedProof("order_abc", "pay_xyz"))
	assert.True(t, apperror.Is(err, apperror.KindGatewayUnavailable))
}

func TestRazorpayVerifyWithoutSecret(t *testing.T) {
	g := NewRazorpayGateway(RazorpayConfig{KeyID: "k"})
	_, err := g.VerifyPaymentAuthenticity(context.Background(), Proof{OrderRef: "o", PaymentRef: "p", Signature: "s"})
	assert.True(t, apperror.Is(err, apperror.KindConfiguration))
}
