// Package api exposes the order workflow over HTTP. Responses use the
// {success, data} / {success, message} envelope.
package api

import (
	"context"
	"io"
	"net/http"
	"strconv"

	"github.com/safar/storefront-orders/internal/apperror"
	"github.com/safar/storefront-orders/internal/auth"
	"github.com/safar/storefront-orders/internal/metrics"
	"github.com/safar/storefront-orders/internal/models"
	"github.com/safar/storefront-orders/internal/order"
	"github.com/safar/storefront-orders/internal/payment"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// OrderService is the part of order.Service the handlers call.
type OrderService interface {
	CreatePaymentIntent(ctx context.Context, cart []order.CartItem) (*order.PaymentIntent, error)
	PlaceOrder(ctx context.Context, in order.PlaceOrderInput) (*models.Order, error)
	GetOrderByID(ctx context.Context, orderID string, requestingUserID *string) (*models.Order, error)
	ListOrders(ctx context.Context, in order.ListOrdersInput) (*order.OrderList, error)
	UpdateOrderStatus(ctx context.Context, orderID string, status models.OrderStatus) (*models.Order, error)
	Stats(ctx context.Context) (*models.OrderStats, error)
	HandleWebhook(ctx context.Context, provider string, raw []byte, signature string) (*order.WebhookResult, error)
	SignatureHeader(provider string) string
	DefaultProvider() string
}

type Handler struct {
	svc     OrderService
	auth    *auth.Authenticator
	log     *zap.Logger
	metrics *metrics.Metrics
	maxBody int64
}

type Options struct {
	Logger       *zap.Logger
	Metrics      *metrics.Metrics
	MaxBodyBytes int64
}

func NewHandler(svc OrderService, authenticator *auth.Authenticator, opts Options) *Handler {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewNop()
	}
	return &Handler{
		svc:     svc,
		auth:    authenticator,
		log:     opts.Logger,
		metrics: opts.Metrics,
		maxBody: opts.MaxBodyBytes,
	}
}

// Routes builds the instrumented router. extra handlers (metrics, health)
// are mounted as-is.
func (h *Handler) Routes(extra map[string]http.Handler) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /payments/intent", h.requireAuth(h.createPaymentIntent))
	mux.HandleFunc("POST /payments/webhook", h.webhook)
	mux.HandleFunc("POST /payments/webhook/{provider}", h.webhook)

	mux.HandleFunc("POST /orders", h.requireAuth(h.placeOrder))
	mux.HandleFunc("GET /orders", h.requireAuth(h.listOrders))
	mux.HandleFunc("GET /orders/stats", h.requireAdmin(h.stats))
	mux.HandleFunc("GET /orders/{id}", h.requireAuth(h.getOrder))
	mux.HandleFunc("PATCH /orders/{id}/status", h.requireAdmin(h.updateStatus))

	for pattern, handler := range extra {
		mux.Handle(pattern, handler)
	}

	return instrument(mux, h.log, h.metrics, h.maxBody)
}

type cartRequest struct {
	Items []order.CartItem `json:"items"`
}

type intentResponse struct {
	Provider              string          `json:"provider"`
	ProviderReference     string          `json:"providerReference"`
	ClientSecretOrOrderID string          `json:"clientSecretOrOrderId"`
	Amount                decimal.Decimal `json:"amount"`
	AmountMinor           int64           `json:"amountMinor"`
	Currency              string          `json:"currency"`
	PublicKey             string          `json:"publicKey,omitempty"`
}

func (h *Handler) createPaymentIntent(w http.ResponseWriter, r *http.Request, _ *auth.Principal) {
	var req cartRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, err)
		return
	}

	pi, err := h.svc.CreatePaymentIntent(r.Context(), req.Items)
	if err != nil {
		respondError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, intentResponse{
		Provider:              pi.Intent.Provider,
		ProviderReference:     pi.Intent.ProviderReference,
		ClientSecretOrOrderID: pi.Intent.ClientSecretOrOrderID,
		Amount:                pi.Amount,
		AmountMinor:           pi.Intent.AmountMinor,
		Currency:              pi.Intent.Currency,
		PublicKey:             pi.Intent.PublicKey,
	})
}

type placeOrderRequest struct {
	Items           []order.CartItem `json:"items"`
	ShippingAddress string           `json:"shippingAddress"`
	PaymentProof    *payment.Proof   `json:"paymentProof"`

	// Flat checkout fields sent by the regional provider's client widget.
	RazorpayOrderID   string `json:"razorpayOrderId"`
	RazorpayPaymentID string `json:"razorpayPaymentId"`
	RazorpaySignature string `json:"razorpaySignature"`
}

func (req placeOrderRequest) proof() payment.Proof {
	if req.PaymentProof != nil {
		return *req.PaymentProof
	}
	return payment.Proof{
		OrderRef:   req.RazorpayOrderID,
		PaymentRef: req.RazorpayPaymentID,
		Signature:  req.RazorpaySignature,
	}
}

func (h *Handler) placeOrder(w http.ResponseWriter, r *http.Request, p *auth.Principal) {
	var req placeOrderRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, err)
		return
	}

	created, err := h.svc.PlaceOrder(r.Context(), order.PlaceOrderInput{
		UserID:          p.UserID,
		Email:           p.Email,
		Items:           req.Items,
		ShippingAddress: req.ShippingAddress,
		Proof:           req.proof(),
	})
	if err != nil {
		respondError(w, r, err)
		return
	}

	respondJSON(w, http.StatusCreated, created)
}

func (h *Handler) listOrders(w http.ResponseWriter, r *http.Request, p *auth.Principal) {
	q := r.URL.Query()
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			respondError(w, r, apperror.Validation("Invalid limit"))
			return
		}
		limit = n
	}

	list, err := h.svc.ListOrders(r.Context(), order.ListOrdersInput{
		UserID:  p.UserID,
		IsAdmin: p.IsAdmin,
		Status:  models.OrderStatus(q.Get("status")),
		Cursor:  q.Get("cursor"),
		Limit:   limit,
	})
	if err != nil {
		respondError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, list)
}

func (h *Handler) getOrder(w http.ResponseWriter, r *http.Request, p *auth.Principal) {
	var owner *string
	if !p.IsAdmin {
		owner = &p.UserID
	}

	found, err := h.svc.GetOrderByID(r.Context(), r.PathValue("id"), owner)
	if err != nil {
		respondError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, found)
}

type statusRequest struct {
	Status string `json:"status"`
}

func (h *Handler) updateStatus(w http.ResponseWriter, r *http.Request, _ *auth.Principal) {
	var req statusRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, err)
		return
	}

	updated, err := h.svc.UpdateOrderStatus(r.Context(), r.PathValue("id"), models.OrderStatus(req.Status))
	if err != nil {
		respondError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, updated)
}

func (h *Handler) stats(w http.ResponseWriter, r *http.Request, _ *auth.Principal) {
	stats, err := h.svc.Stats(r.Context())
	if err != nil {
		respondError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, stats)
}

type webhookResponse struct {
	Received  bool              `json:"received"`
	Type      payment.EventType `json:"type"`
	Duplicate bool              `json:"duplicate,omitempty"`
}

// webhook must see the body exactly as sent; it is read raw and handed to
// the verifier before any decoding.
func (h *Handler) webhook(w http.ResponseWriter, r *http.Request) {
	provider := r.PathValue("provider")
	if provider == "" {
		provider = h.svc.DefaultProvider()
	}

	header := h.svc.SignatureHeader(provider)
	if header == "" {
		respondError(w, r, apperror.NotFound("Unknown payment provider"))
		return
	}

	raw, err := io.ReadAll(r.Body)
	if err != nil {
		respondError(w, r, apperror.Wrap(apperror.KindValidation, "Invalid request body", err))
		return
	}

	res, err := h.svc.HandleWebhook(r.Context(), provider, raw, r.Header.Get(header))
	if err != nil {
		respondError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, webhookResponse{Received: true, Type: res.Event.Type, Duplicate: res.Duplicate})
}
