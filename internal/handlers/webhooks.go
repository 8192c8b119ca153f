package handlers

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/threadline/api/internal/domain"
	"github.com/threadline/api/internal/payments"
	"github.com/threadline/api/internal/platform/httpx"
	"github.com/threadline/api/internal/services"
)

const (
	maxWebhookBodySize = 64 * 1024
	sourceWebhook      = "webhook"

	webhookRateLimit  = 120
	webhookRateWindow = time.Minute
)

// CallbackMapper translates raw gateway callbacks into payment proofs.
// Implemented by payments.Manager.
type CallbackMapper interface {
	MapCallback(paymentCtx payments.PaymentContext, raw []byte) (domain.PaymentProof, error)
}

// WebhookHandlers receives gateway payment callbacks. Transport-level
// authenticity (HMAC headers, timestamp skew, nonce replay) is enforced by the
// injected middlewares; the body-level proof is verified again inside the
// order service.
type WebhookHandlers struct {
	gateway     CallbackMapper
	orders      services.OrderService
	middlewares []func(http.Handler) http.Handler
	limiter     rateLimiter
}

// NewWebhookHandlers constructs the webhook handlers. The middlewares guard
// every webhook route.
func NewWebhookHandlers(gateway CallbackMapper, orders services.OrderService, middlewares ...func(http.Handler) http.Handler) *WebhookHandlers {
	return &WebhookHandlers{
		gateway:     gateway,
		orders:      orders,
		middlewares: middlewares,
		limiter:     newSimpleRateLimiter(webhookRateLimit, webhookRateWindow, nil),
	}
}

// Routes registers the webhook entrypoint. It is meant to be mounted inside
// the orders group, giving the public path /orders/payment-webhook.
func (h *WebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	group := r
	for _, mw := range h.middlewares {
		if mw != nil {
			group = group.With(mw)
		}
	}
	group.Post("/payment-webhook", h.paymentWebhook)
}

// webhookEnvelope is the thin slice of the callback payload the handler needs
// to attribute the delivery; the full payload goes to the provider's
// MapCallback untouched.
type webhookEnvelope struct {
	Provider string `json:"provider"`
	UserID   string `json:"userId"`
	Metadata struct {
		UserID string `json:"userId"`
	} `json:"metadata"`
}

func (h *WebhookHandlers) paymentWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.gateway == nil || h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("webhook_unavailable", "webhook processing unavailable", http.StatusServiceUnavailable))
		return
	}

	if h.limiter != nil && !h.limiter.Allow(r.RemoteAddr) {
		httpx.WriteError(ctx, w, httpx.NewError("rate_limited", "too many webhook deliveries", http.StatusTooManyRequests))
		return
	}

	body, err := readLimitedBody(r, maxWebhookBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	var envelope webhookEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "callback payload must be valid JSON", http.StatusBadRequest))
		return
	}

	// The user reference rides in the intent metadata the checkout stamped at
	// OpenIntent time and is echoed back by the gateway.
	userID := strings.TrimSpace(envelope.UserID)
	if userID == "" {
		userID = strings.TrimSpace(envelope.Metadata.UserID)
	}
	if userID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "callback cannot be attributed to a user", http.StatusBadRequest))
		return
	}

	provider := strings.TrimSpace(envelope.Provider)
	proof, err := h.gateway.MapCallback(payments.PaymentContext{PreferredProvider: provider}, body)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	order, err := h.orders.ConfirmPayment(ctx, services.ConfirmPaymentCommand{
		UserID:   userID,
		Proof:    proof,
		Provider: provider,
		Source:   sourceWebhook,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, map[string]any{
		"received": true,
		"orderId":  order.ID,
	})
}
