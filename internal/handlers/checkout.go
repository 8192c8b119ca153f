package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/threadline/api/internal/domain"
	"github.com/threadline/api/internal/payments"
	"github.com/threadline/api/internal/platform/auth"
	"github.com/threadline/api/internal/platform/httpx"
	"github.com/threadline/api/internal/services"
)

const maxCheckoutBodySize = 8 * 1024

// CheckoutHandlers drives the per-user checkout wizard endpoints.
type CheckoutHandlers struct {
	authn    *auth.Authenticator
	checkout services.CheckoutService
}

// NewCheckoutHandlers constructs checkout handlers guarded by Firebase authentication.
func NewCheckoutHandlers(authn *auth.Authenticator, checkout services.CheckoutService) *CheckoutHandlers {
	return &CheckoutHandlers{
		authn:    authn,
		checkout: checkout,
	}
}

// Routes registers the /checkout endpoints under the provided router.
func (h *CheckoutHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth())
	}
	r.Post("/session", h.startSession)
	r.Get("/session", h.getSession)
	r.Post("/session:advance", h.advanceSession)
	r.Delete("/session", h.resetSession)
}

type advanceSessionRequest struct {
	ShippingAddress *addressInput `json:"shippingAddress"`
	GiftMessage     *string       `json:"giftMessage"`
	BuyNow          *buyNowInput  `json:"buyNow"`
}

type buyNowInput struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
	Size      string `json:"size"`
}

func (h *CheckoutHandlers) startSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.checkout == nil {
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "checkout service unavailable", http.StatusServiceUnavailable))
		return
	}

	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	session, err := h.checkout.StartSession(ctx, services.StartSessionCommand{UserID: identity.UID})
	if err != nil {
		writeCheckoutError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusCreated, map[string]any{
		"session": buildSessionPayload(session),
	})
}

func (h *CheckoutHandlers) getSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.checkout == nil {
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "checkout service unavailable", http.StatusServiceUnavailable))
		return
	}

	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	session, err := h.checkout.GetSession(ctx, identity.UID)
	if err != nil {
		writeCheckoutError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, map[string]any{
		"session": buildSessionPayload(session),
	})
}

func (h *CheckoutHandlers) advanceSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.checkout == nil {
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "checkout service unavailable", http.StatusServiceUnavailable))
		return
	}

	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	// Advancing off the payment step needs no body; off the address step the
	// body carries the shipping address.
	var req advanceSessionRequest
	body, err := readLimitedBody(r, maxCheckoutBodySize)
	if err != nil && !errors.Is(err, errEmptyBody) {
		writeBodyError(ctx, w, err)
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
			return
		}
	}

	cmd := services.AdvanceSessionCommand{
		UserID:      identity.UID,
		GiftMessage: req.GiftMessage,
	}
	if req.ShippingAddress != nil {
		addr := req.ShippingAddress.toAddress()
		cmd.ShippingAddress = &addr
	}
	if req.BuyNow != nil {
		cmd.BuyNow = &services.BuyNowItem{
			ProductID: strings.TrimSpace(req.BuyNow.ProductID),
			Quantity:  req.BuyNow.Quantity,
			Size:      strings.TrimSpace(req.BuyNow.Size),
		}
	}

	result, err := h.checkout.Advance(ctx, cmd)
	if err != nil {
		writeCheckoutError(ctx, w, err)
		return
	}

	payload := map[string]any{
		"session": buildSessionPayload(result.Session),
	}
	if result.Payment != nil {
		payload["payment"] = buildPaymentIntentPayload(*result.Payment)
	}
	writeJSONResponse(w, http.StatusOK, payload)
}

func (h *CheckoutHandlers) resetSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.checkout == nil {
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "checkout service unavailable", http.StatusServiceUnavailable))
		return
	}

	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	if err := h.checkout.Reset(ctx, identity.UID); err != nil {
		writeCheckoutError(ctx, w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// writeCheckoutError maps checkout and snapshot sentinels onto the HTTP error
// taxonomy.
func writeCheckoutError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrCheckoutInvalidInput),
		errors.Is(err, services.ErrSnapshotInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, domain.ErrEmptyCart):
		httpx.WriteError(ctx, w, httpx.NewError("empty_cart", "cart has no items to check out", http.StatusBadRequest))
	case errors.Is(err, domain.ErrInvalidQuantity):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_quantity", "line quantity is invalid", http.StatusBadRequest))
	case errors.Is(err, domain.ErrSizeRequired):
		httpx.WriteError(ctx, w, httpx.NewError("size_required", "a size is required for one or more items", http.StatusBadRequest))
	case errors.Is(err, domain.ErrSizeNotApplicable):
		httpx.WriteError(ctx, w, httpx.NewError("size_not_applicable", "a size was supplied for an unsized item", http.StatusBadRequest))
	case errors.Is(err, domain.ErrStockUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("stock_unavailable", "one or more items went out of stock", http.StatusConflict))
	case errors.Is(err, domain.ErrSessionBusy):
		httpx.WriteError(ctx, w, httpx.NewError("session_busy", "another checkout request is in flight", http.StatusConflict))
	case errors.Is(err, domain.ErrStepPrecondition):
		httpx.WriteError(ctx, w, httpx.NewError("step_precondition", "checkout step preconditions are not met", http.StatusConflict))
	case errors.Is(err, domain.ErrSessionExpired):
		httpx.WriteError(ctx, w, httpx.NewError("session_expired", "checkout session expired; start a new checkout", http.StatusConflict))
	case errors.Is(err, domain.ErrSessionNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("session_not_found", "no active checkout session", http.StatusNotFound))
	case errors.Is(err, payments.ErrUnsupportedProvider):
		httpx.WriteError(ctx, w, httpx.NewError("unsupported_provider", "payment provider is not supported", http.StatusBadRequest))
	case errors.Is(err, payments.ErrGatewayUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("gateway_unavailable", "payment gateway unavailable", http.StatusBadGateway))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("checkout_error", "failed to process checkout request", http.StatusInternalServerError))
	}
}
