package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/threadline/api/internal/domain"
	"github.com/threadline/api/internal/payments"
	"github.com/threadline/api/internal/platform/auth"
	"github.com/threadline/api/internal/platform/httpx"
	"github.com/threadline/api/internal/platform/pagination"
	"github.com/threadline/api/internal/platform/storage"
	"github.com/threadline/api/internal/services"
)

const (
	defaultOrderPageSize = 20
	maxOrderPageSize     = 100
	maxOrderBodySize     = 16 * 1024
	maxCancelBodySize    = 4 * 1024
	sourceClientRedirect = "client"
	orderTransitionBody  = 2 * 1024
	receiptURLExpiry     = 15 * time.Minute
)

var validOrderStatuses = map[domain.OrderStatus]struct{}{
	domain.OrderStatusPending:    {},
	domain.OrderStatusProcessing: {},
	domain.OrderStatusShipped:    {},
	domain.OrderStatusDelivered:  {},
	domain.OrderStatusCancelled:  {},
}

// confirmOrderRequest carries the payment proof the client received from the
// gateway redirect. The shape is identical for POST /orders and
// POST /orders/verify-payment.
type confirmOrderRequest struct {
	ProviderOrderID   string `json:"providerOrderId"`
	ProviderPaymentID string `json:"providerPaymentId"`
	Signature         string `json:"signature"`
	Provider          string `json:"provider"`
}

type cancelOrderRequest struct {
	Reason string `json:"reason"`
}

type transitionOrderRequest struct {
	Status string `json:"status"`
}

// ReceiptURLSigner issues short-lived download URLs for archived receipt
// objects.
type ReceiptURLSigner interface {
	SignedDownloadURL(ctx context.Context, bucket, object string, opts storage.DownloadOptions) (storage.SignedURLResult, error)
}

// OrderHandlers exposes the order endpoints for authenticated users plus the
// staff status-transition endpoint.
type OrderHandlers struct {
	authn  *auth.Authenticator
	orders services.OrderService
	// idem wraps the order-creating POSTs with idempotency-key replay.
	idem func(http.Handler) http.Handler

	receipts      ReceiptURLSigner
	receiptBucket string
}

// OrderOption customises optional order handler behaviour.
type OrderOption func(*OrderHandlers)

// WithOrderReceipts enables the receipt download endpoint, signing URLs for
// objects in the given bucket.
func WithOrderReceipts(signer ReceiptURLSigner, bucket string) OrderOption {
	return func(h *OrderHandlers) {
		h.receipts = signer
		h.receiptBucket = strings.TrimSpace(bucket)
	}
}

// NewOrderHandlers constructs a new OrderHandlers instance. The idempotency
// middleware is optional.
func NewOrderHandlers(authn *auth.Authenticator, orders services.OrderService, idem func(http.Handler) http.Handler, opts ...OrderOption) *OrderHandlers {
	h := &OrderHandlers{
		authn:  authn,
		orders: orders,
		idem:   idem,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the /orders endpoints. Authentication is applied per route
// so the webhook entrypoint can share the same group without a Firebase token.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	authed := r
	if h.authn != nil {
		authed = r.With(h.authn.RequireFirebaseAuth())
	}
	creating := authed
	if h.idem != nil {
		creating = authed.With(h.idem)
	}
	creating.Post("/", h.createOrder)
	creating.Post("/verify-payment", h.verifyPayment)
	authed.Get("/my-orders", h.listMyOrders)
	authed.Get("/{orderID}", h.getOrder)
	authed.Get("/{orderID}/receipt", h.getOrderReceipt)
	authed.Post("/{orderID}:cancel", h.cancelOrder)

	staff := r
	if h.authn != nil {
		staff = r.With(h.authn.RequireFirebaseAuth(auth.RoleStaff, auth.RoleAdmin))
	}
	staff.Post("/{orderID}:transition", h.transitionOrder)
}

func (h *OrderHandlers) createOrder(w http.ResponseWriter, r *http.Request) {
	h.confirm(w, r, http.StatusCreated)
}

func (h *OrderHandlers) verifyPayment(w http.ResponseWriter, r *http.Request) {
	h.confirm(w, r, http.StatusOK)
}

// confirm backs both order-creating POSTs. The service collapses duplicate
// deliveries onto the already committed order, so replay across the two
// endpoints is harmless.
func (h *OrderHandlers) confirm(w http.ResponseWriter, r *http.Request, successStatus int) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	body, err := readLimitedBody(r, maxOrderBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	var req confirmOrderRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
		return
	}

	proof := domain.PaymentProof{
		ProviderOrderID:   strings.TrimSpace(req.ProviderOrderID),
		ProviderPaymentID: strings.TrimSpace(req.ProviderPaymentID),
		Signature:         strings.TrimSpace(req.Signature),
	}
	if proof.ProviderOrderID == "" || proof.ProviderPaymentID == "" || proof.Signature == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "providerOrderId, providerPaymentId and signature are required", http.StatusBadRequest))
		return
	}

	order, err := h.orders.ConfirmPayment(ctx, services.ConfirmPaymentCommand{
		UserID:   identity.UID,
		Proof:    proof,
		Provider: strings.TrimSpace(req.Provider),
		Source:   sourceClientRedirect,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	if successStatus == http.StatusCreated {
		writeJSONResponse(w, http.StatusCreated, map[string]any{
			"order": buildOrderPayload(order),
		})
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{
		"success": true,
		"order":   buildOrderPayload(order),
	})
}

func (h *OrderHandlers) listMyOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	query := r.URL.Query()

	statuses, err := parseStatusFilters(query["status"])
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	var dateRange domain.RangeQuery[time.Time]
	if raw := strings.TrimSpace(query.Get("createdAfter")); raw != "" {
		ts, err := parseTimeParam(raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "createdAfter must be a valid RFC3339 timestamp", http.StatusBadRequest))
			return
		}
		dateRange.From = &ts
	}
	if raw := strings.TrimSpace(query.Get("createdBefore")); raw != "" {
		ts, err := parseTimeParam(raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "createdBefore must be a valid RFC3339 timestamp", http.StatusBadRequest))
			return
		}
		dateRange.To = &ts
	}

	params, err := pagination.FromRequest(r, pagination.Options{
		DefaultPageSize: defaultOrderPageSize,
		MaxPageSize:     maxOrderPageSize,
	})
	if err != nil {
		switch {
		case errors.Is(err, pagination.ErrInvalidPageSize):
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "pageSize must be a positive integer", http.StatusBadRequest))
		case errors.Is(err, pagination.ErrInvalidPageToken):
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "pageToken is malformed", http.StatusBadRequest))
		default:
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		}
		return
	}

	page, err := h.orders.ListOrders(ctx, services.ListOrdersCommand{
		UserID: identity.UID,
		Filter: services.OrderListFilter{
			Status:    statuses,
			DateRange: dateRange,
			Pagination: services.Pagination{
				PageSize:  params.PageSize,
				PageToken: params.PageToken,
			},
		},
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	items := make([]orderSummaryPayload, 0, len(page.Items))
	for _, order := range page.Items {
		items = append(items, buildOrderSummary(order))
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{
		"items":         items,
		"nextPageToken": page.NextPageToken,
	})
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	order, err := h.orders.GetOrder(ctx, services.GetOrderCommand{
		OrderID: orderID,
		UserID:  identity.UID,
		Staff:   isStaff(identity),
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, map[string]any{
		"order": buildOrderPayload(order),
	})
}

// getOrderReceipt signs a short-lived download URL for the archived receipt.
// Ownership is checked twice: GetOrder hides foreign orders behind a 404 and
// the signer enforces the owner again before issuing the URL.
func (h *OrderHandlers) getOrderReceipt(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}
	if h.receipts == nil || h.receiptBucket == "" {
		httpx.WriteError(ctx, w, httpx.NewError("receipts_unavailable", "receipt downloads are not enabled", http.StatusServiceUnavailable))
		return
	}

	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	order, err := h.orders.GetOrder(ctx, services.GetOrderCommand{
		OrderID: orderID,
		UserID:  identity.UID,
		Staff:   isStaff(identity),
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	object, err := storage.BuildObjectPath(storage.PurposeReceipt, storage.PathParams{
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
	})
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_error", "failed to locate receipt", http.StatusInternalServerError))
		return
	}

	signed, err := h.receipts.SignedDownloadURL(ctx, h.receiptBucket, object, storage.DownloadOptions{
		Method:      http.MethodGet,
		ExpiresIn:   receiptURLExpiry,
		Disposition: "attachment",
		OwnerID:     order.UserID,
		Identity:    identity,
	})
	if err != nil {
		if errors.Is(err, storage.ErrPermissionDenied) {
			httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
			return
		}
		httpx.WriteError(ctx, w, httpx.NewError("order_error", "failed to sign receipt url", http.StatusInternalServerError))
		return
	}

	writeJSONResponse(w, http.StatusOK, map[string]any{
		"url":       signed.URL,
		"expiresAt": signed.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

func (h *OrderHandlers) cancelOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	// The cancel body is optional; an absent reason is fine.
	var req cancelOrderRequest
	body, err := readLimitedBody(r, maxCancelBodySize)
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

	order, err := h.orders.Cancel(ctx, services.CancelOrderCommand{
		OrderID: orderID,
		UserID:  identity.UID,
		Reason:  strings.TrimSpace(req.Reason),
		Staff:   isStaff(identity),
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, map[string]any{
		"order": buildOrderPayload(order),
	})
}

func (h *OrderHandlers) transitionOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	body, err := readLimitedBody(r, orderTransitionBody)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}
	var req transitionOrderRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
		return
	}

	target := domain.OrderStatus(strings.ToLower(strings.TrimSpace(req.Status)))
	if _, ok := validOrderStatuses[target]; !ok {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "status must be a valid order status", http.StatusBadRequest))
		return
	}

	order, err := h.orders.TransitionStatus(ctx, services.OrderStatusTransitionCommand{
		OrderID: orderID,
		Target:  target,
		ActorID: identity.UID,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, map[string]any{
		"order": buildOrderPayload(order),
	})
}

func requireIdentity(ctx context.Context, w http.ResponseWriter) (*auth.Identity, bool) {
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return nil, false
	}
	return identity, true
}

func isStaff(identity *auth.Identity) bool {
	return identity.HasAnyRole(auth.RoleStaff, auth.RoleAdmin)
}

func writeBodyError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errBodyTooLarge):
		httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
	case errors.Is(err, errEmptyBody):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body is required", http.StatusBadRequest))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	}
}

// writeOrderError maps order and payment sentinels onto the HTTP error
// taxonomy. Signature failures deliberately surface a generic message.
func writeOrderError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrOrderInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, payments.ErrSignatureMismatch),
		errors.Is(err, payments.ErrIntentMismatch),
		errors.Is(err, payments.ErrAmountMismatch):
		httpx.WriteError(ctx, w, httpx.NewError("payment_verification_failed", "payment verification failed", http.StatusBadRequest))
	case errors.Is(err, payments.ErrMalformedCallback):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "callback payload is malformed", http.StatusBadRequest))
	case errors.Is(err, payments.ErrUnsupportedProvider):
		httpx.WriteError(ctx, w, httpx.NewError("unsupported_provider", "payment provider is not supported", http.StatusBadRequest))
	case errors.Is(err, payments.ErrGatewayUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("gateway_unavailable", "payment gateway unavailable", http.StatusBadGateway))
	case errors.Is(err, domain.ErrPaymentNotVerified):
		httpx.WriteError(ctx, w, httpx.NewError("payment_not_verified", "no verified payment for this request", http.StatusPaymentRequired))
	case errors.Is(err, domain.ErrStockUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("stock_unavailable", "one or more items went out of stock", http.StatusConflict))
	case errors.Is(err, domain.ErrSessionExpired):
		httpx.WriteError(ctx, w, httpx.NewError("session_expired", "checkout session expired; start a new checkout", http.StatusConflict))
	case errors.Is(err, domain.ErrCancelNotAllowed):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_cancellable", "order cannot be cancelled in its current status", http.StatusConflict))
	case errors.Is(err, domain.ErrInvalidTransition):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_transition", "requested status change is not allowed", http.StatusConflict))
	case errors.Is(err, domain.ErrOrderNotFound), errors.Is(err, domain.ErrNotOrderOwner):
		// Non-owners get the same 404 as a missing order so order IDs stay
		// unguessable.
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("order_error", "failed to process order request", http.StatusInternalServerError))
	}
}

func parseStatusFilters(values []string) ([]domain.OrderStatus, error) {
	if len(values) == 0 {
		return nil, nil
	}
	seen := make(map[domain.OrderStatus]struct{})
	statuses := make([]domain.OrderStatus, 0, len(values))
	for _, raw := range values {
		for _, part := range strings.Split(raw, ",") {
			trimmed := strings.ToLower(strings.TrimSpace(part))
			if trimmed == "" {
				continue
			}
			status := domain.OrderStatus(trimmed)
			if _, ok := validOrderStatuses[status]; !ok {
				return nil, fmt.Errorf("unknown order status %q", trimmed)
			}
			if _, ok := seen[status]; ok {
				continue
			}
			seen[status] = struct{}{}
			statuses = append(statuses, status)
		}
	}
	return statuses, nil
}

func parseTimeParam(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("timestamp is empty")
	}
	if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return ts.UTC(), nil
	}
	if ts, err := time.Parse(time.RFC3339, value); err == nil {
		return ts.UTC(), nil
	}
	return time.Time{}, errors.New("must be an RFC3339 timestamp")
}
