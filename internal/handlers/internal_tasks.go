package handlers

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/threadline/api/internal/platform/httpx"
	"github.com/threadline/api/internal/platform/idempotency"
)

const defaultCleanupLimit = 500

// InternalHandlers serves maintenance endpoints invoked by scheduled jobs.
// The router applies the OIDC service-token middleware to this group.
type InternalHandlers struct {
	idempotency idempotency.Store
	clock       func() time.Time
}

// NewInternalHandlers constructs the internal maintenance handlers.
func NewInternalHandlers(store idempotency.Store, clock func() time.Time) *InternalHandlers {
	if clock == nil {
		clock = time.Now
	}
	return &InternalHandlers{
		idempotency: store,
		clock:       clock,
	}
}

// Routes registers the internal task endpoints.
func (h *InternalHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/tasks/idempotency-cleanup", h.cleanupIdempotency)
}

func (h *InternalHandlers) cleanupIdempotency(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.idempotency == nil {
		httpx.WriteError(ctx, w, httpx.NewError("store_unavailable", "idempotency store unavailable", http.StatusServiceUnavailable))
		return
	}

	limit := defaultCleanupLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "limit must be a positive integer", http.StatusBadRequest))
			return
		}
		limit = parsed
	}

	removed, err := h.idempotency.CleanupExpired(ctx, h.clock().UTC(), limit)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("cleanup_failed", "failed to clean up idempotency records", http.StatusInternalServerError))
		return
	}

	writeJSONResponse(w, http.StatusOK, map[string]any{
		"removed": removed,
	})
}
