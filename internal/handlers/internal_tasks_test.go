package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/threadline/api/internal/platform/idempotency"
)

type stubIdempotencyStore struct {
	cleanup func(context.Context, time.Time, int) (int, error)
}

func (s *stubIdempotencyStore) Reserve(context.Context, string, string, time.Time, time.Duration) (idempotency.Reservation, error) {
	return idempotency.Reservation{}, nil
}

func (s *stubIdempotencyStore) SaveResponse(context.Context, string, string, idempotency.Response, time.Time, time.Duration) error {
	return nil
}

func (s *stubIdempotencyStore) Release(context.Context, string, string) error {
	return nil
}

func (s *stubIdempotencyStore) CleanupExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	if s.cleanup == nil {
		return 0, nil
	}
	return s.cleanup(ctx, now, limit)
}

var _ idempotency.Store = (*stubIdempotencyStore)(nil)

func TestInternalHandlersCleanupIdempotency(t *testing.T) {
	fixed := time.Date(2025, 4, 1, 3, 0, 0, 0, time.UTC)
	var gotNow time.Time
	var gotLimit int
	store := &stubIdempotencyStore{
		cleanup: func(_ context.Context, now time.Time, limit int) (int, error) {
			gotNow = now
			gotLimit = limit
			return 7, nil
		},
	}
	r := chi.NewRouter()
	NewInternalHandlers(store, func() time.Time { return fixed }).Routes(r)

	req := httptest.NewRequest(http.MethodPost, "/tasks/idempotency-cleanup?limit=50", nil)
	rr := httptest.NewRecorder()

	r.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if !gotNow.Equal(fixed) {
		t.Fatalf("expected clock time, got %v", gotNow)
	}
	if gotLimit != 50 {
		t.Fatalf("expected limit 50, got %d", gotLimit)
	}
	if body := decodeBody(t, rr); body["removed"] != float64(7) {
		t.Fatalf("expected removed 7, got %v", body["removed"])
	}
}

func TestInternalHandlersCleanupRejectsBadLimit(t *testing.T) {
	r := chi.NewRouter()
	NewInternalHandlers(&stubIdempotencyStore{}, nil).Routes(r)

	req := httptest.NewRequest(http.MethodPost, "/tasks/idempotency-cleanup?limit=-3", nil)
	rr := httptest.NewRecorder()

	r.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}
