package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/threadline/api/internal/domain"
	"github.com/threadline/api/internal/services"
)

type stubCheckoutService struct {
	start   func(context.Context, services.StartSessionCommand) (services.CheckoutSession, error)
	get     func(context.Context, string) (services.CheckoutSession, error)
	advance func(context.Context, services.AdvanceSessionCommand) (services.CheckoutAdvanceResult, error)
	reset   func(context.Context, string) error
}

func (s *stubCheckoutService) StartSession(ctx context.Context, cmd services.StartSessionCommand) (services.CheckoutSession, error) {
	if s.start == nil {
		return services.CheckoutSession{}, nil
	}
	return s.start(ctx, cmd)
}

func (s *stubCheckoutService) GetSession(ctx context.Context, userID string) (services.CheckoutSession, error) {
	if s.get == nil {
		return services.CheckoutSession{}, nil
	}
	return s.get(ctx, userID)
}

func (s *stubCheckoutService) Advance(ctx context.Context, cmd services.AdvanceSessionCommand) (services.CheckoutAdvanceResult, error) {
	if s.advance == nil {
		return services.CheckoutAdvanceResult{}, nil
	}
	return s.advance(ctx, cmd)
}

func (s *stubCheckoutService) Reset(ctx context.Context, userID string) error {
	if s.reset == nil {
		return nil
	}
	return s.reset(ctx, userID)
}

var _ services.CheckoutService = (*stubCheckoutService)(nil)

func sampleSession(step domain.CheckoutStep) services.CheckoutSession {
	created := time.Date(2025, 4, 1, 9, 0, 0, 0, time.UTC)
	return services.CheckoutSession{
		ID:        "cs_user_1",
		UserID:    "user_1",
		Step:      step,
		CreatedAt: created,
		UpdatedAt: created,
		ExpiresAt: created.Add(30 * time.Minute),
	}
}

func newCheckoutRouter(svc services.CheckoutService) chi.Router {
	r := chi.NewRouter()
	NewCheckoutHandlers(nil, svc).Routes(r)
	return r
}

func TestCheckoutHandlersStartSession(t *testing.T) {
	var gotCmd services.StartSessionCommand
	svc := &stubCheckoutService{
		start: func(_ context.Context, cmd services.StartSessionCommand) (services.CheckoutSession, error) {
			gotCmd = cmd
			return sampleSession(domain.CheckoutStepAddress), nil
		},
	}
	router := newCheckoutRouter(svc)

	req := authedRequest(t, http.MethodPost, "/session", nil, "user_1")
	rr := httptest.NewRecorder()

	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
	}
	if gotCmd.UserID != "user_1" {
		t.Fatalf("expected user_1, got %q", gotCmd.UserID)
	}

	body := decodeBody(t, rr)
	session, ok := body["session"].(map[string]any)
	if !ok {
		t.Fatalf("expected session in response, got %v", body)
	}
	if session["step"] != "address" {
		t.Fatalf("expected address step, got %v", session["step"])
	}
}

func TestCheckoutHandlersStartSessionBusy(t *testing.T) {
	svc := &stubCheckoutService{
		start: func(context.Context, services.StartSessionCommand) (services.CheckoutSession, error) {
			return services.CheckoutSession{}, domain.ErrSessionBusy
		},
	}
	router := newCheckoutRouter(svc)

	req := authedRequest(t, http.MethodPost, "/session", nil, "user_1")
	rr := httptest.NewRecorder()

	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d", rr.Code)
	}
	if body := decodeBody(t, rr); body["error"] != "session_busy" {
		t.Fatalf("expected session_busy, got %v", body["error"])
	}
}

func TestCheckoutHandlersGetSessionNotFound(t *testing.T) {
	svc := &stubCheckoutService{
		get: func(context.Context, string) (services.CheckoutSession, error) {
			return services.CheckoutSession{}, domain.ErrSessionNotFound
		},
	}
	router := newCheckoutRouter(svc)

	req := authedRequest(t, http.MethodGet, "/session", nil, "user_1")
	rr := httptest.NewRecorder()

	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rr.Code)
	}
	if body := decodeBody(t, rr); body["error"] != "session_not_found" {
		t.Fatalf("expected session_not_found, got %v", body["error"])
	}
}

func TestCheckoutHandlersAdvanceCarriesAddress(t *testing.T) {
	var gotCmd services.AdvanceSessionCommand
	svc := &stubCheckoutService{
		advance: func(_ context.Context, cmd services.AdvanceSessionCommand) (services.CheckoutAdvanceResult, error) {
			gotCmd = cmd
			return services.CheckoutAdvanceResult{
				Session: sampleSession(domain.CheckoutStepPayment),
				Payment: &services.PaymentIntentDetails{
					IntentID:     "pi_123",
					Provider:     "stripe",
					Amount:       3600,
					Currency:     "JPY",
					ClientSecret: "secret_abc",
					ExpiresAt:    time.Date(2025, 4, 1, 9, 30, 0, 0, time.UTC),
				},
			}, nil
		},
	}
	router := newCheckoutRouter(svc)

	payload := []byte(`{
		"shippingAddress": {
			"recipient": "Aiko Tanaka",
			"line1": "1-2-3 Ginza",
			"city": "Tokyo",
			"postalCode": "104-0061",
			"country": "JP"
		},
		"giftMessage": "Happy birthday",
		"buyNow": {"productId": "prod_tee", "quantity": 1, "size": "M"}
	}`)
	req := authedRequest(t, http.MethodPost, "/session:advance", payload, "user_1")
	rr := httptest.NewRecorder()

	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if gotCmd.ShippingAddress == nil || gotCmd.ShippingAddress.Recipient != "Aiko Tanaka" {
		t.Fatalf("unexpected shipping address: %+v", gotCmd.ShippingAddress)
	}
	if gotCmd.GiftMessage == nil || *gotCmd.GiftMessage != "Happy birthday" {
		t.Fatalf("unexpected gift message: %v", gotCmd.GiftMessage)
	}
	if gotCmd.BuyNow == nil || gotCmd.BuyNow.ProductID != "prod_tee" || gotCmd.BuyNow.Size != "M" {
		t.Fatalf("unexpected buy now: %+v", gotCmd.BuyNow)
	}

	body := decodeBody(t, rr)
	payment, ok := body["payment"].(map[string]any)
	if !ok {
		t.Fatalf("expected payment in response, got %v", body)
	}
	if payment["intentId"] != "pi_123" || payment["amount"] != float64(3600) {
		t.Fatalf("unexpected payment payload: %v", payment)
	}
	session := body["session"].(map[string]any)
	if session["step"] != "payment" {
		t.Fatalf("expected payment step, got %v", session["step"])
	}
}

func TestCheckoutHandlersAdvanceAllowsEmptyBody(t *testing.T) {
	var gotCmd services.AdvanceSessionCommand
	svc := &stubCheckoutService{
		advance: func(_ context.Context, cmd services.AdvanceSessionCommand) (services.CheckoutAdvanceResult, error) {
			gotCmd = cmd
			return services.CheckoutAdvanceResult{Session: sampleSession(domain.CheckoutStepConfirmation)}, nil
		},
	}
	router := newCheckoutRouter(svc)

	req := authedRequest(t, http.MethodPost, "/session:advance", nil, "user_1")
	rr := httptest.NewRecorder()

	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if gotCmd.ShippingAddress != nil || gotCmd.BuyNow != nil {
		t.Fatalf("expected empty command, got %+v", gotCmd)
	}

	body := decodeBody(t, rr)
	if _, ok := body["payment"]; ok {
		t.Fatalf("did not expect payment in response: %v", body)
	}
}

func TestCheckoutHandlersAdvanceErrorMapping(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"empty cart", domain.ErrEmptyCart, http.StatusBadRequest, "empty_cart"},
		{"size required", domain.ErrSizeRequired, http.StatusBadRequest, "size_required"},
		{"stock gone", domain.ErrStockUnavailable, http.StatusConflict, "stock_unavailable"},
		{"busy", domain.ErrSessionBusy, http.StatusConflict, "session_busy"},
		{"precondition", domain.ErrStepPrecondition, http.StatusConflict, "step_precondition"},
		{"expired", domain.ErrSessionExpired, http.StatusConflict, "session_expired"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := &stubCheckoutService{
				advance: func(context.Context, services.AdvanceSessionCommand) (services.CheckoutAdvanceResult, error) {
					return services.CheckoutAdvanceResult{}, tc.err
				},
			}
			router := newCheckoutRouter(svc)

			req := authedRequest(t, http.MethodPost, "/session:advance", nil, "user_1")
			rr := httptest.NewRecorder()

			router.ServeHTTP(rr, req)

			if rr.Code != tc.wantStatus {
				t.Fatalf("expected status %d, got %d", tc.wantStatus, rr.Code)
			}
			if body := decodeBody(t, rr); body["error"] != tc.wantCode {
				t.Fatalf("expected code %s, got %v", tc.wantCode, body["error"])
			}
		})
	}
}

func TestCheckoutHandlersResetSession(t *testing.T) {
	var gotUserID string
	svc := &stubCheckoutService{
		reset: func(_ context.Context, userID string) error {
			gotUserID = userID
			return nil
		},
	}
	router := newCheckoutRouter(svc)

	req := authedRequest(t, http.MethodDelete, "/session", nil, "user_1")
	rr := httptest.NewRecorder()

	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected status 204, got %d", rr.Code)
	}
	if gotUserID != "user_1" {
		t.Fatalf("expected user_1, got %q", gotUserID)
	}
}

func TestCheckoutHandlersRequireIdentity(t *testing.T) {
	router := newCheckoutRouter(&stubCheckoutService{})

	req := authedRequest(t, http.MethodPost, "/session", nil, "")
	rr := httptest.NewRecorder()

	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", rr.Code)
	}
}
