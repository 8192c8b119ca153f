package handlers

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	domain "github.com/threadline/api/internal/domain"
	"github.com/threadline/api/internal/payments"
	"github.com/threadline/api/internal/services"
)

type stubCallbackMapper struct {
	mapCallback func(payments.PaymentContext, []byte) (domain.PaymentProof, error)
}

func (s *stubCallbackMapper) MapCallback(paymentCtx payments.PaymentContext, raw []byte) (domain.PaymentProof, error) {
	if s.mapCallback == nil {
		return domain.PaymentProof{}, nil
	}
	return s.mapCallback(paymentCtx, raw)
}

func newWebhookRouter(mapper CallbackMapper, orders services.OrderService, middlewares ...func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	NewWebhookHandlers(mapper, orders, middlewares...).Routes(r)
	return r
}

func TestWebhookHandlersConfirmsPayment(t *testing.T) {
	mapper := &stubCallbackMapper{
		mapCallback: func(paymentCtx payments.PaymentContext, raw []byte) (domain.PaymentProof, error) {
			if paymentCtx.PreferredProvider != "stripe" {
				t.Fatalf("expected stripe provider, got %q", paymentCtx.PreferredProvider)
			}
			if len(raw) == 0 {
				t.Fatalf("expected raw callback body")
			}
			return domain.PaymentProof{
				ProviderOrderID:   "pi_123",
				ProviderPaymentID: "ch_456",
				Signature:         "sig",
			}, nil
		},
	}
	var gotCmd services.ConfirmPaymentCommand
	orders := &stubOrderService{
		confirm: func(_ context.Context, cmd services.ConfirmPaymentCommand) (services.Order, error) {
			gotCmd = cmd
			return sampleOrder(), nil
		},
	}
	router := newWebhookRouter(mapper, orders)

	payload := []byte(`{"provider":"stripe","metadata":{"userId":"user_1"},"providerOrderId":"pi_123","providerPaymentId":"ch_456","signature":"sig"}`)
	req := httptest.NewRequest(http.MethodPost, "/payment-webhook", bytes.NewReader(payload))
	rr := httptest.NewRecorder()

	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if gotCmd.UserID != "user_1" || gotCmd.Source != "webhook" {
		t.Fatalf("unexpected command: %+v", gotCmd)
	}
	if gotCmd.Proof.ProviderPaymentID != "ch_456" {
		t.Fatalf("unexpected proof: %+v", gotCmd.Proof)
	}

	body := decodeBody(t, rr)
	if body["received"] != true {
		t.Fatalf("expected received true, got %v", body["received"])
	}
	if body["orderId"] != "ord_TEST0001" {
		t.Fatalf("expected order id, got %v", body["orderId"])
	}
}

func TestWebhookHandlersRejectsUnattributableCallback(t *testing.T) {
	router := newWebhookRouter(&stubCallbackMapper{}, &stubOrderService{})

	payload := []byte(`{"provider":"stripe","providerOrderId":"pi_123"}`)
	req := httptest.NewRequest(http.MethodPost, "/payment-webhook", bytes.NewReader(payload))
	rr := httptest.NewRecorder()

	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
	if body := decodeBody(t, rr); body["error"] != "invalid_request" {
		t.Fatalf("expected invalid_request, got %v", body["error"])
	}
}

func TestWebhookHandlersMapsCallbackErrors(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"malformed", payments.ErrMalformedCallback, http.StatusBadRequest, "invalid_request"},
		{"signature", payments.ErrSignatureMismatch, http.StatusBadRequest, "payment_verification_failed"},
		{"unsupported", payments.ErrUnsupportedProvider, http.StatusBadRequest, "unsupported_provider"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			mapper := &stubCallbackMapper{
				mapCallback: func(payments.PaymentContext, []byte) (domain.PaymentProof, error) {
					return domain.PaymentProof{}, tc.err
				},
			}
			router := newWebhookRouter(mapper, &stubOrderService{})

			payload := []byte(`{"provider":"stripe","userId":"user_1"}`)
			req := httptest.NewRequest(http.MethodPost, "/payment-webhook", bytes.NewReader(payload))
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

func TestWebhookHandlersDuplicateDeliveryReturnsOrder(t *testing.T) {
	// The order service collapses a replayed proof onto the committed order,
	// so the handler simply acknowledges again.
	orders := &stubOrderService{
		confirm: func(context.Context, services.ConfirmPaymentCommand) (services.Order, error) {
			return sampleOrder(), nil
		},
	}
	router := newWebhookRouter(&stubCallbackMapper{}, orders)

	payload := []byte(`{"provider":"stripe","userId":"user_1"}`)
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/payment-webhook", bytes.NewReader(payload))
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Fatalf("delivery %d: expected status 200, got %d", i+1, rr.Code)
		}
	}
}

func TestWebhookHandlersAppliesMiddlewares(t *testing.T) {
	rejecting := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("X-Signature") == "" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
	orders := &stubOrderService{
		confirm: func(context.Context, services.ConfirmPaymentCommand) (services.Order, error) {
			return sampleOrder(), nil
		},
	}
	router := newWebhookRouter(&stubCallbackMapper{}, orders, rejecting)

	payload := []byte(`{"provider":"stripe","userId":"user_1"}`)

	unsigned := httptest.NewRequest(http.MethodPost, "/payment-webhook", bytes.NewReader(payload))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, unsigned)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401 without signature header, got %d", rr.Code)
	}

	signed := httptest.NewRequest(http.MethodPost, "/payment-webhook", bytes.NewReader(payload))
	signed.Header.Set("X-Signature", "hmac")
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, signed)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200 with signature header, got %d", rr.Code)
	}
}
