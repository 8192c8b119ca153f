package payments

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v78"
)

type stubSessionAPI struct {
	params  *stripe.CheckoutSessionParams
	session *stripe.CheckoutSession
	err     error
}

func (s *stubSessionAPI) New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	s.params = params
	return s.session, s.err
}

type stubIntentAPI struct {
	intent *stripe.PaymentIntent
	err    error
}

func (s *stubIntentAPI) Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	return s.intent, s.err
}

type stubRefundAPI struct {
	params *stripe.RefundParams
	err    error
}

func (s *stubRefundAPI) New(params *stripe.RefundParams) (*stripe.Refund, error) {
	s.params = params
	return &stripe.Refund{ID: "re_1"}, s.err
}

func newTestStripeProvider(t *testing.T, clients stripeClients) *StripeProvider {
	t.Helper()
	provider, err := NewStripeProvider(StripeProviderConfig{
		Clients: &clients,
		Clock: func() time.Time {
			return time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
		},
	})
	if err != nil {
		t.Fatalf("new stripe provider: %v", err)
	}
	return provider
}

func TestStripeOpenIntentPrefersPaymentIntentID(t *testing.T) {
	sessions := &stubSessionAPI{session: &stripe.CheckoutSession{
		ID:            "cs_test_1",
		URL:           "https://checkout.stripe.test/cs_test_1",
		PaymentIntent: &stripe.PaymentIntent{ID: "pi_123"},
	}}
	provider := newTestStripeProvider(t, stripeClients{
		sessions: sessions,
		intents:  &stubIntentAPI{},
		refunds:  &stubRefundAPI{},
	})

	intent, err := provider.OpenIntent(context.Background(), OpenIntentRequest{
		Amount:   12500,
		Currency: "USD",
	})
	if err != nil {
		t.Fatalf("open intent: %v", err)
	}

	if intent.IntentID != "pi_123" {
		t.Fatalf("expected intent id 'pi_123', got %q", intent.IntentID)
	}
	if intent.Amount != 12500 {
		t.Fatalf("expected amount passed through unchanged, got %d", intent.Amount)
	}
	if intent.Status != StatusPending {
		t.Fatalf("expected pending status, got %q", intent.Status)
	}

	if sessions.params == nil || len(sessions.params.LineItems) != 1 {
		t.Fatalf("expected a single line item")
	}
	unit := sessions.params.LineItems[0].PriceData.UnitAmount
	if unit == nil || *unit != 12500 {
		t.Fatalf("expected unit amount 12500, got %v", unit)
	}
}

func TestStripeOpenIntentFallsBackToSessionID(t *testing.T) {
	sessions := &stubSessionAPI{session: &stripe.CheckoutSession{
		ID:        "cs_test_2",
		ExpiresAt: time.Date(2025, 3, 1, 13, 0, 0, 0, time.UTC).Unix(),
	}}
	provider := newTestStripeProvider(t, stripeClients{
		sessions: sessions,
		intents:  &stubIntentAPI{},
		refunds:  &stubRefundAPI{},
	})

	intent, err := provider.OpenIntent(context.Background(), OpenIntentRequest{
		Amount:   900,
		Currency: "USD",
	})
	if err != nil {
		t.Fatalf("open intent: %v", err)
	}
	if intent.IntentID != "cs_test_2" {
		t.Fatalf("expected session id fallback, got %q", intent.IntentID)
	}
	if !intent.ExpiresAt.Equal(time.Date(2025, 3, 1, 13, 0, 0, 0, time.UTC)) {
		t.Fatalf("expected session expiry to be honoured, got %v", intent.ExpiresAt)
	}
}

func TestStripeOpenIntentRejectsNonPositiveAmount(t *testing.T) {
	provider := newTestStripeProvider(t, stripeClients{
		sessions: &stubSessionAPI{},
		intents:  &stubIntentAPI{},
		refunds:  &stubRefundAPI{},
	})

	if _, err := provider.OpenIntent(context.Background(), OpenIntentRequest{Amount: 0, Currency: "USD"}); err == nil {
		t.Fatalf("expected error for zero amount")
	}
}

func TestStripeMapCallbackTranslatesCanonicalFields(t *testing.T) {
	provider := newTestStripeProvider(t, stripeClients{
		sessions: &stubSessionAPI{},
		intents:  &stubIntentAPI{},
		refunds:  &stubRefundAPI{},
	})

	proof, err := provider.MapCallback([]byte(`{
		"providerOrderId": "pi_123",
		"providerPaymentId": "ch_456",
		"signature": "abcdef"
	}`))
	if err != nil {
		t.Fatalf("map callback: %v", err)
	}
	if proof.ProviderOrderID != "pi_123" || proof.ProviderPaymentID != "ch_456" || proof.Signature != "abcdef" {
		t.Fatalf("unexpected proof %+v", proof)
	}
}

func TestStripeMapCallbackAcceptsGatewayAliases(t *testing.T) {
	provider := newTestStripeProvider(t, stripeClients{
		sessions: &stubSessionAPI{},
		intents:  &stubIntentAPI{},
		refunds:  &stubRefundAPI{},
	})

	proof, err := provider.MapCallback([]byte(`{
		"payment_intent": "pi_789",
		"charge": "ch_012",
		"signature": "abcdef"
	}`))
	if err != nil {
		t.Fatalf("map callback: %v", err)
	}
	if proof.ProviderOrderID != "pi_789" || proof.ProviderPaymentID != "ch_012" {
		t.Fatalf("unexpected proof %+v", proof)
	}
}

func TestStripeMapCallbackRejectsMalformedPayloads(t *testing.T) {
	provider := newTestStripeProvider(t, stripeClients{
		sessions: &stubSessionAPI{},
		intents:  &stubIntentAPI{},
		refunds:  &stubRefundAPI{},
	})

	cases := [][]byte{
		nil,
		[]byte(`not json`),
		[]byte(`{"providerOrderId": "pi_123"}`),
		[]byte(`{"providerOrderId": "pi_123", "providerPaymentId": "ch_456"}`),
	}
	for _, raw := range cases {
		if _, err := provider.MapCallback(raw); !errors.Is(err, ErrMalformedCallback) {
			t.Fatalf("expected ErrMalformedCallback for %q, got %v", raw, err)
		}
	}
}

func TestStripeRefundThenLookup(t *testing.T) {
	refunds := &stubRefundAPI{}
	intents := &stubIntentAPI{intent: &stripe.PaymentIntent{
		ID:       "pi_123",
		Amount:   5000,
		Currency: stripe.CurrencyUSD,
		Status:   stripe.PaymentIntentStatusSucceeded,
		LatestCharge: &stripe.Charge{
			ID:             "ch_456",
			Amount:         5000,
			AmountRefunded: 5000,
			Refunded:       true,
			Created:        time.Date(2025, 3, 1, 12, 30, 0, 0, time.UTC).Unix(),
		},
	}}
	provider := newTestStripeProvider(t, stripeClients{
		sessions: &stubSessionAPI{},
		intents:  intents,
		refunds:  refunds,
	})

	details, err := provider.Refund(context.Background(), RefundRequest{
		IntentID: "pi_123",
		Reason:   "requested_by_customer",
	})
	if err != nil {
		t.Fatalf("refund: %v", err)
	}

	if refunds.params == nil || refunds.params.PaymentIntent == nil || *refunds.params.PaymentIntent != "pi_123" {
		t.Fatalf("expected refund against pi_123")
	}
	if refunds.params.Reason == nil || *refunds.params.Reason != string(stripe.RefundReasonRequestedByCustomer) {
		t.Fatalf("expected mapped refund reason")
	}
	if details.Status != StatusRefunded {
		t.Fatalf("expected refunded status, got %q", details.Status)
	}
	if details.PaymentID != "ch_456" {
		t.Fatalf("expected charge id in details, got %q", details.PaymentID)
	}
}
