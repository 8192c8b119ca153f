package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"

	"github.com/threadline/api/internal/domain"
)

// StripeLogger defines the logging contract for Stripe provider operations.
type StripeLogger func(ctx context.Context, event string, fields map[string]any)

type stripeSessionAPI interface {
	New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

type stripePaymentIntentAPI interface {
	Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

type stripeRefundAPI interface {
	New(params *stripe.RefundParams) (*stripe.Refund, error)
}

type stripeClients struct {
	sessions stripeSessionAPI
	intents  stripePaymentIntentAPI
	refunds  stripeRefundAPI
}

// StripeProviderConfig configures the StripeProvider.
type StripeProviderConfig struct {
	APIKey    string
	AccountID string
	Backends  *stripe.Backends
	Logger    StripeLogger
	Clock     func() time.Time
	Clients   *stripeClients
}

// StripeProvider implements the Provider interface using Stripe APIs.
type StripeProvider struct {
	api     stripeClients
	account string
	clock   func() time.Time
	logger  StripeLogger
}

// NewStripeProvider constructs a Stripe Provider using the given configuration.
func NewStripeProvider(cfg StripeProviderConfig) (*StripeProvider, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" && cfg.Clients == nil {
		return nil, errors.New("stripe: api key is required")
	}

	var clients stripeClients
	if cfg.Clients != nil {
		clients = *cfg.Clients
	} else {
		sc := client.New(apiKey, cfg.Backends)
		clients = stripeClients{
			sessions: sc.CheckoutSessions,
			intents:  sc.PaymentIntents,
			refunds:  sc.Refunds,
		}
	}

	if clients.sessions == nil || clients.intents == nil || clients.refunds == nil {
		return nil, errors.New("stripe: incomplete client configuration")
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &StripeProvider{
		api:     clients,
		account: strings.TrimSpace(cfg.AccountID),
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// OpenIntent creates a Stripe Checkout session reserving the supplied amount.
// The amount arrives precomputed in minor units and is never recalculated here.
func (p *StripeProvider) OpenIntent(ctx context.Context, req OpenIntentRequest) (Intent, error) {
	if p == nil {
		return Intent{}, errors.New("stripe: provider is nil")
	}
	if req.Amount <= 0 {
		return Intent{}, errors.New("stripe: amount must be positive")
	}

	params := &stripe.CheckoutSessionParams{
		Mode:       stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL: stripe.String(req.SuccessURL),
		CancelURL:  stripe.String(req.CancelURL),
	}

	params.Context = ctx
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if p.account != "" {
		params.SetStripeAccount(p.account)
	}
	if req.CustomerID != "" {
		params.Customer = stripe.String(req.CustomerID)
	}
	if len(req.Metadata) > 0 {
		params.Metadata = make(map[string]string, len(req.Metadata))
		for k, v := range req.Metadata {
			params.Metadata[k] = v
		}
	}

	params.LineItems = []*stripe.CheckoutSessionLineItemParams{
		{
			Quantity: stripe.Int64(1),
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(strings.ToLower(req.Currency)),
				UnitAmount: stripe.Int64(req.Amount),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String("Order"),
				},
			},
		},
	}
	params.PaymentIntentData = &stripe.CheckoutSessionPaymentIntentDataParams{}
	if len(req.Metadata) > 0 {
		params.PaymentIntentData.Metadata = make(map[string]string, len(req.Metadata))
		for k, v := range req.Metadata {
			params.PaymentIntentData.Metadata[k] = v
		}
	}

	session, err := p.api.sessions.New(params)
	if err != nil {
		return Intent{}, fmt.Errorf("stripe: open intent: %w", err)
	}

	intentID := session.ID
	if session.PaymentIntent != nil && session.PaymentIntent.ID != "" {
		intentID = session.PaymentIntent.ID
	}

	p.logger(ctx, "payments.stripe.intent.opened", map[string]any{
		"sessionId": session.ID,
		"intentId":  intentID,
		"currency":  session.Currency,
	})

	expiresAt := p.clock().Add(30 * time.Minute)
	if session.ExpiresAt != 0 {
		expiresAt = time.Unix(session.ExpiresAt, 0).UTC()
	}

	raw := map[string]any{}
	if data, err := json.Marshal(session); err == nil {
		_ = json.Unmarshal(data, &raw)
	} else {
		raw["session"] = session
	}

	return Intent{
		IntentID:     intentID,
		Provider:     "stripe",
		Amount:       req.Amount,
		Currency:     strings.ToLower(req.Currency),
		Status:       StatusPending,
		ClientSecret: session.ClientSecret,
		RedirectURL:  session.URL,
		ExpiresAt:    expiresAt,
		Raw:          raw,
	}, nil
}

// stripeCallbackPayload mirrors the JSON shape delivered by the gateway
// redirect and webhook relays.
type stripeCallbackPayload struct {
	ProviderOrderID   string `json:"providerOrderId"`
	ProviderPaymentID string `json:"providerPaymentId"`
	Signature         string `json:"signature"`
	PaymentIntent     string `json:"payment_intent"`
	Charge            string `json:"charge"`
}

// MapCallback translates a raw callback payload into a payment proof. It is a
// pure shape translation; authenticity is checked by the verifier.
func (p *StripeProvider) MapCallback(raw []byte) (domain.PaymentProof, error) {
	if len(raw) == 0 {
		return domain.PaymentProof{}, fmt.Errorf("%w: empty payload", ErrMalformedCallback)
	}

	var payload stripeCallbackPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return domain.PaymentProof{}, fmt.Errorf("%w: %v", ErrMalformedCallback, err)
	}

	orderID := strings.TrimSpace(payload.ProviderOrderID)
	if orderID == "" {
		orderID = strings.TrimSpace(payload.PaymentIntent)
	}
	paymentID := strings.TrimSpace(payload.ProviderPaymentID)
	if paymentID == "" {
		paymentID = strings.TrimSpace(payload.Charge)
	}
	signature := strings.TrimSpace(payload.Signature)

	if orderID == "" || paymentID == "" || signature == "" {
		return domain.PaymentProof{}, fmt.Errorf("%w: missing proof fields", ErrMalformedCallback)
	}

	return domain.PaymentProof{
		ProviderOrderID:   orderID,
		ProviderPaymentID: paymentID,
		Signature:         signature,
	}, nil
}

// Refund creates a refund for the provided Payment Intent.
func (p *StripeProvider) Refund(ctx context.Context, req RefundRequest) (PaymentDetails, error) {
	if p == nil {
		return PaymentDetails{}, errors.New("stripe: provider is nil")
	}
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(req.IntentID),
	}
	params.Context = ctx
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if p.account != "" {
		params.SetStripeAccount(p.account)
	}
	if req.Amount != nil {
		params.Amount = stripe.Int64(*req.Amount)
	}
	if reason := mapStripeRefundReason(req.Reason); reason != "" {
		params.Reason = stripe.String(reason)
	}
	if len(req.Metadata) > 0 {
		params.Metadata = make(map[string]string, len(req.Metadata))
		for k, v := range req.Metadata {
			params.Metadata[k] = v
		}
	}
	if _, err := p.api.refunds.New(params); err != nil {
		return PaymentDetails{}, fmt.Errorf("stripe: refund payment intent: %w", err)
	}
	p.logger(ctx, "payments.stripe.intent.refunded", map[string]any{
		"paymentIntent": req.IntentID,
	})
	return p.LookupPayment(ctx, LookupRequest{IntentID: req.IntentID})
}

// LookupPayment retrieves a Stripe Payment Intent.
func (p *StripeProvider) LookupPayment(ctx context.Context, req LookupRequest) (PaymentDetails, error) {
	if p == nil {
		return PaymentDetails{}, errors.New("stripe: provider is nil")
	}
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	if p.account != "" {
		params.SetStripeAccount(p.account)
	}
	intent, err := p.api.intents.Get(req.IntentID, params)
	if err != nil {
		return PaymentDetails{}, fmt.Errorf("stripe: lookup payment intent: %w", err)
	}
	return stripePaymentDetails(intent), nil
}

func stripePaymentDetails(intent *stripe.PaymentIntent) PaymentDetails {
	if intent == nil {
		return PaymentDetails{}
	}

	status := StatusPending
	switch intent.Status {
	case stripe.PaymentIntentStatusSucceeded:
		status = StatusSucceeded
	case stripe.PaymentIntentStatusCanceled:
		status = StatusFailed
	case stripe.PaymentIntentStatusRequiresPaymentMethod, stripe.PaymentIntentStatusProcessing, stripe.PaymentIntentStatusRequiresAction, stripe.PaymentIntentStatusRequiresConfirmation, stripe.PaymentIntentStatusRequiresCapture:
		status = StatusPending
	}

	var capturedAt *time.Time
	var refundedAt *time.Time
	captured := intent.Status == stripe.PaymentIntentStatusSucceeded

	paymentID := ""
	method := ""
	if charge := intent.LatestCharge; charge != nil {
		paymentID = charge.ID
		if charge.PaymentMethodDetails != nil {
			method = string(charge.PaymentMethodDetails.Type)
		}
		if charge.Paid || charge.Captured {
			t := time.Unix(charge.Created, 0).UTC()
			capturedAt = &t
			captured = true
		}
		if charge.Refunded || charge.AmountRefunded > 0 {
			t := time.Unix(charge.Created, 0).UTC()
			refundedAt = &t
			if charge.AmountRefunded >= charge.Amount && charge.Amount > 0 {
				status = StatusRefunded
			}
		}
	}

	if intent.Status == stripe.PaymentIntentStatusSucceeded && status != StatusRefunded {
		status = StatusSucceeded
	}

	currency := strings.ToUpper(string(intent.Currency))
	if currency == "" && intent.LatestCharge != nil {
		currency = strings.ToUpper(string(intent.LatestCharge.Currency))
	}

	raw := map[string]any{}
	if data, err := json.Marshal(intent); err == nil {
		_ = json.Unmarshal(data, &raw)
	} else {
		raw["payment_intent"] = intent
	}

	return PaymentDetails{
		Provider:   "stripe",
		IntentID:   intent.ID,
		PaymentID:  paymentID,
		Status:     status,
		Amount:     intent.Amount,
		Currency:   currency,
		Method:     method,
		Captured:   captured,
		CapturedAt: capturedAt,
		RefundedAt: refundedAt,
		Raw:        raw,
	}
}

func mapStripeRefundReason(reason string) string {
	switch strings.ToLower(strings.TrimSpace(reason)) {
	case string(stripe.RefundReasonDuplicate):
		return string(stripe.RefundReasonDuplicate)
	case string(stripe.RefundReasonFraudulent):
		return string(stripe.RefundReasonFraudulent)
	case string(stripe.RefundReasonRequestedByCustomer):
		return string(stripe.RefundReasonRequestedByCustomer)
	default:
		return ""
	}
}
