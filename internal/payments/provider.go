package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/threadline/api/internal/domain"
)

// Status enumerates the normalised payment states shared across providers.
type Status string

const (
	// StatusPending indicates the payment is awaiting customer action or gateway confirmation.
	StatusPending Status = "pending"
	// StatusSucceeded indicates the gateway reports the payment as successfully captured.
	StatusSucceeded Status = "succeeded"
	// StatusFailed indicates the gateway reports a failure and no further action is possible.
	StatusFailed Status = "failed"
	// StatusRefunded indicates the payment has been refunded (partially or fully).
	StatusRefunded Status = "refunded"
)

var (
	// ErrUnsupportedProvider is returned when the manager cannot locate a provider.
	ErrUnsupportedProvider = errors.New("payments: unsupported provider")
	// ErrGatewayUnavailable is returned when the gateway is unreachable or the
	// bounded call timeout elapsed. The caller retries with a fresh intent;
	// stale intents expire provider-side and are never reused.
	ErrGatewayUnavailable = errors.New("payments: gateway unavailable")
	// ErrMalformedCallback is returned when a gateway callback payload cannot
	// be translated into a payment proof.
	ErrMalformedCallback = errors.New("payments: malformed callback payload")
)

// OpenIntentRequest captures the payload required to open a payment intent.
// Amount is in the smallest currency unit and is supplied by the caller; the
// adapter never recomputes it.
type OpenIntentRequest struct {
	Amount         int64
	Currency       string
	CustomerID     string
	SuccessURL     string
	CancelURL      string
	Metadata       map[string]string
	IdempotencyKey string
}

// Intent represents the provider-side reservation returned to the client.
type Intent struct {
	IntentID     string
	Provider     string
	Amount       int64
	Currency     string
	Status       Status
	ClientSecret string
	RedirectURL  string
	ExpiresAt    time.Time
	Raw          map[string]any
}

// RefundRequest defines a gateway refund attempt.
type RefundRequest struct {
	IntentID       string
	PaymentID      string
	Amount         *int64
	Reason         string
	IdempotencyKey string
	Metadata       map[string]string
}

// LookupRequest fetches provider specific payment details for reconciliation.
type LookupRequest struct {
	IntentID string
}

// PaymentDetails normalises gateway specific fields for storage.
type PaymentDetails struct {
	Provider   string
	IntentID   string
	PaymentID  string
	Status     Status
	Amount     int64
	Currency   string
	Method     string
	Captured   bool
	CapturedAt *time.Time
	RefundedAt *time.Time
	Raw        map[string]any
}

// Provider defines the contract for payment gateway adapters. MapCallback
// performs data-shape translation only; authenticity is the verifier's job.
type Provider interface {
	OpenIntent(ctx context.Context, req OpenIntentRequest) (Intent, error)
	MapCallback(raw []byte) (domain.PaymentProof, error)
	Refund(ctx context.Context, req RefundRequest) (PaymentDetails, error)
	LookupPayment(ctx context.Context, req LookupRequest) (PaymentDetails, error)
}

// Manager coordinates provider selection and exposes the aggregated interface.
type Manager struct {
	providers       map[string]Provider
	defaultProvider string
	currencyRoutes  map[string]string
	callTimeout     time.Duration
}

// ManagerOption configures optional behaviour when building a Manager.
type ManagerOption func(*Manager)

// WithDefaultProvider overrides the default provider for currencies without explicit routing.
func WithDefaultProvider(provider string) ManagerOption {
	return func(m *Manager) {
		m.defaultProvider = provider
	}
}

// WithCurrencyRoutes configures static currency to provider mappings.
func WithCurrencyRoutes(routes map[string]string) ManagerOption {
	return func(m *Manager) {
		if len(routes) == 0 {
			return
		}
		if m.currencyRoutes == nil {
			m.currencyRoutes = make(map[string]string, len(routes))
		}
		for k, v := range routes {
			m.currencyRoutes[strings.ToUpper(strings.TrimSpace(k))] = strings.TrimSpace(v)
		}
	}
}

// WithCallTimeout bounds every outbound gateway call. Exhausting the timeout
// surfaces ErrGatewayUnavailable.
func WithCallTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.callTimeout = d
		}
	}
}

const defaultCallTimeout = 10 * time.Second

// NewManager constructs a Manager over the supplied providers.
func NewManager(providers map[string]Provider, opts ...ManagerOption) (*Manager, error) {
	if len(providers) == 0 {
		return nil, errors.New("payments: at least one provider is required")
	}
	copyMap := make(map[string]Provider, len(providers))
	for k, v := range providers {
		key := strings.TrimSpace(strings.ToLower(k))
		if key == "" || v == nil {
			return nil, fmt.Errorf("payments: invalid provider registration for key %q", k)
		}
		copyMap[key] = v
	}
	m := &Manager{
		providers:   copyMap,
		callTimeout: defaultCallTimeout,
	}
	if _, ok := copyMap["stripe"]; ok {
		m.defaultProvider = "stripe"
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// PaymentContext defines the hints available when selecting a provider.
type PaymentContext struct {
	PreferredProvider string
	Currency          string
	Metadata          map[string]string
}

func (m *Manager) resolveProvider(ctx PaymentContext) (string, Provider, error) {
	if m == nil {
		return "", nil, errors.New("payments: manager is nil")
	}
	if len(m.providers) == 0 {
		return "", nil, errors.New("payments: no providers registered")
	}
	if provider := strings.TrimSpace(strings.ToLower(ctx.PreferredProvider)); provider != "" {
		if p, ok := m.providers[provider]; ok {
			return provider, p, nil
		}
	}
	currency := strings.ToUpper(strings.TrimSpace(ctx.Currency))
	if currency != "" && m.currencyRoutes != nil {
		if providerKey, ok := m.currencyRoutes[currency]; ok {
			provider := strings.TrimSpace(strings.ToLower(providerKey))
			if p, ok := m.providers[provider]; ok {
				return provider, p, nil
			}
		}
	}
	if def := strings.TrimSpace(strings.ToLower(m.defaultProvider)); def != "" {
		if p, ok := m.providers[def]; ok {
			return def, p, nil
		}
	}
	if len(m.providers) == 1 {
		for key, p := range m.providers {
			return key, p, nil
		}
	}
	return "", nil, ErrUnsupportedProvider
}

// OpenIntent delegates to the resolved provider under the bounded call timeout.
func (m *Manager) OpenIntent(ctx context.Context, paymentCtx PaymentContext, req OpenIntentRequest) (Intent, error) {
	key, provider, err := m.resolveProvider(paymentCtx)
	if err != nil {
		return Intent{}, err
	}
	callCtx, cancel := context.WithTimeout(ctx, m.callTimeout)
	defer cancel()
	intent, err := provider.OpenIntent(callCtx, req)
	if err != nil {
		return Intent{}, translateGatewayError(err)
	}
	intent.Provider = key
	return intent, nil
}

// MapCallback translates a raw gateway callback into a payment proof using
// the resolved provider. No authenticity checks happen here.
func (m *Manager) MapCallback(paymentCtx PaymentContext, raw []byte) (domain.PaymentProof, error) {
	_, provider, err := m.resolveProvider(paymentCtx)
	if err != nil {
		return domain.PaymentProof{}, err
	}
	return provider.MapCallback(raw)
}

// Refund delegates to the resolved provider under the bounded call timeout.
func (m *Manager) Refund(ctx context.Context, paymentCtx PaymentContext, req RefundRequest) (PaymentDetails, error) {
	_, provider, err := m.resolveProvider(paymentCtx)
	if err != nil {
		return PaymentDetails{}, err
	}
	callCtx, cancel := context.WithTimeout(ctx, m.callTimeout)
	defer cancel()
	details, err := provider.Refund(callCtx, req)
	if err != nil {
		return PaymentDetails{}, translateGatewayError(err)
	}
	return details, nil
}

// LookupPayment delegates to the resolved provider under the bounded call timeout.
func (m *Manager) LookupPayment(ctx context.Context, paymentCtx PaymentContext, req LookupRequest) (PaymentDetails, error) {
	_, provider, err := m.resolveProvider(paymentCtx)
	if err != nil {
		return PaymentDetails{}, err
	}
	callCtx, cancel := context.WithTimeout(ctx, m.callTimeout)
	defer cancel()
	details, err := provider.LookupPayment(callCtx, req)
	if err != nil {
		return PaymentDetails{}, translateGatewayError(err)
	}
	return details, nil
}

func translateGatewayError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	return err
}
