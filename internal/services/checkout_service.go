package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/threadline/api/internal/domain"
	"github.com/threadline/api/internal/payments"
	"github.com/threadline/api/internal/repositories"
)

const (
	sessionIDPrefix = "cks_"

	defaultCheckoutSessionTTL = 30 * time.Minute
	defaultCheckoutBusyLease  = 10 * time.Second
)

// ErrCheckoutInvalidInput signals the caller supplied a malformed checkout request.
var ErrCheckoutInvalidInput = errors.New("checkout: invalid input")

// PaymentIntentOpener opens provider-side payment intents. Implemented by
// payments.Manager.
type PaymentIntentOpener interface {
	OpenIntent(ctx context.Context, paymentCtx payments.PaymentContext, req payments.OpenIntentRequest) (payments.Intent, error)
}

// CheckoutServiceDeps bundles collaborators required to construct the checkout service.
type CheckoutServiceDeps struct {
	Sessions    repositories.CheckoutSessionRepository
	Snapshot    SnapshotService
	Gateway     PaymentIntentOpener
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)

	// SessionTTL bounds how long an idle session stays resumable.
	SessionTTL time.Duration
	// BusyLease bounds how long one mutation may hold the per-user lock.
	BusyLease time.Duration

	SuccessURL string
	CancelURL  string
}

type checkoutService struct {
	sessions   repositories.CheckoutSessionRepository
	snapshot   SnapshotService
	gateway    PaymentIntentOpener
	clock      func() time.Time
	newID      func() string
	logger     func(context.Context, string, map[string]any)
	sessionTTL time.Duration
	busyLease  time.Duration
	successURL string
	cancelURL  string
}

// NewCheckoutService wires dependencies into a concrete CheckoutService implementation.
func NewCheckoutService(deps CheckoutServiceDeps) (CheckoutService, error) {
	if deps.Sessions == nil {
		return nil, errors.New("checkout service: session repository is required")
	}
	if deps.Snapshot == nil {
		return nil, errors.New("checkout service: snapshot service is required")
	}
	if deps.Gateway == nil {
		return nil, errors.New("checkout service: payment gateway is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	sessionTTL := deps.SessionTTL
	if sessionTTL <= 0 {
		sessionTTL = defaultCheckoutSessionTTL
	}
	busyLease := deps.BusyLease
	if busyLease <= 0 {
		busyLease = defaultCheckoutBusyLease
	}

	return &checkoutService{
		sessions: deps.Sessions,
		snapshot: deps.Snapshot,
		gateway:  deps.Gateway,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:      idGen,
		logger:     logger,
		sessionTTL: sessionTTL,
		busyLease:  busyLease,
		successURL: strings.TrimSpace(deps.SuccessURL),
		cancelURL:  strings.TrimSpace(deps.CancelURL),
	}, nil
}

// StartSession opens a fresh wizard at the address step. An active session is
// returned as-is so a reloaded client resumes where it left off; an expired
// or completed one is replaced.
func (s *checkoutService) StartSession(ctx context.Context, cmd StartSessionCommand) (CheckoutSession, error) {
	userID := strings.TrimSpace(cmd.UserID)
	if userID == "" {
		return CheckoutSession{}, fmt.Errorf("%w: user id is required", ErrCheckoutInvalidInput)
	}

	release, err := s.acquireLease(ctx, userID)
	if err != nil {
		return CheckoutSession{}, err
	}
	defer release()

	now := s.now()
	existing, err := s.sessions.Get(ctx, userID)
	switch {
	case err == nil:
		if existing.ExpiresAt.After(now) && existing.Step != domain.CheckoutStepConfirmation {
			return existing, nil
		}
	case isNotFound(err):
		// no session yet
	default:
		return CheckoutSession{}, err
	}

	session := CheckoutSession{
		ID:        sessionIDPrefix + s.newID(),
		UserID:    userID,
		Step:      domain.CheckoutStepAddress,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(s.sessionTTL),
	}
	stored, err := s.sessions.Put(ctx, session)
	if err != nil {
		return CheckoutSession{}, err
	}

	s.logger(ctx, "checkout.session_started", map[string]any{
		"userId":    userID,
		"sessionId": stored.ID,
	})
	return stored, nil
}

func (s *checkoutService) GetSession(ctx context.Context, userID string) (CheckoutSession, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return CheckoutSession{}, fmt.Errorf("%w: user id is required", ErrCheckoutInvalidInput)
	}

	session, err := s.sessions.Get(ctx, userID)
	if err != nil {
		if isNotFound(err) {
			return CheckoutSession{}, domain.ErrSessionNotFound
		}
		return CheckoutSession{}, err
	}
	if !session.ExpiresAt.After(s.now()) {
		return CheckoutSession{}, domain.ErrSessionExpired
	}
	return session, nil
}

// Advance moves the wizard one step forward. Leaving the address step freezes
// the cart (or a buy-now item) and opens the payment intent; leaving the
// payment step requires the order to have been committed already.
func (s *checkoutService) Advance(ctx context.Context, cmd AdvanceSessionCommand) (CheckoutAdvanceResult, error) {
	userID := strings.TrimSpace(cmd.UserID)
	if userID == "" {
		return CheckoutAdvanceResult{}, fmt.Errorf("%w: user id is required", ErrCheckoutInvalidInput)
	}

	release, err := s.acquireLease(ctx, userID)
	if err != nil {
		return CheckoutAdvanceResult{}, err
	}
	defer release()

	session, err := s.sessions.Get(ctx, userID)
	if err != nil {
		if isNotFound(err) {
			return CheckoutAdvanceResult{}, domain.ErrSessionNotFound
		}
		return CheckoutAdvanceResult{}, err
	}

	now := s.now()
	if !session.ExpiresAt.After(now) {
		return CheckoutAdvanceResult{}, domain.ErrSessionExpired
	}

	switch session.Step {
	case domain.CheckoutStepAddress:
		return s.advanceToPayment(ctx, session, cmd, now)
	case domain.CheckoutStepPayment:
		return s.advanceToConfirmation(ctx, session, now)
	default:
		return CheckoutAdvanceResult{}, fmt.Errorf("%w: session already completed", domain.ErrStepPrecondition)
	}
}

func (s *checkoutService) advanceToPayment(ctx context.Context, session CheckoutSession, cmd AdvanceSessionCommand, now time.Time) (CheckoutAdvanceResult, error) {
	if cmd.ShippingAddress == nil {
		return CheckoutAdvanceResult{}, fmt.Errorf("%w: shipping address is required", domain.ErrStepPrecondition)
	}

	var (
		draft OrderDraft
		err   error
	)
	if cmd.BuyNow != nil {
		draft, err = s.snapshot.FreezeItem(ctx, FreezeItemCommand{
			UserID:          session.UserID,
			ProductID:       cmd.BuyNow.ProductID,
			Quantity:        cmd.BuyNow.Quantity,
			Size:            cmd.BuyNow.Size,
			ShippingAddress: *cmd.ShippingAddress,
			GiftMessage:     cmd.GiftMessage,
		})
	} else {
		draft, err = s.snapshot.FreezeCart(ctx, FreezeCartCommand{
			UserID:          session.UserID,
			ShippingAddress: *cmd.ShippingAddress,
			GiftMessage:     cmd.GiftMessage,
		})
	}
	if err != nil {
		return CheckoutAdvanceResult{}, err
	}

	intent, err := s.gateway.OpenIntent(ctx, payments.PaymentContext{
		Currency: draft.Currency,
	}, payments.OpenIntentRequest{
		Amount:     draft.Subtotal,
		Currency:   draft.Currency,
		CustomerID: session.UserID,
		SuccessURL: s.successURL,
		CancelURL:  s.cancelURL,
		Metadata: map[string]string{
			"draftId":   draft.ID,
			"sessionId": session.ID,
			"userId":    session.UserID,
		},
		IdempotencyKey: draft.ID,
	})
	if err != nil {
		return CheckoutAdvanceResult{}, err
	}

	session.Step = domain.CheckoutStepPayment
	session.ShippingAddress = &draft.ShippingAddress
	session.Draft = &draft
	session.IntentID = &intent.IntentID
	session.UpdatedAt = now

	stored, err := s.sessions.Put(ctx, session)
	if err != nil {
		return CheckoutAdvanceResult{}, err
	}

	s.logger(ctx, "checkout.payment_opened", map[string]any{
		"userId":    session.UserID,
		"sessionId": session.ID,
		"intentId":  intent.IntentID,
		"amount":    draft.Subtotal,
	})
	return CheckoutAdvanceResult{
		Session: stored,
		Payment: &PaymentIntentDetails{
			IntentID:     intent.IntentID,
			Provider:     intent.Provider,
			Amount:       intent.Amount,
			Currency:     intent.Currency,
			ClientSecret: intent.ClientSecret,
			RedirectURL:  intent.RedirectURL,
			ExpiresAt:    intent.ExpiresAt,
		},
	}, nil
}

// advanceToConfirmation covers the case where payment confirmation committed
// the order but could not move the session forward. Without a committed
// order the step boundary holds.
func (s *checkoutService) advanceToConfirmation(ctx context.Context, session CheckoutSession, now time.Time) (CheckoutAdvanceResult, error) {
	if session.OrderID == nil {
		return CheckoutAdvanceResult{}, fmt.Errorf("%w: payment has not been confirmed", domain.ErrStepPrecondition)
	}

	session.Step = domain.CheckoutStepConfirmation
	session.UpdatedAt = now
	stored, err := s.sessions.Put(ctx, session)
	if err != nil {
		return CheckoutAdvanceResult{}, err
	}
	return CheckoutAdvanceResult{Session: stored}, nil
}

// Reset abandons the wizard. Deleting an absent session is not an error.
func (s *checkoutService) Reset(ctx context.Context, userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return fmt.Errorf("%w: user id is required", ErrCheckoutInvalidInput)
	}

	release, err := s.acquireLease(ctx, userID)
	if err != nil {
		return err
	}
	defer release()

	if err := s.sessions.Delete(ctx, userID); err != nil && !isNotFound(err) {
		return err
	}

	s.logger(ctx, "checkout.session_reset", map[string]any{"userId": userID})
	return nil
}

func (s *checkoutService) acquireLease(ctx context.Context, userID string) (func(), error) {
	if err := s.sessions.AcquireLease(ctx, userID, s.now(), s.busyLease); err != nil {
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) && repoErr.IsConflict() {
			return nil, domain.ErrSessionBusy
		}
		return nil, err
	}
	return func() {
		if err := s.sessions.ReleaseLease(ctx, userID); err != nil {
			s.logger(ctx, "checkout.lease_release_failed", map[string]any{
				"userId": userID,
				"error":  err.Error(),
			})
		}
	}, nil
}

func (s *checkoutService) now() time.Time {
	return s.clock()
}

func isNotFound(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}
