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
	orderEventCreated       = "order.created"
	orderEventStatusChanged = "order.status.changed"
	orderEventCancelled     = "order.cancelled"

	orderIDPrefix = "ord_"
)

// ErrOrderInvalidInput signals the caller provided invalid data.
var ErrOrderInvalidInput = errors.New("order: invalid input")

// PaymentVerifier validates payment proofs against the intent they claim to
// fulfil. Implemented by payments.Verifier.
type PaymentVerifier interface {
	Verify(proof domain.PaymentProof, expectedIntentID string, expectedAmount int64) (domain.VerifiedPayment, error)
}

// PaymentGateway is the provider-facing surface the order service needs.
// Implemented by payments.Manager.
type PaymentGateway interface {
	LookupPayment(ctx context.Context, paymentCtx payments.PaymentContext, req payments.LookupRequest) (payments.PaymentDetails, error)
	Refund(ctx context.Context, paymentCtx payments.PaymentContext, req payments.RefundRequest) (payments.PaymentDetails, error)
}

// OrderServiceDeps bundles collaborators required to construct the order service.
type OrderServiceDeps struct {
	Orders      repositories.OrderRepository
	Inventory   repositories.InventoryRepository
	Carts       repositories.CartRepository
	Sessions    repositories.CheckoutSessionRepository
	Counters    CounterService
	Verifier    PaymentVerifier
	Gateway     PaymentGateway
	UnitOfWork  repositories.UnitOfWork
	Clock       func() time.Time
	IDGenerator func() string
	Events      OrderEventPublisher
	Archiver    ReceiptArchiver
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type orderService struct {
	orders     repositories.OrderRepository
	inventory  repositories.InventoryRepository
	carts      repositories.CartRepository
	sessions   repositories.CheckoutSessionRepository
	counters   CounterService
	verifier   PaymentVerifier
	gateway    PaymentGateway
	unitOfWork repositories.UnitOfWork
	clock      func() time.Time
	newID      func() string
	events     OrderEventPublisher
	archiver   ReceiptArchiver
	logger     func(context.Context, string, map[string]any)
}

// NewOrderService wires dependencies into a concrete OrderService implementation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}
	if deps.Inventory == nil {
		return nil, errors.New("order service: inventory repository is required")
	}
	if deps.Sessions == nil {
		return nil, errors.New("order service: checkout session repository is required")
	}
	if deps.Counters == nil {
		return nil, errors.New("order service: counter service is required")
	}
	if deps.Verifier == nil {
		return nil, errors.New("order service: payment verifier is required")
	}

	unit := deps.UnitOfWork
	if unit == nil {
		unit = noopUnitOfWork{}
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

	return &orderService{
		orders:     deps.Orders,
		inventory:  deps.Inventory,
		carts:      deps.Carts,
		sessions:   deps.Sessions,
		counters:   deps.Counters,
		verifier:   deps.Verifier,
		gateway:    deps.Gateway,
		unitOfWork: unit,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:    idGen,
		events:   deps.Events,
		archiver: deps.Archiver,
		logger:   logger,
	}, nil
}

// ConfirmPayment is the single funnel that turns a verified payment into an
// order. Both the client redirect and the gateway webhook land here; the
// first delivery commits the order, every later one finds the existing order
// by its provider payment reference and returns it unchanged.
func (s *orderService) ConfirmPayment(ctx context.Context, cmd ConfirmPaymentCommand) (Order, error) {
	userID := strings.TrimSpace(cmd.UserID)
	if userID == "" {
		return Order{}, fmt.Errorf("%w: user id is required", ErrOrderInvalidInput)
	}
	paymentID := strings.TrimSpace(cmd.Proof.ProviderPaymentID)
	if paymentID == "" {
		return Order{}, fmt.Errorf("%w: provider payment id is required", ErrOrderInvalidInput)
	}

	// Fast path: a previous delivery already committed this payment.
	if existing, err := s.orders.FindByPaymentRef(ctx, userID, paymentID); err == nil {
		s.logger(ctx, "order.confirm.duplicate", map[string]any{
			"userId":  userID,
			"orderId": existing.ID,
			"source":  cmd.Source,
		})
		return existing, nil
	} else if mapped := mapOrderRepositoryError(err); !errors.Is(mapped, domain.ErrOrderNotFound) {
		return Order{}, mapped
	}

	session, err := s.sessions.Get(ctx, userID)
	if err != nil {
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) && repoErr.IsNotFound() {
			return Order{}, fmt.Errorf("%w: no checkout session", domain.ErrPaymentNotVerified)
		}
		return Order{}, err
	}

	now := s.now()
	if !session.ExpiresAt.IsZero() && !session.ExpiresAt.After(now) {
		return Order{}, domain.ErrSessionExpired
	}
	if session.Step != domain.CheckoutStepPayment || session.Draft == nil || session.IntentID == nil {
		return Order{}, fmt.Errorf("%w: checkout has no pending payment", domain.ErrPaymentNotVerified)
	}

	draft := *session.Draft
	if !draft.Consistent() || draft.Subtotal <= 0 {
		return Order{}, fmt.Errorf("%w: draft totals are inconsistent", domain.ErrPaymentNotVerified)
	}

	verified, err := s.verifier.Verify(cmd.Proof, *session.IntentID, draft.Subtotal)
	if err != nil {
		s.logger(ctx, "order.confirm.verification_failed", map[string]any{
			"userId": userID,
			"source": cmd.Source,
			"error":  err.Error(),
		})
		return Order{}, err
	}

	// Reconcile against the gateway's own record of the payment so a forged
	// amount on the client round trip can never price an order.
	method := verified.Method
	provider := strings.TrimSpace(cmd.Provider)
	if s.gateway != nil {
		details, err := s.gateway.LookupPayment(ctx, payments.PaymentContext{
			PreferredProvider: cmd.Provider,
			Currency:          draft.Currency,
		}, payments.LookupRequest{IntentID: verified.ProviderOrderID})
		if err != nil {
			return Order{}, err
		}
		if details.Status != payments.StatusSucceeded {
			return Order{}, fmt.Errorf("%w: gateway reports status %s", domain.ErrPaymentNotVerified, details.Status)
		}
		if details.Amount != draft.Subtotal {
			return Order{}, fmt.Errorf("%w: gateway captured %d, draft total %d",
				payments.ErrAmountMismatch, details.Amount, draft.Subtotal)
		}
		if details.Method != "" {
			method = details.Method
		}
		if details.Provider != "" {
			provider = details.Provider
		}
	}

	orderNumber, err := s.counters.NextOrderNumber(ctx, now)
	if err != nil {
		return Order{}, err
	}

	order := Order{
		ID:              orderIDPrefix + s.newID(),
		OrderNumber:     orderNumber,
		UserID:          userID,
		CartRef:         draft.CartRef,
		Currency:        draft.Currency,
		Lines:           draft.Lines,
		TotalAmount:     draft.Subtotal,
		ShippingAddress: draft.ShippingAddress,
		GiftMessage:     draft.GiftMessage,
		Payment: domain.PaymentInfo{
			Provider:          provider,
			Method:            method,
			Status:            domain.PaymentStatusCompleted,
			ProviderOrderID:   verified.ProviderOrderID,
			ProviderPaymentID: verified.ProviderPaymentID,
			AmountPaid:        draft.Subtotal,
		},
		CreatedAt: now,
	}
	domain.InitialiseStatus(&order, domain.OrderStatusProcessing, now)

	committed := order
	replayed := false
	err = s.runInTx(ctx, func(txCtx context.Context) error {
		// A racing delivery may have committed between the fast path and the
		// transaction start. The in-transaction re-check is authoritative.
		if existing, err := s.orders.FindByPaymentRef(txCtx, userID, paymentID); err == nil {
			committed = existing
			replayed = true
			return nil
		} else if mapped := mapOrderRepositoryError(err); !errors.Is(mapped, domain.ErrOrderNotFound) {
			return mapped
		}

		if err := s.inventory.DecrementIfSufficient(txCtx, draft.Quantities(), now); err != nil {
			return mapInventoryError(err)
		}
		if err := s.orders.Insert(txCtx, domain.Order(order)); err != nil {
			return mapOrderRepositoryError(err)
		}
		if draft.CartRef != nil && s.carts != nil {
			if err := s.carts.Clear(txCtx, userID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Order{}, err
	}
	if replayed {
		s.logger(ctx, "order.confirm.duplicate", map[string]any{
			"userId":  userID,
			"orderId": committed.ID,
			"source":  cmd.Source,
		})
		return committed, nil
	}

	s.completeSession(ctx, session, committed.ID, now)

	s.publishEvent(ctx, OrderEventMessage{
		Event:          orderEventCreated,
		OrderID:        committed.ID,
		OrderNumber:    committed.OrderNumber,
		UserID:         userID,
		TotalAmount:    committed.TotalAmount,
		Currency:       committed.Currency,
		OccurredAt:     now,
		IdempotencyKey: paymentID,
	})
	s.archiveOrder(ctx, committed)

	s.logger(ctx, "order.confirm.committed", map[string]any{
		"userId":      userID,
		"orderId":     committed.ID,
		"orderNumber": committed.OrderNumber,
		"amount":      committed.TotalAmount,
		"source":      cmd.Source,
	})
	return committed, nil
}

func (s *orderService) GetOrder(ctx context.Context, cmd GetOrderCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, mapOrderRepositoryError(err)
	}
	if !cmd.Staff && order.UserID != strings.TrimSpace(cmd.UserID) {
		return Order{}, domain.ErrNotOrderOwner
	}
	return order, nil
}

func (s *orderService) ListOrders(ctx context.Context, cmd ListOrdersCommand) (domain.CursorPage[Order], error) {
	userID := strings.TrimSpace(cmd.UserID)
	if userID == "" {
		return domain.CursorPage[Order]{}, fmt.Errorf("%w: user id is required", ErrOrderInvalidInput)
	}

	page, err := s.orders.ListByUser(ctx, userID, cmd.Filter)
	if err != nil {
		return domain.CursorPage[Order]{}, mapOrderRepositoryError(err)
	}
	return page, nil
}

// Cancel cancels a not-yet-shipped order, returns its stock and attempts a
// refund. The order is re-read and its status re-checked inside the same
// transaction that restocks and flips the status, so a racing cancel or
// shipment cannot double-credit stock or be overwritten. The refund is a
// gateway side effect that is retried out of band when it fails.
func (s *orderService) Cancel(ctx context.Context, cmd CancelOrderCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	now := s.now()
	var order Order
	var prevStatus domain.OrderStatus
	err := s.runInTx(ctx, func(txCtx context.Context) error {
		stored, err := s.orders.FindByID(txCtx, orderID)
		if err != nil {
			return mapOrderRepositoryError(err)
		}
		if !cmd.Staff && stored.UserID != strings.TrimSpace(cmd.UserID) {
			return domain.ErrNotOrderOwner
		}
		if !domain.CanCancel(stored) {
			return fmt.Errorf("%w: order is %s", domain.ErrCancelNotAllowed, stored.Status)
		}

		prevStatus = stored.Status
		if reason := strings.TrimSpace(cmd.Reason); reason != "" {
			stored.CancelReason = &reason
		}
		if err := domain.Transition(&stored, domain.OrderStatusCancelled, now); err != nil {
			return fmt.Errorf("%w: %v", domain.ErrCancelNotAllowed, err)
		}

		if err := s.inventory.Restock(txCtx, orderQuantities(stored), now); err != nil {
			return mapInventoryError(err)
		}
		if err := s.orders.UpdateWithExpectedStatus(txCtx, domain.Order(stored), prevStatus); err != nil {
			return mapStatusGuardError(err, domain.ErrCancelNotAllowed)
		}
		order = stored
		return nil
	})
	if err != nil {
		return Order{}, err
	}

	s.refundPayment(ctx, order)

	s.publishEvent(ctx, OrderEventMessage{
		Event:          orderEventCancelled,
		OrderID:        order.ID,
		OrderNumber:    order.OrderNumber,
		UserID:         order.UserID,
		TotalAmount:    order.TotalAmount,
		Currency:       order.Currency,
		OccurredAt:     now,
		IdempotencyKey: order.Payment.ProviderPaymentID,
	})

	s.logger(ctx, "order.cancelled", map[string]any{
		"orderId":    order.ID,
		"userId":     order.UserID,
		"prevStatus": string(prevStatus),
		"staff":      cmd.Staff,
	})
	return order, nil
}

// TransitionStatus applies a staff-driven lifecycle change such as marking an
// order shipped or delivered. The edge check and the guarded write share one
// transaction so a concurrent cancel cannot be silently overwritten.
func (s *orderService) TransitionStatus(ctx context.Context, cmd OrderStatusTransitionCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	if cmd.Target == "" {
		return Order{}, fmt.Errorf("%w: target status is required", ErrOrderInvalidInput)
	}

	now := s.now()
	var order Order
	var prevStatus domain.OrderStatus
	err := s.runInTx(ctx, func(txCtx context.Context) error {
		stored, err := s.orders.FindByID(txCtx, orderID)
		if err != nil {
			return mapOrderRepositoryError(err)
		}

		prevStatus = stored.Status
		if err := domain.Transition(&stored, cmd.Target, now); err != nil {
			return err
		}
		if err := s.orders.UpdateWithExpectedStatus(txCtx, domain.Order(stored), prevStatus); err != nil {
			return mapStatusGuardError(err, domain.ErrInvalidTransition)
		}
		order = stored
		return nil
	})
	if err != nil {
		return Order{}, err
	}

	s.publishEvent(ctx, OrderEventMessage{
		Event:       orderEventStatusChanged,
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		UserID:      order.UserID,
		TotalAmount: order.TotalAmount,
		Currency:    order.Currency,
		OccurredAt:  now,
	})

	s.logger(ctx, "order.status.changed", map[string]any{
		"orderId": order.ID,
		"from":    string(prevStatus),
		"to":      string(order.Status),
		"actorId": cmd.ActorID,
	})
	return order, nil
}

// completeSession moves the checkout session onto the confirmation step. The
// order is already committed, so a failure here only delays the client's
// redirect and is not propagated.
func (s *orderService) completeSession(ctx context.Context, session CheckoutSession, orderID string, now time.Time) {
	session.Step = domain.CheckoutStepConfirmation
	session.OrderID = &orderID
	session.UpdatedAt = now
	if _, err := s.sessions.Put(ctx, session); err != nil {
		s.logger(ctx, "order.confirm.session_update_failed", map[string]any{
			"userId":  session.UserID,
			"orderId": orderID,
			"error":   err.Error(),
		})
	}
}

// refundPayment asks the gateway to return the captured amount. Failures are
// logged for manual reconciliation; the cancellation itself already stands.
func (s *orderService) refundPayment(ctx context.Context, order Order) {
	if s.gateway == nil || order.Payment.Status != domain.PaymentStatusCompleted {
		return
	}
	reason := "requested_by_customer"
	if order.CancelReason != nil {
		reason = *order.CancelReason
	}
	_, err := s.gateway.Refund(ctx, payments.PaymentContext{
		PreferredProvider: order.Payment.Provider,
		Currency:          order.Currency,
	}, payments.RefundRequest{
		IntentID:       order.Payment.ProviderOrderID,
		PaymentID:      order.Payment.ProviderPaymentID,
		Reason:         reason,
		IdempotencyKey: "refund:" + order.ID,
	})
	if err != nil {
		s.logger(ctx, "order.cancel.refund_failed", map[string]any{
			"orderId": order.ID,
			"error":   err.Error(),
		})
	}
}

func (s *orderService) archiveOrder(ctx context.Context, order Order) {
	if s.archiver == nil {
		return
	}
	if err := s.archiver.ArchiveOrder(ctx, order); err != nil {
		s.logger(ctx, "order.receipt.archive_failed", map[string]any{
			"orderId": order.ID,
			"error":   err.Error(),
		})
	}
}

func (s *orderService) publishEvent(ctx context.Context, event OrderEventMessage) {
	if s.events == nil {
		return
	}
	if err := s.events.PublishOrderEvent(ctx, event); err != nil {
		s.logger(ctx, "order.event.publish_failed", map[string]any{
			"event":   event.Event,
			"orderId": event.OrderID,
			"error":   err.Error(),
		})
	}
}

func (s *orderService) runInTx(ctx context.Context, fn func(context.Context) error) error {
	return s.unitOfWork.RunInTx(ctx, fn)
}

func (s *orderService) now() time.Time {
	return s.clock()
}

func orderQuantities(order Order) map[string]int {
	quantities := make(map[string]int, len(order.Lines))
	for _, line := range order.Lines {
		quantities[line.ProductRef] += line.Quantity
	}
	return quantities
}

func mapOrderRepositoryError(err error) error {
	if err == nil {
		return nil
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", domain.ErrOrderNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("order: conflict: %w", err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("order: repository unavailable: %w", err)
		}
	}
	return err
}

// mapStatusGuardError folds a lost status-guard race into the lifecycle
// sentinel the caller was enforcing.
func mapStatusGuardError(err error, sentinel error) error {
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) && repoErr.IsConflict() {
		return fmt.Errorf("%w: order changed concurrently", sentinel)
	}
	return mapOrderRepositoryError(err)
}

func mapInventoryError(err error) error {
	if err == nil {
		return nil
	}
	var invErr *repositories.InventoryError
	if errors.As(err, &invErr) {
		switch invErr.Code {
		case repositories.InventoryErrorInsufficientStock, repositories.InventoryErrorStockNotFound:
			return fmt.Errorf("%w: %s", domain.ErrStockUnavailable, invErr.Message)
		}
	}
	return err
}

type noopUnitOfWork struct{}

func (noopUnitOfWork) RunInTx(ctx context.Context, fn func(context.Context) error) error {
	return fn(ctx)
}
