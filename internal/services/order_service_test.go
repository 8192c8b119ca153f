package services

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/threadline/api/internal/domain"
	"github.com/threadline/api/internal/payments"
	"github.com/threadline/api/internal/repositories"
)

type stubOrderRepo struct {
	byID        map[string]domain.Order
	byPayment   map[string]domain.Order
	inserted    []domain.Order
	updated     []domain.Order
	insertErr   error
	updateErr   error
	refLookups  int
	listResult  domain.CursorPage[domain.Order]
	listErr     error
	listRequest repositories.OrderListFilter
}

func (s *stubOrderRepo) Insert(ctx context.Context, order domain.Order) error {
	if s.insertErr != nil {
		return s.insertErr
	}
	s.inserted = append(s.inserted, order)
	return nil
}

func (s *stubOrderRepo) UpdateWithExpectedStatus(ctx context.Context, order domain.Order, expected domain.OrderStatus) error {
	if s.updateErr != nil {
		return s.updateErr
	}
	stored, ok := s.byID[order.ID]
	if !ok {
		return &stubRepoError{notFound: true}
	}
	if stored.Status != expected {
		return &stubRepoError{conflict: true}
	}
	s.byID[order.ID] = order
	s.updated = append(s.updated, order)
	return nil
}

func (s *stubOrderRepo) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	order, ok := s.byID[orderID]
	if !ok {
		return domain.Order{}, &stubRepoError{notFound: true}
	}
	return order, nil
}

func (s *stubOrderRepo) FindByPaymentRef(ctx context.Context, userID, providerPaymentID string) (domain.Order, error) {
	s.refLookups++
	order, ok := s.byPayment[userID+"/"+providerPaymentID]
	if !ok {
		return domain.Order{}, &stubRepoError{notFound: true}
	}
	return order, nil
}

func (s *stubOrderRepo) ListByUser(ctx context.Context, userID string, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	s.listRequest = filter
	return s.listResult, s.listErr
}

type stubInventoryRepo struct {
	decremented  []map[string]int
	restocked    []map[string]int
	decrementErr error
	restockErr   error
}

func (s *stubInventoryRepo) DecrementIfSufficient(ctx context.Context, quantities map[string]int, now time.Time) error {
	if s.decrementErr != nil {
		return s.decrementErr
	}
	s.decremented = append(s.decremented, quantities)
	return nil
}

func (s *stubInventoryRepo) Restock(ctx context.Context, quantities map[string]int, now time.Time) error {
	if s.restockErr != nil {
		return s.restockErr
	}
	s.restocked = append(s.restocked, quantities)
	return nil
}

func (s *stubInventoryRepo) Stocks(context.Context, []string) (map[string]int, error) {
	return nil, errors.New("not implemented")
}

type stubSessionRepo struct {
	session   domain.CheckoutSession
	getErr    error
	stored    []domain.CheckoutSession
	putErr    error
	deleted   []string
	leaseErr  error
	leased    []string
	released  []string
	deleteErr error
}

func (s *stubSessionRepo) Get(ctx context.Context, userID string) (domain.CheckoutSession, error) {
	if s.getErr != nil {
		return domain.CheckoutSession{}, s.getErr
	}
	return s.session, nil
}

func (s *stubSessionRepo) Put(ctx context.Context, session domain.CheckoutSession) (domain.CheckoutSession, error) {
	if s.putErr != nil {
		return domain.CheckoutSession{}, s.putErr
	}
	s.stored = append(s.stored, session)
	s.session = session
	return session, nil
}

func (s *stubSessionRepo) Delete(ctx context.Context, userID string) error {
	s.deleted = append(s.deleted, userID)
	return s.deleteErr
}

func (s *stubSessionRepo) AcquireLease(ctx context.Context, userID string, now time.Time, ttl time.Duration) error {
	if s.leaseErr != nil {
		return s.leaseErr
	}
	s.leased = append(s.leased, userID)
	return nil
}

func (s *stubSessionRepo) ReleaseLease(ctx context.Context, userID string) error {
	s.released = append(s.released, userID)
	return nil
}

type stubCounterSvc struct {
	number string
	err    error
	calls  int
}

func (s *stubCounterSvc) NextOrderNumber(ctx context.Context, now time.Time) (string, error) {
	s.calls++
	return s.number, s.err
}

type stubGateway struct {
	lookup     func(payments.LookupRequest) (payments.PaymentDetails, error)
	refunds    []payments.RefundRequest
	refundCtxs []payments.PaymentContext
	refundErr  error
}

func (s *stubGateway) LookupPayment(ctx context.Context, paymentCtx payments.PaymentContext, req payments.LookupRequest) (payments.PaymentDetails, error) {
	if s.lookup == nil {
		return payments.PaymentDetails{}, errors.New("lookup not configured")
	}
	return s.lookup(req)
}

func (s *stubGateway) Refund(ctx context.Context, paymentCtx payments.PaymentContext, req payments.RefundRequest) (payments.PaymentDetails, error) {
	s.refunds = append(s.refunds, req)
	s.refundCtxs = append(s.refundCtxs, paymentCtx)
	if s.refundErr != nil {
		return payments.PaymentDetails{}, s.refundErr
	}
	return payments.PaymentDetails{Status: payments.StatusRefunded}, nil
}

type stubEventPublisher struct {
	events []OrderEventMessage
	err    error
}

func (s *stubEventPublisher) PublishOrderEvent(ctx context.Context, event OrderEventMessage) error {
	s.events = append(s.events, event)
	return s.err
}

type stubReceiptArchiver struct {
	archived []Order
	err      error
}

func (s *stubReceiptArchiver) ArchiveOrder(ctx context.Context, order Order) error {
	s.archived = append(s.archived, order)
	return s.err
}

type orderServiceFixture struct {
	orders    *stubOrderRepo
	inventory *stubInventoryRepo
	carts     *stubCartRepo
	sessions  *stubSessionRepo
	counters  *stubCounterSvc
	verifier  *payments.Verifier
	gateway   *stubGateway
	events    *stubEventPublisher
	archiver  *stubReceiptArchiver
	now       time.Time
	svc       OrderService
}

func newOrderServiceFixture(t *testing.T) *orderServiceFixture {
	t.Helper()

	verifier, err := payments.NewVerifier("order-test-secret")
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}

	f := &orderServiceFixture{
		orders:    &stubOrderRepo{byID: map[string]domain.Order{}, byPayment: map[string]domain.Order{}},
		inventory: &stubInventoryRepo{},
		carts:     &stubCartRepo{},
		sessions:  &stubSessionRepo{},
		counters:  &stubCounterSvc{number: "TL-2025-000042"},
		verifier:  verifier,
		gateway:   &stubGateway{},
		events:    &stubEventPublisher{},
		archiver:  &stubReceiptArchiver{},
		now:       time.Date(2025, 4, 1, 9, 0, 0, 0, time.UTC),
	}

	svc, err := NewOrderService(OrderServiceDeps{
		Orders:      f.orders,
		Inventory:   f.inventory,
		Carts:       f.carts,
		Sessions:    f.sessions,
		Counters:    f.counters,
		Verifier:    f.verifier,
		Gateway:     f.gateway,
		Clock:       func() time.Time { return f.now },
		IDGenerator: func() string { return "FIXED01" },
		Events:      f.events,
		Archiver:    f.archiver,
	})
	if err != nil {
		t.Fatalf("NewOrderService: %v", err)
	}
	f.svc = svc
	return f
}

func (f *orderServiceFixture) seedPaymentSession(subtotal int64) domain.PaymentProof {
	cartRef := "cart_u1"
	intentID := "pi_123"
	draft := domain.OrderDraft{
		ID:       "drf_1",
		UserID:   "user-1",
		CartRef:  &cartRef,
		Currency: "JPY",
		Lines: []domain.OrderLine{
			domain.UnsizedLine("prod_tote", "Canvas Tote", 2, subtotal/2),
		},
		ShippingAddress: Address{Recipient: "Aiko Tanaka", Line1: "1-2-3 Ginza", City: "Tokyo", PostalCode: "104-0061", Country: "JP"},
	}
	draft.Subtotal = draft.RecomputeSubtotal()

	f.sessions.session = domain.CheckoutSession{
		ID:        "cks_1",
		UserID:    "user-1",
		Step:      domain.CheckoutStepPayment,
		Draft:     &draft,
		IntentID:  &intentID,
		ExpiresAt: f.now.Add(20 * time.Minute),
	}

	f.gateway.lookup = func(req payments.LookupRequest) (payments.PaymentDetails, error) {
		return payments.PaymentDetails{
			Provider:  "stripe",
			IntentID:  req.IntentID,
			PaymentID: "ch_456",
			Status:    payments.StatusSucceeded,
			Amount:    draft.Subtotal,
			Currency:  "JPY",
			Method:    "card",
		}, nil
	}

	return domain.PaymentProof{
		ProviderOrderID:   "pi_123",
		ProviderPaymentID: "ch_456",
		Signature:         f.verifier.Sign("pi_123", "ch_456"),
	}
}

func TestConfirmPaymentCommitsOrder(t *testing.T) {
	f := newOrderServiceFixture(t)
	proof := f.seedPaymentSession(3600)

	order, err := f.svc.ConfirmPayment(context.Background(), ConfirmPaymentCommand{
		UserID: "user-1",
		Proof:  proof,
		Source: "client",
	})
	if err != nil {
		t.Fatalf("ConfirmPayment: %v", err)
	}

	if order.ID != "ord_FIXED01" {
		t.Fatalf("unexpected order id %s", order.ID)
	}
	if order.OrderNumber != "TL-2025-000042" {
		t.Fatalf("unexpected order number %s", order.OrderNumber)
	}
	if order.Status != domain.OrderStatusProcessing {
		t.Fatalf("expected processing, got %s", order.Status)
	}
	if len(order.StatusHistory) != 1 || order.StatusHistory[0].Status != domain.OrderStatusProcessing {
		t.Fatalf("expected opening history entry, got %+v", order.StatusHistory)
	}
	if order.TotalAmount != 3600 || order.Payment.AmountPaid != 3600 {
		t.Fatalf("unexpected amounts %d/%d", order.TotalAmount, order.Payment.AmountPaid)
	}
	if order.Payment.Status != domain.PaymentStatusCompleted || order.Payment.ProviderPaymentID != "ch_456" {
		t.Fatalf("unexpected payment info %+v", order.Payment)
	}
	if order.Payment.Method != "card" {
		t.Fatalf("expected method card from gateway lookup, got %s", order.Payment.Method)
	}
	if order.Payment.Provider != "stripe" {
		t.Fatalf("expected provider stripe from gateway lookup, got %s", order.Payment.Provider)
	}

	if len(f.inventory.decremented) != 1 || f.inventory.decremented[0]["prod_tote"] != 2 {
		t.Fatalf("expected stock decrement of 2, got %+v", f.inventory.decremented)
	}
	if len(f.orders.inserted) != 1 {
		t.Fatalf("expected one insert, got %d", len(f.orders.inserted))
	}
	if len(f.carts.cleared) != 1 || f.carts.cleared[0] != "user-1" {
		t.Fatalf("expected cart cleared for user-1, got %+v", f.carts.cleared)
	}
	if len(f.sessions.stored) != 1 || f.sessions.stored[0].Step != domain.CheckoutStepConfirmation {
		t.Fatalf("expected session on confirmation step, got %+v", f.sessions.stored)
	}
	if f.sessions.stored[0].OrderID == nil || *f.sessions.stored[0].OrderID != order.ID {
		t.Fatalf("expected session bound to order, got %+v", f.sessions.stored[0].OrderID)
	}
	if len(f.events.events) != 1 || f.events.events[0].Event != "order.created" {
		t.Fatalf("expected order.created event, got %+v", f.events.events)
	}
	if f.events.events[0].IdempotencyKey != "ch_456" {
		t.Fatalf("expected payment id as idempotency key, got %s", f.events.events[0].IdempotencyKey)
	}
	if len(f.archiver.archived) != 1 {
		t.Fatalf("expected receipt archived, got %d", len(f.archiver.archived))
	}
}

func TestConfirmPaymentReturnsExistingOrderOnReplay(t *testing.T) {
	f := newOrderServiceFixture(t)
	proof := f.seedPaymentSession(3600)
	existing := domain.Order{ID: "ord_prev", UserID: "user-1", Status: domain.OrderStatusProcessing}
	f.orders.byPayment["user-1/ch_456"] = existing

	order, err := f.svc.ConfirmPayment(context.Background(), ConfirmPaymentCommand{
		UserID: "user-1",
		Proof:  proof,
		Source: "webhook",
	})
	if err != nil {
		t.Fatalf("ConfirmPayment replay: %v", err)
	}
	if order.ID != "ord_prev" {
		t.Fatalf("expected existing order, got %s", order.ID)
	}
	if len(f.orders.inserted) != 0 || len(f.inventory.decremented) != 0 {
		t.Fatalf("replay must not write, inserted=%d decremented=%d", len(f.orders.inserted), len(f.inventory.decremented))
	}
	if f.counters.calls != 0 {
		t.Fatalf("replay must not consume an order number")
	}
}

func TestConfirmPaymentRejectsTamperedProof(t *testing.T) {
	f := newOrderServiceFixture(t)
	proof := f.seedPaymentSession(3600)
	proof.Signature = f.verifier.Sign("pi_other", "ch_456")

	_, err := f.svc.ConfirmPayment(context.Background(), ConfirmPaymentCommand{UserID: "user-1", Proof: proof})
	if !errors.Is(err, payments.ErrIntentMismatch) {
		t.Fatalf("expected ErrIntentMismatch, got %v", err)
	}
	if len(f.orders.inserted) != 0 || len(f.inventory.decremented) != 0 {
		t.Fatalf("rejected proof must not write")
	}
}

func TestConfirmPaymentRejectsAmountMismatch(t *testing.T) {
	f := newOrderServiceFixture(t)
	proof := f.seedPaymentSession(3600)
	f.gateway.lookup = func(req payments.LookupRequest) (payments.PaymentDetails, error) {
		return payments.PaymentDetails{
			IntentID: req.IntentID,
			Status:   payments.StatusSucceeded,
			Amount:   100, // gateway captured less than the draft total
			Currency: "JPY",
		}, nil
	}

	_, err := f.svc.ConfirmPayment(context.Background(), ConfirmPaymentCommand{UserID: "user-1", Proof: proof})
	if !errors.Is(err, payments.ErrAmountMismatch) {
		t.Fatalf("expected ErrAmountMismatch, got %v", err)
	}
	if len(f.orders.inserted) != 0 {
		t.Fatalf("amount mismatch must not commit an order")
	}
}

func TestConfirmPaymentRejectsUncapturedPayment(t *testing.T) {
	f := newOrderServiceFixture(t)
	proof := f.seedPaymentSession(3600)
	f.gateway.lookup = func(req payments.LookupRequest) (payments.PaymentDetails, error) {
		return payments.PaymentDetails{IntentID: req.IntentID, Status: payments.StatusPending, Amount: 3600}, nil
	}

	_, err := f.svc.ConfirmPayment(context.Background(), ConfirmPaymentCommand{UserID: "user-1", Proof: proof})
	if !errors.Is(err, domain.ErrPaymentNotVerified) {
		t.Fatalf("expected ErrPaymentNotVerified, got %v", err)
	}
}

func TestConfirmPaymentFailsWhenStockRanOut(t *testing.T) {
	f := newOrderServiceFixture(t)
	proof := f.seedPaymentSession(3600)
	f.inventory.decrementErr = repositories.NewInventoryError(repositories.InventoryErrorInsufficientStock, "prod_tote has 1 left", nil)

	_, err := f.svc.ConfirmPayment(context.Background(), ConfirmPaymentCommand{UserID: "user-1", Proof: proof})
	if !errors.Is(err, domain.ErrStockUnavailable) {
		t.Fatalf("expected ErrStockUnavailable, got %v", err)
	}
	if len(f.orders.inserted) != 0 || len(f.carts.cleared) != 0 {
		t.Fatalf("failed decrement must abort the whole commit")
	}
}

func TestConfirmPaymentRequiresPendingPayment(t *testing.T) {
	f := newOrderServiceFixture(t)
	proof := f.seedPaymentSession(3600)
	f.sessions.session.Step = domain.CheckoutStepAddress
	f.sessions.session.Draft = nil
	f.sessions.session.IntentID = nil

	_, err := f.svc.ConfirmPayment(context.Background(), ConfirmPaymentCommand{UserID: "user-1", Proof: proof})
	if !errors.Is(err, domain.ErrPaymentNotVerified) {
		t.Fatalf("expected ErrPaymentNotVerified, got %v", err)
	}
}

func TestConfirmPaymentRejectsExpiredSession(t *testing.T) {
	f := newOrderServiceFixture(t)
	proof := f.seedPaymentSession(3600)
	f.sessions.session.ExpiresAt = f.now.Add(-time.Minute)

	_, err := f.svc.ConfirmPayment(context.Background(), ConfirmPaymentCommand{UserID: "user-1", Proof: proof})
	if !errors.Is(err, domain.ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired, got %v", err)
	}
}

func seedCancellableOrder(f *orderServiceFixture, status domain.OrderStatus) domain.Order {
	order := domain.Order{
		ID:          "ord_1",
		OrderNumber: "TL-2025-000007",
		UserID:      "user-1",
		Currency:    "JPY",
		Lines: []domain.OrderLine{
			domain.UnsizedLine("prod_tote", "Canvas Tote", 2, 1800),
		},
		TotalAmount: 3600,
		Payment: domain.PaymentInfo{
			Provider:          "stripe",
			Method:            "card",
			Status:            domain.PaymentStatusCompleted,
			ProviderOrderID:   "pi_123",
			ProviderPaymentID: "ch_456",
			AmountPaid:        3600,
		},
	}
	domain.InitialiseStatus(&order, status, f.now.Add(-time.Hour))
	f.orders.byID[order.ID] = order
	return order
}

func TestCancelRestocksAndRefunds(t *testing.T) {
	f := newOrderServiceFixture(t)
	seedCancellableOrder(f, domain.OrderStatusProcessing)

	order, err := f.svc.Cancel(context.Background(), CancelOrderCommand{
		OrderID: "ord_1",
		UserID:  "user-1",
		Reason:  "changed my mind",
	})
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	if order.Status != domain.OrderStatusCancelled {
		t.Fatalf("expected cancelled, got %s", order.Status)
	}
	if order.CancelledAt == nil || !order.CancelledAt.Equal(f.now) {
		t.Fatalf("expected cancelledAt %s, got %v", f.now, order.CancelledAt)
	}
	if order.CancelReason == nil || *order.CancelReason != "changed my mind" {
		t.Fatalf("expected reason recorded, got %v", order.CancelReason)
	}
	if len(order.StatusHistory) != 2 || order.StatusHistory[1].Status != domain.OrderStatusCancelled {
		t.Fatalf("expected appended history, got %+v", order.StatusHistory)
	}

	if len(f.inventory.restocked) != 1 || f.inventory.restocked[0]["prod_tote"] != 2 {
		t.Fatalf("expected restock of 2, got %+v", f.inventory.restocked)
	}
	if len(f.orders.updated) != 1 {
		t.Fatalf("expected one update, got %d", len(f.orders.updated))
	}
	if len(f.gateway.refunds) != 1 || f.gateway.refunds[0].PaymentID != "ch_456" {
		t.Fatalf("expected refund of ch_456, got %+v", f.gateway.refunds)
	}
	if len(f.gateway.refundCtxs) != 1 || f.gateway.refundCtxs[0].PreferredProvider != "stripe" {
		t.Fatalf("expected refund routed to stripe, got %+v", f.gateway.refundCtxs)
	}
	if len(f.events.events) != 1 || f.events.events[0].Event != "order.cancelled" {
		t.Fatalf("expected order.cancelled event, got %+v", f.events.events)
	}
}

func TestCancelSurvivesRefundFailure(t *testing.T) {
	f := newOrderServiceFixture(t)
	seedCancellableOrder(f, domain.OrderStatusProcessing)
	f.gateway.refundErr = payments.ErrGatewayUnavailable

	order, err := f.svc.Cancel(context.Background(), CancelOrderCommand{OrderID: "ord_1", UserID: "user-1"})
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if order.Status != domain.OrderStatusCancelled {
		t.Fatalf("refund failure must not undo the cancellation, got %s", order.Status)
	}
}

func TestCancelRejectsShippedOrder(t *testing.T) {
	f := newOrderServiceFixture(t)
	order := seedCancellableOrder(f, domain.OrderStatusProcessing)
	if err := domain.Transition(&order, domain.OrderStatusShipped, f.now.Add(-time.Minute)); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	f.orders.byID[order.ID] = order

	_, err := f.svc.Cancel(context.Background(), CancelOrderCommand{OrderID: "ord_1", UserID: "user-1"})
	if !errors.Is(err, domain.ErrCancelNotAllowed) {
		t.Fatalf("expected ErrCancelNotAllowed, got %v", err)
	}
	if len(f.inventory.restocked) != 0 {
		t.Fatalf("rejected cancel must not restock")
	}
}

func TestCancelTwiceRestocksOnce(t *testing.T) {
	f := newOrderServiceFixture(t)
	seedCancellableOrder(f, domain.OrderStatusProcessing)

	if _, err := f.svc.Cancel(context.Background(), CancelOrderCommand{OrderID: "ord_1", UserID: "user-1"}); err != nil {
		t.Fatalf("first Cancel: %v", err)
	}
	_, err := f.svc.Cancel(context.Background(), CancelOrderCommand{OrderID: "ord_1", UserID: "user-1"})
	if !errors.Is(err, domain.ErrCancelNotAllowed) {
		t.Fatalf("expected ErrCancelNotAllowed on repeat, got %v", err)
	}

	if len(f.inventory.restocked) != 1 {
		t.Fatalf("expected exactly one restock, got %d", len(f.inventory.restocked))
	}
	if len(f.orders.updated) != 1 {
		t.Fatalf("expected exactly one update, got %d", len(f.orders.updated))
	}
	if len(f.gateway.refunds) != 1 {
		t.Fatalf("expected exactly one refund, got %d", len(f.gateway.refunds))
	}
}

func TestCancelLostStatusRaceSurfacesConflict(t *testing.T) {
	f := newOrderServiceFixture(t)
	seedCancellableOrder(f, domain.OrderStatusProcessing)
	// A racing transition commits between this read and the guarded write.
	f.orders.updateErr = &stubRepoError{conflict: true}

	_, err := f.svc.Cancel(context.Background(), CancelOrderCommand{OrderID: "ord_1", UserID: "user-1"})
	if !errors.Is(err, domain.ErrCancelNotAllowed) {
		t.Fatalf("expected ErrCancelNotAllowed, got %v", err)
	}
	if len(f.gateway.refunds) != 0 {
		t.Fatalf("lost race must not refund, got %d", len(f.gateway.refunds))
	}
	if len(f.events.events) != 0 {
		t.Fatalf("lost race must not publish events, got %+v", f.events.events)
	}
}

func TestCancelRejectsForeignOrder(t *testing.T) {
	f := newOrderServiceFixture(t)
	seedCancellableOrder(f, domain.OrderStatusProcessing)

	_, err := f.svc.Cancel(context.Background(), CancelOrderCommand{OrderID: "ord_1", UserID: "user-2"})
	if !errors.Is(err, domain.ErrNotOrderOwner) {
		t.Fatalf("expected ErrNotOrderOwner, got %v", err)
	}
}

func TestGetOrderEnforcesOwnership(t *testing.T) {
	f := newOrderServiceFixture(t)
	seedCancellableOrder(f, domain.OrderStatusProcessing)

	if _, err := f.svc.GetOrder(context.Background(), GetOrderCommand{OrderID: "ord_1", UserID: "user-1"}); err != nil {
		t.Fatalf("GetOrder owner: %v", err)
	}
	if _, err := f.svc.GetOrder(context.Background(), GetOrderCommand{OrderID: "ord_1", UserID: "user-2"}); !errors.Is(err, domain.ErrNotOrderOwner) {
		t.Fatalf("expected ErrNotOrderOwner, got %v", err)
	}
	if _, err := f.svc.GetOrder(context.Background(), GetOrderCommand{OrderID: "ord_1", UserID: "user-2", Staff: true}); err != nil {
		t.Fatalf("GetOrder staff: %v", err)
	}
	if _, err := f.svc.GetOrder(context.Background(), GetOrderCommand{OrderID: "ord_404", UserID: "user-1"}); !errors.Is(err, domain.ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
}

func TestTransitionStatusStampsTimestamps(t *testing.T) {
	f := newOrderServiceFixture(t)
	seedCancellableOrder(f, domain.OrderStatusProcessing)

	order, err := f.svc.TransitionStatus(context.Background(), OrderStatusTransitionCommand{
		OrderID: "ord_1",
		Target:  domain.OrderStatusShipped,
		ActorID: "ops-1",
	})
	if err != nil {
		t.Fatalf("TransitionStatus: %v", err)
	}
	if order.Status != domain.OrderStatusShipped {
		t.Fatalf("expected shipped, got %s", order.Status)
	}
	if order.ShippedAt == nil || !order.ShippedAt.Equal(f.now) {
		t.Fatalf("expected shippedAt stamped, got %v", order.ShippedAt)
	}
	if len(f.events.events) != 1 || f.events.events[0].Event != "order.status.changed" {
		t.Fatalf("expected status changed event, got %+v", f.events.events)
	}
}

func TestTransitionStatusRejectsUndeclaredEdge(t *testing.T) {
	f := newOrderServiceFixture(t)
	seedCancellableOrder(f, domain.OrderStatusProcessing)

	_, err := f.svc.TransitionStatus(context.Background(), OrderStatusTransitionCommand{
		OrderID: "ord_1",
		Target:  domain.OrderStatusDelivered,
	})
	if !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if len(f.orders.updated) != 0 {
		t.Fatalf("rejected transition must not persist")
	}
}

func TestTransitionStatusLostRaceSurfacesConflict(t *testing.T) {
	f := newOrderServiceFixture(t)
	seedCancellableOrder(f, domain.OrderStatusProcessing)
	// A racing cancel commits between this read and the guarded write.
	f.orders.updateErr = &stubRepoError{conflict: true}

	_, err := f.svc.TransitionStatus(context.Background(), OrderStatusTransitionCommand{
		OrderID: "ord_1",
		Target:  domain.OrderStatusShipped,
	})
	if !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if len(f.events.events) != 0 {
		t.Fatalf("lost race must not publish events, got %+v", f.events.events)
	}
}

func TestListOrdersPassesFilterThrough(t *testing.T) {
	f := newOrderServiceFixture(t)
	f.orders.listResult = domain.CursorPage[domain.Order]{
		Items:         []domain.Order{{ID: "ord_1"}},
		NextPageToken: "tok",
	}

	page, err := f.svc.ListOrders(context.Background(), ListOrdersCommand{
		UserID: "user-1",
		Filter: repositories.OrderListFilter{
			Status:     []domain.OrderStatus{domain.OrderStatusProcessing},
			Pagination: domain.Pagination{PageSize: 10},
		},
	})
	if err != nil {
		t.Fatalf("ListOrders: %v", err)
	}
	if len(page.Items) != 1 || page.NextPageToken != "tok" {
		t.Fatalf("unexpected page %+v", page)
	}
	if len(f.orders.listRequest.Status) != 1 {
		t.Fatalf("expected status filter forwarded, got %+v", f.orders.listRequest)
	}
}
