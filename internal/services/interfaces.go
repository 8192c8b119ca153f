package services

import (
	"context"
	"time"

	domain "github.com/threadline/api/internal/domain"
	"github.com/threadline/api/internal/repositories"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Pagination      = domain.Pagination
	Address         = domain.Address
	Product         = domain.Product
	Cart            = domain.Cart
	CartLine        = domain.CartLine
	OrderLine       = domain.OrderLine
	OrderDraft      = domain.OrderDraft
	Order           = domain.Order
	OrderStatus     = domain.OrderStatus
	PaymentProof    = domain.PaymentProof
	VerifiedPayment = domain.VerifiedPayment
	CheckoutSession = domain.CheckoutSession
	CheckoutStep    = domain.CheckoutStep

	SystemHealthReport = domain.SystemHealthReport
)

// SnapshotService freezes mutable cart state into an immutable order draft.
// Freezing re-reads catalog price and stock, validates every line, and
// performs no writes; the draft is the only input payment amounts and order
// creation are allowed to derive from.
type SnapshotService interface {
	// FreezeCart snapshots the user's entire cart.
	FreezeCart(ctx context.Context, cmd FreezeCartCommand) (OrderDraft, error)
	// FreezeItem snapshots a single buy-now line, bypassing the cart.
	FreezeItem(ctx context.Context, cmd FreezeItemCommand) (OrderDraft, error)
}

// OrderService orchestrates order creation, reads and lifecycle changes.
// ConfirmPayment is the single funnel both the client verify-payment call and
// the gateway webhook land in; duplicate deliveries collapse onto one order.
type OrderService interface {
	ConfirmPayment(ctx context.Context, cmd ConfirmPaymentCommand) (Order, error)
	GetOrder(ctx context.Context, cmd GetOrderCommand) (Order, error)
	ListOrders(ctx context.Context, cmd ListOrdersCommand) (domain.CursorPage[Order], error)
	Cancel(ctx context.Context, cmd CancelOrderCommand) (Order, error)
	TransitionStatus(ctx context.Context, cmd OrderStatusTransitionCommand) (Order, error)
}

// CheckoutService drives the per-user Address -> Payment -> Confirmation
// wizard. Mutations are serialised per user; a concurrent attempt surfaces
// domain.ErrSessionBusy.
type CheckoutService interface {
	StartSession(ctx context.Context, cmd StartSessionCommand) (CheckoutSession, error)
	GetSession(ctx context.Context, userID string) (CheckoutSession, error)
	Advance(ctx context.Context, cmd AdvanceSessionCommand) (CheckoutAdvanceResult, error)
	Reset(ctx context.Context, userID string) error
}

// CheckoutAdvanceResult carries the updated session plus, when the wizard
// just entered the payment step, the freshly opened payment intent.
type CheckoutAdvanceResult struct {
	Session CheckoutSession
	Payment *PaymentIntentDetails
}

// PaymentIntentDetails is the client-facing part of a newly opened intent.
type PaymentIntentDetails struct {
	IntentID     string
	Provider     string
	Amount       int64
	Currency     string
	ClientSecret string
	RedirectURL  string
	ExpiresAt    time.Time
}

// CounterService issues human-readable order numbers.
type CounterService interface {
	NextOrderNumber(ctx context.Context, now time.Time) (string, error)
}

// SystemService surfaces operational health for the readiness endpoint.
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
}

// OrderEventPublisher publishes order domain events for downstream consumers.
type OrderEventPublisher interface {
	PublishOrderEvent(ctx context.Context, event OrderEventMessage) error
}

// OrderEventMessage captures metadata for emitted order domain events.
type OrderEventMessage struct {
	Event          string
	OrderID        string
	OrderNumber    string
	UserID         string
	TotalAmount    int64
	Currency       string
	OccurredAt     time.Time
	IdempotencyKey string
}

// ReceiptArchiver persists an immutable audit copy of a committed order.
type ReceiptArchiver interface {
	ArchiveOrder(ctx context.Context, order Order) error
}

// Command and option structs -------------------------------------------------

type FreezeCartCommand struct {
	UserID          string
	ShippingAddress Address
	GiftMessage     *string
}

type FreezeItemCommand struct {
	UserID          string
	ProductID       string
	Quantity        int
	Size            string
	ShippingAddress Address
	GiftMessage     *string
}

type ConfirmPaymentCommand struct {
	UserID   string
	Proof    PaymentProof
	Provider string
	// Source labels the delivery path ("client" or "webhook") for logging.
	Source string
}

type GetOrderCommand struct {
	OrderID string
	UserID  string
	// Staff bypasses the ownership check for support tooling.
	Staff bool
}

type ListOrdersCommand struct {
	UserID string
	Filter repositories.OrderListFilter
}

type CancelOrderCommand struct {
	OrderID string
	UserID  string
	Reason  string
	Staff   bool
}

type OrderStatusTransitionCommand struct {
	OrderID string
	Target  OrderStatus
	ActorID string
}

type StartSessionCommand struct {
	UserID string
}

type AdvanceSessionCommand struct {
	UserID string
	// ShippingAddress is required when advancing off the address step.
	ShippingAddress *Address
	GiftMessage     *string
	// BuyNow freezes a single item instead of the cart when leaving the
	// address step.
	BuyNow *BuyNowItem
}

// BuyNowItem identifies the single line frozen by a buy-now checkout.
type BuyNowItem struct {
	ProductID string
	Quantity  int
	Size      string
}

// OrderListFilter mirrors the repository filter for handler convenience.
type OrderListFilter = repositories.OrderListFilter
