package domain

import (
	"time"
)

// Pagination defines standard cursor-based paging inputs for list operations.
type Pagination struct {
	PageSize  int
	PageToken string
}

// SortOrder indicates ascending or descending ordering for list queries.
type SortOrder string

const (
	// SortAsc sorts results in ascending order.
	SortAsc SortOrder = "asc"
	// SortDesc sorts results in descending order.
	SortDesc SortOrder = "desc"
)

// RangeQuery represents inclusive range filters for numeric or timestamp fields.
type RangeQuery[T comparable] struct {
	From *T
	To   *T
}

// CursorPage packages list results with an encoded next token.
type CursorPage[T any] struct {
	Items         []T
	NextPageToken string
}

// Address captures a shipping destination snapshot.
type Address struct {
	Recipient  string
	Line1      string
	Line2      *string
	City       string
	State      *string
	PostalCode string
	Country    string
	Phone      *string
}

// Product is the read-only catalog view the checkout core consumes.
// UnitPrice is expressed in the smallest currency unit.
type Product struct {
	ID          string
	Name        string
	Category    string
	Currency    string
	UnitPrice   int64
	Stock       int
	SizeOptions []string
	Active      bool
	UpdatedAt   time.Time
}

// Sized reports whether the product variant declares size options, which
// makes a size mandatory on every order line referencing it.
func (p Product) Sized() bool {
	return len(p.SizeOptions) > 0
}

// HasSize reports whether the given size is one of the declared options.
func (p Product) HasSize(size string) bool {
	for _, option := range p.SizeOptions {
		if option == size {
			return true
		}
	}
	return false
}

// Cart aggregates the mutable shopping cart state for a user. The checkout
// core only ever reads a consistent snapshot of it.
type Cart struct {
	ID        string
	UserID    string
	Currency  string
	Lines     []CartLine
	Metadata  map[string]any
	UpdatedAt time.Time
}

// CartLine stores a single product entry within a cart. Size is empty for
// products without size options.
type CartLine struct {
	ProductRef string
	Quantity   int
	UnitPrice  int64
	Size       string
	AddedAt    time.Time
}

// LineKind tags an order line as sized or unsized, selected by product
// category at snapshot time.
type LineKind string

const (
	// LineKindSized marks lines whose product declares size options.
	LineKindSized LineKind = "sized"
	// LineKindUnsized marks lines whose product declares no size options.
	LineKindUnsized LineKind = "unsized"
)

// OrderLine mirrors one cart line at the moment the draft was frozen.
// Size is populated only when Kind is LineKindSized.
type OrderLine struct {
	Kind       LineKind
	ProductRef string
	Name       string
	Quantity   int
	UnitPrice  int64
	LineTotal  int64
	Size       string
}

// SizedLine builds an order line for a product that requires a size.
func SizedLine(productRef, name string, quantity int, unitPrice int64, size string) OrderLine {
	return OrderLine{
		Kind:       LineKindSized,
		ProductRef: productRef,
		Name:       name,
		Quantity:   quantity,
		UnitPrice:  unitPrice,
		LineTotal:  unitPrice * int64(quantity),
		Size:       size,
	}
}

// UnsizedLine builds an order line for a product without size options.
func UnsizedLine(productRef, name string, quantity int, unitPrice int64) OrderLine {
	return OrderLine{
		Kind:       LineKindUnsized,
		ProductRef: productRef,
		Name:       name,
		Quantity:   quantity,
		UnitPrice:  unitPrice,
		LineTotal:  unitPrice * int64(quantity),
	}
}

// OrderDraft is the immutable, priced snapshot of selected items produced by
// the snapshot service. It is never persisted; it lives for the duration of a
// single checkout attempt.
type OrderDraft struct {
	ID              string
	UserID          string
	CartRef         *string
	Currency        string
	Lines           []OrderLine
	Subtotal        int64
	ShippingAddress Address
	GiftMessage     *string
	CreatedAt       time.Time
}

// PaymentIntent is the provider-side reservation of an amount for one
// checkout attempt. Intents are created once per attempt and never reused.
type PaymentIntent struct {
	IntentID     string
	Provider     string
	Amount       int64
	Currency     string
	Status       PaymentStatus
	ClientSecret string
	RedirectURL  string
	ExpiresAt    time.Time
}

// PaymentProof is the client-supplied evidence that an intent was fulfilled.
// It is never trusted until the verifier has checked it.
type PaymentProof struct {
	ProviderOrderID   string
	ProviderPaymentID string
	Signature         string
}

// VerifiedPayment is the outcome of a successful proof verification. Two
// verifications of the same proof yield identical values, which keeps the
// duplicate webhook and client redirect deliveries interchangeable.
type VerifiedPayment struct {
	ProviderOrderID   string
	ProviderPaymentID string
	Amount            int64
	Currency          string
	Method            string
}

// PaymentStatus enumerates payment lifecycle states tracked on an order.
type PaymentStatus string

const (
	// PaymentStatusCreated indicates the intent exists but is unpaid.
	PaymentStatusCreated PaymentStatus = "created"
	// PaymentStatusCompleted indicates the payment was captured and verified.
	PaymentStatusCompleted PaymentStatus = "completed"
	// PaymentStatusFailed indicates the payment attempt failed terminally.
	PaymentStatusFailed PaymentStatus = "failed"
	// PaymentStatusRefunded indicates the captured amount was returned.
	PaymentStatusRefunded PaymentStatus = "refunded"
)

// PaymentInfo is the payment snapshot embedded in a persisted order.
// AmountPaid equals the order total whenever Status is completed.
type PaymentInfo struct {
	Provider          string
	Method            string
	Status            PaymentStatus
	ProviderOrderID   string
	ProviderPaymentID string
	AmountPaid        int64
}

// OrderStatus enumerates valid lifecycle states for orders.
type OrderStatus string

const (
	// OrderStatusPending is reserved for a future pay-on-delivery path and is
	// currently never the initial commit state.
	OrderStatusPending OrderStatus = "pending"
	// OrderStatusProcessing indicates payment is verified and fulfilment has begun.
	OrderStatusProcessing OrderStatus = "processing"
	// OrderStatusShipped indicates the order has been handed to the carrier.
	OrderStatusShipped OrderStatus = "shipped"
	// OrderStatusDelivered indicates the order reached the customer. Terminal.
	OrderStatusDelivered OrderStatus = "delivered"
	// OrderStatusCancelled indicates the order was cancelled before shipment. Terminal.
	OrderStatusCancelled OrderStatus = "cancelled"
)

// StatusChange is one append-only entry in an order's status history.
type StatusChange struct {
	Status OrderStatus
	At     time.Time
}

// Order is the persistent record created exactly once per successful payment.
// After creation only Status, StatusHistory and the terminal timestamp fields
// change; everything else is immutable.
type Order struct {
	ID              string
	OrderNumber     string
	UserID          string
	CartRef         *string
	Currency        string
	Lines           []OrderLine
	TotalAmount     int64
	ShippingAddress Address
	GiftMessage     *string
	Payment         PaymentInfo
	Status          OrderStatus
	StatusHistory   []StatusChange
	Metadata        map[string]any
	CreatedAt       time.Time
	UpdatedAt       time.Time
	ShippedAt       *time.Time
	DeliveredAt     *time.Time
	CancelledAt     *time.Time
	CancelReason    *string
}

// CheckoutStep enumerates the client-visible wizard steps.
type CheckoutStep string

const (
	// CheckoutStepAddress collects the shipping destination.
	CheckoutStepAddress CheckoutStep = "address"
	// CheckoutStepPayment waits for the gateway round trip.
	CheckoutStepPayment CheckoutStep = "payment"
	// CheckoutStepConfirmation shows the committed order.
	CheckoutStepConfirmation CheckoutStep = "confirmation"
)

// CheckoutSession tracks one user's in-flight checkout wizard. Sessions are
// keyed per user, guarded against concurrent advancement, and expire on TTL.
type CheckoutSession struct {
	ID              string
	UserID          string
	Step            CheckoutStep
	ShippingAddress *Address
	Draft           *OrderDraft
	IntentID        *string
	OrderID         *string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	ExpiresAt       time.Time
}
