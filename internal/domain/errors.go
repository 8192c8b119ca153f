package domain

import "errors"

// Closed set of checkout and order errors. Handlers map these (plus the
// payments package sentinels) onto HTTP statuses; nothing else crosses the
// transport boundary.
var (
	// ErrEmptyCart rejects a snapshot of a cart without lines.
	ErrEmptyCart = errors.New("domain: cart is empty")
	// ErrStockUnavailable indicates a product cannot cover the requested quantity.
	ErrStockUnavailable = errors.New("domain: stock unavailable")
	// ErrInvalidQuantity rejects non-positive or absurd line quantities.
	ErrInvalidQuantity = errors.New("domain: invalid quantity")
	// ErrSizeRequired rejects a line missing a size for a sized product.
	ErrSizeRequired = errors.New("domain: size is required")
	// ErrSizeNotApplicable rejects a size supplied for an unsized product.
	ErrSizeNotApplicable = errors.New("domain: size is not applicable")

	// ErrOrderNotFound indicates the order does not exist.
	ErrOrderNotFound = errors.New("domain: order not found")
	// ErrNotOrderOwner indicates the caller does not own the order.
	ErrNotOrderOwner = errors.New("domain: not order owner")
	// ErrCancelNotAllowed indicates the order status forbids cancellation.
	ErrCancelNotAllowed = errors.New("domain: order cannot be cancelled")
	// ErrPaymentNotVerified indicates order creation was attempted without a
	// verified payment.
	ErrPaymentNotVerified = errors.New("domain: payment not verified")

	// ErrSessionBusy rejects a concurrent mutation of a checkout session.
	ErrSessionBusy = errors.New("domain: checkout session busy")
	// ErrSessionNotFound indicates no active checkout session for the user.
	ErrSessionNotFound = errors.New("domain: checkout session not found")
	// ErrSessionExpired indicates the checkout session passed its TTL.
	ErrSessionExpired = errors.New("domain: checkout session expired")
	// ErrStepPrecondition rejects a wizard advance whose preconditions are
	// not met (no address on file, payment not completed).
	ErrStepPrecondition = errors.New("domain: checkout step precondition not met")
)
