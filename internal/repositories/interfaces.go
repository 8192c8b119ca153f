package repositories

import (
	"context"
	"time"

	domain "github.com/threadline/api/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Orders() OrderRepository
	Inventory() InventoryRepository
	Catalog() CatalogRepository
	Carts() CartRepository
	CheckoutSessions() CheckoutSessionRepository
	Counters() CounterRepository
	Health() HealthRepository
	UnitOfWork
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// UnitOfWork allows grouping repository operations in a transactional boundary when supported.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// OrderRepository persists order documents and provides query helpers for users and admins.
type OrderRepository interface {
	Insert(ctx context.Context, order domain.Order) error
	// UpdateWithExpectedStatus overwrites the order only while the stored
	// status still equals expected. A concurrent status change surfaces as a
	// RepositoryError with IsConflict and leaves the document untouched.
	UpdateWithExpectedStatus(ctx context.Context, order domain.Order, expected domain.OrderStatus) error
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	// FindByPaymentRef resolves the order recorded for a provider payment.
	// Returns a RepositoryError with IsNotFound when no order claimed the payment.
	FindByPaymentRef(ctx context.Context, userID string, providerPaymentID string) (domain.Order, error)
	ListByUser(ctx context.Context, userID string, filter OrderListFilter) (domain.CursorPage[domain.Order], error)
}

// InventoryRepository owns transactional stock arithmetic for catalog products.
type InventoryRepository interface {
	// DecrementIfSufficient atomically reduces stock for every product in
	// quantities. Either all lines decrement or none do; insufficient stock
	// for any product surfaces an InventoryError and leaves counts untouched.
	DecrementIfSufficient(ctx context.Context, quantities map[string]int, now time.Time) error
	// Restock returns previously decremented quantities to availability.
	Restock(ctx context.Context, quantities map[string]int, now time.Time) error
	Stocks(ctx context.Context, productIDs []string) (map[string]int, error)
}

// CatalogRepository stores product definitions including pricing and size options.
type CatalogRepository interface {
	GetProduct(ctx context.Context, productID string) (domain.Product, error)
	ListProducts(ctx context.Context, filter ProductFilter) (domain.CursorPage[domain.Product], error)
	UpsertProduct(ctx context.Context, product domain.Product) (domain.Product, error)
}

// CartRepository owns per-user cart persistence.
type CartRepository interface {
	GetCart(ctx context.Context, userID string) (domain.Cart, error)
	UpsertCart(ctx context.Context, cart domain.Cart) (domain.Cart, error)
	Clear(ctx context.Context, userID string) error
}

// CheckoutSessionRepository stores the per-user checkout wizard state. A user
// holds at most one session; concurrent mutation is guarded by a short lease.
type CheckoutSessionRepository interface {
	Get(ctx context.Context, userID string) (domain.CheckoutSession, error)
	Put(ctx context.Context, session domain.CheckoutSession) (domain.CheckoutSession, error)
	Delete(ctx context.Context, userID string) error
	// AcquireLease marks the session busy until now+ttl. Returns a
	// RepositoryError with IsConflict while another caller holds the lease.
	AcquireLease(ctx context.Context, userID string, now time.Time, ttl time.Duration) error
	ReleaseLease(ctx context.Context, userID string) error
}

// CounterRepository provides transaction-safe sequence numbers.
type CounterRepository interface {
	Next(ctx context.Context, counterID string, step int64) (int64, error)
	Configure(ctx context.Context, counterID string, cfg CounterConfig) error
}

// HealthRepository exposes status of downstream dependencies for health checks.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}

// Filter DTOs shared across repositories ------------------------------------

type OrderListFilter struct {
	Status     []domain.OrderStatus
	DateRange  domain.RangeQuery[time.Time]
	Pagination domain.Pagination
}

type ProductFilter struct {
	Category   *string
	ActiveOnly bool
	Pagination domain.Pagination
}

// CounterConfig customises increment behaviour and bounds for a counter.
type CounterConfig struct {
	Step         int64
	MaxValue     *int64
	InitialValue *int64
}
