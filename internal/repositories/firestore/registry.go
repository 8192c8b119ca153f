package firestore

import (
	"context"
	"errors"

	"cloud.google.com/go/firestore"

	pfirestore "github.com/threadline/api/internal/platform/firestore"
	"github.com/threadline/api/internal/repositories"
)

// Registry bundles the Firestore-backed repositories behind the
// repositories.Registry contract.
type Registry struct {
	provider *pfirestore.Provider

	orders    *OrderRepository
	inventory *InventoryRepository
	catalog   *CatalogRepository
	carts     *CartRepository
	sessions  *CheckoutSessionRepository
	counters  *CounterRepository
	health    repositories.HealthRepository
}

var _ repositories.Registry = (*Registry)(nil)

// NewRegistry constructs every Firestore repository over a shared provider.
// The health repository is injected because its probe set spans dependencies
// beyond Firestore.
func NewRegistry(provider *pfirestore.Provider, health repositories.HealthRepository) (*Registry, error) {
	if provider == nil {
		return nil, errors.New("registry requires firestore provider")
	}
	if health == nil {
		return nil, errors.New("registry requires health repository")
	}

	orders, err := NewOrderRepository(provider)
	if err != nil {
		return nil, err
	}
	inventory, err := NewInventoryRepository(provider)
	if err != nil {
		return nil, err
	}
	catalog, err := NewCatalogRepository(provider)
	if err != nil {
		return nil, err
	}
	carts, err := NewCartRepository(provider)
	if err != nil {
		return nil, err
	}
	sessions, err := NewCheckoutSessionRepository(provider)
	if err != nil {
		return nil, err
	}
	counters, err := NewCounterRepository(provider)
	if err != nil {
		return nil, err
	}

	return &Registry{
		provider:  provider,
		orders:    orders,
		inventory: inventory,
		catalog:   catalog,
		carts:     carts,
		sessions:  sessions,
		counters:  counters,
		health:    health,
	}, nil
}

func (r *Registry) Close(ctx context.Context) error {
	if r == nil || r.provider == nil {
		return nil
	}
	return r.provider.Close(ctx)
}

func (r *Registry) Orders() repositories.OrderRepository              { return r.orders }
func (r *Registry) Inventory() repositories.InventoryRepository       { return r.inventory }
func (r *Registry) Catalog() repositories.CatalogRepository           { return r.catalog }
func (r *Registry) Carts() repositories.CartRepository                { return r.carts }
func (r *Registry) CheckoutSessions() repositories.CheckoutSessionRepository {
	return r.sessions
}
func (r *Registry) Counters() repositories.CounterRepository { return r.counters }
func (r *Registry) Health() repositories.HealthRepository    { return r.health }

// RunInTx executes fn inside a single Firestore transaction. Repository
// calls made with the supplied context join the transaction instead of
// opening their own; nested RunInTx calls reuse the outer transaction.
func (r *Registry) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if r == nil || r.provider == nil {
		return errors.New("registry not initialised")
	}
	if fn == nil {
		return errors.New("registry: transaction function is nil")
	}
	if _, ok := pfirestore.TxFromContext(ctx); ok {
		return fn(ctx)
	}
	return r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		return fn(pfirestore.ContextWithTx(ctx, tx))
	})
}
