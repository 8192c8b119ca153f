package firestore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	pfirestore "github.com/threadline/api/internal/platform/firestore"
	"github.com/threadline/api/internal/repositories"
)

// Stock is a field on the product document rather than a separate collection,
// so catalog reads and stock arithmetic always agree.
type stockFields struct {
	Stock int `firestore:"stock"`
}

// InventoryRepository implements repositories.InventoryRepository over the
// products collection. Multi-line mutations run inside a single Firestore
// transaction so partial decrements never land.
type InventoryRepository struct {
	provider *pfirestore.Provider
	products *pfirestore.BaseRepository[stockFields]
}

func NewInventoryRepository(provider *pfirestore.Provider) (*InventoryRepository, error) {
	if provider == nil {
		return nil, errors.New("inventory repository requires firestore provider")
	}
	products := pfirestore.NewBaseRepository[stockFields](provider, productsCollection, nil, nil)
	return &InventoryRepository{provider: provider, products: products}, nil
}

func (r *InventoryRepository) DecrementIfSufficient(ctx context.Context, quantities map[string]int, now time.Time) error {
	if r == nil || r.provider == nil {
		return errors.New("inventory repository not initialised")
	}
	productIDs, err := sortedProductIDs(quantities)
	if err != nil {
		return err
	}

	at := now.UTC()
	err = r.runTx(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		stocks := make(map[string]int, len(productIDs))
		refs := make(map[string]*firestore.DocumentRef, len(productIDs))

		// Read everything before writing anything so insufficiency on the
		// last line aborts the whole batch.
		for _, productID := range productIDs {
			ref, err := r.products.DocumentRef(ctx, productID)
			if err != nil {
				return err
			}
			snap, err := tx.Get(ref)
			if err != nil {
				if status.Code(err) == codes.NotFound {
					return repositories.NewInventoryError(repositories.InventoryErrorStockNotFound, fmt.Sprintf("stock %s not found", productID), err)
				}
				return err
			}
			var doc stockFields
			if err := snap.DataTo(&doc); err != nil {
				return fmt.Errorf("decode product stock %s: %w", productID, err)
			}
			if doc.Stock < quantities[productID] {
				return repositories.NewInventoryError(repositories.InventoryErrorInsufficientStock, fmt.Sprintf("insufficient stock for %s", productID), nil)
			}
			stocks[productID] = doc.Stock
			refs[productID] = ref
		}

		for _, productID := range productIDs {
			updates := []firestore.Update{
				{Path: "stock", Value: stocks[productID] - quantities[productID]},
				{Path: "updatedAt", Value: at},
			}
			if err := tx.Update(refs[productID], updates); err != nil {
				return err
			}
		}
		return nil
	})
	return wrapInventoryError("inventory.decrement", err)
}

func (r *InventoryRepository) Restock(ctx context.Context, quantities map[string]int, now time.Time) error {
	if r == nil || r.provider == nil {
		return errors.New("inventory repository not initialised")
	}
	productIDs, err := sortedProductIDs(quantities)
	if err != nil {
		return err
	}

	at := now.UTC()
	err = r.runTx(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		stocks := make(map[string]int, len(productIDs))
		refs := make(map[string]*firestore.DocumentRef, len(productIDs))

		for _, productID := range productIDs {
			ref, err := r.products.DocumentRef(ctx, productID)
			if err != nil {
				return err
			}
			snap, err := tx.Get(ref)
			if err != nil {
				if status.Code(err) == codes.NotFound {
					return repositories.NewInventoryError(repositories.InventoryErrorStockNotFound, fmt.Sprintf("stock %s not found", productID), err)
				}
				return err
			}
			var doc stockFields
			if err := snap.DataTo(&doc); err != nil {
				return fmt.Errorf("decode product stock %s: %w", productID, err)
			}
			stocks[productID] = doc.Stock
			refs[productID] = ref
		}

		for _, productID := range productIDs {
			updates := []firestore.Update{
				{Path: "stock", Value: stocks[productID] + quantities[productID]},
				{Path: "updatedAt", Value: at},
			}
			if err := tx.Update(refs[productID], updates); err != nil {
				return err
			}
		}
		return nil
	})
	return wrapInventoryError("inventory.restock", err)
}

func (r *InventoryRepository) Stocks(ctx context.Context, productIDs []string) (map[string]int, error) {
	if r == nil || r.products == nil {
		return nil, errors.New("inventory repository not initialised")
	}
	result := make(map[string]int, len(productIDs))
	for _, productID := range productIDs {
		id := strings.TrimSpace(productID)
		if id == "" {
			continue
		}
		doc, err := r.products.Get(ctx, id)
		if err != nil {
			var repoErr repositories.RepositoryError
			if errors.As(err, &repoErr) && repoErr.IsNotFound() {
				continue
			}
			return nil, wrapInventoryError("inventory.stocks", err)
		}
		result[id] = doc.Data.Stock
	}
	return result, nil
}

func (r *InventoryRepository) runTx(ctx context.Context, fn pfirestore.TxFunc) error {
	if tx, ok := pfirestore.TxFromContext(ctx); ok {
		return fn(ctx, tx)
	}
	return r.provider.RunTransaction(ctx, fn)
}

func sortedProductIDs(quantities map[string]int) ([]string, error) {
	if len(quantities) == 0 {
		return nil, repositories.NewInventoryError(repositories.InventoryErrorUnknown, "inventory: at least one product is required", nil)
	}
	ids := make([]string, 0, len(quantities))
	for productID, qty := range quantities {
		id := strings.TrimSpace(productID)
		if id == "" {
			return nil, repositories.NewInventoryError(repositories.InventoryErrorStockNotFound, "inventory: product id is required", nil)
		}
		if qty <= 0 {
			return nil, repositories.NewInventoryError(repositories.InventoryErrorUnknown, fmt.Sprintf("inventory: quantity for %s must be > 0", id), nil)
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func wrapInventoryError(op string, err error) error {
	if err == nil {
		return nil
	}
	var invErr *repositories.InventoryError
	if errors.As(err, &invErr) {
		if invErr.Op == "" {
			invErr.Op = op
		}
		return invErr
	}
	return pfirestore.WrapError(op, err)
}
