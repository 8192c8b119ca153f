package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"

	domain "github.com/threadline/api/internal/domain"
	pfirestore "github.com/threadline/api/internal/platform/firestore"
	"github.com/threadline/api/internal/repositories"
)

const (
	productsCollection     = "products"
	defaultProductPageSize = 50
	maxProductPageSize     = 200
)

type productDocument struct {
	Name        string    `firestore:"name"`
	Category    string    `firestore:"category"`
	Currency    string    `firestore:"currency"`
	UnitPrice   int64     `firestore:"unitPrice"`
	Stock       int       `firestore:"stock"`
	SizeOptions []string  `firestore:"sizeOptions,omitempty"`
	Active      bool      `firestore:"active"`
	UpdatedAt   time.Time `firestore:"updatedAt"`
}

// CatalogRepository implements repositories.CatalogRepository on Firestore.
type CatalogRepository struct {
	provider *pfirestore.Provider
	products *pfirestore.BaseRepository[productDocument]
}

func NewCatalogRepository(provider *pfirestore.Provider) (*CatalogRepository, error) {
	if provider == nil {
		return nil, errors.New("catalog repository requires firestore provider")
	}
	products := pfirestore.NewBaseRepository[productDocument](provider, productsCollection, nil, nil)
	return &CatalogRepository{provider: provider, products: products}, nil
}

func (r *CatalogRepository) GetProduct(ctx context.Context, productID string) (domain.Product, error) {
	if r == nil || r.products == nil {
		return domain.Product{}, errors.New("catalog repository not initialised")
	}
	id := strings.TrimSpace(productID)
	if id == "" {
		return domain.Product{}, errors.New("catalog get: product id is required")
	}

	if tx, ok := pfirestore.TxFromContext(ctx); ok {
		ref, err := r.products.DocumentRef(ctx, id)
		if err != nil {
			return domain.Product{}, err
		}
		snap, err := tx.Get(ref)
		if err != nil {
			return domain.Product{}, pfirestore.WrapError("products.get", err)
		}
		var doc productDocument
		if err := snap.DataTo(&doc); err != nil {
			return domain.Product{}, fmt.Errorf("decode product %s: %w", id, err)
		}
		return doc.toDomain(id), nil
	}

	doc, err := r.products.Get(ctx, id)
	if err != nil {
		return domain.Product{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

func (r *CatalogRepository) ListProducts(ctx context.Context, filter repositories.ProductFilter) (domain.CursorPage[domain.Product], error) {
	if r == nil || r.provider == nil {
		return domain.CursorPage[domain.Product]{}, errors.New("catalog repository not initialised")
	}

	pageSize := filter.Pagination.PageSize
	if pageSize <= 0 {
		pageSize = defaultProductPageSize
	}
	if pageSize > maxProductPageSize {
		pageSize = maxProductPageSize
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.CursorPage[domain.Product]{}, err
	}

	query := client.Collection(productsCollection).Query
	if filter.Category != nil {
		query = query.Where("category", "==", strings.TrimSpace(*filter.Category))
	}
	if filter.ActiveOnly {
		query = query.Where("active", "==", true)
	}
	query = query.OrderBy(firestore.DocumentID, firestore.Asc)

	if token := strings.TrimSpace(filter.Pagination.PageToken); token != "" {
		query = query.StartAfter(token)
	}

	iter := query.Limit(pageSize + 1).Documents(ctx)
	defer iter.Stop()

	var products []domain.Product
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return domain.CursorPage[domain.Product]{}, pfirestore.WrapError("products.list", err)
		}
		var doc productDocument
		if err := snap.DataTo(&doc); err != nil {
			return domain.CursorPage[domain.Product]{}, fmt.Errorf("decode product %s: %w", snap.Ref.ID, err)
		}
		products = append(products, doc.toDomain(snap.Ref.ID))
	}

	hasMore := len(products) > pageSize
	if hasMore {
		products = products[:pageSize]
	}
	var nextToken string
	if hasMore && len(products) > 0 {
		nextToken = products[len(products)-1].ID
	}

	return domain.CursorPage[domain.Product]{
		Items:         products,
		NextPageToken: nextToken,
	}, nil
}

func (r *CatalogRepository) UpsertProduct(ctx context.Context, product domain.Product) (domain.Product, error) {
	if r == nil || r.products == nil {
		return domain.Product{}, errors.New("catalog repository not initialised")
	}
	id := strings.TrimSpace(product.ID)
	if id == "" {
		return domain.Product{}, errors.New("catalog upsert: product id is required")
	}

	doc := productDocument{
		Name:        strings.TrimSpace(product.Name),
		Category:    strings.TrimSpace(product.Category),
		Currency:    strings.ToUpper(strings.TrimSpace(product.Currency)),
		UnitPrice:   product.UnitPrice,
		Stock:       product.Stock,
		SizeOptions: product.SizeOptions,
		Active:      product.Active,
		UpdatedAt:   product.UpdatedAt.UTC(),
	}
	if _, err := r.products.Set(ctx, id, doc); err != nil {
		return domain.Product{}, err
	}
	return doc.toDomain(id), nil
}

func (d productDocument) toDomain(id string) domain.Product {
	return domain.Product{
		ID:          id,
		Name:        d.Name,
		Category:    d.Category,
		Currency:    d.Currency,
		UnitPrice:   d.UnitPrice,
		Stock:       d.Stock,
		SizeOptions: d.SizeOptions,
		Active:      d.Active,
		UpdatedAt:   d.UpdatedAt,
	}
}
