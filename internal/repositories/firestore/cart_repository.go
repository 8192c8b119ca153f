package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	domain "github.com/threadline/api/internal/domain"
	pfirestore "github.com/threadline/api/internal/platform/firestore"
)

const cartCollection = "carts"

type cartLineDocument struct {
	ProductRef string    `firestore:"productRef"`
	Quantity   int       `firestore:"qty"`
	UnitPrice  int64     `firestore:"unitPrice"`
	Size       string    `firestore:"size,omitempty"`
	AddedAt    time.Time `firestore:"addedAt"`
}

type cartDocument struct {
	Currency  string             `firestore:"currency"`
	Lines     []cartLineDocument `firestore:"lines"`
	Metadata  map[string]any     `firestore:"metadata,omitempty"`
	UpdatedAt time.Time          `firestore:"updatedAt"`
}

// CartRepository persists the per-user cart. The user ID doubles as the
// document identifier so a user holds exactly one cart.
type CartRepository struct {
	base     *pfirestore.BaseRepository[cartDocument]
	provider *pfirestore.Provider
}

// NewCartRepository constructs a Firestore-backed cart repository.
func NewCartRepository(provider *pfirestore.Provider) (*CartRepository, error) {
	if provider == nil {
		return nil, errors.New("cart repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[cartDocument](provider, cartCollection, nil, nil)
	return &CartRepository{
		base:     base,
		provider: provider,
	}, nil
}

func (r *CartRepository) GetCart(ctx context.Context, userID string) (domain.Cart, error) {
	if r == nil || r.base == nil {
		return domain.Cart{}, errors.New("cart repository not initialised")
	}
	user := strings.TrimSpace(userID)
	if user == "" {
		return domain.Cart{}, errors.New("cart repository: user id is required")
	}

	doc, err := r.base.Get(ctx, user)
	if err != nil {
		return domain.Cart{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

func (r *CartRepository) UpsertCart(ctx context.Context, cart domain.Cart) (domain.Cart, error) {
	if r == nil || r.base == nil {
		return domain.Cart{}, errors.New("cart repository not initialised")
	}
	user := strings.TrimSpace(cart.UserID)
	if user == "" {
		return domain.Cart{}, errors.New("cart repository: user id is required")
	}

	updatedAt := cart.UpdatedAt.UTC()
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	lines := make([]cartLineDocument, len(cart.Lines))
	for i, line := range cart.Lines {
		lines[i] = cartLineDocument{
			ProductRef: strings.TrimSpace(line.ProductRef),
			Quantity:   line.Quantity,
			UnitPrice:  line.UnitPrice,
			Size:       strings.TrimSpace(line.Size),
			AddedAt:    line.AddedAt.UTC(),
		}
	}

	doc := cartDocument{
		Currency:  strings.ToUpper(strings.TrimSpace(cart.Currency)),
		Lines:     lines,
		Metadata:  cart.Metadata,
		UpdatedAt: updatedAt,
	}
	if _, err := r.base.Set(ctx, user, doc); err != nil {
		return domain.Cart{}, err
	}
	return doc.toDomain(user), nil
}

func (r *CartRepository) Clear(ctx context.Context, userID string) error {
	if r == nil || r.base == nil {
		return errors.New("cart repository not initialised")
	}
	user := strings.TrimSpace(userID)
	if user == "" {
		return errors.New("cart repository: user id is required")
	}

	ref, err := r.base.DocumentRef(ctx, user)
	if err != nil {
		return err
	}
	if tx, ok := pfirestore.TxFromContext(ctx); ok {
		if err := tx.Delete(ref); err != nil {
			return pfirestore.WrapError("carts.clear", err)
		}
		return nil
	}
	if _, err := ref.Delete(ctx); err != nil {
		return pfirestore.WrapError("carts.clear", err)
	}
	return nil
}

func (d cartDocument) toDomain(userID string) domain.Cart {
	lines := make([]domain.CartLine, len(d.Lines))
	for i, line := range d.Lines {
		lines[i] = domain.CartLine{
			ProductRef: line.ProductRef,
			Quantity:   line.Quantity,
			UnitPrice:  line.UnitPrice,
			Size:       line.Size,
			AddedAt:    line.AddedAt,
		}
	}
	return domain.Cart{
		ID:        userID,
		UserID:    userID,
		Currency:  d.Currency,
		Lines:     lines,
		Metadata:  d.Metadata,
		UpdatedAt: d.UpdatedAt,
	}
}
