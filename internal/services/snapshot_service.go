package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/oklog/ulid/v2"

	domain "github.com/threadline/api/internal/domain"
	"github.com/threadline/api/internal/platform/textutil"
	"github.com/threadline/api/internal/repositories"
)

const draftIDPrefix = "drf_"

// ErrSnapshotInvalidInput signals the caller supplied a malformed freeze request.
var ErrSnapshotInvalidInput = errors.New("snapshot: invalid input")

// SnapshotServiceDeps bundles collaborators required to construct the snapshot service.
type SnapshotServiceDeps struct {
	Catalog     repositories.CatalogRepository
	Carts       repositories.CartRepository
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type snapshotService struct {
	catalog     repositories.CatalogRepository
	carts       repositories.CartRepository
	clock       func() time.Time
	newID       func() string
	logger      func(context.Context, string, map[string]any)
	giftMessage *bluemonday.Policy
}

// NewSnapshotService wires dependencies into a concrete SnapshotService
// implementation. Freezing never writes; pricing always comes from the
// catalog read inside the freeze, never from the cart line.
func NewSnapshotService(deps SnapshotServiceDeps) (SnapshotService, error) {
	if deps.Catalog == nil {
		return nil, errors.New("snapshot service: catalog repository is required")
	}
	if deps.Carts == nil {
		return nil, errors.New("snapshot service: cart repository is required")
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

	return &snapshotService{
		catalog: deps.Catalog,
		carts:   deps.Carts,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:       idGen,
		logger:      logger,
		giftMessage: bluemonday.StrictPolicy(),
	}, nil
}

func (s *snapshotService) FreezeCart(ctx context.Context, cmd FreezeCartCommand) (OrderDraft, error) {
	userID := strings.TrimSpace(cmd.UserID)
	if userID == "" {
		return OrderDraft{}, fmt.Errorf("%w: user id is required", ErrSnapshotInvalidInput)
	}

	address, err := normaliseAddress(cmd.ShippingAddress)
	if err != nil {
		return OrderDraft{}, err
	}

	cart, err := s.carts.GetCart(ctx, userID)
	if err != nil {
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) && repoErr.IsNotFound() {
			return OrderDraft{}, domain.ErrEmptyCart
		}
		return OrderDraft{}, err
	}
	if len(cart.Lines) == 0 {
		return OrderDraft{}, domain.ErrEmptyCart
	}

	lines, currency, err := s.freezeLines(ctx, cart.Lines)
	if err != nil {
		return OrderDraft{}, err
	}

	draft := s.buildDraft(userID, lines, currency, address, cmd.GiftMessage)
	if cartID := strings.TrimSpace(cart.ID); cartID != "" {
		draft.CartRef = &cartID
	}

	s.logger(ctx, "snapshot.cart_frozen", map[string]any{
		"userId":   userID,
		"draftId":  draft.ID,
		"lines":    len(draft.Lines),
		"subtotal": draft.Subtotal,
	})
	return draft, nil
}

func (s *snapshotService) FreezeItem(ctx context.Context, cmd FreezeItemCommand) (OrderDraft, error) {
	userID := strings.TrimSpace(cmd.UserID)
	if userID == "" {
		return OrderDraft{}, fmt.Errorf("%w: user id is required", ErrSnapshotInvalidInput)
	}
	productID := strings.TrimSpace(cmd.ProductID)
	if productID == "" {
		return OrderDraft{}, fmt.Errorf("%w: product id is required", ErrSnapshotInvalidInput)
	}

	address, err := normaliseAddress(cmd.ShippingAddress)
	if err != nil {
		return OrderDraft{}, err
	}

	lines, currency, err := s.freezeLines(ctx, []CartLine{{
		ProductRef: productID,
		Quantity:   cmd.Quantity,
		Size:       strings.TrimSpace(cmd.Size),
	}})
	if err != nil {
		return OrderDraft{}, err
	}

	draft := s.buildDraft(userID, lines, currency, address, cmd.GiftMessage)

	s.logger(ctx, "snapshot.item_frozen", map[string]any{
		"userId":    userID,
		"draftId":   draft.ID,
		"productId": productID,
		"subtotal":  draft.Subtotal,
	})
	return draft, nil
}

// freezeLines resolves each cart line against the catalog and produces priced
// order lines. Quantities for the same product are aggregated before the
// stock check so split lines cannot oversell.
func (s *snapshotService) freezeLines(ctx context.Context, cartLines []CartLine) ([]domain.OrderLine, string, error) {
	products := make(map[string]domain.Product, len(cartLines))
	requested := make(map[string]int, len(cartLines))
	currency := ""

	lines := make([]domain.OrderLine, 0, len(cartLines))
	for _, cartLine := range cartLines {
		productID := strings.TrimSpace(cartLine.ProductRef)
		if productID == "" {
			return nil, "", fmt.Errorf("%w: cart line product ref is required", ErrSnapshotInvalidInput)
		}
		if cartLine.Quantity <= 0 {
			return nil, "", fmt.Errorf("%w: product %s quantity %d", domain.ErrInvalidQuantity, productID, cartLine.Quantity)
		}

		product, ok := products[productID]
		if !ok {
			loaded, err := s.catalog.GetProduct(ctx, productID)
			if err != nil {
				var repoErr repositories.RepositoryError
				if errors.As(err, &repoErr) && repoErr.IsNotFound() {
					return nil, "", fmt.Errorf("%w: product %s no longer available", domain.ErrStockUnavailable, productID)
				}
				return nil, "", err
			}
			products[productID] = loaded
			product = loaded
		}
		if !product.Active {
			return nil, "", fmt.Errorf("%w: product %s no longer available", domain.ErrStockUnavailable, productID)
		}

		if currency == "" {
			currency = product.Currency
		} else if product.Currency != currency {
			return nil, "", fmt.Errorf("%w: mixed currencies %s and %s", ErrSnapshotInvalidInput, currency, product.Currency)
		}

		size := strings.TrimSpace(cartLine.Size)
		if product.Sized() {
			if size == "" {
				return nil, "", fmt.Errorf("%w: product %s", domain.ErrSizeRequired, productID)
			}
			if !product.HasSize(size) {
				return nil, "", fmt.Errorf("%w: product %s has no size %q", domain.ErrSizeRequired, productID, size)
			}
			lines = append(lines, domain.SizedLine(productID, product.Name, cartLine.Quantity, product.UnitPrice, size))
		} else {
			if size != "" {
				return nil, "", fmt.Errorf("%w: product %s", domain.ErrSizeNotApplicable, productID)
			}
			lines = append(lines, domain.UnsizedLine(productID, product.Name, cartLine.Quantity, product.UnitPrice))
		}

		requested[productID] += cartLine.Quantity
	}

	for productID, quantity := range requested {
		if products[productID].Stock < quantity {
			return nil, "", fmt.Errorf("%w: product %s has %d left, %d requested",
				domain.ErrStockUnavailable, productID, products[productID].Stock, quantity)
		}
	}

	return lines, currency, nil
}

func (s *snapshotService) buildDraft(userID string, lines []domain.OrderLine, currency string, address Address, giftMessage *string) OrderDraft {
	draft := OrderDraft{
		ID:              draftIDPrefix + s.newID(),
		UserID:          userID,
		Currency:        currency,
		Lines:           lines,
		ShippingAddress: address,
		GiftMessage:     s.sanitiseGiftMessage(giftMessage),
		CreatedAt:       s.clock(),
	}
	draft.Subtotal = draft.RecomputeSubtotal()
	return draft
}

// sanitiseGiftMessage strips markup from the free-text gift message. The
// message is printed onto packing slips, so anything but plain text is dropped.
func (s *snapshotService) sanitiseGiftMessage(message *string) *string {
	if message == nil {
		return nil
	}
	cleaned := strings.TrimSpace(s.giftMessage.Sanitize(*message))
	if cleaned == "" {
		return nil
	}
	return &cleaned
}

// normaliseAddress canonicalises the shipping destination. Optional fields
// are dropped when empty after normalisation.
func normaliseAddress(addr Address) (Address, error) {
	normalised := Address{
		Recipient:  textutil.NormalizeText(addr.Recipient),
		Line1:      textutil.NormalizeText(addr.Line1),
		City:       textutil.NormalizeText(addr.City),
		PostalCode: textutil.NormalizeText(addr.PostalCode),
		Country:    textutil.CanonicalRegion(addr.Country),
	}
	normalised.Line2 = normaliseOptional(addr.Line2)
	normalised.State = normaliseOptional(addr.State)
	normalised.Phone = normaliseOptional(addr.Phone)

	switch {
	case normalised.Recipient == "":
		return Address{}, fmt.Errorf("%w: shipping recipient is required", ErrSnapshotInvalidInput)
	case normalised.Line1 == "":
		return Address{}, fmt.Errorf("%w: shipping address line is required", ErrSnapshotInvalidInput)
	case normalised.City == "":
		return Address{}, fmt.Errorf("%w: shipping city is required", ErrSnapshotInvalidInput)
	case normalised.PostalCode == "":
		return Address{}, fmt.Errorf("%w: shipping postal code is required", ErrSnapshotInvalidInput)
	case normalised.Country == "":
		return Address{}, fmt.Errorf("%w: shipping country is required", ErrSnapshotInvalidInput)
	}
	return normalised, nil
}

func normaliseOptional(value *string) *string {
	if value == nil {
		return nil
	}
	cleaned := textutil.NormalizeText(*value)
	if cleaned == "" {
		return nil
	}
	return &cleaned
}
