package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/threadline/api/internal/domain"
	pfirestore "github.com/threadline/api/internal/platform/firestore"
	"github.com/threadline/api/internal/platform/pagination"
	"github.com/threadline/api/internal/repositories"
)

const (
	ordersCollection     = "orders"
	defaultOrderPageSize = 20
	maxOrderPageSize     = 100
)

type addressDocument struct {
	Recipient  string  `firestore:"recipient"`
	Line1      string  `firestore:"line1"`
	Line2      *string `firestore:"line2,omitempty"`
	City       string  `firestore:"city"`
	State      *string `firestore:"state,omitempty"`
	PostalCode string  `firestore:"postalCode"`
	Country    string  `firestore:"country"`
	Phone      *string `firestore:"phone,omitempty"`
}

type orderLineDocument struct {
	Kind       string `firestore:"kind"`
	ProductRef string `firestore:"productRef"`
	Name       string `firestore:"name"`
	Quantity   int    `firestore:"qty"`
	UnitPrice  int64  `firestore:"unitPrice"`
	LineTotal  int64  `firestore:"lineTotal"`
	Size       string `firestore:"size,omitempty"`
}

type paymentInfoDocument struct {
	Provider          string `firestore:"provider,omitempty"`
	Method            string `firestore:"method"`
	Status            string `firestore:"status"`
	ProviderOrderID   string `firestore:"providerOrderId"`
	ProviderPaymentID string `firestore:"providerPaymentId"`
	AmountPaid        int64  `firestore:"amountPaid"`
}

type statusChangeDocument struct {
	Status string    `firestore:"status"`
	At     time.Time `firestore:"at"`
}

type orderDocument struct {
	OrderNumber     string                 `firestore:"orderNumber"`
	UserRef         string                 `firestore:"userRef"`
	CartRef         *string                `firestore:"cartRef,omitempty"`
	Currency        string                 `firestore:"currency"`
	Lines           []orderLineDocument    `firestore:"lines"`
	TotalAmount     int64                  `firestore:"totalAmount"`
	ShippingAddress addressDocument        `firestore:"shippingAddress"`
	GiftMessage     *string                `firestore:"giftMessage,omitempty"`
	Payment         paymentInfoDocument    `firestore:"payment"`
	Status          string                 `firestore:"status"`
	StatusHistory   []statusChangeDocument `firestore:"statusHistory"`
	Metadata        map[string]any         `firestore:"metadata,omitempty"`
	CreatedAt       time.Time              `firestore:"createdAt"`
	UpdatedAt       time.Time              `firestore:"updatedAt"`
	ShippedAt       *time.Time             `firestore:"shippedAt,omitempty"`
	DeliveredAt     *time.Time             `firestore:"deliveredAt,omitempty"`
	CancelledAt     *time.Time             `firestore:"cancelledAt,omitempty"`
	CancelReason    *string                `firestore:"cancelReason,omitempty"`
}

// OrderRepository implements repositories.OrderRepository on Firestore.
// Mutations join an ambient transaction when the caller opened one.
type OrderRepository struct {
	provider *pfirestore.Provider
	orders   *pfirestore.BaseRepository[orderDocument]
}

func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	orders := pfirestore.NewBaseRepository[orderDocument](provider, ordersCollection, nil, nil)
	return &OrderRepository{provider: provider, orders: orders}, nil
}

func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	if r == nil || r.provider == nil {
		return errors.New("order repository not initialised")
	}
	if strings.TrimSpace(order.ID) == "" {
		return errors.New("order insert: order id is required")
	}

	ref, err := r.orders.DocumentRef(ctx, order.ID)
	if err != nil {
		return err
	}
	doc := newOrderDocument(order)

	if tx, ok := pfirestore.TxFromContext(ctx); ok {
		err = tx.Create(ref, doc)
	} else {
		_, err = ref.Create(ctx, doc)
	}
	if err != nil {
		return pfirestore.WrapError("orders.insert", err)
	}
	return nil
}

// UpdateWithExpectedStatus guards the overwrite on the stored status so two
// racing lifecycle changes cannot both commit. The read and the set always
// share one transaction; callers without an ambient transaction get their own.
func (r *OrderRepository) UpdateWithExpectedStatus(ctx context.Context, order domain.Order, expected domain.OrderStatus) error {
	if r == nil || r.provider == nil {
		return errors.New("order repository not initialised")
	}
	if strings.TrimSpace(order.ID) == "" {
		return errors.New("order update: order id is required")
	}

	ref, err := r.orders.DocumentRef(ctx, order.ID)
	if err != nil {
		return err
	}
	doc := newOrderDocument(order)

	guardedSet := func(tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		var stored orderDocument
		if err := snap.DataTo(&stored); err != nil {
			return fmt.Errorf("decode order %s: %w", snap.Ref.ID, err)
		}
		if stored.Status != string(expected) {
			return status.Errorf(codes.FailedPrecondition,
				"order %s is %s, expected %s", order.ID, stored.Status, expected)
		}
		return tx.Set(ref, doc)
	}

	if tx, ok := pfirestore.TxFromContext(ctx); ok {
		if err := guardedSet(tx); err != nil {
			return pfirestore.WrapError("orders.update", err)
		}
		return nil
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return err
	}
	if err := client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		return guardedSet(tx)
	}); err != nil {
		return pfirestore.WrapError("orders.update", err)
	}
	return nil
}

func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	if r == nil || r.orders == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	id := strings.TrimSpace(orderID)
	if id == "" {
		return domain.Order{}, errors.New("order find: order id is required")
	}

	if tx, ok := pfirestore.TxFromContext(ctx); ok {
		ref, err := r.orders.DocumentRef(ctx, id)
		if err != nil {
			return domain.Order{}, err
		}
		snap, err := tx.Get(ref)
		if err != nil {
			return domain.Order{}, pfirestore.WrapError("orders.find", err)
		}
		return decodeOrderSnapshot(snap)
	}

	doc, err := r.orders.Get(ctx, id)
	if err != nil {
		return domain.Order{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

func (r *OrderRepository) FindByPaymentRef(ctx context.Context, userID string, providerPaymentID string) (domain.Order, error) {
	if r == nil || r.provider == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	user := strings.TrimSpace(userID)
	paymentID := strings.TrimSpace(providerPaymentID)
	if user == "" || paymentID == "" {
		return domain.Order{}, errors.New("order find by payment: user id and payment id are required")
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.Order{}, err
	}
	query := client.Collection(ordersCollection).
		Where("userRef", "==", user).
		Where("payment.providerPaymentId", "==", paymentID).
		Limit(1)

	var iter *firestore.DocumentIterator
	if tx, ok := pfirestore.TxFromContext(ctx); ok {
		iter = tx.Documents(query)
	} else {
		iter = query.Documents(ctx)
	}
	defer iter.Stop()

	snap, err := iter.Next()
	if errors.Is(err, iterator.Done) {
		return domain.Order{}, pfirestore.WrapError("orders.findByPayment", status.Error(codes.NotFound, "order not found"))
	}
	if err != nil {
		return domain.Order{}, pfirestore.WrapError("orders.findByPayment", err)
	}
	return decodeOrderSnapshot(snap)
}

func (r *OrderRepository) ListByUser(ctx context.Context, userID string, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	if r == nil || r.provider == nil {
		return domain.CursorPage[domain.Order]{}, errors.New("order repository not initialised")
	}
	user := strings.TrimSpace(userID)
	if user == "" {
		return domain.CursorPage[domain.Order]{}, errors.New("order list: user id is required")
	}

	pageSize := filter.Pagination.PageSize
	if pageSize <= 0 {
		pageSize = defaultOrderPageSize
	}
	if pageSize > maxOrderPageSize {
		pageSize = maxOrderPageSize
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}

	query := client.Collection(ordersCollection).
		Where("userRef", "==", user)
	if len(filter.Status) > 0 {
		statuses := make([]string, 0, len(filter.Status))
		for _, s := range filter.Status {
			statuses = append(statuses, string(s))
		}
		query = query.Where("status", "in", statuses)
	}
	if filter.DateRange.From != nil {
		query = query.Where("createdAt", ">=", filter.DateRange.From.UTC())
	}
	if filter.DateRange.To != nil {
		query = query.Where("createdAt", "<=", filter.DateRange.To.UTC())
	}
	query = query.
		OrderBy("createdAt", firestore.Desc).
		OrderBy(firestore.DocumentID, firestore.Desc)

	if token := strings.TrimSpace(filter.Pagination.PageToken); token != "" {
		createdAt, id, err := decodeOrderPageToken(token)
		if err != nil {
			return domain.CursorPage[domain.Order]{}, err
		}
		query = query.StartAfter(createdAt, id)
	}

	iter := query.Limit(pageSize + 1).Documents(ctx)
	defer iter.Stop()

	var orders []domain.Order
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return domain.CursorPage[domain.Order]{}, pfirestore.WrapError("orders.list", err)
		}
		order, err := decodeOrderSnapshot(snap)
		if err != nil {
			return domain.CursorPage[domain.Order]{}, err
		}
		orders = append(orders, order)
	}

	hasMore := len(orders) > pageSize
	if hasMore {
		orders = orders[:pageSize]
	}
	var nextToken string
	if hasMore && len(orders) > 0 {
		last := orders[len(orders)-1]
		encoded, err := encodeOrderPageToken(last.CreatedAt, last.ID)
		if err != nil {
			return domain.CursorPage[domain.Order]{}, err
		}
		nextToken = encoded
	}

	return domain.CursorPage[domain.Order]{
		Items:         orders,
		NextPageToken: nextToken,
	}, nil
}

// Document mapping -----------------------------------------------------------

func newOrderDocument(order domain.Order) orderDocument {
	lines := make([]orderLineDocument, len(order.Lines))
	for i, line := range order.Lines {
		lines[i] = orderLineDocument{
			Kind:       string(line.Kind),
			ProductRef: line.ProductRef,
			Name:       line.Name,
			Quantity:   line.Quantity,
			UnitPrice:  line.UnitPrice,
			LineTotal:  line.LineTotal,
			Size:       line.Size,
		}
	}
	history := make([]statusChangeDocument, len(order.StatusHistory))
	for i, change := range order.StatusHistory {
		history[i] = statusChangeDocument{Status: string(change.Status), At: change.At.UTC()}
	}
	return orderDocument{
		OrderNumber:     order.OrderNumber,
		UserRef:         order.UserID,
		CartRef:         order.CartRef,
		Currency:        order.Currency,
		Lines:           lines,
		TotalAmount:     order.TotalAmount,
		ShippingAddress: newAddressDocument(order.ShippingAddress),
		GiftMessage:     order.GiftMessage,
		Payment: paymentInfoDocument{
			Provider:          order.Payment.Provider,
			Method:            order.Payment.Method,
			Status:            string(order.Payment.Status),
			ProviderOrderID:   order.Payment.ProviderOrderID,
			ProviderPaymentID: order.Payment.ProviderPaymentID,
			AmountPaid:        order.Payment.AmountPaid,
		},
		Status:        string(order.Status),
		StatusHistory: history,
		Metadata:      order.Metadata,
		CreatedAt:     order.CreatedAt.UTC(),
		UpdatedAt:     order.UpdatedAt.UTC(),
		ShippedAt:     order.ShippedAt,
		DeliveredAt:   order.DeliveredAt,
		CancelledAt:   order.CancelledAt,
		CancelReason:  order.CancelReason,
	}
}

func (d orderDocument) toDomain(id string) domain.Order {
	lines := make([]domain.OrderLine, len(d.Lines))
	for i, line := range d.Lines {
		lines[i] = domain.OrderLine{
			Kind:       domain.LineKind(line.Kind),
			ProductRef: line.ProductRef,
			Name:       line.Name,
			Quantity:   line.Quantity,
			UnitPrice:  line.UnitPrice,
			LineTotal:  line.LineTotal,
			Size:       line.Size,
		}
	}
	history := make([]domain.StatusChange, len(d.StatusHistory))
	for i, change := range d.StatusHistory {
		history[i] = domain.StatusChange{Status: domain.OrderStatus(change.Status), At: change.At}
	}
	return domain.Order{
		ID:              id,
		OrderNumber:     d.OrderNumber,
		UserID:          d.UserRef,
		CartRef:         d.CartRef,
		Currency:        d.Currency,
		Lines:           lines,
		TotalAmount:     d.TotalAmount,
		ShippingAddress: d.ShippingAddress.toDomain(),
		GiftMessage:     d.GiftMessage,
		Payment: domain.PaymentInfo{
			Provider:          d.Payment.Provider,
			Method:            d.Payment.Method,
			Status:            domain.PaymentStatus(d.Payment.Status),
			ProviderOrderID:   d.Payment.ProviderOrderID,
			ProviderPaymentID: d.Payment.ProviderPaymentID,
			AmountPaid:        d.Payment.AmountPaid,
		},
		Status:        domain.OrderStatus(d.Status),
		StatusHistory: history,
		Metadata:      d.Metadata,
		CreatedAt:     d.CreatedAt,
		UpdatedAt:     d.UpdatedAt,
		ShippedAt:     d.ShippedAt,
		DeliveredAt:   d.DeliveredAt,
		CancelledAt:   d.CancelledAt,
		CancelReason:  d.CancelReason,
	}
}

func newAddressDocument(addr domain.Address) addressDocument {
	return addressDocument{
		Recipient:  addr.Recipient,
		Line1:      addr.Line1,
		Line2:      addr.Line2,
		City:       addr.City,
		State:      addr.State,
		PostalCode: addr.PostalCode,
		Country:    addr.Country,
		Phone:      addr.Phone,
	}
}

func (d addressDocument) toDomain() domain.Address {
	return domain.Address{
		Recipient:  d.Recipient,
		Line1:      d.Line1,
		Line2:      d.Line2,
		City:       d.City,
		State:      d.State,
		PostalCode: d.PostalCode,
		Country:    d.Country,
		Phone:      d.Phone,
	}
}

func decodeOrderSnapshot(snap *firestore.DocumentSnapshot) (domain.Order, error) {
	var doc orderDocument
	if err := snap.DataTo(&doc); err != nil {
		return domain.Order{}, fmt.Errorf("decode order %s: %w", snap.Ref.ID, err)
	}
	return doc.toDomain(snap.Ref.ID), nil
}

// Order page tokens ride on the shared pagination cursor: the StartAfter
// tuple mirrors the createdAt+docID sort applied by List.
func encodeOrderPageToken(createdAt time.Time, id string) (string, error) {
	return pagination.EncodeToken(pagination.Cursor{
		StartAfter: []any{createdAt.UTC().Format(time.RFC3339Nano), id},
	})
}

func decodeOrderPageToken(encoded string) (time.Time, string, error) {
	cursor, err := pagination.DecodeToken(encoded)
	if err != nil {
		return time.Time{}, "", err
	}
	if len(cursor.StartAfter) != 2 {
		return time.Time{}, "", fmt.Errorf("%w: malformed order cursor", pagination.ErrInvalidPageToken)
	}
	rawCreatedAt, okCreatedAt := cursor.StartAfter[0].(string)
	id, okID := cursor.StartAfter[1].(string)
	if !okCreatedAt || !okID || id == "" {
		return time.Time{}, "", fmt.Errorf("%w: malformed order cursor", pagination.ErrInvalidPageToken)
	}
	createdAt, err := time.Parse(time.RFC3339Nano, rawCreatedAt)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("%w: malformed order cursor", pagination.ErrInvalidPageToken)
	}
	return createdAt, id, nil
}
