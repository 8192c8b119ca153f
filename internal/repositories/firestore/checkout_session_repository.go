package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/threadline/api/internal/domain"
	pfirestore "github.com/threadline/api/internal/platform/firestore"
)

const checkoutSessionsCollection = "checkoutSessions"

type draftLineDocument struct {
	Kind       string `firestore:"kind"`
	ProductRef string `firestore:"productRef"`
	Name       string `firestore:"name"`
	Quantity   int    `firestore:"qty"`
	UnitPrice  int64  `firestore:"unitPrice"`
	LineTotal  int64  `firestore:"lineTotal"`
	Size       string `firestore:"size,omitempty"`
}

type draftDocument struct {
	ID              string              `firestore:"id"`
	UserRef         string              `firestore:"userRef"`
	CartRef         *string             `firestore:"cartRef,omitempty"`
	Currency        string              `firestore:"currency"`
	Lines           []draftLineDocument `firestore:"lines"`
	Subtotal        int64               `firestore:"subtotal"`
	ShippingAddress addressDocument     `firestore:"shippingAddress"`
	GiftMessage     *string             `firestore:"giftMessage,omitempty"`
	CreatedAt       time.Time           `firestore:"createdAt"`
}

type checkoutSessionDocument struct {
	ID              string           `firestore:"id"`
	Step            string           `firestore:"step"`
	ShippingAddress *addressDocument `firestore:"shippingAddress,omitempty"`
	Draft           *draftDocument   `firestore:"draft,omitempty"`
	IntentID        *string          `firestore:"intentId,omitempty"`
	OrderID         *string          `firestore:"orderId,omitempty"`
	CreatedAt       time.Time        `firestore:"createdAt"`
	UpdatedAt       time.Time        `firestore:"updatedAt"`
	ExpiresAt       time.Time        `firestore:"expiresAt"`
	LeaseUntil      time.Time        `firestore:"leaseUntil"`
}

// CheckoutSessionRepository stores the per-user checkout wizard state. The
// user ID doubles as the document identifier; the lease field serialises
// concurrent mutation attempts.
type CheckoutSessionRepository struct {
	provider *pfirestore.Provider
	sessions *pfirestore.BaseRepository[checkoutSessionDocument]
}

func NewCheckoutSessionRepository(provider *pfirestore.Provider) (*CheckoutSessionRepository, error) {
	if provider == nil {
		return nil, errors.New("checkout session repository requires firestore provider")
	}
	sessions := pfirestore.NewBaseRepository[checkoutSessionDocument](provider, checkoutSessionsCollection, nil, nil)
	return &CheckoutSessionRepository{provider: provider, sessions: sessions}, nil
}

func (r *CheckoutSessionRepository) Get(ctx context.Context, userID string) (domain.CheckoutSession, error) {
	if r == nil || r.sessions == nil {
		return domain.CheckoutSession{}, errors.New("checkout session repository not initialised")
	}
	user := strings.TrimSpace(userID)
	if user == "" {
		return domain.CheckoutSession{}, errors.New("checkout session get: user id is required")
	}

	doc, err := r.sessions.Get(ctx, user)
	if err != nil {
		return domain.CheckoutSession{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

func (r *CheckoutSessionRepository) Put(ctx context.Context, session domain.CheckoutSession) (domain.CheckoutSession, error) {
	if r == nil || r.sessions == nil {
		return domain.CheckoutSession{}, errors.New("checkout session repository not initialised")
	}
	user := strings.TrimSpace(session.UserID)
	if user == "" {
		return domain.CheckoutSession{}, errors.New("checkout session put: user id is required")
	}

	doc := newCheckoutSessionDocument(session)

	// Preserve an in-flight lease; Put never shortens it.
	if existing, err := r.sessions.Get(ctx, user); err == nil {
		doc.LeaseUntil = existing.Data.LeaseUntil
	}

	if _, err := r.sessions.Set(ctx, user, doc); err != nil {
		return domain.CheckoutSession{}, err
	}
	return doc.toDomain(user), nil
}

func (r *CheckoutSessionRepository) Delete(ctx context.Context, userID string) error {
	if r == nil || r.sessions == nil {
		return errors.New("checkout session repository not initialised")
	}
	user := strings.TrimSpace(userID)
	if user == "" {
		return errors.New("checkout session delete: user id is required")
	}

	ref, err := r.sessions.DocumentRef(ctx, user)
	if err != nil {
		return err
	}
	if _, err := ref.Delete(ctx); err != nil {
		return pfirestore.WrapError("checkoutSessions.delete", err)
	}
	return nil
}

func (r *CheckoutSessionRepository) AcquireLease(ctx context.Context, userID string, now time.Time, ttl time.Duration) error {
	if r == nil || r.provider == nil {
		return errors.New("checkout session repository not initialised")
	}
	user := strings.TrimSpace(userID)
	if user == "" {
		return errors.New("checkout session lease: user id is required")
	}
	if ttl <= 0 {
		return errors.New("checkout session lease: ttl must be positive")
	}

	at := now.UTC()
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.sessions.DocumentRef(ctx, user)
		if err != nil {
			return err
		}
		snap, err := tx.Get(ref)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}
		if err == nil {
			var doc checkoutSessionDocument
			if err := snap.DataTo(&doc); err != nil {
				return fmt.Errorf("decode checkout session %s: %w", user, err)
			}
			if doc.LeaseUntil.After(at) {
				return status.Error(codes.FailedPrecondition, "checkout session is busy")
			}
		}
		return tx.Set(ref, map[string]any{"leaseUntil": at.Add(ttl)}, firestore.MergeAll)
	})
	return pfirestore.WrapError("checkoutSessions.lease", err)
}

func (r *CheckoutSessionRepository) ReleaseLease(ctx context.Context, userID string) error {
	if r == nil || r.sessions == nil {
		return errors.New("checkout session repository not initialised")
	}
	user := strings.TrimSpace(userID)
	if user == "" {
		return errors.New("checkout session lease: user id is required")
	}

	ref, err := r.sessions.DocumentRef(ctx, user)
	if err != nil {
		return err
	}
	_, err = ref.Set(ctx, map[string]any{"leaseUntil": time.Time{}}, firestore.MergeAll)
	return pfirestore.WrapError("checkoutSessions.release", err)
}

// Document mapping -----------------------------------------------------------

func newCheckoutSessionDocument(session domain.CheckoutSession) checkoutSessionDocument {
	doc := checkoutSessionDocument{
		ID:        session.ID,
		Step:      string(session.Step),
		IntentID:  session.IntentID,
		OrderID:   session.OrderID,
		CreatedAt: session.CreatedAt.UTC(),
		UpdatedAt: session.UpdatedAt.UTC(),
		ExpiresAt: session.ExpiresAt.UTC(),
	}
	if session.ShippingAddress != nil {
		addr := newAddressDocument(*session.ShippingAddress)
		doc.ShippingAddress = &addr
	}
	if session.Draft != nil {
		draft := newDraftDocument(*session.Draft)
		doc.Draft = &draft
	}
	return doc
}

func (d checkoutSessionDocument) toDomain(userID string) domain.CheckoutSession {
	// Documents written before the id field existed fall back to the user ID.
	id := d.ID
	if id == "" {
		id = userID
	}
	session := domain.CheckoutSession{
		ID:        id,
		UserID:    userID,
		Step:      domain.CheckoutStep(d.Step),
		IntentID:  d.IntentID,
		OrderID:   d.OrderID,
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
		ExpiresAt: d.ExpiresAt,
	}
	if d.ShippingAddress != nil {
		addr := d.ShippingAddress.toDomain()
		session.ShippingAddress = &addr
	}
	if d.Draft != nil {
		draft := d.Draft.toDomain()
		session.Draft = &draft
	}
	return session
}

func newDraftDocument(draft domain.OrderDraft) draftDocument {
	lines := make([]draftLineDocument, len(draft.Lines))
	for i, line := range draft.Lines {
		lines[i] = draftLineDocument{
			Kind:       string(line.Kind),
			ProductRef: line.ProductRef,
			Name:       line.Name,
			Quantity:   line.Quantity,
			UnitPrice:  line.UnitPrice,
			LineTotal:  line.LineTotal,
			Size:       line.Size,
		}
	}
	return draftDocument{
		ID:              draft.ID,
		UserRef:         draft.UserID,
		CartRef:         draft.CartRef,
		Currency:        draft.Currency,
		Lines:           lines,
		Subtotal:        draft.Subtotal,
		ShippingAddress: newAddressDocument(draft.ShippingAddress),
		GiftMessage:     draft.GiftMessage,
		CreatedAt:       draft.CreatedAt.UTC(),
	}
}

func (d draftDocument) toDomain() domain.OrderDraft {
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
	return domain.OrderDraft{
		ID:              d.ID,
		UserID:          d.UserRef,
		CartRef:         d.CartRef,
		Currency:        d.Currency,
		Lines:           lines,
		Subtotal:        d.Subtotal,
		ShippingAddress: d.ShippingAddress.toDomain(),
		GiftMessage:     d.GiftMessage,
		CreatedAt:       d.CreatedAt,
	}
}
