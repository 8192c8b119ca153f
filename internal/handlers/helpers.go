package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/threadline/api/internal/services"
)

var (
	errBodyTooLarge = errors.New("handlers: request body exceeds allowed size")
	errEmptyBody    = errors.New("handlers: request body is empty")
)

func readLimitedBody(r *http.Request, limit int64) ([]byte, error) {
	if r == nil || r.Body == nil {
		return nil, errEmptyBody
	}
	if limit <= 0 {
		return nil, errors.New("handlers: body limit must be positive")
	}
	reader := io.LimitReader(r.Body, limit+1)
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, errEmptyBody
	}
	if int64(len(data)) > limit {
		return nil, errBodyTooLarge
	}
	return data, nil
}

func writeJSONResponse(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func pointerTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

func cloneStringPointer(value *string) *string {
	if value == nil {
		return nil
	}
	copy := *value
	return &copy
}

// addressInput is the inbound shipping address shape shared by checkout
// requests.
type addressInput struct {
	Recipient  string  `json:"recipient"`
	Line1      string  `json:"line1"`
	Line2      *string `json:"line2,omitempty"`
	City       string  `json:"city"`
	State      *string `json:"state,omitempty"`
	PostalCode string  `json:"postalCode"`
	Country    string  `json:"country"`
	Phone      *string `json:"phone,omitempty"`
}

func (in addressInput) toAddress() services.Address {
	return services.Address{
		Recipient:  in.Recipient,
		Line1:      in.Line1,
		Line2:      in.Line2,
		City:       in.City,
		State:      in.State,
		PostalCode: in.PostalCode,
		Country:    in.Country,
		Phone:      in.Phone,
	}
}

type addressPayload struct {
	Recipient  string  `json:"recipient"`
	Line1      string  `json:"line1"`
	Line2      *string `json:"line2,omitempty"`
	City       string  `json:"city"`
	State      *string `json:"state,omitempty"`
	PostalCode string  `json:"postalCode"`
	Country    string  `json:"country"`
	Phone      *string `json:"phone,omitempty"`
}

func buildAddressPayload(addr services.Address) addressPayload {
	return addressPayload{
		Recipient:  addr.Recipient,
		Line1:      addr.Line1,
		Line2:      cloneStringPointer(addr.Line2),
		City:       addr.City,
		State:      cloneStringPointer(addr.State),
		PostalCode: addr.PostalCode,
		Country:    addr.Country,
		Phone:      cloneStringPointer(addr.Phone),
	}
}

type orderLinePayload struct {
	Kind       string `json:"kind"`
	ProductRef string `json:"productRef"`
	Name       string `json:"name,omitempty"`
	Quantity   int    `json:"quantity"`
	UnitPrice  int64  `json:"unitPrice"`
	LineTotal  int64  `json:"lineTotal"`
	Size       string `json:"size,omitempty"`
}

func buildOrderLinePayloads(lines []services.OrderLine) []orderLinePayload {
	result := make([]orderLinePayload, 0, len(lines))
	for _, line := range lines {
		result = append(result, orderLinePayload{
			Kind:       string(line.Kind),
			ProductRef: line.ProductRef,
			Name:       line.Name,
			Quantity:   line.Quantity,
			UnitPrice:  line.UnitPrice,
			LineTotal:  line.LineTotal,
			Size:       line.Size,
		})
	}
	return result
}

type paymentInfoPayload struct {
	Provider          string `json:"provider,omitempty"`
	Method            string `json:"method,omitempty"`
	Status            string `json:"status"`
	ProviderOrderID   string `json:"providerOrderId,omitempty"`
	ProviderPaymentID string `json:"providerPaymentId,omitempty"`
	AmountPaid        int64  `json:"amountPaid"`
}

type statusChangePayload struct {
	Status string `json:"status"`
	At     string `json:"at"`
}

type orderPayload struct {
	ID              string                `json:"id"`
	OrderNumber     string                `json:"orderNumber"`
	UserID          string                `json:"userId"`
	CartRef         string                `json:"cartRef,omitempty"`
	Currency        string                `json:"currency"`
	Lines           []orderLinePayload    `json:"lines"`
	TotalAmount     int64                 `json:"totalAmount"`
	ShippingAddress addressPayload        `json:"shippingAddress"`
	GiftMessage     *string               `json:"giftMessage,omitempty"`
	Payment         paymentInfoPayload    `json:"payment"`
	Status          string                `json:"status"`
	StatusHistory   []statusChangePayload `json:"statusHistory"`
	CreatedAt       string                `json:"createdAt"`
	UpdatedAt       string                `json:"updatedAt,omitempty"`
	ShippedAt       string                `json:"shippedAt,omitempty"`
	DeliveredAt     string                `json:"deliveredAt,omitempty"`
	CancelledAt     string                `json:"cancelledAt,omitempty"`
	CancelReason    *string               `json:"cancelReason,omitempty"`
}

func buildOrderPayload(order services.Order) orderPayload {
	history := make([]statusChangePayload, 0, len(order.StatusHistory))
	for _, change := range order.StatusHistory {
		history = append(history, statusChangePayload{
			Status: string(change.Status),
			At:     formatTime(change.At),
		})
	}

	payload := orderPayload{
		ID:              order.ID,
		OrderNumber:     order.OrderNumber,
		UserID:          order.UserID,
		Currency:        strings.ToUpper(order.Currency),
		Lines:           buildOrderLinePayloads(order.Lines),
		TotalAmount:     order.TotalAmount,
		ShippingAddress: buildAddressPayload(order.ShippingAddress),
		GiftMessage:     cloneStringPointer(order.GiftMessage),
		Payment: paymentInfoPayload{
			Provider:          order.Payment.Provider,
			Method:            order.Payment.Method,
			Status:            string(order.Payment.Status),
			ProviderOrderID:   order.Payment.ProviderOrderID,
			ProviderPaymentID: order.Payment.ProviderPaymentID,
			AmountPaid:        order.Payment.AmountPaid,
		},
		Status:        string(order.Status),
		StatusHistory: history,
		CreatedAt:     formatTime(order.CreatedAt),
		UpdatedAt:     formatTime(order.UpdatedAt),
		ShippedAt:     formatTime(pointerTime(order.ShippedAt)),
		DeliveredAt:   formatTime(pointerTime(order.DeliveredAt)),
		CancelledAt:   formatTime(pointerTime(order.CancelledAt)),
		CancelReason:  cloneStringPointer(order.CancelReason),
	}
	if order.CartRef != nil {
		payload.CartRef = *order.CartRef
	}
	return payload
}

type orderSummaryPayload struct {
	ID          string `json:"id"`
	OrderNumber string `json:"orderNumber"`
	Status      string `json:"status"`
	Currency    string `json:"currency"`
	TotalAmount int64  `json:"totalAmount"`
	LineCount   int    `json:"lineCount"`
	CreatedAt   string `json:"createdAt"`
}

func buildOrderSummary(order services.Order) orderSummaryPayload {
	return orderSummaryPayload{
		ID:          order.ID,
		OrderNumber: order.OrderNumber,
		Status:      string(order.Status),
		Currency:    strings.ToUpper(order.Currency),
		TotalAmount: order.TotalAmount,
		LineCount:   len(order.Lines),
		CreatedAt:   formatTime(order.CreatedAt),
	}
}

type draftPayload struct {
	ID          string             `json:"id"`
	Currency    string             `json:"currency"`
	Lines       []orderLinePayload `json:"lines"`
	Subtotal    int64              `json:"subtotal"`
	GiftMessage *string            `json:"giftMessage,omitempty"`
	CreatedAt   string             `json:"createdAt"`
}

type checkoutSessionPayload struct {
	ID              string          `json:"id"`
	Step            string          `json:"step"`
	ShippingAddress *addressPayload `json:"shippingAddress,omitempty"`
	Draft           *draftPayload   `json:"draft,omitempty"`
	IntentID        *string         `json:"intentId,omitempty"`
	OrderID         *string         `json:"orderId,omitempty"`
	CreatedAt       string          `json:"createdAt"`
	UpdatedAt       string          `json:"updatedAt,omitempty"`
	ExpiresAt       string          `json:"expiresAt"`
}

func buildSessionPayload(session services.CheckoutSession) checkoutSessionPayload {
	payload := checkoutSessionPayload{
		ID:        session.ID,
		Step:      string(session.Step),
		IntentID:  cloneStringPointer(session.IntentID),
		OrderID:   cloneStringPointer(session.OrderID),
		CreatedAt: formatTime(session.CreatedAt),
		UpdatedAt: formatTime(session.UpdatedAt),
		ExpiresAt: formatTime(session.ExpiresAt),
	}
	if session.ShippingAddress != nil {
		addr := buildAddressPayload(*session.ShippingAddress)
		payload.ShippingAddress = &addr
	}
	if session.Draft != nil {
		payload.Draft = &draftPayload{
			ID:          session.Draft.ID,
			Currency:    strings.ToUpper(session.Draft.Currency),
			Lines:       buildOrderLinePayloads(session.Draft.Lines),
			Subtotal:    session.Draft.Subtotal,
			GiftMessage: cloneStringPointer(session.Draft.GiftMessage),
			CreatedAt:   formatTime(session.Draft.CreatedAt),
		}
	}
	return payload
}

type paymentIntentPayload struct {
	IntentID     string `json:"intentId"`
	Provider     string `json:"provider"`
	Amount       int64  `json:"amount"`
	Currency     string `json:"currency"`
	ClientSecret string `json:"clientSecret,omitempty"`
	RedirectURL  string `json:"redirectUrl,omitempty"`
	ExpiresAt    string `json:"expiresAt,omitempty"`
}

func buildPaymentIntentPayload(details services.PaymentIntentDetails) paymentIntentPayload {
	return paymentIntentPayload{
		IntentID:     details.IntentID,
		Provider:     details.Provider,
		Amount:       details.Amount,
		Currency:     strings.ToUpper(details.Currency),
		ClientSecret: details.ClientSecret,
		RedirectURL:  details.RedirectURL,
		ExpiresAt:    formatTime(details.ExpiresAt),
	}
}
