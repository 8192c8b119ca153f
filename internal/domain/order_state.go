package domain

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

// ErrInvalidTransition indicates a requested status change has no declared
// edge in the order lifecycle graph.
var ErrInvalidTransition = errors.New("domain: invalid order status transition")

// orderStatusTransitions declares every permitted edge. Statuses absent from
// the map are terminal.
var orderStatusTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending:    {OrderStatusProcessing, OrderStatusCancelled},
	OrderStatusProcessing: {OrderStatusShipped, OrderStatusCancelled},
	OrderStatusShipped:    {OrderStatusDelivered},
}

// cancellableStatuses lists the states from which a customer cancel is allowed.
var cancellableStatuses = []OrderStatus{OrderStatusPending, OrderStatusProcessing}

// CanTransition reports whether the lifecycle graph declares an edge from
// current to next. Undeclared edges are rejected, never silently ignored.
func CanTransition(current, next OrderStatus) bool {
	return slices.Contains(orderStatusTransitions[current], next)
}

// NextStatuses returns the declared outgoing edges for a status. Terminal
// statuses return nil.
func NextStatuses(current OrderStatus) []OrderStatus {
	allowed := orderStatusTransitions[current]
	if len(allowed) == 0 {
		return nil
	}
	return slices.Clone(allowed)
}

// Terminal reports whether no outgoing edge exists for the status.
func Terminal(status OrderStatus) bool {
	return len(orderStatusTransitions[status]) == 0
}

// CanCancel reports whether a customer-initiated cancellation is permitted
// for the order's current status.
func CanCancel(order Order) bool {
	return slices.Contains(cancellableStatuses, order.Status)
}

// Transition validates the edge from the order's current status to next,
// applies it, appends one status history entry, and stamps the per-status
// timestamp fields. History entries are never rewritten or removed.
func Transition(order *Order, next OrderStatus, at time.Time) error {
	if order == nil {
		return fmt.Errorf("%w: order is nil", ErrInvalidTransition)
	}
	if !CanTransition(order.Status, next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, order.Status, next)
	}
	order.Status = next
	order.StatusHistory = append(order.StatusHistory, StatusChange{Status: next, At: at})
	order.UpdatedAt = at
	switch next {
	case OrderStatusShipped:
		order.ShippedAt = &at
	case OrderStatusDelivered:
		order.DeliveredAt = &at
	case OrderStatusCancelled:
		order.CancelledAt = &at
	}
	return nil
}

// InitialiseStatus seeds a freshly committed order with its first status and
// the opening history entry. The commit path always starts at processing;
// pending exists only for a future pay-on-delivery flow.
func InitialiseStatus(order *Order, status OrderStatus, at time.Time) {
	if order == nil {
		return
	}
	order.Status = status
	order.StatusHistory = []StatusChange{{Status: status, At: at}}
	order.UpdatedAt = at
}
