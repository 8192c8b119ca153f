package domain

import (
	"testing"
	"time"
)

func TestCanTransitionDeclaredEdges(t *testing.T) {
	allowed := []struct {
		from OrderStatus
		to   OrderStatus
	}{
		{OrderStatusPending, OrderStatusProcessing},
		{OrderStatusPending, OrderStatusCancelled},
		{OrderStatusProcessing, OrderStatusShipped},
		{OrderStatusProcessing, OrderStatusCancelled},
		{OrderStatusShipped, OrderStatusDelivered},
	}
	for _, edge := range allowed {
		if !CanTransition(edge.from, edge.to) {
			t.Fatalf("expected %s -> %s to be allowed", edge.from, edge.to)
		}
	}
}

func TestCanTransitionRejectsUndeclaredEdges(t *testing.T) {
	statuses := []OrderStatus{
		OrderStatusPending,
		OrderStatusProcessing,
		OrderStatusShipped,
		OrderStatusDelivered,
		OrderStatusCancelled,
	}
	declared := map[OrderStatus]map[OrderStatus]bool{
		OrderStatusPending:    {OrderStatusProcessing: true, OrderStatusCancelled: true},
		OrderStatusProcessing: {OrderStatusShipped: true, OrderStatusCancelled: true},
		OrderStatusShipped:    {OrderStatusDelivered: true},
	}
	for _, from := range statuses {
		for _, to := range statuses {
			if declared[from][to] {
				continue
			}
			if CanTransition(from, to) {
				t.Fatalf("expected %s -> %s to be rejected", from, to)
			}
		}
	}
}

func TestTransitionAppendsHistory(t *testing.T) {
	start := time.Date(2025, 3, 4, 9, 0, 0, 0, time.UTC)
	order := Order{}
	InitialiseStatus(&order, OrderStatusProcessing, start)
	if len(order.StatusHistory) != 1 || order.StatusHistory[0].Status != OrderStatusProcessing {
		t.Fatalf("unexpected initial history %+v", order.StatusHistory)
	}

	shippedAt := start.Add(48 * time.Hour)
	if err := Transition(&order, OrderStatusShipped, shippedAt); err != nil {
		t.Fatalf("transition to shipped: %v", err)
	}
	if order.Status != OrderStatusShipped {
		t.Fatalf("unexpected status %s", order.Status)
	}
	if order.ShippedAt == nil || !order.ShippedAt.Equal(shippedAt) {
		t.Fatalf("expected shipped timestamp to be set")
	}

	deliveredAt := shippedAt.Add(24 * time.Hour)
	if err := Transition(&order, OrderStatusDelivered, deliveredAt); err != nil {
		t.Fatalf("transition to delivered: %v", err)
	}
	if len(order.StatusHistory) != 3 {
		t.Fatalf("expected 3 history entries, got %d", len(order.StatusHistory))
	}
	for i := 1; i < len(order.StatusHistory); i++ {
		if order.StatusHistory[i].At.Before(order.StatusHistory[i-1].At) {
			t.Fatalf("history not monotonically increasing")
		}
	}
}

func TestTransitionRejectsTerminalStates(t *testing.T) {
	now := time.Date(2025, 3, 4, 9, 0, 0, 0, time.UTC)
	order := Order{}
	InitialiseStatus(&order, OrderStatusProcessing, now)
	if err := Transition(&order, OrderStatusShipped, now); err != nil {
		t.Fatalf("transition to shipped: %v", err)
	}
	if err := Transition(&order, OrderStatusDelivered, now); err != nil {
		t.Fatalf("transition to delivered: %v", err)
	}
	if err := Transition(&order, OrderStatusCancelled, now); err == nil {
		t.Fatalf("expected delivered -> cancelled to fail")
	}
	if err := Transition(&order, OrderStatusProcessing, now); err == nil {
		t.Fatalf("expected delivered -> processing to fail")
	}
	if len(order.StatusHistory) != 3 {
		t.Fatalf("rejected transitions must not append history")
	}
}

func TestCanCancel(t *testing.T) {
	cases := []struct {
		status OrderStatus
		want   bool
	}{
		{OrderStatusPending, true},
		{OrderStatusProcessing, true},
		{OrderStatusShipped, false},
		{OrderStatusDelivered, false},
		{OrderStatusCancelled, false},
	}
	for _, tc := range cases {
		if got := CanCancel(Order{Status: tc.status}); got != tc.want {
			t.Fatalf("CanCancel(%s) = %v, want %v", tc.status, got, tc.want)
		}
	}
}

func TestDraftConsistency(t *testing.T) {
	draft := OrderDraft{
		Currency: "usd",
		Lines: []OrderLine{
			SizedLine("products/tee-classic", "Classic Tee", 2, 500, "M"),
			UnsizedLine("products/tote-canvas", "Canvas Tote", 1, 1250),
		},
	}
	draft.Subtotal = draft.RecomputeSubtotal()
	if draft.Subtotal != 2250 {
		t.Fatalf("unexpected subtotal %d", draft.Subtotal)
	}
	if !draft.Consistent() {
		t.Fatalf("expected draft to be consistent")
	}
	draft.Lines[0].LineTotal++
	if draft.Consistent() {
		t.Fatalf("expected tampered draft to be inconsistent")
	}
}
