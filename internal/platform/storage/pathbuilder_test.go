package storage

import "testing"

func TestBuildReceiptPathUsesOrderNumber(t *testing.T) {
	path, err := BuildObjectPath(PurposeReceipt, PathParams{
		OrderID:     "ord_01ARZ3NDEKTSV4RRFFQ69G5FAV",
		OrderNumber: "TL-2025-000042",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	expected := "orders/ord_01ARZ3NDEKTSV4RRFFQ69G5FAV/receipts/TL-2025-000042.json"
	if path != expected {
		t.Fatalf("expected %s, got %s", expected, path)
	}
}

func TestBuildOrderSnapshotPath(t *testing.T) {
	path, err := BuildObjectPath(PurposeOrderSnapshot, PathParams{
		OrderID:  "order123",
		FileName: "draft.json",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	expected := "orders/order123/snapshots/draft.json"
	if path != expected {
		t.Fatalf("expected %s, got %s", expected, path)
	}
}

func TestBuildObjectPathRejectsInvalidSegment(t *testing.T) {
	_, err := BuildObjectPath(PurposeReceipt, PathParams{
		OrderID:  "../bad",
		FileName: "receipt.json",
	})
	if err == nil {
		t.Fatalf("expected error for invalid segment")
	}
}
