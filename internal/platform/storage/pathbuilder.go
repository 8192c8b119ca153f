package storage

import (
	"fmt"
	"strings"
	"sync"
)

// ObjectPurpose captures high-level intent for storage layout decisions.
type ObjectPurpose string

const (
	PurposeReceipt       ObjectPurpose = "receipt"
	PurposeOrderSnapshot ObjectPurpose = "order-snapshot"
)

// PathParams provide required identifiers to compose storage object keys.
type PathParams struct {
	OrderID     string
	OrderNumber string
	FileName    string
}

// PathBuilder composes the object path for a given purpose.
type PathBuilder func(PathParams) (string, error)

var (
	pathBuilders = map[ObjectPurpose]PathBuilder{
		PurposeReceipt:       buildReceiptPath,
		PurposeOrderSnapshot: buildOrderSnapshotPath,
	}
	pathBuildersMu sync.RWMutex
)

// RegisterPathBuilder overrides or registers a builder for a specific purpose.
func RegisterPathBuilder(purpose ObjectPurpose, builder PathBuilder) {
	pathBuildersMu.Lock()
	defer pathBuildersMu.Unlock()
	if builder == nil {
		delete(pathBuilders, purpose)
		return
	}
	pathBuilders[purpose] = builder
}

// BuildObjectPath resolves the storage object path for the given purpose.
func BuildObjectPath(purpose ObjectPurpose, params PathParams) (string, error) {
	pathBuildersMu.RLock()
	builder, ok := pathBuilders[purpose]
	pathBuildersMu.RUnlock()
	if !ok {
		return "", fmt.Errorf("storage: unsupported object purpose %q", purpose)
	}
	return builder(params)
}

func buildReceiptPath(params PathParams) (string, error) {
	orderID, err := validateSegment("orderID", params.OrderID)
	if err != nil {
		return "", err
	}
	name := strings.TrimSpace(params.FileName)
	if name == "" && params.OrderNumber != "" {
		name = fmt.Sprintf("%s.json", strings.TrimSpace(params.OrderNumber))
	}
	fileName, err := validateFileName(name)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("orders/%s/receipts/%s", orderID, fileName), nil
}

func buildOrderSnapshotPath(params PathParams) (string, error) {
	orderID, err := validateSegment("orderID", params.OrderID)
	if err != nil {
		return "", err
	}
	fileName, err := validateFileName(params.FileName)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("orders/%s/snapshots/%s", orderID, fileName), nil
}

func validateSegment(name, value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", fmt.Errorf("storage: %s is required", name)
	}
	if strings.ContainsAny(value, "/\\") {
		return "", fmt.Errorf("storage: %s contains invalid path characters", name)
	}
	if strings.Contains(value, "..") {
		return "", fmt.Errorf("storage: %s contains invalid traversal sequence", name)
	}
	return value, nil
}

func validateFileName(value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", fmt.Errorf("storage: fileName is required")
	}
	if strings.ContainsAny(value, "/\\") {
		return "", fmt.Errorf("storage: fileName contains invalid path characters")
	}
	if strings.Contains(value, "..") {
		return "", fmt.Errorf("storage: fileName contains invalid traversal sequence")
	}
	return value, nil
}
