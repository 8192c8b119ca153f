package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	gcs "cloud.google.com/go/storage"
)

// Archiver writes immutable JSON audit objects to Cloud Storage.
type Archiver struct {
	client *gcs.Client
	bucket string
}

// NewArchiver constructs an Archiver backed by the provided Cloud Storage client.
func NewArchiver(client *gcs.Client, bucket string) (*Archiver, error) {
	if client == nil {
		return nil, errors.New("storage archiver: client is required")
	}
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errors.New("storage archiver: bucket is required")
	}
	return &Archiver{client: client, bucket: bucket}, nil
}

// PutJSON serialises the payload and writes it to the given object path.
// Existing objects are never overwritten; a second write to the same path is
// treated as already archived and succeeds.
func (a *Archiver) PutJSON(ctx context.Context, object string, payload any) error {
	if a == nil || a.client == nil {
		return errors.New("storage archiver: not initialised")
	}
	object = strings.TrimSpace(object)
	if object == "" {
		return errors.New("storage archiver: object path is required")
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("storage archiver: marshal payload: %w", err)
	}

	handle := a.client.Bucket(a.bucket).Object(object).If(gcs.Conditions{DoesNotExist: true})
	writer := handle.NewWriter(ctx)
	writer.ContentType = "application/json"
	if _, err := writer.Write(data); err != nil {
		_ = writer.Close()
		return fmt.Errorf("storage archiver: write object: %w", err)
	}
	if err := writer.Close(); err != nil {
		if isPreconditionFailed(err) {
			return nil
		}
		return fmt.Errorf("storage archiver: close object: %w", err)
	}
	return nil
}

// Bucket returns the configured archive bucket name.
func (a *Archiver) Bucket() string {
	if a == nil {
		return ""
	}
	return a.bucket
}

func isPreconditionFailed(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "conditionNotMet") ||
		strings.Contains(err.Error(), "412")
}
