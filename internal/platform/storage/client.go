package storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/threadline/api/internal/platform/auth"
)

const (
	defaultSignedURLExpiry     = 5 * time.Minute
	maxDownloadSignedURLExpiry = 15 * time.Minute
)

var (
	errNoSigner         = errors.New("storage: signer is required")
	errInvalidBucket    = errors.New("storage: bucket name is required")
	errInvalidObject    = errors.New("storage: object name is required")
	errMethodNotAllowed = errors.New("storage: HTTP method not allowed for downloads")
	errExpiryTooLong    = errors.New("storage: expiry exceeds permitted maximum")
)

// Client generates signed download URLs for archived receipts backed by a Signer.
type Client struct {
	signer Signer
	scheme storage.SigningScheme
	now    func() time.Time
}

// ClientOption customises client behaviour.
type ClientOption func(*Client)

// WithSigningScheme overrides the signing scheme (defaults to V4).
func WithSigningScheme(scheme storage.SigningScheme) ClientOption {
	return func(c *Client) {
		if scheme != 0 {
			c.scheme = scheme
		}
	}
}

// WithClock injects a custom clock (useful for tests).
func WithClock(clock func() time.Time) ClientOption {
	return func(c *Client) {
		if clock != nil {
			c.now = clock
		}
	}
}

// NewClient constructs a new storage signed URL client.
func NewClient(signer Signer, opts ...ClientOption) (*Client, error) {
	if signer == nil || strings.TrimSpace(signer.Email()) == "" {
		return nil, errNoSigner
	}

	client := &Client{
		signer: signer,
		scheme: storage.SigningSchemeV4,
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(client)
		}
	}
	return client, nil
}

// DownloadOptions control validation, access checks and response behaviour
// for signed receipt downloads.
type DownloadOptions struct {
	Method         string
	ExpiresIn      time.Duration
	Disposition    string
	CacheControl   string
	ResponseType   string
	OwnerID        string
	Identity       *auth.Identity
	AllowAnonymous bool
	Query          map[string]string
}

// SignedURLResult describes the generated signed URL details.
type SignedURLResult struct {
	URL       string
	Method    string
	ExpiresAt time.Time
}

// SignedDownloadURL creates a short-lived signed URL for the given object,
// enforcing ownership before signing.
func (c *Client) SignedDownloadURL(ctx context.Context, bucket, object string, opts DownloadOptions) (SignedURLResult, error) {
	if c == nil {
		return SignedURLResult{}, errNoSigner
	}
	if ctx == nil {
		return SignedURLResult{}, errors.New("storage: context is required")
	}
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return SignedURLResult{}, errInvalidBucket
	}
	object = strings.TrimSpace(object)
	if object == "" {
		return SignedURLResult{}, errInvalidObject
	}

	googleAccessID := c.signer.Email()
	if googleAccessID == "" {
		return SignedURLResult{}, errNoSigner
	}

	method := strings.ToUpper(strings.TrimSpace(opts.Method))
	if method == "" {
		method = httpMethodGet
	}
	if method != httpMethodGet && method != httpMethodHead {
		return SignedURLResult{}, errMethodNotAllowed
	}

	expiry := opts.ExpiresIn
	if expiry <= 0 {
		expiry = defaultSignedURLExpiry
	}
	if expiry > maxDownloadSignedURLExpiry {
		return SignedURLResult{}, errExpiryTooLong
	}

	if err := AuthorizeDownload(opts.Identity, opts.OwnerID, opts.AllowAnonymous); err != nil {
		return SignedURLResult{}, err
	}

	urlOpts := storage.SignedURLOptions{
		GoogleAccessID: googleAccessID,
		Scheme:         c.scheme,
		Method:         method,
	}
	urlOpts.SignBytes = func(payload []byte) ([]byte, error) {
		return c.signer.SignBytes(ctx, payload)
	}

	queryValues := map[string]string{}
	if opts.Disposition != "" {
		queryValues["response-content-disposition"] = opts.Disposition
	}
	if opts.CacheControl != "" {
		queryValues["response-cache-control"] = opts.CacheControl
	}
	if opts.ResponseType != "" {
		queryValues["response-content-type"] = opts.ResponseType
	}
	for key, value := range opts.Query {
		if _, exists := queryValues[key]; exists {
			continue
		}
		queryValues[key] = value
	}
	if len(queryValues) > 0 {
		urlOpts.QueryParameters = mapToURLValues(queryValues)
	}

	expiryTime := c.now().Add(expiry)
	urlOpts.Expires = expiryTime

	signedURL, err := storage.SignedURL(bucket, object, &urlOpts)
	if err != nil {
		return SignedURLResult{}, fmt.Errorf("storage: sign download url: %w", err)
	}

	return SignedURLResult{
		URL:       signedURL,
		Method:    method,
		ExpiresAt: expiryTime,
	}, nil
}

const (
	httpMethodGet  = "GET"
	httpMethodHead = "HEAD"
)

func mapToURLValues(values map[string]string) url.Values {
	out := make(url.Values, len(values))
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		value := values[key]
		out.Add(key, value)
	}
	return out
}
