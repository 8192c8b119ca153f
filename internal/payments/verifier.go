package payments

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/threadline/api/internal/domain"
)

var (
	// ErrSignatureMismatch indicates the proof signature does not match the
	// expected HMAC. Fatal to the attempt; the client must open a fresh intent.
	ErrSignatureMismatch = errors.New("payments: proof signature mismatch")
	// ErrIntentMismatch indicates a structurally valid proof bound to a
	// different intent. Rejecting it prevents proof replay across attempts.
	ErrIntentMismatch = errors.New("payments: proof bound to different intent")
	// ErrAmountMismatch indicates the verified amount does not equal the
	// expected draft subtotal.
	ErrAmountMismatch = errors.New("payments: amount mismatch")
)

// Verifier validates proof-of-payment artifacts delivered by gateway
// redirects and webhooks. It is stateless and side-effect free; verifying the
// same proof twice yields identical results, which lets both delivery paths
// race safely without locking.
type Verifier struct {
	secret []byte
}

// NewVerifier constructs a Verifier over the shared gateway signing secret.
func NewVerifier(secret string) (*Verifier, error) {
	trimmed := strings.TrimSpace(secret)
	if trimmed == "" {
		return nil, errors.New("payments: verification secret is required")
	}
	return &Verifier{secret: []byte(trimmed)}, nil
}

// Verify recomputes the expected signature over
// providerOrderId + "|" + providerPaymentId, compares it in constant time,
// and cross-checks the proof's intent binding. A signature that is valid for
// a different intent is rejected even though the HMAC matches.
func (v *Verifier) Verify(proof domain.PaymentProof, expectedIntentID string, expectedAmount int64) (domain.VerifiedPayment, error) {
	if v == nil || len(v.secret) == 0 {
		return domain.VerifiedPayment{}, errors.New("payments: verifier not initialised")
	}

	orderID := strings.TrimSpace(proof.ProviderOrderID)
	paymentID := strings.TrimSpace(proof.ProviderPaymentID)
	signature := strings.TrimSpace(proof.Signature)
	if orderID == "" || paymentID == "" || signature == "" {
		return domain.VerifiedPayment{}, fmt.Errorf("%w: incomplete proof", ErrSignatureMismatch)
	}

	expected := v.computeSignature(orderID, paymentID)
	supplied, err := hex.DecodeString(signature)
	if err != nil {
		return domain.VerifiedPayment{}, fmt.Errorf("%w: signature is not hex encoded", ErrSignatureMismatch)
	}
	if !hmac.Equal(supplied, expected) {
		return domain.VerifiedPayment{}, ErrSignatureMismatch
	}

	if expectedIntentID != "" && orderID != strings.TrimSpace(expectedIntentID) {
		return domain.VerifiedPayment{}, fmt.Errorf("%w: proof for %s, expected %s", ErrIntentMismatch, orderID, expectedIntentID)
	}

	return domain.VerifiedPayment{
		ProviderOrderID:   orderID,
		ProviderPaymentID: paymentID,
		Amount:            expectedAmount,
	}, nil
}

// Sign produces the hex HMAC signature for a provider order/payment pair.
// Exposed for tests and for signing outbound reconciliation requests.
func (v *Verifier) Sign(providerOrderID, providerPaymentID string) string {
	if v == nil {
		return ""
	}
	return hex.EncodeToString(v.computeSignature(providerOrderID, providerPaymentID))
}

func (v *Verifier) computeSignature(orderID, paymentID string) []byte {
	mac := hmac.New(sha256.New, v.secret)
	_, _ = mac.Write([]byte(orderID))
	_, _ = mac.Write([]byte("|"))
	_, _ = mac.Write([]byte(paymentID))
	return mac.Sum(nil)
}
