// Package idempotency caches the outcome of money-moving requests so a
// retried request replays the stored response instead of moving money
// twice. Keys are scoped per user; a key reused with a different request
// body is rejected, not replayed.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/rekberid/rekberd/internal/core/errs"
)

// State of a cached request.
type State string

const (
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

const (
	// ProcessingTTL bounds how long a request may hold the processing
	// slot. A crashed handler frees the key after this.
	ProcessingTTL = 30 * time.Second

	// RecordTTL is how long recorded responses replay.
	RecordTTL = 24 * time.Hour

	fingerprintLen = 16
)

// Record is the cached state of one idempotent request.
type Record struct {
	State       State  `json:"state"`
	Fingerprint string `json:"fingerprint"`
	StatusCode  int    `json:"status_code,omitempty"`
	Body        []byte `json:"body,omitempty"`
}

// Store is the cache contract. Begin returns (nil, true, nil) when the
// caller acquired the processing slot and must eventually call Complete,
// Fail or Release. It returns (record, false, nil) when a recorded response
// — success or cached client error — should be replayed. A key held by an
// in-flight request yields REQUEST_IN_PROGRESS; a fingerprint mismatch
// yields IDEMPOTENCY_KEY_REUSED.
type Store interface {
	Begin(ctx context.Context, userID, key, fingerprint string) (*Record, bool, error)
	Complete(ctx context.Context, userID, key string, statusCode int, body []byte) error
	// Fail caches a definitive client-error outcome; it replays like a
	// completed response for the record TTL.
	Fail(ctx context.Context, userID, key string, statusCode int, body []byte) error
	// Release frees the key so the request may be retried, used for
	// transient server-side failures.
	Release(ctx context.Context, userID, key string) error
}

// Fingerprint derives the request identity the key is bound to.
func Fingerprint(method, path string, body []byte, userID string) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte(path))
	h.Write(body)
	h.Write([]byte(userID))
	return hex.EncodeToString(h.Sum(nil))[:fingerprintLen]
}

func cacheKey(userID, key string) string {
	return "idempotency:" + userID + ":" + key
}

// resolve applies the shared state machine to an existing record. Both
// completed and failed records replay their stored response.
func resolve(rec *Record, fingerprint string) (*Record, error) {
	if rec.Fingerprint != fingerprint {
		return nil, errs.Conflict(errs.CodeIdempotencyKeyReused,
			"idempotency key was already used for a different request")
	}
	if rec.State == StateProcessing {
		return nil, errs.Conflict(errs.CodeRequestInProgress,
			"a request with this idempotency key is in progress")
	}
	return rec, nil
}
