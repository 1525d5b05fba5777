// Package idempotency replays the first successful response for a repeated Idempotency-Key so that
// client retries of order creation and checkout-session creation do not duplicate work.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

// DefaultTTL is how long a completed response is replayable.
const DefaultTTL = 24 * time.Hour

// State of a reservation.
type State int

const (
	// StateNew means the caller owns the key and must run the handler.
	StateNew State = iota
	// StatePending means another request holds the key.
	StatePending
	// StateCompleted means Record holds a response to replay.
	StateCompleted
)

// Record is a stored response.
type Record struct {
	Fingerprint string
	Completed   bool
	Status      int
	ContentType string
	Body        []byte
	ExpiresAt   time.Time
}

// Reservation is the result of Store.Reserve.
type Reservation struct {
	State  State
	Record Record
}

// Store persists reservations. Implementations must make Reserve atomic per key.
type Store interface {
	Reserve(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error)
	Complete(ctx context.Context, key string, record Record) error
	Release(ctx context.Context, key string) error
}

// ErrFingerprintMismatch means the key was first used for a different request.
var ErrFingerprintMismatch = errors.New("idempotency: key reused for a different request")

func hashHex(parts ...[]byte) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
