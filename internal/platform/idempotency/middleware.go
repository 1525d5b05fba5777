package idempotency

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/meditationastro/medinow-orders/internal/platform/auth"
	"github.com/meditationastro/medinow-orders/internal/platform/httpx"
	"github.com/meditationastro/medinow-orders/internal/platform/requestctx"
)

const (
	// HeaderName carries the client-chosen key.
	HeaderName       = "Idempotency-Key"
	replayHeaderName = "Idempotent-Replayed"
	maxKeyLength     = 255
)

type options struct {
	ttl   time.Duration
	clock func() time.Time
}

// Option customises Middleware.
type Option func(*options)

// WithTTL sets how long a completed response is replayed.
func WithTTL(ttl time.Duration) Option {
	return func(o *options) {
		if ttl > 0 {
			o.ttl = ttl
		}
	}
}

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(o *options) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// Middleware honours an optional Idempotency-Key on POST requests. Keys are scoped to the caller
// (uid, or "guest") and bound to a fingerprint of method, path and body. Only 2xx responses are
// stored; anything else releases the key so the client can retry.
func Middleware(store Store, opts ...Option) func(http.Handler) http.Handler {
	cfg := options{ttl: DefaultTTL, clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	return func(next http.Handler) http.Handler {
		if store == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := strings.TrimSpace(r.Header.Get(HeaderName))
			if r.Method != http.MethodPost || key == "" {
				next.ServeHTTP(w, r)
				return
			}
			ctx := r.Context()
			if len(key) > maxKeyLength {
				httpx.WriteError(ctx, w, httpx.NewError("invalid_idempotency_key", "idempotency key too long", http.StatusBadRequest))
				return
			}

			body, err := io.ReadAll(r.Body)
			if err != nil {
				httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "unable to read request body", http.StatusBadRequest))
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			caller := "guest"
			if identity, ok := auth.IdentityFromContext(ctx); ok {
				caller = identity.UID
			}
			storeKey := hashHex([]byte(caller), []byte(key))
			fingerprint := hashHex([]byte(r.Method), []byte(r.URL.Path), body)

			reservation, err := store.Reserve(ctx, storeKey, fingerprint, cfg.clock().UTC(), cfg.ttl)
			switch {
			case errors.Is(err, ErrFingerprintMismatch):
				httpx.WriteError(ctx, w, httpx.NewError("idempotency_key_conflict", "idempotency key already used for a different request", http.StatusUnprocessableEntity))
				return
			case err != nil:
				requestctx.Logger(ctx).Error("idempotency reserve failed", zap.Error(err))
				httpx.WriteError(ctx, w, httpx.NewError("idempotency_unavailable", "unable to process idempotency key", http.StatusServiceUnavailable))
				return
			}

			switch reservation.State {
			case StateCompleted:
				rec := reservation.Record
				if rec.ContentType != "" {
					w.Header().Set("Content-Type", rec.ContentType)
				}
				w.Header().Set(replayHeaderName, "true")
				w.WriteHeader(rec.Status)
				_, _ = w.Write(rec.Body)
				return
			case StatePending:
				httpx.WriteError(ctx, w, httpx.NewError("idempotency_in_progress", "a request with this idempotency key is in progress", http.StatusConflict))
				return
			}

			capture := &captureWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(capture, r)

			if capture.status >= 200 && capture.status < 300 {
				err = store.Complete(ctx, storeKey, Record{
					Fingerprint: fingerprint,
					Status:      capture.status,
					ContentType: capture.Header().Get("Content-Type"),
					Body:        capture.body.Bytes(),
					ExpiresAt:   cfg.clock().UTC().Add(cfg.ttl),
				})
			} else {
				err = store.Release(ctx, storeKey)
			}
			if err != nil {
				requestctx.Logger(ctx).Warn("idempotency bookkeeping failed", zap.Error(err))
			}
		})
	}
}

// captureWriter streams the response through while keeping a copy for replay.
type captureWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	body        bytes.Buffer
}

func (c *captureWriter) WriteHeader(status int) {
	if c.wroteHeader {
		return
	}
	c.wroteHeader = true
	c.status = status
	c.ResponseWriter.WriteHeader(status)
}

func (c *captureWriter) Write(p []byte) (int, error) {
	if !c.wroteHeader {
		c.WriteHeader(http.StatusOK)
	}
	c.body.Write(p)
	return c.ResponseWriter.Write(p)
}
