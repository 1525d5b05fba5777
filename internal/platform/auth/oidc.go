package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	jwt "github.com/golang-jwt/jwt/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/meditationastro/medinow-orders/internal/platform/httpx"
)

// GoogleCertsURL publishes the keys Google uses to sign Pub/Sub push tokens.
const GoogleCertsURL = "https://www.googleapis.com/oauth2/v3/certs"

var (
	// ErrJWKSKeyNotFound is returned when the kid is absent after a refresh.
	ErrJWKSKeyNotFound = errors.New("auth: jwks key not found")
	// ErrJWKSFetchFailed wraps transport or decoding failures.
	ErrJWKSFetchFailed = errors.New("auth: jwks fetch failed")
)

// Logger is the printf contract used for JWKS diagnostics.
type Logger interface {
	Printf(format string, args ...any)
}

// JWKSCache fetches a JSON Web Key Set on demand and keeps it for the Cache-Control max-age.
type JWKSCache struct {
	url      string
	client   *http.Client
	now      func() time.Time
	fallback time.Duration

	mu     sync.Mutex
	keys   map[string]jose.JSONWebKey
	expiry time.Time
}

// JWKSOption customises the cache.
type JWKSOption func(*JWKSCache)

// WithJWKSHTTPClient overrides the fetch client.
func WithJWKSHTTPClient(client *http.Client) JWKSOption {
	return func(c *JWKSCache) {
		if client != nil {
			c.client = client
		}
	}
}

// WithJWKSClock injects the time source.
func WithJWKSClock(now func() time.Time) JWKSOption {
	return func(c *JWKSCache) {
		if now != nil {
			c.now = now
		}
	}
}

// NewJWKSCache builds a cache for url.
func NewJWKSCache(url string, opts ...JWKSOption) *JWKSCache {
	c := &JWKSCache{
		url:      url,
		client:   &http.Client{Timeout: 5 * time.Second},
		now:      time.Now,
		fallback: 15 * time.Minute,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Key returns the public key for kid, refreshing when the set expired or kid is unknown.
func (c *JWKSCache) Key(ctx context.Context, kid string) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.keys == nil || !c.now().Before(c.expiry) {
		if err := c.refreshLocked(ctx); err != nil {
			return nil, err
		}
	}
	if jwk, ok := c.keys[kid]; ok {
		return jwk.Key, nil
	}
	// Key rotation: one refresh before giving up.
	if err := c.refreshLocked(ctx); err != nil {
		return nil, err
	}
	if jwk, ok := c.keys[kid]; ok {
		return jwk.Key, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrJWKSKeyNotFound, kid)
}

func (c *JWKSCache) refreshLocked(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrJWKSFetchFailed, err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrJWKSFetchFailed, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d", ErrJWKSFetchFailed, resp.StatusCode)
	}

	var set jose.JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return fmt.Errorf("%w: decode: %v", ErrJWKSFetchFailed, err)
	}
	keys := make(map[string]jose.JSONWebKey, len(set.Keys))
	for _, jwk := range set.Keys {
		if jwk.KeyID != "" && jwk.Valid() {
			keys[jwk.KeyID] = jwk
		}
	}
	if len(keys) == 0 {
		return fmt.Errorf("%w: empty key set", ErrJWKSFetchFailed)
	}

	ttl := maxAge(resp.Header.Get("Cache-Control"))
	if ttl <= 0 {
		ttl = c.fallback
	}
	c.keys = keys
	c.expiry = c.now().Add(ttl)
	return nil
}

func maxAge(header string) time.Duration {
	for _, part := range strings.Split(header, ",") {
		name, value, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found || !strings.EqualFold(name, "max-age") {
			continue
		}
		if seconds, err := strconv.Atoi(strings.TrimSpace(value)); err == nil && seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
	}
	return 0
}

// ServiceIdentity is the verified caller of an internal endpoint.
type ServiceIdentity struct {
	Subject string
	Email   string
	Issuer  string
}

type serviceIdentityKey struct{}

// ServiceIdentityFromContext returns the identity stored by RequireOIDC.
func ServiceIdentityFromContext(ctx context.Context) (*ServiceIdentity, bool) {
	identity, ok := ctx.Value(serviceIdentityKey{}).(*ServiceIdentity)
	return identity, ok && identity != nil
}

// OIDCPolicy lists what an internal push token must carry.
type OIDCPolicy struct {
	Audience string
	Issuers  []string
	// Emails restricts the signing service accounts; empty allows any.
	Emails []string
}

// OIDCValidator checks Google-signed RS256 tokens such as Pub/Sub push authentication headers.
type OIDCValidator struct {
	cache    *JWKSCache
	logger   Logger
	outcomes metric.Int64Counter
}

// NewOIDCValidator builds a validator reading keys from cache. logger may be nil.
func NewOIDCValidator(cache *JWKSCache, logger Logger) *OIDCValidator {
	counter, err := otel.Meter("github.com/meditationastro/medinow-orders/internal/platform/auth").
		Int64Counter("auth.oidc.verifications", metric.WithDescription("OIDC token verification outcomes"))
	if err != nil {
		counter = nil
	}
	return &OIDCValidator{cache: cache, logger: logger, outcomes: counter}
}

// RequireOIDC rejects requests that lack a valid token for policy.
func (v *OIDCValidator) RequireOIDC(policy OIDCPolicy) func(http.Handler) http.Handler {
	audience := strings.TrimSpace(policy.Audience)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if audience == "" || v == nil || v.cache == nil {
				v.record(ctx, "unconfigured")
				httpx.WriteError(ctx, w, httpx.NewError("verification_unavailable", "oidc verification not configured", http.StatusServiceUnavailable))
				return
			}
			raw, ok := bearerToken(r.Header.Get("Authorization"))
			if !ok {
				v.record(ctx, "token_missing")
				writeAuthError(w, r, "unauthenticated", "oidc token missing")
				return
			}

			claims := jwt.MapClaims{}
			parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}))
			_, err := parser.ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
				kid, _ := token.Header["kid"].(string)
				if kid == "" {
					return nil, errors.New("auth: token missing kid header")
				}
				return v.cache.Key(ctx, kid)
			})
			if err != nil {
				reason := "token_invalid"
				status := http.StatusUnauthorized
				if errors.Is(err, ErrJWKSFetchFailed) {
					reason, status = "jwks_unavailable", http.StatusServiceUnavailable
				}
				v.logf("auth: oidc verification failed (%s): %v", reason, err)
				v.record(ctx, reason)
				httpx.WriteError(ctx, w, httpx.NewError("invalid_token", "oidc token verification failed", status))
				return
			}

			issuer, _ := claims["iss"].(string)
			email, _ := claims["email"].(string)
			subject, _ := claims["sub"].(string)
			switch {
			case len(policy.Issuers) > 0 && !contains(policy.Issuers, issuer):
				v.record(ctx, "issuer_mismatch")
				writeAuthError(w, r, "invalid_token", "oidc issuer mismatch")
				return
			case !claims.VerifyAudience(audience, true):
				v.record(ctx, "audience_mismatch")
				writeAuthError(w, r, "invalid_token", "oidc audience mismatch")
				return
			case len(policy.Emails) > 0 && !contains(policy.Emails, email):
				v.record(ctx, "email_mismatch")
				writeAuthError(w, r, "invalid_token", "oidc principal not allowed")
				return
			}

			v.record(ctx, "ok")
			identity := &ServiceIdentity{Subject: subject, Email: email, Issuer: issuer}
			next.ServeHTTP(w, r.WithContext(context.WithValue(ctx, serviceIdentityKey{}, identity)))
		})
	}
}

func (v *OIDCValidator) record(ctx context.Context, outcome string) {
	if v == nil || v.outcomes == nil {
		return
	}
	v.outcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (v *OIDCValidator) logf(format string, args ...any) {
	if v != nil && v.logger != nil {
		v.logger.Printf(format, args...)
	}
}

func contains(values []string, target string) bool {
	for _, value := range values {
		if strings.TrimSpace(value) == target {
			return true
		}
	}
	return false
}
