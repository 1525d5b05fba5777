package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	firebaseauth "firebase.google.com/go/v4/auth"

	"github.com/meditationastro/medinow-orders/internal/platform/httpx"
)

const defaultVerifyTimeout = 5 * time.Second

// TokenVerifier verifies Firebase ID tokens.
type TokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*firebaseauth.Token, error)
}

// Authenticator turns bearer tokens into an Identity on the request context.
type Authenticator struct {
	verifier TokenVerifier
	timeout  time.Duration
}

// Option customises the Authenticator.
type Option func(*Authenticator)

// WithVerificationTimeout bounds each token verification.
func WithVerificationTimeout(d time.Duration) Option {
	return func(a *Authenticator) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// NewAuthenticator builds an Authenticator around verifier. A nil verifier rejects every token.
func NewAuthenticator(verifier TokenVerifier, opts ...Option) *Authenticator {
	a := &Authenticator{verifier: verifier, timeout: defaultVerifyTimeout}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

type authMode int

const (
	authRequired authMode = iota
	authOptional
	authBestEffort
)

// RequireFirebaseAuth rejects requests without a valid ID token with 401.
func (a *Authenticator) RequireFirebaseAuth() func(http.Handler) http.Handler {
	return a.middleware(authRequired)
}

// OptionalFirebaseAuth attaches an identity when a bearer token is sent and lets anonymous
// requests through. A token that is present but invalid is still a 401: the caller meant to
// authenticate and silently downgrading to guest would hide their orders.
func (a *Authenticator) OptionalFirebaseAuth() func(http.Handler) http.Handler {
	return a.middleware(authOptional)
}

// BestEffortFirebaseAuth behaves like OptionalFirebaseAuth, except that a verifier which is
// missing or times out lets the request continue anonymously instead of failing it. Use it only
// where the identity narrows access on top of another credential.
func (a *Authenticator) BestEffortFirebaseAuth() func(http.Handler) http.Handler {
	return a.middleware(authBestEffort)
}

func (a *Authenticator) middleware(mode authMode) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, present := bearerToken(r.Header.Get("Authorization"))
			if !present {
				if mode == authRequired {
					writeAuthError(w, r, "unauthenticated", "authorization header missing or invalid")
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			identity, err := a.verify(r.Context(), raw)
			if err != nil {
				if mode == authBestEffort && errors.Is(err, errVerifierUnavailable) {
					next.ServeHTTP(w, r)
					return
				}
				code := "invalid_token"
				if firebaseauth.IsIDTokenExpired(err) {
					code = "token_expired"
				}
				writeAuthError(w, r, code, "firebase id token rejected")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
		})
	}
}

func (a *Authenticator) verify(ctx context.Context, raw string) (*Identity, error) {
	if a == nil || a.verifier == nil {
		return nil, errVerifierUnavailable
	}
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	token, err := a.verifier.VerifyIDToken(ctx, raw)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %v", errVerifierUnavailable, err)
		}
		return nil, err
	}
	identity := &Identity{
		UID:   token.UID,
		Email: stringClaim(token.Claims, "email"),
		Roles: rolesFromClaims(token.Claims),
	}
	if len(identity.Roles) == 0 {
		identity.Roles = []string{RoleUser}
	}
	return identity, nil
}

// rolesFromClaims accepts `role: "admin"`, `roles: ["admin"]` and `admin: true` style claims.
func rolesFromClaims(claims map[string]any) []string {
	var roles []string
	add := func(role string) {
		role = strings.ToLower(strings.TrimSpace(role))
		if role == "" {
			return
		}
		for _, existing := range roles {
			if existing == role {
				return
			}
		}
		roles = append(roles, role)
	}
	for _, key := range []string{"role", "roles"} {
		switch v := claims[key].(type) {
		case string:
			add(v)
		case []any:
			for _, item := range v {
				if s, ok := item.(string); ok {
					add(s)
				}
			}
		case []string:
			for _, s := range v {
				add(s)
			}
		}
	}
	if flag, ok := claims[RoleAdmin].(bool); ok && flag {
		add(RoleAdmin)
	}
	return roles
}

func stringClaim(claims map[string]any, key string) string {
	s, _ := claims[key].(string)
	return strings.TrimSpace(s)
}

func bearerToken(header string) (string, bool) {
	scheme, token, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func writeAuthError(w http.ResponseWriter, r *http.Request, code, message string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="orders"`)
	httpx.WriteError(r.Context(), w, httpx.NewError(code, message, http.StatusUnauthorized))
}
