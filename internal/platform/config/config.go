// Package config loads runtime configuration from a .env file, the process environment and explicit
// overrides, resolving secret:// references through Secret Manager.
package config

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	defaultEnvFile         = ".env"
	defaultPort            = "8080"
	defaultReadTimeout     = 15 * time.Second
	defaultWriteTimeout    = 30 * time.Second
	defaultIdleTimeout     = 120 * time.Second
	defaultStripeTimeout   = 10 * time.Second
	defaultCurrency        = "USD"
	defaultNotifyAttempts  = 3
	defaultNotifyTimeout   = 5 * time.Second
	defaultNotifyTopic     = "order-notifications"
	defaultIdempotencyTTL  = 24 * time.Hour
	defaultOIDCJWKSURL     = "https://www.googleapis.com/oauth2/v3/certs"
	defaultEnvironment     = "local"
	defaultOrdersStore     = StoreFirestore
	defaultNotifyDriver    = NotifyInline
	defaultNotifyQueueSize = 256
)

// Store drivers.
const (
	StoreFirestore = "firestore"
	StoreMemory    = "memory"
)

// Notification queue drivers.
const (
	NotifyInline = "inline"
	NotifyPubSub = "pubsub"
	NotifyKafka  = "kafka"
)

// Config is the full runtime configuration.
type Config struct {
	Environment   string
	Server        ServerConfig
	Store         string
	Firebase      FirebaseConfig
	Firestore     FirestoreConfig
	Stripe        StripeConfig
	Checkout      CheckoutConfig
	Notifications NotificationConfig
	OIDC          OIDCConfig
	Idempotency   IdempotencyConfig
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// FirebaseConfig identifies the identity-provider project.
type FirebaseConfig struct {
	ProjectID       string
	CredentialsFile string
}

// FirestoreConfig identifies the order store.
type FirestoreConfig struct {
	ProjectID    string
	EmulatorHost string
}

// StripeConfig holds gateway credentials. Empty values are legal: checkout and webhook
// requests then fail with a configuration error instead of the process refusing to start.
type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	Timeout       time.Duration
}

// CheckoutConfig holds the hosted-checkout redirect targets.
type CheckoutConfig struct {
	SuccessURL      string
	CancelURL       string
	DefaultCurrency string
}

// NotificationConfig selects how confirmation notifications leave the request path.
type NotificationConfig struct {
	Driver         string
	Topic          string
	PubSubProject  string
	KafkaBrokers   []string
	KafkaUsername  string
	KafkaPassword  string
	MaxAttempts    int
	Timeout        time.Duration
	QueueSize      int
	OwnerRecipient string
}

// OIDCConfig verifies Pub/Sub push tokens on internal routes.
type OIDCConfig struct {
	JWKSURL         string
	Audience        string
	Issuers         []string
	ServiceAccounts []string
}

// IdempotencyConfig controls Idempotency-Key replay.
type IdempotencyConfig struct {
	TTL time.Duration
}

// SecretResolver resolves secret:// references.
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

// SecretResolverFunc adapts a function to SecretResolver.
type SecretResolverFunc func(context.Context, string) (string, error)

// ResolveSecret implements SecretResolver.
func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

// ValidationError lists every invalid field found by Load.
type ValidationError struct {
	fields []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the offending field names.
func (e *ValidationError) Fields() []string {
	return append([]string(nil), e.fields...)
}

// SecretError wraps a failed secret reference resolution.
type SecretError struct {
	Ref string
	Err error
}

func (e *SecretError) Error() string {
	return fmt.Sprintf("secret resolution failed for ref %q: %v", e.Ref, e.Err)
}

func (e *SecretError) Unwrap() error { return e.Err }

var errSecretResolverNotConfigured = errors.New("secret resolver not configured")

// Option customises Load.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile      string
	envMap       map[string]string
	useSystemEnv bool
	secret       SecretResolver
}

// WithEnvFile overrides the dotenv path; empty disables it.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) { o.envFile = path }
}

// WithEnvMap supplies values that win over both the OS environment and the dotenv file.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) { o.envMap = values }
}

// WithoutSystemEnv ignores the OS environment.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) { o.useSystemEnv = false }
}

// WithSecretResolver sets the resolver for secret:// and sm:// values.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) { o.secret = resolver }
}

// EnvironmentValues returns the merged key/value view Load would see, so callers can bootstrap
// collaborators (the secret fetcher) before loading.
func EnvironmentValues(opts ...Option) (map[string]string, error) {
	options := newOptions(opts)
	lookup, keys, err := options.lookup()
	if err != nil {
		return nil, err
	}
	values := make(map[string]string, len(keys))
	for _, key := range keys {
		if value, ok := lookup(key); ok {
			values[key] = value
		}
	}
	return values, nil
}

// Load builds and validates the configuration.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := newOptions(opts)
	lookup, _, err := options.lookup()
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Environment: strings.ToLower(stringWithDefault(lookup, "API_ENVIRONMENT", defaultEnvironment)),
		Server: ServerConfig{
			Port:         stringWithDefault(lookup, "API_SERVER_PORT", defaultPort),
			ReadTimeout:  durationWithDefault(lookup, "API_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout: durationWithDefault(lookup, "API_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:  durationWithDefault(lookup, "API_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
		},
		Store: strings.ToLower(stringWithDefault(lookup, "API_ORDERS_STORE", defaultOrdersStore)),
		Firebase: FirebaseConfig{
			ProjectID:       stringWithDefault(lookup, "API_FIREBASE_PROJECT_ID", ""),
			CredentialsFile: stringWithDefault(lookup, "API_FIREBASE_CREDENTIALS_FILE", ""),
		},
		Firestore: FirestoreConfig{
			ProjectID:    stringWithDefault(lookup, "API_FIRESTORE_PROJECT_ID", ""),
			EmulatorHost: stringWithDefault(lookup, "FIRESTORE_EMULATOR_HOST", ""),
		},
		Stripe: StripeConfig{
			SecretKey:     stringWithDefault(lookup, "API_STRIPE_SECRET_KEY", ""),
			WebhookSecret: stringWithDefault(lookup, "API_STRIPE_WEBHOOK_SECRET", ""),
			Timeout:       durationWithDefault(lookup, "API_STRIPE_TIMEOUT", defaultStripeTimeout),
		},
		Checkout: CheckoutConfig{
			SuccessURL:      stringWithDefault(lookup, "API_CHECKOUT_SUCCESS_URL", ""),
			CancelURL:       stringWithDefault(lookup, "API_CHECKOUT_CANCEL_URL", ""),
			DefaultCurrency: strings.ToUpper(stringWithDefault(lookup, "API_DEFAULT_CURRENCY", defaultCurrency)),
		},
		Notifications: NotificationConfig{
			Driver:         strings.ToLower(stringWithDefault(lookup, "API_NOTIFICATIONS_DRIVER", defaultNotifyDriver)),
			Topic:          stringWithDefault(lookup, "API_NOTIFICATIONS_TOPIC", defaultNotifyTopic),
			PubSubProject:  stringWithDefault(lookup, "API_PUBSUB_PROJECT_ID", ""),
			KafkaBrokers:   csv(lookup, "API_KAFKA_BROKERS"),
			KafkaUsername:  stringWithDefault(lookup, "API_KAFKA_USERNAME", ""),
			KafkaPassword:  stringWithDefault(lookup, "API_KAFKA_PASSWORD", ""),
			MaxAttempts:    intWithDefault(lookup, "API_NOTIFICATIONS_MAX_ATTEMPTS", defaultNotifyAttempts),
			Timeout:        durationWithDefault(lookup, "API_NOTIFICATIONS_TIMEOUT", defaultNotifyTimeout),
			QueueSize:      intWithDefault(lookup, "API_NOTIFICATIONS_QUEUE_SIZE", defaultNotifyQueueSize),
			OwnerRecipient: stringWithDefault(lookup, "API_OWNER_NOTIFICATION_EMAIL", ""),
		},
		OIDC: OIDCConfig{
			JWKSURL:         stringWithDefault(lookup, "API_OIDC_JWKS_URL", defaultOIDCJWKSURL),
			Audience:        stringWithDefault(lookup, "API_OIDC_AUDIENCE", ""),
			Issuers:         csv(lookup, "API_OIDC_ISSUER"),
			ServiceAccounts: csv(lookup, "API_OIDC_SERVICE_ACCOUNTS"),
		},
		Idempotency: IdempotencyConfig{
			TTL: durationWithDefault(lookup, "API_IDEMPOTENCY_TTL", defaultIdempotencyTTL),
		},
	}

	if cfg.Firestore.ProjectID == "" {
		cfg.Firestore.ProjectID = cfg.Firebase.ProjectID
	}
	if cfg.Notifications.PubSubProject == "" {
		cfg.Notifications.PubSubProject = cfg.Firestore.ProjectID
	}
	if len(cfg.OIDC.Issuers) == 0 {
		cfg.OIDC.Issuers = []string{"https://accounts.google.com", "accounts.google.com"}
	}

	for _, field := range []*string{&cfg.Stripe.SecretKey, &cfg.Stripe.WebhookSecret, &cfg.Notifications.KafkaPassword} {
		resolved, err := resolveSecret(ctx, *field, options.secret)
		if err != nil {
			return Config{}, err
		}
		*field = resolved
	}

	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// StripeConfigured reports whether both gateway secrets are present.
func (c Config) StripeConfigured() bool {
	return strings.TrimSpace(c.Stripe.SecretKey) != "" && strings.TrimSpace(c.Stripe.WebhookSecret) != ""
}

func newOptions(opts []Option) loaderOptions {
	options := loaderOptions{envFile: defaultEnvFile, useSystemEnv: true}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	return options
}

// lookup merges dotenv < OS env < explicit map and returns the union of known keys.
func (o loaderOptions) lookup() (func(string) (string, bool), []string, error) {
	dotenv, err := loadDotEnv(o.envFile)
	if err != nil {
		return nil, nil, err
	}
	seen := map[string]struct{}{}
	var keys []string
	note := func(key string) {
		if _, ok := seen[key]; !ok && key != "" {
			seen[key] = struct{}{}
			keys = append(keys, key)
		}
	}
	for key := range dotenv {
		note(key)
	}
	if o.useSystemEnv {
		for _, entry := range os.Environ() {
			key, _, _ := strings.Cut(entry, "=")
			note(key)
		}
	}
	for key := range o.envMap {
		note(key)
	}

	return func(key string) (string, bool) {
		if value, ok := o.envMap[key]; ok {
			return value, true
		}
		if o.useSystemEnv {
			if value, ok := os.LookupEnv(key); ok {
				return value, true
			}
		}
		value, ok := dotenv[key]
		return value, ok
	}, keys, nil
}

func resolveSecret(ctx context.Context, value string, resolver SecretResolver) (string, error) {
	trimmed := strings.TrimSpace(value)
	if !strings.HasPrefix(trimmed, "secret://") && !strings.HasPrefix(trimmed, "sm://") {
		return value, nil
	}
	ref := "secret://" + strings.TrimPrefix(strings.TrimPrefix(trimmed, "secret://"), "sm://")
	if resolver == nil {
		return "", &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
	}
	secret, err := resolver.ResolveSecret(ctx, ref)
	if err != nil {
		return "", &SecretError{Ref: ref, Err: err}
	}
	return strings.TrimSpace(secret), nil
}

func validate(cfg Config) error {
	var invalid []string
	if cfg.Server.Port == "" {
		invalid = append(invalid, "Server.Port")
	}
	switch cfg.Store {
	case StoreFirestore:
		if cfg.Firestore.ProjectID == "" {
			invalid = append(invalid, "Firestore.ProjectID")
		}
	case StoreMemory:
	default:
		invalid = append(invalid, "Store")
	}
	if len(cfg.Checkout.DefaultCurrency) != 3 {
		invalid = append(invalid, "Checkout.DefaultCurrency")
	}
	for name, raw := range map[string]string{"Checkout.SuccessURL": cfg.Checkout.SuccessURL, "Checkout.CancelURL": cfg.Checkout.CancelURL} {
		if raw == "" {
			continue
		}
		if u, err := url.Parse(raw); err != nil || !u.IsAbs() {
			invalid = append(invalid, name)
		}
	}
	if cfg.Stripe.Timeout <= 0 {
		invalid = append(invalid, "Stripe.Timeout")
	}

	n := cfg.Notifications
	switch n.Driver {
	case NotifyInline:
	case NotifyPubSub:
		if n.PubSubProject == "" {
			invalid = append(invalid, "Notifications.PubSubProject")
		}
		if n.Topic == "" {
			invalid = append(invalid, "Notifications.Topic")
		}
	case NotifyKafka:
		if len(n.KafkaBrokers) == 0 {
			invalid = append(invalid, "Notifications.KafkaBrokers")
		}
		if n.Topic == "" {
			invalid = append(invalid, "Notifications.Topic")
		}
	default:
		invalid = append(invalid, "Notifications.Driver")
	}
	if n.MaxAttempts < 1 {
		invalid = append(invalid, "Notifications.MaxAttempts")
	}
	if n.Timeout <= 0 {
		invalid = append(invalid, "Notifications.Timeout")
	}
	if n.QueueSize < 1 {
		invalid = append(invalid, "Notifications.QueueSize")
	}
	if cfg.Idempotency.TTL <= 0 {
		invalid = append(invalid, "Idempotency.TTL")
	}

	if len(invalid) > 0 {
		sort.Strings(invalid)
		return &ValidationError{fields: invalid}
	}
	return nil
}

func loadDotEnv(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: unable to read %s: %w", path, err)
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		key, value, found := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if !found || key == "" {
			continue
		}
		values[key] = strings.Trim(strings.TrimSpace(value), `"'`)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: failed parsing %s: %w", path, err)
	}
	return values, nil
}

func stringWithDefault(lookup func(string) (string, bool), key, fallback string) string {
	if value, ok := lookup(key); ok && strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

func durationWithDefault(lookup func(string) (string, bool), key string, fallback time.Duration) time.Duration {
	if value, ok := lookup(key); ok && value != "" {
		if d, err := time.ParseDuration(strings.TrimSpace(value)); err == nil {
			return d
		}
	}
	return fallback
}

func intWithDefault(lookup func(string) (string, bool), key string, fallback int) int {
	if value, ok := lookup(key); ok && value != "" {
		if parsed, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			return parsed
		}
	}
	return fallback
}

func csv(lookup func(string) (string, bool), key string) []string {
	raw, _ := lookup(key)
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
