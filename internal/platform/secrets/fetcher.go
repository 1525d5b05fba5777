// Package secrets resolves secret:// references (Stripe keys, broker passwords) through Google
// Secret Manager, with an in-process cache and a local fallback file for development.
package secrets

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const defaultFallbackPath = ".secrets.local"

type secretManagerClient interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
	Close() error
}

// Fetcher resolves secret references. It is safe for concurrent use.
type Fetcher struct {
	client     secretManagerClient
	ownsClient bool
	logger     *zap.Logger
	project    string
	callOpts   []gax.CallOption

	fallbackPath string
	fallbackOnce sync.Once
	fallback     map[string]string

	mu    sync.RWMutex
	cache map[string]string

	latency metric.Float64Histogram
}

type fetcherConfig struct {
	logger       *zap.Logger
	project      string
	fallbackPath string
	client       secretManagerClient
	clientOpts   []option.ClientOption
	meter        metric.Meter
}

// Option customises NewFetcher.
type Option func(*fetcherConfig)

// WithLogger sets the diagnostic logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *fetcherConfig) { c.logger = logger }
}

// WithDefaultProject sets the project for short references such as secret://stripe-secret-key.
func WithDefaultProject(projectID string) Option {
	return func(c *fetcherConfig) { c.project = strings.TrimSpace(projectID) }
}

// WithFallbackFile sets the `ref=value` file consulted when Secret Manager is unreachable.
func WithFallbackFile(path string) Option {
	return func(c *fetcherConfig) { c.fallbackPath = strings.TrimSpace(path) }
}

// WithSecretManagerClient injects a client (tests).
func WithSecretManagerClient(client secretManagerClient) Option {
	return func(c *fetcherConfig) { c.client = client }
}

// WithClientOptions forwards options to the Secret Manager client constructor.
func WithClientOptions(opts ...option.ClientOption) Option {
	return func(c *fetcherConfig) { c.clientOpts = append(c.clientOpts, opts...) }
}

// WithMeter overrides the otel meter.
func WithMeter(m metric.Meter) Option {
	return func(c *fetcherConfig) { c.meter = m }
}

// NewFetcher builds a Fetcher. When the Secret Manager client cannot be created the fetcher still
// works from the fallback file.
func NewFetcher(ctx context.Context, opts ...Option) (*Fetcher, error) {
	cfg := fetcherConfig{logger: zap.NewNop(), fallbackPath: defaultFallbackPath}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if cfg.logger == nil {
		cfg.logger = zap.NewNop()
	}
	if cfg.meter == nil {
		cfg.meter = otel.Meter("github.com/meditationastro/medinow-orders/internal/platform/secrets")
	}

	latency, err := cfg.meter.Float64Histogram("secrets.fetch.latency",
		metric.WithUnit("ms"),
		metric.WithDescription("Secret resolution latency by source"),
	)
	if err != nil {
		cfg.logger.Warn("secrets: latency metric unavailable", zap.Error(err))
	}

	f := &Fetcher{
		client:       cfg.client,
		logger:       cfg.logger,
		project:      cfg.project,
		fallbackPath: cfg.fallbackPath,
		cache:        make(map[string]string),
		latency:      latency,
		callOpts: []gax.CallOption{
			gax.WithRetry(func() gax.Retryer {
				return gax.OnCodes([]codes.Code{codes.Unavailable, codes.DeadlineExceeded}, gax.Backoff{
					Initial:    100 * time.Millisecond,
					Max:        2 * time.Second,
					Multiplier: 2,
				})
			}),
		},
	}
	if f.client == nil {
		client, err := secretmanager.NewClient(ctx, cfg.clientOpts...)
		if err != nil {
			cfg.logger.Warn("secrets: secret manager unavailable, using fallback file only", zap.Error(err))
		} else {
			f.client = client
			f.ownsClient = true
		}
	}
	return f, nil
}

// Close releases the owned client.
func (f *Fetcher) Close() error {
	if f.ownsClient && f.client != nil {
		return f.client.Close()
	}
	return nil
}

// ResolveSecret implements config.SecretResolver.
func (f *Fetcher) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f.Resolve(ctx, ref)
}

// Resolve returns the secret for ref. Accepted forms:
//
//	secret://NAME
//	secret://NAME@VERSION
//	secret://projects/PROJECT/secrets/NAME[/versions/VERSION]
func (f *Fetcher) Resolve(ctx context.Context, ref string) (string, error) {
	start := time.Now()
	resource, err := f.resourceName(ref)
	if err != nil {
		return "", err
	}

	f.mu.RLock()
	cached, ok := f.cache[resource]
	f.mu.RUnlock()
	if ok {
		f.observe(ctx, start, "cache")
		return cached, nil
	}

	if f.client != nil && !strings.HasPrefix(resource, "projects//") {
		resp, err := f.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: resource}, f.callOpts...)
		if err == nil && resp.GetPayload() != nil {
			value := string(resp.GetPayload().GetData())
			f.store(resource, value)
			f.observe(ctx, start, "remote")
			return value, nil
		}
		if err != nil && !fallbackEligible(err) {
			f.observe(ctx, start, "error")
			return "", fmt.Errorf("secrets: fetch %s: %w", resource, err)
		}
		f.logger.Debug("secrets: remote lookup failed, trying fallback", zap.String("resource", resource), zap.Error(err))
	}

	value, ok := f.lookupFallback(ref)
	if !ok {
		f.observe(ctx, start, "error")
		return "", fmt.Errorf("secrets: no value for %s", ref)
	}
	f.store(resource, value)
	f.observe(ctx, start, "fallback")
	return value, nil
}

func (f *Fetcher) resourceName(ref string) (string, error) {
	trimmed := strings.TrimSpace(ref)
	if !strings.HasPrefix(trimmed, "secret://") {
		return "", fmt.Errorf("secrets: unsupported reference %q", ref)
	}
	body := strings.TrimPrefix(trimmed, "secret://")
	if body == "" {
		return "", errors.New("secrets: empty reference")
	}
	if strings.HasPrefix(body, "projects/") {
		if !strings.Contains(body, "/versions/") {
			body += "/versions/latest"
		}
		return body, nil
	}
	name, version, found := strings.Cut(body, "@")
	if !found || version == "" {
		version = "latest"
	}
	return fmt.Sprintf("projects/%s/secrets/%s/versions/%s", f.project, name, version), nil
}

func (f *Fetcher) store(resource, value string) {
	f.mu.Lock()
	f.cache[resource] = value
	f.mu.Unlock()
}

func (f *Fetcher) lookupFallback(ref string) (string, bool) {
	f.fallbackOnce.Do(func() {
		f.fallback = readFallback(f.fallbackPath, f.logger)
	})
	value, ok := f.fallback[strings.TrimSpace(ref)]
	return value, ok
}

func (f *Fetcher) observe(ctx context.Context, start time.Time, source string) {
	if f.latency == nil {
		return
	}
	f.latency.Record(ctx, float64(time.Since(start).Microseconds())/1000,
		metric.WithAttributes(attribute.String("source", source)))
}

// fallbackEligible is true for errors that mean "Secret Manager cannot answer here" rather than
// "the secret is broken".
func fallbackEligible(err error) bool {
	switch status.Code(err) {
	case codes.PermissionDenied, codes.Unauthenticated, codes.Unavailable, codes.NotFound:
		return true
	default:
		return false
	}
}

func readFallback(path string, logger *zap.Logger) map[string]string {
	values := map[string]string{}
	if path == "" {
		return values
	}
	file, err := os.Open(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			logger.Warn("secrets: fallback file unreadable", zap.String("path", path), zap.Error(err))
		}
		return values
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, found := strings.Cut(line, "=")
		if found {
			values[strings.TrimSpace(key)] = strings.TrimSpace(value)
		}
	}
	return values
}
