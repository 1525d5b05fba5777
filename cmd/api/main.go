package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/meditationastro/medinow-orders/internal/di"
	"github.com/meditationastro/medinow-orders/internal/handlers"
	"github.com/meditationastro/medinow-orders/internal/platform/auth"
	"github.com/meditationastro/medinow-orders/internal/platform/config"
	pfirestore "github.com/meditationastro/medinow-orders/internal/platform/firestore"
	"github.com/meditationastro/medinow-orders/internal/platform/idempotency"
	"github.com/meditationastro/medinow-orders/internal/platform/jobs"
	"github.com/meditationastro/medinow-orders/internal/platform/observability"
	"github.com/meditationastro/medinow-orders/internal/platform/requestctx"
	"github.com/meditationastro/medinow-orders/internal/platform/secrets"
	"github.com/meditationastro/medinow-orders/internal/repositories"
	firestoreRepo "github.com/meditationastro/medinow-orders/internal/repositories/firestore"
	"github.com/meditationastro/medinow-orders/internal/repositories/memory"
	"github.com/meditationastro/medinow-orders/internal/services"
)

const (
	authVerifyTimeout    = 5 * time.Second
	firestoreDialTimeout = 10 * time.Second
	jwksFetchTimeout     = 5 * time.Second
	shutdownTimeout      = 10 * time.Second
)

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	baseLogger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("api")
	ctx = requestctx.WithLogger(ctx, logger)

	envValues, err := config.EnvironmentValues()
	if err != nil {
		logger.Fatal("failed to read environment values", zap.Error(err))
	}

	fetcher, err := newSecretFetcher(ctx, logger, envValues)
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx, config.WithSecretResolver(fetcher))
	if err != nil {
		var invalid *config.ValidationError
		if errors.As(err, &invalid) {
			logger.Fatal("invalid configuration", zap.Strings("fields", invalid.Fields()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}
	if !cfg.StripeConfigured() {
		logger.Warn("stripe credentials not configured; checkout and webhooks will fail")
	}

	buildInfo := buildInfoFromEnv(envValues, cfg, startedAt)

	registry, firestoreProvider, err := newRegistry(cfg, fetcher)
	if err != nil {
		logger.Fatal("failed to initialise repositories", zap.Error(err))
	}
	if firestoreProvider != nil {
		if _, err := firestoreProvider.Client(ctx); err != nil {
			logger.Fatal("failed to initialise firestore client", zap.Error(err))
		}
	}

	publisher, closePublisher, err := newNotificationPublisher(ctx, cfg)
	if err != nil {
		logger.Fatal("failed to initialise notification publisher", zap.Error(err))
	}
	defer closePublisher()

	containerOpts := []di.Option{
		di.WithLogger(baseLogger),
		di.WithBuildInfo(buildInfo),
	}
	if publisher != nil {
		containerOpts = append(containerOpts, di.WithNotificationPublisher(publisher))
	}
	container, err := di.NewContainer(ctx, cfg, registry, containerOpts...)
	if err != nil {
		logger.Fatal("failed to build service container", zap.Error(err))
	}

	var authenticator *auth.Authenticator
	if cfg.Firebase.ProjectID != "" {
		verifier, err := auth.NewFirebaseVerifier(ctx, cfg.Firebase.ProjectID, cfg.Firebase.CredentialsFile)
		if err != nil {
			logger.Fatal("failed to initialise firebase verifier", zap.Error(err))
		}
		authenticator = auth.NewAuthenticator(verifier, auth.WithVerificationTimeout(authVerifyTimeout))
	} else {
		logger.Warn("firebase project not configured; bearer tokens will be rejected")
		authenticator = auth.NewAuthenticator(nil)
	}

	var idempotencyStore idempotency.Store
	if firestoreProvider != nil {
		idempotencyStore = idempotency.NewFirestoreStore(firestoreProvider)
	} else {
		idempotencyStore = idempotency.NewMemoryStore()
	}
	idempotencyMiddleware := idempotency.Middleware(idempotencyStore, idempotency.WithTTL(cfg.Idempotency.TTL))

	svc := container.Services
	orderHandlers := handlers.NewOrderHandlers(authenticator, svc.Orders, handlers.WithOrderIdempotency(idempotencyMiddleware))
	checkoutHandlers := handlers.NewCheckoutHandlers(authenticator, svc.Checkout, idempotencyMiddleware)
	webhookHandlers := handlers.NewWebhookHandlers(svc.Reconciler)
	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthSystemService(svc.System),
		handlers.WithHealthBuildInfo(buildInfo),
	)

	opts := []handlers.Option{
		handlers.WithMiddlewares(
			observability.InjectLoggerMiddleware(baseLogger.Named("http")),
			observability.TraceMiddleware(cfg.Firestore.ProjectID),
			observability.RecoveryMiddleware(baseLogger),
			observability.RequestLoggerMiddleware(),
		),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithOrderRoutes(orderHandlers.Routes),
		handlers.WithCheckoutRoutes(checkoutHandlers.Routes),
		handlers.WithWebhookRoutes(webhookHandlers.Routes),
	}
	if cfg.Notifications.Driver == config.NotifyPubSub {
		internalHandlers := handlers.NewInternalNotificationHandlers(svc.Notifications)
		opts = append(opts, handlers.WithInternalRoutes(internalHandlers.Routes))
		if oidc := buildOIDCMiddleware(logger, cfg); oidc != nil {
			opts = append(opts, handlers.WithInternalMiddlewares(oidc))
		}
	}

	router := handlers.NewRouter(opts...)
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(
		zap.String("addr", server.Addr),
		zap.String("store", cfg.Store),
		zap.String("notifications", cfg.Notifications.Driver),
	)
	go func() {
		serverLogger.Info("orders api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
	if err := container.Close(shutdownCtx); err != nil {
		logger.Warn("container close error", zap.Error(err))
	}
}

func newRegistry(cfg config.Config, fetcher *secrets.Fetcher) (repositories.Registry, *pfirestore.Provider, error) {
	switch cfg.Store {
	case config.StoreMemory:
		reg, err := memory.NewRegistry()
		return reg, nil, err
	default:
		provider := pfirestore.NewProvider(cfg.Firestore, pfirestore.WithDialTimeout(firestoreDialTimeout))
		reg, err := firestoreRepo.NewRegistry(provider, secretManagerCheck(fetcher))
		if err != nil {
			return nil, nil, err
		}
		return reg, provider, nil
	}
}

// secretManagerCheck probes Secret Manager reachability. A missing probe secret still proves the
// API answered.
func secretManagerCheck(fetcher *secrets.Fetcher) repositories.DependencyCheck {
	const ref = "secret://system-healthz"
	return repositories.DependencyCheck{
		Name:    "secretManager",
		Timeout: time.Second,
		Check: func(ctx context.Context) error {
			_, err := fetcher.Resolve(ctx, ref)
			if err == nil {
				return nil
			}
			if st, ok := status.FromError(err); ok && st.Code() == codes.NotFound {
				return nil
			}
			return err
		},
	}
}

func newNotificationPublisher(ctx context.Context, cfg config.Config) (services.NotificationPublisher, func(), error) {
	n := cfg.Notifications
	switch n.Driver {
	case config.NotifyPubSub:
		client, err := pubsub.NewClient(ctx, n.PubSubProject)
		if err != nil {
			return nil, func() {}, fmt.Errorf("pubsub client: %w", err)
		}
		publisher, err := jobs.NewPubSubPublisher(client.Topic(n.Topic))
		if err != nil {
			_ = client.Close()
			return nil, func() {}, err
		}
		return publisher, func() {
			publisher.Close()
			_ = client.Close()
		}, nil
	case config.NotifyKafka:
		publisher, err := jobs.NewKafkaPublisher(jobs.KafkaConfig{
			Brokers:  n.KafkaBrokers,
			Topic:    n.Topic,
			Username: n.KafkaUsername,
			Password: n.KafkaPassword,
		})
		if err != nil {
			return nil, func() {}, err
		}
		return publisher, publisher.Close, nil
	default:
		return nil, func() {}, nil
	}
}

func buildOIDCMiddleware(logger *zap.Logger, cfg config.Config) func(http.Handler) http.Handler {
	if strings.TrimSpace(cfg.OIDC.JWKSURL) == "" {
		return nil
	}
	adapter := observability.NewPrintfAdapter(logger)
	cache := auth.NewJWKSCache(cfg.OIDC.JWKSURL, auth.WithJWKSHTTPClient(&http.Client{Timeout: jwksFetchTimeout}))
	validator := auth.NewOIDCValidator(cache, adapter)

	if strings.TrimSpace(cfg.OIDC.Audience) == "" {
		logger.Warn("auth: OIDC audience not configured; internal routes will reject requests")
	}
	return validator.RequireOIDC(auth.OIDCPolicy{
		Audience: cfg.OIDC.Audience,
		Issuers:  cfg.OIDC.Issuers,
		Emails:   cfg.OIDC.ServiceAccounts,
	})
}

func buildInfoFromEnv(env map[string]string, cfg config.Config, started time.Time) services.BuildInfo {
	version := strings.TrimSpace(env["API_BUILD_VERSION"])
	if version == "" {
		version = "dev"
	}
	return services.BuildInfo{
		Version:     version,
		Environment: cfg.Environment,
		StartedAt:   started,
	}
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Fetcher, error) {
	lookup := func(key string) string {
		return strings.TrimSpace(env[key])
	}

	defaultProject := lookup("API_SECRET_DEFAULT_PROJECT_ID")
	if defaultProject == "" {
		defaultProject = lookup("API_FIREBASE_PROJECT_ID")
	}
	fallbackPath := lookup("API_SECRET_FALLBACK_FILE")
	if fallbackPath == "" {
		fallbackPath = ".secrets.local"
	}

	opts := []secrets.Option{
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithFallbackFile(fallbackPath),
	}
	if defaultProject != "" {
		opts = append(opts, secrets.WithDefaultProject(defaultProject))
	}
	if credentialsFile := lookup("API_FIREBASE_CREDENTIALS_FILE"); credentialsFile != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(credentialsFile)))
	}
	return secrets.NewFetcher(ctx, opts...)
}
