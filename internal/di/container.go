package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/meditationastro/medinow-orders/internal/notifications"
	"github.com/meditationastro/medinow-orders/internal/payments"
	"github.com/meditationastro/medinow-orders/internal/platform/config"
	"github.com/meditationastro/medinow-orders/internal/platform/observability"
	"github.com/meditationastro/medinow-orders/internal/repositories"
	"github.com/meditationastro/medinow-orders/internal/services"
)

// Services bundles the service-layer contracts that handlers rely upon. Concrete implementations
// are assembled via dependency injection in NewContainer.
type Services struct {
	Orders        services.OrderService
	Checkout      services.CheckoutService
	Reconciler    services.PaymentReconciler
	Notifications *services.NotificationDispatcher
	System        services.SystemService
}

// Container wires repositories, services, and background infrastructure for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Services     Services
}

// Option overrides a collaborator NewContainer would otherwise derive from the config.
type Option func(*containerOptions)

type containerOptions struct {
	logger    *zap.Logger
	provider  payments.Provider
	verifier  services.WebhookVerifier
	sender    notifications.Sender
	publisher services.NotificationPublisher
	build     services.BuildInfo
	clock     func() time.Time
}

// WithLogger sets the base logger handed to services.
func WithLogger(logger *zap.Logger) Option {
	return func(o *containerOptions) { o.logger = logger }
}

// WithPaymentProvider replaces the Stripe provider built from config.
func WithPaymentProvider(provider payments.Provider) Option {
	return func(o *containerOptions) { o.provider = provider }
}

// WithWebhookVerifier replaces the Stripe signature verifier built from config.
func WithWebhookVerifier(verifier services.WebhookVerifier) Option {
	return func(o *containerOptions) { o.verifier = verifier }
}

// WithNotificationSender replaces the log sender used for inline delivery.
func WithNotificationSender(sender notifications.Sender) Option {
	return func(o *containerOptions) { o.sender = sender }
}

// WithNotificationPublisher routes queued notifications to an external queue.
func WithNotificationPublisher(publisher services.NotificationPublisher) Option {
	return func(o *containerOptions) { o.publisher = publisher }
}

// WithBuildInfo sets the metadata reported by the health endpoints.
func WithBuildInfo(build services.BuildInfo) Option {
	return func(o *containerOptions) { o.build = build }
}

// WithClock overrides time.Now for every service.
func WithClock(clock func() time.Time) Option {
	return func(o *containerOptions) { o.clock = clock }
}

// NewContainer constructs the runtime dependencies. Production wiring passes the Firestore
// registry, while tests can supply in-memory registries.
func NewContainer(ctx context.Context, cfg config.Config, reg repositories.Registry, opts ...Option) (*Container, error) {
	if reg == nil {
		return nil, errors.New("repositories registry is required")
	}
	options := containerOptions{logger: zap.NewNop(), clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	if options.logger == nil {
		options.logger = zap.NewNop()
	}
	if options.clock == nil {
		options.clock = time.Now
	}

	svc, err := buildServices(ctx, reg, cfg, options)
	if err != nil {
		return nil, err
	}

	return &Container{
		Config:       cfg,
		Repositories: reg,
		Services:     svc,
	}, nil
}

// Close drains queued notifications, then releases repository clients.
func (c *Container) Close(ctx context.Context) error {
	if c == nil {
		return nil
	}
	var errs []error
	if c.Services.Notifications != nil {
		if err := c.Services.Notifications.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close notification dispatcher: %w", err))
		}
	}
	if c.Repositories != nil {
		if err := c.Repositories.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close repositories: %w", err))
		}
	}
	return errors.Join(errs...)
}

func buildServices(_ context.Context, reg repositories.Registry, cfg config.Config, opts containerOptions) (Services, error) {
	var svc Services
	logger := opts.logger

	ordersRepo := reg.Orders()
	if ordersRepo == nil {
		return svc, errors.New("order repository is required")
	}

	orderSvc, err := services.NewOrderService(services.OrderServiceDeps{
		Orders:          ordersRepo,
		DefaultCurrency: cfg.Checkout.DefaultCurrency,
		Clock:           opts.clock,
		Logger:          observability.EventLogger(logger.Named("orders")),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build order service: %w", err)
	}
	svc.Orders = orderSvc

	provider := opts.provider
	if provider == nil {
		provider = payments.NewStripeProvider(payments.StripeProviderConfig{
			APIKey:  cfg.Stripe.SecretKey,
			Timeout: cfg.Stripe.Timeout,
			Logger:  observability.EventLogger(logger.Named("stripe")),
		})
	}
	checkoutSvc, err := services.NewCheckoutService(services.CheckoutServiceDeps{
		Orders:     ordersRepo,
		OrderState: orderSvc,
		Provider:   provider,
		SuccessURL: cfg.Checkout.SuccessURL,
		CancelURL:  cfg.Checkout.CancelURL,
		Logger:     observability.EventLogger(logger.Named("checkout")),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build checkout service: %w", err)
	}
	svc.Checkout = checkoutSvc

	sender := opts.sender
	if sender == nil {
		sender = notifications.NewLogSender(logger.Named("notifications"))
	}
	dispatcher, err := services.NewNotificationDispatcher(services.NotificationDispatcherDeps{
		Sender:         sender,
		Publisher:      opts.publisher,
		QueueSize:      cfg.Notifications.QueueSize,
		MaxAttempts:    cfg.Notifications.MaxAttempts,
		AttemptTimeout: cfg.Notifications.Timeout,
		Clock:          opts.clock,
		Logger:         observability.EventLogger(logger.Named("notifications")),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build notification dispatcher: %w", err)
	}
	svc.Notifications = dispatcher

	verifier := opts.verifier
	if verifier == nil {
		verifier = payments.NewWebhookVerifier(cfg.Stripe.WebhookSecret)
	}
	reconciler, err := services.NewPaymentReconciler(services.PaymentReconcilerDeps{
		Verifier:       verifier,
		Orders:         orderSvc,
		Notifications:  dispatcher,
		OwnerRecipient: cfg.Notifications.OwnerRecipient,
		Clock:          opts.clock,
		Logger:         observability.EventLogger(logger.Named("webhooks")),
	})
	if err != nil {
		_ = dispatcher.Close(context.Background())
		return Services{}, fmt.Errorf("build payment reconciler: %w", err)
	}
	svc.Reconciler = reconciler

	if healthRepo := reg.Health(); healthRepo != nil {
		build := opts.build
		if build.Environment == "" {
			build.Environment = cfg.Environment
		}
		if build.StartedAt.IsZero() {
			build.StartedAt = opts.clock().UTC()
		}
		systemSvc, err := services.NewSystemService(services.SystemServiceDeps{
			HealthRepository: healthRepo,
			Notifications:    dispatcher,
			Clock:            opts.clock,
			Build:            build,
		})
		if err != nil {
			_ = dispatcher.Close(context.Background())
			return Services{}, fmt.Errorf("build system service: %w", err)
		}
		svc.System = systemSvc
	}

	return svc, nil
}
