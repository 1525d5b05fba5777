// Package handlers exposes the order, checkout, webhook and internal delivery endpoints over chi.
package handlers

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/meditationastro/medinow-orders/internal/platform/httpx"
)

// RouteRegistrar registers a set of routes against the provided router.
type RouteRegistrar func(r chi.Router)

// Route groups mounted under the base path, in mount order.
const (
	groupOrders   = "orders"
	groupCheckout = "checkout"
	groupWebhooks = "webhooks"
	groupInternal = "internal"
)

var groupOrder = []string{groupOrders, groupCheckout, groupWebhooks, groupInternal}

const (
	defaultAPIPrefix = "/api"
	defaultTimeout   = 30 * time.Second
)

type routeGroup struct {
	register    RouteRegistrar
	middlewares []func(http.Handler) http.Handler
}

type routerConfig struct {
	basePath    string
	middlewares []func(http.Handler) http.Handler
	health      *HealthHandlers
	groups      map[string]*routeGroup
}

func (c *routerConfig) group(name string) *routeGroup {
	g, ok := c.groups[name]
	if !ok {
		g = &routeGroup{}
		c.groups[name] = g
	}
	return g
}

// Option customises the router configuration before construction.
type Option func(*routerConfig)

// NewRouter builds the chi router. Probes sit at the root; every other group lives under the base
// path and answers 503 until its registrar is supplied.
func NewRouter(opts ...Option) chi.Router {
	cfg := &routerConfig{
		basePath: defaultAPIPrefix,
		middlewares: []func(http.Handler) http.Handler{
			middleware.RequestID,
			middleware.RealIP,
			middleware.Timeout(defaultTimeout),
		},
		groups: make(map[string]*routeGroup, len(groupOrder)),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(cfg)
		}
	}
	if cfg.health == nil {
		cfg.health = NewHealthHandlers()
	}

	r := chi.NewRouter()
	for _, mw := range cfg.middlewares {
		if mw != nil {
			r.Use(mw)
		}
	}
	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("route_not_found", fmt.Sprintf("no route for %s", req.URL.Path), http.StatusNotFound))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("method_not_allowed", fmt.Sprintf("method %s not allowed on %s", req.Method, req.URL.Path), http.StatusMethodNotAllowed))
	})

	r.Get("/healthz", cfg.health.Healthz)
	r.Get("/readyz", cfg.health.Readyz)

	r.Route(cfg.basePath, func(api chi.Router) {
		for _, name := range groupOrder {
			g := cfg.group(name)
			api.Route("/"+name, func(sub chi.Router) {
				for _, mw := range g.middlewares {
					if mw != nil {
						sub.Use(mw)
					}
				}
				if g.register == nil {
					registerUnavailable(sub, name)
					return
				}
				g.register(sub)
			})
		}
	})
	return r
}

// WithBasePath overrides the "/api" prefix. An empty path is ignored.
func WithBasePath(path string) Option {
	return func(cfg *routerConfig) {
		if path != "" {
			cfg.basePath = path
		}
	}
}

// WithMiddlewares appends router-wide middleware after the request id, real ip and timeout set.
func WithMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(cfg *routerConfig) { cfg.middlewares = append(cfg.middlewares, mw...) }
}

// WithHealthHandlers serves /healthz and /readyz.
func WithHealthHandlers(h *HealthHandlers) Option {
	return func(cfg *routerConfig) { cfg.health = h }
}

// WithOrderRoutes mounts /orders.
func WithOrderRoutes(reg RouteRegistrar) Option { return withRoutes(groupOrders, reg) }

// WithCheckoutRoutes mounts /checkout.
func WithCheckoutRoutes(reg RouteRegistrar) Option { return withRoutes(groupCheckout, reg) }

// WithWebhookRoutes mounts /webhooks.
func WithWebhookRoutes(reg RouteRegistrar) Option { return withRoutes(groupWebhooks, reg) }

// WithInternalRoutes mounts /internal.
func WithInternalRoutes(reg RouteRegistrar) Option { return withRoutes(groupInternal, reg) }

// WithWebhookMiddlewares wraps only the /webhooks group.
func WithWebhookMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return withGroupMiddlewares(groupWebhooks, mw)
}

// WithInternalMiddlewares wraps only the /internal group, typically with OIDC verification.
func WithInternalMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return withGroupMiddlewares(groupInternal, mw)
}

func withRoutes(name string, reg RouteRegistrar) Option {
	return func(cfg *routerConfig) { cfg.group(name).register = reg }
}

func withGroupMiddlewares(name string, mw []func(http.Handler) http.Handler) Option {
	return func(cfg *routerConfig) {
		g := cfg.group(name)
		g.middlewares = append(g.middlewares, mw...)
	}
}

func registerUnavailable(r chi.Router, name string) {
	handler := func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("service_unavailable", fmt.Sprintf("%s routes are not configured", name), http.StatusServiceUnavailable))
	}
	r.HandleFunc("/*", handler)
	r.HandleFunc("/", handler)
	r.NotFound(handler)
	r.MethodNotAllowed(handler)
}
