// Package web provides the HTTP API for submitting imports, polling their
// progress and managing webhook subscriptions.
package web

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"golang.org/x/time/rate"

	"github.com/JonMunkholm/productimport/internal/catalog"
	"github.com/JonMunkholm/productimport/internal/config"
	"github.com/JonMunkholm/productimport/internal/metrics"
	"github.com/JonMunkholm/productimport/internal/progress"
	"github.com/JonMunkholm/productimport/internal/web/middleware"
	"github.com/JonMunkholm/productimport/internal/webhook"
)

// Service is what the handlers need from the import pipeline. Satisfied by
// *core.Service.
type Service interface {
	Submit(ctx context.Context, filename string, r io.Reader) (string, error)
	Progress(ctx context.Context, taskID string) (progress.Task, error)
	Product(ctx context.Context, sku string) (catalog.Product, error)

	CreateWebhook(ctx context.Context, in webhook.NewSubscription) (webhook.Subscription, error)
	ListWebhooks(ctx context.Context, f webhook.Filter) ([]webhook.Subscription, error)
	GetWebhook(ctx context.Context, id int64) (webhook.Subscription, error)
	UpdateWebhook(ctx context.Context, id int64, p webhook.Patch) (webhook.Subscription, error)
	DeleteWebhook(ctx context.Context, id int64) error
	TestWebhook(ctx context.Context, id int64, eventType string) (webhook.TestResult, error)
	WebhookLogs(ctx context.Context, id int64, limit int) ([]webhook.DeliveryAttempt, error)
}

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) error

// Options configures a Server.
type Options struct {
	Server      config.ServerConfig
	Rate        config.RateLimitConfig
	Security    config.SecurityConfig
	MaxFileSize int64
	Health      map[string]HealthCheck
}

// Server is the HTTP server for the import API.
type Server struct {
	service Service
	opts    Options
	router  *chi.Mux
	server  *http.Server
}

// NewServer creates a new Server instance.
func NewServer(service Service, opts Options) *Server {
	s := &Server{
		service: service,
		opts:    opts,
		router:  chi.NewRouter(),
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

// setupMiddleware configures middleware for all routes.
func (s *Server) setupMiddleware() {
	s.router.Use(chimw.RequestID)
	s.router.Use(middleware.TrustedRealIP(s.opts.Security.TrustedProxies))
	s.router.Use(middleware.Logger)
	s.router.Use(chimw.Recoverer)
	if s.opts.Server.RequestTimeout > 0 {
		s.router.Use(chimw.Timeout(s.opts.Server.RequestTimeout))
	}
	s.router.Use(securityHeaders)
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	s.router.Get("/healthz", s.handleHealth)
	s.router.Method(http.MethodGet, "/metrics", metrics.Handler())

	s.router.Route("/api", func(r chi.Router) {
		r.Use(render.SetContentType(render.ContentTypeJSON))
		r.Use(middleware.APIKeyAuth(&s.opts.Security))
		if s.opts.Rate.Enabled {
			r.Use(newRateLimiter(s.opts.Rate.RequestsPerMinute).middleware)
		}

		r.Route("/imports", func(r chi.Router) {
			upload := r.With()
			if s.opts.Rate.Enabled {
				upload = r.With(newRateLimiter(s.opts.Rate.UploadLimit).middleware)
			}
			upload.Post("/", s.handleSubmitImport)
			r.Get("/{taskID}", s.handleImportProgress)
		})

		r.Get("/products/{sku}", s.handleGetProduct)

		r.Route("/webhooks", func(r chi.Router) {
			r.Post("/", s.handleCreateWebhook)
			r.Get("/", s.handleListWebhooks)
			r.Route("/{webhookID}", func(r chi.Router) {
				r.Get("/", s.handleGetWebhook)
				r.Put("/", s.handleUpdateWebhook)
				r.Patch("/", s.handleUpdateWebhook)
				r.Delete("/", s.handleDeleteWebhook)
				r.Post("/test", s.handleTestWebhook)
				r.Get("/logs", s.handleWebhookLogs)
			})
		})
	})
}

// Start begins listening for HTTP requests. It returns http.ErrServerClosed
// after Shutdown.
func (s *Server) Start(addr string) error {
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.opts.Server.ReadTimeout,
		WriteTimeout: s.opts.Server.WriteTimeout,
		IdleTimeout:  s.opts.Server.IdleTimeout,
	}

	slog.Info("starting server", "addr", addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the underlying chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := make(map[string]string, len(s.opts.Health))
	for name, check := range s.opts.Health {
		if err := check(ctx); err != nil {
			slog.Warn("health check failed", "check", name, "error", err)
			checks[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	render.Status(r, status)
	render.JSON(w, r, map[string]any{"status": http.StatusText(status), "checks": checks})
}

// securityHeaders adds security headers to all responses.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		w.Header().Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(w, r)
	})
}

// rateLimiter keeps one token bucket per client IP.
type rateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	limit    rate.Limit
	burst    int
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// newRateLimiter allows perMinute requests per client, refilled evenly.
func newRateLimiter(perMinute int) *rateLimiter {
	if perMinute <= 0 {
		perMinute = 1
	}
	return &rateLimiter{
		visitors: make(map[string]*visitor),
		limit:    rate.Every(time.Minute / time.Duration(perMinute)),
		burst:    perMinute,
	}
}

func (rl *rateLimiter) allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	v, ok := rl.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.visitors[ip] = v
	}
	v.lastSeen = now

	// Prune idle visitors once the map grows.
	if len(rl.visitors) > 1024 {
		for k, other := range rl.visitors {
			if now.Sub(other.lastSeen) > 10*time.Minute {
				delete(rl.visitors, k)
			}
		}
	}
	return v.limiter.AllowN(now, 1)
}

// middleware returns an HTTP middleware that rate limits by client IP.
func (rl *rateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := r.RemoteAddr
		if host, _, err := net.SplitHostPort(ip); err == nil {
			ip = host
		}
		if !rl.allow(ip) {
			w.Header().Set("Retry-After", "60")
			respondError(w, r, errRateLimited, http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

var errRateLimited = errors.New("rate limit exceeded")
