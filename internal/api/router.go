// Package api exposes the HTTP surface of deployfix: provider webhooks, the
// agent completion callback and the authenticated deployment endpoints.
package api

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/odvcencio/deployfix/internal/auth"
	"github.com/odvcencio/deployfix/internal/database"
	"github.com/odvcencio/deployfix/internal/service"
	"github.com/prometheus/client_golang/prometheus"
)

const defaultMaxWebhookBodyBytes int64 = 1 << 20

type ServerOptions struct {
	DB                  database.DB
	Auth                *auth.Service
	Service             *service.Service
	MaxWebhookBodyBytes int64
	Logger              *slog.Logger
	// Registerer and Gatherer default to the prometheus globals.
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
}

type Server struct {
	db          database.DB
	authSvc     *auth.Service
	svc         *service.Service
	maxWebhook  int64
	logger      *slog.Logger
	httpMetrics *httpMetrics
	hooks       *webhookMetrics
	gatherer    prometheus.Gatherer
	mux         *http.ServeMux
	handler     http.Handler
}

func NewServer(opts ServerOptions) (*Server, error) {
	if opts.DB == nil || opts.Auth == nil || opts.Service == nil {
		return nil, fmt.Errorf("api: database, auth and service are required")
	}
	s := &Server{
		db:         opts.DB,
		authSvc:    opts.Auth,
		svc:        opts.Service,
		maxWebhook: opts.MaxWebhookBodyBytes,
		logger:     opts.Logger,
		gatherer:   opts.Gatherer,
		mux:        http.NewServeMux(),
	}
	if s.maxWebhook <= 0 {
		s.maxWebhook = defaultMaxWebhookBodyBytes
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if s.gatherer == nil {
		s.gatherer = prometheus.DefaultGatherer
	}
	s.httpMetrics = newHTTPMetrics(reg)
	s.hooks = newWebhookMetrics(reg)
	reg.MustRegister(newQueueCollector(s.db))

	s.routes()
	s.handler = chainMiddleware(s.mux,
		requestLoggingMiddleware(s.logger),
		requestTracingMiddleware,
		func(next http.Handler) http.Handler { return requestMetricsMiddleware(s.httpMetrics, next) },
		requestBodyLimitMiddleware,
		auth.Middleware(s.authSvc),
	)
	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.Handle("GET /metrics", metricsHandler(s.gatherer))

	// Provider webhooks and agent callbacks authenticate by signature.
	s.mux.HandleFunc("POST /webhooks/vercel", s.handleVercelWebhook)
	s.mux.HandleFunc("POST /webhooks/github", s.handleGitHubWebhook)
	s.mux.HandleFunc("POST /api/v1/tasks/{id}/complete", s.handleTaskComplete)

	// Deployments
	s.mux.Handle("GET /api/v1/deployments/{id}", auth.RequireAuth(http.HandlerFunc(s.handleGetDeployment)))
	s.mux.Handle("POST /api/v1/deployments/{id}/retry", auth.RequireAuth(http.HandlerFunc(s.handleRetryDeployment)))
}

type middlewareFunc func(http.Handler) http.Handler

// chainMiddleware wraps h so the first middleware is the outermost.
func chainMiddleware(h http.Handler, mws ...middlewareFunc) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}
