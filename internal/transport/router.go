package transport

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pitabwire/escalator/internal/observability"
	"github.com/pitabwire/escalator/model"
)

// RunController is the scheduler surface the admin API drives.
type RunController interface {
	State() string
	LastSummary() (model.RunSummary, bool)
	Trigger(ctx context.Context) (string, error)
}

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Scheduler RunController
	Readiness observability.ReadinessChecks
	Metrics   *observability.Metrics
	Gatherer  prometheus.Gatherer
	Logger    *zap.Logger

	// Authenticate guards POST /v1/runs. Nil leaves the trigger open.
	Authenticate func(http.Handler) http.Handler

	// RunContext bounds triggered runs. It should be cancelled on shutdown;
	// a nil value detaches runs from the triggering request only.
	RunContext context.Context

	HandlerTimeout time.Duration
}

// NewRouter creates a chi.Router with the middleware pipeline and all route
// registrations. Health, readiness, and metrics bypass authentication.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()
	r.Use(Recovery(logger))
	r.Use(RequestID)
	r.Use(SecurityHeaders)
	if deps.Metrics != nil {
		r.Use(deps.Metrics.MetricsMiddleware)
	}

	r.Get("/healthz", observability.HandleHealth())
	r.Get("/readyz", observability.HandleReady(deps.Readiness))
	if deps.Gatherer != nil {
		r.Handle("/metrics", observability.Handler(deps.Gatherer))
	}

	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}

	h := &runHandlers{scheduler: deps.Scheduler, runCtx: deps.RunContext}
	r.Route("/v1", func(r chi.Router) {
		r.Use(observability.TracingMiddleware)
		r.Use(HandlerTimeout(deps.HandlerTimeout))
		r.Use(RequestLogging(logger))

		r.Get("/summary", h.summary)
		r.With(auth).Post("/runs", h.trigger)
	})

	return r
}
