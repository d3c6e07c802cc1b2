// Package server implements the HTTP transport layer for the Codex gateway:
// routing requests to the selected upstream provider, streaming SSE back to
// the client with a completion tap for usage accounting, and the /status
// and /v1/models read surfaces.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"go.opentelemetry.io/otel/trace"

	gateway "github.com/eugener/gandalf/internal"
	"github.com/eugener/gandalf/internal/rewrite"
	"github.com/eugener/gandalf/internal/router"
	"github.com/eugener/gandalf/internal/secrets"
	"github.com/eugener/gandalf/internal/store"
	"github.com/eugener/gandalf/internal/telemetry"
	"github.com/eugener/gandalf/internal/upstream"
)

// ReadyChecker reports whether the system is ready to serve traffic.
type ReadyChecker func(ctx context.Context) error

// UsageRecorder records a completed call's token accounting asynchronously;
// satisfied by worker.UsageRecorder.
type UsageRecorder interface {
	Record(gateway.UsageRecord)
}

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Auth gateway.Authenticator

	Router       *router.Registry
	Upstreams    *upstream.Registry
	Capabilities *rewrite.CapabilityCache
	Secrets      *secrets.Store
	Store        store.Store

	Routing     gateway.RoutingConfig
	Providers   []gateway.ProviderConfig
	SessionsDir string // base dir containing sessions/YYYY/MM/DD/*.jsonl; "" disables history rebuild
	ListenAddr  string // echoed back on /status for operator dashboards

	Usage UsageRecorder // nil = no usage recording

	Metrics        *telemetry.Metrics // nil = no Prometheus metrics
	MetricsHandler http.Handler       // nil = no /metrics endpoint
	Tracer         trace.Tracer       // nil = no distributed tracing
	ReadyCheck     ReadyChecker       // nil = always ready (for tests)

	Now func() time.Time // nil = time.Now
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	s := &server{deps: deps}

	r := chi.NewRouter()

	r.Use(s.securityHeaders)
	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.logging)
	if deps.Metrics != nil {
		r.Use(metricsMiddleware(deps.Metrics))
	}
	if deps.Tracer != nil {
		r.Use(tracingMiddleware(deps.Tracer))
	}

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	})
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	r.Get("/status", s.handleStatus)

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Get("/v1/models", s.handleListModels)
		r.Post("/v1/responses", s.handleResponses)
	})

	return r
}

type server struct {
	deps Deps
}

func (s *server) now() time.Time { return s.deps.Now() }

// providerConfig returns the configured ProviderConfig for name, or the
// zero value if name isn't configured.
func (s *server) providerConfig(name string) gateway.ProviderConfig {
	for _, p := range s.deps.Providers {
		if p.Name == name {
			return p
		}
	}
	return gateway.ProviderConfig{}
}

// quotaOK builds the router's quota gate closure from the latest snapshot
// written to the KV store by the quota poller.
func (s *server) quotaOK(ctx context.Context) func(string) (bool, bool) {
	return func(provider string) (bool, bool) {
		snap, ok := s.quotaSnapshot(ctx, provider)
		if !ok {
			return false, false
		}
		return snap.HasRemaining(), true
	}
}

// quotaConfirmed builds the router's usage-confirmation gate closure,
// reporting whether the latest quota snapshot for provider is fresh and
// error-free enough to clear a waiting-usage-confirmation sub-state.
func (s *server) quotaConfirmed(ctx context.Context) func(string) bool {
	return func(provider string) bool {
		snap, ok := s.quotaSnapshot(ctx, provider)
		if !ok {
			return false
		}
		return snap.ConfirmsAvailable()
	}
}
