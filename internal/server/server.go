// Package server mounts the Proxy Loop behind chi, alongside the ambient
// health, readiness, and metrics endpoints. Grounded on the base gateway's
// cmd/kestrel/run.go http.Server wiring and internal/server/health.go,
// trimmed of the management-API surface (out of scope per this project's
// narrower single-tenant credential pool) and widened to wrap
// proxyloop.Loop as the request handler instead of the base gateway's
// app.RouterService.
package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kestrelproxy/kestrel/internal/telemetry"
)

// ReadyCheckFunc reports whether the process is ready to serve traffic, e.g.
// a database ping.
type ReadyCheckFunc func(ctx context.Context) error

// Deps are the server's external collaborators.
type Deps struct {
	Loop       http.Handler
	Metrics    *telemetry.Metrics
	ReadyCheck ReadyCheckFunc
}

type server struct {
	deps Deps
}

// New builds the top-level HTTP handler: health/ready/metrics endpoints plus
// the proxy loop mounted at the root.
func New(deps Deps) http.Handler {
	s := &server{deps: deps}

	r := chi.NewRouter()
	r.Use(s.recovery, s.requestID, s.securityHeaders, s.logging)
	if deps.Metrics != nil {
		r.Use(metricsMiddleware(deps.Metrics))
	}

	r.Get("/healthz", s.handleLiveness)
	r.Get("/readyz", s.handleReadiness)
	if deps.Metrics != nil {
		r.Handle("/metrics", promhttp.Handler())
	}

	// Everything else is the proxy surface; the Loop owns its own
	// auth/retry/management-path rejection logic (§4.10).
	r.Handle("/*", s.deps.Loop)

	return r
}
