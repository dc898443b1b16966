package server

import (
	"log/slog"
	"net/http"
)

// Pre-allocated response body and header value slice.
// okBody avoids a []byte("ok") heap escape per call.
// plainCT avoids the []string{v} alloc from Header.Set (see proxy.go:jsonCT).
// Together they save 3 allocs/req per health endpoint.
var (
	okBody       = []byte("ok")
	notReadyBody = []byte("not ready")
	plainCT      = []string{"text/plain"}
)

// handleLiveness reports whether the proxy process itself is up; it never
// touches the credential store, so it stays healthy through a database
// outage (readiness, not liveness, is what reflects store reachability).
func (s *server) handleLiveness(w http.ResponseWriter, _ *http.Request) {
	w.Header()["Content-Type"] = plainCT
	w.WriteHeader(http.StatusOK)
	w.Write(okBody)
}

// handleReadiness reports whether the proxy can currently serve the Auth
// Resolver's credential-store lookups (§4.1); ReadyCheck is wired to the
// store's connection ping in cmd/kestrel/run.go.
func (s *server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if s.deps.ReadyCheck != nil {
		if err := s.deps.ReadyCheck(r.Context()); err != nil {
			slog.LogAttrs(r.Context(), slog.LevelWarn, "credential store not ready",
				slog.String("error", err.Error()))
			w.Header()["Content-Type"] = plainCT
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write(notReadyBody)
			return
		}
	}
	w.Header()["Content-Type"] = plainCT
	w.WriteHeader(http.StatusOK)
	w.Write(okBody)
}
