// Package strategy implements the Provider Strategy Layer (§4.4): one
// strategy per vendor family, each rewriting requests, reading vendor-
// specific response signals, and building outbound auth headers. Grounded on
// original_source/src/proxy/provider_strategy/mod.rs's five-hook trait and
// name-matching registry, translated from Rust's per-variant trait objects
// into Go's interface-plus-struct idiom the base gateway's internal/config.go
// ProviderEntry helper-method pattern already uses.
package strategy

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/kestrelproxy/kestrel/internal/gwcore"
)

// RateLimitSignal is what HandleResponseBody reports back when a response
// should change the selected key's health state (§4.4 OpenAI 429 handling,
// §4.2). The Proxy Loop applies it against the Health Store; strategies
// never touch the store directly, matching the Auth Resolver's
// constructor-injected-dependency style rather than package globals.
type RateLimitSignal struct {
	RateLimited bool
	ResetsAt    time.Time
	// UpdateDetail requests a health_status_detail write without a status
	// change, e.g. OpenAI's 2xx X-Codex-* rate-limit-window snapshot (§4.2
	// dashboard-only detail update).
	UpdateDetail bool
	Detail       json.RawMessage
}

// Strategy is the five-hook interface spec.md §4.4 describes. Every method
// has a safe no-op meaning (matching the Rust trait's default method
// bodies); BaseStrategy implements exactly that, so each concrete strategy
// only overrides what it needs.
type Strategy interface {
	// Name is the canonical strategy tag ("openai", "gemini", "anthropic").
	Name() string

	// SelectUpstreamHost optionally overrides provider_type.base_url.
	SelectUpstreamHost(rc *gwcore.RequestContext) (host string, ok bool)

	// ModifyRequest rewrites the outbound request's headers/path in place
	// and may set rc.WillModifyBody when a later body rewrite is needed.
	ModifyRequest(r *http.Request, rc *gwcore.RequestContext) error

	// ModifyRequestBodyJSON rewrites the parsed JSON request body. Called
	// only when rc.WillModifyBody is true. Returns the rewritten bytes and
	// whether a change was made.
	ModifyRequestBodyJSON(path string, body []byte, rc *gwcore.RequestContext) (out []byte, modified bool, err error)

	// HandleResponseBody inspects the completed response for vendor-
	// specific signals (rate-limit windows, 429 bodies).
	HandleResponseBody(statusCode int, headers http.Header, body []byte, rc *gwcore.RequestContext) RateLimitSignal

	// BuildAuthHeaders returns the outbound authentication headers for the
	// resolved credential.
	BuildAuthHeaders(rc *gwcore.RequestContext) http.Header
}

// BaseStrategy supplies the no-op default for every hook; concrete
// strategies embed it and override only what their vendor needs.
type BaseStrategy struct{}

func (BaseStrategy) Name() string { return "" }

func (BaseStrategy) SelectUpstreamHost(*gwcore.RequestContext) (string, bool) { return "", false }

func (BaseStrategy) ModifyRequest(*http.Request, *gwcore.RequestContext) error { return nil }

func (BaseStrategy) ModifyRequestBodyJSON(_ string, body []byte, _ *gwcore.RequestContext) ([]byte, bool, error) {
	return body, false, nil
}

func (BaseStrategy) HandleResponseBody(int, http.Header, []byte, *gwcore.RequestContext) RateLimitSignal {
	return RateLimitSignal{}
}

func (BaseStrategy) BuildAuthHeaders(rc *gwcore.RequestContext) http.Header {
	h := make(http.Header)
	h.Set("Authorization", "Bearer "+rc.Credential.Value)
	return h
}
