// Package transform implements the Request/Response Transform (§4.5/§4.6):
// the ordered header-rewrite steps that run between the Auth Resolver/
// Scheduler picking a credential and the Proxy Loop dialing the upstream
// peer, and the header cleanup that runs on the upstream response before any
// bytes reach the client. Grounded on the base gateway's `internal/provider/
// proxy.go` hop-by-hop header stripping and `ForwardRequest` header-copy
// loop, generalized from a single fixed outbound request into the ordered,
// strategy-driven rewrite this package implements.
package transform

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/kestrelproxy/kestrel/internal/gwcore"
	"github.com/kestrelproxy/kestrel/internal/strategy"
)

// hopByHopHeaders are stripped before forwarding, mirroring the base gateway's
// proxy.go map of connection-scoped headers that must never cross a hop.
var hopByHopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Connection", "Transfer-Encoding",
	"Upgrade", "Te", "Trailer",
}

// proxyIdentifyingHeaders are stripped so the upstream never sees that it is
// being reached through this proxy (§4.5 step 4).
var proxyIdentifyingHeaders = []string{
	"X-Forwarded-For", "X-Forwarded-Host", "X-Forwarded-Proto", "X-Forwarded-Port",
	"X-Real-Ip", "Forwarded", "Proxy-Authorization", "Via",
}

// clientAuthHeaders are removed before the strategy/OAuth auth headers are
// injected (§4.5 step 3): the client's own credential must never reach the
// upstream.
var clientAuthHeaders = []string{"Authorization", "X-Goog-Api-Key", "X-Api-Key", "Api-Key"}

const defaultUserAgent = "kestrel-proxy/1.0"

// Request runs the ordered §4.5 steps against r, using rc's resolved
// strategy, credential, and provider. It mutates r.Header and r.Host in
// place and returns a typed error if the strategy hook fails.
func Request(r *http.Request, rc *gwcore.RequestContext, strat strategy.Strategy) error {
	if strat == nil {
		strat = strategy.BaseStrategy{}
	}

	if err := strat.ModifyRequest(r, rc); err != nil {
		return gwcore.ErrBodyMutationFailed
	}

	hostOverride, _ := strat.SelectUpstreamHost(rc)
	forceHost(r, rc.Provider.BaseURL, hostOverride)
	injectAuth(r, rc, strat)
	stripHeaders(r.Header, proxyIdentifyingHeaders)
	stripHeaders(r.Header, hopByHopHeaders)
	ensureDefaults(r)
	handleContentLength(r, rc)

	return nil
}

// forceHost implements §4.5 step 2 plus §4.4 hook 1: Host/scheme are taken
// from the provider's base_url, never whatever the client happened to send,
// unless the strategy's SelectUpstreamHost hook supplies an override
// authority (e.g. OpenAI OAuth forcing chatgpt.com) -- only the authority
// changes in that case, the scheme still comes from base_url.
func forceHost(r *http.Request, baseURL, hostOverride string) {
	r.Header.Del("Host")
	u, err := url.Parse(baseURL)
	if err != nil || u.Host == "" {
		if hostOverride != "" {
			r.Host = hostOverride
			r.URL.Host = hostOverride
		}
		return
	}
	authority := u.Host
	if hostOverride != "" {
		authority = hostOverride
	}
	r.Host = authority
	r.URL.Scheme = u.Scheme
	r.URL.Host = authority
}

// injectAuth implements §4.5 step 3: the client's credential headers are
// stripped, then the strategy's BuildAuthHeaders (or the OAuth override) is
// applied.
func injectAuth(r *http.Request, rc *gwcore.RequestContext, strat strategy.Strategy) {
	stripHeaders(r.Header, clientAuthHeaders)

	if rc.Credential.Kind == gwcore.CredentialOAuthToken {
		r.Header.Set("Authorization", "Bearer "+rc.Credential.Value)
		return
	}
	for name, values := range strat.BuildAuthHeaders(rc) {
		for _, v := range values {
			r.Header.Set(name, v)
		}
	}
}

func stripHeaders(h http.Header, names []string) {
	for _, n := range names {
		h.Del(n)
	}
}

// ensureDefaults implements §4.5 step 5.
func ensureDefaults(r *http.Request) {
	if r.Header.Get("User-Agent") == "" {
		r.Header.Set("User-Agent", defaultUserAgent)
	}
	if r.Header.Get("Accept") == "" {
		r.Header.Set("Accept", "*/*")
	}
}

// handleContentLength implements §4.5 step 6.
func handleContentLength(r *http.Request, rc *gwcore.RequestContext) {
	streaming := rc.WillModifyBody || strings.Contains(strings.ToLower(r.URL.Path), "stream")
	if streaming {
		r.Header.Del("Content-Length")
		r.ContentLength = -1
		return
	}
	switch r.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		if r.Header.Get("Content-Length") == "" && r.Header.Get("Transfer-Encoding") == "" {
			r.Header.Set("Content-Length", "0")
			r.ContentLength = 0
		}
	}
}
