// Package authresolve implements the Auth Resolver (§4.1): turns an inbound
// request's client credential into a resolved upstream credential and a
// populated RequestContext, or a typed failure. Grounded on the base gateway's
// dependency-injected Deps-struct idiom (internal/server/server.go) --
// explicit constructor arguments, no package-level globals -- generalized
// from the base gateway's single-provider API-key lookup
// (internal/auth/apikey.go) into pool-of-credentials resolution across multiple provider keys.
package authresolve

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/kestrelproxy/kestrel/internal/gwcore"
	"github.com/kestrelproxy/kestrel/internal/scheduler"
	"github.com/kestrelproxy/kestrel/internal/store"
	"github.com/kestrelproxy/kestrel/internal/strategy"
)

// queryParamNames is the extraction order for URL query parameters (§4.1).
var queryParamNames = []string{"key", "access_token", "api_key", "apikey"}

// headerNames is the fixed header priority checked after query parameters.
var headerNames = []string{"authorization", "x-api-key", "x-goog-api-key", "x-openai-api-key"}

// Resolver implements §4.1 against injected store/scheduler/strategy
// dependencies.
type Resolver struct {
	store      store.CredentialStore
	sched      *scheduler.Scheduler
	strategies *strategy.Registry
}

func New(st store.CredentialStore, sched *scheduler.Scheduler, strategies *strategy.Registry) *Resolver {
	return &Resolver{store: st, sched: sched, strategies: strategies}
}

// Resolve runs the full §4.1 pipeline against r.
func (res *Resolver) Resolve(ctx context.Context, r *http.Request) (*gwcore.RequestContext, error) {
	credential, ok := extractClientCredential(r)
	if !ok {
		return nil, gwcore.ErrAuthMissing
	}

	serviceKey, err := res.store.GetServiceKeyByAPIKey(ctx, credential)
	if err != nil {
		return nil, gwcore.ErrAuthInvalid
	}

	pool, err := res.store.GetProviderKeysByIDs(ctx, serviceKey.ProviderKeyIDs)
	if err != nil {
		return nil, gwcore.ErrInternalBug
	}
	if len(pool) == 0 {
		return nil, gwcore.ErrNoProviderKeys
	}

	selected, err := res.sched.Select(serviceKey.ID, pool, serviceKey.Strategy)
	if err != nil {
		return nil, err
	}

	resolvedCred, err := res.materializeCredential(ctx, selected)
	if err != nil {
		return nil, err
	}

	provider, err := res.store.GetProviderType(ctx, selected.ProviderTypeID)
	if err != nil {
		return nil, gwcore.ErrInternalBug
	}

	rc := gwcore.NewRequestContext(gwcore.NewRequestID())
	rc.ServiceKey = serviceKey
	rc.SelectedKey = selected
	rc.Credential = resolvedCred
	rc.Provider = provider
	rc.StrategyName = provider.Name
	if s := res.strategies.Resolve(provider.Name); s != nil {
		rc.StrategyName = s.Name()
	}
	return rc, nil
}

// materializeCredential implements the §4.1 credential materialization
// switch on selected.AuthType.
func (res *Resolver) materializeCredential(ctx context.Context, selected gwcore.UserProviderKey) (gwcore.ResolvedCredential, error) {
	switch selected.AuthType {
	case gwcore.AuthTypeOAuth:
		session, err := res.store.GetOAuthSession(ctx, selected.APIKey)
		if err != nil || !session.IsUsable(time.Now()) {
			res.sched.MarkUnhealthy(ctx, selected.ID)
			return gwcore.ResolvedCredential{}, gwcore.ErrOAuthUnavailable
		}
		return gwcore.OAuthTokenCredential(session.AccessToken), nil
	default:
		return gwcore.APIKeyCredential(selected.APIKey), nil
	}
}

// extractClientCredential applies the §4.1/§6 extraction order: query
// parameters first (in queryParamNames order), then headers (in
// headerNames order, stripping a case-sensitive leading "Bearer " from
// Authorization). An empty value after trimming is not a hit. url.Query()
// already URL-decodes parameter values, satisfying the "(URL-decoded)"
// requirement.
func extractClientCredential(r *http.Request) (string, bool) {
	query := r.URL.Query()
	for _, name := range queryParamNames {
		if v, ok := firstNonEmpty(query[name]); ok {
			return v, true
		}
	}
	for _, name := range headerNames {
		v := strings.TrimSpace(r.Header.Get(name))
		if v == "" {
			continue
		}
		if name == "authorization" {
			v = strings.TrimSpace(strings.TrimPrefix(v, "Bearer "))
		}
		if v == "" {
			continue
		}
		return v, true
	}
	return "", false
}

func firstNonEmpty(values []string) (string, bool) {
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			return trimmed, true
		}
	}
	return "", false
}
