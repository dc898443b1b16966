package authresolve

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kestrelproxy/kestrel/internal/gwcore"
	"github.com/kestrelproxy/kestrel/internal/health"
	"github.com/kestrelproxy/kestrel/internal/scheduler"
	"github.com/kestrelproxy/kestrel/internal/store/storetest"
	"github.com/kestrelproxy/kestrel/internal/strategy"
)

func newTestResolver(st *storetest.Store) *Resolver {
	hs := health.NewStore(st, nil)
	sched := scheduler.New(hs)
	return New(st, sched, strategy.NewRegistry())
}

func seedBasicFixture(st *storetest.Store) {
	st.ProviderTypes["openai"] = gwcore.ProviderType{ID: "openai", Name: "openai"}
	st.ProviderKeys["pk1"] = gwcore.UserProviderKey{
		ID: "pk1", ProviderTypeID: "openai", AuthType: gwcore.AuthTypeAPIKey,
		APIKey: "sk-real", Weight: 1, IsActive: true, HealthStatus: gwcore.HealthHealthy,
	}
	st.ServiceKeys["clientkey1"] = gwcore.UserServiceKey{
		ID: "svc1", ProviderTypeID: "openai", APIKey: "clientkey1",
		ProviderKeyIDs: []string{"pk1"}, Strategy: gwcore.StrategyRoundRobin, IsActive: true,
	}
}

func TestResolve_AuthorizationBearer(t *testing.T) {
	t.Parallel()
	st := storetest.New()
	seedBasicFixture(st)
	r := newTestResolver(st)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	req.Header.Set("Authorization", "Bearer clientkey1")

	rc, err := r.Resolve(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if rc.SelectedKey.ID != "pk1" {
		t.Fatalf("selected key = %q", rc.SelectedKey.ID)
	}
	if rc.Credential.Kind != gwcore.CredentialAPIKey || rc.Credential.Value != "sk-real" {
		t.Fatalf("credential = %+v", rc.Credential)
	}
	if rc.StrategyName != "openai" {
		t.Fatalf("strategy = %q", rc.StrategyName)
	}
}

func TestResolve_QueryParamPrecedesHeader(t *testing.T) {
	t.Parallel()
	st := storetest.New()
	seedBasicFixture(st)
	r := newTestResolver(st)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions?key=clientkey1", nil)
	req.Header.Set("Authorization", "Bearer wrong-key")

	rc, err := r.Resolve(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if rc.ServiceKey.ID != "svc1" {
		t.Fatalf("service key = %q", rc.ServiceKey.ID)
	}
}

func TestResolve_MissingCredential(t *testing.T) {
	t.Parallel()
	st := storetest.New()
	r := newTestResolver(st)
	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)

	_, err := r.Resolve(context.Background(), req)
	if err != gwcore.ErrAuthMissing {
		t.Fatalf("err = %v, want ErrAuthMissing", err)
	}
}

func TestResolve_InvalidCredential(t *testing.T) {
	t.Parallel()
	st := storetest.New()
	seedBasicFixture(st)
	r := newTestResolver(st)
	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	req.Header.Set("x-api-key", "not-a-real-key")

	_, err := r.Resolve(context.Background(), req)
	if err != gwcore.ErrAuthInvalid {
		t.Fatalf("err = %v, want ErrAuthInvalid", err)
	}
}

func TestResolve_NoProviderKeys(t *testing.T) {
	t.Parallel()
	st := storetest.New()
	st.ServiceKeys["clientkey1"] = gwcore.UserServiceKey{
		ID: "svc1", APIKey: "clientkey1", ProviderKeyIDs: nil, IsActive: true,
	}
	r := newTestResolver(st)
	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	req.Header.Set("Authorization", "clientkey1")

	_, err := r.Resolve(context.Background(), req)
	if err != gwcore.ErrNoProviderKeys {
		t.Fatalf("err = %v, want ErrNoProviderKeys", err)
	}
}

func TestResolve_NoHealthyKey(t *testing.T) {
	t.Parallel()
	st := storetest.New()
	seedBasicFixture(st)
	future := time.Now().Add(time.Hour)
	pk := st.ProviderKeys["pk1"]
	pk.HealthStatus = gwcore.HealthRateLimited
	pk.RateLimitResetsAt = &future
	st.ProviderKeys["pk1"] = pk
	r := newTestResolver(st)

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	req.Header.Set("Authorization", "clientkey1")

	_, err := r.Resolve(context.Background(), req)
	if err != gwcore.ErrNoHealthyKey {
		t.Fatalf("err = %v, want ErrNoHealthyKey", err)
	}
}

func TestResolve_OAuthCredentialMaterialization(t *testing.T) {
	t.Parallel()
	st := storetest.New()
	st.ProviderTypes["gemini"] = gwcore.ProviderType{ID: "gemini", Name: "gemini"}
	st.ProviderKeys["pk2"] = gwcore.UserProviderKey{
		ID: "pk2", ProviderTypeID: "gemini", AuthType: gwcore.AuthTypeOAuth,
		APIKey: "sess-abc", ProjectID: "p-7", IsActive: true, HealthStatus: gwcore.HealthHealthy,
	}
	st.OAuthSessions["sess-abc"] = gwcore.OAuthSession{
		SessionID: "sess-abc", Status: "completed", AccessToken: "tok",
		ExpiresAt: time.Now().Add(time.Hour),
	}
	st.ServiceKeys["clientkey2"] = gwcore.UserServiceKey{
		ID: "svc2", ProviderTypeID: "gemini", APIKey: "clientkey2",
		ProviderKeyIDs: []string{"pk2"}, IsActive: true,
	}
	r := newTestResolver(st)

	req := httptest.NewRequest(http.MethodPost, "/v1beta/models/gemini-2.5-pro:generateContent", nil)
	req.Header.Set("x-goog-api-key", "clientkey2")

	rc, err := r.Resolve(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if rc.Credential.Kind != gwcore.CredentialOAuthToken || rc.Credential.Value != "tok" {
		t.Fatalf("credential = %+v", rc.Credential)
	}
}

func TestResolve_OAuthSessionExpiredMarksUnhealthy(t *testing.T) {
	t.Parallel()
	st := storetest.New()
	st.ProviderTypes["gemini"] = gwcore.ProviderType{ID: "gemini", Name: "gemini"}
	st.ProviderKeys["pk2"] = gwcore.UserProviderKey{
		ID: "pk2", ProviderTypeID: "gemini", AuthType: gwcore.AuthTypeOAuth,
		APIKey: "sess-abc", IsActive: true, HealthStatus: gwcore.HealthHealthy,
	}
	st.OAuthSessions["sess-abc"] = gwcore.OAuthSession{
		SessionID: "sess-abc", Status: "completed", AccessToken: "tok",
		ExpiresAt: time.Now().Add(-time.Minute),
	}
	st.ServiceKeys["clientkey2"] = gwcore.UserServiceKey{
		ID: "svc2", ProviderTypeID: "gemini", APIKey: "clientkey2",
		ProviderKeyIDs: []string{"pk2"}, IsActive: true,
	}
	r := newTestResolver(st)

	req := httptest.NewRequest(http.MethodPost, "/v1beta/models/gemini-2.5-pro:generateContent", nil)
	req.Header.Set("x-goog-api-key", "clientkey2")

	_, err := r.Resolve(context.Background(), req)
	if err != gwcore.ErrOAuthUnavailable {
		t.Fatalf("err = %v, want ErrOAuthUnavailable", err)
	}
	if st.ProviderKeys["pk2"].HealthStatus != gwcore.HealthUnhealthy {
		t.Fatal("expected the oauth-unusable key to be marked unhealthy")
	}
}
