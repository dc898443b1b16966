package transform

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kestrelproxy/kestrel/internal/gwcore"
	"github.com/kestrelproxy/kestrel/internal/strategy"
)

func newRC(provider gwcore.ProviderType, cred gwcore.ResolvedCredential) *gwcore.RequestContext {
	rc := gwcore.NewRequestContext("req-1")
	rc.Provider = provider
	rc.Credential = cred
	return rc
}

func TestRequest_ForcesHostFromProviderBaseURL(t *testing.T) {
	t.Parallel()
	r := httptest.NewRequest(http.MethodPost, "http://client-supplied-host/v1/chat/completions", nil)
	r.Host = "evil.example.com"
	rc := newRC(gwcore.ProviderType{BaseURL: "https://api.openai.com"}, gwcore.APIKeyCredential("sk-1"))

	if err := Request(r, rc, strategy.BaseStrategy{}); err != nil {
		t.Fatal(err)
	}
	if r.Host != "api.openai.com" {
		t.Fatalf("Host = %q", r.Host)
	}
	if r.URL.Scheme != "https" || r.URL.Host != "api.openai.com" {
		t.Fatalf("URL = %v", r.URL)
	}
}

func TestRequest_OAuthCredentialOverridesStrategyAuthHeaders(t *testing.T) {
	t.Parallel()
	r := httptest.NewRequest(http.MethodPost, "/v1beta/models/gemini-2.5-pro:generateContent", nil)
	rc := newRC(gwcore.ProviderType{BaseURL: "https://generativelanguage.googleapis.com"}, gwcore.OAuthTokenCredential("oauth-tok"))

	if err := Request(r, rc, strategy.NewGemini()); err != nil {
		t.Fatal(err)
	}
	if got := r.Header.Get("Authorization"); got != "Bearer oauth-tok" {
		t.Fatalf("Authorization = %q", got)
	}
}

func TestRequest_StripsClientAuthAndProxyHeaders(t *testing.T) {
	t.Parallel()
	r := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	r.Header.Set("Authorization", "Bearer client-key")
	r.Header.Set("X-Forwarded-For", "1.2.3.4")
	r.Header.Set("Via", "1.1 proxy")
	rc := newRC(gwcore.ProviderType{BaseURL: "https://api.openai.com"}, gwcore.APIKeyCredential("sk-real"))

	if err := Request(r, rc, strategy.BaseStrategy{}); err != nil {
		t.Fatal(err)
	}
	if got := r.Header.Get("Authorization"); got != "Bearer sk-real" {
		t.Fatalf("Authorization = %q", got)
	}
	if r.Header.Get("X-Forwarded-For") != "" || r.Header.Get("Via") != "" {
		t.Fatal("expected proxy-identifying headers stripped")
	}
}

func TestRequest_DefaultsUserAgentAndAccept(t *testing.T) {
	t.Parallel()
	r := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	rc := newRC(gwcore.ProviderType{BaseURL: "https://api.openai.com"}, gwcore.APIKeyCredential("sk"))

	if err := Request(r, rc, strategy.BaseStrategy{}); err != nil {
		t.Fatal(err)
	}
	if r.Header.Get("User-Agent") == "" {
		t.Fatal("expected a default User-Agent")
	}
	if r.Header.Get("Accept") != "*/*" {
		t.Fatalf("Accept = %q", r.Header.Get("Accept"))
	}
}

func TestRequest_RemovesContentLengthWhenBodyWillBeModified(t *testing.T) {
	t.Parallel()
	r := httptest.NewRequest(http.MethodPost, "/backend-api/codex/responses", nil)
	r.Header.Set("Content-Length", "42")
	rc := newRC(gwcore.ProviderType{BaseURL: "https://chatgpt.com"}, gwcore.APIKeyCredential("sk"))
	rc.WillModifyBody = true

	if err := Request(r, rc, strategy.BaseStrategy{}); err != nil {
		t.Fatal(err)
	}
	if r.Header.Get("Content-Length") != "" {
		t.Fatal("expected Content-Length removed when the body will be rewritten")
	}
}

func TestRequest_SetsZeroContentLengthForBodylessPost(t *testing.T) {
	t.Parallel()
	r := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	rc := newRC(gwcore.ProviderType{BaseURL: "https://api.openai.com"}, gwcore.APIKeyCredential("sk"))

	if err := Request(r, rc, strategy.BaseStrategy{}); err != nil {
		t.Fatal(err)
	}
	if r.Header.Get("Content-Length") != "0" {
		t.Fatalf("Content-Length = %q", r.Header.Get("Content-Length"))
	}
}

func TestRequest_OpenAIOAuthHostOverride(t *testing.T) {
	t.Parallel()
	r := httptest.NewRequest(http.MethodPost, "/v1/responses", nil)
	rc := newRC(gwcore.ProviderType{BaseURL: "https://api.openai.com"}, gwcore.OAuthTokenCredential("tok"))
	rc.SelectedKey = gwcore.UserProviderKey{AuthType: gwcore.AuthTypeOAuth}
	rc.Hints = map[string]string{}

	if err := Request(r, rc, strategy.NewOpenAI()); err != nil {
		t.Fatal(err)
	}
	if r.Host != "chatgpt.com" || r.URL.Host != "chatgpt.com" {
		t.Fatalf("Host = %q, URL.Host = %q", r.Host, r.URL.Host)
	}
	if r.URL.Scheme != "https" {
		t.Fatalf("scheme = %q", r.URL.Scheme)
	}
}
