package strategy

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kestrelproxy/kestrel/internal/gwcore"
)

func TestOpenAI_CodexResponsesEnablesBodyModifyAndInjectsInstructions(t *testing.T) {
	t.Parallel()
	s := NewOpenAI()
	rc := &gwcore.RequestContext{Hints: map[string]string{}}
	r := httptest.NewRequest(http.MethodPost, "/backend-api/codex/responses", nil)
	if err := s.ModifyRequest(r, rc); err != nil {
		t.Fatal(err)
	}
	if !rc.WillModifyBody {
		t.Fatal("expected WillModifyBody for codex responses path")
	}
	out, modified, err := s.ModifyRequestBodyJSON(r.URL.Path, []byte(`{"model":"gpt-5"}`), rc)
	if err != nil {
		t.Fatal(err)
	}
	if !modified {
		t.Fatal("expected instructions injection")
	}
	if !strings.Contains(string(out), codexInstructions) {
		t.Fatal("instructions text missing")
	}
}

func TestOpenAI_DoesNotOverwriteExistingInstructions(t *testing.T) {
	t.Parallel()
	s := NewOpenAI()
	body := []byte(`{"model":"gpt-5","instructions":"custom"}`)
	out, modified, err := s.ModifyRequestBodyJSON("/backend-api/codex/responses", body, &gwcore.RequestContext{})
	if err != nil {
		t.Fatal(err)
	}
	if modified {
		t.Fatal("should not overwrite a caller-supplied instructions field")
	}
	if string(out) != string(body) {
		t.Fatal("body should be unchanged")
	}
}

func TestOpenAI_NonCodexPathNeverModifiesBody(t *testing.T) {
	t.Parallel()
	s := NewOpenAI()
	out, modified, err := s.ModifyRequestBodyJSON("/v1/chat/completions", []byte(`{"model":"gpt-4o"}`), &gwcore.RequestContext{})
	if err != nil {
		t.Fatal(err)
	}
	if modified || string(out) != `{"model":"gpt-4o"}` {
		t.Fatal("non-codex path must not be rewritten")
	}
}

func TestOpenAI_OAuthSetsHostAndAccountIDHeader(t *testing.T) {
	t.Parallel()
	s := NewOpenAI()
	payload, _ := json.Marshal(map[string]string{"chatgpt_account_id": "acct-123"})
	token := "h." + base64.RawURLEncoding.EncodeToString(payload) + ".s"
	rc := &gwcore.RequestContext{
		SelectedKey: gwcore.UserProviderKey{AuthType: gwcore.AuthTypeOAuth},
		Credential:  gwcore.OAuthTokenCredential(token),
		Hints:       map[string]string{},
	}
	r := httptest.NewRequest(http.MethodPost, "/v1/responses", nil)
	if err := s.ModifyRequest(r, rc); err != nil {
		t.Fatal(err)
	}
	if host, ok := s.SelectUpstreamHost(rc); !ok || host != "chatgpt.com" {
		t.Fatalf("SelectUpstreamHost = %q, %v", host, ok)
	}
	if got := r.Header.Get("chatgpt-account-id"); got != "acct-123" {
		t.Fatalf("chatgpt-account-id = %q", got)
	}
	if rc.Hints["chatgpt-account-id"] != "acct-123" {
		t.Fatal("expected the account id hint to be recorded on the request context")
	}
}

func TestOpenAI_429ParsesResetsInSeconds(t *testing.T) {
	t.Parallel()
	s := NewOpenAI()
	body := []byte(`{"error":{"type":"rate_limit","message":"slow down","resets_in_seconds":120}}`)
	sig := s.HandleResponseBody(http.StatusTooManyRequests, http.Header{}, body, &gwcore.RequestContext{})
	if !sig.RateLimited {
		t.Fatal("expected a rate-limit signal")
	}
	if sig.ResetsAt.IsZero() {
		t.Fatal("expected a non-zero resets_at")
	}
}

func TestOpenAI_2xxCapturesRateLimitWindowHeaders(t *testing.T) {
	t.Parallel()
	s := NewOpenAI()
	h := http.Header{}
	h.Set("x-codex-primary-used-percent", "42.5")
	h.Set("x-codex-primary-window-minutes", "60")
	sig := s.HandleResponseBody(http.StatusOK, h, nil, &gwcore.RequestContext{})
	if sig.RateLimited {
		t.Fatal("2xx must never mark rate-limited")
	}
	if !sig.UpdateDetail || len(sig.Detail) == 0 {
		t.Fatal("expected a detail snapshot from the x-codex-primary-* headers")
	}
}

func TestOpenAI_2xxWithoutHeadersIsNoop(t *testing.T) {
	t.Parallel()
	s := NewOpenAI()
	sig := s.HandleResponseBody(http.StatusOK, http.Header{}, nil, &gwcore.RequestContext{})
	if sig.RateLimited || sig.UpdateDetail {
		t.Fatal("expected a no-op signal when no rate-limit headers are present")
	}
}
