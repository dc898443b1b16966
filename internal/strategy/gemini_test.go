package strategy

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kestrelproxy/kestrel/internal/gwcore"
)

func TestGemini_InjectsProjectForGenerateContent(t *testing.T) {
	t.Parallel()
	s := NewGemini()
	rc := &gwcore.RequestContext{
		Provider:    gwcore.ProviderType{BaseURL: "cloudcode-pa.googleapis.com"},
		SelectedKey: gwcore.UserProviderKey{AuthType: gwcore.AuthTypeOAuth, ProjectID: "p-7"},
	}
	r := httptest.NewRequest(http.MethodPost, "/v1beta/models/gemini-2.5-pro:generateContent", nil)
	if err := s.ModifyRequest(r, rc); err != nil {
		t.Fatal(err)
	}
	if !rc.WillModifyBody {
		t.Fatal("expected WillModifyBody for generateContent path")
	}
	out, modified, err := s.ModifyRequestBodyJSON(r.URL.Path, []byte(`{"contents":[]}`), rc)
	if err != nil {
		t.Fatal(err)
	}
	if !modified {
		t.Fatal("expected project injection")
	}
	if !jsonContains(out, `"project":"p-7"`) {
		t.Fatalf("got %s", out)
	}
}

func TestGemini_NoInjectionForAPIKeyAuth(t *testing.T) {
	t.Parallel()
	s := NewGemini()
	rc := &gwcore.RequestContext{
		Provider:    gwcore.ProviderType{BaseURL: "generativelanguage.googleapis.com"},
		SelectedKey: gwcore.UserProviderKey{AuthType: gwcore.AuthTypeAPIKey},
	}
	r := httptest.NewRequest(http.MethodPost, "/v1beta/models/gemini-2.5-pro:generateContent", nil)
	if err := s.ModifyRequest(r, rc); err != nil {
		t.Fatal(err)
	}
	if rc.WillModifyBody {
		t.Fatal("api_key auth should never trigger body injection")
	}
}

func TestGemini_LoadCodeAssistInjectsBothFields(t *testing.T) {
	t.Parallel()
	s := NewGemini()
	rc := &gwcore.RequestContext{
		SelectedKey: gwcore.UserProviderKey{AuthType: gwcore.AuthTypeOAuth, ProjectID: "proj-123"},
	}
	out, modified, err := s.ModifyRequestBodyJSON("/v1internal:loadCodeAssist", []byte(`{}`), rc)
	if err != nil {
		t.Fatal(err)
	}
	if !modified {
		t.Fatal("expected loadCodeAssist injection")
	}
	if !jsonContains(out, `"cloudaicompanionProject":"proj-123"`) || !jsonContains(out, `"duetProject":"proj-123"`) {
		t.Fatalf("got %s", out)
	}
}

func TestGemini_BuildAuthHeadersSetsBothForms(t *testing.T) {
	t.Parallel()
	s := NewGemini()
	rc := &gwcore.RequestContext{Credential: gwcore.OAuthTokenCredential("tok")}
	h := s.BuildAuthHeaders(rc)
	if h.Get("Authorization") != "Bearer tok" || h.Get("X-goog-api-key") != "tok" {
		t.Fatalf("headers = %v", h)
	}
}

func jsonContains(buf []byte, sub string) bool {
	return strings.Contains(string(buf), sub)
}
