package strategy

import (
	"net/http"
	"strings"

	"github.com/kestrelproxy/kestrel/internal/gwcore"
)

// geminiStrategy implements the Gemini/Google OAuth project-injection quirk,
// grounded on original_source/.../provider_strategy_gemini.rs: host from
// provider_type.base_url, and a `project` (or `cloudaicompanionProject` +
// `metadata.duetProject` for loadCodeAssist) field injected into the JSON
// body only for OAuth-authenticated keys carrying a non-empty project id.
type geminiStrategy struct {
	BaseStrategy
}

func NewGemini() Strategy { return &geminiStrategy{} }

func (s *geminiStrategy) Name() string { return "gemini" }

// ModifyRequest relies on the BaseStrategy/Request-transform default for
// host selection (provider_type.base_url); Gemini has no host override, only
// the OAuth project-injection body rewrite.
func (s *geminiStrategy) ModifyRequest(r *http.Request, rc *gwcore.RequestContext) error {
	if rc.SelectedKey.AuthType != gwcore.AuthTypeOAuth || rc.SelectedKey.ProjectID == "" {
		return nil
	}
	path := r.URL.Path
	needGenerate := strings.Contains(path, "streamGenerateContent") || strings.Contains(path, "generateContent")
	needLoad := strings.Contains(path, "loadCodeAssist")
	rc.WillModifyBody = needGenerate || needLoad
	return nil
}

func (s *geminiStrategy) ModifyRequestBodyJSON(path string, body []byte, rc *gwcore.RequestContext) ([]byte, bool, error) {
	if rc.SelectedKey.AuthType != gwcore.AuthTypeOAuth {
		return body, false, nil
	}
	projectID := rc.SelectedKey.ProjectID
	if projectID == "" {
		return body, false, nil
	}

	if strings.Contains(path, "loadCodeAssist") {
		out, err := setJSONString(body, "cloudaicompanionProject", projectID)
		if err != nil {
			return body, false, err
		}
		out, err = setJSONString(out, "metadata.duetProject", projectID)
		if err != nil {
			return body, false, err
		}
		return out, true, nil
	}

	if !rc.WillModifyBody {
		return body, false, nil
	}
	out, err := setJSONString(body, "project", projectID)
	if err != nil {
		return body, false, err
	}
	return out, true, nil
}

// BuildAuthHeaders sets both Bearer and X-goog-api-key per §6 scenario 2:
// Gemini accepts either. The Request Transform does not call this for OAuth
// credentials; those get a Bearer header only.
func (s *geminiStrategy) BuildAuthHeaders(rc *gwcore.RequestContext) http.Header {
	h := make(http.Header)
	h.Set("Authorization", "Bearer "+rc.Credential.Value)
	h.Set("X-goog-api-key", rc.Credential.Value)
	return h
}
