package strategy

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/kestrelproxy/kestrel/internal/gwcore"
)

// codexInstructions is injected into /backend-api/codex/responses requests
// that don't already carry an "instructions" field, grounded verbatim (text
// unchanged) on original_source/.../provider_strategy_openai.rs's
// CODEX_INSTRUCTIONS constant.
const codexInstructions = "You are Codex, based on GPT-5. You are running as a coding agent in the Codex CLI on a user's computer.\n\n## General\n\n- When searching for text or files, prefer using `rg` or `rg --files` respectively because `rg` is much faster than alternatives like `grep`. (If the `rg` command is not found, then use alternatives.)\n\n## Editing constraints\n\n- Default to ASCII when editing or creating files. Only introduce non-ASCII or other Unicode characters when there is a clear justification and the file already uses them.\n- Add succinct code comments that explain what is going on if code is not self-explanatory. You should not add comments like \"Assigns the value to the variable\", but a brief comment might be useful ahead of a complex code block that the user would otherwise have to spend time parsing out. Usage of these comments should be rare.\n- Try to use apply_patch for single file edits, but it is fine to explore other options to make the edit if it does not work well. Do not use apply_patch for changes that are auto"

// openaiStrategy implements the OpenAI/ChatGPT vendor quirks, grounded on
// original_source/.../provider_strategy_openai.rs: codex instructions
// injection, chatgpt-account-id header derived from the OAuth access
// token's JWT claim, 429 resets_in_seconds parsing, and 2xx X-Codex-*
// rate-limit-window header capture.
type openaiStrategy struct {
	BaseStrategy
}

func NewOpenAI() Strategy { return &openaiStrategy{} }

func (s *openaiStrategy) Name() string { return "openai" }

func isCodexResponsesPath(path string) bool {
	return strings.TrimRight(path, "/") == "/backend-api/codex/responses"
}

// SelectUpstreamHost forces chatgpt.com for OAuth-authenticated OpenAI keys
// (§4.4 hook 1), overriding provider_type.base_url.
func (s *openaiStrategy) SelectUpstreamHost(rc *gwcore.RequestContext) (string, bool) {
	if rc.SelectedKey.AuthType == gwcore.AuthTypeOAuth {
		return "chatgpt.com", true
	}
	return "", false
}

func (s *openaiStrategy) ModifyRequest(r *http.Request, rc *gwcore.RequestContext) error {
	if isCodexResponsesPath(r.URL.Path) {
		rc.WillModifyBody = true
	}
	if rc.SelectedKey.AuthType == gwcore.AuthTypeOAuth {
		if accountID, ok := extractChatGPTAccountID(rc.Credential.Value); ok {
			rc.Hints["chatgpt-account-id"] = accountID
			r.Header.Set("chatgpt-account-id", accountID)
		}
	}
	return nil
}

func (s *openaiStrategy) ModifyRequestBodyJSON(path string, body []byte, _ *gwcore.RequestContext) ([]byte, bool, error) {
	if !isCodexResponsesPath(path) {
		return body, false, nil
	}
	var peek map[string]json.RawMessage
	if err := json.Unmarshal(body, &peek); err == nil {
		if _, exists := peek["instructions"]; exists {
			return body, false, nil
		}
	}
	out, err := setJSONString(body, "instructions", codexInstructions)
	if err != nil {
		return body, false, err
	}
	return out, true, nil
}

type openai429Error struct {
	Error struct {
		Type            string `json:"type"`
		Message         string `json:"message"`
		PlanType        string `json:"plan_type"`
		ResetsInSeconds *int64 `json:"resets_in_seconds"`
	} `json:"error"`
}

func (s *openaiStrategy) HandleResponseBody(statusCode int, headers http.Header, body []byte, _ *gwcore.RequestContext) RateLimitSignal {
	switch {
	case statusCode >= 200 && statusCode < 300:
		if snapshot, ok := rateLimitSnapshotFromHeaders(headers); ok {
			return RateLimitSignal{UpdateDetail: true, Detail: snapshot}
		}
		return RateLimitSignal{}
	case statusCode == http.StatusTooManyRequests:
		var parsed openai429Error
		if err := json.Unmarshal(body, &parsed); err != nil {
			return RateLimitSignal{}
		}
		detail, _ := json.Marshal(parsed.Error)
		sig := RateLimitSignal{RateLimited: true, Detail: detail}
		if parsed.Error.ResetsInSeconds != nil {
			sig.ResetsAt = time.Now().Add(time.Duration(*parsed.Error.ResetsInSeconds) * time.Second)
		}
		return sig
	default:
		return RateLimitSignal{}
	}
}

type rateLimitWindow struct {
	UsedPercent   float64 `json:"used_percent"`
	WindowSeconds *int64  `json:"window_seconds,omitempty"`
	ResetsAt      *int64  `json:"resets_at,omitempty"`
}

func rateLimitSnapshotFromHeaders(headers http.Header) (json.RawMessage, bool) {
	primary := parseRateLimitWindow(headers, "x-codex-primary")
	secondary := parseRateLimitWindow(headers, "x-codex-secondary")
	if primary == nil && secondary == nil {
		return nil, false
	}
	snapshot := struct {
		Primary   *rateLimitWindow `json:"primary,omitempty"`
		Secondary *rateLimitWindow `json:"secondary,omitempty"`
	}{primary, secondary}
	out, err := json.Marshal(snapshot)
	if err != nil {
		return nil, false
	}
	return out, true
}

func parseRateLimitWindow(headers http.Header, prefix string) *rateLimitWindow {
	usedPercent, ok := parseHeaderFloat(headers, prefix+"-used-percent")
	if !ok {
		return nil
	}
	w := &rateLimitWindow{UsedPercent: usedPercent}
	if minutes, ok := parseHeaderInt(headers, prefix+"-window-minutes"); ok {
		seconds := minutes * 60
		w.WindowSeconds = &seconds
	}
	if resetsAt, ok := parseHeaderInt(headers, prefix+"-reset-at"); ok {
		w.ResetsAt = &resetsAt
	}
	return w
}

func parseHeaderFloat(headers http.Header, name string) (float64, bool) {
	v := headers.Get(name)
	if v == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func parseHeaderInt(headers http.Header, name string) (int64, bool) {
	v := headers.Get(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// extractChatGPTAccountID reads the "chatgpt_account_id" claim out of an
// OAuth access token's JWT payload segment. This is a display hint only,
// extracted without signature verification: the core trusts an
// already-validated OAuthSession row and never authorizes on this claim
// (spec §9 open question, resolved per DESIGN.md).
func extractChatGPTAccountID(accessToken string) (string, bool) {
	parts := strings.Split(accessToken, ".")
	if len(parts) != 3 {
		return "", false
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return "", false
	}
	var claims map[string]any
	if err := json.Unmarshal(payload, &claims); err != nil {
		return "", false
	}
	id, ok := claims["chatgpt_account_id"].(string)
	if !ok || id == "" {
		return "", false
	}
	return id, true
}
