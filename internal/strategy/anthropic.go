package strategy

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/kestrelproxy/kestrel/internal/gwcore"
)

// anthropicStrategy implements the Anthropic/Claude vendor quirks, grounded
// on original_source/.../provider_strategy_claude.rs: host from
// provider_type.base_url, a client-id scrub on /v1/messages and /v1/complete
// bodies, and the supplemental anthropic-version default header (§4.4
// supplemental feature, also present in the base gateway's anthropic client).
type anthropicStrategy struct {
	BaseStrategy
	unifiedClientID string
}

// unifiedClientID replaces every real caller's metadata.user_id client
// segment with this fixed value so no two clients are distinguishable
// upstream, mirroring the Rust strategy's hard-coded replacement id.
const unifiedClientID = "a1b2c3d4e5f6789012345678901234567890abcdef1234567890abcdef123456"

// defaultAnthropicVersion is sent when the client didn't supply one.
const defaultAnthropicVersion = "2023-06-01"

var clientIDPattern = regexp.MustCompile(`^user_[a-f0-9]{64}(_account__session_[a-f0-9-]{36})$`)

func NewAnthropic() Strategy {
	return &anthropicStrategy{unifiedClientID: unifiedClientID}
}

func (s *anthropicStrategy) Name() string { return "anthropic" }

// ModifyRequest relies on the BaseStrategy/Request-transform default for host
// selection (provider_type.base_url); Anthropic has no host override.
func (s *anthropicStrategy) ModifyRequest(r *http.Request, rc *gwcore.RequestContext) error {
	path := r.URL.Path
	if strings.Contains(path, "/v1/messages") || strings.Contains(path, "/v1/complete") {
		rc.WillModifyBody = true
	}
	if r.Header.Get("anthropic-version") == "" {
		r.Header.Set("anthropic-version", defaultAnthropicVersion)
	}
	return nil
}

// ModifyRequestBodyJSON scrubs metadata.user_id per §8's scrub-idempotence
// law: an already-scrubbed id (unifiedClientID in the prefix) still matches
// the pattern and re-scrubs to the same value, so applying it twice is the
// identity.
func (s *anthropicStrategy) ModifyRequestBodyJSON(_ string, body []byte, _ *gwcore.RequestContext) ([]byte, bool, error) {
	userID := gjson.GetBytes(body, "metadata.user_id")
	if !userID.Exists() {
		return body, false, nil
	}
	m := clientIDPattern.FindStringSubmatch(userID.Str)
	if m == nil {
		return body, false, nil
	}
	newID := "user_" + s.unifiedClientID + m[1]
	if newID == userID.Str {
		return body, false, nil
	}
	out, err := setJSONString(body, "metadata.user_id", newID)
	if err != nil {
		return body, false, err
	}
	return out, true, nil
}
