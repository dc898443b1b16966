package extractor

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/kestrelproxy/kestrel/internal/gwcore"
)

// Mapping is the compiled token_mappings_json blob: one optional node per
// field in FieldNames.
type Mapping struct {
	TokensPrompt      *Node
	TokensCompletion  *Node
	TokensTotal       *Node
	CacheCreateTokens *Node
	CacheReadTokens   *Node
}

// CompileMapping parses a provider's token_mappings_json (§3, §4.8).
func CompileMapping(raw json.RawMessage) (*Mapping, error) {
	if len(raw) == 0 {
		return &Mapping{}, nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("extractor: decode token_mappings_json: %w", err)
	}
	m := &Mapping{}
	var err error
	if m.TokensPrompt, err = Compile(fields["tokens_prompt"]); err != nil {
		return nil, err
	}
	if m.TokensCompletion, err = Compile(fields["tokens_completion"]); err != nil {
		return nil, err
	}
	if m.TokensTotal, err = Compile(fields["tokens_total"]); err != nil {
		return nil, err
	}
	if m.CacheCreateTokens, err = Compile(fields["cache_create_tokens"]); err != nil {
		return nil, err
	}
	if m.CacheReadTokens, err = Compile(fields["cache_read_tokens"]); err != nil {
		return nil, err
	}
	return m, nil
}

func toUint64Ptr(v float64, ok bool) *uint64 {
	if !ok || v < 0 {
		return nil
	}
	u := uint64(v)
	return &u
}

// Extract evaluates the compiled mapping against one JSON document and
// returns the raw (un-normalized) usage. Normalize() must be applied by the
// caller per §3 / §8's normalize law.
func (m *Mapping) Extract(data []byte) gwcore.TokenUsageMetrics {
	j := gjson.ParseBytes(data)
	return gwcore.TokenUsageMetrics{
		PromptTokens:      toUint64Ptr(m.TokensPrompt.Eval(j)),
		CompletionTokens:  toUint64Ptr(m.TokensCompletion.Eval(j)),
		TotalTokens:       toUint64Ptr(m.TokensTotal.Eval(j)),
		CacheCreateTokens: toUint64Ptr(m.CacheCreateTokens.Eval(j)),
		CacheReadTokens:   toUint64Ptr(m.CacheReadTokens.Eval(j)),
	}
}
