package strategy

import (
	"strings"
	"time"

	"github.com/maypok86/otter/v2"
)

// Registry resolves a provider name (as stored on provider_types.name) to
// its Strategy via the case-insensitive substring match
// original_source/.../provider_strategy/mod.rs's ProviderType::from_str
// describes: "openai"/"chatgpt" -> OpenAI, "gemini"/"google" -> Gemini,
// "anthropic"/"claude" -> Anthropic.
type Registry struct {
	openai     Strategy
	gemini     Strategy
	anthropic  Strategy
	cache      *otter.Cache[string, Strategy]
}

// resolutionTTL is deliberately tiny: the provider-name set is closed and
// essentially static, so this cache exists purely to skip the lowercase+
// substring scan on the hot path, not to tolerate stale data.
const resolutionTTL = 5 * time.Minute

// NewRegistry builds the registry with the three built-in strategies.
func NewRegistry() *Registry {
	c := otter.Must(&otter.Options[string, Strategy]{
		MaximumSize:      64,
		ExpiryCalculator: otter.ExpiryWriting[string, Strategy](resolutionTTL),
	})
	return &Registry{
		openai:    NewOpenAI(),
		gemini:    NewGemini(),
		anthropic: NewAnthropic(),
		cache:     c,
	}
}

// Resolve returns the strategy for name, or nil if no vendor family matches.
func (r *Registry) Resolve(name string) Strategy {
	if s, ok := r.cache.GetIfPresent(name); ok {
		if s == nil {
			return nil
		}
		return s
	}
	s := r.match(strings.ToLower(name))
	r.cache.Set(name, s)
	return s
}

func (r *Registry) match(lower string) Strategy {
	switch {
	case strings.Contains(lower, "openai"), strings.Contains(lower, "chatgpt"):
		return r.openai
	case strings.Contains(lower, "gemini"), strings.Contains(lower, "google"):
		return r.gemini
	case strings.Contains(lower, "anthropic"), strings.Contains(lower, "claude"):
		return r.anthropic
	default:
		return nil
	}
}
