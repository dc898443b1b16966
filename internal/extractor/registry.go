package extractor

import (
	"fmt"

	"github.com/maypok86/otter/v2"

	"github.com/kestrelproxy/kestrel/internal/gwcore"
)

// Compiled is the per-provider-type compiled extractor pair: the token
// mapping and the model-name rule, compiled once from a ProviderType's JSON
// blobs and cached by provider type id (§9 design note).
type Compiled struct {
	Mapping   *Mapping
	ModelRule *ModelRule
}

func compile(pt gwcore.ProviderType) (Compiled, error) {
	mapping, err := CompileMapping(pt.TokenMappingsJSON)
	if err != nil {
		return Compiled{}, fmt.Errorf("extractor: provider %s: %w", pt.ID, err)
	}
	modelRule, err := CompileModelRule(pt.ModelExtractJSON)
	if err != nil {
		return Compiled{}, fmt.Errorf("extractor: provider %s: %w", pt.ID, err)
	}
	return Compiled{Mapping: mapping, ModelRule: modelRule}, nil
}

// Registry caches compiled extractors per provider type id, so the DSL tree
// is built once even though every request re-reads the owning ProviderType.
type Registry struct {
	cache *otter.Cache[string, Compiled]
}

// registryMaxSize bounds the number of distinct provider types cached -- a
// handful per deployment, never request-scaled.
const registryMaxSize = 256

// NewRegistry builds an extractor cache.
func NewRegistry() (*Registry, error) {
	c, err := otter.New(&otter.Options[string, Compiled]{
		MaximumSize: registryMaxSize,
	})
	if err != nil {
		return nil, fmt.Errorf("extractor: create registry cache: %w", err)
	}
	return &Registry{cache: c}, nil
}

// Get returns the compiled extractor for pt, compiling and caching it on
// first use. A change to a provider type's JSON blobs requires a new row id
// or a process restart to take effect -- the same staleness tradeoff the
// gateway's cache package accepts.
func (r *Registry) Get(pt gwcore.ProviderType) (Compiled, error) {
	if c, ok := r.cache.GetIfPresent(pt.ID); ok {
		return c, nil
	}
	c, err := compile(pt)
	if err != nil {
		return Compiled{}, err
	}
	r.cache.Set(pt.ID, c)
	return c, nil
}
