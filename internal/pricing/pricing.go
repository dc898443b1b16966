// Package pricing evaluates a tiered per-token price table against a usage
// result (§3 PricingRow/PricingTier, §4.8 step 6), adapted from the shape of
// original_source's pricing tier walk -- the base gateway has no equivalent
// beyond a flat-rate placeholder.
package pricing

import (
	"context"

	"github.com/kestrelproxy/kestrel/internal/gwcore"
	"github.com/kestrelproxy/kestrel/internal/store"
)

// Result is the outcome of one pricing evaluation.
type Result struct {
	CostUSD      float64
	Currency     string
	UsedFallback bool
}

// Evaluator computes cost from a CredentialStore's pricing tables.
type Evaluator struct {
	store store.CredentialStore
}

func NewEvaluator(s store.CredentialStore) *Evaluator {
	return &Evaluator{store: s}
}

// Evaluate loads the pricing row for (providerTypeID, model) and sums the
// tiered cost of usage. Missing row or missing tiers is not an error: it is
// the documented zero-cost fallback (§4.8 step 6, §8 boundary behavior).
func (e *Evaluator) Evaluate(ctx context.Context, providerTypeID, model string, usage gwcore.TokenUsageMetrics) Result {
	row, err := e.store.GetPricing(ctx, providerTypeID, model)
	if err != nil || len(row.Tiers) == 0 {
		return Result{CostUSD: 0, Currency: "USD", UsedFallback: true}
	}

	usage = usage.Normalize()
	var total float64
	for _, tokenType := range []string{"prompt", "completion", "cache_create", "cache_read"} {
		count := tokenCount(usage, tokenType)
		if count == 0 {
			continue
		}
		total += evaluateTiers(row.Tiers, tokenType, count)
	}
	return Result{CostUSD: total, Currency: row.Currency, UsedFallback: false}
}

func tokenCount(usage gwcore.TokenUsageMetrics, tokenType string) int64 {
	deref := func(p *uint64) int64 {
		if p == nil {
			return 0
		}
		return int64(*p)
	}
	switch tokenType {
	case "prompt":
		return deref(usage.PromptTokens)
	case "completion":
		return deref(usage.CompletionTokens)
	case "cache_create":
		return deref(usage.CacheCreateTokens)
	case "cache_read":
		return deref(usage.CacheReadTokens)
	default:
		return 0
	}
}

// evaluateTiers filters tiers to tokenType, walks them in min_tokens order
// (the store already sorts on read), and sums clamp(n, min, max)-min per
// tier (§4.8 step 6's tier-walk rule).
func evaluateTiers(tiers []gwcore.PricingTier, tokenType string, n int64) float64 {
	var cost float64
	for _, t := range tiers {
		if t.TokenType != tokenType {
			continue
		}
		inTier := clampTier(n, t.MinTokens, t.MaxTokens) - t.MinTokens
		if inTier <= 0 {
			continue
		}
		cost += float64(inTier) * t.PricePerToken
	}
	return cost
}

func clampTier(n, min int64, max *int64) int64 {
	v := n
	if v < min {
		v = min
	}
	if max != nil && v > *max {
		v = *max
	}
	return v
}
