// Package gwcore defines the domain types shared by every component of the
// proxy core. It has no project imports -- it is the dependency root, the
// same role internal/gateway.go played in the base gateway.
package gwcore

import (
	"encoding/json"
	"time"
)

// AuthType is how a provider or a provider key authenticates upstream.
type AuthType string

const (
	AuthTypeAPIKey AuthType = "api_key"
	AuthTypeOAuth  AuthType = "oauth"
)

// HealthStatus is the per-key health state machine's current state (§4.2).
type HealthStatus string

const (
	HealthHealthy     HealthStatus = "healthy"
	HealthRateLimited HealthStatus = "rate_limited"
	HealthUnhealthy   HealthStatus = "unhealthy"
)

// SchedulingStrategy names a Key Scheduler algorithm (§4.3).
type SchedulingStrategy string

const (
	StrategyRoundRobin SchedulingStrategy = "round_robin"
	StrategyWeighted   SchedulingStrategy = "weighted"
	StrategyHealthBest SchedulingStrategy = "health_best"
)

// ProviderType is a supported upstream vendor (§3).
type ProviderType struct {
	ID                string
	Name              string
	DisplayName       string
	AuthType          AuthType
	BaseURL           string
	TokenMappingsJSON json.RawMessage
	ModelExtractJSON  json.RawMessage
	AuthConfigsJSON   json.RawMessage
	IsActive          bool
}

// UserServiceKey is the key a client presents (§3).
type UserServiceKey struct {
	ID               string
	UserID           string
	ProviderTypeID   string
	APIKey           string
	ProviderKeyIDs   []string
	Strategy         SchedulingStrategy
	RetryBudget      int
	TimeoutSeconds   int
	IsActive         bool
}

// UserProviderKey is one upstream credential slot (§3).
type UserProviderKey struct {
	ID                 string
	UserID             string
	ProviderTypeID     string
	AuthType           AuthType
	APIKey             string // raw key, or an OAuthSession id when AuthType == oauth
	Weight             int
	PerMinuteQuota     int
	PerDayQuota        int
	IsActive           bool
	HealthStatus       HealthStatus
	RateLimitResetsAt  *time.Time
	LastErrorTime      *time.Time
	HealthStatusDetail json.RawMessage
	ProjectID          string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Eligible reports whether the key may be returned by the scheduler right now
// (§4.2 invariant): never unhealthy, never rate_limited with a future reset.
func (k UserProviderKey) Eligible(now time.Time) bool {
	if !k.IsActive {
		return false
	}
	switch k.HealthStatus {
	case HealthUnhealthy:
		return false
	case HealthRateLimited:
		return k.RateLimitResetsAt == nil || !k.RateLimitResetsAt.After(now)
	default:
		return true
	}
}

// OAuthSession is a completed OAuth grant (§3).
type OAuthSession struct {
	SessionID    string
	UserID       string
	ProviderName string
	Status       string // "pending" | "completed" | "failed"
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// IsUsable implements the §3 invariant the core relies on: completed status,
// non-empty access token, and a strict expires_at > now check.
func (s OAuthSession) IsUsable(now time.Time) bool {
	return s.Status == "completed" && s.AccessToken != "" && s.ExpiresAt.After(now)
}

// CredentialKind distinguishes the two ResolvedCredential variants.
type CredentialKind int

const (
	CredentialAPIKey CredentialKind = iota
	CredentialOAuthToken
)

// ResolvedCredential is the in-memory sum type the Auth Resolver produces
// (§3): either a raw API key or an OAuth access token.
type ResolvedCredential struct {
	Kind  CredentialKind
	Value string
}

func APIKeyCredential(key string) ResolvedCredential {
	return ResolvedCredential{Kind: CredentialAPIKey, Value: key}
}

func OAuthTokenCredential(token string) ResolvedCredential {
	return ResolvedCredential{Kind: CredentialOAuthToken, Value: token}
}

// PricingTier is one band of a tiered per-token price (§3, §4.8).
type PricingTier struct {
	TokenType    string // "prompt" | "completion" | "cache_create" | "cache_read"
	MinTokens    int64
	MaxTokens    *int64 // nil = unbounded
	PricePerToken float64
}

// PricingRow is the per (provider_type, model) pricing record (§3).
type PricingRow struct {
	ID             string
	ProviderTypeID string
	ModelName      string
	Currency       string
	Tiers          []PricingTier
}

// TokenUsageMetrics holds the five optional counters the extractor produces
// and the normalization rule from §3.
type TokenUsageMetrics struct {
	PromptTokens     *uint64
	CompletionTokens *uint64
	TotalTokens      *uint64
	CacheCreateTokens *uint64
	CacheReadTokens   *uint64
}

// Normalize applies the §3 normalization rule: absent prompt/completion
// default to 0; absent total defaults to prompt+completion. It returns a new
// value; the receiver is not mutated.
func (m TokenUsageMetrics) Normalize() TokenUsageMetrics {
	zero := uint64(0)
	prompt := zero
	if m.PromptTokens != nil {
		prompt = *m.PromptTokens
	}
	completion := zero
	if m.CompletionTokens != nil {
		completion = *m.CompletionTokens
	}
	total := prompt + completion
	if m.TotalTokens != nil && *m.TotalTokens > total {
		total = *m.TotalTokens
	}
	out := m
	out.PromptTokens = &prompt
	out.CompletionTokens = &completion
	out.TotalTokens = &total
	return out
}

// Add sums two usage sets coordinatewise, used by the SSE per-event
// accumulation in the Stats Collector (§4.7) and the pricing zero-sum law
// (§8).
func (m TokenUsageMetrics) Add(o TokenUsageMetrics) TokenUsageMetrics {
	add := func(a, b *uint64) *uint64 {
		if a == nil && b == nil {
			return nil
		}
		var av, bv uint64
		if a != nil {
			av = *a
		}
		if b != nil {
			bv = *b
		}
		sum := av + bv
		return &sum
	}
	return TokenUsageMetrics{
		PromptTokens:      add(m.PromptTokens, o.PromptTokens),
		CompletionTokens:  add(m.CompletionTokens, o.CompletionTokens),
		TotalTokens:       add(m.TotalTokens, o.TotalTokens),
		CacheCreateTokens: add(m.CacheCreateTokens, o.CacheCreateTokens),
		CacheReadTokens:   add(m.CacheReadTokens, o.CacheReadTokens),
	}
}

// UsageRecord is the final hand-off to the external sink (§4.7 step 7).
type UsageRecord struct {
	RequestID  string
	UserID     string
	Model      string
	Usage      TokenUsageMetrics
	CostUSD    float64
	Currency   string
	UsedFallback bool
	StatusCode int
	DurationMs int64
	CreatedAt  time.Time
}
