package config

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kestrelproxy/kestrel/internal/gwcore"
)

// seedWriter is the subset of sqlite.Store Bootstrap needs. Scoped narrowly
// rather than importing internal/store/sqlite directly, so this file only
// depends on what it actually calls and tests can fake it.
type seedWriter interface {
	UpsertProviderType(ctx context.Context, p gwcore.ProviderType) (string, error)
	UpsertProviderKey(ctx context.Context, k gwcore.UserProviderKey) (string, error)
	UpsertServiceKey(ctx context.Context, k gwcore.UserServiceKey) error
	UpsertOAuthSession(ctx context.Context, sess gwcore.OAuthSession) error
	UpsertPricing(ctx context.Context, row gwcore.PricingRow) error
}

// Bootstrap seeds a fresh (or already-seeded) database from cfg.Seed. Every
// Upsert* call is idempotent keyed on its natural key, so running Bootstrap
// on every process start is safe -- the same role the base gateway's
// config.Bootstrap played seeding providers/routes/keys, retargeted to this
// project's provider-type/provider-key/service-key/oauth-session/pricing
// rows (§3, §6).
func Bootstrap(ctx context.Context, cfg *Config, store seedWriter) error {
	providerTypeIDs := make(map[string]string, len(cfg.Seed.ProviderTypes))
	for _, pt := range cfg.Seed.ProviderTypes {
		id, err := store.UpsertProviderType(ctx, pt.ToProviderType())
		if err != nil {
			return fmt.Errorf("bootstrap provider type %q: %w", pt.Name, err)
		}
		providerTypeIDs[pt.Name] = id
		slog.Info("bootstrapped provider type", "name", pt.Name)
	}

	providerKeyIDs := make([]string, len(cfg.Seed.ProviderKeys))
	for i, pk := range cfg.Seed.ProviderKeys {
		if pk.APIKey == "" {
			continue
		}
		ptID, ok := providerTypeIDs[pk.ProviderType]
		if !ok {
			return fmt.Errorf("bootstrap provider key %d: unknown provider type %q", i, pk.ProviderType)
		}
		authType := gwcore.AuthTypeAPIKey
		if pk.AuthType == string(gwcore.AuthTypeOAuth) {
			authType = gwcore.AuthTypeOAuth
		}
		id, err := store.UpsertProviderKey(ctx, gwcore.UserProviderKey{
			UserID:         pk.UserID,
			ProviderTypeID: ptID,
			AuthType:       authType,
			APIKey:         pk.APIKey,
			Weight:         pk.Weight,
			PerMinuteQuota: pk.PerMinuteQuota,
			PerDayQuota:    pk.PerDayQuota,
			ProjectID:      pk.ProjectID,
			IsActive:       true,
		})
		if err != nil {
			return fmt.Errorf("bootstrap provider key %d: %w", i, err)
		}
		providerKeyIDs[i] = id
	}

	for i, sk := range cfg.Seed.ServiceKeys {
		if sk.APIKey == "" {
			continue
		}
		ptID, ok := providerTypeIDs[sk.ProviderType]
		if !ok {
			return fmt.Errorf("bootstrap service key %d: unknown provider type %q", i, sk.ProviderType)
		}
		pool := make([]string, 0, len(sk.ProviderKeys))
		for _, idx := range sk.ProviderKeys {
			if idx < 0 || idx >= len(providerKeyIDs) || providerKeyIDs[idx] == "" {
				return fmt.Errorf("bootstrap service key %d: invalid provider key index %d", i, idx)
			}
			pool = append(pool, providerKeyIDs[idx])
		}
		strategy := gwcore.SchedulingStrategy(sk.Strategy)
		if strategy == "" {
			strategy = gwcore.StrategyRoundRobin
		}
		if err := store.UpsertServiceKey(ctx, gwcore.UserServiceKey{
			UserID:         sk.UserID,
			ProviderTypeID: ptID,
			APIKey:         sk.APIKey,
			ProviderKeyIDs: pool,
			Strategy:       strategy,
			RetryBudget:    sk.RetryBudget,
			TimeoutSeconds: sk.TimeoutSeconds,
			IsActive:       true,
		}); err != nil {
			return fmt.Errorf("bootstrap service key %d: %w", i, err)
		}
		slog.Info("bootstrapped service key", "provider_type", sk.ProviderType, "pool_size", len(pool))
	}

	for i, sess := range cfg.Seed.OAuthSessions {
		if err := store.UpsertOAuthSession(ctx, gwcore.OAuthSession{
			SessionID:    sess.SessionID,
			UserID:       sess.UserID,
			ProviderName: sess.ProviderName,
			Status:       sess.Status,
			AccessToken:  sess.AccessToken,
			RefreshToken: sess.RefreshToken,
			ExpiresAt:    sess.ExpiresAt,
		}); err != nil {
			return fmt.Errorf("bootstrap oauth session %d: %w", i, err)
		}
	}

	for i, p := range cfg.Seed.Pricing {
		ptID, ok := providerTypeIDs[p.ProviderType]
		if !ok {
			return fmt.Errorf("bootstrap pricing %d: unknown provider type %q", i, p.ProviderType)
		}
		tiers := make([]gwcore.PricingTier, len(p.Tiers))
		for j, t := range p.Tiers {
			tiers[j] = gwcore.PricingTier{
				TokenType:     t.TokenType,
				MinTokens:     t.MinTokens,
				MaxTokens:     t.MaxTokens,
				PricePerToken: t.PricePerToken,
			}
		}
		currency := p.Currency
		if currency == "" {
			currency = "USD"
		}
		if err := store.UpsertPricing(ctx, gwcore.PricingRow{
			ProviderTypeID: ptID,
			ModelName:      p.ModelName,
			Currency:       currency,
			Tiers:          tiers,
		}); err != nil {
			return fmt.Errorf("bootstrap pricing %d: %w", i, err)
		}
	}

	return nil
}
