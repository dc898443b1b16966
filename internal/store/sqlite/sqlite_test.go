package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/kestrelproxy/kestrel/internal/gwcore"
	"github.com/kestrelproxy/kestrel/internal/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := t.TempDir() + "/test.db"
	s, err := New(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestServiceKeyAndProviderKeyRoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	ptID, err := s.UpsertProviderType(ctx, gwcore.ProviderType{
		Name:        "openai",
		DisplayName: "OpenAI",
		AuthType:    gwcore.AuthTypeAPIKey,
		BaseURL:     "https://api.openai.com",
	})
	if err != nil {
		t.Fatal("upsert provider type:", err)
	}

	pkID, err := s.UpsertProviderKey(ctx, gwcore.UserProviderKey{
		UserID:         "user-1",
		ProviderTypeID: ptID,
		AuthType:       gwcore.AuthTypeAPIKey,
		APIKey:         "sk-upstream",
		Weight:         5,
	})
	if err != nil {
		t.Fatal("upsert provider key:", err)
	}

	if err := s.UpsertServiceKey(ctx, gwcore.UserServiceKey{
		UserID:         "user-1",
		ProviderTypeID: ptID,
		APIKey:         "kestrel-client-key",
		ProviderKeyIDs: []string{pkID},
		Strategy:       gwcore.StrategyRoundRobin,
		RetryBudget:    2,
		TimeoutSeconds: 30,
	}); err != nil {
		t.Fatal("upsert service key:", err)
	}

	svcKey, err := s.GetServiceKeyByAPIKey(ctx, "kestrel-client-key")
	if err != nil {
		t.Fatal("get service key:", err)
	}
	if svcKey.ProviderTypeID != ptID {
		t.Errorf("provider type id = %q, want %q", svcKey.ProviderTypeID, ptID)
	}
	if len(svcKey.ProviderKeyIDs) != 1 || svcKey.ProviderKeyIDs[0] != pkID {
		t.Errorf("provider key ids = %v, want [%q]", svcKey.ProviderKeyIDs, pkID)
	}

	keys, err := s.GetProviderKeysByIDs(ctx, svcKey.ProviderKeyIDs)
	if err != nil {
		t.Fatal("get provider keys:", err)
	}
	if len(keys) != 1 {
		t.Fatalf("len(keys) = %d, want 1", len(keys))
	}
	if keys[0].Weight != 5 {
		t.Errorf("weight = %d, want 5", keys[0].Weight)
	}
	if keys[0].HealthStatus != gwcore.HealthHealthy {
		t.Errorf("health status = %q, want healthy", keys[0].HealthStatus)
	}

	pt, err := s.GetProviderType(ctx, ptID)
	if err != nil {
		t.Fatal("get provider type:", err)
	}
	if pt.Name != "openai" {
		t.Errorf("name = %q, want openai", pt.Name)
	}

	_, err = s.GetServiceKeyByAPIKey(ctx, "nonexistent")
	if err != store.ErrNotFound {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestGetProviderKeysByIDsPreservesPoolOrder(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	ptID, err := s.UpsertProviderType(ctx, gwcore.ProviderType{
		Name:        "openai",
		DisplayName: "OpenAI",
		AuthType:    gwcore.AuthTypeAPIKey,
		BaseURL:     "https://api.openai.com",
	})
	if err != nil {
		t.Fatal("upsert provider type:", err)
	}

	// Insert in the reverse of the pool order the service key will declare,
	// so a bug that falls back to row/rowid order would be caught.
	var ids [3]string
	for i := 2; i >= 0; i-- {
		id, err := s.UpsertProviderKey(ctx, gwcore.UserProviderKey{
			UserID:         "user-1",
			ProviderTypeID: ptID,
			AuthType:       gwcore.AuthTypeAPIKey,
			APIKey:         "sk-upstream-" + string(rune('a'+i)),
			Weight:         1,
		})
		if err != nil {
			t.Fatal("upsert provider key:", err)
		}
		ids[i] = id
	}

	keys, err := s.GetProviderKeysByIDs(ctx, ids[:])
	if err != nil {
		t.Fatal("get provider keys:", err)
	}
	if len(keys) != len(ids) {
		t.Fatalf("len(keys) = %d, want %d", len(keys), len(ids))
	}
	for i, k := range keys {
		if k.ID != ids[i] {
			t.Errorf("keys[%d].ID = %q, want %q (pool order %v)", i, k.ID, ids[i], ids)
		}
	}
}

func TestUpdateKeyHealth(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	ptID, err := s.UpsertProviderType(ctx, gwcore.ProviderType{
		Name: "anthropic", AuthType: gwcore.AuthTypeAPIKey, BaseURL: "https://api.anthropic.com",
	})
	if err != nil {
		t.Fatal(err)
	}
	pkID, err := s.UpsertProviderKey(ctx, gwcore.UserProviderKey{
		UserID: "user-1", ProviderTypeID: ptID, AuthType: gwcore.AuthTypeAPIKey, APIKey: "sk-ant",
	})
	if err != nil {
		t.Fatal(err)
	}

	resetsAt := time.Now().Add(time.Minute).UTC().Truncate(time.Second)
	detail := []byte(`{"reason":"429"}`)
	if err := s.UpdateKeyHealth(ctx, pkID, gwcore.HealthRateLimited, &resetsAt, detail); err != nil {
		t.Fatal("update health:", err)
	}

	keys, err := s.GetProviderKeysByIDs(ctx, []string{pkID})
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 1 {
		t.Fatalf("len(keys) = %d, want 1", len(keys))
	}
	got := keys[0]
	if got.HealthStatus != gwcore.HealthRateLimited {
		t.Errorf("health status = %q, want rate_limited", got.HealthStatus)
	}
	if got.RateLimitResetsAt == nil || !got.RateLimitResetsAt.Equal(resetsAt) {
		t.Errorf("resets at = %v, want %v", got.RateLimitResetsAt, resetsAt)
	}
	if string(got.HealthStatusDetail) != string(detail) {
		t.Errorf("detail = %s, want %s", got.HealthStatusDetail, detail)
	}
}

func TestOAuthSessionRoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	expires := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	if err := s.UpsertOAuthSession(ctx, gwcore.OAuthSession{
		SessionID:    "sess-1",
		UserID:       "user-1",
		ProviderName: "anthropic",
		Status:       "completed",
		AccessToken:  "tok-abc",
		RefreshToken: "refresh-abc",
		ExpiresAt:    expires,
	}); err != nil {
		t.Fatal("upsert oauth session:", err)
	}

	got, err := s.GetOAuthSession(ctx, "sess-1")
	if err != nil {
		t.Fatal("get oauth session:", err)
	}
	if !got.IsUsable(time.Now()) {
		t.Error("session should be usable")
	}
	if got.AccessToken != "tok-abc" {
		t.Errorf("access token = %q, want tok-abc", got.AccessToken)
	}
}

func TestPricingRoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	ptID, err := s.UpsertProviderType(ctx, gwcore.ProviderType{
		Name: "openai", AuthType: gwcore.AuthTypeAPIKey, BaseURL: "https://api.openai.com",
	})
	if err != nil {
		t.Fatal(err)
	}

	maxTokens := int64(1_000_000)
	if err := s.UpsertPricing(ctx, gwcore.PricingRow{
		ProviderTypeID: ptID,
		ModelName:      "gpt-4o",
		Currency:       "USD",
		Tiers: []gwcore.PricingTier{
			{TokenType: "prompt", MinTokens: 0, MaxTokens: &maxTokens, PricePerToken: 0.000005},
			{TokenType: "completion", MinTokens: 0, PricePerToken: 0.000015},
		},
	}); err != nil {
		t.Fatal("upsert pricing:", err)
	}

	got, err := s.GetPricing(ctx, ptID, "gpt-4o")
	if err != nil {
		t.Fatal("get pricing:", err)
	}
	if len(got.Tiers) != 2 {
		t.Fatalf("len(tiers) = %d, want 2", len(got.Tiers))
	}
	if got.Currency != "USD" {
		t.Errorf("currency = %q, want USD", got.Currency)
	}
}

func TestInsertUsage(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	prompt := uint64(100)
	completion := uint64(50)
	total := uint64(150)

	err := s.InsertUsage(ctx, []gwcore.UsageRecord{
		{
			RequestID: "req-1",
			UserID:    "user-1",
			Model:     "gpt-4o",
			Usage: gwcore.TokenUsageMetrics{
				PromptTokens:     &prompt,
				CompletionTokens: &completion,
				TotalTokens:      &total,
			},
			CostUSD:    0.0015,
			Currency:   "USD",
			StatusCode: 200,
			DurationMs: 342,
			CreatedAt:  time.Now(),
		},
	})
	if err != nil {
		t.Fatal("insert usage:", err)
	}

	if err := s.InsertUsage(ctx, nil); err != nil {
		t.Errorf("insert usage with empty slice should be a no-op, got %v", err)
	}
}
