package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/kestrelproxy/kestrel/internal/gwcore"
	"github.com/kestrelproxy/kestrel/internal/store"
)

// The methods in this file are the write-side used by config.Bootstrap and
// by tests to seed fixtures. They are deliberately NOT part of
// store.CredentialStore: §6 grants the request-path core only the narrow
// UpdateKeyHealth write; provider/key/pricing administration is the
// management plane's job (§1 out of scope). Bootstrapping a fresh database
// from a config file is an ambient concern the core's binary still needs to
// be runnable, the same role config.Bootstrap played against the base gateway's
// storage.Store interface -- here it is scoped to the concrete sqlite.Store
// instead of widening the core's read-side interface.

// UpsertProviderType inserts a provider type row if (name, auth_type) does
// not already exist, returning the row's id either way.
func (s *Store) UpsertProviderType(ctx context.Context, p gwcore.ProviderType) (string, error) {
	existing, err := s.findProviderTypeByName(ctx, p.Name, string(p.AuthType))
	if err == nil {
		return existing, nil
	}
	if err != store.ErrNotFound {
		return "", err
	}

	id := p.ID
	if id == "" {
		id = uuid.NewString()
	}
	tokenMappings := orEmptyObject(p.TokenMappingsJSON)
	modelExtract := orEmptyObject(p.ModelExtractJSON)
	authConfigs := orEmptyObject(p.AuthConfigsJSON)

	_, err = s.write.ExecContext(ctx,
		`INSERT INTO provider_types (id, name, display_name, auth_type, base_url, is_active,
		 token_mappings_json, model_extraction_json, auth_configs_json)
		 VALUES (?, ?, ?, ?, ?, 1, ?, ?, ?)`,
		id, p.Name, p.DisplayName, string(p.AuthType), p.BaseURL,
		string(tokenMappings), string(modelExtract), string(authConfigs),
	)
	if err != nil {
		return "", err
	}
	return id, nil
}

func (s *Store) findProviderTypeByName(ctx context.Context, name, authType string) (string, error) {
	var id string
	err := s.read.QueryRowContext(ctx,
		`SELECT id FROM provider_types WHERE name = ? AND auth_type = ?`, name, authType,
	).Scan(&id)
	if err != nil {
		return "", notFoundErr(err)
	}
	return id, nil
}

// UpsertProviderKey inserts a user_provider_keys row, returning its id.
// Re-running bootstrap against an already-seeded database is a no-op keyed
// on (provider_type_id, user_id, api_key).
func (s *Store) UpsertProviderKey(ctx context.Context, k gwcore.UserProviderKey) (string, error) {
	var id string
	err := s.read.QueryRowContext(ctx,
		`SELECT id FROM user_provider_keys WHERE provider_type_id = ? AND user_id = ? AND api_key = ?`,
		k.ProviderTypeID, k.UserID, k.APIKey,
	).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return "", err
	}

	id = k.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	weight := k.Weight
	if weight <= 0 {
		weight = 1
	}
	_, err = s.write.ExecContext(ctx,
		`INSERT INTO user_provider_keys (id, user_id, provider_type_id, api_key, auth_type,
		 weight, per_minute_quota, per_day_quota, is_active, health_status, project_id,
		 created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1, 'healthy', ?, ?, ?)`,
		id, k.UserID, k.ProviderTypeID, k.APIKey, string(k.AuthType),
		weight, k.PerMinuteQuota, k.PerDayQuota, k.ProjectID, now, now,
	)
	if err != nil {
		return "", err
	}
	return id, nil
}

// UpsertServiceKey inserts a user_service_apis row keyed on the unique
// client-facing api_key.
func (s *Store) UpsertServiceKey(ctx context.Context, k gwcore.UserServiceKey) error {
	var existing string
	err := s.read.QueryRowContext(ctx, `SELECT id FROM user_service_apis WHERE api_key = ?`, k.APIKey).Scan(&existing)
	if err == nil {
		return nil
	}
	if err != sql.ErrNoRows {
		return err
	}

	id := k.ID
	if id == "" {
		id = uuid.NewString()
	}
	poolIDs, err := json.Marshal(k.ProviderKeyIDs)
	if err != nil {
		return err
	}
	strategy := k.Strategy
	if strategy == "" {
		strategy = gwcore.StrategyRoundRobin
	}
	retryBudget := k.RetryBudget
	timeoutSeconds := k.TimeoutSeconds
	if timeoutSeconds <= 0 {
		timeoutSeconds = 30
	}
	_, err = s.write.ExecContext(ctx,
		`INSERT INTO user_service_apis (id, user_id, provider_type_id, api_key,
		 user_provider_keys_ids, scheduling_strategy, retry_count, timeout_seconds, is_active)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1)`,
		id, k.UserID, k.ProviderTypeID, k.APIKey, string(poolIDs), string(strategy),
		retryBudget, timeoutSeconds,
	)
	return err
}

// UpsertOAuthSession inserts an oauth_client_sessions row keyed on session id.
func (s *Store) UpsertOAuthSession(ctx context.Context, sess gwcore.OAuthSession) error {
	var existing string
	err := s.read.QueryRowContext(ctx, `SELECT session_id FROM oauth_client_sessions WHERE session_id = ?`, sess.SessionID).Scan(&existing)
	if err == nil {
		return nil
	}
	if err != sql.ErrNoRows {
		return err
	}
	_, err = s.write.ExecContext(ctx,
		`INSERT INTO oauth_client_sessions (session_id, user_id, provider_name, status,
		 access_token, refresh_token, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sess.SessionID, sess.UserID, sess.ProviderName, sess.Status,
		sess.AccessToken, sess.RefreshToken, sess.ExpiresAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

// UpsertPricing inserts a model_pricing row plus its tiers, keyed on
// (provider_type_id, model_name).
func (s *Store) UpsertPricing(ctx context.Context, row gwcore.PricingRow) error {
	var existing string
	err := s.read.QueryRowContext(ctx,
		`SELECT id FROM model_pricing WHERE provider_type_id = ? AND model_name = ?`,
		row.ProviderTypeID, row.ModelName,
	).Scan(&existing)
	if err == nil {
		return nil
	}
	if err != sql.ErrNoRows {
		return err
	}

	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	id := row.ID
	if id == "" {
		id = uuid.NewString()
	}
	currency := row.Currency
	if currency == "" {
		currency = "USD"
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO model_pricing (id, provider_type_id, model_name, cost_currency) VALUES (?, ?, ?, ?)`,
		id, row.ProviderTypeID, row.ModelName, currency,
	); err != nil {
		return err
	}

	for _, t := range row.Tiers {
		var maxTokens sql.NullInt64
		if t.MaxTokens != nil {
			maxTokens = sql.NullInt64{Int64: *t.MaxTokens, Valid: true}
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO model_pricing_tiers (id, model_pricing_id, token_type, min_tokens, max_tokens, price_per_token)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			uuid.NewString(), id, t.TokenType, t.MinTokens, maxTokens, t.PricePerToken,
		); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func orEmptyObject(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("{}")
	}
	return raw
}
