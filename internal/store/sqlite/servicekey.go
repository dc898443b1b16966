package sqlite

import (
	"context"
	"encoding/json"

	"github.com/kestrelproxy/kestrel/internal/gwcore"
)

// GetServiceKeyByAPIKey finds the unique active UserServiceKey whose api_key
// equals the presented value (§4.1).
func (s *Store) GetServiceKeyByAPIKey(ctx context.Context, apiKey string) (gwcore.UserServiceKey, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT id, user_id, provider_type_id, api_key, user_provider_keys_ids,
		 scheduling_strategy, retry_count, timeout_seconds, is_active
		 FROM user_service_apis WHERE api_key = ? AND is_active = 1`, apiKey,
	)

	var k gwcore.UserServiceKey
	var strategy string
	var poolIDsJSON string
	var isActive int
	err := row.Scan(&k.ID, &k.UserID, &k.ProviderTypeID, &k.APIKey, &poolIDsJSON,
		&strategy, &k.RetryBudget, &k.TimeoutSeconds, &isActive)
	if err != nil {
		return gwcore.UserServiceKey{}, notFoundErr(err)
	}
	k.Strategy = gwcore.SchedulingStrategy(strategy)
	k.IsActive = isActive != 0
	var ids []string
	if poolIDsJSON != "" {
		if err := json.Unmarshal([]byte(poolIDsJSON), &ids); err != nil {
			return gwcore.UserServiceKey{}, err
		}
	}
	k.ProviderKeyIDs = ids
	return k, nil
}
