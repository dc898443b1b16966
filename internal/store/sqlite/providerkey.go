package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/kestrelproxy/kestrel/internal/gwcore"
)

// GetProviderKeysByIDs returns the active UserProviderKey rows for the given
// ids (§4.1 pool resolution).
func (s *Store) GetProviderKeysByIDs(ctx context.Context, ids []string) ([]gwcore.UserProviderKey, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimRight(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	query := `SELECT id, user_id, provider_type_id, api_key, auth_type, weight,
	 per_minute_quota, per_day_quota, is_active, health_status, rate_limit_resets_at,
	 last_error_time, health_status_detail, project_id, created_at, updated_at
	 FROM user_provider_keys WHERE id IN (` + placeholders + `) AND is_active = 1`

	rows, err := s.read.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byID := make(map[string]gwcore.UserProviderKey, len(ids))
	for rows.Next() {
		k, err := scanProviderKey(rows)
		if err != nil {
			return nil, err
		}
		byID[k.ID] = k
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// §8 invariant 2 and §4.3's weighted lowest-index tie-break are both
	// defined over the service key's declared pool order, not SQLite's
	// row order -- re-order the scan results to match `ids` (skipping any
	// id the WHERE clause filtered out as inactive).
	out := make([]gwcore.UserProviderKey, 0, len(ids))
	for _, id := range ids {
		if k, ok := byID[id]; ok {
			out = append(out, k)
		}
	}
	return out, nil
}

func scanProviderKey(row scanner) (gwcore.UserProviderKey, error) {
	var k gwcore.UserProviderKey
	var authType, health string
	var isActive int
	var resetsAt, lastErr sql.NullString
	var detail sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(&k.ID, &k.UserID, &k.ProviderTypeID, &k.APIKey, &authType, &k.Weight,
		&k.PerMinuteQuota, &k.PerDayQuota, &isActive, &health, &resetsAt,
		&lastErr, &detail, &k.ProjectID, &createdAt, &updatedAt)
	if err != nil {
		return gwcore.UserProviderKey{}, notFoundErr(err)
	}
	k.AuthType = gwcore.AuthType(authType)
	k.IsActive = isActive != 0
	k.HealthStatus = gwcore.HealthStatus(health)
	k.RateLimitResetsAt = parseTime(resetsAt)
	k.LastErrorTime = parseTime(lastErr)
	if detail.Valid {
		k.HealthStatusDetail = json.RawMessage(detail.String)
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		k.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		k.UpdatedAt = t
	}
	return k, nil
}

// UpdateKeyHealth is the only core write path against user_provider_keys
// (§6).
func (s *Store) UpdateKeyHealth(ctx context.Context, id string, status gwcore.HealthStatus, resetsAt *time.Time, detail []byte) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	var detailArg sql.NullString
	if detail != nil {
		detailArg = sql.NullString{String: string(detail), Valid: true}
	}
	var lastErr sql.NullString
	if status != gwcore.HealthHealthy {
		lastErr = sql.NullString{String: now, Valid: true}
	}
	result, err := s.write.ExecContext(ctx,
		`UPDATE user_provider_keys SET health_status=?, rate_limit_resets_at=?,
		 last_error_time=COALESCE(?, last_error_time),
		 health_status_detail=COALESCE(?, health_status_detail),
		 updated_at=? WHERE id=?`,
		string(status), timeToStr(resetsAt), lastErr, detailArg, now, id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "user provider key")
}
