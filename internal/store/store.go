// Package store defines the Credential Store read-side interfaces (§2, §6):
// lookup-by-key and lookup-by-pool-ids over provider_types, user_service_apis,
// user_provider_keys, oauth_client_sessions, and model_pricing(+tiers). The
// core only ever writes health_status, rate_limit_resets_at, last_error_time
// and health_status_detail on user_provider_keys -- everything else is an
// external contract maintained by the management plane.
package store

import (
	"context"
	"time"

	"github.com/kestrelproxy/kestrel/internal/gwcore"
)

// ErrNotFound is returned by lookup methods when no row matches.
var ErrNotFound = notFoundError{}

type notFoundError struct{}

func (notFoundError) Error() string { return "not found" }

// CredentialStore is the read-side contract the Auth Resolver, Scheduler and
// Health Store depend on, plus the narrow write surface §6 grants the core.
type CredentialStore interface {
	// GetServiceKeyByAPIKey finds the unique active UserServiceKey whose
	// api_key equals the presented value (§4.1).
	GetServiceKeyByAPIKey(ctx context.Context, apiKey string) (gwcore.UserServiceKey, error)

	// GetProviderKeysByIDs returns the active UserProviderKey rows for the
	// given ids, in the order of ids; ids with no active row are skipped
	// (§4.1 pool resolution).
	GetProviderKeysByIDs(ctx context.Context, ids []string) ([]gwcore.UserProviderKey, error)

	// GetProviderType loads a provider type by id.
	GetProviderType(ctx context.Context, id string) (gwcore.ProviderType, error)

	// GetOAuthSession loads a session by id (§4.1 credential materialization).
	GetOAuthSession(ctx context.Context, sessionID string) (gwcore.OAuthSession, error)

	// GetPricing loads the pricing row for (provider_type_id, model), if any.
	GetPricing(ctx context.Context, providerTypeID, model string) (gwcore.PricingRow, error)

	// UpdateKeyHealth is the only core write path against user_provider_keys
	// (§6): health_status, rate_limit_resets_at, last_error_time, and an
	// opaque health_status_detail blob.
	UpdateKeyHealth(ctx context.Context, id string, status gwcore.HealthStatus, resetsAt *time.Time, detail []byte) error
}
