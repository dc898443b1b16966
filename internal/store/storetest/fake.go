// Package storetest provides an in-memory store.CredentialStore for use in
// other packages' tests, mirroring the base gateway's testutil package (fixed
// fixtures over a live interface, no mocking framework).
package storetest

import (
	"context"
	"sync"
	"time"

	"github.com/kestrelproxy/kestrel/internal/gwcore"
	"github.com/kestrelproxy/kestrel/internal/store"
)

// Store is an in-memory store.CredentialStore backed by plain maps.
type Store struct {
	mu            sync.Mutex
	ServiceKeys   map[string]gwcore.UserServiceKey // by api_key
	ProviderKeys  map[string]gwcore.UserProviderKey
	ProviderTypes map[string]gwcore.ProviderType
	OAuthSessions map[string]gwcore.OAuthSession
	Pricing       map[string]gwcore.PricingRow // by providerTypeID+"|"+model
}

func New() *Store {
	return &Store{
		ServiceKeys:   map[string]gwcore.UserServiceKey{},
		ProviderKeys:  map[string]gwcore.UserProviderKey{},
		ProviderTypes: map[string]gwcore.ProviderType{},
		OAuthSessions: map[string]gwcore.OAuthSession{},
		Pricing:       map[string]gwcore.PricingRow{},
	}
}

func (s *Store) GetServiceKeyByAPIKey(_ context.Context, apiKey string) (gwcore.UserServiceKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.ServiceKeys[apiKey]
	if !ok {
		return gwcore.UserServiceKey{}, store.ErrNotFound
	}
	return k, nil
}

func (s *Store) GetProviderKeysByIDs(_ context.Context, ids []string) ([]gwcore.UserProviderKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]gwcore.UserProviderKey, 0, len(ids))
	for _, id := range ids {
		if k, ok := s.ProviderKeys[id]; ok {
			out = append(out, k)
		}
	}
	return out, nil
}

func (s *Store) GetProviderType(_ context.Context, id string) (gwcore.ProviderType, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pt, ok := s.ProviderTypes[id]
	if !ok {
		return gwcore.ProviderType{}, store.ErrNotFound
	}
	return pt, nil
}

func (s *Store) GetOAuthSession(_ context.Context, sessionID string) (gwcore.OAuthSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.OAuthSessions[sessionID]
	if !ok {
		return gwcore.OAuthSession{}, store.ErrNotFound
	}
	return sess, nil
}

func (s *Store) GetPricing(_ context.Context, providerTypeID, model string) (gwcore.PricingRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.Pricing[providerTypeID+"|"+model]
	if !ok {
		return gwcore.PricingRow{}, store.ErrNotFound
	}
	return row, nil
}

func (s *Store) UpdateKeyHealth(_ context.Context, id string, status gwcore.HealthStatus, resetsAt *time.Time, detail []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.ProviderKeys[id]
	if !ok {
		return store.ErrNotFound
	}
	k.HealthStatus = status
	k.RateLimitResetsAt = resetsAt
	k.HealthStatusDetail = detail
	if status != gwcore.HealthHealthy {
		now := time.Now()
		k.LastErrorTime = &now
	}
	s.ProviderKeys[id] = k
	return nil
}

var _ store.CredentialStore = (*Store)(nil)
