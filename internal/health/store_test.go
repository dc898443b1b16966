package health

import (
	"context"
	"testing"
	"time"

	"github.com/kestrelproxy/kestrel/internal/gwcore"
	"github.com/kestrelproxy/kestrel/internal/store/storetest"
)

func TestRecordFailure_TripsUnhealthyAtThreshold(t *testing.T) {
	backing := storetest.New()
	backing.ProviderKeys["k1"] = gwcore.UserProviderKey{ID: "k1", HealthStatus: gwcore.HealthHealthy}
	s := NewStore(backing, nil)
	ctx := context.Background()

	for range DefaultFailureThreshold - 1 {
		s.RecordFailure(ctx, "k1", DefaultFailureThreshold)
	}
	if backing.ProviderKeys["k1"].HealthStatus != gwcore.HealthHealthy {
		t.Fatalf("should not trip before threshold")
	}
	s.RecordFailure(ctx, "k1", DefaultFailureThreshold)
	if backing.ProviderKeys["k1"].HealthStatus != gwcore.HealthUnhealthy {
		t.Fatalf("expected unhealthy after %d consecutive failures", DefaultFailureThreshold)
	}
}

func TestRecordSuccess_RecoversUnhealthyAtThreshold(t *testing.T) {
	backing := storetest.New()
	backing.ProviderKeys["k1"] = gwcore.UserProviderKey{ID: "k1", HealthStatus: gwcore.HealthUnhealthy}
	s := NewStore(backing, nil)
	ctx := context.Background()

	s.RecordSuccess(ctx, "k1", gwcore.HealthUnhealthy, 10*time.Millisecond, DefaultRecoveryThreshold)
	if backing.ProviderKeys["k1"].HealthStatus != gwcore.HealthUnhealthy {
		t.Fatalf("single success should not recover at recovery threshold 2")
	}
	s.RecordSuccess(ctx, "k1", gwcore.HealthUnhealthy, 10*time.Millisecond, DefaultRecoveryThreshold)
	if backing.ProviderKeys["k1"].HealthStatus != gwcore.HealthHealthy {
		t.Fatalf("expected recovery after %d consecutive successes", DefaultRecoveryThreshold)
	}
}

func TestRecordSuccess_RateLimitedRecoversImmediately(t *testing.T) {
	backing := storetest.New()
	backing.ProviderKeys["k1"] = gwcore.UserProviderKey{ID: "k1", HealthStatus: gwcore.HealthRateLimited}
	s := NewStore(backing, nil)

	s.RecordSuccess(context.Background(), "k1", gwcore.HealthRateLimited, time.Millisecond, DefaultRecoveryThreshold)
	if backing.ProviderKeys["k1"].HealthStatus != gwcore.HealthHealthy {
		t.Fatalf("expected the first successful post-reset probe to recover immediately")
	}
}

func TestStats_ErrorRateAndActiveConnections(t *testing.T) {
	backing := storetest.New()
	backing.ProviderKeys["k1"] = gwcore.UserProviderKey{ID: "k1", HealthStatus: gwcore.HealthHealthy}
	s := NewStore(backing, nil)
	ctx := context.Background()

	end := s.BeginRequest("k1")
	s.RecordSuccess(ctx, "k1", gwcore.HealthHealthy, 50*time.Millisecond, DefaultRecoveryThreshold)
	s.RecordFailure(ctx, "k1", DefaultFailureThreshold+1) // won't trip, just records

	stats := s.Stats("k1")
	if stats.ActiveConnections != 1 {
		t.Fatalf("active connections = %d, want 1", stats.ActiveConnections)
	}
	end()
	if s.Stats("k1").ActiveConnections != 0 {
		t.Fatalf("expected active connections to drop to 0 after end()")
	}
	if stats.ErrorRateLastMin <= 0 {
		t.Fatalf("expected a nonzero error rate after one recorded failure")
	}
}
