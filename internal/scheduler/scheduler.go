// Package scheduler implements the Key Scheduler (§4.3): given a pool of
// eligible provider keys and a strategy tag, picks one key under
// round_robin, weighted, or health_best, and records the outcome against the
// Health Store's per-key signal. There is no equivalent in the base gateway -- the
// gateway's internal/app.RouterService resolves a priority-ordered model
// route, not a load-balanced credential pool -- so the selection algorithms
// are implemented fresh from their well-known public descriptions (nginx's
// smooth weighted round-robin; a penalty-scored "best of" pick), while the
// per-key bookkeeping (mutex-guarded counters keyed by sync.Map) follows the
// same concurrency idiom used elsewhere in this codebase for process-wide state.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kestrelproxy/kestrel/internal/gwcore"
	"github.com/kestrelproxy/kestrel/internal/health"
)

// Scheduler selects an upstream key from an eligible pool.
type Scheduler struct {
	health *health.Store

	rrCounters sync.Map // service key id -> *atomic.Uint64
	wrrStates  sync.Map // service key id -> *weightedState

	FailureThreshold int // consecutive failures before unhealthy (§4.3)
	RecoveryThreshold int // consecutive successes before recovery (§4.3)
}

func New(healthStore *health.Store) *Scheduler {
	return &Scheduler{
		health:            healthStore,
		FailureThreshold:  health.DefaultFailureThreshold,
		RecoveryThreshold: health.DefaultRecoveryThreshold,
	}
}

// Select filters pool to eligible keys (§4.2 invariant) and picks one using
// strategy. Returns gwcore.ErrNoHealthyKey if nothing is eligible right now.
func (s *Scheduler) Select(serviceKeyID string, pool []gwcore.UserProviderKey, strategy gwcore.SchedulingStrategy) (gwcore.UserProviderKey, error) {
	now := time.Now()
	eligible := make([]gwcore.UserProviderKey, 0, len(pool))
	for _, k := range pool {
		if k.Eligible(now) {
			eligible = append(eligible, k)
		}
	}
	if len(eligible) == 0 {
		return gwcore.UserProviderKey{}, gwcore.ErrNoHealthyKey
	}

	switch strategy {
	case gwcore.StrategyWeighted:
		return s.selectWeighted(serviceKeyID, eligible), nil
	case gwcore.StrategyHealthBest:
		return s.selectHealthBest(eligible), nil
	default:
		return s.selectRoundRobin(serviceKeyID, eligible), nil
	}
}

// selectRoundRobin advances a global per-service-key counter (§4.3:
// "Counter persistence is not required across process restarts").
func (s *Scheduler) selectRoundRobin(serviceKeyID string, eligible []gwcore.UserProviderKey) gwcore.UserProviderKey {
	counter := s.counterFor(serviceKeyID)
	idx := counter.Add(1) - 1
	return eligible[int(idx%uint64(len(eligible)))]
}

func (s *Scheduler) counterFor(serviceKeyID string) *atomic.Uint64 {
	if v, ok := s.rrCounters.Load(serviceKeyID); ok {
		return v.(*atomic.Uint64)
	}
	c := &atomic.Uint64{}
	actual, _ := s.rrCounters.LoadOrStore(serviceKeyID, c)
	return actual.(*atomic.Uint64)
}

// RecordSuccess reports a completed request's outcome to the Health Store.
func (s *Scheduler) RecordSuccess(ctx context.Context, keyID string, currentStatus gwcore.HealthStatus, responseTime time.Duration) {
	s.health.RecordSuccess(ctx, keyID, currentStatus, responseTime, s.RecoveryThreshold)
}

// RecordFailure reports a failed request to the Health Store.
func (s *Scheduler) RecordFailure(ctx context.Context, keyID string) {
	s.health.RecordFailure(ctx, keyID, s.FailureThreshold)
}

// BeginRequest tracks an in-flight request against keyID for the
// active_connections scoring term; the returned func must be deferred.
func (s *Scheduler) BeginRequest(keyID string) func() {
	return s.health.BeginRequest(keyID)
}

// MarkUnhealthy immediately transitions keyID to unhealthy, bypassing the
// consecutive-failure threshold -- used when the Auth Resolver discovers an
// unusable OAuth session (§4.1: "fail with OAuthUnavailable and mark key
// unhealthy via Scheduler").
func (s *Scheduler) MarkUnhealthy(ctx context.Context, keyID string) {
	s.health.TransitionUnhealthy(ctx, keyID, nil)
}

// MarkRateLimited transitions keyID to rate_limited until resetsAt,
// persisting detail (§4.2, used by the Proxy Loop after a strategy's
// HandleResponseBody reports a RateLimitSignal).
func (s *Scheduler) MarkRateLimited(ctx context.Context, keyID string, resetsAt time.Time, detail []byte) {
	s.health.TransitionRateLimited(ctx, keyID, resetsAt, detail)
}

// PersistDetail updates health_status_detail without a status change.
func (s *Scheduler) PersistDetail(ctx context.Context, keyID string, currentStatus gwcore.HealthStatus, resetsAt *time.Time, detail []byte) {
	s.health.PersistDetail(ctx, keyID, currentStatus, resetsAt, detail)
}
