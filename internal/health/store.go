package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kestrelproxy/kestrel/internal/gwcore"
	"github.com/kestrelproxy/kestrel/internal/store"
)

const (
	// DefaultFailureThreshold is the consecutive-failure count that flips a
	// key healthy -> unhealthy (§4.3).
	DefaultFailureThreshold = 3
	// DefaultRecoveryThreshold is the consecutive-success count that flips a
	// key unhealthy -> healthy (§4.3).
	DefaultRecoveryThreshold = 2
	// ewmaAlpha is the response-time EWMA smoothing factor (§4.3).
	ewmaAlpha = 0.1
)

// runtimeState is the in-process-only signal set for one provider key: the
// persisted DB columns never carry response time, active connections or a
// rolling error rate, so these live purely in memory and reset on restart
// (§9 design note: scheduler counters are process-wide).
type runtimeState struct {
	mu                   sync.Mutex
	avgResponseMs        float64
	haveAvg              bool
	activeConnections    int64
	window               slidingWindow
	consecutiveFailures  int
	consecutiveSuccesses int
}

// Stats is a snapshot of one key's runtime signal, read by the health_best
// scheduling strategy (§4.3).
type Stats struct {
	AvgResponseMs     float64
	ActiveConnections int64
	ErrorRateLastMin  float64
}

// Store is the Health & Rate-limit Store (§4.2): every transition is written
// straight to the backing store's health_status/rate_limit_resets_at/
// last_error_time columns (no in-memory copy of the health status is kept),
// plus the in-memory per-key runtime signal the scheduler scores on. Failed
// writes to the backing store are logged, never surfaced to the request
// path (§8 propagation policy: health transitions are best-effort).
type Store struct {
	backing store.CredentialStore
	logger  *slog.Logger
	runtime sync.Map // keyID string -> *runtimeState
}

func NewStore(backing store.CredentialStore, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{backing: backing, logger: logger}
}

func (s *Store) stateFor(keyID string) *runtimeState {
	if v, ok := s.runtime.Load(keyID); ok {
		return v.(*runtimeState)
	}
	rs := &runtimeState{window: newSlidingWindow()}
	actual, _ := s.runtime.LoadOrStore(keyID, rs)
	return actual.(*runtimeState)
}

// Stats returns the current runtime signal for keyID (zero value if unseen).
func (s *Store) Stats(keyID string) Stats {
	rs := s.stateFor(keyID)
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return Stats{
		AvgResponseMs:     rs.avgResponseMs,
		ActiveConnections: rs.activeConnections,
		ErrorRateLastMin:  rs.window.errorRate(time.Now()),
	}
}

// BeginRequest increments the active-connection counter for keyID; the
// returned func decrements it and must be called exactly once.
func (s *Store) BeginRequest(keyID string) func() {
	rs := s.stateFor(keyID)
	rs.mu.Lock()
	rs.activeConnections++
	rs.mu.Unlock()
	return func() {
		rs.mu.Lock()
		rs.activeConnections--
		rs.mu.Unlock()
	}
}

// RecordSuccess updates the response-time EWMA and consecutive-success
// count for keyID, and recovers an unhealthy key to healthy once
// recoveryThreshold consecutive successes have been observed (§4.3, §4.2).
func (s *Store) RecordSuccess(ctx context.Context, keyID string, currentStatus gwcore.HealthStatus, responseTime time.Duration, recoveryThreshold int) {
	rs := s.stateFor(keyID)
	rs.mu.Lock()
	rs.window.record(false, time.Now())
	ms := float64(responseTime.Microseconds()) / 1000.0
	if rs.haveAvg {
		rs.avgResponseMs = ewmaAlpha*ms + (1-ewmaAlpha)*rs.avgResponseMs
	} else {
		rs.avgResponseMs = ms
		rs.haveAvg = true
	}
	rs.consecutiveFailures = 0
	rs.consecutiveSuccesses++
	shouldRecover := currentStatus == gwcore.HealthUnhealthy && rs.consecutiveSuccesses >= recoveryThreshold
	rateLimitedRecovers := currentStatus == gwcore.HealthRateLimited
	rs.mu.Unlock()

	if shouldRecover || rateLimitedRecovers {
		s.TransitionHealthy(ctx, keyID)
	}
}

// RecordFailure increments the consecutive-failure count for keyID and
// transitions it to unhealthy once failureThreshold consecutive failures
// have been observed (§4.2, §4.3).
func (s *Store) RecordFailure(ctx context.Context, keyID string, failureThreshold int) {
	rs := s.stateFor(keyID)
	rs.mu.Lock()
	rs.window.record(true, time.Now())
	rs.consecutiveSuccesses = 0
	rs.consecutiveFailures++
	shouldTrip := rs.consecutiveFailures >= failureThreshold
	rs.mu.Unlock()

	if shouldTrip {
		s.TransitionUnhealthy(ctx, keyID, nil)
	}
}

// TransitionRateLimited marks keyID rate_limited until resetsAt, persisting
// detail as the opaque health_status_detail blob (§4.2).
func (s *Store) TransitionRateLimited(ctx context.Context, keyID string, resetsAt time.Time, detail []byte) {
	s.persist(ctx, keyID, gwcore.HealthRateLimited, &resetsAt, detail)
}

// TransitionUnhealthy marks keyID unhealthy (§4.2: persistent auth failure
// or consecutive-failure threshold).
func (s *Store) TransitionUnhealthy(ctx context.Context, keyID string, detail []byte) {
	s.persist(ctx, keyID, gwcore.HealthUnhealthy, nil, detail)
}

// TransitionHealthy marks keyID healthy: either a rate_limited key's first
// successful post-reset probe, or an unhealthy key's recovery (§4.2).
func (s *Store) TransitionHealthy(ctx context.Context, keyID string) {
	s.persist(ctx, keyID, gwcore.HealthHealthy, nil, nil)
}

// PersistDetail updates health_status_detail without changing health_status
// or rate_limit_resets_at, e.g. OpenAI's 2xx X-Codex-* header snapshot
// (§4.2's dashboard-only detail update).
func (s *Store) PersistDetail(ctx context.Context, keyID string, currentStatus gwcore.HealthStatus, resetsAt *time.Time, detail []byte) {
	s.persist(ctx, keyID, currentStatus, resetsAt, detail)
}

func (s *Store) persist(ctx context.Context, keyID string, status gwcore.HealthStatus, resetsAt *time.Time, detail []byte) {
	if err := s.backing.UpdateKeyHealth(ctx, keyID, status, resetsAt, detail); err != nil {
		s.logger.Warn("health state write failed", "key_id", keyID, "status", status, "error", err)
	}
}
