package scheduler

import (
	"sync"

	"github.com/kestrelproxy/kestrel/internal/gwcore"
)

// weightedState is one service key's smooth-weighted-round-robin counters,
// keyed by provider key id within the pool (nginx's algorithm: each
// candidate accumulates its weight every pick; the highest accumulator wins
// and is then discounted by the sum of all weights).
type weightedState struct {
	mu            sync.Mutex
	currentWeight map[string]int
}

func (s *Scheduler) wrrFor(serviceKeyID string) *weightedState {
	if v, ok := s.wrrStates.Load(serviceKeyID); ok {
		return v.(*weightedState)
	}
	ws := &weightedState{currentWeight: map[string]int{}}
	actual, _ := s.wrrStates.LoadOrStore(serviceKeyID, ws)
	return actual.(*weightedState)
}

// selectWeighted implements nginx's smooth weighted round robin. If every
// eligible key has weight <= 0, falls back to eligible[0] (§9 Open
// Question: all-zero weights fall back to the pool's first index rather
// than erroring).
func (s *Scheduler) selectWeighted(serviceKeyID string, eligible []gwcore.UserProviderKey) gwcore.UserProviderKey {
	total := 0
	for _, k := range eligible {
		if k.Weight > 0 {
			total += k.Weight
		}
	}
	if total == 0 {
		return eligible[0]
	}

	ws := s.wrrFor(serviceKeyID)
	ws.mu.Lock()
	defer ws.mu.Unlock()

	var best *gwcore.UserProviderKey
	bestWeight := 0
	for i := range eligible {
		k := &eligible[i]
		weight := k.Weight
		if weight <= 0 {
			weight = 0
		}
		cur := ws.currentWeight[k.ID] + weight
		ws.currentWeight[k.ID] = cur
		if best == nil || cur > bestWeight {
			best = k
			bestWeight = cur
		}
	}
	ws.currentWeight[best.ID] -= total
	return *best
}

// selectHealthBest scores every eligible key per §4.3 and returns the
// highest-scoring one, tie-broken by lowest id.
//
//	base 100
//	- min(30, avg_response_time_ms / 100)
//	- 20 * active_connections / max_connections      (max_connections = per_minute_quota if tracked, else skipped)
//	- 30 * error_rate_last_minute
//	+ weight bonus: min(10, weight / 10)
func (s *Scheduler) selectHealthBest(eligible []gwcore.UserProviderKey) gwcore.UserProviderKey {
	best := eligible[0]
	bestScore := s.score(best)
	for _, k := range eligible[1:] {
		score := s.score(k)
		if score > bestScore || (score == bestScore && k.ID < best.ID) {
			bestScore = score
			best = k
		}
	}
	return best
}

func (s *Scheduler) score(k gwcore.UserProviderKey) float64 {
	score := 100.0
	stats := s.health.Stats(k.ID)

	if penalty := stats.AvgResponseMs / 100; penalty > 0 {
		if penalty > 30 {
			penalty = 30
		}
		score -= penalty
	}

	if k.PerMinuteQuota > 0 {
		ratio := float64(stats.ActiveConnections) / float64(k.PerMinuteQuota)
		score -= 20 * ratio
	}

	score -= 30 * stats.ErrorRateLastMin

	if bonus := float64(k.Weight) / 10; bonus > 0 {
		if bonus > 10 {
			bonus = 10
		}
		score += bonus
	}
	return score
}
