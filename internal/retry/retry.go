// Package retry implements the Retry Evaluator (§4.9): given an upstream
// failure kind, decides whether the Proxy Loop should retry against a
// re-selected key and how long to back off. Grounded on the base gateway's
// internal/circuitbreaker.ClassifyError weight idiom (classify.go),
// retargeted from a continuous breaker weight to a discrete
// retry/no-retry decision tree.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"net"
	"time"

	"github.com/kestrelproxy/kestrel/internal/gwcore"
)

// Kind classifies the upstream failure the Proxy Loop observed (§7).
type Kind int

const (
	KindNone Kind = iota
	KindConnectTimeout
	KindReadTimeout
	KindNetwork // connect refused, connection closed, TLS failure, HTTP status 0
	KindStatus  // an HTTP status code was received
)

// Request bundles everything the decision in §4.9 depends on.
type Request struct {
	Kind            Kind
	StatusCode      int // valid only when Kind == KindStatus
	RetryCount      int
	Budget          int
	BodyReplayable  bool // empty body is always replayable (caller's responsibility)
	BytesSent       bool
	MarkedRateLimited bool // strategy marked the selected key rate_limited on this failure (rule 5)
}

// Decision is the Retry Evaluator's verdict.
type Decision struct {
	Retry bool
	Delay time.Duration
}

const (
	// DefaultBaseDelay and DefaultMaxDelay are the capped exponential backoff
	// bounds from §4.9 rule 4.
	DefaultBaseDelay = 200 * time.Millisecond
	DefaultMaxDelay  = 5 * time.Second
)

// Evaluator applies the §4.9 decision tree.
type Evaluator struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

func New() *Evaluator {
	return &Evaluator{BaseDelay: DefaultBaseDelay, MaxDelay: DefaultMaxDelay}
}

// Evaluate runs the §4.9 rules in order; first match wins.
func (e *Evaluator) Evaluate(req Request) Decision {
	// Rule 1: any bytes already sent downstream -> no retry.
	if req.BytesSent {
		return Decision{Retry: false}
	}
	// Rule 2: budget exhausted or zero -> no retry.
	if req.Budget <= 0 || req.RetryCount >= req.Budget {
		return Decision{Retry: false}
	}
	// Rule 3: body not replayable -> no retry.
	if !req.BodyReplayable {
		return Decision{Retry: false}
	}
	// Rule 4: transient network/timeout/5xx -> retry with backoff.
	if e.isTransient(req) {
		return Decision{Retry: true, Delay: e.backoff(req.RetryCount)}
	}
	// Rule 5: 429 -> retry only if the strategy marked the key rate_limited
	// (the scheduler will then pick a different key).
	if req.Kind == KindStatus && req.StatusCode == 429 {
		if req.MarkedRateLimited {
			return Decision{Retry: true, Delay: e.backoff(req.RetryCount)}
		}
		return Decision{Retry: false}
	}
	// Rule 6: otherwise, no retry.
	return Decision{Retry: false}
}

func (e *Evaluator) isTransient(req Request) bool {
	switch req.Kind {
	case KindConnectTimeout, KindReadTimeout, KindNetwork:
		return true
	case KindStatus:
		return req.StatusCode == 502 || req.StatusCode == 503 || req.StatusCode == 504
	default:
		return false
	}
}

// backoff computes min(max_delay, base_delay * 2^retry_count) plus small
// jitter (§4.9 rule 4).
func (e *Evaluator) backoff(retryCount int) time.Duration {
	base := e.BaseDelay
	if base <= 0 {
		base = DefaultBaseDelay
	}
	max := e.MaxDelay
	if max <= 0 {
		max = DefaultMaxDelay
	}
	d := base
	for i := 0; i < retryCount && d < max; i++ {
		d *= 2
	}
	if d > max {
		d = max
	}
	jitter := time.Duration(rand.Int64N(int64(d/10) + 1))
	return d + jitter
}

// ClassifyError maps a Go error from the upstream dial/round-trip into a
// retry Kind, mirroring the base gateway's ClassifyError status/timeout/network
// dispatch but returning a Kind instead of a continuous weight.
func ClassifyError(err error) Kind {
	if err == nil {
		return KindNone
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindReadTimeout
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindConnectTimeout
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return KindNetwork
	}
	return KindNetwork
}

// ClassifyProxyError maps a gwcore.ProxyError into a retry Kind per §7.
func ClassifyProxyError(err gwcore.ProxyError) Kind {
	if _, ok := err.(gwcore.UpstreamStatusError); ok {
		return KindStatus
	}
	switch err {
	case gwcore.ErrUpstreamConnectTimeout:
		return KindConnectTimeout
	case gwcore.ErrUpstreamReadTimeout:
		return KindReadTimeout
	case gwcore.ErrUpstreamNetwork:
		return KindNetwork
	default:
		return KindNone
	}
}
