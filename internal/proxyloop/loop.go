// Package proxyloop implements the Proxy Loop (§4.10): the phase-ordered
// request lifecycle (request_filter -> upstream_peer -> upstream_request_filter
// -> response_filter -> response_body_filter -> logging/fail_to_proxy) that
// owns the per-request context and ties every other component together.
// Grounded on the base gateway's internal/provider/proxy.go ForwardRequest
// (header copy, streaming flush-on-read copy) and cmd/kestrel/run.go's
// http.Server wiring, generalized from a single fixed upstream call into the
// spec's auth-resolve -> schedule -> transform -> retry pipeline.
package proxyloop

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/dnscache"

	"github.com/kestrelproxy/kestrel/internal/authresolve"
	"github.com/kestrelproxy/kestrel/internal/gwcore"
	"github.com/kestrelproxy/kestrel/internal/retry"
	"github.com/kestrelproxy/kestrel/internal/scheduler"
	"github.com/kestrelproxy/kestrel/internal/stats"
	"github.com/kestrelproxy/kestrel/internal/store"
	"github.com/kestrelproxy/kestrel/internal/strategy"
	"github.com/kestrelproxy/kestrel/internal/telemetry"
	"github.com/kestrelproxy/kestrel/internal/transform"
)

// DefaultProviderTimeout is provider_timeout's default (§5).
const DefaultProviderTimeout = 30 * time.Second

// maxReplayBody bounds how much of the client request body is buffered for
// retry replay (§4.9 "body not replayable -> no retry"); bodies larger than
// this are simply treated as not replayable rather than held in memory
// wholesale.
const maxReplayBody = 8 << 20

// Config are the Loop's tunables, sourced from the process config file.
type Config struct {
	ManagementPrefixes []string
	ManagementPort     int
	ProviderTimeout    time.Duration
}

// Loop is the chi-mounted http.Handler wrapping every §4.10 phase in order.
type Loop struct {
	store      store.CredentialStore
	resolver   *authresolve.Resolver
	sched      *scheduler.Scheduler
	strategies *strategy.Registry
	stats      *stats.Collector
	retryEval  *retry.Evaluator
	metrics    *telemetry.Metrics
	client     *http.Client
	cfg        Config
}

// New builds a Loop. client should be built over NewTransport's *http.Transport.
func New(st store.CredentialStore, resolver *authresolve.Resolver, sched *scheduler.Scheduler,
	strategies *strategy.Registry, statsCollector *stats.Collector, retryEval *retry.Evaluator,
	metrics *telemetry.Metrics, client *http.Client, cfg Config) *Loop {
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = DefaultProviderTimeout
	}
	return &Loop{
		store: st, resolver: resolver, sched: sched, strategies: strategies,
		stats: statsCollector, retryEval: retryEval, metrics: metrics, client: client, cfg: cfg,
	}
}

// NewDefaultClient wires a resolver-backed client for production use.
func NewDefaultClient() *http.Client {
	return &http.Client{Transport: NewTransport(&dnscache.Resolver{})}
}

func (l *Loop) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	requestID := gwcore.NewRequestID()
	ctx := gwcore.ContextWithRequestID(r.Context(), requestID, slog.Default())
	r = r.WithContext(ctx)
	logger := gwcore.LoggerFromContext(ctx)

	if managementPath(r.URL.Path, l.cfg.ManagementPrefixes) {
		l.writeNotProxyEndpoint(w)
		return
	}

	if r.Method == http.MethodOptions {
		writeCORSPreflight(w)
		return
	}

	rc, err := l.resolver.Resolve(ctx, r)
	if err != nil {
		l.finishAuthFailure(w, err, start)
		return
	}
	logger = logger.With(slog.String("service_key_id", rc.ServiceKey.ID), slog.String("provider", rc.Provider.Name))

	strat := l.strategies.Resolve(rc.Provider.Name)

	bodyBytes, replayable, err := readBody(r)
	if err != nil {
		gwcore.WriteErrorJSON(w, gwcore.ErrInternalBug)
		return
	}

	timeout := 2 * l.providerTimeout(rc)
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	l.runAttempts(reqCtx, w, r, rc, strat, bodyBytes, replayable, start, logger)
}

// providerTimeout resolves §4.10's "2 * provider_timeout" from the service
// key's optional per-request override, falling back to the process default.
func (l *Loop) providerTimeout(rc *gwcore.RequestContext) time.Duration {
	if rc.ServiceKey.TimeoutSeconds > 0 {
		return time.Duration(rc.ServiceKey.TimeoutSeconds) * time.Second
	}
	return l.cfg.ProviderTimeout
}

// runAttempts drives the retry loop: each attempt re-runs upstream_peer
// through logging/fail_to_proxy; on a retryable failure it re-selects a key
// (§4.9: "re-run §4.1 selection ... re-run §4.5 transform") and tries again.
func (l *Loop) runAttempts(ctx context.Context, w http.ResponseWriter, r *http.Request,
	rc *gwcore.RequestContext, strat strategy.Strategy, bodyBytes []byte, replayable bool,
	start time.Time, logger *slog.Logger) {
	for {
		outReq, err := l.buildUpstreamRequest(ctx, r, rc, strat, bodyBytes)
		if err != nil {
			gwcore.WriteErrorJSON(w, gwcore.ErrBodyMutationFailed)
			return
		}

		end := l.sched.BeginRequest(rc.SelectedKey.ID)
		attemptStart := time.Now()
		resp, doErr := l.client.Do(outReq)
		end()

		if doErr != nil {
			if l.handleDialFailure(ctx, w, rc, doErr, replayable, logger) {
				continue // retried: re-select and loop
			}
			return
		}

		retried := l.handleResponse(ctx, w, r, rc, strat, resp, bodyBytes, replayable, attemptStart, start, logger)
		if retried {
			continue
		}
		return
	}
}

// buildUpstreamRequest clones the client request against the selected
// upstream, runs the full §4.5 Request Transform, then the §4.4 hook-3 JSON
// body mutation when the transform's strategy hook flagged it.
func (l *Loop) buildUpstreamRequest(ctx context.Context, r *http.Request, rc *gwcore.RequestContext,
	strat strategy.Strategy, bodyBytes []byte) (*http.Request, error) {
	body := bodyBytes
	outReq, err := http.NewRequestWithContext(ctx, r.Method, r.URL.String(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	outReq.Header = r.Header.Clone()
	outReq.Host = r.Host

	if err := transform.Request(outReq, rc, strat); err != nil {
		return nil, err
	}

	if rc.WillModifyBody && strat != nil {
		mutated, modified, err := strat.ModifyRequestBodyJSON(r.URL.Path, body, rc)
		if err != nil {
			return nil, err
		}
		if modified {
			outReq.Body = io.NopCloser(bytes.NewReader(mutated))
			outReq.ContentLength = int64(len(mutated))
			outReq.Header.Set("Content-Length", strconv.Itoa(len(mutated)))
		}
	}
	return outReq, nil
}

// handleDialFailure implements the connect/network branch of logging/
// fail_to_proxy. Returns true if the caller should retry.
func (l *Loop) handleDialFailure(ctx context.Context, w http.ResponseWriter, rc *gwcore.RequestContext,
	err error, replayable bool, logger *slog.Logger) bool {
	kind := retry.ClassifyError(err)
	l.sched.RecordFailure(ctx, rc.SelectedKey.ID)
	if l.metrics != nil {
		l.metrics.UpstreamErrors.WithLabelValues(rc.Provider.Name, kindLabel(kind)).Inc()
	}

	decision := l.retryEval.Evaluate(retry.Request{
		Kind: kind, RetryCount: rc.RetryCount, Budget: rc.ServiceKey.RetryBudget,
		BodyReplayable: replayable, BytesSent: rc.BytesSent,
	})
	if decision.Retry {
		return l.prepareRetry(ctx, rc, decision, logger)
	}

	l.writeDialFailure(w, kind)
	return false
}

func (l *Loop) writeDialFailure(w http.ResponseWriter, kind retry.Kind) {
	switch kind {
	case retry.KindConnectTimeout:
		gwcore.WriteErrorJSON(w, gwcore.ErrUpstreamConnectTimeout)
	case retry.KindReadTimeout:
		gwcore.WriteErrorJSON(w, gwcore.ErrUpstreamReadTimeout)
	default:
		gwcore.WriteErrorJSON(w, gwcore.ErrUpstreamNetwork)
	}
}

// prepareRetry sleeps the backoff, bumps retry_count, and re-runs §4.1
// selection against the pool (skipping whatever was just marked unhealthy/
// rate_limited) -- the only part of the request the Proxy Loop re-resolves
// on retry.
func (l *Loop) prepareRetry(ctx context.Context, rc *gwcore.RequestContext, decision retry.Decision, logger *slog.Logger) bool {
	if decision.Delay > 0 {
		select {
		case <-time.After(decision.Delay):
		case <-ctx.Done():
			return false
		}
	}
	rc.RetryCount++

	pool, err := l.store.GetProviderKeysByIDs(ctx, rc.ServiceKey.ProviderKeyIDs)
	if err != nil || len(pool) == 0 {
		return false
	}
	selected, err := l.sched.Select(rc.ServiceKey.ID, pool, rc.ServiceKey.Strategy)
	if err != nil {
		logger.Warn("retry selection exhausted", "error", err)
		return false
	}
	rc.SelectedKey = selected
	return true
}

// handleResponse runs response_filter, response_body_filter, and the
// success branch of logging/fail_to_proxy. Returns true if the caller
// should retry (a 5xx/429 response classified retryable).
func (l *Loop) handleResponse(ctx context.Context, w http.ResponseWriter, r *http.Request, rc *gwcore.RequestContext,
	strat strategy.Strategy, resp *http.Response, reqBody []byte, replayable bool, attemptStart, requestStart time.Time, logger *slog.Logger) bool {
	defer resp.Body.Close()

	if retryable, ok := l.maybeRetryStatus(ctx, rc, strat, resp, replayable); ok {
		if retryable {
			return true
		}
		l.writeUpstreamStatus(w, resp, logger)
		return false
	}

	transform.Response(resp.StatusCode, resp.Header, rc)
	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	rc.MarkBytesSent()

	streamResponseBody(w, resp.Body, rc)

	elapsed := time.Since(attemptStart)
	if l.metrics != nil {
		l.metrics.UpstreamDuration.WithLabelValues(rc.Provider.Name, strconv.Itoa(resp.StatusCode)).Observe(elapsed.Seconds())
		l.metrics.RequestsTotal.WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(resp.StatusCode)).Inc()
		l.metrics.RequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(time.Since(requestStart).Seconds())
	}
	l.sched.RecordSuccess(ctx, rc.SelectedKey.ID, rc.SelectedKey.HealthStatus, elapsed)

	if strat != nil {
		signal := strat.HandleResponseBody(resp.StatusCode, resp.Header, rc.Body(), rc)
		l.applyRateLimitSignal(ctx, rc, signal)
	}

	if l.stats != nil {
		_ = l.stats.Run(ctx, stats.Input{
			Body: rc.Body(), ContentEncoding: rc.ResponseContentEncoding, ContentType: rc.ResponseContentType,
			Provider: rc.Provider, RequestBody: reqBody, RequestURL: r.URL, RequestID: rc.RequestID, UserID: rc.ServiceKey.UserID,
			StatusCode: resp.StatusCode, DurationMs: time.Since(requestStart).Milliseconds(),
		})
	}
	rc.ResetBody()
	return false
}

// maybeRetryStatus implements the §4.9 rule 4/5 status-code branch. The
// second return value is true when the response is terminal (no bytes have
// been forwarded and the caller must stop, retrying or not). For 429/5xx it
// reads the (capped) response body up front so the strategy's
// HandleResponseBody hook can inspect it before the retry verdict is final,
// since rule 5 depends on whether that hook marks the key rate-limited.
func (l *Loop) maybeRetryStatus(ctx context.Context, rc *gwcore.RequestContext, strat strategy.Strategy, resp *http.Response, replayable bool) (retryable bool, terminal bool) {
	if resp.StatusCode < 400 {
		return false, false
	}
	if resp.StatusCode != http.StatusTooManyRequests && resp.StatusCode < 500 {
		return false, false
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxReplayBody))

	markedRateLimited := false
	if strat != nil {
		signal := strat.HandleResponseBody(resp.StatusCode, resp.Header, body, rc)
		l.applyRateLimitSignal(ctx, rc, signal)
		markedRateLimited = signal.RateLimited
	}

	decision := l.retryEval.Evaluate(retry.Request{
		Kind: retry.KindStatus, StatusCode: resp.StatusCode, RetryCount: rc.RetryCount, Budget: rc.ServiceKey.RetryBudget,
		BodyReplayable: replayable, BytesSent: rc.BytesSent, MarkedRateLimited: markedRateLimited,
	})
	if !decision.Retry {
		return false, true
	}
	return l.prepareRetry(ctx, rc, decision, gwcore.LoggerFromContext(ctx)), true
}

func (l *Loop) writeUpstreamStatus(w http.ResponseWriter, resp *http.Response, logger *slog.Logger) {
	logger.Info("upstream status passthrough", "status", resp.StatusCode)
	gwcore.WriteErrorJSON(w, gwcore.UpstreamStatusError{StatusCode: resp.StatusCode})
}

func (l *Loop) applyRateLimitSignal(ctx context.Context, rc *gwcore.RequestContext, signal strategy.RateLimitSignal) {
	if signal.RateLimited {
		l.sched.MarkRateLimited(ctx, rc.SelectedKey.ID, signal.ResetsAt, signal.Detail)
		if l.metrics != nil {
			l.metrics.HealthTransitionsTotal.WithLabelValues(rc.Provider.Name, string(gwcore.HealthRateLimited)).Inc()
		}
		return
	}
	if signal.UpdateDetail {
		l.sched.PersistDetail(ctx, rc.SelectedKey.ID, rc.SelectedKey.HealthStatus, nil, signal.Detail)
	}
}

func (l *Loop) finishAuthFailure(w http.ResponseWriter, err error, start time.Time) {
	if pe, ok := err.(gwcore.ProxyError); ok {
		gwcore.WriteErrorJSON(w, pe)
		return
	}
	gwcore.WriteErrorJSON(w, gwcore.ErrInternalBug)
}

// writeNotProxyEndpoint implements request_filter's "reject management
// paths (return 404 with a JSON body naming the management port)".
func (l *Loop) writeNotProxyEndpoint(w http.ResponseWriter) {
	msg := "not a proxy endpoint; the management API is served on a separate port"
	if l.cfg.ManagementPort > 0 {
		msg = "not a proxy endpoint; the management API is served on port " + strconv.Itoa(l.cfg.ManagementPort)
	}
	body, _ := jsonErrorBody(msg, gwcore.ErrNotProxyEndpoint.Code())
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusNotFound)
	_, _ = w.Write(body)
}

func jsonErrorBody(msg, code string) ([]byte, error) {
	return json.Marshal(gwcore.ErrorBody{Error: msg, Code: code})
}

func kindLabel(k retry.Kind) string {
	switch k {
	case retry.KindConnectTimeout:
		return "connect_timeout"
	case retry.KindReadTimeout:
		return "read_timeout"
	case retry.KindNetwork:
		return "network"
	case retry.KindStatus:
		return "status"
	default:
		return "none"
	}
}

// managementPath reports whether path starts with any configured management
// prefix (§4.10 request_filter: "reject management paths").
func managementPath(path string, prefixes []string) bool {
	for _, p := range prefixes {
		if p != "" && strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// writeCORSPreflight implements §4.10's "short-circuit CORS preflight with
// 200" and §6's "OPTIONS always yields 200 with CORS headers and no body".
func writeCORSPreflight(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	w.WriteHeader(http.StatusOK)
}

// readBody buffers the client body for retry replay (§4.9), treating
// anything over maxReplayBody as not replayable and a missing body as
// trivially replayable. A read error is returned to the caller.
func readBody(r *http.Request) ([]byte, bool, error) {
	if r.Body == nil {
		return nil, true, nil
	}
	defer r.Body.Close()
	limited := io.LimitReader(r.Body, maxReplayBody+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, false, err
	}
	if len(body) > maxReplayBody {
		return body, false, nil
	}
	return body, true, nil
}

func copyHeaders(dst, src http.Header) {
	for name, values := range src {
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}

// streamResponseBody forwards resp's body chunk-for-chunk, flushing after
// each write for SSE/NDJSON, while buffering each chunk into rc for the
// Stats Collector (§4.10 response_body_filter).
func streamResponseBody(w http.ResponseWriter, body io.Reader, rc *gwcore.RequestContext) {
	flusher, canFlush := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			transform.BufferChunk(rc, chunk)
			if _, writeErr := w.Write(chunk); writeErr != nil {
				return
			}
			if canFlush {
				flusher.Flush()
			}
		}
		if readErr != nil {
			return
		}
	}
}
