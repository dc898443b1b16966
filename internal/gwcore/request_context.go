package gwcore

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// RequestContext lives for one proxied call (§3 PerRequestContext). It is
// exclusively owned by the proxy loop task for the lifetime of the request
// and is never shared across goroutines/tasks.
type RequestContext struct {
	RequestID string
	Start     time.Time

	ServiceKey     UserServiceKey
	SelectedKey    UserProviderKey
	Credential     ResolvedCredential
	Provider       ProviderType
	StrategyName   string

	WillModifyBody bool

	RetryCount   int
	BudgetSpent  bool
	BytesSent    bool

	ResponseStatus          int
	ResponseContentType     string
	ResponseContentEncoding string

	bodyMu      sync.Mutex
	bodyBuf     []byte
	bodyCap     int
	bodyDropped bool

	Model string
	Usage TokenUsageMetrics

	// OAuth-derived per-request hints, e.g. OpenAI's chatgpt-account-id.
	Hints map[string]string
}

// DefaultBodyCap is the 2 MiB buffering cap from §4.6/§5. AppendBody applies
// it to the response bytes as received; the Stats Collector caps the
// decompressed output separately.
const DefaultBodyCap = 2 * 1024 * 1024

// NewRequestContext constructs a RequestContext with the default body cap.
func NewRequestContext(requestID string) *RequestContext {
	return &RequestContext{
		RequestID: requestID,
		Start:     time.Now(),
		bodyCap:   DefaultBodyCap,
		Hints:     make(map[string]string),
	}
}

// AppendBody buffers a response chunk up to the cap (§4.6: "Excess is
// dropped for statistics but still forwarded to the client verbatim" --
// callers always forward the chunk to the client whether or not this call
// buffered it).
func (c *RequestContext) AppendBody(chunk []byte) {
	c.bodyMu.Lock()
	defer c.bodyMu.Unlock()
	if len(c.bodyBuf) >= c.bodyCap {
		c.bodyDropped = true
		return
	}
	room := c.bodyCap - len(c.bodyBuf)
	if len(chunk) > room {
		chunk = chunk[:room]
		c.bodyDropped = true
	}
	c.bodyBuf = append(c.bodyBuf, chunk...)
}

// Body returns the buffered bytes collected so far.
func (c *RequestContext) Body() []byte {
	c.bodyMu.Lock()
	defer c.bodyMu.Unlock()
	return c.bodyBuf
}

// ResetBody clears the buffer; the Proxy Loop calls this once the Stats
// Collector has run (§4.7 step 7: "Clearing the body buffer is mandatory").
func (c *RequestContext) ResetBody() {
	c.bodyMu.Lock()
	defer c.bodyMu.Unlock()
	c.bodyBuf = nil
	c.bodyDropped = false
}

// Elapsed returns the time since the request started.
func (c *RequestContext) Elapsed() time.Duration { return time.Since(c.Start) }

// MarkBytesSent records that at least one response byte has reached the
// client; the Retry Evaluator's rule 1 depends on this flag.
func (c *RequestContext) MarkBytesSent() { c.BytesSent = true }

// WriteErrorJSON writes the §6 error response shape.
func WriteErrorJSON(w http.ResponseWriter, err ProxyError) {
	body, encErr := json.Marshal(ErrorBody{Error: err.Error(), Code: err.Code()})
	if encErr != nil {
		body = []byte(`{"error":"internal error","code":"INTERNAL_ERROR"}`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.HTTPStatus())
	_, _ = w.Write(body)
}
