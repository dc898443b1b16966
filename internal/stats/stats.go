// Package stats implements the Stats Collector (§4.7): the end-of-stream
// pass that decompresses the buffered response body, parses it by content
// type, sums token usage through the extractor, prices it, and hands the
// result to an external sink. Grounded on the base gateway's
// `internal/worker/usage_recorder.go` buffered-channel batch-sink pattern
// for the hand-off boundary, and on `internal/provider/sseutil` (now
// `internal/sse`) for the streaming-body parse shapes.
package stats

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"context"
	"io"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/andybalholm/brotli"

	"github.com/kestrelproxy/kestrel/internal/extractor"
	"github.com/kestrelproxy/kestrel/internal/gwcore"
	"github.com/kestrelproxy/kestrel/internal/pricing"
	"github.com/kestrelproxy/kestrel/internal/sse"
)

// decompressCap bounds decompressed body size (§4.7 step 1: "bytes past the
// cap are dropped"), matching the §4.6 buffering cap.
const decompressCap = gwcore.DefaultBodyCap

// UsageSink is the external hand-off interface (§4.7 step 7); the default
// production implementation is worker.UsageRecorder.
type UsageSink interface {
	Record(ctx context.Context, rec gwcore.UsageRecord) error
}

// Input bundles everything the Collector needs to run once per request.
type Input struct {
	Body            []byte
	ContentEncoding string
	ContentType     string
	Provider        gwcore.ProviderType
	RequestBody     []byte
	RequestURL      *url.URL
	RequestID       string
	UserID          string
	StatusCode      int
	DurationMs      int64
}

// Collector runs the §4.7 end-of-stream pipeline.
type Collector struct {
	extractors *extractor.Registry
	pricing    *pricing.Evaluator
	sink       UsageSink
}

func NewCollector(extractors *extractor.Registry, pricer *pricing.Evaluator, sink UsageSink) *Collector {
	return &Collector{extractors: extractors, pricing: pricer, sink: sink}
}

// Run executes the full pipeline and hands the result to the sink. Errors
// from the sink are returned; parse/decompress failures are absorbed into a
// zeroed usage result per §4.7's best-effort contract (a malformed response
// body must never fail the proxied request).
func (c *Collector) Run(ctx context.Context, in Input) error {
	raw := decompress(in.Body, in.ContentEncoding)

	rec := gwcore.UsageRecord{
		RequestID:  in.RequestID,
		UserID:     in.UserID,
		StatusCode: in.StatusCode,
		DurationMs: in.DurationMs,
		CreatedAt:  time.Now(),
	}

	if !utf8.Valid(raw) {
		return c.sink.Record(ctx, rec)
	}

	compiled, err := c.extractors.Get(in.Provider)
	if err != nil {
		return c.sink.Record(ctx, rec)
	}

	usage, lastJSON := parseByContentType(raw, in.ContentType, compiled.Mapping)
	rec.Usage = usage.Normalize()

	rec.Model = resolveModel(compiled.ModelRule, in.RequestBody, in.RequestURL, lastJSON)

	result := c.pricing.Evaluate(ctx, in.Provider.ID, rec.Model, rec.Usage)
	rec.CostUSD = result.CostUSD
	rec.Currency = result.Currency
	rec.UsedFallback = result.UsedFallback

	return c.sink.Record(ctx, rec)
}

// decompress implements §4.7 step 1: normalize Content-Encoding by its first
// comma-separated token, lowercased, dispatch to the matching decoder, and
// read under decompressCap. Unrecognized encodings pass the raw bytes
// through unchanged.
func decompress(body []byte, contentEncoding string) []byte {
	enc := firstToken(contentEncoding)
	var r io.Reader
	switch enc {
	case "gzip":
		gz, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return body
		}
		defer gz.Close()
		r = gz
	case "deflate":
		fr := flate.NewReader(bytes.NewReader(body))
		defer fr.Close()
		r = fr
	case "br":
		r = brotli.NewReader(bytes.NewReader(body))
	default:
		return body
	}
	out, _ := io.ReadAll(io.LimitReader(r, decompressCap+1))
	if int64(len(out)) > decompressCap {
		out = out[:decompressCap]
	}
	return out
}

func firstToken(contentEncoding string) string {
	first, _, _ := strings.Cut(contentEncoding, ",")
	return strings.ToLower(strings.TrimSpace(first))
}

// parseByContentType implements §4.7 step 3, returning the accumulated usage
// sum and the most recent non-null JSON document seen (used for model-name
// extraction in step 5).
func parseByContentType(raw []byte, contentType string, mapping *extractor.Mapping) (gwcore.TokenUsageMetrics, []byte) {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	switch {
	case strings.HasPrefix(ct, "text/event-stream"):
		return parseSSE(raw, mapping)
	case strings.Contains(ct, "application/stream+json") || strings.Contains(ct, "ndjson") || strings.HasSuffix(ct, "jsonl"):
		return parseNDJSON(raw, mapping)
	default:
		return parseWholeBody(raw, mapping)
	}
}

func parseSSE(raw []byte, mapping *extractor.Mapping) (gwcore.TokenUsageMetrics, []byte) {
	dec := sse.NewDecoder()
	dec.Write(raw)
	var total gwcore.TokenUsageMetrics
	var lastJSON []byte
	for {
		ev, ok := dec.Decode()
		if !ok {
			break
		}
		total, lastJSON = accumulate(ev.Data, mapping, total, lastJSON)
	}
	if ev, ok := dec.Flush(); ok {
		total, lastJSON = accumulate(ev.Data, mapping, total, lastJSON)
	}
	return total, lastJSON
}

func parseNDJSON(raw []byte, mapping *extractor.Mapping) (gwcore.TokenUsageMetrics, []byte) {
	var total gwcore.TokenUsageMetrics
	var lastJSON []byte
	_ = sse.ScanNDJSON(bytes.NewReader(raw), func(line []byte) bool {
		total, lastJSON = accumulate(line, mapping, total, lastJSON)
		return true
	})
	return total, lastJSON
}

// parseWholeBody implements §4.7 step 3's else branch: try the whole body,
// then the last parseable line, then a bracket-depth scan from the end.
func parseWholeBody(raw []byte, mapping *extractor.Mapping) (gwcore.TokenUsageMetrics, []byte) {
	if looksLikeJSON(raw) {
		return mapping.Extract(raw), raw
	}
	var lastLine []byte
	_ = sse.ScanNDJSON(bytes.NewReader(raw), func(line []byte) bool {
		lastLine = append(lastLine[:0], line...)
		return true
	})
	if len(lastLine) > 0 {
		return mapping.Extract(lastLine), lastLine
	}
	if candidate, ok := sse.LastBalancedJSON(raw); ok {
		return mapping.Extract(candidate), candidate
	}
	return gwcore.TokenUsageMetrics{}, nil
}

func looksLikeJSON(raw []byte) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[')
}

// accumulate applies one event/line's JSON payload to the running total
// (§4.7 step 3: "For each event whose payload is parseable JSON and
// non-null, run the token extractor ... and sum"). The OpenAI `[DONE]`
// sentinel and any non-JSON payload are simply skipped.
func accumulate(payload []byte, mapping *extractor.Mapping, total gwcore.TokenUsageMetrics, lastJSON []byte) (gwcore.TokenUsageMetrics, []byte) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("[DONE]")) || !looksLikeJSON(trimmed) || bytes.Equal(trimmed, []byte("null")) {
		return total, lastJSON
	}
	return total.Add(mapping.Extract(trimmed)), trimmed
}

// resolveModel implements §4.7 step 5's priority chain.
func resolveModel(rule *extractor.ModelRule, reqBody []byte, reqURL *url.URL, lastJSON []byte) string {
	var query func(string) (string, bool)
	var urlStr string
	if reqURL != nil {
		urlStr = reqURL.String()
		q := reqURL.Query()
		query = func(name string) (string, bool) {
			v := q.Get(name)
			return v, v != ""
		}
	}
	if model, ok := rule.FromRequest(reqBody, urlStr, query); ok {
		return model
	}
	if len(lastJSON) > 0 {
		if model, ok := extractor.FromResponse(lastJSON); ok {
			return model
		}
	}
	if model, ok := rule.Fallback(); ok {
		return model
	}
	return ""
}
