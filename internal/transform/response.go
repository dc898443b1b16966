package transform

import (
	"net/http"
	"strings"

	"github.com/kestrelproxy/kestrel/internal/gwcore"
)

var corsHeaders = map[string]string{
	"Access-Control-Allow-Origin":  "*",
	"Access-Control-Allow-Methods": "GET,POST,PUT,DELETE,OPTIONS",
	"Access-Control-Allow-Headers": "Content-Type, Authorization",
}

// Response runs the §4.6 header rewrite against an upstream response's
// headers before any bytes are relayed to the client, and records the
// status/content metadata rc's later stages (Retry Evaluator, Stats
// Collector) depend on.
func Response(statusCode int, header http.Header, rc *gwcore.RequestContext) {
	rc.ResponseStatus = statusCode
	rc.ResponseContentType = header.Get("Content-Type")
	rc.ResponseContentEncoding = header.Get("Content-Encoding")

	if isEventStream(rc.ResponseContentType) {
		header.Del("Content-Length")
		appendCacheControlDirectives(header, "no-cache", "no-transform")
		header.Set("X-Accel-Buffering", "no")
		header.Set("Connection", "keep-alive")
	}

	for name, value := range corsHeaders {
		if header.Get(name) == "" {
			header.Set(name, value)
		}
	}

	header.Del("X-Powered-By")
	header.Del("Server")
}

func isEventStream(contentType string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(contentType)), "text/event-stream")
}

// appendCacheControlDirectives ensures each of directives is present in the
// Cache-Control header, appending rather than overwriting any directives the
// upstream already set (§4.6).
func appendCacheControlDirectives(header http.Header, directives ...string) {
	existing := splitDirectives(header.Get("Cache-Control"))
	have := make(map[string]bool, len(existing))
	for _, d := range existing {
		have[strings.ToLower(d)] = true
	}
	for _, d := range directives {
		if !have[strings.ToLower(d)] {
			existing = append(existing, d)
			have[strings.ToLower(d)] = true
		}
	}
	header.Set("Cache-Control", strings.Join(existing, ", "))
}

func splitDirectives(v string) []string {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// BufferChunk feeds a response chunk into rc's capped buffer (§4.6: "Body
// chunks are buffered into the context up to a hard cap ... Excess is
// dropped for statistics but still forwarded to the client verbatim").
// Callers must still write chunk to the client regardless of this call.
func BufferChunk(rc *gwcore.RequestContext, chunk []byte) {
	rc.AppendBody(chunk)
}
