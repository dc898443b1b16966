package transform

import (
	"net/http"
	"strings"
	"testing"

	"github.com/kestrelproxy/kestrel/internal/gwcore"
)

func TestResponse_SSEHeadersSetForEventStream(t *testing.T) {
	t.Parallel()
	h := http.Header{}
	h.Set("Content-Type", "text/event-stream; charset=utf-8")
	h.Set("Content-Length", "123")
	h.Set("Cache-Control", "private")
	rc := gwcore.NewRequestContext("req-1")

	Response(http.StatusOK, h, rc)

	if h.Get("Content-Length") != "" {
		t.Fatal("expected Content-Length removed for SSE")
	}
	cc := h.Get("Cache-Control")
	if !containsAll(cc, "private", "no-cache", "no-transform") {
		t.Fatalf("Cache-Control = %q", cc)
	}
	if h.Get("X-Accel-Buffering") != "no" {
		t.Fatal("expected X-Accel-Buffering: no")
	}
	if h.Get("Connection") != "keep-alive" {
		t.Fatal("expected Connection: keep-alive")
	}
	if rc.ResponseStatus != http.StatusOK || rc.ResponseContentType == "" {
		t.Fatal("expected response metadata recorded on rc")
	}
}

func TestResponse_NonSSELeavesCacheControlAlone(t *testing.T) {
	t.Parallel()
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	rc := gwcore.NewRequestContext("req-1")

	Response(http.StatusOK, h, rc)

	if h.Get("Cache-Control") != "" {
		t.Fatalf("Cache-Control = %q, want untouched", h.Get("Cache-Control"))
	}
}

func TestResponse_CORSHeadersOnlyAddedIfAbsent(t *testing.T) {
	t.Parallel()
	h := http.Header{}
	h.Set("Access-Control-Allow-Origin", "https://example.com")
	rc := gwcore.NewRequestContext("req-1")

	Response(http.StatusOK, h, rc)

	if h.Get("Access-Control-Allow-Origin") != "https://example.com" {
		t.Fatal("expected existing CORS header preserved")
	}
	if h.Get("Access-Control-Allow-Methods") == "" {
		t.Fatal("expected missing CORS header filled in")
	}
}

func TestResponse_RemovesServerIdentifyingHeaders(t *testing.T) {
	t.Parallel()
	h := http.Header{}
	h.Set("Server", "nginx")
	h.Set("X-Powered-By", "Express")
	rc := gwcore.NewRequestContext("req-1")

	Response(http.StatusOK, h, rc)

	if h.Get("Server") != "" || h.Get("X-Powered-By") != "" {
		t.Fatal("expected Server/X-Powered-By removed")
	}
}

func containsAll(haystack string, needles ...string) bool {
	for _, n := range needles {
		if !strings.Contains(haystack, n) {
			return false
		}
	}
	return true
}
