package strategy

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kestrelproxy/kestrel/internal/gwcore"
)

func TestAnthropic_ScrubReplacesClientSegmentKeepsSession(t *testing.T) {
	t.Parallel()
	s := NewAnthropic()
	body := []byte(`{"metadata":{"user_id":"user_1234567890abcdef1234567890abcdef1234567890abcdef1234567890abcdef_account__session_550e8400-e29b-41d4-a716-446655440000"}}`)
	out, modified, err := s.ModifyRequestBodyJSON("/v1/messages", body, &gwcore.RequestContext{})
	if err != nil {
		t.Fatal(err)
	}
	if !modified {
		t.Fatal("expected a scrub")
	}
	want := `"user_id":"user_a1b2c3d4e5f6789012345678901234567890abcdef1234567890abcdef123456_account__session_550e8400-e29b-41d4-a716-446655440000"`
	if !strings.Contains(string(out), want) {
		t.Fatalf("got %s", out)
	}
}

func TestAnthropic_ScrubIsIdempotent(t *testing.T) {
	t.Parallel()
	s := NewAnthropic()
	body := []byte(`{"metadata":{"user_id":"user_1234567890abcdef1234567890abcdef1234567890abcdef1234567890abcdef_account__session_550e8400-e29b-41d4-a716-446655440000"}}`)
	once, _, _ := s.ModifyRequestBodyJSON("/v1/messages", body, &gwcore.RequestContext{})
	twice, modified, err := s.ModifyRequestBodyJSON("/v1/messages", once, &gwcore.RequestContext{})
	if err != nil {
		t.Fatal(err)
	}
	if modified {
		t.Fatal("scrubbing an already-scrubbed user_id must be the identity")
	}
	if string(once) != string(twice) {
		t.Fatalf("not idempotent: %s != %s", once, twice)
	}
}

func TestAnthropic_ScrubNoMatchLeavesBodyUnchanged(t *testing.T) {
	t.Parallel()
	s := NewAnthropic()
	body := []byte(`{"metadata":{"user_id":"invalid_format"}}`)
	out, modified, err := s.ModifyRequestBodyJSON("/v1/messages", body, &gwcore.RequestContext{})
	if err != nil {
		t.Fatal(err)
	}
	if modified {
		t.Fatal("expected no scrub for an invalid-format user_id")
	}
	if string(out) != string(body) {
		t.Fatal("body should be unchanged")
	}
}

func TestAnthropic_SuppliesDefaultVersionHeader(t *testing.T) {
	t.Parallel()
	s := NewAnthropic()
	r := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	if err := s.ModifyRequest(r, &gwcore.RequestContext{}); err != nil {
		t.Fatal(err)
	}
	if got := r.Header.Get("anthropic-version"); got != defaultAnthropicVersion {
		t.Fatalf("anthropic-version = %q", got)
	}
}

func TestAnthropic_PreservesClientSuppliedVersionHeader(t *testing.T) {
	t.Parallel()
	s := NewAnthropic()
	r := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	r.Header.Set("anthropic-version", "2022-01-01")
	if err := s.ModifyRequest(r, &gwcore.RequestContext{}); err != nil {
		t.Fatal(err)
	}
	if got := r.Header.Get("anthropic-version"); got != "2022-01-01" {
		t.Fatalf("anthropic-version = %q, want client value preserved", got)
	}
}
