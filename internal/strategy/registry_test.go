package strategy

import "testing"

func TestRegistry_ResolveAliases(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	cases := map[string]string{
		"openai":      "openai",
		"ChatGPT":     "openai",
		"openai-api":  "openai",
		"gemini":      "gemini",
		"Google":      "gemini",
		"anthropic":   "anthropic",
		"Claude":      "anthropic",
		"claude-api":  "anthropic",
		"claude_pro":  "anthropic",
	}
	for name, want := range cases {
		s := r.Resolve(name)
		if s == nil {
			t.Fatalf("Resolve(%q) = nil, want %q", name, want)
		}
		if s.Name() != want {
			t.Fatalf("Resolve(%q).Name() = %q, want %q", name, s.Name(), want)
		}
	}
}

func TestRegistry_ResolveUnknown(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	if s := r.Resolve("unknown-vendor"); s != nil {
		t.Fatalf("expected nil for unknown vendor, got %v", s.Name())
	}
}

func TestRegistry_ResolveCached(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	first := r.Resolve("openai")
	second := r.Resolve("openai")
	if first != second {
		t.Fatal("expected the cached resolution to return the same strategy instance")
	}
}
