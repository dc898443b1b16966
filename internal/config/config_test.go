package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "kestrel.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
server:
  addr: ":9090"
  read_timeout: 10s
database:
  dsn: ":memory:"
proxy:
  management_prefixes: ["/admin", "/internal"]
  management_port: 9091
  provider_timeout_ms: 15000
seed:
  provider_types:
    - name: openai
      auth_type: api_key
      base_url: https://api.openai.com
  provider_keys:
    - provider_type: openai
      user_id: user-1
      api_key: sk-test
      weight: 2
  service_keys:
    - provider_type: openai
      user_id: user-1
      api_key: client-key-1
      provider_keys: [0]
      strategy: weighted
      retry_budget: 2
      timeout_seconds: 10
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Server.Addr != ":9090" {
		t.Errorf("addr = %q, want %q", cfg.Server.Addr, ":9090")
	}
	if cfg.Database.DSN != ":memory:" {
		t.Errorf("dsn = %q, want %q", cfg.Database.DSN, ":memory:")
	}
	if cfg.Proxy.ManagementPort != 9091 {
		t.Errorf("proxy.management_port = %d, want 9091", cfg.Proxy.ManagementPort)
	}
	if cfg.Proxy.ProviderTimeout() != 15*time.Second {
		t.Errorf("proxy.ProviderTimeout() = %v, want 15s", cfg.Proxy.ProviderTimeout())
	}
	if len(cfg.Seed.ProviderTypes) != 1 || cfg.Seed.ProviderTypes[0].Name != "openai" {
		t.Fatalf("seed.provider_types = %+v", cfg.Seed.ProviderTypes)
	}
	if len(cfg.Seed.ServiceKeys) != 1 || cfg.Seed.ServiceKeys[0].Strategy != "weighted" {
		t.Fatalf("seed.service_keys = %+v", cfg.Seed.ServiceKeys)
	}
}

func TestExpandEnv(t *testing.T) {
	// Cannot use t.Parallel() with t.Setenv.
	t.Setenv("TEST_API_KEY", "sk-secret-123")

	result := expandEnv([]byte("key: ${TEST_API_KEY}"))
	if string(result) != "key: sk-secret-123" {
		t.Errorf("expandEnv = %q, want %q", string(result), "key: sk-secret-123")
	}

	unset := expandEnv([]byte("${KESTREL_DEFINITELY_UNSET_VAR}"))
	if string(unset) != "${KESTREL_DEFINITELY_UNSET_VAR}" {
		t.Errorf("expandEnv with unset var = %q, want unchanged", unset)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `{}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Server.Addr != ":8080" {
		t.Errorf("default addr = %q, want %q", cfg.Server.Addr, ":8080")
	}
	if cfg.Database.DSN != "kestrel.db" {
		t.Errorf("default dsn = %q, want %q", cfg.Database.DSN, "kestrel.db")
	}
	if cfg.Proxy.ManagementPort != 9090 {
		t.Errorf("default proxy.management_port = %d, want 9090", cfg.Proxy.ManagementPort)
	}
	if len(cfg.Proxy.ManagementPrefixes) != 1 || cfg.Proxy.ManagementPrefixes[0] != "/admin" {
		t.Errorf("default proxy.management_prefixes = %+v", cfg.Proxy.ManagementPrefixes)
	}
	if cfg.Proxy.ProviderTimeout() != 30*time.Second {
		t.Errorf("default proxy.ProviderTimeout() = %v, want 30s", cfg.Proxy.ProviderTimeout())
	}
}
