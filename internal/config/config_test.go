package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func backendWith(t *testing.T, data map[string]string) *fileBackend {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("marshaling fixture: %v", err)
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}
	return newFileBackend(path)
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := loadWith(newFileBackend(filepath.Join(t.TempDir(), "absent.json")))
	if err != nil {
		t.Fatalf("loading defaults: %v", err)
	}

	if cfg.Server.Port != 8321 || cfg.Server.MCPPort != 8322 {
		t.Errorf("ports = %d/%d", cfg.Server.Port, cfg.Server.MCPPort)
	}
	if cfg.Retrieval.Collection != "RailDoc" || cfg.Retrieval.TopK != 5 {
		t.Errorf("retrieval defaults: %+v", cfg.Retrieval)
	}
	if cfg.Router.RegexThreshold != 0.75 || cfg.Router.DeepThreshold != 0.50 {
		t.Errorf("router defaults: %+v", cfg.Router)
	}
	if cfg.Quota.FreeDaily != 10 || cfg.Quota.DevMonthly != 2000 {
		t.Errorf("quota defaults: %+v", cfg.Quota)
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	b := backendWith(t, map[string]string{
		"server.port":            "9000",
		"providers.xai_api_key":  "xai-secret",
		"router.fast_threshold":  "0.7",
		"retrieval.weaviate_url": "http://localhost:8080",
	})

	cfg, err := loadWith(b)
	if err != nil {
		t.Fatalf("loading: %v", err)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("port = %d", cfg.Server.Port)
	}
	if cfg.Providers.XAIAPIKey != "xai-secret" {
		t.Errorf("api key = %q", cfg.Providers.XAIAPIKey)
	}
	if cfg.Router.FastThreshold != 0.7 {
		t.Errorf("fast threshold = %v", cfg.Router.FastThreshold)
	}
	if cfg.Retrieval.WeaviateURL != "http://localhost:8080" {
		t.Errorf("weaviate url = %q", cfg.Retrieval.WeaviateURL)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	b := backendWith(t, map[string]string{"server.port": "9000"})
	t.Setenv("RAILDBG_SERVER_PORT", "9100")
	t.Setenv("RAILDBG_PROVIDERS_ANTHROPIC_API_KEY", "ant-secret")

	cfg, err := loadWith(b)
	if err != nil {
		t.Fatalf("loading: %v", err)
	}
	if cfg.Server.Port != 9100 {
		t.Errorf("env should win over file, port = %d", cfg.Server.Port)
	}
	if cfg.Providers.AnthropicAPIKey != "ant-secret" {
		t.Errorf("api key = %q", cfg.Providers.AnthropicAPIKey)
	}
}

func TestLoad_RejectsBadValues(t *testing.T) {
	for _, tt := range []struct {
		name string
		data map[string]string
	}{
		{"bad int", map[string]string{"server.port": "eight"}},
		{"bad float", map[string]string{"router.mid_threshold": "high"}},
		{"bad duration", map[string]string{"providers.timeout": "30 seconds"}},
	} {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := loadWith(backendWith(t, tt.data)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestLoad_RejectsBadEnvValue(t *testing.T) {
	t.Setenv("RAILDBG_RETRIEVAL_TOP_K", "many")

	_, err := loadWith(newFileBackend(filepath.Join(t.TempDir(), "absent.json")))
	if err == nil || !strings.Contains(err.Error(), "RAILDBG_RETRIEVAL_TOP_K") {
		t.Fatalf("expected env var error, got %v", err)
	}
}

func TestEnvName(t *testing.T) {
	for key, want := range map[string]string{
		"server.mcp_port":       "RAILDBG_SERVER_MCP_PORT",
		"api.token":             "RAILDBG_API_TOKEN",
		"router.deep_threshold": "RAILDBG_ROUTER_DEEP_THRESHOLD",
	} {
		if got := envName(key); got != want {
			t.Errorf("envName(%q) = %q, want %q", key, got, want)
		}
	}
}

func TestShowAll_MasksSecrets(t *testing.T) {
	cfg := defaults()
	cfg.Providers.XAIAPIKey = "xai-secret"
	cfg.API.Token = "tok"

	kvs := ShowAll(cfg)
	byKey := map[string]string{}
	for _, kv := range kvs {
		byKey[kv.Key] = kv.Value
	}

	if byKey["providers.xai_api_key"] != "********" {
		t.Errorf("api key not masked: %q", byKey["providers.xai_api_key"])
	}
	if byKey["api.token"] != "********" {
		t.Errorf("token not masked: %q", byKey["api.token"])
	}
	// Unset secrets stay visibly empty so users can tell them apart.
	if byKey["providers.anthropic_api_key"] != "" {
		t.Errorf("unset secret should be empty, got %q", byKey["providers.anthropic_api_key"])
	}
	if byKey["server.port"] != "8321" {
		t.Errorf("port = %q", byKey["server.port"])
	}

	for i := 1; i < len(kvs); i++ {
		if kvs[i-1].Key > kvs[i].Key {
			t.Fatalf("keys not sorted: %q before %q", kvs[i-1].Key, kvs[i].Key)
		}
	}
}

func TestFileBackend_PutRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.json")

	b := newFileBackend(path)
	if err := b.put("server.port", "9000"); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := b.put("log.level", "debug"); err != nil {
		t.Fatalf("put: %v", err)
	}

	reread := newFileBackend(path)
	if v, ok := reread.get("server.port"); !ok || v != "9000" {
		t.Errorf("server.port = %q, %v", v, ok)
	}
	if v, ok := reread.get("log.level"); !ok || v != "debug" {
		t.Errorf("log.level = %q, %v", v, ok)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("config file mode = %v", info.Mode().Perm())
	}
}

func TestFileBackend_CorruptFileFallsBackToDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}

	cfg, err := loadWith(newFileBackend(path))
	if err != nil {
		t.Fatalf("corrupt file must not fail load: %v", err)
	}
	if cfg.Server.Port != 8321 {
		t.Errorf("port = %d", cfg.Server.Port)
	}
}
