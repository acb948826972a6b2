package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultsAfterNormalize(t *testing.T) {
	cfg := &ServerConfig{}
	cfg.Normalize()
	if cfg.Retry.MaxAttempts != 2 {
		t.Fatalf("unexpected default max_attempts: %d", cfg.Retry.MaxAttempts)
	}
	if cfg.Retry.OnStatus != "429,502,503,504,524" {
		t.Fatalf("unexpected default on_status: %q", cfg.Retry.OnStatus)
	}
	if cfg.Retry.CloudflareChallengeCooldownSecs != 300 ||
		cfg.Retry.CloudflareTimeoutCooldownSecs != 60 ||
		cfg.Retry.TransportCooldownSecs != 30 {
		t.Fatalf("unexpected cooldown defaults: %+v", cfg.Retry)
	}
	if cfg.RequestLog.MaxBytes != 50<<20 || cfg.RequestLog.MaxFiles != 10 {
		t.Fatalf("unexpected request log defaults: %+v", cfg.RequestLog)
	}
	if cfg.Timeouts.ConnectSecs != 10 || cfg.Timeouts.ReadHeadSecs != 30 || cfg.Timeouts.StreamIdleSecs != 120 {
		t.Fatalf("unexpected timeout defaults: %+v", cfg.Timeouts)
	}
	if cfg.BodyMaxBytes != 10<<20 {
		t.Fatalf("unexpected body cap: %d", cfg.BodyMaxBytes)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CODEX_HELPER_RETRY_MAX_ATTEMPTS", "5")
	t.Setenv("CODEX_HELPER_RETRY_ON_STATUS", "500-599")
	t.Setenv("CODEX_HELPER_RETRY_ON_CLASS", "cloudflare_timeout, upstream_transport_error")
	t.Setenv("CODEX_HELPER_RETRY_BACKOFF_MS", "50")
	t.Setenv("CODEX_HELPER_RETRY_TRANSPORT_COOLDOWN_SECS", "7")
	t.Setenv("CODEX_HELPER_REQUEST_LOG_ONLY_ERRORS", "true")
	t.Setenv("CODEX_HELPER_REQUEST_LOG_MAX_FILES", "3")

	cfg := NewDefaultServerConfig()
	cfg.Normalize()
	cfg.ApplyEnvOverrides()
	if cfg.Retry.MaxAttempts != 5 {
		t.Fatalf("max_attempts override failed: %d", cfg.Retry.MaxAttempts)
	}
	if cfg.Retry.OnStatus != "500-599" {
		t.Fatalf("on_status override failed: %q", cfg.Retry.OnStatus)
	}
	if len(cfg.Retry.OnClass) != 2 || cfg.Retry.OnClass[0] != "cloudflare_timeout" {
		t.Fatalf("on_class override failed: %v", cfg.Retry.OnClass)
	}
	if cfg.Retry.BackoffMS != 50 || cfg.Retry.TransportCooldownSecs != 7 {
		t.Fatalf("numeric overrides failed: %+v", cfg.Retry)
	}
	if !cfg.RequestLog.OnlyErrors || cfg.RequestLog.MaxFiles != 3 {
		t.Fatalf("request log overrides failed: %+v", cfg.RequestLog)
	}
}

func TestEnvOverrideRejectsOutOfRangeAttempts(t *testing.T) {
	t.Setenv("CODEX_HELPER_RETRY_MAX_ATTEMPTS", "99")
	cfg := NewDefaultServerConfig()
	cfg.Normalize()
	cfg.ApplyEnvOverrides()
	if cfg.Retry.MaxAttempts != 2 {
		t.Fatalf("out-of-range attempts must be ignored, got %d", cfg.Retry.MaxAttempts)
	}
}

func TestValidateRejectsDuplicateConfigNames(t *testing.T) {
	cfg := NewDefaultServerConfig()
	cfg.Codex.Configs = []ServiceConfig{
		{Name: "a", Upstreams: []UpstreamConfig{{BaseURL: "https://x.example"}}},
		{Name: "a", Upstreams: []UpstreamConfig{{BaseURL: "https://y.example"}}},
	}
	cfg.Normalize()
	if err := cfg.Validate(); err == nil {
		t.Fatalf("duplicate config names must fail validation")
	}
}

func TestValidateRejectsRelativeBaseURL(t *testing.T) {
	cfg := NewDefaultServerConfig()
	cfg.Codex.Configs = []ServiceConfig{
		{Name: "a", Upstreams: []UpstreamConfig{{BaseURL: "/v1"}}},
	}
	cfg.Normalize()
	if err := cfg.Validate(); err == nil {
		t.Fatalf("relative base_url must fail validation")
	}
}

func TestValidateRejectsUnknownActive(t *testing.T) {
	cfg := NewDefaultServerConfig()
	cfg.Codex.Active = "ghost"
	cfg.Normalize()
	if err := cfg.Validate(); err == nil {
		t.Fatalf("active pointing at a missing config must fail")
	}
}

func TestHasMultipleLevels(t *testing.T) {
	disabled := false
	mgr := ServiceConfigManager{
		Active: "a",
		Configs: []ServiceConfig{
			{Name: "a", Level: 1, Upstreams: []UpstreamConfig{{BaseURL: "https://a"}}},
			{Name: "b", Level: 2, Upstreams: []UpstreamConfig{{BaseURL: "https://b"}}},
		},
	}
	if !mgr.HasMultipleLevels() {
		t.Fatalf("two distinct levels should report true")
	}
	mgr.Configs[1].Enabled = &disabled
	if mgr.HasMultipleLevels() {
		t.Fatalf("disabled non-active configs are excluded from the level count")
	}
}

func TestLoadRoundTripAndStoreReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "codex-helper.toml")

	cfg := NewDefaultServerConfig()
	cfg.Codex = ServiceConfigManager{
		Active: "main",
		Configs: []ServiceConfig{{
			Name: "main",
			Upstreams: []UpstreamConfig{{
				BaseURL: "https://up.example/v1",
				Auth:    UpstreamAuth{AuthTokenEnv: "OPENAI_API_KEY"},
				Tags:    map[string]string{"provider_id": "openai"},
			}},
		}},
	}
	cfg.Normalize()
	if err := Save(path, cfg); err != nil {
		t.Fatalf("save config: %v", err)
	}

	loaded, err := LoadServerConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	up := loaded.Codex.Configs[0].Upstreams[0]
	if up.BaseURL != "https://up.example/v1" || up.Auth.AuthTokenEnv != "OPENAI_API_KEY" {
		t.Fatalf("round trip lost fields: %+v", up)
	}
	if up.ProviderID() != "openai" {
		t.Fatalf("provider tag lost: %+v", up.Tags)
	}

	store := NewStore(path, loaded)
	before := store.Snapshot()

	// Rewrite the file with a different active config and reload.
	cfg.Codex.Configs = append(cfg.Codex.Configs, ServiceConfig{
		Name:      "backup",
		Upstreams: []UpstreamConfig{{BaseURL: "https://backup.example"}},
	})
	cfg.Codex.Active = "backup"
	if err := Save(path, cfg); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}
	if err := store.Reload(); err != nil {
		t.Fatalf("reload: %v", err)
	}
	after := store.Snapshot()
	if after.Config.Codex.Active != "backup" {
		t.Fatalf("reload did not pick up new active config")
	}
	// The old snapshot is untouched: in-flight requests keep their view.
	if before.Config.Codex.Active != "main" {
		t.Fatalf("previous snapshot mutated by reload")
	}
}

func TestReloadKeepsPreviousSnapshotOnParseError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "codex-helper.toml")
	cfg := NewDefaultServerConfig()
	cfg.Normalize()
	if err := Save(path, cfg); err != nil {
		t.Fatalf("save: %v", err)
	}
	store := NewStore(path, cfg)
	if err := os.WriteFile(path, []byte("this is { not toml"), 0o600); err != nil {
		t.Fatalf("corrupt file: %v", err)
	}
	if err := store.Reload(); err == nil {
		t.Fatalf("expected reload error for corrupt file")
	}
	if store.Snapshot() == nil || store.Snapshot().Config == nil {
		t.Fatalf("previous snapshot must survive a failed reload")
	}
}
