package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

const defaultConfigFileName = "codex-helper.toml"

const (
	ServiceCodex  = "codex"
	ServiceClaude = "claude"
)

// UpstreamAuth carries the credential material for one upstream. Inline
// values win over env indirection; env names are preferred for anything
// persisted to disk.
type UpstreamAuth struct {
	AuthToken    string `toml:"auth_token,omitempty" json:"auth_token,omitempty"`
	AuthTokenEnv string `toml:"auth_token_env,omitempty" json:"auth_token_env,omitempty"`
	APIKey       string `toml:"api_key,omitempty" json:"api_key,omitempty"`
	APIKeyEnv    string `toml:"api_key_env,omitempty" json:"api_key_env,omitempty"`
}

// ModelMapping rewrites a request model matching Match (glob) to Target.
// Entries are ordered; the first match wins.
type ModelMapping struct {
	Match  string `toml:"match" json:"match"`
	Target string `toml:"target" json:"target"`
}

type UpstreamConfig struct {
	BaseURL string            `toml:"base_url" json:"base_url"`
	Auth    UpstreamAuth      `toml:"auth,omitempty" json:"auth"`
	Tags    map[string]string `toml:"tags,omitempty" json:"tags,omitempty"`
	// SupportedModels is a set of glob patterns; empty means any model.
	SupportedModels []string       `toml:"supported_models,omitempty" json:"supported_models,omitempty"`
	ModelMapping    []ModelMapping `toml:"model_mapping,omitempty" json:"model_mapping,omitempty"`
	// RequiresOpenAIAuth keeps the client's own Authorization header when
	// this upstream has no configured token.
	RequiresOpenAIAuth bool `toml:"requires_openai_auth,omitempty" json:"requires_openai_auth,omitempty"`
}

func (u UpstreamConfig) ProviderID() string {
	return strings.TrimSpace(u.Tags["provider_id"])
}

type ServiceConfig struct {
	Name  string `toml:"name" json:"name"`
	Alias string `toml:"alias,omitempty" json:"alias,omitempty"`
	// Enabled defaults to true when absent from the file.
	Enabled *bool `toml:"enabled,omitempty" json:"enabled,omitempty"`
	// Level orders configs for fallback routing: 1..10, lower first.
	Level     int              `toml:"level,omitempty" json:"level,omitempty"`
	Upstreams []UpstreamConfig `toml:"upstreams" json:"upstreams"`
}

func (c ServiceConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// ServiceConfigManager groups the configs of one service and names the
// active one.
type ServiceConfigManager struct {
	Active  string          `toml:"active,omitempty" json:"active,omitempty"`
	Configs []ServiceConfig `toml:"configs,omitempty" json:"configs,omitempty"`
}

func (m *ServiceConfigManager) Config(name string) (ServiceConfig, bool) {
	for _, c := range m.Configs {
		if c.Name == name {
			return c, true
		}
	}
	return ServiceConfig{}, false
}

func (m *ServiceConfigManager) ActiveConfig() (ServiceConfig, bool) {
	if m.Active != "" {
		if c, ok := m.Config(m.Active); ok {
			return c, true
		}
	}
	if len(m.Configs) == 0 {
		return ServiceConfig{}, false
	}
	// No explicit active config: fall back to the lexically first name.
	best := m.Configs[0]
	for _, c := range m.Configs[1:] {
		if c.Name < best.Name {
			best = c
		}
	}
	return best, true
}

// HasMultipleLevels reports whether routing should extend beyond the
// active config (distinct levels exist among enabled configs).
func (m *ServiceConfigManager) HasMultipleLevels() bool {
	levels := map[int]struct{}{}
	for _, c := range m.Configs {
		if !c.IsEnabled() && c.Name != m.Active {
			continue
		}
		if len(c.Upstreams) == 0 {
			continue
		}
		levels[clampLevel(c.Level)] = struct{}{}
	}
	return len(levels) > 1
}

type RetryConfig struct {
	MaxAttempts                     int      `toml:"max_attempts,omitempty" json:"max_attempts"`
	BackoffMS                       int64    `toml:"backoff_ms,omitempty" json:"backoff_ms"`
	BackoffMaxMS                    int64    `toml:"backoff_max_ms,omitempty" json:"backoff_max_ms"`
	JitterMS                        int64    `toml:"jitter_ms,omitempty" json:"jitter_ms"`
	OnStatus                        string   `toml:"on_status,omitempty" json:"on_status"`
	OnClass                         []string `toml:"on_class,omitempty" json:"on_class"`
	CloudflareChallengeCooldownSecs int64    `toml:"cloudflare_challenge_cooldown_secs,omitempty" json:"cloudflare_challenge_cooldown_secs"`
	CloudflareTimeoutCooldownSecs   int64    `toml:"cloudflare_timeout_cooldown_secs,omitempty" json:"cloudflare_timeout_cooldown_secs"`
	TransportCooldownSecs           int64    `toml:"transport_cooldown_secs,omitempty" json:"transport_cooldown_secs"`
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  2,
		BackoffMS:    200,
		BackoffMaxMS: 2000,
		JitterMS:     100,
		OnStatus:     "429,502,503,504,524",
		OnClass: []string{
			"upstream_transport_error",
			"cloudflare_timeout",
			"cloudflare_challenge",
		},
		CloudflareChallengeCooldownSecs: 300,
		CloudflareTimeoutCooldownSecs:   60,
		TransportCooldownSecs:           30,
	}
}

type RequestLogConfig struct {
	MaxBytes   int64 `toml:"max_bytes,omitempty" json:"max_bytes"`
	MaxFiles   int   `toml:"max_files,omitempty" json:"max_files"`
	OnlyErrors bool  `toml:"only_errors,omitempty" json:"only_errors"`
}

type UsageProviderConfig struct {
	ID               string   `toml:"id" json:"id"`
	Kind             string   `toml:"kind" json:"kind"`
	Domains          []string `toml:"domains" json:"domains"`
	Endpoint         string   `toml:"endpoint" json:"endpoint"`
	TokenEnv         string   `toml:"token_env,omitempty" json:"token_env,omitempty"`
	PollIntervalSecs int64    `toml:"poll_interval_secs,omitempty" json:"poll_interval_secs,omitempty"`
}

type TimeoutsConfig struct {
	ConnectSecs    int64 `toml:"connect_secs,omitempty" json:"connect_secs"`
	ReadHeadSecs   int64 `toml:"read_head_secs,omitempty" json:"read_head_secs"`
	StreamIdleSecs int64 `toml:"stream_idle_secs,omitempty" json:"stream_idle_secs"`
}

type ServerConfig struct {
	ListenAddr     string                `toml:"listen_addr,omitempty"`
	BodyMaxBytes   int64                 `toml:"body_max_bytes,omitempty"`
	Codex          ServiceConfigManager  `toml:"codex"`
	Claude         ServiceConfigManager  `toml:"claude"`
	Retry          RetryConfig           `toml:"retry"`
	RequestLog     RequestLogConfig      `toml:"request_log"`
	Timeouts       TimeoutsConfig        `toml:"timeouts"`
	UsageProviders []UsageProviderConfig `toml:"usage_providers,omitempty"`
}

func (c *ServerConfig) Service(name string) *ServiceConfigManager {
	if name == ServiceClaude {
		return &c.Claude
	}
	return &c.Codex
}

func DefaultServerConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return defaultConfigFileName
	}
	return filepath.Join(home, ".config", "codex-helper", defaultConfigFileName)
}

func DefaultRequestLogPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join("logs", "requests.jsonl")
	}
	return filepath.Join(home, ".cache", "codex-helper", "logs", "requests.jsonl")
}

func DefaultUsageDBDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "usagedb"
	}
	return filepath.Join(home, ".cache", "codex-helper", "usagedb")
}

func DefaultUsageProvidersPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "usage_providers.json"
	}
	return filepath.Join(home, ".config", "codex-helper", "usage_providers.json")
}

func CodexAuthPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".codex", "auth.json")
	}
	return filepath.Join(home, ".codex", "auth.json")
}

func ClaudeSettingsPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".claude", "settings.json")
	}
	return filepath.Join(home, ".claude", "settings.json")
}

func NewDefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		ListenAddr:   "",
		BodyMaxBytes: 10 << 20,
		Retry:        DefaultRetryConfig(),
		RequestLog: RequestLogConfig{
			MaxBytes: 50 << 20,
			MaxFiles: 10,
		},
		Timeouts: TimeoutsConfig{
			ConnectSecs:    10,
			ReadHeadSecs:   30,
			StreamIdleSecs: 120,
		},
	}
}

func LoadServerConfig(path string) (*ServerConfig, error) {
	cfg := NewDefaultServerConfig()
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := toml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("parse toml: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func LoadOrCreateServerConfig(path string) (*ServerConfig, error) {
	_, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		cfg := NewDefaultServerConfig()
		cfg.Normalize()
		if err := Save(path, cfg); err != nil {
			return nil, fmt.Errorf("write default config: %w", err)
		}
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("stat config: %w", err)
	}
	return LoadServerConfig(path)
}

func Save(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	return writeAtomic(path, v)
}

func writeAtomic(path string, v any) error {
	b, err := marshalTOML(v)
	if err != nil {
		return fmt.Errorf("encode toml: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func marshalTOML(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := toml.NewEncoder(&buf)
	enc.SetArraysMultiline(true)
	enc.SetIndentSymbol("  ")
	enc.SetIndentTables(true)
	enc.SetTablesInline(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	out := buf.Bytes()
	if len(out) > 0 && out[len(out)-1] != '\n' {
		out = append(out, '\n')
	}
	return out, nil
}

func clampLevel(level int) int {
	if level < 1 {
		return 1
	}
	if level > 10 {
		return 10
	}
	return level
}

func (c *ServerConfig) Normalize() {
	c.ListenAddr = strings.TrimSpace(c.ListenAddr)
	if c.BodyMaxBytes <= 0 {
		c.BodyMaxBytes = 10 << 20
	}
	normalizeManager(&c.Codex)
	normalizeManager(&c.Claude)
	normalizeRetry(&c.Retry)
	if c.RequestLog.MaxBytes <= 0 {
		c.RequestLog.MaxBytes = 50 << 20
	}
	if c.RequestLog.MaxFiles <= 0 {
		c.RequestLog.MaxFiles = 10
	}
	if c.Timeouts.ConnectSecs <= 0 {
		c.Timeouts.ConnectSecs = 10
	}
	if c.Timeouts.ReadHeadSecs <= 0 {
		c.Timeouts.ReadHeadSecs = 30
	}
	if c.Timeouts.StreamIdleSecs <= 0 {
		c.Timeouts.StreamIdleSecs = 120
	}
	for i := range c.UsageProviders {
		p := &c.UsageProviders[i]
		p.ID = strings.TrimSpace(p.ID)
		p.Kind = strings.ToLower(strings.TrimSpace(p.Kind))
		if p.Kind == "" {
			p.Kind = "budget_http_json"
		}
		p.Endpoint = strings.TrimSpace(p.Endpoint)
		p.TokenEnv = strings.TrimSpace(p.TokenEnv)
		for j := range p.Domains {
			p.Domains[j] = strings.ToLower(strings.TrimSpace(p.Domains[j]))
		}
	}
}

func normalizeManager(m *ServiceConfigManager) {
	m.Active = strings.TrimSpace(m.Active)
	for i := range m.Configs {
		cfg := &m.Configs[i]
		cfg.Name = strings.TrimSpace(cfg.Name)
		cfg.Alias = strings.TrimSpace(cfg.Alias)
		cfg.Level = clampLevel(cfg.Level)
		for j := range cfg.Upstreams {
			up := &cfg.Upstreams[j]
			up.BaseURL = strings.TrimSpace(up.BaseURL)
			up.Auth.AuthToken = strings.TrimSpace(up.Auth.AuthToken)
			up.Auth.AuthTokenEnv = strings.TrimSpace(up.Auth.AuthTokenEnv)
			up.Auth.APIKey = strings.TrimSpace(up.Auth.APIKey)
			up.Auth.APIKeyEnv = strings.TrimSpace(up.Auth.APIKeyEnv)
			patterns := make([]string, 0, len(up.SupportedModels))
			for _, p := range up.SupportedModels {
				if p = strings.TrimSpace(p); p != "" {
					patterns = append(patterns, p)
				}
			}
			up.SupportedModels = patterns
			mappings := make([]ModelMapping, 0, len(up.ModelMapping))
			for _, mm := range up.ModelMapping {
				mm.Match = strings.TrimSpace(mm.Match)
				mm.Target = strings.TrimSpace(mm.Target)
				if mm.Match != "" && mm.Target != "" {
					mappings = append(mappings, mm)
				}
			}
			up.ModelMapping = mappings
		}
	}
	sort.SliceStable(m.Configs, func(i, j int) bool { return m.Configs[i].Name < m.Configs[j].Name })
}

func normalizeRetry(r *RetryConfig) {
	def := DefaultRetryConfig()
	if r.MaxAttempts <= 0 {
		r.MaxAttempts = def.MaxAttempts
	}
	if r.MaxAttempts > 8 {
		r.MaxAttempts = 8
	}
	if r.BackoffMS <= 0 {
		r.BackoffMS = def.BackoffMS
	}
	if r.BackoffMaxMS <= 0 {
		r.BackoffMaxMS = def.BackoffMaxMS
	}
	if r.JitterMS < 0 {
		r.JitterMS = def.JitterMS
	}
	if strings.TrimSpace(r.OnStatus) == "" {
		r.OnStatus = def.OnStatus
	}
	if len(r.OnClass) == 0 {
		r.OnClass = append([]string(nil), def.OnClass...)
	}
	if r.CloudflareChallengeCooldownSecs <= 0 {
		r.CloudflareChallengeCooldownSecs = def.CloudflareChallengeCooldownSecs
	}
	if r.CloudflareTimeoutCooldownSecs <= 0 {
		r.CloudflareTimeoutCooldownSecs = def.CloudflareTimeoutCooldownSecs
	}
	if r.TransportCooldownSecs <= 0 {
		r.TransportCooldownSecs = def.TransportCooldownSecs
	}
}

// ApplyEnvOverrides layers CODEX_HELPER_* variables over the parsed
// config. Called when building a snapshot so a reload picks up edits to
// the file but the environment still wins.
func (c *ServerConfig) ApplyEnvOverrides() {
	if v, ok := envInt("CODEX_HELPER_RETRY_MAX_ATTEMPTS"); ok && v >= 1 && v <= 8 {
		c.Retry.MaxAttempts = int(v)
	}
	if v := strings.TrimSpace(os.Getenv("CODEX_HELPER_RETRY_ON_STATUS")); v != "" {
		c.Retry.OnStatus = v
	}
	if v := strings.TrimSpace(os.Getenv("CODEX_HELPER_RETRY_ON_CLASS")); v != "" {
		classes := make([]string, 0, 4)
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				classes = append(classes, part)
			}
		}
		c.Retry.OnClass = classes
	}
	if v, ok := envInt("CODEX_HELPER_RETRY_BACKOFF_MS"); ok && v > 0 {
		c.Retry.BackoffMS = v
	}
	if v, ok := envInt("CODEX_HELPER_RETRY_BACKOFF_MAX_MS"); ok && v > 0 {
		c.Retry.BackoffMaxMS = v
	}
	if v, ok := envInt("CODEX_HELPER_RETRY_JITTER_MS"); ok && v >= 0 {
		c.Retry.JitterMS = v
	}
	if v, ok := envInt("CODEX_HELPER_RETRY_CLOUDFLARE_CHALLENGE_COOLDOWN_SECS"); ok && v > 0 {
		c.Retry.CloudflareChallengeCooldownSecs = v
	}
	if v, ok := envInt("CODEX_HELPER_RETRY_CLOUDFLARE_TIMEOUT_COOLDOWN_SECS"); ok && v > 0 {
		c.Retry.CloudflareTimeoutCooldownSecs = v
	}
	if v, ok := envInt("CODEX_HELPER_RETRY_TRANSPORT_COOLDOWN_SECS"); ok && v > 0 {
		c.Retry.TransportCooldownSecs = v
	}
	if v, ok := envInt("CODEX_HELPER_REQUEST_LOG_MAX_BYTES"); ok && v > 0 {
		c.RequestLog.MaxBytes = v
	}
	if v, ok := envInt("CODEX_HELPER_REQUEST_LOG_MAX_FILES"); ok && v > 0 {
		c.RequestLog.MaxFiles = int(v)
	}
	if v := os.Getenv("CODEX_HELPER_REQUEST_LOG_ONLY_ERRORS"); v != "" {
		c.RequestLog.OnlyErrors = envBool(v)
	}
}

func envInt(key string) (int64, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "y", "on":
		return true
	default:
		return false
	}
}

func (c *ServerConfig) Validate() error {
	if err := validateManager(ServiceCodex, &c.Codex); err != nil {
		return err
	}
	if err := validateManager(ServiceClaude, &c.Claude); err != nil {
		return err
	}
	if c.Retry.MaxAttempts < 1 || c.Retry.MaxAttempts > 8 {
		return errors.New("retry.max_attempts must be in 1..8")
	}
	seen := map[string]struct{}{}
	for _, p := range c.UsageProviders {
		if p.ID == "" {
			return errors.New("usage provider id cannot be empty")
		}
		if _, ok := seen[p.ID]; ok {
			return fmt.Errorf("duplicate usage provider id %q", p.ID)
		}
		seen[p.ID] = struct{}{}
		if p.Kind != "budget_http_json" {
			return fmt.Errorf("usage provider %q has unsupported kind %q", p.ID, p.Kind)
		}
		if p.Endpoint == "" {
			return fmt.Errorf("usage provider %q endpoint cannot be empty", p.ID)
		}
		if len(p.Domains) == 0 {
			return fmt.Errorf("usage provider %q must list at least one domain", p.ID)
		}
	}
	return nil
}

func validateManager(service string, m *ServiceConfigManager) error {
	nameSeen := map[string]struct{}{}
	for _, cfg := range m.Configs {
		if cfg.Name == "" {
			return fmt.Errorf("%s: config name cannot be empty", service)
		}
		if _, ok := nameSeen[cfg.Name]; ok {
			return fmt.Errorf("%s: duplicate config name %q", service, cfg.Name)
		}
		nameSeen[cfg.Name] = struct{}{}
		for i, up := range cfg.Upstreams {
			if strings.TrimSpace(up.BaseURL) == "" {
				return fmt.Errorf("%s: config %q upstream %d base_url cannot be empty", service, cfg.Name, i)
			}
			if !strings.HasPrefix(up.BaseURL, "http://") && !strings.HasPrefix(up.BaseURL, "https://") {
				return fmt.Errorf("%s: config %q upstream %d base_url must be absolute", service, cfg.Name, i)
			}
		}
	}
	if m.Active != "" {
		if _, ok := nameSeen[m.Active]; !ok {
			return fmt.Errorf("%s: active config %q not found", service, m.Active)
		}
	}
	return nil
}
