// Package config handles daemon configuration loading and validation.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/parley-ai/parley/pkg/schema"
)

// Config is the top-level daemon configuration.
type Config struct {
	Daemon   DaemonConfig   `json:"daemon"`
	Server   ServerConfig   `json:"server"`
	Auth     AuthConfig     `json:"auth"`
	Storage  StorageConfig  `json:"storage"`
	Policies PoliciesConfig `json:"policies"`
	Adapters AdaptersConfig `json:"adapters"`
}

// DaemonConfig defines global daemon behavior and limits.
type DaemonConfig struct {
	StateDir    string `json:"state_dir,omitempty"` // default ~/.parley
	LogLevel    string `json:"log_level,omitempty"` // debug, info, warn, error
	MaxSessions int    `json:"max_sessions,omitempty"`
	HistorySize int    `json:"history_size,omitempty"` // per-session message ring
	ProcLogSize int    `json:"proc_log_size,omitempty"`
}

// ServerConfig defines the HTTP/WebSocket listener.
type ServerConfig struct {
	Host             string `json:"host,omitempty"` // default 127.0.0.1
	Port             int    `json:"port,omitempty"`
	ControlAPIToken  string `json:"control_api_token,omitempty"` // env PARLEY_CONTROL_TOKEN overrides
	MaxConsumerConns int    `json:"max_consumer_conns,omitempty"`
}

// AuthConfig selects the consumer auth provider.
type AuthConfig struct {
	Mode    string   `json:"mode,omitempty"` // allow-all, static-token, jwks
	Token   string   `json:"token,omitempty"`
	JWKSURL string   `json:"jwks_url,omitempty"`
	Issuer  string   `json:"issuer,omitempty"`
	Roles   []string `json:"roles,omitempty"` // accepted role claims; empty = any
}

// StorageConfig selects the session persistence backend.
type StorageConfig struct {
	Backend string `json:"backend,omitempty"` // memory, sqlite, postgres
	Path    string `json:"path,omitempty"`    // sqlite file; default <state_dir>/parley.db
	DSN     string `json:"dsn,omitempty"`     // postgres connection string
}

// PoliciesConfig tunes the supervisory policies.
type PoliciesConfig struct {
	ReconnectGracePeriod  Duration `json:"reconnect_grace_period,omitempty"`
	IdleSessionTimeout    Duration `json:"idle_session_timeout,omitempty"`
	CapabilitiesTimeout   Duration `json:"capabilities_timeout,omitempty"`
	SocketDeliveryTimeout Duration `json:"socket_delivery_timeout,omitempty"`
	SweepInterval         Duration `json:"sweep_interval,omitempty"`
	DisconnectDebounce    Duration `json:"disconnect_debounce,omitempty"`
}

// AdaptersConfig holds per-variant adapter option records. The variant set is
// sealed; a section left nil disables that adapter.
type AdaptersConfig struct {
	Default   string            `json:"default,omitempty"` // adapter for POST /api/sessions without adapterName
	Claude    *ClaudeOptions    `json:"claude,omitempty"`
	ClaudeSDK *ClaudeSDKOptions `json:"claude_sdk,omitempty"`
	ACP       *ACPOptions       `json:"acp,omitempty"`
	Gemini    *GeminiOptions    `json:"gemini,omitempty"`
	Opencode  *OpencodeOptions  `json:"opencode,omitempty"`
}

// Enabled returns the adapter kinds with a configured options record.
func (a AdaptersConfig) Enabled() []schema.AdapterKind {
	var kinds []schema.AdapterKind
	if a.Claude != nil {
		kinds = append(kinds, schema.AdapterClaudeSocket)
	}
	if a.ClaudeSDK != nil {
		kinds = append(kinds, schema.AdapterClaudeSDK)
	}
	if a.ACP != nil {
		kinds = append(kinds, schema.AdapterACP)
	}
	if a.Gemini != nil {
		kinds = append(kinds, schema.AdapterGemini)
	}
	if a.Opencode != nil {
		kinds = append(kinds, schema.AdapterOpencode)
	}
	return kinds
}

// ClaudeOptions configures the claude-socket adapter (CLI dials the daemon).
type ClaudeOptions struct {
	Command        string            `json:"command,omitempty"` // default: "claude"
	Args           []string          `json:"args,omitempty"`
	WorkDir        string            `json:"work_dir,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
	Model          string            `json:"model,omitempty"`
	PermissionMode string            `json:"permission_mode,omitempty"`
}

// ClaudeSDKOptions configures the claude-sdk adapter (direct API, no subprocess).
type ClaudeSDKOptions struct {
	Model        string `json:"model,omitempty"`
	APIKeyEnv    string `json:"api_key_env,omitempty"` // default: ANTHROPIC_API_KEY
	MaxTokens    int    `json:"max_tokens,omitempty"`
	SystemPrompt string `json:"system_prompt,omitempty"`
}

// ACPOptions configures the generic ACP subprocess adapter.
type ACPOptions struct {
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	WorkDir string            `json:"work_dir,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// GeminiOptions configures the gemini adapter (ACP dialect).
type GeminiOptions struct {
	Command string            `json:"command,omitempty"` // default: "gemini"
	Args    []string          `json:"args,omitempty"`
	WorkDir string            `json:"work_dir,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Model   string            `json:"model,omitempty"`
}

// OpencodeOptions configures the opencode adapter (SSE over a spawned server).
type OpencodeOptions struct {
	Command string            `json:"command,omitempty"` // default: "opencode"
	Args    []string          `json:"args,omitempty"`
	BaseURL string            `json:"base_url,omitempty"` // set to skip spawning
	WorkDir string            `json:"work_dir,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// Duration is a JSON-friendly time.Duration (accepts strings like "30s", "5m",
// or bare numbers interpreted as seconds).
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		dur, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		d.Duration = dur
	case float64:
		d.Duration = time.Duration(val) * time.Second
	default:
		return fmt.Errorf("invalid duration: %v", v)
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// DefaultStateDir returns ~/.parley, falling back to the working directory
// when the home directory cannot be resolved.
func DefaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".parley"
	}
	return filepath.Join(home, ".parley")
}

// DefaultConfigPath returns the config file location the CLI and the wizard
// use when none is given: <state_dir>/config.json.
func DefaultConfigPath() string {
	return filepath.Join(DefaultStateDir(), "config.json")
}

// Default returns a runnable configuration without a config file: allow-all
// auth, in-memory storage, no adapters enabled.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	cfg.applyDefaults()
	cfg.applyEnvOverrides()
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	switch c.Auth.Mode {
	case "", "allow-all", "static-token", "jwks":
	default:
		return fmt.Errorf("auth.mode must be allow-all, static-token, or jwks")
	}
	if c.Auth.Mode == "static-token" && c.Auth.Token == "" {
		return fmt.Errorf("auth.token is required for static-token mode")
	}
	if c.Auth.Mode == "jwks" && c.Auth.JWKSURL == "" {
		return fmt.Errorf("auth.jwks_url is required for jwks mode")
	}
	switch c.Storage.Backend {
	case "", "memory", "sqlite", "postgres":
	default:
		return fmt.Errorf("storage.backend must be memory, sqlite, or postgres")
	}
	if c.Storage.Backend == "postgres" && c.Storage.DSN == "" {
		return fmt.Errorf("storage.dsn is required for postgres backend")
	}
	if c.Adapters.ACP != nil && c.Adapters.ACP.Command == "" {
		return fmt.Errorf("adapters.acp.command is required")
	}
	if c.Adapters.Default != "" {
		kind := schema.AdapterKind(c.Adapters.Default)
		if !kind.Valid() {
			return fmt.Errorf("adapters.default: unknown adapter %q", c.Adapters.Default)
		}
		found := false
		for _, k := range c.Adapters.Enabled() {
			if k == kind {
				found = true
			}
		}
		if !found {
			return fmt.Errorf("adapters.default %q has no configuration section", c.Adapters.Default)
		}
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Daemon.StateDir == "" {
		c.Daemon.StateDir = DefaultStateDir()
	}
	if c.Daemon.LogLevel == "" {
		c.Daemon.LogLevel = "info"
	}
	if c.Daemon.MaxSessions == 0 {
		c.Daemon.MaxSessions = 10
	}
	if c.Daemon.HistorySize == 0 {
		c.Daemon.HistorySize = 500
	}
	if c.Daemon.ProcLogSize == 0 {
		c.Daemon.ProcLogSize = 500
	}
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 9777
	}
	if c.Server.MaxConsumerConns == 0 {
		c.Server.MaxConsumerConns = 64
	}
	if c.Auth.Mode == "" {
		c.Auth.Mode = "allow-all"
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = "memory"
	}
	if c.Storage.Backend == "sqlite" && c.Storage.Path == "" {
		c.Storage.Path = filepath.Join(c.Daemon.StateDir, "parley.db")
	}
	if c.Policies.ReconnectGracePeriod.Duration == 0 {
		c.Policies.ReconnectGracePeriod.Duration = 5 * time.Second
	}
	if c.Policies.IdleSessionTimeout.Duration == 0 {
		c.Policies.IdleSessionTimeout.Duration = 10 * time.Minute
	}
	if c.Policies.CapabilitiesTimeout.Duration == 0 {
		c.Policies.CapabilitiesTimeout.Duration = 10 * time.Second
	}
	if c.Policies.SocketDeliveryTimeout.Duration == 0 {
		c.Policies.SocketDeliveryTimeout.Duration = 30 * time.Second
	}
	if c.Policies.SweepInterval.Duration == 0 {
		c.Policies.SweepInterval.Duration = 30 * time.Second
	}
	if c.Policies.DisconnectDebounce.Duration == 0 {
		c.Policies.DisconnectDebounce.Duration = time.Second
	}
	if c.Adapters.Claude != nil && c.Adapters.Claude.Command == "" {
		c.Adapters.Claude.Command = "claude"
	}
	if c.Adapters.ClaudeSDK != nil && c.Adapters.ClaudeSDK.APIKeyEnv == "" {
		c.Adapters.ClaudeSDK.APIKeyEnv = "ANTHROPIC_API_KEY"
	}
	if c.Adapters.ClaudeSDK != nil && c.Adapters.ClaudeSDK.MaxTokens == 0 {
		c.Adapters.ClaudeSDK.MaxTokens = 8192
	}
	if c.Adapters.Gemini != nil && c.Adapters.Gemini.Command == "" {
		c.Adapters.Gemini.Command = "gemini"
	}
	if c.Adapters.Opencode != nil && c.Adapters.Opencode.Command == "" && c.Adapters.Opencode.BaseURL == "" {
		c.Adapters.Opencode.Command = "opencode"
	}
	if c.Adapters.Default == "" {
		if enabled := c.Adapters.Enabled(); len(enabled) > 0 {
			c.Adapters.Default = string(enabled[0])
		}
	}
}

// applyEnvOverrides lets secrets stay out of the config file.
func (c *Config) applyEnvOverrides() {
	if tok := os.Getenv("PARLEY_CONTROL_TOKEN"); tok != "" {
		c.Server.ControlAPIToken = tok
	}
	if tok := os.Getenv("PARLEY_AUTH_TOKEN"); tok != "" {
		c.Auth.Token = tok
	}
	if dsn := os.Getenv("PARLEY_STORAGE_DSN"); dsn != "" {
		c.Storage.DSN = dsn
	}
}
