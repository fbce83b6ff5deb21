package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/parley-ai/parley/pkg/schema"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "parley.json")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `{
		"adapters": {"acp": {"command": "my-agent"}}
	}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("host = %q", cfg.Server.Host)
	}
	if cfg.Server.Port != 9777 {
		t.Errorf("port = %d", cfg.Server.Port)
	}
	if cfg.Daemon.MaxSessions != 10 {
		t.Errorf("max_sessions = %d", cfg.Daemon.MaxSessions)
	}
	if cfg.Daemon.HistorySize != 500 {
		t.Errorf("history_size = %d", cfg.Daemon.HistorySize)
	}
	if cfg.Auth.Mode != "allow-all" {
		t.Errorf("auth.mode = %q", cfg.Auth.Mode)
	}
	if cfg.Storage.Backend != "memory" {
		t.Errorf("storage.backend = %q", cfg.Storage.Backend)
	}
	if got := cfg.Policies.ReconnectGracePeriod.Duration; got != 5*time.Second {
		t.Errorf("reconnect_grace_period = %v", got)
	}
	if got := cfg.Policies.SocketDeliveryTimeout.Duration; got != 30*time.Second {
		t.Errorf("socket_delivery_timeout = %v", got)
	}
	if got := cfg.Policies.CapabilitiesTimeout.Duration; got != 10*time.Second {
		t.Errorf("capabilities_timeout = %v", got)
	}
	if cfg.Adapters.Default != "acp" {
		t.Errorf("adapters.default = %q", cfg.Adapters.Default)
	}
}

func TestLoadRejectsMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestValidateRejectsBadAuthMode(t *testing.T) {
	path := writeConfig(t, `{"auth": {"mode": "oauth2"}}`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown auth mode")
	}
}

func TestValidateRequiresStaticToken(t *testing.T) {
	path := writeConfig(t, `{"auth": {"mode": "static-token"}}`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for static-token without token")
	}
}

func TestValidateRequiresPostgresDSN(t *testing.T) {
	path := writeConfig(t, `{"storage": {"backend": "postgres"}}`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for postgres without dsn")
	}
}

func TestValidateRequiresACPCommand(t *testing.T) {
	path := writeConfig(t, `{"adapters": {"acp": {}}}`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for acp without command")
	}
}

func TestValidateRejectsUnknownDefaultAdapter(t *testing.T) {
	path := writeConfig(t, `{"adapters": {"default": "bard"}}`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown default adapter")
	}
}

func TestValidateRejectsUnconfiguredDefaultAdapter(t *testing.T) {
	path := writeConfig(t, `{"adapters": {"default": "opencode", "acp": {"command": "a"}}}`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for default adapter without its section")
	}
}

func TestEnabledAdapterKinds(t *testing.T) {
	path := writeConfig(t, `{
		"adapters": {
			"claude": {},
			"gemini": {"model": "gemini-2.5-pro"},
			"opencode": {"base_url": "http://127.0.0.1:4096"}
		}
	}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	kinds := cfg.Adapters.Enabled()
	want := []schema.AdapterKind{schema.AdapterClaudeSocket, schema.AdapterGemini, schema.AdapterOpencode}
	if len(kinds) != len(want) {
		t.Fatalf("enabled = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("enabled[%d] = %q, want %q", i, kinds[i], want[i])
		}
	}
	if cfg.Adapters.Claude.Command != "claude" {
		t.Errorf("claude command default = %q", cfg.Adapters.Claude.Command)
	}
	if cfg.Adapters.Gemini.Command != "gemini" {
		t.Errorf("gemini command default = %q", cfg.Adapters.Gemini.Command)
	}
	if cfg.Adapters.Opencode.Command != "" {
		t.Errorf("opencode with base_url should not default a command, got %q", cfg.Adapters.Opencode.Command)
	}
}

func TestDurationUnmarshal(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{`"30s"`, 30 * time.Second, false},
		{`"5m"`, 5 * time.Minute, false},
		{`2`, 2 * time.Second, false},
		{`1.5`, time.Duration(1.5 * float64(time.Second)), false},
		{`"soon"`, 0, true},
		{`true`, 0, true},
	}
	for _, tt := range tests {
		var d Duration
		err := json.Unmarshal([]byte(tt.in), &d)
		if tt.wantErr {
			if err == nil {
				t.Errorf("unmarshal %s: expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("unmarshal %s: %v", tt.in, err)
			continue
		}
		if d.Duration != tt.want {
			t.Errorf("unmarshal %s = %v, want %v", tt.in, d.Duration, tt.want)
		}
	}
}

func TestDurationMarshalRoundTrip(t *testing.T) {
	d := Duration{Duration: 90 * time.Second}
	b, err := json.Marshal(d)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back Duration
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.Duration != d.Duration {
		t.Errorf("round trip = %v, want %v", back.Duration, d.Duration)
	}
}

func TestEnvOverridesControlToken(t *testing.T) {
	t.Setenv("PARLEY_CONTROL_TOKEN", "from-env")
	path := writeConfig(t, `{"server": {"control_api_token": "from-file"}}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.ControlAPIToken != "from-env" {
		t.Errorf("control token = %q, want env override", cfg.Server.ControlAPIToken)
	}
}

func TestDefaultIsRunnable(t *testing.T) {
	cfg := Default()
	if cfg.Storage.Backend != "memory" {
		t.Errorf("default storage = %q", cfg.Storage.Backend)
	}
	if cfg.Daemon.StateDir == "" {
		t.Error("default state dir empty")
	}
	if len(cfg.Adapters.Enabled()) != 0 {
		t.Errorf("default config should enable no adapters, got %v", cfg.Adapters.Enabled())
	}
}
