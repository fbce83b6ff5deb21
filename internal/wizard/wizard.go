// Package wizard provides the interactive first-run setup for parleyd.
package wizard

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/parley-ai/parley/internal/config"
	"github.com/parley-ai/parley/pkg/cli"
	"github.com/parley-ai/parley/pkg/schema"
)

// Display order for backends, most common first.
var adapterOrder = []schema.AdapterKind{
	schema.AdapterClaudeSocket,
	schema.AdapterClaudeSDK,
	schema.AdapterACP,
	schema.AdapterGemini,
	schema.AdapterOpencode,
}

var adapterDescriptions = map[schema.AdapterKind]string{
	schema.AdapterClaudeSocket: "Claude Code CLI (stream-json over socket)",
	schema.AdapterClaudeSDK:    "Anthropic Messages API (no subprocess)",
	schema.AdapterGemini:       "Gemini CLI (ACP dialect)",
	schema.AdapterACP:          "Generic ACP agent (JSON-RPC over stdio)",
	schema.AdapterOpencode:     "opencode server (REST + SSE)",
}

// Wizard drives the interactive daemon config setup.
type Wizard struct {
	p *cli.Prompter
}

// New creates a Wizard using the given Prompter.
func New(p *cli.Prompter) *Wizard {
	return &Wizard{p: p}
}

// Run executes the interactive wizard and writes the config file. An empty
// outputPath prompts for one, defaulting to <state_dir>/config.json.
func (w *Wizard) Run(outputPath string) error {
	out := w.p.Out

	fmt.Fprintln(out)
	fmt.Fprintln(out, "  Parley — Configuration Wizard")
	fmt.Fprintln(out, strings.Repeat("─", 42))
	fmt.Fprintln(out)

	cfg := &config.Config{}

	fmt.Fprintln(out, "Backends")
	w.configureAdapters(cfg)
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Daemon")
	cfg.Server.Host = w.p.Ask("  Listen host", "127.0.0.1")
	cfg.Server.Port = w.p.AskPort("  Listen port (0 picks a free one)", 9777)
	cfg.Daemon.MaxSessions = w.p.AskInt("  Max concurrent sessions", 10)
	cfg.Daemon.LogLevel = w.p.Ask("  Log level (debug/info/warn/error)", "info")
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Consumer Auth")
	w.configureAuth(cfg)
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Session Storage")
	w.configureStorage(cfg)
	fmt.Fprintln(out)

	if outputPath == "" {
		outputPath = w.p.Ask("Config file output path", config.DefaultConfigPath())
	}

	if err := writeConfig(outputPath, cfg); err != nil {
		return err
	}

	fmt.Fprintf(out, "\n  Config written to %s\n", outputPath)
	fmt.Fprintln(out)
	fmt.Fprintln(out, "  Next steps:")
	fmt.Fprintf(out, "    parleyd start --config %s\n", outputPath)
	fmt.Fprintf(out, "    parleyd attach\n\n")

	return nil
}

func (w *Wizard) configureAdapters(cfg *config.Config) {
	options := make([]string, len(adapterOrder))
	for i, kind := range adapterOrder {
		options[i] = fmt.Sprintf("%-13s — %s", kind, adapterDescriptions[kind])
	}
	picked := w.p.MultiSelect("  Which backends should this daemon serve?", options, []int{0})

	kinds := make([]schema.AdapterKind, 0, len(picked))
	for _, idx := range picked {
		kind := adapterOrder[idx]
		fmt.Fprintf(w.p.Out, "\n  ── %s ──\n", kind)
		switch kind {
		case schema.AdapterClaudeSocket:
			cfg.Adapters.Claude = w.configureClaude()
		case schema.AdapterClaudeSDK:
			cfg.Adapters.ClaudeSDK = w.configureClaudeSDK()
		case schema.AdapterACP:
			cfg.Adapters.ACP = w.configureACP()
		case schema.AdapterGemini:
			cfg.Adapters.Gemini = w.configureGemini()
		case schema.AdapterOpencode:
			cfg.Adapters.Opencode = w.configureOpencode()
		}
		kinds = append(kinds, kind)
	}

	// With one backend the default is implied; with more, ask.
	if len(kinds) > 1 {
		names := make([]string, len(kinds))
		for i, k := range kinds {
			names[i] = string(k)
		}
		fmt.Fprintln(w.p.Out)
		cfg.Adapters.Default = w.p.Choose("  Default backend for new sessions", names, 0)
	}
}

func (w *Wizard) configureClaude() *config.ClaudeOptions {
	return &config.ClaudeOptions{
		Command:        w.p.Ask("  Command", "claude"),
		Model:          w.p.Ask("  Model (leave empty for default)", ""),
		PermissionMode: w.p.Ask("  Permission mode (leave empty for default)", ""),
	}
}

func (w *Wizard) configureClaudeSDK() *config.ClaudeSDKOptions {
	return &config.ClaudeSDKOptions{
		Model:     w.p.Ask("  Model", "claude-sonnet-4-5"),
		APIKeyEnv: w.p.Ask("  API key env var", "ANTHROPIC_API_KEY"),
	}
}

func (w *Wizard) configureACP() *config.ACPOptions {
	return &config.ACPOptions{
		Command: w.p.Ask("  Agent command", ""),
		Args:    splitArgs(w.p.Ask("  Arguments (space-separated)", "")),
	}
}

func (w *Wizard) configureGemini() *config.GeminiOptions {
	return &config.GeminiOptions{
		Command: w.p.Ask("  Command", "gemini"),
		Model:   w.p.Ask("  Model (leave empty for default)", ""),
	}
}

func (w *Wizard) configureOpencode() *config.OpencodeOptions {
	opts := &config.OpencodeOptions{}
	opts.BaseURL = w.p.Ask("  Server URL (leave empty to spawn one)", "")
	if opts.BaseURL == "" {
		opts.Command = w.p.Ask("  Command", "opencode")
	}
	return opts
}

func (w *Wizard) configureAuth(cfg *config.Config) {
	options := []string{
		"allow-all    — no consumer auth (local use)",
		"static-token — shared bearer token",
		"jwks         — JWTs verified against a JWKS endpoint",
	}
	chosen := w.p.Choose("  How should consumers authenticate?", options, 0)
	cfg.Auth.Mode = optionName(chosen)

	switch cfg.Auth.Mode {
	case "static-token":
		cfg.Auth.Token = w.p.AskPassword("  Consumer token")
	case "jwks":
		cfg.Auth.JWKSURL = w.p.Ask("  JWKS URL", "")
		cfg.Auth.Issuer = w.p.Ask("  Expected issuer", "")
	}
}

func (w *Wizard) configureStorage(cfg *config.Config) {
	options := []string{
		"memory   — closed sessions are lost on restart",
		"sqlite   — single-file database under the state dir",
		"postgres — shared database over a DSN",
	}
	chosen := w.p.Choose("  Where should closed sessions be archived?", options, 0)
	cfg.Storage.Backend = optionName(chosen)

	switch cfg.Storage.Backend {
	case "sqlite":
		cfg.Storage.Path = w.p.Ask("  Database file (leave empty for <state_dir>/parley.db)", "")
	case "postgres":
		cfg.Storage.DSN = w.p.Ask("  Connection DSN", "")
	}
}

func writeConfig(path string, cfg *config.Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	if err := os.WriteFile(path, append(data, '\n'), 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// optionName extracts the leading word from a "name — description" label.
func optionName(label string) string {
	return strings.Fields(label)[0]
}

func splitArgs(s string) []string {
	return strings.Fields(s)
}
