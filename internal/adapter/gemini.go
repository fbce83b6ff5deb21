package adapter

import (
	"context"
	"log/slog"

	"github.com/parley-ai/parley/internal/config"
	"github.com/parley-ai/parley/pkg/schema"
)

// GeminiAdapter drives the Gemini CLI in ACP mode. Protocol handling is the
// shared ACP session; what differs is the spawn command line and the provider
// error classifier mapping Gemini's JSON-RPC failures onto the unified
// taxonomy.
type GeminiAdapter struct {
	opts   config.GeminiOptions
	logger *slog.Logger
}

// NewGemini builds the adapter.
func NewGemini(opts config.GeminiOptions, logger *slog.Logger) *GeminiAdapter {
	return &GeminiAdapter{opts: opts, logger: logger.With("component", "adapter.gemini")}
}

func (a *GeminiAdapter) Name() schema.AdapterKind { return schema.AdapterGemini }

func (a *GeminiAdapter) Capabilities() schema.Capabilities {
	return schema.Capabilities{
		Streaming:     true,
		Permissions:   true,
		SlashCommands: true,
		Availability:  schema.AvailabilityLocal,
	}
}

func (a *GeminiAdapter) Connect(ctx context.Context, req ConnectRequest) (BackendSession, error) {
	args := ensureArg(a.opts.Args, "--experimental-acp")
	model := req.Model
	if model == "" {
		model = a.opts.Model
	}
	if model != "" {
		args = append(args, "--model", model)
	}
	return connectACP(ctx, config.ACPOptions{
		Command: a.opts.Command,
		Args:    args,
		WorkDir: a.opts.WorkDir,
		Env:     a.opts.Env,
	}, req, classifyBackendError, a.logger)
}

// ensureArg appends flag unless the configured args already carry it.
func ensureArg(args []string, flag string) []string {
	for _, a := range args {
		if a == flag {
			return append([]string(nil), args...)
		}
	}
	out := make([]string, 0, len(args)+1)
	out = append(out, args...)
	return append(out, flag)
}
