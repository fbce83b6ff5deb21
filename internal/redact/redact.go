// Package redact masks credential material in log lines before they reach
// the process log ring or any admin-facing output.
package redact

import (
	"context"
	"log/slog"
	"regexp"
)

type pattern struct {
	name string
	re   *regexp.Regexp
	repl string
}

// Replacements are chosen so no pattern matches its own output; applying
// String twice yields the same result as applying it once.
var patterns = []pattern{
	{
		name: "api_key",
		re: regexp.MustCompile(`\b(?:` +
			`(?:sk|pk)-[A-Za-z0-9][A-Za-z0-9_\-]{15,}` + // Anthropic, OpenAI, Stripe
			`|(?:AKIA|ASIA)[0-9A-Z]{16}` + // AWS access key ids
			`|gh[pousr]_[A-Za-z0-9]{16,}` + // GitHub tokens
			`|xox[baprs]-[A-Za-z0-9-]{10,}` + // Slack tokens
			`)\b`),
		repl: "[redacted:api_key]",
	},
	{
		name: "env_api_key",
		re:   regexp.MustCompile(`\b([A-Z][A-Z0-9]*(?:_[A-Z0-9]+)*_API_KEY)=[^\s"']+`),
		repl: "${1}=[redacted]",
	},
	{
		name: "bearer_token",
		re:   regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9_\-.=+/]{8,}`),
		repl: "Bearer [redacted]",
	},
	{
		name: "private_key",
		re:   regexp.MustCompile(`(?s)-----BEGIN [A-Z ]*PRIVATE KEY-----.*?-----END [A-Z ]*PRIVATE KEY-----`),
		repl: "[redacted:private_key]",
	},
}

// String masks credential material in s. Idempotent.
func String(s string) string {
	for _, p := range patterns {
		s = p.re.ReplaceAllString(s, p.repl)
	}
	return s
}

// Handler wraps a slog.Handler and masks string attribute values and the
// record message before delegating.
type Handler struct {
	inner slog.Handler
}

// NewHandler wraps inner with redaction.
func NewHandler(inner slog.Handler) *Handler {
	return &Handler{inner: inner}
}

func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	clean := slog.NewRecord(r.Time, r.Level, String(r.Message), r.PC)
	r.Attrs(func(a slog.Attr) bool {
		clean.AddAttrs(redactAttr(a))
		return true
	})
	return h.inner.Handle(ctx, clean)
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clean := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		clean[i] = redactAttr(a)
	}
	return &Handler{inner: h.inner.WithAttrs(clean)}
}

func (h *Handler) WithGroup(name string) slog.Handler {
	return &Handler{inner: h.inner.WithGroup(name)}
}

func redactAttr(a slog.Attr) slog.Attr {
	switch a.Value.Kind() {
	case slog.KindString:
		return slog.String(a.Key, String(a.Value.String()))
	case slog.KindGroup:
		members := a.Value.Group()
		clean := make([]any, 0, len(members))
		for _, m := range members {
			clean = append(clean, redactAttr(m))
		}
		return slog.Group(a.Key, clean...)
	default:
		return a
	}
}
