package eventbus

import (
	"context"
	"log/slog"
)

// Reserved entry fields. The handler owns them: time, level and msg always
// come from the record, component from the logger the record was emitted on
// (logger.With("component", ...)). Attrs passed at the call site under these
// names are dropped so they can never overwrite the envelope.
const (
	KeyTime      = "time"
	KeyLevel     = "level"
	KeyMsg       = "msg"
	KeyComponent = "component"
)

func reservedKey(k string) bool {
	return k == KeyTime || k == KeyLevel || k == KeyMsg || k == KeyComponent
}

// SlogHandler wraps an slog.Handler and publishes each log record to the event
// bus as a LogEntry event, so IPC subscribers and the dashboard can tail logs.
type SlogHandler struct {
	inner slog.Handler
	bus   *Bus
	attrs []slog.Attr
	group string
}

// NewSlogHandler returns a handler that writes to inner and also publishes to bus.
func NewSlogHandler(inner slog.Handler, bus *Bus) *SlogHandler {
	return &SlogHandler{inner: inner, bus: bus}
}

// Enabled delegates to the inner handler.
func (h *SlogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

// Handle writes the record to the inner handler and publishes to the bus.
func (h *SlogHandler) Handle(ctx context.Context, r slog.Record) error {
	entry := make(map[string]any, r.NumAttrs()+len(h.attrs)+4)
	r.Attrs(func(a slog.Attr) bool {
		if reservedKey(a.Key) {
			return true
		}
		entry[a.Key] = a.Value.Any()
		return true
	})
	// Bound attrs win over call-site attrs; they carry the logger identity.
	for _, a := range h.attrs {
		if a.Key != KeyComponent && reservedKey(a.Key) {
			continue
		}
		entry[a.Key] = a.Value.Any()
	}
	if h.group != "" {
		entry["group"] = h.group
	}
	entry[KeyTime] = r.Time
	entry[KeyLevel] = r.Level.String()
	entry[KeyMsg] = r.Message
	h.bus.PublishType(LogEntry, entry)

	return h.inner.Handle(ctx, r)
}

// WithAttrs returns a new handler with the given attributes.
func (h *SlogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	// Fresh backing array: siblings derived from the same parent must not
	// share one.
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &SlogHandler{
		inner: h.inner.WithAttrs(attrs),
		bus:   h.bus,
		attrs: merged,
		group: h.group,
	}
}

// WithGroup returns a new handler with the given group.
func (h *SlogHandler) WithGroup(name string) slog.Handler {
	newGroup := name
	if h.group != "" {
		newGroup = h.group + "." + name
	}
	return &SlogHandler{
		inner: h.inner.WithGroup(name),
		bus:   h.bus,
		attrs: h.attrs,
		group: newGroup,
	}
}
