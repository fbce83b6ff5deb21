package adapter

import (
	"context"
	"testing"

	"github.com/parley-ai/parley/pkg/schema"
)

type stubAdapter struct {
	kind schema.AdapterKind
}

func (a *stubAdapter) Name() schema.AdapterKind { return a.kind }

func (a *stubAdapter) Capabilities() schema.Capabilities {
	return schema.Capabilities{Streaming: true}
}

func (a *stubAdapter) Connect(ctx context.Context, req ConnectRequest) (BackendSession, error) {
	return nil, ErrSessionClosed
}

func TestRegistryRoundTrip(t *testing.T) {
	r := NewRegistry()
	r.Register(&stubAdapter{kind: schema.AdapterClaudeSocket})
	r.Register(&stubAdapter{kind: schema.AdapterOpencode})

	a, err := r.Get(schema.AdapterClaudeSocket)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if a.Name() != schema.AdapterClaudeSocket {
		t.Errorf("kind = %s", a.Name())
	}

	if _, err := r.Get(schema.AdapterGemini); err == nil {
		t.Error("expected an error for an unregistered kind")
	}

	kinds := r.Kinds()
	if len(kinds) != 2 {
		t.Errorf("kinds = %v, want 2 entries", kinds)
	}
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	r.Register(&stubAdapter{kind: schema.AdapterACP})

	defer func() {
		if recover() == nil {
			t.Error("duplicate registration should panic")
		}
	}()
	r.Register(&stubAdapter{kind: schema.AdapterACP})
}
