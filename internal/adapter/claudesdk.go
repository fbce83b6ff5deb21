package adapter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/parley-ai/parley/internal/config"
	"github.com/parley-ai/parley/pkg/schema"
)

// QueryRequest is one turn's input to a QueryFunc.
type QueryRequest struct {
	Model     string
	System    string
	MaxTokens int
	// Transcript is the conversation so far, oldest first; the last entry
	// is the user prompt that opened this turn.
	Transcript []schema.Message
}

// QueryFunc streams one assistant turn. Implementations emit unified
// messages as the backend produces them (stream deltas, then the assembled
// assistant message) and return when the turn is complete. Must honor ctx.
type QueryFunc func(ctx context.Context, req QueryRequest, emit func(schema.Message)) error

// ClaudeSDKAdapter talks to the Anthropic Messages API directly; there is no
// subprocess and no socket. The QueryFunc is injected so tests swap the API
// for a fake.
type ClaudeSDKAdapter struct {
	opts   config.ClaudeSDKOptions
	query  QueryFunc
	logger *slog.Logger
}

// NewClaudeSDK builds the adapter. A nil query installs the real
// anthropic-sdk-go streaming implementation.
func NewClaudeSDK(opts config.ClaudeSDKOptions, query QueryFunc, logger *slog.Logger) *ClaudeSDKAdapter {
	if query == nil {
		query = anthropicQuery(opts.APIKeyEnv)
	}
	return &ClaudeSDKAdapter{
		opts:   opts,
		query:  query,
		logger: logger.With("component", "adapter.claude-sdk"),
	}
}

func (a *ClaudeSDKAdapter) Name() schema.AdapterKind { return schema.AdapterClaudeSDK }

func (a *ClaudeSDKAdapter) Capabilities() schema.Capabilities {
	return schema.Capabilities{
		Streaming:    true,
		Availability: schema.AvailabilityCloud,
	}
}

func (a *ClaudeSDKAdapter) Connect(ctx context.Context, req ConnectRequest) (BackendSession, error) {
	model := req.Model
	if model == "" {
		model = a.opts.Model
	}
	if model == "" {
		return nil, errors.New("claude-sdk: no model configured")
	}
	sessionCtx, cancel := context.WithCancel(context.Background())
	s := &sdkSession{
		sessionID: req.SessionID,
		query:     a.query,
		system:    a.opts.SystemPrompt,
		maxTokens: a.opts.MaxTokens,
		model:     model,
		logger:    a.logger.With("session_id", req.SessionID),
		msgs:      make(chan *schema.Message, messageBuffer),
		prompts:   make(chan schema.Message, 16),
		ctx:       sessionCtx,
		cancel:    cancel,
	}
	go s.run()
	return s, nil
}

// sdkSession serializes turns against the Messages API and keeps the
// conversation transcript between them.
type sdkSession struct {
	sessionID string
	query     QueryFunc
	system    string
	maxTokens int
	logger    *slog.Logger

	msgs    chan *schema.Message
	prompts chan schema.Message

	ctx    context.Context
	cancel context.CancelFunc

	turnMu   sync.Mutex
	turnStop context.CancelFunc // non-nil while a turn is running

	stateMu    sync.Mutex
	model      string
	transcript []schema.Message
}

func (s *sdkSession) Messages() <-chan *schema.Message { return s.msgs }

func (s *sdkSession) Send(ctx context.Context, msg *schema.Message) error {
	if msg.Type != schema.TypeUser {
		return fmt.Errorf("claude-sdk session cannot send message type %s", msg.Type)
	}
	select {
	case <-s.ctx.Done():
		return ErrSessionClosed
	case s.prompts <- *msg:
		return nil
	default:
		return errors.New("claude-sdk turn backlog full")
	}
}

// Interrupt cancels the in-flight turn, if any.
func (s *sdkSession) Interrupt(ctx context.Context) error {
	s.turnMu.Lock()
	stop := s.turnStop
	s.turnMu.Unlock()
	if stop != nil {
		stop()
	}
	return nil
}

// SetModel switches the model for subsequent turns.
func (s *sdkSession) SetModel(ctx context.Context, model string) error {
	if model == "" {
		return errors.New("empty model")
	}
	s.stateMu.Lock()
	s.model = model
	s.stateMu.Unlock()
	return nil
}

// SetPermissionMode is part of Configurable but has no meaning against the
// raw API: there are no tools to gate.
func (s *sdkSession) SetPermissionMode(ctx context.Context, mode string) error {
	return errors.New("claude-sdk session has no permission modes")
}

func (s *sdkSession) Close() error {
	s.cancel()
	return nil
}

func (s *sdkSession) run() {
	defer close(s.msgs)
	for {
		select {
		case <-s.ctx.Done():
			return
		case prompt := <-s.prompts:
			s.runTurn(prompt)
		}
	}
}

func (s *sdkSession) runTurn(prompt schema.Message) {
	s.stateMu.Lock()
	s.transcript = append(s.transcript, prompt)
	req := QueryRequest{
		Model:      s.model,
		System:     s.system,
		MaxTokens:  s.maxTokens,
		Transcript: append([]schema.Message(nil), s.transcript...),
	}
	s.stateMu.Unlock()

	turnCtx, cancel := context.WithCancel(s.ctx)
	s.turnMu.Lock()
	s.turnStop = cancel
	s.turnMu.Unlock()
	defer func() {
		cancel()
		s.turnMu.Lock()
		s.turnStop = nil
		s.turnMu.Unlock()
	}()

	err := s.query(turnCtx, req, func(m schema.Message) {
		if m.Type == schema.TypeAssistant {
			s.stateMu.Lock()
			s.transcript = append(s.transcript, m)
			s.stateMu.Unlock()
		}
		s.emit(&m)
	})

	result := schema.Message{Type: schema.TypeResult, Role: schema.RoleSystem, Timestamp: time.Now()}
	switch {
	case err == nil:
		result.WithMeta("subtype", "success")
	case errors.Is(err, context.Canceled) && s.ctx.Err() == nil:
		result.WithMeta("subtype", "interrupted")
	case err != nil:
		if s.ctx.Err() != nil {
			return // session closed mid-turn; nothing left to report
		}
		kind := classifyBackendError(0, err.Error())
		em := schema.NewErrorMessage("", kind, err.Error())
		s.emit(&em)
		result.WithMeta("subtype", "error")
		result.WithMeta("is_error", true)
		s.logger.Warn("turn failed", "error", err, "kind", string(kind))
	}
	s.emit(&result)
}

func (s *sdkSession) emit(m *schema.Message) {
	select {
	case s.msgs <- m:
	case <-s.ctx.Done():
	}
}

// anthropicQuery is the production QueryFunc: a streaming Messages API call
// emitting a stream_event per text delta and the assembled assistant message
// at the end of the turn.
func anthropicQuery(apiKeyEnv string) QueryFunc {
	client := anthropic.NewClient(option.WithAPIKey(os.Getenv(apiKeyEnv)))
	return func(ctx context.Context, req QueryRequest, emit func(schema.Message)) error {
		params := anthropic.MessageNewParams{
			Model:     anthropic.Model(req.Model),
			MaxTokens: int64(req.MaxTokens),
			Messages:  anthropicMessages(req.Transcript),
		}
		if req.System != "" {
			params.System = []anthropic.TextBlockParam{{Text: req.System}}
		}

		stream := client.Messages.NewStreaming(ctx, params)
		var text strings.Builder
		for stream.Next() {
			event := stream.Current()
			switch event.Type {
			case "content_block_delta":
				if event.Delta.Type == "text_delta" && event.Delta.Text != "" {
					text.WriteString(event.Delta.Text)
					m := schema.Message{Type: schema.TypeStreamEvent, Role: schema.RoleAssistant, Timestamp: time.Now()}
					m.WithMeta("delta", event.Delta.Text)
					emit(m)
				}
			}
		}
		if err := stream.Err(); err != nil && err != io.EOF {
			return fmt.Errorf("anthropic stream: %w", err)
		}

		out := schema.NewTextMessage("", schema.TypeAssistant, schema.RoleAssistant, text.String())
		out.WithMeta("model", req.Model)
		emit(out)
		return nil
	}
}

// anthropicMessages converts the unified transcript into API params. Only
// user and assistant turns travel; everything else is daemon-internal.
func anthropicMessages(transcript []schema.Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(transcript))
	for _, m := range transcript {
		text := m.Text()
		if text == "" {
			continue
		}
		switch m.Type {
		case schema.TypeUser:
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(text)))
		case schema.TypeAssistant:
			out = append(out, anthropic.NewAssistantMessage(anthropic.NewTextBlock(text)))
		}
	}
	return out
}
