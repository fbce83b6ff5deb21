package session

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/parley-ai/parley/pkg/schema"
)

// Slash result sources, carried in slash_command_result metadata.
const (
	slashSourceEmulated    = "emulated"
	slashSourceNative      = "native"
	slashSourcePassthrough = "passthrough"
	slashSourceUnsupported = "unsupported"
)

// SlashResult is the outcome of a locally emulated slash command, returned by
// RunLocalCommand for programmatic callers.
type SlashResult struct {
	Content string `json:"content"`
	Source  string `json:"source"`
}

// compactKeep is how many history entries a local /compact retains.
const compactKeep = 50

// pendingSlash tracks a slash command forwarded to the backend; the next
// assistant reply becomes its result.
type pendingSlash struct {
	requestID string
	command   string
	source    string
}

// handleSlashCommand dispatches an inbound slash command through the handler
// chain: local built-ins, adapter-native forwarding, passthrough wrapping,
// and finally the unsupported terminal. Exactly one slash_command_result is
// produced per command, carrying the inbound request id.
func (r *Runtime) handleSlashCommand(cmd Command) {
	command := strings.TrimSpace(cmd.Command)
	name := slashName(command)

	in := schema.Message{
		Type:      schema.TypeSlashCommand,
		Role:      schema.RoleUser,
		Blocks:    []schema.Block{schema.TextBlock(command)},
		Timestamp: time.Now(),
	}
	in.WithMeta("author", cmd.Author)
	if cmd.RequestID != "" {
		in.WithMeta("request_id", cmd.RequestID)
	}
	r.record(&in)

	// Local built-ins answer without a backend.
	if out, ok := r.runLocalSlash(name); ok {
		r.emitSlashResult(cmd.RequestID, command, out, slashSourceEmulated)
		return
	}

	// A command the backend advertises, or a backend that declares slash
	// support wholesale, takes the native route.
	if r.backend != nil && r.canSendToBackend() && (r.caps.SlashCommands || r.advertised[name]) {
		if r.forwardSlash(cmd, command, slashSourceNative) {
			return
		}
	}

	// Passthrough: wrap into a user message; the next assistant reply is the
	// result.
	if r.backend != nil && r.canSendToBackend() {
		if r.forwardSlash(cmd, command, slashSourcePassthrough) {
			return
		}
	}

	r.emitSlashResult(cmd.RequestID, command,
		fmt.Sprintf("command %s is not supported in this session", command),
		slashSourceUnsupported)
}

// forwardSlash sends the command text to the backend as a user message and
// arms the pending-result latch. Only one forwarded command may be in flight;
// a second one is answered unsupported rather than silently misattributed.
func (r *Runtime) forwardSlash(cmd Command, command, source string) bool {
	if r.pendingSlashCmd != nil {
		r.emitSlashResult(cmd.RequestID, command,
			"another slash command is already awaiting its result", slashSourceUnsupported)
		return true
	}
	msg := schema.NewTextMessage("", schema.TypeUser, schema.RoleUser, command)
	msg.WithMeta("author", cmd.Author)
	if err := r.sendToBackend(&msg); err != nil {
		r.logger.Warn("slash forward failed", "command", command, "error", err)
		return false
	}
	if r.State() == schema.StateIdle {
		r.transition(schema.StateActive, "")
	}
	r.pendingSlashCmd = &pendingSlash{requestID: cmd.RequestID, command: command, source: source}
	return true
}

// resolvePendingSlash turns an assistant reply into the result of the
// forwarded slash command, if one is armed.
func (r *Runtime) resolvePendingSlash(assistant *schema.Message) {
	p := r.pendingSlashCmd
	if p == nil {
		return
	}
	r.pendingSlashCmd = nil
	r.emitSlashResult(p.requestID, p.command, assistant.Text(), p.source)
}

// failPendingSlash resolves a forwarded command that can no longer complete,
// so the issuer still gets exactly one result.
func (r *Runtime) failPendingSlash(reason string) {
	p := r.pendingSlashCmd
	if p == nil {
		return
	}
	r.pendingSlashCmd = nil
	r.emitSlashResult(p.requestID, p.command, reason, p.source)
}

func (r *Runtime) emitSlashResult(requestID, command, content, source string) {
	msg := schema.NewTextMessage("", schema.TypeSlashCommandResult, schema.RoleSystem, content)
	msg.WithMeta("source", source)
	msg.WithMeta("command", command)
	if requestID != "" {
		msg.WithMeta("request_id", requestID)
	}
	r.record(&msg)
}

// RunLocalCommand executes a local built-in directly, bypassing the consumer
// plane. Unknown commands report an error rather than entering the chain.
func (r *Runtime) RunLocalCommand(command string) (SlashResult, error) {
	name := slashName(command)
	type reply struct {
		out SlashResult
		ok  bool
	}
	ch := make(chan reply, 1)
	err := r.call(func() {
		content, ok := r.runLocalSlash(name)
		ch <- reply{SlashResult{Content: content, Source: slashSourceEmulated}, ok}
	})
	if err != nil {
		return SlashResult{}, err
	}
	rep := <-ch
	if !rep.ok {
		return SlashResult{}, fmt.Errorf("no local handler for %q", command)
	}
	return rep.out, nil
}

// runLocalSlash serves the built-in commands. Runs on the sequencer.
func (r *Runtime) runLocalSlash(name string) (string, bool) {
	switch name {
	case "help":
		return r.helpText(), true
	case "compact":
		dropped := r.compactHistory(compactKeep)
		r.persist()
		return fmt.Sprintf("history compacted: kept last %d entries, dropped %d", r.history.Len(), dropped), true
	case "status":
		return r.statusText(), true
	case "clear":
		dropped := r.compactHistory(0)
		r.persist()
		return fmt.Sprintf("history cleared: dropped %d entries", dropped), true
	}
	return "", false
}

func (r *Runtime) helpText() string {
	var b strings.Builder
	b.WriteString("Built-in commands:\n")
	b.WriteString("  /help     show this help\n")
	b.WriteString("  /compact  trim conversation history\n")
	b.WriteString("  /status   session status summary\n")
	b.WriteString("  /clear    drop conversation history\n")
	if len(r.advertised) > 0 {
		names := make([]string, 0, len(r.advertised))
		for n := range r.advertised {
			names = append(names, n)
		}
		sort.Strings(names)
		b.WriteString("Backend commands:\n")
		for _, n := range names {
			fmt.Fprintf(&b, "  /%s\n", n)
		}
	}
	return b.String()
}

func (r *Runtime) statusText() string {
	var b strings.Builder
	fmt.Fprintf(&b, "session %s\n", r.id)
	fmt.Fprintf(&b, "  state:       %s\n", r.State())
	fmt.Fprintf(&b, "  adapter:     %s\n", r.kind)
	if r.model != "" {
		fmt.Fprintf(&b, "  model:       %s\n", r.model)
	}
	fmt.Fprintf(&b, "  consumers:   %d\n", len(r.consumers))
	fmt.Fprintf(&b, "  queued:      %d\n", len(r.queue))
	fmt.Fprintf(&b, "  history:     %d\n", r.history.Len())
	if n := len(r.pendingPerms); n > 0 {
		fmt.Fprintf(&b, "  permissions: %d pending\n", n)
	}
	return b.String()
}

// compactHistory keeps the most recent keep entries, returning how many were
// dropped.
func (r *Runtime) compactHistory(keep int) int {
	before := r.history.Len()
	if before <= keep {
		return 0
	}
	tail := r.history.Tail(keep)
	r.history = newHistory(r.historySize)
	for _, m := range tail {
		r.history.Append(m)
	}
	return before - len(tail)
}

// trackAdvertisedCommands learns the backend's native command list from
// available_commands system frames.
func (r *Runtime) trackAdvertisedCommands(msg *schema.Message) {
	if msg.MetaString("subtype") != "available_commands" {
		return
	}
	raw, err := json.Marshal(msg.Meta("commands"))
	if err != nil {
		return
	}
	var cmds []struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(raw, &cmds); err != nil {
		return
	}
	r.advertised = make(map[string]bool, len(cmds))
	for _, c := range cmds {
		if c.Name != "" {
			r.advertised[strings.TrimPrefix(c.Name, "/")] = true
		}
	}
}

// slashName extracts the bare command name: "/help me" → "help".
func slashName(command string) string {
	command = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(command), "/"))
	if i := strings.IndexByte(command, ' '); i >= 0 {
		command = command[:i]
	}
	return strings.ToLower(command)
}
