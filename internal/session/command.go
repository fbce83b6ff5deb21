package session

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/parley-ai/parley/pkg/schema"
)

// Consumer command types accepted on the WebSocket plane.
const (
	CommandUserMessage        = "user_message"
	CommandQueueMessage       = "queue_message"
	CommandUpdateQueued       = "update_queued_message"
	CommandCancelQueued       = "cancel_queued_message"
	CommandSlash              = "slash_command"
	CommandPermissionResponse = "permission_response"
	CommandInterrupt          = "interrupt"
	CommandConfigChange       = "configuration_change"
)

// Command is one inbound consumer-plane command, decoded straight off the
// consumer WebSocket. ConsumerID and Author are stamped by the gateway from
// the authenticated connection, never trusted from the wire.
type Command struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`

	// user_message / queue_message / update_queued_message
	Content string         `json:"content,omitempty"`
	Blocks  []schema.Block `json:"blocks,omitempty"`

	// update_queued_message / cancel_queued_message
	MessageID string `json:"message_id,omitempty"`

	// slash_command
	Command string `json:"command,omitempty"`

	// permission_response
	Behavior           string          `json:"behavior,omitempty"`
	UpdatedInput       json.RawMessage `json:"updated_input,omitempty"`
	UpdatedPermissions json.RawMessage `json:"updated_permissions,omitempty"`
	Message            string          `json:"message,omitempty"`

	// configuration_change
	Model          string `json:"model,omitempty"`
	PermissionMode string `json:"permission_mode,omitempty"`

	ConsumerID string `json:"-"`
	Author     string `json:"-"`
}

// Validate checks shape only; lifecycle checks happen on the sequencer.
func (c *Command) Validate() error {
	switch c.Type {
	case CommandUserMessage, CommandQueueMessage:
		if c.Content == "" && len(c.Blocks) == 0 {
			return fmt.Errorf("%s: empty content", c.Type)
		}
	case CommandUpdateQueued:
		if c.MessageID == "" {
			return fmt.Errorf("%s: message_id required", c.Type)
		}
		if c.Content == "" && len(c.Blocks) == 0 {
			return fmt.Errorf("%s: empty content", c.Type)
		}
	case CommandCancelQueued:
		if c.MessageID == "" {
			return fmt.Errorf("%s: message_id required", c.Type)
		}
	case CommandSlash:
		if !strings.HasPrefix(strings.TrimSpace(c.Command), "/") {
			return fmt.Errorf("slash_command: command must start with /")
		}
	case CommandPermissionResponse:
		if c.RequestID == "" {
			return fmt.Errorf("permission_response: request_id required")
		}
		switch schema.PermissionBehavior(c.Behavior) {
		case schema.PermissionAllow, schema.PermissionDeny:
		default:
			return fmt.Errorf("permission_response: behavior must be allow or deny")
		}
	case CommandInterrupt:
	case CommandConfigChange:
		if c.Model == "" && c.PermissionMode == "" {
			return fmt.Errorf("configuration_change: model or permission_mode required")
		}
	default:
		return fmt.Errorf("unknown command type: %q", c.Type)
	}
	return nil
}

// blocks returns the message content of the command, preferring explicit
// blocks over the plain-text shorthand.
func (c *Command) blocks() []schema.Block {
	if len(c.Blocks) > 0 {
		return c.Blocks
	}
	return []schema.Block{schema.TextBlock(c.Content)}
}

// permissionResponse assembles the schema form of a permission_response
// command.
func (c *Command) permissionResponse() schema.PermissionResponse {
	return schema.PermissionResponse{
		RequestID:          c.RequestID,
		Behavior:           schema.PermissionBehavior(c.Behavior),
		UpdatedInput:       c.UpdatedInput,
		UpdatedPermissions: c.UpdatedPermissions,
		Message:            c.Message,
	}
}

// Policy command types, applied by the supervisory policies through the
// broker. The runtime re-validates eligibility; an ineligible command is a
// no-op.
const (
	PolicyReconnectTimeout    = "reconnect_timeout"
	PolicyIdleReap            = "idle_reap"
	PolicyCapabilitiesTimeout = "capabilities_timeout"
)

// PolicyCommand is a supervisory nudge from a policy. Reason is free text for
// logs and watchdog frames.
type PolicyCommand struct {
	Type   string `json:"type"`
	Reason string `json:"reason,omitempty"`
}

// Validate rejects unknown policy command types.
func (p *PolicyCommand) Validate() error {
	switch p.Type {
	case PolicyReconnectTimeout, PolicyIdleReap, PolicyCapabilitiesTimeout:
		return nil
	}
	return fmt.Errorf("unknown policy command type: %q", p.Type)
}
