// Package schema defines the unified message schema shared by every Parley
// component (adapters, session runtime, consumer WebSocket, storage).
//
// Backend-specific wire formats are translated into these types at the
// adapter boundary; everything above the adapters speaks only this schema.
package schema

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType tags a unified message. The set is closed: adapters translating
// backend frames must map onto one of these or fall back to TypeStreamEvent.
type MessageType string

const (
	TypeUser                MessageType = "user"
	TypeAssistant           MessageType = "assistant"
	TypeSystem              MessageType = "system"
	TypeResult              MessageType = "result"
	TypeStreamEvent         MessageType = "stream_event"
	TypeStatusChange        MessageType = "status_change"
	TypeSessionInit         MessageType = "session_init"
	TypePermissionRequest   MessageType = "permission_request"
	TypePermissionResponse  MessageType = "permission_response"
	TypeInterrupt           MessageType = "interrupt"
	TypeSlashCommand        MessageType = "slash_command"
	TypeSlashCommandResult  MessageType = "slash_command_result"
	TypeConfigurationChange MessageType = "configuration_change"
	TypeTeamEvent           MessageType = "team_event"
	TypeError               MessageType = "error"
)

// Valid reports whether t is a member of the closed type set.
func (t MessageType) Valid() bool {
	switch t {
	case TypeUser, TypeAssistant, TypeSystem, TypeResult, TypeStreamEvent,
		TypeStatusChange, TypeSessionInit, TypePermissionRequest,
		TypePermissionResponse, TypeInterrupt, TypeSlashCommand,
		TypeSlashCommandResult, TypeConfigurationChange, TypeTeamEvent,
		TypeError:
		return true
	}
	return false
}

// Critical reports whether delivery of this type must never be shed under
// consumer backpressure. Stream deltas are shed first; these never are.
func (t MessageType) Critical() bool {
	switch t {
	case TypeResult, TypePermissionRequest, TypeSessionInit, TypeStatusChange:
		return true
	}
	return false
}

// Role identifies the conversational author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// BlockType tags a content block within a message.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockImage      BlockType = "image"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
)

// Block is one typed element of a message's content array. Fields are
// populated according to Type; unset fields are omitted on the wire.
type Block struct {
	Type BlockType `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// image
	Source    string `json:"source,omitempty"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// TextBlock builds a text content block.
func TextBlock(text string) Block {
	return Block{Type: BlockText, Text: text}
}

// ImageBlock builds an image content block from base64 data.
func ImageBlock(mediaType, data string) Block {
	return Block{Type: BlockImage, Source: "base64", MediaType: mediaType, Data: data}
}

// ToolUseBlock builds a tool_use content block.
func ToolUseBlock(id, name string, input json.RawMessage) Block {
	return Block{Type: BlockToolUse, ID: id, Name: name, Input: input}
}

// ToolResultBlock builds a tool_result content block.
func ToolResultBlock(toolUseID string, content json.RawMessage, isError bool) Block {
	return Block{Type: BlockToolResult, ToolUseID: toolUseID, Content: content, IsError: isError}
}

// Message is the canonical in-memory and wire record for one conversational
// event. IDs are unique within a session and non-decreasing in history order;
// blocks are never reordered after creation.
type Message struct {
	ID        string         `json:"id"`
	SessionID string         `json:"session_id,omitempty"`
	Type      MessageType    `json:"type"`
	Role      Role           `json:"role,omitempty"`
	Blocks    []Block        `json:"blocks,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"ts"`
}

// MessageID formats a per-session sequence number as a stable message id.
// Zero padding keeps lexicographic and numeric ordering in agreement.
func MessageID(seq uint64) string {
	return fmt.Sprintf("m-%012d", seq)
}

// NewTextMessage builds a message carrying a single text block.
func NewTextMessage(id string, typ MessageType, role Role, text string) Message {
	return Message{
		ID:        id,
		Type:      typ,
		Role:      role,
		Blocks:    []Block{TextBlock(text)},
		Timestamp: time.Now(),
	}
}

// NewSystemMessage builds a system-authored informational message.
func NewSystemMessage(id, text string) Message {
	return NewTextMessage(id, TypeSystem, RoleSystem, text)
}

// NewErrorMessage builds a unified error message tagged with its kind.
func NewErrorMessage(id string, kind ErrorKind, text string) Message {
	m := NewTextMessage(id, TypeError, RoleSystem, text)
	m.Metadata = map[string]any{"error_code": string(kind)}
	return m
}

// NewStatusChange builds a status_change message announcing a lifecycle
// state. Detail is optional human-readable context.
func NewStatusChange(id string, state State, detail string) Message {
	m := Message{
		ID:        id,
		Type:      TypeStatusChange,
		Role:      RoleSystem,
		Metadata:  map[string]any{"state": string(state)},
		Timestamp: time.Now(),
	}
	if detail != "" {
		m.Blocks = []Block{TextBlock(detail)}
	}
	return m
}

// Text concatenates the text blocks of the message.
func (m *Message) Text() string {
	var out string
	for _, b := range m.Blocks {
		if b.Type == BlockText {
			out += b.Text
		}
	}
	return out
}

// Meta returns the metadata value for key, or nil.
func (m *Message) Meta(key string) any {
	if m.Metadata == nil {
		return nil
	}
	return m.Metadata[key]
}

// MetaString returns the metadata value for key if it is a string.
func (m *Message) MetaString(key string) string {
	s, _ := m.Meta(key).(string)
	return s
}

// WithMeta sets a metadata key, allocating the map on first use, and
// returns the message for chaining during construction.
func (m *Message) WithMeta(key string, value any) *Message {
	if m.Metadata == nil {
		m.Metadata = make(map[string]any)
	}
	m.Metadata[key] = value
	return m
}
