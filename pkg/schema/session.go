package schema

import (
	"encoding/json"
	"time"
)

// CurrentSchemaVersion is the version written into persisted session
// snapshots. Loaders reject snapshots from the future.
const CurrentSchemaVersion = 1

// QueuedMessage is a user message held in the outbound queue while the
// session is busy. Only the original author may update or cancel it.
type QueuedMessage struct {
	ID       string    `json:"id"`
	Author   string    `json:"author"`
	Blocks   []Block   `json:"blocks"`
	QueuedAt time.Time `json:"queued_at"`
}

// PermissionBehavior is a consumer's decision on a permission request.
type PermissionBehavior string

const (
	PermissionAllow PermissionBehavior = "allow"
	PermissionDeny  PermissionBehavior = "deny"
)

// PermissionRequest is a pending tool-approval request. RequestID is the
// backend's own id when it supplied one, otherwise allocated locally, and is
// stable for the life of the request.
type PermissionRequest struct {
	RequestID string          `json:"request_id"`
	Tool      string          `json:"tool"`
	Input     json.RawMessage `json:"input,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// PermissionResponse carries a consumer's decision back to the runtime.
type PermissionResponse struct {
	RequestID          string             `json:"request_id"`
	Behavior           PermissionBehavior `json:"behavior"`
	UpdatedInput       json.RawMessage    `json:"updated_input,omitempty"`
	UpdatedPermissions json.RawMessage    `json:"updated_permissions,omitempty"`
	Message            string             `json:"message,omitempty"`
}

// TeamMemberStatus is the lifecycle of one member of a backend team.
type TeamMemberStatus string

const (
	TeamMemberActive   TeamMemberStatus = "active"
	TeamMemberIdle     TeamMemberStatus = "idle"
	TeamMemberShutdown TeamMemberStatus = "shutdown"
)

// TeamTaskStatus is the lifecycle of one task on a backend team's board.
type TeamTaskStatus string

const (
	TeamTaskPending    TeamTaskStatus = "pending"
	TeamTaskInProgress TeamTaskStatus = "in_progress"
	TeamTaskCompleted  TeamTaskStatus = "completed"
)

// TeamMember is one agent in a backend team.
type TeamMember struct {
	Name   string           `json:"name"`
	Status TeamMemberStatus `json:"status"`
}

// TeamTask is one unit of work on a backend team's board.
type TeamTask struct {
	ID     string         `json:"id"`
	Title  string         `json:"title"`
	Status TeamTaskStatus `json:"status"`
	Owner  string         `json:"owner,omitempty"`
}

// TeamState is a snapshot of a backend team, reported by adapters that
// declare the teams capability. Successive snapshots are diffed into
// team_event messages.
type TeamState struct {
	Name    string       `json:"name"`
	Members []TeamMember `json:"members"`
	Tasks   []TeamTask   `json:"tasks"`
}

// Snapshot is the persisted form of a session, written through
// SessionStorage and migrated on load.
type Snapshot struct {
	ID                 string              `json:"id"`
	Version            int                 `json:"version"`
	State              State               `json:"state"`
	Adapter            AdapterKind         `json:"adapter"`
	CreatedAt          time.Time           `json:"created_at"`
	UpdatedAt          time.Time           `json:"updated_at"`
	Cwd                string              `json:"cwd,omitempty"`
	Model              string              `json:"model,omitempty"`
	PID                int                 `json:"pid,omitempty"`
	NativeHandle       string              `json:"native_handle,omitempty"`
	Archived           bool                `json:"archived,omitempty"`
	MessageHistory     []Message           `json:"messageHistory"`
	PendingMessages    []QueuedMessage     `json:"pendingMessages"`
	PendingPermissions []PermissionRequest `json:"pendingPermissions"`
}

// SessionInfo is the admin and IPC view of a live session.
type SessionInfo struct {
	ID         string      `json:"id"`
	Adapter    AdapterKind `json:"adapter"`
	State      State       `json:"state"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
	Cwd        string      `json:"cwd,omitempty"`
	Model      string      `json:"model,omitempty"`
	Consumers  int         `json:"consumers"`
	QueueDepth int         `json:"queue_depth"`
	HistoryLen int         `json:"history_len"`
	PID        int         `json:"pid,omitempty"`
	Archived   bool        `json:"archived,omitempty"`
}
