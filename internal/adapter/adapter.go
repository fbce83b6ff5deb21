// Package adapter defines the backend adapter contract and the five built-in
// implementations (claude-socket, claude-sdk, acp, gemini, opencode).
//
// Adapters translate backend-native wire protocols into the unified schema at
// the boundary; nothing above this package sees a native frame. Translators
// are pure: unrecognized frames become one stream_event fallback, never an
// error that tears the session down.
package adapter

import (
	"context"

	"github.com/parley-ai/parley/pkg/schema"
)

// ConnectRequest carries everything an adapter needs to establish a backend
// session.
type ConnectRequest struct {
	SessionID string
	Cwd       string
	Model     string
	// Resume is the backend-native handle of a previous conversation, empty
	// for fresh sessions. Adapters without resume support ignore it.
	Resume string
}

// Adapter is implemented once per backend protocol.
type Adapter interface {
	// Name identifies the adapter kind. Stable; used in config and storage.
	Name() schema.AdapterKind

	// Capabilities declares what the backend supports. Optional behaviors
	// are additionally probed on the live session (see the sub-interfaces).
	Capabilities() schema.Capabilities

	// Connect establishes a backend session. Blocking; honors ctx.
	Connect(ctx context.Context, req ConnectRequest) (BackendSession, error)
}

// BackendSession is one live conversation with a backend.
//
// Messages returns the unified message stream translated from backend
// frames. The channel is bounded and closed on teardown; the session
// runtime is its only reader.
type BackendSession interface {
	Send(ctx context.Context, msg *schema.Message) error
	Messages() <-chan *schema.Message
	Close() error
}

// Interruptible is probed on sessions that can abort the current turn.
type Interruptible interface {
	Interrupt(ctx context.Context) error
}

// Configurable is probed on sessions that accept configuration changes
// mid-conversation.
type Configurable interface {
	SetModel(ctx context.Context, model string) error
	SetPermissionMode(ctx context.Context, mode string) error
}

// PermissionHandler is probed on sessions that route tool approvals through
// the daemon. RespondPermission translates a consumer decision into the
// backend's native acknowledgement.
type PermissionHandler interface {
	RespondPermission(ctx context.Context, resp schema.PermissionResponse) error
}

// Reconnectable is probed on sessions that can survive transport loss and
// re-establish their backend link in place.
type Reconnectable interface {
	Reconnect(ctx context.Context) error
}

// ProcessBacked is probed on sessions that own a local child process, so the
// daemon can record the pid for restore and watchdog checks.
type ProcessBacked interface {
	Pid() int
}

// Spawner launches the local child process backing a session. Implemented by
// the launcher; injected so adapters stay testable without real processes.
// Pid reports the pid currently on record for the session's child, 0 when no
// live child is known. The watchdog may supersede a child between Spawn and
// the backend dialing in, so adapters read the pid at bind time rather than
// trusting the Spawn return.
type Spawner interface {
	Spawn(ctx context.Context, sessionID string) (pid int, err error)
	Pid(sessionID string) int
}

// messageBuffer is the bound on every BackendSession's outbound channel.
// Slow readers block the adapter's read loop, not the daemon.
const messageBuffer = 256
