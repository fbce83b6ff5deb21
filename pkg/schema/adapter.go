package schema

// AdapterKind identifies a backend adapter implementation. The set is
// sealed: configuration referencing any other value is rejected at load.
type AdapterKind string

const (
	AdapterClaudeSocket AdapterKind = "claude-socket"
	AdapterClaudeSDK    AdapterKind = "claude-sdk"
	AdapterACP          AdapterKind = "acp"
	AdapterGemini       AdapterKind = "gemini"
	AdapterOpencode     AdapterKind = "opencode"
)

// Valid reports whether k names a built-in adapter.
func (k AdapterKind) Valid() bool {
	switch k {
	case AdapterClaudeSocket, AdapterClaudeSDK, AdapterACP, AdapterGemini, AdapterOpencode:
		return true
	}
	return false
}

// Availability describes where an adapter's backend runs.
type Availability string

const (
	AvailabilityLocal Availability = "local"
	AvailabilityCloud Availability = "cloud"
)

// Capabilities declares what an adapter supports. Declared once per adapter;
// optional behaviors are additionally probed on the live backend session.
type Capabilities struct {
	Streaming     bool         `json:"streaming"`
	Permissions   bool         `json:"permissions"`
	SlashCommands bool         `json:"slash_commands"`
	Availability  Availability `json:"availability"`
	Teams         bool         `json:"teams"`
}
