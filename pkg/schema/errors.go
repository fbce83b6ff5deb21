package schema

// ErrorKind classifies backend and daemon failures into the closed taxonomy
// that drives lifecycle reactions.
type ErrorKind string

const (
	// ErrorKindProviderAuth marks authentication failures against the
	// backend's provider. The session degrades until credentials recover.
	ErrorKindProviderAuth ErrorKind = "provider_auth"

	// ErrorKindRateLimit marks throttling. Surfaced as a warning; the
	// session stays active.
	ErrorKindRateLimit ErrorKind = "rate_limit"

	// ErrorKindContextOverflow marks a conversation that exceeded the
	// backend's context window. Surfaced as an error message; the session
	// stays active.
	ErrorKindContextOverflow ErrorKind = "context_overflow"

	// ErrorKindAPIError marks other non-fatal backend API failures.
	ErrorKindAPIError ErrorKind = "api_error"

	// ErrorKindStorage marks persistence failures. Logged; the session
	// continues in memory.
	ErrorKindStorage ErrorKind = "storage"

	// ErrorKindProcess marks child process exits and spawn failures.
	// Recovery goes through the reconnect policy.
	ErrorKindProcess ErrorKind = "process"

	// ErrorKindProtocol marks unparseable backend frames. Logged; the frame
	// is surfaced as a stream_event fallback.
	ErrorKindProtocol ErrorKind = "protocol"

	// ErrorKindLifecycle marks illegal lifecycle transition attempts.
	// Ignored apart from a diagnostic.
	ErrorKindLifecycle ErrorKind = "lifecycle"
)
