package adapter

import (
	"strings"

	"github.com/parley-ai/parley/pkg/schema"
)

// classifyBackendError maps a backend failure onto the unified error
// taxonomy. code is a JSON-RPC or HTTP status code when the transport
// carries one, 0 otherwise; message is matched case-insensitively.
func classifyBackendError(code int, message string) schema.ErrorKind {
	switch code {
	case 401, 403:
		return schema.ErrorKindProviderAuth
	case 429:
		return schema.ErrorKindRateLimit
	}

	msg := strings.ToLower(message)
	switch {
	case strings.Contains(msg, "api key"),
		strings.Contains(msg, "unauthorized"),
		strings.Contains(msg, "unauthenticated"),
		strings.Contains(msg, "authentication"),
		strings.Contains(msg, "permission denied"),
		strings.Contains(msg, "forbidden"):
		return schema.ErrorKindProviderAuth
	case strings.Contains(msg, "rate limit"),
		strings.Contains(msg, "too many requests"),
		strings.Contains(msg, "resource_exhausted"),
		strings.Contains(msg, "resource exhausted"),
		strings.Contains(msg, "quota"),
		strings.Contains(msg, "overloaded"):
		return schema.ErrorKindRateLimit
	case strings.Contains(msg, "context window"),
		strings.Contains(msg, "context length"),
		strings.Contains(msg, "prompt is too long"),
		strings.Contains(msg, "too many tokens"),
		strings.Contains(msg, "maximum input length"):
		return schema.ErrorKindContextOverflow
	}
	return schema.ErrorKindAPIError
}
