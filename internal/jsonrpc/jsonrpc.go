// Package jsonrpc implements the newline-delimited JSON-RPC 2.0 codec spoken
// to ACP backend subprocesses over stdio.
//
// Requests carry monotonically increasing integer ids assigned by the
// encoder; notifications carry no id and never expect a reply. Decoding is
// strict: any version other than "2.0" is rejected.
package jsonrpc

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Version is the only protocol version the codec accepts.
const Version = "2.0"

// ErrInvalidVersion is returned when a decoded message does not declare
// JSON-RPC 2.0.
var ErrInvalidVersion = errors.New("Invalid JSON-RPC version")

// Message is a JSON-RPC request, notification, or response.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is a JSON-RPC error object.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// NewRequest creates a request message with the given id.
func NewRequest(id int64, method string, params any) (*Message, error) {
	paramsJSON, err := marshalField(params, "params")
	if err != nil {
		return nil, err
	}
	return &Message{JSONRPC: Version, ID: &id, Method: method, Params: paramsJSON}, nil
}

// NewNotification creates a notification message. Notifications carry no id.
func NewNotification(method string, params any) (*Message, error) {
	paramsJSON, err := marshalField(params, "params")
	if err != nil {
		return nil, err
	}
	return &Message{JSONRPC: Version, Method: method, Params: paramsJSON}, nil
}

// NewResponse creates a response message for the given request id.
func NewResponse(id int64, result any) (*Message, error) {
	resultJSON, err := marshalField(result, "result")
	if err != nil {
		return nil, err
	}
	return &Message{JSONRPC: Version, ID: &id, Result: resultJSON}, nil
}

// NewError creates an error response for the given request id.
func NewError(id int64, code int, message string, data any) (*Message, error) {
	dataJSON, err := marshalField(data, "error data")
	if err != nil {
		return nil, err
	}
	return &Message{JSONRPC: Version, ID: &id, Error: &Error{Code: code, Message: message, Data: dataJSON}}, nil
}

func marshalField(v any, what string) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", what, err)
	}
	return data, nil
}

// IsRequest reports whether the message is a request.
func (m *Message) IsRequest() bool {
	return m.Method != "" && m.ID != nil
}

// IsNotification reports whether the message is a notification.
func (m *Message) IsNotification() bool {
	return m.Method != "" && m.ID == nil
}

// IsResponse reports whether the message is a response.
func (m *Message) IsResponse() bool {
	return m.ID != nil && m.Method == "" && (m.Result != nil || m.Error != nil)
}

// Validate checks protocol version and message shape.
func (m *Message) Validate() error {
	if m.JSONRPC != Version {
		return fmt.Errorf("%w: %q", ErrInvalidVersion, m.JSONRPC)
	}
	if !m.IsRequest() && !m.IsResponse() && !m.IsNotification() {
		return errors.New("invalid JSON-RPC message shape")
	}
	return nil
}

// Decode parses and validates a single message.
func Decode(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to decode message: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Encode serializes a message with the trailing newline frame delimiter.
func Encode(m *Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	return append(data, '\n'), nil
}
