// Package rpc implements the driver wire protocol: JSON messages framed one
// per WebSocket text frame, correlated by id at the client layer.
package rpc

import (
	"encoding/json"
	"fmt"
)

// Message types on the wire.
const (
	TypeRequest  = "request"
	TypeResponse = "response"
)

// Error codes drivers may return. The engine treats any error as a failed
// call; codes are classification only.
const (
	CodeBadRequest     = 400
	CodeUnknownMethod  = 404
	CodeConflict       = 409
	CodeInternal       = 500
	CodeNotImplemented = 501
	CodeUnavailable    = 503
)

// ErrorInfo is the structured error payload of a failed response.
type ErrorInfo struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Details json.RawMessage `json:"details,omitempty"`
}

func (e *ErrorInfo) Error() string {
	return fmt.Sprintf("driver error %d: %s", e.Code, e.Message)
}

// Message is one frame of the driver protocol. Requests carry Method and
// Params; responses carry exactly one of Result or Error.
type Message struct {
	ID     string          `json:"id"`
	Type   string          `json:"type"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ErrorInfo      `json:"error,omitempty"`
}

// Validate checks the structural invariants of a decoded frame.
func (m *Message) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("message missing id")
	}
	switch m.Type {
	case TypeRequest:
		if m.Method == "" {
			return fmt.Errorf("request %s missing method", m.ID)
		}
	case TypeResponse:
		if (m.Result == nil) == (m.Error == nil) {
			return fmt.Errorf("response %s must carry exactly one of result or error", m.ID)
		}
	default:
		return fmt.Errorf("message %s has unknown type %q", m.ID, m.Type)
	}
	return nil
}

// NewRequest builds a request frame, marshaling params.
func NewRequest(id, method string, params any) (Message, error) {
	msg := Message{ID: id, Type: TypeRequest, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return Message{}, fmt.Errorf("marshaling params for %s: %w", method, err)
		}
		msg.Params = raw
	}
	return msg, nil
}
