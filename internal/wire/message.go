// Package wire defines the JSON-RPC-like message shapes exchanged with the
// inference subprocess over a newline-delimited channel, plus the
// camelCase/snake_case key normalization applied at the boundary.
package wire

import (
	"encoding/json"
	"fmt"
)

// Version is the protocol version stamped on every outbound message.
const Version = "2.0"

// Message is the wire shape for one JSON line exchanged with the child.
// Request: has ID and Method. Response: has ID and (Result xor Error).
// Notification: has Method and no ID.
type Message struct {
	JSONRPC string          `json:"jsonrpc,omitempty"`
	ID      *uint64         `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is the JSON-RPC error object shape.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Kind classifies a decoded Message.
type Kind int

const (
	KindInvalid Kind = iota
	KindRequest
	KindResponse
	KindNotification
)

// Classify distinguishes the three message shapes on the wire: request
// (has id), response (has id and result/error), notification (has method,
// no id).
func (m *Message) Classify() Kind {
	switch {
	case m.ID != nil && m.Method != "":
		return KindRequest
	case m.ID != nil:
		return KindResponse
	case m.Method != "" && m.ID == nil:
		return KindNotification
	default:
		return KindInvalid
	}
}

// NewRequest builds an outbound request Message for id/method/params.
func NewRequest(id uint64, method string, params any) (Message, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return Message{}, fmt.Errorf("wire: marshal params: %w", err)
	}
	return Message{JSONRPC: Version, ID: &id, Method: method, Params: raw}, nil
}

// NewNotification builds an outbound fire-and-forget notification.
func NewNotification(method string, params any) (Message, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return Message{}, fmt.Errorf("wire: marshal params: %w", err)
	}
	return Message{JSONRPC: Version, Method: method, Params: raw}, nil
}

// DecodeResult unmarshals a response's raw result payload into out. A nil/
// empty raw (e.g. a method that replies with no result fields) leaves out
// untouched.
func DecodeResult(raw json.RawMessage, out any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("wire: decode result: %w", err)
	}
	return nil
}

// DecodeParams unmarshals a notification's raw params payload into out.
func DecodeParams(raw json.RawMessage, out any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("wire: decode params: %w", err)
	}
	return nil
}
