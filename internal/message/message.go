package message

import (
	"bytes"
	"encoding/json"
	"strconv"

	"github.com/wagiedev/mcpbridge/internal/errors"
)

// Version is the JSON-RPC version stamped on every outgoing envelope.
const Version = "2.0"

// Standard JSON-RPC 2.0 error codes used by the bridge.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInternalError  = -32603
)

// Kind classifies an envelope by the routing fields it carries.
type Kind int

const (
	// KindUnknown is an envelope with neither method nor id.
	KindUnknown Kind = iota
	// KindRequest carries an id and a method and expects exactly one response.
	KindRequest
	// KindResponse carries an id and a result or error.
	KindResponse
	// KindNotification carries a method and no id.
	KindNotification
)

// String returns a human-readable kind name.
func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindNotification:
		return "notification"
	default:
		return "unknown"
	}
}

// Message is one JSON-RPC 2.0 envelope.
//
// Wire format for a request:
//
//	{"jsonrpc":"2.0","id":7,"method":"tools/list","params":{}}
//
// Wire format for a response:
//
//	{"jsonrpc":"2.0","id":7,"result":{...}}
//	{"jsonrpc":"2.0","id":7,"error":{"code":-32601,"message":"..."}}
//
// Wire format for a notification:
//
//	{"jsonrpc":"2.0","method":"notifications/progress","params":{...}}
type Message struct {
	JSONRPC string          `json:"jsonrpc,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ErrorObject    `json:"error,omitempty"`
}

// ErrorObject is the JSON-RPC error member of a response.
type ErrorObject struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// HasID reports whether the envelope carries a non-null id.
func (m *Message) HasID() bool {
	id := bytes.TrimSpace(m.ID)

	return len(id) > 0 && !bytes.Equal(id, []byte("null"))
}

// Kind classifies the envelope.
func (m *Message) Kind() Kind {
	switch {
	case m.Method != "" && m.HasID():
		return KindRequest
	case m.Method != "":
		return KindNotification
	case m.HasID() || m.Result != nil || m.Error != nil:
		return KindResponse
	default:
		return KindUnknown
	}
}

// IDKey returns the id normalised for table lookups. String ids are
// unquoted so "7" and 7 resolve to the same key.
func (m *Message) IDKey() string {
	if !m.HasID() {
		return ""
	}

	id := bytes.TrimSpace(m.ID)

	if id[0] == '"' {
		var s string
		if err := json.Unmarshal(id, &s); err == nil {
			return s
		}
	}

	return string(id)
}

// Err returns the child's explicit error as an *errors.RPCError, or nil for
// a successful response.
func (m *Message) Err() error {
	if m.Error == nil {
		return nil
	}

	return &errors.RPCError{
		Code:    m.Error.Code,
		Message: m.Error.Message,
		Data:    m.Error.Data,
	}
}

// WithID returns a shallow copy of the envelope carrying the given id.
func (m *Message) WithID(id json.RawMessage) *Message {
	clone := *m
	clone.ID = id

	return &clone
}

// NumericID encodes an int64 correlation id.
func NumericID(id int64) json.RawMessage {
	return strconv.AppendInt(nil, id, 10)
}

// NewRequest builds a request envelope.
func NewRequest(id int64, method string, params json.RawMessage) *Message {
	return &Message{
		JSONRPC: Version,
		ID:      NumericID(id),
		Method:  method,
		Params:  params,
	}
}

// NewNotification builds an id-less notification envelope.
func NewNotification(method string, params json.RawMessage) *Message {
	return &Message{
		JSONRPC: Version,
		Method:  method,
		Params:  params,
	}
}

// NewErrorResponse builds an error response for the given request id.
func NewErrorResponse(id json.RawMessage, code int, msg string) *Message {
	return &Message{
		JSONRPC: Version,
		ID:      id,
		Error: &ErrorObject{
			Code:    code,
			Message: msg,
		},
	}
}
