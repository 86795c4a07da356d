package message

import (
	"bytes"
	"encoding/json"
	stderrors "errors"
	"fmt"

	"github.com/wagiedev/mcpbridge/internal/errors"
)

// errNotObject is returned for lines that are not a JSON object.
var errNotObject = stderrors.New("line is not a JSON object")

// errNoRoute is returned for objects without method, id, result, or error.
var errNoRoute = stderrors.New("envelope has neither method nor id")

// Parse decodes one line of child output into a Message.
//
// Returns a *errors.ProtocolError if the line is not a JSON object or carries
// none of the routing fields. The raw line is preserved on the error.
func Parse(line []byte) (*Message, error) {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, &errors.ProtocolError{RawData: string(line), Err: errNotObject}
	}

	var msg Message
	if err := json.Unmarshal(trimmed, &msg); err != nil {
		return nil, &errors.ProtocolError{RawData: string(line), Err: err}
	}

	if msg.Kind() == KindUnknown {
		return nil, &errors.ProtocolError{RawData: string(line), Err: errNoRoute}
	}

	return &msg, nil
}

// Encode serialises a Message without a trailing newline.
func Encode(msg *Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.Kind(), err)
	}

	return data, nil
}
