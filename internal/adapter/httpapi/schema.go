package httpapi

import (
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
)

// Envelope schemas check structure only; params, arguments and n8n_data are
// opaque to the bridge.
var (
	callSchema = &jsonschema.Schema{
		Type:     "object",
		Required: []string{"method"},
		Properties: map[string]*jsonschema.Schema{
			"jsonrpc": {Type: "string", Enum: []any{"2.0"}},
			"id":      {Types: []string{"string", "number", "null"}},
			"method":  {Type: "string"},
			"params":  {Types: []string{"object", "array", "null"}},
		},
	}

	toolCallSchema = &jsonschema.Schema{
		Type:     "object",
		Required: []string{"tool_name"},
		Properties: map[string]*jsonschema.Schema{
			"tool_name": {Type: "string"},
			"arguments": {Types: []string{"object", "null"}},
			"n8n_data":  {Types: []string{"object", "null"}},
		},
	}

	configureSchema = &jsonschema.Schema{
		Type:     "object",
		Required: []string{"webhook_url"},
		Properties: map[string]*jsonschema.Schema{
			"webhook_url": {Type: "string"},
		},
	}
)

// schemas holds the resolved envelope schemas.
type schemas struct {
	call      *jsonschema.Resolved
	toolCall  *jsonschema.Resolved
	configure *jsonschema.Resolved
}

func resolveSchemas() (*schemas, error) {
	call, err := callSchema.Resolve(nil)
	if err != nil {
		return nil, fmt.Errorf("resolve call schema: %w", err)
	}

	toolCall, err := toolCallSchema.Resolve(nil)
	if err != nil {
		return nil, fmt.Errorf("resolve tool call schema: %w", err)
	}

	configure, err := configureSchema.Resolve(nil)
	if err != nil {
		return nil, fmt.Errorf("resolve configure schema: %w", err)
	}

	return &schemas{
		call:      call,
		toolCall:  toolCall,
		configure: configure,
	}, nil
}
