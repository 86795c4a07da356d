package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/singleflight"

	"github.com/wagiedev/mcpbridge/internal/message"
)

// MCP method names used by the bridge.
const (
	MethodInitialize  = "initialize"
	MethodInitialized = "notifications/initialized"
	MethodListTools   = "tools/list"
	MethodCallTool    = "tools/call"
	MethodPing        = "ping"
)

// ProtocolVersion is the MCP revision offered during initialize.
const ProtocolVersion = "2025-06-18"

// Caller issues correlated requests to one child process.
//
// This interface is satisfied by *supervisor.Handle.
type Caller interface {
	ProcessID() string
	Call(ctx context.Context, method string, params json.RawMessage, timeout time.Duration) (*message.Message, error)
	Notify(ctx context.Context, method string, params json.RawMessage) error
}

// ClientInfo identifies the bridge to the child during initialize.
func ClientInfo(version string) *mcp.Implementation {
	return &mcp.Implementation{Name: "mcpbridge", Version: version}
}

// InitializeParams encodes the initialize request parameters.
func InitializeParams(version string) (json.RawMessage, error) {
	return marshal(&mcp.InitializeParams{
		ProtocolVersion: ProtocolVersion,
		ClientInfo:      ClientInfo(version),
		Capabilities:    &mcp.ClientCapabilities{},
	})
}

// ListToolsParams encodes tools/list parameters. An empty cursor requests
// the first page.
func ListToolsParams(cursor string) (json.RawMessage, error) {
	return marshal(&mcp.ListToolsParams{Cursor: cursor})
}

// CallToolParams encodes tools/call parameters. Arguments are passed through
// untouched; a nil value becomes an empty object.
func CallToolParams(name string, arguments json.RawMessage) (json.RawMessage, error) {
	if len(arguments) == 0 || string(arguments) == "null" {
		arguments = json.RawMessage(`{}`)
	}

	return marshal(&mcp.CallToolParams{Name: name, Arguments: arguments})
}

func marshal(v any) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}

	return data, nil
}

// Handshake performs the MCP initialize exchange once per process instance
// and caches the result. Concurrent callers for the same process share one
// in-flight exchange.
type Handshake struct {
	log     *slog.Logger
	version string

	inflight singleflight.Group

	mu        sync.Mutex
	processID string
	result    *message.Message
}

// NewHandshake creates a handshake cache. The version is reported as the
// bridge's client version.
func NewHandshake(log *slog.Logger, version string) *Handshake {
	return &Handshake{
		log:     log.With("component", "mcp"),
		version: version,
	}
}

// Initialize returns the child's initialize response, performing the
// handshake if this process instance has not completed one yet.
//
// On success the child is sent notifications/initialized. An explicit
// JSON-RPC error from the child is returned as a message and not cached.
// A caller whose ctx ends stops waiting without cancelling the shared
// exchange; the timeout still bounds it.
func (h *Handshake) Initialize(ctx context.Context, c Caller, timeout time.Duration) (*message.Message, error) {
	processID := c.ProcessID()

	if resp := h.cached(processID); resp != nil {
		return resp, nil
	}

	ch := h.inflight.DoChan(processID, func() (any, error) {
		if resp := h.cached(processID); resp != nil {
			return resp, nil
		}

		return h.initialize(context.WithoutCancel(ctx), c, processID, timeout)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}

		return res.Val.(*message.Message), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (h *Handshake) cached(processID string) *message.Message {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.result != nil && h.processID == processID {
		return h.result
	}

	return nil
}

func (h *Handshake) initialize(
	ctx context.Context,
	c Caller,
	processID string,
	timeout time.Duration,
) (*message.Message, error) {
	params, err := InitializeParams(h.version)
	if err != nil {
		return nil, err
	}

	resp, err := c.Call(ctx, MethodInitialize, params, timeout)
	if err != nil {
		return nil, err
	}

	if resp.Error != nil {
		h.log.Warn("Child rejected initialize", "code", resp.Error.Code, "message", resp.Error.Message)

		return resp, nil
	}

	if err := c.Notify(ctx, MethodInitialized, nil); err != nil {
		return nil, err
	}

	var result mcp.InitializeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		h.log.Debug("Initialize result is not a standard MCP result", "error", err)
	} else if result.ServerInfo != nil {
		h.log.Info("MCP handshake complete",
			"process_id", processID,
			"server", result.ServerInfo.Name,
			"server_version", result.ServerInfo.Version,
			"protocol_version", result.ProtocolVersion,
		)
	}

	h.mu.Lock()
	h.processID = processID
	h.result = resp
	h.mu.Unlock()

	return resp, nil
}

// ToolNames extracts tool names from a tools/list result.
func ToolNames(result json.RawMessage) ([]string, error) {
	var list mcp.ListToolsResult
	if err := json.Unmarshal(result, &list); err != nil {
		return nil, fmt.Errorf("decode tools/list result: %w", err)
	}

	names := make([]string, 0, len(list.Tools))
	for _, tool := range list.Tools {
		names = append(names, tool.Name)
	}

	return names, nil
}
