package mcpbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/wagiedev/mcpbridge/internal/adapter/httpapi"
	"github.com/wagiedev/mcpbridge/internal/adapter/sse"
	"github.com/wagiedev/mcpbridge/internal/adapter/tcp"
	"github.com/wagiedev/mcpbridge/internal/mcp"
	"github.com/wagiedev/mcpbridge/internal/message"
	"github.com/wagiedev/mcpbridge/internal/supervisor"
)

// Version is sent as the client version in the MCP handshake.
const Version = "0.1.0"

// Message is a JSON-RPC envelope received from the child.
type Message = message.Message

// Status is a point-in-time snapshot of the bridge.
type Status = supervisor.Status

// HTTPConfig configures the handler returned by Bridge.Handler.
type HTTPConfig struct {
	// WebhookURL is the initial n8n webhook for tool results.
	WebhookURL string

	// HeartbeatInterval is the /mcp/stream heartbeat period. Zero uses 30s.
	HeartbeatInterval time.Duration

	// HTTPClient posts to the webhook. Nil uses a client with a 30s timeout.
	HTTPClient *http.Client
}

// Bridge connects network callers to a stdio MCP server.
type Bridge struct {
	log       *slog.Logger
	options   Options
	sup       *supervisor.Supervisor
	handshake *mcp.Handshake
}

// New creates a bridge. No process is started until the first call or
// connection.
func New(opts ...Option) (*Bridge, error) {
	options := applyOptions(opts)

	if options.Command == "" {
		return nil, fmt.Errorf("command is required")
	}

	resolved := options.WithDefaults()

	return &Bridge{
		log:       resolved.Logger,
		options:   resolved,
		sup:       supervisor.New(resolved.Logger, resolved),
		handshake: mcp.NewHandshake(resolved.Logger, Version),
	}, nil
}

// Call sends a request to the shared child and returns its result. params
// may be nil, a json.RawMessage, or any value that marshals to JSON. An
// explicit error from the child is returned as *RPCError.
func (b *Bridge) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}

	h, err := b.sup.AcquireShared(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := h.Call(ctx, method, raw, 0)
	if err != nil {
		return nil, err
	}

	if err := resp.Err(); err != nil {
		return nil, err
	}

	return resp.Result, nil
}

// Notify sends a notification to the shared child.
func (b *Bridge) Notify(ctx context.Context, method string, params any) error {
	raw, err := marshalParams(params)
	if err != nil {
		return err
	}

	h, err := b.sup.AcquireShared(ctx)
	if err != nil {
		return err
	}

	return h.Notify(ctx, method, raw)
}

// Initialize performs the MCP handshake with the shared child once per
// process and returns the initialize result.
func (b *Bridge) Initialize(ctx context.Context) (json.RawMessage, error) {
	h, err := b.sup.AcquireShared(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := b.handshake.Initialize(ctx, h, b.options.CallTimeout)
	if err != nil {
		return nil, err
	}

	if err := resp.Err(); err != nil {
		return nil, err
	}

	return resp.Result, nil
}

// Subscribe returns notifications sent by the shared child. The channel is
// closed when the child exits or cancel is called.
func (b *Bridge) Subscribe(ctx context.Context) (<-chan *Message, func(), error) {
	h, err := b.sup.AcquireShared(ctx)
	if err != nil {
		return nil, nil, err
	}

	return h.Subscribe(0)
}

// ServeTCP bridges each connection accepted on ln to a dedicated child
// until ctx is cancelled. A positive maxConns caps concurrent connections.
func (b *Bridge) ServeTCP(ctx context.Context, ln net.Listener, maxConns int) error {
	return tcp.NewServer(b.log, b.sup, maxConns).Serve(ctx, ln)
}

// Handler returns the HTTP request/response and event stream routes.
func (b *Bridge) Handler(cfg HTTPConfig) (http.Handler, error) {
	stream := sse.NewHandler(b.log, cfg.HeartbeatInterval)

	return httpapi.NewHandler(b.log, b.sup, httpapi.Config{
		CallTimeout: b.options.CallTimeout,
		WebhookURL:  cfg.WebhookURL,
		Version:     Version,
		Stream:      stream,
		Streams:     stream,
		HTTPClient:  cfg.HTTPClient,
	})
}

// Status reports the shared process state without starting it.
func (b *Bridge) Status() Status {
	return b.sup.Status()
}

// Restart replaces the shared child. Outstanding calls on the old process
// fail with *ProcessLostError.
func (b *Bridge) Restart(ctx context.Context) error {
	_, err := b.sup.Restart(ctx)

	return err
}

// Close terminates every child. Later calls fail with ErrSupervisorClosed.
func (b *Bridge) Close() error {
	return b.sup.Close()
}

func marshalParams(params any) (json.RawMessage, error) {
	switch p := params.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	}

	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}

	return raw, nil
}
