package mcp

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/wagiedev/mcpbridge/internal/message"
)

type fakeCaller struct {
	processID string
	calls     []string
	notified  []string
	result    string
	rpcError  *message.ErrorObject
}

func (f *fakeCaller) ProcessID() string { return f.processID }

func (f *fakeCaller) Call(_ context.Context, method string, params json.RawMessage, _ time.Duration) (*message.Message, error) {
	f.calls = append(f.calls, method+" "+string(params))

	return &message.Message{
		JSONRPC: message.Version,
		ID:      message.NumericID(int64(len(f.calls))),
		Result:  json.RawMessage(f.result),
		Error:   f.rpcError,
	}, nil
}

func (f *fakeCaller) Notify(_ context.Context, method string, _ json.RawMessage) error {
	f.notified = append(f.notified, method)

	return nil
}

func TestInitializeParams(t *testing.T) {
	params, err := InitializeParams("1.2.3")
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(params, &decoded))
	require.Equal(t, ProtocolVersion, decoded["protocolVersion"])

	clientInfo, ok := decoded["clientInfo"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "mcpbridge", clientInfo["name"])
	require.Equal(t, "1.2.3", clientInfo["version"])
}

func TestCallToolParams(t *testing.T) {
	tests := []struct {
		name      string
		arguments json.RawMessage
		want      string
	}{
		{name: "passes arguments through", arguments: json.RawMessage(`{"team":"arsenal"}`), want: `{"name":"get_team","arguments":{"team":"arsenal"}}`},
		{name: "nil arguments", arguments: nil, want: `{"name":"get_team","arguments":{}}`},
		{name: "null arguments", arguments: json.RawMessage(`null`), want: `{"name":"get_team","arguments":{}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			params, err := CallToolParams("get_team", tt.arguments)
			require.NoError(t, err)
			require.JSONEq(t, tt.want, string(params))
		})
	}
}

func TestListToolsParams(t *testing.T) {
	params, err := ListToolsParams("")
	require.NoError(t, err)
	require.JSONEq(t, `{}`, string(params))

	params, err = ListToolsParams("page-2")
	require.NoError(t, err)
	require.JSONEq(t, `{"cursor":"page-2"}`, string(params))
}

func TestHandshake_CachedPerProcess(t *testing.T) {
	h := NewHandshake(slog.Default(), "dev")
	caller := &fakeCaller{
		processID: "p1",
		result:    `{"protocolVersion":"2025-06-18","capabilities":{},"serverInfo":{"name":"mock","version":"1.0.0"}}`,
	}

	first, err := h.Initialize(t.Context(), caller, time.Second)
	require.NoError(t, err)

	second, err := h.Initialize(t.Context(), caller, time.Second)
	require.NoError(t, err)
	require.Same(t, first, second)
	require.Len(t, caller.calls, 1)
	require.Equal(t, []string{MethodInitialized}, caller.notified)

	// A new process instance gets a fresh handshake.
	caller.processID = "p2"

	_, err = h.Initialize(t.Context(), caller, time.Second)
	require.NoError(t, err)
	require.Len(t, caller.calls, 2)
	require.Len(t, caller.notified, 2)
}

func TestHandshake_ErrorNotCached(t *testing.T) {
	h := NewHandshake(slog.Default(), "dev")
	caller := &fakeCaller{
		processID: "p1",
		rpcError:  &message.ErrorObject{Code: -32600, Message: "bad version"},
	}

	resp, err := h.Initialize(t.Context(), caller, time.Second)
	require.NoError(t, err)
	require.NotNil(t, resp.Error)
	require.Empty(t, caller.notified)

	_, err = h.Initialize(t.Context(), caller, time.Second)
	require.NoError(t, err)
	require.Len(t, caller.calls, 2)
}

// gatedCaller holds every initialize call until release is closed.
type gatedCaller struct {
	calls   atomic.Int64
	started chan struct{}
	release chan struct{}
}

func (g *gatedCaller) ProcessID() string { return "p1" }

func (g *gatedCaller) Call(ctx context.Context, _ string, _ json.RawMessage, _ time.Duration) (*message.Message, error) {
	if g.calls.Add(1) == 1 {
		close(g.started)
	}

	select {
	case <-g.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	return &message.Message{
		JSONRPC: message.Version,
		ID:      message.NumericID(1),
		Result:  json.RawMessage(`{"protocolVersion":"2025-06-18","capabilities":{}}`),
	}, nil
}

func (g *gatedCaller) Notify(context.Context, string, json.RawMessage) error { return nil }

func TestHandshake_ConcurrentCallersShareOneExchange(t *testing.T) {
	h := NewHandshake(slog.Default(), "dev")
	caller := &gatedCaller{started: make(chan struct{}), release: make(chan struct{})}

	var g errgroup.Group

	for range 8 {
		g.Go(func() error {
			_, err := h.Initialize(context.Background(), caller, time.Second)

			return err
		})
	}

	<-caller.started

	// A caller that gives up does not wait for the exchange in flight.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := h.Initialize(ctx, caller, time.Second)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Less(t, time.Since(start), time.Second)

	close(caller.release)

	require.NoError(t, g.Wait())
	require.EqualValues(t, 1, caller.calls.Load())
}

func TestToolNames(t *testing.T) {
	names, err := ToolNames(json.RawMessage(`{"tools":[{"name":"get_team","inputSchema":{"type":"object"}},{"name":"compare_players","inputSchema":{"type":"object"}}]}`))
	require.NoError(t, err)
	require.Equal(t, []string{"get_team", "compare_players"}, names)

	_, err = ToolNames(json.RawMessage(`[]`))
	require.Error(t, err)
}
