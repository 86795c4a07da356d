// Package mcpbridge exposes a line-oriented stdio MCP server to network
// clients.
//
// A Bridge owns one supervisor. Request/response callers share a single
// long-lived child process and are correlated by JSON-RPC id, so any number
// of concurrent calls can be in flight. Raw duplex connections each get a
// dedicated child whose stdin and stdout are copied byte for byte.
//
// # Basic Usage
//
//	b, err := mcpbridge.New(
//	    mcpbridge.WithCommand("fpl-mcp-stdio"),
//	    mcpbridge.WithLogger(slog.Default()),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer b.Close()
//
//	result, err := b.Call(ctx, "tools/list", nil)
//
// # Serving
//
// ServeTCP bridges each accepted connection to its own child. Handler returns
// the HTTP routes (/mcp/call, /tools/list, /tools/call, /capabilities,
// /health, /configure and /mcp/stream):
//
//	go b.ServeTCP(ctx, tcpListener, 0)
//
//	h, err := b.Handler(mcpbridge.HTTPConfig{WebhookURL: webhook})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	http.Serve(httpListener, h)
//
// # Error Handling
//
// Failures are reported with typed errors:
//
//	result, err := b.Call(ctx, "tools/call", params)
//	if err != nil {
//	    if lost, ok := errors.AsType[*mcpbridge.ProcessLostError](err); ok {
//	        log.Printf("child exited with %d: %s", lost.ExitCode, lost.Stderr)
//	    }
//	    if rpcErr, ok := errors.AsType[*mcpbridge.RPCError](err); ok {
//	        log.Printf("child returned %d", rpcErr.Code)
//	    }
//	}
package mcpbridge
