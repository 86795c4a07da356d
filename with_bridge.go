package mcpbridge

import (
	"context"
	"fmt"
)

// WithBridge manages bridge lifecycle with automatic cleanup.
//
// The bridge is closed when fn returns. A Close failure is logged and does
// not override fn's error.
//
//	err := mcpbridge.WithBridge(ctx, func(b *mcpbridge.Bridge) error {
//	    tools, err := b.Call(ctx, "tools/list", nil)
//	    if err != nil {
//	        return err
//	    }
//	    fmt.Println(string(tools))
//	    return nil
//	},
//	    mcpbridge.WithCommand("fpl-mcp-stdio"),
//	)
func WithBridge(ctx context.Context, fn func(*Bridge) error, opts ...Option) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	b, err := New(opts...)
	if err != nil {
		return fmt.Errorf("failed to create bridge: %w", err)
	}

	defer func() {
		if closeErr := b.Close(); closeErr != nil {
			b.log.Warn("failed to close bridge", "error", closeErr)
		}
	}()

	return fn(b)
}
