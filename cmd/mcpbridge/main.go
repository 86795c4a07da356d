// Command mcpbridge exposes a stdio MCP server over TCP and HTTP.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/wagiedev/mcpbridge/internal/cmd/bridge"
)

func main() {
	cfg, err := bridge.ParseConfig(flag.CommandLine, os.Args[1:], os.Environ())
	if err != nil {
		log.Fatalf("parse flags: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := bridge.Run(ctx, cfg); err != nil {
		log.Fatalf("mcpbridge: %v", err)
	}
}
