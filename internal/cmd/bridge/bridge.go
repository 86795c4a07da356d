package bridge

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wagiedev/mcpbridge/internal/adapter/httpapi"
	"github.com/wagiedev/mcpbridge/internal/adapter/sse"
	"github.com/wagiedev/mcpbridge/internal/adapter/tcp"
	"github.com/wagiedev/mcpbridge/internal/config"
	"github.com/wagiedev/mcpbridge/internal/supervisor"
	"github.com/wagiedev/mcpbridge/internal/telemetry"
)

const (
	serviceName = "mcpbridge"

	// Version is reported by /health and the MCP handshake.
	Version = "0.1.0"

	shutdownTimeout   = 5 * time.Second
	readHeaderTimeout = 10 * time.Second
)

// newAPIHandler builds the HTTP routes; tests replace it to force a failure.
var newAPIHandler = httpapi.NewHandler

// Options converts the command configuration into child process options.
func (c Config) Options(log *slog.Logger) config.Options {
	return config.Options{
		Logger:        log,
		Command:       c.Command,
		Args:          c.Args,
		Dir:           c.Dir,
		CallTimeout:   c.CallTimeout,
		ShutdownGrace: c.ShutdownGrace,
		Stderr: func(line string) {
			log.Debug("Child stderr", "line", line)
		},
	}
}

// Run starts the configured transports and blocks until ctx is cancelled or
// a transport fails.
func Run(ctx context.Context, cfg Config) error {
	log := NewLogger(os.Stderr, cfg)

	shutdownTelemetry, err := telemetry.Setup(ctx, serviceName, cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("setup telemetry: %w", err)
	}

	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := shutdownTelemetry(flushCtx); err != nil {
			log.Warn("Telemetry shutdown failed", "error", err)
		}
	}()

	var tcpLn, httpLn net.Listener

	if cfg.Enabled(TransportTCP) {
		tcpLn, err = net.Listen("tcp", cfg.TCPAddr)
		if err != nil {
			return fmt.Errorf("listen tcp %s: %w", cfg.TCPAddr, err)
		}
	}

	if cfg.Enabled(TransportHTTP) {
		httpLn, err = net.Listen("tcp", cfg.HTTPAddr)
		if err != nil {
			if tcpLn != nil {
				_ = tcpLn.Close()
			}

			return fmt.Errorf("listen http %s: %w", cfg.HTTPAddr, err)
		}
	}

	sup := supervisor.New(log, cfg.Options(log))

	log.Info("Starting MCP bridge",
		"command", cfg.Command,
		"transports", cfg.Transports,
		"version", Version,
	)

	return serve(ctx, cfg, log, sup, tcpLn, httpLn)
}

// serve runs the transports on the given listeners. A nil listener disables
// its transport. The supervisor is closed before serve returns.
func serve(
	ctx context.Context,
	cfg Config,
	log *slog.Logger,
	sup *supervisor.Supervisor,
	tcpLn, httpLn net.Listener,
) error {
	defer func() {
		_ = sup.Close()
	}()

	var (
		duplex *tcp.Server
		api    *httpapi.Handler
	)

	if tcpLn != nil {
		duplex = tcp.NewServer(log, sup, cfg.MaxConns)
	}

	// Build everything that can fail before any goroutine starts.
	if httpLn != nil {
		stream := sse.NewHandler(log, cfg.HeartbeatInterval)

		apiCfg := httpapi.Config{
			CallTimeout: cfg.CallTimeout,
			WebhookURL:  cfg.WebhookURL,
			Version:     Version,
			Stream:      stream,
			Streams:     stream,
		}

		if duplex != nil {
			apiCfg.Duplex = duplex
		}

		var err error

		api, err = newAPIHandler(log, sup, apiCfg)
		if err != nil {
			closeListeners(tcpLn, httpLn)

			return fmt.Errorf("create http handler: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	if duplex != nil {
		g.Go(func() error {
			return duplex.Serve(gctx, tcpLn)
		})
	}

	if api != nil {
		srv := &http.Server{
			Handler:           api,
			ReadHeaderTimeout: readHeaderTimeout,
			BaseContext: func(net.Listener) context.Context {
				return gctx
			},
		}

		g.Go(func() error {
			log.Info("HTTP server listening", "addr", httpLn.Addr().String())

			if err := srv.Serve(httpLn); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("serve http: %w", err)
			}

			return nil
		})

		g.Go(func() error {
			<-gctx.Done()

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()

			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Warn("HTTP shutdown incomplete", "error", err)
				_ = srv.Close()
			}

			log.Info("HTTP server stopped")

			return nil
		})
	}

	err := g.Wait()

	log.Info("MCP bridge stopped")

	return err
}

func closeListeners(listeners ...net.Listener) {
	for _, ln := range listeners {
		if ln != nil {
			_ = ln.Close()
		}
	}
}
