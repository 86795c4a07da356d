// Package bridge parses the bridge command configuration and runs the
// configured transports.
package bridge

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Transport names accepted in MCPBRIDGE_TRANSPORTS.
const (
	TransportTCP  = "tcp"
	TransportHTTP = "http"
)

// Config holds bridge command configuration.
type Config struct {
	Command           string        `env:"MCPBRIDGE_COMMAND"            envDefault:"fpl-mcp-stdio"`
	Args              []string      `env:"MCPBRIDGE_ARGS"               envSeparator:","`
	Dir               string        `env:"MCPBRIDGE_DIR"`
	TCPAddr           string        `env:"MCPBRIDGE_TCP_ADDR"           envDefault:":8001"`
	HTTPAddr          string        `env:"MCPBRIDGE_HTTP_ADDR"          envDefault:":8002"`
	Transports        []string      `env:"MCPBRIDGE_TRANSPORTS"         envDefault:"tcp,http" envSeparator:","`
	CallTimeout       time.Duration `env:"MCPBRIDGE_CALL_TIMEOUT"       envDefault:"30s"`
	HeartbeatInterval time.Duration `env:"MCPBRIDGE_HEARTBEAT_INTERVAL" envDefault:"30s"`
	ShutdownGrace     time.Duration `env:"MCPBRIDGE_SHUTDOWN_GRACE"     envDefault:"2s"`
	MaxConns          int           `env:"MCPBRIDGE_MAX_CONNS"          envDefault:"0"`
	WebhookURL        string        `env:"MCPBRIDGE_WEBHOOK_URL"`
	LogLevel          string        `env:"MCPBRIDGE_LOG_LEVEL"          envDefault:"info"`
	LogFormat         string        `env:"MCPBRIDGE_LOG_FORMAT"         envDefault:"text"`
	OTelEndpoint      string        `env:"MCPBRIDGE_OTEL_ENDPOINT"`
}

// ParseConfig parses environment and flags into a Config. Flags override
// the environment. A nil environ reads the process environment.
func ParseConfig(fs *flag.FlagSet, args []string, environ []string) (Config, error) {
	var opts env.Options
	if environ != nil {
		opts.Environment = env.ToMap(environ)
	}

	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	fs.StringVar(&cfg.Command, "command", cfg.Command, "child MCP server executable")
	fs.Func("args", "comma-separated child arguments", func(v string) error {
		cfg.Args = splitList(v)

		return nil
	})
	fs.StringVar(&cfg.Dir, "dir", cfg.Dir, "child working directory")
	fs.StringVar(&cfg.TCPAddr, "tcp-addr", cfg.TCPAddr, "raw duplex listen address")
	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "HTTP listen address")
	fs.Func("transports", "comma-separated transports to run: tcp, http", func(v string) error {
		cfg.Transports = splitList(v)

		return nil
	})
	fs.DurationVar(&cfg.CallTimeout, "call-timeout", cfg.CallTimeout, "per-call timeout")
	fs.DurationVar(&cfg.HeartbeatInterval, "heartbeat-interval", cfg.HeartbeatInterval, "event stream heartbeat period")
	fs.DurationVar(&cfg.ShutdownGrace, "shutdown-grace", cfg.ShutdownGrace, "wait between closing child stdin and killing it")
	fs.IntVar(&cfg.MaxConns, "max-conns", cfg.MaxConns, "maximum concurrent duplex connections (0 = unlimited)")
	fs.StringVar(&cfg.WebhookURL, "webhook-url", cfg.WebhookURL, "n8n webhook for tool results")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level: debug, info, warn, error")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "log format: text or json")
	fs.StringVar(&cfg.OTelEndpoint, "otel-endpoint", cfg.OTelEndpoint, "OTLP HTTP trace endpoint (empty disables tracing)")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks the configuration for values the bridge cannot run with.
func (c Config) Validate() error {
	if c.Command == "" {
		return fmt.Errorf("command must not be empty")
	}

	if len(c.Transports) == 0 {
		return fmt.Errorf("at least one transport is required")
	}

	for _, t := range c.Transports {
		if t != TransportTCP && t != TransportHTTP {
			return fmt.Errorf("unknown transport %q", t)
		}
	}

	if c.MaxConns < 0 {
		return fmt.Errorf("max-conns must not be negative")
	}

	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}

	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("unknown log format %q", c.LogFormat)
	}

	return nil
}

// Enabled reports whether the named transport is configured.
func (c Config) Enabled(transport string) bool {
	return slices.Contains(c.Transports, transport)
}

func splitList(v string) []string {
	var out []string

	for part := range strings.SplitSeq(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}

	return out
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", s, err)
	}

	return level, nil
}

// NewLogger builds the command logger from the configured level and format.
func NewLogger(w io.Writer, cfg Config) *slog.Logger {
	level, err := parseLevel(cfg.LogLevel)
	if err != nil {
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}

	return slog.New(slog.NewTextHandler(w, opts))
}
