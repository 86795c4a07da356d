package cli

import (
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/wagiedev/mcpbridge/internal/errors"
)

// Config holds configuration for command resolution.
type Config struct {
	// Command is the executable name or path.
	Command string

	// ExtraDirs are searched after PATH and before the common directories.
	ExtraDirs []string

	// Logger is an optional logger for resolution.
	// If nil, a no-op logger is used.
	Logger *slog.Logger
}

// Resolver locates the child executable.
type Resolver interface {
	// Resolve returns the absolute or PATH-qualified executable path.
	Resolve() (string, error)
}

// resolver implements the Resolver interface.
type resolver struct {
	cfg *Config
	log *slog.Logger
}

// Compile-time verification that resolver implements Resolver.
var _ Resolver = (*resolver)(nil)

// NewResolver creates a new command resolver with the given configuration.
func NewResolver(cfg *Config) Resolver {
	if cfg == nil {
		cfg = &Config{}
	}

	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}

	return &resolver{
		cfg: cfg,
		log: log,
	}
}

// Resolve locates the child executable.
func (r *resolver) Resolve() (string, error) {
	name := r.cfg.Command
	if name == "" {
		return "", &errors.CommandNotFoundError{}
	}

	// Anything with a separator is taken literally.
	if strings.ContainsRune(name, filepath.Separator) {
		r.log.Debug("Using explicit command path", "path", name)

		if isExecutable(name) {
			return name, nil
		}

		return "", &errors.CommandNotFoundError{Name: name, SearchedPaths: []string{name}}
	}

	searchedPaths := make([]string, 0, 6)

	r.log.Debug("Searching for command in PATH", "command", name)

	if path, err := exec.LookPath(name); err == nil {
		r.log.Debug("Found command in PATH", "path", path)

		return path, nil
	}

	searchedPaths = append(searchedPaths, "$PATH")

	for _, dir := range r.searchDirs() {
		path := filepath.Join(dir, name)
		searchedPaths = append(searchedPaths, path)

		if isExecutable(path) {
			r.log.Debug("Found command in fallback directory", "path", path)

			return path, nil
		}
	}

	r.log.Warn("Command not found in any searched paths", "command", name, "searched_paths", searchedPaths)

	return "", &errors.CommandNotFoundError{Name: name, SearchedPaths: searchedPaths}
}

// searchDirs lists the fallback directories in search order.
func (r *resolver) searchDirs() []string {
	dirs := make([]string, 0, len(r.cfg.ExtraDirs)+4)
	dirs = append(dirs, r.cfg.ExtraDirs...)
	dirs = append(dirs, "/usr/local/bin", "/usr/bin")

	if homeDir, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs, filepath.Join(homeDir, ".local/bin"))
	}

	return append(dirs, "/opt/mcp-server/venv/bin")
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}

	return info.Mode().Perm()&0o111 != 0
}
