package cli

import (
	"context"
	"os"
	"os/exec"
	"slices"

	"github.com/wagiedev/mcpbridge/internal/config"
)

// BuildEnvironment returns the bridge's environment with the configured
// extra variables appended, so later entries override inherited ones.
func BuildEnvironment(options *config.Options) []string {
	return append(os.Environ(), options.Env...)
}

// BuildCommand constructs the child command for a resolved executable.
//
// The context bounds the child's lifetime; cancelling it kills the process.
func BuildCommand(ctx context.Context, path string, options *config.Options) *exec.Cmd {
	//nolint:gosec // G204: launching a configured child command is the purpose of the bridge
	cmd := exec.CommandContext(ctx, path, slices.Clone(options.Args)...)
	cmd.Env = BuildEnvironment(options)
	cmd.Dir = options.Dir

	return cmd
}
