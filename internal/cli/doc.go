// Package cli resolves and prepares the child command for launch.
//
// # Command Resolution
//
// The Resolver locates the child executable:
//
//	resolver := cli.NewResolver(&cli.Config{
//	    Command: "fpl-mcp-stdio",
//	    Logger:  slog.Default(),
//	})
//	path, err := resolver.Resolve()
//
// Resolution searches in the following order:
//  1. The command itself when it contains a path separator
//  2. System PATH
//  3. Common installation directories (/usr/local/bin, /usr/bin,
//     ~/.local/bin, /opt/mcp-server/venv/bin)
//
// # Command Building
//
// BuildCommand turns a resolved path and the bridge options into an
// *exec.Cmd with the merged environment and working directory.
package cli
