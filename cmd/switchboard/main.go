// Command switchboard runs the MCP chat orchestration host: it connects
// the configured MCP servers, exposes the streaming chat API, and routes
// tool calls between the LLM and the servers.
//
// Usage:
//
//	switchboard serve --config switchboard.yaml
//	switchboard status
//	switchboard validate --schema
//
// Exit codes: 0 clean shutdown, 2 configuration error, 3 failure to bind
// the HTTP port.
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/switchboard/internal/server"
)

// Build information, populated by ldflags:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	exitConfig = 2
	exitBind   = 3
)

// configError marks failures that should exit with the config code.
type configError struct{ err error }

func (e *configError) Error() string { return e.err.Error() }
func (e *configError) Unwrap() error { return e.err }

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(exitCode(err))
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "switchboard",
		Short:   "Switchboard - MCP chat orchestration host",
		Long:    "Switchboard connects LLM providers to MCP tool servers and streams chat responses with typed artifacts.",
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),

		SilenceUsage: true,
	}
	rootCmd.AddCommand(
		buildServeCmd(),
		buildStatusCmd(),
		buildValidateCmd(),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "switchboard %s (commit: %s, built: %s)\n", version, commit, date)
			},
		},
	)
	return rootCmd
}

func exitCode(err error) int {
	var cfgErr *configError
	if errors.As(err, &cfgErr) {
		return exitConfig
	}
	var bindErr *server.BindError
	if errors.As(err, &bindErr) {
		return exitBind
	}
	return 1
}
