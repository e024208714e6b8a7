// Package main provides the CLI entry point for aped, the Agentic
// Protocol Executor server. It exposes an MCP-compatible tool/prompt/
// resource surface to autonomous agents over stdio and HTTP
// transports. It does not run the Agent Loop (internal/agent) or the
// Multi-agent Orchestrator (internal/multiagent) itself. Grounded on the teacher's cmd/nexus/main.go (buildRootCmd
// separated from main for testability, version/commit/date ldflags
// vars, JSON structured logging to stderr).
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// version, commit, and date are set via -ldflags at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "aped",
		Short: "aped - Agentic Protocol Executor server",
		Long: `aped exposes tools, prompts, and resources to autonomous agents over
the Model Context Protocol. It does not itself run an agent loop or a
multi-agent orchestrator.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildMigrateCmd(),
		buildPromptsCmd(),
	)

	return rootCmd
}
