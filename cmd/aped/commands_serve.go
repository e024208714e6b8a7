package main

import (
	"github.com/spf13/cobra"
)

// buildServeCmd creates the "serve" command: starts the MCP server
// over stdio and HTTP, the capability registry, and the housekeeping
// sweep, and runs until SIGINT/SIGTERM. Grounded on the teacher's
// commands_serve.go (config-path flag, debug flag, RunE delegating to
// a run* handler in a sibling handlers_ file).
func buildServeCmd() *cobra.Command {
	var configPath string
	var debug bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the aped MCP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath, debug)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "ape.yaml", "Path to the server configuration file")
	cmd.Flags().BoolVar(&debug, "debug", false, "Enable debug-level logging")

	return cmd
}
