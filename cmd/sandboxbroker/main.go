// Package main provides the CLI entry point for the sandbox broker.
//
// The broker mediates between untrusted clients submitting code snippets and
// a pool of tool implementations, streaming session events over NDJSON or a
// WebSocket remote-runtime channel.
//
// # Basic usage
//
//	sandboxbroker serve --config broker.yaml
//	sandboxbroker tools list
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "sandboxbroker",
		Short:        "Streaming sandbox broker",
		Long:         "sandboxbroker mediates between clients submitting code snippets and a pool of tool implementations over NDJSON and WebSocket.",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildToolsCmd(),
		buildVersionCmd(),
	)
	return rootCmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "%s (commit: %s, built: %s)\n", version, commit, date)
			return nil
		},
	}
}
