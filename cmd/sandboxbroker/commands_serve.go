package main

import "github.com/spf13/cobra"

// buildServeCmd creates the "serve" command that starts the HTTP and
// WebSocket listeners.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the sandbox broker",
		Long: `Start the sandbox broker's HTTP and WebSocket listeners.

The server will:
1. Load configuration from the specified file (or built-in defaults)
2. Build the configured sandbox adapter (reference, process, bedrock, or firecracker)
3. Start the session manager's periodic reaper
4. Serve NDJSON session streaming and the WebSocket remote-runtime endpoint
5. Watch the config file and log each successful reload; running
   components keep the configuration they started with

Graceful shutdown is handled on SIGINT/SIGTERM.`,
		Example: `  # Start with default config
  sandboxbroker serve

  # Start with a config file and debug logging
  sandboxbroker serve --config broker.yaml --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), cmd, configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML/JSON5 configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging (verbose output)")

	return cmd
}
