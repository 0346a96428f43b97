package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// buildToolsCmd creates the "tools" command group: offline introspection
// and validation against the built-in tool manifest, without starting the
// broker's listeners.
func buildToolsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Inspect and validate tool definitions",
	}
	cmd.AddCommand(buildToolsListCmd(), buildToolsValidateCmd())
	return cmd
}

func buildToolsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Print registered tool names and schemas",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runToolsList(cmd)
		},
	}
}

func buildToolsValidateCmd() *cobra.Command {
	var argsFile string
	cmd := &cobra.Command{
		Use:   "validate NAME",
		Short: "Validate a JSON args file against a tool's schema",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if argsFile == "" {
				return fmt.Errorf("--args-file is required")
			}
			return runToolsValidate(cmd, args[0], argsFile)
		},
	}
	cmd.Flags().StringVar(&argsFile, "args-file", "", "Path to a JSON file holding the candidate tool arguments")
	return cmd
}
