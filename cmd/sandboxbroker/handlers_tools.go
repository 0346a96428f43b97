package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/sandboxbroker/broker/internal/registry"
)

// runToolsList prints every registered tool's name and schema, pretty
// printed when stdout is an interactive terminal and as compact NDJSON
// otherwise so the output stays pipeline-friendly.
func runToolsList(cmd *cobra.Command) error {
	reg := registry.New()
	if err := registerBuiltinTools(reg); err != nil {
		return fmt.Errorf("register builtin tools: %w", err)
	}

	configs := reg.GetConfigs()
	out := cmd.OutOrStdout()
	if term.IsTerminal(int(os.Stdout.Fd())) {
		for _, c := range configs {
			fmt.Fprintf(out, "%s\n", c.Name)
			if c.Description != "" {
				fmt.Fprintf(out, "  %s\n", c.Description)
			}
			fmt.Fprintf(out, "  schema: %s\n", c.ArgsSchema)
		}
		return nil
	}

	enc := json.NewEncoder(out)
	for _, c := range configs {
		if err := enc.Encode(c); err != nil {
			return err
		}
	}
	return nil
}

// runToolsValidate validates a JSON args file against a tool's schema
// without starting the broker, for operators authoring tool manifests.
func runToolsValidate(cmd *cobra.Command, name, argsFile string) error {
	data, err := os.ReadFile(argsFile)
	if err != nil {
		return fmt.Errorf("read args file: %w", err)
	}

	reg := registry.New()
	if err := registerBuiltinTools(reg); err != nil {
		return fmt.Errorf("register builtin tools: %w", err)
	}

	validated, err := reg.Validate(name, json.RawMessage(data))
	out := cmd.OutOrStdout()
	if err != nil {
		fmt.Fprintf(out, "invalid: %v\n", err)
		return err
	}
	if term.IsTerminal(int(os.Stdout.Fd())) {
		fmt.Fprintf(out, "valid\n%s\n", validated)
	} else {
		fmt.Fprintf(out, "%s\n", validated)
	}
	return nil
}
