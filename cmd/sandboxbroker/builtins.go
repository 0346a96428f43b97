package main

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sandboxbroker/broker/internal/registry"
)

// registerBuiltinTools installs the example tool set exercised throughout
// this repository's own tests: a clock and a pure arithmetic adder, enough
// for an operator to smoke-test a fresh deployment without writing a
// config-driven tool manifest first.
func registerBuiltinTools(reg *registry.Registry) error {
	if err := reg.Register(registry.Definition{
		Name:        "getCurrentTime",
		Description: "Returns the current UTC time in RFC3339 form.",
		ArgsSchema:  json.RawMessage(`{"type":"object","additionalProperties":false}`),
		Handler: func(ctx context.Context, args json.RawMessage, call registry.CallContext) (json.RawMessage, error) {
			return json.Marshal(map[string]string{"now": time.Now().UTC().Format(time.RFC3339)})
		},
	}); err != nil {
		return err
	}

	return reg.Register(registry.Definition{
		Name:        "addNumbers",
		Description: "Adds two numbers and returns the sum.",
		ArgsSchema:  json.RawMessage(`{"type":"object","properties":{"a":{"type":"number"},"b":{"type":"number"}},"required":["a","b"],"additionalProperties":false}`),
		Handler: func(ctx context.Context, args json.RawMessage, call registry.CallContext) (json.RawMessage, error) {
			var in struct {
				A float64 `json:"a"`
				B float64 `json:"b"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return nil, &registry.HandlerError{Message: "invalid args: " + err.Error()}
			}
			return json.Marshal(map[string]float64{"result": in.A + in.B})
		},
	})
}
