package registry

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/sandboxbroker/broker/internal/brokererr"
)

func echoHandler(ctx context.Context, args json.RawMessage, call CallContext) (json.RawMessage, error) {
	return args, nil
}

func TestRegisterDuplicateNameFails(t *testing.T) {
	r := New()
	def := Definition{Name: "echo", Handler: echoHandler}
	if err := r.Register(def); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := r.Register(def); err == nil {
		t.Fatal("expected duplicate registration to fail")
	}
}

func TestExecuteUnknownTool(t *testing.T) {
	r := New()
	res := r.Execute(context.Background(), "missing", json.RawMessage(`{}`), CallContext{})
	if res.OK {
		t.Fatal("expected failure for unknown tool")
	}
	if res.Code != brokererr.UnknownTool {
		t.Fatalf("expected UNKNOWN_TOOL, got %s", res.Code)
	}
}

func TestExecuteValidationError(t *testing.T) {
	r := New()
	schema := json.RawMessage(`{"type":"object","required":["a"],"properties":{"a":{"type":"number"}}}`)
	if err := r.Register(Definition{Name: "addOne", ArgsSchema: schema, Handler: echoHandler}); err != nil {
		t.Fatalf("register: %v", err)
	}
	res := r.Execute(context.Background(), "addOne", json.RawMessage(`{}`), CallContext{})
	if res.OK || res.Code != brokererr.ValidationError {
		t.Fatalf("expected VALIDATION_ERROR, got ok=%v code=%s", res.OK, res.Code)
	}
}

func TestExecuteSecretError(t *testing.T) {
	r := New()
	if err := r.Register(Definition{
		Name:            "needsSecret",
		Handler:         echoHandler,
		RequiredSecrets: []string{"api_key"},
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	res := r.Execute(context.Background(), "needsSecret", json.RawMessage(`{}`), CallContext{})
	if res.OK || res.Code != brokererr.SecretError {
		t.Fatalf("expected SECRET_ERROR, got ok=%v code=%s", res.OK, res.Code)
	}

	r.SetSecret("api_key", "sk-test")
	res = r.Execute(context.Background(), "needsSecret", json.RawMessage(`{}`), CallContext{})
	if !res.OK {
		t.Fatalf("expected success once secret is set, got code=%s message=%s", res.Code, res.Message)
	}
}

func TestExecutePreservesHandlerErrorCode(t *testing.T) {
	r := New()
	if err := r.Register(Definition{
		Name: "failing",
		Handler: func(ctx context.Context, args json.RawMessage, call CallContext) (json.RawMessage, error) {
			return nil, &HandlerError{Code: brokererr.ToolTimeout, Message: "Tool intentionally failed"}
		},
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	res := r.Execute(context.Background(), "failing", json.RawMessage(`{}`), CallContext{})
	if res.OK {
		t.Fatal("expected failure")
	}
	if res.Code != brokererr.ToolTimeout {
		t.Fatalf("expected handler's TOOL_TIMEOUT code preserved, got %s", res.Code)
	}
	if res.Message != "Tool intentionally failed" {
		t.Fatalf("expected original message preserved, got %q", res.Message)
	}
}

func TestValidateIdempotentWithPreValidatedArgs(t *testing.T) {
	r := New()
	schema := json.RawMessage(`{"type":"object","properties":{"a":{"type":"number"}}}`)
	if err := r.Register(Definition{Name: "t", ArgsSchema: schema, Handler: echoHandler}); err != nil {
		t.Fatalf("register: %v", err)
	}
	args := json.RawMessage(`{"a":1}`)
	validated, err := r.Validate("t", args)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	r1 := r.Execute(context.Background(), "t", args, CallContext{})
	r2 := r.Execute(context.Background(), "t", validated, CallContext{})
	if string(r1.Value) != string(r2.Value) {
		t.Fatalf("expected idempotent execute: %s vs %s", r1.Value, r2.Value)
	}
}
