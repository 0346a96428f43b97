// Package registry implements the Tool Registry (§4.4): schema-validated
// tool registration, secret storage, and pure validate/execute operations.
// The registry never emits wire events; that is the dispatcher's job.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/sandboxbroker/broker/internal/brokererr"
)

// CallContext is passed to a tool handler on every invocation.
type CallContext struct {
	SessionID   string
	CallID      string
	Secrets     map[string]string
	AbortSignal context.Context
}

// Handler is the user-supplied tool implementation.
type Handler func(ctx context.Context, args json.RawMessage, call CallContext) (json.RawMessage, error)

// HandlerError lets a handler preserve a specific taxonomy code instead of
// being flattened to EXECUTION_ERROR.
type HandlerError struct {
	Code    brokererr.Code
	Message string
}

func (e *HandlerError) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

// Definition describes a single registered tool.
type Definition struct {
	Name             string
	Description      string
	ArgsSchema       json.RawMessage
	Handler          Handler
	Config           map[string]any
	RequiredSecrets  []string

	compiled *jsonschema.Schema
}

// ExecuteResult is the return value of Execute.
type ExecuteResult struct {
	OK         bool
	Value      json.RawMessage
	Code       brokererr.Code
	Message    string
	DurationMs int64
}

// Registry holds tool definitions and the secret store. It is read-mostly
// during request processing and safe for concurrent registration against
// in-flight lookups.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]*Definition
	secrets map[string]string
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		tools:   make(map[string]*Definition),
		secrets: make(map[string]string),
	}
}

// Register adds def to the registry. Re-registering an existing name is an
// error.
func (r *Registry) Register(def Definition) error {
	if def.Name == "" {
		return fmt.Errorf("tool name must not be empty")
	}
	if len(def.ArgsSchema) == 0 {
		def.ArgsSchema = json.RawMessage(`{"type":"object"}`)
	}
	compiled, err := compileSchema(def.Name, def.ArgsSchema)
	if err != nil {
		return fmt.Errorf("tool %q: invalid argsSchema: %w", def.Name, err)
	}
	def.compiled = compiled

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[def.Name]; exists {
		return fmt.Errorf("tool %q is already registered", def.Name)
	}
	r.tools[def.Name] = &def
	return nil
}

func compileSchema(name string, schema json.RawMessage) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	var doc any
	if err := json.Unmarshal(schema, &doc); err != nil {
		return nil, err
	}
	resource := "tool:" + name
	if err := compiler.AddResource(resource, mustReader(schema)); err != nil {
		return nil, err
	}
	return compiler.Compile(resource)
}

// Unregister removes a tool by name. It is a no-op if the tool is absent.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// List returns the names of all registered tools.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	return names
}

// ToolConfig is a read-only projection of a Definition for introspection
// (e.g. the `tools list` CLI subcommand).
type ToolConfig struct {
	Name            string          `json:"name"`
	Description     string          `json:"description,omitempty"`
	ArgsSchema      json.RawMessage `json:"argsSchema"`
	RequiredSecrets []string        `json:"requiredSecrets,omitempty"`
}

// GetConfigs returns a read-only projection of every registered tool.
func (r *Registry) GetConfigs() []ToolConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ToolConfig, 0, len(r.tools))
	for _, def := range r.tools {
		out = append(out, ToolConfig{
			Name:            def.Name,
			Description:     def.Description,
			ArgsSchema:      def.ArgsSchema,
			RequiredSecrets: def.RequiredSecrets,
		})
	}
	return out
}

// SetSecret stores a secret value.
func (r *Registry) SetSecret(key, value string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.secrets[key] = value
}

// RemoveSecret deletes a secret.
func (r *Registry) RemoveSecret(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.secrets, key)
}

// HasSecret reports whether key is set.
func (r *Registry) HasSecret(key string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.secrets[key]
	return ok
}

// ClearSecrets removes every secret.
func (r *Registry) ClearSecrets() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.secrets = make(map[string]string)
}

// Validate checks args against name's schema without invoking the handler.
func (r *Registry) Validate(name string, args json.RawMessage) (json.RawMessage, error) {
	r.mu.RLock()
	def, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return nil, brokererr.Newf(brokererr.UnknownTool, "tool %q is not registered", name)
	}
	return validateAgainst(def, args)
}

func validateAgainst(def *Definition, args json.RawMessage) (json.RawMessage, error) {
	var doc any
	if len(args) == 0 {
		doc = map[string]any{}
	} else if err := json.Unmarshal(args, &doc); err != nil {
		return nil, brokererr.Wrap(brokererr.ValidationError, "args is not valid JSON", err)
	}
	if def.compiled != nil {
		if err := def.compiled.Validate(doc); err != nil {
			return nil, brokererr.Wrap(brokererr.ValidationError, "args failed schema validation", err)
		}
	}
	if len(args) == 0 {
		return json.RawMessage(`{}`), nil
	}
	return args, nil
}

// Execute validates args, resolves required secrets, and invokes the
// handler. It never panics: a handler panic is recovered and reported as
// EXECUTION_ERROR.
func (r *Registry) Execute(ctx context.Context, name string, args json.RawMessage, call CallContext) (res ExecuteResult) {
	start := time.Now()
	defer func() {
		res.DurationMs = time.Since(start).Milliseconds()
		if rec := recover(); rec != nil {
			res.OK = false
			res.Code = brokererr.ExecutionError
			res.Message = fmt.Sprintf("tool %q panicked: %v", name, rec)
		}
	}()

	r.mu.RLock()
	def, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return ExecuteResult{OK: false, Code: brokererr.UnknownTool, Message: fmt.Sprintf("tool %q is not registered", name)}
	}

	validated, err := validateAgainst(def, args)
	if err != nil {
		be := brokererr.As(err)
		return ExecuteResult{OK: false, Code: be.Code, Message: be.Message}
	}

	secrets := make(map[string]string, len(def.RequiredSecrets))
	r.mu.RLock()
	for _, key := range def.RequiredSecrets {
		val, ok := r.secrets[key]
		if !ok {
			r.mu.RUnlock()
			return ExecuteResult{OK: false, Code: brokererr.SecretError, Message: fmt.Sprintf("required secret %q is not set", key)}
		}
		secrets[key] = val
	}
	r.mu.RUnlock()
	call.Secrets = secrets

	value, err := def.Handler(ctx, validated, call)
	if err != nil {
		var he *HandlerError
		if asHandlerError(err, &he) {
			return ExecuteResult{OK: false, Code: he.Code, Message: he.Message}
		}
		return ExecuteResult{OK: false, Code: brokererr.ExecutionError, Message: err.Error()}
	}
	return ExecuteResult{OK: true, Value: value}
}

func asHandlerError(err error, target **HandlerError) bool {
	if he, ok := err.(*HandlerError); ok {
		*target = he
		return true
	}
	return false
}

func mustReader(b json.RawMessage) *jsonReader { return &jsonReader{data: b} }

// jsonReader adapts a json.RawMessage to io.Reader for jsonschema.Compiler.AddResource.
type jsonReader struct {
	data []byte
	pos  int
}

func (r *jsonReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	n := copy(p, r.data[r.pos:])
	r.pos += n
	return n, nil
}
