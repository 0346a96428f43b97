package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/sandboxbroker/broker/internal/brokererr"
)

// ReferenceAdapter is a narrow, deterministic evaluator for a tiny
// expression language: numeric arithmetic, `await callTool(name, args)`,
// `const ident = <expr>;` bindings, and object-literal composition of
// bound results. It exists only to make the broker's own test suite and
// local smoke-testing runnable without wiring an actual code sandbox,
// which is explicitly out of scope (SPEC_FULL.md §1). It is not a
// general-purpose language implementation and must never be mistaken for
// one: it rejects anything it does not recognize rather than guessing.
type ReferenceAdapter struct{}

// NewReferenceAdapter constructs a ReferenceAdapter. One per session, per
// the Factory contract, though the type itself is stateless.
func NewReferenceAdapter() Adapter { return &ReferenceAdapter{} }

// Dispose is a no-op; the reference adapter holds no resources.
func (a *ReferenceAdapter) Dispose(ctx context.Context) error { return nil }

// Execute parses and evaluates code against execCtx.
func (a *ReferenceAdapter) Execute(ctx context.Context, code string, execCtx ExecContext) (ExecutionResult, error) {
	start := time.Now()
	interp := &interpreter{
		toolHandler: execCtx.ToolHandler,
		ctx:         ctx,
		vars:        map[string]json.RawMessage{},
	}

	value, err := interp.run(code)
	stats := Stats{
		Duration:      time.Since(start),
		ToolCallCount: interp.toolCalls,
		IterationCount: interp.statements,
		StartTime:     start,
		EndTime:       time.Now(),
	}
	if err != nil {
		var ee *ExecError
		if errors.As(err, &ee) {
			return ExecutionResult{Success: false, Error: ee, Stats: stats}, nil
		}
		var brokerErr *brokererr.Error
		if errors.As(err, &brokerErr) {
			return ExecutionResult{Success: false, Error: &ExecError{Name: "EvalError", Message: brokerErr.Message, Code: string(brokerErr.Code)}, Stats: stats}, nil
		}
		return ExecutionResult{Success: false, Error: &ExecError{Name: "EvalError", Message: err.Error()}, Stats: stats}, nil
	}
	return ExecutionResult{Success: true, Value: value, Stats: stats}, nil
}

type interpreter struct {
	toolHandler ToolHandler
	ctx         context.Context
	vars        map[string]json.RawMessage
	toolCalls   int
	statements  int
}

// run splits code into `;`-terminated statements and evaluates them in
// order, returning the value passed to the first `return`.
func (in *interpreter) run(code string) (json.RawMessage, error) {
	stmts := splitStatements(code)
	for _, stmt := range stmts {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		in.statements++

		if strings.HasPrefix(stmt, "return ") || stmt == "return" {
			expr := strings.TrimSpace(strings.TrimPrefix(stmt, "return"))
			return in.eval(expr)
		}
		if strings.HasPrefix(stmt, "const ") || strings.HasPrefix(stmt, "let ") {
			if err := in.bind(stmt); err != nil {
				return nil, err
			}
			continue
		}
		return nil, fmt.Errorf("unsupported statement: %q", stmt)
	}
	return json.RawMessage("null"), nil
}

func splitStatements(code string) []string {
	var out []string
	depth := 0
	inString := byte(0)
	last := 0
	for i := 0; i < len(code); i++ {
		c := code[i]
		switch {
		case inString != 0:
			if c == inString && (i == 0 || code[i-1] != '\\') {
				inString = 0
			}
		case c == '\'' || c == '"':
			inString = c
		case c == '(' || c == '{' || c == '[':
			depth++
		case c == ')' || c == '}' || c == ']':
			depth--
		case c == ';' && depth == 0:
			out = append(out, code[last:i])
			last = i + 1
		}
	}
	if strings.TrimSpace(code[last:]) != "" {
		out = append(out, code[last:])
	}
	return out
}

func (in *interpreter) bind(stmt string) error {
	stmt = strings.TrimPrefix(strings.TrimPrefix(stmt, "const "), "let ")
	eq := strings.Index(stmt, "=")
	if eq < 0 {
		return fmt.Errorf("invalid binding statement: %q", stmt)
	}
	name := strings.TrimSpace(stmt[:eq])
	if !isIdent(name) {
		return fmt.Errorf("invalid identifier %q", name)
	}
	value, err := in.eval(strings.TrimSpace(stmt[eq+1:]))
	if err != nil {
		return err
	}
	in.vars[name] = value
	return nil
}

func isIdent(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		if i == 0 && !unicode.IsLetter(r) && r != '_' {
			return false
		}
		if i > 0 && !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_' {
			return false
		}
	}
	return true
}

// eval evaluates a single expression, which is one of: an object literal,
// an `await callTool(...)` call, an identifier, or an arithmetic
// expression over integer/float literals. Identifiers are resolved only
// when they are the whole expression, not inside arithmetic.
func (in *interpreter) eval(expr string) (json.RawMessage, error) {
	expr = strings.TrimSpace(expr)
	expr = strings.TrimSuffix(expr, ";")
	expr = strings.TrimSpace(expr)
	expr = strings.TrimPrefix(expr, "await ")
	expr = strings.TrimSpace(expr)

	if strings.HasPrefix(expr, "callTool(") {
		return in.evalCallTool(expr)
	}
	if strings.HasPrefix(expr, "{") {
		return in.evalObjectLiteral(expr)
	}
	if val, ok := in.vars[expr]; ok {
		return val, nil
	}
	return evalArithmetic(expr)
}

func (in *interpreter) evalCallTool(expr string) (json.RawMessage, error) {
	inner := strings.TrimSuffix(strings.TrimPrefix(expr, "callTool("), ")")
	parts := splitArgs(inner)
	if len(parts) != 2 {
		return nil, fmt.Errorf("callTool expects 2 arguments, got %d", len(parts))
	}
	name := strings.Trim(strings.TrimSpace(parts[0]), "'\"")
	argsLiteral := strings.TrimSpace(parts[1])
	args, err := jsLiteralToJSON(argsLiteral)
	if err != nil {
		return nil, fmt.Errorf("invalid callTool args: %w", err)
	}

	in.toolCalls++
	if in.toolHandler == nil {
		return nil, &ExecError{Name: "EvalError", Message: "no tool handler configured"}
	}
	result, err := in.toolHandler(in.ctx, name, args)
	if err != nil {
		return nil, err
	}
	return result, nil
}

func splitArgs(s string) []string {
	var out []string
	depth := 0
	inString := byte(0)
	last := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case inString != 0:
			if c == inString && (i == 0 || s[i-1] != '\\') {
				inString = 0
			}
		case c == '\'' || c == '"':
			inString = c
		case c == '(' || c == '{' || c == '[':
			depth++
		case c == ')' || c == '}' || c == ']':
			depth--
		case c == ',' && depth == 0:
			out = append(out, s[last:i])
			last = i + 1
		}
	}
	out = append(out, s[last:])
	return out
}

// evalObjectLiteral supports both shorthand `{a,b}` (value = identifier of
// same name) and `key: expr` pairs, comma separated.
func (in *interpreter) evalObjectLiteral(expr string) (json.RawMessage, error) {
	inner := strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(expr, "{"), "}"))
	result := map[string]json.RawMessage{}
	if inner == "" {
		return json.Marshal(result)
	}
	for _, pair := range splitArgs(inner) {
		pair = strings.TrimSpace(pair)
		if colon := strings.Index(pair, ":"); colon >= 0 {
			key := strings.Trim(strings.TrimSpace(pair[:colon]), "'\"")
			valExpr := strings.TrimSpace(pair[colon+1:])
			val, err := in.eval(valExpr)
			if err != nil {
				return nil, err
			}
			result[key] = val
		} else {
			key := pair
			val, ok := in.vars[key]
			if !ok {
				return nil, fmt.Errorf("undefined identifier %q in object literal", key)
			}
			result[key] = val
		}
	}
	return json.Marshal(result)
}

// jsLiteralToJSON converts a JS-like object literal with unquoted keys
// (e.g. `{a:10,b:20}`) into valid JSON. `{}` passes through unchanged.
func jsLiteralToJSON(s string) (json.RawMessage, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		s = "{}"
	}
	if !strings.HasPrefix(s, "{") {
		return json.RawMessage(s), nil
	}
	inner := strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(s, "{"), "}"))
	if inner == "" {
		return json.RawMessage("{}"), nil
	}
	fields := map[string]json.RawMessage{}
	for _, pair := range splitArgs(inner) {
		colon := strings.Index(pair, ":")
		if colon < 0 {
			return nil, fmt.Errorf("invalid object literal field: %q", pair)
		}
		key := strings.Trim(strings.TrimSpace(pair[:colon]), "'\"")
		valStr := strings.TrimSpace(pair[colon+1:])
		var val json.RawMessage
		if strings.HasPrefix(valStr, "'") || strings.HasPrefix(valStr, "\"") {
			val, _ = json.Marshal(strings.Trim(valStr, "'\""))
		} else {
			val = json.RawMessage(valStr)
		}
		fields[key] = val
	}
	return json.Marshal(fields)
}

// evalArithmetic evaluates a sum/difference/product/quotient of integer or
// float literals, left to right with standard precedence, no parens.
func evalArithmetic(expr string) (json.RawMessage, error) {
	tokens := tokenizeArithmetic(expr)
	if len(tokens) == 0 {
		return nil, fmt.Errorf("empty expression")
	}
	value, rest, err := parseTerm(tokens)
	if err != nil {
		return nil, err
	}
	for len(rest) > 0 {
		op := rest[0]
		if op != "+" && op != "-" {
			return nil, fmt.Errorf("unexpected token %q", op)
		}
		var rhs float64
		rhs, rest, err = parseTerm(rest[1:])
		if err != nil {
			return nil, err
		}
		if op == "+" {
			value += rhs
		} else {
			value -= rhs
		}
	}
	return numberJSON(value), nil
}

func parseTerm(tokens []string) (float64, []string, error) {
	value, rest, err := parseFactor(tokens)
	if err != nil {
		return 0, nil, err
	}
	for len(rest) > 0 && (rest[0] == "*" || rest[0] == "/") {
		op := rest[0]
		var rhs float64
		rhs, rest, err = parseFactor(rest[1:])
		if err != nil {
			return 0, nil, err
		}
		if op == "*" {
			value *= rhs
		} else {
			if rhs == 0 {
				return 0, nil, fmt.Errorf("division by zero")
			}
			value /= rhs
		}
	}
	return value, rest, nil
}

func parseFactor(tokens []string) (float64, []string, error) {
	if len(tokens) == 0 {
		return 0, nil, fmt.Errorf("unexpected end of expression")
	}
	v, err := strconv.ParseFloat(tokens[0], 64)
	if err != nil {
		return 0, nil, fmt.Errorf("expected number, got %q", tokens[0])
	}
	return v, tokens[1:], nil
}

func tokenizeArithmetic(expr string) []string {
	var tokens []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			tokens = append(tokens, cur.String())
			cur.Reset()
		}
	}
	for _, r := range expr {
		switch {
		case unicode.IsSpace(r):
			flush()
		case r == '+' || r == '-' || r == '*' || r == '/':
			flush()
			tokens = append(tokens, string(r))
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return tokens
}

func numberJSON(v float64) json.RawMessage {
	if v == float64(int64(v)) {
		return json.RawMessage(strconv.FormatInt(int64(v), 10))
	}
	return json.RawMessage(strconv.FormatFloat(v, 'g', -1, 64))
}
