package sandbox

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sync"
	"time"
)

// ProcessConfig configures a pooled external-process adapter: a warm pool
// of worker processes that accept one JSON request per line on stdin and
// reply with one JSON response per line on stdout, the way this stack's
// sandbox tool shells out to a runtime instead of embedding one. Actual
// tool-call suspension is relayed back over the same stdio pipe as a
// distinguished `tool_call` line, answered with a `tool_result` line.
type ProcessConfig struct {
	Command     string
	Args        []string
	PoolSize    int
	StartupWait time.Duration
}

// processRequest is written to a worker's stdin to start an execution.
type processRequest struct {
	Code    string          `json:"code"`
	Timeout int64           `json:"timeoutMs"`
}

// processLine is one JSON line read from a worker's stdout: either a
// tool-call suspension or the final result.
type processLine struct {
	Type   string          `json:"type"` // "tool_call" | "result"
	Name   string          `json:"name,omitempty"`
	Args   json.RawMessage `json:"args,omitempty"`
	CallID string          `json:"callId,omitempty"`
	Result ExecutionResult `json:"result,omitempty"`
}

// processReply answers a tool_call line.
type processReply struct {
	Type   string          `json:"type"`
	CallID string          `json:"callId"`
	Value  json.RawMessage `json:"value,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// ProcessPool manages a fixed-size pool of warm worker processes, one
// checked out per concurrent session execution.
type ProcessPool struct {
	cfg  ProcessConfig
	mu   sync.Mutex
	idle []*exec.Cmd
}

// NewProcessPool creates a pool. Workers are spawned lazily on first
// checkout, matching the teacher stack's lazy pool-fill behavior.
func NewProcessPool(cfg ProcessConfig) *ProcessPool {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 4
	}
	return &ProcessPool{cfg: cfg}
}

// NewAdapter, used as a method value, is a Factory bound to this pool: each
// call returns one ProcessAdapter for one session, which checks a worker out
// of the shared pool for the duration of its single Execute call.
func (p *ProcessPool) NewAdapter() Adapter {
	return &ProcessAdapter{pool: p}
}

func (p *ProcessPool) checkout(ctx context.Context) (*exec.Cmd, error) {
	p.mu.Lock()
	if len(p.idle) > 0 {
		cmd := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		p.mu.Unlock()
		return cmd, nil
	}
	p.mu.Unlock()

	//nolint:gosec // command and args are operator-configured, not user input
	cmd := exec.CommandContext(ctx, p.cfg.Command, p.cfg.Args...)
	return cmd, nil
}

func (p *ProcessPool) checkin(cmd *exec.Cmd) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.idle) < p.cfg.PoolSize {
		p.idle = append(p.idle, cmd)
	}
}

// ProcessAdapter runs one session's code in a pooled external worker
// process, relaying tool-call suspensions over stdio.
type ProcessAdapter struct {
	pool *ProcessPool
	cmd  *exec.Cmd
}

// Execute implements Adapter.
func (a *ProcessAdapter) Execute(ctx context.Context, code string, execCtx ExecContext) (ExecutionResult, error) {
	start := time.Now()
	cmd, err := a.pool.checkout(ctx)
	if err != nil {
		return ExecutionResult{}, fmt.Errorf("checkout worker: %w", err)
	}
	a.cmd = cmd

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return ExecutionResult{}, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return ExecutionResult{}, fmt.Errorf("stdout pipe: %w", err)
	}
	if cmd.Process == nil {
		if err := cmd.Start(); err != nil {
			return ExecutionResult{}, fmt.Errorf("start worker: %w", err)
		}
	}

	reqBody, err := json.Marshal(processRequest{Code: code, Timeout: execCtx.Timeout.Milliseconds()})
	if err != nil {
		return ExecutionResult{}, fmt.Errorf("marshal request: %w", err)
	}
	if _, err := stdin.Write(append(reqBody, '\n')); err != nil {
		return ExecutionResult{}, fmt.Errorf("write request: %w", err)
	}

	scanner := bufio.NewScanner(stdout)
	toolCalls := 0
	for scanner.Scan() {
		var line processLine
		if err := json.Unmarshal(bytes.TrimSpace(scanner.Bytes()), &line); err != nil {
			return ExecutionResult{}, fmt.Errorf("decode worker line: %w", err)
		}
		switch line.Type {
		case "tool_call":
			toolCalls++
			value, toolErr := execCtx.ToolHandler(ctx, line.Name, line.Args)
			reply := processReply{Type: "tool_result", CallID: line.CallID}
			if toolErr != nil {
				reply.Error = toolErr.Error()
			} else {
				reply.Value = value
			}
			replyBody, err := json.Marshal(reply)
			if err != nil {
				return ExecutionResult{}, fmt.Errorf("marshal reply: %w", err)
			}
			if _, err := stdin.Write(append(replyBody, '\n')); err != nil {
				return ExecutionResult{}, fmt.Errorf("write reply: %w", err)
			}
		case "result":
			result := line.Result
			result.Stats.Duration = time.Since(start)
			result.Stats.ToolCallCount = toolCalls
			result.Stats.StartTime = start
			result.Stats.EndTime = time.Now()
			a.pool.checkin(cmd)
			return result, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return ExecutionResult{}, fmt.Errorf("read worker output: %w", err)
	}
	return ExecutionResult{}, fmt.Errorf("worker closed stdout without a result line")
}

// Dispose terminates the checked-out worker if still attached.
func (a *ProcessAdapter) Dispose(ctx context.Context) error {
	if a.cmd == nil || a.cmd.Process == nil {
		return nil
	}
	return a.cmd.Process.Kill()
}
