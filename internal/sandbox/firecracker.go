package sandbox

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	firecracker "github.com/firecracker-microvm/firecracker-go-sdk"
	"github.com/firecracker-microvm/firecracker-go-sdk/client/models"
)

// FirecrackerConfig configures a microVM-backed adapter: each session's
// code runs inside its own Firecracker guest instead of a bare OS process,
// for deployments that need kernel-level isolation between sessions. The
// guest is expected to run the same newline-delimited JSON worker protocol
// ProcessAdapter speaks, reachable over its tap-network IP once booted.
type FirecrackerConfig struct {
	KernelImagePath string
	KernelArgs      string
	RootDrivePath   string
	SocketDir       string
	VcpuCount       int64
	MemSizeMib      int64
	GuestIP         string
	GuestPort       int
	BootTimeout     time.Duration
}

// FirecrackerAdapter boots one microVM per session and relays the same
// tool_call/result line protocol as ProcessAdapter over a TCP connection to
// the guest instead of a local stdio pipe.
type FirecrackerAdapter struct {
	cfg     FirecrackerConfig
	machine *firecracker.Machine
}

// NewFirecrackerAdapter builds a Factory binding a fresh adapter (and, on
// Execute, a fresh microVM) per session.
func NewFirecrackerAdapter(cfg FirecrackerConfig) Factory {
	if cfg.VcpuCount <= 0 {
		cfg.VcpuCount = 1
	}
	if cfg.MemSizeMib <= 0 {
		cfg.MemSizeMib = 128
	}
	if cfg.BootTimeout <= 0 {
		cfg.BootTimeout = 5 * time.Second
	}
	return func() Adapter { return &FirecrackerAdapter{cfg: cfg} }
}

func (a *FirecrackerAdapter) machineConfig(socketPath string) firecracker.Config {
	return firecracker.Config{
		SocketPath:      socketPath,
		KernelImagePath: a.cfg.KernelImagePath,
		KernelArgs:      a.cfg.KernelArgs,
		Drives: []models.Drive{{
			DriveID:      firecracker.String("rootfs"),
			PathOnHost:   firecracker.String(a.cfg.RootDrivePath),
			IsRootDevice: firecracker.Bool(true),
			IsReadOnly:   firecracker.Bool(false),
		}},
		MachineCfg: models.MachineConfiguration{
			VcpuCount:  firecracker.Int64(a.cfg.VcpuCount),
			MemSizeMib: firecracker.Int64(a.cfg.MemSizeMib),
		},
	}
}

// Execute boots a microVM, dials the guest's worker protocol port, and
// relays tool-call suspensions the same way ProcessAdapter does over stdio.
func (a *FirecrackerAdapter) Execute(ctx context.Context, code string, execCtx ExecContext) (ExecutionResult, error) {
	start := time.Now()
	socketPath := fmt.Sprintf("%s/fc-%d.sock", a.cfg.SocketDir, time.Now().UnixNano())

	machine, err := firecracker.NewMachine(ctx, a.machineConfig(socketPath))
	if err != nil {
		return ExecutionResult{}, fmt.Errorf("configure microvm: %w", err)
	}
	a.machine = machine

	bootCtx, cancel := context.WithTimeout(ctx, a.cfg.BootTimeout)
	defer cancel()
	if err := machine.Start(bootCtx); err != nil {
		return ExecutionResult{}, fmt.Errorf("start microvm: %w", err)
	}

	addr := fmt.Sprintf("%s:%d", a.cfg.GuestIP, a.cfg.GuestPort)
	conn, err := net.DialTimeout("tcp", addr, a.cfg.BootTimeout)
	if err != nil {
		return ExecutionResult{}, fmt.Errorf("dial guest worker at %s: %w", addr, err)
	}
	defer conn.Close()

	reqBody, err := json.Marshal(processRequest{Code: code, Timeout: execCtx.Timeout.Milliseconds()})
	if err != nil {
		return ExecutionResult{}, fmt.Errorf("marshal request: %w", err)
	}
	if _, err := conn.Write(append(reqBody, '\n')); err != nil {
		return ExecutionResult{}, fmt.Errorf("write request: %w", err)
	}

	scanner := bufio.NewScanner(conn)
	toolCalls := 0
	for scanner.Scan() {
		var line processLine
		if err := json.Unmarshal(bytes.TrimSpace(scanner.Bytes()), &line); err != nil {
			return ExecutionResult{}, fmt.Errorf("decode guest line: %w", err)
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
			if _, err := conn.Write(append(replyBody, '\n')); err != nil {
				return ExecutionResult{}, fmt.Errorf("write reply: %w", err)
			}
		case "result":
			result := line.Result
			result.Stats.Duration = time.Since(start)
			result.Stats.ToolCallCount = toolCalls
			result.Stats.StartTime = start
			result.Stats.EndTime = time.Now()
			return result, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return ExecutionResult{}, fmt.Errorf("read guest output: %w", err)
	}
	return ExecutionResult{}, fmt.Errorf("guest closed connection without a result line")
}

// Dispose stops the microVM started by Execute, if any.
func (a *FirecrackerAdapter) Dispose(ctx context.Context) error {
	if a.machine == nil {
		return nil
	}
	return a.machine.StopVMM()
}
