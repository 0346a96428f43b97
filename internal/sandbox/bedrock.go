package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
)

// BedrockConfig configures a BedrockAdapter.
type BedrockConfig struct {
	Client  *bedrockruntime.Client
	ModelID string
}

// bedrockRequest is the minimal Anthropic-on-Bedrock Messages API request
// shape this adapter needs: a single user turn asking the model to
// evaluate the snippet and report tool calls it needs answered.
type bedrockRequest struct {
	AnthropicVersion string           `json:"anthropic_version"`
	MaxTokens        int              `json:"max_tokens"`
	Messages         []bedrockMessage `json:"messages"`
}

type bedrockMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type bedrockResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

// BedrockAdapter delegates snippet evaluation to a Bedrock-hosted model
// instead of a local process pool, for demo or low-trust deployments that
// do not want to run a sandbox worker at all. It is intentionally a
// single-shot adapter: one InvokeModel call per Execute, no tool-call
// suspension loop, since the hosted model cannot block mid-generation to
// await a broker-side tool result the way a real sandboxed process can.
type BedrockAdapter struct {
	cfg BedrockConfig
}

// NewBedrockAdapter builds an adapter bound to cfg.
func NewBedrockAdapter(cfg BedrockConfig) Adapter {
	return &BedrockAdapter{cfg: cfg}
}

// Dispose is a no-op; the Bedrock client is shared across sessions.
func (a *BedrockAdapter) Dispose(ctx context.Context) error { return nil }

// Execute asks the configured model to evaluate code and returns its
// response verbatim as the session's final result.
func (a *BedrockAdapter) Execute(ctx context.Context, code string, execCtx ExecContext) (ExecutionResult, error) {
	start := time.Now()

	reqBody, err := json.Marshal(bedrockRequest{
		AnthropicVersion: "bedrock-2023-05-31",
		MaxTokens:        1024,
		Messages: []bedrockMessage{
			{Role: "user", Content: "Evaluate the following snippet and return only its result as JSON:\n\n" + code},
		},
	})
	if err != nil {
		return ExecutionResult{}, fmt.Errorf("marshal bedrock request: %w", err)
	}

	out, err := a.cfg.Client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(a.cfg.ModelID),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        reqBody,
	})
	stats := Stats{Duration: time.Since(start), StartTime: start, EndTime: time.Now()}
	if err != nil {
		return ExecutionResult{
			Success: false,
			Error:   &ExecError{Name: "BedrockError", Message: err.Error()},
			Stats:   stats,
		}, nil
	}

	var resp bedrockResponse
	if err := json.Unmarshal(out.Body, &resp); err != nil {
		return ExecutionResult{
			Success: false,
			Error:   &ExecError{Name: "BedrockError", Message: "invalid response body: " + err.Error()},
			Stats:   stats,
		}, nil
	}
	if len(resp.Content) == 0 {
		return ExecutionResult{
			Success: false,
			Error:   &ExecError{Name: "BedrockError", Message: "model returned no content"},
			Stats:   stats,
		}, nil
	}

	value, err := json.Marshal(resp.Content[0].Text)
	if err != nil {
		return ExecutionResult{}, fmt.Errorf("marshal bedrock result: %w", err)
	}
	return ExecutionResult{Success: true, Value: value, Stats: stats}, nil
}
