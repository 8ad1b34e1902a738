package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"chainpulse.dev/pulse/internal/model"
	"chainpulse.dev/pulse/internal/queue"
)

type agentActionConfig struct {
	Endpoint string `json:"endpoint"`
	ToolName string `json:"tool_name"`
}

type rpcRequest struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      int64     `json:"id"`
	Method  string    `json:"method"`
	Params  rpcParams `json:"params"`
}

type rpcParams struct {
	Name      string            `json:"name"`
	Arguments map[string]string `json:"arguments"`
}

type rpcResponse struct {
	Error *rpcError `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// AgentExecutor pushes the event snapshot to an agent endpoint as a
// tools/call request. The agent decides what to do with it; this side
// only cares whether the call was accepted.
type AgentExecutor struct {
	client *http.Client
}

func NewAgentExecutor(client *http.Client) *AgentExecutor {
	if client == nil {
		client = http.DefaultClient
	}
	return &AgentExecutor{client: client}
}

func (e *AgentExecutor) Type() model.ActionType {
	return model.ActionAgent
}

func (e *AgentExecutor) Execute(ctx context.Context, job queue.Job) error {
	var cfg agentActionConfig
	if err := json.Unmarshal([]byte(job.Config), &cfg); err != nil {
		return Permanent(fmt.Errorf("invalid agent config: %w", err))
	}
	parsed, err := url.Parse(cfg.Endpoint)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return Permanent(fmt.Errorf("invalid agent endpoint %q", cfg.Endpoint))
	}
	if cfg.ToolName == "" {
		return Permanent(fmt.Errorf("agent config missing tool_name"))
	}

	vars, err := payloadVars(job)
	if err != nil {
		return err
	}

	raw, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      job.JobID,
		Method:  "tools/call",
		Params:  rpcParams{Name: cfg.ToolName, Arguments: vars},
	})
	if err != nil {
		return Permanent(fmt.Errorf("marshal agent request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.Endpoint, bytes.NewReader(raw))
	if err != nil {
		return Permanent(fmt.Errorf("build agent request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("agent call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		err = fmt.Errorf("agent endpoint returned %d: %s", resp.StatusCode, respBody)
		if retryableStatus(resp.StatusCode) {
			return err
		}
		return Permanent(err)
	}

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("decode agent response: %w", err)
	}
	if rpcResp.Error != nil {
		// A structured RPC error means the agent understood and
		// rejected the call.
		return Permanent(fmt.Errorf("agent error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message))
	}

	slog.DebugContext(ctx, "agent call delivered",
		"endpoint", cfg.Endpoint,
		"tool", cfg.ToolName,
		"duration_ms", time.Since(start).Milliseconds())
	return nil
}
