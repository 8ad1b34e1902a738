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

type webhookActionConfig struct {
	URL     string            `json:"url"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	// Template, when set, becomes the "message" field in the delivered
	// body alongside the raw event variables.
	Template string `json:"template,omitempty"`
}

// WebhookExecutor delivers the event snapshot to a caller-owned HTTP
// endpoint. Destination URLs were SSRF-checked at trigger creation by
// the CRUD surface; this executor treats them as trusted.
type WebhookExecutor struct {
	client *http.Client
}

func NewWebhookExecutor(client *http.Client) *WebhookExecutor {
	if client == nil {
		client = http.DefaultClient
	}
	return &WebhookExecutor{client: client}
}

func (e *WebhookExecutor) Type() model.ActionType {
	return model.ActionWebhook
}

func (e *WebhookExecutor) Execute(ctx context.Context, job queue.Job) error {
	var cfg webhookActionConfig
	if err := json.Unmarshal([]byte(job.Config), &cfg); err != nil {
		return Permanent(fmt.Errorf("invalid webhook config: %w", err))
	}
	parsed, err := url.Parse(cfg.URL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return Permanent(fmt.Errorf("invalid webhook url %q", cfg.URL))
	}
	method := cfg.Method
	if method == "" {
		method = http.MethodPost
	}

	vars, err := payloadVars(job)
	if err != nil {
		return err
	}

	payload := map[string]any{
		"trigger_id": job.TriggerID,
		"event_id":   job.EventID,
		"event":      vars,
	}
	if cfg.Template != "" {
		message, err := RenderTemplate(cfg.Template, vars)
		if err != nil {
			return Permanent(err)
		}
		payload["message"] = message
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Permanent(fmt.Errorf("marshal webhook body: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, method, cfg.URL, bytes.NewReader(raw))
	if err != nil {
		return Permanent(fmt.Errorf("build webhook request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook delivery: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		slog.DebugContext(ctx, "webhook delivered",
			"url", cfg.URL,
			"status", resp.StatusCode,
			"duration_ms", time.Since(start).Milliseconds())
		return nil
	}

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	err = fmt.Errorf("webhook returned %d: %s", resp.StatusCode, respBody)
	if retryableStatus(resp.StatusCode) {
		return err
	}
	return Permanent(err)
}
