package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"time"

	"chainpulse.dev/pulse/core/config"
	"chainpulse.dev/pulse/internal/model"
	"chainpulse.dev/pulse/internal/queue"
	"chainpulse.dev/pulse/internal/ratelimit"
)

// Numeric chat ID (possibly negative for groups) or a public @channel.
var chatIDPattern = regexp.MustCompile(`^(-?\d+|@[A-Za-z0-9_]{5,32})$`)

type telegramActionConfig struct {
	ChatID   string `json:"chat_id"`
	Template string `json:"template"`
	// ParseMode is passed through to the Bot API ("MarkdownV2", "HTML").
	// Empty sends plain text.
	ParseMode string `json:"parse_mode,omitempty"`
}

// TelegramExecutor sends messages through the Bot API. Sends are rate
// limited per chat via the shared window counter so one noisy trigger
// cannot get the bot muted by Telegram.
type TelegramExecutor struct {
	client  *http.Client
	cfg     config.TelegramConfig
	counter ratelimit.Counter
}

func NewTelegramExecutor(client *http.Client, cfg config.TelegramConfig, counter ratelimit.Counter) *TelegramExecutor {
	if client == nil {
		client = http.DefaultClient
	}
	return &TelegramExecutor{client: client, cfg: cfg, counter: counter}
}

func (e *TelegramExecutor) Type() model.ActionType {
	return model.ActionTelegram
}

func (e *TelegramExecutor) Execute(ctx context.Context, job queue.Job) error {
	var cfg telegramActionConfig
	if err := json.Unmarshal([]byte(job.Config), &cfg); err != nil {
		return Permanent(fmt.Errorf("invalid telegram config: %w", err))
	}
	if !chatIDPattern.MatchString(cfg.ChatID) {
		return Permanent(fmt.Errorf("invalid chat_id %q", cfg.ChatID))
	}

	vars, err := payloadVars(job)
	if err != nil {
		return err
	}
	text, err := RenderTemplate(cfg.Template, vars)
	if err != nil {
		return Permanent(err)
	}

	res, err := e.counter.Increment(ctx, "tg:chat:"+cfg.ChatID, 1, e.cfg.PerChatWindow, e.cfg.PerChatRate)
	if err != nil {
		return fmt.Errorf("check per-chat rate: %w", err)
	}
	if !res.Allowed {
		// Transient: the window drains and a retry goes through.
		return fmt.Errorf("per-chat rate limit reached for %s, retry in %s", cfg.ChatID, res.RetryAfter)
	}

	body := map[string]any{
		"chat_id": cfg.ChatID,
		"text":    text,
	}
	if cfg.ParseMode != "" {
		body["parse_mode"] = cfg.ParseMode
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return Permanent(fmt.Errorf("marshal sendMessage body: %w", err))
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", e.cfg.APIBaseURL, e.cfg.BotToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return Permanent(fmt.Errorf("build sendMessage request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram sendMessage: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		slog.DebugContext(ctx, "telegram message sent",
			"chat_id", cfg.ChatID,
			"duration_ms", time.Since(start).Milliseconds())
		return nil
	}

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	err = fmt.Errorf("telegram sendMessage returned %d: %s", resp.StatusCode, respBody)
	if retryableStatus(resp.StatusCode) {
		return err
	}
	return Permanent(err)
}

// retryableStatus classifies HTTP responses shared by all HTTP-backed
// executors: throttling and server errors may clear, other client
// errors will not.
func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}
