package worker_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"chainpulse.dev/pulse/core/config"
	"chainpulse.dev/pulse/internal/queue"
	"chainpulse.dev/pulse/internal/ratelimit"
	"chainpulse.dev/pulse/internal/worker"
)

var _ = Describe("TelegramExecutor", func() {
	var (
		ctx      context.Context
		server   *httptest.Server
		status   int
		requests []map[string]any
		counter  *ratelimit.MemoryCounter
		executor *worker.TelegramExecutor
	)

	job := func(cfg string) queue.Job {
		return queue.Job{
			JobID:      100,
			TriggerID:  7,
			EventID:    "84532:1000:0",
			ActionID:   3,
			ActionType: "telegram",
			Config:     cfg,
			Payload:    `{"score": "30", "agent_id": "42"}`,
		}
	}

	BeforeEach(func() {
		ctx = context.Background()
		status = http.StatusOK
		requests = nil

		server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var body map[string]any
			Expect(json.NewDecoder(r.Body).Decode(&body)).To(Succeed())
			requests = append(requests, body)
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"ok": true}`))
		}))
		DeferCleanup(server.Close)

		counter = ratelimit.NewMemoryCounter()
		executor = worker.NewTelegramExecutor(server.Client(), config.TelegramConfig{
			BotToken:      "test-token",
			APIBaseURL:    server.URL,
			PerChatRate:   2,
			PerChatWindow: time.Minute,
		}, counter)
	})

	It("renders the template and posts sendMessage", func() {
		err := executor.Execute(ctx, job(`{"chat_id": "123", "template": "agent {{agent_id}} scored {{score}}"}`))
		Expect(err).NotTo(HaveOccurred())

		Expect(requests).To(HaveLen(1))
		Expect(requests[0]["chat_id"]).To(Equal("123"))
		Expect(requests[0]["text"]).To(Equal("agent 42 scored 30"))
	})

	It("rejects a malformed chat id permanently", func() {
		err := executor.Execute(ctx, job(`{"chat_id": "; DROP TABLE", "template": "hi"}`))
		Expect(err).To(HaveOccurred())
		Expect(worker.IsPermanent(err)).To(BeTrue())
		Expect(requests).To(BeEmpty())
	})

	It("treats a 400 response as permanent", func() {
		status = http.StatusBadRequest
		err := executor.Execute(ctx, job(`{"chat_id": "123", "template": "hi"}`))
		Expect(err).To(HaveOccurred())
		Expect(worker.IsPermanent(err)).To(BeTrue())
	})

	It("treats a 500 response as transient", func() {
		status = http.StatusInternalServerError
		err := executor.Execute(ctx, job(`{"chat_id": "123", "template": "hi"}`))
		Expect(err).To(HaveOccurred())
		Expect(worker.IsPermanent(err)).To(BeFalse())
	})

	It("enforces the per-chat rate limit as a transient error", func() {
		cfg := `{"chat_id": "123", "template": "hi"}`
		Expect(executor.Execute(ctx, job(cfg))).To(Succeed())
		Expect(executor.Execute(ctx, job(cfg))).To(Succeed())

		err := executor.Execute(ctx, job(cfg))
		Expect(err).To(HaveOccurred())
		Expect(worker.IsPermanent(err)).To(BeFalse())
		// The throttled send never reached the API.
		Expect(requests).To(HaveLen(2))
	})
})
