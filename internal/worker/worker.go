// Package worker consumes action jobs from the queue, executes them
// against external systems with timeout and retry, and writes every
// terminal outcome back as an ActionResult feeding the circuit breaker.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"chainpulse.dev/pulse/common/id"
	"chainpulse.dev/pulse/common/logger"
	"chainpulse.dev/pulse/internal/metrics"
	"chainpulse.dev/pulse/internal/model"
	"chainpulse.dev/pulse/internal/queue"
	"chainpulse.dev/pulse/internal/store"
)

// OutcomeRecorder receives terminal action outcomes. Implemented by the
// circuit breaker; an interface here so worker tests do not stand up
// breaker state.
type OutcomeRecorder interface {
	Record(ctx context.Context, triggerID int64, success bool) error
}

// JobConsumer is the queue surface the worker needs. Satisfied by
// *queue.RedisConsumer.
type JobConsumer interface {
	Read(ctx context.Context) ([]queue.Message, error)
	Ack(ctx context.Context, msg queue.Message) error
	Requeue(ctx context.Context, msg queue.Message, errMsg string) error
	SendDLQ(ctx context.Context, msg queue.Message, errMsg string) error
}

type Config struct {
	MaxAttempts int
	ExecTimeout time.Duration
}

type Worker struct {
	consumer  JobConsumer
	results   store.ActionResultStore
	recorder  OutcomeRecorder
	executors Registry
	retry     RetryPolicy
	cfg       Config

	// sleep is overridable for tests.
	sleep func(ctx context.Context, d time.Duration) error

	stopCh    chan struct{}
	stoppedCh chan struct{}
}

func New(consumer JobConsumer, results store.ActionResultStore, recorder OutcomeRecorder, executors Registry, retry RetryPolicy, cfg Config) *Worker {
	return &Worker{
		consumer:  consumer,
		results:   results,
		recorder:  recorder,
		executors: executors,
		retry:     retry,
		cfg:       cfg,
		sleep:     sleepCtx,
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
}

func (w *Worker) Run(ctx context.Context) error {
	defer close(w.stoppedCh)

	slog.InfoContext(ctx, "worker started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.stopCh:
			slog.InfoContext(ctx, "worker stopping")
			return nil
		default:
			if err := w.processOneBatch(ctx); err != nil {
				slog.ErrorContext(ctx, "batch processing error", "error", err)
				// Brief backoff on error
				time.Sleep(time.Second)
			}
		}
	}
}

func (w *Worker) Stop() {
	close(w.stopCh)
	<-w.stoppedCh
}

func (w *Worker) processOneBatch(ctx context.Context) error {
	messages, err := w.consumer.Read(ctx)
	if err != nil {
		return fmt.Errorf("reading from stream: %w", err)
	}

	for _, msg := range messages {
		if err := w.processMessageSafe(ctx, msg); err != nil {
			slog.ErrorContext(ctx, "message processing failed",
				"error", err,
				"message_id", msg.ID,
				"job_key", msg.Job.Key())
			w.handleFailedMessage(ctx, msg, err)
		}
	}

	return nil
}

func (w *Worker) processMessageSafe(ctx context.Context, msg queue.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "panic recovered in message processing",
				"panic", r,
				"message_id", msg.ID,
				"job_key", msg.Job.Key())
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return w.ProcessMessage(ctx, msg)
}

// ProcessMessage executes one job to a terminal outcome. Exported so it
// can be reused by the reclaimer. A returned error means the job never
// reached a terminal outcome (infrastructure failure) and the message
// should be requeued; executed jobs always ack, success or not.
func (w *Worker) ProcessMessage(ctx context.Context, msg queue.Message) error {
	job := msg.Job
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		Component: "pulse.worker",
		JobID:     &job.JobID,
		TriggerID: &job.TriggerID,
		EventID:   &job.EventID,
		MessageID: &msg.ID,
	})

	slog.InfoContext(ctx, "processing job",
		"action_type", job.ActionType,
		"attempt", job.Attempt)

	// Idempotency: a crash between execute and ack redelivers the job,
	// and an abandoned timed-out attempt may still have completed
	// externally. A prior success means this delivery is a duplicate.
	done, err := w.results.HasSuccess(ctx, job.TriggerID, job.EventID, job.ActionID)
	if err != nil {
		return fmt.Errorf("idempotency check: %w", err)
	}
	if done {
		slog.InfoContext(ctx, "job already succeeded, skipping")
		return w.consumer.Ack(ctx, msg)
	}

	executor, err := w.executors.Lookup(job.ActionType)
	if err != nil {
		// Misconfiguration, not infrastructure: terminal failure.
		return w.finish(ctx, msg, 0, 0, Permanent(err))
	}

	var (
		execErr    error
		retryCount int32
		start      = time.Now()
	)
	for attempt := 1; ; attempt++ {
		execErr = w.executeOnce(ctx, executor, job)
		if execErr == nil {
			break
		}
		if !w.retry.ShouldRetry(attempt, execErr) {
			break
		}
		retryCount++
		metrics.ActionRetries.Inc()
		w.recordRetrying(ctx, job, retryCount, execErr)
		delay := w.retry.Delay(attempt)
		slog.WarnContext(ctx, "attempt failed, backing off",
			"attempt", attempt,
			"delay", delay,
			"error", execErr)
		if err := w.sleep(ctx, delay); err != nil {
			return err
		}
	}

	return w.finish(ctx, msg, retryCount, time.Since(start).Milliseconds(), execErr)
}

func (w *Worker) executeOnce(ctx context.Context, executor Executor, job queue.Job) error {
	attemptCtx, cancel := context.WithTimeout(ctx, w.cfg.ExecTimeout)
	defer cancel()
	return executor.Execute(attemptCtx, job)
}

// finish writes the terminal ActionResult, feeds the breaker, and acks.
func (w *Worker) finish(ctx context.Context, msg queue.Message, retryCount int32, durationMS int64, execErr error) error {
	job := msg.Job

	result := &model.ActionResult{
		ID:         id.New(),
		JobID:      job.JobID,
		TriggerID:  job.TriggerID,
		EventID:    job.EventID,
		ActionID:   job.ActionID,
		ActionType: model.ActionType(job.ActionType),
		Status:     model.ActionStatusSuccess,
		RetryCount: retryCount,
		DurationMS: durationMS,
	}
	if execErr != nil {
		result.Status = model.ActionStatusFailure
		errMsg := execErr.Error()
		result.ErrorMessage = &errMsg
	}

	if err := w.results.Insert(ctx, result); err != nil {
		// No terminal record yet; requeue so the outcome is not lost.
		return fmt.Errorf("insert action result: %w", err)
	}
	metrics.ActionExecutions.WithLabelValues(job.ActionType, string(result.Status)).Inc()
	metrics.ActionDuration.WithLabelValues(job.ActionType).Observe(float64(durationMS) / 1000)

	if err := w.recorder.Record(ctx, job.TriggerID, execErr == nil); err != nil {
		// The result row is the source of truth; a missed breaker
		// sample self-corrects on the next outcome.
		slog.ErrorContext(ctx, "failed to record outcome in breaker", "error", err)
	}

	if err := w.consumer.Ack(ctx, msg); err != nil {
		// Redelivery is safe: the success row short-circuits it.
		slog.WarnContext(ctx, "failed to ACK message", "error", err)
	}

	if execErr != nil {
		slog.WarnContext(ctx, "job failed terminally",
			"retry_count", retryCount,
			"error", execErr)
	} else {
		slog.InfoContext(ctx, "job succeeded",
			"retry_count", retryCount,
			"duration_ms", durationMS)
	}
	return nil
}

// recordRetrying appends an intermediate result row so the audit trail
// shows in-flight retries. Best effort.
func (w *Worker) recordRetrying(ctx context.Context, job queue.Job, retryCount int32, execErr error) {
	errMsg := execErr.Error()
	result := &model.ActionResult{
		ID:           id.New(),
		JobID:        job.JobID,
		TriggerID:    job.TriggerID,
		EventID:      job.EventID,
		ActionID:     job.ActionID,
		ActionType:   model.ActionType(job.ActionType),
		Status:       model.ActionStatusRetrying,
		RetryCount:   retryCount,
		ErrorMessage: &errMsg,
	}
	if err := w.results.Insert(ctx, result); err != nil {
		slog.WarnContext(ctx, "failed to record retrying result", "error", err)
	}
}

func (w *Worker) handleFailedMessage(ctx context.Context, msg queue.Message, err error) {
	if msg.Job.Attempt >= w.cfg.MaxAttempts {
		slog.ErrorContext(ctx, "max delivery attempts reached, sending to DLQ",
			"message_id", msg.ID,
			"job_key", msg.Job.Key(),
			"attempts", msg.Job.Attempt)
		if dlqErr := w.consumer.SendDLQ(ctx, msg, err.Error()); dlqErr != nil {
			slog.ErrorContext(ctx, "failed to send to DLQ", "error", dlqErr)
		}
		return
	}

	slog.WarnContext(ctx, "requeuing failed message",
		"message_id", msg.ID,
		"job_key", msg.Job.Key(),
		"attempt", msg.Job.Attempt)
	if requeueErr := w.consumer.Requeue(ctx, msg, err.Error()); requeueErr != nil {
		slog.ErrorContext(ctx, "failed to requeue message", "error", requeueErr)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
