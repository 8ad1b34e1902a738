package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"chainpulse.dev/pulse/common/logger"
	"chainpulse.dev/pulse/core/config"
	"chainpulse.dev/pulse/core/db"
	"chainpulse.dev/pulse/internal/store"
)

// EventProcessor routes one event. Implemented by Processor; an
// interface here so listener tests can script processing outcomes.
type EventProcessor interface {
	ProcessEvent(ctx context.Context, eventID string) error
}

// Listener consumes new-event notifications from Postgres and drives
// the processor. Live notifications are best effort; a periodic resync
// scan over unmarked events is the durability backstop, so a missed or
// dropped notification delays an event by at most one resync interval.
type Listener struct {
	db        *db.DB
	events    store.EventStore
	processor EventProcessor
	cfg       config.ListenerConfig

	stopCh    chan struct{}
	stoppedCh chan struct{}
}

func NewListener(database *db.DB, events store.EventStore, processor EventProcessor, cfg config.ListenerConfig) *Listener {
	return &Listener{
		db:        database,
		events:    events,
		processor: processor,
		cfg:       cfg,
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
}

// Run blocks until Stop is called or the context is cancelled. The
// connection is re-established with backoff on failure, and every
// (re)connect starts with a resync scan to cover the gap.
func (l *Listener) Run(ctx context.Context) error {
	defer close(l.stoppedCh)

	ctx = logger.WithLogFields(ctx, logger.LogFields{
		Component: "pulse.dispatch.listener",
	})
	slog.InfoContext(ctx, "listener started",
		"channel", l.cfg.Channel,
		"resync_every", l.cfg.ResyncEvery)

	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.stopCh:
			slog.InfoContext(ctx, "listener stopping")
			return nil
		default:
		}

		if err := l.listenOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.ErrorContext(ctx, "listen connection lost, reconnecting",
				"error", err,
				"backoff", backoff)
			select {
			case <-time.After(backoff):
			case <-l.stopCh:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second
	}
}

// Stop signals the listener to stop gracefully.
func (l *Listener) Stop() {
	close(l.stopCh)
	<-l.stoppedCh
}

// listenOnce holds one LISTEN connection until it fails or the listener
// stops. Returns nil on a clean stop.
func (l *Listener) listenOnce(ctx context.Context) error {
	conn, err := l.db.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, fmt.Sprintf("LISTEN %s", l.cfg.Channel)); err != nil {
		return fmt.Errorf("listen on %s: %w", l.cfg.Channel, err)
	}

	// Cover anything that arrived while we were not listening.
	if err := l.Resync(ctx); err != nil {
		return err
	}

	for {
		select {
		case <-l.stopCh:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		waitCtx, cancel := context.WithTimeout(ctx, l.cfg.ResyncEvery)
		notification, err := conn.Conn().WaitForNotification(waitCtx)
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				// Quiet interval elapsed; scan for anything missed.
				if err := l.Resync(ctx); err != nil {
					return err
				}
				continue
			}
			return fmt.Errorf("wait for notification: %w", err)
		}

		eventID := notification.Payload
		if eventID == "" {
			slog.WarnContext(ctx, "notification with empty payload, triggering resync")
			if err := l.Resync(ctx); err != nil {
				return err
			}
			continue
		}

		if err := l.processor.ProcessEvent(ctx, eventID); err != nil {
			// The event stays unmarked; the resync scan retries it.
			slog.ErrorContext(ctx, "failed to process notified event",
				"event_id", eventID,
				"error", err)
		}
	}
}

// Resync scans for events without a processed marker and runs them
// through the processor, oldest first.
func (l *Listener) Resync(ctx context.Context) error {
	ids, err := l.events.ListUnprocessed(ctx, l.cfg.ResyncBatch)
	if err != nil {
		return fmt.Errorf("resync scan: %w", err)
	}
	if len(ids) == 0 {
		return nil
	}

	slog.InfoContext(ctx, "resync found unprocessed events", "count", len(ids))
	for _, eventID := range ids {
		select {
		case <-l.stopCh:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := l.processor.ProcessEvent(ctx, eventID); err != nil {
			slog.ErrorContext(ctx, "resync processing failed",
				"event_id", eventID,
				"error", err)
		}
	}
	return nil
}
