package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"chainpulse.dev/pulse/internal/breaker"
	"chainpulse.dev/pulse/internal/store"
)

// BreakerControl is the circuit breaker surface the admin API needs.
// Satisfied by *breaker.Breaker.
type BreakerControl interface {
	Status(ctx context.Context, triggerID int64) (*breaker.Status, error)
	ForceClose(ctx context.Context, triggerID int64) error
}

type BreakerHandler struct {
	breaker  BreakerControl
	triggers store.TriggerStore
}

func NewBreakerHandler(breaker BreakerControl, triggers store.TriggerStore) *BreakerHandler {
	return &BreakerHandler{
		breaker:  breaker,
		triggers: triggers,
	}
}

type breakerStatusResponse struct {
	TriggerID         int64   `json:"trigger_id"`
	State             string  `json:"state"`
	FailureRate       float64 `json:"failure_rate"`
	SampleCount       int64   `json:"sample_count"`
	RetryAfterSeconds int64   `json:"retry_after_seconds,omitempty"`
}

// Status reports the circuit state and rolling failure rate for a trigger.
func (h *BreakerHandler) Status(c *gin.Context) {
	ctx := c.Request.Context()

	triggerID, ok := triggerIDParam(c)
	if !ok {
		return
	}

	if _, err := h.triggers.GetByID(ctx, triggerID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "trigger not found"})
			return
		}
		slog.ErrorContext(ctx, "failed to load trigger", "error", err, "trigger_id", triggerID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load trigger"})
		return
	}

	status, err := h.breaker.Status(ctx, triggerID)
	if err != nil {
		slog.ErrorContext(ctx, "failed to load breaker status", "error", err, "trigger_id", triggerID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load breaker status"})
		return
	}

	c.JSON(http.StatusOK, breakerStatusResponse{
		TriggerID:         status.TriggerID,
		State:             string(status.State),
		FailureRate:       status.FailureRate,
		SampleCount:       status.SampleCount,
		RetryAfterSeconds: int64(status.RetryAfter.Seconds()),
	})
}

// ForceClose manually closes the circuit and re-enables the trigger.
func (h *BreakerHandler) ForceClose(c *gin.Context) {
	ctx := c.Request.Context()

	triggerID, ok := triggerIDParam(c)
	if !ok {
		return
	}

	if _, err := h.triggers.GetByID(ctx, triggerID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "trigger not found"})
			return
		}
		slog.ErrorContext(ctx, "failed to load trigger", "error", err, "trigger_id", triggerID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load trigger"})
		return
	}

	if err := h.breaker.ForceClose(ctx, triggerID); err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			c.JSON(http.StatusConflict, gin.H{"error": "breaker state changed concurrently, retry"})
			return
		}
		slog.ErrorContext(ctx, "failed to force close breaker", "error", err, "trigger_id", triggerID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to close breaker"})
		return
	}

	slog.InfoContext(ctx, "circuit force closed via admin API", "trigger_id", triggerID)

	c.JSON(http.StatusOK, gin.H{"status": "closed"})
}
