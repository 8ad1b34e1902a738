package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"chainpulse.dev/pulse/internal/store"
)

const (
	defaultResultLimit = 50
	maxResultLimit     = 200
)

type TriggerHandler struct {
	triggers store.TriggerStore
	results  store.ActionResultStore
}

func NewTriggerHandler(triggers store.TriggerStore, results store.ActionResultStore) *TriggerHandler {
	return &TriggerHandler{
		triggers: triggers,
		results:  results,
	}
}

// Get returns one trigger with its conditions and actions attached.
func (h *TriggerHandler) Get(c *gin.Context) {
	ctx := c.Request.Context()

	triggerID, ok := triggerIDParam(c)
	if !ok {
		return
	}

	trigger, err := h.triggers.GetByID(ctx, triggerID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "trigger not found"})
			return
		}
		slog.ErrorContext(ctx, "failed to load trigger", "error", err, "trigger_id", triggerID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load trigger"})
		return
	}

	conditions, actions, err := h.triggers.LoadRelations(ctx, []int64{triggerID})
	if err != nil {
		slog.ErrorContext(ctx, "failed to load trigger relations", "error", err, "trigger_id", triggerID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load trigger"})
		return
	}
	trigger.Conditions = conditions[triggerID]
	trigger.Actions = actions[triggerID]

	c.JSON(http.StatusOK, trigger)
}

// SetEnabled flips the trigger's enabled flag. A disabled trigger stops
// matching on the next event; an open circuit still gates dispatch after
// a manual enable.
func (h *TriggerHandler) SetEnabled(enabled bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()

		triggerID, ok := triggerIDParam(c)
		if !ok {
			return
		}

		if err := h.triggers.SetEnabled(ctx, triggerID, enabled); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "trigger not found"})
				return
			}
			slog.ErrorContext(ctx, "failed to update trigger", "error", err, "trigger_id", triggerID)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update trigger"})
			return
		}

		slog.InfoContext(ctx, "trigger enabled flag changed via admin API",
			"trigger_id", triggerID,
			"enabled", enabled,
		)

		c.JSON(http.StatusOK, gin.H{"trigger_id": triggerID, "enabled": enabled})
	}
}

// Results returns the most recent action executions for a trigger.
func (h *TriggerHandler) Results(c *gin.Context) {
	ctx := c.Request.Context()

	triggerID, ok := triggerIDParam(c)
	if !ok {
		return
	}

	limit := int32(defaultResultLimit)
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 32)
		if err != nil || parsed <= 0 || parsed > maxResultLimit {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 200"})
			return
		}
		limit = int32(parsed)
	}

	results, err := h.results.ListRecentByTrigger(ctx, triggerID, limit)
	if err != nil {
		slog.ErrorContext(ctx, "failed to list action results", "error", err, "trigger_id", triggerID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list results"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"results": results})
}

func triggerIDParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid trigger id"})
		return 0, false
	}
	return id, true
}
