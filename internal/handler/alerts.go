package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/harborwatch/alertgate/internal/delivery"
	"github.com/harborwatch/alertgate/internal/dlq"
	"github.com/harborwatch/alertgate/internal/model"
	"github.com/harborwatch/alertgate/internal/store"
)

type AlertHandler struct {
	store  *store.Store
	runner *delivery.Runner
	dlq    *dlq.Manager
}

func NewAlertHandler(s *store.Store, runner *delivery.Runner, dlq *dlq.Manager) *AlertHandler {
	return &AlertHandler{store: s, runner: runner, dlq: dlq}
}

// Run executes a batch delivery run for one UTC day and returns the
// summary counts. day defaults to today.
func (h *AlertHandler) Run(c *gin.Context) {
	day := time.Now().UTC()
	if d := c.Query("day"); d != "" {
		parsed, err := time.Parse("2006-01-02", d)
		if err != nil {
			c.String(http.StatusBadRequest, "invalid day, want YYYY-MM-DD")
			return
		}
		day = parsed
	}

	summary, err := h.runner.Run(c.Request.Context(), day)
	if err != nil {
		c.String(http.StatusInternalServerError, "run failed")
		return
	}
	c.JSON(http.StatusOK, summary)
}

// ListDeliveries returns delivery attempts for a day, optionally
// filtered by status.
func (h *AlertHandler) ListDeliveries(c *gin.Context) {
	day := time.Now().UTC()
	if d := c.Query("day"); d != "" {
		parsed, err := time.Parse("2006-01-02", d)
		if err != nil {
			c.String(http.StatusBadRequest, "invalid day, want YYYY-MM-DD")
			return
		}
		day = parsed
	}

	var status *model.AttemptStatus
	if s := c.Query("status"); s != "" {
		st := model.AttemptStatus(s)
		switch st {
		case model.AttemptPending, model.AttemptSent, model.AttemptFailed,
			model.AttemptSkippedDedupe, model.AttemptSkippedRateLimit:
			status = &st
		default:
			c.String(http.StatusBadRequest, "unknown status")
			return
		}
	}

	limit := 100
	if l := c.Query("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	attempts, err := h.store.Attempts.ListForDay(c.Request.Context(), day, status, limit)
	if err != nil {
		c.String(http.StatusInternalServerError, "failed to list deliveries")
		return
	}

	if attempts == nil {
		c.Data(http.StatusOK, "application/json", []byte("[]"))
		return
	}
	c.JSON(http.StatusOK, attempts)
}

// DLQHealth reports queue depth, exhausted count, and the oldest queued
// entry.
func (h *AlertHandler) DLQHealth(c *gin.Context) {
	health, err := h.dlq.Health(c.Request.Context())
	if err != nil {
		c.String(http.StatusInternalServerError, "failed to read queue health")
		return
	}
	c.JSON(http.StatusOK, health)
}

// RetryDLQ claims up to limit due entries and replays them.
func (h *AlertHandler) RetryDLQ(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	result, err := h.dlq.RetryBatch(c.Request.Context(), limit)
	if err != nil {
		c.String(http.StatusInternalServerError, "retry batch failed")
		return
	}
	c.JSON(http.StatusOK, result)
}

// Metrics returns per-endpoint failure counts over the trailing N days.
func (h *AlertHandler) Metrics(c *gin.Context) {
	days := 7
	if d := c.Query("days"); d != "" {
		if n, err := strconv.Atoi(d); err == nil && n > 0 && n <= 90 {
			days = n
		}
	}

	counts, err := h.store.Attempts.FailureCounts(c.Request.Context(), days)
	if err != nil {
		c.String(http.StatusInternalServerError, "failed to compute metrics")
		return
	}

	if counts == nil {
		c.Data(http.StatusOK, "application/json", []byte("[]"))
		return
	}
	c.JSON(http.StatusOK, counts)
}
