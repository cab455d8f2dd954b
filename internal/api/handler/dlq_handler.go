package handler

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/leaflab/leaflab/internal/api/dto"
)

const defaultDLQListMax = 10

// ListDLQ handles GET /api/v1/dlq/:queue
// Returns up to max parked messages without consuming them.
func (h *DLQHandler) ListDLQ(c *gin.Context) {
	queue := c.Param("queue")
	if !h.routes.Known(queue) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown queue: " + queue})
		return
	}

	max := defaultDLQListMax
	if raw := c.Query("max"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 100 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "max must be between 1 and 100"})
			return
		}
		max = n
	}

	views, err := h.dlq.List(c.Request.Context(), queue, max)
	if err != nil {
		respondError(c, h.logger, "list dlq", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"queue":    queue,
		"messages": views,
	})
}

// RequeueDLQ handles POST /api/v1/dlq/:queue/requeue
// Moves the oldest dead-lettered message back onto its primary queue.
func (h *DLQHandler) RequeueDLQ(c *gin.Context) {
	queue := c.Param("queue")
	if !h.routes.Known(queue) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown queue: " + queue})
		return
	}

	view, err := h.dlq.Requeue(c.Request.Context(), queue)
	if err != nil {
		respondError(c, h.logger, "requeue dlq message", err)
		return
	}

	h.logger.Info("DLQ requeue requested",
		slog.String("queue", queue),
		slog.String("job_id", view.JobID),
	)
	c.JSON(http.StatusOK, view)
}

// DiscardDLQ handles POST /api/v1/dlq/:queue/discard
// Permanently removes the oldest dead-lettered message.
func (h *DLQHandler) DiscardDLQ(c *gin.Context) {
	queue := c.Param("queue")
	if !h.routes.Known(queue) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown queue: " + queue})
		return
	}

	view, err := h.dlq.Discard(c.Request.Context(), queue)
	if err != nil {
		respondError(c, h.logger, "discard dlq message", err)
		return
	}

	h.logger.Info("DLQ discard requested",
		slog.String("queue", queue),
		slog.String("job_id", view.JobID),
	)
	c.JSON(http.StatusOK, view)
}

// QueueStats handles GET /api/v1/stats
// Best-effort approximate counts per queue and paired DLQ.
func (h *DLQHandler) QueueStats(c *gin.Context) {
	queues := h.routes.Queues()
	stats := make([]dto.QueueStatsDTO, 0, len(queues)*2)
	for _, q := range queues {
		for _, name := range []string{q, h.routes.DLQ(q)} {
			s, err := h.broker.Stats(c.Request.Context(), name)
			if err != nil {
				h.logger.Warn("Queue stats unavailable",
					slog.String("queue", name),
					slog.String("error", err.Error()),
				)
				continue
			}
			stats = append(stats, dto.QueueStatsDTO{
				Queue:    name,
				Visible:  s.Visible,
				InFlight: s.InFlight,
			})
		}
	}
	c.JSON(http.StatusOK, gin.H{"queues": stats})
}
