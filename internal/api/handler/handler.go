package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/leaflab/leaflab/internal/api/dto"
	"github.com/leaflab/leaflab/internal/blob"
	"github.com/leaflab/leaflab/internal/broker"
	"github.com/leaflab/leaflab/internal/dlqadmin"
	"github.com/leaflab/leaflab/internal/domain"
	"github.com/leaflab/leaflab/internal/producer"
	"github.com/leaflab/leaflab/internal/store"
)

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger     *slog.Logger
	Store      store.JobStore
	Blobs      blob.Store
	Broker     broker.Broker
	Dispatcher *producer.Dispatcher
	DLQ        *dlqadmin.Service
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger     *slog.Logger
	store      store.JobStore
	blobs      blob.Store
	dispatcher *producer.Dispatcher
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger:     deps.Logger,
		store:      deps.Store,
		blobs:      deps.Blobs,
		dispatcher: deps.Dispatcher,
	}
}

// DLQHandler handles dead-letter administration requests
type DLQHandler struct {
	logger *slog.Logger
	dlq    *dlqadmin.Service
	broker broker.Broker
	routes *producer.Routes
}

// NewDLQHandler creates a new DLQHandler instance
func NewDLQHandler(deps *Dependencies) *DLQHandler {
	return &DLQHandler{
		logger: deps.Logger,
		dlq:    deps.DLQ,
		broker: deps.Broker,
		routes: deps.Dispatcher.Routes(),
	}
}

// respondError maps domain errors onto HTTP statuses.
func respondError(c *gin.Context, logger *slog.Logger, action string, err error) {
	switch {
	case errors.Is(err, domain.ErrJobNotFound),
		errors.Is(err, domain.ErrResultNotFound),
		errors.Is(err, domain.ErrQueueEmpty),
		errors.Is(err, blob.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrJobBlocked),
		errors.Is(err, domain.ErrJobRunning),
		errors.Is(err, domain.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrNoQueueConfigured),
		errors.Is(err, domain.ErrInvalidEnvelope):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	default:
		logger.Error("Request failed",
			slog.String("action", action),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to " + action})
	}
}

func toJobDTO(job *domain.Job) dto.JobDTO {
	d := dto.JobDTO{
		JobID:         job.ID,
		Owner:         job.Owner,
		FileKey:       job.FileKey,
		Method:        job.Params.Method,
		WhiteBalance:  job.Params.WhiteBalance,
		Gamma:         job.Params.Gamma,
		Repeat:        job.Params.Repeat,
		Status:        job.Status,
		ResultID:      job.ResultID,
		FailureCount:  job.FailureCount,
		FailureReason: job.FailureReason,
		CreatedAt:     job.CreatedAt.Format(time.RFC3339),
	}
	if job.StartedAt != nil {
		s := job.StartedAt.Format(time.RFC3339)
		d.StartedAt = &s
	}
	if job.FinishedAt != nil {
		s := job.FinishedAt.Format(time.RFC3339)
		d.FinishedAt = &s
	}
	return d
}

func toResultDTO(res *domain.Result) dto.ResultDTO {
	return dto.ResultDTO{
		ResultID:        res.ID,
		Summary:         res.Summary,
		PreviewKey:      res.PreviewKey,
		PreviewMime:     res.PreviewMime,
		PreviewSize:     res.PreviewSize,
		PreviewChecksum: res.PreviewChecksum,
		Logs:            res.Logs,
		CreatedAt:       res.CreatedAt.Format(time.RFC3339),
	}
}
