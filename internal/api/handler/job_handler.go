package handler

import (
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/leaflab/leaflab/internal/api/dto"
	"github.com/leaflab/leaflab/internal/domain"
	"github.com/leaflab/leaflab/internal/store"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
	maxRepeat       = 64
	maxUploadBytes  = 32 << 20
)

var validStatuses = map[string]struct{}{
	domain.JobStatusQueued:   {},
	domain.JobStatusRunning:  {},
	domain.JobStatusDone:     {},
	domain.JobStatusError:    {},
	domain.JobStatusErrorDLQ: {},
}

// CreateJob handles POST /api/v1/jobs
// Creates a new job record in queued state. Nothing is published until the
// job is started.
func (h *JobHandler) CreateJob(c *gin.Context) {
	var req dto.CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	if req.Gamma == 0 {
		req.Gamma = 1.0
	}
	if req.Repeat == 0 {
		req.Repeat = 1
	}
	if req.Gamma <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "gamma must be > 0"})
		return
	}
	if req.Repeat < 1 || req.Repeat > maxRepeat {
		c.JSON(http.StatusBadRequest, gin.H{"error": "repeat must be between 1 and 64"})
		return
	}

	job := domain.Job{
		ID:      uuid.New().String(),
		Owner:   req.Owner,
		FileKey: req.FileKey,
		Params: domain.Params{
			Method:       req.Method,
			WhiteBalance: req.WhiteBalance,
			Gamma:        req.Gamma,
			Repeat:       req.Repeat,
		},
		Status:    domain.JobStatusQueued,
		CreatedAt: time.Now(),
	}

	if err := h.store.CreateJob(c.Request.Context(), &job); err != nil {
		respondError(c, h.logger, "create job", err)
		return
	}

	h.logger.Info("Job created",
		slog.String("job_id", job.ID),
		slog.String("owner", job.Owner),
		slog.String("method", job.Params.Method),
	)
	c.JSON(http.StatusCreated, toJobDTO(&job))
}

// GetJob handles GET /api/v1/jobs/:job_id
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return
	}

	job, err := h.store.GetJob(c.Request.Context(), jobID)
	if err != nil {
		respondError(c, h.logger, "get job", err)
		return
	}

	c.JSON(http.StatusOK, toJobDTO(job))
}

// ListJobs handles GET /api/v1/jobs
// Lists jobs with optional filtering and keyset pagination
func (h *JobHandler) ListJobs(c *gin.Context) {
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = defaultPageSize
	}
	if req.PageSize > maxPageSize {
		req.PageSize = maxPageSize
	}
	if req.Status != "" {
		if _, ok := validStatuses[req.Status]; !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid status filter"})
			return
		}
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid cursor",
		})
		return
	}

	filter := store.JobFilter{
		Owner:    req.Owner,
		Status:   req.Status,
		PageSize: req.PageSize,
		Cursor:   cursor,
	}

	jobs, err := h.store.ListJobs(c.Request.Context(), filter)
	if err != nil {
		respondError(c, h.logger, "list jobs", err)
		return
	}

	hasMore := len(jobs) > req.PageSize
	if hasMore {
		jobs = jobs[:req.PageSize]
	}

	jobResponse := make([]dto.JobDTO, len(jobs))
	for i := range jobs {
		jobResponse[i] = toJobDTO(&jobs[i])
	}

	var nextCursor string
	if hasMore {
		last := jobs[len(jobs)-1]
		nextCursor = EncodeJobCursor(&store.Cursor{
			CreatedAt: last.CreatedAt,
			JobID:     last.ID,
		})
	}

	c.JSON(http.StatusOK, dto.ListJobsResponse{
		Jobs:       jobResponse,
		NextCursor: nextCursor,
	})
}

// StartJob handles POST /api/v1/jobs/:job_id/start
// Resets the job for a fresh attempt and publishes it to its queue.
func (h *JobHandler) StartJob(c *gin.Context) {
	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return
	}

	job, messageID, err := h.dispatcher.Start(c.Request.Context(), jobID)
	if err != nil {
		respondError(c, h.logger, "start job", err)
		return
	}

	c.JSON(http.StatusAccepted, dto.StartJobResponse{
		Job:       toJobDTO(job),
		MessageID: messageID,
	})
}

// DeleteJob handles DELETE /api/v1/jobs/:job_id
// Running jobs cannot be deleted.
func (h *JobHandler) DeleteJob(c *gin.Context) {
	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return
	}

	if err := h.store.DeleteJob(c.Request.Context(), jobID); err != nil {
		respondError(c, h.logger, "delete job", err)
		return
	}

	c.Status(http.StatusNoContent)
}

// GetResult handles GET /api/v1/jobs/:job_id/result
func (h *JobHandler) GetResult(c *gin.Context) {
	jobID := c.Param("job_id")

	job, err := h.store.GetJob(c.Request.Context(), jobID)
	if err != nil {
		respondError(c, h.logger, "get job", err)
		return
	}
	if job.ResultID == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "job has no result"})
		return
	}

	res, err := h.store.GetResult(c.Request.Context(), *job.ResultID)
	if err != nil {
		respondError(c, h.logger, "get result", err)
		return
	}

	c.JSON(http.StatusOK, toResultDTO(res))
}

// GetPreview handles GET /api/v1/jobs/:job_id/preview
// Streams the preview image of the job's current result.
func (h *JobHandler) GetPreview(c *gin.Context) {
	jobID := c.Param("job_id")

	job, err := h.store.GetJob(c.Request.Context(), jobID)
	if err != nil {
		respondError(c, h.logger, "get job", err)
		return
	}
	if job.ResultID == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "job has no result"})
		return
	}

	res, err := h.store.GetResult(c.Request.Context(), *job.ResultID)
	if err != nil {
		respondError(c, h.logger, "get result", err)
		return
	}

	data, err := h.blobs.Get(c.Request.Context(), res.PreviewKey)
	if err != nil {
		respondError(c, h.logger, "get preview", err)
		return
	}

	c.Data(http.StatusOK, res.PreviewMime, data)
}

// UploadFile handles PUT /api/v1/files/*file_key
// Stores the raw request body under the given key.
func (h *JobHandler) UploadFile(c *gin.Context) {
	key := fileKeyParam(c)
	if key == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file key is required"})
		return
	}

	data, err := io.ReadAll(io.LimitReader(c.Request.Body, maxUploadBytes+1))
	if err != nil {
		respondError(c, h.logger, "read upload", err)
		return
	}
	if len(data) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty body"})
		return
	}
	if len(data) > maxUploadBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file too large"})
		return
	}

	contentType := c.ContentType()
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	if err := h.blobs.Put(c.Request.Context(), key, data, contentType); err != nil {
		respondError(c, h.logger, "store file", err)
		return
	}

	meta, err := h.blobs.Head(c.Request.Context(), key)
	if err != nil {
		respondError(c, h.logger, "stat file", err)
		return
	}

	h.logger.Info("File uploaded",
		slog.String("file_key", key),
		slog.Int64("size", meta.Size),
	)
	c.JSON(http.StatusCreated, gin.H{
		"file_key":     key,
		"size":         meta.Size,
		"content_type": meta.ContentType,
		"checksum":     meta.Checksum,
	})
}

// DownloadFile handles GET /api/v1/files/*file_key
func (h *JobHandler) DownloadFile(c *gin.Context) {
	key := fileKeyParam(c)
	if key == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file key is required"})
		return
	}

	data, err := h.blobs.Get(c.Request.Context(), key)
	if err != nil {
		respondError(c, h.logger, "get file", err)
		return
	}
	meta, err := h.blobs.Head(c.Request.Context(), key)
	if err != nil {
		respondError(c, h.logger, "stat file", err)
		return
	}

	c.Data(http.StatusOK, meta.ContentType, data)
}

// fileKeyParam strips the leading slash gin keeps on wildcard params.
func fileKeyParam(c *gin.Context) string {
	key := c.Param("file_key")
	if len(key) > 0 && key[0] == '/' {
		key = key[1:]
	}
	return key
}
