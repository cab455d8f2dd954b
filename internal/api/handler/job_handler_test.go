package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leaflab/leaflab/internal/api/dto"
	"github.com/leaflab/leaflab/internal/blob"
	"github.com/leaflab/leaflab/internal/broker"
	"github.com/leaflab/leaflab/internal/config"
	"github.com/leaflab/leaflab/internal/dlqadmin"
	"github.com/leaflab/leaflab/internal/domain"
	"github.com/leaflab/leaflab/internal/producer"
	"github.com/leaflab/leaflab/internal/store"
)

type testEnv struct {
	router *gin.Engine
	store  *store.Memory
	broker *broker.Memory
	blobs  *blob.Memory
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	jobs := store.NewMemory()
	b := broker.NewMemory()
	blobs := blob.NewMemory()
	routes := producer.NewRoutes(config.QueuesConfig{
		Methods: map[string]string{"grabcut": "leaf-jobs"},
		Default: "leaf-jobs",
	}, logger)
	dispatcher := producer.NewDispatcher(jobs, b, routes, 3, logger)
	dlqService := dlqadmin.NewService(b, jobs, routes, logger)

	deps := &Dependencies{
		Logger:     logger,
		Store:      jobs,
		Blobs:      blobs,
		Broker:     b,
		Dispatcher: dispatcher,
		DLQ:        dlqService,
	}

	r := gin.New()
	jobHandler := NewJobHandler(deps)
	dlqHandler := NewDLQHandler(deps)

	v1 := r.Group("/api/v1")
	jobsGroup := v1.Group("/jobs")
	jobsGroup.POST("", jobHandler.CreateJob)
	jobsGroup.GET("", jobHandler.ListJobs)
	jobsGroup.GET("/:job_id", jobHandler.GetJob)
	jobsGroup.POST("/:job_id/start", jobHandler.StartJob)
	jobsGroup.DELETE("/:job_id", jobHandler.DeleteJob)
	jobsGroup.GET("/:job_id/result", jobHandler.GetResult)
	files := v1.Group("/files")
	files.PUT("/*file_key", jobHandler.UploadFile)
	files.GET("/*file_key", jobHandler.DownloadFile)
	dlq := v1.Group("/dlq")
	dlq.GET("/:queue", dlqHandler.ListDLQ)
	dlq.POST("/:queue/requeue", dlqHandler.RequeueDLQ)
	dlq.POST("/:queue/discard", dlqHandler.DiscardDLQ)
	v1.GET("/stats", dlqHandler.QueueStats)

	return &testEnv{router: r, store: jobs, broker: b, blobs: blobs}
}

func (e *testEnv) do(t *testing.T, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) createJob(t *testing.T) dto.JobDTO {
	t.Helper()
	body := []byte(`{"owner":"alice","file_key":"uploads/alice/leaf.png","method":"grabcut","gamma":1.2,"repeat":2}`)
	w := e.do(t, http.MethodPost, "/api/v1/jobs", body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var job dto.JobDTO
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &job))
	return job
}

func TestCreateJob(t *testing.T) {
	e := newTestEnv(t)
	job := e.createJob(t)

	assert.NotEmpty(t, job.JobID)
	assert.Equal(t, "alice", job.Owner)
	assert.Equal(t, "grabcut", job.Method)
	assert.Equal(t, 1.2, job.Gamma)
	assert.Equal(t, 2, job.Repeat)
	assert.Equal(t, domain.JobStatusQueued, job.Status)

	// Creation does not publish anything.
	stats, err := e.broker.Stats(context.Background(), "leaf-jobs")
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Visible+stats.InFlight)
}

func TestCreateJob_Validation(t *testing.T) {
	e := newTestEnv(t)

	tests := []struct {
		name string
		body string
	}{
		{"missing owner", `{"file_key":"k","method":"grabcut"}`},
		{"missing file_key", `{"owner":"alice","method":"grabcut"}`},
		{"missing method", `{"owner":"alice","file_key":"k"}`},
		{"negative gamma", `{"owner":"alice","file_key":"k","method":"grabcut","gamma":-1}`},
		{"repeat too large", `{"owner":"alice","file_key":"k","method":"grabcut","repeat":100}`},
		{"not json", `{{`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := e.do(t, http.MethodPost, "/api/v1/jobs", []byte(tt.body))
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestGetJob(t *testing.T) {
	e := newTestEnv(t)
	job := e.createJob(t)

	w := e.do(t, http.MethodGet, "/api/v1/jobs/"+job.JobID, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var got dto.JobDTO
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, job.JobID, got.JobID)

	w = e.do(t, http.MethodGet, "/api/v1/jobs/"+uuid.New().String(), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = e.do(t, http.MethodGet, "/api/v1/jobs/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStartJob(t *testing.T) {
	e := newTestEnv(t)
	job := e.createJob(t)

	w := e.do(t, http.MethodPost, "/api/v1/jobs/"+job.JobID+"/start", nil)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var resp dto.StartJobResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.MessageID)
	assert.Equal(t, domain.JobStatusQueued, resp.Job.Status)

	msgs, err := e.broker.Peek(context.Background(), "leaf-jobs", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	env, err := domain.DecodeEnvelope(msgs[0].Body)
	require.NoError(t, err)
	assert.Equal(t, job.JobID, env.JobID)
}

func TestStartJob_Conflicts(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)
	job := e.createJob(t)

	// Running jobs cannot be restarted.
	_, err := e.store.Claim(ctx, job.JobID)
	require.NoError(t, err)
	w := e.do(t, http.MethodPost, "/api/v1/jobs/"+job.JobID+"/start", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	// Neither can blocked ones.
	for i := 0; i < 3; i++ {
		_, _, err = e.store.MarkFailed(ctx, job.JobID, "boom", 3)
		require.NoError(t, err)
	}
	w = e.do(t, http.MethodPost, "/api/v1/jobs/"+job.JobID+"/start", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestDeleteJob(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)
	job := e.createJob(t)

	// Running jobs cannot be deleted.
	_, err := e.store.Claim(ctx, job.JobID)
	require.NoError(t, err)
	w := e.do(t, http.MethodDelete, "/api/v1/jobs/"+job.JobID, nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	_, _, err = e.store.MarkFailed(ctx, job.JobID, "boom", 3)
	require.NoError(t, err)
	w = e.do(t, http.MethodDelete, "/api/v1/jobs/"+job.JobID, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = e.do(t, http.MethodGet, "/api/v1/jobs/"+job.JobID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListJobs(t *testing.T) {
	e := newTestEnv(t)
	for i := 0; i < 3; i++ {
		e.createJob(t)
	}

	w := e.do(t, http.MethodGet, "/api/v1/jobs?owner=alice&page_size=2", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp dto.ListJobsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Jobs, 2)
	assert.NotEmpty(t, resp.NextCursor)

	w = e.do(t, http.MethodGet, "/api/v1/jobs?owner=alice&page_size=2&cursor="+resp.NextCursor, nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp = dto.ListJobsResponse{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Jobs, 1)
	assert.Empty(t, resp.NextCursor)

	w = e.do(t, http.MethodGet, "/api/v1/jobs?status=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetResult(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)
	job := e.createJob(t)

	// No result yet.
	w := e.do(t, http.MethodGet, "/api/v1/jobs/"+job.JobID+"/result", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	_, err := e.store.Claim(ctx, job.JobID)
	require.NoError(t, err)
	_, err = e.store.MarkSucceeded(ctx, job.JobID, &domain.Result{
		Summary:     domain.Summary{"leaf": map[string]any{"coverage_pct": 42.5}},
		PreviewKey:  "results/alice/" + job.JobID + "/preview.png",
		PreviewMime: "image/png",
	})
	require.NoError(t, err)

	w = e.do(t, http.MethodGet, "/api/v1/jobs/"+job.JobID+"/result", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var res dto.ResultDTO
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, "image/png", res.PreviewMime)
	leaf, ok := res.Summary["leaf"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 42.5, leaf["coverage_pct"])
}

func TestFileUploadDownload(t *testing.T) {
	e := newTestEnv(t)

	req := httptest.NewRequest(http.MethodPut, "/api/v1/files/uploads/alice/leaf.png", bytes.NewReader([]byte("image-bytes")))
	req.Header.Set("Content-Type", "image/png")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "uploads/alice/leaf.png", resp["file_key"])
	assert.Equal(t, float64(len("image-bytes")), resp["size"])

	w = e.do(t, http.MethodGet, "/api/v1/files/uploads/alice/leaf.png", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image-bytes", w.Body.String())
	assert.Equal(t, "image/png", w.Header().Get("Content-Type"))

	w = e.do(t, http.MethodGet, "/api/v1/files/uploads/alice/missing.png", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDLQEndpoints(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)

	// Unknown queue.
	w := e.do(t, http.MethodGet, "/api/v1/dlq/other", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	// Empty DLQ: list is empty, requeue and discard are 404.
	w = e.do(t, http.MethodGet, "/api/v1/dlq/leaf-jobs", nil)
	require.Equal(t, http.StatusOK, w.Code)
	w = e.do(t, http.MethodPost, "/api/v1/dlq/leaf-jobs/requeue", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = e.do(t, http.MethodPost, "/api/v1/dlq/leaf-jobs/discard", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	// Park a dead-lettered job on the DLQ.
	job := e.createJob(t)
	_, err := e.store.Claim(ctx, job.JobID)
	require.NoError(t, err)
	_, _, err = e.store.MarkFailed(ctx, job.JobID, "boom", 1)
	require.NoError(t, err)
	full, err := e.store.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	env := domain.NewEnvelope(full, "leaf-jobs", "corr-1")
	body, err := env.Encode()
	require.NoError(t, err)
	_, err = e.broker.Send(ctx, "leaf-jobs-dlq", body)
	require.NoError(t, err)

	w = e.do(t, http.MethodGet, "/api/v1/dlq/leaf-jobs", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Queue    string                `json:"queue"`
		Messages []dlqadmin.MessageView `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list.Messages, 1)
	assert.Equal(t, job.JobID, list.Messages[0].JobID)

	w = e.do(t, http.MethodPost, "/api/v1/dlq/leaf-jobs/requeue", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	got, err := e.store.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusQueued, got.Status)
	assert.Equal(t, 0, got.FailureCount)
}

func TestQueueStats(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)

	_, err := e.broker.Send(ctx, "leaf-jobs", []byte(`{"job_id":"x"}`))
	require.NoError(t, err)

	w := e.do(t, http.MethodGet, "/api/v1/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Queues []dto.QueueStatsDTO `json:"queues"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Queues)

	var found bool
	for _, q := range resp.Queues {
		if q.Queue == "leaf-jobs" {
			found = true
			assert.Equal(t, 1, q.Visible)
		}
	}
	assert.True(t, found)
}
