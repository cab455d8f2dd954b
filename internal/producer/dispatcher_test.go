package producer

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leaflab/leaflab/internal/broker"
	"github.com/leaflab/leaflab/internal/config"
	"github.com/leaflab/leaflab/internal/domain"
	"github.com/leaflab/leaflab/internal/store"
)

func testDispatcher(t *testing.T) (*Dispatcher, *store.Memory, *broker.Memory) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	jobs := store.NewMemory()
	b := broker.NewMemory()
	routes := NewRoutes(config.QueuesConfig{
		Methods: map[string]string{"grabcut": "leaf-jobs"},
		Default: "leaf-jobs",
	}, logger)
	return NewDispatcher(jobs, b, routes, 3, logger), jobs, b
}

func createJob(t *testing.T, jobs *store.Memory, id string) *domain.Job {
	t.Helper()
	job := &domain.Job{
		ID:      id,
		Owner:   "alice",
		FileKey: "uploads/alice/leaf.png",
		Params: domain.Params{
			Method: "grabcut",
			Gamma:  1.0,
			Repeat: 1,
		},
		Status:    domain.JobStatusQueued,
		CreatedAt: time.Now(),
	}
	require.NoError(t, jobs.CreateJob(context.Background(), job))
	return job
}

func TestDispatcher_Enqueue(t *testing.T) {
	ctx := context.Background()
	d, jobs, b := testDispatcher(t)
	job := createJob(t, jobs, "job-1")

	messageID, err := d.Enqueue(ctx, job)
	require.NoError(t, err)
	assert.NotEmpty(t, messageID)

	msgs, err := b.Peek(ctx, "leaf-jobs", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	env, err := domain.DecodeEnvelope(msgs[0].Body)
	require.NoError(t, err)
	assert.Equal(t, "job-1", env.JobID)
	assert.Equal(t, "alice", env.Owner)
	assert.Equal(t, "leaf-jobs", env.Queue)
	assert.Equal(t, "grabcut", env.Method)
	assert.NotEmpty(t, env.CorrelationID)
}

func TestDispatcher_StartResetsAndPublishes(t *testing.T) {
	ctx := context.Background()
	d, jobs, b := testDispatcher(t)
	createJob(t, jobs, "job-1")

	// Fail once so the reset has something to clear.
	_, err := jobs.Claim(ctx, "job-1")
	require.NoError(t, err)
	_, _, err = jobs.MarkFailed(ctx, "job-1", "boom", 3)
	require.NoError(t, err)

	job, messageID, err := d.Start(ctx, "job-1")
	require.NoError(t, err)
	assert.NotEmpty(t, messageID)
	assert.Equal(t, domain.JobStatusQueued, job.Status)
	assert.Nil(t, job.FailureReason)
	// Operator retries share the worker budget.
	assert.Equal(t, 1, job.FailureCount)

	msgs, err := b.Peek(ctx, "leaf-jobs", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	env, err := domain.DecodeEnvelope(msgs[0].Body)
	require.NoError(t, err)
	assert.Equal(t, 1, env.FailureCount)
}

func TestDispatcher_StartRejectsBlockedJob(t *testing.T) {
	ctx := context.Background()
	d, jobs, b := testDispatcher(t)
	createJob(t, jobs, "job-1")

	for i := 0; i < 3; i++ {
		_, err := jobs.Claim(ctx, "job-1")
		require.NoError(t, err)
		_, _, err = jobs.MarkFailed(ctx, "job-1", "boom", 3)
		require.NoError(t, err)
	}

	_, _, err := d.Start(ctx, "job-1")
	assert.ErrorIs(t, err, domain.ErrJobBlocked)

	// Nothing published for the rejected start.
	msgs, err := b.Peek(ctx, "leaf-jobs", 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestDispatcher_StartRejectsRunningJob(t *testing.T) {
	ctx := context.Background()
	d, jobs, _ := testDispatcher(t)
	createJob(t, jobs, "job-1")

	_, err := jobs.Claim(ctx, "job-1")
	require.NoError(t, err)

	_, _, err = d.Start(ctx, "job-1")
	assert.ErrorIs(t, err, domain.ErrJobRunning)
}
