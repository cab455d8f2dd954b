package store

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leaflab/leaflab/internal/domain"
)

const maxFailures = 3

func newQueuedJob(t *testing.T, s *Memory, id string) *domain.Job {
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
	require.NoError(t, s.CreateJob(context.Background(), job))
	return job
}

func TestMemory_ClaimTransitions(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	newQueuedJob(t, s, "job-1")

	claimed, err := s.Claim(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusRunning, claimed.Status)
	require.NotNil(t, claimed.StartedAt)

	// A second claim of the same job loses.
	_, err = s.Claim(ctx, "job-1")
	assert.ErrorIs(t, err, domain.ErrStaleClaim)

	_, err = s.Claim(ctx, "no-such-job")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestMemory_ConcurrentClaimsSingleWinner(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	newQueuedJob(t, s, "job-1")

	const claimers = 8
	results := make(chan error, claimers)
	var start sync.WaitGroup
	start.Add(1)
	for i := 0; i < claimers; i++ {
		go func() {
			start.Wait()
			_, err := s.Claim(ctx, "job-1")
			results <- err
		}()
	}
	start.Done()

	var won, lost int
	for i := 0; i < claimers; i++ {
		switch err := <-results; {
		case err == nil:
			won++
		case errors.Is(err, domain.ErrStaleClaim):
			lost++
		default:
			t.Fatalf("unexpected claim error: %v", err)
		}
	}
	assert.Equal(t, 1, won)
	assert.Equal(t, claimers-1, lost)

	job, err := s.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusRunning, job.Status)
}

func TestMemory_FailureAccounting(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	newQueuedJob(t, s, "job-1")

	// Two failures stay retryable, the third exhausts the budget.
	for want := 1; want <= maxFailures; want++ {
		_, err := s.Claim(ctx, "job-1")
		require.NoError(t, err)

		status, count, err := s.MarkFailed(ctx, "job-1", "boom", maxFailures)
		require.NoError(t, err)
		assert.Equal(t, want, count)
		if want < maxFailures {
			assert.Equal(t, domain.JobStatusError, status)
		} else {
			assert.Equal(t, domain.JobStatusErrorDLQ, status)
		}
	}

	// Blocked: neither claim nor start may proceed.
	_, err := s.Claim(ctx, "job-1")
	assert.ErrorIs(t, err, domain.ErrStaleClaim)
	_, err = s.ResetForStart(ctx, "job-1", maxFailures)
	assert.ErrorIs(t, err, domain.ErrJobBlocked)
}

func TestMemory_MarkFailedTruncatesReason(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	newQueuedJob(t, s, "job-1")

	long := strings.Repeat("z", domain.MaxFailureReasonLen*2)
	_, _, err := s.MarkFailed(ctx, "job-1", long, maxFailures)
	require.NoError(t, err)

	job, err := s.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.NotNil(t, job.FailureReason)
	assert.Len(t, *job.FailureReason, domain.MaxFailureReasonLen)
}

func TestMemory_ResetForStartPreservesFailureCount(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	newQueuedJob(t, s, "job-1")

	_, err := s.Claim(ctx, "job-1")
	require.NoError(t, err)
	_, _, err = s.MarkFailed(ctx, "job-1", "boom", maxFailures)
	require.NoError(t, err)

	job, err := s.ResetForStart(ctx, "job-1", maxFailures)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusQueued, job.Status)
	assert.Equal(t, 1, job.FailureCount)
	assert.Nil(t, job.FailureReason)
	assert.Nil(t, job.StartedAt)
	assert.Nil(t, job.FinishedAt)
}

func TestMemory_ResetForStartRejectsRunningAndDone(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	newQueuedJob(t, s, "job-1")

	_, err := s.Claim(ctx, "job-1")
	require.NoError(t, err)
	_, err = s.ResetForStart(ctx, "job-1", maxFailures)
	assert.ErrorIs(t, err, domain.ErrJobRunning)

	_, err = s.MarkSucceeded(ctx, "job-1", &domain.Result{Summary: domain.Summary{}})
	require.NoError(t, err)
	_, err = s.ResetForStart(ctx, "job-1", maxFailures)
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestMemory_MarkSucceededClearsFailureState(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	newQueuedJob(t, s, "job-1")

	_, err := s.Claim(ctx, "job-1")
	require.NoError(t, err)
	_, _, err = s.MarkFailed(ctx, "job-1", "transient", maxFailures)
	require.NoError(t, err)
	_, err = s.Claim(ctx, "job-1")
	require.NoError(t, err)

	res, err := s.MarkSucceeded(ctx, "job-1", &domain.Result{
		Summary:    domain.Summary{"leaf": map[string]any{"coverage_pct": 42.5}},
		PreviewKey: "results/alice/job-1/preview.png",
	})
	require.NoError(t, err)
	require.NotEmpty(t, res.ID)

	job, err := s.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusDone, job.Status)
	require.NotNil(t, job.ResultID)
	assert.Equal(t, res.ID, *job.ResultID)
	assert.Equal(t, 0, job.FailureCount)
	assert.Nil(t, job.FailureReason)

	got, err := s.GetResult(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, "results/alice/job-1/preview.png", got.PreviewKey)
}

func TestMemory_ResetForRequeueZeroesFailures(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	newQueuedJob(t, s, "job-1")

	for i := 0; i < maxFailures; i++ {
		_, err := s.Claim(ctx, "job-1")
		require.NoError(t, err)
		_, _, err = s.MarkFailed(ctx, "job-1", "boom", maxFailures)
		require.NoError(t, err)
	}

	job, err := s.ResetForRequeue(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusQueued, job.Status)
	assert.Equal(t, 0, job.FailureCount)
	assert.Nil(t, job.FailureReason)

	// Requeued jobs are claimable again.
	_, err = s.Claim(ctx, "job-1")
	require.NoError(t, err)
}

func TestMemory_Discard(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	newQueuedJob(t, s, "job-1")

	job, err := s.Discard(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusErrorDLQ, job.Status)
	require.NotNil(t, job.FailureReason)
	assert.Equal(t, domain.DiscardedReason, *job.FailureReason)

	// A discarded job's own reason is kept.
	newQueuedJob(t, s, "job-2")
	_, _, err = s.MarkFailed(ctx, "job-2", "decode failed", maxFailures)
	require.NoError(t, err)
	job, err = s.Discard(ctx, "job-2")
	require.NoError(t, err)
	assert.Equal(t, "decode failed", *job.FailureReason)
}

func TestMemory_DeleteJobRejectsRunning(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	newQueuedJob(t, s, "job-1")

	_, err := s.Claim(ctx, "job-1")
	require.NoError(t, err)
	err = s.DeleteJob(ctx, "job-1")
	assert.ErrorIs(t, err, domain.ErrJobRunning)

	_, _, err = s.MarkFailed(ctx, "job-1", "boom", maxFailures)
	require.NoError(t, err)
	require.NoError(t, s.DeleteJob(ctx, "job-1"))

	_, err = s.GetJob(ctx, "job-1")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestMemory_ListJobsFilterAndPagination(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	base := time.Now()
	for i := 0; i < 5; i++ {
		job := &domain.Job{
			ID:        string(rune('a'+i)) + "-job",
			Owner:     "alice",
			Status:    domain.JobStatusQueued,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}
		if i == 4 {
			job.Owner = "bob"
		}
		require.NoError(t, s.CreateJob(ctx, job))
	}

	jobs, err := s.ListJobs(ctx, JobFilter{Owner: "alice", PageSize: 2})
	require.NoError(t, err)
	require.Len(t, jobs, 3) // page + 1 signals more

	// Newest first.
	assert.True(t, jobs[0].CreatedAt.After(jobs[1].CreatedAt))

	next, err := s.ListJobs(ctx, JobFilter{
		Owner:    "alice",
		PageSize: 2,
		Cursor:   &Cursor{CreatedAt: jobs[1].CreatedAt, JobID: jobs[1].ID},
	})
	require.NoError(t, err)
	require.Len(t, next, 2)
	assert.True(t, next[0].CreatedAt.Before(jobs[1].CreatedAt))
}
