package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/leaflab/leaflab/internal/domain"
)

// Memory is an in-process JobStore with the same conditional-update
// semantics as the Postgres implementation. It backs tests and local runs
// without a database.
type Memory struct {
	mu      sync.Mutex
	jobs    map[string]*domain.Job
	results map[string]*domain.Result
}

// NewMemory creates an empty in-memory job store.
func NewMemory() *Memory {
	return &Memory{
		jobs:    make(map[string]*domain.Job),
		results: make(map[string]*domain.Result),
	}
}

func (s *Memory) CreateJob(_ context.Context, job *domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := *job
	s.jobs[job.ID] = &clone
	return nil
}

func (s *Memory) GetJob(_ context.Context, jobID string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	clone := *job
	return &clone, nil
}

func (s *Memory) ListJobs(_ context.Context, filter JobFilter) ([]domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var jobs []domain.Job
	for _, job := range s.jobs {
		if filter.Owner != "" && job.Owner != filter.Owner {
			continue
		}
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		if filter.Cursor != nil {
			if !job.CreatedAt.Before(filter.Cursor.CreatedAt) &&
				!(job.CreatedAt.Equal(filter.Cursor.CreatedAt) && job.ID < filter.Cursor.JobID) {
				continue
			}
		}
		jobs = append(jobs, *job)
	}

	sort.Slice(jobs, func(i, j int) bool {
		if !jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
		}
		return jobs[i].ID > jobs[j].ID
	})

	if filter.PageSize > 0 && len(jobs) > filter.PageSize+1 {
		jobs = jobs[:filter.PageSize+1]
	}
	return jobs, nil
}

func (s *Memory) DeleteJob(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return domain.ErrJobNotFound
	}
	if job.Status == domain.JobStatusRunning {
		return domain.ErrJobRunning
	}
	delete(s.jobs, jobID)
	return nil
}

func (s *Memory) ResetForStart(_ context.Context, jobID string, maxFailures int) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	if job.Status == domain.JobStatusErrorDLQ || job.FailureCount >= maxFailures {
		return nil, domain.ErrJobBlocked
	}
	if job.Status == domain.JobStatusRunning {
		return nil, domain.ErrJobRunning
	}
	if !job.Retryable() {
		return nil, domain.ErrConflict
	}

	job.Status = domain.JobStatusQueued
	job.StartedAt = nil
	job.FinishedAt = nil
	job.ResultID = nil
	job.FailureReason = nil

	clone := *job
	return &clone, nil
}

func (s *Memory) Claim(_ context.Context, jobID string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	if !job.Retryable() {
		return nil, domain.ErrStaleClaim
	}

	now := time.Now()
	job.Status = domain.JobStatusRunning
	job.StartedAt = &now

	clone := *job
	return &clone, nil
}

func (s *Memory) MarkSucceeded(_ context.Context, jobID string, result *domain.Result) (*domain.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}

	stored := *result
	if stored.ID == "" {
		stored.ID = uuid.New().String()
	}
	stored.CreatedAt = time.Now()
	s.results[stored.ID] = &stored

	now := time.Now()
	job.Status = domain.JobStatusDone
	job.ResultID = &stored.ID
	job.FinishedAt = &now
	job.FailureCount = 0
	job.FailureReason = nil

	clone := stored
	return &clone, nil
}

func (s *Memory) MarkFailed(_ context.Context, jobID, reason string, maxFailures int) (string, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return "", 0, domain.ErrJobNotFound
	}

	job.FailureCount++
	truncated := domain.TruncateReason(reason)
	job.FailureReason = &truncated
	now := time.Now()
	job.FinishedAt = &now
	if job.FailureCount >= maxFailures {
		job.Status = domain.JobStatusErrorDLQ
	} else {
		job.Status = domain.JobStatusError
	}
	return job.Status, job.FailureCount, nil
}

func (s *Memory) ResetForRequeue(_ context.Context, jobID string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	if job.Status == domain.JobStatusRunning {
		return nil, domain.ErrJobRunning
	}

	job.Status = domain.JobStatusQueued
	job.StartedAt = nil
	job.FinishedAt = nil
	job.ResultID = nil
	job.FailureCount = 0
	job.FailureReason = nil

	clone := *job
	return &clone, nil
}

func (s *Memory) Discard(_ context.Context, jobID string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	if job.Status == domain.JobStatusRunning {
		return nil, domain.ErrJobRunning
	}

	job.Status = domain.JobStatusErrorDLQ
	if job.FinishedAt == nil {
		job.FinishedAt = job.StartedAt
	}
	if job.FailureReason == nil {
		reason := domain.DiscardedReason
		job.FailureReason = &reason
	}

	clone := *job
	return &clone, nil
}

func (s *Memory) GetResult(_ context.Context, resultID string) (*domain.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, ok := s.results[resultID]
	if !ok {
		return nil, domain.ErrResultNotFound
	}
	clone := *result
	return &clone, nil
}
