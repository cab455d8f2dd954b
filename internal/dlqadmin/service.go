package dlqadmin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/leaflab/leaflab/internal/broker"
	"github.com/leaflab/leaflab/internal/domain"
	"github.com/leaflab/leaflab/internal/producer"
	"github.com/leaflab/leaflab/internal/store"
)

// popVisibility is how long a popped message stays hidden while a requeue or
// discard settles it. Long enough to publish and delete, short enough that a
// crashed admin call returns the message quickly.
const popVisibility = 30 * time.Second

// Service implements dead-letter queue administration: inspect, requeue,
// discard. All operations address the DLQ paired with a primary queue.
type Service struct {
	broker broker.Broker
	store  store.JobStore
	routes *producer.Routes
	logger *slog.Logger
}

// MessageView is a dead-letter message enriched with the job's recorded
// failure state where the job still exists.
type MessageView struct {
	MessageID     string           `json:"message_id"`
	JobID         string           `json:"job_id"`
	Owner         string           `json:"owner,omitempty"`
	Method        string           `json:"method,omitempty"`
	Queue         string           `json:"queue,omitempty"`
	Attempt       int              `json:"attempt"`
	SentAt        time.Time        `json:"sent_at"`
	Envelope      *domain.Envelope `json:"envelope,omitempty"`
	FailureCount  int              `json:"failure_count"`
	FailureReason *string          `json:"failure_reason,omitempty"`
}

// NewService creates a DLQ administration service
func NewService(b broker.Broker, s store.JobStore, routes *producer.Routes, logger *slog.Logger) *Service {
	return &Service{
		broker: b,
		store:  s,
		routes: routes,
		logger: logger,
	}
}

// List returns up to max messages currently parked on the DLQ of the given
// primary queue without consuming them. Repeated peeks may return the same
// message more than once, so results are deduplicated by message id.
func (s *Service) List(ctx context.Context, queue string, max int) ([]MessageView, error) {
	dlq := s.routes.DLQ(queue)
	msgs, err := s.broker.Peek(ctx, dlq, max)
	if err != nil {
		return nil, fmt.Errorf("peek %s: %w", dlq, err)
	}

	seen := make(map[string]struct{}, len(msgs))
	views := make([]MessageView, 0, len(msgs))
	for _, msg := range msgs {
		if _, ok := seen[msg.ID]; ok {
			continue
		}
		seen[msg.ID] = struct{}{}
		views = append(views, s.view(ctx, msg))
	}
	return views, nil
}

// Requeue moves the oldest available message from the DLQ back onto its
// primary queue and resets the job for a fresh run. The message is published
// to the primary queue before it is deleted from the DLQ: a crash in between
// duplicates the message, and the claim on the job suppresses the duplicate.
func (s *Service) Requeue(ctx context.Context, queue string) (*MessageView, error) {
	dlq := s.routes.DLQ(queue)
	msg, err := s.pop(ctx, dlq)
	if err != nil {
		return nil, err
	}

	env, err := domain.DecodeEnvelope(msg.Body)
	if err != nil {
		// Undecodable messages cannot be requeued, drop them from the DLQ.
		s.logger.Error("Discarding undecodable DLQ message",
			slog.String("dlq", dlq),
			slog.String("message_id", msg.ID),
			slog.Any("error", err),
		)
		if delErr := s.broker.Delete(ctx, dlq, msg.ReceiptHandle); delErr != nil {
			return nil, fmt.Errorf("delete undecodable message: %w", delErr)
		}
		return nil, fmt.Errorf("%w: %s", domain.ErrInvalidEnvelope, msg.ID)
	}

	job, err := s.store.ResetForRequeue(ctx, env.JobID)
	if err != nil {
		return nil, fmt.Errorf("reset job %s: %w", env.JobID, err)
	}

	fresh := domain.NewEnvelope(job, queue, uuid.New().String())
	body, err := fresh.Encode()
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	if _, err := s.broker.Send(ctx, queue, body); err != nil {
		return nil, fmt.Errorf("publish to %s: %w", queue, err)
	}
	if err := s.broker.Delete(ctx, dlq, msg.ReceiptHandle); err != nil {
		s.logger.Warn("Requeued message not deleted from DLQ, duplicate possible",
			slog.String("dlq", dlq),
			slog.String("job_id", env.JobID),
			slog.Any("error", err),
		)
	}

	s.logger.Info("DLQ message requeued",
		slog.String("queue", queue),
		slog.String("job_id", env.JobID),
		slog.String("correlation_id", fresh.CorrelationID),
	)
	view := s.view(ctx, msg)
	return &view, nil
}

// Discard removes the oldest available message from the DLQ for good and
// finalizes its job as a dead-letter failure.
func (s *Service) Discard(ctx context.Context, queue string) (*MessageView, error) {
	dlq := s.routes.DLQ(queue)
	msg, err := s.pop(ctx, dlq)
	if err != nil {
		return nil, err
	}

	view := s.view(ctx, msg)
	if env, decErr := domain.DecodeEnvelope(msg.Body); decErr == nil {
		if _, err := s.store.Discard(ctx, env.JobID); err != nil && !errors.Is(err, domain.ErrJobNotFound) {
			return nil, fmt.Errorf("discard job %s: %w", env.JobID, err)
		}
	}

	if err := s.broker.Delete(ctx, dlq, msg.ReceiptHandle); err != nil {
		return nil, fmt.Errorf("delete from %s: %w", dlq, err)
	}

	s.logger.Info("DLQ message discarded",
		slog.String("queue", queue),
		slog.String("message_id", msg.ID),
		slog.String("job_id", view.JobID),
	)
	return &view, nil
}

// pop receives a single message from the DLQ with a short visibility window.
func (s *Service) pop(ctx context.Context, dlq string) (broker.Message, error) {
	msgs, err := s.broker.Receive(ctx, dlq, 1, 0, popVisibility)
	if err != nil {
		return broker.Message{}, fmt.Errorf("receive from %s: %w", dlq, err)
	}
	if len(msgs) == 0 {
		return broker.Message{}, fmt.Errorf("%w: %s", domain.ErrQueueEmpty, dlq)
	}
	return msgs[0], nil
}

func (s *Service) view(ctx context.Context, msg broker.Message) MessageView {
	v := MessageView{
		MessageID: msg.ID,
		Attempt:   msg.Attempt,
		SentAt:    msg.SentAt,
	}
	env, err := domain.DecodeEnvelope(msg.Body)
	if err != nil {
		return v
	}
	v.JobID = env.JobID
	v.Owner = env.Owner
	v.Method = env.Method
	v.Queue = env.Queue
	v.Envelope = env

	// Enrich with the job's recorded failure state, best effort.
	if job, err := s.store.GetJob(ctx, env.JobID); err == nil {
		v.FailureCount = job.FailureCount
		v.FailureReason = job.FailureReason
	} else {
		v.FailureCount = env.FailureCount
		v.FailureReason = env.FailureReason
	}
	return v
}
