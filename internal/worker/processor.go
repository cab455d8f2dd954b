package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/leaflab/leaflab/internal/blob"
	"github.com/leaflab/leaflab/internal/broker"
	"github.com/leaflab/leaflab/internal/domain"
)

const previewMime = "image/png"

// handleMessage drives one delivery end to end: decode, claim, process,
// finalize, settle. The message is deleted only after the outcome has been
// durably recorded, so a crash anywhere in between leads to redelivery, not
// loss.
func (w *Worker) handleMessage(ctx context.Context, name string, msg broker.Message) {
	env, err := domain.DecodeEnvelope(msg.Body)
	if err != nil {
		// Malformed payloads can never succeed, retrying them just burns
		// delivery attempts.
		w.logger.Error("Dropping undecodable message",
			slog.String("pool_worker", name),
			slog.String("message_id", msg.ID),
			slog.Any("error", err),
		)
		w.deleteMessage(ctx, msg)
		return
	}

	logger := w.logger.With(
		slog.String("pool_worker", name),
		slog.String("job_id", env.JobID),
		slog.String("correlation_id", env.CorrelationID),
		slog.Int("attempt", msg.Attempt),
	)

	job, err := w.store.Claim(ctx, env.JobID)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrStaleClaim), errors.Is(err, domain.ErrJobNotFound):
			// Another delivery of the same job already won the claim, or
			// the job was finalized or deleted. The message is spent.
			logger.Warn("Claim lost, discarding duplicate delivery",
				slog.Any("error", err),
			)
			w.deleteMessage(ctx, msg)
		default:
			// Transient store failure: leave the message in flight so the
			// visibility timeout returns it for another attempt.
			logger.Error("Claim failed, leaving message for redelivery",
				slog.Any("error", err),
			)
		}
		return
	}

	started := time.Now()
	resultID, procErr := w.processClaimed(ctx, job)
	if procErr == nil {
		w.deleteMessage(ctx, msg)
		logger.Info("Job completed",
			slog.String("result_id", resultID),
			slog.Duration("took", time.Since(started)),
		)
		return
	}

	w.recordFailure(ctx, logger, msg, env.JobID, procErr)
}

// processClaimed runs the compute pipeline for a claimed job and persists the
// result. A panic in the processor is converted into an ordinary failure so
// it is charged against the job's failure budget like any other error.
func (w *Worker) processClaimed(ctx context.Context, job *domain.Job) (resultID string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("processor panic: %v", r)
		}
	}()

	image, err := w.blobs.Get(ctx, job.FileKey)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			return "", fmt.Errorf("%w: %s", domain.ErrSourceMissing, job.FileKey)
		}
		return "", fmt.Errorf("fetch source %s: %w", job.FileKey, err)
	}

	out, err := w.processor.Process(ctx, image, job.Params)
	if err != nil {
		return "", err
	}

	previewKey := fmt.Sprintf("results/%s/%s/preview.png", job.Owner, job.ID)
	if err := w.blobs.Put(ctx, previewKey, out.Preview, previewMime); err != nil {
		return "", fmt.Errorf("store preview %s: %w", previewKey, err)
	}
	meta, err := w.blobs.Head(ctx, previewKey)
	if err != nil {
		return "", fmt.Errorf("stat preview %s: %w", previewKey, err)
	}

	res, err := w.store.MarkSucceeded(ctx, job.ID, &domain.Result{
		Summary:         out.Summary,
		PreviewKey:      previewKey,
		PreviewMime:     previewMime,
		PreviewSize:     meta.Size,
		PreviewChecksum: meta.Checksum,
		Logs:            out.Logs,
	})
	if err != nil {
		return "", fmt.Errorf("finalize job: %w", err)
	}
	return res.ID, nil
}

// recordFailure charges the failure against the job, then settles the message
// according to the dead-letter disposition: without a DLQ the message is
// deleted here, with one it stays in flight so the broker's delivery counter
// keeps climbing and redrive eventually moves it over.
func (w *Worker) recordFailure(ctx context.Context, logger *slog.Logger, msg broker.Message, jobID string, procErr error) {
	status, failures, err := w.store.MarkFailed(ctx, jobID, procErr.Error(), w.maxFailures)
	if err != nil {
		logger.Error("Recording failure failed, leaving message for redelivery",
			slog.Any("error", err),
			slog.Any("process_error", procErr),
		)
		return
	}

	logger.Warn("Job attempt failed",
		slog.String("status", status),
		slog.Int("failure_count", failures),
		slog.Any("error", procErr),
	)

	if !w.useDLQ {
		w.deleteMessage(ctx, msg)
		return
	}
	logger.Warn("Message left for broker redrive",
		slog.String("message_id", msg.ID),
	)
}

func (w *Worker) deleteMessage(ctx context.Context, msg broker.Message) {
	if err := w.broker.Delete(ctx, w.queue, msg.ReceiptHandle); err != nil {
		w.logger.Error("Deleting message failed",
			slog.String("message_id", msg.ID),
			slog.Any("error", err),
		)
	}
}
