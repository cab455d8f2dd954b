package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/leaflab/leaflab/internal/blob"
	"github.com/leaflab/leaflab/internal/broker"
	"github.com/leaflab/leaflab/internal/compute"
	"github.com/leaflab/leaflab/internal/store"
)

const pollErrorBackoff = 2 * time.Second

// Config holds worker configuration and injected collaborators
type Config struct {
	Logger      *slog.Logger
	Store       store.JobStore
	Broker      broker.Broker
	Blobs       blob.Store
	Processor   compute.Processor
	Queue       string
	Batch       int
	Wait        time.Duration
	Visibility  time.Duration
	Concurrency int
	MaxFailures int
	UseDLQ      bool
}

type task struct {
	msg broker.Message
	wg  *sync.WaitGroup
}

// Worker consumes one logical queue with a bounded-concurrency pool. Several
// worker processes may consume the same queue; they share no state, the job
// store arbitrates every claim.
type Worker struct {
	logger      *slog.Logger
	store       store.JobStore
	broker      broker.Broker
	blobs       blob.Store
	processor   compute.Processor
	queue       string
	batch       int
	wait        time.Duration
	visibility  time.Duration
	concurrency int
	maxFailures int
	useDLQ      bool

	workerID string
	tasks    chan *task
	wg       sync.WaitGroup
	stopChan chan struct{}
	stopOnce sync.Once
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	return &Worker{
		logger:      cfg.Logger,
		store:       cfg.Store,
		broker:      cfg.Broker,
		blobs:       cfg.Blobs,
		processor:   cfg.Processor,
		queue:       cfg.Queue,
		batch:       cfg.Batch,
		wait:        cfg.Wait,
		visibility:  cfg.Visibility,
		concurrency: cfg.Concurrency,
		maxFailures: cfg.MaxFailures,
		useDLQ:      cfg.UseDLQ,
		workerID:    "worker-" + uuid.New().String()[:8],
		tasks:       make(chan *task),
		stopChan:    make(chan struct{}),
	}
}

// Start polls the queue and dispatches batches into the pool. Each polled
// batch is fully processed before the next poll, so the number of in-flight
// messages never exceeds batch and the pool bounds actual parallelism.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.String("worker_id", w.workerID),
		slog.String("queue", w.queue),
		slog.Int("batch", w.batch),
		slog.Int("concurrency", w.concurrency),
		slog.Duration("wait", w.wait),
		slog.Duration("visibility_timeout", w.visibility),
		slog.Int("max_failures", w.maxFailures),
		slog.Bool("use_dlq", w.useDLQ),
	)

	w.spawnPool()
	defer close(w.tasks)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Worker context canceled, stopping poll loop")
			return nil
		case <-w.stopChan:
			w.logger.Info("Worker stop requested, stopping poll loop")
			return nil
		default:
		}

		msgs, err := w.broker.Receive(ctx, w.queue, w.batch, w.wait, w.visibility)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.logger.Error("Poll failed",
				slog.String("queue", w.queue),
				slog.Any("error", err),
			)
			time.Sleep(pollErrorBackoff)
			continue
		}
		if len(msgs) == 0 {
			continue
		}

		var batchWG sync.WaitGroup
		for _, msg := range msgs {
			batchWG.Add(1)
			w.tasks <- &task{msg: msg, wg: &batchWG}
		}
		batchWG.Wait()
	}
}

// Stop gracefully stops the worker
func (w *Worker) Stop() {
	w.logger.Info("Stopping worker...",
		slog.String("worker_id", w.workerID),
	)
	w.stopOnce.Do(func() {
		close(w.stopChan)
	})
	w.wg.Wait()
	w.logger.Info("Worker stopped")
}
