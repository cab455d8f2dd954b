// Package broker defines the durable queue contract the pipeline consumes:
// at-least-once delivery with visibility-timeout leasing and per-queue
// dead-letter redrive. No ordering is guaranteed.
package broker

import (
	"context"
	"time"
)

// Message is one received queue message. ReceiptHandle is the lease token for
// this delivery; it becomes stale once the visibility timeout elapses or the
// message is deleted. Attempt is the broker-side delivery count, a separate
// counter from the job's failure_count.
type Message struct {
	ID            string
	ReceiptHandle string
	Attempt       int
	SentAt        time.Time
	Body          []byte
}

// Stats holds approximate per-queue message counts.
type Stats struct {
	Visible  int
	InFlight int
}

// Broker is the queue collaborator contract.
//
// Send must surface transport errors, never silently drop. Receive returns up
// to max messages, long-polling up to wait; received messages stay invisible
// to other consumers for the visibility duration. Delete is idempotent and a
// no-op on stale receipt handles. Peek is a non-consuming, zero-visibility
// read used by DLQ administration.
type Broker interface {
	Send(ctx context.Context, queue string, body []byte) (string, error)
	Receive(ctx context.Context, queue string, max int, wait, visibility time.Duration) ([]Message, error)
	Delete(ctx context.Context, queue, receiptHandle string) error
	Peek(ctx context.Context, queue string, max int) ([]Message, error)
	Stats(ctx context.Context, queue string) (Stats, error)
}
