package broker

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type memMessage struct {
	id        string
	body      []byte
	attempts  int
	sentAt    time.Time
	visibleAt time.Time
	receipt   string
}

type memQueue struct {
	messages []*memMessage
}

type redrivePolicy struct {
	limit int
	dlq   string
}

// Memory is an in-process Broker with the same lease semantics as the
// production implementation: received messages are hidden until their
// visibility timeout elapses, deletes are idempotent against stale receipts,
// and an optional redrive policy moves a message to its dead-letter queue
// once its delivery count exceeds the configured limit.
type Memory struct {
	mu      sync.Mutex
	queues  map[string]*memQueue
	redrive map[string]redrivePolicy
	seq     int
}

// NewMemory creates an empty in-memory broker.
func NewMemory() *Memory {
	return &Memory{
		queues:  make(map[string]*memQueue),
		redrive: make(map[string]redrivePolicy),
	}
}

// SetRedrive configures broker-level dead-lettering for a queue: a message
// delivered more than limit times is moved to dlq instead of being delivered.
func (m *Memory) SetRedrive(queue string, limit int, dlq string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.redrive[queue] = redrivePolicy{limit: limit, dlq: dlq}
	m.ensureQueue(dlq)
}

func (m *Memory) ensureQueue(name string) *memQueue {
	q, ok := m.queues[name]
	if !ok {
		q = &memQueue{}
		m.queues[name] = q
	}
	return q
}

// Send appends a message to the queue and returns its broker-assigned id.
func (m *Memory) Send(_ context.Context, queue string, body []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	msg := &memMessage{
		id:     fmt.Sprintf("mem-%d", m.seq),
		body:   append([]byte(nil), body...),
		sentAt: time.Now(),
	}
	m.ensureQueue(queue).messages = append(m.ensureQueue(queue).messages, msg)
	return msg.id, nil
}

// Receive returns up to max visible messages, long-polling up to wait. Each
// returned message is leased for the visibility duration under a fresh
// receipt handle.
func (m *Memory) Receive(ctx context.Context, queue string, max int, wait, visibility time.Duration) ([]Message, error) {
	if max < 1 {
		max = 1
	}
	deadline := time.Now().Add(wait)
	for {
		batch := m.receiveOnce(queue, max, visibility)
		if len(batch) > 0 {
			return batch, nil
		}
		if time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (m *Memory) receiveOnce(queue string, max int, visibility time.Duration) []Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	q := m.ensureQueue(queue)
	policy, hasPolicy := m.redrive[queue]
	now := time.Now()

	var out []Message
	kept := q.messages[:0]
	for _, msg := range q.messages {
		if len(out) >= max || msg.visibleAt.After(now) {
			kept = append(kept, msg)
			continue
		}

		msg.attempts++
		if hasPolicy && policy.limit > 0 && msg.attempts > policy.limit {
			// Exceeded the delivery budget: dead-letter instead of delivering.
			m.ensureQueue(policy.dlq).messages = append(m.ensureQueue(policy.dlq).messages, msg)
			continue
		}

		m.seq++
		msg.receipt = fmt.Sprintf("rcpt-%d", m.seq)
		msg.visibleAt = now.Add(visibility)
		out = append(out, Message{
			ID:            msg.id,
			ReceiptHandle: msg.receipt,
			Attempt:       msg.attempts,
			SentAt:        msg.sentAt,
			Body:          append([]byte(nil), msg.body...),
		})
		kept = append(kept, msg)
	}
	q.messages = kept
	return out
}

// Delete removes the message currently leased under receiptHandle. Stale or
// unknown handles are a no-op.
func (m *Memory) Delete(_ context.Context, queue, receiptHandle string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	q := m.ensureQueue(queue)
	for i, msg := range q.messages {
		if msg.receipt != "" && msg.receipt == receiptHandle {
			q.messages = append(q.messages[:i], q.messages[i+1:]...)
			return nil
		}
	}
	return nil
}

// Peek returns up to max visible messages without consuming them or touching
// their delivery counts.
func (m *Memory) Peek(_ context.Context, queue string, max int) ([]Message, error) {
	if max < 1 {
		max = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	var out []Message
	for _, msg := range m.ensureQueue(queue).messages {
		if len(out) >= max {
			break
		}
		if msg.visibleAt.After(now) {
			continue
		}
		out = append(out, Message{
			ID:      msg.id,
			Attempt: msg.attempts,
			SentAt:  msg.sentAt,
			Body:    append([]byte(nil), msg.body...),
		})
	}
	return out, nil
}

// Stats returns visible and in-flight counts for a queue.
func (m *Memory) Stats(_ context.Context, queue string) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	var s Stats
	for _, msg := range m.ensureQueue(queue).messages {
		if msg.visibleAt.After(now) {
			s.InFlight++
		} else {
			s.Visible++
		}
	}
	return s, nil
}
