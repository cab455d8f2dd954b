package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPConfig holds RabbitMQ connection configuration
type AMQPConfig struct {
	Host               string
	Port               int
	User               string
	Password           string
	VHost              string
	RetryAttempts      int
	RetryInterval      time.Duration
	Heartbeat          time.Duration
	PublishRetries     int
	PublishRetryDelay  time.Duration
	PublishBackoffMult float64
}

// QueueSpec declares one logical queue and its dead-letter pairing.
// RedriveLimit maps to the quorum queue delivery limit; once a message has
// been delivered that many times the broker dead-letters it to DLQ.
type QueueSpec struct {
	Name         string
	DLQ          string
	RedriveLimit int
}

type amqpLease struct {
	tag   uint64
	timer *time.Timer
}

// AMQP implements Broker on RabbitMQ quorum queues. Visibility-timeout
// leasing is emulated: a received message stays unacked under a receipt
// handle, and a timer nacks it back onto the queue when the lease expires
// without a Delete. The x-delivery-count header supplies the attempt counter
// and x-delivery-limit plus a dead-letter routing supplies the redrive.
type AMQP struct {
	config *AMQPConfig
	conn   *amqp.Connection
	ch     *amqp.Channel
	logger *slog.Logger

	mu     sync.Mutex
	leases map[string]*amqpLease
}

// NewAMQP connects to RabbitMQ with retry and declares the given queues.
func NewAMQP(config *AMQPConfig, queues []QueueSpec, logger *slog.Logger) (*AMQP, error) {
	b := &AMQP{
		config: config,
		logger: logger,
		leases: make(map[string]*amqpLease),
	}

	if err := b.connect(); err != nil {
		return nil, fmt.Errorf("failed to create AMQP broker: %w", err)
	}

	if err := b.declare(queues); err != nil {
		b.Close()
		return nil, fmt.Errorf("failed to declare queues: %w", err)
	}

	return b, nil
}

func (b *AMQP) connect() error {
	dsn := fmt.Sprintf("amqp://%s:%s@%s:%d%s",
		b.config.User,
		b.config.Password,
		b.config.Host,
		b.config.Port,
		b.config.VHost,
	)

	amqpConfig := amqp.Config{
		Heartbeat: b.config.Heartbeat,
		Locale:    "en_US",
	}

	attempts := b.config.RetryAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		b.logger.Info("Connecting to RabbitMQ",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", attempts),
		)

		b.conn, err = amqp.DialConfig(dsn, amqpConfig)
		if err == nil {
			break
		}

		b.logger.Error("Failed to connect to RabbitMQ",
			slog.Any("error", err),
			slog.Int("attempt", attempt),
		)

		if attempt < attempts {
			time.Sleep(b.config.RetryInterval)
		}
	}
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", attempts, err)
	}

	b.ch, err = b.conn.Channel()
	if err != nil {
		b.conn.Close()
		return fmt.Errorf("failed to create channel: %w", err)
	}

	b.logger.Info("RabbitMQ connection established")
	return nil
}

func (b *AMQP) declare(queues []QueueSpec) error {
	for _, spec := range queues {
		args := amqp.Table{"x-queue-type": "quorum"}
		if spec.DLQ != "" {
			if _, err := b.ch.QueueDeclare(spec.DLQ, true, false, false, false, amqp.Table{
				"x-queue-type": "quorum",
			}); err != nil {
				return fmt.Errorf("failed to declare DLQ %q: %w", spec.DLQ, err)
			}
			args["x-dead-letter-exchange"] = ""
			args["x-dead-letter-routing-key"] = spec.DLQ
			if spec.RedriveLimit > 0 {
				args["x-delivery-limit"] = int32(spec.RedriveLimit)
			}
		}
		if _, err := b.ch.QueueDeclare(spec.Name, true, false, false, false, args); err != nil {
			return fmt.Errorf("failed to declare queue %q: %w", spec.Name, err)
		}

		b.logger.Info("Queue declared",
			slog.String("queue", spec.Name),
			slog.String("dlq", spec.DLQ),
			slog.Int("redrive_limit", spec.RedriveLimit),
		)
	}
	return nil
}

// Send publishes a persistent message to the queue with retry and exponential
// backoff, returning the assigned message id.
func (b *AMQP) Send(ctx context.Context, queue string, body []byte) (string, error) {
	maxRetries := b.config.PublishRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	baseDelay := b.config.PublishRetryDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}

	messageID := uuid.New().String()
	publishing := amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
		MessageId:    messageID,
		Timestamp:    time.Now(),
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		b.mu.Lock()
		err := b.ch.PublishWithContext(ctx, "", queue, false, false, publishing)
		b.mu.Unlock()

		if err == nil {
			b.logger.Debug("Message published",
				slog.String("queue", queue),
				slog.String("message_id", messageID),
				slog.Int("body_size", len(body)),
			)
			return messageID, nil
		}
		lastErr = err

		if attempt < maxRetries {
			backoffDelay := time.Duration(float64(baseDelay) * float64(uint(1)<<uint(attempt)))
			b.logger.Warn("Failed to publish message, retrying",
				slog.String("queue", queue),
				slog.Int("attempt", attempt+1),
				slog.Duration("retry_after", backoffDelay),
				slog.Any("error", err),
			)
			time.Sleep(backoffDelay)
		}
	}

	return "", fmt.Errorf("failed to publish message after %d attempts: %w", maxRetries+1, lastErr)
}

// Receive polls up to max messages, waiting up to wait for the first one.
// Each message is leased for the visibility duration; an undeleted lease is
// nacked back onto the queue when it expires.
func (b *AMQP) Receive(ctx context.Context, queue string, max int, wait, visibility time.Duration) ([]Message, error) {
	if max < 1 {
		max = 1
	}
	deadline := time.Now().Add(wait)

	var out []Message
	for len(out) < max {
		b.mu.Lock()
		delivery, ok, err := b.ch.Get(queue, false)
		b.mu.Unlock()
		if err != nil {
			return out, fmt.Errorf("failed to receive from %q: %w", queue, err)
		}

		if !ok {
			if len(out) > 0 || !time.Now().Before(deadline) {
				break
			}
			select {
			case <-ctx.Done():
				return out, ctx.Err()
			case <-time.After(200 * time.Millisecond):
			}
			continue
		}

		out = append(out, b.lease(queue, delivery, visibility))
	}
	return out, nil
}

func (b *AMQP) lease(queue string, delivery amqp.Delivery, visibility time.Duration) Message {
	receipt := uuid.New().String()
	tag := delivery.DeliveryTag

	b.mu.Lock()
	l := &amqpLease{tag: tag}
	l.timer = time.AfterFunc(visibility, func() {
		b.expireLease(queue, receipt)
	})
	b.leases[receipt] = l
	b.mu.Unlock()

	return Message{
		ID:            delivery.MessageId,
		ReceiptHandle: receipt,
		Attempt:       deliveryAttempt(delivery),
		SentAt:        delivery.Timestamp,
		Body:          delivery.Body,
	}
}

// expireLease returns an undeleted message to the queue once its visibility
// timeout elapses, permitting redelivery.
func (b *AMQP) expireLease(queue, receipt string) {
	b.mu.Lock()
	l, ok := b.leases[receipt]
	if ok {
		delete(b.leases, receipt)
	}
	b.mu.Unlock()
	if !ok {
		return
	}

	b.mu.Lock()
	err := b.ch.Nack(l.tag, false, true)
	b.mu.Unlock()
	if err != nil {
		b.logger.Warn("Failed to requeue expired lease",
			slog.String("queue", queue),
			slog.Any("error", err),
		)
	}
}

// Delete acks the message leased under receiptHandle. Stale handles (already
// expired or deleted) are a no-op.
func (b *AMQP) Delete(_ context.Context, _ string, receiptHandle string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	l, ok := b.leases[receiptHandle]
	if !ok {
		return nil
	}
	delete(b.leases, receiptHandle)
	l.timer.Stop()

	if err := b.ch.Ack(l.tag, false); err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}
	return nil
}

// Peek reads up to max messages and immediately requeues them. The messages
// remain on the queue for other callers.
func (b *AMQP) Peek(_ context.Context, queue string, max int) ([]Message, error) {
	if max < 1 {
		max = 1
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	var out []Message
	var tags []uint64
	for len(out) < max {
		delivery, ok, err := b.ch.Get(queue, false)
		if err != nil {
			return out, fmt.Errorf("failed to peek %q: %w", queue, err)
		}
		if !ok {
			break
		}
		tags = append(tags, delivery.DeliveryTag)
		out = append(out, Message{
			ID:      delivery.MessageId,
			Attempt: deliveryAttempt(delivery),
			SentAt:  delivery.Timestamp,
			Body:    delivery.Body,
		})
	}

	for _, tag := range tags {
		if err := b.ch.Nack(tag, false, true); err != nil {
			b.logger.Warn("Failed to requeue peeked message",
				slog.String("queue", queue),
				slog.Any("error", err),
			)
		}
	}
	return out, nil
}

// Stats reports the approximate visible message count via a passive declare.
// RabbitMQ does not expose the unacked count here, so InFlight stays 0.
func (b *AMQP) Stats(_ context.Context, queue string) (Stats, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, err := b.ch.QueueDeclarePassive(queue, true, false, false, false, nil)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to inspect queue %q: %w", queue, err)
	}
	return Stats{Visible: q.Messages}, nil
}

// Close releases all leases and closes the connection.
func (b *AMQP) Close() error {
	b.mu.Lock()
	for receipt, l := range b.leases {
		l.timer.Stop()
		delete(b.leases, receipt)
	}
	b.mu.Unlock()

	if b.ch != nil {
		if err := b.ch.Close(); err != nil {
			b.logger.Error("Failed to close RabbitMQ channel",
				slog.Any("error", err),
			)
		}
	}
	if b.conn != nil {
		if err := b.conn.Close(); err != nil {
			return fmt.Errorf("failed to close RabbitMQ connection: %w", err)
		}
	}
	return nil
}

// deliveryAttempt reads the quorum queue delivery counter. The header counts
// prior deliveries, so the current one is header value + 1.
func deliveryAttempt(d amqp.Delivery) int {
	if v, ok := d.Headers["x-delivery-count"]; ok {
		switch n := v.(type) {
		case int32:
			return int(n) + 1
		case int64:
			return int(n) + 1
		case int:
			return n + 1
		}
	}
	if d.Redelivered {
		return 2
	}
	return 1
}
