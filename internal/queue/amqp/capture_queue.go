// Package amqp implements the capture queue over a RabbitMQ broker.
package amqp

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/quillbox-app/quillbox-workers/internal/notes"
)

// sourceHeader is the message attribute producers set to declare the
// capture source. Messages without it are classified by payload shape.
const sourceHeader = "source"

const (
	defaultWait     = 20 * time.Second
	defaultPrefetch = 64
)

// ErrChannelClosed reports that the broker delivery stream ended, usually
// because the connection dropped.
var ErrChannelClosed = errors.New("capture delivery channel closed")

// Config holds broker settings for the capture queue.
type Config struct {
	// URL is the amqp:// connection string.
	URL string
	// Queue is the durable queue captures arrive on.
	Queue string
	// Wait bounds how long an empty ReceiveBatch blocks before returning
	// an empty batch. Zero means defaultWait.
	Wait time.Duration
	// Prefetch caps unacked deliveries buffered client-side. Zero means
	// defaultPrefetch.
	Prefetch int
}

// CaptureQueue receives raw capture messages from RabbitMQ with manual
// acknowledgement. Messages stay unacked until Delete; anything never
// deleted is redelivered by the broker after the consumer restarts.
type CaptureQueue struct {
	conn       *amqp091.Connection
	channel    *amqp091.Channel
	deliveries <-chan amqp091.Delivery
	wait       time.Duration
	logger     *zap.Logger
}

// NewCaptureQueue dials the broker, declares the durable capture queue and
// starts a manual-ack consumer on it.
func NewCaptureQueue(cfg Config, logger *zap.Logger) (*CaptureQueue, error) {
	if cfg.URL == "" {
		return nil, errors.New("amqp url is required")
	}
	if cfg.Queue == "" {
		return nil, errors.New("amqp queue name is required")
	}
	wait := cfg.Wait
	if wait <= 0 {
		wait = defaultWait
	}
	prefetch := cfg.Prefetch
	if prefetch <= 0 {
		prefetch = defaultPrefetch
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	conn, err := amqp091.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	if _, err := ch.QueueDeclare(cfg.Queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("failed to set prefetch: %w", err)
	}
	deliveries, err := ch.Consume(cfg.Queue, "noteworker", false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("failed to register consumer: %w", err)
	}

	logger.Info("capture consumer started",
		zap.String("queue", cfg.Queue),
		zap.Int("prefetch", prefetch),
	)
	return &CaptureQueue{
		conn:       conn,
		channel:    ch,
		deliveries: deliveries,
		wait:       wait,
		logger:     logger,
	}, nil
}

// ReceiveBatch blocks up to the configured wait for the first delivery, then
// drains whatever else is already buffered, up to maxMessages. An empty batch
// is not an error.
func (q *CaptureQueue) ReceiveBatch(ctx context.Context, maxMessages int) ([]notes.CaptureEnvelope, error) {
	if maxMessages <= 0 {
		maxMessages = 1
	}

	timer := time.NewTimer(q.wait)
	defer timer.Stop()

	var batch []notes.CaptureEnvelope
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("receive canceled: %w", ctx.Err())
	case <-timer.C:
		return nil, nil
	case d, ok := <-q.deliveries:
		if !ok {
			return nil, ErrChannelClosed
		}
		batch = append(batch, toEnvelope(d))
	}

	for len(batch) < maxMessages {
		select {
		case d, ok := <-q.deliveries:
			if !ok {
				return batch, nil
			}
			batch = append(batch, toEnvelope(d))
		default:
			return batch, nil
		}
	}
	return batch, nil
}

// Delete acknowledges a received message so the broker discards it.
func (q *CaptureQueue) Delete(_ context.Context, env notes.CaptureEnvelope) error {
	if err := q.channel.Ack(env.Receipt, false); err != nil {
		return fmt.Errorf("failed to ack message %s: %w", env.ID, err)
	}
	return nil
}

// Close shuts down the consumer channel and connection.
func (q *CaptureQueue) Close() error {
	var errs []error
	if err := q.channel.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close channel: %w", err))
	}
	if err := q.conn.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close connection: %w", err))
	}
	return errors.Join(errs...)
}

func toEnvelope(d amqp091.Delivery) notes.CaptureEnvelope {
	id := d.MessageId
	if id == "" {
		id = strconv.FormatUint(d.DeliveryTag, 10)
	}
	source := ""
	if raw, ok := d.Headers[sourceHeader]; ok {
		if s, ok := raw.(string); ok {
			source = s
		}
	}
	return notes.CaptureEnvelope{
		ID:      id,
		Source:  source,
		Body:    d.Body,
		Receipt: d.DeliveryTag,
	}
}
