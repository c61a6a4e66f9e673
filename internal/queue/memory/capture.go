package memory

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"sync"

	"github.com/quillbox-app/quillbox-workers/internal/notes"
)

// CaptureQueue is an in-memory stand-in for the external capture broker.
// Received messages stay in-flight until Delete, mirroring broker ack
// semantics: a message that is never deleted is redelivered only via Restore.
type CaptureQueue struct {
	mu       sync.Mutex
	pending  []notes.CaptureEnvelope
	inflight map[uint64]notes.CaptureEnvelope
	nextTag  uint64
	notify   chan struct{}
	closed   bool
}

// NewCaptureQueue constructs an empty capture queue.
func NewCaptureQueue() *CaptureQueue {
	return &CaptureQueue{
		inflight: make(map[uint64]notes.CaptureEnvelope),
		notify:   make(chan struct{}, 1),
	}
}

// Push adds a raw message as a producer would. The source attribute may be
// empty to exercise payload-shape classification.
func (q *CaptureQueue) Push(source string, body []byte) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.nextTag++
	env := notes.CaptureEnvelope{
		ID:      strconv.FormatUint(q.nextTag, 10),
		Source:  source,
		Body:    body,
		Receipt: q.nextTag,
	}
	q.pending = append(q.pending, env)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// ReceiveBatch blocks until at least one message is available or the context
// ends, then returns up to maxMessages. Returned messages are held in-flight
// until deleted or restored.
func (q *CaptureQueue) ReceiveBatch(ctx context.Context, maxMessages int) ([]notes.CaptureEnvelope, error) {
	if maxMessages <= 0 {
		maxMessages = 1
	}
	for {
		q.mu.Lock()
		if len(q.pending) > 0 {
			n := maxMessages
			if n > len(q.pending) {
				n = len(q.pending)
			}
			batch := make([]notes.CaptureEnvelope, n)
			copy(batch, q.pending[:n])
			q.pending = q.pending[n:]
			for _, env := range batch {
				q.inflight[env.Receipt] = env
			}
			q.mu.Unlock()
			return batch, nil
		}
		closed := q.closed
		q.mu.Unlock()

		if closed {
			return nil, fmt.Errorf("receive: %w", notes.ErrQueueClosed)
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("receive canceled: %w", ctx.Err())
		case <-q.notify:
		}
	}
}

// Delete acknowledges a message so it is never redelivered.
func (q *CaptureQueue) Delete(_ context.Context, env notes.CaptureEnvelope) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.inflight[env.Receipt]; !ok {
		return fmt.Errorf("delete: unknown receipt %d", env.Receipt)
	}
	delete(q.inflight, env.Receipt)
	return nil
}

// Restore moves all in-flight messages back to pending, simulating broker
// redelivery after a consumer restart. Redelivery preserves receipt order.
func (q *CaptureQueue) Restore() {
	q.mu.Lock()
	tags := make([]uint64, 0, len(q.inflight))
	for tag := range q.inflight {
		tags = append(tags, tag)
	}
	slices.Sort(tags)
	for _, tag := range tags {
		q.pending = append(q.pending, q.inflight[tag])
		delete(q.inflight, tag)
	}
	q.mu.Unlock()

	if len(tags) > 0 {
		select {
		case q.notify <- struct{}{}:
		default:
		}
	}
}

// Remaining reports messages not yet deleted, pending and in-flight alike.
func (q *CaptureQueue) Remaining() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending) + len(q.inflight)
}

// Close stops the queue; blocked receivers return an error once drained.
func (q *CaptureQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}
