package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/quillbox-app/quillbox-workers/internal/notes"
)

func TestQueueEnqueueDequeue(t *testing.T) {
	t.Parallel()

	q := NewQueue[uuid.UUID]()
	result := make(chan uuid.UUID, 1)
	errCh := make(chan error, 1)

	go func() {
		item, err := q.Dequeue(context.Background())
		if err != nil {
			errCh <- err
			return
		}
		result <- item
	}()

	time.Sleep(10 * time.Millisecond) // allow goroutine to start
	id := uuid.New()
	q.Enqueue(id)
	select {
	case err := <-errCh:
		t.Fatalf("Dequeue() error = %v", err)
	case got := <-result:
		if got != id {
			t.Fatalf("expected %s, got %s", id, got)
		}
	case <-time.After(time.Second):
		t.Fatal("dequeue did not return item")
	}
}

func TestQueueFIFOOrder(t *testing.T) {
	t.Parallel()

	q := NewQueue[int]()
	// No consumer yet: enqueue must not block regardless of volume.
	for i := 0; i < 1000; i++ {
		q.Enqueue(i)
	}
	if got := q.Len(); got != 1000 {
		t.Fatalf("Len() = %d, want 1000", got)
	}
	for i := 0; i < 1000; i++ {
		got, err := q.Dequeue(context.Background())
		if err != nil {
			t.Fatalf("Dequeue() error = %v", err)
		}
		if got != i {
			t.Fatalf("out of order: got %d at position %d", got, i)
		}
	}
	if got := q.Len(); got != 0 {
		t.Fatalf("Len() = %d after drain, want 0", got)
	}
}

func TestQueueConcurrentProducers(t *testing.T) {
	t.Parallel()

	q := NewQueue[int]()
	const producers = 8
	const perProducer = 100
	for p := 0; p < producers; p++ {
		go func(base int) {
			for i := 0; i < perProducer; i++ {
				q.Enqueue(base + i)
			}
		}(p * perProducer)
	}

	seen := make(map[int]bool, producers*perProducer)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := 0; i < producers*perProducer; i++ {
		got, err := q.Dequeue(ctx)
		if err != nil {
			t.Fatalf("Dequeue() error = %v", err)
		}
		if seen[got] {
			t.Fatalf("item %d delivered twice", got)
		}
		seen[got] = true
	}
	if len(seen) != producers*perProducer {
		t.Fatalf("expected %d distinct items, got %d", producers*perProducer, len(seen))
	}
}

func TestQueueCancelationErrors(t *testing.T) {
	t.Parallel()

	q := NewQueue[uuid.UUID]()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := q.Dequeue(ctx); err == nil ||
		err.Error() != "dequeue canceled: context canceled" {
		t.Fatalf("expected dequeue cancel error, got %v", err)
	}
}

func TestQueueClose(t *testing.T) {
	t.Parallel()

	q := NewQueue[int]()
	q.Enqueue(1)
	q.Close()

	// Items queued before Close stay dequeueable.
	got, err := q.Dequeue(context.Background())
	if err != nil {
		t.Fatalf("Dequeue() error = %v", err)
	}
	if got != 1 {
		t.Fatalf("expected 1, got %d", got)
	}
	if _, err := q.Dequeue(context.Background()); !errors.Is(err, notes.ErrQueueClosed) {
		t.Fatalf("expected ErrQueueClosed, got %v", err)
	}

	// Enqueue after close is ignored.
	q.Enqueue(2)
	if q.Len() != 0 {
		t.Fatalf("enqueue after close added item")
	}
	// Closing twice should be safe.
	q.Close()
}
