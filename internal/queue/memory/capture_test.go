package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/quillbox-app/quillbox-workers/internal/notes"
)

func TestCaptureQueueReceiveBatch(t *testing.T) {
	t.Parallel()

	q := NewCaptureQueue()
	q.Push("email", []byte(`{"text":"one"}`))
	q.Push("telegram", []byte(`{"text":"two"}`))
	q.Push("email", []byte(`{"text":"three"}`))

	batch, err := q.ReceiveBatch(context.Background(), 2)
	if err != nil {
		t.Fatalf("ReceiveBatch() error = %v", err)
	}
	if len(batch) != 2 {
		t.Fatalf("len(batch) = %d, want 2", len(batch))
	}
	if batch[0].Source != "email" || batch[1].Source != "telegram" {
		t.Fatalf("batch out of order: %q then %q", batch[0].Source, batch[1].Source)
	}
	if q.Remaining() != 3 {
		t.Fatalf("Remaining() = %d, want 3 (received messages stay in-flight)", q.Remaining())
	}
}

func TestCaptureQueueBlocksUntilPush(t *testing.T) {
	t.Parallel()

	q := NewCaptureQueue()
	got := make(chan []notes.CaptureEnvelope, 1)
	errCh := make(chan error, 1)

	go func() {
		batch, err := q.ReceiveBatch(context.Background(), 10)
		if err != nil {
			errCh <- err
			return
		}
		got <- batch
	}()

	time.Sleep(10 * time.Millisecond) // allow goroutine to start
	q.Push("email", []byte(`{"text":"late"}`))

	select {
	case err := <-errCh:
		t.Fatalf("ReceiveBatch() error = %v", err)
	case batch := <-got:
		if len(batch) != 1 {
			t.Fatalf("len(batch) = %d, want 1", len(batch))
		}
	case <-time.After(time.Second):
		t.Fatal("receive did not return after push")
	}
}

func TestCaptureQueueDeleteAcknowledges(t *testing.T) {
	t.Parallel()

	q := NewCaptureQueue()
	q.Push("email", []byte(`{"text":"ack me"}`))

	batch, err := q.ReceiveBatch(context.Background(), 1)
	if err != nil {
		t.Fatalf("ReceiveBatch() error = %v", err)
	}
	if err := q.Delete(context.Background(), batch[0]); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if q.Remaining() != 0 {
		t.Fatalf("Remaining() = %d after delete, want 0", q.Remaining())
	}

	// Deleting twice reports the unknown receipt.
	if err := q.Delete(context.Background(), batch[0]); err == nil {
		t.Fatal("Delete() expected error for unknown receipt")
	}
}

func TestCaptureQueueRestoreRedelivers(t *testing.T) {
	t.Parallel()

	q := NewCaptureQueue()
	q.Push("email", []byte(`{"text":"first"}`))
	q.Push("email", []byte(`{"text":"second"}`))

	batch, err := q.ReceiveBatch(context.Background(), 2)
	if err != nil {
		t.Fatalf("ReceiveBatch() error = %v", err)
	}
	if err := q.Delete(context.Background(), batch[0]); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	// Only the undeleted message comes back, with its receipt intact.
	q.Restore()
	redelivered, err := q.ReceiveBatch(context.Background(), 10)
	if err != nil {
		t.Fatalf("ReceiveBatch() after restore error = %v", err)
	}
	if len(redelivered) != 1 {
		t.Fatalf("len(redelivered) = %d, want 1", len(redelivered))
	}
	if redelivered[0].Receipt != batch[1].Receipt {
		t.Fatalf("Receipt = %d, want %d", redelivered[0].Receipt, batch[1].Receipt)
	}
	if string(redelivered[0].Body) != `{"text":"second"}` {
		t.Fatalf("Body = %s", redelivered[0].Body)
	}
}

func TestCaptureQueueCancelation(t *testing.T) {
	t.Parallel()

	q := NewCaptureQueue()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := q.ReceiveBatch(ctx, 1); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestCaptureQueueClose(t *testing.T) {
	t.Parallel()

	q := NewCaptureQueue()
	q.Push("email", []byte(`{"text":"drain me"}`))
	q.Close()

	// Pending messages stay receivable until drained.
	batch, err := q.ReceiveBatch(context.Background(), 1)
	if err != nil {
		t.Fatalf("ReceiveBatch() error = %v", err)
	}
	if len(batch) != 1 {
		t.Fatalf("len(batch) = %d, want 1", len(batch))
	}
	if _, err := q.ReceiveBatch(context.Background(), 1); !errors.Is(err, notes.ErrQueueClosed) {
		t.Fatalf("expected ErrQueueClosed, got %v", err)
	}

	// Push after close is ignored.
	q.Push("email", []byte(`{"text":"dropped"}`))
	if q.Remaining() != 1 { // only the in-flight message remains
		t.Fatalf("Remaining() = %d, want 1", q.Remaining())
	}
}
