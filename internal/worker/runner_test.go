package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRunnerRunsLoopsUntilCancel(t *testing.T) {
	t.Parallel()

	a := &blockingLoop{}
	b := &blockingLoop{}
	runner := NewRunner(a, nil, b)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		runner.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return a.started() && b.started()
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("runner did not stop after cancel")
	}
}

func TestRunnerReturnsWithNoLoops(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		NewRunner(nil, nil).Run(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("runner did not return on a finished context")
	}
}

// --- fakes ---

type blockingLoop struct {
	mu      sync.Mutex
	running bool
}

func (l *blockingLoop) Run(ctx context.Context) {
	l.mu.Lock()
	l.running = true
	l.mu.Unlock()
	<-ctx.Done()
}

func (l *blockingLoop) started() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}
