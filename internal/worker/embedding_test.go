package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/quillbox-app/quillbox-workers/internal/events"
	"github.com/quillbox-app/quillbox-workers/internal/notes"
	qmemory "github.com/quillbox-app/quillbox-workers/internal/queue/memory"
)

func TestEmbeddingWorker_SuccessFlow(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	id := uuid.New()
	store := newFakeStore(seedNote(id, "Weekly sync", "Quarterly planning notes"))
	queue := qmemory.NewQueue[uuid.UUID]()
	embedder := &fakeEmbedder{result: notes.EmbeddingResult{
		Vector: []float32{0.1, 0.2, 0.3},
		Model:  "text-embedding-3-small",
	}}
	publisher := newFakePublisher()
	emitter := &fakeEmitter{}
	clock := &fakeClock{now: time.Unix(1700000100, 0).UTC()}

	w := NewEmbeddingWorker(store, queue, embedder, publisher, emitter, clock,
		EmbedConfig{Topic: "notes.processed"}, zap.NewNop())
	queue.Enqueue(id)

	go w.Run(ctx)

	require.Eventually(t, func() bool {
		return store.embedStatus(id) == notes.EmbedCompleted
	}, time.Second, 10*time.Millisecond)

	note, ok := store.get(id)
	require.True(t, ok)
	require.Equal(t, []float32{0.1, 0.2, 0.3}, note.Embedding)
	require.Equal(t, "text-embedding-3-small", note.EmbedModel)
	require.Zero(t, note.EmbedRetryCount)
	require.Empty(t, note.EmbedError)

	require.Equal(t, "Weekly sync\n\nQuarterly planning notes", embedder.lastInput())

	saves := store.saveLog()
	require.Len(t, saves, 2)
	require.Equal(t, notes.EmbedProcessing, saves[0].EmbedStatus)
	require.Equal(t, notes.EmbedCompleted, saves[1].EmbedStatus)

	require.True(t, emitter.has(events.StageEmbedStart))
	require.True(t, emitter.has(events.StageEmbedDone))
	require.Equal(t, 1, publisher.count())
	cancel()
}

func TestEmbeddingWorker_ProviderFailureIncrementsRetry(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	id := uuid.New()
	store := newFakeStore(seedNote(id, "Broken", "no vectors today"))
	queue := qmemory.NewQueue[uuid.UUID]()
	embedder := &fakeEmbedder{err: errors.New("rate limited")}
	publisher := newFakePublisher()
	emitter := &fakeEmitter{}
	clock := &fakeClock{now: time.Unix(1700000200, 0).UTC()}

	w := NewEmbeddingWorker(store, queue, embedder, publisher, emitter, clock,
		EmbedConfig{Topic: "notes.processed"}, zap.NewNop())
	queue.Enqueue(id)

	go w.Run(ctx)

	require.Eventually(t, func() bool {
		return store.embedStatus(id) == notes.EmbedFailed
	}, time.Second, 10*time.Millisecond)

	note, _ := store.get(id)
	require.Equal(t, 1, note.EmbedRetryCount)
	require.Equal(t, "rate limited", note.EmbedError)
	require.Nil(t, note.Embedding)

	evt, ok := emitter.find(events.StageEmbedError)
	require.True(t, ok)
	require.Equal(t, 1, evt.Attempt)
	require.Zero(t, publisher.count())
	cancel()
}

func TestEmbeddingWorker_RetriesExhaustedParksNote(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	id := uuid.New()
	parked := seedNote(id, "Parked", "gave up")
	parked.EmbedStatus = notes.EmbedFailed
	parked.EmbedRetryCount = 3
	store := newFakeStore(parked)
	queue := qmemory.NewQueue[uuid.UUID]()
	embedder := &fakeEmbedder{result: notes.EmbeddingResult{Vector: []float32{1}}}
	emitter := &fakeEmitter{}
	clock := &fakeClock{now: time.Unix(1700000300, 0).UTC()}

	w := NewEmbeddingWorker(store, queue, embedder, nil, emitter, clock,
		EmbedConfig{MaxRetries: 3}, zap.NewNop())
	queue.Enqueue(id)

	go w.Run(ctx)

	require.Eventually(t, func() bool {
		return emitter.has(events.StageEmbedSkip)
	}, time.Second, 10*time.Millisecond)

	require.Zero(t, embedder.calls())
	require.Equal(t, notes.EmbedFailed, store.embedStatus(id))
	require.Empty(t, store.saveLog())
	cancel()
}

func TestEmbeddingWorker_InputTruncatedToBudget(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	id := uuid.New()
	store := newFakeStore(seedNote(id, "hello world", "more text than the budget allows"))
	queue := qmemory.NewQueue[uuid.UUID]()
	embedder := &fakeEmbedder{result: notes.EmbeddingResult{Vector: []float32{1}, Model: "m"}}
	clock := &fakeClock{now: time.Unix(1700000400, 0).UTC()}

	w := NewEmbeddingWorker(store, queue, embedder, nil, nil, clock,
		EmbedConfig{MaxInputChars: 5}, zap.NewNop())
	queue.Enqueue(id)

	go w.Run(ctx)

	require.Eventually(t, func() bool {
		return store.embedStatus(id) == notes.EmbedCompleted
	}, time.Second, 10*time.Millisecond)

	require.Equal(t, "hello", embedder.lastInput())
	cancel()
}

func TestEmbeddingWorker_ProcessingPersistedBeforeProviderCall(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	id := uuid.New()
	store := newFakeStore(seedNote(id, "Doomed", "save fails"))
	store.failSaves(1)
	queue := qmemory.NewQueue[uuid.UUID]()
	embedder := &fakeEmbedder{result: notes.EmbeddingResult{Vector: []float32{1}}}
	clock := &fakeClock{now: time.Unix(1700000500, 0).UTC()}

	w := NewEmbeddingWorker(store, queue, embedder, nil, nil, clock,
		EmbedConfig{}, zap.NewNop())
	queue.Enqueue(id)

	go w.Run(ctx)

	require.Eventually(t, func() bool {
		return store.saveAttempts() >= 1
	}, time.Second, 10*time.Millisecond)

	require.Zero(t, embedder.calls())
	require.Equal(t, notes.EmbedPending, store.embedStatus(id))
	cancel()
}

func TestEmbeddingWorker_RecoverStuckRequeues(t *testing.T) {
	t.Parallel()

	stuckID := uuid.New()
	doneID := uuid.New()
	stuck := seedNote(stuckID, "Stuck", "crashed mid-call")
	stuck.EmbedStatus = notes.EmbedProcessing
	done := seedNote(doneID, "Done", "already embedded")
	done.EmbedStatus = notes.EmbedCompleted
	store := newFakeStore(stuck, done)
	queue := qmemory.NewQueue[uuid.UUID]()
	clock := &fakeClock{now: time.Unix(1700000600, 0).UTC()}

	w := NewEmbeddingWorker(store, queue, &fakeEmbedder{}, nil, nil, clock,
		EmbedConfig{}, zap.NewNop())

	recovered, err := w.RecoverStuck(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, recovered)
	require.Equal(t, notes.EmbedPending, store.embedStatus(stuckID))
	require.Equal(t, notes.EmbedCompleted, store.embedStatus(doneID))
	require.Equal(t, 1, queue.Len())

	// Nothing left in Processing, so a second sweep is a no-op.
	recovered, err = w.RecoverStuck(context.Background())
	require.NoError(t, err)
	require.Zero(t, recovered)
}

func TestEmbeddingWorker_GetPendingIDs(t *testing.T) {
	t.Parallel()

	pendingID := uuid.New()
	failedID := uuid.New()
	staleID := uuid.New()
	completedID := uuid.New()

	pending := seedNote(pendingID, "a", "a")
	failed := seedNote(failedID, "b", "b")
	failed.EmbedStatus = notes.EmbedFailed
	stale := seedNote(staleID, "c", "c")
	stale.EmbedStatus = notes.EmbedStale
	completed := seedNote(completedID, "d", "d")
	completed.EmbedStatus = notes.EmbedCompleted

	store := newFakeStore(pending, failed, stale, completed)
	w := NewEmbeddingWorker(store, qmemory.NewQueue[uuid.UUID](), nil, nil, nil,
		&fakeClock{now: time.Unix(1700000700, 0).UTC()}, EmbedConfig{}, zap.NewNop())

	ids, err := w.GetPendingIDs(context.Background())
	require.NoError(t, err)
	require.Equal(t, []uuid.UUID{pendingID, failedID, staleID}, ids)
}

// --- fakes ---

// seedNote builds a note in the freshly-captured state.
func seedNote(id uuid.UUID, title, content string) notes.Note {
	now := time.Unix(1700000000, 0).UTC()
	return notes.Note{
		ID:              id,
		Title:           title,
		Content:         content,
		Source:          notes.SourceManual,
		CreatedAt:       now,
		UpdatedAt:       now,
		EmbedStatus:     notes.EmbedPending,
		EmbedUpdatedAt:  now,
		EnrichStatus:    notes.EnrichPending,
		EnrichUpdatedAt: now,
	}
}

type fakeStore struct {
	mu       sync.Mutex
	byID     map[uuid.UUID]notes.Note
	order    []uuid.UUID
	saved    []notes.Note
	attempts int
	failures int
	saveErr  error
}

func newFakeStore(seed ...notes.Note) *fakeStore {
	s := &fakeStore{byID: make(map[uuid.UUID]notes.Note)}
	for _, n := range seed {
		s.byID[n.ID] = n
		s.order = append(s.order, n.ID)
	}
	return s
}

func (s *fakeStore) Load(_ context.Context, id uuid.UUID) (notes.Note, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	note, ok := s.byID[id]
	if !ok {
		return notes.Note{}, notes.ErrNotFound
	}
	return note, nil
}

func (s *fakeStore) Save(_ context.Context, note notes.Note) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	if s.failures > 0 {
		s.failures--
		return errors.New("save failed")
	}
	if s.saveErr != nil {
		return s.saveErr
	}
	if _, ok := s.byID[note.ID]; !ok {
		s.order = append(s.order, note.ID)
	}
	s.byID[note.ID] = note
	s.saved = append(s.saved, note)
	return nil
}

func (s *fakeStore) QueryEmbedStatus(_ context.Context, statuses ...notes.EmbedStatus) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []uuid.UUID
	for _, id := range s.order {
		for _, status := range statuses {
			if s.byID[id].EmbedStatus == status {
				ids = append(ids, id)
				break
			}
		}
	}
	return ids, nil
}

func (s *fakeStore) QueryEnrichStatus(_ context.Context, statuses ...notes.EnrichStatus) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []uuid.UUID
	for _, id := range s.order {
		for _, status := range statuses {
			if s.byID[id].EnrichStatus == status {
				ids = append(ids, id)
				break
			}
		}
	}
	return ids, nil
}

func (s *fakeStore) List(context.Context, notes.NoteFilter) ([]notes.Note, error) {
	return nil, nil
}

func (s *fakeStore) failSaves(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = n
}

func (s *fakeStore) get(id uuid.UUID) (notes.Note, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	note, ok := s.byID[id]
	return note, ok
}

func (s *fakeStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}

func (s *fakeStore) embedStatus(id uuid.UUID) notes.EmbedStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byID[id].EmbedStatus
}

func (s *fakeStore) enrichStatus(id uuid.UUID) notes.EnrichStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byID[id].EnrichStatus
}

func (s *fakeStore) saveLog() []notes.Note {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]notes.Note, len(s.saved))
	copy(out, s.saved)
	return out
}

func (s *fakeStore) saveAttempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

type fakeEmbedder struct {
	mu     sync.Mutex
	result notes.EmbeddingResult
	err    error
	inputs []string
}

func (e *fakeEmbedder) Embed(_ context.Context, text string) (notes.EmbeddingResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.inputs = append(e.inputs, text)
	if e.err != nil {
		return notes.EmbeddingResult{}, e.err
	}
	return e.result, nil
}

func (e *fakeEmbedder) calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.inputs)
}

func (e *fakeEmbedder) lastInput() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.inputs) == 0 {
		return ""
	}
	return e.inputs[len(e.inputs)-1]
}

type fakeFetcher struct {
	mu        sync.Mutex
	responses map[string]notes.FetchResult
	errs      map[string]error
	requests  []notes.FetchRequest
}

func (f *fakeFetcher) Fetch(_ context.Context, req notes.FetchRequest) (notes.FetchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if err, ok := f.errs[req.URL]; ok {
		return notes.FetchResult{}, err
	}
	if resp, ok := f.responses[req.URL]; ok {
		return resp, nil
	}
	return notes.FetchResult{}, errors.New("no response configured")
}

func (f *fakeFetcher) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

type fakeDetector struct {
	promotions map[string]bool
}

func (d *fakeDetector) ShouldPromote(probe notes.FetchResult) bool {
	return d.promotions[probe.URL]
}

type fakeSafety struct {
	blocked map[string]bool
}

func (s *fakeSafety) IsSafe(_ context.Context, rawURL string) bool {
	return !s.blocked[rawURL]
}

type fakeLimiter struct {
	mu    sync.Mutex
	err   error
	waits []string
}

func (l *fakeLimiter) Wait(_ context.Context, url string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.waits = append(l.waits, url)
	return l.err
}

type fakePublisher struct {
	mu       sync.Mutex
	messages []map[string]any
	err      error
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{}
}

func (p *fakePublisher) Publish(_ context.Context, _ string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	if m, ok := payload.(map[string]any); ok {
		p.messages = append(p.messages, m)
	}
	return "msgid", nil
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.messages)
}

type fakeEmitter struct {
	mu     sync.Mutex
	events []events.Event
}

func (e *fakeEmitter) Emit(evt events.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, evt)
}

func (e *fakeEmitter) has(stage events.Stage) bool {
	_, ok := e.find(stage)
	return ok
}

func (e *fakeEmitter) find(stage events.Stage) (events.Event, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, evt := range e.events {
		if evt.Stage == stage {
			return evt, true
		}
	}
	return events.Event{}, false
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}
