package worker

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/quillbox-app/quillbox-workers/internal/events"
	"github.com/quillbox-app/quillbox-workers/internal/htmlx"
	"github.com/quillbox-app/quillbox-workers/internal/notes"
)

const (
	defaultFetchTimeout     = 15 * time.Second
	defaultMaxEnrichRetries = 3
)

// EnrichConfig controls EnrichmentWorker behavior.
type EnrichConfig struct {
	// FetchTimeout bounds each link fetch independently of worker shutdown.
	FetchTimeout time.Duration
	// MaxRetries parks a note as Failed once its retry count reaches it.
	MaxRetries int
	// Topic is the processed-note publish topic; empty disables publishing.
	Topic string
}

// EnrichmentWorker consumes note IDs, extracts URLs from note content, and
// fetches metadata for each. Failure is scoped per URL: a bad link yields a
// null-field entry, never a note-level failure.
type EnrichmentWorker struct {
	store           notes.Store
	queue           notes.IDQueue
	fetcher         notes.Fetcher
	headlessFetcher notes.Fetcher
	detector        notes.HeadlessDetector
	safety          notes.SafetyChecker
	limiter         notes.Limiter
	publisher       notes.Publisher
	emitter         events.Emitter
	clock           notes.Clock
	cfg             EnrichConfig
	logger          *zap.Logger
}

// NewEnrichmentWorker constructs an EnrichmentWorker. The headless fetcher and
// detector are optional; when either is nil no promotion happens.
func NewEnrichmentWorker(
	store notes.Store,
	queue notes.IDQueue,
	fetcher notes.Fetcher,
	headless notes.Fetcher,
	detector notes.HeadlessDetector,
	safety notes.SafetyChecker,
	limiter notes.Limiter,
	publisher notes.Publisher,
	emitter events.Emitter,
	clock notes.Clock,
	cfg EnrichConfig,
	logger *zap.Logger,
) *EnrichmentWorker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = defaultFetchTimeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxEnrichRetries
	}
	return &EnrichmentWorker{
		store:           store,
		queue:           queue,
		fetcher:         fetcher,
		headlessFetcher: headless,
		detector:        detector,
		safety:          safety,
		limiter:         limiter,
		publisher:       publisher,
		emitter:         emitter,
		clock:           clock,
		cfg:             cfg,
		logger:          logger,
	}
}

// Enqueue schedules a note for enrichment.
func (w *EnrichmentWorker) Enqueue(id uuid.UUID) {
	w.queue.Enqueue(id)
}

// QueueLen reports the enrichment backlog.
func (w *EnrichmentWorker) QueueLen() int {
	return w.queue.Len()
}

// Run blocks, consuming note IDs until the context finishes or the queue
// closes.
func (w *EnrichmentWorker) Run(ctx context.Context) {
	for {
		id, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, notes.ErrQueueClosed) {
				return
			}
			w.logger.Error("enrich queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued note for enrichment", zap.String("note_id", id.String()))
		w.processNote(ctx, id)
	}
}

func (w *EnrichmentWorker) processNote(ctx context.Context, id uuid.UUID) {
	note, err := w.store.Load(ctx, id)
	if err != nil {
		if errors.Is(err, notes.ErrNotFound) {
			w.logger.Debug("note vanished before enrichment", zap.String("note_id", id.String()))
			return
		}
		w.logger.Error("load note failed", zap.String("note_id", id.String()), zap.Error(err))
		return
	}

	if note.EnrichStatus == notes.EnrichFailed && note.EnrichRetryCount >= w.cfg.MaxRetries {
		w.logger.Warn("enrichment retries exhausted",
			zap.String("note_id", id.String()),
			zap.Int("retry_count", note.EnrichRetryCount),
		)
		w.emit(events.Event{
			NoteID:  events.UUIDToBytes(id),
			TS:      w.clock.Now(),
			Stage:   events.StageEnrichSkip,
			Attempt: note.EnrichRetryCount,
		})
		return
	}

	processing, err := notes.NextEnrichStatus(note.EnrichStatus, notes.EnrichEventStart)
	if err != nil {
		w.logger.Debug("note not eligible for enrichment",
			zap.String("note_id", id.String()),
			zap.String("status", string(note.EnrichStatus)),
		)
		return
	}

	urls := notes.ExtractURLs(note.Content)
	if len(urls) == 0 {
		// Nothing to fetch is a success, not a failure.
		note.EnrichStatus = processing
		w.completeEnrich(ctx, note, []notes.LinkMetadata{}, w.clock.Now())
		return
	}

	if w.fetcher == nil {
		w.logger.Error("no fetcher configured", zap.String("note_id", id.String()))
		note.EnrichStatus = processing
		w.failEnrich(ctx, note, "no fetcher configured", w.clock.Now())
		return
	}

	// Persist Processing before the fetch loop so a crash mid-run is
	// observable by the recovery sweep.
	note.EnrichStatus = processing
	note.EnrichUpdatedAt = w.clock.Now()
	if err := w.store.Save(ctx, note); err != nil {
		w.logger.Error("persist enrich processing status failed",
			zap.String("note_id", id.String()), zap.Error(err))
		return
	}
	w.emit(events.Event{
		NoteID:  events.UUIDToBytes(id),
		TS:      note.EnrichUpdatedAt,
		Stage:   events.StageEnrichStart,
		Attempt: note.EnrichRetryCount,
	})

	started := w.clock.Now()
	links := w.fetchLinks(ctx, note.ID, urls)
	if ctx.Err() != nil {
		// Shutdown mid-loop; the note stays Processing for RecoverStuck.
		return
	}
	w.completeEnrich(ctx, note, links, started)
}

// fetchLinks resolves metadata for each URL independently. It never fails the
// note; unreachable or unsafe links yield entries with null fields.
func (w *EnrichmentWorker) fetchLinks(ctx context.Context, noteID uuid.UUID, urls []string) []notes.LinkMetadata {
	links := make([]notes.LinkMetadata, 0, len(urls))
	for _, u := range urls {
		if ctx.Err() != nil {
			break
		}
		links = append(links, w.fetchLink(ctx, noteID, u))
	}
	return links
}

func (w *EnrichmentWorker) fetchLink(ctx context.Context, noteID uuid.UUID, rawURL string) notes.LinkMetadata {
	meta := notes.LinkMetadata{URL: rawURL}

	if w.safety == nil || !w.safety.IsSafe(ctx, rawURL) {
		w.logger.Warn("link blocked as unsafe",
			zap.String("note_id", noteID.String()), zap.String("url", rawURL))
		return meta
	}
	if w.limiter != nil {
		if err := w.limiter.Wait(ctx, rawURL); err != nil {
			w.logger.Warn("rate limit wait aborted",
				zap.String("note_id", noteID.String()),
				zap.String("url", rawURL),
				zap.Error(err),
			)
			return meta
		}
	}

	resp, err := w.fetchProbe(ctx, rawURL)
	if err != nil {
		w.logger.Warn("link fetch failed",
			zap.String("note_id", noteID.String()),
			zap.String("url", rawURL),
			zap.Error(err),
		)
		return meta
	}

	if promoted, ok := w.maybePromote(ctx, noteID, rawURL, resp); ok {
		resp = promoted
	}

	meta.StatusCode = resp.StatusCode
	w.emit(events.Event{
		NoteID:      events.UUIDToBytes(noteID),
		TS:          w.clock.Now(),
		Stage:       events.StageLinkFetch,
		Host:        hostLabel(rawURL),
		URL:         rawURL,
		Bytes:       int64(len(resp.Body)),
		StatusClass: events.ClassifyStatus(resp.StatusCode),
		Dur:         resp.Duration,
	})
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		w.logger.Warn("link fetch returned non-2xx",
			zap.String("note_id", noteID.String()),
			zap.String("url", rawURL),
			zap.Int("status", resp.StatusCode),
		)
		return meta
	}

	body := string(resp.Body)
	meta.Fetched = true
	meta.Title = htmlx.ExtractTitle(body)
	meta.Description = htmlx.ExtractDescription(body)
	meta.Excerpt = htmlx.ExtractContentExcerpt(body)
	return meta
}

func (w *EnrichmentWorker) fetchProbe(ctx context.Context, rawURL string) (notes.FetchResult, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, w.cfg.FetchTimeout)
	defer cancel()

	resp, err := w.fetcher.Fetch(fetchCtx, notes.FetchRequest{
		URL:     rawURL,
		Timeout: w.cfg.FetchTimeout,
	})
	if err != nil {
		return notes.FetchResult{}, fmt.Errorf("probe fetch: %w", err)
	}
	return resp, nil
}

func (w *EnrichmentWorker) maybePromote(
	ctx context.Context,
	noteID uuid.UUID,
	rawURL string,
	resp notes.FetchResult,
) (notes.FetchResult, bool) {
	if w.detector == nil || w.headlessFetcher == nil {
		return resp, false
	}
	if !w.detector.ShouldPromote(resp) {
		return resp, false
	}

	headlessCtx, cancel := context.WithTimeout(ctx, w.cfg.FetchTimeout)
	defer cancel()

	headlessResp, err := w.headlessFetcher.Fetch(headlessCtx, notes.FetchRequest{
		URL:         rawURL,
		Timeout:     w.cfg.FetchTimeout,
		UseHeadless: true,
	})
	if err != nil {
		w.logger.Warn("headless promotion failed",
			zap.String("note_id", noteID.String()),
			zap.String("url", rawURL),
			zap.Error(err),
		)
		return resp, false
	}
	headlessResp.UsedHeadless = true
	w.logger.Info("headless promotion applied",
		zap.String("note_id", noteID.String()), zap.String("url", rawURL))
	return headlessResp, true
}

func (w *EnrichmentWorker) completeEnrich(ctx context.Context, note notes.Note, links []notes.LinkMetadata, started time.Time) {
	completed, err := notes.NextEnrichStatus(note.EnrichStatus, notes.EnrichEventSucceed)
	if err != nil {
		w.logger.Error("illegal enrich completion transition",
			zap.String("note_id", note.ID.String()),
			zap.String("status", string(note.EnrichStatus)),
			zap.Error(err),
		)
		return
	}
	note.EnrichStatus = completed
	note.Links = links
	note.EnrichError = ""
	note.EnrichRetryCount = 0
	note.EnrichUpdatedAt = w.clock.Now()
	if err := w.store.Save(ctx, note); err != nil {
		w.logger.Error("persist enrichment failed",
			zap.String("note_id", note.ID.String()), zap.Error(err))
		return
	}
	w.logger.Info("note enriched",
		zap.String("note_id", note.ID.String()),
		zap.Int("links", len(links)),
	)
	w.emit(events.Event{
		NoteID: events.UUIDToBytes(note.ID),
		TS:     note.EnrichUpdatedAt,
		Stage:  events.StageEnrichDone,
		Dur:    w.clock.Now().Sub(started),
	})
	w.publishProcessed(ctx, note)
}

func (w *EnrichmentWorker) failEnrich(ctx context.Context, note notes.Note, errText string, started time.Time) {
	failed, err := notes.NextEnrichStatus(note.EnrichStatus, notes.EnrichEventFail)
	if err != nil {
		w.logger.Error("illegal enrich failure transition",
			zap.String("note_id", note.ID.String()),
			zap.String("status", string(note.EnrichStatus)),
			zap.Error(err),
		)
		return
	}
	note.EnrichStatus = failed
	note.EnrichRetryCount++
	note.EnrichError = errText
	note.EnrichUpdatedAt = w.clock.Now()
	if err := w.store.Save(ctx, note); err != nil {
		w.logger.Error("persist enrich failure failed",
			zap.String("note_id", note.ID.String()), zap.Error(err))
		return
	}
	w.logger.Warn("enrichment failed",
		zap.String("note_id", note.ID.String()),
		zap.Int("retry_count", note.EnrichRetryCount),
		zap.String("error", errText),
	)
	w.emit(events.Event{
		NoteID:  events.UUIDToBytes(note.ID),
		TS:      note.EnrichUpdatedAt,
		Stage:   events.StageEnrichError,
		Attempt: note.EnrichRetryCount,
		Dur:     w.clock.Now().Sub(started),
		Note:    errText,
	})
}

func (w *EnrichmentWorker) publishProcessed(ctx context.Context, note notes.Note) {
	if w.cfg.Topic == "" || w.publisher == nil {
		return
	}
	payload := map[string]any{
		"note_id":   note.ID.String(),
		"stage":     "enrichment",
		"status":    string(note.EnrichStatus),
		"links":     len(note.Links),
		"timestamp": w.clock.Now().Format(time.RFC3339),
	}
	if _, err := w.publisher.Publish(ctx, w.cfg.Topic, payload); err != nil {
		w.logger.Warn("publish enriched note failed",
			zap.String("note_id", note.ID.String()), zap.Error(err))
	}
}

// GetPendingIDs returns notes eligible for (re)enrichment: Pending and Failed.
func (w *EnrichmentWorker) GetPendingIDs(ctx context.Context) ([]uuid.UUID, error) {
	ids, err := w.store.QueryEnrichStatus(ctx, notes.EnrichPending, notes.EnrichFailed)
	if err != nil {
		return nil, fmt.Errorf("query pending enrichments: %w", err)
	}
	return ids, nil
}

// RecoverStuck re-enqueues notes left Processing or Pending at startup.
// Pending is recoverable here, unlike embedding, because enrichment has no
// partial-write side effects; a Pending note may simply never have reached
// the in-memory queue before the crash. Returns the number recovered.
func (w *EnrichmentWorker) RecoverStuck(ctx context.Context) (int, error) {
	ids, err := w.store.QueryEnrichStatus(ctx, notes.EnrichProcessing, notes.EnrichPending)
	if err != nil {
		return 0, fmt.Errorf("query stuck enrichments: %w", err)
	}
	recovered := 0
	for _, id := range ids {
		note, err := w.store.Load(ctx, id)
		if err != nil {
			if errors.Is(err, notes.ErrNotFound) {
				continue
			}
			return recovered, fmt.Errorf("load stuck note %s: %w", id, err)
		}
		next, err := notes.NextEnrichStatus(note.EnrichStatus, notes.EnrichEventRecover)
		if err != nil {
			continue
		}
		if note.EnrichStatus != next {
			note.EnrichStatus = next
			note.EnrichUpdatedAt = w.clock.Now()
			if err := w.store.Save(ctx, note); err != nil {
				return recovered, fmt.Errorf("reset stuck note %s: %w", id, err)
			}
		}
		w.queue.Enqueue(id)
		recovered++
	}
	if recovered > 0 {
		w.logger.Info("recovered stuck enrichments", zap.Int("count", recovered))
	}
	return recovered, nil
}

func (w *EnrichmentWorker) emit(evt events.Event) {
	if w.emitter == nil {
		return
	}
	w.emitter.Emit(evt)
}

func hostLabel(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return u.Hostname()
}
