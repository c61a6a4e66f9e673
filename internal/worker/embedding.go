// Package worker implements the note processing loops.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/quillbox-app/quillbox-workers/internal/events"
	"github.com/quillbox-app/quillbox-workers/internal/htmlx"
	"github.com/quillbox-app/quillbox-workers/internal/notes"
)

const (
	defaultMaxInputChars   = 8000
	defaultMaxEmbedRetries = 3
)

// EmbedConfig controls EmbeddingWorker behavior.
type EmbedConfig struct {
	// MaxInputChars caps the plain-text character budget sent to the provider.
	MaxInputChars int
	// MaxRetries parks a note as Failed once its retry count reaches it.
	MaxRetries int
	// Topic is the processed-note publish topic; empty disables publishing.
	Topic string
}

// EmbeddingWorker consumes note IDs and computes vector embeddings. It owns
// the embed status machine: Pending/Stale/Failed -> Processing -> Completed
// or Failed.
type EmbeddingWorker struct {
	store     notes.Store
	queue     notes.IDQueue
	embedder  notes.Embedder
	publisher notes.Publisher
	emitter   events.Emitter
	clock     notes.Clock
	cfg       EmbedConfig
	logger    *zap.Logger
}

// NewEmbeddingWorker constructs an EmbeddingWorker.
func NewEmbeddingWorker(
	store notes.Store,
	queue notes.IDQueue,
	embedder notes.Embedder,
	publisher notes.Publisher,
	emitter events.Emitter,
	clock notes.Clock,
	cfg EmbedConfig,
	logger *zap.Logger,
) *EmbeddingWorker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxInputChars <= 0 {
		cfg.MaxInputChars = defaultMaxInputChars
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxEmbedRetries
	}
	return &EmbeddingWorker{
		store:     store,
		queue:     queue,
		embedder:  embedder,
		publisher: publisher,
		emitter:   emitter,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
	}
}

// Enqueue schedules a note for embedding.
func (w *EmbeddingWorker) Enqueue(id uuid.UUID) {
	w.queue.Enqueue(id)
}

// QueueLen reports the embedding backlog.
func (w *EmbeddingWorker) QueueLen() int {
	return w.queue.Len()
}

// Run blocks, consuming note IDs until the context finishes or the queue
// closes.
func (w *EmbeddingWorker) Run(ctx context.Context) {
	for {
		id, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, notes.ErrQueueClosed) {
				return
			}
			w.logger.Error("embed queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued note for embedding", zap.String("note_id", id.String()))
		w.processNote(ctx, id)
	}
}

func (w *EmbeddingWorker) processNote(ctx context.Context, id uuid.UUID) {
	note, err := w.store.Load(ctx, id)
	if err != nil {
		if errors.Is(err, notes.ErrNotFound) {
			w.logger.Debug("note vanished before embedding", zap.String("note_id", id.String()))
			return
		}
		w.logger.Error("load note failed", zap.String("note_id", id.String()), zap.Error(err))
		return
	}

	if note.EmbedStatus == notes.EmbedFailed && note.EmbedRetryCount >= w.cfg.MaxRetries {
		w.logger.Warn("embedding retries exhausted",
			zap.String("note_id", id.String()),
			zap.Int("retry_count", note.EmbedRetryCount),
		)
		w.emit(events.Event{
			NoteID:  events.UUIDToBytes(id),
			TS:      w.clock.Now(),
			Stage:   events.StageEmbedSkip,
			Attempt: note.EmbedRetryCount,
		})
		return
	}

	processing, err := notes.NextEmbedStatus(note.EmbedStatus, notes.EmbedEventStart)
	if err != nil {
		w.logger.Debug("note not eligible for embedding",
			zap.String("note_id", id.String()),
			zap.String("status", string(note.EmbedStatus)),
		)
		return
	}

	if w.embedder == nil {
		w.logger.Error("no embedding provider configured", zap.String("note_id", id.String()))
		note.EmbedStatus = processing
		w.failEmbed(ctx, note, "no embedding provider configured", w.clock.Now())
		return
	}

	// Persist Processing before the provider call so a crash mid-call is
	// observable by the recovery sweep.
	note.EmbedStatus = processing
	note.EmbedUpdatedAt = w.clock.Now()
	if err := w.store.Save(ctx, note); err != nil {
		w.logger.Error("persist embed processing status failed",
			zap.String("note_id", id.String()), zap.Error(err))
		return
	}
	w.emit(events.Event{
		NoteID:  events.UUIDToBytes(id),
		TS:      note.EmbedUpdatedAt,
		Stage:   events.StageEmbedStart,
		Attempt: note.EmbedRetryCount,
	})

	started := w.clock.Now()
	input := buildEmbedInput(note.Title, note.Content, w.cfg.MaxInputChars)
	result, err := w.embedder.Embed(ctx, input)
	if err != nil {
		if ctx.Err() != nil {
			// Shutdown mid-call; the note stays Processing for RecoverStuck.
			return
		}
		w.failEmbed(ctx, note, err.Error(), started)
		return
	}
	w.completeEmbed(ctx, note, result, started)
}

func (w *EmbeddingWorker) failEmbed(ctx context.Context, note notes.Note, errText string, started time.Time) {
	failed, err := notes.NextEmbedStatus(note.EmbedStatus, notes.EmbedEventFail)
	if err != nil {
		w.logger.Error("illegal embed failure transition",
			zap.String("note_id", note.ID.String()),
			zap.String("status", string(note.EmbedStatus)),
			zap.Error(err),
		)
		return
	}
	note.EmbedStatus = failed
	note.EmbedRetryCount++
	note.EmbedError = errText
	note.EmbedUpdatedAt = w.clock.Now()
	if err := w.store.Save(ctx, note); err != nil {
		w.logger.Error("persist embed failure failed",
			zap.String("note_id", note.ID.String()), zap.Error(err))
		return
	}
	w.logger.Warn("embedding failed",
		zap.String("note_id", note.ID.String()),
		zap.Int("retry_count", note.EmbedRetryCount),
		zap.String("error", errText),
	)
	w.emit(events.Event{
		NoteID:  events.UUIDToBytes(note.ID),
		TS:      note.EmbedUpdatedAt,
		Stage:   events.StageEmbedError,
		Attempt: note.EmbedRetryCount,
		Dur:     w.clock.Now().Sub(started),
		Note:    errText,
	})
}

func (w *EmbeddingWorker) completeEmbed(ctx context.Context, note notes.Note, result notes.EmbeddingResult, started time.Time) {
	completed, err := notes.NextEmbedStatus(note.EmbedStatus, notes.EmbedEventSucceed)
	if err != nil {
		w.logger.Error("illegal embed completion transition",
			zap.String("note_id", note.ID.String()),
			zap.String("status", string(note.EmbedStatus)),
			zap.Error(err),
		)
		return
	}
	note.EmbedStatus = completed
	note.Embedding = result.Vector
	note.EmbedModel = result.Model
	note.EmbedError = ""
	note.EmbedRetryCount = 0
	note.EmbedUpdatedAt = w.clock.Now()
	if err := w.store.Save(ctx, note); err != nil {
		w.logger.Error("persist embedding failed",
			zap.String("note_id", note.ID.String()), zap.Error(err))
		return
	}
	w.logger.Info("note embedded",
		zap.String("note_id", note.ID.String()),
		zap.String("model", result.Model),
		zap.Int("dimensions", len(result.Vector)),
	)
	w.emit(events.Event{
		NoteID: events.UUIDToBytes(note.ID),
		TS:     note.EmbedUpdatedAt,
		Stage:  events.StageEmbedDone,
		Dur:    w.clock.Now().Sub(started),
	})
	w.publishProcessed(ctx, note)
}

func (w *EmbeddingWorker) publishProcessed(ctx context.Context, note notes.Note) {
	if w.cfg.Topic == "" || w.publisher == nil {
		return
	}
	payload := map[string]any{
		"note_id":    note.ID.String(),
		"stage":      "embedding",
		"status":     string(note.EmbedStatus),
		"model":      note.EmbedModel,
		"dimensions": len(note.Embedding),
		"timestamp":  w.clock.Now().Format(time.RFC3339),
	}
	if _, err := w.publisher.Publish(ctx, w.cfg.Topic, payload); err != nil {
		w.logger.Warn("publish embedded note failed",
			zap.String("note_id", note.ID.String()), zap.Error(err))
	}
}

// GetPendingIDs returns notes eligible for (re)embedding: Pending, Failed,
// and Stale. Processing and Completed notes are excluded.
func (w *EmbeddingWorker) GetPendingIDs(ctx context.Context) ([]uuid.UUID, error) {
	ids, err := w.store.QueryEmbedStatus(ctx, notes.EmbedPending, notes.EmbedFailed, notes.EmbedStale)
	if err != nil {
		return nil, fmt.Errorf("query pending embeds: %w", err)
	}
	return ids, nil
}

// RecoverStuck resets notes left Processing by a prior crash back to Pending
// and re-enqueues them. It returns the number of notes recovered and is a
// no-op when nothing is stuck.
func (w *EmbeddingWorker) RecoverStuck(ctx context.Context) (int, error) {
	ids, err := w.store.QueryEmbedStatus(ctx, notes.EmbedProcessing)
	if err != nil {
		return 0, fmt.Errorf("query stuck embeds: %w", err)
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
		next, err := notes.NextEmbedStatus(note.EmbedStatus, notes.EmbedEventRecover)
		if err != nil {
			continue
		}
		note.EmbedStatus = next
		note.EmbedUpdatedAt = w.clock.Now()
		if err := w.store.Save(ctx, note); err != nil {
			return recovered, fmt.Errorf("reset stuck note %s: %w", id, err)
		}
		w.queue.Enqueue(id)
		recovered++
	}
	if recovered > 0 {
		w.logger.Info("recovered stuck embeddings", zap.Int("count", recovered))
	}
	return recovered, nil
}

func (w *EmbeddingWorker) emit(evt events.Event) {
	if w.emitter == nil {
		return
	}
	w.emitter.Emit(evt)
}

// buildEmbedInput joins the stripped title and content with a blank line and
// truncates to the character budget.
func buildEmbedInput(title, content string, maxChars int) string {
	input := htmlx.StripToPlainText(title) + "\n\n" + htmlx.StripToPlainText(content)
	if maxChars <= 0 {
		return input
	}
	runes := []rune(input)
	if len(runes) <= maxChars {
		return input
	}
	return string(runes[:maxChars])
}
