package worker

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/quillbox-app/quillbox-workers/internal/capture"
	"github.com/quillbox-app/quillbox-workers/internal/events"
	"github.com/quillbox-app/quillbox-workers/internal/notes"
)

const defaultBatchSize = 10

// IngestConfig controls the external ingestion loop.
type IngestConfig struct {
	// BatchSize caps how many messages one receive call may return.
	BatchSize int
	// ArchivePrefix is prepended to raw-payload archive paths.
	ArchivePrefix string
	// ContentType stored alongside archived payloads.
	ContentType string
}

// IngestionLoop long-polls the remote capture queue, classifies inbound
// payloads, persists them as new notes, and feeds both worker queues.
// Deletion of a remote message only ever follows successful persistence, so
// processing is at-least-once.
type IngestionLoop struct {
	captureQ  notes.CaptureQueue
	store     notes.Store
	archive   notes.ArchiveStore
	hasher    notes.Hasher
	idgen     notes.IDGenerator
	clock     notes.Clock
	embedQ    notes.IDQueue
	enrichQ   notes.IDQueue
	validator *capture.Validator
	emitter   events.Emitter
	backoff   *PollBackoff
	cfg       IngestConfig
	logger    *zap.Logger

	lastPoll atomic.Int64 // unix nanos of the last successful receive
}

// NewIngestionLoop constructs an IngestionLoop.
func NewIngestionLoop(
	captureQ notes.CaptureQueue,
	store notes.Store,
	archive notes.ArchiveStore,
	hasher notes.Hasher,
	idgen notes.IDGenerator,
	clock notes.Clock,
	embedQ notes.IDQueue,
	enrichQ notes.IDQueue,
	validator *capture.Validator,
	emitter events.Emitter,
	cfg IngestConfig,
	logger *zap.Logger,
) *IngestionLoop {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.ContentType == "" {
		cfg.ContentType = "application/json"
	}
	return &IngestionLoop{
		captureQ:  captureQ,
		store:     store,
		archive:   archive,
		hasher:    hasher,
		idgen:     idgen,
		clock:     clock,
		embedQ:    embedQ,
		enrichQ:   enrichQ,
		validator: validator,
		emitter:   emitter,
		backoff:   NewPollBackoff(),
		cfg:       cfg,
		logger:    logger,
	}
}

// LastPollTime reports when the last receive call succeeded; zero before the
// first successful poll.
func (l *IngestionLoop) LastPollTime() time.Time {
	nanos := l.lastPoll.Load()
	if nanos == 0 {
		return time.Time{}
	}
	return time.Unix(0, nanos).UTC()
}

// Run blocks, polling the capture queue until the context finishes. Receive
// failures back off exponentially; a cancellation observed during the
// long-poll is a clean shutdown, not an error.
func (l *IngestionLoop) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		batch, err := l.captureQ.ReceiveBatch(ctx, l.cfg.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			delay := l.backoff.Failure()
			l.logger.Error("receive batch failed",
				zap.Error(err), zap.Duration("retry_in", delay))
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}
		l.backoff.Reset()
		l.lastPoll.Store(l.clock.Now().UnixNano())

		for _, env := range batch {
			if ctx.Err() != nil {
				return
			}
			l.handleMessage(ctx, env)
		}
	}
}

// handleMessage processes one raw message. An unparseable body is left on the
// remote queue for redelivery; every other outcome deletes the message.
func (l *IngestionLoop) handleMessage(ctx context.Context, env notes.CaptureEnvelope) {
	classified, err := capture.Classify(env)
	if err != nil {
		// Poison message: keep it so the broker's redelivery policy can
		// inspect, retry, or expire it. The loop moves on regardless.
		l.logger.Error("unparseable capture payload",
			zap.String("message_id", env.ID), zap.Error(err))
		return
	}

	source := string(classified.Source())
	if reason, ok := l.validator.Validate(classified); !ok {
		l.logger.Info("capture rejected",
			zap.String("message_id", env.ID),
			zap.String("source", source),
			zap.String("reason", reason),
		)
		l.emit(events.Event{
			TS:     l.clock.Now(),
			Stage:  events.StageCaptureDrop,
			Source: source,
			Note:   reason,
		})
		// Expected rejection: there is nothing to retry.
		l.deleteMessage(ctx, env)
		return
	}

	note, err := l.buildNote(ctx, env, classified)
	if err != nil {
		l.logger.Error("build note failed",
			zap.String("message_id", env.ID), zap.Error(err))
		return
	}
	if err := l.store.Save(ctx, note); err != nil {
		// Message not deleted; the broker redelivers it later.
		l.logger.Error("persist captured note failed",
			zap.String("message_id", env.ID), zap.Error(err))
		return
	}

	l.embedQ.Enqueue(note.ID)
	l.enrichQ.Enqueue(note.ID)
	l.emit(events.Event{
		NoteID: events.UUIDToBytes(note.ID),
		TS:     l.clock.Now(),
		Stage:  events.StageCaptureOK,
		Source: source,
	})
	l.deleteMessage(ctx, env)
	l.logger.Info("capture ingested",
		zap.String("note_id", note.ID.String()),
		zap.String("message_id", env.ID),
		zap.String("source", source),
	)
}

func (l *IngestionLoop) buildNote(ctx context.Context, env notes.CaptureEnvelope, c capture.Classification) (notes.Note, error) {
	id, err := l.idgen.NewID()
	if err != nil {
		return notes.Note{}, fmt.Errorf("new note id: %w", err)
	}
	now := l.clock.Now()
	return notes.Note{
		ID:              id,
		Title:           c.Title(),
		Content:         c.Content(),
		Source:          c.Source(),
		SourceURI:       l.archivePayload(ctx, env, c),
		CreatedAt:       now,
		UpdatedAt:       now,
		EmbedStatus:     notes.EmbedPending,
		EmbedUpdatedAt:  now,
		EnrichStatus:    notes.EnrichPending,
		EnrichUpdatedAt: now,
	}, nil
}

// archivePayload stores the raw message body for audit. Archiving is best
// effort: a failure degrades to an empty SourceURI rather than blocking the
// capture.
func (l *IngestionLoop) archivePayload(ctx context.Context, env notes.CaptureEnvelope, c capture.Classification) string {
	if l.archive == nil || l.hasher == nil {
		return ""
	}
	hash, err := l.hasher.Hash(env.Body)
	if err != nil {
		l.logger.Warn("hash capture payload failed",
			zap.String("message_id", env.ID), zap.Error(err))
		return ""
	}
	uri, err := l.archive.Put(ctx, l.buildArchivePath(string(c.Source()), hash), l.cfg.ContentType, env.Body)
	if err != nil {
		l.logger.Warn("archive capture payload failed",
			zap.String("message_id", env.ID), zap.Error(err))
		return ""
	}
	return uri
}

func (l *IngestionLoop) buildArchivePath(source, hash string) string {
	prefix := strings.Trim(l.cfg.ArchivePrefix, "/")
	if prefix == "" {
		return fmt.Sprintf("%s/%s.json", source, hash)
	}
	return fmt.Sprintf("%s/%s/%s.json", prefix, source, hash)
}

func (l *IngestionLoop) deleteMessage(ctx context.Context, env notes.CaptureEnvelope) {
	if err := l.captureQ.Delete(ctx, env); err != nil {
		// The message will be redelivered; dedup is not this loop's concern.
		l.logger.Error("delete capture message failed",
			zap.String("message_id", env.ID), zap.Error(err))
	}
}

func (l *IngestionLoop) emit(evt events.Event) {
	if l.emitter == nil {
		return
	}
	l.emitter.Emit(evt)
}
