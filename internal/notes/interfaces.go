package notes

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound signals that the requested note does not exist.
var ErrNotFound = errors.New("note not found")

// ErrQueueClosed is returned by Dequeue once a queue is closed and drained.
// Consumers treat it as a shutdown signal rather than a failure.
var ErrQueueClosed = errors.New("queue closed")

// Store persists notes and answers status queries. Save is an upsert; workers
// are the only writers of the status fields after creation.
type Store interface {
	Load(ctx context.Context, id uuid.UUID) (Note, error)
	Save(ctx context.Context, note Note) error
	QueryEmbedStatus(ctx context.Context, statuses ...EmbedStatus) ([]uuid.UUID, error)
	QueryEnrichStatus(ctx context.Context, statuses ...EnrichStatus) ([]uuid.UUID, error)
	List(ctx context.Context, filter NoteFilter) ([]Note, error)
}

// IDQueue hands note IDs from producers to a single consumer. Enqueue never
// blocks and never drops; after Close it is a no-op.
type IDQueue interface {
	Enqueue(id uuid.UUID)
	Dequeue(ctx context.Context) (uuid.UUID, error)
	Len() int
}

// Embedder turns text into a vector. May fail for any provider reason.
type Embedder interface {
	Embed(ctx context.Context, text string) (EmbeddingResult, error)
}

// Fetcher retrieves a URL's content with a per-request timeout.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResult, error)
}

// SafetyChecker decides, before any request is made, whether a URL may be
// fetched from a server process.
type SafetyChecker interface {
	IsSafe(ctx context.Context, rawURL string) bool
}

// HeadlessDetector decides whether a probe response warrants a headless
// re-fetch before extraction.
type HeadlessDetector interface {
	ShouldPromote(probe FetchResult) bool
}

// CaptureQueue is the remote message queue feeding external captures. Messages
// not deleted are redelivered by the broker.
type CaptureQueue interface {
	ReceiveBatch(ctx context.Context, maxMessages int) ([]CaptureEnvelope, error)
	Delete(ctx context.Context, envelope CaptureEnvelope) error
}

// ArchiveStore writes raw capture payloads and returns a URI.
type ArchiveStore interface {
	Put(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher pushes processed-note events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Limiter throttles outbound enrichment fetches per host.
type Limiter interface {
	Wait(ctx context.Context, url string) error
}

// Hasher computes digests for archive paths and deduplication.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces note IDs.
type IDGenerator interface {
	NewID() (uuid.UUID, error)
}
