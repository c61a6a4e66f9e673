// Package notes defines core types shared across the processing subsystem.
package notes

import (
	"net/http"
	"time"

	"github.com/google/uuid"
)

// EmbedStatus represents the embedding lifecycle state of a note.
type EmbedStatus string

// Embed status values persisted in the note store.
const (
	EmbedNone       EmbedStatus = "none"
	EmbedPending    EmbedStatus = "pending"
	EmbedProcessing EmbedStatus = "processing"
	EmbedCompleted  EmbedStatus = "completed"
	EmbedFailed     EmbedStatus = "failed"
	EmbedStale      EmbedStatus = "stale"
)

// EnrichStatus represents the link-enrichment lifecycle state of a note.
type EnrichStatus string

// Enrich status values persisted in the note store.
const (
	EnrichNone       EnrichStatus = "none"
	EnrichPending    EnrichStatus = "pending"
	EnrichProcessing EnrichStatus = "processing"
	EnrichCompleted  EnrichStatus = "completed"
	EnrichFailed     EnrichStatus = "failed"
)

// Source identifies where a note originated.
type Source string

// Capture sources recognized by the ingestion loop.
const (
	SourceManual   Source = "manual"
	SourceEmail    Source = "email"
	SourceTelegram Source = "telegram"
	SourceUnknown  Source = "unknown"
)

// Note is the unit of work for the background workers. The two status blocks
// are independent: embedding and enrichment for the same note may complete in
// either order.
type Note struct {
	ID        uuid.UUID `json:"id"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	Source    Source    `json:"source"`
	SourceURI string    `json:"source_uri,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	EmbedStatus     EmbedStatus `json:"embed_status"`
	EmbedRetryCount int         `json:"embed_retry_count"`
	EmbedError      string      `json:"embed_error,omitempty"`
	EmbedUpdatedAt  time.Time   `json:"embed_updated_at"`
	EmbedModel      string      `json:"embed_model,omitempty"`
	Embedding       []float32   `json:"embedding,omitempty"`

	EnrichStatus     EnrichStatus   `json:"enrich_status"`
	EnrichRetryCount int            `json:"enrich_retry_count"`
	EnrichError      string         `json:"enrich_error,omitempty"`
	EnrichUpdatedAt  time.Time      `json:"enrich_updated_at"`
	Links            []LinkMetadata `json:"links,omitempty"`
}

// LinkMetadata is the per-URL enrichment result. A URL that was unsafe or
// failed to fetch keeps its entry with nil text fields; enrichment degrades
// per link, never per note.
type LinkMetadata struct {
	URL         string  `json:"url"`
	Title       *string `json:"title"`
	Description *string `json:"description"`
	Excerpt     *string `json:"excerpt"`
	Fetched     bool    `json:"fetched"`
	StatusCode  int     `json:"status_code,omitempty"`
}

// CaptureEnvelope is one raw message received from the remote capture queue.
// Receipt is the broker acknowledgement handle passed back to Delete.
type CaptureEnvelope struct {
	ID      string
	Source  string
	Body    []byte
	Receipt uint64
}

// Capture is a validated external payload ready to become a note.
type Capture struct {
	Source  Source
	Title   string
	Content string
	Sender  string
	ChatID  int64
}

// FetchRequest captures everything needed to fetch one URL during enrichment.
type FetchRequest struct {
	URL         string
	Timeout     time.Duration
	Headers     http.Header
	UseHeadless bool
}

// FetchResult is returned by a Fetcher implementation.
type FetchResult struct {
	URL          string
	StatusCode   int
	ContentType  string
	Body         []byte
	Duration     time.Duration
	UsedHeadless bool
}

// EmbeddingResult is returned by an Embedder on success.
type EmbeddingResult struct {
	Vector []float32
	Model  string
}

// NoteFilter narrows List calls from the read API.
type NoteFilter struct {
	EmbedStatus  *EmbedStatus
	EnrichStatus *EnrichStatus
	Limit        int
	Offset       int
}
