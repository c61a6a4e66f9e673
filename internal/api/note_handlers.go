package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/quillbox-app/quillbox-workers/internal/notes"
)

const (
	defaultNoteLimit = 50
	maxNoteLimit     = 500
	handlerTimeout   = 3 * time.Second
)

// Requeuer is the worker surface the API needs: feed a note ID back into the
// queue, report backlog depth, and run the recovery sweep on demand.
type Requeuer interface {
	Enqueue(id uuid.UUID)
	QueueLen() int
	RecoverStuck(ctx context.Context) (int, error)
}

// PollReporter reports when the ingestion loop last heard from the broker.
type PollReporter interface {
	LastPollTime() time.Time
}

// NoteHandler exposes note CRUD plus the operator endpoints.
type NoteHandler struct {
	store   notes.Store
	embed   Requeuer
	enrich  Requeuer
	ingest  PollReporter
	idGen   notes.IDGenerator
	clock   notes.Clock
	timeout time.Duration
	logger  *zap.Logger
}

// NewNoteHandler wires the store, the two worker queues, and the clocks. The
// ingestion reporter is optional; Stats omits the poll time when it is nil.
func NewNoteHandler(
	store notes.Store,
	embed Requeuer,
	enrich Requeuer,
	ingest PollReporter,
	idGen notes.IDGenerator,
	clock notes.Clock,
	logger *zap.Logger,
) *NoteHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NoteHandler{
		store:   store,
		embed:   embed,
		enrich:  enrich,
		ingest:  ingest,
		idGen:   idGen,
		clock:   clock,
		timeout: handlerTimeout,
		logger:  logger,
	}
}

// Readyz reports 200 once the note store is wired.
func (h *NoteHandler) Readyz(w http.ResponseWriter, _ *http.Request) {
	if h.store == nil {
		writeError(w, http.StatusServiceUnavailable, "note store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// CreateNote handles POST /v1/notes. The note is persisted synchronously and
// both processing queues are fed; 201 carries the stored note.
func (h *NoteHandler) CreateNote(w http.ResponseWriter, r *http.Request) {
	var req createNoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	req.Title = strings.TrimSpace(req.Title)
	req.Content = strings.TrimSpace(req.Content)
	if req.Content == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}

	id, err := h.idGen.NewID()
	if err != nil {
		h.logger.Error("generate note id failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to create note")
		return
	}
	now := h.clock.Now()
	note := notes.Note{
		ID:              id,
		Title:           req.Title,
		Content:         req.Content,
		Source:          notes.SourceManual,
		CreatedAt:       now,
		UpdatedAt:       now,
		EmbedStatus:     notes.EmbedPending,
		EmbedUpdatedAt:  now,
		EnrichStatus:    notes.EnrichPending,
		EnrichUpdatedAt: now,
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()
	if err := h.store.Save(ctx, note); err != nil {
		h.logger.Error("persist note failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to create note")
		return
	}
	h.embed.Enqueue(id)
	h.enrich.Enqueue(id)

	writeJSON(w, http.StatusCreated, map[string]any{"note": toNoteDTO(note)})
}

// GetNote handles GET /v1/notes/{note_id}.
func (h *NoteHandler) GetNote(w http.ResponseWriter, r *http.Request) {
	id, err := parseNoteID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	note, err := h.store.Load(ctx, id)
	if err != nil {
		if errors.Is(err, notes.ErrNotFound) {
			writeError(w, http.StatusNotFound, "note not found")
			return
		}
		h.logger.Error("load note failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load note")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"note": toNoteDTO(note)})
}

// ListNotes handles GET /v1/notes?embed_status=&enrich_status=&limit=&offset=.
func (h *NoteHandler) ListNotes(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parseLimitOffset(r, defaultNoteLimit, maxNoteLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	filter := notes.NoteFilter{Limit: limit, Offset: offset}

	if raw := strings.TrimSpace(r.URL.Query().Get("embed_status")); raw != "" {
		status, parseErr := parseEmbedStatus(raw)
		if parseErr != nil {
			writeError(w, http.StatusBadRequest, parseErr.Error())
			return
		}
		filter.EmbedStatus = &status
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("enrich_status")); raw != "" {
		status, parseErr := parseEnrichStatus(raw)
		if parseErr != nil {
			writeError(w, http.StatusBadRequest, parseErr.Error())
			return
		}
		filter.EnrichStatus = &status
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	result, err := h.store.List(ctx, filter)
	if err != nil {
		h.logger.Error("list notes failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list notes")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"notes": toNoteDTOs(result)})
}

// UpdateNote handles PATCH /v1/notes/{note_id}. Any edit outdates previously
// computed output: embedding goes Stale (or Pending if never completed),
// enrichment goes Pending, and both queues are fed again.
func (h *NoteHandler) UpdateNote(w http.ResponseWriter, r *http.Request) {
	id, err := parseNoteID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req updateNoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Title == nil && req.Content == nil {
		writeError(w, http.StatusBadRequest, "nothing to update")
		return
	}
	if req.Content != nil && strings.TrimSpace(*req.Content) == "" {
		writeError(w, http.StatusBadRequest, "content cannot be empty")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	note, err := h.store.Load(ctx, id)
	if err != nil {
		if errors.Is(err, notes.ErrNotFound) {
			writeError(w, http.StatusNotFound, "note not found")
			return
		}
		h.logger.Error("load note failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load note")
		return
	}

	if req.Title != nil {
		note.Title = strings.TrimSpace(*req.Title)
	}
	if req.Content != nil {
		note.Content = strings.TrimSpace(*req.Content)
	}
	now := h.clock.Now()
	note.UpdatedAt = now

	if next, ferr := notes.NextEmbedStatus(note.EmbedStatus, notes.EmbedEventEdit); ferr == nil {
		note.EmbedStatus = next
		note.EmbedUpdatedAt = now
	}
	if next, ferr := notes.NextEnrichStatus(note.EnrichStatus, notes.EnrichEventEdit); ferr == nil {
		note.EnrichStatus = next
		note.EnrichUpdatedAt = now
	}

	if err := h.store.Save(ctx, note); err != nil {
		h.logger.Error("persist note update failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to update note")
		return
	}
	h.embed.Enqueue(id)
	h.enrich.Enqueue(id)

	writeJSON(w, http.StatusOK, map[string]any{"note": toNoteDTO(note)})
}

// RequeueNote handles POST /v1/notes/{note_id}/requeue. The body selects the
// machine to reset: {"kind": "embed" | "enrich" | "both"}; an empty body means
// both. Requeueing clears the parked-Failed state regardless of retry count.
func (h *NoteHandler) RequeueNote(w http.ResponseWriter, r *http.Request) {
	id, err := parseNoteID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	kind := "both"
	var req requeueRequest
	if decodeErr := json.NewDecoder(r.Body).Decode(&req); decodeErr == nil && req.Kind != "" {
		kind = strings.ToLower(strings.TrimSpace(req.Kind))
	}
	if kind != "embed" && kind != "enrich" && kind != "both" {
		writeError(w, http.StatusBadRequest, "kind must be embed, enrich, or both")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	note, err := h.store.Load(ctx, id)
	if err != nil {
		if errors.Is(err, notes.ErrNotFound) {
			writeError(w, http.StatusNotFound, "note not found")
			return
		}
		h.logger.Error("load note failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load note")
		return
	}

	now := h.clock.Now()
	if kind == "embed" || kind == "both" {
		if next, ferr := notes.NextEmbedStatus(note.EmbedStatus, notes.EmbedEventRequeue); ferr == nil {
			note.EmbedStatus = next
			note.EmbedRetryCount = 0
			note.EmbedUpdatedAt = now
		}
	}
	if kind == "enrich" || kind == "both" {
		if next, ferr := notes.NextEnrichStatus(note.EnrichStatus, notes.EnrichEventRequeue); ferr == nil {
			note.EnrichStatus = next
			note.EnrichRetryCount = 0
			note.EnrichUpdatedAt = now
		}
	}

	if err := h.store.Save(ctx, note); err != nil {
		h.logger.Error("persist requeue failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to requeue note")
		return
	}
	if kind == "embed" || kind == "both" {
		h.embed.Enqueue(id)
	}
	if kind == "enrich" || kind == "both" {
		h.enrich.Enqueue(id)
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"note_id": id.String(),
		"kind":    kind,
		"status":  "requeued",
	})
}

// RecoverStuck handles POST /v1/admin/recover: an on-demand run of the crash
// recovery sweep over both machines.
func (h *NoteHandler) RecoverStuck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	embedN, err := h.embed.RecoverStuck(ctx)
	if err != nil {
		h.logger.Error("embed recovery sweep failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "recovery sweep failed")
		return
	}
	enrichN, err := h.enrich.RecoverStuck(ctx)
	if err != nil {
		h.logger.Error("enrich recovery sweep failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "recovery sweep failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{
		"embed_recovered":  embedN,
		"enrich_recovered": enrichN,
	})
}

// Stats handles GET /v1/stats.
func (h *NoteHandler) Stats(w http.ResponseWriter, _ *http.Request) {
	stats := statsResponse{
		EmbedQueueDepth:  h.embed.QueueLen(),
		EnrichQueueDepth: h.enrich.QueueLen(),
	}
	if h.ingest != nil {
		if last := h.ingest.LastPollTime(); !last.IsZero() {
			stats.LastPollTime = &last
		}
	}
	writeJSON(w, http.StatusOK, stats)
}

func parseNoteID(r *http.Request) (uuid.UUID, error) {
	raw := chi.URLParam(r, "note_id")
	if raw == "" {
		return uuid.UUID{}, errors.New("note_id is required")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.UUID{}, errors.New("invalid note_id")
	}
	return id, nil
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

func parseEmbedStatus(input string) (notes.EmbedStatus, error) {
	status := notes.EmbedStatus(strings.ToLower(input))
	switch status {
	case notes.EmbedNone, notes.EmbedPending, notes.EmbedProcessing,
		notes.EmbedCompleted, notes.EmbedFailed, notes.EmbedStale:
		return status, nil
	default:
		return "", errors.New("invalid embed_status")
	}
}

func parseEnrichStatus(input string) (notes.EnrichStatus, error) {
	status := notes.EnrichStatus(strings.ToLower(input))
	switch status {
	case notes.EnrichNone, notes.EnrichPending, notes.EnrichProcessing,
		notes.EnrichCompleted, notes.EnrichFailed:
		return status, nil
	default:
		return "", errors.New("invalid enrich_status")
	}
}

func toNoteDTOs(in []notes.Note) []noteDTO {
	out := make([]noteDTO, 0, len(in))
	for _, n := range in {
		out = append(out, toNoteDTO(n))
	}
	return out
}

func toNoteDTO(n notes.Note) noteDTO {
	dto := noteDTO{
		ID:               n.ID.String(),
		Title:            n.Title,
		Content:          n.Content,
		Source:           string(n.Source),
		SourceURI:        n.SourceURI,
		CreatedAt:        n.CreatedAt,
		UpdatedAt:        n.UpdatedAt,
		EmbedStatus:      string(n.EmbedStatus),
		EmbedRetryCount:  n.EmbedRetryCount,
		EmbedUpdatedAt:   n.EmbedUpdatedAt,
		EmbedModel:       n.EmbedModel,
		EmbedDimensions:  len(n.Embedding),
		EnrichStatus:     string(n.EnrichStatus),
		EnrichRetryCount: n.EnrichRetryCount,
		EnrichUpdatedAt:  n.EnrichUpdatedAt,
		Links:            n.Links,
	}
	if n.EmbedError != "" {
		dto.EmbedError = &n.EmbedError
	}
	if n.EnrichError != "" {
		dto.EnrichError = &n.EnrichError
	}
	return dto
}

type createNoteRequest struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

type updateNoteRequest struct {
	Title   *string `json:"title"`
	Content *string `json:"content"`
}

type requeueRequest struct {
	Kind string `json:"kind"`
}

type statsResponse struct {
	EmbedQueueDepth  int        `json:"embed_queue_depth"`
	EnrichQueueDepth int        `json:"enrich_queue_depth"`
	LastPollTime     *time.Time `json:"last_poll_time,omitempty"`
}

// noteDTO deliberately omits the raw embedding vector: it is large and opaque,
// and API consumers only need to know it exists.
type noteDTO struct {
	ID               string               `json:"id"`
	Title            string               `json:"title,omitempty"`
	Content          string               `json:"content"`
	Source           string               `json:"source"`
	SourceURI        string               `json:"source_uri,omitempty"`
	CreatedAt        time.Time            `json:"created_at"`
	UpdatedAt        time.Time            `json:"updated_at"`
	EmbedStatus      string               `json:"embed_status"`
	EmbedRetryCount  int                  `json:"embed_retry_count"`
	EmbedError       *string              `json:"embed_error,omitempty"`
	EmbedUpdatedAt   time.Time            `json:"embed_updated_at"`
	EmbedModel       string               `json:"embed_model,omitempty"`
	EmbedDimensions  int                  `json:"embed_dimensions"`
	EnrichStatus     string               `json:"enrich_status"`
	EnrichRetryCount int                  `json:"enrich_retry_count"`
	EnrichError      *string              `json:"enrich_error,omitempty"`
	EnrichUpdatedAt  time.Time            `json:"enrich_updated_at"`
	Links            []notes.LinkMetadata `json:"links,omitempty"`
}
