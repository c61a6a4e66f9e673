// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quillbox-app/quillbox-workers/internal/notes"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// NoteStoreConfig controls the Postgres connection pool used for note rows.
type NoteStoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// NoteStore implements notes.Store on top of Postgres. The embedding vector is
// stored as REAL[] and link metadata as JSONB, so a single row round-trips the
// full note.
type NoteStore struct {
	pool  querier
	table string
}

// NewNoteStore creates a Postgres-backed NoteStore using the provided config.
func NewNoteStore(ctx context.Context, cfg NoteStoreConfig) (*NoteStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	table := cfg.Table
	if table == "" {
		table = "notes"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &NoteStore{pool: pool, table: table}, nil
}

// NewNoteStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewNoteStoreWithPool(pool querier, table string) (*NoteStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "notes"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &NoteStore{pool: pool, table: table}, nil
}

// Close releases the underlying pool resources.
func (s *NoteStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

const noteColumns = `id, title, content, source, source_uri, created_at, updated_at,
	embed_status, embed_retry_count, embed_error, embed_updated_at, embed_model, embedding,
	enrich_status, enrich_retry_count, enrich_error, enrich_updated_at, links`

// Save upserts a note row.
func (s *NoteStore) Save(ctx context.Context, note notes.Note) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("note store is not configured")
	}
	if note.ID == uuid.Nil {
		return fmt.Errorf("note id is required")
	}
	linksJSON, err := json.Marshal(note.Links)
	if err != nil {
		return fmt.Errorf("marshal links: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (%s)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
ON CONFLICT (id) DO UPDATE SET
	title = EXCLUDED.title,
	content = EXCLUDED.content,
	source = EXCLUDED.source,
	source_uri = EXCLUDED.source_uri,
	updated_at = EXCLUDED.updated_at,
	embed_status = EXCLUDED.embed_status,
	embed_retry_count = EXCLUDED.embed_retry_count,
	embed_error = EXCLUDED.embed_error,
	embed_updated_at = EXCLUDED.embed_updated_at,
	embed_model = EXCLUDED.embed_model,
	embedding = EXCLUDED.embedding,
	enrich_status = EXCLUDED.enrich_status,
	enrich_retry_count = EXCLUDED.enrich_retry_count,
	enrich_error = EXCLUDED.enrich_error,
	enrich_updated_at = EXCLUDED.enrich_updated_at,
	links = EXCLUDED.links`, s.table, noteColumns)

	args := []any{
		note.ID,
		note.Title,
		note.Content,
		note.Source,
		note.SourceURI,
		note.CreatedAt,
		note.UpdatedAt,
		note.EmbedStatus,
		note.EmbedRetryCount,
		nullIfEmpty(note.EmbedError),
		note.EmbedUpdatedAt,
		note.EmbedModel,
		note.Embedding,
		note.EnrichStatus,
		note.EnrichRetryCount,
		nullIfEmpty(note.EnrichError),
		note.EnrichUpdatedAt,
		linksJSON,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert note: %w", err)
	}
	return nil
}

// Load fetches a note by ID, mapping no-rows to notes.ErrNotFound.
func (s *NoteStore) Load(ctx context.Context, id uuid.UUID) (notes.Note, error) {
	if s == nil || s.pool == nil {
		return notes.Note{}, fmt.Errorf("note store is not configured")
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, noteColumns, s.table)
	row := s.pool.QueryRow(ctx, query, id)
	note, err := scanNote(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return notes.Note{}, notes.ErrNotFound
		}
		return notes.Note{}, fmt.Errorf("load note: %w", err)
	}
	return note, nil
}

// QueryEmbedStatus returns IDs of notes whose embed status matches any of the
// given values, oldest first so recovery replays work in arrival order.
func (s *NoteStore) QueryEmbedStatus(ctx context.Context, statuses ...notes.EmbedStatus) ([]uuid.UUID, error) {
	values := make([]string, len(statuses))
	for i, status := range statuses {
		values[i] = string(status)
	}
	query := fmt.Sprintf(`SELECT id FROM %s WHERE embed_status = ANY($1) ORDER BY created_at`, s.table)
	return s.queryIDs(ctx, query, values)
}

// QueryEnrichStatus returns IDs of notes whose enrich status matches any of
// the given values, oldest first.
func (s *NoteStore) QueryEnrichStatus(ctx context.Context, statuses ...notes.EnrichStatus) ([]uuid.UUID, error) {
	values := make([]string, len(statuses))
	for i, status := range statuses {
		values[i] = string(status)
	}
	query := fmt.Sprintf(`SELECT id FROM %s WHERE enrich_status = ANY($1) ORDER BY created_at`, s.table)
	return s.queryIDs(ctx, query, values)
}

func (s *NoteStore) queryIDs(ctx context.Context, query string, statuses []string) ([]uuid.UUID, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("note store is not configured")
	}
	rows, err := s.pool.Query(ctx, query, statuses)
	if err != nil {
		return nil, fmt.Errorf("query note ids: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan note id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate note ids: %w", err)
	}
	return ids, nil
}

// List returns notes matching the filter, newest first.
func (s *NoteStore) List(ctx context.Context, filter notes.NoteFilter) ([]notes.Note, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("note store is not configured")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	query := fmt.Sprintf(`
SELECT %s FROM %s
WHERE ($1::text IS NULL OR embed_status = $1)
  AND ($2::text IS NULL OR enrich_status = $2)
ORDER BY created_at DESC
LIMIT $3 OFFSET $4`, noteColumns, s.table)

	rows, err := s.pool.Query(ctx, query, filter.EmbedStatus, filter.EnrichStatus, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list notes: %w", err)
	}
	defer rows.Close()

	var result []notes.Note
	for rows.Next() {
		note, err := scanNote(rows)
		if err != nil {
			return nil, fmt.Errorf("scan note row: %w", err)
		}
		result = append(result, note)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notes: %w", err)
	}
	return result, nil
}

func scanNote(row pgx.Row) (notes.Note, error) {
	var (
		note      notes.Note
		embedErr  *string
		enrichErr *string
		linksJSON []byte
	)
	err := row.Scan(
		&note.ID,
		&note.Title,
		&note.Content,
		&note.Source,
		&note.SourceURI,
		&note.CreatedAt,
		&note.UpdatedAt,
		&note.EmbedStatus,
		&note.EmbedRetryCount,
		&embedErr,
		&note.EmbedUpdatedAt,
		&note.EmbedModel,
		&note.Embedding,
		&note.EnrichStatus,
		&note.EnrichRetryCount,
		&enrichErr,
		&note.EnrichUpdatedAt,
		&linksJSON,
	)
	if err != nil {
		return notes.Note{}, err
	}
	if embedErr != nil {
		note.EmbedError = *embedErr
	}
	if enrichErr != nil {
		note.EnrichError = *enrichErr
	}
	if len(linksJSON) > 0 {
		if err := json.Unmarshal(linksJSON, &note.Links); err != nil {
			return notes.Note{}, fmt.Errorf("unmarshal links: %w", err)
		}
	}
	return note, nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
