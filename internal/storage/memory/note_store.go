// Package memory provides in-memory persistence for development and tests.
package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/quillbox-app/quillbox-workers/internal/notes"
)

// NoteStore implements notes.Store with an in-process map. Values are copied
// on the way in and out so callers never share slices with the store.
type NoteStore struct {
	mu    sync.RWMutex
	byID  map[uuid.UUID]notes.Note
	order []uuid.UUID
}

// NewNoteStore constructs an empty NoteStore.
func NewNoteStore() *NoteStore {
	return &NoteStore{
		byID: make(map[uuid.UUID]notes.Note),
	}
}

// Load fetches a note by ID, returning notes.ErrNotFound when absent.
func (s *NoteStore) Load(_ context.Context, id uuid.UUID) (notes.Note, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	note, ok := s.byID[id]
	if !ok {
		return notes.Note{}, notes.ErrNotFound
	}
	return cloneNote(note), nil
}

// Save upserts a note.
func (s *NoteStore) Save(_ context.Context, note notes.Note) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byID[note.ID]; !exists {
		s.order = append(s.order, note.ID)
	}
	s.byID[note.ID] = cloneNote(note)
	return nil
}

// QueryEmbedStatus returns IDs of notes whose embed status matches any of the
// given values, in insertion order.
func (s *NoteStore) QueryEmbedStatus(_ context.Context, statuses ...notes.EmbedStatus) ([]uuid.UUID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []uuid.UUID
	for _, id := range s.order {
		note := s.byID[id]
		for _, status := range statuses {
			if note.EmbedStatus == status {
				ids = append(ids, id)
				break
			}
		}
	}
	return ids, nil
}

// QueryEnrichStatus returns IDs of notes whose enrich status matches any of
// the given values, in insertion order.
func (s *NoteStore) QueryEnrichStatus(_ context.Context, statuses ...notes.EnrichStatus) ([]uuid.UUID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []uuid.UUID
	for _, id := range s.order {
		note := s.byID[id]
		for _, status := range statuses {
			if note.EnrichStatus == status {
				ids = append(ids, id)
				break
			}
		}
	}
	return ids, nil
}

// List returns notes matching the filter, newest first.
func (s *NoteStore) List(_ context.Context, filter notes.NoteFilter) ([]notes.Note, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []notes.Note
	for i := len(s.order) - 1; i >= 0; i-- {
		note := s.byID[s.order[i]]
		if filter.EmbedStatus != nil && note.EmbedStatus != *filter.EmbedStatus {
			continue
		}
		if filter.EnrichStatus != nil && note.EnrichStatus != *filter.EnrichStatus {
			continue
		}
		matched = append(matched, cloneNote(note))
	}

	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	if offset >= len(matched) {
		return []notes.Note{}, nil
	}
	matched = matched[offset:]
	if filter.Limit > 0 && filter.Limit < len(matched) {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

// Len reports the number of stored notes.
func (s *NoteStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

func cloneNote(note notes.Note) notes.Note {
	cp := note
	if note.Embedding != nil {
		cp.Embedding = append([]float32(nil), note.Embedding...)
	}
	if note.Links != nil {
		cp.Links = make([]notes.LinkMetadata, len(note.Links))
		for i, link := range note.Links {
			cp.Links[i] = cloneLink(link)
		}
	}
	return cp
}

func cloneLink(link notes.LinkMetadata) notes.LinkMetadata {
	cp := link
	cp.Title = cloneStringPtr(link.Title)
	cp.Description = cloneStringPtr(link.Description)
	cp.Excerpt = cloneStringPtr(link.Excerpt)
	return cp
}

func cloneStringPtr(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
