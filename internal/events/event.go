package events

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported lifecycle stages.
const (
	StageEmbedStart  Stage = "EMBED_START"
	StageEmbedDone   Stage = "EMBED_DONE"
	StageEmbedError  Stage = "EMBED_ERROR"
	StageEmbedSkip   Stage = "EMBED_SKIP"
	StageEnrichStart Stage = "ENRICH_START"
	StageEnrichDone  Stage = "ENRICH_DONE"
	StageEnrichError Stage = "ENRICH_ERROR"
	StageEnrichSkip  Stage = "ENRICH_SKIP"
	StageLinkFetch   Stage = "LINK_FETCH"
	StageCaptureOK   Stage = "CAPTURE_ACCEPTED"
	StageCaptureDrop Stage = "CAPTURE_REJECTED"
)

// StatusClass is a coarse HTTP response grouping for link fetches.
type StatusClass string

// Supported HTTP status classes tracked for link fetch completions.
const (
	Status2xx   StatusClass = "2xx"
	Status3xx   StatusClass = "3xx"
	Status4xx   StatusClass = "4xx"
	Status5xx   StatusClass = "5xx"
	StatusOther StatusClass = "other"
)

// Event captures a single note-processing milestone.
type Event struct {
	// NoteID identifies the note using the 16-byte UUID form. Capture
	// rejections carry a zero NoteID since no note was created.
	NoteID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which lifecycle milestone occurred.
	Stage Stage
	// Source labels capture events with the ingest channel (email, telegram).
	Source string
	// Host scopes link fetch events to the target hostname.
	Host string
	// URL is the optional link URL; it should not contain credentials.
	URL string
	// Bytes carries the response size for link fetches.
	Bytes int64
	// StatusClass groups link fetch HTTP response codes (2xx, 3xx, etc).
	StatusClass StatusClass
	// Attempt records the retry count in effect when the stage fired.
	Attempt int
	// Dur captures execution latency for fetches and worker completions.
	Dur time.Duration
	// Note lets emitters attach low-volume debug context (e.g. error text).
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageEmbedStart, StageEmbedDone, StageEmbedError, StageEmbedSkip,
		StageEnrichStart, StageEnrichDone, StageEnrichError, StageEnrichSkip:
		if e.NoteID == [16]byte{} {
			return errors.New("note id is required")
		}
	case StageLinkFetch:
		if e.NoteID == [16]byte{} {
			return errors.New("note id is required")
		}
		if e.Host == "" {
			return errors.New("link fetch requires host")
		}
		if e.StatusClass == "" {
			return errors.New("link fetch requires status class")
		}
	case StageCaptureOK:
		if e.NoteID == [16]byte{} {
			return errors.New("note id is required")
		}
		if e.Source == "" {
			return errors.New("capture event requires source")
		}
	case StageCaptureDrop:
		if e.Source == "" {
			return errors.New("capture event requires source")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// NoteUUID converts the binary note ID to uuid.UUID.
func (e Event) NoteUUID() uuid.UUID {
	return uuid.UUID(e.NoteID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}

// ClassifyStatus groups HTTP status codes for link fetch events.
func ClassifyStatus(code int) StatusClass {
	switch {
	case code >= 200 && code < 300:
		return Status2xx
	case code >= 300 && code < 400:
		return Status3xx
	case code >= 400 && code < 500:
		return Status4xx
	case code >= 500 && code < 600:
		return Status5xx
	default:
		return StatusOther
	}
}
