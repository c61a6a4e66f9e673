package events

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestEventValidate(t *testing.T) {
	t.Parallel()

	id := UUIDToBytes(uuid.New())
	now := time.Now()

	tests := []struct {
		name    string
		evt     Event
		wantErr bool
	}{
		{"embed start", Event{NoteID: id, TS: now, Stage: StageEmbedStart}, false},
		{"enrich error with note text", Event{NoteID: id, TS: now, Stage: StageEnrichError, Note: "boom"}, false},
		{"link fetch", Event{NoteID: id, TS: now, Stage: StageLinkFetch, Host: "example.com", StatusClass: Status2xx}, false},
		{"capture accepted", Event{NoteID: id, TS: now, Stage: StageCaptureOK, Source: "email"}, false},
		{"capture rejected without note", Event{TS: now, Stage: StageCaptureDrop, Source: "telegram"}, false},
		{"missing timestamp", Event{NoteID: id, Stage: StageEmbedStart}, true},
		{"missing note id", Event{TS: now, Stage: StageEmbedDone}, true},
		{"link fetch missing host", Event{NoteID: id, TS: now, Stage: StageLinkFetch, StatusClass: Status2xx}, true},
		{"link fetch missing status class", Event{NoteID: id, TS: now, Stage: StageLinkFetch, Host: "example.com"}, true},
		{"capture missing source", Event{TS: now, Stage: StageCaptureDrop}, true},
		{"unknown stage", Event{NoteID: id, TS: now, Stage: Stage("WAT")}, true},
		{"negative duration", Event{NoteID: id, TS: now, Stage: StageEmbedDone, Dur: -time.Second}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := tt.evt.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestClassifyStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		code int
		want StatusClass
	}{
		{200, Status2xx},
		{204, Status2xx},
		{301, Status3xx},
		{404, Status4xx},
		{503, Status5xx},
		{0, StatusOther},
		{999, StatusOther},
	}
	for _, tt := range tests {
		if got := ClassifyStatus(tt.code); got != tt.want {
			t.Fatalf("ClassifyStatus(%d) = %q, want %q", tt.code, got, tt.want)
		}
	}
}
