// Package capture classifies and validates raw messages arriving from the
// external ingestion queue before they become notes.
package capture

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/quillbox-app/quillbox-workers/internal/notes"
)

// Kind tags the resolved capture source.
type Kind string

// Supported capture kinds.
const (
	KindEmail    Kind = "email"
	KindTelegram Kind = "telegram"
	KindUnknown  Kind = "unknown"
)

// Classification is the tagged union a raw message resolves to exactly once
// at ingestion. Only the field matching Kind is set.
type Classification struct {
	Kind     Kind
	Email    *EmailCapture
	Telegram *TelegramCapture
}

// EmailCapture is a parsed inbound email notification.
type EmailCapture struct {
	Sender  string
	Subject string
	Text    string
}

// TelegramCapture is a parsed inbound Telegram message.
type TelegramCapture struct {
	ChatID   int64
	Username string
	Text     string
}

// payloadShape matches the superset of supported message bodies so the source
// can be inferred when no attribute is present.
type payloadShape struct {
	Mail *struct {
		From    string `json:"from"`
		Subject string `json:"subject"`
	} `json:"mail"`
	Message *struct {
		Chat struct {
			ID int64 `json:"id"`
		} `json:"chat"`
		From struct {
			Username string `json:"username"`
		} `json:"from"`
		Text string `json:"text"`
	} `json:"message"`
	Text string `json:"text"`
}

// Classify resolves an envelope into a tagged Classification. The source
// attribute wins when present; otherwise the payload shape decides. An error
// means the body is not JSON at all; the caller must leave the message on
// the remote queue for redelivery.
func Classify(env notes.CaptureEnvelope) (Classification, error) {
	var shape payloadShape
	if err := json.Unmarshal(env.Body, &shape); err != nil {
		return Classification{}, fmt.Errorf("decode capture payload: %w", err)
	}

	kind := kindFromAttribute(env.Source)
	if kind == "" {
		kind = kindFromShape(shape)
	}

	switch kind {
	case KindEmail:
		email := &EmailCapture{Text: shape.Text}
		if shape.Mail != nil {
			email.Sender = shape.Mail.From
			email.Subject = shape.Mail.Subject
		}
		return Classification{Kind: KindEmail, Email: email}, nil
	case KindTelegram:
		telegram := &TelegramCapture{}
		if shape.Message != nil {
			telegram.ChatID = shape.Message.Chat.ID
			telegram.Username = shape.Message.From.Username
			telegram.Text = shape.Message.Text
		}
		return Classification{Kind: KindTelegram, Telegram: telegram}, nil
	default:
		return Classification{Kind: KindUnknown}, nil
	}
}

func kindFromAttribute(attr string) Kind {
	switch strings.ToLower(strings.TrimSpace(attr)) {
	case "":
		return ""
	case string(KindEmail):
		return KindEmail
	case string(KindTelegram):
		return KindTelegram
	default:
		return KindUnknown
	}
}

func kindFromShape(shape payloadShape) Kind {
	switch {
	case shape.Mail != nil:
		return KindEmail
	case shape.Message != nil:
		return KindTelegram
	default:
		return KindUnknown
	}
}

// Source maps the capture kind onto the note source label.
func (c Classification) Source() notes.Source {
	switch c.Kind {
	case KindEmail:
		return notes.SourceEmail
	case KindTelegram:
		return notes.SourceTelegram
	default:
		return notes.SourceUnknown
	}
}

// Title returns the note title derived from the capture.
func (c Classification) Title() string {
	if c.Kind == KindEmail && c.Email != nil {
		return strings.TrimSpace(c.Email.Subject)
	}
	return ""
}

// Content returns the note body derived from the capture.
func (c Classification) Content() string {
	switch c.Kind {
	case KindEmail:
		if c.Email != nil {
			return strings.TrimSpace(c.Email.Text)
		}
	case KindTelegram:
		if c.Telegram != nil {
			return strings.TrimSpace(c.Telegram.Text)
		}
	}
	return ""
}
