package capture

import "strings"

// Validator applies the sender allow-lists. Rejections are expected behavior,
// not errors: the caller deletes the message without creating a note and
// without signalling anything to the sender.
type Validator struct {
	senders map[string]struct{}
	chatIDs map[int64]struct{}
}

// NewValidator builds a Validator from the configured allow-lists. Email
// sender matching is case-insensitive.
func NewValidator(allowedSenders []string, allowedChatIDs []int64) *Validator {
	v := &Validator{
		senders: make(map[string]struct{}, len(allowedSenders)),
		chatIDs: make(map[int64]struct{}, len(allowedChatIDs)),
	}
	for _, s := range allowedSenders {
		s = strings.ToLower(strings.TrimSpace(s))
		if s != "" {
			v.senders[s] = struct{}{}
		}
	}
	for _, id := range allowedChatIDs {
		v.chatIDs[id] = struct{}{}
	}
	return v
}

// Validate reports whether the capture may become a note. When it may not,
// reason holds a short operator-facing explanation.
func (v *Validator) Validate(c Classification) (reason string, ok bool) {
	switch c.Kind {
	case KindEmail:
		if c.Email == nil || c.Email.Sender == "" {
			return "missing sender", false
		}
		if _, allowed := v.senders[strings.ToLower(c.Email.Sender)]; !allowed {
			return "sender not allow-listed", false
		}
	case KindTelegram:
		if c.Telegram == nil || c.Telegram.ChatID == 0 {
			return "missing chat id", false
		}
		if _, allowed := v.chatIDs[c.Telegram.ChatID]; !allowed {
			return "chat id not allow-listed", false
		}
	default:
		return "unknown source", false
	}
	if c.Content() == "" {
		return "empty content", false
	}
	return "", true
}
