package sync

import (
	"github.com/agape-platform/convsync/internal/model"
)

// ConversationUpdate is the payload of conversation.updated. Removed is set
// when the last message of the conversation was discarded.
type ConversationUpdate struct {
	Summary model.ConversationSummary
	Removed bool
}

// SendFailure is the payload of message.send_failed. Content is the text
// the user typed, so the input can be restored.
type SendFailure struct {
	TempID    string
	Key       model.ConversationKey
	SessionID string
	Content   string
	Err       string
}

// Confirmation is the payload of message.confirmed.
type Confirmation struct {
	TempID    string
	MessageID string
}

// PrayerUpdate is the payload of prayer.updated. Err is set when a toggle
// was rolled back.
type PrayerUpdate struct {
	RequestID string
	Praying   bool
	Err       string
}

// SessionMessage is the payload of session.message.
type SessionMessage struct {
	SessionID string
	Message   model.Message
}
