package model

import (
	"slices"
	"time"
)

// RecipientType identifies who a message is addressed to.
type RecipientType string

const (
	RecipientUser     RecipientType = "user"
	RecipientCamp     RecipientType = "camp"
	RecipientMinistry RecipientType = "ministry"
)

// MinistryPartner is the partner id shared by every ministry-wide message.
const MinistryPartner = "ministry"

// Message is a conversation or meeting chat message. Exactly one of ID and
// TempID identifies it: TempID while pending, ID once confirmed.
type Message struct {
	ID            string        `json:"_id,omitempty"`
	TempID        string        `json:"tempId,omitempty"`
	Content       string        `json:"content" validate:"required"`
	SenderID      string        `json:"sender_id" validate:"required"`
	RecipientType RecipientType `json:"recipient_type,omitempty"`
	RecipientID   string        `json:"recipient_id,omitempty"`
	MeetingID     string        `json:"meeting_id,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	ReadBy        []string      `json:"read_by,omitempty"`
}

// Identity returns the authoritative identifier of the message.
func (m Message) Identity() string {
	if m.ID != "" {
		return m.ID
	}
	return m.TempID
}

// Pending reports whether the message has not been confirmed by the server.
func (m Message) Pending() bool {
	return m.ID == "" && m.TempID != ""
}

// ReadByUser reports whether userID is listed in ReadBy.
func (m Message) ReadByUser(userID string) bool {
	return slices.Contains(m.ReadBy, userID)
}

// Clone returns a copy that does not share the ReadBy slice.
func (m Message) Clone() Message {
	m.ReadBy = slices.Clone(m.ReadBy)
	return m
}

// ConversationKey groups messages into one conversation.
type ConversationKey struct {
	Type      RecipientType
	PartnerID string
}

func (k ConversationKey) String() string {
	return string(k.Type) + ":" + k.PartnerID
}

// ConversationSummary is the one-entry-per-conversation view.
type ConversationSummary struct {
	Key    ConversationKey
	Latest Message
	Unread bool
}

// SessionStatus is the lifecycle status of a meeting session.
type SessionStatus string

const (
	SessionScheduled  SessionStatus = "scheduled"
	SessionInProgress SessionStatus = "in_progress"
	SessionCompleted  SessionStatus = "completed"
	SessionCancelled  SessionStatus = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionCancelled
}

// Valid reports whether s is a known status.
func (s SessionStatus) Valid() bool {
	switch s {
	case SessionScheduled, SessionInProgress, SessionCompleted, SessionCancelled:
		return true
	}
	return false
}

// Session is the locally tracked state of a meeting.
type Session struct {
	ID           string        `json:"_id"`
	Title        string        `json:"title,omitempty"`
	Status       SessionStatus `json:"status"`
	HostID       string        `json:"host_id"`
	MeetingLink  string        `json:"meeting_link,omitempty"`
	RecordingURL string        `json:"recording_url,omitempty"`
}
