package outbox

import (
	"time"

	"github.com/agape-platform/convsync/internal/model"
)

// Kind identifies what a pending action does.
type Kind string

const (
	KindSendMessage        Kind = "send_message"
	KindSendMeetingMessage Kind = "send_meeting_message"
	KindTogglePrayer       Kind = "toggle_prayer"
	KindStartSession       Kind = "start_session"
	KindEndSession         Kind = "end_session"
)

// State is the resolution state of a pending action.
type State string

const (
	InFlight  State = "in_flight"
	Confirmed State = "confirmed"
	Failed    State = "failed"
)

// Payload carries what is needed to perform an action and to revert its
// optimistic effect. Only the fields relevant to the kind are set.
type Payload struct {
	Message      *model.Message `json:"message,omitempty"`
	SessionID    string         `json:"session_id,omitempty"`
	RecordingURL string         `json:"recording_url,omitempty"`
	RequestID    string         `json:"request_id,omitempty"`
	Praying      bool           `json:"praying,omitempty"`
}

// PendingAction is a locally issued action awaiting server confirmation.
type PendingAction struct {
	TempID     string
	Kind       Kind
	Payload    Payload
	IssuedAt   time.Time
	State      State
	ServerID   string
	Error      string
	ResolvedAt time.Time

	seq uint64
}

func (a *PendingAction) clone() PendingAction {
	out := *a
	if a.Payload.Message != nil {
		m := a.Payload.Message.Clone()
		out.Payload.Message = &m
	}
	return out
}

// Lane names the target an action mutates. The Sender executes actions that
// share a lane one at a time, in submission order. "" means no ordering.
func (a PendingAction) Lane() string {
	switch a.Kind {
	case KindTogglePrayer:
		return "prayer:" + a.Payload.RequestID
	case KindSendMeetingMessage, KindStartSession, KindEndSession:
		return "session:" + a.Payload.SessionID
	case KindSendMessage:
		if m := a.Payload.Message; m != nil {
			return "conversation:" + string(m.RecipientType) + ":" + m.RecipientID
		}
	}
	return ""
}
