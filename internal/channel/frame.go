package channel

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/agape-platform/convsync/internal/model"
)

// Inbound event names.
const (
	EventNewMessage          = "new_message"
	EventNewMeetingMessage   = "new_meeting_message"
	EventMeetingStatusUpdate = "meeting_status_update"
	EventMessageConfirmed    = "message_confirmed"
	EventMeetingStarted      = "meeting_started"
	EventMeetingEnded        = "meeting_ended"

	eventAuthenticated = "authenticated"
	eventAuthError     = "authentication_error"
)

// Outbound event names.
const (
	eventAuthenticate = "authenticate"
	eventJoinMeeting  = "join_meeting"
	eventLeaveMeeting = "leave_meeting"
)

// eventLabel maps an event name to a metrics label. Names the channel does
// not handle collapse into "other".
func eventLabel(name string) string {
	switch name {
	case EventNewMessage, EventNewMeetingMessage, EventMeetingStatusUpdate,
		EventMessageConfirmed, EventMeetingStarted, EventMeetingEnded,
		eventAuthenticated, eventAuthError:
		return name
	}
	return "other"
}

// frame is the wire envelope of every socket message.
type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type authPayload struct {
	Token string `json:"token"`
}

type authErrorPayload struct {
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

func (p authErrorPayload) text() string {
	if p.Reason != "" {
		return p.Reason
	}
	if p.Message != "" {
		return p.Message
	}
	return "rejected"
}

type roomPayload struct {
	MeetingID string `json:"meeting_id"`
	UserID    string `json:"user_id"`
}

// Event is an inbound socket event handed to handlers. Message is set for
// new_message and new_meeting_message; TempID is set when the message was
// matched to a locally issued action.
type Event struct {
	Type    string
	Raw     json.RawMessage
	Message *model.Message
	TempID  string
}

// decodeMessage accepts both a bare message object and one wrapped as
// {"message": {...}}.
func decodeMessage(data json.RawMessage) (model.Message, error) {
	var wrapped struct {
		Message json.RawMessage `json:"message"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return model.Message{}, fmt.Errorf("decode message: %w", err)
	}
	body := data
	if bytes.HasPrefix(bytes.TrimSpace(wrapped.Message), []byte("{")) {
		body = wrapped.Message
	}
	var m model.Message
	if err := json.Unmarshal(body, &m); err != nil {
		return model.Message{}, fmt.Errorf("decode message: %w", err)
	}
	return m, nil
}
