package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// timeLayouts accepted for created_at. The backend emits naive ISO-8601
// timestamps, which are taken as UTC.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999",
}

func parseTime(s string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// UnmarshalJSON accepts created_at with or without a zone offset and a null
// recipient_id. Socket events and meeting chat rows name the id message_id
// and the sender user_id; those are used when _id or sender_id is absent.
func (m *Message) UnmarshalJSON(data []byte) error {
	type plain Message
	var aux struct {
		plain
		MessageID   string  `json:"message_id"`
		UserID      string  `json:"user_id"`
		RecipientID *string `json:"recipient_id"`
		CreatedAt   *string `json:"created_at"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*m = Message(aux.plain)
	if m.ID == "" {
		m.ID = aux.MessageID
	}
	if m.SenderID == "" {
		m.SenderID = aux.UserID
	}
	if aux.RecipientID != nil {
		m.RecipientID = *aux.RecipientID
	}
	if aux.CreatedAt != nil && *aux.CreatedAt != "" {
		t, err := parseTime(*aux.CreatedAt)
		if err != nil {
			return fmt.Errorf("message %s: %w", m.Identity(), err)
		}
		m.CreatedAt = t
	}
	return nil
}
