package meeting

import (
	"github.com/agape-platform/convsync/internal/aggregate"
	"github.com/agape-platform/convsync/internal/model"
)

// PutMessage adds a chat message to its session transcript. Messages may
// arrive before the session itself is loaded.
func (t *Tracker) PutMessage(m model.Message) bool {
	if m.MeetingID == "" {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.transcriptLocked(m.MeetingID).Put(m)
}

// ConfirmMessage replaces a pending transcript entry by its confirmed form.
func (t *Tracker) ConfirmMessage(tempID string, confirmed model.Message) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.transcriptLocked(confirmed.MeetingID).Confirm(tempID, confirmed)
}

// DiscardMessage drops a pending transcript entry.
func (t *Tracker) DiscardMessage(meetingID, tempID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	tr, ok := t.transcripts[meetingID]
	if !ok {
		return false
	}
	return tr.Remove(tempID)
}

// Transcript returns a session's chat in display order.
func (t *Tracker) Transcript(meetingID string) []model.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	tr, ok := t.transcripts[meetingID]
	if !ok {
		return nil
	}
	return tr.Messages()
}

func (t *Tracker) transcriptLocked(meetingID string) *aggregate.Thread {
	tr, ok := t.transcripts[meetingID]
	if !ok {
		tr = aggregate.NewThread()
		t.transcripts[meetingID] = tr
	}
	return tr
}
