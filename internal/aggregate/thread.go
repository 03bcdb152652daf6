package aggregate

import (
	"slices"
	"sort"

	"github.com/agape-platform/convsync/internal/model"
)

// Thread is an ordered set of messages keyed by message identity. It tracks
// arrival order so equal timestamps resolve deterministically. A Thread is not
// safe for concurrent use; its owner serializes access.
type Thread struct {
	entries map[string]*entry
	seq     uint64
}

type entry struct {
	msg model.Message
	seq uint64
}

// NewThread creates an empty thread.
func NewThread() *Thread {
	return &Thread{entries: make(map[string]*entry)}
}

// Put inserts or replaces a message. Re-putting an identical message is a
// no-op and reports false.
func (t *Thread) Put(m model.Message) bool {
	id := m.Identity()
	if e, ok := t.entries[id]; ok {
		if sameMessage(e.msg, m) {
			return false
		}
		e.msg = m.Clone()
		return true
	}
	t.seq++
	t.entries[id] = &entry{msg: m.Clone(), seq: t.seq}
	return true
}

// Confirm replaces the pending entry tempID by its confirmed form. If the
// confirmed message is already present (delivered by another path) the
// pending entry is simply dropped. Reports whether anything changed.
func (t *Thread) Confirm(tempID string, confirmed model.Message) bool {
	pending, hadPending := t.entries[tempID]
	if hadPending {
		delete(t.entries, tempID)
	}
	if _, ok := t.entries[confirmed.ID]; ok {
		return hadPending
	}
	if !hadPending {
		return t.Put(confirmed)
	}
	confirmed.TempID = ""
	t.entries[confirmed.ID] = &entry{msg: confirmed.Clone(), seq: pending.seq}
	return true
}

// Remove deletes a message by identity.
func (t *Thread) Remove(id string) bool {
	if _, ok := t.entries[id]; !ok {
		return false
	}
	delete(t.entries, id)
	return true
}

// Get returns a message by identity.
func (t *Thread) Get(id string) (model.Message, bool) {
	e, ok := t.entries[id]
	if !ok {
		return model.Message{}, false
	}
	return e.msg.Clone(), true
}

// Len returns the number of messages.
func (t *Thread) Len() int {
	return len(t.entries)
}

// Messages returns the messages in display order: by created_at, confirmed
// before pending at equal timestamps, then by arrival.
func (t *Thread) Messages() []model.Message {
	sorted := t.sorted()
	out := make([]model.Message, len(sorted))
	for i, e := range sorted {
		out[i] = e.msg.Clone()
	}
	return out
}

// Latest returns the message with the greatest created_at, preferring the
// later arrival on ties.
func (t *Thread) Latest() (model.Message, bool) {
	var best *entry
	for _, e := range t.entries {
		if best == nil || e.msg.CreatedAt.After(best.msg.CreatedAt) ||
			(e.msg.CreatedAt.Equal(best.msg.CreatedAt) && e.seq > best.seq) {
			best = e
		}
	}
	if best == nil {
		return model.Message{}, false
	}
	return best.msg.Clone(), true
}

func (t *Thread) sorted() []*entry {
	out := make([]*entry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.msg.CreatedAt.Equal(b.msg.CreatedAt) {
			return a.msg.CreatedAt.Before(b.msg.CreatedAt)
		}
		if a.msg.Pending() != b.msg.Pending() {
			return !a.msg.Pending()
		}
		return a.seq < b.seq
	})
	return out
}

func sameMessage(a, b model.Message) bool {
	return a.ID == b.ID &&
		a.TempID == b.TempID &&
		a.Content == b.Content &&
		a.SenderID == b.SenderID &&
		a.RecipientType == b.RecipientType &&
		a.RecipientID == b.RecipientID &&
		a.MeetingID == b.MeetingID &&
		a.CreatedAt.Equal(b.CreatedAt) &&
		slices.Equal(a.ReadBy, b.ReadBy)
}
