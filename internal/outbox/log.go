package outbox

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/agape-platform/convsync/internal/metrics"
	"github.com/agape-platform/convsync/internal/model"
	"github.com/agape-platform/convsync/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DefaultMatchWindow = 30 * time.Second
	DefaultRetention   = 2 * time.Minute
)

// Journal persists action transitions. *store.DB implements it.
type Journal interface {
	InsertAction(r *store.ActionRecord) error
	ResolveAction(tempID, state, serverID, errMsg string) (bool, error)
}

// Log tracks optimistic actions from Begin until exactly one of Confirm or
// Fail takes effect. It is safe for concurrent use.
type Log struct {
	mu        sync.Mutex
	actions   map[string]*PendingAction
	seq       uint64
	window    time.Duration
	retention time.Duration
	now       func() time.Time
	newID     func() string
	journal   Journal
	logger    *zap.Logger
}

// Option configures a Log.
type Option func(*Log)

// WithMatchWindow sets how far apart an echo and its action may be issued.
func WithMatchWindow(d time.Duration) Option {
	return func(l *Log) { l.window = d }
}

// WithRetention sets how long resolved actions stay matchable by server id.
func WithRetention(d time.Duration) Option {
	return func(l *Log) { l.retention = d }
}

// WithJournal mirrors every transition into j.
func WithJournal(j Journal) Option {
	return func(l *Log) { l.journal = j }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Log) { l.now = now }
}

// NewLog creates an empty mutation log.
func NewLog(logger *zap.Logger, opts ...Option) *Log {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Log{
		actions:   make(map[string]*PendingAction),
		window:    DefaultMatchWindow,
		retention: DefaultRetention,
		now:       time.Now,
		newID:     func() string { return "tmp-" + uuid.NewString() },
		logger:    logger,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Begin registers an in-flight action and returns its temp id. A message in
// the payload is copied and stamped with the temp id and, if unset, the
// issue time.
func (l *Log) Begin(kind Kind, payload Payload) string {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.pruneLocked()

	now := l.now()
	id := l.newID()
	if payload.Message != nil {
		m := payload.Message.Clone()
		m.TempID = id
		m.ID = ""
		if m.CreatedAt.IsZero() {
			m.CreatedAt = now
		}
		payload.Message = &m
	}
	l.seq++
	a := &PendingAction{
		TempID:   id,
		Kind:     kind,
		Payload:  payload,
		IssuedAt: now,
		State:    InFlight,
		seq:      l.seq,
	}
	l.actions[id] = a

	if l.journal != nil {
		raw, _ := json.Marshal(payload)
		if err := l.journal.InsertAction(&store.ActionRecord{
			TempID:   id,
			Kind:     string(kind),
			Payload:  raw,
			State:    string(InFlight),
			IssuedAt: now.UnixMilli(),
		}); err != nil {
			l.logger.Warn("failed to journal action", zap.Error(err), zap.String("temp_id", id))
		}
	}
	metrics.IncAction(string(kind), "begun")
	return id
}

// Confirm marks the action resolved with the server's id. Only the first
// resolution of a temp id takes effect; later calls report false.
func (l *Log) Confirm(tempID, serverID string) (PendingAction, bool) {
	return l.resolve(tempID, Confirmed, serverID, nil)
}

// Fail marks the action failed and returns it so the caller can revert its
// optimistic effect and restore the original input.
func (l *Log) Fail(tempID string, cause error) (PendingAction, bool) {
	return l.resolve(tempID, Failed, "", cause)
}

func (l *Log) resolve(tempID string, to State, serverID string, cause error) (PendingAction, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	a, ok := l.actions[tempID]
	if !ok {
		return PendingAction{}, false
	}
	if a.State != InFlight {
		return a.clone(), false
	}
	a.State = to
	a.ServerID = serverID
	a.ResolvedAt = l.now()
	if cause != nil {
		a.Error = cause.Error()
	}
	if a.Payload.Message != nil && serverID != "" {
		a.Payload.Message.ID = serverID
	}

	if l.journal != nil {
		if _, err := l.journal.ResolveAction(tempID, string(to), serverID, a.Error); err != nil {
			l.logger.Warn("failed to journal resolution", zap.Error(err), zap.String("temp_id", tempID))
		}
	}
	metrics.IncAction(string(a.Kind), string(to))
	return a.clone(), true
}

// Get returns an action by temp id.
func (l *Log) Get(tempID string) (PendingAction, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	a, ok := l.actions[tempID]
	if !ok {
		return PendingAction{}, false
	}
	return a.clone(), true
}

// Pending returns in-flight actions in issue order.
func (l *Log) Pending() []PendingAction {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []PendingAction
	for _, a := range l.actions {
		if a.State == InFlight {
			out = append(out, a.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// MatchIncoming finds the local action an inbound message corresponds to.
// The server does not echo temp ids on every path, so after trying the
// server id and an echoed temp id it falls back to matching kind, content,
// sender and destination of in-flight actions issued within the window,
// oldest first.
func (l *Log) MatchIncoming(m model.Message) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if m.ID != "" {
		for id, a := range l.actions {
			if a.ServerID == m.ID {
				metrics.IncDedupMatch("server_id")
				return id, true
			}
		}
	}
	if m.TempID != "" {
		if _, ok := l.actions[m.TempID]; ok {
			metrics.IncDedupMatch("temp_id")
			return m.TempID, true
		}
	}

	at := m.CreatedAt
	if at.IsZero() {
		at = l.now()
	}
	var best *PendingAction
	for _, a := range l.actions {
		if a.State != InFlight || !sameDestination(a, m) {
			continue
		}
		if diff := at.Sub(a.IssuedAt).Abs(); diff > l.window {
			continue
		}
		if best == nil || a.seq < best.seq {
			best = a
		}
	}
	if best == nil {
		return "", false
	}
	metrics.IncDedupMatch("content")
	return best.TempID, true
}

// Prune drops resolved actions older than the retention period.
func (l *Log) Prune() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pruneLocked()
}

func (l *Log) pruneLocked() int {
	cutoff := l.now().Add(-l.retention)
	n := 0
	for id, a := range l.actions {
		if a.State != InFlight && a.ResolvedAt.Before(cutoff) {
			delete(l.actions, id)
			n++
		}
	}
	return n
}

func sameDestination(a *PendingAction, m model.Message) bool {
	pm := a.Payload.Message
	if pm == nil || pm.Content != m.Content || pm.SenderID != m.SenderID {
		return false
	}
	switch a.Kind {
	case KindSendMeetingMessage:
		return m.MeetingID != "" && pm.MeetingID == m.MeetingID
	case KindSendMessage:
		return m.MeetingID == "" && pm.RecipientType == m.RecipientType && pm.RecipientID == m.RecipientID
	default:
		return false
	}
}
