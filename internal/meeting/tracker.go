package meeting

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/agape-platform/convsync/internal/aggregate"
	"github.com/agape-platform/convsync/internal/bus"
	"github.com/agape-platform/convsync/internal/model"
	"github.com/agape-platform/convsync/internal/outbox"
	"go.uber.org/zap"
)

// RoomMembership joins and leaves a session's chat room.
type RoomMembership interface {
	JoinRoom(meetingID string) error
	LeaveRoom(meetingID string) error
}

// Controller performs host actions against the server.
type Controller interface {
	StartSession(ctx context.Context, id string) error
	EndSession(ctx context.Context, id, recordingURL string) error
}

// rank orders the forward lifecycle. Cancelled is reachable from any
// non-terminal state and is handled separately.
var rank = map[model.SessionStatus]int{
	model.SessionScheduled:  0,
	model.SessionInProgress: 1,
	model.SessionCompleted:  2,
}

// Tracker owns the state of every known meeting session and its chat
// transcript. All transitions go through one mutex.
type Tracker struct {
	mu          sync.Mutex
	localUserID string
	sessions    map[string]*model.Session
	transcripts map[string]*aggregate.Thread

	rooms  RoomMembership
	ctrl   Controller
	log    *outbox.Log
	bus    *bus.Bus
	logger *zap.Logger
}

// NewTracker creates a tracker. log may be nil, in which case host actions
// are not recorded as pending actions.
func NewTracker(localUserID string, rooms RoomMembership, ctrl Controller, log *outbox.Log, b *bus.Bus, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		localUserID: localUserID,
		sessions:    make(map[string]*model.Session),
		transcripts: make(map[string]*aggregate.Thread),
		rooms:       rooms,
		ctrl:        ctrl,
		log:         log,
		bus:         b,
		logger:      logger,
	}
}

// Load seeds or refreshes a session from fetched details. Metadata is
// replaced; the status only moves forward.
func (t *Tracker) Load(s model.Session) error {
	if s.ID == "" || !s.Status.Valid() {
		return fmt.Errorf("load session %q: %w", s.ID, model.ErrInvalidTransition)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	cur, ok := t.sessions[s.ID]
	if !ok {
		cp := s
		t.sessions[s.ID] = &cp
		if s.Status == model.SessionInProgress {
			t.joinLocked(s.ID)
		}
		t.publishLocked(s.ID)
		return nil
	}

	cur.Title = s.Title
	cur.HostID = s.HostID
	cur.MeetingLink = s.MeetingLink
	if _, err := t.applyLocked(s.ID, s.Status, s.RecordingURL); err != nil {
		t.logger.Debug("ignoring stale session status", zap.String("session_id", s.ID),
			zap.String("have", string(cur.Status)), zap.String("fetched", string(s.Status)))
	}
	t.publishLocked(s.ID)
	return nil
}

// Get returns a copy of the session state.
func (t *Tracker) Get(id string) (model.Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[id]
	if !ok {
		return model.Session{}, false
	}
	return *s, true
}

// Apply handles a status change reported by the server. It reports whether
// the state changed; repeating the current status is a no-op.
func (t *Tracker) Apply(id string, to model.SessionStatus, recordingURL string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	changed, err := t.applyLocked(id, to, recordingURL)
	if changed {
		t.publishLocked(id)
	}
	return changed, err
}

// Start begins a scheduled session. Only the host may start it, and the
// check happens before any network call.
func (t *Tracker) Start(ctx context.Context, id string) error {
	if err := t.guard(id, model.SessionInProgress, model.SessionScheduled); err != nil {
		if errors.Is(err, errAlready) {
			return nil
		}
		return err
	}
	return t.run(ctx, outbox.KindStartSession, outbox.Payload{SessionID: id}, model.SessionInProgress, "",
		func(ctx context.Context) error { return t.ctrl.StartSession(ctx, id) })
}

// End completes an in-progress session, optionally attaching a recording.
func (t *Tracker) End(ctx context.Context, id, recordingURL string) error {
	if err := t.guard(id, model.SessionCompleted, model.SessionInProgress); err != nil {
		if errors.Is(err, errAlready) {
			return nil
		}
		return err
	}
	return t.run(ctx, outbox.KindEndSession, outbox.Payload{SessionID: id, RecordingURL: recordingURL}, model.SessionCompleted, recordingURL,
		func(ctx context.Context) error { return t.ctrl.EndSession(ctx, id, recordingURL) })
}

var errAlready = errors.New("already in target state")

func (t *Tracker) guard(id string, to, from model.SessionStatus) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[id]
	if !ok {
		return fmt.Errorf("session %s: %w", id, model.ErrUnknownSession)
	}
	if s.HostID != t.localUserID {
		return fmt.Errorf("session %s: only the host can change its status: %w", id, model.ErrUnauthorized)
	}
	if s.Status == to {
		return errAlready
	}
	if s.Status != from {
		return fmt.Errorf("session %s: %s to %s: %w", id, s.Status, to, model.ErrInvalidTransition)
	}
	return nil
}

func (t *Tracker) run(ctx context.Context, kind outbox.Kind, payload outbox.Payload, to model.SessionStatus, recordingURL string, call func(context.Context) error) error {
	var tempID string
	if t.log != nil {
		tempID = t.log.Begin(kind, payload)
	}
	if err := call(ctx); err != nil {
		if t.log != nil {
			t.log.Fail(tempID, err)
		}
		t.logger.Warn("session action failed", zap.Error(err), zap.String("session_id", payload.SessionID), zap.String("kind", string(kind)))
		return &model.ActionFailedError{Kind: string(kind), TempID: tempID, Err: err}
	}
	if t.log != nil {
		t.log.Confirm(tempID, payload.SessionID)
	}
	_, err := t.Apply(payload.SessionID, to, recordingURL)
	return err
}

// applyLocked moves a session forward and performs room side effects.
// Entering in_progress joins the room; leaving it leaves the room.
func (t *Tracker) applyLocked(id string, to model.SessionStatus, recordingURL string) (bool, error) {
	s, ok := t.sessions[id]
	if !ok {
		return false, fmt.Errorf("session %s: %w", id, model.ErrUnknownSession)
	}
	if !to.Valid() {
		return false, fmt.Errorf("session %s: unknown status %q: %w", id, to, model.ErrInvalidTransition)
	}
	if s.Status == to {
		return false, nil
	}
	if s.Status.Terminal() {
		return false, fmt.Errorf("session %s: %s to %s: %w", id, s.Status, to, model.ErrInvalidTransition)
	}
	if to != model.SessionCancelled && rank[to] < rank[s.Status] {
		return false, fmt.Errorf("session %s: %s to %s: %w", id, s.Status, to, model.ErrInvalidTransition)
	}

	from := s.Status
	s.Status = to
	if to == model.SessionCompleted && recordingURL != "" {
		s.RecordingURL = recordingURL
	}
	t.logger.Info("session status changed", zap.String("session_id", id), zap.String("from", string(from)), zap.String("to", string(to)))

	switch {
	case to == model.SessionInProgress:
		t.joinLocked(id)
	case from == model.SessionInProgress:
		if err := t.rooms.LeaveRoom(id); err != nil {
			t.logger.Warn("failed to leave session room", zap.Error(err), zap.String("session_id", id))
		}
	}
	return true, nil
}

func (t *Tracker) joinLocked(id string) {
	if err := t.rooms.JoinRoom(id); err != nil {
		t.logger.Warn("failed to join session room", zap.Error(err), zap.String("session_id", id))
	}
}

func (t *Tracker) publishLocked(id string) {
	if s, ok := t.sessions[id]; ok {
		t.bus.Emit(bus.KindSessionUpdated, *s)
	}
}

// Active returns the ids of sessions that have not reached a terminal
// state.
func (t *Tracker) Active() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	for id, s := range t.sessions {
		if !s.Status.Terminal() {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out
}
