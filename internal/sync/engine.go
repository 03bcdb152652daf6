package sync

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	stdsync "sync"
	"time"

	"github.com/agape-platform/convsync/internal/aggregate"
	"github.com/agape-platform/convsync/internal/bus"
	"github.com/agape-platform/convsync/internal/channel"
	"github.com/agape-platform/convsync/internal/identity"
	"github.com/agape-platform/convsync/internal/meeting"
	"github.com/agape-platform/convsync/internal/model"
	"github.com/agape-platform/convsync/internal/outbox"
	"github.com/agape-platform/convsync/internal/restapi"
	"github.com/agape-platform/convsync/internal/status"
	"go.uber.org/zap"
)

// CheckpointLastRefresh records when messages were last fetched over REST.
const CheckpointLastRefresh = "last_refresh"

// resyncOverlap widens incremental refetches to cover clock skew.
const resyncOverlap = time.Minute

// Options tunes the engine.
type Options struct {
	SenderWorkers int
	SendTimeout   time.Duration
}

// Engine is the single entry point for the UI. It routes REST results,
// socket events and local actions into the aggregator and session tracker.
type Engine struct {
	agg     *aggregate.Aggregator
	log     *outbox.Log
	sender  *outbox.Sender
	tracker *meeting.Tracker
	api     API
	ch      Channel
	cp      Checkpointer
	bus     *bus.Bus
	logger  *zap.Logger

	mu          stdsync.Mutex
	prayers     map[string]bool
	prayerTemp  map[string]string // request id -> temp id of the latest toggle
	lastRefresh time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     stdsync.WaitGroup
}

// NewEngine wires the engine to its collaborators and registers the socket
// handlers. cp may be nil.
func NewEngine(agg *aggregate.Aggregator, log *outbox.Log, tracker *meeting.Tracker, api API, ch Channel, cp Checkpointer, b *bus.Bus, logger *zap.Logger, opts Options) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		agg:        agg,
		log:        log,
		tracker:    tracker,
		api:        api,
		ch:         ch,
		cp:         cp,
		bus:        b,
		logger:     logger,
		prayers:    make(map[string]bool),
		prayerTemp: make(map[string]string),
		ctx:        context.Background(),
	}
	e.sender = outbox.NewSender(log, executor{api: api}, e, logger.Named("sender"), opts.SenderWorkers, opts.SendTimeout)

	ch.SetMatcher(log.MatchIncoming)
	ch.SetTokenSource(api.FetchChannelToken)
	ch.OnEvent(channel.EventNewMessage, e.onMessage)
	ch.OnEvent(channel.EventNewMeetingMessage, e.onMeetingMessage)
	ch.OnEvent(channel.EventMessageConfirmed, e.onMessageConfirmed)
	ch.OnEvent(channel.EventMeetingStatusUpdate, e.onStatusUpdate)
	ch.OnEvent(channel.EventMeetingStarted, e.onStatusUpdate)
	ch.OnEvent(channel.EventMeetingEnded, e.onStatusUpdate)
	return e
}

// Start launches the sender and the resync listener.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	e.ctx = ctx
	e.sender.Start(ctx)

	resync, unsub := e.bus.Subscribe(bus.KindChannelResync, 4)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer unsub()
		for {
			select {
			case <-resync:
				if err := e.Refresh(ctx); err != nil {
					e.logger.Warn("resync refresh failed", zap.Error(err))
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops background work. In-flight sends finish first.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
	e.sender.Stop()
}

// Connect fetches a channel token and opens the realtime channel.
func (e *Engine) Connect(ctx context.Context) (status.State, error) {
	if st := e.ch.Status(); st != status.Disconnected {
		return st, nil
	}
	token, err := e.api.FetchChannelToken(ctx)
	if err != nil {
		return e.ch.Status(), fmt.Errorf("fetch channel token: %w", err)
	}
	return e.ch.Connect(ctx, token)
}

// Disconnect closes the realtime channel.
func (e *Engine) Disconnect() {
	e.ch.Disconnect()
}

// ChannelStatus returns the realtime channel state.
func (e *Engine) ChannelStatus() status.State {
	return e.ch.Status()
}

// Subscribe returns change notifications whose kind starts with prefix.
func (e *Engine) Subscribe(prefix string, buf int) (<-chan bus.Event, func()) {
	return e.bus.Subscribe(prefix, buf)
}

// Refresh refetches messages and active sessions over REST. The first call
// fetches everything; later calls only fetch what changed since the
// previous refresh.
func (e *Engine) Refresh(ctx context.Context) error {
	e.mu.Lock()
	since := e.lastRefresh
	e.mu.Unlock()

	started := time.Now()
	filter := restapi.MessageFilter{}
	if !since.IsZero() {
		filter.FromDate = since.Add(-resyncOverlap)
	}
	msgs, err := e.api.FetchMessages(ctx, filter)
	if err != nil {
		return fmt.Errorf("fetch messages: %w", err)
	}
	fresh := msgs[:0:0]
	for _, m := range msgs {
		if tempID, ok := e.log.MatchIncoming(m); ok && e.confirmEcho(tempID, m) {
			continue
		}
		fresh = append(fresh, m)
	}
	for key, summary := range e.agg.Ingest(fresh) {
		e.bus.Emit(bus.KindConversationUpdated, ConversationUpdate{Summary: summary})
		e.logger.Debug("conversation refreshed", zap.Stringer("key", key))
	}

	var errs []error
	for _, id := range e.tracker.Active() {
		if _, err := e.LoadSession(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}

	e.mu.Lock()
	if started.After(e.lastRefresh) {
		e.lastRefresh = started
	}
	e.mu.Unlock()
	if e.cp != nil {
		if err := e.cp.SetCheckpoint(CheckpointLastRefresh, started.UTC().Format(time.RFC3339Nano)); err != nil {
			e.logger.Warn("failed to save refresh checkpoint", zap.Error(err))
		}
	}
	e.logger.Info("refresh complete", zap.Int("messages", len(msgs)), zap.Bool("incremental", !since.IsZero()))
	return errors.Join(errs...)
}

// LastRefresh returns the time of the last completed refresh, including one
// from a previous run.
func (e *Engine) LastRefresh() (time.Time, bool) {
	e.mu.Lock()
	t := e.lastRefresh
	e.mu.Unlock()
	if !t.IsZero() {
		return t, true
	}
	if e.cp == nil {
		return time.Time{}, false
	}
	v, err := e.cp.Checkpoint(CheckpointLastRefresh)
	if err != nil || v == "" {
		return time.Time{}, false
	}
	t, err = time.Parse(time.RFC3339Nano, v)
	return t, err == nil
}

// ConversationSummaries returns one summary per conversation, newest first.
func (e *Engine) ConversationSummaries() []model.ConversationSummary {
	return e.agg.Summaries()
}

// MessagesFor returns a conversation's messages in display order.
func (e *Engine) MessagesFor(key model.ConversationKey) []model.Message {
	return e.agg.Messages(key)
}

// SendMessage shows the message immediately and sends it in the background.
// It returns the temp id of the optimistic message.
func (e *Engine) SendMessage(ctx context.Context, key model.ConversationKey, content string) (string, error) {
	if strings.TrimSpace(content) == "" {
		return "", fmt.Errorf("empty content: %w", model.ErrInvalidMessage)
	}
	rt, rid, err := identity.Recipient(key)
	if err != nil {
		return "", err
	}
	tempID := e.log.Begin(outbox.KindSendMessage, outbox.Payload{Message: &model.Message{
		Content:       content,
		SenderID:      e.agg.LocalUserID(),
		RecipientType: rt,
		RecipientID:   rid,
	}})
	a, _ := e.log.Get(tempID)
	if summary, ok := e.agg.ApplyOne(*a.Payload.Message); ok {
		e.bus.Emit(bus.KindConversationUpdated, ConversationUpdate{Summary: summary})
	}
	if err := e.sender.Submit(ctx, tempID); err != nil {
		if failed, ok := e.log.Fail(tempID, err); ok {
			e.Failed(failed, err)
		}
		return tempID, &model.ActionFailedError{Kind: string(outbox.KindSendMessage), TempID: tempID, Err: err}
	}
	return tempID, nil
}

// SendMeetingMessage posts to a session's chat optimistically.
func (e *Engine) SendMeetingMessage(ctx context.Context, sessionID, content string) (string, error) {
	if strings.TrimSpace(content) == "" || sessionID == "" {
		return "", fmt.Errorf("empty content or session: %w", model.ErrInvalidMessage)
	}
	tempID := e.log.Begin(outbox.KindSendMeetingMessage, outbox.Payload{
		SessionID: sessionID,
		Message: &model.Message{
			Content:   content,
			SenderID:  e.agg.LocalUserID(),
			MeetingID: sessionID,
		},
	})
	a, _ := e.log.Get(tempID)
	if e.tracker.PutMessage(*a.Payload.Message) {
		e.bus.Emit(bus.KindSessionMessage, SessionMessage{SessionID: sessionID, Message: *a.Payload.Message})
	}
	if err := e.sender.Submit(ctx, tempID); err != nil {
		if failed, ok := e.log.Fail(tempID, err); ok {
			e.Failed(failed, err)
		}
		return tempID, &model.ActionFailedError{Kind: string(outbox.KindSendMeetingMessage), TempID: tempID, Err: err}
	}
	return tempID, nil
}

// MarkRead marks every message in the conversation read locally, then
// tells the server.
func (e *Engine) MarkRead(ctx context.Context, key model.ConversationKey) error {
	ids := e.agg.MarkRead(key)
	if len(ids) == 0 {
		return nil
	}
	if summary, ok := e.agg.Summary(key); ok {
		e.bus.Emit(bus.KindConversationUpdated, ConversationUpdate{Summary: summary})
	}
	var errs []error
	for _, id := range ids {
		if err := e.api.MarkRead(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("mark %s read: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// LoadSession fetches a session and its chat history.
func (e *Engine) LoadSession(ctx context.Context, id string) (model.Session, error) {
	s, err := e.api.FetchSessionDetails(ctx, id)
	if err != nil {
		return model.Session{}, fmt.Errorf("fetch session %s: %w", id, err)
	}
	if err := e.tracker.Load(s); err != nil {
		return model.Session{}, err
	}
	msgs, err := e.api.FetchMeetingMessages(ctx, id)
	if err != nil {
		e.logger.Warn("failed to fetch session chat", zap.Error(err), zap.String("session_id", id))
	}
	for _, m := range msgs {
		e.tracker.PutMessage(m)
	}
	cur, _ := e.tracker.Get(id)
	return cur, nil
}

// SessionState returns the tracked state of a session.
func (e *Engine) SessionState(id string) (model.Session, bool) {
	return e.tracker.Get(id)
}

// SessionTranscript returns a session's chat in display order.
func (e *Engine) SessionTranscript(id string) []model.Message {
	return e.tracker.Transcript(id)
}

// StartSession starts a session the local user hosts.
func (e *Engine) StartSession(ctx context.Context, id string) error {
	return e.tracker.Start(ctx, id)
}

// EndSession ends a session the local user hosts.
func (e *Engine) EndSession(ctx context.Context, id, recordingURL string) error {
	return e.tracker.End(ctx, id, recordingURL)
}

// TogglePrayer flips the user's praying flag optimistically. Toggles on one
// request reach the server in call order.
func (e *Engine) TogglePrayer(ctx context.Context, requestID string, pray bool) (string, error) {
	if requestID == "" {
		return "", fmt.Errorf("empty prayer request id: %w", model.ErrInvalidMessage)
	}
	tempID := e.log.Begin(outbox.KindTogglePrayer, outbox.Payload{RequestID: requestID, Praying: pray})
	e.mu.Lock()
	e.prayers[requestID] = pray
	e.prayerTemp[requestID] = tempID
	e.mu.Unlock()
	e.bus.Emit(bus.KindPrayerUpdated, PrayerUpdate{RequestID: requestID, Praying: pray})

	if err := e.sender.Submit(ctx, tempID); err != nil {
		if failed, ok := e.log.Fail(tempID, err); ok {
			e.Failed(failed, err)
		}
		return tempID, &model.ActionFailedError{Kind: string(outbox.KindTogglePrayer), TempID: tempID, Err: err}
	}
	return tempID, nil
}

// Praying reports the local view of the user's praying flag.
func (e *Engine) Praying(requestID string) (praying, known bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	praying, known = e.prayers[requestID]
	return praying, known
}

// Resolved is called by the sender when a REST call confirmed an action.
func (e *Engine) Resolved(a outbox.PendingAction) {
	switch a.Kind {
	case outbox.KindSendMessage, outbox.KindSendMeetingMessage:
		e.applyConfirmed(a, *a.Payload.Message)
	case outbox.KindTogglePrayer:
		e.logger.Debug("prayer toggle confirmed", zap.String("request_id", a.Payload.RequestID))
	}
}

// Failed is called when an action's REST call failed. The optimistic effect
// is reverted and the original input is handed back to subscribers.
func (e *Engine) Failed(a outbox.PendingAction, err error) {
	switch a.Kind {
	case outbox.KindSendMessage:
		m := a.Payload.Message
		fail := SendFailure{TempID: a.TempID, Content: m.Content, Err: err.Error()}
		if summary, ok := e.agg.Discard(a.TempID); ok {
			fail.Key = summary.Key
			e.bus.Emit(bus.KindConversationUpdated, ConversationUpdate{Summary: summary, Removed: summary.Latest.Identity() == ""})
		}
		e.bus.Emit(bus.KindMessageSendFailed, fail)
	case outbox.KindSendMeetingMessage:
		e.tracker.DiscardMessage(a.Payload.SessionID, a.TempID)
		e.bus.Emit(bus.KindMessageSendFailed, SendFailure{
			TempID:    a.TempID,
			SessionID: a.Payload.SessionID,
			Content:   a.Payload.Message.Content,
			Err:       err.Error(),
		})
	case outbox.KindTogglePrayer:
		e.mu.Lock()
		latest := e.prayerTemp[a.Payload.RequestID] == a.TempID
		if latest {
			e.prayers[a.Payload.RequestID] = !a.Payload.Praying
		}
		e.mu.Unlock()
		if !latest {
			e.logger.Debug("superseded prayer toggle failed", zap.String("temp_id", a.TempID))
			return
		}
		e.bus.Emit(bus.KindPrayerUpdated, PrayerUpdate{RequestID: a.Payload.RequestID, Praying: !a.Payload.Praying, Err: err.Error()})
	}
}

// applyConfirmed replaces the optimistic message tempID by confirmed.
func (e *Engine) applyConfirmed(a outbox.PendingAction, confirmed model.Message) {
	if confirmed.ID == "" {
		e.logger.Warn("confirmation without message id", zap.String("temp_id", a.TempID))
		return
	}
	confirmed.TempID = ""
	if a.Kind == outbox.KindSendMeetingMessage {
		if confirmed.MeetingID == "" {
			confirmed.MeetingID = a.Payload.SessionID
		}
		if e.tracker.ConfirmMessage(a.TempID, confirmed) {
			e.bus.Emit(bus.KindSessionMessage, SessionMessage{SessionID: confirmed.MeetingID, Message: confirmed})
		}
	} else if summary, ok := e.agg.Confirm(a.TempID, confirmed); ok {
		e.bus.Emit(bus.KindConversationUpdated, ConversationUpdate{Summary: summary})
	}
	e.bus.Emit(bus.KindMessageConfirmed, Confirmation{TempID: a.TempID, MessageID: confirmed.ID})
}

// confirmEcho settles a server copy of a message that matched a local
// action. It reports false when the action failed, in which case the copy
// is an ordinary message.
func (e *Engine) confirmEcho(tempID string, m model.Message) bool {
	if a, ok := e.log.Confirm(tempID, m.ID); ok {
		e.logger.Debug("action confirmed by echo", zap.String("temp_id", tempID), zap.String("message_id", m.ID))
		e.applyConfirmed(a, m)
		return true
	}
	a, ok := e.log.Get(tempID)
	if !ok || a.State != outbox.Confirmed {
		return false
	}
	// Already confirmed through the other path: fold the server copy in
	// without announcing a second confirmation.
	m.TempID = ""
	if a.Kind == outbox.KindSendMeetingMessage {
		e.tracker.PutMessage(m)
	} else {
		e.agg.ApplyOne(m)
	}
	return true
}

func (e *Engine) onMessage(evt channel.Event) {
	m := *evt.Message
	if evt.TempID != "" && e.confirmEcho(evt.TempID, m) {
		return
	}
	m.TempID = ""
	if summary, ok := e.agg.ApplyOne(m); ok {
		e.bus.Emit(bus.KindConversationUpdated, ConversationUpdate{Summary: summary})
	}
}

func (e *Engine) onMeetingMessage(evt channel.Event) {
	m := *evt.Message
	if evt.TempID != "" && e.confirmEcho(evt.TempID, m) {
		return
	}
	m.TempID = ""
	if err := identity.Validate(m); err != nil || m.MeetingID == "" {
		e.logger.Warn("dropping meeting message", zap.Error(err), zap.String("message_id", m.ID))
		return
	}
	if e.tracker.PutMessage(m) {
		e.bus.Emit(bus.KindSessionMessage, SessionMessage{SessionID: m.MeetingID, Message: m})
	}
}

func (e *Engine) onMessageConfirmed(evt channel.Event) {
	var p struct {
		TempID    string `json:"tempId"`
		MessageID string `json:"message_id"`
	}
	if err := json.Unmarshal(evt.Raw, &p); err != nil || p.TempID == "" || p.MessageID == "" {
		e.logger.Warn("ignoring malformed message_confirmed", zap.Error(err))
		return
	}
	a, ok := e.log.Confirm(p.TempID, p.MessageID)
	if !ok || a.Payload.Message == nil {
		return
	}
	e.applyConfirmed(a, *a.Payload.Message)
}

func (e *Engine) onStatusUpdate(evt channel.Event) {
	// meeting_started carries the whole meeting document, keyed by _id or id.
	var p struct {
		MeetingID    string              `json:"meeting_id"`
		DocID        string              `json:"_id"`
		ID           string              `json:"id"`
		Status       model.SessionStatus `json:"status"`
		RecordingURL string              `json:"recording_url"`
	}
	err := json.Unmarshal(evt.Raw, &p)
	if p.MeetingID == "" {
		p.MeetingID = cmp.Or(p.DocID, p.ID)
	}
	if err != nil || p.MeetingID == "" {
		e.logger.Warn("ignoring malformed session event", zap.Error(err), zap.String("event", evt.Type))
		return
	}
	switch evt.Type {
	case channel.EventMeetingStarted:
		p.Status = model.SessionInProgress
	case channel.EventMeetingEnded:
		p.Status = model.SessionCompleted
	}
	if _, err = e.tracker.Apply(p.MeetingID, p.Status, p.RecordingURL); err != nil {
		if errors.Is(err, model.ErrUnknownSession) {
			e.loadLater(p.MeetingID)
			return
		}
		e.logger.Warn("rejected session event", zap.Error(err), zap.String("session_id", p.MeetingID))
	}
}

// loadLater fetches an unknown session off the read goroutine.
func (e *Engine) loadLater(id string) {
	ctx := e.ctx
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if _, err := e.LoadSession(ctx, id); err != nil {
			e.logger.Warn("failed to load session", zap.Error(err), zap.String("session_id", id))
		}
	}()
}
