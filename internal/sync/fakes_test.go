package sync

import (
	"context"
	"encoding/json"
	stdsync "sync"
	"testing"
	"time"

	"github.com/agape-platform/convsync/internal/aggregate"
	"github.com/agape-platform/convsync/internal/bus"
	"github.com/agape-platform/convsync/internal/channel"
	"github.com/agape-platform/convsync/internal/meeting"
	"github.com/agape-platform/convsync/internal/model"
	"github.com/agape-platform/convsync/internal/outbox"
	"github.com/agape-platform/convsync/internal/restapi"
	"github.com/agape-platform/convsync/internal/status"
)

type fakeAPI struct {
	mu        stdsync.Mutex
	messages  []model.Message
	filters   []restapi.MessageFilter
	sent      []restapi.SendPayload
	sendID    string
	sendErr   error
	gate      chan struct{}
	sessions  map[string]model.Session
	marked    []string
	prayed    []bool
	prayErr   error         // fails pray=true calls
	slowPray  time.Duration // delays pray=true calls
	praying   map[string]bool
	started   []string
	ended     []string
	tokenCall int

	meetingMessages map[string][]model.Message
}

func (f *fakeAPI) FetchMessages(_ context.Context, filter restapi.MessageFilter) ([]model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filters = append(f.filters, filter)
	return append([]model.Message(nil), f.messages...), nil
}

func (f *fakeAPI) FetchMeetingMessages(_ context.Context, id string) ([]model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.Message(nil), f.meetingMessages[id]...), nil
}

func (f *fakeAPI) SendMessage(_ context.Context, p restapi.SendPayload) (string, error) {
	f.mu.Lock()
	f.sent = append(f.sent, p)
	gate, id, err := f.gate, f.sendID, f.sendErr
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	return id, err
}

func (f *fakeAPI) SendMeetingMessage(context.Context, string, string) (string, error) {
	f.mu.Lock()
	gate, id, err := f.gate, f.sendID, f.sendErr
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	return id, err
}

func (f *fakeAPI) MarkRead(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marked = append(f.marked, id)
	return nil
}

func (f *fakeAPI) FetchSessionDetails(_ context.Context, id string) (model.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return model.Session{}, model.ErrUnknownSession
	}
	return s, nil
}

func (f *fakeAPI) FetchChannelToken(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokenCall++
	return "tok", nil
}

func (f *fakeAPI) PrayForRequest(_ context.Context, id string, pray bool) error {
	f.mu.Lock()
	delay, err := f.slowPray, f.prayErr
	f.mu.Unlock()
	if !pray {
		delay, err = 0, nil
	}
	time.Sleep(delay)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prayed = append(f.prayed, pray)
	if err == nil {
		f.praying[id] = pray
	}
	return err
}

func (f *fakeAPI) serverPraying(id string) (praying, known bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	praying, known = f.praying[id]
	return praying, known
}

func (f *fakeAPI) StartSession(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, id)
	return nil
}

func (f *fakeAPI) EndSession(_ context.Context, id, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ended = append(f.ended, id)
	return nil
}

// fakeChannel dispatches events the way channel.Channel does, without a
// transport.
type fakeChannel struct {
	mu       stdsync.Mutex
	state    status.State
	handlers map[string][]channel.Handler
	matcher  channel.Matcher
	tokens   channel.TokenSource
	rooms    map[string]bool
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		state:    status.Disconnected,
		handlers: map[string][]channel.Handler{},
		rooms:    map[string]bool{},
	}
}

func (c *fakeChannel) Connect(context.Context, string) (status.State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = status.Connected
	return c.state, nil
}

func (c *fakeChannel) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = status.Disconnected
}

func (c *fakeChannel) Status() status.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *fakeChannel) OnEvent(t string, h channel.Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[t] = append(c.handlers[t], h)
}

func (c *fakeChannel) SetMatcher(m channel.Matcher)          { c.matcher = m }
func (c *fakeChannel) SetTokenSource(ts channel.TokenSource) { c.tokens = ts }

func (c *fakeChannel) JoinRoom(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rooms[id] = true
	return nil
}

func (c *fakeChannel) LeaveRoom(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.rooms, id)
	return nil
}

func (c *fakeChannel) deliverMessage(eventType string, m model.Message) {
	evt := channel.Event{Type: eventType, Message: &m}
	if c.matcher != nil {
		if id, ok := c.matcher(m); ok {
			evt.TempID = id
		}
	}
	c.deliver(evt)
}

// deliverJSON decodes body the way the channel does for message events.
func (c *fakeChannel) deliverJSON(t *testing.T, eventType, body string) {
	t.Helper()
	var m model.Message
	if err := json.Unmarshal([]byte(body), &m); err != nil {
		t.Fatalf("decode %s: %v", eventType, err)
	}
	c.deliverMessage(eventType, m)
}

func (c *fakeChannel) deliverRaw(eventType string, payload any) {
	raw, _ := json.Marshal(payload)
	c.deliver(channel.Event{Type: eventType, Raw: raw})
}

func (c *fakeChannel) deliver(evt channel.Event) {
	c.mu.Lock()
	hs := c.handlers[evt.Type]
	c.mu.Unlock()
	for _, h := range hs {
		h(evt)
	}
}

type harness struct {
	engine *Engine
	api    *fakeAPI
	ch     *fakeChannel
	bus    *bus.Bus
	log    *outbox.Log
}

const localUser = "me"

var partnerKey = model.ConversationKey{Type: model.RecipientUser, PartnerID: "P"}

func newHarness(t *testing.T) *harness {
	t.Helper()
	b := bus.New()
	api := &fakeAPI{
		sendID:          "m42",
		sessions:        map[string]model.Session{},
		praying:         map[string]bool{},
		meetingMessages: map[string][]model.Message{},
	}
	ch := newFakeChannel()
	log := outbox.NewLog(nil)
	tracker := meeting.NewTracker(localUser, ch, api, log, b, nil)
	agg := aggregate.New(localUser, nil)
	e := NewEngine(agg, log, tracker, api, ch, nil, b, nil, Options{SenderWorkers: 2, SendTimeout: time.Second})
	e.Start(context.Background())
	t.Cleanup(e.Stop)
	return &harness{engine: e, api: api, ch: ch, bus: b, log: log}
}

func (h *harness) summary(t *testing.T) model.ConversationSummary {
	t.Helper()
	for _, s := range h.engine.ConversationSummaries() {
		if s.Key == partnerKey {
			return s
		}
	}
	t.Fatalf("no summary for %s", partnerKey)
	return model.ConversationSummary{}
}

func (h *harness) hasSummary() bool {
	for _, s := range h.engine.ConversationSummaries() {
		if s.Key == partnerKey {
			return true
		}
	}
	return false
}
