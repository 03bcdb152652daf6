package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/agape-platform/convsync/internal/bus"
	"github.com/agape-platform/convsync/internal/metrics"
	"github.com/agape-platform/convsync/internal/model"
	"github.com/agape-platform/convsync/internal/status"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const writeWait = 10 * time.Second

var errSuperseded = errors.New("channel: superseded by a newer session")

// Handler receives inbound events. Handlers run on the read goroutine in
// registration order and must not block on network calls.
type Handler func(Event)

// Matcher maps an inbound message to the temp id of a local action.
type Matcher func(model.Message) (string, bool)

// TokenSource fetches a fresh short-lived channel token.
type TokenSource func(ctx context.Context) (string, error)

// Config controls the transport and reconnect policy.
type Config struct {
	URL              string
	UserID           string
	HandshakeTimeout time.Duration
	PingPeriod       time.Duration
	MaxRetries       uint64
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
}

func (c Config) withDefaults() Config {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.PingPeriod <= 0 {
		c.PingPeriod = 30 * time.Second
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 5
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	return c
}

// Channel is the authenticated realtime connection. At most one transport
// is open at a time.
type Channel struct {
	cfg     Config
	machine *status.Machine
	bus     *bus.Bus
	logger  *zap.Logger
	dialer  *websocket.Dialer

	// mu guards everything below and orders session changes.
	mu       sync.Mutex
	conn     *websocket.Conn
	connID   string
	token    string
	tokens   TokenSource
	matcher  Matcher
	rooms    map[string]struct{}
	handlers map[string][]Handler
	cancel   context.CancelFunc

	wmu sync.Mutex
}

// New creates a disconnected channel.
func New(cfg Config, machine *status.Machine, b *bus.Bus, logger *zap.Logger) *Channel {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	return &Channel{
		cfg:     cfg,
		machine: machine,
		bus:     b,
		logger:  logger,
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		rooms:    make(map[string]struct{}),
		handlers: make(map[string][]Handler),
	}
}

// SetTokenSource installs the source used to refresh expired tokens.
func (c *Channel) SetTokenSource(ts TokenSource) {
	c.mu.Lock()
	c.tokens = ts
	c.mu.Unlock()
}

// SetMatcher installs the dedup hook applied to inbound messages.
func (c *Channel) SetMatcher(m Matcher) {
	c.mu.Lock()
	c.matcher = m
	c.mu.Unlock()
}

// Status returns the current connection state.
func (c *Channel) Status() status.State {
	return c.machine.Current()
}

// OnEvent registers a handler for an inbound event type.
func (c *Channel) OnEvent(eventType string, h Handler) {
	c.mu.Lock()
	c.handlers[eventType] = append(c.handlers[eventType], h)
	c.mu.Unlock()
}

// Connect opens and authenticates the transport. When a connection is
// already open or being opened it returns the current state and does not
// dial again.
func (c *Channel) Connect(ctx context.Context, token string) (status.State, error) {
	sess, ok := c.beginSession(token)
	if !ok {
		return c.machine.Current(), nil
	}
	c.logger.Info("connecting channel", zap.String("url", c.cfg.URL))
	if err := c.open(ctx, sess, token); err != nil {
		c.failSession(sess)
		c.logger.Warn("channel connect failed", zap.Error(err))
		return c.machine.Current(), err
	}
	return status.Connected, nil
}

// Disconnect tears the connection down, cancels pending reconnects and
// forgets room memberships.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	conn := c.conn
	c.conn = nil
	clear(c.rooms)
	c.machine.Reset()
	c.mu.Unlock()

	if conn != nil {
		c.closeConn(conn)
		c.logger.Info("channel disconnected")
	}
}

// JoinRoom subscribes to a meeting room. Membership is kept while offline
// and sent on the next connect.
func (c *Channel) JoinRoom(meetingID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.rooms[meetingID]; ok {
		return nil
	}
	c.rooms[meetingID] = struct{}{}
	if c.conn == nil {
		return nil
	}
	return c.write(c.conn, eventJoinMeeting, roomPayload{MeetingID: meetingID, UserID: c.cfg.UserID})
}

// LeaveRoom unsubscribes from a meeting room.
func (c *Channel) LeaveRoom(meetingID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.rooms[meetingID]; !ok {
		return nil
	}
	delete(c.rooms, meetingID)
	if c.conn == nil {
		return nil
	}
	return c.write(c.conn, eventLeaveMeeting, roomPayload{MeetingID: meetingID, UserID: c.cfg.UserID})
}

// Rooms returns the current room memberships, sorted.
func (c *Channel) Rooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Sorted(maps.Keys(c.rooms))
}

// beginSession moves Disconnected to Connecting and replaces the session
// context. It fails when another connection attempt owns the machine.
func (c *Channel) beginSession(token string) (context.Context, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.machine.TransitionFrom([]status.State{status.Disconnected}, status.Connecting); !ok {
		return nil, false
	}
	if c.cancel != nil {
		c.cancel()
	}
	sess, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.token = token
	return sess, true
}

// failSession drops back to Disconnected unless the session was already
// replaced or torn down.
func (c *Channel) failSession(sess context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sess.Err() == nil {
		c.machine.Reset()
	}
}

// open dials, authenticates and starts the read loop. The machine must be
// in Connecting.
func (c *Channel) open(ctx, sess context.Context, token string) error {
	hctx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()
	stopSess := context.AfterFunc(sess, cancel)
	defer stopSess()

	conn, _, err := c.dialer.DialContext(hctx, c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("%w: dial: %v", model.ErrConnectionLost, err)
	}
	if err := c.advance(sess, status.Authenticating); err != nil {
		_ = conn.Close()
		return err
	}

	stop := context.AfterFunc(hctx, func() { _ = conn.Close() })
	err = c.handshake(conn, token)
	if !stop() {
		_ = conn.Close()
		if err == nil || !errors.Is(err, model.ErrAuthRejected) {
			err = fmt.Errorf("%w: handshake: %v", model.ErrConnectionLost, hctx.Err())
		}
	}
	if err != nil {
		_ = conn.Close()
		return err
	}

	pongWait := 2 * c.cfg.PingPeriod
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	c.mu.Lock()
	if err := c.advanceLocked(sess, status.Connected); err != nil {
		c.mu.Unlock()
		_ = conn.Close()
		return err
	}
	c.conn = conn
	c.connID = uuid.NewString()
	connID := c.connID
	for _, room := range slices.Sorted(maps.Keys(c.rooms)) {
		if err := c.write(conn, eventJoinMeeting, roomPayload{MeetingID: room, UserID: c.cfg.UserID}); err != nil {
			c.logger.Warn("failed to rejoin room", zap.Error(err), zap.String("meeting_id", room))
		}
	}
	c.mu.Unlock()

	c.logger.Info("channel connected", zap.String("conn_id", connID))

	connCtx, connCancel := context.WithCancel(sess)
	go c.pingLoop(connCtx, conn)
	go c.readLoop(sess, connCancel, conn, pongWait)
	return nil
}

// advance moves the machine forward on behalf of sess. It fails when sess
// was torn down or replaced in the meantime.
func (c *Channel) advance(sess context.Context, to status.State) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.advanceLocked(sess, to)
}

func (c *Channel) advanceLocked(sess context.Context, to status.State) error {
	if sess.Err() != nil {
		return fmt.Errorf("%w: session closed", model.ErrConnectionLost)
	}
	if err := c.machine.Transition(to); err != nil {
		return fmt.Errorf("%w: %v", model.ErrConnectionLost, err)
	}
	return nil
}

func (c *Channel) handshake(conn *websocket.Conn, token string) error {
	if err := c.write(conn, eventAuthenticate, authPayload{Token: token}); err != nil {
		return fmt.Errorf("%w: send authenticate: %v", model.ErrConnectionLost, err)
	}
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("%w: handshake: %v", model.ErrConnectionLost, err)
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}
		switch f.Event {
		case eventAuthenticated:
			return nil
		case eventAuthError:
			var p authErrorPayload
			_ = json.Unmarshal(f.Data, &p)
			return fmt.Errorf("%w: %s", model.ErrAuthRejected, p.text())
		}
	}
}

func (c *Channel) readLoop(sess context.Context, done context.CancelFunc, conn *websocket.Conn, pongWait time.Duration) {
	defer done()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			done()
			c.dropped(sess, conn, err)
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.logger.Warn("ignoring malformed frame", zap.Error(err))
			continue
		}
		c.dispatch(f)
	}
}

func (c *Channel) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.wmu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.wmu.Unlock()
			if err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (c *Channel) dispatch(f frame) {
	metrics.IncChannelEvent(eventLabel(f.Event))

	c.mu.Lock()
	handlers := slices.Clone(c.handlers[f.Event])
	matcher := c.matcher
	c.mu.Unlock()

	evt := Event{Type: f.Event, Raw: f.Data}
	if f.Event == EventNewMessage || f.Event == EventNewMeetingMessage {
		m, err := decodeMessage(f.Data)
		if err != nil {
			c.logger.Warn("dropping undecodable message", zap.Error(err), zap.String("event", f.Event))
			metrics.IncDropped("channel")
			return
		}
		evt.Message = &m
		if matcher != nil {
			if id, ok := matcher(m); ok {
				evt.TempID = id
			}
		}
	}
	for _, h := range handlers {
		h(evt)
	}
}

// dropped handles a read error. An intentional Disconnect has already
// detached conn; anything else is a transport drop and starts a reconnect.
func (c *Channel) dropped(sess context.Context, conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	if sess.Err() != nil {
		c.mu.Unlock()
		return
	}
	_, ok := c.machine.TransitionFrom([]status.State{status.Connected}, status.Connecting)
	c.mu.Unlock()
	_ = conn.Close()
	if !ok {
		return
	}
	c.logger.Warn("channel transport dropped", zap.Error(cause))
	c.reconnect(sess)
}

func (c *Channel) reconnect(sess context.Context) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.cfg.InitialBackoff
	eb.MaxInterval = c.cfg.MaxBackoff
	eb.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, c.cfg.MaxRetries), sess)

	attempt := 0
	op := func() error {
		attempt++
		if sess.Err() != nil {
			return backoff.Permanent(sess.Err())
		}
		if attempt > 1 && !c.rearm(sess) {
			return backoff.Permanent(errSuperseded)
		}
		token, err := c.freshToken(sess)
		if err != nil {
			c.failSession(sess)
			metrics.IncReconnect("failure")
			return err
		}
		if err := c.open(sess, sess, token); err != nil {
			c.failSession(sess)
			metrics.IncReconnect("failure")
			if errors.Is(err, model.ErrAuthRejected) {
				return backoff.Permanent(err)
			}
			return err
		}
		return nil
	}
	notify := func(err error, wait time.Duration) {
		c.logger.Info("reconnect attempt failed", zap.Error(err), zap.Int("attempt", attempt), zap.Duration("retry_in", wait))
	}

	err := backoff.RetryNotify(op, policy, notify)
	if err == nil {
		metrics.IncReconnect("success")
		c.logger.Info("channel reconnected", zap.Int("attempts", attempt))
		c.bus.Emit(bus.KindChannelResync, nil)
		return
	}
	if sess.Err() != nil || errors.Is(err, errSuperseded) {
		return
	}
	c.failSession(sess)
	metrics.IncReconnect("exhausted")
	c.logger.Error("channel offline", zap.Error(err), zap.Int("attempts", attempt))
	c.bus.Emit(bus.KindChannelOffline, err.Error())
}

// rearm moves Disconnected back to Connecting for the next attempt.
func (c *Channel) rearm(sess context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sess.Err() != nil {
		return false
	}
	_, ok := c.machine.TransitionFrom([]status.State{status.Disconnected}, status.Connecting)
	return ok
}

// freshToken returns the cached token, refetching it when it has expired.
func (c *Channel) freshToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	token, ts := c.token, c.tokens
	c.mu.Unlock()

	if ts == nil || !tokenExpired(token, time.Now()) {
		return token, nil
	}
	fresh, err := ts(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: fetch token: %v", model.ErrConnectionLost, err)
	}
	c.mu.Lock()
	c.token = fresh
	c.mu.Unlock()
	return fresh, nil
}

func (c *Channel) write(conn *websocket.Conn, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(frame{Event: event, Data: data})
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, raw)
}

func (c *Channel) closeConn(conn *websocket.Conn) {
	c.wmu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
		time.Now().Add(writeWait))
	c.wmu.Unlock()
	_ = conn.Close()
}
