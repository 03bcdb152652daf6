package outbox

import (
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agape-platform/convsync/internal/model"
	"github.com/agape-platform/convsync/internal/store"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLog(opts ...Option) (*Log, *fakeClock) {
	clk := &fakeClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	return NewLog(nil, append([]Option{WithClock(clk.now)}, opts...)...), clk
}

func dm(content string) *model.Message {
	return &model.Message{
		Content:       content,
		SenderID:      "me",
		RecipientType: model.RecipientUser,
		RecipientID:   "bob",
	}
}

func TestBeginStampsMessage(t *testing.T) {
	l, clk := newTestLog()
	in := dm("hi")

	id := l.Begin(KindSendMessage, Payload{Message: in})
	require.NotEmpty(t, id)
	require.Empty(t, in.TempID, "caller's message must not be mutated")

	a, ok := l.Get(id)
	require.True(t, ok)
	require.Equal(t, InFlight, a.State)
	require.Equal(t, id, a.Payload.Message.TempID)
	require.Equal(t, clk.t, a.Payload.Message.CreatedAt)
	require.True(t, a.Payload.Message.Pending())
}

func TestResolutionIsSingleShot(t *testing.T) {
	l, _ := newTestLog()
	id := l.Begin(KindSendMessage, Payload{Message: dm("hi")})

	a, ok := l.Confirm(id, "m1")
	require.True(t, ok)
	require.Equal(t, Confirmed, a.State)
	require.Equal(t, "m1", a.Payload.Message.ID)

	_, ok = l.Fail(id, errors.New("late"))
	require.False(t, ok)
	_, ok = l.Confirm(id, "m2")
	require.False(t, ok)

	a, _ = l.Get(id)
	require.Equal(t, Confirmed, a.State)
	require.Equal(t, "m1", a.ServerID)
}

func TestFailReturnsPayload(t *testing.T) {
	l, _ := newTestLog()
	id := l.Begin(KindSendMessage, Payload{Message: dm("draft text")})

	a, ok := l.Fail(id, errors.New("503"))
	require.True(t, ok)
	require.Equal(t, Failed, a.State)
	require.Equal(t, "503", a.Error)
	require.Equal(t, "draft text", a.Payload.Message.Content)
}

func TestUnknownTempID(t *testing.T) {
	l, _ := newTestLog()
	_, ok := l.Confirm("nope", "m1")
	require.False(t, ok)
	_, ok = l.Fail("nope", errors.New("x"))
	require.False(t, ok)
}

func TestMatchIncomingByContent(t *testing.T) {
	l, clk := newTestLog()
	first := l.Begin(KindSendMessage, Payload{Message: dm("hi")})
	clk.advance(time.Second)
	second := l.Begin(KindSendMessage, Payload{Message: dm("hi")})

	echo := model.Message{ID: "m1", Content: "hi", SenderID: "me", RecipientType: model.RecipientUser, RecipientID: "bob", CreatedAt: clk.t}
	id, ok := l.MatchIncoming(echo)
	require.True(t, ok)
	require.Equal(t, first, id, "oldest in-flight action wins")

	_, ok = l.Confirm(first, "m1")
	require.True(t, ok)

	echo.ID = "m2"
	id, ok = l.MatchIncoming(echo)
	require.True(t, ok)
	require.Equal(t, second, id)
}

func TestMatchIncomingByServerID(t *testing.T) {
	l, clk := newTestLog()
	id := l.Begin(KindSendMessage, Payload{Message: dm("hi")})
	_, ok := l.Confirm(id, "m1")
	require.True(t, ok)

	// Echo arrives after REST confirmation; the content path no longer applies.
	clk.advance(time.Minute)
	got, ok := l.MatchIncoming(model.Message{ID: "m1", Content: "hi", SenderID: "me", RecipientType: model.RecipientUser, RecipientID: "bob", CreatedAt: clk.t})
	require.True(t, ok)
	require.Equal(t, id, got)
}

func TestMatchIncomingByTempID(t *testing.T) {
	l, _ := newTestLog()
	id := l.Begin(KindSendMessage, Payload{Message: dm("hi")})

	got, ok := l.MatchIncoming(model.Message{ID: "m1", TempID: id, Content: "edited by server"})
	require.True(t, ok)
	require.Equal(t, id, got)
}

func TestMatchIncomingRejects(t *testing.T) {
	l, clk := newTestLog()
	l.Begin(KindSendMessage, Payload{Message: dm("hi")})

	base := model.Message{ID: "x", Content: "hi", SenderID: "me", RecipientType: model.RecipientUser, RecipientID: "bob", CreatedAt: clk.t}

	other := base
	other.RecipientID = "carol"
	_, ok := l.MatchIncoming(other)
	require.False(t, ok, "different recipient")

	other = base
	other.SenderID = "bob"
	_, ok = l.MatchIncoming(other)
	require.False(t, ok, "different sender")

	other = base
	other.MeetingID = "s1"
	_, ok = l.MatchIncoming(other)
	require.False(t, ok, "meeting message never matches a direct send")

	other = base
	other.CreatedAt = clk.t.Add(DefaultMatchWindow + time.Second)
	_, ok = l.MatchIncoming(other)
	require.False(t, ok, "outside window")
}

func TestMatchIncomingMeetingMessage(t *testing.T) {
	l, clk := newTestLog()
	id := l.Begin(KindSendMeetingMessage, Payload{
		SessionID: "s1",
		Message:   &model.Message{Content: "hello all", SenderID: "me", MeetingID: "s1"},
	})

	got, ok := l.MatchIncoming(model.Message{ID: "m9", Content: "hello all", SenderID: "me", MeetingID: "s1", CreatedAt: clk.t})
	require.True(t, ok)
	require.Equal(t, id, got)
}

func TestPruneKeepsInFlight(t *testing.T) {
	l, clk := newTestLog(WithRetention(time.Minute))
	done := l.Begin(KindSendMessage, Payload{Message: dm("a")})
	open := l.Begin(KindSendMessage, Payload{Message: dm("b")})
	_, _ = l.Confirm(done, "m1")

	clk.advance(2 * time.Minute)
	require.Equal(t, 1, l.Prune())

	_, ok := l.Get(done)
	require.False(t, ok)
	_, ok = l.Get(open)
	require.True(t, ok)
	require.Len(t, l.Pending(), 1)
}

func TestJournalMirrorsTransitions(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "j.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	_, err = db.Migrate()
	require.NoError(t, err)

	l, _ := newTestLog(WithJournal(db))
	a := l.Begin(KindSendMessage, Payload{Message: dm("a")})
	b := l.Begin(KindTogglePrayer, Payload{RequestID: "p1", Praying: true})
	_, _ = l.Confirm(a, "m1")
	_, _ = l.Fail(b, errors.New("boom"))

	confirmed, err := db.ListActions(string(Confirmed))
	require.NoError(t, err)
	require.Len(t, confirmed, 1)
	require.Equal(t, "m1", confirmed[0].ServerID)

	failed, err := db.ListActions(string(Failed))
	require.NoError(t, err)
	require.Len(t, failed, 1)
	require.Equal(t, "boom", failed[0].ErrorMessage)
	require.Equal(t, string(KindTogglePrayer), failed[0].Kind)
}

func TestConcurrentBeginDistinctIDs(t *testing.T) {
	l := NewLog(nil)
	const n = 200

	ids := make(chan string, n)
	var wg sync.WaitGroup
	for range n {
		wg.Go(func() {
			ids <- l.Begin(KindSendMessage, Payload{Message: dm("hi")})
		})
	}
	wg.Wait()
	close(ids)

	seen := map[string]bool{}
	for id := range ids {
		require.False(t, seen[id], "duplicate temp id %s", id)
		seen[id] = true
	}
	require.Len(t, seen, n)
	require.Len(t, l.Pending(), n)
}

func TestConcurrentConfirmAndFailResolveOnce(t *testing.T) {
	l := NewLog(nil)
	for range 50 {
		id := l.Begin(KindSendMessage, Payload{Message: dm("race")})

		var wins atomic.Int32
		start := make(chan struct{})
		var wg sync.WaitGroup
		for i := range 8 {
			wg.Go(func() {
				<-start
				var ok bool
				if i%2 == 0 {
					_, ok = l.Confirm(id, "m1")
				} else {
					_, ok = l.Fail(id, errors.New("timeout"))
				}
				if ok {
					wins.Add(1)
				}
			})
		}
		close(start)
		wg.Wait()

		require.EqualValues(t, 1, wins.Load())
		a, _ := l.Get(id)
		require.NotEqual(t, InFlight, a.State)
		if a.State == Confirmed {
			require.Equal(t, "m1", a.ServerID)
			require.Empty(t, a.Error)
		} else {
			require.Empty(t, a.ServerID)
			require.Equal(t, "timeout", a.Error)
		}
	}
}
