package outbox

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agape-platform/convsync/internal/model"
	"github.com/stretchr/testify/require"
)

type stubExecutor struct {
	mu      sync.Mutex
	calls   []PendingAction
	err     error
	release chan struct{}
}

func (e *stubExecutor) Execute(_ context.Context, a PendingAction) (string, error) {
	e.mu.Lock()
	e.calls = append(e.calls, a)
	n := len(e.calls)
	e.mu.Unlock()
	if e.release != nil {
		<-e.release
	}
	if e.err != nil {
		return "", e.err
	}
	return "srv-" + string(rune('0'+n)), nil
}

type recorder struct {
	resolved chan PendingAction
	failed   chan PendingAction
}

func newRecorder() *recorder {
	return &recorder{resolved: make(chan PendingAction, 4), failed: make(chan PendingAction, 4)}
}

func (r *recorder) Resolved(a PendingAction)        { r.resolved <- a }
func (r *recorder) Failed(a PendingAction, _ error) { r.failed <- a }

func TestSenderConfirms(t *testing.T) {
	l := NewLog(nil)
	rec := newRecorder()
	s := NewSender(l, &stubExecutor{}, rec, nil, 2, time.Second)
	s.Start(context.Background())
	defer s.Stop()

	id := l.Begin(KindSendMessage, Payload{Message: &model.Message{Content: "hi", SenderID: "me", RecipientType: model.RecipientUser, RecipientID: "bob"}})
	require.NoError(t, s.Submit(context.Background(), id))

	select {
	case a := <-rec.resolved:
		require.Equal(t, id, a.TempID)
		require.Equal(t, "srv-1", a.ServerID)
	case <-time.After(2 * time.Second):
		t.Fatal("action was not resolved")
	}
}

func TestSenderFails(t *testing.T) {
	l := NewLog(nil)
	rec := newRecorder()
	s := NewSender(l, &stubExecutor{err: errors.New("503")}, rec, nil, 1, time.Second)
	s.Start(context.Background())
	defer s.Stop()

	id := l.Begin(KindTogglePrayer, Payload{RequestID: "p1", Praying: true})
	require.NoError(t, s.Submit(context.Background(), id))

	select {
	case a := <-rec.failed:
		require.Equal(t, Failed, a.State)
		require.Equal(t, "p1", a.Payload.RequestID)
	case <-time.After(2 * time.Second):
		t.Fatal("action did not fail")
	}
}

// An echo that confirms the action while the REST call is in flight wins;
// the later REST response must not produce a second resolution.
func TestSenderEchoBeforeResponse(t *testing.T) {
	l := NewLog(nil)
	rec := newRecorder()
	exec := &stubExecutor{release: make(chan struct{})}
	s := NewSender(l, exec, rec, nil, 1, time.Second)
	s.Start(context.Background())

	id := l.Begin(KindSendMessage, Payload{Message: &model.Message{Content: "hi", SenderID: "me", RecipientType: model.RecipientUser, RecipientID: "bob"}})
	require.NoError(t, s.Submit(context.Background(), id))

	require.Eventually(t, func() bool {
		exec.mu.Lock()
		defer exec.mu.Unlock()
		return len(exec.calls) == 1
	}, 2*time.Second, 10*time.Millisecond)

	_, ok := l.Confirm(id, "m-echo")
	require.True(t, ok)
	close(exec.release)
	s.Stop()

	require.Empty(t, rec.resolved)
	require.Empty(t, rec.failed)
	a, _ := l.Get(id)
	require.Equal(t, "m-echo", a.ServerID)
}

func TestSenderSubmitAfterStop(t *testing.T) {
	s := NewSender(NewLog(nil), &stubExecutor{}, nil, nil, 1, 0)
	s.Start(context.Background())
	s.Stop()
	require.ErrorIs(t, s.Submit(context.Background(), "x"), ErrSenderStopped)
}

// laneExecutor records execution order and the peak number of concurrent
// executions.
type laneExecutor struct {
	mu      sync.Mutex
	order   []bool
	running atomic.Int32
	peak    atomic.Int32
}

func (e *laneExecutor) Execute(_ context.Context, a PendingAction) (string, error) {
	n := e.running.Add(1)
	defer e.running.Add(-1)
	for {
		p := e.peak.Load()
		if n <= p || e.peak.CompareAndSwap(p, n) {
			break
		}
	}
	// Earlier toggles are slower so reordering would show.
	if a.Payload.Praying {
		time.Sleep(30 * time.Millisecond)
	}
	e.mu.Lock()
	e.order = append(e.order, a.Payload.Praying)
	e.mu.Unlock()
	return "", nil
}

func TestSenderSerializesLane(t *testing.T) {
	l := NewLog(nil)
	exec := &laneExecutor{}
	rec := &recorder{resolved: make(chan PendingAction, 8), failed: make(chan PendingAction, 8)}
	s := NewSender(l, exec, rec, nil, 4, time.Second)
	s.Start(context.Background())
	defer s.Stop()

	want := []bool{true, false, true, false}
	for _, pray := range want {
		id := l.Begin(KindTogglePrayer, Payload{RequestID: "p1", Praying: pray})
		require.NoError(t, s.Submit(context.Background(), id))
	}
	for range want {
		select {
		case <-rec.resolved:
		case <-time.After(2 * time.Second):
			t.Fatal("toggle was not resolved")
		}
	}

	exec.mu.Lock()
	defer exec.mu.Unlock()
	require.Equal(t, want, exec.order)
	require.EqualValues(t, 1, exec.peak.Load())
}

func TestActionLane(t *testing.T) {
	tests := []struct {
		name string
		a    PendingAction
		want string
	}{
		{"prayer", PendingAction{Kind: KindTogglePrayer, Payload: Payload{RequestID: "p1"}}, "prayer:p1"},
		{"meeting chat", PendingAction{Kind: KindSendMeetingMessage, Payload: Payload{SessionID: "s1"}}, "session:s1"},
		{"end session", PendingAction{Kind: KindEndSession, Payload: Payload{SessionID: "s1"}}, "session:s1"},
		{"direct", PendingAction{Kind: KindSendMessage, Payload: Payload{Message: &model.Message{RecipientType: model.RecipientUser, RecipientID: "bob"}}}, "conversation:user:bob"},
		{"unknown", PendingAction{Kind: "other"}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, tt.a.Lane())
		})
	}
}
