package channel

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// fakeServer is a scripted socket server speaking the JSON frame protocol.
type fakeServer struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu        sync.Mutex
	wmu       sync.Mutex
	conns     []*websocket.Conn
	reject    string
	silent    bool
	authDelay time.Duration
	refuse    bool

	dials    atomic.Int32
	received chan frame
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	fs := &fakeServer{received: make(chan frame, 128)}
	fs.srv = httptest.NewServer(http.HandlerFunc(fs.handle))
	t.Cleanup(func() {
		fs.dropAll()
		fs.srv.Close()
	})
	return fs
}

func (fs *fakeServer) url() string {
	return "ws" + strings.TrimPrefix(fs.srv.URL, "http")
}

func (fs *fakeServer) set(fn func(fs *fakeServer)) {
	fs.mu.Lock()
	fn(fs)
	fs.mu.Unlock()
}

func (fs *fakeServer) handle(w http.ResponseWriter, r *http.Request) {
	fs.mu.Lock()
	refuse := fs.refuse
	fs.mu.Unlock()
	if refuse {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	conn, err := fs.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	fs.dials.Add(1)
	fs.mu.Lock()
	fs.conns = append(fs.conns, conn)
	fs.mu.Unlock()
	go fs.serve(conn)
}

func (fs *fakeServer) serve(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}
		fs.received <- f
		if f.Event != eventAuthenticate {
			continue
		}
		fs.mu.Lock()
		reject, silent, delay := fs.reject, fs.silent, fs.authDelay
		fs.mu.Unlock()
		switch {
		case silent:
		case reject != "":
			fs.write(conn, eventAuthError, map[string]string{"message": reject})
		default:
			time.Sleep(delay)
			fs.write(conn, eventAuthenticated, map[string]string{})
		}
	}
}

func (fs *fakeServer) write(conn *websocket.Conn, event string, data any) {
	raw, _ := json.Marshal(data)
	msg, _ := json.Marshal(frame{Event: event, Data: raw})
	fs.wmu.Lock()
	defer fs.wmu.Unlock()
	_ = conn.WriteMessage(websocket.TextMessage, msg)
}

// send writes an event on the most recent connection.
func (fs *fakeServer) send(event string, data any) {
	fs.mu.Lock()
	conn := fs.conns[len(fs.conns)-1]
	fs.mu.Unlock()
	fs.write(conn, event, data)
}

func (fs *fakeServer) dropAll() {
	fs.mu.Lock()
	conns := fs.conns
	fs.conns = nil
	fs.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

// next waits for the next frame with the given event name, skipping others.
func (fs *fakeServer) next(t *testing.T, event string) frame {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case f := <-fs.received:
			if f.Event == event {
				return f
			}
		case <-deadline:
			t.Fatalf("no %q frame received", event)
			return frame{}
		}
	}
}

// drain collects frames until the server has been quiet for d.
func (fs *fakeServer) drain(d time.Duration) []frame {
	var out []frame
	for {
		select {
		case f := <-fs.received:
			out = append(out, f)
		case <-time.After(d):
			return out
		}
	}
}
