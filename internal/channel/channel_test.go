package channel

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/z-tavern/chatsync/internal/transport"
)

var creds = transport.Credentials{UserID: 1, Token: "alice-token"}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type failingDialer struct {
	calls atomic.Int32
}

func (d *failingDialer) Open(ctx context.Context, path string, c transport.Credentials) (*websocket.Conn, error) {
	d.calls.Add(1)
	return nil, errors.New("connection refused")
}

func TestBackoffSequence(t *testing.T) {
	want := []time.Duration{
		1000 * time.Millisecond,
		2000 * time.Millisecond,
		4000 * time.Millisecond,
		8000 * time.Millisecond,
		10000 * time.Millisecond,
		10000 * time.Millisecond,
	}
	for n, w := range want {
		if got := Backoff(n, time.Second, 10*time.Second); got != w {
			t.Fatalf("Backoff(%d) = %s, want %s", n, got, w)
		}
	}
	if got := Backoff(64, 0, 0); got != DefaultMaxDelay {
		t.Fatalf("Backoff with large attempts = %s", got)
	}
}

func TestStartWithoutCredentialIsNoop(t *testing.T) {
	dialer := &failingDialer{}
	ch := New(dialer, Options{Path: "/ws/0/notifications", Logger: zerolog.Nop()})

	ch.Start()
	time.Sleep(20 * time.Millisecond)

	if dialer.calls.Load() != 0 {
		t.Fatalf("expected no dial, got %d", dialer.calls.Load())
	}
	if ch.State() != StateIdle {
		t.Fatalf("state = %s, want idle", ch.State())
	}
}

func TestStopCancelsPendingReconnect(t *testing.T) {
	dialer := &failingDialer{}
	ch := New(dialer, Options{
		Path:        "/ws/1/notifications",
		Credentials: creds,
		BaseDelay:   30 * time.Millisecond,
		Logger:      zerolog.Nop(),
	})

	ch.Start()
	waitFor(t, "abnormal close", func() bool { return ch.State() == StateClosedAbnormal })
	if ch.Attempts() < 1 {
		t.Fatalf("attempts = %d, want >= 1", ch.Attempts())
	}

	ch.Stop()
	calls := dialer.calls.Load()
	time.Sleep(150 * time.Millisecond)

	if got := dialer.calls.Load(); got != calls {
		t.Fatalf("dialed %d more times after Stop", got-calls)
	}
	if ch.State() != StateClosed {
		t.Fatalf("state = %s, want closed", ch.State())
	}

	ch.Start()
	time.Sleep(20 * time.Millisecond)
	if dialer.calls.Load() != calls {
		t.Fatal("Start after Stop must not dial")
	}
}

type testServer struct {
	*httptest.Server
	accepted atomic.Int32

	mu    sync.Mutex
	conns []*websocket.Conn
}

func newTestServer(t *testing.T, onConn func(n int32, conn *websocket.Conn)) *testServer {
	t.Helper()
	ts := &testServer{}
	upgrader := websocket.Upgrader{}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		n := ts.accepted.Add(1)
		ts.mu.Lock()
		ts.conns = append(ts.conns, conn)
		ts.mu.Unlock()
		onConn(n, conn)
	}))
	t.Cleanup(ts.Close)
	return ts
}

func echo(conn *websocket.Conn) {
	defer conn.Close()
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if err := conn.WriteMessage(mt, data); err != nil {
			return
		}
	}
}

func TestChannelSendAndReceive(t *testing.T) {
	srv := newTestServer(t, func(_ int32, conn *websocket.Conn) { echo(conn) })

	ch := New(transport.NewFactory(srv.URL, time.Second), Options{
		Path:        transport.MessagesPath(1, 2),
		Credentials: creds,
		Logger:      zerolog.Nop(),
	})
	received := make(chan string, 1)
	ch.OnMessage(func(text string) { received <- text })

	if err := ch.Send("early"); !errors.Is(err, ErrNotOpen) {
		t.Fatalf("expected ErrNotOpen before start, got %v", err)
	}

	ch.Start()
	ch.Start()
	waitFor(t, "open", func() bool { return ch.State() == StateOpen })

	if err := ch.Send("hello"); err != nil {
		t.Fatalf("Send err: %v", err)
	}
	select {
	case got := <-received:
		if got != "hello" {
			t.Fatalf("received %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no echo received")
	}

	ch.Stop()
	if ch.State() != StateClosed {
		t.Fatalf("state = %s, want closed", ch.State())
	}
	if srv.accepted.Load() != 1 {
		t.Fatalf("expected one connection, got %d", srv.accepted.Load())
	}
}

func TestCleanCloseDoesNotReconnect(t *testing.T) {
	srv := newTestServer(t, func(_ int32, conn *websocket.Conn) {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		time.Sleep(50 * time.Millisecond)
		conn.Close()
	})

	ch := New(transport.NewFactory(srv.URL, time.Second), Options{
		Path:        transport.NotificationsPath(1),
		Credentials: creds,
		BaseDelay:   10 * time.Millisecond,
		Logger:      zerolog.Nop(),
	})
	ch.Start()
	defer ch.Stop()

	waitFor(t, "clean close", func() bool { return ch.State() == StateClosed })
	time.Sleep(100 * time.Millisecond)

	if got := srv.accepted.Load(); got != 1 {
		t.Fatalf("expected no reconnect after code 1000, got %d connections", got)
	}
}

func TestAbnormalCloseReconnects(t *testing.T) {
	srv := newTestServer(t, func(n int32, conn *websocket.Conn) {
		if n == 1 {
			// drop without a close frame
			conn.Close()
			return
		}
		echo(conn)
	})

	var mu sync.Mutex
	var states []State
	ch := New(transport.NewFactory(srv.URL, time.Second), Options{
		Path:        transport.NotifyPath(1, 2),
		Credentials: creds,
		BaseDelay:   10 * time.Millisecond,
		Logger:      zerolog.Nop(),
		OnStateChange: func(s State) {
			mu.Lock()
			states = append(states, s)
			mu.Unlock()
		},
	})
	ch.Start()
	defer ch.Stop()

	waitFor(t, "second connection", func() bool { return srv.accepted.Load() >= 2 })
	waitFor(t, "reopen", func() bool { return ch.State() == StateOpen })

	if ch.Attempts() != 0 {
		t.Fatalf("attempts = %d after reopen, want 0", ch.Attempts())
	}

	mu.Lock()
	defer mu.Unlock()
	sawAbnormal := false
	for _, s := range states {
		if s == StateClosedAbnormal {
			sawAbnormal = true
		}
	}
	if !sawAbnormal {
		t.Fatalf("expected closed-abnormal transition, got %v", states)
	}
}

func TestStopFromHandler(t *testing.T) {
	srv := newTestServer(t, func(_ int32, conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte("one"))
		_ = conn.WriteMessage(websocket.TextMessage, []byte("two"))
		echo(conn)
	})

	ch := New(transport.NewFactory(srv.URL, time.Second), Options{
		Path:        transport.TokensPath(1, 2),
		Credentials: creds,
		Logger:      zerolog.Nop(),
	})

	var delivered atomic.Int32
	ch.OnMessage(func(string) {
		delivered.Add(1)
		ch.Stop()
	})
	ch.Start()

	waitFor(t, "stop from handler", func() bool { return ch.State() == StateClosed })
	time.Sleep(50 * time.Millisecond)

	if got := delivered.Load(); got != 1 {
		t.Fatalf("delivered %d frames, want 1", got)
	}
}
