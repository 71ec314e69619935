package conn

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"pgregory.net/rapid"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Backoff.Base = 10 * time.Millisecond
	cfg.Backoff.Ceiling = 50 * time.Millisecond
	cfg.ConnectTimeout = time.Second
	cfg.PingPeriod = 0
	return cfg
}

func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			typ, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if err := ws.WriteMessage(typ, data); err != nil {
				return
			}
		}
	}))
}

func wsURL(server *httptest.Server) string {
	return "ws" + server.URL[4:]
}

func statusRecorder() (func(Status), chan Status) {
	ch := make(chan Status, 64)
	return func(s Status) {
		select {
		case ch <- s:
		default:
		}
	}, ch
}

func waitStatus(t *testing.T, ch chan Status, want Status) {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case s := <-ch:
			if s == want {
				return
			}
		case <-timeout:
			t.Fatalf("timed out waiting for status %s", want)
		}
	}
}

func TestConnectSendAndReceive(t *testing.T) {
	server := echoServer(t)
	defer server.Close()

	onStatus, statuses := statusRecorder()
	m, err := Open(context.Background(), testConfig(), StaticURL(wsURL(server)), onStatus, testLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer m.Close()

	if m.State() != StateOpen {
		t.Fatalf("expected open state, got %s", m.State())
	}
	waitStatus(t, statuses, StatusConnected)

	text := make(chan string, 1)
	binary := make(chan []byte, 1)
	m.OnMessage(func(data []byte) { text <- string(data) })
	m.OnBinary(func(data []byte) { binary <- data })

	if err := m.SendText([]byte(`{"hello":"world"}`)); err != nil {
		t.Fatalf("send text: %v", err)
	}
	if err := m.SendBinary([]byte{1, 2, 3}); err != nil {
		t.Fatalf("send binary: %v", err)
	}

	select {
	case got := <-text:
		if got != `{"hello":"world"}` {
			t.Fatalf("unexpected text %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for text echo")
	}
	select {
	case got := <-binary:
		if len(got) != 3 || got[2] != 3 {
			t.Fatalf("unexpected binary %v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for binary echo")
	}
}

func TestConnectReusesOpenConnection(t *testing.T) {
	server := echoServer(t)
	defer server.Close()

	var calls atomic.Int32
	resolve := func(context.Context) (string, error) {
		calls.Add(1)
		return wsURL(server), nil
	}
	m, err := Open(context.Background(), testConfig(), resolve, nil, testLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer m.Close()

	if err := m.Connect(context.Background(), nil, nil); err != nil {
		t.Fatalf("second connect: %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected resolver to be called once, got %d", calls.Load())
	}
}

func TestSendWhileDisconnected(t *testing.T) {
	m := New(testConfig(), testLogger())
	if err := m.SendText([]byte("x")); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if err := m.SendBinary([]byte("x")); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if m.State() != StateIdle {
		t.Fatalf("expected idle state, got %s", m.State())
	}
}

func TestResolverErrorIsWrapped(t *testing.T) {
	cfg := testConfig()
	cfg.AutoReconnect = false
	resolve := func(context.Context) (string, error) { return "", errors.New("token expired") }

	m, err := Open(context.Background(), cfg, resolve, nil, testLogger())
	defer m.Close()
	if !errors.Is(err, ErrResolver) {
		t.Fatalf("expected ErrResolver, got %v", err)
	}
	if m.State() != StateClosed {
		t.Fatalf("expected closed state, got %s", m.State())
	}
}

func TestCloseCancelsPendingReconnect(t *testing.T) {
	cfg := testConfig()
	cfg.Backoff.Base = 200 * time.Millisecond
	cfg.Backoff.Ceiling = time.Second

	var calls atomic.Int32
	resolve := func(context.Context) (string, error) {
		calls.Add(1)
		return "", errors.New("unavailable")
	}

	m := New(cfg, testLogger())
	if err := m.Connect(context.Background(), resolve, nil); err == nil {
		t.Fatal("expected connect error")
	}
	if m.Attempts() != 1 {
		t.Fatalf("expected one scheduled attempt, got %d", m.Attempts())
	}
	if err := m.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	time.Sleep(400 * time.Millisecond)

	if calls.Load() != 1 {
		t.Fatalf("expected no reconnect after close, resolver called %d times", calls.Load())
	}
	if m.State() != StateClosed {
		t.Fatalf("expected closed state, got %s", m.State())
	}
	if err := m.Connect(context.Background(), resolve, nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after close, got %v", err)
	}
}

func TestFailsAfterMaxAttempts(t *testing.T) {
	cfg := testConfig()
	cfg.MaxAttempts = 2

	var calls atomic.Int32
	resolve := func(context.Context) (string, error) {
		calls.Add(1)
		return "", errors.New("unavailable")
	}
	onStatus, statuses := statusRecorder()

	m := New(cfg, testLogger())
	defer m.Close()
	_ = m.Connect(context.Background(), resolve, onStatus)

	waitStatus(t, statuses, StatusFailed)
	if m.State() != StateFailed {
		t.Fatalf("expected failed state, got %s", m.State())
	}
	if calls.Load() != 3 {
		t.Fatalf("expected initial attempt plus 2 retries, got %d", calls.Load())
	}
	if err := m.Connect(context.Background(), nil, nil); !errors.Is(err, ErrFailed) {
		t.Fatalf("expected ErrFailed, got %v", err)
	}

	m.ResetReconnection()
	if m.State() != StateClosed || m.Attempts() != 0 {
		t.Fatalf("expected reset state, got %s attempts=%d", m.State(), m.Attempts())
	}
}

func TestReconnectsAfterServerDrop(t *testing.T) {
	var conns atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		if conns.Add(1) == 1 {
			_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
			return
		}
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	onStatus, statuses := statusRecorder()
	m, err := Open(context.Background(), testConfig(), StaticURL(wsURL(server)), onStatus, testLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer m.Close()

	waitStatus(t, statuses, StatusConnected)
	waitStatus(t, statuses, StatusDisconnected)
	waitStatus(t, statuses, StatusConnected)
	if m.Attempts() != 0 {
		t.Fatalf("expected attempts reset after reconnect, got %d", m.Attempts())
	}
}

func TestBackoffWithinJitterBounds(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		b := DefaultBackoff()
		attempt := rapid.IntRange(1, 40).Draw(t, "attempt")
		r := rapid.Float64Range(0, 0.999999).Draw(t, "r")

		base := float64(b.Base)
		for i := 1; i < attempt; i++ {
			base *= b.Multiplier
		}
		if base > float64(b.Ceiling) {
			base = float64(b.Ceiling)
		}

		got := float64(b.Delay(attempt, r))
		if got < 0.85*base-1 || got > 1.15*base+1 {
			t.Fatalf("delay %v outside [%v, %v]", got, 0.85*base, 1.15*base)
		}
		if got > 1.15*float64(b.Ceiling)+1 {
			t.Fatalf("delay %v above jittered ceiling", got)
		}
	})
}

func TestBackoffGrowth(t *testing.T) {
	b := DefaultBackoff()
	if d := b.Delay(1, 0.5); d != time.Second {
		t.Fatalf("expected 1s for first attempt, got %v", d)
	}
	if d := b.Delay(2, 0.5); d != 1500*time.Millisecond {
		t.Fatalf("expected 1.5s for second attempt, got %v", d)
	}
	if d := b.Delay(30, 0.5); d != 30*time.Second {
		t.Fatalf("expected ceiling, got %v", d)
	}
}
