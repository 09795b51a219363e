package push

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/harborwatch/alertgate/internal/envelope"
)

// serverScript is what the fake server does with a connection after the
// upgrade. The `connected` handshake envelope has already been sent.
type serverScript func(t *testing.T, conn *websocket.Conn)

func startServer(t *testing.T, script serverScript) (wsURL string) {
	t.Helper()
	up := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		sendEnv(t, conn, envelope.TypeConnected, envelope.ConnectedPayload{ClientID: "test-client-1"})
		if script != nil {
			script(t, conn)
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func sendEnv(t *testing.T, conn *websocket.Conn, msgType string, payload any) {
	t.Helper()
	env, err := envelope.New(msgType, "", payload)
	if err != nil {
		t.Errorf("New(%s): %v", msgType, err)
		return
	}
	data, err := envelope.Encode(env)
	if err != nil {
		t.Errorf("Encode(%s): %v", msgType, err)
		return
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Logf("write %s: %v", msgType, err)
	}
}

func readEnv(t *testing.T, conn *websocket.Conn) *envelope.Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("server read: %v", err)
	}
	env, err := envelope.Decode(data)
	if err != nil {
		t.Fatalf("server decode: %v", err)
	}
	return env
}

func waitFor[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		panic("unreachable")
	}
}

func TestReconnectDelayBackoff(t *testing.T) {
	initial := 100 * time.Millisecond
	max := time.Second

	for attempt := 0; attempt < 8; attempt++ {
		base := initial * time.Duration(1<<attempt)
		if base > max {
			base = max
		}
		got := ReconnectDelay(attempt, initial, max)
		if got < base {
			t.Errorf("ReconnectDelay(%d) = %v, want >= %v", attempt, got, base)
		}
		if got >= base+time.Second {
			t.Errorf("ReconnectDelay(%d) = %v, want < %v", attempt, got, base+time.Second)
		}
	}
}

func TestConnectHandshakeAndSubscribe(t *testing.T) {
	subscribed := make(chan []string, 1)
	url := startServer(t, func(t *testing.T, conn *websocket.Conn) {
		env := readEnv(t, conn)
		if env.Type != envelope.TypeSubscribe {
			t.Errorf("first client message = %q, want %q", env.Type, envelope.TypeSubscribe)
		}
		var p envelope.SubscribePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			t.Errorf("subscribe payload: %v", err)
		}
		subscribed <- p.Topics
		// Hold the connection open until the test ends.
		conn.ReadMessage()
	})

	connects := make(chan string, 1)
	c := NewClient(ClientOptions{
		URL:       url,
		Topics:    []string{"vessel_delay", "port_congestion"},
		OnConnect: func(id string) { connects <- id },
	})
	if err := c.Connect(); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer c.Disconnect()

	if id := waitFor(t, connects, "OnConnect"); id != "test-client-1" {
		t.Errorf("client id = %q, want test-client-1", id)
	}
	if got := c.ClientID(); got != "test-client-1" {
		t.Errorf("ClientID() = %q, want test-client-1", got)
	}
	if got := c.State(); got != StateOpen {
		t.Errorf("State() = %v, want OPEN", got)
	}

	topics := waitFor(t, subscribed, "subscribe request")
	if len(topics) != 2 || topics[0] != "vessel_delay" || topics[1] != "port_congestion" {
		t.Errorf("subscribed topics = %v", topics)
	}
}

func TestConnectWhileOpenRejected(t *testing.T) {
	url := startServer(t, func(t *testing.T, conn *websocket.Conn) {
		conn.ReadMessage()
	})

	c := NewClient(ClientOptions{URL: url})
	if err := c.Connect(); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer c.Disconnect()

	if err := c.Connect(); !errors.Is(err, ErrAlreadyConnecting) {
		t.Fatalf("second Connect() error = %v, want ErrAlreadyConnecting", err)
	}
}

func TestProtocolChatterConsumed(t *testing.T) {
	url := startServer(t, func(t *testing.T, conn *websocket.Conn) {
		sendEnv(t, conn, envelope.TypePong, nil)
		sendEnv(t, conn, envelope.TypeSubscribed, envelope.SubscribePayload{Topics: []string{"x"}})
		sendEnv(t, conn, envelope.TypeUnsubscribed, envelope.SubscribePayload{Topics: []string{"x"}})
		sendEnv(t, conn, envelope.TypeNewSignal, map[string]string{"title": "engine fault"})
		conn.ReadMessage()
	})

	messages := make(chan *envelope.Envelope, 8)
	c := NewClient(ClientOptions{
		URL:       url,
		OnMessage: func(env *envelope.Envelope) { messages <- env },
	})
	if err := c.Connect(); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer c.Disconnect()

	env := waitFor(t, messages, "application envelope")
	if env.Type != envelope.TypeNewSignal {
		t.Fatalf("OnMessage got %q, want %q", env.Type, envelope.TypeNewSignal)
	}
	select {
	case env := <-messages:
		t.Fatalf("unexpected extra envelope %q", env.Type)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRateLimitedSurfacesAsWarning(t *testing.T) {
	url := startServer(t, func(t *testing.T, conn *websocket.Conn) {
		sendEnv(t, conn, envelope.TypeError, envelope.ErrorPayload{
			Code:         envelope.CodeRateLimited,
			Message:      "slow down",
			RetryAfterMs: 1500,
		})
		conn.ReadMessage()
	})

	warnings := make(chan time.Duration, 1)
	messages := make(chan *envelope.Envelope, 1)
	c := NewClient(ClientOptions{
		URL:       url,
		OnMessage: func(env *envelope.Envelope) { messages <- env },
		OnWarning: func(code string, retryAfter time.Duration) {
			if code == envelope.CodeRateLimited {
				warnings <- retryAfter
			}
		},
	})
	if err := c.Connect(); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer c.Disconnect()

	if got := waitFor(t, warnings, "rate limit warning"); got != 1500*time.Millisecond {
		t.Errorf("retryAfter = %v, want 1.5s", got)
	}
	if got := c.State(); got != StateOpen {
		t.Errorf("State() after warning = %v, want OPEN", got)
	}
	select {
	case env := <-messages:
		t.Fatalf("rate limit error reached OnMessage: %q", env.Type)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDisconnectIsClean(t *testing.T) {
	url := startServer(t, func(t *testing.T, conn *websocket.Conn) {
		conn.ReadMessage()
	})

	disconnects := make(chan error, 1)
	c := NewClient(ClientOptions{
		URL:          url,
		OnDisconnect: func(err error) { disconnects <- err },
	})
	if err := c.Connect(); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	c.Disconnect()

	if err := waitFor(t, disconnects, "OnDisconnect"); err != nil {
		t.Fatalf("OnDisconnect error = %v, want nil", err)
	}
	if got := c.State(); got != StateClosed {
		t.Errorf("State() = %v, want CLOSED", got)
	}
}

func TestReconnectResetsAttemptsAfterSuccess(t *testing.T) {
	var calls atomic.Int32
	up := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The first dial is refused; the reconnect succeeds.
		if calls.Add(1) == 1 {
			http.Error(w, "not yet", http.StatusServiceUnavailable)
			return
		}
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		sendEnv(t, conn, envelope.TypeConnected, envelope.ConnectedPayload{ClientID: "test-client-2"})
		conn.ReadMessage()
	}))
	t.Cleanup(srv.Close)

	connects := make(chan string, 1)
	c := NewClient(ClientOptions{
		URL:          "ws" + strings.TrimPrefix(srv.URL, "http"),
		InitialDelay: 5 * time.Millisecond,
		MaxDelay:     10 * time.Millisecond,
		MaxAttempts:  5,
		OnConnect:    func(id string) { connects <- id },
	})
	if err := c.Connect(); err == nil {
		t.Fatal("first dial should fail")
	}
	waitFor(t, connects, "reconnect")
	defer c.Disconnect()

	c.mu.Lock()
	attempt := c.attempt
	c.mu.Unlock()
	if attempt != 0 {
		t.Fatalf("attempt counter = %d after successful reconnect, want 0", attempt)
	}
	if got := c.State(); got != StateOpen {
		t.Errorf("State() = %v, want OPEN", got)
	}
}

func TestConnectRejectsWrongFirstEnvelope(t *testing.T) {
	up := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		sendEnv(t, conn, envelope.TypePong, nil)
		conn.ReadMessage()
	}))
	t.Cleanup(srv.Close)

	c := NewClient(ClientOptions{URL: "ws" + strings.TrimPrefix(srv.URL, "http")})
	err := c.Connect()
	if err == nil {
		t.Fatal("handshake with a non-connected envelope should fail")
	}
	if !strings.Contains(err.Error(), `"pong"`) {
		t.Fatalf("error should name the offending envelope type, got %v", err)
	}
	c.Disconnect()
}

func TestReconnectExhausted(t *testing.T) {
	disconnects := make(chan error, 1)
	c := NewClient(ClientOptions{
		// Nothing listens here; every dial fails immediately.
		URL:          "ws://127.0.0.1:1",
		InitialDelay: 5 * time.Millisecond,
		MaxDelay:     10 * time.Millisecond,
		MaxAttempts:  2,
		OnDisconnect: func(err error) { disconnects <- err },
	})

	if err := c.Connect(); err == nil {
		t.Fatal("Connect() to dead address should fail")
	}

	err := waitFor(t, disconnects, "exhaustion")
	if !errors.Is(err, ErrReconnectExhausted) {
		t.Fatalf("OnDisconnect error = %v, want ErrReconnectExhausted", err)
	}
	if got := c.State(); got != StateClosed {
		t.Errorf("State() = %v, want CLOSED", got)
	}
}
