package push

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/harborwatch/alertgate/internal/envelope"
)

// State is the client connection lifecycle.
type State int32

const (
	StateClosed State = iota
	StateConnecting
	StateOpen
	StateClosing
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateOpen:
		return "OPEN"
	case StateClosing:
		return "CLOSING"
	case StateReconnecting:
		return "RECONNECTING"
	default:
		return "CLOSED"
	}
}

var (
	ErrAlreadyConnecting  = errors.New("connection attempt already in progress")
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
)

// ClientOptions configures one connection manager. Zero values take the
// defaults below.
type ClientOptions struct {
	URL               string
	Topics            []string
	KeepaliveInterval time.Duration
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	MaxAttempts       int
	HandshakeTimeout  time.Duration

	// OnConnect fires after the handshake completes, with the
	// server-assigned client id.
	OnConnect func(clientID string)
	// OnMessage receives every application envelope. Keepalive pongs
	// and subscribe acks are consumed internally and never reach it.
	OnMessage func(env *envelope.Envelope)
	// OnWarning fires for recoverable conditions such as RATE_LIMITED
	// pushes; retryAfter is zero when the server did not say.
	OnWarning func(code string, retryAfter time.Duration)
	// OnDisconnect fires when the connection ends. err is nil for an
	// explicit Disconnect, ErrReconnectExhausted when retries ran out.
	OnDisconnect func(err error)
}

func (o *ClientOptions) defaults() {
	if o.KeepaliveInterval == 0 {
		o.KeepaliveInterval = 30 * time.Second
	}
	if o.InitialDelay == 0 {
		o.InitialDelay = time.Second
	}
	if o.MaxDelay == 0 {
		o.MaxDelay = 30 * time.Second
	}
	if o.MaxAttempts == 0 {
		o.MaxAttempts = 10
	}
	if o.HandshakeTimeout == 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
}

// Client maintains one persistent duplex connection: handshake, topic
// subscription, keepalive, reconnection. Callbacks run sequentially in
// arrival order from a single dispatch goroutine.
type Client struct {
	opts ClientOptions

	mu             sync.Mutex
	state          State
	conn           *websocket.Conn
	clientID       string
	attempt        int
	explicitClose  bool
	reconnectTimer *time.Timer
	stopKeepalive  chan struct{}
	generation     int
}

func NewClient(opts ClientOptions) *Client {
	opts.defaults()
	return &Client{opts: opts}
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) ClientID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID
}

// Connect dials and performs the handshake. It is an error to call
// Connect while an attempt is outstanding or the connection is open.
func (c *Client) Connect() error {
	c.mu.Lock()
	if c.state == StateConnecting || c.state == StateOpen {
		c.mu.Unlock()
		return ErrAlreadyConnecting
	}
	c.state = StateConnecting
	c.explicitClose = false
	c.mu.Unlock()

	return c.dial()
}

func (c *Client) dial() error {
	dialer := websocket.Dialer{HandshakeTimeout: c.opts.HandshakeTimeout}
	conn, _, err := dialer.Dial(c.opts.URL, nil)
	if err != nil {
		c.connectFailed(fmt.Errorf("dial: %w", err))
		return err
	}

	// Send nothing until the server identifies us; subscribing before
	// the handshake response is undefined on the broker side.
	conn.SetReadDeadline(time.Now().Add(c.opts.HandshakeTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		err = fmt.Errorf("handshake read: %w", err)
		c.connectFailed(err)
		return err
	}
	env, err := envelope.Decode(data)
	if err != nil {
		conn.Close()
		err = fmt.Errorf("handshake decode: %w", err)
		c.connectFailed(err)
		return err
	}
	if env.Type != envelope.TypeConnected {
		conn.Close()
		err = fmt.Errorf("handshake: expected connected envelope, got %q", env.Type)
		c.connectFailed(err)
		return err
	}
	var p envelope.ConnectedPayload
	if env.Payload != nil {
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			conn.Close()
			err = fmt.Errorf("handshake payload: %w", err)
			c.connectFailed(err)
			return err
		}
	}
	conn.SetReadDeadline(time.Time{})

	if len(c.opts.Topics) > 0 {
		sub, err := envelope.New(envelope.TypeSubscribe, "", envelope.SubscribePayload{Topics: c.opts.Topics})
		if err == nil {
			if data, err := envelope.Encode(sub); err == nil {
				conn.WriteMessage(websocket.TextMessage, data)
			}
		}
	}

	c.mu.Lock()
	c.state = StateOpen
	c.conn = conn
	c.clientID = p.ClientID
	c.attempt = 0
	c.generation++
	gen := c.generation
	c.stopKeepalive = make(chan struct{})
	stop := c.stopKeepalive
	c.mu.Unlock()

	slog.Info("push channel open", "client_id", p.ClientID)
	if c.opts.OnConnect != nil {
		c.opts.OnConnect(p.ClientID)
	}

	go c.keepalive(conn, stop)
	go c.readLoop(conn, gen)
	return nil
}

func (c *Client) keepalive(conn *websocket.Conn, stop chan struct{}) {
	ticker := time.NewTicker(c.opts.KeepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ping, err := envelope.New(envelope.TypePing, "", nil)
			if err != nil {
				continue
			}
			data, err := envelope.Encode(ping)
			if err != nil {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}

func (c *Client) readLoop(conn *websocket.Conn, gen int) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.socketClosed(gen)
			return
		}
		env, err := envelope.Decode(data)
		if err != nil {
			slog.Warn("discarding bad envelope", "error", err)
			continue
		}
		switch env.Type {
		case envelope.TypePong, envelope.TypeSubscribed, envelope.TypeUnsubscribed:
			// Protocol chatter, consumed here.
		case envelope.TypeError:
			var p envelope.ErrorPayload
			if env.Payload != nil {
				json.Unmarshal(env.Payload, &p)
			}
			if p.Code == envelope.CodeRateLimited {
				slog.Warn("server rate-limited this connection", "retry_after_ms", p.RetryAfterMs)
				if c.opts.OnWarning != nil {
					c.opts.OnWarning(p.Code, time.Duration(p.RetryAfterMs)*time.Millisecond)
				}
				continue
			}
			if c.opts.OnMessage != nil {
				c.opts.OnMessage(env)
			}
		default:
			if c.opts.OnMessage != nil {
				c.opts.OnMessage(env)
			}
		}
	}
}

// socketClosed handles an unexpected close of the current socket.
func (c *Client) socketClosed(gen int) {
	c.mu.Lock()
	if gen != c.generation {
		// A newer connection superseded this one.
		c.mu.Unlock()
		return
	}
	c.teardownLocked()
	if c.explicitClose {
		c.state = StateClosed
		c.mu.Unlock()
		if c.opts.OnDisconnect != nil {
			c.opts.OnDisconnect(nil)
		}
		return
	}
	c.mu.Unlock()
	c.scheduleReconnect()
}

func (c *Client) connectFailed(err error) {
	c.mu.Lock()
	explicit := c.explicitClose
	c.mu.Unlock()
	if explicit {
		return
	}
	slog.Warn("connect attempt failed", "error", err)
	c.scheduleReconnect()
}

func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	c.attempt++
	if c.attempt > c.opts.MaxAttempts {
		c.state = StateClosed
		c.mu.Unlock()
		slog.Error("reconnect attempts exhausted", "attempts", c.opts.MaxAttempts)
		if c.opts.OnDisconnect != nil {
			c.opts.OnDisconnect(ErrReconnectExhausted)
		}
		return
	}
	c.state = StateReconnecting
	delay := ReconnectDelay(c.attempt-1, c.opts.InitialDelay, c.opts.MaxDelay)
	c.reconnectTimer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		if c.explicitClose || c.state != StateReconnecting {
			c.mu.Unlock()
			return
		}
		c.state = StateConnecting
		c.mu.Unlock()
		c.dial()
	})
	attempt := c.attempt
	c.mu.Unlock()
	slog.Info("reconnect scheduled", "attempt", attempt, "delay", delay)
}

// ReconnectDelay is exponential backoff with up to one second of jitter,
// capped at maxDelay. attempt counts completed failures, starting at 0.
func ReconnectDelay(attempt int, initialDelay, maxDelay time.Duration) time.Duration {
	backoff := float64(initialDelay) * math.Pow(2, float64(attempt))
	if backoff > float64(maxDelay) {
		backoff = float64(maxDelay)
	}
	jitter := time.Duration(rand.Int63n(int64(time.Second)))
	return time.Duration(backoff) + jitter
}

// teardownLocked stops the keepalive and closes the socket. Callers
// hold c.mu.
func (c *Client) teardownLocked() {
	if c.stopKeepalive != nil {
		close(c.stopKeepalive)
		c.stopKeepalive = nil
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
}

// Disconnect closes the connection and cancels any pending reconnect
// and keepalive timers. OnDisconnect fires with a nil error.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.explicitClose = true
	c.state = StateClosing
	hadConn := c.conn != nil
	c.teardownLocked()
	if !hadConn {
		// No socket to unwind; close out directly.
		c.state = StateClosed
		c.mu.Unlock()
		if c.opts.OnDisconnect != nil {
			c.opts.OnDisconnect(nil)
		}
		return
	}
	c.mu.Unlock()
	// readLoop observes the closed socket and completes the transition.
}

// Reconnect forces an immediate disconnect-then-connect cycle, skipping
// backoff once. The attempt counter is left alone; a successful open
// resets it.
func (c *Client) Reconnect() error {
	c.mu.Lock()
	c.explicitClose = false
	c.generation++ // orphan the old readLoop
	c.teardownLocked()
	c.state = StateConnecting
	c.mu.Unlock()
	return c.dial()
}
