package push

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/harborwatch/alertgate/internal/envelope"
	"github.com/harborwatch/alertgate/internal/metrics"
)

const (
	sendQueueSize  = 64
	writeWait      = 10 * time.Second
	readWait       = 90 * time.Second
	maxMessageSize = 64 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The browser dashboard is served from another origin in dev.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Session is one live connection as the hub sees it. Owned by the hub
// and the two pump goroutines; never persisted.
type Session struct {
	id      uuid.UUID
	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	done    chan struct{}
	topics  map[string]struct{}
	limiter *sendLimiter

	closed     atomic.Bool
	closeOnce  sync.Once
	lastPongAt atomic.Int64
}

func newSession(hub *Hub, conn *websocket.Conn) *Session {
	return &Session{
		id:      uuid.New(),
		hub:     hub,
		conn:    conn,
		send:    make(chan []byte, sendQueueSize),
		done:    make(chan struct{}),
		topics:  make(map[string]struct{}),
		limiter: newSendLimiter(hub.sendLimit, hub.window),
	}
}

func (s *Session) ID() uuid.UUID { return s.id }

func (s *Session) isClosed() bool { return s.closed.Load() }

// trySend queues data without blocking. A full queue means the client
// cannot keep up; the session is marked dead and pruned by the hub.
func (s *Session) trySend(data []byte) bool {
	select {
	case <-s.done:
		return false
	case s.send <- data:
		return true
	default:
		s.markClosed()
		return false
	}
}

func (s *Session) notifyRateLimited(retryAfter time.Duration) {
	if !s.limiter.shouldWarn() {
		return
	}
	env, err := envelope.New(envelope.TypeError, "", envelope.ErrorPayload{
		Code:         envelope.CodeRateLimited,
		Message:      "per-connection send limit exceeded",
		RetryAfterMs: retryAfter.Milliseconds(),
	})
	if err != nil {
		return
	}
	data, err := envelope.Encode(env)
	if err != nil {
		return
	}
	select {
	case <-s.done:
	case s.send <- data:
	default:
	}
}

func (s *Session) markClosed() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.done)
	})
}

func (s *Session) sendEnvelope(env *envelope.Envelope) {
	data, err := envelope.Encode(env)
	if err != nil {
		slog.Error("session encode failed", "error", err, "client_id", s.id)
		return
	}
	s.trySend(data)
}

// ServeWS upgrades the request, completes the handshake by sending the
// `connected` envelope with the assigned client id, and runs the
// session's pumps until the socket closes.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	s := newSession(h, conn)
	metrics.ConnectionsActive.Inc()
	slog.Info("client connected", "client_id", s.id, "remote", r.RemoteAddr)

	connected, err := envelope.New(envelope.TypeConnected, "", envelope.ConnectedPayload{ClientID: s.id.String()})
	if err != nil {
		conn.Close()
		return
	}
	s.sendEnvelope(connected)

	go s.writePump()
	s.readPump()
}

func (s *Session) readPump() {
	defer func() {
		s.markClosed()
		s.hub.drop(s)
		s.conn.Close()
		metrics.ConnectionsActive.Dec()
		slog.Info("client disconnected", "client_id", s.id)
	}()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(readWait))

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(readWait))

		env, err := envelope.Decode(data)
		if err != nil {
			slog.Warn("bad envelope from client", "error", err, "client_id", s.id)
			continue
		}
		s.handle(env)
	}
}

func (s *Session) handle(env *envelope.Envelope) {
	switch env.Type {
	case envelope.TypeSubscribe:
		var p envelope.SubscribePayload
		if err := decodePayload(env, &p); err != nil {
			slog.Warn("bad subscribe payload", "error", err, "client_id", s.id)
			return
		}
		s.hub.Subscribe(s, p.Topics)
		if ack, err := envelope.New(envelope.TypeSubscribed, "", p); err == nil {
			s.sendEnvelope(ack)
		}
	case envelope.TypeUnsubscribe:
		var p envelope.SubscribePayload
		if err := decodePayload(env, &p); err != nil {
			slog.Warn("bad unsubscribe payload", "error", err, "client_id", s.id)
			return
		}
		s.hub.Unsubscribe(s, p.Topics)
		if ack, err := envelope.New(envelope.TypeUnsubscribed, "", p); err == nil {
			s.sendEnvelope(ack)
		}
	case envelope.TypePing:
		if pong, err := envelope.New(envelope.TypePong, "", nil); err == nil {
			s.sendEnvelope(pong)
		}
	case envelope.TypePong:
		s.lastPongAt.Store(time.Now().Unix())
	default:
		// Clients have nothing else to say; ignore unknown types.
	}
}

func (s *Session) writePump() {
	defer s.conn.Close()
	for {
		select {
		case <-s.done:
			s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case data := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.markClosed()
				return
			}
		}
	}
}

func decodePayload(env *envelope.Envelope, v any) error {
	if env.Payload == nil {
		return nil
	}
	return json.Unmarshal(env.Payload, v)
}
