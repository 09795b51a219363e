// Package push implements the live notification channel: a fan-out hub
// mapping topics to websocket sessions on the server side, and a
// reconnecting connection manager on the client side. Delivery over
// this channel is best-effort; durability belongs to the webhook
// pipeline.
package push

import (
	"log/slog"
	"sync"
	"time"

	"github.com/harborwatch/alertgate/internal/envelope"
	"github.com/harborwatch/alertgate/internal/metrics"
	"github.com/harborwatch/alertgate/internal/model"
)

// Hub is the topic registry. Connections that join after a broadcast do
// not receive it retroactively; there is no backlog.
type Hub struct {
	mu        sync.RWMutex
	topics    map[string]map[*Session]struct{}
	sendLimit int
	window    time.Duration
}

func NewHub(sendLimitPerMinute int) *Hub {
	return &Hub{
		topics:    make(map[string]map[*Session]struct{}),
		sendLimit: sendLimitPerMinute,
		window:    time.Minute,
	}
}

// Subscribe is idempotent: adding an already-subscribed topic is a
// no-op.
func (h *Hub) Subscribe(s *Session, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, topic := range topics {
		set, ok := h.topics[topic]
		if !ok {
			set = make(map[*Session]struct{})
			h.topics[topic] = set
		}
		set[s] = struct{}{}
		s.topics[topic] = struct{}{}
	}
}

// Unsubscribe is idempotent: removing an absent topic is a no-op.
func (h *Hub) Unsubscribe(s *Session, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, topic := range topics {
		if set, ok := h.topics[topic]; ok {
			delete(set, s)
			if len(set) == 0 {
				delete(h.topics, topic)
			}
		}
		delete(s.topics, topic)
	}
}

// drop removes a session from every topic. Called when the session
// closes or is found dead during a broadcast.
func (h *Hub) drop(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for topic := range s.topics {
		if set, ok := h.topics[topic]; ok {
			delete(set, s)
			if len(set) == 0 {
				delete(h.topics, topic)
			}
		}
	}
	s.topics = make(map[string]struct{})
}

// Broadcast sends the envelope to every session subscribed to the topic
// at the moment of the call. Sessions over their send budget get a
// RATE_LIMITED error envelope instead of the event; dead sessions are
// pruned here rather than polled.
func (h *Hub) Broadcast(topic string, env *envelope.Envelope) {
	data, err := envelope.Encode(env)
	if err != nil {
		slog.Error("broadcast encode failed", "error", err, "topic", topic)
		return
	}

	h.mu.RLock()
	targets := make([]*Session, 0, len(h.topics[topic]))
	for s := range h.topics[topic] {
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	metrics.BroadcastsTotal.Inc()
	var dead []*Session
	for _, s := range targets {
		if s.isClosed() {
			dead = append(dead, s)
			continue
		}
		if !s.limiter.allow() {
			s.notifyRateLimited(s.limiter.retryAfter())
			continue
		}
		if !s.trySend(data) {
			dead = append(dead, s)
		}
	}
	for _, s := range dead {
		h.drop(s)
	}
}

// BroadcastEvent wraps an alert event in a domain envelope and pushes it
// on the topic named by its signal type.
func (h *Hub) BroadcastEvent(event *model.AlertEvent) {
	env, err := envelope.New(eventType(event), event.SignalType, event)
	if err != nil {
		slog.Error("event envelope failed", "error", err, "alert_event_id", event.ID)
		return
	}
	h.Broadcast(event.SignalType, env)
}

func eventType(event *model.AlertEvent) string {
	switch event.SignalType {
	case "delay", "port_delay":
		return envelope.TypeDelayAlert
	default:
		return envelope.TypeNewSignal
	}
}

// TopicCount reports the number of sessions currently subscribed to a
// topic, for health reporting.
func (h *Hub) TopicCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

// sendLimiter is a fixed-window counter guarding one session's outbound
// volume.
type sendLimiter struct {
	mu          sync.Mutex
	limit       int
	window      time.Duration
	windowStart time.Time
	count       int
	warned      bool
}

func newSendLimiter(limit int, window time.Duration) *sendLimiter {
	return &sendLimiter{limit: limit, window: window, windowStart: time.Now()}
}

func (l *sendLimiter) allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	if now.Sub(l.windowStart) >= l.window {
		l.windowStart = now
		l.count = 0
		l.warned = false
	}
	if l.count >= l.limit {
		return false
	}
	l.count++
	return true
}

// shouldWarn reports true once per window so the RATE_LIMITED envelope
// itself does not flood the connection.
func (l *sendLimiter) shouldWarn() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.warned {
		return false
	}
	l.warned = true
	return true
}

func (l *sendLimiter) retryAfter() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	remaining := l.window - time.Since(l.windowStart)
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}
