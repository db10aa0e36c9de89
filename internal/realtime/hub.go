// Package realtime pushes device lifecycle events to websocket subscribers.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nekota/device-manager/internal/events"
)

const (
	queueDepth   = 16
	maxInbound   = 512
	pongWait     = time.Minute
	pingInterval = 25 * time.Second
	writeWait    = 5 * time.Second
)

// Hub fans events out to every connected subscriber. A subscriber that
// connects with ?deviceId= only receives events for that device. Subscribers
// that fall queueDepth events behind are disconnected.
type Hub struct {
	upgrader websocket.Upgrader

	mu   sync.RWMutex
	subs map[*subscriber]struct{}
}

func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  maxInbound,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		subs: make(map[*subscriber]struct{}),
	}
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	s := newSubscriber(conn, strings.TrimSpace(r.URL.Query().Get("deviceId")))

	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()
	defer h.drop(s)

	go s.deliver()
	s.drain()
}

// Publish implements events.Publisher.
func (h *Hub) Publish(_ context.Context, ev events.Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	ev.At = ev.At.UTC()
	msg, err := json.Marshal(ev)
	if err != nil {
		slog.Warn("encode realtime event failed", "type", ev.Type, "error", err)
		return
	}

	h.mu.RLock()
	targets := make([]*subscriber, 0, len(h.subs))
	for s := range h.subs {
		if s.device == "" || s.device == ev.DeviceID {
			targets = append(targets, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range targets {
		if !s.enqueue(msg) {
			slog.Warn("websocket subscriber too slow, disconnecting", "device_filter", s.device)
			h.drop(s)
		}
	}
}

// Clients reports the number of connected subscribers.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *Hub) drop(s *subscriber) {
	h.mu.Lock()
	delete(h.subs, s)
	h.mu.Unlock()
	s.stop()
}

type subscriber struct {
	conn   *websocket.Conn
	device string
	queue  chan []byte
	done   chan struct{}
	once   sync.Once
}

func newSubscriber(conn *websocket.Conn, device string) *subscriber {
	return &subscriber{
		conn:   conn,
		device: device,
		queue:  make(chan []byte, queueDepth),
		done:   make(chan struct{}),
	}
}

// enqueue reports false only when the queue is full.
func (s *subscriber) enqueue(msg []byte) bool {
	select {
	case <-s.done:
		return true
	default:
	}
	select {
	case s.queue <- msg:
		return true
	default:
		return false
	}
}

func (s *subscriber) stop() {
	s.once.Do(func() { close(s.done) })
}

// drain discards inbound frames; it only exists to process pongs and to
// notice the peer going away.
func (s *subscriber) drain() {
	s.conn.SetReadLimit(maxInbound)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := s.conn.NextReader(); err != nil {
			return
		}
	}
}

func (s *subscriber) deliver() {
	ping := time.NewTicker(pingInterval)
	defer func() {
		ping.Stop()
		_ = s.conn.Close()
	}()

	for {
		kind, payload := websocket.TextMessage, []byte(nil)
		select {
		case <-s.done:
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case payload = <-s.queue:
		case <-ping.C:
			kind = websocket.PingMessage
		}
		_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := s.conn.WriteMessage(kind, payload); err != nil {
			return
		}
	}
}
