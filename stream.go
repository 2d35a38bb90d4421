package satchel

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// StatusSubscription is one live status feed. The channel drops updates
// when the subscriber falls behind; status is a snapshot, so the next
// update supersedes anything missed.
type StatusSubscription struct {
	ID     string
	ch     chan Status
	done   chan struct{}
	closed bool
	mu     sync.Mutex
}

// C returns the channel delivering status updates.
func (s *StatusSubscription) C() <-chan Status {
	return s.ch
}

// Close stops the subscription.
func (s *StatusSubscription) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
	close(s.ch)
}

// StatusHub fans status snapshots out to in-process subscribers and
// WebSocket clients.
type StatusHub struct {
	config StreamConfig

	mu     sync.RWMutex
	subs   map[string]*StatusSubscription
	last   *Status
	nextID uint64
}

// NewStatusHub creates a hub.
func NewStatusHub(cfg StreamConfig) *StatusHub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 16
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	return &StatusHub{
		config: cfg,
		subs:   make(map[string]*StatusSubscription),
	}
}

// Subscribe registers an in-process status listener.
func (h *StatusHub) Subscribe() *StatusSubscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	sub := &StatusSubscription{
		ID:   fmt.Sprintf("sub-%d", h.nextID),
		ch:   make(chan Status, h.config.BufferSize),
		done: make(chan struct{}),
	}
	h.subs[sub.ID] = sub
	return sub
}

// Unsubscribe removes and closes a subscription.
func (h *StatusHub) Unsubscribe(id string) {
	h.mu.Lock()
	sub, ok := h.subs[id]
	if ok {
		delete(h.subs, id)
	}
	h.mu.Unlock()

	if ok {
		sub.Close()
	}
}

// Count returns the number of active subscriptions.
func (h *StatusHub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Broadcast delivers a snapshot to every subscriber. Slow subscribers
// drop the update rather than block the broadcaster.
func (h *StatusHub) Broadcast(status Status) {
	h.mu.Lock()
	h.last = &status
	subs := make([]*StatusSubscription, 0, len(h.subs))
	for _, sub := range h.subs {
		subs = append(subs, sub)
	}
	h.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.ch <- status:
		default:
		}
	}
}

// Last returns the most recently broadcast status, if any.
func (h *StatusHub) Last() (Status, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.last == nil {
		return Status{}, false
	}
	return *h.last, true
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ServeWS upgrades the request to a WebSocket and pushes a status JSON
// message on every broadcast. The current status is sent immediately on
// connect so clients render without waiting for the next refresh.
func (h *StatusHub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer func() { _ = conn.Close() }()

	sub := h.Subscribe()
	defer h.Unsubscribe(sub.ID)

	// Drain client frames so pong handling and close detection work.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				sub.Close()
				return
			}
		}
	}()

	if status, ok := h.Last(); ok {
		if err := h.writeStatus(conn, status); err != nil {
			return
		}
	}

	ping := time.NewTicker(h.config.PingInterval)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-sub.done:
			return
		case status, ok := <-sub.C():
			if !ok {
				return
			}
			if err := h.writeStatus(conn, status); err != nil {
				return
			}
		case <-ping.C:
			deadline := time.Now().Add(h.config.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

func (h *StatusHub) writeStatus(conn *websocket.Conn, status Status) error {
	msg, err := json.Marshal(status)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(h.config.WriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, msg)
}
