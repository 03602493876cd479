// Package realtime streams a user's deal notifications over WebSocket.
//
// The gateway proxies one or more connections per signed-in user. The hub
// indexes connections by user id and only ever writes an event to the
// connections of the user it is addressed to.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mbd888/custodia/internal/metrics"
	"github.com/mbd888/custodia/internal/notify"
)

const (
	// MaxConns caps concurrent connections across all users.
	MaxConns = 10000
	// MaxConnsPerUser caps one user's open tabs and devices.
	MaxConnsPerUser = 8

	sendBuffer   = 64
	readLimit    = 16 * 1024
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
	writeWait    = 10 * time.Second
)

var expectedClose = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // non-browser client behind the gateway
		}
		return origin == "http://"+r.Host || origin == "https://"+r.Host
	},
}

// Event is one notification addressed to a single user.
type Event struct {
	Type      notify.EventType `json:"type"`
	UserID    string           `json:"-"`
	DealKind  string           `json:"dealKind,omitempty"`
	DealID    string           `json:"dealId,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
	Data      map[string]any   `json:"data,omitempty"`
}

// Subscription narrows what a connection receives. Empty fields match all.
type Subscription struct {
	EventTypes []notify.EventType `json:"eventTypes"`
	DealIDs    []string           `json:"dealIds"`
}

func (s Subscription) matches(e *Event) bool {
	if len(s.EventTypes) > 0 && !slices.Contains(s.EventTypes, e.Type) {
		return false
	}
	return len(s.DealIDs) == 0 || slices.Contains(s.DealIDs, e.DealID)
}

// Client is one WebSocket connection owned by userID.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	userID string

	mu  sync.RWMutex
	sub Subscription
}

func (c *Client) subscription() Subscription {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sub
}

func (c *Client) subscribe(s Subscription) {
	c.mu.Lock()
	c.sub = s
	c.mu.Unlock()
}

// Hub routes notifications to the connections of their recipient.
type Hub struct {
	logger *slog.Logger

	mu     sync.RWMutex
	byUser map[string]map[*Client]struct{}
	conns  int

	events     chan *Event
	register   chan *Client
	unregister chan *Client
	done       chan struct{} // closed when Run returns

	maxConns   int
	maxPerUser int

	delivered atomic.Int64
	dropped   atomic.Int64
	accepted  atomic.Int64
	peak      atomic.Int64
}

// NewHub creates a hub. Run must be started before connections are accepted.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger:     logger,
		byUser:     make(map[string]map[*Client]struct{}),
		events:     make(chan *Event, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		maxConns:   MaxConns,
		maxPerUser: MaxConnsPerUser,
	}
}

// Run owns connection bookkeeping until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			h.logger.Info("realtime hub stopped")
			return
		case c := <-h.register:
			h.add(c)
		case c := <-h.unregister:
			h.remove(c)
		case e := <-h.events:
			h.route(e)
		}
	}
}

func (h *Hub) add(c *Client) {
	h.mu.Lock()
	set, ok := h.byUser[c.userID]
	if !ok {
		set = make(map[*Client]struct{})
		h.byUser[c.userID] = set
	}
	set[c] = struct{}{}
	h.conns++
	n := h.conns
	h.mu.Unlock()

	h.accepted.Add(1)
	if int64(n) > h.peak.Load() {
		h.peak.Store(int64(n))
	}
	metrics.ActiveWebSocketClients.Set(float64(n))
	h.logger.Debug("realtime client connected", "user_id", c.userID, "conns", n)
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	h.drop(c)
	n := h.conns
	h.mu.Unlock()
	metrics.ActiveWebSocketClients.Set(float64(n))
	h.logger.Debug("realtime client disconnected", "user_id", c.userID, "conns", n)
}

// drop closes c's queue once. Caller holds h.mu.
func (h *Hub) drop(c *Client) {
	set, ok := h.byUser[c.userID]
	if !ok {
		return
	}
	if _, ok := set[c]; !ok {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(h.byUser, c.userID)
	}
	close(c.send)
	h.conns--
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	for _, set := range h.byUser {
		for c := range set {
			close(c.send) // writePump sends a close frame
		}
	}
	h.byUser = make(map[string]map[*Client]struct{})
	h.conns = 0
	h.mu.Unlock()
	metrics.ActiveWebSocketClients.Set(0)
}

// route writes e to its recipient's matching connections. A connection whose
// queue is full is disconnected rather than allowed to stall the hub.
func (h *Hub) route(e *Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		h.logger.Error("realtime event encode failed", "type", e.Type, "error", err)
		return
	}

	h.mu.RLock()
	var slow []*Client
	for c := range h.byUser[e.UserID] {
		if !c.subscription().matches(e) {
			continue
		}
		select {
		case c.send <- payload:
			h.delivered.Add(1)
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	if len(slow) == 0 {
		return
	}
	h.mu.Lock()
	for _, c := range slow {
		h.drop(c)
	}
	n := h.conns
	h.mu.Unlock()
	metrics.ActiveWebSocketClients.Set(float64(n))
	h.logger.Warn("realtime dropped slow clients", "user_id", e.UserID, "count", len(slow))
}

// Publish queues e without blocking; a full queue drops it.
func (h *Hub) Publish(e *Event) {
	if e.UserID == "" {
		return
	}
	select {
	case h.events <- e:
	default:
		h.dropped.Add(1)
		h.logger.Warn("realtime queue full, dropping event", "type", e.Type, "user_id", e.UserID)
	}
}

// Deliver implements notify.Sink.
func (h *Hub) Deliver(_ context.Context, n *notify.Notification) error {
	h.Publish(&Event{
		Type:      n.Type,
		UserID:    n.UserID,
		DealKind:  n.DealKind,
		DealID:    n.DealID,
		Timestamp: n.Timestamp,
		Data:      n.Data,
	})
	return nil
}

// Name implements notify.Sink.
func (h *Hub) Name() string { return "realtime" }

// Connections returns how many connections userID holds.
func (h *Hub) Connections(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byUser[userID])
}

// Stats is served on the admin realtime route.
func (h *Hub) Stats() map[string]any {
	h.mu.RLock()
	conns, users := h.conns, len(h.byUser)
	h.mu.RUnlock()

	return map[string]any{
		"connections":    conns,
		"users":          users,
		"peakConns":      h.peak.Load(),
		"acceptedConns":  h.accepted.Load(),
		"deliveredCount": h.delivered.Load(),
		"droppedEvents":  h.dropped.Load(),
	}
}

// admit reports whether userID may open another connection.
func (h *Hub) admit(userID string) (int, string) {
	select {
	case <-h.done:
		return http.StatusServiceUnavailable, "server shutting down"
	default:
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.conns >= h.maxConns {
		return http.StatusServiceUnavailable, "too many connections"
	}
	if len(h.byUser[userID]) >= h.maxPerUser {
		return http.StatusTooManyRequests, "too many connections for this user"
	}
	return 0, ""
}

// HandleWebSocket upgrades the request into a stream for userID.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request, userID string) {
	if userID == "" {
		http.Error(w, "caller identity required", http.StatusUnauthorized)
		return
	}
	if status, msg := h.admit(userID); status != 0 {
		http.Error(w, msg, status)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "user_id", userID, "error", err)
		return
	}

	c := &Client{hub: h, conn: conn, send: make(chan []byte, sendBuffer), userID: userID}
	select {
	case h.register <- c:
	case <-h.done:
		_ = conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

// readPump accepts subscription frames until the peer goes away.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(readLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, expectedClose...) {
				c.hub.logger.Debug("websocket read ended", "user_id", c.userID, "error", err)
			}
			return
		}

		var sub Subscription
		if err := json.Unmarshal(msg, &sub); err != nil {
			continue
		}
		c.subscribe(sub)
	}
}

// writePump drains the send queue and keeps the connection alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.hub.logger.Debug("websocket write failed", "user_id", c.userID, "error", err)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
