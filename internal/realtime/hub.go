// Package realtime streams committed marketplace events to WebSocket
// subscribers.
//
// A Hub is an events.Publisher: wire it into the ledger's publisher chain
// and every committed unit of work fans out to connected clients whose
// subscription matches.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mbd888/agentmarket/internal/events"
	"github.com/mbd888/agentmarket/internal/metrics"
	"github.com/mbd888/agentmarket/internal/validation"
)

// normalCloseCodes are WebSocket close codes that indicate an expected disconnect.
var normalCloseCodes = []int{
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
			return true // non-browser clients
		}
		host := r.Host
		return origin == "http://"+host || origin == "https://"+host
	},
}

const (
	// MaxClients is the maximum number of concurrent WebSocket connections.
	MaxClients = 10000

	sendBuffer   = 256
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
	writeWait    = 10 * time.Second
	maxMessage   = 64 * 1024
)

// Subscription filters what a client receives. The zero value receives
// everything.
type Subscription struct {
	AllEvents bool          `json:"allEvents"`
	Types     []events.Type `json:"types"`     // exact event types
	Topics    []string      `json:"topics"`    // type prefixes such as "request" or "royalty"
	Agents    []string      `json:"agents"`    // actor or party addresses
	MinAmount uint64        `json:"minAmount"` // applies to events carrying an amount
}

func (s Subscription) normalized() Subscription {
	for i, a := range s.Agents {
		s.Agents[i] = validation.NormalizeAddress(a)
	}
	return s
}

// Matches reports whether e passes the subscription filters.
func (s Subscription) Matches(e *events.Event) bool {
	if s.AllEvents {
		return true
	}

	if len(s.Types) > 0 || len(s.Topics) > 0 {
		matched := false
		for _, t := range s.Types {
			if t == e.Type {
				matched = true
				break
			}
		}
		for _, p := range s.Topics {
			if !matched && strings.HasPrefix(string(e.Type), strings.TrimSuffix(p, ".")+".") {
				matched = true
			}
		}
		if !matched {
			return false
		}
	}

	if len(s.Agents) > 0 {
		matched := false
		for _, a := range s.Agents {
			if e.Involves(a) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}

	if s.MinAmount > 0 {
		if amount, ok := e.Data["amount"].(uint64); ok && amount < s.MinAmount {
			return false
		}
	}
	return true
}

// Client is one WebSocket connection.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	mu   sync.RWMutex
	sub  Subscription
}

func (c *Client) subscription() Subscription {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sub
}

// Hub manages all WebSocket connections
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan *events.Event
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	logger     *slog.Logger
	done       chan struct{} // closed when Run exits
	maxClients int

	totalEvents   atomic.Int64
	droppedEvents atomic.Int64
	totalClients  atomic.Int64
	peakClients   atomic.Int64
}

// NewHub creates a new WebSocket hub
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan *events.Event, sendBuffer),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
		done:       make(chan struct{}),
		maxClients: MaxClients,
	}
}

// Run starts the hub's main loop and returns when ctx is done.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send) // writePump sends CloseMessage on closed channel
				delete(h.clients, client)
			}
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(0)
			h.logger.Info("realtime hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.totalClients.Add(1)
			n := len(h.clients)
			if int64(n) > h.peakClients.Load() {
				h.peakClients.Store(int64(n))
			}
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Debug("client connected", "total", n)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Debug("client disconnected", "total", n)

		case event := <-h.broadcast:
			h.deliver(event)
		}
	}
}

func (h *Hub) deliver(event *events.Event) {
	h.totalEvents.Add(1)
	msg, err := json.Marshal(event)
	if err != nil {
		h.logger.Warn("realtime: encode event failed", "id", event.ID, "error", err)
		return
	}

	h.mu.RLock()
	var slow []*Client
	for client := range h.clients {
		if !client.subscription().Matches(event) {
			continue
		}
		select {
		case client.send <- msg:
		default:
			slow = append(slow, client)
		}
	}
	h.mu.RUnlock()

	if len(slow) > 0 {
		h.mu.Lock()
		for _, client := range slow {
			if _, ok := h.clients[client]; ok {
				close(client.send)
				delete(h.clients, client)
			}
		}
		h.mu.Unlock()
		h.logger.Warn("realtime: dropped slow clients", "count", len(slow))
	}
}

// Broadcast queues one event. It never blocks; when the queue is full the
// event is dropped.
func (h *Hub) Broadcast(event *events.Event) bool {
	select {
	case h.broadcast <- event:
		return true
	default:
		h.droppedEvents.Add(1)
		return false
	}
}

// Publish implements events.Publisher.
func (h *Hub) Publish(_ context.Context, evts []events.Event) error {
	for _, e := range evts {
		result := "ok"
		if !h.Broadcast(&e) {
			result = "dropped"
			h.logger.Warn("realtime: broadcast queue full, dropping event", "id", e.ID, "type", e.Type)
		}
		metrics.EventsPublishedTotal.WithLabelValues("websocket", result).Inc()
	}
	return nil
}

// Stats returns hub statistics
func (h *Hub) Stats() map[string]any {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return map[string]any{
		"connectedClients": len(h.clients),
		"totalEvents":      h.totalEvents.Load(),
		"droppedEvents":    h.droppedEvents.Load(),
		"totalClients":     h.totalClients.Load(),
		"peakClients":      h.peakClients.Load(),
	}
}

// HandleWebSocket upgrades HTTP to WebSocket. The initial subscription may
// be given as query parameters: types, topics and agents (comma separated).
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	if n >= h.maxClients {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBuffer),
		sub:  subscriptionFromQuery(r),
	}

	select {
	case h.register <- client:
	case <-h.done:
		_ = conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

func subscriptionFromQuery(r *http.Request) Subscription {
	q := r.URL.Query()
	var sub Subscription
	for _, t := range splitList(q.Get("types")) {
		sub.Types = append(sub.Types, events.Type(t))
	}
	sub.Topics = splitList(q.Get("topics"))
	sub.Agents = splitList(q.Get("agents"))
	return sub.normalized()
}

func splitList(s string) []string {
	var out []string
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// readPump applies subscription updates sent by the client. Each text
// message replaces the whole subscription.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessage)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Debug("websocket read error", "error", err)
			}
			return
		}

		var sub Subscription
		if err := json.Unmarshal(message, &sub); err != nil {
			continue
		}
		c.mu.Lock()
		c.sub = sub.normalized()
		c.mu.Unlock()
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.logger.Debug("websocket write error", "error", err)
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
