// Package realtime streams protocol events to WebSocket subscribers.
//
// A connection is scoped when it is opened: a wallet's API key sees only
// that wallet's events, an operator connection sees every wallet. Within its
// scope a client can narrow the stream to some event types by sending
// {"eventTypes": [...]}; an empty list restores everything.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mbd888/cipherscore/internal/events"
	"github.com/mbd888/cipherscore/internal/metrics"
)

const (
	// MaxClients caps concurrent connections across all scopes.
	MaxClients = 10000

	sendBuffer   = 64
	readLimit    = 4 << 10
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
	writeWait    = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // non-browser clients
		}
		return origin == "http://"+r.Host || origin == "https://"+r.Host
	},
}

// Scope is what a connection is allowed to see.
type Scope struct {
	Wallet     string // base58; ignored when AllWallets is set
	AllWallets bool
}

func (s Scope) covers(wallet string) bool {
	return s.AllWallets || s.Wallet == wallet
}

// Subscription narrows a connection's stream by event type.
type Subscription struct {
	EventTypes []events.Type `json:"eventTypes"`
}

func (s Subscription) validate() error {
	for _, t := range s.EventTypes {
		if !t.Valid() {
			return fmt.Errorf("unknown event type %q", t)
		}
	}
	return nil
}

func (s Subscription) wants(t events.Type) bool {
	return len(s.EventTypes) == 0 || slices.Contains(s.EventTypes, t)
}

// Client is one WebSocket connection.
type Client struct {
	hub   *Hub
	conn  *websocket.Conn
	scope Scope
	send  chan []byte

	mu  sync.RWMutex
	sub Subscription
}

func (c *Client) subscription() Subscription {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sub
}

func (c *Client) setSubscription(s Subscription) {
	c.mu.Lock()
	c.sub = s
	c.mu.Unlock()
}

// Hub owns the client set. All membership changes happen on the Run loop.
type Hub struct {
	logger     *slog.Logger
	maxClients int

	broadcast  chan events.Event
	register   chan *Client
	unregister chan *Client
	done       chan struct{} // closed when Run exits

	mu       sync.RWMutex
	byWallet map[string]map[*Client]struct{}
	firehose map[*Client]struct{}
	count    int

	totalEvents  atomic.Int64
	totalClients atomic.Int64
	dropped      atomic.Int64
}

// NewHub creates a Hub. Call Run before accepting connections.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger:     logger,
		maxClients: MaxClients,
		broadcast:  make(chan events.Event, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		byWallet:   make(map[string]map[*Client]struct{}),
		firehose:   make(map[*Client]struct{}),
	}
}

// Run processes registrations and events until ctx is done, then closes
// every connection.
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
		case ev := <-h.broadcast:
			h.deliver(ev)
		}
	}
}

func (h *Hub) add(c *Client) {
	h.mu.Lock()
	if c.scope.AllWallets {
		h.firehose[c] = struct{}{}
	} else {
		set := h.byWallet[c.scope.Wallet]
		if set == nil {
			set = make(map[*Client]struct{})
			h.byWallet[c.scope.Wallet] = set
		}
		set[c] = struct{}{}
	}
	h.count++
	n := h.count
	h.mu.Unlock()

	h.totalClients.Add(1)
	metrics.ActiveWebSocketClients.Set(float64(n))
	h.logger.Debug("stream client connected", "wallet", c.scope.Wallet, "all_wallets", c.scope.AllWallets, "total", n)
}

// remove drops c and closes its send channel. It is a no-op for a client
// that is already gone.
func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	removed := false
	if c.scope.AllWallets {
		if _, ok := h.firehose[c]; ok {
			delete(h.firehose, c)
			removed = true
		}
	} else if set, ok := h.byWallet[c.scope.Wallet]; ok {
		if _, ok := set[c]; ok {
			delete(set, c)
			removed = true
			if len(set) == 0 {
				delete(h.byWallet, c.scope.Wallet)
			}
		}
	}
	if removed {
		h.count--
		close(c.send)
	}
	n := h.count
	h.mu.Unlock()

	if removed {
		metrics.ActiveWebSocketClients.Set(float64(n))
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	for c := range h.firehose {
		close(c.send)
	}
	for _, set := range h.byWallet {
		for c := range set {
			close(c.send)
		}
	}
	h.firehose = make(map[*Client]struct{})
	h.byWallet = make(map[string]map[*Client]struct{})
	h.count = 0
	h.mu.Unlock()
	metrics.ActiveWebSocketClients.Set(0)
}

// deliver sends ev to every client whose scope covers its wallet. A client
// whose buffer is full is disconnected rather than allowed to stall the hub.
func (h *Hub) deliver(ev events.Event) {
	h.totalEvents.Add(1)
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("event encode failed", "type", string(ev.Type), "error", err)
		return
	}

	var slow []*Client
	try := func(c *Client) {
		if !c.subscription().wants(ev.Type) {
			return
		}
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}

	h.mu.RLock()
	for c := range h.byWallet[ev.Wallet] {
		try(c)
	}
	for c := range h.firehose {
		try(c)
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.dropped.Add(1)
		h.logger.Warn("stream client too slow, disconnecting", "wallet", c.scope.Wallet)
		h.remove(c)
	}
}

// Emit implements events.Emitter. Events are dropped when the hub is
// backlogged.
func (h *Hub) Emit(_ context.Context, ev events.Event) {
	select {
	case h.broadcast <- ev:
	default:
		h.logger.Warn("realtime backlog full, dropping event", "type", string(ev.Type), "wallet", ev.Wallet)
	}
}

// Stats reports connection counts for the info endpoint.
func (h *Hub) Stats() map[string]any {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return map[string]any{
		"connectedClients": h.count,
		"watchedWallets":   len(h.byWallet),
		"operatorClients":  len(h.firehose),
		"totalClients":     h.totalClients.Load(),
		"totalEvents":      h.totalEvents.Load(),
		"slowDisconnects":  h.dropped.Load(),
	}
}

// HandleWebSocket upgrades the request and streams events within scope.
// The caller is responsible for authenticating scope.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request, scope Scope) {
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}
	if !scope.AllWallets && scope.Wallet == "" {
		http.Error(w, "stream requires a wallet scope", http.StatusForbidden)
		return
	}

	h.mu.RLock()
	full := h.count >= h.maxClients
	h.mu.RUnlock()
	if full {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &Client{hub: h, conn: conn, scope: scope, send: make(chan []byte, sendBuffer)}
	select {
	case h.register <- c:
	case <-h.done:
		_ = conn.Close()
		return
	}
	go c.writePump()
	go c.readPump()
}

// readPump applies subscription updates until the connection drops.
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
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				c.hub.logger.Debug("websocket read error", "error", err)
			}
			return
		}

		var sub Subscription
		if err := json.Unmarshal(msg, &sub); err == nil {
			err = sub.validate()
		}
		if err != nil {
			// The previous filter stays; a typo must not silently mute the stream.
			c.hub.logger.Debug("ignoring invalid subscription", "wallet", c.scope.Wallet, "error", err)
			continue
		}
		c.setSubscription(sub)
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
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
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
