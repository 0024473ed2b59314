// Package ws streams engine events to WebSocket clients such as an admin
// dashboard. Each connection may narrow the stream to some event kinds or
// one cache key.
package ws

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/c0deZ3R0/storefront-sync/events"
	"github.com/c0deZ3R0/storefront-sync/logging"
)

// Config configures the hub.
type Config struct {
	// BufferSize is the number of messages queued per connection before
	// events are dropped for it.
	BufferSize int
	// PingInterval is how often to ping clients
	PingInterval time.Duration
	// WriteTimeout for WebSocket writes
	WriteTimeout time.Duration
}

// DefaultConfig returns default streaming configuration.
func DefaultConfig() Config {
	return Config{
		BufferSize:   256,
		PingInterval: 30 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Message is a control message exchanged with clients. Events themselves
// are sent in their wire form: {event, data, error, timestamp}.
type Message struct {
	Type  string        `json:"type"`
	Kinds []events.Kind `json:"kinds,omitempty"`
	Key   string        `json:"key,omitempty"`
	Error string        `json:"error,omitempty"`
}

// Hub fans bus events out to connected clients.
type Hub struct {
	cfg      Config
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[uint64]*client
	nextID  uint64
	closed  bool

	dropped atomic.Int64
}

type client struct {
	id   uint64
	send chan []byte
	done chan struct{}
	once sync.Once

	mu    sync.RWMutex
	kinds map[events.Kind]struct{}
	key   string
}

func (c *client) setFilter(kinds []events.Kind, key string) {
	set := make(map[events.Kind]struct{}, len(kinds))
	for _, k := range kinds {
		if k != "" {
			set[k] = struct{}{}
		}
	}
	c.mu.Lock()
	c.kinds = set
	c.key = key
	c.mu.Unlock()
}

func (c *client) wants(ev events.Event) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.kinds) > 0 {
		if _, ok := c.kinds[ev.Kind]; !ok {
			return false
		}
	}
	return c.key == "" || c.key == ev.Key()
}

func (c *client) close() {
	c.once.Do(func() { close(c.done) })
}

// NewHub creates a hub. A nil logger uses slog.Default().
func NewHub(cfg Config, logger *slog.Logger) *Hub {
	def := DefaultConfig()
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		cfg:    cfg,
		logger: logger.With("component", logging.Component("transport/ws")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[uint64]*client),
	}
}

// Attach subscribes the hub to bus.
func (h *Hub) Attach(bus *events.Bus) (detach func()) {
	return bus.Subscribe(h.Publish)
}

// Publish sends ev to every interested client without blocking. A client
// whose buffer is full misses the event.
func (h *Hub) Publish(ev events.Event) {
	var msg []byte

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		if !c.wants(ev) {
			continue
		}
		if msg == nil {
			var err error
			if msg, err = json.Marshal(ev); err != nil {
				h.logger.Warn("Failed to encode event", "event", ev.Kind, "error", err)
				return
			}
		}
		select {
		case c.send <- msg:
		default:
			h.dropped.Add(1)
		}
	}
}

// Count returns the number of connected clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dropped returns the number of events dropped for slow clients.
func (h *Hub) Dropped() int64 { return h.dropped.Load() }

// Close disconnects every client and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := h.clients
	h.clients = make(map[uint64]*client)
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
}

func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.nextID++
	c.id = h.nextID
	h.clients[c.id] = c
	return true
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	delete(h.clients, c.id)
	h.mu.Unlock()
	c.close()
}

// Handler upgrades the request to a WebSocket. The optional query
// parameters kinds (comma separated) and key set the initial filter;
// clients change it later by sending {"type":"filter","kinds":[...],"key":"..."}.
func (h *Hub) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.logger.Debug("WebSocket upgrade failed", "error", err)
			return
		}
		defer func() { _ = conn.Close() }()

		c := &client{
			send: make(chan []byte, h.cfg.BufferSize),
			done: make(chan struct{}),
		}
		c.setFilter(parseKinds(r.URL.Query().Get("kinds")), r.URL.Query().Get("key"))
		if !h.register(c) {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
				time.Now().Add(h.cfg.WriteTimeout))
			return
		}
		defer h.unregister(c)
		h.logger.Debug("WebSocket client connected", "client", c.id, "remote", r.RemoteAddr)

		go h.readLoop(conn, c)
		h.writeLoop(conn, c)
	}
}

func (h *Hub) readLoop(conn *websocket.Conn, c *client) {
	defer c.close()
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var cmd Message
		if err := json.Unmarshal(raw, &cmd); err != nil {
			h.reply(c, Message{Type: "error", Error: "invalid message format"})
			continue
		}
		switch cmd.Type {
		case "filter":
			c.setFilter(cmd.Kinds, cmd.Key)
			h.reply(c, Message{Type: "filtered", Kinds: cmd.Kinds, Key: cmd.Key})
		default:
			h.reply(c, Message{Type: "error", Error: "unknown command: " + cmd.Type})
		}
	}
}

func (h *Hub) reply(c *client, m Message) {
	msg, _ := json.Marshal(m)
	select {
	case c.send <- msg:
	case <-c.done:
	}
}

func (h *Hub) writeLoop(conn *websocket.Conn, c *client) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(h.cfg.WriteTimeout))
			return
		case msg := <-c.send:
			_ = conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.cfg.WriteTimeout)); err != nil {
				return
			}
		}
	}
}

func parseKinds(s string) []events.Kind {
	if s == "" {
		return nil
	}
	var kinds []events.Kind
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			kinds = append(kinds, events.Kind(part))
		}
	}
	return kinds
}
