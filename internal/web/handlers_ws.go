package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"znp-host/internal/adapter"
	"znp-host/internal/events"
)

const (
	wsBroadcastBuffer = 256
	wsClientBuffer    = 64
	wsWriteTimeout    = 10 * time.Second

	// wsSnapshot is the first message of every stream.
	wsSnapshot = "snapshot"
)

// wsMessage is the JSON frame sent to websocket clients.
type wsMessage struct {
	Type string    `json:"type"`
	Data any       `json:"data,omitempty"`
	Time time.Time `json:"time"`
}

// snapshotData tells a new client where the adapter stands before any event
// arrives.
type snapshotData struct {
	State           adapter.State  `json:"state"`
	MemoryAlignment string         `json:"memory_alignment,omitempty"`
	Devices         map[string]int `json:"devices"`
}

// WSHub fans bus events out to websocket clients. A client that cannot keep
// up is evicted rather than allowed to stall the others.
type WSHub struct {
	mu      sync.RWMutex
	clients map[*wsClient]struct{}
	logger  *slog.Logger

	register   chan *wsClient
	unregister chan *wsClient
	broadcast  chan wsMessage

	done     chan struct{}
	stopOnce sync.Once
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
	// types limits the stream to these event types. Empty means all.
	types map[string]bool
}

func newWSClient(conn *websocket.Conn, filter string) *wsClient {
	c := &wsClient{conn: conn, send: make(chan []byte, wsClientBuffer)}
	for _, t := range strings.Split(filter, ",") {
		if t = strings.TrimSpace(t); t != "" {
			if c.types == nil {
				c.types = make(map[string]bool)
			}
			c.types[t] = true
		}
	}
	return c
}

func (c *wsClient) wants(eventType string) bool {
	return len(c.types) == 0 || c.types[eventType]
}

// NewWSHub creates a hub; call Run to start it.
func NewWSHub(logger *slog.Logger) *WSHub {
	return &WSHub{
		clients:    make(map[*wsClient]struct{}),
		logger:     logger,
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		broadcast:  make(chan wsMessage, wsBroadcastBuffer),
		done:       make(chan struct{}),
	}
}

// Run owns client membership until Stop.
func (h *WSHub) Run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for c := range h.clients {
				h.drop(c)
			}
			h.mu.Unlock()
			return
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("ws client connected", "clients", n, "filter", len(c.types))
		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				h.drop(c)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("ws client disconnected", "clients", n)
		case msg := <-h.broadcast:
			h.fanOut(msg)
		}
	}
}

// drop removes c and closes its queue. h.mu must be held.
func (h *WSHub) drop(c *wsClient) {
	delete(h.clients, c)
	close(c.send)
}

func (h *WSHub) fanOut(msg wsMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("ws marshal", "type", msg.Type, "err", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if !c.wants(msg.Type) {
			continue
		}
		select {
		case c.send <- data:
		default:
			h.drop(c)
			h.logger.Warn("ws client evicted, send queue full", "type", msg.Type)
		}
	}
}

// Stop shuts the hub down and closes every client. Safe to call twice.
func (h *WSHub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// Broadcast queues e for every interested client. It never blocks; events
// are dropped while the queue is full.
func (h *WSHub) Broadcast(e events.Event) {
	select {
	case h.broadcast <- wsMessage{Type: e.Type, Data: e.Data, Time: time.Now()}:
	default:
		h.logger.Warn("ws broadcast queue full, dropping event", "type", e.Type)
	}
}

// Clients returns the number of connected clients.
func (h *WSHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// snapshot reports the adapter state and device counts known right now.
func (s *Server) snapshot() wsMessage {
	data := snapshotData{State: adapter.StateIdle, Devices: make(map[string]int, len(s.providers))}
	if s.adapter != nil {
		data.State = s.adapter.State()
		if a := s.adapter.MemoryAlignment(); a != 0 {
			data.MemoryAlignment = a.String()
		}
	}
	for name, p := range s.providers {
		data.Devices[name] = len(p.ListDevices())
	}
	return wsMessage{Type: wsSnapshot, Data: data, Time: time.Now()}
}

// handleWS streams events as JSON. ?types=adapter_state,device_new limits the
// stream; the snapshot is always sent first.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{}
	// Without patterns nhooyr only accepts same-origin requests.
	if len(s.allowedOrigins) > 0 {
		opts.OriginPatterns = s.allowedOrigins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.logger.Error("ws accept", "err", err)
		return
	}
	conn.SetReadLimit(4096)

	client := newWSClient(conn, r.URL.Query().Get("types"))
	if data, err := json.Marshal(s.snapshot()); err == nil {
		client.send <- data
	} else {
		s.logger.Error("ws snapshot", "err", err)
	}

	select {
	case s.wsHub.register <- client:
	case <-s.wsHub.done:
		conn.Close(websocket.StatusGoingAway, "server shutdown")
		return
	}

	go s.wsWritePump(client)
	s.wsReadPump(client)
}

func (s *Server) wsWritePump(client *wsClient) {
	for msg := range client.send {
		ctx, cancel := context.WithTimeout(context.Background(), wsWriteTimeout)
		err := client.conn.Write(ctx, websocket.MessageText, msg)
		cancel()
		if err != nil {
			return
		}
	}
	client.conn.Close(websocket.StatusNormalClosure, "")
}

// wsReadPump waits for the connection to drop. Clients only listen; anything
// they send is discarded.
func (s *Server) wsReadPump(client *wsClient) {
	defer func() {
		select {
		case s.wsHub.unregister <- client:
		case <-s.wsHub.done:
			client.conn.Close(websocket.StatusGoingAway, "server shutdown")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.wsHub.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		if _, _, err := client.conn.Read(ctx); err != nil {
			return
		}
	}
}
