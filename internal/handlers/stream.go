package handlers

import (
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"fleetmon/internal/events"
)

const (
	streamSendBuffer  = 64
	streamPingEvery   = 30 * time.Second
	streamReadWindow  = 90 * time.Second
	streamWriteWindow = 10 * time.Second
)

// StreamHub fans bus events out to WebSocket clients. Each client may
// restrict the stream to a set of event types via the "types" query
// parameter (comma separated); with no filter every event is delivered.
type StreamHub struct {
	bus      *events.Bus
	upgrader websocket.Upgrader

	mu      sync.Mutex
	nextID  int64
	clients map[int64]*streamClient
}

// streamClient wraps one WebSocket connection with its filter and send queue.
type streamClient struct {
	conn   *websocket.Conn
	types  map[events.EventType]bool
	send   chan events.Event
	done   chan struct{}
	closed sync.Once
}

func (c *streamClient) shutdown() {
	c.closed.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// NewStreamHub creates the hub and subscribes it to the bus.
func NewStreamHub(bus *events.Bus) *StreamHub {
	h := &StreamHub{
		bus: bus,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[int64]*streamClient),
	}
	bus.Subscribe(h.broadcast)
	return h
}

// HandleStream upgrades the request and streams events until the client
// goes away.
func (h *StreamHub) HandleStream(w http.ResponseWriter, r *http.Request) {
	filter := parseTypeFilter(r.URL.Query().Get("types"))

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("stream: upgrade failed: %v", err)
		return
	}

	client := &streamClient{
		conn:  conn,
		types: filter,
		send:  make(chan events.Event, streamSendBuffer),
		done:  make(chan struct{}),
	}

	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.clients[id] = client
	total := len(h.clients)
	h.mu.Unlock()
	log.Printf("stream: client %d connected (%d active)", id, total)

	go h.writeLoop(client)
	h.readLoop(client)

	h.mu.Lock()
	if h.clients[id] == client {
		delete(h.clients, id)
	}
	h.mu.Unlock()
	client.shutdown()
	log.Printf("stream: client %d disconnected", id)
}

// broadcast queues an event for every client whose filter matches.
// Clients that cannot keep up have the event dropped rather than
// stalling the bus.
func (h *StreamHub) broadcast(e events.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, client := range h.clients {
		if len(client.types) > 0 && !client.types[e.Type] {
			continue
		}
		select {
		case client.send <- e:
		default:
			log.Printf("stream: client %d lagging, dropping event %s", id, e.Type)
		}
	}
}

func (h *StreamHub) writeLoop(c *streamClient) {
	ticker := time.NewTicker(streamPingEvery)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case e := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(streamWriteWindow))
			if err := c.conn.WriteJSON(e); err != nil {
				c.shutdown()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(
				websocket.PingMessage, nil,
				time.Now().Add(streamWriteWindow),
			); err != nil {
				c.shutdown()
				return
			}
		}
	}
}

// readLoop discards inbound frames; its job is to notice the close and
// keep the pong handler fed.
func (h *StreamHub) readLoop(c *streamClient) {
	c.conn.SetReadLimit(4 * 1024)
	c.conn.SetReadDeadline(time.Now().Add(streamReadWindow))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(streamReadWindow))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("stream: read error: %v", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(streamReadWindow))
	}
}

// ActiveClients returns the number of connected stream clients.
func (h *StreamHub) ActiveClients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// CloseAll terminates every active stream connection.
func (h *StreamHub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, client := range h.clients {
		client.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown"),
			time.Now().Add(5*time.Second),
		)
		client.shutdown()
		delete(h.clients, id)
	}
}

func parseTypeFilter(raw string) map[events.EventType]bool {
	if raw == "" {
		return nil
	}
	out := make(map[events.EventType]bool)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out[events.EventType(part)] = true
		}
	}
	return out
}
