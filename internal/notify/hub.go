// Package notify delivers post-commit events to terminals and other
// subscribers. Delivery is at-most-once; no sink ever reports back into the
// sale that produced an event.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"kasirflow/backend/internal/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	clientBuffer   = 32
)

var ErrClosed = errors.New("notifier closed")

var knownChannels = []string{domain.ChannelInventory, domain.ChannelPointOfSale}

// Frame is what a websocket client may send to change its subscriptions.
type Frame struct {
	Action  string `json:"action"`
	Channel string `json:"channel"`
}

// Reply acknowledges a connection or a subscription change.
type Reply struct {
	Type     string   `json:"type"`
	Channel  string   `json:"channel,omitempty"`
	Channels []string `json:"channels,omitempty"`
	Error    string   `json:"error,omitempty"`
}

type client struct {
	hub      *Hub
	conn     *websocket.Conn
	send     chan []byte
	mu       sync.RWMutex
	channels map[string]bool
	once     sync.Once
}

func (c *client) subscribed(channel string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.channels[channel]
}

func (c *client) channelList() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.channels))
	for ch := range c.channels {
		out = append(out, ch)
	}
	slices.Sort(out)
	return out
}

// close is safe to call from the hub and from either pump.
func (c *client) close() {
	c.once.Do(func() {
		close(c.send)
		_ = c.conn.Close()
	})
}

// Hub fans events out to websocket clients by channel. A client whose send
// buffer is full is disconnected rather than allowed to slow the others down.
type Hub struct {
	upgrader websocket.Upgrader
	mu       sync.RWMutex
	clients  map[*client]struct{}
	closed   bool
	pumps    sync.WaitGroup
}

// NewHub builds a hub. allowedOrigin of "" or "*" accepts any origin.
func NewHub(allowedOrigin string) *Hub {
	h := &Hub{clients: make(map[*client]struct{})}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || allowedOrigin == "" || allowedOrigin == "*" || origin == allowedOrigin
		},
	}
	return h
}

func parseChannels(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return slices.Clone(knownChannels), nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		ch := strings.TrimSpace(part)
		if ch == "" {
			continue
		}
		if !slices.Contains(knownChannels, ch) {
			return nil, fmt.Errorf("unknown channel %q", ch)
		}
		if !slices.Contains(out, ch) {
			out = append(out, ch)
		}
	}
	return out, nil
}

// ServeWS upgrades the request and subscribes the connection to the channels
// named in ?channels= (all channels when omitted).
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	channels, err := parseChannels(r.URL.Query().Get("channels"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws] WARN: upgrade failed: %v", err)
		return
	}

	c := &client{
		hub:      h,
		conn:     conn,
		send:     make(chan []byte, clientBuffer),
		channels: make(map[string]bool, len(channels)),
	}
	for _, ch := range channels {
		c.channels[ch] = true
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	h.pumps.Add(2)
	h.mu.Unlock()

	c.reply(Reply{Type: "welcome", Channels: c.channelList()})
	go c.writePump()
	go c.readPump()
}

func (c *client) reply(r Reply) {
	body, err := json.Marshal(r)
	if err != nil {
		return
	}
	c.hub.enqueue(c, body)
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	if ok {
		c.close()
	}
}

// enqueue hands a frame to one client without blocking. A full buffer means
// the client cannot keep up, and it is dropped.
func (h *Hub) enqueue(c *client, body []byte) {
	h.mu.RLock()
	_, ok := h.clients[c]
	if ok {
		select {
		case c.send <- body:
			h.mu.RUnlock()
			return
		default:
		}
	}
	h.mu.RUnlock()
	if ok {
		log.Printf("[ws] WARN: dropping slow client %s", c.conn.RemoteAddr())
		h.remove(c)
	}
}

// Deliver pushes an encoded event to every client subscribed to channel.
func (h *Hub) Deliver(channel string, body []byte) {
	h.mu.RLock()
	targets := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		if c.subscribed(channel) {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		h.enqueue(c, body)
	}
}

func (h *Hub) Publish(_ context.Context, event domain.Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	h.Deliver(event.Channel, body)
	return nil
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client and waits for their pumps to exit.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[*client]struct{})
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
	h.pumps.Wait()
}

func (c *client) readPump() {
	defer func() {
		c.hub.remove(c)
		c.hub.pumps.Done()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[ws] WARN: read error: %v", err)
			}
			return
		}

		var frame Frame
		if err := json.Unmarshal(message, &frame); err != nil {
			c.reply(Reply{Type: "error", Error: "invalid frame"})
			continue
		}
		c.handle(frame)
	}
}

func (c *client) handle(frame Frame) {
	if !slices.Contains(knownChannels, frame.Channel) {
		c.reply(Reply{Type: "error", Channel: frame.Channel, Error: "unknown channel"})
		return
	}
	switch frame.Action {
	case "subscribe":
		c.mu.Lock()
		c.channels[frame.Channel] = true
		c.mu.Unlock()
		c.reply(Reply{Type: "subscribed", Channel: frame.Channel})
	case "unsubscribe":
		c.mu.Lock()
		delete(c.channels, frame.Channel)
		c.mu.Unlock()
		c.reply(Reply{Type: "unsubscribed", Channel: frame.Channel})
	default:
		c.reply(Reply{Type: "error", Error: "unknown action"})
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
		c.hub.pumps.Done()
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

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.ServeWS(w, r)
}
