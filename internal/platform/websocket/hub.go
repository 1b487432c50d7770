// Package websocket pushes server-side events to browsers. Each connection
// follows one topic; in the intake service a topic is a form session ID.
package websocket

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 16
)

// Event is one message sent to subscribers of a topic.
type Event struct {
	Type      string          `json:"type"`
	Topic     string          `json:"topic"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Client is a single subscribed connection.
type Client struct {
	ID    string
	Topic string
	Send  chan []byte
}

// NewClient creates a client following topic.
func NewClient(topic string) *Client {
	return &Client{ID: uuid.New().String(), Topic: topic, Send: make(chan []byte, sendBuffer)}
}

// Hub tracks clients by topic. It is safe for concurrent use.
type Hub struct {
	logger zerolog.Logger

	mu      sync.RWMutex
	clients map[string]map[*Client]struct{}
	count   int
}

// NewHub creates an empty hub.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		logger:  logger.With().Str("component", "websocket").Logger(),
		clients: make(map[string]map[*Client]struct{}),
	}
}

// Register subscribes client to its topic.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs := h.clients[client.Topic]
	if subs == nil {
		subs = make(map[*Client]struct{})
		h.clients[client.Topic] = subs
	}
	if _, ok := subs[client]; !ok {
		subs[client] = struct{}{}
		h.count++
	}
}

// Unregister removes client and closes its Send channel. Unregistering twice
// is a no-op.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.clients[client.Topic]
	if !ok {
		return
	}
	if _, ok := subs[client]; !ok {
		return
	}
	delete(subs, client)
	if len(subs) == 0 {
		delete(h.clients, client.Topic)
	}
	h.count--
	close(client.Send)
}

// Broadcast sends event to every client following topic. Slow clients whose
// buffer is full miss the event.
func (h *Hub) Broadcast(topic string, event Event) {
	event.Topic = topic
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error().Err(err).Str("topic", topic).Msg("failed to marshal event")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients[topic] {
		select {
		case client.Send <- data:
		default:
			h.logger.Warn().Str("client_id", client.ID).Str("topic", topic).Msg("dropped event for slow client")
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count
}

// TopicCount returns the number of clients following topic.
func (h *Hub) TopicCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[topic])
}

// TopicFunc resolves the topic a request subscribes to. A returned error is
// sent as the HTTP response and no upgrade happens.
type TopicFunc func(c echo.Context) (string, error)

// Handler upgrades the request and streams events of the resolved topic until
// the client disconnects. Browsers may only connect from allowedOrigins;
// "*" allows any origin and an empty list only the server's own host.
func Handler(hub *Hub, topic TopicFunc, allowedOrigins ...string) echo.HandlerFunc {
	upgrader := gorillawebsocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(allowedOrigins),
	}
	return func(c echo.Context) error {
		t, err := topic(c)
		if err != nil {
			return err
		}
		ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
		if err != nil {
			hub.logger.Debug().Err(err).Str("origin", c.Request().Header.Get("Origin")).Msg("upgrade refused")
			return nil
		}
		client := NewClient(t)
		hub.Register(client)
		hub.logger.Debug().Str("client_id", client.ID).Str("topic", t).Msg("client connected")

		go writePump(client, ws)
		readPump(hub, client, ws)
		return nil
	}
}

// originChecker accepts same-host origins and the allowed list. Requests
// without an Origin header are not from a browser and pass.
func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, o := range allowed {
			if o == "*" || strings.EqualFold(strings.TrimSuffix(o, "/"), origin) {
				return true
			}
		}
		u, err := url.Parse(origin)
		return err == nil && strings.EqualFold(u.Host, r.Host)
	}
}

// readPump discards client messages and unregisters the client when the
// connection drops.
func readPump(hub *Hub, client *Client, ws *gorillawebsocket.Conn) {
	defer func() {
		hub.Unregister(client)
		ws.Close()
	}()
	ws.SetReadLimit(512)
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}

func writePump(client *Client, ws *gorillawebsocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()
	for {
		select {
		case msg, ok := <-client.Send:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				ws.WriteMessage(gorillawebsocket.CloseMessage, []byte{})
				return
			}
			if err := ws.WriteMessage(gorillawebsocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(gorillawebsocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
