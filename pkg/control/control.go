// Package control exposes a read-only WebSocket feed of ingest server
// activity for operator dashboards: publish starts/stops and periodic
// aggregate stats, not a command channel back into the server.
package control

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aminofox/rtmpingest/pkg/logger"
)

// EventType labels a message sent down the control feed.
type EventType string

const (
	EventStreamStarted EventType = "stream_started"
	EventStreamEnded   EventType = "stream_ended"
	EventStats         EventType = "stats"
)

// Event is one message broadcast to every connected operator client.
type Event struct {
	Type      EventType       `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// StreamEventData describes a publish start/stop.
type StreamEventData struct {
	StreamKey string `json:"stream_key"`
	SessionID string `json:"session_id"`
}

// StatsData is the periodic aggregate snapshot.
type StatsData struct {
	ActiveSessions int   `json:"active_sessions"`
	ActiveStreams  int   `json:"active_streams"`
	BytesReceived  int64 `json:"bytes_received"`
}

const (
	writeWait      = 10 * time.Second
	pingPeriod     = 30 * time.Second
	clientSendSize = 64
)

// client is one connected operator WebSocket.
type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Feed fans broadcast Events out to every connected operator client.
type Feed struct {
	upgrader websocket.Upgrader
	log      logger.Logger

	mu      sync.RWMutex
	clients map[*client]struct{}
}

// NewFeed creates an operator stats Feed.
func NewFeed(log logger.Logger) *Feed {
	return &Feed{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		log:     log,
		clients: make(map[*client]struct{}),
	}
}

// HandleWebSocket upgrades an HTTP request to a WebSocket and registers
// the resulting client on the feed until it disconnects.
func (f *Feed) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.log.Error("control: upgrade failed", logger.Err(err))
		return
	}

	c := &client{conn: conn, send: make(chan []byte, clientSendSize)}

	f.mu.Lock()
	f.clients[c] = struct{}{}
	f.mu.Unlock()

	go f.writePump(c)
	go f.readPump(c)
}

// readPump drains (and discards) inbound frames so pong control frames
// are processed; the feed is one-directional by design.
func (f *Feed) readPump(c *client) {
	defer f.unregister(c)

	c.conn.SetReadDeadline(time.Now().Add(pingPeriod * 2))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pingPeriod * 2))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (f *Feed) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (f *Feed) unregister(c *client) {
	f.mu.Lock()
	if _, ok := f.clients[c]; ok {
		delete(f.clients, c)
		close(c.send)
	}
	f.mu.Unlock()
}

// Broadcast pushes ev to every currently connected operator client.
// A client whose send buffer is full does not get ev and is unregistered
// (its connection is closed) rather than blocking the caller.
func (f *Feed) Broadcast(ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		f.log.Error("control: failed to marshal event", logger.Err(err))
		return
	}

	f.mu.RLock()
	defer f.mu.RUnlock()
	for c := range f.clients {
		select {
		case c.send <- payload:
		default:
			go f.unregister(c)
		}
	}
}

// StreamStarted broadcasts an EventStreamStarted event.
func (f *Feed) StreamStarted(streamKey, sessionID string) {
	f.Broadcast(Event{
		Type:      EventStreamStarted,
		Data:      mustMarshal(StreamEventData{StreamKey: streamKey, SessionID: sessionID}),
		Timestamp: time.Now(),
	})
}

// StreamEnded broadcasts an EventStreamEnded event.
func (f *Feed) StreamEnded(streamKey, sessionID string) {
	f.Broadcast(Event{
		Type:      EventStreamEnded,
		Data:      mustMarshal(StreamEventData{StreamKey: streamKey, SessionID: sessionID}),
		Timestamp: time.Now(),
	})
}

// Stats broadcasts an EventStats snapshot.
func (f *Feed) Stats(stats StatsData) {
	f.Broadcast(Event{
		Type:      EventStats,
		Data:      mustMarshal(stats),
		Timestamp: time.Now(),
	})
}

func mustMarshal(v interface{}) json.RawMessage {
	data, _ := json.Marshal(v)
	return data
}
