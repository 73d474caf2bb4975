package realtime

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
	maxFrame     = 64 * 1024
)

// Subscription filters what a client receives. An entry in EventTypes
// matches the event name exactly or as a dotted prefix, so "dispute"
// matches "dispute.filed". An empty list receives everything.
type Subscription struct {
	EventTypes []string `json:"eventTypes"`
}

type conn struct {
	hub     *Hub
	ws      *websocket.Conn
	send    chan []byte
	agentID string // empty for arbiters

	mu     sync.RWMutex
	types  []string
	closed bool
}

func newConn(h *Hub, ws *websocket.Conn, agentID string, buffer int) *conn {
	return &conn{hub: h, ws: ws, send: make(chan []byte, buffer), agentID: agentID}
}

func (c *conn) subscribe(s Subscription) {
	c.mu.Lock()
	c.types = append([]string(nil), s.EventTypes...)
	c.mu.Unlock()
}

func (c *conn) wants(event string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.types) == 0 {
		return true
	}
	for _, t := range c.types {
		if event == t || strings.HasPrefix(event, t+".") {
			return true
		}
	}
	return false
}

// closeSend closes the outbound channel once. Caller holds hub.mu.
func (c *conn) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *conn) readLoop() {
	defer func() {
		c.hub.remove(c)
		_ = c.ws.Close()
	}()

	c.ws.SetReadLimit(maxFrame)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				c.hub.logger.Debug("websocket read error", "agentId", c.agentID, "error", err)
			}
			return
		}
		var sub Subscription
		if err := json.Unmarshal(msg, &sub); err != nil {
			c.hub.logger.Debug("ignoring malformed subscription", "agentId", c.agentID)
			continue
		}
		c.subscribe(sub)
	}
}

func (c *conn) writeLoop() {
	ping := time.NewTicker(pingInterval)
	defer func() {
		ping.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ping.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
