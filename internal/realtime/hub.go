// Package realtime streams transaction and dispute lifecycle events to
// connected parties over WebSocket.
//
// Each connection belongs to one agent and only ever sees events that agent
// is a party to. Arbiters connect without an agent and see everything.
// Clients narrow the stream by sending a Subscription message.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mbd888/agentcourt/internal/clock"
	"github.com/mbd888/agentcourt/internal/metrics"
)

// Event is one lifecycle notification.
type Event struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Parties   []string    `json:"parties"`
	Data      interface{} `json:"data"`
}

// Options tunes a Hub. Zero fields take defaults.
type Options struct {
	MaxConns       int      // default 10000
	QueueSize      int      // pending events, default 256
	SendBuffer     int      // per-connection backlog, default 64
	AllowedOrigins []string // browser origins besides the API's own host; "*" allows any
}

// Stats is a snapshot of hub counters.
type Stats struct {
	Connections   int   `json:"connections"`
	Arbiters      int   `json:"arbiters"`
	Events        int64 `json:"events"`
	DroppedEvents int64 `json:"droppedEvents"`
	SlowDropped   int64 `json:"slowDropped"`
	PeakConns     int64 `json:"peakConnections"`
}

var errHubFull = errors.New("too many connections")

// Hub fans lifecycle events out to connected clients.
type Hub struct {
	mu       sync.RWMutex
	byAgent  map[string]map[*conn]struct{}
	arbiters map[*conn]struct{}
	count    int
	stopped  bool

	events     chan *Event
	done       chan struct{}
	upgrader   websocket.Upgrader
	maxConns   int
	sendBuffer int
	logger     *slog.Logger
	clock      clock.Clock

	nEvents  atomic.Int64
	nDropped atomic.Int64
	nSlow    atomic.Int64
	peak     atomic.Int64
}

// NewHub creates a hub. Call Run to start delivery.
func NewHub(logger *slog.Logger, opts Options) *Hub {
	if opts.MaxConns <= 0 {
		opts.MaxConns = 10000
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 64
	}
	return &Hub{
		byAgent:  make(map[string]map[*conn]struct{}),
		arbiters: make(map[*conn]struct{}),
		events:   make(chan *Event, opts.QueueSize),
		done:     make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(opts.AllowedOrigins),
		},
		maxConns:   opts.MaxConns,
		sendBuffer: opts.SendBuffer,
		logger:     logger,
		clock:      clock.Real(),
	}
}

// WithClock replaces the clock used to stamp events.
func (h *Hub) WithClock(c clock.Clock) *Hub {
	h.clock = c
	return h
}

// originChecker accepts non-browser clients, same-host pages and the
// configured origins.
func originChecker(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if u, err := url.Parse(origin); err == nil && u.Host == r.Host {
			return true
		}
		for _, a := range allowed {
			if a == "*" || a == origin {
				return true
			}
		}
		return false
	}
}

// Run delivers queued events until ctx is cancelled, then disconnects
// every client.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			h.logger.Info("realtime hub stopped")
			return
		case ev := <-h.events:
			h.deliver(ev)
		}
	}
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopped = true
	for _, set := range h.byAgent {
		for c := range set {
			c.closeSend()
		}
	}
	for c := range h.arbiters {
		c.closeSend()
	}
	h.byAgent = make(map[string]map[*conn]struct{})
	h.arbiters = make(map[*conn]struct{})
	h.count = 0
	metrics.ActiveWebSocketClients.Set(0)
}

func (h *Hub) deliver(ev *Event) {
	h.nEvents.Add(1)
	payload, err := json.Marshal(ev)
	if err != nil {
		h.logger.Warn("failed to encode event", "type", ev.Type, "error", err)
		return
	}

	var slow []*conn
	h.mu.RLock()
	try := func(c *conn) {
		if !c.wants(ev.Type) {
			return
		}
		select {
		case c.send <- payload:
		default:
			slow = append(slow, c)
		}
	}
	for i, party := range ev.Parties {
		if slices.Contains(ev.Parties[:i], party) {
			continue
		}
		for c := range h.byAgent[party] {
			try(c)
		}
	}
	for c := range h.arbiters {
		try(c)
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.remove(c)
	}
	if len(slow) > 0 {
		h.nSlow.Add(int64(len(slow)))
		h.logger.Warn("disconnected slow websocket clients", "count", len(slow), "type", ev.Type)
	}
}

func (h *Hub) add(c *conn) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return errors.New("hub stopped")
	}
	if h.count >= h.maxConns {
		return errHubFull
	}
	if c.agentID == "" {
		h.arbiters[c] = struct{}{}
	} else {
		set := h.byAgent[c.agentID]
		if set == nil {
			set = make(map[*conn]struct{})
			h.byAgent[c.agentID] = set
		}
		set[c] = struct{}{}
	}
	h.count++
	if int64(h.count) > h.peak.Load() {
		h.peak.Store(int64(h.count))
	}
	metrics.ActiveWebSocketClients.Set(float64(h.count))
	return nil
}

// remove unregisters c and closes its send channel. Safe to call twice.
func (h *Hub) remove(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if c.agentID == "" {
		if _, ok := h.arbiters[c]; !ok {
			return
		}
		delete(h.arbiters, c)
	} else {
		set := h.byAgent[c.agentID]
		if _, ok := set[c]; !ok {
			return
		}
		delete(set, c)
		if len(set) == 0 {
			delete(h.byAgent, c.agentID)
		}
	}
	h.count--
	c.closeSend()
	metrics.ActiveWebSocketClients.Set(float64(h.count))
}

// Notify queues a lifecycle event for its parties. It never blocks; when the
// queue is full the event is dropped and counted.
func (h *Hub) Notify(_ context.Context, event string, parties []string, data interface{}) {
	ev := &Event{Type: event, Timestamp: h.clock.Now(), Parties: parties, Data: data}
	select {
	case h.events <- ev:
	default:
		h.nDropped.Add(1)
		metrics.NotificationsDroppedTotal.Inc()
		h.logger.Warn("event queue full, dropping event", "type", event)
	}
}

// Stats returns current counters.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	conns, arbiters := h.count, len(h.arbiters)
	h.mu.RUnlock()
	return Stats{
		Connections:   conns,
		Arbiters:      arbiters,
		Events:        h.nEvents.Load(),
		DroppedEvents: h.nDropped.Load(),
		SlowDropped:   h.nSlow.Load(),
		PeakConns:     h.peak.Load(),
	}
}

// HandleWebSocket upgrades the request and streams events for agentID. An
// empty agentID receives every event.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request, agentID string) {
	h.mu.RLock()
	stopped, full := h.stopped, h.count >= h.maxConns
	h.mu.RUnlock()
	if stopped {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	if full {
		http.Error(w, errHubFull.Error(), http.StatusServiceUnavailable)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := newConn(h, ws, agentID, h.sendBuffer)
	if err := h.add(c); err != nil {
		_ = ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()))
		_ = ws.Close()
		return
	}
	h.logger.Debug("websocket connected", "agentId", agentID)

	go c.writeLoop()
	go c.readLoop()
}
