package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/agentcourt/internal/clock"
)

var t0 = time.Date(2026, 6, 10, 9, 0, 0, 0, time.UTC)

func testHub(opts Options) *Hub {
	return NewHub(slog.Default(), opts).WithClock(clock.NewFake(t0))
}

// attach registers a socketless connection so delivery can be observed on
// its send channel.
func attach(t *testing.T, h *Hub, agentID string) *conn {
	t.Helper()
	c := newConn(h, nil, agentID, 8)
	require.NoError(t, h.add(c))
	return c
}

func recv(t *testing.T, c *conn) Event {
	t.Helper()
	select {
	case msg := <-c.send:
		var ev Event
		require.NoError(t, json.Unmarshal(msg, &ev))
		return ev
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
		return Event{}
	}
}

func assertNothing(t *testing.T, c *conn) {
	t.Helper()
	select {
	case msg := <-c.send:
		t.Fatalf("unexpected event %s", msg)
	case <-time.After(30 * time.Millisecond):
	}
}

func TestConnWants(t *testing.T) {
	c := newConn(nil, nil, "agt_alice", 1)
	assert.True(t, c.wants("transaction.proposed"), "no subscription receives everything")

	c.subscribe(Subscription{EventTypes: []string{"dispute", "escrow.released"}})
	cases := map[string]bool{
		"dispute.filed":        true,
		"dispute.ruled":        true,
		"disputes.other":       false,
		"escrow.released":      true,
		"escrow.funded":        false,
		"transaction.proposed": false,
		"escalation.decided":   false,
	}
	for typ, want := range cases {
		assert.Equal(t, want, c.wants(typ), typ)
	}
}

func TestDeliveryIsScopedToParties(t *testing.T) {
	h := testHub(Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	alice := attach(t, h, "agt_alice")
	bob := attach(t, h, "agt_bob")
	carol := attach(t, h, "agt_carol")
	arbiter := attach(t, h, "")

	h.Notify(ctx, "dispute.filed", []string{"agt_alice", "agt_bob"}, map[string]string{"id": "dsp_1"})

	for _, c := range []*conn{alice, bob, arbiter} {
		ev := recv(t, c)
		assert.Equal(t, "dispute.filed", ev.Type)
		assert.True(t, t0.Equal(ev.Timestamp))
	}
	assertNothing(t, carol)
}

func TestDuplicatePartyDeliversOnce(t *testing.T) {
	h := testHub(Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	alice := attach(t, h, "agt_alice")
	h.Notify(ctx, "transaction.accepted", []string{"agt_alice", "agt_alice"}, nil)

	recv(t, alice)
	assertNothing(t, alice)
}

func TestAgentWithSeveralConnections(t *testing.T) {
	h := testHub(Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	first := attach(t, h, "agt_alice")
	second := attach(t, h, "agt_alice")
	h.Notify(ctx, "escrow.funded", []string{"agt_alice", "agt_bob"}, nil)

	recv(t, first)
	recv(t, second)

	h.remove(first)
	h.Notify(ctx, "escrow.released", []string{"agt_alice", "agt_bob"}, nil)
	assert.Equal(t, "escrow.released", recv(t, second).Type)
	assert.Equal(t, 1, h.Stats().Connections)
}

func TestSlowClientIsDisconnected(t *testing.T) {
	h := testHub(Options{})
	c := newConn(h, nil, "agt_alice", 1)
	require.NoError(t, h.add(c))

	h.deliver(&Event{Type: "dispute.filed", Parties: []string{"agt_alice"}})
	h.deliver(&Event{Type: "dispute.responded", Parties: []string{"agt_alice"}})

	<-c.send
	_, open := <-c.send
	assert.False(t, open, "send channel closed after overflow")
	assert.Equal(t, int64(1), h.Stats().SlowDropped)
	assert.Zero(t, h.Stats().Connections)
}

func TestRemoveIsIdempotent(t *testing.T) {
	h := testHub(Options{})
	c := attach(t, h, "")
	h.remove(c)
	h.remove(c)
	assert.Zero(t, h.Stats().Connections)
	assert.Zero(t, h.Stats().Arbiters)
}

func TestConnectionLimit(t *testing.T) {
	h := testHub(Options{MaxConns: 2})
	attach(t, h, "agt_alice")
	attach(t, h, "agt_bob")
	assert.ErrorIs(t, h.add(newConn(h, nil, "agt_carol", 1)), errHubFull)

	w := httptest.NewRecorder()
	h.HandleWebSocket(w, httptest.NewRequest(http.MethodGet, "/v1/ws", nil), "agt_carol")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, int64(2), h.Stats().PeakConns)
}

func TestNotifyDropsWhenQueueFull(t *testing.T) {
	h := testHub(Options{QueueSize: 2})
	// No Run loop: the queue fills and further events are dropped.
	for i := 0; i < 5; i++ {
		h.Notify(context.Background(), "dispute.filed", nil, nil)
	}
	assert.Equal(t, int64(3), h.Stats().DroppedEvents)
}

func TestShutdownClosesClients(t *testing.T) {
	h := testHub(Options{})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()
	c := attach(t, h, "agt_alice")
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("hub did not stop after context cancellation")
	}
	_, open := <-c.send
	assert.False(t, open)

	w := httptest.NewRecorder()
	h.HandleWebSocket(w, httptest.NewRequest(http.MethodGet, "/v1/ws", nil), "agt_alice")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"https://console.example.com"})
	req := func(origin string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "http://api.example.com/v1/ws", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		return r
	}

	assert.True(t, check(req("")), "non-browser client")
	assert.True(t, check(req("https://api.example.com")), "same host")
	assert.True(t, check(req("https://console.example.com")))
	assert.False(t, check(req("https://evil.example.net")))
	assert.True(t, originChecker([]string{"*"})(req("https://evil.example.net")))
}

func TestWebSocketRoundTrip(t *testing.T) {
	h := testHub(Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.HandleWebSocket(w, r, r.URL.Query().Get("agent"))
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?agent=agt_alice"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer func() { _ = ws.Close() }()

	require.NoError(t, ws.WriteJSON(Subscription{EventTypes: []string{"dispute"}}))

	subscribed := func() bool {
		h.mu.RLock()
		defer h.mu.RUnlock()
		for c := range h.byAgent["agt_alice"] {
			if !c.wants("transaction.accepted") {
				return true
			}
		}
		return false
	}
	require.Eventually(t, subscribed, 2*time.Second, 5*time.Millisecond)

	parties := []string{"agt_alice", "agt_bob"}
	h.Notify(ctx, "transaction.accepted", parties, nil)
	h.Notify(ctx, "dispute.filed", []string{"agt_bob", "agt_carol"}, nil)
	h.Notify(ctx, "dispute.filed", parties, map[string]string{"id": "dsp_1"})

	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev Event
	require.NoError(t, ws.ReadJSON(&ev))
	assert.Equal(t, "dispute.filed", ev.Type)
	assert.Equal(t, parties, ev.Parties)
}
