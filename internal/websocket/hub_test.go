package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/AyanDgr8/cdr-spc-sub000/internal/config"
	"github.com/AyanDgr8/cdr-spc-sub000/internal/types"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

func startHub(t *testing.T) *Hub {
	t.Helper()
	hub := NewHub(nil, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)
	return hub
}

func TestNewHub(t *testing.T) {
	hub := NewHub(nil, zerolog.Nop())

	if hub.clients == nil {
		t.Error("expected clients map to be initialized")
	}
	if hub.broadcast == nil {
		t.Error("expected broadcast channel to be initialized")
	}
	if hub.register == nil || hub.unregister == nil {
		t.Error("expected register channels to be initialized")
	}
	if hub.ClientCount() != 0 {
		t.Errorf("expected 0 clients, got %d", hub.ClientCount())
	}
}

func TestHubRegisterUnregister(t *testing.T) {
	hub := startHub(t)

	client := &Client{id: "test-client", hub: hub, send: make(chan []byte, 1)}

	hub.register <- client
	time.Sleep(10 * time.Millisecond)
	if hub.ClientCount() != 1 {
		t.Errorf("expected 1 client after register, got %d", hub.ClientCount())
	}

	hub.unregister <- client
	time.Sleep(10 * time.Millisecond)
	if hub.ClientCount() != 0 {
		t.Errorf("expected 0 clients after unregister, got %d", hub.ClientCount())
	}
}

func TestHubPublishRunFiltersByTenant(t *testing.T) {
	hub := startHub(t)

	all := &Client{id: "all", hub: hub, send: make(chan []byte, 10)}
	acme := &Client{id: "acme", sub: subscription{Tenant: "acme"}, hub: hub, send: make(chan []byte, 10)}
	globex := &Client{id: "globex", sub: subscription{Tenant: "globex"}, hub: hub, send: make(chan []byte, 10)}
	hub.register <- all
	hub.register <- acme
	hub.register <- globex
	time.Sleep(10 * time.Millisecond)

	hub.PublishRun(types.RunSummary{RunID: "r1", Tenant: "acme", Status: types.RunRunning})

	for _, c := range []*Client{all, acme} {
		select {
		case msg := <-c.send:
			var ev RunEvent
			if err := json.Unmarshal(msg, &ev); err != nil {
				t.Fatalf("%s: invalid event: %v", c.id, err)
			}
			if ev.Type != "run" || ev.Run.RunID != "r1" || ev.Run.Status != types.RunRunning {
				t.Errorf("%s: unexpected event %+v", c.id, ev)
			}
		case <-time.After(100 * time.Millisecond):
			t.Errorf("%s did not receive event", c.id)
		}
	}

	select {
	case msg := <-globex.send:
		t.Errorf("globex should not receive acme events, got %s", msg)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestFanOutDropsSlowClient(t *testing.T) {
	hub := NewHub(nil, zerolog.Nop())
	slow := &Client{id: "slow", hub: hub, send: make(chan []byte)}
	hub.clients[slow] = true

	hub.fanOut(outbound{tenant: "acme", payload: []byte("{}")})

	if hub.ClientCount() != 0 {
		t.Errorf("expected slow client to be dropped, got %d clients", hub.ClientCount())
	}
	if _, ok := <-slow.send; ok {
		t.Error("expected slow client's send channel to be closed")
	}
}

func TestPublishRunNeverBlocks(t *testing.T) {
	hub := NewHub(nil, zerolog.Nop())

	done := make(chan struct{})
	go func() {
		for i := 0; i < cap(hub.broadcast)+10; i++ {
			hub.PublishRun(types.RunSummary{RunID: "r"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("PublishRun blocked on a full queue")
	}
}

func TestHandlerStreamsRunEvents(t *testing.T) {
	hub := startHub(t)
	cfg := &config.Config{
		AllowedOrigins: []string{"http://localhost:5173"},
		PongWait:       time.Minute,
		PingPeriod:     54 * time.Second,
		WriteWait:      10 * time.Second,
		MaxMessageSize: 512,
	}
	srv := httptest.NewServer(NewHandler(hub, cfg, zerolog.Nop()))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "?tenant=acme"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(time.Second)
	for hub.ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	hub.PublishRun(types.RunSummary{RunID: "r9", Tenant: "acme", Status: types.RunSucceeded})

	conn.SetReadDeadline(time.Now().Add(time.Second))
	var ev RunEvent
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read: %v", err)
	}
	if ev.Run.RunID != "r9" {
		t.Errorf("unexpected event %+v", ev)
	}
}

func TestHandlerRejectsForeignOrigin(t *testing.T) {
	hub := startHub(t)
	cfg := &config.Config{AllowedOrigins: []string{"http://localhost:5173"}}
	srv := httptest.NewServer(NewHandler(hub, cfg, zerolog.Nop()))
	defer srv.Close()

	header := http.Header{"Origin": []string{"http://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), header)
	if err == nil {
		t.Fatal("expected handshake to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("expected 403, got %+v", resp)
	}
}

func TestSubscriptionMatches(t *testing.T) {
	tests := []struct {
		name   string
		sub    subscription
		tenant string
		runID  string
		want   bool
	}{
		{"empty matches all", subscription{}, "acme", "r1", true},
		{"tenant match", subscription{Tenant: "acme"}, "acme", "r1", true},
		{"tenant mismatch", subscription{Tenant: "acme"}, "globex", "r1", false},
		{"run match", subscription{RunID: "r1"}, "acme", "r1", true},
		{"run mismatch", subscription{RunID: "r1"}, "acme", "r2", false},
		{"both must match", subscription{Tenant: "acme", RunID: "r1"}, "globex", "r1", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.sub.matches(tt.tenant, tt.runID); got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestClientCommands(t *testing.T) {
	c := &Client{id: "c", logger: zerolog.Nop()}

	c.handle([]byte(`{"action":"subscribe","tenant":"acme","runId":"r1"}`))
	if got := c.current(); got != (subscription{Tenant: "acme", RunID: "r1"}) {
		t.Errorf("unexpected subscription after subscribe: %+v", got)
	}
	if c.wants(outbound{tenant: "acme", runID: "r2"}) {
		t.Error("expected other runs to be filtered out")
	}

	c.handle([]byte(`not json`))
	c.handle([]byte(`{"action":"dance"}`))
	if got := c.current(); got.RunID != "r1" {
		t.Errorf("ignored commands changed subscription: %+v", got)
	}

	c.handle([]byte(`{"action":"unsubscribe"}`))
	if got := c.current(); got != (subscription{}) {
		t.Errorf("expected empty subscription, got %+v", got)
	}
}
