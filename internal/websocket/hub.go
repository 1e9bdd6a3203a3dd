package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/AyanDgr8/cdr-spc-sub000/internal/metrics"
	"github.com/AyanDgr8/cdr-spc-sub000/internal/types"
	"github.com/rs/zerolog"
)

// RunEvent is pushed to subscribers whenever a run changes state
type RunEvent struct {
	Type      string           `json:"type"`
	Timestamp time.Time        `json:"timestamp"`
	Run       types.RunSummary `json:"run"`
}

type outbound struct {
	tenant  string
	runID   string
	payload []byte
}

// Hub maintains the set of active clients and broadcasts run events
type Hub struct {
	// Registered clients
	clients map[*Client]bool

	// Events to fan out
	broadcast chan outbound

	// Register requests from the clients
	register chan *Client

	// Unregister requests from clients
	unregister chan *Client

	// Mutex to protect clients map
	mu sync.RWMutex

	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// NewHub creates a new Hub
func NewHub(m *metrics.Metrics, logger zerolog.Logger) *Hub {
	return &Hub{
		broadcast:  make(chan outbound, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		clients:    make(map[*Client]bool),
		metrics:    m,
		logger:     logger.With().Str("component", "ws_hub").Logger(),
	}
}

// Run starts the hub's main loop
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			h.metrics.RecordWebSocketConnect()
			h.logger.Info().
				Str("client_id", client.id).
				Str("tenant", client.current().Tenant).
				Int("total_clients", total).
				Msg("client connected")

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				h.metrics.RecordWebSocketDisconnect()
				h.logger.Info().
					Str("client_id", client.id).
					Int("total_clients", len(h.clients)).
					Msg("client disconnected")
			}
			h.mu.Unlock()

		case msg := <-h.broadcast:
			h.fanOut(msg)
		}
	}
}

// PublishRun queues a run state change. It never blocks the pipeline; when
// the queue is full the event is dropped.
func (h *Hub) PublishRun(sum types.RunSummary) {
	data, err := json.Marshal(RunEvent{Type: "run", Timestamp: time.Now().UTC(), Run: sum})
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to marshal run event")
		return
	}
	select {
	case h.broadcast <- outbound{tenant: sum.Tenant, runID: sum.RunID, payload: data}:
	default:
		h.logger.Warn().Str("run_id", sum.RunID).Msg("event queue full, dropping run event")
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// fanOut sends a message to every client whose subscription matches it
func (h *Hub) fanOut(msg outbound) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		if !client.wants(msg) {
			continue
		}
		select {
		case client.send <- msg.payload:
		default:
			// Client's send buffer is full, close and remove it
			close(client.send)
			delete(h.clients, client)
			h.metrics.RecordWebSocketDisconnect()
			h.logger.Warn().
				Str("client_id", client.id).
				Msg("client send buffer full, closing connection")
		}
	}
}
