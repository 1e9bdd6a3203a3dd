package websocket

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/AyanDgr8/cdr-spc-sub000/internal/config"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// sendBuffer is the per-client queue; a client that falls this far behind
// is dropped by the hub
const sendBuffer = 64

// subscription narrows which run events a client receives. Empty fields
// match everything.
type subscription struct {
	Tenant string `json:"tenant"`
	RunID  string `json:"runId"`
}

func (s subscription) matches(tenant, runID string) bool {
	if s.Tenant != "" && s.Tenant != tenant {
		return false
	}
	return s.RunID == "" || s.RunID == runID
}

// command is a subscriber request, e.g.
// {"action":"subscribe","tenant":"acme","runId":"..."}
type command struct {
	Action string `json:"action"`
	subscription
}

// Client is one dashboard connection receiving run events
type Client struct {
	id     string
	caller string

	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu  sync.RWMutex
	sub subscription

	config *config.Config
	logger zerolog.Logger
}

// NewClient creates a Client subscribed to tenant (empty for all tenants)
func NewClient(hub *Hub, conn *websocket.Conn, cfg *config.Config, caller, tenant string, logger zerolog.Logger) *Client {
	id := uuid.New().String()
	return &Client{
		id:     id,
		caller: caller,
		hub:    hub,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		sub:    subscription{Tenant: tenant},
		config: cfg,
		logger: logger.With().Str("client_id", id).Str("caller", caller).Logger(),
	}
}

func (c *Client) current() subscription {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sub
}

func (c *Client) wants(msg outbound) bool {
	return c.current().matches(msg.tenant, msg.runID)
}

// handle applies a subscriber command. Unknown actions are logged and ignored.
func (c *Client) handle(data []byte) {
	var cmd command
	if err := json.Unmarshal(data, &cmd); err != nil {
		c.logger.Debug().Err(err).Msg("ignoring malformed command")
		return
	}

	switch cmd.Action {
	case "subscribe":
		c.mu.Lock()
		c.sub = cmd.subscription
		c.mu.Unlock()
		c.logger.Debug().
			Str("tenant", cmd.Tenant).
			Str("run_id", cmd.RunID).
			Msg("subscription changed")
	case "unsubscribe":
		c.mu.Lock()
		c.sub = subscription{}
		c.mu.Unlock()
	default:
		c.logger.Debug().Str("action", cmd.Action).Msg("ignoring unknown command")
	}
}

// readPump processes subscriber commands plus pong and close frames
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(c.config.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.config.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.config.PongWait))
	})

	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn().Err(err).Msg("websocket read error")
			}
			return
		}
		if kind == websocket.TextMessage {
			c.handle(data)
		}
	}
}

// writePump is the only writer on the connection. Each event goes out as
// its own text frame; pings keep idle connections alive.
func (c *Client) writePump() {
	ping := time.NewTicker(c.config.PingPeriod)
	defer func() {
		ping.Stop()
		c.conn.Close()
	}()

	write := func(kind int, data []byte) error {
		c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteWait))
		return c.conn.WriteMessage(kind, data)
	}

	for {
		select {
		case payload, ok := <-c.send:
			if !ok {
				write(websocket.CloseMessage, nil)
				return
			}
			if err := write(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ping.C:
			if err := write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Start runs the pumps
func (c *Client) Start() {
	go c.writePump()
	go c.readPump()
}
