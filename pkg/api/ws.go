package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/flocklab/flock/pkg/bus"
	"github.com/flocklab/flock/pkg/models"
)

// catchupLimit is the maximum number of buffered events replayed to a
// subscribing client. Anything older has to come from GET /api/v1/events
// with persisted=true.
const catchupLimit = 1000

// ClientMessage is one message from a websocket client.
type ClientMessage struct {
	Action   string             `json:"action"` // subscribe, unsubscribe, ping
	Types    []models.EventType `json:"types,omitempty"`
	AgentID  string             `json:"agent_id,omitempty"`
	TeamID   string             `json:"team_id,omitempty"`
	AfterSeq uint64             `json:"after_seq,omitempty"`
}

// ConnManager tracks websocket clients and bridges them onto the event bus.
// Each subscribing connection holds one async bus subscription; a slow
// client drops events from its own queue and never stalls publishers.
type ConnManager struct {
	eventBus     *bus.Bus
	writeTimeout time.Duration

	mu    sync.RWMutex
	conns map[string]*wsConn
}

// wsConn is a single websocket client. The sub field is only touched by the
// goroutine running the connection's read loop.
type wsConn struct {
	id     string
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
	sub    *bus.Subscription
}

// NewConnManager creates a ConnManager publishing through eventBus.
func NewConnManager(eventBus *bus.Bus, writeTimeout time.Duration) *ConnManager {
	return &ConnManager{
		eventBus:     eventBus,
		writeTimeout: writeTimeout,
		conns:        make(map[string]*wsConn),
	}
}

// HandleConnection manages the lifecycle of a single websocket connection.
// Called by the HTTP handler after upgrade. Blocks until the connection
// closes.
func (m *ConnManager) HandleConnection(parentCtx context.Context, conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(parentCtx)
	c := &wsConn{
		id:     uuid.New().String(),
		conn:   conn,
		ctx:    ctx,
		cancel: cancel,
	}

	m.register(c)
	defer m.unregister(c)

	m.sendJSON(c, map[string]string{
		"type":          "connection.established",
		"connection_id": c.id,
	})

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("Invalid websocket message", "connection_id", c.id, "error", err)
			continue
		}

		m.handleClientMessage(c, &msg)
	}
}

// ActiveConnections returns the count of active websocket connections.
func (m *ConnManager) ActiveConnections() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// CloseAll force-closes every connection. Called on server shutdown.
func (m *ConnManager) CloseAll() {
	m.mu.Lock()
	conns := make([]*wsConn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	for _, c := range conns {
		_ = c.conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
}

func (m *ConnManager) handleClientMessage(c *wsConn, msg *ClientMessage) {
	switch msg.Action {
	case "subscribe":
		m.subscribe(c, msg)

	case "unsubscribe":
		if c.sub != nil {
			m.eventBus.Unsubscribe(c.sub)
			c.sub = nil
		}
		m.sendJSON(c, map[string]string{"type": "subscription.removed"})

	case "ping":
		m.sendJSON(c, map[string]string{"type": "pong"})

	default:
		m.sendJSON(c, map[string]string{
			"type":    "error",
			"message": "unknown action: " + msg.Action,
		})
	}
}

// subscribe points the connection's bus subscription at the requested
// filter, replacing any previous one. The live subscription is attached
// before the catch-up replay so no event falls between the two; a client
// that sent after_seq may see a catch-up event again from the live path and
// dedups by seq.
func (m *ConnManager) subscribe(c *wsConn, msg *ClientMessage) {
	if c.sub != nil {
		m.eventBus.Unsubscribe(c.sub)
		c.sub = nil
	}

	filter := models.EventFilter{
		Types:   msg.Types,
		AgentID: msg.AgentID,
		TeamID:  msg.TeamID,
	}
	sub, err := m.eventBus.Subscribe("ws:"+c.id, filter, bus.ModeAsync, func(_ context.Context, evt *models.Event) error {
		m.sendEvent(c, evt)
		return nil
	})
	if err != nil {
		m.sendJSON(c, map[string]string{
			"type":    "subscription.error",
			"message": "failed to subscribe",
		})
		return
	}
	c.sub = sub

	m.sendJSON(c, map[string]any{
		"type":  "subscription.confirmed",
		"types": msg.Types,
	})

	// Catch-up from the replay buffer. after_seq zero replays everything the
	// buffer still holds.
	catchup := filter
	catchup.AfterSeq = msg.AfterSeq
	catchup.Limit = catchupLimit
	for _, evt := range m.eventBus.GetEvents(catchup) {
		m.sendEvent(c, evt)
	}
}

func (m *ConnManager) register(c *wsConn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conns[c.id] = c
}

func (m *ConnManager) unregister(c *wsConn) {
	if c.sub != nil {
		m.eventBus.Unsubscribe(c.sub)
		c.sub = nil
	}

	m.mu.Lock()
	delete(m.conns, c.id)
	m.mu.Unlock()

	c.cancel()
	_ = c.conn.Close(websocket.StatusNormalClosure, "")
}

func (m *ConnManager) sendEvent(c *wsConn, evt *models.Event) {
	data, err := json.Marshal(evt)
	if err != nil {
		slog.Warn("Failed to marshal event for websocket", "connection_id", c.id, "error", err)
		return
	}
	if err := m.sendRaw(c, data); err != nil {
		slog.Warn("Failed to send event to websocket client", "connection_id", c.id, "error", err)
	}
}

// sendJSON marshals and sends a JSON message to a single connection.
func (m *ConnManager) sendJSON(c *wsConn, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Warn("Failed to marshal websocket message", "connection_id", c.id, "error", err)
		return
	}
	if err := m.sendRaw(c, data); err != nil {
		slog.Warn("Failed to send websocket message", "connection_id", c.id, "error", err)
	}
}

// sendRaw sends raw bytes to a single connection with a write timeout.
func (m *ConnManager) sendRaw(c *wsConn, data []byte) error {
	writeCtx, cancel := context.WithTimeout(c.ctx, m.writeTimeout)
	defer cancel()
	return c.conn.Write(writeCtx, websocket.MessageText, data)
}
