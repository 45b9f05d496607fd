// Package signaling is the websocket surface of live sessions: the hub
// tracks connections per session, the gateway executes client commands
// against the live service and the media orchestrator, and a redis bridge
// fans broadcasts out across instances.
package signaling

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// PingInterval and PongWait are used for heartbeat.
	PingInterval = 30
	PongWait     = 60
)

// BridgePublisher publishes a session event for other instances.
type BridgePublisher interface {
	PublishSessionEvent(sessionID uuid.UUID, event string, payload []byte) error
}

// BridgeSubscriber subscribes to a session's channel and invokes handler for
// events originating on other instances.
type BridgeSubscriber interface {
	SubscribeSession(sessionID uuid.UUID, handler func(event string, payload []byte)) (cancel func(), err error)
}

// Hub maintains session_id -> set of connections and broadcasts messages.
// With a redis bridge wired, broadcasts reach clients on every instance.
type Hub struct {
	rooms  map[uuid.UUID]map[string]*Client
	subs   map[uuid.UUID]func()
	mu     sync.RWMutex
	logger *zap.Logger
	pub    BridgePublisher
	sub    BridgeSubscriber
}

// NewHub creates a websocket hub. pub and sub may be nil for single-instance
// deployments and tests.
func NewHub(logger *zap.Logger, pub BridgePublisher, sub BridgeSubscriber) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		rooms:  make(map[uuid.UUID]map[string]*Client),
		subs:   make(map[uuid.UUID]func()),
		logger: logger,
		pub:    pub,
		sub:    sub,
	}
}

// Register adds a client to its session room, starting the bridge
// subscription when it is the room's first connection.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	if h.rooms[c.SessionID] == nil {
		h.rooms[c.SessionID] = make(map[string]*Client)
		if h.sub != nil {
			cancel, err := h.sub.SubscribeSession(c.SessionID, func(event string, payload []byte) {
				h.Broadcast(c.SessionID, event, json.RawMessage(payload))
			})
			if err == nil {
				h.subs[c.SessionID] = cancel
			} else {
				h.logger.Warn("bridge subscribe failed", zap.Error(err))
			}
		}
	}
	h.rooms[c.SessionID][c.ConnectionID] = c
	h.mu.Unlock()
	h.logger.Debug("connection registered",
		zap.String("connection_id", c.ConnectionID),
		zap.String("session_id", c.SessionID.String()))
}

// Unregister removes a client from its room, cancelling the bridge
// subscription when the room empties.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if m, ok := h.rooms[c.SessionID]; ok {
		delete(m, c.ConnectionID)
		if len(m) == 0 {
			delete(h.rooms, c.SessionID)
			if cancel, ok := h.subs[c.SessionID]; ok {
				cancel()
				delete(h.subs, c.SessionID)
			}
		}
	}
	h.mu.Unlock()
	h.logger.Debug("connection unregistered",
		zap.String("connection_id", c.ConnectionID),
		zap.String("session_id", c.SessionID.String()))
}

// Broadcast sends an event to every local connection in the session.
func (h *Hub) Broadcast(sessionID uuid.UUID, event string, payload interface{}) {
	var data []byte
	switch v := payload.(type) {
	case []byte:
		data = v
	case json.RawMessage:
		data = v
	default:
		data, _ = json.Marshal(payload)
	}
	msg := WSMessage{Event: event, Data: data}

	h.mu.RLock()
	clients := h.rooms[sessionID]
	h.mu.RUnlock()
	for _, c := range clients {
		select {
		case c.send <- msg:
		default:
			// buffer full, skip
		}
	}
}

// Publish broadcasts locally and forwards through the bridge for other
// instances. This is the live.EventPublisher implementation.
func (h *Hub) Publish(sessionID uuid.UUID, event string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	h.Broadcast(sessionID, event, json.RawMessage(data))
	if h.pub != nil {
		if err := h.pub.PublishSessionEvent(sessionID, event, data); err != nil {
			h.logger.Warn("bridge publish failed", zap.Error(err))
		}
	}
}

// SendToClient sends an event to a single connection, used for webrtc
// signaling replies.
func (h *Hub) SendToClient(sessionID uuid.UUID, connectionID, event string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	msg := WSMessage{Event: event, Data: data}
	h.mu.RLock()
	c := h.rooms[sessionID][connectionID]
	h.mu.RUnlock()
	if c == nil {
		return
	}
	select {
	case c.send <- msg:
	default:
	}
}

// ConnectionCount returns the number of local connections in a session.
func (h *Hub) ConnectionCount(sessionID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[sessionID])
}
