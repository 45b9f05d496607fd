package signaling

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"github.com/courseloop/backend/internal/auth"
	"github.com/courseloop/backend/internal/models"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // allow all origins in dev; restrict in production
	},
}

// WSMessage is the websocket message envelope.
type WSMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Client represents a single websocket connection bound to a live session.
// The connection ID is the participant key: a user on two devices holds two
// clients.
type Client struct {
	ConnectionID string
	SessionID    uuid.UUID
	UserID       uuid.UUID
	Role         string

	joined    bool
	isCreator bool
	publisher *models.MediaElement
	viewer    *models.MediaElement

	hub     *Hub
	gateway *Gateway
	conn    *websocket.Conn
	send    chan WSMessage
	logger  *zap.Logger
}

func (c *Client) sendToMe(event string, payload interface{}) {
	c.hub.SendToClient(c.SessionID, c.ConnectionID, event, payload)
}

// ServeWS handles the websocket upgrade and runs the client loop. The
// session ID and JWT arrive as query parameters since browsers cannot set
// headers on websocket dials.
func ServeWS(hub *Hub, gateway *Gateway, jwtService *auth.JWTService, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionIDStr := c.Query("session_id")
		token := c.Query("token")
		if sessionIDStr == "" || token == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "session_id and token required"})
			return
		}
		sessionID, err := uuid.Parse(sessionIDStr)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session_id"})
			return
		}
		claims, err := jwtService.Validate(token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}

		client := &Client{
			ConnectionID: uuid.New().String(),
			SessionID:    sessionID,
			UserID:       claims.UserID,
			Role:         claims.Role,
			hub:          hub,
			gateway:      gateway,
			conn:         conn,
			send:         make(chan WSMessage, 256),
			logger:       logger,
		}
		hub.Register(client)
		go client.writePump()
		client.readPump()
	}
}

func (c *Client) readPump() {
	defer func() {
		c.gateway.HandleDisconnect(c)
		c.hub.Unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(65536)
	_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
		return nil
	})

	ctx := context.Background()
	for {
		var msg WSMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			break
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))

		switch msg.Event {
		case "join":
			c.gateway.HandleJoin(ctx, c)
		case "start":
			c.gateway.HandleStart(ctx, c)
		case "finish":
			c.gateway.HandleFinish(ctx, c)
		case "leave":
			c.gateway.HandleLeave(ctx, c)
			return
		case "publish":
			c.gateway.HandlePublish(ctx, c)
		case "subscribe":
			c.gateway.HandleSubscribe(ctx, c)
		case "enable_video":
			c.gateway.HandleVideoToggle(ctx, c, true)
		case "disable_video":
			c.gateway.HandleVideoToggle(ctx, c, false)
		case "chat_message":
			c.gateway.ChatRelay(c, msg.Data)
		case "webrtc_publisher_offer":
			if c.publisher == nil {
				break
			}
			var payload struct {
				Type string `json:"type"`
				SDP  string `json:"sdp"`
			}
			if err := json.Unmarshal(msg.Data, &payload); err == nil && payload.SDP != "" {
				sdp := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: payload.SDP}
				if err := c.gateway.rtc.HandlePublisherOffer(c.publisher.ExternalID, sdp, c.sendToMe); err == nil {
					// Viewers that subscribed before the stream existed
					// resubscribe on this.
					c.hub.Publish(c.SessionID, "stream_started", nil)
				}
			}
		case "webrtc_viewer_answer":
			if c.viewer == nil {
				break
			}
			var payload struct {
				Type string `json:"type"`
				SDP  string `json:"sdp"`
			}
			if err := json.Unmarshal(msg.Data, &payload); err == nil && payload.SDP != "" {
				sdp := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: payload.SDP}
				_ = c.gateway.rtc.HandleViewerAnswer(c.viewer.ExternalID, sdp)
			}
		case "webrtc_ice":
			var payload struct {
				Target    string          `json:"target"`
				Candidate json.RawMessage `json:"candidate"`
			}
			if err := json.Unmarshal(msg.Data, &payload); err != nil || len(payload.Candidate) == 0 {
				break
			}
			var cand webrtc.ICECandidateInit
			if json.Unmarshal(payload.Candidate, &cand) != nil {
				break
			}
			if payload.Target == "publisher" && c.publisher != nil {
				_ = c.gateway.rtc.AddICECandidate(c.publisher.ExternalID, cand)
			} else if payload.Target == "viewer" && c.viewer != nil {
				_ = c.gateway.rtc.AddICECandidate(c.viewer.ExternalID, cand)
			}
		default:
			// ignore
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(PingInterval * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
