package signaling

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/courseloop/backend/internal/errs"
	"github.com/courseloop/backend/internal/live"
	"github.com/courseloop/backend/internal/media"
	"github.com/courseloop/backend/internal/models"
	"github.com/courseloop/backend/pkg/metrics"
)

// Gateway executes websocket commands against the live service and the
// media orchestrator, and owns the disconnect path.
type Gateway struct {
	svc     *live.Service
	orch    *media.Orchestrator
	rtc     *media.WebRTCServer
	hub     *Hub
	metrics *metrics.Metrics
	logger  *zap.Logger

	// gone dedupes disconnect handling per connection; the downstream
	// cleanup is idempotent anyway, this just avoids repeated work.
	gone sync.Map
}

// NewGateway creates the signaling gateway. m may be nil.
func NewGateway(svc *live.Service, orch *media.Orchestrator, rtc *media.WebRTCServer, hub *Hub, m *metrics.Metrics, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{svc: svc, orch: orch, rtc: rtc, hub: hub, metrics: m, logger: logger}
}

// Hub exposes the hub so it can be wired as the live event publisher.
func (g *Gateway) Hub() *Hub { return g.hub }

// HandleJoin admits the connection into the session.
func (g *Gateway) HandleJoin(ctx context.Context, c *Client) {
	res, err := g.svc.Join(ctx, c.UserID, c.ConnectionID, c.SessionID)
	if err != nil {
		g.metrics.JoinRejected(string(errs.CodeOf(err)))
		g.sendError(c, err)
		return
	}
	if res.Terminal {
		g.hub.SendToClient(c.SessionID, c.ConnectionID, "session_ended", res.Snapshot)
		return
	}
	c.joined = true
	c.isCreator = res.IsCreator
	g.metrics.ParticipantJoined()
	g.hub.SendToClient(c.SessionID, c.ConnectionID, "joined", res)
}

// HandleStart starts the broadcast on the creator's command. The session
// gauge moves inside the service, next to the actual transition.
func (g *Gateway) HandleStart(ctx context.Context, c *Client) {
	if err := g.svc.Start(ctx, c.UserID, c.SessionID); err != nil {
		g.sendError(c, err)
	}
}

// HandleFinish finishes the broadcast on the creator's command.
func (g *Gateway) HandleFinish(ctx context.Context, c *Client) {
	if err := g.svc.Finish(ctx, c.UserID, c.SessionID); err != nil {
		g.sendError(c, err)
	}
}

// HandlePublish allocates the creator's publisher endpoint. The client
// follows up with a webrtc_publisher_offer carrying its SDP.
func (g *Gateway) HandlePublish(ctx context.Context, c *Client) {
	if !c.joined || !c.isCreator {
		g.sendError(c, errs.ErrForbidden)
		return
	}
	el, err := g.orch.CreatePublisher(ctx, c.SessionID, c.ConnectionID)
	if err != nil {
		g.sendError(c, err)
		return
	}
	c.publisher = el
	g.hub.SendToClient(c.SessionID, c.ConnectionID, "publisher_ready", el)
	if err := g.orch.ConnectPendingViewers(ctx, c.SessionID); err != nil {
		g.logger.Warn("connect pending viewers",
			zap.String("session_id", c.SessionID.String()), zap.Error(err))
	}
}

// HandleSubscribe allocates a viewer endpoint, connects it to the session's
// publisher, and starts the SDP exchange.
func (g *Gateway) HandleSubscribe(ctx context.Context, c *Client) {
	if !c.joined {
		g.sendError(c, errs.ErrForbidden)
		return
	}
	el, err := g.orch.CreateViewer(ctx, c.SessionID, c.ConnectionID)
	if err != nil {
		g.sendError(c, err)
		return
	}
	c.viewer = el
	if err := g.orch.ConnectToPublisher(ctx, c.SessionID, el.ID); err != nil {
		g.sendError(c, err)
		return
	}
	if err := g.rtc.HandleViewerSubscribe(el.ExternalID, c.sendToMe); err != nil {
		g.sendError(c, err)
	}
}

// HandleVideoToggle enables or disables video on the client's publisher.
func (g *Gateway) HandleVideoToggle(ctx context.Context, c *Client, enabled bool) {
	if c.publisher == nil {
		g.sendError(c, errs.New(errs.CodeNotFound, "no publisher endpoint for this connection"))
		return
	}
	if err := g.orch.SetVideoEnabled(ctx, c.SessionID, c.publisher.ID, enabled); err != nil {
		g.sendError(c, err)
	}
}

// HandleLeave processes an explicit leave command. The websocket close that
// follows runs the same cleanup harmlessly.
func (g *Gateway) HandleLeave(ctx context.Context, c *Client) {
	g.HandleDisconnect(c)
}

// HandleDisconnect tears down a connection's footprint: media endpoints,
// participant record, and, for a creator, the session itself. Idempotent:
// explicit leave followed by the socket close runs it twice with one effect.
func (g *Gateway) HandleDisconnect(c *Client) {
	if _, dup := g.gone.LoadOrStore(c.ConnectionID, struct{}{}); dup {
		return
	}
	// The entry only has to cover the cleanup itself; a straggler event
	// arriving after the delete reruns an idempotent path.
	defer g.gone.Delete(c.ConnectionID)
	ctx := context.Background()

	participants, err := g.svc.Registry().FindAllByConnection(ctx, c.ConnectionID)
	if err != nil {
		g.logger.Warn("disconnect lookup failed", zap.String("connection_id", c.ConnectionID), zap.Error(err))
	}

	if err := g.orch.ReleaseOwned(ctx, c.SessionID, c.ConnectionID); err != nil {
		g.logger.Warn("release owned endpoints failed",
			zap.String("connection_id", c.ConnectionID), zap.Error(err))
	}
	if err := g.svc.Leave(ctx, c.ConnectionID); err != nil {
		g.logger.Warn("leave failed", zap.String("connection_id", c.ConnectionID), zap.Error(err))
	}
	if len(participants) > 0 {
		g.metrics.ParticipantLeft()
	}

	// A creator dropping mid-broadcast ends it for everyone. Before start
	// the session stays joinable, so a blip inside the admission window
	// doesn't kill the scheduled broadcast.
	if c.isCreator {
		if err := g.svc.FinishIfStarted(ctx, c.SessionID, models.FinishReasonCreatorDisconnected); err != nil {
			g.logger.Error("finish on creator disconnect failed",
				zap.String("session_id", c.SessionID.String()), zap.Error(err))
		}
	}
}

func (g *Gateway) sendError(c *Client, err error) {
	code := errs.CodeOf(err)
	msg := err.Error()
	if code == "" {
		code = "internal"
		msg = "internal error"
		g.logger.Error("signaling command failed",
			zap.String("connection_id", c.ConnectionID), zap.Error(err))
	}
	g.hub.SendToClient(c.SessionID, c.ConnectionID, "error", map[string]string{
		"code":    string(code),
		"message": msg,
	})
}

// ChatRelay fans a chat message out to the session.
func (g *Gateway) ChatRelay(c *Client, data json.RawMessage) {
	if !c.joined {
		return
	}
	g.hub.Publish(c.SessionID, "chat_message", map[string]interface{}{
		"user_id": c.UserID,
		"body":    data,
	})
}
