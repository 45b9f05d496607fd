package live

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/courseloop/backend/internal/middleware"
	"github.com/courseloop/backend/internal/models"
	"github.com/courseloop/backend/pkg/response"
)

// SummaryReader loads a finished session's wrap-up record.
type SummaryReader interface {
	GetSummary(ctx context.Context, sessionID uuid.UUID) (*models.SessionSummary, error)
}

// Handler exposes the live state over HTTP: the join precheck clients run
// before opening a websocket, and read-only views of a running or finished
// session.
type Handler struct {
	svc     *Service
	summary SummaryReader
}

// NewHandler creates the live HTTP handler. summary may be nil when wrap-up
// processing is not deployed.
func NewHandler(svc *Service, summary SummaryReader) *Handler {
	return &Handler{svc: svc, summary: summary}
}

// Precheck handles GET /sessions/:id/live. It runs the full admission check
// without registering a participant, so clients learn whether a websocket
// dial would succeed and get the current snapshot.
func (h *Handler) Precheck(c *gin.Context) {
	sessionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return
	}
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)

	res, err := h.svc.CanJoin(c.Request.Context(), userID, sessionID)
	if err != nil {
		response.DomainError(c, err)
		return
	}
	response.OK(c, res)
}

// Participants handles GET /sessions/:id/live/participants. Creator only.
func (h *Handler) Participants(c *gin.Context) {
	sessionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return
	}
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)
	if err := h.svc.CanFinish(c.Request.Context(), userID, sessionID); err != nil {
		response.DomainError(c, err)
		return
	}

	members, err := h.svc.Registry().ListBySession(c.Request.Context(), sessionID)
	if err != nil {
		response.Internal(c, "failed to list participants")
		return
	}
	response.OK(c, gin.H{"participants": members, "count": len(members)})
}

// Summary handles GET /sessions/:id/live/summary for finished sessions.
func (h *Handler) Summary(c *gin.Context) {
	sessionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return
	}
	snap, err := h.svc.TerminalSnapshot(c.Request.Context(), sessionID)
	if err != nil {
		response.DomainError(c, err)
		return
	}

	body := gin.H{"snapshot": snap}
	if h.summary != nil {
		if s, err := h.summary.GetSummary(c.Request.Context(), sessionID); err == nil && s != nil {
			body["summary"] = s
		}
	}
	response.OK(c, body)
}
