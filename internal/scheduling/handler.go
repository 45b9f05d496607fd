package scheduling

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/courseloop/backend/internal/courses"
	"github.com/courseloop/backend/internal/errs"
	"github.com/courseloop/backend/internal/middleware"
	"github.com/courseloop/backend/internal/models"
	"github.com/courseloop/backend/pkg/response"
)

// CreateRequest is the body for POST /courses/:id/sessions.
type CreateRequest struct {
	Title           string `json:"title" binding:"required"`
	Description     string `json:"description"`
	StartAt         string `json:"start_at" binding:"required"` // RFC3339
	DurationMinutes int    `json:"duration_minutes" binding:"required,min=1"`
}

// UpdateRequest is the body for PATCH /sessions/:id.
type UpdateRequest struct {
	Title           *string `json:"title"`
	Description     *string `json:"description"`
	StartAt         *string `json:"start_at"`
	DurationMinutes *int    `json:"duration_minutes"`
}

// Handler handles scheduled session HTTP endpoints.
type Handler struct {
	repo            *Repository
	courses         *courses.Repository
	validator       *Validator
	admissionWindow time.Duration
	now             func() time.Time
}

// NewHandler creates a scheduling handler. The admission window doubles as
// the edit/delete cutoff before a session's start.
func NewHandler(repo *Repository, courseRepo *courses.Repository, validator *Validator, admissionWindow time.Duration) *Handler {
	return &Handler{
		repo:            repo,
		courses:         courseRepo,
		validator:       validator,
		admissionWindow: admissionWindow,
		now:             time.Now,
	}
}

// Create handles POST /courses/:id/sessions (course creator only).
func (h *Handler) Create(c *gin.Context) {
	courseID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid course id")
		return
	}
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	startAt, err := time.Parse(time.RFC3339, req.StartAt)
	if err != nil {
		response.BadRequest(c, "invalid start_at")
		return
	}
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)

	course, err := h.courses.GetByID(c.Request.Context(), courseID)
	if err != nil {
		response.Internal(c, "failed to load course")
		return
	}
	if course == nil {
		response.NotFound(c, "course not found")
		return
	}
	if course.CreatorID != userID {
		response.Forbidden(c, "only the course creator can schedule sessions")
		return
	}

	duration := time.Duration(req.DurationMinutes) * time.Minute
	if err := h.validator.Validate(c.Request.Context(), userID, startAt, duration, nil); err != nil {
		if errs.CodeOf(err) != "" {
			response.DomainError(c, err)
		} else {
			response.Internal(c, "failed to validate slot")
		}
		return
	}

	s := &models.ScheduledSession{
		CourseID:        courseID,
		CreatorID:       userID,
		Title:           req.Title,
		Description:     req.Description,
		StartAt:         startAt,
		DurationMinutes: req.DurationMinutes,
	}
	if err := h.repo.Create(c.Request.Context(), s); err != nil {
		response.Internal(c, "failed to create session")
		return
	}
	response.Created(c, s)
}

// GetByID handles GET /sessions/:id.
func (h *Handler) GetByID(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return
	}
	s, err := h.repo.GetByID(c.Request.Context(), id)
	if err != nil {
		response.Internal(c, "failed to load session")
		return
	}
	if s == nil {
		response.NotFound(c, "session not found")
		return
	}
	response.OK(c, gin.H{
		"session":     s,
		"time_status": s.TimeStatus(h.now(), h.admissionWindow),
	})
}

// ListByCourse handles GET /courses/:id/sessions.
func (h *Handler) ListByCourse(c *gin.Context) {
	courseID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid course id")
		return
	}
	list, err := h.repo.ListByCourse(c.Request.Context(), courseID)
	if err != nil {
		response.Internal(c, "failed to list sessions")
		return
	}
	response.OK(c, list)
}

// loadOwned fetches a session and enforces creator ownership plus the
// edit/delete cutoff: mutations are rejected once the admission window has
// opened.
func (h *Handler) loadOwned(c *gin.Context) *models.ScheduledSession {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return nil
	}
	s, err := h.repo.GetByID(c.Request.Context(), id)
	if err != nil {
		response.Internal(c, "failed to load session")
		return nil
	}
	if s == nil {
		response.NotFound(c, "session not found")
		return nil
	}
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)
	if s.CreatorID != userID {
		response.Forbidden(c, "only the session creator can modify it")
		return nil
	}
	if !h.now().Before(s.StartAt.Add(-h.admissionWindow)) {
		response.DomainError(c, errs.New(errs.CodePastStart, "session can no longer be modified this close to its start"))
		return nil
	}
	return s
}

// Update handles PATCH /sessions/:id (creator only, before the cutoff).
func (h *Handler) Update(c *gin.Context) {
	s := h.loadOwned(c)
	if s == nil {
		return
	}
	var req UpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}

	title, description := s.Title, s.Description
	startAt, durationMinutes := s.StartAt, s.DurationMinutes
	if req.Title != nil {
		title = *req.Title
	}
	if req.Description != nil {
		description = *req.Description
	}
	if req.StartAt != nil {
		t, err := time.Parse(time.RFC3339, *req.StartAt)
		if err != nil {
			response.BadRequest(c, "invalid start_at")
			return
		}
		startAt = t
	}
	if req.DurationMinutes != nil {
		if *req.DurationMinutes < 1 {
			response.BadRequest(c, "invalid duration_minutes")
			return
		}
		durationMinutes = *req.DurationMinutes
	}

	duration := time.Duration(durationMinutes) * time.Minute
	if err := h.validator.Validate(c.Request.Context(), s.CreatorID, startAt, duration, &s.ID); err != nil {
		if errs.CodeOf(err) != "" {
			response.DomainError(c, err)
		} else {
			response.Internal(c, "failed to validate slot")
		}
		return
	}
	if err := h.repo.Update(c.Request.Context(), s.ID, title, description, startAt, durationMinutes); err != nil {
		response.Internal(c, "failed to update session")
		return
	}
	response.OK(c, gin.H{"session_id": s.ID})
}

// Delete handles DELETE /sessions/:id (creator only, before the cutoff).
func (h *Handler) Delete(c *gin.Context) {
	s := h.loadOwned(c)
	if s == nil {
		return
	}
	if err := h.repo.Delete(c.Request.Context(), s.ID); err != nil {
		response.Internal(c, "failed to delete session")
		return
	}
	response.NoContent(c)
}
