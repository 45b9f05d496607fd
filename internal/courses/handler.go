package courses

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/courseloop/backend/internal/middleware"
	"github.com/courseloop/backend/internal/models"
	"github.com/courseloop/backend/pkg/response"
)

// CreateRequest is the body for POST /courses.
type CreateRequest struct {
	Title       string `json:"title" binding:"required"`
	Description string `json:"description"`
}

// Handler handles course HTTP endpoints.
type Handler struct {
	repo *Repository
}

// NewHandler creates a course handler.
func NewHandler(repo *Repository) *Handler {
	return &Handler{repo: repo}
}

// Create handles POST /courses (creator only).
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)

	course := &models.Course{
		Title:       req.Title,
		Description: req.Description,
		CreatorID:   userID,
	}
	if err := h.repo.Create(c.Request.Context(), course); err != nil {
		response.Internal(c, "failed to create course")
		return
	}
	response.Created(c, course)
}

// GetByID handles GET /courses/:id.
func (h *Handler) GetByID(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid course id")
		return
	}
	course, err := h.repo.GetByID(c.Request.Context(), id)
	if err != nil {
		response.Internal(c, "failed to load course")
		return
	}
	if course == nil {
		response.NotFound(c, "course not found")
		return
	}
	response.OK(c, course)
}

// List handles GET /courses. Query ?mine=1 returns only courses created by the current user.
func (h *Handler) List(c *gin.Context) {
	var creatorID *uuid.UUID
	if c.Query("mine") == "1" {
		id := c.MustGet(middleware.ContextUserID).(uuid.UUID)
		creatorID = &id
	}
	list, err := h.repo.List(c.Request.Context(), creatorID)
	if err != nil {
		response.Internal(c, "failed to list courses")
		return
	}
	response.OK(c, list)
}

// Subscribe handles POST /courses/:id/subscribe.
func (h *Handler) Subscribe(c *gin.Context) {
	courseID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid course id")
		return
	}
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)

	course, err := h.repo.GetByID(c.Request.Context(), courseID)
	if err != nil {
		response.Internal(c, "failed to load course")
		return
	}
	if course == nil {
		response.NotFound(c, "course not found")
		return
	}
	if err := h.repo.Subscribe(c.Request.Context(), courseID, userID); err != nil {
		response.Internal(c, "failed to subscribe")
		return
	}
	response.Created(c, gin.H{"course_id": courseID, "user_id": userID})
}
