package response

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/courseloop/backend/internal/errs"
)

// Body is the standard API response envelope.
type Body struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Code    string      `json:"code,omitempty"`
}

// OK sends a 200 JSON response with data.
func OK(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Body{Success: true, Data: data})
}

// Created sends a 201 JSON response with data.
func Created(c *gin.Context, data interface{}) {
	c.JSON(http.StatusCreated, Body{Success: true, Data: data})
}

// NoContent sends 204.
func NoContent(c *gin.Context) {
	c.Status(http.StatusNoContent)
}

// BadRequest sends 400 with error message.
func BadRequest(c *gin.Context, err string) {
	c.JSON(http.StatusBadRequest, Body{Success: false, Error: err})
}

// Unauthorized sends 401.
func Unauthorized(c *gin.Context, err string) {
	c.JSON(http.StatusUnauthorized, Body{Success: false, Error: err})
}

// Forbidden sends 403.
func Forbidden(c *gin.Context, err string) {
	c.JSON(http.StatusForbidden, Body{Success: false, Error: err})
}

// NotFound sends 404.
func NotFound(c *gin.Context, err string) {
	c.JSON(http.StatusNotFound, Body{Success: false, Error: err})
}

// Conflict sends 409.
func Conflict(c *gin.Context, err string) {
	c.JSON(http.StatusConflict, Body{Success: false, Error: err})
}

// Internal sends 500.
func Internal(c *gin.Context, err string) {
	c.JSON(http.StatusInternalServerError, Body{Success: false, Error: err})
}

// DomainError maps a typed domain failure to its HTTP status, carrying the
// taxonomy code so clients can tell "not open yet" from "session ended".
func DomainError(c *gin.Context, err error) {
	code := errs.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case errs.CodeNotFound:
		status = http.StatusNotFound
	case errs.CodeForbidden:
		status = http.StatusForbidden
	case errs.CodeUnavailable:
		status = http.StatusServiceUnavailable
	case errs.CodeNotYetOpen, errs.CodeExpired, errs.CodeTooEarly, errs.CodePastStart:
		status = http.StatusUnprocessableEntity
	case errs.CodeSlotConflict, errs.CodeAlreadyFinished, errs.CodeAlreadyPublished:
		status = http.StatusConflict
	case errs.CodeMediaServer, errs.CodeStaleHandle:
		status = http.StatusBadGateway
	}
	c.JSON(status, Body{Success: false, Error: err.Error(), Code: string(code)})
}
