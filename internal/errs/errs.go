// Package errs defines the failure taxonomy for live-session orchestration.
// Expected business outcomes (busy slot, not open yet, forbidden) are typed
// errors mapped to distinct user-facing codes at the transport boundary,
// never retried internally.
package errs

import (
	"errors"
	"fmt"
)

// Code identifies a failure class.
type Code string

const (
	CodeNotFound         Code = "not_found"
	CodeForbidden        Code = "forbidden"
	CodeUnavailable      Code = "unavailable"
	CodeNotYetOpen       Code = "not_yet_open"
	CodeExpired          Code = "expired"
	CodeTooEarly         Code = "too_early"
	CodePastStart        Code = "past_start"
	CodeSlotConflict     Code = "slot_conflict"
	CodeAlreadyFinished  Code = "already_finished"
	CodeAlreadyPublished Code = "already_published"
	CodeMediaServer      Code = "media_server_failure"
	CodeStaleHandle      Code = "stale_handle"
)

// Error is a typed domain failure.
type Error struct {
	Code    Code
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return e.Message + ": " + e.cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// Is matches any *Error with the same code, so sentinels below work with
// errors.Is against wrapped and formatted variants alike.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

// New creates a typed error.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates a typed error with a formatted message.
func Newf(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause to a typed error.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

// Sentinels for errors.Is checks.
var (
	ErrNotFound         = New(CodeNotFound, "session not found")
	ErrForbidden        = New(CodeForbidden, "not authorized for this session")
	ErrUnavailable      = New(CodeUnavailable, "creator account is disabled")
	ErrNotYetOpen       = New(CodeNotYetOpen, "session is not open for joining yet")
	ErrExpired          = New(CodeExpired, "session time window has passed")
	ErrTooEarly         = New(CodeTooEarly, "session cannot start before its scheduled time")
	ErrPastStart        = New(CodePastStart, "session start must be in the future")
	ErrSlotConflict     = New(CodeSlotConflict, "time slot conflicts with another session")
	ErrAlreadyFinished  = New(CodeAlreadyFinished, "session already finished")
	ErrAlreadyPublished = New(CodeAlreadyPublished, "session already has an active publisher")
	ErrMediaServer      = New(CodeMediaServer, "media server operation failed")
	ErrStaleHandle      = New(CodeStaleHandle, "media handle no longer resolves")
)

// CodeOf extracts the taxonomy code from err, or "" when err is untyped.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
