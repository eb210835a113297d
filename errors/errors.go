package errors

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrValidation        = fmt.Errorf("validation failed")
	ErrUserAlreadyExists = fmt.Errorf("username already exists")
	ErrUnknownUser       = fmt.Errorf("unknown user")
	ErrNotBound          = fmt.Errorf("connection is not bound to a user")
	ErrAlreadyBound      = fmt.Errorf("connection is already bound to another user")
	ErrConnectionClosed  = fmt.Errorf("connection is closed")
	ErrStorage           = fmt.Errorf("storage failure")
	ErrDelivery          = fmt.Errorf("delivery failure")
	ErrSlowConsumer      = fmt.Errorf("send queue is full")
	ErrRateLimited       = fmt.Errorf("too many messages, slow down")
	ErrWorkerPanic       = fmt.Errorf("worker panic")
	ErrEmptyWords        = fmt.Errorf("no words have been found")
)

// Is and As re-export the standard helpers so callers need a single errors import.
func Is(err, target error) bool { return errors.Is(err, target) }

func As(err error, target any) bool { return errors.As(err, target) }

// Code is the stable identifier sent to clients in error events.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrUserAlreadyExists):
		return "conflict"
	case errors.Is(err, ErrUnknownUser):
		return "unknown_user"
	case errors.Is(err, ErrNotBound):
		return "not_bound"
	case errors.Is(err, ErrAlreadyBound):
		return "already_bound"
	case errors.Is(err, ErrConnectionClosed):
		return "closed"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrStorage):
		return "storage"
	default:
		return "internal"
	}
}

// HTTPStatus maps domain errors onto REST responses.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrUserAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, ErrUnknownUser):
		return http.StatusNotFound
	case errors.Is(err, ErrNotBound), errors.Is(err, ErrAlreadyBound):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
