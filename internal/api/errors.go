package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/samcharles93/jovia/internal/generation"
)

var (
	ErrInvalidRequest = errors.New("invalid_request")
	ErrModelNotFound  = errors.New("model_not_found")
)

type invalidRequestError struct {
	msg string
}

func (e invalidRequestError) Error() string {
	return e.msg
}

func (e invalidRequestError) Unwrap() error {
	return ErrInvalidRequest
}

func newInvalidRequest(msg string) error {
	return invalidRequestError{msg: msg}
}

// errorStatus maps an error to an HTTP status and an error type string.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, generation.ErrConfiguration),
		errors.Is(err, generation.ErrInput):
		return http.StatusBadRequest, "invalid_request_error"
	case errors.Is(err, ErrModelNotFound):
		return http.StatusNotFound, "not_found_error"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout_error"
	default:
		return http.StatusInternalServerError, "server_error"
	}
}
