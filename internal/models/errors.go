package models

import (
	"errors"
	"fmt"
	"net/http"
)

// AppError is a structured application error carrying the HTTP status and
// the message that is safe to show the client. The wrapped cause never
// reaches the response body.
type AppError struct {
	Code    int    `json:"code"`
	Message string `json:"error"`
	Err     error  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func ErrMissingFields(msg string) *AppError {
	return &AppError{Code: http.StatusBadRequest, Message: msg}
}

func ErrUserNotFound() *AppError {
	return &AppError{Code: http.StatusNotFound, Message: "user not found"}
}

func ErrForbidden(reason string) *AppError {
	return &AppError{Code: http.StatusForbidden, Message: reason}
}

func ErrInvalidSignature(err error) *AppError {
	return &AppError{Code: http.StatusBadRequest, Message: "invalid signature", Err: err}
}

func ErrUpstreamTimeout(err error) *AppError {
	return &AppError{Code: http.StatusGatewayTimeout, Message: "the explanation service took too long, please try again", Err: err}
}

func ErrUpstreamUnavailable(err error) *AppError {
	return &AppError{Code: http.StatusBadGateway, Message: "the explanation service is temporarily unavailable", Err: err}
}

func ErrStoreUnavailable(err error) *AppError {
	return &AppError{Code: http.StatusServiceUnavailable, Message: "service temporarily unavailable", Err: err}
}

func ErrInternal(msg string, err error) *AppError {
	return &AppError{Code: http.StatusInternalServerError, Message: msg, Err: err}
}

// AsAppError extracts an AppError from an error chain.
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}
