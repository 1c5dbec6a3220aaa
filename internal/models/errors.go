package models

import (
	"fmt"
	"time"
)

// ErrorType classifies failures reported by the connection layer.
type ErrorType string

const (
	ErrorConnectionFailed  ErrorType = "CONNECTION_FAILED"
	ErrorConnectionLost    ErrorType = "CONNECTION_LOST"
	ErrorMessageSendFailed ErrorType = "MESSAGE_SEND_FAILED"
	ErrorInvalidMessage    ErrorType = "INVALID_MESSAGE"
	ErrorAuthFailed        ErrorType = "AUTHENTICATION_FAILED"
	ErrorRateLimited       ErrorType = "RATE_LIMITED"
	ErrorServerError       ErrorType = "SERVER_ERROR"
	ErrorUnknown           ErrorType = "UNKNOWN_ERROR"
)

// Error is a classified connection failure.
type Error struct {
	Type      ErrorType
	Message   string
	Code      int
	Retryable bool
	Timestamp time.Time
	Err       error
}

func NewError(t ErrorType, msg string, retryable bool, err error) *Error {
	return &Error{
		Type:      t,
		Message:   msg,
		Retryable: retryable,
		Timestamp: time.Now(),
		Err:       err,
	}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}
