// Package syncerr defines the error taxonomy shared by the collaboration core.
// Every error carries a wire code so the transport can report it to clients.
package syncerr

import (
	"errors"
	"fmt"
)

type Code string

const (
	CodeMalformedOperation Code = "MALFORMED_OPERATION"
	CodeStaleSubmit        Code = "STALE_SUBMIT"
	CodeRoomLoadFailure    Code = "ROOM_LOAD_FAILURE"
	CodeVersionConflict    Code = "VERSION_CONFLICT"
	CodeConnectionOverflow Code = "CONNECTION_OVERFLOW"
	CodeRoomOwnedElsewhere Code = "ROOM_OWNED_ELSEWHERE"
	CodeRoomClosed         Code = "ROOM_CLOSED"
	CodeUnauthorized       Code = "UNAUTHORIZED"
	CodeNotFound           Code = "NOT_FOUND"
)

type Error struct {
	Code      Code
	Message   string
	Retryable bool
	Details   any
	Err       error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same code, so the sentinels below work with errors.Is.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return other.Code == e.Code
}

var (
	ErrMalformedOperation = &Error{Code: CodeMalformedOperation, Message: "malformed operation"}
	ErrStaleSubmit        = &Error{Code: CodeStaleSubmit, Message: "operation depends on history that is no longer available", Retryable: true}
	ErrRoomLoadFailure    = &Error{Code: CodeRoomLoadFailure, Message: "room could not be loaded", Retryable: true}
	ErrVersionConflict    = &Error{Code: CodeVersionConflict, Message: "a newer snapshot is already stored"}
	ErrConnectionOverflow = &Error{Code: CodeConnectionOverflow, Message: "outbound queue overflow", Retryable: true}
	ErrRoomOwnedElsewhere = &Error{Code: CodeRoomOwnedElsewhere, Message: "room is owned by another node", Retryable: true}
	ErrRoomClosed         = &Error{Code: CodeRoomClosed, Message: "room is closed", Retryable: true}
	ErrUnauthorized       = &Error{Code: CodeUnauthorized, Message: "unauthorized"}
	ErrNotFound           = &Error{Code: CodeNotFound, Message: "not found"}
)

// New builds an error of the sentinel's kind with a specific message.
func New(kind *Error, message string) *Error {
	return &Error{Code: kind.Code, Message: message, Retryable: kind.Retryable}
}

// Wrap builds an error of the sentinel's kind around a cause.
func Wrap(kind *Error, err error, message string) *Error {
	return &Error{Code: kind.Code, Message: message, Retryable: kind.Retryable, Err: err}
}

// WithDetails returns a copy of e carrying details for the client.
func (e *Error) WithDetails(details any) *Error {
	clone := *e
	clone.Details = details
	return &clone
}

// CodeOf returns the wire code of err, or "" when err is not a syncerr.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}
