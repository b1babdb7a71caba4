package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/Leen4k/pdf-chat-notes-sub000/internal/auth"
	"github.com/Leen4k/pdf-chat-notes-sub000/internal/export"
	"github.com/Leen4k/pdf-chat-notes-sub000/internal/syncerr"
)

// DomainError is an error raised by the HTTP surface itself, carrying the
// status and code it is reported with.
type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

var syncStatus = map[syncerr.Code]int{
	syncerr.CodeMalformedOperation: http.StatusBadRequest,
	syncerr.CodeStaleSubmit:        http.StatusConflict,
	syncerr.CodeVersionConflict:    http.StatusConflict,
	syncerr.CodeRoomOwnedElsewhere: http.StatusConflict,
	syncerr.CodeRoomLoadFailure:    http.StatusServiceUnavailable,
	syncerr.CodeRoomClosed:         http.StatusServiceUnavailable,
	syncerr.CodeConnectionOverflow: http.StatusServiceUnavailable,
	syncerr.CodeUnauthorized:       http.StatusUnauthorized,
	syncerr.CodeNotFound:           http.StatusNotFound,
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	var syncErr *syncerr.Error
	if errors.As(err, &syncErr) && syncErr != nil {
		httpStatus, ok := syncStatus[syncErr.Code]
		if !ok {
			httpStatus = http.StatusInternalServerError
		}
		return httpStatus, string(syncErr.Code), syncErr.Message, syncErr.Details
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrMissingToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	if errors.Is(err, export.ErrUnsupportedFormat) {
		return http.StatusBadRequest, "UNSUPPORTED_FORMAT", err.Error(), nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout, "TIMEOUT", "Request timed out", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
