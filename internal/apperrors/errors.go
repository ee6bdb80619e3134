// Package apperrors holds the typed failures returned by the call, meeting
// and notification flows. Every failure is recoverable by the caller.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

type ErrorCode string

const (
	CodeInvalidParticipant         ErrorCode = "INVALID_PARTICIPANT"
	CodeCallNoLongerAvailable      ErrorCode = "CALL_NO_LONGER_AVAILABLE"
	CodeCallInProgress             ErrorCode = "CALL_IN_PROGRESS"
	CodeProviderUnavailable        ErrorCode = "PROVIDER_UNAVAILABLE"
	CodeNotificationDeliveryFailed ErrorCode = "NOTIFICATION_DELIVERY_FAILED"
	CodePermissionDenied           ErrorCode = "PERMISSION_DENIED"
	CodeNotFound                   ErrorCode = "NOT_FOUND"
	CodeInvalidRequest             ErrorCode = "INVALID_REQUEST"
)

// Error is a coded failure. Two Errors match under errors.Is when their codes match.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

var (
	ErrInvalidParticipant         = &Error{Code: CodeInvalidParticipant, Message: "participant id is empty or invalid"}
	ErrCallNoLongerAvailable      = &Error{Code: CodeCallNoLongerAvailable, Message: "call is no longer available"}
	ErrCallInProgress             = &Error{Code: CodeCallInProgress, Message: "a call between these participants is already in progress"}
	ErrProviderUnavailable        = &Error{Code: CodeProviderUnavailable, Message: "meeting provider unavailable"}
	ErrNotificationDeliveryFailed = &Error{Code: CodeNotificationDeliveryFailed, Message: "notification delivery failed"}
	ErrPermissionDenied           = &Error{Code: CodePermissionDenied, Message: "notification permission denied"}
	ErrNotFound                   = &Error{Code: CodeNotFound, Message: "record not found"}
	ErrInvalidRequest             = &Error{Code: CodeInvalidRequest, Message: "invalid request"}
)

func Wrap(code ErrorCode, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Err: cause}
}

func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// HTTPStatus maps an error to the status code the API responds with.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case CodeInvalidParticipant, CodeInvalidRequest:
		return http.StatusBadRequest
	case CodeCallNoLongerAvailable, CodeCallInProgress:
		return http.StatusConflict
	case CodeProviderUnavailable, CodeNotificationDeliveryFailed:
		return http.StatusBadGateway
	case CodePermissionDenied:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
