// ABOUTME: Routing failure taxonomy: sentinel errors and their wire codes
// ABOUTME: *Error carries the code and message that are recorded and replayed verbatim

package router

import (
	"errors"
	"fmt"
)

// Wire codes
const (
	CodeNoAgentAvailable   = "NO_AGENT_AVAILABLE"
	CodePinnedAgentOffline = "PINNED_AGENT_OFFLINE"
	CodeKindNotSupported   = "KIND_NOT_SUPPORTED"
	CodeSessionNotFound    = "SESSION_NOT_FOUND"
	CodeForbidden          = "FORBIDDEN"
	CodeInvalidFrame       = "INVALID_FRAME"
	CodeRateLimited        = "RATE_LIMITED"
	CodeQueueUnavailable   = "QUEUE_UNAVAILABLE"
	CodeSendInProgress     = "SEND_IN_PROGRESS"
	CodeInternal           = "INTERNAL"

	// execution failures, recorded as agent_error events
	CodeExecutionTimeout  = "EXECUTION_TIMEOUT"
	CodeAgentDisconnected = "AGENT_DISCONNECTED"
)

// Routing errors
var (
	ErrNoAgentAvailable   = errors.New("no eligible agent is connected")
	ErrPinnedAgentOffline = errors.New("pinned agent is offline")
	ErrKindNotSupported   = errors.New("pinned agent does not support the session's execution kind")
	ErrSessionNotFound    = errors.New("session not found")
	ErrForbidden          = errors.New("session belongs to another organization")
	ErrSendInProgress     = errors.New("an earlier send with this idempotency key is still being routed")
)

var sentinelCodes = map[error]string{
	ErrNoAgentAvailable:   CodeNoAgentAvailable,
	ErrPinnedAgentOffline: CodePinnedAgentOffline,
	ErrKindNotSupported:   CodeKindNotSupported,
	ErrSessionNotFound:    CodeSessionNotFound,
	ErrForbidden:          CodeForbidden,
	ErrSendInProgress:     CodeSendInProgress,
}

// Error is a routing failure with its wire code.
type Error struct {
	Code    string
	Message string
	// err is the matching sentinel, when the code has one
	err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.err }

// NewError builds an Error from a code and message, attaching the sentinel
// for known codes so errors.Is works on replayed outcomes too.
func NewError(code, message string) *Error {
	e := &Error{Code: code, Message: message}
	for sentinel, c := range sentinelCodes {
		if c == code {
			e.err = sentinel
			break
		}
	}
	return e
}

// wrap turns a sentinel into an *Error.
func wrap(sentinel error) *Error {
	return &Error{Code: sentinelCodes[sentinel], Message: sentinel.Error(), err: sentinel}
}

// CodeOf returns the wire code for err, or CodeInternal.
func CodeOf(err error) string {
	var re *Error
	if errors.As(err, &re) {
		return re.Code
	}
	for sentinel, code := range sentinelCodes {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return CodeInternal
}
