package server

import (
	"errors"
	"fmt"

	"github.com/vango-dev/uxcore/pkg/transport"
)

// Sentinel errors for common session and server error conditions.
var (
	// ErrSessionInvalidated is wrapped by the error returned when a start hook
	// or event handler failed and the session was closed because of it.
	ErrSessionInvalidated = errors.New("server: session invalidated")

	// ErrGateClosed is returned when a session is started after Shutdown.
	ErrGateClosed = errors.New("server: gate closed")

	// ErrMaxSessionsReached is returned when the maximum number of sessions is reached.
	ErrMaxSessionsReached = errors.New("server: max sessions reached")

	// ErrTooManySessionsFromIP is returned when one client address holds
	// the maximum number of sessions.
	ErrTooManySessionsFromIP = errors.New("server: too many sessions from IP")

	// ErrUploadTokenExists is returned when an upload token is registered twice.
	ErrUploadTokenExists = errors.New("server: upload token already registered")
)

// SessionError wraps an error with session context for debugging.
type SessionError struct {
	SessionID string
	Op        string // Operation that failed
	Err       error  // Underlying error
}

// Error returns the error message with session context.
func (e *SessionError) Error() string {
	if e.SessionID == "" {
		return fmt.Sprintf("server: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("server: session %s: %s: %v", e.SessionID, e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As.
func (e *SessionError) Unwrap() error {
	return e.Err
}

// Is matches transport.ErrSessionFailed when the session was invalidated.
func (e *SessionError) Is(target error) bool {
	return target == transport.ErrSessionFailed && errors.Is(e.Err, ErrSessionInvalidated)
}

// NewSessionError creates a new SessionError.
func NewSessionError(sessionID, op string, err error) *SessionError {
	return &SessionError{
		SessionID: sessionID,
		Op:        op,
		Err:       err,
	}
}
