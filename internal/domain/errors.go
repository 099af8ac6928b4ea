package domain

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors forming the client's error taxonomy. Call sites wrap these
// with fmt.Errorf("%w: ...") so errors.Is classification survives wrapping.
var (
	// ErrInvalidCode rejects malformed session codes before any network call.
	ErrInvalidCode = errors.New("session code must be exactly 4 digits")

	// ErrQueryFailed marks a registry status query that failed at the
	// transport level. Non-fatal; callers may retry the check.
	ErrQueryFailed = errors.New("session status query failed")

	// ErrSessionNotFound means the registry has no session for the code.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionUnavailable means the broadcast has no free viewer slot.
	ErrSessionUnavailable = errors.New("session not available for viewing")

	// ErrTransport marks a signaling socket that failed to open or closed
	// unexpectedly. Recoverable by reconnecting.
	ErrTransport = errors.New("signaling transport error")

	// ErrNegotiation marks an SDP or ICE failure during peer setup.
	ErrNegotiation = errors.New("negotiation failed")

	// ErrServer carries an application error reported by the relay.
	ErrServer = errors.New("relay error")
)

// Error codes surfaced to the presentation layer alongside the message.
const (
	CodeInvalidCode        = "INVALID_CODE"
	CodeQueryFailed        = "QUERY_FAILED"
	CodeSessionNotFound    = "SESSION_NOT_FOUND"
	CodeSessionUnavailable = "SESSION_UNAVAILABLE"
	CodeTransport          = "TRANSPORT_ERROR"
	CodeNegotiation        = "NEGOTIATION_FAILED"
	CodeServer             = "SERVER_ERROR"
)

// ConnectionError is the error value handed to the presentation layer. Raw
// errors never cross that boundary.
type ConnectionError struct {
	Message   string    `json:"message"`
	Code      string    `json:"code,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func (e ConnectionError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Classify maps err onto a ConnectionError with a stable code, preserving
// the underlying message verbatim.
func Classify(err error) ConnectionError {
	ce := ConnectionError{Message: err.Error(), Timestamp: time.Now()}
	switch {
	case errors.Is(err, ErrInvalidCode):
		ce.Code = CodeInvalidCode
	case errors.Is(err, ErrSessionNotFound):
		ce.Code = CodeSessionNotFound
	case errors.Is(err, ErrSessionUnavailable):
		ce.Code = CodeSessionUnavailable
	case errors.Is(err, ErrQueryFailed):
		ce.Code = CodeQueryFailed
	case errors.Is(err, ErrTransport):
		ce.Code = CodeTransport
	case errors.Is(err, ErrNegotiation):
		ce.Code = CodeNegotiation
	case errors.Is(err, ErrServer):
		ce.Code = CodeServer
	}
	return ce
}
