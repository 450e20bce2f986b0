package server

import (
	"errors"
	"fmt"
)

// Sentinel errors for connection and server error conditions.
var (
	// ErrConnectionClosed is returned when an operation is attempted on a
	// connection that is closing or closed.
	ErrConnectionClosed = errors.New("server: connection closed")

	// ErrCancelled resolves server→client calls still pending when their
	// connection closes.
	ErrCancelled = errors.New("server: call cancelled")

	// ErrCallTimeout is returned when a server→client call outlives its timeout.
	ErrCallTimeout = errors.New("server: call timed out")

	// ErrNoClient is returned when a window has no active client to target.
	ErrNoClient = errors.New("server: window has no active client")

	// ErrInvalidHandshake is returned when the client hello is missing or malformed.
	ErrInvalidHandshake = errors.New("server: invalid handshake")

	// ErrHandshakeRejected is returned when a well-formed hello is refused.
	ErrHandshakeRejected = errors.New("server: handshake rejected")

	// ErrServerClosed is returned by operations after Shutdown.
	ErrServerClosed = errors.New("server: server closed")

	// ErrAlreadyStarted is returned when Start is called twice.
	ErrAlreadyStarted = errors.New("server: already started")

	// ErrClientsGone is the close reason for windows closed after their last
	// client disconnected.
	ErrClientsGone = errors.New("server: all clients disconnected")

	// ErrPeerNotAllowed is returned when a non-loopback peer connects to a
	// server that is not public.
	ErrPeerNotAllowed = errors.New("server: remote peer not allowed")
)

// ConnError wraps an error with connection context for debugging.
type ConnError struct {
	ClientID string
	Op       string // Operation that failed
	Err      error  // Underlying error
}

// Error returns the error message with connection context.
func (e *ConnError) Error() string {
	if e.ClientID == "" {
		return fmt.Sprintf("server: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("server: conn %s: %s: %v", e.ClientID, e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As.
func (e *ConnError) Unwrap() error {
	return e.Err
}

// ProtocolError represents a connection-fatal violation of the frame protocol.
type ProtocolError struct {
	ClientID string
	Op       string
	Err      error
}

// Error returns the error message.
func (e *ProtocolError) Error() string {
	return fmt.Sprintf("server: protocol error on conn %s: %s: %v", e.ClientID, e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// HandshakeError reports why a client hello was refused.
type HandshakeError struct {
	Status string
	Err    error
}

// Error returns the error message.
func (e *HandshakeError) Error() string {
	return fmt.Sprintf("server: handshake failed (%s): %v", e.Status, e.Err)
}

// Unwrap returns the underlying error.
func (e *HandshakeError) Unwrap() error {
	return e.Err
}
