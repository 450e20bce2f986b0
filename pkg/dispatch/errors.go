package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/vango-go/bridge/pkg/protocol"
	"github.com/vango-go/bridge/pkg/registry"
)

// NotFoundError is returned when a call names a function that is not bound
// on the target window.
type NotFoundError struct {
	WindowID registry.WindowID
	Name     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("dispatch: function %q not bound on window %d", e.Name, e.WindowID)
}

// Is lets errors.Is match registry.ErrFunctionNotFound.
func (e *NotFoundError) Is(target error) bool {
	return target == registry.ErrFunctionNotFound
}

// ArgumentError is returned when a call's argument count does not satisfy
// the binding's arity.
type ArgumentError struct {
	Name     string
	Want     int
	Got      int
	Variadic bool
}

func (e *ArgumentError) Error() string {
	if e.Variadic {
		return fmt.Sprintf("dispatch: %s expects at least %d arguments, got %d", e.Name, e.Want, e.Got)
	}
	return fmt.Sprintf("dispatch: %s expects %d arguments, got %d", e.Name, e.Want, e.Got)
}

// HandlerError wraps an error returned by, or a panic raised in, a handler.
type HandlerError struct {
	WindowID registry.WindowID
	Name     string
	Err      error
	Panic    any
	Stack    []byte
}

func (e *HandlerError) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("dispatch: handler %s panicked: %v", e.Name, e.Panic)
	}
	return fmt.Sprintf("dispatch: handler %s: %v", e.Name, e.Err)
}

// Unwrap returns the handler's error.
func (e *HandlerError) Unwrap() error {
	return e.Err
}

// CancelledError is returned when the call's context ended before the
// handler produced a result: the window or connection closed, or the call
// timed out.
type CancelledError struct {
	Name string
	Err  error
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("dispatch: call %s cancelled: %v", e.Name, e.Err)
}

// Unwrap returns context.Canceled or context.DeadlineExceeded.
func (e *CancelledError) Unwrap() error {
	return e.Err
}

// ErrorPayloadFor maps err to the error frame sent to the peer.
// Panics are reported without their value.
func ErrorPayloadFor(err error) *protocol.ErrorPayload {
	var (
		nf *NotFoundError
		ae *ArgumentError
		ce *CancelledError
		he *HandlerError
		ep *protocol.ErrorPayload
	)
	switch {
	case err == nil:
		return nil
	case errors.As(err, &nf):
		return protocol.NewError(protocol.ErrNotFound, nf.Name)
	case errors.As(err, &ae):
		return protocol.NewError(protocol.ErrInvalidArguments, ae.Error())
	case errors.As(err, &ce):
		if errors.Is(ce.Err, context.DeadlineExceeded) {
			return protocol.NewError(protocol.ErrTimeout, ce.Name)
		}
		return protocol.NewError(protocol.ErrCancelled, ce.Name)
	case errors.As(err, &he):
		if he.Panic != nil {
			return protocol.NewError(protocol.ErrHandler, "internal error")
		}
		if errors.As(he.Err, &ep) {
			return ep
		}
		if errors.Is(he.Err, protocol.ErrArgType) || errors.Is(he.Err, protocol.ErrArgMissing) {
			return protocol.NewError(protocol.ErrInvalidArguments, he.Err.Error())
		}
		return protocol.NewError(protocol.ErrHandler, he.Err.Error())
	case errors.As(err, &ep):
		return ep
	default:
		return protocol.NewError(protocol.ErrInternal, err.Error())
	}
}
