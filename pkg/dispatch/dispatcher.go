package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	"github.com/vango-go/bridge/pkg/protocol"
	"github.com/vango-go/bridge/pkg/registry"
)

// Middleware wraps a handler. Middlewares see every call after lookup and
// arity checks and before the bound handler runs.
type Middleware func(next registry.Handler) registry.Handler

// Chain applies middlewares so that the first one is outermost.
func Chain(h registry.Handler, mws ...Middleware) registry.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithCallTimeout bounds every handler invocation. Zero disables the bound.
func WithCallTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) { d.callTimeout = timeout }
}

// WithMiddleware appends handler middleware.
func WithMiddleware(mws ...Middleware) Option {
	return func(d *Dispatcher) { d.middleware = append(d.middleware, mws...) }
}

// Dispatcher routes decoded events and calls to the handlers bound in a
// registry. It holds no per-call state; callers decide ordering.
type Dispatcher struct {
	reg         *registry.Registry
	callTimeout time.Duration
	logger      *slog.Logger

	mu         sync.RWMutex
	middleware []Middleware
}

// New creates a dispatcher over reg.
func New(reg *registry.Registry, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		reg:    reg,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With("component", "dispatcher")
	return d
}

// Use appends middleware. Calls already in flight keep the chain they
// started with.
func (d *Dispatcher) Use(mws ...Middleware) {
	d.mu.Lock()
	d.middleware = append(d.middleware, mws...)
	d.mu.Unlock()
}

// Registry returns the registry the dispatcher reads from.
func (d *Dispatcher) Registry() *registry.Registry {
	return d.reg
}

// OnCall runs call and returns the single Response or Error message that
// answers it. The message always carries call.CorrelationID.
func (d *Dispatcher) OnCall(ctx context.Context, call *registry.Call) *protocol.Message {
	v, err := d.Invoke(ctx, call)
	if err == nil {
		msg, encErr := protocol.NewResponseMessage(call.CorrelationID, v)
		if encErr == nil {
			return msg
		}
		err = &HandlerError{WindowID: call.WindowID, Name: call.Name, Err: encErr}
	}

	ep := ErrorPayloadFor(err)
	d.logCallError(call, ep, err)
	return protocol.NewMessage(protocol.KindError, call.CorrelationID, protocol.EncodeError(ep))
}

func (d *Dispatcher) logCallError(call *registry.Call, ep *protocol.ErrorPayload, err error) {
	attrs := []any{
		"window_id", call.WindowID,
		"client_id", call.ClientID,
		"function", call.Name,
		"correlation_id", call.CorrelationID,
		"code", ep.Code.String(),
	}
	var he *HandlerError
	switch {
	case errors.As(err, &he) && he.Panic != nil:
		d.logger.Error("handler panic", append(attrs, "panic", he.Panic, "stack", string(he.Stack))...)
	case ep.Code == protocol.ErrHandler || ep.Code == protocol.ErrInternal:
		d.logger.Warn("call failed", append(attrs, "error", err)...)
	default:
		d.logger.Debug("call rejected", append(attrs, "error", err)...)
	}
}

type outcome struct {
	value any
	err   error
}

// Invoke looks up and runs the bound function, returning its result as a
// wire value. Errors are one of *NotFoundError, *ArgumentError,
// *HandlerError or *CancelledError.
func (d *Dispatcher) Invoke(ctx context.Context, call *registry.Call) (protocol.Value, error) {
	b, err := d.reg.Lookup(call.WindowID, call.Name)
	if err != nil {
		return protocol.Value{}, &NotFoundError{WindowID: call.WindowID, Name: call.Name}
	}
	if !b.Accepts(len(call.Args)) {
		return protocol.Value{}, &ArgumentError{Name: call.Name, Want: b.Arity, Got: len(call.Args), Variadic: b.Variadic}
	}
	if err := ctx.Err(); err != nil {
		return protocol.Value{}, &CancelledError{Name: call.Name, Err: err}
	}

	if d.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.callTimeout)
		defer cancel()
	}

	d.mu.RLock()
	mws := slices.Clone(d.middleware)
	d.mu.RUnlock()
	h := Chain(b.Handler, mws...)

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: &HandlerError{
					WindowID: call.WindowID,
					Name:     call.Name,
					Panic:    r,
					Stack:    debug.Stack(),
				}}
			}
		}()
		v, err := h(ctx, call)
		done <- outcome{value: v, err: err}
	}()

	select {
	case o := <-done:
		if o.err == nil {
			return protocol.ValueOf(o.value), nil
		}
		var he *HandlerError
		if errors.As(o.err, &he) {
			return protocol.Value{}, he
		}
		if ctx.Err() != nil && (errors.Is(o.err, context.Canceled) || errors.Is(o.err, context.DeadlineExceeded)) {
			return protocol.Value{}, &CancelledError{Name: call.Name, Err: ctx.Err()}
		}
		return protocol.Value{}, &HandlerError{WindowID: call.WindowID, Name: call.Name, Err: o.err}
	case <-ctx.Done():
		// The handler goroutine finishes on its own; its result is dropped.
		return protocol.Value{}, &CancelledError{Name: call.Name, Err: ctx.Err()}
	}
}

// OnEvent delivers ev to the window's matching event handlers. It never
// fails: handler panics are recovered and logged.
func (d *Dispatcher) OnEvent(ctx context.Context, ev *registry.Event) {
	handlers, err := d.reg.EventHandlers(ev.WindowID, ev.Element)
	if err != nil {
		d.logger.Warn("event for unknown window", "window_id", ev.WindowID, "type", ev.Type.String())
		return
	}
	if len(handlers) == 0 {
		d.logger.Debug("event has no handlers",
			"window_id", ev.WindowID,
			"type", ev.Type.String(),
			"element", ev.Element)
		return
	}
	for _, h := range handlers {
		d.safeEvent(ctx, h, ev)
	}
}

func (d *Dispatcher) safeEvent(ctx context.Context, h registry.EventHandler, ev *registry.Event) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("event handler panic",
				"panic", r,
				"window_id", ev.WindowID,
				"client_id", ev.ClientID,
				"type", ev.Type.String(),
				"element", ev.Element,
				"stack", string(debug.Stack()))
		}
	}()
	h(ctx, ev)
}
