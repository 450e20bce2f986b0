package registry

import (
	"context"
	"strconv"

	"github.com/vango-go/bridge/pkg/protocol"
)

// WindowID identifies a window for the lifetime of the process.
// Zero is never assigned.
type WindowID uint64

// String returns the decimal form used in URLs and logs.
func (id WindowID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// ParseWindowID parses the decimal form produced by String.
func ParseWindowID(s string) (WindowID, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, err
	}
	return WindowID(v), nil
}

// Call is one invocation of a bound function.
type Call struct {
	WindowID      WindowID
	ClientID      string
	CorrelationID uint32
	Name          string
	Args          []any
}

// String returns args[i] as a string.
func (c *Call) String(i int) (string, error) { return protocol.ArgString(c.Args, i) }

// Int returns args[i] as an int64.
func (c *Call) Int(i int) (int64, error) { return protocol.ArgInt(c.Args, i) }

// Float returns args[i] as a float64.
func (c *Call) Float(i int) (float64, error) { return protocol.ArgFloat(c.Args, i) }

// Bool returns args[i] as a bool.
func (c *Call) Bool(i int) (bool, error) { return protocol.ArgBool(c.Args, i) }

// Bytes returns args[i] as raw bytes.
func (c *Call) Bytes(i int) ([]byte, error) { return protocol.ArgBytes(c.Args, i) }

// Handler executes a bound function. The returned value is converted with
// protocol.ValueOf and sent back as the call's response.
type Handler func(ctx context.Context, call *Call) (any, error)

// Event is a notification raised by a frontend.
type Event struct {
	WindowID WindowID
	ClientID string
	Type     protocol.EventType
	Element  string
	Data     protocol.Value
}

// EventHandler reacts to an event. It has no result.
type EventHandler func(ctx context.Context, ev *Event)

// Client is a connection attached to a window.
type Client interface {
	ID() string
	Close(reason error)
}

// Binding is a function registered on a window.
type Binding struct {
	Name    string
	Handler Handler

	// Arity is the exact number of arguments expected, or the minimum when
	// Variadic is set. Negative disables the check.
	Arity    int
	Variadic bool
}

// Accepts reports whether n arguments satisfy the binding's arity.
func (b Binding) Accepts(n int) bool {
	switch {
	case b.Arity < 0:
		return true
	case b.Variadic:
		return n >= b.Arity
	default:
		return n == b.Arity
	}
}

// BindOption configures a Binding.
type BindOption func(*Binding)

// WithArity requires exactly n arguments.
func WithArity(n int) BindOption {
	return func(b *Binding) { b.Arity = n }
}

// Variadic turns the arity into a minimum.
func Variadic() BindOption {
	return func(b *Binding) { b.Variadic = true }
}
