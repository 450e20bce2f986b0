// Package bridge runs a Go backend for a browser-hosted frontend.
//
// An App owns one local server. Each Window gets its own URL, a table of
// bound functions the frontend can call by name, and event handlers for
// what the frontend reports (clicks, connects, disconnects). The backend can
// evaluate JavaScript in the window, push raw bytes to a frontend function
// and navigate it.
//
//	app, err := bridge.New(bridge.Config{})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	w := app.NewWindow()
//	w.Bind("add", func(ctx context.Context, call *bridge.Call) (any, error) {
//	    a, _ := call.Int(0)
//	    b, _ := call.Int(1)
//	    return a + b, nil
//	}, bridge.WithArity(2))
//	if err := w.Show(ctx, "<html><body>...</body></html>"); err != nil {
//	    log.Fatal(err)
//	}
//	app.Wait(ctx)
//
// The frontend script is served at /w/{id}/bridge.js and injected into
// pages automatically:
//
//	const sum = await bridge.call("add", 2, 3)
package bridge

import (
	"github.com/vango-go/bridge/pkg/protocol"
	"github.com/vango-go/bridge/pkg/registry"
)

// Version is the module version reported by the CLI.
const Version = "0.1.0"

type (
	// WindowID identifies a window. IDs are never reused within a process.
	WindowID = registry.WindowID

	// Call is an incoming call to a bound function.
	Call = registry.Call

	// Event is a notification raised by a frontend.
	Event = registry.Event

	// Handler implements a bound function.
	Handler = registry.Handler

	// EventHandler reacts to events.
	EventHandler = registry.EventHandler

	// BindOption configures a binding.
	BindOption = registry.BindOption

	// Value is a value exchanged with the frontend.
	Value = protocol.Value
)

// WithArity requires exactly n arguments.
func WithArity(n int) BindOption { return registry.WithArity(n) }

// Variadic turns the arity into a minimum.
func Variadic() BindOption { return registry.Variadic() }

// Event types.
const (
	EventConnected    = protocol.EventConnected
	EventDisconnected = protocol.EventDisconnected
	EventMouseClick   = protocol.EventMouseClick
	EventNavigation   = protocol.EventNavigation
	EventCallback     = protocol.EventCallback
)
