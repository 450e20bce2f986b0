// Package registry is the session registry of a bridge: it owns windows,
// the named functions and event handlers bound to each window, and the
// client connections currently attached to them.
//
// Window IDs are allocated from a process-wide counter and never reused.
// A window's function table follows last-write-wins semantics: binding an
// existing name replaces the handler.
//
//	reg := registry.New(logger)
//	id := reg.CreateWindow()
//	reg.Bind(id, "add", func(ctx context.Context, c *registry.Call) (any, error) {
//	    a, _ := c.Int(0)
//	    b, _ := c.Int(1)
//	    return a + b, nil
//	}, registry.WithArity(2))
package registry
