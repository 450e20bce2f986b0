package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
)

// Registry errors.
var (
	ErrWindowNotFound   = errors.New("registry: window not found")
	ErrFunctionNotFound = errors.New("registry: function not bound")
	ErrInvalidName      = errors.New("registry: function name must not be empty")
	ErrNilHandler       = errors.New("registry: handler must not be nil")
	ErrWindowClosed     = errors.New("registry: window closed")
)

// Registry tracks windows, the functions bound to them and the client
// connections attached to them. It is safe for concurrent use: lookups
// proceed in parallel and mutations serialize.
type Registry struct {
	mu      sync.RWMutex
	windows map[WindowID]*window

	nextID atomic.Uint64

	// empty is closed exactly when no windows exist.
	empty chan struct{}

	onCloseMu sync.RWMutex
	onClose   []func(WindowID)

	logger *slog.Logger
}

// New creates an empty registry.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	empty := make(chan struct{})
	close(empty)
	return &Registry{
		windows: make(map[WindowID]*window),
		empty:   empty,
		logger:  logger.With("component", "registry"),
	}
}

// CreateWindow registers a new window and returns its ID. IDs are never
// reused within a process.
func (r *Registry) CreateWindow() WindowID {
	id := WindowID(r.nextID.Add(1))
	w := newWindow(id)

	r.mu.Lock()
	if len(r.windows) == 0 {
		r.empty = make(chan struct{})
	}
	r.windows[id] = w
	r.mu.Unlock()

	r.logger.Debug("window created", "window_id", id)
	return id
}

func (r *Registry) window(id WindowID) (*window, error) {
	r.mu.RLock()
	w := r.windows[id]
	r.mu.RUnlock()
	if w == nil {
		return nil, fmt.Errorf("%w: %d", ErrWindowNotFound, id)
	}
	return w, nil
}

// HasWindow reports whether the window exists.
func (r *Registry) HasWindow(id WindowID) bool {
	_, err := r.window(id)
	return err == nil
}

// Windows returns the IDs of all open windows in ascending order.
func (r *Registry) Windows() []WindowID {
	r.mu.RLock()
	ids := make([]WindowID, 0, len(r.windows))
	for id := range r.windows {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	slices.Sort(ids)
	return ids
}

// Bind registers handler under name on the window. Binding a name that is
// already bound replaces the previous handler.
func (r *Registry) Bind(id WindowID, name string, handler Handler, opts ...BindOption) error {
	if name == "" {
		return ErrInvalidName
	}
	if handler == nil {
		return ErrNilHandler
	}
	w, err := r.window(id)
	if err != nil {
		return err
	}

	b := Binding{Name: name, Handler: handler, Arity: -1}
	for _, opt := range opts {
		opt(&b)
	}

	if replaced, err := w.bind(b); err != nil {
		return err
	} else if replaced {
		r.logger.Debug("binding replaced", "window_id", id, "function", name)
	}
	return nil
}

// Unbind removes a binding. Removing a name that is not bound is a no-op.
func (r *Registry) Unbind(id WindowID, name string) error {
	w, err := r.window(id)
	if err != nil {
		return err
	}
	w.unbind(name)
	return nil
}

// Lookup returns the binding registered under name.
func (r *Registry) Lookup(id WindowID, name string) (Binding, error) {
	w, err := r.window(id)
	if err != nil {
		return Binding{}, err
	}
	b, ok := w.lookup(name)
	if !ok {
		return Binding{}, fmt.Errorf("%w: %q", ErrFunctionNotFound, name)
	}
	return b, nil
}

// Functions returns the names bound on the window in sorted order.
func (r *Registry) Functions(id WindowID) ([]string, error) {
	w, err := r.window(id)
	if err != nil {
		return nil, err
	}
	return w.functions(), nil
}

// On registers an event handler for element. The empty element receives
// every event raised on the window.
func (r *Registry) On(id WindowID, element string, handler EventHandler) error {
	if handler == nil {
		return ErrNilHandler
	}
	w, err := r.window(id)
	if err != nil {
		return err
	}
	return w.on(element, handler)
}

// EventHandlers returns the handlers for element followed by the catch-all
// handlers.
func (r *Registry) EventHandlers(id WindowID, element string) ([]EventHandler, error) {
	w, err := r.window(id)
	if err != nil {
		return nil, err
	}
	return w.eventHandlers(element), nil
}

// Attach associates a client connection with the window.
func (r *Registry) Attach(id WindowID, c Client) error {
	w, err := r.window(id)
	if err != nil {
		return err
	}
	return w.attach(c)
}

// Detach removes a client connection from the window. It reports the number
// of clients still attached. Detaching from a closed window returns 0.
func (r *Registry) Detach(id WindowID, clientID string) int {
	w, err := r.window(id)
	if err != nil {
		return 0
	}
	return w.detach(clientID)
}

// Clients returns the clients attached to the window in attach order.
func (r *Registry) Clients(id WindowID) ([]Client, error) {
	w, err := r.window(id)
	if err != nil {
		return nil, err
	}
	return w.clientList(), nil
}

// CloseWindow removes the window and closes every attached client with
// reason. Further operations on the window return ErrWindowNotFound.
func (r *Registry) CloseWindow(id WindowID, reason error) error {
	r.mu.Lock()
	w := r.windows[id]
	if w == nil {
		r.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrWindowNotFound, id)
	}
	delete(r.windows, id)
	if len(r.windows) == 0 {
		close(r.empty)
	}
	r.mu.Unlock()

	if reason == nil {
		reason = ErrWindowClosed
	}
	clients := w.close()
	for _, c := range clients {
		c.Close(reason)
	}

	r.logger.Info("window closed", "window_id", id, "clients", len(clients))

	r.onCloseMu.RLock()
	hooks := slices.Clone(r.onClose)
	r.onCloseMu.RUnlock()
	for _, fn := range hooks {
		fn(id)
	}
	return nil
}

// Close closes every window.
func (r *Registry) Close(reason error) {
	for _, id := range r.Windows() {
		_ = r.CloseWindow(id, reason)
	}
}

// OnWindowClose registers fn to run after a window is closed.
func (r *Registry) OnWindowClose(fn func(WindowID)) {
	r.onCloseMu.Lock()
	r.onClose = append(r.onClose, fn)
	r.onCloseMu.Unlock()
}

// Wait blocks until no windows remain or ctx is done.
func (r *Registry) Wait(ctx context.Context) error {
	for {
		r.mu.RLock()
		empty := r.empty
		r.mu.RUnlock()

		select {
		case <-empty:
			// A window may have been created since the close.
			if len(r.Windows()) == 0 {
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
