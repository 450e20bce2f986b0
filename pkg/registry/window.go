package registry

import (
	"fmt"
	"slices"
	"sync"
)

// window holds the per-window tables. Its own lock keeps binds on one
// window from contending with dispatch on another.
type window struct {
	id WindowID

	mu       sync.RWMutex
	bindings map[string]Binding
	handlers map[string][]EventHandler
	clients  map[string]Client
	order    []string
	closed   bool
}

func newWindow(id WindowID) *window {
	return &window{
		id:       id,
		bindings: make(map[string]Binding),
		handlers: make(map[string][]EventHandler),
		clients:  make(map[string]Client),
	}
}

func (w *window) bind(b Binding) (replaced bool, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return false, ErrWindowClosed
	}
	_, replaced = w.bindings[b.Name]
	w.bindings[b.Name] = b
	return replaced, nil
}

func (w *window) unbind(name string) {
	w.mu.Lock()
	delete(w.bindings, name)
	w.mu.Unlock()
}

func (w *window) lookup(name string) (Binding, bool) {
	w.mu.RLock()
	b, ok := w.bindings[name]
	w.mu.RUnlock()
	return b, ok
}

func (w *window) functions() []string {
	w.mu.RLock()
	names := make([]string, 0, len(w.bindings))
	for name := range w.bindings {
		names = append(names, name)
	}
	w.mu.RUnlock()
	slices.Sort(names)
	return names
}

func (w *window) on(element string, h EventHandler) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWindowClosed
	}
	w.handlers[element] = append(w.handlers[element], h)
	return nil
}

func (w *window) eventHandlers(element string) []EventHandler {
	w.mu.RLock()
	defer w.mu.RUnlock()
	var out []EventHandler
	if element != "" {
		out = append(out, w.handlers[element]...)
	}
	return append(out, w.handlers[""]...)
}

func (w *window) attach(c Client) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWindowClosed
	}
	id := c.ID()
	if _, dup := w.clients[id]; dup {
		return fmt.Errorf("registry: client %s already attached to window %d", id, w.id)
	}
	w.clients[id] = c
	w.order = append(w.order, id)
	return nil
}

func (w *window) detach(clientID string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.clients[clientID]; ok {
		delete(w.clients, clientID)
		w.order = slices.DeleteFunc(w.order, func(id string) bool { return id == clientID })
	}
	return len(w.clients)
}

func (w *window) clientList() []Client {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]Client, 0, len(w.order))
	for _, id := range w.order {
		out = append(out, w.clients[id])
	}
	return out
}

// close marks the window closed and hands back its clients for the caller
// to shut down outside the lock.
func (w *window) close() []Client {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	out := make([]Client, 0, len(w.order))
	for _, id := range w.order {
		out = append(out, w.clients[id])
	}
	w.clients = make(map[string]Client)
	w.order = nil
	return out
}
