package bridge

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/vango-go/bridge/internal/launcher"
	"github.com/vango-go/bridge/pkg/registry"
)

// showPollInterval is how often Show checks for a connected frontend.
const showPollInterval = 20 * time.Millisecond

// Window is one application window: a set of bound functions and event
// handlers plus the frontends connected to it.
type Window struct {
	app *App
	id  WindowID

	mu    sync.Mutex
	proc  launcher.Process
	shown bool

	done      chan struct{}
	closeOnce sync.Once
}

func newWindow(a *App, id WindowID) *Window {
	return &Window{app: a, id: id, done: make(chan struct{})}
}

// ID returns the window id frontends present in their handshake.
func (w *Window) ID() WindowID {
	return w.id
}

// Bind exposes h to the frontend under name. Binding a name again replaces
// the previous handler.
func (w *Window) Bind(name string, h Handler, opts ...BindOption) error {
	return w.app.registry.Bind(w.id, name, h, opts...)
}

// Unbind removes a bound function.
func (w *Window) Unbind(name string) error {
	return w.app.registry.Unbind(w.id, name)
}

// On registers h for events from element. An empty element receives every
// event of the window.
func (w *Window) On(element string, h EventHandler) error {
	return w.app.registry.On(w.id, element, h)
}

// URL returns the window's page URL. It is empty until the app is started.
func (w *Window) URL() string {
	return w.app.server.URL(w.id)
}

// Show opens the window in a browser. content is inline HTML, a file path
// relative to the root folder, or empty for the root index.html. Showing a
// window that already has a frontend navigates it instead.
func (w *Window) Show(ctx context.Context, content string) error {
	if w.isClosed() {
		return ErrWindowClosed
	}
	if err := w.app.Start(); err != nil {
		return err
	}

	url := w.URL()
	switch trimmed := strings.TrimSpace(content); {
	case strings.HasPrefix(trimmed, "<"):
		w.app.server.SetPage(w.id, content)
	case trimmed != "" && trimmed != "index.html":
		w.app.server.ClearPage(w.id)
		url += strings.TrimPrefix(trimmed, "/")
	default:
		w.app.server.ClearPage(w.id)
	}

	w.mu.Lock()
	shown := w.shown
	w.mu.Unlock()
	if shown {
		if err := w.app.server.Navigate(w.id, url); !errors.Is(err, ErrNoClient) {
			return err
		}
	}

	proc, err := w.app.launcher.Launch(ctx, url)
	if err != nil {
		return err
	}

	w.mu.Lock()
	old := w.proc
	w.proc = proc
	w.shown = true
	w.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	go w.watch(proc)

	if w.app.config.ShowTimeout > 0 {
		return w.waitConnected(ctx, w.app.config.ShowTimeout)
	}
	return nil
}

// watch closes the window when its browser exits.
func (w *Window) watch(proc launcher.Process) {
	select {
	case <-proc.Done():
		w.mu.Lock()
		current := w.proc == proc
		w.mu.Unlock()
		if current {
			w.app.logger.Info("browser exited", "window_id", w.id)
			_ = w.Close()
		}
	case <-w.done:
	}
}

func (w *Window) waitConnected(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(showPollInterval)
	defer ticker.Stop()
	for {
		if w.IsShown() {
			return nil
		}
		select {
		case <-ticker.C:
		case <-w.done:
			return ErrWindowClosed
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return ErrShowTimeout
			}
			return ctx.Err()
		}
	}
}

// IsShown reports whether a frontend is connected.
func (w *Window) IsShown() bool {
	return len(w.app.server.Conns(w.id)) > 0
}

// Call invokes a function the page registered and waits for its result.
func (w *Window) Call(ctx context.Context, name string, args ...any) (Value, error) {
	return w.app.server.Call(ctx, w.id, name, args...)
}

// Script evaluates js in the page and returns its result.
func (w *Window) Script(ctx context.Context, js string) (Value, error) {
	return w.app.server.Script(ctx, w.id, js)
}

// Run evaluates js in every frontend without waiting for a result.
func (w *Window) Run(js string) error {
	return w.app.server.Run(w.id, js)
}

// SendRaw passes data to the page function fn.
func (w *Window) SendRaw(fn string, data []byte) error {
	return w.app.server.SendRaw(w.id, fn, data)
}

// Navigate points every frontend at url.
func (w *Window) Navigate(url string) error {
	return w.app.server.Navigate(w.id, url)
}

// SetIcon sets the window's icon, e.g. an SVG document with contentType
// "image/svg+xml". An empty contentType is sniffed. The icon applies to
// pages loaded after the call.
func (w *Window) SetIcon(icon []byte, contentType string) error {
	if w.isClosed() {
		return ErrWindowClosed
	}
	w.app.server.SetIcon(w.id, icon, contentType)
	return nil
}

// Close closes the window, its connections and its browser. Calls still
// pending on the window are cancelled.
func (w *Window) Close() error {
	err := w.app.registry.CloseWindow(w.id, registry.ErrWindowClosed)
	if errors.Is(err, registry.ErrWindowNotFound) {
		// Already closed.
		return nil
	}
	return err
}

// Done is closed once the window is closed.
func (w *Window) Done() <-chan struct{} {
	return w.done
}

func (w *Window) isClosed() bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}

// closed runs after the registry dropped the window.
func (w *Window) closed() {
	w.closeOnce.Do(func() {
		close(w.done)
		w.mu.Lock()
		proc := w.proc
		w.mu.Unlock()
		if proc != nil {
			if err := proc.Close(); err != nil {
				w.app.logger.Warn("browser close failed", "window_id", w.id, "error", err)
			}
		}
	})
}
