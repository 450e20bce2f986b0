package bridge

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vango-go/bridge/internal/content"
	"github.com/vango-go/bridge/internal/launcher"
	"github.com/vango-go/bridge/pkg/dispatch"
	"github.com/vango-go/bridge/pkg/middleware"
	"github.com/vango-go/bridge/pkg/registry"
	"github.com/vango-go/bridge/pkg/server"
)

var (
	// ErrExited is the close reason for windows closed by App.Exit.
	ErrExited = errors.New("bridge: application exited")

	// ErrShowTimeout is returned by Window.Show when no frontend connects
	// within Config.ShowTimeout.
	ErrShowTimeout = errors.New("bridge: timed out waiting for the window to connect")

	// ErrWindowClosed is returned by operations on a closed window.
	ErrWindowClosed = registry.ErrWindowClosed

	// ErrNoClient is returned when a window has no connected frontend.
	ErrNoClient = server.ErrNoClient
)

// =============================================================================
// App Type
// =============================================================================

// App owns the windows of a process and the server their frontends
// connect to.
//
// Create an App with bridge.New:
//
//	app, err := bridge.New(bridge.Config{RootFolder: "ui"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	w := app.NewWindow()
//	w.Bind("add", add)
//	if err := w.Show(ctx, "index.html"); err != nil {
//	    log.Fatal(err)
//	}
//	app.Wait(ctx)
type App struct {
	registry   *registry.Registry
	dispatcher *dispatch.Dispatcher
	server     *server.Server
	launcher   launcher.Launcher

	mu      sync.Mutex
	windows map[WindowID]*Window
	started bool

	config Config
	logger *slog.Logger
}

// New creates an application. The server is not started until the first
// Show or an explicit Start.
func New(cfg Config) (*App, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	root := cfg.Root
	if root == nil && cfg.RootFolder != "" {
		dir, err := content.Dir(cfg.RootFolder)
		if err != nil {
			return nil, err
		}
		root = dir
	}

	reg := registry.New(logger)

	var mws []dispatch.Middleware
	if cfg.Metrics != nil {
		m, err := middleware.NewCallMetrics(middleware.WithRegistry(cfg.Metrics))
		if err != nil {
			return nil, fmt.Errorf("bridge: register call metrics: %w", err)
		}
		mws = append(mws, m.Middleware())
	}
	if cfg.TracerProvider != nil {
		mws = append(mws, middleware.OpenTelemetry(middleware.WithTracerProvider(cfg.TracerProvider)))
	}
	mws = append(mws, cfg.Middleware...)

	callTimeout := cfg.CallTimeout
	if callTimeout <= 0 {
		callTimeout = server.DefaultConnConfig().CallTimeout
	}
	d := dispatch.New(reg,
		dispatch.WithLogger(logger),
		dispatch.WithCallTimeout(callTimeout),
		dispatch.WithMiddleware(mws...),
	)

	serverCfg := buildServerConfig(cfg, root, logger)
	if err := serverCfg.ValidateConfig(); err != nil {
		return nil, err
	}
	srv := server.New(reg, d, serverCfg)

	if cfg.Metrics != nil {
		if err := cfg.Metrics.Register(middleware.NewServerCollector(srv)); err != nil {
			return nil, fmt.Errorf("bridge: register server metrics: %w", err)
		}
		path := cfg.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		srv.Mount(path, promhttp.HandlerFor(cfg.Metrics, promhttp.HandlerOpts{}))
	}

	l := cfg.Launcher
	if l == nil {
		l = launcher.New(cfg.Browser.launcherOptions(), logger)
	}

	a := &App{
		registry:   reg,
		dispatcher: d,
		server:     srv,
		launcher:   l,
		windows:    make(map[WindowID]*Window),
		config:     cfg,
		logger:     logger.With("component", "app"),
	}
	reg.OnWindowClose(a.windowClosed)
	return a, nil
}

// =============================================================================
// Windows
// =============================================================================

// NewWindow creates a window. It has no frontend until Show.
func (a *App) NewWindow() *Window {
	w := newWindow(a, a.registry.CreateWindow())
	a.mu.Lock()
	a.windows[w.id] = w
	a.mu.Unlock()
	return w
}

// Window returns the open window with the given id.
func (a *App) Window(id WindowID) (*Window, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	w, ok := a.windows[id]
	return w, ok
}

// Windows returns the open windows.
func (a *App) Windows() []*Window {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*Window, 0, len(a.windows))
	for _, w := range a.windows {
		out = append(out, w)
	}
	return out
}

func (a *App) windowClosed(id registry.WindowID) {
	a.mu.Lock()
	w := a.windows[id]
	delete(a.windows, id)
	a.mu.Unlock()
	if w != nil {
		w.closed()
	}
}

// =============================================================================
// Lifecycle
// =============================================================================

// Start starts the server. It is safe to call more than once.
func (a *App) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return nil
	}
	if err := a.server.Start(); err != nil && !errors.Is(err, server.ErrAlreadyStarted) {
		return err
	}
	a.started = true
	return nil
}

// IsRunning reports whether the server is started and at least one window
// is open.
func (a *App) IsRunning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.started && len(a.windows) > 0
}

// Wait blocks until every window is closed or ctx is done.
func (a *App) Wait(ctx context.Context) error {
	return a.registry.Wait(ctx)
}

// Exit closes every window, which ends Wait. The server keeps running
// until Shutdown.
func (a *App) Exit() {
	a.logger.Info("exiting")
	a.registry.Close(ErrExited)
}

// Shutdown closes every window and stops the server.
func (a *App) Shutdown(ctx context.Context) error {
	return a.server.Shutdown(ctx)
}

// =============================================================================
// Accessors
// =============================================================================

// Handler returns the HTTP handler serving window pages and the WebSocket
// endpoint, for mounting on an existing server instead of calling Start.
func (a *App) Handler() http.Handler {
	return a.server.Handler()
}

// Server returns the underlying server.
func (a *App) Server() *server.Server {
	return a.server
}

// Registry returns the window registry.
func (a *App) Registry() *registry.Registry {
	return a.registry
}

// Dispatcher returns the call dispatcher.
func (a *App) Dispatcher() *dispatch.Dispatcher {
	return a.dispatcher
}

// Root returns the file system served under window URLs, or nil.
func (a *App) Root() fs.FS {
	return a.server.Config().RootFS
}

// Config returns the application configuration.
func (a *App) Config() Config {
	return a.config
}

// Logger returns the application logger.
func (a *App) Logger() *slog.Logger {
	return a.logger
}
