package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/vango-go/bridge/pkg/dispatch"
	"github.com/vango-go/bridge/pkg/protocol"
	"github.com/vango-go/bridge/pkg/registry"
)

// Server accepts client connections for the windows in a registry and feeds
// their frames to a dispatcher.
type Server struct {
	config     *ServerConfig
	registry   *registry.Registry
	dispatcher *dispatch.Dispatcher
	metrics    *MetricsCollector

	router   chi.Router
	upgrader websocket.Upgrader

	mu     sync.Mutex
	conns  map[*Conn]struct{}
	pages  map[registry.WindowID]string
	icons  map[registry.WindowID]windowIcon
	graces map[registry.WindowID]*time.Timer

	httpServer   *http.Server
	httpListener net.Listener
	tcpListener  net.Listener
	started      bool
	closed       atomic.Bool
	serveErr     chan error

	logger *slog.Logger
}

// New creates a Server for the windows in reg. A nil dispatcher gets a
// default one over reg. A nil config uses DefaultServerConfig; unset fields
// of a non-nil config are filled with defaults.
func New(reg *registry.Registry, d *dispatch.Dispatcher, config *ServerConfig) *Server {
	if config == nil {
		config = DefaultServerConfig()
	} else {
		config.fillDefaults()
	}

	base := config.Logger
	if base == nil {
		base = slog.Default()
	}
	logger := base.With("component", "server")

	if err := config.ValidateConfig(); err != nil {
		logger.Error("config validation failed", "error", err)
	}
	if reg == nil {
		reg = registry.New(base)
	}
	if d == nil {
		d = dispatch.New(reg, dispatch.WithLogger(base))
	}

	s := &Server{
		config:     config,
		registry:   reg,
		dispatcher: d,
		metrics:    NewMetricsCollector(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		conns:    make(map[*Conn]struct{}),
		pages:    make(map[registry.WindowID]string),
		icons:    make(map[registry.WindowID]windowIcon),
		graces:   make(map[registry.WindowID]*time.Timer),
		serveErr: make(chan error, 2),
		logger:   logger,
	}
	s.router = s.routes()
	reg.OnWindowClose(s.windowClosed)
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(s.peerFilter)
	r.Get("/healthz", s.handleHealth)
	r.Get(s.config.WebSocketPath, s.HandleWebSocket)
	r.Get("/w/{windowID}/bridge.js", s.serveThinClient)
	r.Get("/w/{windowID}/", s.handleIndex)
	r.Get("/w/{windowID}/"+iconPath, s.handleIcon)
	r.Get("/w/{windowID}/*", s.handleFile)
	return r
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Handler returns the server's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Mount attaches h under pattern, e.g. "/metrics".
func (s *Server) Mount(pattern string, h http.Handler) {
	s.router.Handle(pattern, h)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.closed.Load() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// ═══════════════════════════════════════════════════════════════════════════
// Accepting connections
// ═══════════════════════════════════════════════════════════════════════════

// HandleWebSocket upgrades the request and runs the handshake. The
// connection keeps running after the handler returns.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.closed.Load() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	ws.SetReadLimit(int64(s.config.ConnConfig.MaxPayload) + protocol.HeaderSize)

	t := newWSTransport(ws, s.config.ConnConfig.ReadTimeout)
	if _, err := s.accept(t, s.config.ConnConfig.ReadTimeout); err != nil {
		s.logger.Debug("websocket client not accepted", "error", err)
	}
}

// ServeConn runs the protocol on an established stream connection and
// blocks until it closes. It returns the handshake error, if any.
func (s *Server) ServeConn(nc net.Conn) error {
	if !s.allowedPeer(nc.RemoteAddr().String()) {
		nc.Close()
		return ErrPeerNotAllowed
	}
	c, err := s.accept(newTCPTransport(nc), 0)
	if err != nil {
		return err
	}
	<-c.Done()
	return nil
}

// ServeTCP accepts raw TCP clients on l until l is closed.
func (s *Server) ServeTCP(l net.Listener) error {
	for {
		nc, err := l.Accept()
		if err != nil {
			if s.closed.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go func() {
			if err := s.ServeConn(nc); err != nil {
				s.logger.Debug("tcp client not accepted", "error", err)
			}
		}()
	}
}

// accept runs the handshake on t and starts the connection loops.
func (s *Server) accept(t transport, readTimeout time.Duration) (*Conn, error) {
	c := newConn(s, t, readTimeout)

	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		t.close()
		return nil, ErrServerClosed
	}
	s.conns[c] = struct{}{}
	s.mu.Unlock()

	if err := c.handshake(); err != nil {
		return nil, err
	}

	s.metrics.RecordConnectionOpened()
	s.cancelGrace(c.windowID)
	c.logger.Info("client connected")
	c.start()
	return c, nil
}

// forget drops c from the connection set.
func (s *Server) forget(c *Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

// connClosed runs once an active connection has fully closed.
func (s *Server) connClosed(c *Conn, reason error) {
	remaining := s.registry.Detach(c.windowID, c.id)
	s.forget(c)
	s.metrics.RecordConnectionClosed()

	c.logger.Info("client disconnected",
		"reason", reason,
		"duration", time.Since(c.connectedAt).Round(time.Millisecond))

	if !s.registry.HasWindow(c.windowID) {
		return
	}
	s.dispatcher.OnEvent(context.Background(), &registry.Event{
		WindowID: c.windowID,
		ClientID: c.id,
		Type:     protocol.EventDisconnected,
	})
	if remaining == 0 && s.config.CloseOnDisconnect && !s.closed.Load() {
		s.scheduleClose(c.windowID)
	}
}

func (s *Server) scheduleClose(id registry.WindowID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t := s.graces[id]; t != nil {
		t.Stop()
	}
	s.graces[id] = time.AfterFunc(s.config.DisconnectGrace, func() {
		s.mu.Lock()
		delete(s.graces, id)
		s.mu.Unlock()

		clients, err := s.registry.Clients(id)
		if err != nil || len(clients) > 0 {
			return
		}
		s.logger.Info("closing window without clients", "window_id", id)
		_ = s.registry.CloseWindow(id, ErrClientsGone)
	})
}

func (s *Server) cancelGrace(id registry.WindowID) {
	s.mu.Lock()
	if t := s.graces[id]; t != nil {
		t.Stop()
		delete(s.graces, id)
	}
	s.mu.Unlock()
}

func (s *Server) windowClosed(id registry.WindowID) {
	s.cancelGrace(id)
	s.mu.Lock()
	delete(s.pages, id)
	delete(s.icons, id)
	s.mu.Unlock()
}

// ═══════════════════════════════════════════════════════════════════════════
// Window operations
// ═══════════════════════════════════════════════════════════════════════════

// Conns returns the active connections attached to the window.
func (s *Server) Conns(id registry.WindowID) []*Conn {
	clients, err := s.registry.Clients(id)
	if err != nil {
		return nil
	}
	out := make([]*Conn, 0, len(clients))
	for _, cl := range clients {
		if c, ok := cl.(*Conn); ok && c.State() == StateActive {
			out = append(out, c)
		}
	}
	return out
}

// firstConn returns the window's oldest active connection.
func (s *Server) firstConn(id registry.WindowID) (*Conn, error) {
	if !s.registry.HasWindow(id) {
		return nil, fmt.Errorf("%w: %d", registry.ErrWindowNotFound, id)
	}
	conns := s.Conns(id)
	if len(conns) == 0 {
		return nil, ErrNoClient
	}
	return conns[0], nil
}

// Call invokes a function registered in the window's page on its first
// active client and waits for the result.
func (s *Server) Call(ctx context.Context, id registry.WindowID, name string, args ...any) (protocol.Value, error) {
	c, err := s.firstConn(id)
	if err != nil {
		return protocol.Value{}, err
	}
	return c.Call(ctx, name, args...)
}

// Script evaluates js in the window's first active client and returns the
// result.
func (s *Server) Script(ctx context.Context, id registry.WindowID, js string) (protocol.Value, error) {
	return s.Call(ctx, id, ScriptFunction, js)
}

// Run evaluates js in every client of the window without waiting for a result.
func (s *Server) Run(id registry.WindowID, js string) error {
	return s.broadcast(id, &protocol.EventPayload{
		Type: protocol.EventScript,
		Data: protocol.StringValue(js),
	})
}

// SendRaw passes data to the JavaScript function fn in every client of the window.
func (s *Server) SendRaw(id registry.WindowID, fn string, data []byte) error {
	return s.broadcast(id, &protocol.EventPayload{
		Type:    protocol.EventRaw,
		Element: fn,
		Data:    protocol.BlobValue(data),
	})
}

// Navigate points every client of the window at url.
func (s *Server) Navigate(id registry.WindowID, url string) error {
	return s.broadcast(id, &protocol.EventPayload{
		Type: protocol.EventNavigation,
		Data: protocol.StringValue(url),
	})
}

func (s *Server) broadcast(id registry.WindowID, ev *protocol.EventPayload) error {
	if !s.registry.HasWindow(id) {
		return fmt.Errorf("%w: %d", registry.ErrWindowNotFound, id)
	}
	conns := s.Conns(id)
	if len(conns) == 0 {
		return ErrNoClient
	}
	var errs []error
	for _, c := range conns {
		if err := c.SendEvent(ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// CloseWindow closes the window and all of its client connections.
func (s *Server) CloseWindow(id registry.WindowID) error {
	return s.registry.CloseWindow(id, registry.ErrWindowClosed)
}

// ═══════════════════════════════════════════════════════════════════════════
// Lifecycle
// ═══════════════════════════════════════════════════════════════════════════

// Start binds the HTTP listener (and the TCP listener when configured) and
// serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return ErrServerClosed
	}
	if s.started {
		return ErrAlreadyStarted
	}
	if err := s.config.ValidateConfig(); err != nil {
		return err
	}

	ln, err := net.Listen("tcp", s.config.ListenAddress())
	if err != nil {
		return fmt.Errorf("server: listen: %w", err)
	}
	if s.config.TLSEnabled() {
		cert, err := tls.X509KeyPair(s.config.TLSCertPEM, s.config.TLSKeyPEM)
		if err != nil {
			ln.Close()
			return fmt.Errorf("server: tls: %w", err)
		}
		ln = tls.NewListener(ln, &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		})
	}

	var tcpLn net.Listener
	if s.config.TCPAddress != "" {
		tcpLn, err = net.Listen("tcp", s.config.TCPAddress)
		if err != nil {
			ln.Close()
			return fmt.Errorf("server: tcp listen: %w", err)
		}
	}

	s.httpListener = ln
	s.tcpListener = tcpLn
	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: s.config.ReadHeaderTimeout,
		ErrorLog:          slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn),
	}
	s.started = true

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server stopped", "error", err)
			s.serveErr <- err
		}
	}()
	if tcpLn != nil {
		go func() {
			if err := s.ServeTCP(tcpLn); err != nil {
				s.logger.Error("tcp listener stopped", "error", err)
				s.serveErr <- err
			}
		}()
		s.logger.Info("tcp listener started", "address", tcpLn.Addr().String())
	}

	s.logger.Info("server started", "address", ln.Addr().String(), "tls", s.config.TLSEnabled())
	return nil
}

// Addr returns the bound HTTP address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpListener == nil {
		return nil
	}
	return s.httpListener.Addr()
}

// TCPAddr returns the bound raw TCP address, or nil when not listening.
func (s *Server) TCPAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tcpListener == nil {
		return nil
	}
	return s.tcpListener.Addr()
}

// URL returns the page URL for a window. It is empty before Start.
func (s *Server) URL(id registry.WindowID) string {
	addr := s.Addr()
	if addr == nil {
		return ""
	}
	host, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return ""
	}
	if ip := net.ParseIP(host); ip == nil || ip.IsUnspecified() {
		host = "localhost"
	}
	scheme := "http"
	if s.config.TLSEnabled() {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s/w/%d/", scheme, net.JoinHostPort(host, port), id)
}

// ListenAndServe starts the server and blocks until SIGINT/SIGTERM or a
// listener failure, then shuts down.
func (s *Server) ListenAndServe() error {
	if err := s.Start(); err != nil {
		return err
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(shutdown)

	select {
	case err := <-s.serveErr:
		_ = s.Shutdown(context.Background())
		return err
	case <-shutdown:
		s.logger.Info("shutting down...")
		return s.Shutdown(context.Background())
	}
}

// Shutdown closes every window, waits for connections to finish and stops
// the listeners.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.closed.Swap(true) {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()

	s.registry.Close(ErrServerClosed)

	s.mu.Lock()
	conns := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	for id, t := range s.graces {
		t.Stop()
		delete(s.graces, id)
	}
	httpServer, tcpLn := s.httpServer, s.tcpListener
	s.mu.Unlock()

	for _, c := range conns {
		c.Close(ErrServerClosed)
	}
	var errs []error
	for _, c := range conns {
		select {
		case <-c.Done():
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("server: waiting for connections: %w", ctx.Err()))
		}
		if ctx.Err() != nil {
			break
		}
	}

	if tcpLn != nil {
		_ = tcpLn.Close()
	}
	if httpServer != nil {
		if err := httpServer.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			errs = append(errs, err)
		}
	}

	s.logger.Info("server shutdown complete")
	return errors.Join(errs...)
}

// Registry returns the window registry.
func (s *Server) Registry() *registry.Registry {
	return s.registry
}

// Dispatcher returns the dispatcher frames are fed to.
func (s *Server) Dispatcher() *dispatch.Dispatcher {
	return s.dispatcher
}

// Config returns the server configuration.
func (s *Server) Config() *ServerConfig {
	return s.config
}

// Logger returns the server logger.
func (s *Server) Logger() *slog.Logger {
	return s.logger
}
