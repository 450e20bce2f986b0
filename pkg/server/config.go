package server

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/vango-go/bridge/pkg/protocol"
)

// ConnConfig holds configuration for individual client connections.
type ConnConfig struct {
	// Timeouts

	// ReadTimeout is the maximum time to wait for a frame from a WebSocket
	// client. Heartbeat pongs extend it. Raw TCP connections rely on TCP
	// keep-alive instead.
	// Default: 60 seconds.
	ReadTimeout time.Duration

	// WriteTimeout is the maximum time to wait when sending a frame.
	// Default: 10 seconds.
	WriteTimeout time.Duration

	// HandshakeTimeout is the maximum time for the client hello to arrive.
	// Default: 10 seconds.
	HandshakeTimeout time.Duration

	// HeartbeatInterval is the time between WebSocket pings.
	// Default: 30 seconds.
	HeartbeatInterval time.Duration

	// CallTimeout bounds server→client calls whose context has no deadline.
	// Zero waits until the context or the connection ends.
	// Default: 30 seconds.
	CallTimeout time.Duration

	// CloseTimeout bounds how long Close waits for the connection worker to
	// answer queued calls before the transport is torn down.
	// Default: 5 seconds.
	CloseTimeout time.Duration

	// Limits

	// MaxPayload is the largest frame payload accepted from a client.
	// Default: protocol.DefaultMaxPayload (16MB).
	MaxPayload int

	// MaxQueue is the size of the per-connection inbox. Events arriving
	// while the inbox is full are dropped; calls wait.
	// Default: 256.
	MaxQueue int

	// RateLimit is the sustained number of inbound calls and events per
	// second a connection may send. Zero disables rate limiting.
	// Default: 0.
	RateLimit float64

	// RateBurst is the burst size for RateLimit.
	// Default: 50.
	RateBurst int
}

// DefaultConnConfig returns a ConnConfig with sensible defaults.
func DefaultConnConfig() *ConnConfig {
	return &ConnConfig{
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
		HandshakeTimeout:  10 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		CallTimeout:       30 * time.Second,
		CloseTimeout:      5 * time.Second,
		MaxPayload:        protocol.DefaultMaxPayload,
		MaxQueue:          256,
		RateBurst:         50,
	}
}

// Clone returns a copy of the ConnConfig.
func (c *ConnConfig) Clone() *ConnConfig {
	if c == nil {
		return nil
	}
	clone := *c
	return &clone
}

func (c *ConnConfig) fillDefaults() {
	d := DefaultConnConfig()
	if c.ReadTimeout == 0 {
		c.ReadTimeout = d.ReadTimeout
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
		// A defaulted heartbeat must still beat the read deadline.
		if c.HeartbeatInterval >= c.ReadTimeout {
			c.HeartbeatInterval = c.ReadTimeout / 2
		}
	}
	if c.CloseTimeout == 0 {
		c.CloseTimeout = d.CloseTimeout
	}
	if c.MaxPayload == 0 {
		c.MaxPayload = d.MaxPayload
	}
	if c.MaxQueue == 0 {
		c.MaxQueue = d.MaxQueue
	}
	if c.RateBurst == 0 {
		c.RateBurst = d.RateBurst
	}
}

// ServerConfig holds configuration for the HTTP/WebSocket server.
type ServerConfig struct {
	// Address is the address to listen on (e.g., "127.0.0.1:8080").
	// When empty, the address is derived from Public and Port.
	Address string

	// Public binds all interfaces instead of loopback and accepts
	// connections from other hosts.
	// Default: false.
	Public bool

	// Port is the port used when Address is empty. Zero picks a free port.
	Port int

	// TCPAddress, when set, also accepts raw TCP clients speaking the frame
	// protocol directly.
	TCPAddress string

	// WebSocket

	// WebSocketPath is the route WebSocket clients connect to.
	// Default: "/_bridge/ws".
	WebSocketPath string

	// ReadBufferSize is the WebSocket read buffer size.
	// Default: 4096.
	ReadBufferSize int

	// WriteBufferSize is the WebSocket write buffer size.
	// Default: 4096.
	WriteBufferSize int

	// CheckOrigin is called to validate the request origin.
	// Default: SameOriginCheck.
	CheckOrigin func(r *http.Request) bool

	// Connections

	// ConnConfig is the configuration for individual client connections.
	// Default: DefaultConnConfig().
	ConnConfig *ConnConfig

	// Token, when set, must be presented in every client hello.
	Token string

	// CloseOnDisconnect closes a window once its last client has been gone
	// for DisconnectGrace.
	CloseOnDisconnect bool

	// DisconnectGrace is how long a window without clients stays open when
	// CloseOnDisconnect is set. Page reloads reconnect within it.
	// Default: 2 seconds.
	DisconnectGrace time.Duration

	// Content

	// RootFS serves window files under /w/{windowID}/. May be nil.
	RootFS fs.FS

	// TLS

	// TLSCertPEM and TLSKeyPEM enable HTTPS/WSS when both are set.
	TLSCertPEM []byte
	TLSKeyPEM  []byte

	// Server lifecycle

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	// Default: 10 seconds.
	ShutdownTimeout time.Duration

	// ReadHeaderTimeout bounds reading HTTP request headers.
	// Default: 5 seconds.
	ReadHeaderTimeout time.Duration

	// Logger is the base logger. Default: slog.Default().
	Logger *slog.Logger
}

// DefaultServerConfig returns a ServerConfig with sensible defaults.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		WebSocketPath:     "/_bridge/ws",
		ReadBufferSize:    4096,
		WriteBufferSize:   4096,
		CheckOrigin:       SameOriginCheck,
		ConnConfig:        DefaultConnConfig(),
		DisconnectGrace:   2 * time.Second,
		ShutdownTimeout:   10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// SameOriginCheck validates that the WebSocket request origin matches the host.
func SameOriginCheck(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		// No Origin header (e.g., raw clients or curl)
		return true
	}

	originURL, err := url.Parse(origin)
	if err != nil {
		return false
	}

	host := r.Host
	if host == "" {
		return false
	}
	return originURL.Host == host
}

// Clone returns a copy of the ServerConfig.
func (c *ServerConfig) Clone() *ServerConfig {
	if c == nil {
		return nil
	}
	clone := *c
	if c.ConnConfig != nil {
		clone.ConnConfig = c.ConnConfig.Clone()
	}
	if c.TLSCertPEM != nil {
		clone.TLSCertPEM = append([]byte(nil), c.TLSCertPEM...)
	}
	if c.TLSKeyPEM != nil {
		clone.TLSKeyPEM = append([]byte(nil), c.TLSKeyPEM...)
	}
	return &clone
}

// WithAddress sets the server address and returns the config for chaining.
func (c *ServerConfig) WithAddress(addr string) *ServerConfig {
	c.Address = addr
	return c
}

// WithConnConfig sets the connection configuration and returns the config for chaining.
func (c *ServerConfig) WithConnConfig(cc *ConnConfig) *ServerConfig {
	c.ConnConfig = cc
	return c
}

// WithPublic sets public mode and returns the config for chaining.
func (c *ServerConfig) WithPublic(public bool) *ServerConfig {
	c.Public = public
	return c
}

// WithToken sets the handshake token and returns the config for chaining.
func (c *ServerConfig) WithToken(token string) *ServerConfig {
	c.Token = token
	return c
}

// WithTLS sets the PEM encoded certificate and key and returns the config for chaining.
func (c *ServerConfig) WithTLS(certPEM, keyPEM []byte) *ServerConfig {
	c.TLSCertPEM = certPEM
	c.TLSKeyPEM = keyPEM
	return c
}

// WithRootFS sets the content root and returns the config for chaining.
func (c *ServerConfig) WithRootFS(root fs.FS) *ServerConfig {
	c.RootFS = root
	return c
}

// ListenAddress returns the address the HTTP listener binds.
func (c *ServerConfig) ListenAddress() string {
	if c.Address != "" {
		return c.Address
	}
	host := "127.0.0.1"
	if c.Public {
		host = "0.0.0.0"
	}
	return net.JoinHostPort(host, strconv.Itoa(c.Port))
}

// TLSEnabled reports whether both TLS PEM blocks are configured.
func (c *ServerConfig) TLSEnabled() bool {
	return len(c.TLSCertPEM) > 0 && len(c.TLSKeyPEM) > 0
}

// ValidateConfig reports configuration errors.
func (c *ServerConfig) ValidateConfig() error {
	var errs []error
	if c.Port < 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("server: port %d out of range", c.Port))
	}
	if c.Address != "" {
		if _, _, err := net.SplitHostPort(c.Address); err != nil {
			errs = append(errs, fmt.Errorf("server: invalid address %q: %w", c.Address, err))
		}
	}
	if (len(c.TLSCertPEM) > 0) != (len(c.TLSKeyPEM) > 0) {
		errs = append(errs, errors.New("server: TLS requires both certificate and key"))
	}
	if cc := c.ConnConfig; cc != nil {
		if cc.MaxPayload < 0 {
			errs = append(errs, errors.New("server: MaxPayload must not be negative"))
		}
		if cc.RateLimit < 0 {
			errs = append(errs, errors.New("server: RateLimit must not be negative"))
		}
		if cc.ReadTimeout > 0 && cc.HeartbeatInterval >= cc.ReadTimeout {
			errs = append(errs, fmt.Errorf("server: HeartbeatInterval (%s) must be shorter than ReadTimeout (%s)",
				cc.HeartbeatInterval, cc.ReadTimeout))
		}
	}
	return errors.Join(errs...)
}

func (c *ServerConfig) fillDefaults() {
	defaults := DefaultServerConfig()
	if c.WebSocketPath == "" {
		c.WebSocketPath = defaults.WebSocketPath
	}
	if c.ReadBufferSize == 0 {
		c.ReadBufferSize = defaults.ReadBufferSize
	}
	if c.WriteBufferSize == 0 {
		c.WriteBufferSize = defaults.WriteBufferSize
	}
	if c.CheckOrigin == nil {
		c.CheckOrigin = defaults.CheckOrigin
	}
	if c.ConnConfig == nil {
		c.ConnConfig = defaults.ConnConfig
	} else {
		c.ConnConfig.fillDefaults()
	}
	if c.DisconnectGrace == 0 {
		c.DisconnectGrace = defaults.DisconnectGrace
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = defaults.ShutdownTimeout
	}
	if c.ReadHeaderTimeout == 0 {
		c.ReadHeaderTimeout = defaults.ReadHeaderTimeout
	}
}
