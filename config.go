package bridge

import (
	"io/fs"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"

	"github.com/vango-go/bridge/internal/launcher"
	"github.com/vango-go/bridge/pkg/dispatch"
	"github.com/vango-go/bridge/pkg/server"
)

// =============================================================================
// Configuration Types
// =============================================================================

// Config is the application configuration. The zero value serves on a free
// loopback port and opens windows in a Chrome app window.
type Config struct {
	// Address is host:port to bind. Overrides Port and Public.
	Address string

	// Port is the HTTP port. 0 picks a free port.
	Port int

	// Public binds all interfaces and accepts remote peers. By default
	// only loopback clients are served.
	Public bool

	// TCPAddress, when set, also accepts raw TCP frontends there.
	TCPAddress string

	// Token, when set, must be presented in every handshake.
	Token string

	// RootFolder serves a local directory under each window's URL.
	RootFolder string

	// Root serves an arbitrary file system (for example an S3 bucket from
	// internal/content) and takes precedence over RootFolder.
	Root fs.FS

	// TLSCertPEM and TLSKeyPEM enable HTTPS and WSS.
	TLSCertPEM []byte
	TLSKeyPEM  []byte

	// CloseOnDisconnect closes a window once its last client has been gone
	// for DisconnectGrace.
	CloseOnDisconnect bool
	DisconnectGrace   time.Duration

	// CallTimeout bounds bound-function handlers and Window.Script.
	// Default: 30s.
	CallTimeout time.Duration

	// Conn overrides per-connection limits and timeouts.
	Conn *server.ConnConfig

	// Browser selects how Show opens a window.
	Browser BrowserConfig

	// Launcher replaces the browser launcher built from Browser.
	Launcher launcher.Launcher

	// ShowTimeout makes Show wait until a frontend has connected.
	// Zero returns as soon as the browser is launched.
	ShowTimeout time.Duration

	// Metrics, when set, receives call and server metrics, which are then
	// served at MetricsPath. A registry serves one App; New fails if the
	// metrics are already registered.
	Metrics     *prometheus.Registry
	MetricsPath string

	// TracerProvider, when set, traces every bound-function call.
	TracerProvider trace.TracerProvider

	// Middleware wraps every bound function, after metrics and tracing.
	Middleware []dispatch.Middleware

	// Logger is the structured logger for the application.
	// If nil, slog.Default() is used.
	Logger *slog.Logger
}

// BrowserConfig configures the browser launcher.
type BrowserConfig struct {
	// Mode is "app" (default), "kiosk", "headless", "remote" or "none".
	Mode string

	// ExecPath is the browser binary. Empty lets the launcher search.
	ExecPath string

	// RemoteURL is the DevTools websocket URL for mode "remote".
	RemoteURL string

	Width, Height int
	X, Y          int

	// UserDataDir is the browser profile directory.
	UserDataDir string

	// Proxy is the proxy server the browser uses.
	Proxy string

	// Flags are extra browser switches.
	Flags []string
}

// launcherOptions converts the browser config.
func (b BrowserConfig) launcherOptions() launcher.Options {
	return launcher.Options{
		Mode:        b.Mode,
		ExecPath:    b.ExecPath,
		RemoteURL:   b.RemoteURL,
		Width:       b.Width,
		Height:      b.Height,
		X:           b.X,
		Y:           b.Y,
		UserDataDir: b.UserDataDir,
		Proxy:       b.Proxy,
		Flags:       b.Flags,
	}
}

// buildServerConfig converts the user-facing config to the server's.
func buildServerConfig(cfg Config, root fs.FS, logger *slog.Logger) *server.ServerConfig {
	sc := server.DefaultServerConfig()
	sc.Address = cfg.Address
	sc.Port = cfg.Port
	sc.Public = cfg.Public
	sc.TCPAddress = cfg.TCPAddress
	sc.Token = cfg.Token
	sc.RootFS = root
	sc.TLSCertPEM = cfg.TLSCertPEM
	sc.TLSKeyPEM = cfg.TLSKeyPEM
	sc.CloseOnDisconnect = cfg.CloseOnDisconnect
	if cfg.DisconnectGrace > 0 {
		sc.DisconnectGrace = cfg.DisconnectGrace
	}
	if cfg.Conn != nil {
		sc.ConnConfig = cfg.Conn.Clone()
	}
	if cfg.CallTimeout > 0 {
		sc.ConnConfig.CallTimeout = cfg.CallTimeout
	}
	sc.Logger = logger
	return sc
}
