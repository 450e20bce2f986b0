package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/vango-go/bridge"
	"github.com/vango-go/bridge/internal/config"
	"github.com/vango-go/bridge/internal/content"
	bridgeerrors "github.com/vango-go/bridge/internal/errors"
	"github.com/vango-go/bridge/internal/launcher"
	"github.com/vango-go/bridge/internal/tracing"
	"github.com/vango-go/bridge/internal/watch"
	"github.com/vango-go/bridge/pkg/server"
)

const defaultShutdownTimeout = 10 * time.Second

// welcomePage is shown when no root folder is configured.
const welcomePage = `<!doctype html>
<html>
<head><meta charset="utf-8"><title>bridge</title></head>
<body>
<h1>bridge</h1>
<p>Backend version <span id="v">...</span></p>
<script>
bridge.call("version").then(v => { document.getElementById("v").textContent = v })
</script>
</body>
</html>`

type serveOptions struct {
	configPath string
	dir        string
	page       string
	port       int
	public     bool
	browser    string
	token      string
	watch      bool
}

func serveCmd() *cobra.Command {
	var opts serveOptions

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the frontend and open it in a browser window",
		Long: `Serve the configured root folder and open a window on it.

The command exits when the window is closed or on SIGINT/SIGTERM.

Examples:
  bridge serve
  bridge serve --dir=./ui --page=index.html
  bridge serve --browser=none --port=8080
  bridge serve --dir=./ui --watch`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, opts, cmd.ErrOrStderr())
		},
	}

	cmd.Flags().StringVarP(&opts.configPath, "config", "c", "", "Configuration file (default: bridge.json or bridge.yaml in the working directory)")
	cmd.Flags().StringVarP(&opts.dir, "dir", "d", "", "Root folder to serve (overrides content.dir)")
	cmd.Flags().StringVar(&opts.page, "page", "", "Page to open, relative to the root folder")
	cmd.Flags().IntVarP(&opts.port, "port", "p", 0, "Port to listen on (overrides server.port)")
	cmd.Flags().BoolVar(&opts.public, "public", false, "Accept connections from other hosts")
	cmd.Flags().StringVarP(&opts.browser, "browser", "b", "", "Browser mode: app, kiosk, headless, remote or none")
	cmd.Flags().StringVar(&opts.token, "token", "", "Handshake token clients must present")
	cmd.Flags().BoolVarP(&opts.watch, "watch", "w", false, "Reload the window when files in the root folder change")

	return cmd
}

// loadConfig reads the configuration file and applies flag overrides.
func loadConfig(opts serveOptions) (*config.Config, error) {
	var cfg *config.Config
	var err error
	switch {
	case opts.configPath != "":
		cfg, err = config.LoadFile(opts.configPath)
	case config.Exists("."):
		cfg, err = config.Load(".")
	default:
		cfg = config.New()
	}
	if err != nil {
		return nil, err
	}

	if opts.dir != "" {
		cfg.Content.Dir = opts.dir
		cfg.Content.S3 = config.S3Config{}
	}
	if opts.port != 0 {
		cfg.Server.Port = opts.port
	}
	if opts.public {
		cfg.Server.Public = true
	}
	if opts.browser != "" {
		cfg.Browser.Mode = opts.browser
	}
	if opts.token != "" {
		cfg.Server.Token = opts.token
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.watch && cfg.Content.Dir == "" {
		return nil, bridgeerrors.New("E106").WithDetail("--watch needs a local root folder (content.dir or --dir)")
	}
	return cfg, nil
}

// newLogger builds the slog logger described by cfg.
func newLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	level, err := config.ParseLevel(cfg.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	handlerOpts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, handlerOpts))
	}
	return slog.New(slog.NewTextHandler(w, handlerOpts))
}

// appConfig translates the file configuration into a bridge.Config.
func appConfig(ctx context.Context, cfg *config.Config, logger *slog.Logger) (bridge.Config, error) {
	s := cfg.Server
	out := bridge.Config{
		Address:           s.Address,
		Port:              s.Port,
		Public:            s.Public,
		TCPAddress:        s.TCPAddress,
		Token:             s.Token,
		CloseOnDisconnect: s.CloseOnDisconnect,
		DisconnectGrace:   s.DisconnectGrace.D(),
		CallTimeout:       s.CallTimeout.D(),
		Browser: bridge.BrowserConfig{
			Mode:        cfg.Browser.Mode,
			ExecPath:    cfg.Browser.Path,
			RemoteURL:   cfg.Browser.RemoteURL,
			Width:       cfg.Browser.Width,
			Height:      cfg.Browser.Height,
			X:           cfg.Browser.X,
			Y:           cfg.Browser.Y,
			UserDataDir: cfg.Resolve(cfg.Browser.UserDataDir),
			Proxy:       cfg.Browser.Proxy,
			Flags:       cfg.Browser.Flags,
		},
		Logger: logger,
	}

	cc := server.DefaultConnConfig()
	if d := s.ReadTimeout.D(); d > 0 {
		cc.ReadTimeout = d
		if cc.HeartbeatInterval >= d {
			cc.HeartbeatInterval = d / 2
		}
	}
	if d := s.HandshakeTimeout.D(); d > 0 {
		cc.HandshakeTimeout = d
	}
	if s.MaxPayload > 0 {
		cc.MaxPayload = s.MaxPayload
	}
	cc.RateLimit = s.RateLimit
	if s.RateBurst > 0 {
		cc.RateBurst = s.RateBurst
	}
	out.Conn = cc

	switch {
	case cfg.Content.S3.Bucket != "":
		s3 := cfg.Content.S3
		root, err := content.NewS3FromConfig(ctx, s3.Bucket, s3.Prefix, s3.Region)
		if err != nil {
			return out, bridgeerrors.FromError(err, "E106")
		}
		out.Root = root
	case cfg.Content.Dir != "":
		root, err := content.Dir(cfg.Resolve(cfg.Content.Dir))
		if err != nil {
			return out, bridgeerrors.New("E203").WithDetail(err.Error()).Wrap(err)
		}
		out.Root = root
	}

	if s.TLS.Cert != "" {
		cert, err := os.ReadFile(cfg.Resolve(s.TLS.Cert))
		if err != nil {
			return out, bridgeerrors.New("E202").WithDetail(err.Error()).Wrap(err)
		}
		key, err := os.ReadFile(cfg.Resolve(s.TLS.Key))
		if err != nil {
			return out, bridgeerrors.New("E202").WithDetail(err.Error()).Wrap(err)
		}
		out.TLSCertPEM, out.TLSKeyPEM = cert, key
	}

	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		out.Metrics = reg
		out.MetricsPath = cfg.Metrics.Path
	}
	return out, nil
}

// runServe serves until the window closes or ctx is done.
func runServe(ctx context.Context, opts serveOptions, logOut io.Writer) error {
	return serve(ctx, opts, logOut, nil)
}

func serve(ctx context.Context, opts serveOptions, logOut io.Writer, l launcher.Launcher) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Log, logOut)

	tp, shutdownTracing, err := tracing.Setup(ctx, tracing.Options{
		Exporter:    cfg.Tracing.Exporter,
		ServiceName: cfg.Tracing.ServiceName,
	})
	if err != nil {
		return bridgeerrors.FromError(err, "E109")
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("tracing shutdown failed", "error", err)
		}
	}()

	appCfg, err := appConfig(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if cfg.Tracing.Exporter != "none" {
		appCfg.TracerProvider = tp
	}
	appCfg.Launcher = l

	app, err := bridge.New(appCfg)
	if err != nil {
		return bridgeerrors.FromError(err, "E102")
	}
	shutdownTimeout := cfg.Server.ShutdownTimeout.D()
	if shutdownTimeout <= 0 {
		shutdownTimeout = defaultShutdownTimeout
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := app.Shutdown(sctx); err != nil {
			bridgeerrors.PrintError(bridgeerrors.FromError(err, "E204"))
		}
	}()

	w := app.NewWindow()
	if err := bindBuiltins(app, w); err != nil {
		return err
	}

	if err := app.Start(); err != nil {
		return bridgeerrors.New("E201").WithDetail(err.Error()).Wrap(err)
	}

	page := opts.page
	if page == "" && appCfg.Root == nil {
		page = welcomePage
	}
	if err := w.Show(ctx, page); err != nil {
		return bridgeerrors.FromError(err, "E302")
	}
	success("Serving %s", w.URL())
	if a := app.Server().TCPAddr(); a != nil {
		info("Raw TCP clients: %s (window %d)", a, w.ID())
	}

	if opts.watch {
		stopWatch := startWatch(ctx, app, cfg.Resolve(cfg.Content.Dir), logger)
		defer stopWatch()
	}

	if err := app.Wait(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	fmt.Println()
	info("Shutting down...")
	return nil
}

// bindBuiltins binds the functions every served page can call.
func bindBuiltins(app *bridge.App, w *bridge.Window) error {
	if err := w.Bind("version", func(ctx context.Context, call *bridge.Call) (any, error) {
		return bridge.Version, nil
	}, bridge.WithArity(0)); err != nil {
		return err
	}
	return w.Bind("exit", func(ctx context.Context, call *bridge.Call) (any, error) {
		go app.Exit()
		return nil, nil
	}, bridge.WithArity(0))
}

// startWatch reloads the app's windows when files under root change.
func startWatch(ctx context.Context, app *bridge.App, root string, logger *slog.Logger) func() {
	w := watch.New(watch.Config{Root: root})
	r := watch.NewReloader(func() []watch.Target {
		windows := app.Windows()
		out := make([]watch.Target, len(windows))
		for i, win := range windows {
			out[i] = win
		}
		return out
	}, logger)
	w.OnChange(r.Reload)
	go func() {
		if err := w.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("watcher stopped", "error", err)
		}
	}()
	info("Watching %s", root)
	return w.Stop
}
