// Package launcher opens a window's URL in a browser.
//
// ChromeLauncher drives Chrome or Chromium through chromedp, either by
// starting a local process (app, kiosk or headless mode) or by attaching to
// a running browser's DevTools endpoint. NoBrowser only logs the URL, for
// frontends that connect on their own.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/chromedp"

	bridgeerrors "github.com/vango-go/bridge/internal/errors"
)

// Modes.
const (
	ModeApp      = "app"
	ModeKiosk    = "kiosk"
	ModeHeadless = "headless"
	ModeRemote   = "remote"
	ModeNone     = "none"
)

// Launcher opens url and returns the running browser.
type Launcher interface {
	Launch(ctx context.Context, url string) (Process, error)
}

// Process is a launched browser.
type Process interface {
	// Done is closed when the browser exits or is closed.
	Done() <-chan struct{}

	// Close shuts the browser down.
	Close() error
}

// Func adapts a function to Launcher.
type Func func(ctx context.Context, url string) (Process, error)

// Launch implements Launcher.
func (f Func) Launch(ctx context.Context, url string) (Process, error) {
	return f(ctx, url)
}

// Options configure ChromeLauncher.
type Options struct {
	// Mode is one of the Mode constants. Default: ModeApp.
	Mode string

	// ExecPath is the browser binary. Empty lets chromedp search.
	ExecPath string

	// RemoteURL is the DevTools websocket URL used in ModeRemote.
	RemoteURL string

	// Window geometry. Zero values leave the browser's default.
	Width, Height int
	X, Y          int

	// UserDataDir is the browser profile directory. Empty uses a
	// temporary profile.
	UserDataDir string

	// Proxy is passed as --proxy-server.
	Proxy string

	// Flags are extra command-line switches, e.g. "--disable-gpu" or
	// "--lang=en".
	Flags []string

	// StartTimeout bounds browser start-up. Default: 30s.
	StartTimeout time.Duration
}

// New returns the launcher for opts.Mode.
func New(opts Options, logger *slog.Logger) Launcher {
	if opts.Mode == ModeNone {
		return NewNoBrowser(logger)
	}
	return NewChromeLauncher(opts, logger)
}

// ChromeLauncher launches Chrome or Chromium through chromedp.
type ChromeLauncher struct {
	opts   Options
	logger *slog.Logger
}

// NewChromeLauncher returns a launcher using opts.
func NewChromeLauncher(opts Options, logger *slog.Logger) *ChromeLauncher {
	if opts.Mode == "" {
		opts.Mode = ModeApp
	}
	if opts.StartTimeout <= 0 {
		opts.StartTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ChromeLauncher{opts: opts, logger: logger.With("component", "launcher")}
}

// Flags returns the command-line switches for opening url, without the
// leading dashes.
func (l *ChromeLauncher) Flags(url string) map[string]any {
	o := l.opts
	flags := map[string]any{
		"headless":                 false,
		"hide-scrollbars":          false,
		"mute-audio":               false,
		"no-first-run":             true,
		"no-default-browser-check": true,
	}
	switch o.Mode {
	case ModeKiosk:
		flags["kiosk"] = true
		flags["app"] = url
	case ModeHeadless:
		flags["headless"] = true
	default:
		flags["app"] = url
	}
	if o.Width > 0 && o.Height > 0 {
		flags["window-size"] = fmt.Sprintf("%d,%d", o.Width, o.Height)
	}
	if o.X != 0 || o.Y != 0 {
		flags["window-position"] = fmt.Sprintf("%d,%d", o.X, o.Y)
	}
	if o.Proxy != "" {
		flags["proxy-server"] = o.Proxy
	}
	if o.UserDataDir != "" {
		flags["user-data-dir"] = o.UserDataDir
	}
	for _, f := range o.Flags {
		name, value, hasValue := strings.Cut(strings.TrimLeft(f, "-"), "=")
		if name == "" {
			continue
		}
		if hasValue {
			flags[name] = value
		} else {
			flags[name] = true
		}
	}
	return flags
}

// allocatorOptions converts Flags to chromedp options on top of the
// chromedp defaults.
func (l *ChromeLauncher) allocatorOptions(url string) []chromedp.ExecAllocatorOption {
	opts := make([]chromedp.ExecAllocatorOption, len(chromedp.DefaultExecAllocatorOptions))
	copy(opts, chromedp.DefaultExecAllocatorOptions[:])
	if l.opts.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(l.opts.ExecPath))
	}
	for name, value := range l.Flags(url) {
		opts = append(opts, chromedp.Flag(name, value))
	}
	return opts
}

// Launch starts the browser and opens url.
func (l *ChromeLauncher) Launch(ctx context.Context, url string) (Process, error) {
	var (
		allocCtx    context.Context
		allocCancel context.CancelFunc
		actions     []chromedp.Action
	)
	if l.opts.Mode == ModeRemote {
		if l.opts.RemoteURL == "" {
			return nil, bridgeerrors.New("E303").WithDetail("no remote URL configured")
		}
		allocCtx, allocCancel = chromedp.NewRemoteAllocator(context.WithoutCancel(ctx), l.opts.RemoteURL)
		actions = append(actions, chromedp.Navigate(url))
		l.logger.Info("connecting to remote browser", "remote", l.opts.RemoteURL)
	} else {
		allocCtx, allocCancel = chromedp.NewExecAllocator(context.WithoutCancel(ctx), l.allocatorOptions(url)...)
		if l.opts.Mode == ModeHeadless {
			actions = append(actions, chromedp.Navigate(url))
		}
		l.logger.Info("launching browser", "mode", l.opts.Mode, "url", url)
	}

	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	// chromedp binds the browser to the context of the first Run, so the
	// start timeout is enforced with a select rather than a derived context.
	started := make(chan error, 1)
	go func() { started <- chromedp.Run(browserCtx, actions...) }()

	var err error
	select {
	case err = <-started:
	case <-time.After(l.opts.StartTimeout):
		err = fmt.Errorf("timed out after %s", l.opts.StartTimeout)
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		browserCancel()
		allocCancel()
		return nil, launchError(l.opts.Mode, err)
	}

	p := &chromeProcess{
		cancel: func() {
			browserCancel()
			allocCancel()
		},
		done: make(chan struct{}),
	}
	go func() {
		<-browserCtx.Done()
		p.closeOnce.Do(func() { close(p.done) })
	}()
	l.logger.Info("browser started")
	return p, nil
}

func launchError(mode string, err error) error {
	switch {
	case mode == ModeRemote:
		return bridgeerrors.New("E303").WithDetail(err.Error()).Wrap(err)
	case errors.Is(err, exec.ErrNotFound):
		return bridgeerrors.New("E301").WithDetail(err.Error()).Wrap(err)
	default:
		return bridgeerrors.New("E302").WithDetail(err.Error()).Wrap(err)
	}
}

type chromeProcess struct {
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

func (p *chromeProcess) Done() <-chan struct{} { return p.done }

func (p *chromeProcess) Close() error {
	p.cancel()
	select {
	case <-p.done:
	case <-time.After(5 * time.Second):
		return errors.New("launcher: browser did not exit")
	}
	return nil
}

// NoBrowser logs the URL instead of opening a browser.
type NoBrowser struct {
	logger *slog.Logger
}

// NewNoBrowser returns a launcher that only logs.
func NewNoBrowser(logger *slog.Logger) *NoBrowser {
	if logger == nil {
		logger = slog.Default()
	}
	return &NoBrowser{logger: logger.With("component", "launcher")}
}

// Launch implements Launcher.
func (n *NoBrowser) Launch(ctx context.Context, url string) (Process, error) {
	n.logger.Info("window ready, open it in a browser", "url", url)
	return NewIdleProcess(), nil
}

// IdleProcess is a Process with nothing behind it. Done closes on Close.
type IdleProcess struct {
	done chan struct{}
	once sync.Once
}

// NewIdleProcess returns an open IdleProcess.
func NewIdleProcess() *IdleProcess {
	return &IdleProcess{done: make(chan struct{})}
}

func (p *IdleProcess) Done() <-chan struct{} { return p.done }

func (p *IdleProcess) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}

// ParseMode validates a mode name.
func ParseMode(s string) (string, error) {
	switch s {
	case "":
		return ModeApp, nil
	case ModeApp, ModeKiosk, ModeHeadless, ModeRemote, ModeNone:
		return s, nil
	}
	return "", fmt.Errorf("launcher: unknown mode %q", s)
}

