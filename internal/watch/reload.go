package watch

import (
	"errors"
	"log/slog"

	"github.com/vango-go/bridge/pkg/server"
)

// reloadStylesScript re-fetches every stylesheet of a page.
const reloadStylesScript = `document.querySelectorAll('link[rel="stylesheet"]').forEach(function (link) {
  var url = new URL(link.href);
  url.searchParams.set('_reload', Date.now());
  link.href = url.toString();
});`

const reloadPageScript = `location.reload()`

// Target runs JavaScript in a window. *bridge.Window implements it.
type Target interface {
	Run(js string) error
}

// Reloader pushes reloads to windows.
type Reloader struct {
	targets func() []Target
	logger  *slog.Logger
}

// NewReloader returns a reloader over the windows targets returns at the
// time of each change.
func NewReloader(targets func() []Target, logger *slog.Logger) *Reloader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reloader{targets: targets, logger: logger.With("component", "reload")}
}

// Script returns the JavaScript that applies c.
func Script(c Change) string {
	if c.Type == ChangeStyle {
		return reloadStylesScript
	}
	return reloadPageScript
}

// Reload applies c to every target. Windows without a frontend are
// skipped; they load the new files when they connect.
func (r *Reloader) Reload(c Change) {
	js := Script(c)
	n := 0
	for _, t := range r.targets() {
		if err := t.Run(js); err != nil {
			if !errors.Is(err, server.ErrNoClient) {
				r.logger.Warn("reload failed", "path", c.Path, "error", err)
			}
			continue
		}
		n++
	}
	r.logger.Info("reloaded", "path", c.Path, "type", c.Type.String(), "windows", n)
}
