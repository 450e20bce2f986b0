// Package watch polls a root folder and reloads the windows serving it when
// files change.
package watch

import (
	"context"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// ChangeType classifies a changed file.
type ChangeType int

const (
	// ChangePage is any change that needs a full page reload.
	ChangePage ChangeType = iota

	// ChangeStyle is a stylesheet change. Pages re-fetch their stylesheets.
	ChangeStyle
)

func (t ChangeType) String() string {
	if t == ChangeStyle {
		return "style"
	}
	return "page"
}

// Change is a detected file change. Path is relative to the root.
type Change struct {
	Path string
	Type ChangeType
}

// Config configures a Watcher.
type Config struct {
	// Root is the directory to watch.
	Root string

	// Ignore are names or globs to skip. Default: DefaultIgnore.
	Ignore []string

	// Interval is the polling interval. Default: 200ms.
	Interval time.Duration
}

// DefaultIgnore contains default patterns to ignore.
var DefaultIgnore = []string{
	".git",
	"node_modules",
	"*.tmp",
	"*.swp",
	"*~",
	".DS_Store",
}

// Watcher polls a directory tree for modified, added and removed files.
type Watcher struct {
	config   Config
	onChange func(Change)

	mu         sync.Mutex
	running    bool
	stopCh     chan struct{}
	timestamps map[string]time.Time
}

// New creates a watcher for config.Root.
func New(config Config) *Watcher {
	if config.Interval == 0 {
		config.Interval = 200 * time.Millisecond
	}
	if len(config.Ignore) == 0 {
		config.Ignore = DefaultIgnore
	}
	return &Watcher{
		config:     config,
		timestamps: make(map[string]time.Time),
	}
}

// OnChange sets the callback for file changes.
func (w *Watcher) OnChange(fn func(Change)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onChange = fn
}

// Start polls until ctx is done or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.stopCh = make(chan struct{})
	stopCh := w.stopCh
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
	}()

	w.mu.Lock()
	w.timestamps = w.scan()
	w.mu.Unlock()

	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stopCh:
			return nil
		case <-ticker.C:
			w.check()
		}
	}
}

// Stop stops the watcher.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		close(w.stopCh)
		w.running = false
	}
}

// IsRunning returns whether the watcher is running.
func (w *Watcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// scan returns the modification time of every watched file.
func (w *Watcher) scan() map[string]time.Time {
	out := make(map[string]time.Time)
	_ = filepath.WalkDir(w.config.Root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		rel, relErr := filepath.Rel(w.config.Root, p)
		if relErr != nil || rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if w.shouldIgnore(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		out[rel] = info.ModTime()
		return nil
	})
	return out
}

// check compares a fresh scan with the last one and reports the first
// change of each type.
func (w *Watcher) check() {
	current := w.scan()

	w.mu.Lock()
	callback := w.onChange
	var changes []Change
	for p, mod := range current {
		if last, ok := w.timestamps[p]; !ok || !mod.Equal(last) {
			changes = append(changes, Change{Path: p, Type: classify(p)})
		}
	}
	for p := range w.timestamps {
		if _, ok := current[p]; !ok {
			changes = append(changes, Change{Path: p, Type: classify(p)})
		}
	}
	w.timestamps = current
	w.mu.Unlock()

	if callback == nil {
		return
	}
	reported := make(map[ChangeType]bool)
	for _, c := range changes {
		if !reported[c.Type] {
			reported[c.Type] = true
			callback(c)
		}
	}
}

// shouldIgnore matches rel (slash-separated) against the ignore patterns.
func (w *Watcher) shouldIgnore(rel string) bool {
	name := path.Base(rel)
	for _, pattern := range w.config.Ignore {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		if name == pattern {
			return true
		}
		if strings.ContainsAny(pattern, "*?[") {
			target := name
			if strings.Contains(pattern, "/") {
				target = rel
			}
			if matched, _ := path.Match(pattern, target); matched {
				return true
			}
			continue
		}
		if hasSegment(rel, pattern) {
			return true
		}
	}
	return false
}

func hasSegment(rel, segment string) bool {
	for _, part := range strings.Split(rel, "/") {
		if part == segment {
			return true
		}
	}
	return false
}

func classify(p string) ChangeType {
	switch strings.ToLower(path.Ext(p)) {
	case ".css", ".scss", ".sass", ".less":
		return ChangeStyle
	default:
		return ChangePage
	}
}

// Exists reports whether root is a directory that can be watched.
func Exists(root string) bool {
	info, err := os.Stat(root)
	return err == nil && info.IsDir()
}
