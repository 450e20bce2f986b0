package server

import (
	"bytes"
	"io"
	"io/fs"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/vango-go/bridge/internal/content"
	"github.com/vango-go/bridge/pkg/registry"
)

// SetPage sets the inline HTML served at the window's root. It replaces any
// previous page and takes precedence over RootFS's index.html.
func (s *Server) SetPage(id registry.WindowID, html string) {
	s.mu.Lock()
	s.pages[id] = html
	s.mu.Unlock()
}

// ClearPage removes the window's inline HTML.
func (s *Server) ClearPage(id registry.WindowID) {
	s.mu.Lock()
	delete(s.pages, id)
	s.mu.Unlock()
}

// iconPath is the window-relative URL of the icon set with SetIcon.
const iconPath = "favicon"

type windowIcon struct {
	data        []byte
	contentType string
}

// SetIcon sets the icon served for the window's pages. An empty contentType
// is sniffed from data. Nil data removes the icon.
func (s *Server) SetIcon(id registry.WindowID, data []byte, contentType string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if data == nil {
		delete(s.icons, id)
		return
	}
	if contentType == "" {
		contentType = sniffIcon(data)
	}
	s.icons[id] = windowIcon{data: bytes.Clone(data), contentType: contentType}
}

func (s *Server) icon(id registry.WindowID) (windowIcon, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	icon, ok := s.icons[id]
	return icon, ok
}

func sniffIcon(data []byte) string {
	head := bytes.TrimSpace(data)
	if bytes.HasPrefix(head, []byte("<svg")) || bytes.HasPrefix(head, []byte("<?xml")) {
		return "image/svg+xml"
	}
	return http.DetectContentType(data)
}

func (s *Server) handleIcon(w http.ResponseWriter, r *http.Request) {
	id, ok := s.windowParam(r)
	if !ok {
		http.NotFound(w, r)
		return
	}
	icon, ok := s.icon(id)
	if !ok {
		s.serveRootFile(w, r, iconPath)
		return
	}
	w.Header().Set("Content-Type", icon.contentType)
	w.Header().Set("Cache-Control", "no-cache")
	http.ServeContent(w, r, iconPath, time.Time{}, bytes.NewReader(icon.data))
}

func (s *Server) page(id registry.WindowID) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	html, ok := s.pages[id]
	return html, ok
}

// windowParam resolves {windowID} to an open window.
func (s *Server) windowParam(r *http.Request) (registry.WindowID, bool) {
	id, err := registry.ParseWindowID(chi.URLParam(r, "windowID"))
	if err != nil || !s.registry.HasWindow(id) {
		return 0, false
	}
	return id, true
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	id, ok := s.windowParam(r)
	if !ok {
		http.NotFound(w, r)
		return
	}

	html, ok := s.page(id)
	if !ok {
		if s.config.RootFS == nil {
			http.NotFound(w, r)
			return
		}
		data, err := fs.ReadFile(s.config.RootFS, "index.html")
		if err != nil {
			http.NotFound(w, r)
			return
		}
		html = string(data)
	}

	if _, ok := s.icon(id); ok {
		html = injectIconLink(html)
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = io.WriteString(w, injectClientScript(html))
}

func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.windowParam(r); !ok || s.config.RootFS == nil {
		http.NotFound(w, r)
		return
	}
	rel, ok := contentRelPath(chi.URLParam(r, "*"))
	if !ok {
		http.NotFound(w, r)
		return
	}
	if rel == "index.html" {
		// Served through handleIndex so the client script is injected.
		s.handleIndex(w, r)
		return
	}
	s.serveRootFile(w, r, rel)
}

func (s *Server) serveRootFile(w http.ResponseWriter, r *http.Request, rel string) {
	if s.config.RootFS == nil {
		http.NotFound(w, r)
		return
	}
	f, err := s.config.RootFS.Open(rel)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || info.IsDir() {
		http.NotFound(w, r)
		return
	}

	rs, ok := f.(io.ReadSeeker)
	if !ok {
		data, err := io.ReadAll(f)
		if err != nil {
			http.Error(w, "read failed", http.StatusInternalServerError)
			return
		}
		rs = bytes.NewReader(data)
	}

	w.Header().Set("Content-Type", content.MimeType(rel))
	w.Header().Set("Cache-Control", "no-cache")
	http.ServeContent(w, r, rel, modTime(info), rs)
}

func modTime(info fs.FileInfo) time.Time {
	if info == nil {
		return time.Time{}
	}
	return info.ModTime()
}

// contentRelPath returns a sanitized fs.FS path for a request path. It
// rejects traversal and absolute-path tricks.
func contentRelPath(rel string) (string, bool) {
	if rel == "" {
		return "", false
	}
	if strings.IndexByte(rel, 0) != -1 || strings.Contains(rel, "\\") || strings.HasPrefix(rel, "/") {
		return "", false
	}
	for _, seg := range strings.Split(rel, "/") {
		if seg == "." || seg == ".." {
			return "", false
		}
	}
	clean := path.Clean(rel)
	if !fs.ValidPath(clean) || clean == "." {
		return "", false
	}
	return clean, true
}

const clientScriptTag = `<script src="bridge.js"></script>`

// injectClientScript adds the bridge client to html unless the page already
// loads it.
func injectClientScript(html string) string {
	if strings.Contains(html, "bridge.js") {
		return html
	}
	lower := strings.ToLower(html)
	if i := strings.Index(lower, "</head>"); i != -1 {
		return html[:i] + clientScriptTag + html[i:]
	}
	if i := strings.Index(lower, "<body"); i != -1 {
		return html[:i] + clientScriptTag + html[i:]
	}
	return clientScriptTag + html
}

const iconLinkTag = `<link rel="icon" href="` + iconPath + `">`

// injectIconLink points html at the window icon unless it declares one.
func injectIconLink(html string) string {
	lower := strings.ToLower(html)
	if strings.Contains(lower, `rel="icon"`) || strings.Contains(lower, `rel="shortcut icon"`) {
		return html
	}
	if i := strings.Index(lower, "</head>"); i != -1 {
		return html[:i] + iconLinkTag + html[i:]
	}
	return iconLinkTag + html
}
