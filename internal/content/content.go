// Package content provides the file systems a window's root folder can be
// served from: a local directory or an S3 bucket prefix.
package content

import (
	"fmt"
	"io/fs"
	"mime"
	"os"
	"path"
	"strings"
)

// Dir returns the directory at dir as an fs.FS. The directory must exist.
func Dir(dir string) (fs.FS, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("content: root folder: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("content: root folder %q is not a directory", dir)
	}
	return os.DirFS(dir), nil
}

// Types the platform mime table often lacks or gets wrong.
var knownTypes = map[string]string{
	".html":  "text/html; charset=utf-8",
	".htm":   "text/html; charset=utf-8",
	".css":   "text/css; charset=utf-8",
	".js":    "text/javascript; charset=utf-8",
	".mjs":   "text/javascript; charset=utf-8",
	".json":  "application/json",
	".map":   "application/json",
	".svg":   "image/svg+xml",
	".wasm":  "application/wasm",
	".woff":  "font/woff",
	".woff2": "font/woff2",
	".ico":   "image/x-icon",
	".txt":   "text/plain; charset=utf-8",
}

// MimeType returns the Content-Type for a file name, falling back to
// application/octet-stream.
func MimeType(name string) string {
	ext := strings.ToLower(path.Ext(name))
	if ext == "" {
		return "application/octet-stream"
	}
	if t, ok := knownTypes[ext]; ok {
		return t
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return "application/octet-stream"
}
