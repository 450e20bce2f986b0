package server

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	clientdist "github.com/vango-go/bridge/client/dist"
)

var thinClientHash = func() string {
	sum := sha256.Sum256(clientdist.BridgeJS)
	return fmt.Sprintf("%x", sum[:8])
}()

// clientBootstrap is prepended to the client script so it knows which
// window it belongs to.
type clientBootstrap struct {
	WindowID uint64 `json:"windowId"`
	Token    string `json:"token,omitempty"`
	WSPath   string `json:"wsPath"`
}

func (s *Server) serveThinClient(w http.ResponseWriter, r *http.Request) {
	id, ok := s.windowParam(r)
	if !ok {
		http.NotFound(w, r)
		return
	}
	if len(clientdist.BridgeJS) == 0 {
		http.Error(w, "Client script not available", http.StatusInternalServerError)
		return
	}

	boot, err := json.Marshal(clientBootstrap{
		WindowID: uint64(id),
		Token:    s.config.Token,
		WSPath:   s.config.WebSocketPath,
	})
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	// The ETag covers the script and the per-window bootstrap.
	etag := fmt.Sprintf("%q", fmt.Sprintf("%s-%d", thinClientHash, id))
	w.Header().Set("ETag", etag)
	w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Cache-Control", "no-cache")

	if etagMatches(r.Header.Get("If-None-Match"), etag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	fmt.Fprintf(w, "window.__BRIDGE__ = %s;\n", boot)
	_, _ = w.Write(clientdist.BridgeJS)
}

func etagMatches(ifNoneMatchHeader, etag string) bool {
	if ifNoneMatchHeader == "" || etag == "" {
		return false
	}
	// Handle lists: If-None-Match: "abc", W/"def"
	for _, part := range strings.Split(ifNoneMatchHeader, ",") {
		candidate := strings.TrimSpace(part)
		if candidate == etag {
			return true
		}
		if strings.HasPrefix(candidate, "W/") && strings.TrimPrefix(candidate, "W/") == etag {
			return true
		}
	}
	return false
}
