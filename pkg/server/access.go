package server

import (
	"net"
	"net/http"
	"strings"
)

// peerFilter rejects requests from other hosts unless the server is public.
func (s *Server) peerFilter(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.allowedPeer(r.RemoteAddr) {
			s.logger.Warn("rejected remote peer", "remote", r.RemoteAddr, "path", r.URL.Path)
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// allowedPeer reports whether a client at addr may connect.
func (s *Server) allowedPeer(addr string) bool {
	if s.config.Public {
		return true
	}
	ip := peerIP(addr)
	if ip == nil {
		// Pipes and unix sockets carry no IP and are local by construction.
		return true
	}
	return ip.IsLoopback()
}

func peerIP(addr string) net.IP {
	host := strings.TrimSpace(addr)
	if host == "" {
		return nil
	}
	if strings.HasPrefix(host, "[") {
		if end := strings.Index(host, "]"); end != -1 {
			host = host[1:end]
		}
	} else if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if zone := strings.Index(host, "%"); zone != -1 {
		host = host[:zone]
	}
	return net.ParseIP(host)
}
