// Package httputil holds small HTTP helpers shared by the API surface.
package httputil

import (
	"net"
	"net/http"
	"strings"
)

// ClientIP extracts the client IP address from a request. Forwarding headers
// are honored only when trustProxy is set, since any client can forge them
// when the broker is directly exposed. With multiple proxies in front,
// trustedProxyCount tells how many entries from the right of X-Forwarded-For
// are ours; the client is the entry just left of them.
func ClientIP(r *http.Request, trustProxy bool, trustedProxyCount int) string {
	if trustProxy {
		if ip := fromForwardedFor(r.Header.Get("X-Forwarded-For"), trustedProxyCount); ip != "" {
			return ip
		}
		if ip := r.Header.Get("X-Real-IP"); net.ParseIP(ip) != nil {
			return ip
		}
	}
	return fromRemoteAddr(r.RemoteAddr)
}

func fromForwardedFor(xff string, trustedProxyCount int) string {
	if xff == "" {
		return ""
	}
	entries := strings.Split(xff, ",")

	// Entries accumulate left to right as the request passes each proxy;
	// only the rightmost trustedProxyCount entries are under our control.
	proxies := trustedProxyCount
	if proxies == 0 {
		proxies = 1
	}
	idx := len(entries) - proxies - 1
	if idx < 0 {
		idx = 0
	}

	ip := strings.TrimSpace(entries[idx])
	if net.ParseIP(ip) != nil {
		return ip
	}
	return ""
}

func fromRemoteAddr(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		// RemoteAddr without a port, e.g. in tests.
		return remoteAddr
	}
	return host
}
