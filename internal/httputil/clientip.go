package httputil

import (
	"net"
	"net/http"
	"strings"
)

// GetClientIP extracts the client IP from the request. X-Forwarded-For
// (first hop) and X-Real-IP are honored only when trustProxy is set, since
// a direct client can forge them. Bracketed IPv6 addresses are unwrapped.
func GetClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			if ip := strings.TrimSpace(strings.Split(xff, ",")[0]); ip != "" {
				return strings.Trim(ip, "[]")
			}
		}
		if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
			return strings.Trim(xri, "[]")
		}
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return strings.Trim(r.RemoteAddr, "[]")
	}
	return ip
}
