package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/netip"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"smsrelay/internal/errors"
	"smsrelay/internal/httputil"
	"smsrelay/internal/tracing"
)

// ipAllowList admits requests from listed addresses and networks. An empty
// list admits everyone.
type ipAllowList struct {
	mu         sync.RWMutex
	prefixes   []netip.Prefix
	trustProxy bool
	logger     *logrus.Logger
}

func newIPAllowList(entries []string, trustProxy bool, logger *logrus.Logger) (*ipAllowList, error) {
	a := &ipAllowList{trustProxy: trustProxy, logger: logger}
	if err := a.Set(entries); err != nil {
		return nil, err
	}
	return a, nil
}

// parseAllowEntries accepts single addresses and CIDR networks
func parseAllowEntries(entries []string) ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(entries))
	for _, raw := range entries {
		entry := strings.TrimSpace(raw)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			p, err := netip.ParsePrefix(entry)
			if err != nil {
				return nil, fmt.Errorf("invalid allowed network %q: %w", entry, err)
			}
			prefixes = append(prefixes, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			return nil, fmt.Errorf("invalid allowed address %q: %w", entry, err)
		}
		addr = addr.Unmap()
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return prefixes, nil
}

// Set replaces the list. On a parse error the previous list stays active.
func (a *ipAllowList) Set(entries []string) error {
	prefixes, err := parseAllowEntries(entries)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.prefixes = prefixes
	a.mu.Unlock()

	if len(prefixes) == 0 {
		a.logger.Warn("No allowed IPs configured; every client is admitted")
	}
	return nil
}

func (a *ipAllowList) Allowed(ip string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if len(a.prefixes) == 0 {
		return true
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range a.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// Middleware rejects clients outside the list with 403
func (a *ipAllowList) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := httputil.GetClientIP(r, a.trustProxy)
		if a.Allowed(ip) {
			next.ServeHTTP(w, r)
			return
		}

		requestID := tracing.GetRequestID(r.Context())
		a.logger.WithFields(logrus.Fields{
			"request_id": requestID,
			"remote_ip":  ip,
			"endpoint":   r.URL.Path,
		}).Warn("Rejected request from address outside the allow list")

		err := errors.New(errors.ErrCodeAuthorization, "client address not allowed").
			WithUserMessage("Access forbidden")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		_ = json.NewEncoder(w).Encode(errors.ToHTTPResponse(err, requestID))
	})
}
