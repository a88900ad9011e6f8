// Package realip resolves the client address of a request, honouring
// X-Forwarded-For only when the peer is a trusted proxy.
package realip

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

type contextKey struct{}

// Config holds the configuration for the real IP middleware
type Config struct {
	TrustProxy bool
	// TrustedProxies holds CIDR ranges or single addresses
	TrustedProxies []string
}

// Resolver extracts client addresses from requests
type Resolver struct {
	trust   bool
	proxies []netip.Prefix
}

// New parses the trusted proxy list. Entries that are neither a CIDR range
// nor an address are rejected.
func New(cfg Config) (*Resolver, error) {
	res := &Resolver{trust: cfg.TrustProxy}
	if !cfg.TrustProxy {
		return res, nil
	}
	for _, entry := range cfg.TrustedProxies {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if p, err := netip.ParsePrefix(entry); err == nil {
			res.proxies = append(res.proxies, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: not a CIDR range or address", entry)
		}
		res.proxies = append(res.proxies, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return res, nil
}

// Middleware stores the resolved client address in the request context
func (res *Resolver) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := context.WithValue(r.Context(), contextKey{}, res.ClientIP(r))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ClientIP returns the first untrusted hop of X-Forwarded-For, read right
// to left, when the peer is trusted. Otherwise it returns the peer address.
func (res *Resolver) ClientIP(r *http.Request) string {
	peer := hostOnly(r.RemoteAddr)
	if !res.trust || !res.trusted(peer) {
		return peer
	}

	xff := r.Header.Get("X-Forwarded-For")
	if xff == "" {
		if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
			return xri
		}
		return peer
	}
	hops := strings.Split(xff, ",")
	for i := len(hops) - 1; i >= 0; i-- {
		hop := strings.TrimSpace(hops[i])
		if hop != "" && !res.trusted(hop) {
			return hop
		}
	}
	return strings.TrimSpace(hops[0])
}

func (res *Resolver) trusted(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range res.proxies {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// FromRequest returns the address stored by Middleware, falling back to the
// peer address.
func FromRequest(r *http.Request) string {
	if ip, ok := r.Context().Value(contextKey{}).(string); ok && ip != "" {
		return ip
	}
	return hostOnly(r.RemoteAddr)
}

func hostOnly(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
