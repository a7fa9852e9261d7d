package server

import (
	"fmt"
	"net/http"
	"net/netip"
	"strings"
)

// proxyList holds the reverse proxies allowed to report the client address.
type proxyList []netip.Prefix

// parseProxies accepts addresses and CIDR ranges.
func parseProxies(entries []string) (proxyList, error) {
	var list proxyList
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if strings.Contains(e, "/") {
			p, err := netip.ParsePrefix(e)
			if err != nil {
				return nil, fmt.Errorf("trusted proxy %q: %w", e, err)
			}
			list = append(list, p.Masked())
			continue
		}
		a, err := netip.ParseAddr(e)
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: %w", e, err)
		}
		a = a.Unmap()
		list = append(list, netip.PrefixFrom(a, a.BitLen()))
	}
	return list, nil
}

func (l proxyList) trusts(ip string) bool {
	a, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	a = a.Unmap()
	for _, p := range l {
		if p.Contains(a) {
			return true
		}
	}
	return false
}

// forwarded walks X-Forwarded-For from the right and returns the first hop
// that is not a trusted proxy, falling back to X-Real-IP.
func (l proxyList) forwarded(h http.Header) string {
	var hops []string
	for _, v := range h.Values("X-Forwarded-For") {
		hops = append(hops, strings.Split(v, ",")...)
	}
	for i := len(hops) - 1; i >= 0; i-- {
		hop := strings.TrimSpace(hops[i])
		if _, err := netip.ParseAddr(hop); err != nil {
			return ""
		}
		if !l.trusts(hop) {
			return hop
		}
	}
	if ip := strings.TrimSpace(h.Get("X-Real-IP")); ip != "" {
		if _, err := netip.ParseAddr(ip); err == nil {
			return ip
		}
	}
	return ""
}

// Middleware replaces RemoteAddr with the forwarded client address when the
// direct peer is trusted. Headers from any other peer are ignored.
func (l proxyList) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(l) > 0 && l.trusts(clientIP(r)) {
			if ip := l.forwarded(r.Header); ip != "" {
				r.RemoteAddr = ip
			}
		}
		next.ServeHTTP(w, r)
	})
}
