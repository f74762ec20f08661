package server

import (
	"log/slog"
	"net/http"
	"net/netip"
	"strings"
)

// ClientIPFunc returns a function deriving the client address of a request.
// Forwarding headers are believed only when the direct peer is one of the
// trusted proxies (IPs or CIDRs). The address feeds session.ClientInfo.
func ClientIPFunc(trustedProxies []string, logger *slog.Logger) func(*http.Request) string {
	trusted := parseTrustedProxies(trustedProxies, logger)
	return func(r *http.Request) string {
		addr, ok := clientAddr(r, trusted)
		if !ok {
			return ""
		}
		return addr.String()
	}
}

// clientAddr walks the forwarding chain from the nearest hop outwards and
// returns the first address not owned by a trusted proxy.
func clientAddr(r *http.Request, trusted trustedProxies) (netip.Addr, bool) {
	peer, ok := parseHost(r.RemoteAddr)
	if !ok {
		return netip.Addr{}, false
	}
	if !trusted.contains(peer) {
		return peer, true
	}

	hops := forwardedFor(r.Header.Get("Forwarded"))
	if len(hops) == 0 {
		hops = xForwardedFor(r.Header.Get("X-Forwarded-For"))
	}
	if len(hops) == 0 {
		return peer, true
	}
	for i := len(hops) - 1; i >= 0; i-- {
		if !trusted.contains(hops[i]) {
			return hops[i], true
		}
	}
	return hops[0], true
}

// forwardedFor extracts the for= parameters of an RFC 7239 Forwarded header.
func forwardedFor(header string) []netip.Addr {
	var hops []netip.Addr
	for _, element := range strings.Split(header, ",") {
		for _, pair := range strings.Split(element, ";") {
			key, value, ok := strings.Cut(strings.TrimSpace(pair), "=")
			if !ok || !strings.EqualFold(strings.TrimSpace(key), "for") {
				continue
			}
			if addr, ok := parseHost(value); ok {
				hops = append(hops, addr)
			}
		}
	}
	return hops
}

func xForwardedFor(header string) []netip.Addr {
	var hops []netip.Addr
	for _, value := range strings.Split(header, ",") {
		if addr, ok := parseHost(value); ok {
			hops = append(hops, addr)
		}
	}
	return hops
}

// parseHost accepts "ip", "ip:port", "[ipv6]" and "[ipv6]:port", optionally
// quoted. Zones are dropped and IPv4-mapped addresses unmapped.
func parseHost(value string) (netip.Addr, bool) {
	value = strings.Trim(strings.TrimSpace(value), `"`)
	if value == "" || strings.EqualFold(value, "unknown") {
		return netip.Addr{}, false
	}

	var addr netip.Addr
	if ap, err := netip.ParseAddrPort(value); err == nil {
		addr = ap.Addr()
	} else if a, err := netip.ParseAddr(strings.Trim(value, "[]")); err == nil {
		addr = a
	} else {
		return netip.Addr{}, false
	}
	return addr.WithZone("").Unmap(), true
}

// trustedProxies is the parsed form of ServerConfig.TrustedProxies.
type trustedProxies []netip.Prefix

func parseTrustedProxies(entries []string, logger *slog.Logger) trustedProxies {
	var out trustedProxies
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			prefix, err := netip.ParsePrefix(entry)
			if err != nil {
				if logger != nil {
					logger.Warn("invalid trusted proxy CIDR", "entry", entry, "error", err)
				}
				continue
			}
			out = append(out, prefix.Masked())
			continue
		}
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			if logger != nil {
				logger.Warn("invalid trusted proxy IP", "entry", entry)
			}
			continue
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out
}

func (t trustedProxies) contains(addr netip.Addr) bool {
	for _, prefix := range t {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}
