// clientip.go -- client IP resolution behind trusted reverse proxies.
package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

const clientIPKey contextKey = "client_ip"

// ClientIP returns the address resolved by IPResolver.Middleware.
func ClientIP(ctx context.Context) (string, bool) {
	ip, ok := ctx.Value(clientIPKey).(string)
	return ip, ok
}

// IPResolver picks the client address for a request. Forwarding headers are only
// honoured when the TCP peer is a trusted proxy.
type IPResolver struct {
	trusted []netip.Prefix
}

// NewIPResolver parses entries as single IPs or CIDR prefixes.
func NewIPResolver(entries []string) (*IPResolver, error) {
	res := &IPResolver{}
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
			res.trusted = append(res.trusted, p.Masked())
			continue
		}
		a, err := netip.ParseAddr(e)
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: %w", e, err)
		}
		a = a.Unmap()
		res.trusted = append(res.trusted, netip.PrefixFrom(a, a.BitLen()))
	}
	return res, nil
}

func (res *IPResolver) isTrusted(a netip.Addr) bool {
	a = a.Unmap()
	for _, p := range res.trusted {
		if p.Contains(a) {
			return true
		}
	}
	return false
}

// Resolve returns the client IP for r. When the peer is trusted, X-Forwarded-For is
// walked from the right and the first hop that is not a trusted proxy wins; hops to its
// left were written by the client and are ignored. X-Real-IP is the fallback, then the
// peer itself.
func (res *IPResolver) Resolve(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	peer, err := netip.ParseAddr(host)
	if err != nil {
		return host
	}
	if !res.isTrusted(peer) {
		return peer.Unmap().String()
	}
	if a, ok := res.forwardedClient(r.Header.Values("X-Forwarded-For")); ok {
		return a.String()
	}
	if xr := strings.TrimSpace(r.Header.Get("X-Real-IP")); xr != "" {
		if a, err := netip.ParseAddr(xr); err == nil {
			return a.Unmap().String()
		}
	}
	return peer.Unmap().String()
}

// forwardedClient walks the X-Forwarded-For hops right to left. A malformed hop ends
// the walk with no result; if every hop is trusted the leftmost one is returned.
func (res *IPResolver) forwardedClient(values []string) (netip.Addr, bool) {
	var hops []string
	for _, v := range values {
		hops = append(hops, strings.Split(v, ",")...)
	}
	var last netip.Addr
	for i := len(hops) - 1; i >= 0; i-- {
		a, err := netip.ParseAddr(strings.TrimSpace(hops[i]))
		if err != nil {
			return netip.Addr{}, false
		}
		a = a.Unmap()
		if !res.isTrusted(a) {
			return a, true
		}
		last = a
	}
	return last, last.IsValid()
}

// Middleware stores the resolved client IP in the request context.
func (res *IPResolver) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), clientIPKey, res.Resolve(r))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
