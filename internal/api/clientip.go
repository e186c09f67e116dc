package api

import (
	"context"
	"net/http"
	"net/netip"
	"strings"

	"github.com/saveenergy/egresswatch/internal/config"
)

type clientIPKey struct{}

// ClientIPResolver attributes a request to one client address. Forwarding
// headers count only when the direct peer is a configured proxy.
type ClientIPResolver struct {
	trustHeaders bool
	proxies      []netip.Prefix
}

func NewClientIPResolver(cfg *config.Config) *ClientIPResolver {
	r := &ClientIPResolver{}
	if cfg == nil {
		return r
	}
	r.trustHeaders = cfg.TrustProxyHeaders
	for _, cidr := range cfg.TrustedProxyCIDRs {
		if prefix, err := netip.ParsePrefix(strings.TrimSpace(cidr)); err == nil {
			r.proxies = append(r.proxies, prefix.Masked())
		}
	}
	return r
}

// Resolve returns the client address, or the zero Addr when nothing
// parses. X-Forwarded-For is read right to left and the first hop that is
// not a proxy wins, so prepended values cannot spoof the client.
func (r *ClientIPResolver) Resolve(req *http.Request) netip.Addr {
	peer := peerAddr(req.RemoteAddr)
	if !r.trustHeaders || !r.isProxy(peer) {
		return peer
	}

	hops := strings.Split(req.Header.Get("X-Forwarded-For"), ",")
	for i := len(hops) - 1; i >= 0; i-- {
		if addr, ok := parseAddr(hops[i]); ok && !r.isProxy(addr) {
			return addr
		}
	}
	if addr, ok := parseAddr(req.Header.Get("X-Real-IP")); ok {
		return addr
	}
	return peer
}

// FromRequest is Resolve rendered for logs and limiter keys.
func (r *ClientIPResolver) FromRequest(req *http.Request) string {
	return addrString(r.Resolve(req))
}

// Middleware resolves the client once per request and stores it on the
// context for the rate limiter, request logs and live viewer slots.
func (r *ClientIPResolver) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		ctx := context.WithValue(req.Context(), clientIPKey{}, r.FromRequest(req))
		next.ServeHTTP(w, req.WithContext(ctx))
	})
}

// ClientIP returns the address stored by Middleware, or "" outside it.
func ClientIP(ctx context.Context) string {
	ip, _ := ctx.Value(clientIPKey{}).(string)
	return ip
}

func (r *ClientIPResolver) isProxy(addr netip.Addr) bool {
	if !addr.IsValid() {
		return false
	}
	for _, prefix := range r.proxies {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

func peerAddr(remoteAddr string) netip.Addr {
	if ap, err := netip.ParseAddrPort(remoteAddr); err == nil {
		return ap.Addr().Unmap()
	}
	addr, _ := parseAddr(remoteAddr)
	return addr
}

// parseAddr accepts a bare address, a bracketed IPv6 address or
// address:port, as proxies write all three.
func parseAddr(value string) (netip.Addr, bool) {
	clean := strings.TrimSpace(value)
	if clean == "" {
		return netip.Addr{}, false
	}
	if ap, err := netip.ParseAddrPort(clean); err == nil {
		return ap.Addr().Unmap(), true
	}
	clean = strings.TrimSuffix(strings.TrimPrefix(clean, "["), "]")
	addr, err := netip.ParseAddr(clean)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}

func addrString(addr netip.Addr) string {
	if !addr.IsValid() {
		return "unknown"
	}
	return addr.String()
}

// requestClientIP prefers the address Middleware stored.
func requestClientIP(resolver *ClientIPResolver, req *http.Request) string {
	if ip := ClientIP(req.Context()); ip != "" {
		return ip
	}
	if resolver == nil {
		return addrString(peerAddr(req.RemoteAddr))
	}
	return resolver.FromRequest(req)
}
