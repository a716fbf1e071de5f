package httpmw

import (
	"context"
	"net"
	"net/http"
	"strings"
)

type clientIPKey struct{}

// ClientIPOptions configures how the client address is derived.
type ClientIPOptions struct {
	// TrustedHops is the number of proxies in front of the edge that append
	// to X-Forwarded-For. 0 ignores the header, 1 takes the rightmost entry
	// (a single load balancer), 2 the second from the end (CDN + LB).
	TrustedHops int
}

// ClientIP stores the client address in the context. Forwarded headers are
// only honoured from private peers and only for the configured hop count;
// otherwise they are dropped so the upstream never sees spoofed values.
func ClientIP(opts ClientIPOptions) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientAddr(r, opts.TrustedHops)
			next.ServeHTTP(w, r.WithContext(WithClientIP(r.Context(), ip)))
		})
	}
}

func clientAddr(r *http.Request, hops int) string {
	if r.RemoteAddr == "" {
		return "0.0.0.0"
	}
	peer, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	ip := net.ParseIP(peer)
	if ip == nil {
		return "0.0.0.0"
	}

	if !(ip.IsPrivate() || ip.IsLoopback()) || hops <= 0 {
		dropForwarded(r.Header)
		return peer
	}

	xff := r.Header.Get("X-Forwarded-For")
	if xff == "" {
		return peer
	}
	parts := strings.Split(xff, ",")
	idx := len(parts) - hops
	if idx < 0 {
		// fewer entries than proxies: misconfigured or forged
		dropForwarded(r.Header)
		return peer
	}
	if cand := strings.TrimSpace(parts[idx]); net.ParseIP(cand) != nil {
		return cand
	}
	return peer
}

func dropForwarded(h http.Header) {
	h.Del("X-Forwarded-For")
	h.Del("X-Forwarded-Proto")
	h.Del("X-Forwarded-Host")
}

func ClientIPFromContext(ctx context.Context) string {
	ip, _ := ctx.Value(clientIPKey{}).(string)
	return ip
}

func WithClientIP(ctx context.Context, ip string) context.Context {
	if ip == "" {
		return ctx
	}
	return context.WithValue(ctx, clientIPKey{}, ip)
}
