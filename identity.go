package traffickit

// Client identity resolution for traffic accounting. Every limiter
// decision is keyed by a client identity resolved in priority order:
// authenticated user from the request context, then the API key header,
// then the client IP. The first available wins. Each source carries its
// own key prefix so an IP can never collide with a user id.

import (
	"context"
	"net"
	"net/http"
	"strings"
)

type clientIDKey struct{}

// WithClientID returns a context carrying the authenticated client id.
// Authentication middleware should set this before the traffic middleware
// runs so limits apply per account rather than per IP.
func WithClientID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, clientIDKey{}, id)
}

// ClientIDFromContext returns the authenticated client id, if set.
func ClientIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(clientIDKey{}).(string)
	return id, ok && id != ""
}

// Identifier resolves the subject a request's traffic is accounted
// against. Returning an empty string skips traffic control for that
// request.
type Identifier func(*http.Request) string

// IdentifyClient is the default Identifier: authenticated user id, then
// the X-API-Key header, then the client IP from RemoteAddr.
func IdentifyClient(r *http.Request) string {
	if id, ok := ClientIDFromContext(r.Context()); ok {
		return "user:" + id
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return "key:" + key
	}
	return "ip:" + remoteIP(r)
}

// IdentifyClientBehindProxy resolves like IdentifyClient but prefers the
// X-Forwarded-For / X-Real-IP headers over RemoteAddr for the IP tier.
//
// SECURITY: Only use this behind a trusted reverse proxy that sets these
// headers. Without a proxy, clients can spoof X-Forwarded-For to escape
// their limits.
func IdentifyClientBehindProxy(r *http.Request) string {
	if id, ok := ClientIDFromContext(r.Context()); ok {
		return "user:" + id
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return "key:" + key
	}
	if ip := forwardedIP(r); ip != "" {
		return "ip:" + ip
	}
	return "ip:" + remoteIP(r)
}

// IdentifyByHeader returns an Identifier keyed solely on the given header.
// Requests without the header are not traffic controlled.
func IdentifyByHeader(header string) Identifier {
	return func(r *http.Request) string {
		if val := r.Header.Get(header); val != "" {
			return "hdr:" + val
		}
		return ""
	}
}

func remoteIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

func forwardedIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx != -1 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}
	return strings.TrimSpace(r.Header.Get("X-Real-IP"))
}
