package mcp

import (
	"context"
	"net"
	"net/http"
	"strings"
)

// CallerHeader names the client making a request. Requests without it are
// keyed by remote address.
const CallerHeader = "X-Diagd-Caller"

type contextKey string

const (
	contextKeyCaller     contextKey = "diagd-caller"
	contextKeyRemoteAddr contextKey = "diagd-remote-addr"
)

// WithRemoteAddr adds the remote address to context
func WithRemoteAddr(ctx context.Context, addr string) context.Context {
	return context.WithValue(ctx, contextKeyRemoteAddr, addr)
}

// GetRemoteAddr extracts the remote address from context
func GetRemoteAddr(ctx context.Context) string {
	return getStringFromContext(ctx, contextKeyRemoteAddr)
}

// WithCaller adds the caller identity to context
func WithCaller(ctx context.Context, caller string) context.Context {
	return context.WithValue(ctx, contextKeyCaller, caller)
}

// CallerFromContext returns the caller identity, falling back to the remote address
func CallerFromContext(ctx context.Context) string {
	if c := getStringFromContext(ctx, contextKeyCaller); c != "" {
		return c
	}
	return GetRemoteAddr(ctx)
}

// callerKey identifies the caller of r for rate limiting
func callerKey(r *http.Request) string {
	if c := strings.TrimSpace(r.Header.Get(CallerHeader)); c != "" {
		return c
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func getStringFromContext(ctx context.Context, key contextKey) string {
	if val := ctx.Value(key); val != nil {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return ""
}
