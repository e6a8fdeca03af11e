package middleware

import (
	"context"
	"net"
	"net/http"
	"strings"
)

// Identity headers are set by the authenticating edge proxy; this service
// trusts them as-is.
const (
	AccountIDHeader    = "X-Account-ID"
	CallerIDHeader     = "X-Caller-ID"
	AdminSubjectHeader = "X-Admin-Subject"
)

type Caller struct {
	// AccountID is set for authenticated callers that own a chip balance.
	AccountID string
	// ID identifies trial callers: an explicit caller id or the client IP.
	ID           string
	AdminSubject string
}

type callerKey struct{}

func WithCaller(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c := Caller{
			AccountID:    strings.TrimSpace(r.Header.Get(AccountIDHeader)),
			ID:           strings.TrimSpace(r.Header.Get(CallerIDHeader)),
			AdminSubject: strings.TrimSpace(r.Header.Get(AdminSubjectHeader)),
		}
		if c.ID == "" {
			c.ID = clientIP(r)
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), callerKey{}, c)))
	})
}

func GetCaller(ctx context.Context) Caller {
	c, _ := ctx.Value(callerKey{}).(Caller)
	return c
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
