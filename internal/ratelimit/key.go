package ratelimit

import (
	"net"
	"net/http"
	"strings"

	"github.com/tasknotes/apigw/internal/auth/jwt"
)

// CallerKind tells how the caller identity in a Key was derived.
type CallerKind string

const (
	// CallerUser means the identity came from a token's sub claim.
	CallerUser CallerKind = "user"

	// CallerIP means the identity is the client network address.
	CallerIP CallerKind = "ip"
)

// Key identifies one rate limit bucket. Separate routes, methods, and
// callers never share a budget.
type Key struct {
	Route      string
	Method     string
	CallerKind CallerKind
	CallerID   string
}

// String renders the key for use in a distributed store.
func (k Key) String() string {
	return k.Route + ":" + k.Method + ":" + string(k.CallerKind) + ":" + k.CallerID
}

// KeyFor builds the bucket key for a request. When the request carries a
// bearer token with a readable sub claim that subject is the caller, even
// though the token has not been verified yet; limiting runs before auth so
// unauthenticated floods are throttled too, at the cost of trusting the
// attribution. Requests without a usable subject fall back to the client IP.
func KeyFor(r *http.Request, route string) Key {
	key := Key{Route: route, Method: r.Method}

	if token, err := jwt.BearerToken(r); err == nil {
		if sub, ok := jwt.UnverifiedSubject(token); ok {
			key.CallerKind = CallerUser
			key.CallerID = sub
			return key
		}
	}

	key.CallerKind = CallerIP
	key.CallerID = ClientIP(r)
	return key
}

// ClientIP extracts the client address, preferring proxy-set headers over
// the socket peer.
func ClientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first := forwarded
		if idx := strings.Index(forwarded, ","); idx >= 0 {
			first = forwarded[:idx]
		}
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}

	if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
		return realIP
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
