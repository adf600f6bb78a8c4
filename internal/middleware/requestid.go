// Package middleware provides the HTTP middleware chain for the gateway.
package middleware

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/tasknotes/apigw/internal/observability"
)

const (
	// RequestIDHeader is the canonical correlation header.
	RequestIDHeader = "X-Request-ID"
)

// correlationHeaders are accepted inbound correlation headers, checked in
// order. Whatever is found is echoed back as X-Request-ID.
var correlationHeaders = []string{
	RequestIDHeader,
	"X-Correlation-ID",
	"Trace-Id",
}

// RequestID returns a middleware that attaches a correlation ID to each
// request. An inbound ID is reused; otherwise a fresh UUID is generated.
// The ID always appears on the response, whatever the outcome.
func RequestID() func(http.Handler) http.Handler {
	return RequestIDWithGenerator(func() string {
		return uuid.New().String()
	})
}

// RequestIDWithGenerator returns the correlation middleware with a custom
// ID generator.
func RequestIDWithGenerator(generator func() string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var requestID string
			for _, h := range correlationHeaders {
				if v := r.Header.Get(h); v != "" {
					requestID = v
					break
				}
			}
			if requestID == "" {
				requestID = generator()
			}

			ctx := observability.ContextWithRequestID(r.Context(), requestID)
			r = r.WithContext(ctx)

			// Upstream services and the client both see the same ID.
			r.Header.Set(RequestIDHeader, requestID)
			w.Header().Set(RequestIDHeader, requestID)

			next.ServeHTTP(w, r)
		})
	}
}
