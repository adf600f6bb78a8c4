package middleware

import (
	"io"
	"net/http"
	"runtime/debug"

	"github.com/tasknotes/apigw/internal/observability"
)

// Recovery returns a middleware that turns handler panics into 500
// responses instead of dropped connections.
func Recovery(logger observability.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					logger.Error("panic recovered",
						observability.String("path", r.URL.Path),
						observability.String("method", r.Method),
						observability.Any("error", err),
						observability.String("stack", string(debug.Stack())),
					)

					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					_, _ = io.WriteString(w, `{"detail":"Internal server error"}`)
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
