package gateway

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"
)

// errorBody is the JSON shape of every gateway-originated error.
type errorBody struct {
	Detail string `json:"detail"`
}

// writeError sends a gateway-originated JSON error response.
func writeError(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Detail: detail})
}

// writeRateLimited sends a 429 with a Retry-After hint.
func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	seconds := int(retryAfter.Seconds())
	if seconds < 1 {
		seconds = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(seconds))
	writeError(w, http.StatusTooManyRequests, "Rate limit exceeded, retry later")
}

// statusWriter records the status code written by the pipeline so metrics
// see the final outcome, short circuits included.
type statusWriter struct {
	http.ResponseWriter
	status int
}

// WriteHeader captures the status code.
func (sw *statusWriter) WriteHeader(code int) {
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
}

// Flush implements http.Flusher for streaming responses.
func (sw *statusWriter) Flush() {
	if f, ok := sw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
