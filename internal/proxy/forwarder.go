package proxy

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/tasknotes/apigw/internal/auth/jwt"
	"github.com/tasknotes/apigw/internal/observability"
)

// DefaultUpstreamTimeout bounds one proxied round trip.
const DefaultUpstreamTimeout = 30 * time.Second

// hopHeaders are headers that must not be forwarded.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Forwarder relays a client request to one upstream replica and streams the
// response back. A failed attempt is never retried; the caller reports the
// failure and the client decides.
type Forwarder struct {
	transport http.RoundTripper
	timeout   time.Duration
	logger    observability.Logger
}

// ForwarderOption configures a Forwarder.
type ForwarderOption func(*Forwarder)

// WithForwarderTransport sets the upstream transport.
func WithForwarderTransport(transport http.RoundTripper) ForwarderOption {
	return func(f *Forwarder) {
		if transport != nil {
			f.transport = transport
		}
	}
}

// WithUpstreamTimeout overrides the per-request upstream timeout.
func WithUpstreamTimeout(timeout time.Duration) ForwarderOption {
	return func(f *Forwarder) {
		if timeout > 0 {
			f.timeout = timeout
		}
	}
}

// WithForwarderLogger sets the logger.
func WithForwarderLogger(logger observability.Logger) ForwarderOption {
	return func(f *Forwarder) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// NewForwarder creates a forwarder over the shared transport.
func NewForwarder(opts ...ForwarderOption) *Forwarder {
	f := &Forwarder{
		transport: NewTransport(DefaultTransportConfig()),
		timeout:   DefaultUpstreamTimeout,
		logger:    observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Forward sends the request to target+path and writes the upstream response
// to w. The returned response is the upstream's verbatim, status included;
// an error means nothing beyond headers may have been written and the
// caller must produce the client-facing failure.
func (f *Forwarder) Forward(w http.ResponseWriter, r *http.Request, service, target, path string, claims *jwt.Claims) error {
	upstreamURL, err := url.Parse(target + path)
	if err != nil {
		return &ForwardError{Service: service, Target: target, Cause: ErrInvalidTarget}
	}
	upstreamURL.RawQuery = r.URL.RawQuery

	ctx, cancel := context.WithTimeout(r.Context(), f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, r.Method, upstreamURL.String(), r.Body)
	if err != nil {
		return &ForwardError{Service: service, Target: target, Cause: err}
	}

	copyRequestHeaders(req, r)
	injectIdentity(req, claims)
	setForwardedHeaders(req, r)

	resp, err := f.transport.RoundTrip(req)
	if err != nil {
		cause := ErrUpstreamUnavailable
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
			cause = ErrUpstreamTimeout
		}
		f.logger.Warn("upstream request failed",
			observability.String("service", service),
			observability.String("target", target),
			observability.Error(err))
		return &ForwardError{Service: service, Target: target, Cause: cause}
	}
	defer func() { _ = resp.Body.Close() }()

	copyResponseHeaders(w, resp)
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		// The status line is already on the wire; log and give up.
		f.logger.Warn("streaming upstream response failed",
			observability.String("service", service),
			observability.Error(err))
	}
	return nil
}

// copyRequestHeaders copies client headers to the upstream request,
// dropping hop-by-hop headers plus Host and Content-Length, which the
// transport recomputes.
func copyRequestHeaders(req *http.Request, original *http.Request) {
	for name, values := range original.Header {
		if name == "Host" || name == "Content-Length" {
			continue
		}
		for _, value := range values {
			req.Header.Add(name, value)
		}
	}
	for _, h := range hopHeaders {
		req.Header.Del(h)
	}
	req.ContentLength = original.ContentLength
}

// injectIdentity adds the verified caller identity for upstream services.
// Any client-supplied values for these headers were already overwritten.
func injectIdentity(req *http.Request, claims *jwt.Claims) {
	req.Header.Del("X-User-Id")
	req.Header.Del("X-User-Email")
	if claims == nil {
		return
	}
	if claims.Subject != "" {
		req.Header.Set("X-User-Id", claims.Subject)
	}
	if claims.Email != "" {
		req.Header.Set("X-User-Email", claims.Email)
	}
}

// setForwardedHeaders records the client hop on the upstream request.
func setForwardedHeaders(req *http.Request, original *http.Request) {
	if clientIP, _, err := net.SplitHostPort(original.RemoteAddr); err == nil {
		if prior := original.Header.Get("X-Forwarded-For"); prior != "" {
			req.Header.Set("X-Forwarded-For", prior+", "+clientIP)
		} else {
			req.Header.Set("X-Forwarded-For", clientIP)
		}
	}

	proto := "http"
	if original.TLS != nil {
		proto = "https"
	}
	req.Header.Set("X-Forwarded-Proto", proto)
	req.Header.Set("X-Forwarded-Host", original.Host)
}

// copyResponseHeaders copies upstream response headers to the client,
// dropping hop-by-hop headers.
func copyResponseHeaders(w http.ResponseWriter, resp *http.Response) {
	for name, values := range resp.Header {
		for _, value := range values {
			w.Header().Add(name, value)
		}
	}
	for _, h := range hopHeaders {
		w.Header().Del(h)
	}
}
