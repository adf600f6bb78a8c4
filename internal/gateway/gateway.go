// Package gateway implements the request pipeline: correlate, rate limit,
// authenticate, authorize, pick an upstream replica, and proxy.
package gateway

import (
	"errors"
	"net/http"
	"time"

	"github.com/tasknotes/apigw/internal/auth/jwt"
	"github.com/tasknotes/apigw/internal/observability"
	"github.com/tasknotes/apigw/internal/policy"
	"github.com/tasknotes/apigw/internal/proxy"
	"github.com/tasknotes/apigw/internal/ratelimit"
	"github.com/tasknotes/apigw/internal/upstream"
	"github.com/tasknotes/apigw/internal/util"
)

// Gateway is the HTTP handler for all proxied traffic.
type Gateway struct {
	limiter     ratelimit.Limiter
	validator   *jwt.Validator
	policy      *policy.Engine
	registry    *upstream.Registry
	forwarder   *proxy.Forwarder
	provisioner *Provisioner
	metrics     *observability.Metrics
	logger      observability.Logger
}

// Config wires the pipeline stages together.
type Config struct {
	Limiter     ratelimit.Limiter
	Validator   *jwt.Validator
	Policy      *policy.Engine
	Registry    *upstream.Registry
	Forwarder   *proxy.Forwarder
	Provisioner *Provisioner
	Metrics     *observability.Metrics
	Logger      observability.Logger
}

// New creates the gateway handler.
func New(cfg Config) *Gateway {
	logger := cfg.Logger
	if logger == nil {
		logger = observability.NopLogger()
	}
	limiter := cfg.Limiter
	if limiter == nil {
		limiter = ratelimit.NewNoopLimiter()
	}
	return &Gateway{
		limiter:     limiter,
		validator:   cfg.Validator,
		policy:      cfg.Policy,
		registry:    cfg.Registry,
		forwarder:   cfg.Forwarder,
		provisioner: cfg.Provisioner,
		metrics:     cfg.Metrics,
		logger:      logger,
	}
}

// ServeHTTP runs one request through the pipeline. Every stage that
// short-circuits still records metrics for the final status.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	route, rest, trailingSlash := splitRoute(r.URL.Path)
	requestID := observability.RequestIDFromContext(r.Context())

	spec, ok := routeTable[route]
	// Unknown first segments share one label so a path scan cannot mint
	// unbounded metric series.
	label := route
	if !ok {
		label = "unknown"
	}
	util.SetRoute(r.Context(), label)

	sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
	if g.metrics != nil {
		g.metrics.RequestStarted(label)
		defer func() {
			g.metrics.RequestFinished(label)
			g.metrics.RecordRequest(r.Method, label, sw.status, time.Since(start))
		}()
	}

	if !ok {
		writeError(sw, http.StatusNotFound, "Not found")
		return
	}

	if !g.allowRate(sw, r, route) {
		return
	}

	claims, ok := g.authenticate(sw, r, route, spec)
	if !ok {
		return
	}
	if !g.authorize(sw, claims, route, r.Method) {
		return
	}

	target, err := g.registry.Choose(spec.service)
	if err != nil {
		var notFound *upstream.ErrServiceNotFound
		if errors.As(err, &notFound) {
			writeError(sw, http.StatusNotFound, "Service "+spec.service+" not found")
			return
		}
		writeError(sw, http.StatusInternalServerError, "Internal server error")
		return
	}

	path := spec.upstreamPath(rest, trailingSlash)
	g.forward(sw, r, spec, route, rest, target, path, claims, requestID)
}

// allowRate applies the rate limit stage. A limiter backend failure lets
// the request through; throttling is protection, not a gate worth an
// outage.
func (g *Gateway) allowRate(sw *statusWriter, r *http.Request, route string) bool {
	key := ratelimit.KeyFor(r, route)

	result, err := g.limiter.Allow(r.Context(), key, 1)
	if err != nil {
		g.logger.Warn("rate limit check failed, allowing request",
			observability.String("route", route),
			observability.Error(err))
		return true
	}

	if !result.Allowed {
		if g.metrics != nil {
			g.metrics.RecordRateLimitBlocked(route, key.Method, string(key.CallerKind))
		}
		g.logger.Info("rate limit exceeded",
			observability.String("route", route),
			observability.String("method", key.Method),
			observability.String("caller_kind", string(key.CallerKind)),
			observability.String("caller_id", key.CallerID))
		writeRateLimited(sw, result.RetryAfter)
		return false
	}

	if g.metrics != nil {
		g.metrics.RecordRateLimitAllowed(route, key.Method, string(key.CallerKind))
	}
	return true
}

// authenticate verifies the bearer token for protected routes. Public
// routes pass through with nil claims.
func (g *Gateway) authenticate(sw *statusWriter, r *http.Request, route string, spec routeSpec) (*jwt.Claims, bool) {
	if spec.public {
		return nil, true
	}

	token, err := jwt.BearerToken(r)
	if err != nil {
		g.recordAuthFailure(route, "missing_token")
		writeError(sw, http.StatusUnauthorized, "Not authenticated")
		return nil, false
	}

	claims, err := g.validator.Verify(r.Context(), token)
	if err != nil {
		reason, detail := authFailure(err)
		g.recordAuthFailure(route, reason)
		g.logger.Info("token rejected",
			observability.String("route", route),
			observability.String("reason", reason),
			observability.Error(err))
		writeError(sw, http.StatusUnauthorized, detail)
		return nil, false
	}
	return claims, true
}

// authFailure maps a verification error to a metrics label and a client
// detail message.
func authFailure(err error) (reason, detail string) {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return "expired", "Token expired"
	case errors.Is(err, jwt.ErrTokenTTLExceeded):
		return "ttl_exceeded", "Token lifetime too long"
	case errors.Is(err, jwt.ErrKeyNotFound),
		errors.Is(err, jwt.ErrKeyUnavailable),
		errors.Is(err, jwt.ErrJWKSFetchFailed):
		return "key_unavailable", "Invalid token"
	default:
		return "invalid", "Invalid token"
	}
}

func (g *Gateway) recordAuthFailure(route, reason string) {
	if g.metrics != nil {
		g.metrics.RecordAuthFailure(route, reason)
	}
}

// authorize applies the scope policy.
func (g *Gateway) authorize(sw *statusWriter, claims *jwt.Claims, route, method string) bool {
	if g.policy == nil {
		return true
	}

	decision := g.policy.Authorize(claims, route, method)
	if decision.Allowed {
		return true
	}

	g.logger.Info("request forbidden by policy",
		observability.String("route", route),
		observability.String("method", method),
		observability.Strings("missing_scopes", decision.Missing))

	detail := "Insufficient permissions"
	if len(decision.Missing) > 0 {
		detail += ", missing scopes: "
		for i, scope := range decision.Missing {
			if i > 0 {
				detail += ", "
			}
			detail += scope
		}
	}
	writeError(sw, http.StatusForbidden, detail)
	return false
}

// forward relays the request and handles the registration side effect.
func (g *Gateway) forward(sw *statusWriter, r *http.Request, spec routeSpec, route, rest, target, path string, claims *jwt.Claims, requestID string) {
	intercept := g.provisioner != nil && spec.public &&
		r.Method == http.MethodPost && rest == "register"

	var out http.ResponseWriter = sw
	var tee *teeWriter
	if intercept {
		tee = &teeWriter{ResponseWriter: sw, status: http.StatusOK}
		out = tee
	}

	if err := g.forwarder.Forward(out, r, spec.service, target, path, claims); err != nil {
		if g.metrics != nil {
			g.metrics.RecordUpstreamError(spec.service)
		}
		g.logger.Error("upstream forward failed",
			observability.String("route", route),
			observability.String("service", spec.service),
			observability.String("target", target),
			observability.Error(err))
		writeError(sw, http.StatusServiceUnavailable, "Service "+spec.service+" unavailable")
		return
	}

	if tee != nil {
		g.provisioner.AfterRegistration(tee.status, tee.body.Bytes(), requestID)
	}
}
