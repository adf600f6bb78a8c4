package gateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/tasknotes/apigw/internal/auth/jwt"
	"github.com/tasknotes/apigw/internal/middleware"
	"github.com/tasknotes/apigw/internal/observability"
	"github.com/tasknotes/apigw/internal/policy"
	"github.com/tasknotes/apigw/internal/proxy"
	"github.com/tasknotes/apigw/internal/ratelimit"
	"github.com/tasknotes/apigw/internal/upstream"
)

var gatewaySecret = []byte("gateway-test-secret")

// echoUpstream records what it receives and answers with its own name.
type echoUpstream struct {
	name string
	mu   sync.Mutex
	seen []*http.Request
}

func newEchoUpstream(t *testing.T, name string) (*echoUpstream, *httptest.Server) {
	t.Helper()
	e := &echoUpstream{name: name}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		e.mu.Lock()
		e.seen = append(e.seen, r.Clone(r.Context()))
		e.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"served_by": e.name, "path": r.URL.Path})
	}))
	t.Cleanup(srv.Close)
	return e, srv
}

func (e *echoUpstream) last(t *testing.T) *http.Request {
	t.Helper()
	e.mu.Lock()
	defer e.mu.Unlock()
	require.NotEmpty(t, e.seen)
	return e.seen[len(e.seen)-1]
}

func mintToken(t *testing.T, mutate func(gojwt.MapClaims)) string {
	t.Helper()
	now := time.Now()
	claims := gojwt.MapClaims{
		"sub":   "user-1",
		"email": "user@example.com",
		"scope": "tasks:read",
		"iat":   now.Unix(),
		"exp":   now.Add(time.Hour).Unix(),
	}
	if mutate != nil {
		mutate(claims)
	}
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(gatewaySecret)
	require.NoError(t, err)
	return signed
}

// testGateway assembles a full pipeline over the given upstream URLs.
func testGateway(t *testing.T, services map[string]string, mutate func(*Config)) http.Handler {
	t.Helper()

	validator, err := jwt.NewValidator(jwt.ValidatorConfig{
		Algorithm: jwt.AlgHS256,
		Secret:    gatewaySecret,
	})
	require.NoError(t, err)

	engine, err := policy.NewEngine(policy.Config{Enforced: true})
	require.NoError(t, err)

	registry, err := upstream.NewRegistry(services)
	require.NoError(t, err)

	limiter := ratelimit.NewTokenBucketLimiter(ratelimit.DefaultLimits())
	t.Cleanup(func() { _ = limiter.Close() })

	cfg := Config{
		Limiter:   limiter,
		Validator: validator,
		Policy:    engine,
		Registry:  registry,
		Forwarder: proxy.NewForwarder(),
		Metrics:   observability.NewMetrics(""),
		Logger:    observability.NopLogger(),
	}
	if mutate != nil {
		mutate(&cfg)
	}

	return middleware.Chain(New(cfg), middleware.RequestID())
}

func TestPipelineHappyPath(t *testing.T) {
	tasks, tasksSrv := newEchoUpstream(t, "tasks-1")
	g := testGateway(t, map[string]string{"tasks": tasksSrv.URL}, nil)

	r := httptest.NewRequest("GET", "/tasks/42", nil)
	r.Header.Set("Authorization", "Bearer "+mintToken(t, nil))
	w := httptest.NewRecorder()
	g.ServeHTTP(w, r)

	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	upstreamReq := tasks.last(t)
	assert.Equal(t, "/tasks/42", upstreamReq.URL.Path)
	assert.Equal(t, "user-1", upstreamReq.Header.Get("X-User-Id"))
	assert.Equal(t, "user@example.com", upstreamReq.Header.Get("X-User-Email"))
	assert.Equal(t, w.Header().Get("X-Request-ID"), upstreamReq.Header.Get("X-Request-ID"))
}

func TestPipelineReplicaRotation(t *testing.T) {
	a, aSrv := newEchoUpstream(t, "tasks-a")
	b, bSrv := newEchoUpstream(t, "tasks-b")
	g := testGateway(t, map[string]string{"tasks": aSrv.URL + "," + bSrv.URL}, nil)

	token := mintToken(t, nil)
	for i := 0; i < 4; i++ {
		r := httptest.NewRequest("GET", "/tasks/", nil)
		r.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()
		g.ServeHTTP(w, r)
		require.Equal(t, http.StatusOK, w.Code)
	}

	a.mu.Lock()
	b.mu.Lock()
	defer a.mu.Unlock()
	defer b.mu.Unlock()
	assert.Len(t, a.seen, 2)
	assert.Len(t, b.seen, 2)
}

func TestPipelineAuthFailures(t *testing.T) {
	_, tasksSrv := newEchoUpstream(t, "tasks-1")
	g := testGateway(t, map[string]string{"tasks": tasksSrv.URL}, nil)

	t.Run("missing token", func(t *testing.T) {
		w := httptest.NewRecorder()
		g.ServeHTTP(w, httptest.NewRequest("GET", "/tasks/", nil))

		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.JSONEq(t, `{"detail":"Not authenticated"}`, w.Body.String())
		assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
	})

	t.Run("garbage token", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/tasks/", nil)
		r.Header.Set("Authorization", "Bearer nope")
		w := httptest.NewRecorder()
		g.ServeHTTP(w, r)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.JSONEq(t, `{"detail":"Invalid token"}`, w.Body.String())
	})

	t.Run("expired token", func(t *testing.T) {
		token := mintToken(t, func(c gojwt.MapClaims) {
			c["iat"] = time.Now().Add(-2 * time.Hour).Unix()
			c["exp"] = time.Now().Add(-time.Hour).Unix()
		})
		r := httptest.NewRequest("GET", "/tasks/", nil)
		r.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()
		g.ServeHTTP(w, r)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.JSONEq(t, `{"detail":"Token expired"}`, w.Body.String())
	})

	t.Run("overlong lifetime", func(t *testing.T) {
		token := mintToken(t, func(c gojwt.MapClaims) {
			c["exp"] = time.Now().Add(48 * time.Hour).Unix()
		})
		r := httptest.NewRequest("GET", "/tasks/", nil)
		r.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()
		g.ServeHTTP(w, r)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.JSONEq(t, `{"detail":"Token lifetime too long"}`, w.Body.String())
	})
}

func TestPipelinePublicRouteSkipsAuth(t *testing.T) {
	auth, authSrv := newEchoUpstream(t, "auth-1")
	g := testGateway(t, map[string]string{"auth": authSrv.URL}, nil)

	w := httptest.NewRecorder()
	g.ServeHTTP(w, httptest.NewRequest("POST", "/auth/login", nil))

	require.Equal(t, http.StatusOK, w.Code)
	upstreamReq := auth.last(t)
	assert.Equal(t, "/auth/login", upstreamReq.URL.Path)
	assert.Empty(t, upstreamReq.Header.Get("X-User-Id"))
}

func TestPipelineScopeEnforcement(t *testing.T) {
	_, tasksSrv := newEchoUpstream(t, "tasks-1")
	g := testGateway(t, map[string]string{"tasks": tasksSrv.URL}, nil)

	t.Run("read scope cannot delete", func(t *testing.T) {
		r := httptest.NewRequest("DELETE", "/tasks/42", nil)
		r.Header.Set("Authorization", "Bearer "+mintToken(t, nil))
		w := httptest.NewRecorder()
		g.ServeHTTP(w, r)

		assert.Equal(t, http.StatusForbidden, w.Code)
		assert.JSONEq(t, `{"detail":"Insufficient permissions, missing scopes: tasks:write"}`, w.Body.String())
	})

	t.Run("write scope can delete", func(t *testing.T) {
		token := mintToken(t, func(c gojwt.MapClaims) {
			c["scope"] = "tasks:read tasks:write"
		})
		r := httptest.NewRequest("DELETE", "/tasks/42", nil)
		r.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()
		g.ServeHTTP(w, r)

		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("admin role bypasses scopes", func(t *testing.T) {
		token := mintToken(t, func(c gojwt.MapClaims) {
			delete(c, "scope")
			c["roles"] = []string{"admin"}
		})
		r := httptest.NewRequest("DELETE", "/tasks/42", nil)
		r.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()
		g.ServeHTTP(w, r)

		assert.Equal(t, http.StatusOK, w.Code)
	})
}

func TestPipelineUnknownRoute(t *testing.T) {
	g := testGateway(t, map[string]string{}, nil)

	w := httptest.NewRecorder()
	g.ServeHTTP(w, httptest.NewRequest("GET", "/billing/1", nil))

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.JSONEq(t, `{"detail":"Not found"}`, w.Body.String())
}

func TestPipelineUnregisteredService(t *testing.T) {
	// Route exists in the table but no pool was configured for it.
	g := testGateway(t, map[string]string{}, nil)

	r := httptest.NewRequest("GET", "/tasks/", nil)
	r.Header.Set("Authorization", "Bearer "+mintToken(t, nil))
	w := httptest.NewRecorder()
	g.ServeHTTP(w, r)

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.JSONEq(t, `{"detail":"Service tasks not found"}`, w.Body.String())
}

func TestPipelineUpstreamDown(t *testing.T) {
	g := testGateway(t, map[string]string{"tasks": "http://127.0.0.1:1"}, nil)

	r := httptest.NewRequest("GET", "/tasks/", nil)
	r.Header.Set("Authorization", "Bearer "+mintToken(t, nil))
	w := httptest.NewRecorder()
	g.ServeHTTP(w, r)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.JSONEq(t, `{"detail":"Service tasks unavailable"}`, w.Body.String())
}

func TestPipelineRateLimit(t *testing.T) {
	_, tasksSrv := newEchoUpstream(t, "tasks-1")
	g := testGateway(t, map[string]string{"tasks": tasksSrv.URL}, nil)

	token := mintToken(t, func(c gojwt.MapClaims) {
		c["scope"] = "tasks:write"
	})

	for i := 0; i < 20; i++ {
		r := httptest.NewRequest("DELETE", "/tasks/1", nil)
		r.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()
		g.ServeHTTP(w, r)
		require.Equal(t, http.StatusOK, w.Code, "request %d", i)
	}

	r := httptest.NewRequest("DELETE", "/tasks/1", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	g.ServeHTTP(w, r)

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.JSONEq(t, `{"detail":"Rate limit exceeded, retry later"}`, w.Body.String())

	// The blocked caller's GET budget and other callers are untouched.
	getReq := httptest.NewRequest("GET", "/tasks/", nil)
	getReq.Header.Set("Authorization", "Bearer "+token)
	getRec := httptest.NewRecorder()
	g.ServeHTTP(getRec, getReq)
	assert.Equal(t, http.StatusOK, getRec.Code)

	otherToken := mintToken(t, func(c gojwt.MapClaims) {
		c["sub"] = "user-2"
		c["scope"] = "tasks:write"
	})
	otherReq := httptest.NewRequest("DELETE", "/tasks/1", nil)
	otherReq.Header.Set("Authorization", "Bearer "+otherToken)
	otherRec := httptest.NewRecorder()
	g.ServeHTTP(otherRec, otherReq)
	assert.Equal(t, http.StatusOK, otherRec.Code)
}

func TestPipelinePathMappings(t *testing.T) {
	profile, profileSrv := newEchoUpstream(t, "profile-1")
	search, searchSrv := newEchoUpstream(t, "search-1")
	g := testGateway(t, map[string]string{
		"user-profile": profileSrv.URL,
		"search":       searchSrv.URL,
	}, nil)

	token := mintToken(t, func(c gojwt.MapClaims) {
		c["scope"] = "tasks:read profile:read"
	})

	r := httptest.NewRequest("GET", "/user-profile/me", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	g.ServeHTTP(w, r)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "/profiles/me", profile.last(t).URL.Path)

	r = httptest.NewRequest("GET", "/search/tasks?q=milk", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	w = httptest.NewRecorder()
	g.ServeHTTP(w, r)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "/tasks", search.last(t).URL.Path)
	assert.Equal(t, "q=milk", search.last(t).URL.RawQuery)
}

func TestPipelineRegistrationProvisioning(t *testing.T) {
	authSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"user":{"id":"u9","email":"jane.doe@example.com"},"token":"t"}`))
	}))
	defer authSrv.Close()

	rec := &profileRecorder{}
	profileSrv := httptest.NewServer(rec.handler())
	defer profileSrv.Close()

	g := testGateway(t, map[string]string{"auth": authSrv.URL}, func(cfg *Config) {
		cfg.Provisioner = NewProvisioner(profileSrv.URL, observability.NopLogger())
	})

	w := httptest.NewRecorder()
	g.ServeHTTP(w, httptest.NewRequest("POST", "/auth/register", nil))

	// The client sees the auth service's response untouched.
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Contains(t, w.Body.String(), `"u9"`)

	assert.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 10*time.Millisecond)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, "Jane Doe", rec.bodies[0]["name"])
	assert.Equal(t, "u9", rec.requests[0].Header.Get("X-User-Id"))
}

func TestPipelineRegistrationFailureSkipsProvisioning(t *testing.T) {
	authSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"detail":"email taken"}`, http.StatusBadRequest)
	}))
	defer authSrv.Close()

	rec := &profileRecorder{}
	profileSrv := httptest.NewServer(rec.handler())
	defer profileSrv.Close()

	g := testGateway(t, map[string]string{"auth": authSrv.URL}, func(cfg *Config) {
		cfg.Provisioner = NewProvisioner(profileSrv.URL, observability.NopLogger())
	})

	w := httptest.NewRecorder()
	g.ServeHTTP(w, httptest.NewRequest("POST", "/auth/register", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, rec.count())
}

func TestAccessLogCarriesRoute(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	_, tasksSrv := newEchoUpstream(t, "tasks-1")
	g := testGateway(t, map[string]string{"tasks": tasksSrv.URL}, nil)
	h := middleware.Chain(g, middleware.Logging(observability.FromZap(zap.New(core))))

	r := httptest.NewRequest("GET", "/tasks/7", nil)
	r.Header.Set("Authorization", "Bearer "+mintToken(t, nil))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	require.Equal(t, http.StatusOK, w.Code)

	entries := logs.FilterMessage("http request").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "tasks", entries[0].ContextMap()["route"])
}

func TestUnknownRouteMetricsLabel(t *testing.T) {
	metrics := observability.NewMetrics("")
	g := testGateway(t, map[string]string{}, func(cfg *Config) {
		cfg.Metrics = metrics
	})

	// Distinct unknown first segments share one label instead of minting
	// a series each.
	for _, path := range []string{"/nonesuch-a/1", "/nonesuch-b/2"} {
		w := httptest.NewRecorder()
		g.ServeHTTP(w, httptest.NewRequest("GET", path, nil))
		require.Equal(t, http.StatusNotFound, w.Code)
	}

	w := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	body := w.Body.String()
	assert.Contains(t, body, `route="unknown"`)
	assert.NotContains(t, body, "nonesuch-a")
	assert.NotContains(t, body, "nonesuch-b")
}

func TestAuthFailureReasons(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		reason string
		detail string
	}{
		{"expired", jwt.NewValidationError("token expired", jwt.ErrTokenExpired), "expired", "Token expired"},
		{"ttl exceeded", jwt.NewValidationError("lifetime too long", jwt.ErrTokenTTLExceeded), "ttl_exceeded", "Token lifetime too long"},
		{"key not found", jwt.NewKeyError("k1", "key not found", jwt.ErrKeyNotFound), "key_unavailable", "Invalid token"},
		{"endpoint down", jwt.NewKeyError("", "fetching JWKS", jwt.ErrJWKSFetchFailed), "key_unavailable", "Invalid token"},
		{"bad signature", jwt.NewValidationError("signature mismatch", jwt.ErrTokenInvalidSignature), "invalid", "Invalid token"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reason, detail := authFailure(tt.err)
			assert.Equal(t, tt.reason, reason)
			assert.Equal(t, tt.detail, detail)
		})
	}
}
