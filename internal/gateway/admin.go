package gateway

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tasknotes/apigw/internal/auth/jwt"
	"github.com/tasknotes/apigw/internal/health"
	"github.com/tasknotes/apigw/internal/observability"
)

// emptyKeySet is served when the identity provider's document cannot be
// fetched, so clients always get a valid JWKS shape.
var emptyKeySet = []byte(`{"keys":[]}`)

// AdminConfig configures the admin listener.
type AdminConfig struct {
	Health    *health.Handler
	Metrics   *observability.Metrics
	KeySource *jwt.JWKSKeySource
	Logger    observability.Logger
}

// NewAdminRouter builds the gin router for the admin listener: liveness,
// Prometheus metrics, and the republished JWKS document.
func NewAdminRouter(cfg AdminConfig) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	logger := cfg.Logger
	if logger == nil {
		logger = observability.NopLogger()
	}

	if cfg.Health != nil {
		cfg.Health.Register(router)
	}
	if cfg.Metrics != nil {
		router.GET("/metrics", gin.WrapH(cfg.Metrics.Handler()))
	}
	router.GET("/.well-known/jwks.json", jwksHandler(cfg.KeySource, logger))

	return router
}

// jwksHandler republishes the identity provider's key set so frontends on
// the gateway origin can verify tokens without reaching the provider.
func jwksHandler(source *jwt.JWKSKeySource, logger observability.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Content-Type", "application/json")

		if source == nil {
			c.Data(http.StatusOK, "application/json", emptyKeySet)
			return
		}

		doc, err := source.RawDocument(c.Request.Context())
		if err != nil {
			logger.Warn("serving empty key set, provider unreachable",
				observability.Error(err))
			c.Data(http.StatusOK, "application/json", emptyKeySet)
			return
		}
		c.Data(http.StatusOK, "application/json", doc)
	}
}
