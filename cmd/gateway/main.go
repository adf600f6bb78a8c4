// Command gateway runs the TaskNotes API gateway: one proxy listener for
// client traffic and one admin listener for health, metrics, and the
// republished JWKS document.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/tasknotes/apigw/internal/auth/jwt"
	"github.com/tasknotes/apigw/internal/config"
	"github.com/tasknotes/apigw/internal/gateway"
	"github.com/tasknotes/apigw/internal/health"
	"github.com/tasknotes/apigw/internal/middleware"
	"github.com/tasknotes/apigw/internal/observability"
	"github.com/tasknotes/apigw/internal/policy"
	"github.com/tasknotes/apigw/internal/proxy"
	"github.com/tasknotes/apigw/internal/ratelimit"
	"github.com/tasknotes/apigw/internal/ratelimit/store"
	"github.com/tasknotes/apigw/internal/upstream"
)

const (
	version         = "1.0.0"
	shutdownTimeout = 30 * time.Second
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "gateway: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger, err := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	observability.SetGlobalLogger(logger)

	logger.Info("starting gateway",
		observability.String("version", version),
		observability.String("listen_addr", cfg.ListenAddr),
		observability.String("admin_addr", cfg.AdminAddr),
		observability.String("jwt_algorithm", cfg.JWT.Algorithm),
		observability.Bool("policy_enforced", cfg.Policy.Enforced))

	metrics := observability.NewMetrics("gateway")

	keySource, validator, err := buildVerifier(cfg, logger)
	if err != nil {
		return err
	}

	limiter, err := buildLimiter(cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = limiter.Close() }()

	engine, err := policy.NewEngine(policy.Config{
		Enforced: cfg.Policy.Enforced,
		File:     cfg.Policy.File,
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("building policy engine: %w", err)
	}

	registry, err := upstream.NewRegistry(cfg.Services)
	if err != nil {
		return fmt.Errorf("building upstream registry: %w", err)
	}

	forwarder := proxy.NewForwarder(
		proxy.WithForwarderTransport(proxy.NewTransport(proxy.DefaultTransportConfig())),
		proxy.WithForwarderLogger(logger),
	)

	handler := gateway.New(gateway.Config{
		Limiter:     limiter,
		Validator:   validator,
		Policy:      engine,
		Registry:    registry,
		Forwarder:   forwarder,
		Provisioner: gateway.NewProvisioner(firstReplica(cfg.Services["user-profile"]), logger),
		Metrics:     metrics,
		Logger:      logger,
	})

	mainServer := &http.Server{
		Addr: cfg.ListenAddr,
		Handler: middleware.Chain(handler,
			middleware.RequestID(),
			middleware.Recovery(logger),
			middleware.Logging(logger),
		),
		ReadHeaderTimeout: 10 * time.Second,
	}

	healthHandler := health.NewHandler(version)
	healthHandler.SetDetail("jwt_algorithm", cfg.JWT.Algorithm)

	adminServer := &http.Server{
		Addr: cfg.AdminAddr,
		Handler: gateway.NewAdminRouter(gateway.AdminConfig{
			Health:    healthHandler,
			Metrics:   metrics,
			KeySource: keySource,
			Logger:    logger,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("proxy listener up", observability.String("addr", cfg.ListenAddr))
		if err := mainServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("proxy listener: %w", err)
		}
	}()
	go func() {
		logger.Info("admin listener up", observability.String("addr", cfg.AdminAddr))
		if err := adminServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("admin listener: %w", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		logger.Info("shutting down", observability.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := mainServer.Shutdown(ctx); err != nil {
		logger.Error("proxy listener shutdown failed", observability.Error(err))
	}
	if err := adminServer.Shutdown(ctx); err != nil {
		logger.Error("admin listener shutdown failed", observability.Error(err))
	}

	logger.Info("gateway stopped")
	return nil
}

// buildVerifier assembles the token validator for the configured algorithm.
// The JWKS source is created in both modes so the admin listener can always
// republish the provider's key set.
func buildVerifier(cfg *config.Config, logger observability.Logger) (*jwt.JWKSKeySource, *jwt.Validator, error) {
	var keySource *jwt.JWKSKeySource
	if cfg.JWT.JWKSURL != "" {
		keySource = jwt.NewJWKSKeySource(cfg.JWT.JWKSURL, jwt.WithJWKSLogger(logger))
	}

	vcfg := jwt.ValidatorConfig{
		Algorithm: cfg.JWT.Algorithm,
		Issuer:    cfg.JWT.Issuer,
		Audience:  cfg.JWT.Audience,
		ClockSkew: cfg.JWT.ClockSkew,
		MaxTTL:    cfg.JWT.MaxTTL,
	}
	switch cfg.JWT.Algorithm {
	case jwt.AlgHS256:
		vcfg.Secret = []byte(cfg.JWT.SecretKey)
	case jwt.AlgRS256:
		vcfg.KeySource = keySource
	}

	validator, err := jwt.NewValidator(vcfg, jwt.WithValidatorLogger(logger))
	if err != nil {
		return nil, nil, fmt.Errorf("building token validator: %w", err)
	}
	return keySource, validator, nil
}

// buildLimiter assembles the rate limiter, optionally backed by Redis when
// the gateway runs with shared limit state.
func buildLimiter(cfg *config.Config, logger observability.Logger) (ratelimit.Limiter, error) {
	if !cfg.RateLimit.Enabled {
		logger.Warn("rate limiting disabled")
		return ratelimit.NewNoopLimiter(), nil
	}

	limits := ratelimit.Limits{
		PerMethod: map[string]int{
			http.MethodGet:    cfg.RateLimit.GetLimit,
			http.MethodPost:   cfg.RateLimit.PostLimit,
			http.MethodPut:    cfg.RateLimit.PutLimit,
			http.MethodPatch:  cfg.RateLimit.PatchLimit,
			http.MethodDelete: cfg.RateLimit.DeleteLimit,
		},
		Default: cfg.RateLimit.DefaultLimit,
		Window:  cfg.RateLimit.Window,
	}

	opts := []ratelimit.TokenBucketOption{ratelimit.WithLimiterLogger(logger)}
	if cfg.RateLimit.RedisAddr != "" {
		redisCfg := store.DefaultRedisConfig()
		redisCfg.Address = cfg.RateLimit.RedisAddr
		redisCfg.Password = cfg.RateLimit.RedisPassword
		redisCfg.DB = cfg.RateLimit.RedisDB
		redisCfg.Logger = logger

		redisStore, err := store.NewRedisStore(redisCfg)
		if err != nil {
			return nil, fmt.Errorf("building redis rate limit store: %w", err)
		}
		opts = append(opts, ratelimit.WithStore(redisStore))
	}

	return ratelimit.NewTokenBucketLimiter(limits, opts...), nil
}

// firstReplica picks the first replica of a comma-separated list for
// out-of-band calls like profile provisioning.
func firstReplica(urls string) string {
	for _, part := range strings.Split(urls, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			return trimmed
		}
	}
	return urls
}
