package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/upb/authgate/config"
	"github.com/upb/authgate/internal/observability"
	"github.com/upb/authgate/jwks"
	"github.com/upb/authgate/middleware"
	"github.com/upb/authgate/token"
	"go.uber.org/zap"
)

// Dependencies holds all application dependencies.
// This is the central wiring point for dependency injection.
type Dependencies struct {
	// Infrastructure
	Config *config.Config
	Logger *zap.Logger

	// Observability. Registry and Metrics are nil when metrics are disabled.
	Registry *prometheus.Registry
	Metrics  *observability.Metrics

	// Auth
	KeyResolver    *jwks.Resolver
	Validator      *token.Validator
	AuthMiddleware *middleware.AuthMiddleware
}

// NewDependencies creates and wires up all application dependencies.
// Only configuration errors fail; an unreachable identity provider is logged
// and retried on the first request.
func NewDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Dependencies, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	deps := &Dependencies{
		Config: cfg,
		Logger: logger,
	}

	deps.initMetrics(cfg)

	if err := deps.initAuth(cfg); err != nil {
		return nil, fmt.Errorf("failed to initialize auth: %w", err)
	}

	deps.warmKeys(ctx)

	logger.Info("all dependencies initialized successfully",
		zap.String("issuer", cfg.OIDC.Issuer),
		zap.String("audience", cfg.OIDC.Audience))
	return deps, nil
}

// initMetrics creates a private registry with the runtime collectors
func (d *Dependencies) initMetrics(cfg *config.Config) {
	if !cfg.Observability.MetricsEnabled {
		d.Logger.Info("metrics disabled")
		return
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	d.Registry = reg
	d.Metrics = observability.NewMetrics(reg)
}

// initAuth wires the key resolver, the token validator and the gate
func (d *Dependencies) initAuth(cfg *config.Config) error {
	resolver, err := jwks.NewResolver(cfg.OIDC.ResolverConfig(), d.Logger, jwks.WithMetrics(d.Metrics))
	if err != nil {
		return fmt.Errorf("failed to create key resolver: %w", err)
	}

	validator, err := token.NewValidator(cfg.OIDC.TokenConfig(), resolver)
	if err != nil {
		return fmt.Errorf("failed to create token validator: %w", err)
	}

	d.KeyResolver = resolver
	d.Validator = validator
	d.AuthMiddleware = middleware.NewAuthMiddleware(validator, cfg.OIDC.Issuer, d.Logger, d.Metrics)

	d.Logger.Info("auth initialized",
		zap.Strings("allowed_algorithms", cfg.OIDC.AllowedAlgorithms),
		zap.Int("clock_skew_seconds", cfg.OIDC.ClockSkewSeconds))
	return nil
}

// warmKeys loads the key set once so the first request does not pay for
// discovery. Failure is not fatal.
func (d *Dependencies) warmKeys(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, d.Config.OIDC.HTTPTimeout)
	defer cancel()

	if err := d.KeyResolver.Refresh(ctx); err != nil {
		d.Logger.Warn("initial key set load failed, will retry on demand", zap.Error(err))
		return
	}
	d.Logger.Info("key set loaded", zap.Int("keys", len(d.KeyResolver.Keys())))
}

// Close gracefully shuts down all dependencies
func (d *Dependencies) Close(ctx context.Context) error {
	d.Logger.Info("shutting down dependencies")

	// Sync logger
	if d.Logger != nil {
		_ = d.Logger.Sync()
	}

	return nil
}
