package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/authgate/config"
	"github.com/upb/authgate/internal/oidctest"
	"go.uber.org/zap/zaptest"
)

func testConfig(issuer string) *config.Config {
	return &config.Config{
		Environment: "development",
		Server: config.ServerConfig{
			Host:            "127.0.0.1",
			Port:            8080,
			ReadTimeout:     5 * time.Second,
			WriteTimeout:    5 * time.Second,
			ShutdownTimeout: 5 * time.Second,
		},
		OIDC: config.OIDCConfig{
			Issuer:            issuer,
			Audience:          "myclient",
			ClockSkewSeconds:  60,
			AllowedAlgorithms: []string{"RS256"},
			HTTPTimeout:       2 * time.Second,
			RefreshCooldown:   30 * time.Second,
		},
		Observability: config.ObservabilityConfig{
			LogLevel:       "debug",
			LogFormat:      "json",
			MetricsEnabled: true,
		},
	}
}

func TestNewDependencies(t *testing.T) {
	t.Run("successful initialization with all components", func(t *testing.T) {
		ctx := context.Background()
		idp := oidctest.New(t)
		logger := zaptest.NewLogger(t)

		deps, err := NewDependencies(ctx, testConfig(idp.Issuer()), logger)
		require.NoError(t, err)
		require.NotNil(t, deps)

		// Verify infrastructure
		assert.NotNil(t, deps.Config)
		assert.NotNil(t, deps.Logger)
		assert.NotNil(t, deps.Registry)
		assert.NotNil(t, deps.Metrics)

		// Verify auth
		assert.NotNil(t, deps.KeyResolver)
		assert.NotNil(t, deps.Validator)
		assert.NotNil(t, deps.AuthMiddleware)
		assert.Equal(t, idp.Issuer(), deps.Validator.Config().Issuer)
		assert.Equal(t, time.Minute, deps.Validator.Config().ClockSkew)

		// Keys are loaded at startup
		assert.True(t, deps.KeyResolver.Ready())
		assert.EqualValues(t, 1, idp.JWKSRequests())

		err = deps.Close(ctx)
		assert.NoError(t, err)
	})

	t.Run("validates tokens end to end", func(t *testing.T) {
		ctx := context.Background()
		idp := oidctest.New(t)

		deps, err := NewDependencies(ctx, testConfig(idp.Issuer()), zaptest.NewLogger(t))
		require.NoError(t, err)

		raw, err := idp.Mint(idp.Claims("user-1"))
		require.NoError(t, err)

		principal, err := deps.Validator.Validate(ctx, raw)
		require.NoError(t, err)
		assert.Equal(t, "user-1", principal.Subject)
	})

	t.Run("unreachable provider is not fatal", func(t *testing.T) {
		ctx := context.Background()
		idp := oidctest.New(t)
		issuer := idp.Issuer()
		idp.Close()

		deps, err := NewDependencies(ctx, testConfig(issuer), zaptest.NewLogger(t))
		require.NoError(t, err)
		assert.False(t, deps.KeyResolver.Ready())
	})

	t.Run("metrics disabled", func(t *testing.T) {
		idp := oidctest.New(t)
		cfg := testConfig(idp.Issuer())
		cfg.Observability.MetricsEnabled = false

		deps, err := NewDependencies(context.Background(), cfg, zaptest.NewLogger(t))
		require.NoError(t, err)
		assert.Nil(t, deps.Registry)
		assert.Nil(t, deps.Metrics)
	})

	t.Run("invalid token policy", func(t *testing.T) {
		idp := oidctest.New(t)
		cfg := testConfig(idp.Issuer())
		cfg.OIDC.AllowedAlgorithms = []string{"HS256"}

		deps, err := NewDependencies(context.Background(), cfg, zaptest.NewLogger(t))
		assert.Error(t, err)
		assert.Nil(t, deps)
		assert.Contains(t, err.Error(), "failed to initialize auth")
	})

	t.Run("nil config", func(t *testing.T) {
		deps, err := NewDependencies(context.Background(), nil, nil)
		assert.Error(t, err)
		assert.Nil(t, deps)
	})
}
