package config

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/upb/authgate/jwks"
	"github.com/upb/authgate/token"
	"github.com/upb/authgate/utils"
)

// Config represents the complete application configuration
type Config struct {
	Server        ServerConfig
	OIDC          OIDCConfig
	Observability ObservabilityConfig
	CORS          CORSConfig
	Environment   string `validate:"required"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            int           `validate:"min=1,max=65535"`
	ReadTimeout     time.Duration `validate:"gt=0"`
	WriteTimeout    time.Duration `validate:"gt=0"`
	ShutdownTimeout time.Duration `validate:"gt=0"`
	TLS             TLSConfig
}

// TLSConfig holds the listener certificate settings
type TLSConfig struct {
	Enabled  bool
	CertFile string `validate:"required_if=Enabled true"`
	KeyFile  string `validate:"required_if=Enabled true"`
}

// OIDCConfig holds the identity provider trust settings
type OIDCConfig struct {
	Issuer             string        `validate:"required,url"`
	Audience           string        `validate:"required"`
	JWKSURL            string        `validate:"omitempty,url"`
	ClockSkewSeconds   int           `validate:"gte=0,lte=300"`
	AllowedAlgorithms  []string      `validate:"min=1,dive,oneof=RS256 RS384 RS512 PS256 PS384 PS512 ES256 ES384 ES512 EdDSA"`
	HTTPTimeout        time.Duration `validate:"gt=0"`
	RefreshCooldown    time.Duration `validate:"gte=0"`
	InsecureSkipVerify bool
}

// ObservabilityConfig holds monitoring and logging configuration
type ObservabilityConfig struct {
	LogLevel       string `validate:"required"`
	LogFormat      string `validate:"oneof=json text console"` // json or text
	MetricsEnabled bool
}

// CORSConfig holds cross-origin settings for the router
type CORSConfig struct {
	AllowedOrigins []string
}

// New creates a new Config instance by loading environment variables
func New(ctx context.Context) (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load(".env")

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			Port:            getPort(),
			ReadTimeout:     getEnvAsDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    getEnvAsDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
			TLS: TLSConfig{
				Enabled:  getEnvAsBool("TLS_ENABLED", false),
				CertFile: getEnv("TLS_CERT_FILE", "certs/cert.pem"),
				KeyFile:  getEnv("TLS_KEY_FILE", "certs/key.pem"),
			},
		},
		OIDC: OIDCConfig{
			Issuer:             getEnv("OIDC_ISSUER", "https://localhost:8443/realms/myrealm"),
			Audience:           getEnv("OIDC_AUDIENCE", "myclient"),
			JWKSURL:            getEnv("OIDC_JWKS_URL", ""),
			ClockSkewSeconds:   getEnvAsInt("OIDC_CLOCK_SKEW_SECONDS", 60),
			AllowedAlgorithms:  getEnvAsList("OIDC_ALLOWED_ALGORITHMS", []string{"RS256"}),
			HTTPTimeout:        getEnvAsDuration("OIDC_HTTP_TIMEOUT", 10*time.Second),
			RefreshCooldown:    getEnvAsDuration("OIDC_REFRESH_COOLDOWN", 30*time.Second),
			InsecureSkipVerify: getEnvAsBool("OIDC_INSECURE_SKIP_VERIFY", false),
		},
		Observability: ObservabilityConfig{
			LogLevel:       getEnv("LOG_LEVEL", "info"),
			LogFormat:      getEnv("LOG_FORMAT", "json"),
			MetricsEnabled: getEnvAsBool("METRICS_ENABLED", true),
		},
		CORS: CORSConfig{
			AllowedOrigins: getEnvAsList("CORS_ALLOWED_ORIGINS", []string{"http://localhost:*"}),
		},
	}

	// Validate the configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if all required configuration fields are set
func (c *Config) Validate() error {
	if err := utils.ValidateStruct(c); err != nil {
		return err
	}

	u, err := url.Parse(c.OIDC.Issuer)
	if err != nil {
		return fmt.Errorf("invalid issuer URL: %w", err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("issuer URL must use http or https, got %q", u.Scheme)
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return fmt.Errorf("issuer URL must not carry a query or fragment")
	}

	if c.IsProduction() {
		if c.OIDC.InsecureSkipVerify {
			return fmt.Errorf("OIDC_INSECURE_SKIP_VERIFY is not allowed in production")
		}
		if u.Scheme != "https" {
			return fmt.Errorf("issuer URL must use https in production")
		}
	}

	return nil
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return c.Environment == "production" || c.Environment == "prod"
}

// TokenConfig returns the validation policy for the token validator
func (c *OIDCConfig) TokenConfig() token.Config {
	return token.Config{
		Issuer:            c.Issuer,
		Audience:          c.Audience,
		ClockSkew:         time.Duration(c.ClockSkewSeconds) * time.Second,
		AllowedAlgorithms: append([]string(nil), c.AllowedAlgorithms...),
	}
}

// ResolverConfig returns the key resolver settings
func (c *OIDCConfig) ResolverConfig() jwks.Config {
	return jwks.Config{
		Issuer:             c.Issuer,
		JWKSURL:            c.JWKSURL,
		HTTPTimeout:        c.HTTPTimeout,
		RefreshCooldown:    c.RefreshCooldown,
		InsecureSkipVerify: c.InsecureSkipVerify,
	}
}

// Address returns the HTTP server address
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Helper functions

// getPort returns the server port from PORT or SERVER_PORT env vars (default: 8080)
func getPort() int {
	if value := os.Getenv("PORT"); value != "" {
		if p, err := strconv.Atoi(value); err == nil {
			return p
		}
	}
	return getEnvAsInt("SERVER_PORT", 8080)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsList splits a comma separated value, dropping empty entries
func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(valueStr, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
