package jwks

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/upb/authgate/internal/observability"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrKeyNotFound is returned when no key with the requested kid exists,
	// even after refreshing the key set.
	ErrKeyNotFound = errors.New("signing key not found")

	// ErrKeyResolutionFailed is returned when discovery or the key set fetch fails
	ErrKeyResolutionFailed = errors.New("key resolution failed")
)

// WellKnownPath is the discovery document location relative to the issuer
const WellKnownPath = "/.well-known/openid-configuration"

// maxKeySetBytes bounds the size of a key set response
const maxKeySetBytes = 1 << 20

const refreshGroupKey = "jwks"

// maxRememberedMisses bounds the unknown-kid memory; it is reset when full
const maxRememberedMisses = 1024

// Config holds configuration for Resolver
type Config struct {
	// Issuer is the provider's issuer URL; discovery happens at
	// Issuer + WellKnownPath.
	Issuer string
	// JWKSURL skips discovery when set.
	JWKSURL string
	// HTTPTimeout bounds each outbound request (discovery and key set).
	HTTPTimeout time.Duration
	// RefreshCooldown is how long a kid that was still unknown after a
	// refresh is answered from memory instead of refetching. Kids never seen
	// before always trigger a refetch. Zero disables the memory.
	RefreshCooldown time.Duration
	// InsecureSkipVerify disables TLS verification for self-signed development
	// providers.
	InsecureSkipVerify bool
	// HTTPClient overrides the client used for outbound calls.
	HTTPClient *http.Client
}

// DiscoveryURL returns the discovery document URL derived from the issuer
func (c Config) DiscoveryURL() string {
	return strings.TrimSuffix(c.Issuer, "/") + WellKnownPath
}

// Resolver fetches and caches the provider's signing keys.
type Resolver struct {
	issuer          string
	discoveryURL    string
	staticJWKSURL   string
	httpClient      *http.Client
	timeout         time.Duration
	refreshCooldown time.Duration
	logger          *zap.Logger
	metrics         *observability.Metrics
	now             func() time.Time

	// static resolvers never hit the network
	static bool

	mu      sync.RWMutex
	keys    map[string]SigningKey
	keysSeq uint64 // sequence number of the fetch that produced keys
	jwksURI string
	misses  map[string]time.Time

	// fetchSeq numbers key set fetches in the order they start
	fetchSeq atomic.Uint64
	group    singleflight.Group
}

// Option configures a Resolver
type Option func(*Resolver)

// WithMetrics records key set fetches on m
func WithMetrics(m *observability.Metrics) Option {
	return func(r *Resolver) { r.metrics = m }
}

// WithClock overrides the time source used for the refresh cooldown
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

// NewResolver creates a resolver that discovers the key set from the issuer.
// No network call is made until the first Resolve or Refresh.
func NewResolver(cfg Config, logger *zap.Logger, opts ...Option) (*Resolver, error) {
	if cfg.Issuer == "" && cfg.JWKSURL == "" {
		return nil, errors.New("issuer or jwks url is required")
	}
	if cfg.HTTPTimeout == 0 {
		cfg.HTTPTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.HTTPTimeout}
		if cfg.InsecureSkipVerify {
			client.Transport = &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec // development providers only
			}
		}
	}

	r := &Resolver{
		issuer:          cfg.Issuer,
		discoveryURL:    cfg.DiscoveryURL(),
		staticJWKSURL:   cfg.JWKSURL,
		httpClient:      client,
		timeout:         cfg.HTTPTimeout,
		refreshCooldown: cfg.RefreshCooldown,
		logger:          logger,
		now:             time.Now,
		keys:            make(map[string]SigningKey),
		misses:          make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// NewStatic creates a resolver over a fixed set of keys. Misses are final.
func NewStatic(keys ...SigningKey) *Resolver {
	r := &Resolver{
		static: true,
		logger: zap.NewNop(),
		now:    time.Now,
		keys:   make(map[string]SigningKey, len(keys)),
	}
	for _, k := range keys {
		r.keys[k.KeyID] = k
	}
	return r
}

// Resolve returns the signing key with the given kid. On a cache miss the key
// set is refetched before the kid is declared unknown; concurrent misses share
// a single fetch. A kid that was still unknown after a refetch is remembered
// for the refresh cooldown and does not trigger another one.
func (r *Resolver) Resolve(ctx context.Context, kid string) (SigningKey, error) {
	if key, ok := r.lookup(kid); ok {
		return key, nil
	}
	if r.static {
		return SigningKey{}, fmt.Errorf("%w: kid %q", ErrKeyNotFound, kid)
	}
	if r.recentlyMissed(kid) {
		r.logger.Debug("jwks refresh skipped for recently unknown kid", zap.String("kid", kid))
		return SigningKey{}, fmt.Errorf("%w: kid %q", ErrKeyNotFound, kid)
	}

	// Only a fetch started after this miss can prove the kid unknown. Joining
	// one already in flight may need a second round.
	missedAt := r.fetchSeq.Load()
	for attempt := 0; attempt < 2; attempt++ {
		ch := r.group.DoChan(refreshGroupKey, func() (interface{}, error) {
			// Shared fetches outlive the request that started them
			return nil, r.refresh(context.WithoutCancel(ctx))
		})

		select {
		case <-ctx.Done():
			return SigningKey{}, fmt.Errorf("%w: %w", ErrKeyResolutionFailed, ctx.Err())
		case res := <-ch:
			if res.Err != nil {
				return SigningKey{}, res.Err
			}
		}

		if key, ok := r.lookup(kid); ok {
			return key, nil
		}
		if r.cachedSeq() > missedAt {
			break
		}
	}

	r.recordMiss(kid)
	return SigningKey{}, fmt.Errorf("%w: kid %q", ErrKeyNotFound, kid)
}

// Refresh forces a refetch of the key set, coalesced with any in-flight
// fetch. The fetch outlives ctx; only the wait is bounded by it.
func (r *Resolver) Refresh(ctx context.Context) error {
	if r.static {
		return nil
	}
	ch := r.group.DoChan(refreshGroupKey, func() (interface{}, error) {
		return nil, r.refresh(context.WithoutCancel(ctx))
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrKeyResolutionFailed, ctx.Err())
	}
}

// Keys returns a snapshot of the cached keys
func (r *Resolver) Keys() []SigningKey {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]SigningKey, 0, len(r.keys))
	for _, k := range r.keys {
		keys = append(keys, k)
	}
	return keys
}

// Ready reports whether at least one key is cached
func (r *Resolver) Ready() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.keys) > 0
}

func (r *Resolver) lookup(kid string) (SigningKey, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	key, ok := r.keys[kid]
	return key, ok
}

func (r *Resolver) cachedSeq() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.keysSeq
}

func (r *Resolver) recentlyMissed(kid string) bool {
	if r.refreshCooldown <= 0 {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	at, ok := r.misses[kid]
	return ok && r.now().Sub(at) < r.refreshCooldown
}

func (r *Resolver) recordMiss(kid string) {
	if r.refreshCooldown <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.misses) >= maxRememberedMisses {
		r.misses = make(map[string]time.Time)
	}
	r.misses[kid] = r.now()
}

// refresh fetches the key set and replaces the cache. Keys removed by the
// provider are dropped.
func (r *Resolver) refresh(ctx context.Context) error {
	seq := r.fetchSeq.Add(1)
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	keys, err := r.fetch(ctx)
	if err != nil {
		r.metrics.RecordKeyFetch("error", time.Since(start))
		r.logger.Warn("jwks refresh failed", zap.Error(err))
		return fmt.Errorf("%w: %w", ErrKeyResolutionFailed, err)
	}
	r.metrics.RecordKeyFetch("ok", time.Since(start))

	cache := make(map[string]SigningKey, len(keys))
	for _, k := range keys {
		cache[k.KeyID] = k
	}

	r.mu.Lock()
	r.keys = cache
	r.keysSeq = seq
	r.mu.Unlock()

	r.logger.Info("jwks refreshed", zap.Int("keys", len(cache)))
	return nil
}

func (r *Resolver) fetch(ctx context.Context) ([]SigningKey, error) {
	uri, err := r.keySetURI(ctx)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch JWKS: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch JWKS: status code %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxKeySetBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read JWKS: %w", err)
	}

	keys, skipped, err := ParseKeySet(body)
	for _, s := range skipped {
		r.logger.Debug("skipping jwk", zap.String("kid", s.KeyID), zap.String("reason", s.Reason))
	}
	if err != nil {
		return nil, err
	}
	return keys, nil
}

// keySetURI returns the jwks_uri, running discovery the first time
func (r *Resolver) keySetURI(ctx context.Context) (string, error) {
	if r.staticJWKSURL != "" {
		return r.staticJWKSURL, nil
	}

	r.mu.RLock()
	uri := r.jwksURI
	r.mu.RUnlock()
	if uri != "" {
		return uri, nil
	}

	provider, err := oidc.NewProvider(oidc.ClientContext(ctx, r.httpClient), r.issuer)
	if err != nil {
		return "", fmt.Errorf("oidc discovery at %s failed: %w", r.discoveryURL, err)
	}
	var meta struct {
		JwksURI string `json:"jwks_uri"`
	}
	if err := provider.Claims(&meta); err != nil {
		return "", fmt.Errorf("invalid discovery metadata: %w", err)
	}
	if meta.JwksURI == "" {
		return "", errors.New("discovery incomplete: missing jwks_uri")
	}

	r.mu.Lock()
	r.jwksURI = meta.JwksURI
	r.mu.Unlock()

	r.logger.Info("oidc discovery complete",
		zap.String("discovery_url", r.discoveryURL),
		zap.String("jwks_uri", meta.JwksURI))
	return meta.JwksURI, nil
}
